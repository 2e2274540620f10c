package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// resubscribeDelay — пауза перед новой подпиской, если соединение живо,
// но подписка не удалась (например, очередь ещё не объявлена).
const resubscribeDelay = 5 * time.Second

var errDeliveriesClosed = errors.New("deliveries channel closed")

// ReadyConsumer слушает tasks.ready и будит воркеров.
//
// Сообщение — только подсказка: задача уже в БД. Ack идёт сразу после
// onReady, нечитаемое сообщение уходит в DLQ.
type ReadyConsumer struct {
	conn     *Connection
	prefetch int
	onReady  func(TaskReadyPayload)
	logger   *slog.Logger
}

// NewReadyConsumer создаёт потребителя tasks.ready.
func NewReadyConsumer(conn *Connection, prefetch int, onReady func(TaskReadyPayload), logger *slog.Logger) *ReadyConsumer {
	if prefetch <= 0 {
		prefetch = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadyConsumer{
		conn:     conn,
		prefetch: prefetch,
		onReady:  onReady,
		logger:   logger.With("queue", string(QueueTasksReady)),
	}
}

// Run потребляет до отмены ctx или Close соединения.
// После разрыва ждёт переподключения и подписывается снова.
func (c *ReadyConsumer) Run(ctx context.Context) error {
	for {
		reconnected := c.conn.Reconnected()
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("task.ready consumer interrupted", "error", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.conn.Done():
			return ErrClosed
		case <-reconnected:
		case <-time.After(resubscribeDelay):
		}
	}
}

func (c *ReadyConsumer) consume(ctx context.Context) error {
	ch, err := c.conn.openChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(string(QueueTasksReady), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume: %w", err)
	}
	c.logger.Info("task.ready consumer started", "prefetch", c.prefetch)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-deliveries:
			if !ok {
				return errDeliveriesClosed
			}
			c.handle(d)
		}
	}
}

func (c *ReadyConsumer) handle(d amqp.Delivery) {
	ready, err := decodeReady(d.Body)
	if err != nil {
		c.logger.Warn("unreadable task.ready message", "message_id", d.MessageId, "error", err)
		_ = d.Nack(false, false)
		return
	}
	c.onReady(ready)
	_ = d.Ack(false)
}

func decodeReady(body []byte) (TaskReadyPayload, error) {
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return TaskReadyPayload{}, fmt.Errorf("decode message: %w", err)
	}
	if msg.Type != MessageTypeTaskReady {
		return TaskReadyPayload{}, fmt.Errorf("unexpected message type %q", msg.Type)
	}
	return ParsePayload[TaskReadyPayload](&msg)
}

// ParsePayload разбирает payload сообщения в T.
func ParsePayload[T any](msg *Message) (T, error) {
	var result T
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		return result, fmt.Errorf("unmarshal %s payload: %w", msg.Type, err)
	}
	return result, nil
}
