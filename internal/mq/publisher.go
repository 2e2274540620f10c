package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// MessageType — тип сообщения.
type MessageType string

const (
	MessageTypeTaskReady        MessageType = "task.ready"
	MessageTypeTaskDeadLettered MessageType = "task.dead_lettered"
)

// Message — конверт сообщения.
type Message struct {
	ID        string          `json:"id"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// TaskReadyPayload — задача появилась или снова стала видимой.
type TaskReadyPayload struct {
	TaskID uuid.UUID `json:"task_id"`
	Kind   string    `json:"kind"`
}

// DeadLetterPayload — задача ушла в dead_letter.
type DeadLetterPayload struct {
	TaskID  uuid.UUID `json:"task_id"`
	Kind    string    `json:"kind"`
	Attempt int       `json:"attempt"`
	Error   string    `json:"error"`
}

// Publisher публикует сообщения в RabbitMQ.
type Publisher struct {
	conn   *Connection
	logger *slog.Logger
}

// NewPublisher создаёт новый Publisher.
func NewPublisher(conn *Connection, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{conn: conn, logger: logger}
}

// NewMessage упаковывает payload в конверт.
func NewMessage(msgType MessageType, payload any) (*Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return &Message{
		ID:        uuid.NewString(),
		Type:      msgType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// Publish публикует persistent-сообщение и ждёт confirm брокера.
func (p *Publisher) Publish(ctx context.Context, exchange Exchange, routingKey RoutingKey, msg *Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	err = p.conn.publish(ctx, exchange, routingKey, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		Body:         body,
	})
	if err != nil {
		return err
	}

	p.logger.Debug("published message",
		"exchange", exchange,
		"routing_key", routingKey,
		"message_id", msg.ID,
		"type", msg.Type,
	)
	return nil
}

// PublishTaskReady будит воркеров. Потребитель: worker.
func (p *Publisher) PublishTaskReady(ctx context.Context, taskID uuid.UUID, kind string) error {
	msg, err := NewMessage(MessageTypeTaskReady, TaskReadyPayload{TaskID: taskID, Kind: kind})
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeTasks, RoutingKeyReady, msg)
}

// PublishDeadLetter кладёт описание dead-letter задачи в DLQ.
func (p *Publisher) PublishDeadLetter(ctx context.Context, payload DeadLetterPayload) error {
	msg, err := NewMessage(MessageTypeTaskDeadLettered, payload)
	if err != nil {
		return err
	}
	return p.Publish(ctx, ExchangeDLQ, RoutingKeyDeadLetter, msg)
}
