package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — имя обменника.
type Exchange string

// Queue — имя очереди.
type Queue string

// RoutingKey — ключ маршрутизации.
type RoutingKey string

const (
	ExchangeTasks Exchange = "humanitas.tasks"
	ExchangeDLQ   Exchange = "humanitas.dlq"
)

const (
	QueueTasksReady Queue = "tasks.ready"
	QueueDLQTasks   Queue = "dlq.tasks"
)

const (
	RoutingKeyReady      RoutingKey = "ready"
	RoutingKeyDeadLetter RoutingKey = "tasks"
)

// binding — очередь, привязанная к exchange.
type binding struct {
	queue      Queue
	exchange   Exchange
	routingKey RoutingKey
	args       amqp.Table
}

var topology = []binding{
	{
		queue:      QueueTasksReady,
		exchange:   ExchangeTasks,
		routingKey: RoutingKeyReady,
		// сообщения, отклонённые без requeue, уходят в DLQ
		args: amqp.Table{
			"x-dead-letter-exchange":    string(ExchangeDLQ),
			"x-dead-letter-routing-key": string(RoutingKeyDeadLetter),
		},
	},
	{
		queue:      QueueDLQTasks,
		exchange:   ExchangeDLQ,
		routingKey: RoutingKeyDeadLetter,
	},
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		for _, ex := range []Exchange{ExchangeTasks, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		for _, b := range topology {
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, b.args); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}
		return nil
	})
}
