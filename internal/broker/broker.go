// Package broker owns the RabbitMQ side of the notification service: the
// single connection and channel shared by every consumer, idempotent
// topology declaration, and publishing.
package broker

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp.Channel used for topology, consumption and
// publishing. Implementations must be safe for concurrent use; the amqp091
// channel serializes frames internally, so consumers of different categories
// may share one.
type Channel interface {
	// ExchangeDeclare declares an exchange. Declaring an existing exchange
	// with identical parameters is a no-op; conflicting parameters fail.
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error

	// QueueDeclare declares a queue with the same idempotency rules as
	// ExchangeDeclare.
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)

	// QueueBind binds a queue to an exchange under a routing key.
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error

	// Qos limits the number of unacknowledged deliveries per consumer.
	Qos(prefetchCount, prefetchSize int, global bool) error

	// Consume starts delivering messages from queue. The returned channel is
	// closed when the consumer is cancelled or the channel is closed.
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	// Cancel stops deliveries for the given consumer tag.
	Cancel(consumer string, noWait bool) error

	// PublishWithContext sends a message to an exchange.
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error

	// NotifyClose registers a listener for the channel closing. A channel
	// exception, such as a PRECONDITION_FAILED declaration, is sent before
	// the listener is closed; a graceful close only closes it.
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error

	// Close closes the channel.
	Close() error
}

var _ Channel = (*amqp.Channel)(nil)
