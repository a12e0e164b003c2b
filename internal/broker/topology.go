package broker

import (
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the exchange type used for every notification category.
const ExchangeKind = "direct"

// Topology is the fixed exchange/queue/routing key triple of one category.
type Topology struct {
	Exchange   string
	Queue      string
	RoutingKey string

	// DeadLetter names a dead-letter exchange for the queue. Empty disables
	// dead-lettering. Changing it for an existing queue is a parameter
	// mismatch the broker rejects.
	DeadLetter string
}

// DeadLetterQueue is the queue that collects messages rejected from Queue.
func (t Topology) DeadLetterQueue() string {
	return t.Queue + ".dead"
}

func (t Topology) queueArgs() amqp.Table {
	if t.DeadLetter == "" {
		return nil
	}
	return amqp.Table{"x-dead-letter-exchange": t.DeadLetter}
}

// TopologyError reports a failed declaration. Op is one of "dead-letter",
// "exchange", "queue" or "bind".
type TopologyError struct {
	Topology Topology
	Op       string
	Err      error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("topology %s (exchange=%s queue=%s key=%s): %v",
		e.Op, e.Topology.Exchange, e.Topology.Queue, e.Topology.RoutingKey, e.Err)
}

func (e *TopologyError) Unwrap() error { return e.Err }

// EnsureTopology declares the direct exchange, the durable queue and the
// binding between them. Declarations are idempotent on the broker; a
// conflicting existing exchange or queue surfaces as a TopologyError and is
// never deleted or redeclared.
func EnsureTopology(ch Channel, t Topology) error {
	if t.DeadLetter != "" {
		if err := ensureDeadLetter(ch, t); err != nil {
			return &TopologyError{Topology: t, Op: "dead-letter", Err: err}
		}
	}

	err := ch.ExchangeDeclare(
		t.Exchange,   // name
		ExchangeKind, // type
		true,         // durable
		false,        // auto-deleted
		false,        // internal
		false,        // no-wait
		nil,          // arguments
	)
	if err != nil {
		return &TopologyError{Topology: t, Op: "exchange", Err: err}
	}

	q, err := ch.QueueDeclare(
		t.Queue,       // name
		true,          // durable
		false,         // auto-delete when unused
		false,         // exclusive
		false,         // no-wait
		t.queueArgs(), // arguments
	)
	if err != nil {
		return &TopologyError{Topology: t, Op: "queue", Err: err}
	}

	if err := ch.QueueBind(q.Name, t.RoutingKey, t.Exchange, false, nil); err != nil {
		return &TopologyError{Topology: t, Op: "bind", Err: err}
	}
	return nil
}

func ensureDeadLetter(ch Channel, t Topology) error {
	if err := ch.ExchangeDeclare(t.DeadLetter, ExchangeKind, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange %s: %w", t.DeadLetter, err)
	}
	q, err := ch.QueueDeclare(t.DeadLetterQueue(), true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue %s: %w", t.DeadLetterQueue(), err)
	}
	if err := ch.QueueBind(q.Name, t.RoutingKey, t.DeadLetter, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", q.Name, err)
	}
	return nil
}
