package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher publishes JSON payloads to a category's exchange.
type Publisher struct {
	ch Channel
}

// NewPublisher creates a Publisher on the shared channel.
func NewPublisher(ch Channel) *Publisher {
	return &Publisher{ch: ch}
}

// Publish sends body to t.Exchange under t.RoutingKey as a persistent
// message and returns the generated message ID. Messages published before
// EnsureTopology has bound a queue are dropped by the broker.
func (p *Publisher) Publish(ctx context.Context, t Topology, body []byte) (string, error) {
	id := uuid.New().String()
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}

	if err := p.ch.PublishWithContext(ctx, t.Exchange, t.RoutingKey, false, false, msg); err != nil {
		return "", fmt.Errorf("publish to %s/%s: %w", t.Exchange, t.RoutingKey, err)
	}
	return id, nil
}
