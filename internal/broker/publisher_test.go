package broker

import (
	"context"
	"testing"
	"time"

	"github.com/darkden-lab/notifier/internal/broker/brokertest"
	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Channel = (*brokertest.Channel)(nil)

func TestPublisher_RoutesToBoundQueue(t *testing.T) {
	ch := brokertest.NewChannel()
	if err := EnsureTopology(ch, authTopology); err != nil {
		t.Fatalf("EnsureTopology failed: %v", err)
	}

	deliveries, err := ch.Consume(authTopology.Queue, "test", false, false, false, false, nil)
	if err != nil {
		t.Fatalf("Consume failed: %v", err)
	}

	id, err := NewPublisher(ch).Publish(context.Background(), authTopology, []byte(`{"template":"verifyEmail"}`))
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if id == "" {
		t.Error("expected a message ID")
	}

	select {
	case d := <-deliveries:
		if string(d.Body) != `{"template":"verifyEmail"}` {
			t.Errorf("unexpected body %q", d.Body)
		}
		if d.MessageId != id {
			t.Errorf("expected message ID %s, got %s", id, d.MessageId)
		}
		if d.ContentType != "application/json" {
			t.Errorf("expected application/json, got %q", d.ContentType)
		}
		if d.RoutingKey != "auth-email" {
			t.Errorf("expected routing key auth-email, got %q", d.RoutingKey)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestPublisher_UnknownExchange(t *testing.T) {
	ch := brokertest.NewChannel()

	_, err := NewPublisher(ch).Publish(context.Background(), authTopology, []byte(`{}`))
	if err == nil {
		t.Fatal("expected error publishing to an undeclared exchange")
	}
}

func TestPublisher_PersistentDelivery(t *testing.T) {
	var got amqp.Publishing
	ch := &capturingChannel{Channel: brokertest.NewChannel(), capture: &got}

	if _, err := NewPublisher(ch).Publish(context.Background(), authTopology, []byte(`{}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got.DeliveryMode != amqp.Persistent {
		t.Errorf("expected persistent delivery mode, got %d", got.DeliveryMode)
	}
}

type capturingChannel struct {
	*brokertest.Channel
	capture *amqp.Publishing
}

func (c *capturingChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	*c.capture = msg
	return nil
}
