package broker

import (
	"errors"
	"testing"

	"github.com/darkden-lab/notifier/internal/broker/brokertest"
	amqp "github.com/rabbitmq/amqp091-go"
)

var authTopology = Topology{
	Exchange:   "jobber-email-notification",
	Queue:      "auth-email-queue",
	RoutingKey: "auth-email",
}

func TestEnsureTopology_DeclaresExchangeQueueBinding(t *testing.T) {
	ch := brokertest.NewChannel()

	if err := EnsureTopology(ch, authTopology); err != nil {
		t.Fatalf("EnsureTopology failed: %v", err)
	}

	exchanges, queues, bindings := ch.Counts()
	if exchanges != 1 || queues != 1 || bindings != 1 {
		t.Errorf("expected 1/1/1 declarations, got %d/%d/%d", exchanges, queues, bindings)
	}
	if !ch.HasBinding("auth-email-queue", "auth-email", "jobber-email-notification") {
		t.Error("expected queue to be bound under the routing key")
	}

	calls := ch.Calls()
	want := []string{
		"exchange.declare jobber-email-notification",
		"queue.declare auth-email-queue",
		"queue.bind auth-email-queue auth-email jobber-email-notification",
	}
	if len(calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Errorf("call %d: expected %q, got %q", i, want[i], calls[i])
		}
	}
}

func TestEnsureTopology_Idempotent(t *testing.T) {
	ch := brokertest.NewChannel()

	if err := EnsureTopology(ch, authTopology); err != nil {
		t.Fatalf("first EnsureTopology failed: %v", err)
	}
	if err := EnsureTopology(ch, authTopology); err != nil {
		t.Fatalf("second EnsureTopology failed: %v", err)
	}

	exchanges, queues, bindings := ch.Counts()
	if exchanges != 1 || queues != 1 || bindings != 1 {
		t.Errorf("expected no duplicates after two calls, got %d/%d/%d", exchanges, queues, bindings)
	}
}

func TestEnsureTopology_QueueMismatchIsNotPaperedOver(t *testing.T) {
	ch := brokertest.NewChannel()

	// A pre-existing non-durable queue with the same name.
	if _, err := ch.QueueDeclare("auth-email-queue", false, false, false, false, nil); err != nil {
		t.Fatalf("setup: %v", err)
	}

	err := EnsureTopology(ch, authTopology)
	var topoErr *TopologyError
	if !errors.As(err, &topoErr) {
		t.Fatalf("expected TopologyError, got %v", err)
	}
	if topoErr.Op != "queue" {
		t.Errorf("expected op 'queue', got %q", topoErr.Op)
	}
	var amqpErr *amqp.Error
	if !errors.As(err, &amqpErr) || amqpErr.Code != amqp.PreconditionFailed {
		t.Errorf("expected wrapped PRECONDITION_FAILED, got %v", err)
	}
	for _, call := range ch.Calls() {
		if call == "queue.delete auth-email-queue" {
			t.Error("queue must not be deleted to resolve a mismatch")
		}
	}
	if !ch.IsClosed() {
		t.Error("expected the channel to be closed by the mismatch")
	}
	if err := EnsureTopology(ch, authTopology); !errors.Is(err, amqp.ErrClosed) {
		t.Errorf("expected later declarations to fail with ErrClosed, got %v", err)
	}
}

func TestEnsureTopology_ExchangeMismatch(t *testing.T) {
	ch := brokertest.NewChannel()
	if err := ch.ExchangeDeclare("jobber-email-notification", "fanout", true, false, false, false, nil); err != nil {
		t.Fatalf("setup: %v", err)
	}

	err := EnsureTopology(ch, authTopology)
	var topoErr *TopologyError
	if !errors.As(err, &topoErr) || topoErr.Op != "exchange" {
		t.Fatalf("expected exchange TopologyError, got %v", err)
	}
}

func TestEnsureTopology_BindFailure(t *testing.T) {
	ch := brokertest.NewChannel()
	ch.BindErr = &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED"}

	err := EnsureTopology(ch, authTopology)
	var topoErr *TopologyError
	if !errors.As(err, &topoErr) || topoErr.Op != "bind" {
		t.Fatalf("expected bind TopologyError, got %v", err)
	}
	if topoErr.Topology != authTopology {
		t.Errorf("expected error to carry the topology, got %+v", topoErr.Topology)
	}
}

func TestEnsureTopology_DeadLetter(t *testing.T) {
	ch := brokertest.NewChannel()
	topo := authTopology
	topo.DeadLetter = "jobber-notification-dlx"

	if err := EnsureTopology(ch, topo); err != nil {
		t.Fatalf("EnsureTopology failed: %v", err)
	}

	if !ch.HasBinding("auth-email-queue.dead", "auth-email", "jobber-notification-dlx") {
		t.Error("expected dead-letter queue bound to the dead-letter exchange")
	}
	exchanges, queues, bindings := ch.Counts()
	if exchanges != 2 || queues != 2 || bindings != 2 {
		t.Errorf("expected 2/2/2 declarations, got %d/%d/%d", exchanges, queues, bindings)
	}

	// Dropping the dead-letter argument later conflicts with the existing queue.
	err := EnsureTopology(ch, authTopology)
	var topoErr *TopologyError
	if !errors.As(err, &topoErr) || topoErr.Op != "queue" {
		t.Fatalf("expected queue mismatch after changing dead-letter args, got %v", err)
	}
}

func TestTopologyError_Message(t *testing.T) {
	err := &TopologyError{Topology: authTopology, Op: "bind", Err: errors.New("boom")}
	want := "topology bind (exchange=jobber-email-notification queue=auth-email-queue key=auth-email): boom"
	if err.Error() != want {
		t.Errorf("expected %q, got %q", want, err.Error())
	}
}
