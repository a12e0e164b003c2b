package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/darkden-lab/notifier/internal/broker"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a ConsumerLoop.
type State int32

const (
	StateStopped State = iota
	StateTopologySettled
	StateConsuming
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateTopologySettled:
		return "topology-settled"
	case StateConsuming:
		return "consuming"
	}
	return fmt.Sprintf("State(%d)", int32(s))
}

// ConsumerOption configures a ConsumerLoop.
type ConsumerOption func(*ConsumerLoop)

// WithLogger sets the loop's logger.
func WithLogger(l *slog.Logger) ConsumerOption {
	return func(c *ConsumerLoop) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFailurePolicy sets how failed sends settle the message.
func WithFailurePolicy(p FailurePolicy) ConsumerOption {
	return func(c *ConsumerLoop) { c.policy = p }
}

// WithConsumerTag overrides the generated consumer tag.
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *ConsumerLoop) { c.tag = tag }
}

// WithSendTimeout bounds each individual send. Zero means no timeout.
func WithSendTimeout(d time.Duration) ConsumerOption {
	return func(c *ConsumerLoop) { c.sendTimeout = d }
}

// ConsumerLoop consumes one category's queue on a shared channel. Messages
// are handled one at a time: decode, plan, send every planned notification,
// then ack. Any failure settles the message without ack.
type ConsumerLoop struct {
	ch          broker.Channel
	category    Category
	topology    broker.Topology
	decoder     *Decoder
	sender      Sender
	logger      *slog.Logger
	policy      FailurePolicy
	tag         string
	sendTimeout time.Duration

	state  atomic.Int32
	active atomic.Bool // held from Start until the loop stops

	mu   sync.Mutex
	done chan struct{}
}

// NewConsumerLoop creates a stopped loop for category c. The channel must
// already be open; the loop never connects on its own.
func NewConsumerLoop(ch broker.Channel, c Category, t broker.Topology, dec *Decoder, sender Sender, opts ...ConsumerOption) *ConsumerLoop {
	loop := &ConsumerLoop{
		ch:       ch,
		category: c,
		topology: t,
		decoder:  dec,
		sender:   sender,
		logger:   slog.Default(),
		tag:      fmt.Sprintf("notification-%s-%s", c, uuid.New().String()),
		done:     make(chan struct{}),
	}
	close(loop.done)
	for _, opt := range opts {
		opt(loop)
	}
	loop.logger = loop.logger.With(
		"category", string(c),
		"queue", t.Queue,
	)
	return loop
}

// Category returns the loop's category.
func (c *ConsumerLoop) Category() Category { return c.category }

// State returns the current lifecycle state.
func (c *ConsumerLoop) State() State { return State(c.state.Load()) }

func (c *ConsumerLoop) setState(s State) { c.state.Store(int32(s)) }

// stop marks the loop stopped and lets Start run again.
func (c *ConsumerLoop) stop() {
	c.setState(StateStopped)
	c.active.Store(false)
}

// Done returns a channel that is closed whenever the loop is not consuming.
func (c *ConsumerLoop) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Start declares the topology, subscribes to the queue with prefetch 1 and
// handles deliveries in a background goroutine until the delivery stream
// ends or ctx is cancelled. On any setup failure the loop stays stopped and
// the error is returned; it is not retried.
func (c *ConsumerLoop) Start(ctx context.Context) error {
	if !c.active.CompareAndSwap(false, true) {
		return fmt.Errorf("consumer %s already started", c.category)
	}

	if err := broker.EnsureTopology(c.ch, c.topology); err != nil {
		c.active.Store(false)
		c.logger.Error("notifications: topology setup failed", "exchange", c.topology.Exchange, "routing_key", c.topology.RoutingKey, "error", err)
		return err
	}
	c.setState(StateTopologySettled)

	if err := c.ch.Qos(1, 0, false); err != nil {
		c.stop()
		c.logger.Error("notifications: setting prefetch failed", "error", err)
		return fmt.Errorf("qos for %s: %w", c.category, err)
	}

	deliveries, err := c.ch.Consume(
		c.topology.Queue, // queue
		c.tag,            // consumer tag
		false,            // auto-ack
		false,            // exclusive
		false,            // no-local
		false,            // no-wait
		nil,              // args
	)
	if err != nil {
		c.stop()
		c.logger.Error("notifications: consume failed", "error", err)
		return fmt.Errorf("consume %s: %w", c.topology.Queue, err)
	}

	done := make(chan struct{})
	c.mu.Lock()
	c.done = done
	c.mu.Unlock()

	c.setState(StateConsuming)
	c.logger.Info("notifications: consumer started",
		"exchange", c.topology.Exchange,
		"routing_key", c.topology.RoutingKey,
		"consumer_tag", c.tag,
	)

	go c.run(ctx, deliveries, done)
	return nil
}

func (c *ConsumerLoop) run(ctx context.Context, deliveries <-chan amqp.Delivery, done chan struct{}) {
	defer func() {
		c.stop()
		close(done)
	}()

	for {
		select {
		case <-ctx.Done():
			if err := c.ch.Cancel(c.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
				c.logger.Warn("notifications: cancelling consumer", "error", err)
			}
			c.logger.Info("notifications: consumer stopped", "reason", ctx.Err())
			return
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Info("notifications: delivery channel closed")
				return
			}
			c.handle(ctx, d)
		}
	}
}

// handle settles d exactly once: ack after every planned send succeeded,
// otherwise reject (or requeue, per policy).
func (c *ConsumerLoop) handle(ctx context.Context, d amqp.Delivery) {
	log := c.logger.With("delivery_tag", d.DeliveryTag)

	req, err := c.decoder.Decode(d.Body, c.category)
	if err != nil {
		var decErr *DecodeError
		reason := ReasonMalformed
		if errors.As(err, &decErr) {
			reason = decErr.Reason
		}
		log.Error("notifications: rejecting undecodable message",
			"reason", string(reason),
			"message_id", d.MessageId,
			"body", truncate(d.Body, 512),
			"error", err,
		)
		c.reject(log, d)
		return
	}

	// In-flight sends outlive shutdown of the loop.
	sendCtx := context.WithoutCancel(ctx)

	plan := PlanFor(req)
	for i, dispatch := range plan {
		if err := c.send(sendCtx, dispatch); err != nil {
			sendErr := &SendError{
				Template:  dispatch.Template,
				Recipient: dispatch.Recipient,
				Step:      i + 1,
				Steps:     len(plan),
				Err:       err,
			}
			log.Error("notifications: send failed",
				"template", string(dispatch.Template),
				"recipient", dispatch.Recipient,
				"policy", c.policy.String(),
				"error", sendErr,
			)
			c.fail(log, d)
			return
		}
	}

	if err := d.Ack(false); err != nil {
		log.Error("notifications: ack failed", "error", err)
		return
	}
	log.Debug("notifications: message acknowledged", "template", string(req.Template), "sends", len(plan))
}

func (c *ConsumerLoop) send(ctx context.Context, dispatch Dispatch) error {
	if c.sendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.sendTimeout)
		defer cancel()
	}
	return c.sender.Send(ctx, dispatch.Template, dispatch.Recipient, dispatch.Variables)
}

func (c *ConsumerLoop) fail(log *slog.Logger, d amqp.Delivery) {
	if c.policy == FailureRequeue && !d.Redelivered {
		if err := d.Nack(false, true); err != nil {
			log.Error("notifications: requeue failed", "error", err)
		}
		return
	}
	c.reject(log, d)
}

func (c *ConsumerLoop) reject(log *slog.Logger, d amqp.Delivery) {
	if err := d.Reject(false); err != nil {
		log.Error("notifications: reject failed", "error", err)
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
