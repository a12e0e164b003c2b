// Package brokertest provides an in-memory stand-in for an AMQP channel. It
// models direct exchanges, durable queues and bindings closely enough to
// exercise declaration idempotency, routing and acknowledgment without a
// running RabbitMQ.
//
// Like the broker, the channel closes itself whenever a call fails with an
// *amqp.Error: every consumer's delivery stream ends and NotifyClose
// listeners receive the error.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// OutcomeKind is how a delivery was settled.
type OutcomeKind string

const (
	OutcomeAck    OutcomeKind = "ack"
	OutcomeNack   OutcomeKind = "nack"
	OutcomeReject OutcomeKind = "reject"
)

// Outcome records one ack, nack or reject.
type Outcome struct {
	Tag     uint64
	Kind    OutcomeKind
	Requeue bool
	Body    string
}

type exchange struct {
	kind                          string
	durable, autoDelete, internal bool
}

type queue struct {
	durable, autoDelete, exclusive bool
	args                           amqp.Table
	consumer                       string
	deliveries                     chan amqp.Delivery
}

type binding struct {
	queue, key, exchange string
}

type pending struct {
	queue    string
	delivery amqp.Delivery
}

// Channel is an in-memory broker channel. The zero value is not usable; call
// NewChannel.
type Channel struct {
	// Fault injection. A non-nil error is returned by the matching call; an
	// *amqp.Error also closes the channel.
	ExchangeErr error
	QueueErr    error
	BindErr     error
	QosErr      error
	ConsumeErr  error
	PublishErr  error

	mu        sync.Mutex
	exchanges map[string]exchange
	queues    map[string]*queue
	bindings  map[binding]struct{}
	inflight  map[uint64]pending
	outcomes  []Outcome
	calls     []string
	prefetch  int
	nextTag   uint64
	closed    bool
	listeners []chan *amqp.Error
}

// NewChannel creates an empty in-memory channel.
func NewChannel() *Channel {
	return &Channel{
		exchanges: make(map[string]exchange),
		queues:    make(map[string]*queue),
		bindings:  make(map[binding]struct{}),
		inflight:  make(map[uint64]pending),
	}
}

func preconditionFailed(format string, args ...any) *amqp.Error {
	return &amqp.Error{
		Code:   amqp.PreconditionFailed,
		Reason: "PRECONDITION_FAILED - " + fmt.Sprintf(format, args...),
	}
}

// raiseLocked closes the channel when err is a channel exception and
// returns err unchanged.
func (c *Channel) raiseLocked(err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) && !c.closed {
		c.shutdownLocked(amqpErr)
	}
	return err
}

func (c *Channel) shutdownLocked(cause *amqp.Error) {
	c.closed = true
	for _, q := range c.queues {
		close(q.deliveries)
	}
	for _, l := range c.listeners {
		if cause != nil {
			select {
			case l <- cause:
			default:
			}
		}
		close(l)
	}
	c.listeners = nil
}

func (c *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "exchange.declare "+name)

	if c.closed {
		return amqp.ErrClosed
	}
	if c.ExchangeErr != nil {
		return c.raiseLocked(c.ExchangeErr)
	}

	want := exchange{kind: kind, durable: durable, autoDelete: autoDelete, internal: internal}
	if have, ok := c.exchanges[name]; ok {
		if have != want {
			return c.raiseLocked(preconditionFailed("inequivalent arg for exchange '%s'", name))
		}
		return nil
	}
	c.exchanges[name] = want
	return nil
}

func (c *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "queue.declare "+name)

	if c.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if c.QueueErr != nil {
		return amqp.Queue{}, c.raiseLocked(c.QueueErr)
	}

	if have, ok := c.queues[name]; ok {
		if have.durable != durable || have.autoDelete != autoDelete || have.exclusive != exclusive || !sameArgs(have.args, args) {
			return amqp.Queue{}, c.raiseLocked(preconditionFailed("inequivalent arg for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(have.deliveries)}, nil
	}

	c.queues[name] = &queue{
		durable:    durable,
		autoDelete: autoDelete,
		exclusive:  exclusive,
		args:       args,
		deliveries: make(chan amqp.Delivery, 64),
	}
	return amqp.Queue{Name: name}, nil
}

func notFound(kind, name string) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no " + kind + " '" + name + "'"}
}

func sameArgs(a, b amqp.Table) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}

func (c *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "queue.bind "+name+" "+key+" "+exchangeName)

	if c.closed {
		return amqp.ErrClosed
	}
	if c.BindErr != nil {
		return c.raiseLocked(c.BindErr)
	}
	if _, ok := c.queues[name]; !ok {
		return c.raiseLocked(notFound("queue", name))
	}
	if _, ok := c.exchanges[exchangeName]; !ok {
		return c.raiseLocked(notFound("exchange", exchangeName))
	}
	c.bindings[binding{queue: name, key: key, exchange: exchangeName}] = struct{}{}
	return nil
}

func (c *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "basic.qos")

	if c.closed {
		return amqp.ErrClosed
	}
	if c.QosErr != nil {
		return c.raiseLocked(c.QosErr)
	}
	c.prefetch = prefetchCount
	return nil
}

func (c *Channel) Consume(queueName, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "basic.consume "+queueName)

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if c.ConsumeErr != nil {
		return nil, c.raiseLocked(c.ConsumeErr)
	}
	q, ok := c.queues[queueName]
	if !ok {
		return nil, c.raiseLocked(notFound("queue", queueName))
	}
	if q.consumer != "" {
		return nil, c.raiseLocked(&amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - queue '" + queueName + "' already has a consumer"})
	}
	q.consumer = consumer
	return q.deliveries, nil
}

func (c *Channel) Cancel(consumer string, noWait bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "basic.cancel "+consumer)

	if c.closed {
		return amqp.ErrClosed
	}
	for _, q := range c.queues {
		if q.consumer == consumer {
			q.consumer = ""
			close(q.deliveries)
			q.deliveries = make(chan amqp.Delivery, 64)
		}
	}
	return nil
}

func (c *Channel) PublishWithContext(ctx context.Context, exchangeName, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "basic.publish "+exchangeName+" "+key)

	if c.closed {
		return amqp.ErrClosed
	}
	if c.PublishErr != nil {
		return c.raiseLocked(c.PublishErr)
	}
	if _, ok := c.exchanges[exchangeName]; !ok {
		return c.raiseLocked(notFound("exchange", exchangeName))
	}

	for b := range c.bindings {
		if b.exchange != exchangeName || b.key != key {
			continue
		}
		d := amqp.Delivery{
			ContentType: msg.ContentType,
			MessageId:   msg.MessageId,
			Timestamp:   msg.Timestamp,
			Exchange:    exchangeName,
			RoutingKey:  key,
			Body:        msg.Body,
		}
		if err := c.enqueueLocked(b.queue, d); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every consumer's delivery channel and every NotifyClose
// listener without an error. Further calls fail with amqp.ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, "channel.close")

	if c.closed {
		return amqp.ErrClosed
	}
	c.shutdownLocked(nil)
	return nil
}

// NotifyClose registers a listener for the channel closing. A channel
// exception is sent on receiver before it is closed; a graceful Close only
// closes it. Registering on a closed channel closes receiver immediately.
func (c *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.listeners = append(c.listeners, receiver)
	return receiver
}

// IsClosed reports whether the channel was closed by Close or by an
// exception.
func (c *Channel) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Deliver places a raw body directly on a declared queue, bypassing routing.
func (c *Channel) Deliver(queueName string, body []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	return c.enqueueLocked(queueName, amqp.Delivery{Body: body})
}

func (c *Channel) enqueueLocked(queueName string, d amqp.Delivery) error {
	q, ok := c.queues[queueName]
	if !ok {
		return fmt.Errorf("brokertest: no queue %q", queueName)
	}
	c.nextTag++
	d.Acknowledger = c
	d.DeliveryTag = c.nextTag
	c.inflight[d.DeliveryTag] = pending{queue: queueName, delivery: d}

	select {
	case q.deliveries <- d:
		return nil
	default:
		return fmt.Errorf("brokertest: queue %q is full", queueName)
	}
}

// Ack implements amqp.Acknowledger.
func (c *Channel) Ack(tag uint64, multiple bool) error {
	return c.settle(tag, OutcomeAck, false)
}

// Nack implements amqp.Acknowledger. A requeued delivery is redelivered with
// Redelivered set.
func (c *Channel) Nack(tag uint64, multiple, requeue bool) error {
	return c.settle(tag, OutcomeNack, requeue)
}

// Reject implements amqp.Acknowledger.
func (c *Channel) Reject(tag uint64, requeue bool) error {
	return c.settle(tag, OutcomeReject, requeue)
}

func (c *Channel) settle(tag uint64, kind OutcomeKind, requeue bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.inflight[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag)}
	}
	delete(c.inflight, tag)
	c.outcomes = append(c.outcomes, Outcome{Tag: tag, Kind: kind, Requeue: requeue, Body: string(p.delivery.Body)})

	if requeue && !c.closed {
		d := p.delivery
		d.Redelivered = true
		return c.enqueueLocked(p.queue, d)
	}
	return nil
}

func (c *Channel) boundLocked(queueName, exchangeName, key string) bool {
	_, ok := c.bindings[binding{queue: queueName, key: key, exchange: exchangeName}]
	return ok
}

// Outcomes returns a copy of all settlements in the order they happened.
func (c *Channel) Outcomes() []Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Outcome, len(c.outcomes))
	copy(out, c.outcomes)
	return out
}

// WaitForOutcomes polls until at least n settlements were recorded or the
// timeout elapses, and returns what was recorded.
func (c *Channel) WaitForOutcomes(n int, timeout time.Duration) []Outcome {
	deadline := time.Now().Add(timeout)
	for {
		out := c.Outcomes()
		if len(out) >= n || time.Now().After(deadline) {
			return out
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Calls returns the method log, one entry per call.
func (c *Channel) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}

// Counts reports how many exchanges, queues and bindings exist.
func (c *Channel) Counts() (exchanges, queues, bindings int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.exchanges), len(c.queues), len(c.bindings)
}

// HasBinding reports whether queue is bound to exchange under key.
func (c *Channel) HasBinding(queueName, key, exchangeName string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundLocked(queueName, exchangeName, key)
}

// Prefetch returns the last prefetch count set through Qos.
func (c *Channel) Prefetch() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prefetch
}
