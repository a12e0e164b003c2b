package notifications

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/darkden-lab/notifier/internal/broker"
)

// DispatcherConfig holds what every category consumer shares.
type DispatcherConfig struct {
	Decoder     *Decoder
	Sender      Sender
	Policy      FailurePolicy
	DeadLetter  string // dead-letter exchange, used with FailureDeadLetter
	Categories  []Category
	Logger      *slog.Logger
	SendTimeout time.Duration
}

// Dispatcher runs one ConsumerLoop per category on a shared channel. A
// channel exception raised by any category closes that channel, so every
// loop stops together; Stopped reports it.
type Dispatcher struct {
	loops  []*ConsumerLoop
	logger *slog.Logger

	watchOnce sync.Once
	stopped   chan struct{}
}

// NewDispatcher builds a stopped loop for each configured category (all
// categories when none are given).
func NewDispatcher(ch broker.Channel, cfg DispatcherConfig) (*Dispatcher, error) {
	if cfg.Decoder == nil || cfg.Sender == nil {
		return nil, errors.New("dispatcher requires a decoder and a sender")
	}
	if cfg.Policy == FailureDeadLetter && cfg.DeadLetter == "" {
		return nil, errors.New("dead-letter policy requires a dead-letter exchange")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	categories := cfg.Categories
	if len(categories) == 0 {
		categories = AllCategories
	}

	d := &Dispatcher{logger: cfg.Logger, stopped: make(chan struct{})}
	for _, c := range categories {
		if !c.Valid() {
			return nil, fmt.Errorf("unknown category %q", c)
		}
		d.loops = append(d.loops, NewConsumerLoop(ch, c, c.TopologyFor(cfg.Policy, cfg.DeadLetter), cfg.Decoder, cfg.Sender,
			WithLogger(cfg.Logger),
			WithFailurePolicy(cfg.Policy),
			WithSendTimeout(cfg.SendTimeout),
		))
	}
	return d, nil
}

// Loops returns the managed consumer loops.
func (d *Dispatcher) Loops() []*ConsumerLoop {
	return d.loops
}

// Start starts every loop. A loop that fails to start stays stopped and its
// error is included in the returned error. Whether the others survive
// depends on the failure: a broker exception closes the shared channel and
// ends them too, which Stopped reports.
func (d *Dispatcher) Start(ctx context.Context) error {
	var errs []error
	for _, loop := range d.loops {
		if err := loop.Start(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", loop.Category(), err))
		}
	}
	d.watchOnce.Do(func() {
		go func() {
			d.Wait()
			d.logger.Info("notifications: every consumer stopped")
			close(d.stopped)
		}()
	})
	d.logger.Info("notifications: dispatcher started", "running", d.Running(), "categories", len(d.loops))
	return errors.Join(errs...)
}

// Stopped returns a channel that is closed once every loop has stopped
// after the first Start, whether by cancellation or by the shared channel
// closing.
func (d *Dispatcher) Stopped() <-chan struct{} {
	return d.stopped
}

// Running reports how many loops are consuming.
func (d *Dispatcher) Running() int {
	n := 0
	for _, loop := range d.loops {
		if loop.State() == StateConsuming {
			n++
		}
	}
	return n
}

// Wait blocks until every loop has stopped.
func (d *Dispatcher) Wait() {
	for _, loop := range d.loops {
		<-loop.Done()
	}
}
