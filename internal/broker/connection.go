package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// dial is swapped out in tests.
var dial = func(url string) (transport, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return amqpTransport{conn}, nil
}

// transport is the connection-level surface Connection needs.
type transport interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type amqpTransport struct {
	conn *amqp.Connection
}

func (t amqpTransport) Channel() (Channel, error) {
	ch, err := t.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (t amqpTransport) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return t.conn.NotifyClose(receiver)
}

func (t amqpTransport) Close() error {
	return t.conn.Close()
}

// ConnectionError is returned when the broker cannot be reached or the
// channel cannot be opened.
type ConnectionError struct {
	Stage string // "dial" or "channel"
	Err   error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker %s: %v", e.Stage, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// Connection holds one AMQP connection and the single channel multiplexed
// across every category consumer.
type Connection struct {
	conn   transport
	ch     Channel
	logger *slog.Logger

	closeOnce sync.Once
	closeErr  error
	closing   atomic.Bool
}

// Connect dials url and opens a channel on the new connection. It does not
// retry; see ConnectWithRetry.
func Connect(url string, logger *slog.Logger) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dial(url)
	if err != nil {
		return nil, &ConnectionError{Stage: "dial", Err: err}
	}

	ch, err := conn.Channel()
	if err != nil {
		if cerr := conn.Close(); cerr != nil {
			logger.Warn("broker: closing connection after channel failure", "error", cerr)
		}
		return nil, &ConnectionError{Stage: "channel", Err: err}
	}

	logger.Info("broker: connected to queue successfully")
	return &Connection{conn: conn, ch: ch, logger: logger}, nil
}

// Channel returns the shared channel.
func (c *Connection) Channel() Channel {
	return c.ch
}

// NotifyClose returns a channel that receives the error when the broker
// closes the connection. It is closed without a value on a clean Close.
func (c *Connection) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// NotifyChannelClose returns a channel that receives the exception when the
// broker closes the shared channel, which ends every consumer on it. It is
// closed without a value when the channel is closed by Close. Registering
// after the channel already closed returns a closed channel.
func (c *Connection) NotifyChannelClose() <-chan *amqp.Error {
	return c.ch.NotifyClose(make(chan *amqp.Error, 1))
}

// Closing reports whether Close has been called. It is set before the
// channel closes, so a close observed afterwards was requested.
func (c *Connection) Closing() bool {
	return c.closing.Load()
}

// Close closes the channel and then the connection. Failures are logged and
// returned but not retried. Calling Close more than once is safe.
func (c *Connection) Close() error {
	c.closing.Store(true)
	c.closeOnce.Do(func() {
		var errs []error
		if err := c.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("broker: closing channel", "error", err)
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
		if err := c.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			c.logger.Error("broker: closing connection", "error", err)
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
		c.closeErr = errors.Join(errs...)
		c.logger.Info("broker: connection closed")
	})
	return c.closeErr
}

// CloseOnSignal registers a shutdown hook that closes the connection when
// one of sigs is received. Each call registers an independent hook.
func (c *Connection) CloseOnSignal(sigs ...os.Signal) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, sigs...)

	go func() {
		sig := <-sigCh
		signal.Stop(sigCh)
		c.logger.Info("broker: shutting down", "signal", sig.String())
		c.Close() //nolint:errcheck // logged inside Close
	}()
}

// RetryConfig bounds ConnectWithRetry.
type RetryConfig struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (r RetryConfig) applyDefaults() RetryConfig {
	if r.Attempts < 1 {
		r.Attempts = 1
	}
	if r.InitialBackoff <= 0 {
		r.InitialBackoff = time.Second
	}
	if r.MaxBackoff < r.InitialBackoff {
		r.MaxBackoff = r.InitialBackoff
	}
	return r
}

// ConnectWithRetry calls Connect up to cfg.Attempts times, doubling the wait
// between attempts up to cfg.MaxBackoff. It returns the last error when all
// attempts fail, or ctx.Err() if ctx is cancelled while waiting.
func ConnectWithRetry(ctx context.Context, url string, logger *slog.Logger, cfg RetryConfig) (*Connection, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.applyDefaults()

	backoff := cfg.InitialBackoff
	var lastErr error
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		conn, err := Connect(url, logger)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		logger.Error("broker: connection attempt failed",
			"attempt", attempt,
			"max_attempts", cfg.Attempts,
			"error", err,
		)
		if attempt == cfg.Attempts {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return nil, lastErr
}
