package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/darkden-lab/notifier/docs"
	"github.com/darkden-lab/notifier/internal/broker"
	"github.com/darkden-lab/notifier/internal/config"
	"github.com/darkden-lab/notifier/internal/health"
	"github.com/darkden-lab/notifier/internal/mailer"
	mw "github.com/darkden-lab/notifier/internal/middleware"
	"github.com/darkden-lab/notifier/internal/notifications"
	"github.com/gorilla/mux"
	amqp "github.com/rabbitmq/amqp091-go"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("notification service stopped", "error", err)
		os.Exit(1)
	}
	logger.Info("notification service stopped")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})).
		With("service", "notification")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policy, err := notifications.ParseFailurePolicy(cfg.SendFailurePolicy)
	if err != nil {
		return err
	}

	// Email
	m, err := mailer.New(mailer.EmailConfig{
		Provider:    cfg.EmailProvider,
		SMTPHost:    cfg.SMTPHost,
		SMTPPort:    cfg.SMTPPort,
		SMTPUser:    cfg.SMTPUser,
		SMTPPass:    cfg.SMTPPass,
		SendGridKey: cfg.SendGridKey,
		FromAddress: cfg.SenderEmail,
		FromName:    cfg.SenderName,
	}, logger)
	if err != nil {
		return fmt.Errorf("mailer: %w", err)
	}
	sender := mailer.Throttle(m, cfg.SendRPS, cfg.SendBurst)

	// Broker
	conn, err := broker.ConnectWithRetry(ctx, cfg.RabbitMQEndpoint, logger, broker.RetryConfig{
		Attempts:       cfg.ConnectAttempts,
		InitialBackoff: cfg.ConnectBackoff,
		MaxBackoff:     30 * time.Second,
	})
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck // best-effort cleanup on shutdown
	conn.CloseOnSignal(syscall.SIGINT, syscall.SIGTERM)
	brokerClosed := conn.NotifyClose()
	// Registered before any declaration so a failure during Start is seen.
	channelClosed := conn.NotifyChannelClose()

	// Consumers
	dispatcher, err := notifications.NewDispatcher(conn.Channel(), notifications.DispatcherConfig{
		Decoder:     notifications.NewDecoder(notifications.Locals{AppLink: cfg.ClientURL, AppIcon: cfg.AppIcon}),
		Sender:      sender,
		Policy:      policy,
		DeadLetter:  cfg.DeadLetterExchange,
		Logger:      logger,
		SendTimeout: cfg.SendTimeout,
	})
	if err != nil {
		return err
	}
	if err := dispatcher.Start(ctx); err != nil {
		if dispatcher.Running() == 0 {
			return fmt.Errorf("no consumer started: %w", err)
		}
		logger.Warn("some consumers failed to start", "error", err)
	}

	// Router
	r := mux.NewRouter()
	r.Use(mw.RequestLogger(logger))
	// Rate limiting: 20 req/s per IP with burst of 40
	r.Use(mw.RateLimitMiddleware(ctx, 20, 40))
	health.NewHandlers().RegisterRoutes(r)
	docs.RegisterRoutes(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MB
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	runErr := watch(ctx, logger, stopSignals{
		requested:        conn.Closing,
		connClosed:       brokerClosed,
		channelClosed:    channelClosed,
		consumersStopped: dispatcher.Stopped(),
		serveErr:         serveErr,
	})

	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown failed", "error", err)
	}

	drained := make(chan struct{})
	go func() {
		dispatcher.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		logger.Warn("consumers did not drain before the shutdown timeout")
	}

	if err := conn.Close(); err != nil {
		logger.Warn("broker close failed", "error", err)
	}
	return runErr
}

// stopSignals are the events that end the service.
type stopSignals struct {
	requested        func() bool // true once the broker connection is being closed on purpose
	connClosed       <-chan *amqp.Error
	channelClosed    <-chan *amqp.Error
	consumersStopped <-chan struct{}
	serveErr         <-chan error
}

// watch blocks until the service has to stop. It returns nil for a requested
// shutdown and an error for anything that leaves the service without working
// consumers or HTTP server, so the process exits non-zero and is restarted.
func watch(ctx context.Context, logger *slog.Logger, s stopSignals) error {
	select {
	case <-ctx.Done():
		logger.Info("shutting down", "reason", context.Cause(ctx))
		return nil
	case amqpErr := <-s.connClosed:
		// A nil error means the signal hook closed the connection.
		if amqpErr != nil {
			return fmt.Errorf("broker connection closed: %w", amqpErr)
		}
		if !s.requested() {
			return errors.New("broker connection closed")
		}
		return nil
	case amqpErr := <-s.channelClosed:
		if amqpErr != nil {
			return fmt.Errorf("broker channel closed: %w", amqpErr)
		}
		if !s.requested() {
			return errors.New("broker channel closed")
		}
		return nil
	case <-s.consumersStopped:
		if ctx.Err() != nil || s.requested() {
			return nil
		}
		return errors.New("every consumer stopped")
	case err := <-s.serveErr:
		return fmt.Errorf("http server: %w", err)
	}
}
