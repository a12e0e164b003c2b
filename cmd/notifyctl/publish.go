package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/darkden-lab/notifier/internal/broker"
	"github.com/darkden-lab/notifier/internal/config"
	"github.com/darkden-lab/notifier/internal/notifications"
	"github.com/spf13/cobra"
)

type publishOptions struct {
	url          string
	category     string
	file         string
	data         string
	skipValidate bool
	timeout      time.Duration
	policy       string
	deadLetter   string
}

func newPublishCmd() *cobra.Command {
	opts := &publishOptions{}

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a notification message to a category's exchange",
		Example: `  notifyctl publish --category auth --data '{"template":"verifyEmail","receiverEmail":"a@b.com","verifyLink":"http://localhost:3000/verify"}'
  notifyctl publish --category order --file order.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.url, "url", "", "RabbitMQ URL (defaults to RABBITMQ_ENDPOINT)")
	cmd.Flags().StringVar(&opts.category, "category", "", "Notification category (auth, order)")
	cmd.Flags().StringVar(&opts.file, "file", "", "Read the JSON payload from a file ('-' for stdin)")
	cmd.Flags().StringVar(&opts.data, "data", "", "JSON payload")
	cmd.Flags().BoolVar(&opts.skipValidate, "skip-validate", false, "Publish without decoding the payload first")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "Publish timeout")
	cmd.Flags().StringVar(&opts.policy, "failure-policy", "", "Failure policy the service runs with (defaults to SEND_FAILURE_POLICY)")
	cmd.Flags().StringVar(&opts.deadLetter, "dead-letter", "", "Dead-letter exchange the service's queues use (defaults to DEAD_LETTER_EXCHANGE)")
	_ = cmd.MarkFlagRequired("category")
	cmd.MarkFlagsMutuallyExclusive("file", "data")
	cmd.MarkFlagsOneRequired("file", "data")

	return cmd
}

func runPublish(cmd *cobra.Command, opts *publishOptions) error {
	c, ok := notifications.ParseCategory(opts.category)
	if !ok {
		return fmt.Errorf("unknown category %q", opts.category)
	}

	body, err := readPayload(cmd.InOrStdin(), opts)
	if err != nil {
		return err
	}

	cfg := config.Load()
	t, err := publishTopology(c, opts, cfg)
	if err != nil {
		return err
	}

	url := opts.url
	if url == "" {
		url = cfg.RabbitMQEndpoint
	}

	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
	conn, err := broker.Connect(url, logger)
	if err != nil {
		return err
	}
	defer conn.Close() //nolint:errcheck

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	id, err := publishMessage(ctx, conn.Channel(), c, t, body, !opts.skipValidate)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Published message %s to %s (routing key %s)\n", id, t.Exchange, t.RoutingKey)
	return nil
}

func readPayload(stdin io.Reader, opts *publishOptions) ([]byte, error) {
	switch {
	case opts.data != "":
		return []byte(opts.data), nil
	case opts.file == "-":
		return io.ReadAll(stdin)
	case opts.file != "":
		body, err := os.ReadFile(opts.file)
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		return body, nil
	}
	return nil, fmt.Errorf("one of --file or --data is required")
}

// publishTopology derives the queue arguments the service declares, so the
// redeclaration below matches the running service. Flags override the
// environment.
func publishTopology(c notifications.Category, opts *publishOptions, cfg *config.Config) (broker.Topology, error) {
	policyName := opts.policy
	if policyName == "" {
		policyName = cfg.SendFailurePolicy
	}
	policy, err := notifications.ParseFailurePolicy(policyName)
	if err != nil {
		return broker.Topology{}, err
	}

	deadLetter := opts.deadLetter
	if deadLetter == "" {
		deadLetter = cfg.DeadLetterExchange
	} else if opts.policy == "" {
		// An explicit exchange only makes sense with dead-lettering.
		policy = notifications.FailureDeadLetter
	}
	if policy == notifications.FailureDeadLetter && deadLetter == "" {
		return broker.Topology{}, fmt.Errorf("failure policy %s requires --dead-letter or DEAD_LETTER_EXCHANGE", policy)
	}
	return c.TopologyFor(policy, deadLetter), nil
}

// publishMessage validates body the way the consumer would, makes sure the
// category's queue exists with topology t so the message is not dropped,
// and publishes it.
func publishMessage(ctx context.Context, ch broker.Channel, c notifications.Category, t broker.Topology, body []byte, validate bool) (string, error) {
	if validate {
		// Locals only affect the injected variables, not validity.
		if _, err := notifications.NewDecoder(notifications.Locals{}).Decode(body, c); err != nil {
			return "", fmt.Errorf("invalid payload: %w", err)
		}
	}

	if err := broker.EnsureTopology(ch, t); err != nil {
		return "", err
	}
	return broker.NewPublisher(ch).Publish(ctx, t, body)
}
