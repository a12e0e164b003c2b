package notifications

import (
	"context"
	"fmt"
)

// Sender delivers one rendered notification. Implementations may block on
// network I/O; the consumer waits for each send before taking the next.
type Sender interface {
	Send(ctx context.Context, template TemplateID, recipient string, vars Variables) error
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(ctx context.Context, template TemplateID, recipient string, vars Variables) error

func (f SenderFunc) Send(ctx context.Context, template TemplateID, recipient string, vars Variables) error {
	return f(ctx, template, recipient, vars)
}

// SendError wraps a failed send with its position in the plan.
type SendError struct {
	Template  TemplateID
	Recipient string
	Step      int
	Steps     int
	Err       error
}

func (e *SendError) Error() string {
	return fmt.Sprintf("send %s to %s (step %d/%d): %v", e.Template, e.Recipient, e.Step, e.Steps, e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
