package mailer

import (
	"context"
	"fmt"

	"github.com/darkden-lab/notifier/internal/notifications"
	"golang.org/x/time/rate"
)

// throttled caps the outbound send rate with a token bucket shared by every
// category.
type throttled struct {
	next    notifications.Sender
	limiter *rate.Limiter
}

// Throttle wraps next so that at most rps sends start per second, with bursts
// of up to burst. A non-positive rps disables throttling.
func Throttle(next notifications.Sender, rps float64, burst int) notifications.Sender {
	if rps <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &throttled{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttled) Send(ctx context.Context, tmpl notifications.TemplateID, recipient string, vars notifications.Variables) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("send throttle: %w", err)
	}
	return t.next.Send(ctx, tmpl, recipient, vars)
}
