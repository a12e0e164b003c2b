package mailer

import (
	"context"
	"testing"
	"time"

	"github.com/darkden-lab/notifier/internal/notifications"
)

func countingSender(n *int) notifications.Sender {
	return notifications.SenderFunc(func(ctx context.Context, tmpl notifications.TemplateID, recipient string, vars notifications.Variables) error {
		*n++
		return nil
	})
}

func TestThrottle_Disabled(t *testing.T) {
	var n int
	s := Throttle(countingSender(&n), 0, 0)
	for i := 0; i < 100; i++ {
		_ = s.Send(context.Background(), notifications.TemplateOffer, "a@b.com", nil)
	}
	if n != 100 {
		t.Errorf("expected 100 sends, got %d", n)
	}
}

func TestThrottle_WaitHonoursContext(t *testing.T) {
	var n int
	s := Throttle(countingSender(&n), 0.1, 1)

	if err := s.Send(context.Background(), notifications.TemplateOffer, "a@b.com", nil); err != nil {
		t.Fatalf("first send should use the burst: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Send(ctx, notifications.TemplateOffer, "a@b.com", nil); err == nil {
		t.Error("expected throttled send to fail when the deadline is shorter than the wait")
	}
	if n != 1 {
		t.Errorf("expected 1 send, got %d", n)
	}
}
