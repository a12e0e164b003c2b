package notifications

import (
	"fmt"
	"strings"
)

// FailurePolicy decides what happens to a message whose sends failed.
// Undecodable messages are always rejected without requeue.
type FailurePolicy int

const (
	// FailureReject rejects without requeue; the notification is lost.
	FailureReject FailurePolicy = iota
	// FailureRequeue requeues a first delivery once. A redelivered message
	// that fails again is rejected.
	FailureRequeue
	// FailureDeadLetter rejects without requeue into a queue that has a
	// dead-letter exchange configured.
	FailureDeadLetter
)

func (p FailurePolicy) String() string {
	switch p {
	case FailureReject:
		return "reject"
	case FailureRequeue:
		return "requeue"
	case FailureDeadLetter:
		return "deadletter"
	}
	return fmt.Sprintf("FailurePolicy(%d)", int(p))
}

// ParseFailurePolicy parses "reject", "requeue" or "deadletter". An empty
// string yields FailureReject.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "reject":
		return FailureReject, nil
	case "requeue":
		return FailureRequeue, nil
	case "deadletter", "dead-letter", "dlx":
		return FailureDeadLetter, nil
	}
	return FailureReject, fmt.Errorf("unknown failure policy %q", s)
}
