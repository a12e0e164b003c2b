package notifications

import (
	"github.com/darkden-lab/notifier/internal/broker"
)

// Category is a notification domain with its own exchange, queue and routing
// key.
type Category string

const (
	CategoryAuth  Category = "auth"
	CategoryOrder Category = "order"
)

// AllCategories lists every category the service consumes.
var AllCategories = []Category{CategoryAuth, CategoryOrder}

var topologies = map[Category]broker.Topology{
	CategoryAuth: {
		Exchange:   "jobber-email-notification",
		Queue:      "auth-email-queue",
		RoutingKey: "auth-email",
	},
	CategoryOrder: {
		Exchange:   "jobber-order-notification",
		Queue:      "order-email-queue",
		RoutingKey: "order-email",
	},
}

// Topology returns the category's fixed exchange/queue/routing key triple.
// The zero Topology is returned for an unknown category.
func (c Category) Topology() broker.Topology {
	return topologies[c]
}

// TopologyFor returns the category's topology as declared under policy:
// with FailureDeadLetter the queue carries deadLetter as its dead-letter
// exchange. Every process declaring the queue must agree on this, since
// RabbitMQ refuses a redeclaration with different arguments.
func (c Category) TopologyFor(policy FailurePolicy, deadLetter string) broker.Topology {
	t := c.Topology()
	if policy == FailureDeadLetter {
		t.DeadLetter = deadLetter
	}
	return t
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := topologies[c]
	return ok
}

// ParseCategory converts a string to a known Category.
func ParseCategory(s string) (Category, bool) {
	c := Category(s)
	return c, c.Valid()
}

// Variables are the named template variables of one notification. Values are
// scalars: string, float64 or bool.
type Variables map[string]any

// Clone returns a shallow copy of v.
func (v Variables) Clone() Variables {
	out := make(Variables, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// Request is a decoded notification message.
type Request struct {
	Template  TemplateID
	Recipient string
	Variables Variables
}
