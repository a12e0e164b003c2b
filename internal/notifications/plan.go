package notifications

// Dispatch is one send derived from a Request.
type Dispatch struct {
	Template  TemplateID
	Recipient string
	Variables Variables
}

// Plan is the ordered list of sends for one message.
type Plan []Dispatch

// PlanFor maps a request to its sends. An orderPlaced message produces the
// order notification followed by its receipt, to the same recipient and with
// equal variables; every other template maps to exactly one send. Each send
// owns its variables.
func PlanFor(r Request) Plan {
	primary := Dispatch{Template: r.Template, Recipient: r.Recipient, Variables: r.Variables}
	if r.Template == TemplateOrderPlaced {
		return Plan{
			primary,
			{Template: TemplateOrderReceipt, Recipient: r.Recipient, Variables: r.Variables.Clone()},
		}
	}
	return Plan{primary}
}
