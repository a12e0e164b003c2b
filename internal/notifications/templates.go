package notifications

import "sort"

// TemplateID identifies a notification template.
type TemplateID string

// Auth templates.
const (
	TemplateVerifyEmail          TemplateID = "verifyEmail"
	TemplateForgotPassword       TemplateID = "forgotPassword"
	TemplateResetPassword        TemplateID = "resetPassword"
	TemplateResetPasswordSuccess TemplateID = "resetPasswordSuccess"
)

// Order templates.
const (
	TemplateOffer                  TemplateID = "offer"
	TemplateOrderPlaced            TemplateID = "orderPlaced"
	TemplateOrderReceipt           TemplateID = "orderReceipt"
	TemplateOrderDelivered         TemplateID = "orderDelivered"
	TemplateOrderExtension         TemplateID = "orderExtension"
	TemplateOrderExtensionApproval TemplateID = "orderExtensionApproval"
	TemplateOrderCancelled         TemplateID = "orderCancelled"
)

// Payload field names shared by every message.
const (
	FieldTemplate  = "template"
	FieldRecipient = "receiverEmail"
	FieldAppLink   = "appLink"
	FieldAppIcon   = "appIcon"
)

// schema is the closed set of variables a template accepts.
type schema struct {
	category Category
	required []string
	optional []string
}

func (s schema) fields() []string {
	out := make([]string, 0, len(s.required)+len(s.optional))
	out = append(out, s.required...)
	return append(out, s.optional...)
}

var orderFields = []string{
	"username", "sender", "offerLink", "amount", "buyerUsername",
	"sellerUsername", "title", "description", "deliveryDays", "orderId",
	"orderDue", "requirements", "orderUrl", "originalDate", "newDate",
	"reason", "subject", "header", "type", "message", "serviceFee", "total",
}

// orderSchema requires orderId and accepts the rest of the order fields.
func orderSchema() schema {
	optional := make([]string, 0, len(orderFields)-1)
	for _, f := range orderFields {
		if f != "orderId" {
			optional = append(optional, f)
		}
	}
	return schema{category: CategoryOrder, required: []string{"orderId"}, optional: optional}
}

// Adding a template means adding its schema here; unknown fields are never
// passed through.
var schemas = map[TemplateID]schema{
	TemplateVerifyEmail:          {category: CategoryAuth, required: []string{"verifyLink"}, optional: []string{"username"}},
	TemplateForgotPassword:       {category: CategoryAuth, required: []string{"resetLink"}, optional: []string{"username"}},
	TemplateResetPassword:        {category: CategoryAuth, required: []string{"resetLink"}, optional: []string{"username"}},
	TemplateResetPasswordSuccess: {category: CategoryAuth, optional: []string{"username"}},

	TemplateOffer:                  {category: CategoryOrder, optional: orderFields},
	TemplateOrderPlaced:            orderSchema(),
	TemplateOrderReceipt:           orderSchema(),
	TemplateOrderDelivered:         orderSchema(),
	TemplateOrderExtension:         orderSchema(),
	TemplateOrderExtensionApproval: orderSchema(),
	TemplateOrderCancelled:         orderSchema(),
}

// Category returns the category a template belongs to.
func (t TemplateID) Category() (Category, bool) {
	s, ok := schemas[t]
	return s.category, ok
}

// Templates returns the template IDs of a category in lexical order.
func Templates(c Category) []TemplateID {
	var out []TemplateID
	for id, s := range schemas {
		if s.category == c {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// TemplateFields returns the required and optional variables of a template.
func TemplateFields(t TemplateID) (required, optional []string, ok bool) {
	s, ok := schemas[t]
	if !ok {
		return nil, nil, false
	}
	return append([]string(nil), s.required...), append([]string(nil), s.optional...), true
}
