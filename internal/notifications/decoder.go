package notifications

import (
	"encoding/json"
	"errors"
	"fmt"
)

// DecodeReason classifies why a payload could not be decoded.
type DecodeReason string

const (
	ReasonMalformed       DecodeReason = "malformed"
	ReasonMissingField    DecodeReason = "missing_field"
	ReasonUnknownTemplate DecodeReason = "unknown_template"
)

// DecodeError is returned for payloads that cannot become a Request.
type DecodeError struct {
	Reason   DecodeReason
	Field    string
	Template string
	Err      error
}

func (e *DecodeError) Error() string {
	switch e.Reason {
	case ReasonMissingField:
		return fmt.Sprintf("decode: missing required field %q", e.Field)
	case ReasonUnknownTemplate:
		return fmt.Sprintf("decode: unknown template %q", e.Template)
	}
	if e.Field != "" {
		return fmt.Sprintf("decode: malformed field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decode: malformed payload: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Locals are injected into every request's variables.
type Locals struct {
	AppLink string
	AppIcon string
}

// Decoder turns raw message bodies into Requests.
type Decoder struct {
	locals Locals
}

// NewDecoder creates a Decoder that adds locals to every request.
func NewDecoder(locals Locals) *Decoder {
	return &Decoder{locals: locals}
}

// Decode parses body as a notification message for category c. It has no
// side effects.
func (d *Decoder) Decode(body []byte, c Category) (Request, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Request{}, &DecodeError{Reason: ReasonMalformed, Err: err}
	}
	if fields == nil {
		return Request{}, &DecodeError{Reason: ReasonMalformed, Err: errors.New("payload is not an object")}
	}

	tmpl, err := stringField(fields, FieldTemplate)
	if err != nil {
		return Request{}, err
	}
	s, ok := schemas[TemplateID(tmpl)]
	if !ok || s.category != c {
		return Request{}, &DecodeError{Reason: ReasonUnknownTemplate, Template: tmpl}
	}

	recipient, err := stringField(fields, FieldRecipient)
	if err != nil {
		return Request{}, err
	}

	vars := Variables{
		FieldAppLink: d.locals.AppLink,
		FieldAppIcon: d.locals.AppIcon,
	}
	for _, name := range s.fields() {
		raw, ok := fields[name]
		if !ok {
			continue
		}
		v, err := scalar(raw)
		if err != nil {
			return Request{}, &DecodeError{Reason: ReasonMalformed, Field: name, Template: tmpl, Err: err}
		}
		if v == nil {
			continue
		}
		vars[name] = v
	}
	for _, name := range s.required {
		if v, ok := vars[name]; !ok || v == "" {
			return Request{}, &DecodeError{Reason: ReasonMissingField, Field: name, Template: tmpl}
		}
	}

	return Request{
		Template:  TemplateID(tmpl),
		Recipient: recipient,
		Variables: vars,
	}, nil
}

// stringField reads a required non-empty string. JSON null counts as absent.
func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", &DecodeError{Reason: ReasonMissingField, Field: name}
	}
	var s *string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", &DecodeError{Reason: ReasonMalformed, Field: name, Err: err}
	}
	if s == nil || *s == "" {
		return "", &DecodeError{Reason: ReasonMissingField, Field: name}
	}
	return *s, nil
}

func scalar(raw json.RawMessage) (any, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	switch v.(type) {
	case nil, string, float64, bool:
		return v, nil
	}
	return nil, fmt.Errorf("expected a scalar, got %s", raw)
}
