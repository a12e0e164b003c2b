// Package mailer renders notification templates to HTML email and delivers
// them through SMTP, SendGrid or the log.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"log/slog"
	"mime"
	"net"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/darkden-lab/notifier/internal/notifications"
)

// EmailConfig holds the configuration for the mailer.
type EmailConfig struct {
	Provider    string `json:"provider"`     // "smtp", "sendgrid" or "log"
	SMTPHost    string `json:"smtp_host"`    // SMTP only
	SMTPPort    string `json:"smtp_port"`    // SMTP only
	SMTPUser    string `json:"smtp_user"`    // SMTP only
	SMTPPass    string `json:"smtp_pass"`    // SMTP only
	SendGridKey string `json:"sendgrid_key"` // SendGrid only
	FromAddress string `json:"from_address"`
	FromName    string `json:"from_name"`
}

//go:embed templates/*.html
var templateFS embed.FS

var emailTmpl = template.Must(template.New("emails").ParseFS(templateFS, "templates/*.html"))

var subjects = map[notifications.TemplateID]string{
	notifications.TemplateVerifyEmail:            "Verify your email",
	notifications.TemplateForgotPassword:         "Reset your password",
	notifications.TemplateResetPassword:          "Reset your password",
	notifications.TemplateResetPasswordSuccess:   "Your password has been changed",
	notifications.TemplateOffer:                  "You have received a custom offer",
	notifications.TemplateOrderPlaced:            "Your order has been placed",
	notifications.TemplateOrderReceipt:           "Your order receipt",
	notifications.TemplateOrderDelivered:         "Your order has been delivered",
	notifications.TemplateOrderExtension:         "Delivery date extension request",
	notifications.TemplateOrderExtensionApproval: "Delivery date extension update",
	notifications.TemplateOrderCancelled:         "Your order has been cancelled",
}

// Mailer implements notifications.Sender over an email transport.
type Mailer struct {
	config    EmailConfig
	transport transport
	logger    *slog.Logger
}

// transport abstracts the sending mechanism for testing.
type transport interface {
	send(ctx context.Context, from, to, subject, htmlBody string) error
}

// New creates a Mailer for the configured provider.
func New(config EmailConfig, logger *slog.Logger) (*Mailer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Mailer{config: config, logger: logger}

	switch config.Provider {
	case "smtp":
		if config.SMTPHost == "" || config.SMTPPort == "" {
			return nil, fmt.Errorf("smtp_host and smtp_port are required for SMTP provider")
		}
		if config.FromAddress == "" {
			return nil, fmt.Errorf("from_address is required for SMTP provider")
		}
		m.transport = &smtpTransport{config: config}
	case "sendgrid":
		if config.SendGridKey == "" {
			return nil, fmt.Errorf("sendgrid_key is required for SendGrid provider")
		}
		m.transport = &sendGridTransport{config: config, endpoint: sendGridEndpoint, client: &http.Client{}}
	case "log", "":
		m.transport = &logTransport{logger: logger}
	default:
		return nil, fmt.Errorf("unsupported email provider: %s", config.Provider)
	}

	return m, nil
}

// Send renders the template and delivers it to recipient.
func (m *Mailer) Send(ctx context.Context, tmpl notifications.TemplateID, recipient string, vars notifications.Variables) error {
	if hasLineBreak(recipient) {
		return fmt.Errorf("invalid recipient %q: contains a line break", recipient)
	}
	htmlBody, err := render(tmpl, vars)
	if err != nil {
		return fmt.Errorf("render email template: %w", err)
	}

	if err := m.transport.send(ctx, m.from(), recipient, subject(tmpl, vars), htmlBody); err != nil {
		return fmt.Errorf("send %s to %s: %w", tmpl, recipient, err)
	}
	m.logger.Debug("mailer: email sent", "template", string(tmpl), "recipient", recipient)
	return nil
}

func (m *Mailer) from() string {
	if m.config.FromName != "" {
		return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", m.config.FromName), m.config.FromAddress)
	}
	return m.config.FromAddress
}

var lineBreaks = strings.NewReplacer("\r\n", " ", "\r", " ", "\n", " ")

func hasLineBreak(s string) bool { return strings.ContainsAny(s, "\r\n") }

// subject prefers a subject supplied by the publisher, folded onto one line.
func subject(tmpl notifications.TemplateID, vars notifications.Variables) string {
	if s, ok := vars["subject"].(string); ok && strings.TrimSpace(s) != "" {
		return lineBreaks.Replace(s)
	}
	if s, ok := subjects[tmpl]; ok {
		return s
	}
	return string(tmpl)
}

// render executes the named template. Every schema field is present in the
// data so absent optional variables render empty.
func render(tmpl notifications.TemplateID, vars notifications.Variables) (string, error) {
	required, optional, ok := notifications.TemplateFields(tmpl)
	if !ok || emailTmpl.Lookup(string(tmpl)) == nil {
		return "", fmt.Errorf("no email template %q", tmpl)
	}

	data := make(map[string]any, len(required)+len(optional)+2)
	for _, f := range append(append(required, optional...), notifications.FieldAppLink, notifications.FieldAppIcon) {
		data[f] = ""
	}
	for k, v := range vars {
		data[k] = v
	}

	var buf bytes.Buffer
	if err := emailTmpl.ExecuteTemplate(&buf, string(tmpl), data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// smtpTransport sends email via SMTP. The dial and the whole exchange are
// bounded by the context deadline.
type smtpTransport struct {
	config EmailConfig
}

func (s *smtpTransport) send(ctx context.Context, from, to, subject, htmlBody string) error {
	addr := net.JoinHostPort(s.config.SMTPHost, s.config.SMTPPort)

	msg, err := buildMessage(from, to, subject, htmlBody)
	if err != nil {
		return err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.config.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(tlsConfig(s.config.SMTPHost)); err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
	}
	if s.config.SMTPUser != "" {
		auth := smtp.PlainAuth("", s.config.SMTPUser, s.config.SMTPPass, s.config.SMTPHost)
		if err := c.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(s.config.FromAddress); err != nil {
		return err
	}
	if err := c.Rcpt(to); err != nil {
		return err
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// buildMessage assembles the DATA section. Header values must be single
// lines; a non-ASCII subject is Q-encoded.
func buildMessage(from, to, subject, htmlBody string) ([]byte, error) {
	headers := [][2]string{
		{"From", from},
		{"To", to},
		{"Subject", mime.QEncoding.Encode("utf-8", subject)},
		{"MIME-Version", "1.0"},
		{"Content-Type", `text/html; charset="UTF-8"`},
	}

	var buf bytes.Buffer
	for _, h := range headers {
		if hasLineBreak(h[1]) {
			return nil, fmt.Errorf("header %s contains a line break", h[0])
		}
		buf.WriteString(h[0] + ": " + h[1] + "\r\n")
	}
	buf.WriteString("\r\n")
	buf.WriteString(htmlBody)
	return buf.Bytes(), nil
}

func tlsConfig(host string) *tls.Config {
	return &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12}
}

const sendGridEndpoint = "https://api.sendgrid.com/v3/mail/send"

// sendGridTransport sends email via the SendGrid v3 API.
type sendGridTransport struct {
	config   EmailConfig
	endpoint string
	client   *http.Client
}

func (s *sendGridTransport) send(ctx context.Context, from, to, subject, htmlBody string) error {
	payload := map[string]interface{}{
		"personalizations": []map[string]interface{}{
			{"to": []map[string]string{{"email": to}}},
		},
		"from":    map[string]string{"email": s.config.FromAddress, "name": s.config.FromName},
		"subject": subject,
		"content": []map[string]string{
			{"type": "text/html", "value": htmlBody},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+s.config.SendGridKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sendgrid request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("sendgrid returned status %d", resp.StatusCode)
	}
	return nil
}

// logTransport writes emails to the log instead of sending them. Used in
// development when no provider is configured.
type logTransport struct {
	logger *slog.Logger
}

func (l *logTransport) send(ctx context.Context, from, to, subject, htmlBody string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.logger.Info("mailer: email (log provider)",
		"from", from,
		"to", to,
		"subject", subject,
		"bytes", len(htmlBody),
		"preview", preview(htmlBody, 160),
	)
	return nil
}

func preview(html string, n int) string {
	s := strings.Join(strings.Fields(html), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
