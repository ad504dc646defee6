package channels

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"html"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sendgrid/sendgrid-go"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
)

type SMTPConfig struct {
	Host     string
	Port     string
	From     string
	Username string
	Password string
	StartTLS bool
}

// SMTP delivers plain-text email through a relay (Mailpit-compatible when unauthenticated).
type SMTP struct {
	cfg SMTPConfig
}

func NewSMTP(cfg SMTPConfig) *SMTP {
	cfg.Host = strings.TrimSpace(cfg.Host)
	cfg.Port = strings.TrimSpace(cfg.Port)
	cfg.From = strings.TrimSpace(cfg.From)
	if cfg.From == "" {
		cfg.From = "no-reply@carereminder.local"
	}
	return &SMTP{cfg: cfg}
}

func (s *SMTP) ProviderID() string {
	return "smtp"
}

func (s *SMTP) Send(ctx context.Context, msg Message) (Receipt, error) {
	to, err := mail.ParseAddress(msg.Destination)
	if err != nil {
		return Receipt{}, Permanent(s.ProviderID(), fmt.Errorf("invalid address %q: %w", msg.Destination, err))
	}
	messageID := fmt.Sprintf("<%s@%s>", uuid.NewString(), s.cfg.Host)

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(s.cfg.Host, s.cfg.Port))
	if err != nil {
		return Receipt{}, Transient(s.ProviderID(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, s.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return Receipt{}, s.classify(err)
	}
	defer c.Close()

	if s.cfg.StartTLS {
		if err := c.StartTLS(&tls.Config{ServerName: s.cfg.Host}); err != nil {
			return Receipt{}, s.classify(err)
		}
	}
	if s.cfg.Username != "" {
		if err := c.Auth(smtp.PlainAuth("", s.cfg.Username, s.cfg.Password, s.cfg.Host)); err != nil {
			return Receipt{}, s.classify(err)
		}
	}
	if err := c.Mail(s.cfg.From); err != nil {
		return Receipt{}, s.classify(err)
	}
	if err := c.Rcpt(to.Address); err != nil {
		return Receipt{}, s.classify(err)
	}
	w, err := c.Data()
	if err != nil {
		return Receipt{}, s.classify(err)
	}
	if _, err := w.Write([]byte(buildMessage(s.cfg.From, to.Address, msg.Subject, msg.Body, messageID))); err != nil {
		return Receipt{}, s.classify(err)
	}
	if err := w.Close(); err != nil {
		return Receipt{}, s.classify(err)
	}
	_ = c.Quit()
	return Receipt{ExternalID: messageID, Provider: s.ProviderID()}, nil
}

// classify treats 5xx SMTP replies as permanent and everything else as transient.
func (s *SMTP) classify(err error) error {
	var tp *textproto.Error
	if errors.As(err, &tp) && tp.Code >= 500 {
		return &PermanentError{Provider: s.ProviderID(), StatusCode: tp.Code, Err: err}
	}
	return Transient(s.ProviderID(), err)
}

func buildMessage(from, to, subject, body, messageID string) string {
	return fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMessage-ID: %s\r\nDate: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from,
		to,
		subject,
		messageID,
		time.Now().UTC().Format(time.RFC1123Z),
		strings.ReplaceAll(body, "\n", "\r\n"),
	)
}

type SendGridConfig struct {
	APIKey    string
	FromName  string
	FromEmail string
	// Host overrides the API origin; empty means api.sendgrid.com.
	Host string
}

type SendGrid struct {
	cfg SendGridConfig
}

func NewSendGrid(cfg SendGridConfig) *SendGrid {
	return &SendGrid{cfg: cfg}
}

func (s *SendGrid) ProviderID() string {
	return "sendgrid"
}

func (s *SendGrid) Send(ctx context.Context, msg Message) (Receipt, error) {
	if s.cfg.APIKey == "" || s.cfg.FromEmail == "" {
		return Receipt{}, Permanent(s.ProviderID(), errors.New("sendgrid not configured"))
	}
	if _, err := mail.ParseAddress(msg.Destination); err != nil {
		return Receipt{}, Permanent(s.ProviderID(), fmt.Errorf("invalid address %q: %w", msg.Destination, err))
	}
	from := sgmail.NewEmail(s.cfg.FromName, s.cfg.FromEmail)
	to := sgmail.NewEmail("", msg.Destination)
	htmlContent := strings.ReplaceAll(html.EscapeString(msg.Body), "\n", "<br>")
	message := sgmail.NewSingleEmail(from, msg.Subject, to, msg.Body, htmlContent)

	// The client keeps the request body on itself, so one per send.
	client := sendgrid.NewSendClient(s.cfg.APIKey)
	if s.cfg.Host != "" {
		client.BaseURL = strings.TrimRight(s.cfg.Host, "/") + "/v3/mail/send"
	}
	resp, err := client.SendWithContext(ctx, message)
	if err != nil {
		return Receipt{}, Transient(s.ProviderID(), err)
	}
	if err := ClassifyHTTP(s.ProviderID(), resp.StatusCode, resp.Body); err != nil {
		return Receipt{}, err
	}
	externalID := ""
	for k, v := range resp.Headers {
		if strings.EqualFold(k, "X-Message-Id") && len(v) > 0 {
			externalID = v[0]
		}
	}
	if externalID == "" {
		externalID = "sendgrid-" + uuid.NewString()
	}
	return Receipt{ExternalID: externalID, Provider: s.ProviderID()}, nil
}
