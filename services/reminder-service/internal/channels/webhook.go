package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Webhook posts the message as JSON to a provider gateway. It backs the voice call-out service
// and can stand in for SMS.
type Webhook struct {
	name  string
	url   string
	token string
	http  *http.Client
}

func NewWebhook(name, url, token string) *Webhook {
	return &Webhook{
		name:  name,
		url:   strings.TrimSpace(url),
		token: strings.TrimSpace(token),
		http: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

func (s *Webhook) ProviderID() string {
	return s.name
}

type webhookRequest struct {
	ReminderID string `json:"reminder_id"`
	Channel    string `json:"channel"`
	To         string `json:"to"`
	Subject    string `json:"subject,omitempty"`
	Body       string `json:"body"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

func (s *Webhook) Send(ctx context.Context, msg Message) (Receipt, error) {
	if s.url == "" {
		return Receipt{}, Permanent(s.name, errors.New("webhook url not configured"))
	}
	raw, err := json.Marshal(webhookRequest{
		ReminderID: msg.ReminderID,
		Channel:    string(msg.Channel),
		To:         msg.Destination,
		Subject:    msg.Subject,
		Body:       msg.Body,
	})
	if err != nil {
		return Receipt{}, Permanent(s.name, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(raw))
	if err != nil {
		return Receipt{}, Permanent(s.name, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", msg.ReminderID)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return Receipt{}, Transient(s.name, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := ClassifyHTTP(s.name, resp.StatusCode, string(body)); err != nil {
		return Receipt{}, err
	}

	var out webhookResponse
	_ = json.Unmarshal(body, &out)
	if out.ID == "" {
		out.ID = s.name + "-" + uuid.NewString()
	}
	return Receipt{ExternalID: out.ID, Provider: s.name}, nil
}

// Noop accepts every message. Useful for local runs.
type Noop struct {
	name string
}

func NewNoop(name string) *Noop {
	return &Noop{name: name}
}

func (s *Noop) ProviderID() string {
	return s.name
}

func (s *Noop) Send(context.Context, Message) (Receipt, error) {
	return Receipt{ExternalID: s.name + "-" + uuid.NewString(), Provider: s.name}, nil
}
