package channels

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/md-rashed-zaman/carereminder/services/reminder-service/internal/model"
)

var ErrUnsupportedChannel = errors.New("unsupported channel")

type Message struct {
	ReminderID    string
	AppointmentID string
	PatientID     string
	Channel       model.Channel
	Destination   string
	Subject       string
	Body          string
}

type Receipt struct {
	ExternalID string
	Provider   string
}

// Adapter sends one rendered message through a provider.
type Adapter interface {
	Send(ctx context.Context, msg Message) (Receipt, error)
	ProviderID() string
}

// TransientError is worth retrying: network trouble, timeouts, throttling, provider 5xx.
type TransientError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: transient (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: transient: %v", e.Provider, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError will fail the same way on every attempt.
type PermanentError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *PermanentError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: permanent (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: permanent: %v", e.Provider, e.Err)
}

func (e *PermanentError) Unwrap() error { return e.Err }

func Transient(provider string, err error) error {
	return &TransientError{Provider: provider, Err: err}
}

func Permanent(provider string, err error) error {
	return &PermanentError{Provider: provider, Err: err}
}

// IsPermanent reports whether err must not be retried. Unclassified errors are treated as
// transient.
func IsPermanent(err error) bool {
	var perm *PermanentError
	return errors.As(err, &perm)
}

// ClassifyHTTP maps a provider response status to nil, a TransientError or a PermanentError.
func ClassifyHTTP(provider string, status int, body string) error {
	if status >= 200 && status < 300 {
		return nil
	}
	detail := strings.TrimSpace(body)
	if len(detail) > 256 {
		detail = detail[:256]
	}
	if detail == "" {
		detail = http.StatusText(status)
	}
	if status == http.StatusTooManyRequests || status == http.StatusRequestTimeout || status >= 500 {
		return &TransientError{Provider: provider, StatusCode: status, Err: errors.New(detail)}
	}
	return &PermanentError{Provider: provider, StatusCode: status, Err: errors.New(detail)}
}

// Registry maps each channel to the adapter that serves it.
type Registry struct {
	adapters map[model.Channel]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: map[model.Channel]Adapter{}}
}

func (r *Registry) Register(ch model.Channel, a Adapter) {
	r.adapters[ch] = a
}

func (r *Registry) Lookup(ch model.Channel) (Adapter, error) {
	a, ok := r.adapters[ch]
	if !ok {
		return nil, Permanent("registry", fmt.Errorf("%w: %s", ErrUnsupportedChannel, ch))
	}
	return a, nil
}

func (r *Registry) Channels() []model.Channel {
	var out []model.Channel
	for _, ch := range model.Channels {
		if _, ok := r.adapters[ch]; ok {
			out = append(out, ch)
		}
	}
	return out
}
