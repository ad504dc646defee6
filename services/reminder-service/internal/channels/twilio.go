package channels

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	api "github.com/twilio/twilio-go/rest/api/v2010"
)

type TwilioConfig struct {
	AccountSID     string
	AuthToken      string
	From           string
	StatusCallback string
	// BaseURL points API calls somewhere other than api.twilio.com, such as a local stub.
	BaseURL string
}

// Twilio sends SMS or WhatsApp messages through the Messages API.
type Twilio struct {
	cfg      TwilioConfig
	whatsapp bool
	rest     *twilio.RestClient
}

func NewTwilioSMS(cfg TwilioConfig) *Twilio {
	return newTwilio(cfg, false)
}

// NewTwilioWhatsApp addresses both ends with the whatsapp: prefix.
func NewTwilioWhatsApp(cfg TwilioConfig) *Twilio {
	return newTwilio(cfg, true)
}

func newTwilio(cfg TwilioConfig, whatsapp bool) *Twilio {
	httpClient := &http.Client{Timeout: 15 * time.Second}
	if base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/")); err == nil && base.Host != "" {
		httpClient.Transport = rebaseTransport{base: base, next: http.DefaultTransport}
	}
	c := &client.Client{
		Credentials: client.NewCredentials(cfg.AccountSID, cfg.AuthToken),
		HTTPClient:  httpClient,
	}
	c.SetAccountSid(cfg.AccountSID)
	return &Twilio{
		cfg:      cfg,
		whatsapp: whatsapp,
		rest:     twilio.NewRestClientWithParams(twilio.ClientParams{Client: c}),
	}
}

func (t *Twilio) ProviderID() string {
	if t.whatsapp {
		return "twilio-whatsapp"
	}
	return "twilio-sms"
}

type twilioResult struct {
	msg *api.ApiV2010Message
	err error
}

func (t *Twilio) Send(ctx context.Context, msg Message) (Receipt, error) {
	if t.cfg.AccountSID == "" || t.cfg.AuthToken == "" || t.cfg.From == "" {
		return Receipt{}, Permanent(t.ProviderID(), errors.New("twilio credentials not configured"))
	}
	to, from := msg.Destination, t.cfg.From
	if t.whatsapp {
		to = withPrefix(to, "whatsapp:")
		from = withPrefix(from, "whatsapp:")
	}
	if strings.TrimSpace(strings.TrimPrefix(to, "whatsapp:")) == "" {
		return Receipt{}, Permanent(t.ProviderID(), errors.New("empty destination"))
	}

	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(msg.Body)
	if t.cfg.StatusCallback != "" {
		params.SetStatusCallback(t.cfg.StatusCallback)
	}

	// CreateMessage takes no context; the HTTP client timeout bounds the call once ctx gives up.
	done := make(chan twilioResult, 1)
	go func() {
		m, err := t.rest.Api.CreateMessage(params)
		done <- twilioResult{msg: m, err: err}
	}()
	var res twilioResult
	select {
	case <-ctx.Done():
		return Receipt{}, Transient(t.ProviderID(), ctx.Err())
	case res = <-done:
	}

	if res.err != nil {
		return Receipt{}, t.classify(res.err)
	}
	if res.msg == nil || res.msg.Sid == nil || *res.msg.Sid == "" {
		return Receipt{}, Transient(t.ProviderID(), errors.New("response missing message sid"))
	}
	return Receipt{ExternalID: *res.msg.Sid, Provider: t.ProviderID()}, nil
}

// classify maps REST errors by status; anything without one is a transport failure.
func (t *Twilio) classify(err error) error {
	var rest *client.TwilioRestError
	if errors.As(err, &rest) && rest.Status != 0 {
		return ClassifyHTTP(t.ProviderID(), rest.Status, rest.Message)
	}
	return Transient(t.ProviderID(), err)
}

func withPrefix(s, prefix string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, prefix) {
		return s
	}
	return prefix + s
}

// rebaseTransport sends every request to base, keeping the path and query.
type rebaseTransport struct {
	base *url.URL
	next http.RoundTripper
}

func (rt rebaseTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	out := req.Clone(req.Context())
	out.URL.Scheme = rt.base.Scheme
	out.URL.Host = rt.base.Host
	out.Host = rt.base.Host
	return rt.next.RoundTrip(out)
}
