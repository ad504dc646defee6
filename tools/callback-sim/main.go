package main

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/md-rashed-zaman/carereminder/libs/auth"
	"github.com/twilio/twilio-go/client"
)

// callback-sim posts a provider status callback to the reminder service, either as a signed
// Twilio form post or as an authenticated JSON delivery callback.
func main() {
	var (
		baseURL    = flag.String("base-url", getenv("BASE_URL", "http://localhost:8086"), "reminder service base url")
		mode       = flag.String("mode", getenv("CALLBACK_MODE", "twilio"), "twilio or delivery")
		event      = flag.String("event", getenv("CALLBACK_EVENT", "delivered"), "twilio status or delivery event")
		reminderID = flag.String("reminder-id", getenv("REMINDER_ID", ""), "reminder id (delivery mode)")
		externalID = flag.String("external-id", getenv("EXTERNAL_ID", ""), "provider message id")
		response   = flag.String("response", getenv("RESPONSE_TEXT", ""), "patient response text (delivery mode)")
		token      = flag.String("twilio-token", getenv("TWILIO_AUTH_TOKEN", ""), "twilio auth token used to sign")
		signedURL  = flag.String("signed-url", getenv("TWILIO_STATUS_CALLBACK_URL", ""), "url twilio signs; defaults to the request url")
		secret     = flag.String("jwt-secret", getenv("JWT_SECRET", ""), "HS256 secret for delivery mode")
	)
	flag.Parse()

	var (
		req *http.Request
		err error
	)
	switch *mode {
	case "twilio":
		req, err = twilioRequest(*baseURL, *signedURL, *token, *externalID, *event)
	case "delivery":
		req, err = deliveryRequest(*baseURL, *secret, *reminderID, *externalID, *event, *response)
	default:
		err = fmt.Errorf("unsupported mode: %s", *mode)
	}
	if err != nil {
		fatal(err.Error())
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fatal(err.Error())
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	fmt.Printf("status=%d body=%s\n", resp.StatusCode, strings.TrimSpace(string(body)))
}

func twilioRequest(baseURL, signedURL, token, messageSID, status string) (*http.Request, error) {
	if strings.TrimSpace(messageSID) == "" {
		return nil, fmt.Errorf("EXTERNAL_ID is required in twilio mode")
	}
	target := strings.TrimRight(baseURL, "/") + "/v1/callbacks/twilio"
	form := url.Values{}
	form.Set("MessageSid", messageSID)
	form.Set("MessageStatus", status)
	if status == "failed" || status == "undelivered" {
		form.Set("ErrorCode", "30003")
	}

	req, err := http.NewRequest(http.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if token != "" {
		if signedURL == "" {
			signedURL = target
		}
		sig := sign(token, signedURL, form)
		if !validates(token, signedURL, form, sig) {
			return nil, fmt.Errorf("signature for %s does not validate", signedURL)
		}
		req.Header.Set("X-Twilio-Signature", sig)
	}
	return req, nil
}

func deliveryRequest(baseURL, secret, reminderID, externalID, event, response string) (*http.Request, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, fmt.Errorf("JWT_SECRET is required in delivery mode")
	}
	if reminderID == "" && externalID == "" {
		return nil, fmt.Errorf("REMINDER_ID or EXTERNAL_ID is required")
	}
	now := time.Now().UTC()
	token, err := auth.SignHS256(auth.Claims{
		Sub:  "callback-sim",
		Role: auth.RoleProvider,
		Iat:  now.Unix(),
		Exp:  now.Add(5 * time.Minute).Unix(),
	}, secret)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"reminder_id":   reminderID,
		"external_id":   externalID,
		"event":         event,
		"response_text": response,
		"timestamp":     now,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(baseURL, "/")+"/v1/callbacks/delivery", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	return req, nil
}

// sign mirrors X-Twilio-Signature: base64(HMAC-SHA1(token, url + sorted key/value pairs)).
func sign(token, fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		for _, v := range form[k] {
			b.WriteString(k)
			b.WriteString(v)
		}
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// validates runs the same check the service applies to incoming callbacks.
func validates(token, fullURL string, form url.Values, sig string) bool {
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	v := client.NewRequestValidator(token)
	return v.Validate(fullURL, params, sig)
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func fatal(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}
