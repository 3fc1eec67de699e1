package channels

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebhookAdapter POSTs the payload as JSON.
//
// Status mapping: 2xx is success, 408/429 and 5xx are transient, other 4xx
// are permanent. Network errors are transient.
type WebhookAdapter struct {
	// URL is the fixed endpoint. When empty the recipient address is used.
	URL     string
	Headers map[string]string
	Client  *http.Client
}

type webhookBody struct {
	Recipient Recipient `json:"recipient"`
	Payload
	Text string `json:"text"`
}

func NewWebhookAdapter(fixedURL string, headers map[string]string, timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAdapter{URL: strings.TrimSpace(fixedURL), Headers: headers, Client: &http.Client{Timeout: timeout}}
}

func (a *WebhookAdapter) Send(ctx context.Context, to Recipient, p Payload) error {
	target := a.URL
	if target == "" {
		target = strings.TrimSpace(to.Address)
	}
	if target == "" {
		return Permanent(ErrNoAddress)
	}
	if u, err := url.Parse(target); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Permanentf("invalid webhook url %q", target)
	}

	body, err := json.Marshal(webhookBody{Recipient: to, Payload: p, Text: Render(p)})
	if err != nil {
		return Permanent(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", p.EventID+"|"+to.UserID)
	for k, v := range a.Headers {
		req.Header.Set(k, v)
	}

	client := a.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return Transient(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch code := resp.StatusCode; {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500:
		return Transient(fmt.Errorf("webhook status %d: %s", code, strings.TrimSpace(string(snippet))))
	default:
		return Permanent(fmt.Errorf("webhook status %d: %s", code, strings.TrimSpace(string(snippet))))
	}
}
