package contact

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookProvider forwards funnel events to an external endpoint as JSON
// POSTs authenticated with a shared-secret header.
type WebhookProvider struct {
	url    string
	secret string
	client *http.Client
}

func NewWebhookProvider(url, secret string) (*WebhookProvider, error) {
	if url == "" {
		return nil, fmt.Errorf("contact: empty webhook url")
	}
	return &WebhookProvider{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// WithHTTPClient overrides the HTTP client for tests.
func (p *WebhookProvider) WithHTTPClient(client *http.Client) *WebhookProvider {
	p.client = client
	return p
}

func (p *WebhookProvider) HandleSubmission(ctx context.Context, sub Submission) error {
	return p.post(ctx, "contact.submission", sub)
}

func (p *WebhookProvider) HandleSubscription(ctx context.Context, sub Subscription) error {
	return p.post(ctx, "contact.subscription", sub)
}

func (p *WebhookProvider) post(ctx context.Context, kind string, payload any) error {
	body, err := json.Marshal(map[string]any{
		"kind": kind,
		"data": payload,
	})
	if err != nil {
		return fmt.Errorf("contact: marshal %s: %w", kind, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("contact: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.secret != "" {
		req.Header.Set("X-Careflow-Secret", p.secret)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("contact: post %s: %w", kind, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("contact: webhook returned %d for %s", resp.StatusCode, kind)
	}
	return nil
}
