package contact

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewProvider_ClosedSet(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"noop", Config{Provider: "noop"}, false},
		{"webhook", Config{Provider: "webhook", WebhookURL: "https://hooks.example.com/contact"}, false},
		{"webhook missing url", Config{Provider: "webhook"}, true},
		{"kafka", Config{Provider: "kafka", Brokers: []string{"broker:9092"}, SubmissionTopic: "contact", SubscriptionTopic: "newsletter"}, false},
		{"kafka missing brokers", Config{Provider: "kafka", SubmissionTopic: "contact", SubscriptionTopic: "newsletter"}, true},
		{"unknown tag", Config{Provider: "smtp"}, true},
		{"empty tag", Config{}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := NewProvider(tc.cfg, nil)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected construction error for %+v", tc.cfg)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if p == nil {
				t.Fatal("expected a provider")
			}
		})
	}
}

func TestNoopProvider_AcceptsEverything(t *testing.T) {
	p := NoopProvider{}
	ctx := context.Background()

	if err := p.HandleSubmission(ctx, Submission{Name: "Ada", Email: "ada@example.com", Message: "hello"}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if err := p.HandleSubscription(ctx, Subscription{Email: "ada@example.com"}); err != nil {
		t.Fatalf("subscription: %v", err)
	}
}

func TestWebhookProvider_PostsSubmission(t *testing.T) {
	var (
		gotSecret      string
		gotContentType string
		gotBody        []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSecret = r.Header.Get("X-Careflow-Secret")
		gotContentType = r.Header.Get("Content-Type")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(srv.URL, "shared-secret")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}

	sub := Submission{
		Name:        "Ada",
		Email:       "ada@example.com",
		Message:     "please call back",
		SubmittedAt: time.Date(2025, 7, 1, 9, 0, 0, 0, time.UTC),
	}
	if err := p.HandleSubmission(context.Background(), sub); err != nil {
		t.Fatalf("submission: %v", err)
	}

	if gotSecret != "shared-secret" {
		t.Fatalf("secret header %q", gotSecret)
	}
	if gotContentType != "application/json" {
		t.Fatalf("content type %q", gotContentType)
	}

	var envelope struct {
		Kind string     `json:"kind"`
		Data Submission `json:"data"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Kind != "contact.submission" {
		t.Fatalf("kind %q", envelope.Kind)
	}
	if envelope.Data.Email != sub.Email || envelope.Data.Message != sub.Message {
		t.Fatalf("payload mismatch: %+v", envelope.Data)
	}
}

func TestWebhookProvider_SubscriptionKind(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
	}))
	defer srv.Close()

	p, err := NewWebhookProvider(srv.URL, "")
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if err := p.HandleSubscription(context.Background(), Subscription{Email: "ada@example.com"}); err != nil {
		t.Fatalf("subscription: %v", err)
	}

	var envelope struct {
		Kind string `json:"kind"`
	}
	if err := json.Unmarshal(gotBody, &envelope); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if envelope.Kind != "contact.subscription" {
		t.Fatalf("kind %q", envelope.Kind)
	}
}

func TestWebhookProvider_NoSecretHeaderWhenUnset(t *testing.T) {
	var hasHeader bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasHeader = r.Header["X-Careflow-Secret"]
	}))
	defer srv.Close()

	p, _ := NewWebhookProvider(srv.URL, "")
	if err := p.HandleSubmission(context.Background(), Submission{Email: "a@b.c"}); err != nil {
		t.Fatalf("submission: %v", err)
	}
	if hasHeader {
		t.Fatal("secret header must be absent when no secret is configured")
	}
}

func TestWebhookProvider_NonSuccessStatusIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p, _ := NewWebhookProvider(srv.URL, "s")
	if err := p.HandleSubmission(context.Background(), Submission{Email: "a@b.c"}); err == nil {
		t.Fatal("expected error for 502 response")
	}
}

func TestEmailDomain(t *testing.T) {
	cases := map[string]string{
		"ada@example.com":  "example.com",
		"no-at-sign":       "",
		"":                 "",
		"a@b@example.org":  "example.org",
		"trailing@":        "",
	}
	for in, want := range cases {
		if got := emailDomain(in); got != want {
			t.Fatalf("emailDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
