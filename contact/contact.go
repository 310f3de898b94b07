// Package contact integrates the public contact/newsletter funnel with
// external systems. Integrations are a closed set of Provider variants
// selected by a configuration tag; submissions and subscriptions carry no
// clinical data.
package contact

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Submission is one contact-form message.
type Submission struct {
	Name        string    `json:"name"`
	Email       string    `json:"email"`
	Message     string    `json:"message"`
	SubmittedAt time.Time `json:"submitted_at"`
}

// Subscription is one newsletter opt-in.
type Subscription struct {
	Email        string    `json:"email"`
	SubscribedAt time.Time `json:"subscribed_at"`
}

// Provider is the capability interface every funnel integration implements.
type Provider interface {
	HandleSubmission(ctx context.Context, sub Submission) error
	HandleSubscription(ctx context.Context, sub Subscription) error
}

// Config selects and parameterizes one provider variant.
type Config struct {
	Provider          string
	WebhookURL        string
	WebhookSecret     string
	Brokers           []string
	SubmissionTopic   string
	SubscriptionTopic string
}

// NewProvider builds the provider named by cfg.Provider. Unknown tags are
// construction-time errors, never runtime fallbacks.
func NewProvider(cfg Config, logger *slog.Logger) (Provider, error) {
	switch cfg.Provider {
	case "webhook":
		return NewWebhookProvider(cfg.WebhookURL, cfg.WebhookSecret)
	case "kafka":
		return NewKafkaProvider(cfg.Brokers, cfg.SubmissionTopic, cfg.SubscriptionTopic)
	case "noop":
		return NoopProvider{Logger: logger}, nil
	default:
		return nil, fmt.Errorf("contact: unknown provider %q", cfg.Provider)
	}
}

// NoopProvider logs and drops everything.
type NoopProvider struct {
	Logger *slog.Logger
}

func (p NoopProvider) logger() *slog.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return slog.Default()
}

func (p NoopProvider) HandleSubmission(ctx context.Context, sub Submission) error {
	p.logger().Info("contact submission dropped", "email_domain", emailDomain(sub.Email))
	return nil
}

func (p NoopProvider) HandleSubscription(ctx context.Context, sub Subscription) error {
	p.logger().Info("newsletter subscription dropped", "email_domain", emailDomain(sub.Email))
	return nil
}

func emailDomain(email string) string {
	for i := len(email) - 1; i >= 0; i-- {
		if email[i] == '@' {
			return email[i+1:]
		}
	}
	return ""
}
