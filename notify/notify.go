// Package notify delivers workflow and export events to stakeholders.
// Delivery is fire-and-forget: a failed notification is logged and dropped,
// never allowed to block or fail the operation that produced it.
package notify

import (
	"context"
	"log/slog"
)

// Event types emitted by the core.
const (
	EventReferralStatusChanged = "referral.status_changed"
	EventExportCompleted       = "export.completed"
	EventExportFailed          = "export.failed"
	EventPackageExpired        = "package.expired"
)

// Event is one notification. Payload carries non-sensitive context only:
// ids, statuses, step names. Never intake content or signed URLs.
type Event struct {
	Type       string         `json:"type"`
	ReferralID string         `json:"referral_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// Dispatch sends the event and swallows any failure after logging it.
func Dispatch(ctx context.Context, d Dispatcher, logger *slog.Logger, event Event) {
	if d == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := d.Notify(ctx, event); err != nil {
		logger.Warn("notification dropped",
			"type", event.Type,
			"referral_id", event.ReferralID,
			"error", err,
		)
	}
}

// LogDispatcher writes events to the log instead of delivering them.
type LogDispatcher struct {
	Logger *slog.Logger
}

func (d LogDispatcher) Notify(ctx context.Context, event Event) error {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"type", event.Type,
		"referral_id", event.ReferralID,
	)
	return nil
}

// NopDispatcher discards every event.
type NopDispatcher struct{}

func (NopDispatcher) Notify(ctx context.Context, event Event) error { return nil }
