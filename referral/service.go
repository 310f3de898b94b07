package referral

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"careflow/notify"
	"careflow/telemetry"
)

// ExportHook is invoked after a transition into the export-eligible phase
// commits. Policy hook only: the workflow never depends on the exporter.
type ExportHook func(ctx context.Context, r Referral)

// Service drives referral lifecycle operations against a Store. Transition
// concurrency control is optimistic: two racing transitions on one referral
// surface ErrConcurrentModification instead of silently overwriting.
type Service struct {
	store       Store
	dispatcher  notify.Dispatcher
	broadcaster *telemetry.Broadcaster
	exportHook  ExportHook
	logger      *slog.Logger
	idGenerator func() string
	now         func() time.Time
}

func NewService(store Store, dispatcher notify.Dispatcher, broadcaster *telemetry.Broadcaster, logger *slog.Logger) *Service {
	if dispatcher == nil {
		dispatcher = notify.NopDispatcher{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:       store,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		logger:      logger,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithExportHook registers the intake-export trigger. The hook runs after
// the transition has committed; its failures never unwind the transition.
func (s *Service) WithExportHook(hook ExportHook) *Service {
	s.exportHook = hook
	return s
}

// CreateParams carries the pre-clinical intake fields for a new referral.
type CreateParams struct {
	FirstName         string
	LastName          string
	Email             string
	Phone             string
	PresentingConcern string
	Urgency           Urgency
	ReferrerName      string
	ReferrerContact   string
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Referral, error) {
	if strings.TrimSpace(params.FirstName) == "" || strings.TrimSpace(params.LastName) == "" {
		return Referral{}, fmt.Errorf("referral: client name required")
	}
	if strings.TrimSpace(params.Email) == "" && strings.TrimSpace(params.Phone) == "" {
		return Referral{}, fmt.Errorf("referral: contact detail required")
	}
	urgency := params.Urgency
	if urgency == "" {
		urgency = UrgencyRoutine
	}
	switch urgency {
	case UrgencyRoutine, UrgencyElevated, UrgencyUrgent:
	default:
		return Referral{}, fmt.Errorf("referral: unknown urgency %q", params.Urgency)
	}

	r := Referral{
		ID:                s.idGenerator(),
		FirstName:         strings.TrimSpace(params.FirstName),
		LastName:          strings.TrimSpace(params.LastName),
		Email:             strings.TrimSpace(params.Email),
		Phone:             strings.TrimSpace(params.Phone),
		PresentingConcern: params.PresentingConcern,
		Urgency:           urgency,
		ReferrerName:      params.ReferrerName,
		ReferrerContact:   params.ReferrerContact,
		WorkflowStatus:    StatusReferralSubmitted,
		CreatedAt:         s.now().UTC(),
	}

	created, err := s.store.Create(ctx, r)
	if err != nil {
		return Referral{}, err
	}

	s.logger.Info("referral created",
		"referral_id", created.ID,
		"urgency", created.Urgency,
	)
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Referral, error) {
	return s.store.Load(ctx, id)
}

type ListResult struct {
	Items []Referral
	Total int
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.store.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Transition moves the referral to target. Validation failures
// (ErrInvalidTransition, ErrReasonRequired) reflect caller mistakes and are
// returned verbatim; they are never retried here.
func (s *Service) Transition(ctx context.Context, id string, target Status, reason, actor string) (Referral, error) {
	r, err := s.store.Load(ctx, id)
	if err != nil {
		return Referral{}, err
	}
	previous := r.WorkflowStatus

	if err := ApplyTransition(&r, target, reason, actor, s.now()); err != nil {
		return Referral{}, err
	}

	saved, err := s.store.Save(ctx, r)
	if err != nil {
		return Referral{}, err
	}

	s.logger.Info("referral status changed",
		"referral_id", saved.ID,
		"from", previous,
		"to", saved.WorkflowStatus,
		"client_state", saved.ClientState(),
	)

	notify.Dispatch(ctx, s.dispatcher, s.logger, notify.Event{
		Type:       notify.EventReferralStatusChanged,
		ReferralID: saved.ID,
		Payload: map[string]any{
			"previous": string(previous),
			"next":     string(saved.WorkflowStatus),
			"actor":    actor,
		},
	})
	if s.broadcaster != nil {
		s.broadcaster.Publish(telemetry.Event{
			Kind:       "referral.status_changed",
			ReferralID: saved.ID,
			Detail:     string(saved.WorkflowStatus),
			At:         s.now().UTC(),
		})
	}

	if s.exportHook != nil && TriggersExport(target) {
		s.exportHook(ctx, saved)
	}

	return saved, nil
}

// Timeline merges the derived lifecycle/transition events with persisted
// timeline rows (export outcomes) into one ascending sequence.
func (s *Service) Timeline(ctx context.Context, id string) ([]TimelineEvent, error) {
	r, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	stored, err := s.store.TimelineEvents(ctx, id)
	if err != nil {
		return nil, err
	}

	events := BuildTimeline(r)
	events = append(events, stored...)
	SortEvents(events)
	return events, nil
}
