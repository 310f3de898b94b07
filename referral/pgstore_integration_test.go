package referral

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"careflow/test/infra"
)

// startPG gives the test a migrated database, via CAREFLOW_TEST_PG_DSN or a
// throwaway container. Skips when neither is available.
func startPG(t *testing.T) *PGStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	pgC, dsn, err := infra.StartPostgres16(ctx, "")
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(context.Background()) })

	pool, cleanup, err := infra.ApplyMigrations(ctx, dsn, true)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	t.Cleanup(func() {
		pool.Close()
		_ = cleanup(context.Background())
	})

	return NewPGStore(pool)
}

func TestPGStore_CreateLoadRoundTrip(t *testing.T) {
	store := startPG(t)
	ctx := context.Background()

	r := Referral{
		ID:                uuid.NewString(),
		FirstName:         "Dana",
		LastName:          "Velasquez",
		Email:             "dana@example.com",
		PresentingConcern: "anxiety",
		Urgency:           UrgencyRoutine,
		WorkflowStatus:    StatusReferralSubmitted,
		CreatedAt:         time.Now().UTC().Truncate(time.Microsecond),
	}

	created, err := store.Create(ctx, r)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.Version != 1 {
		t.Fatalf("expected version 1, got %d", created.Version)
	}

	loaded, err := store.Load(ctx, r.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.FirstName != r.FirstName || loaded.WorkflowStatus != StatusReferralSubmitted {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}

	if _, err := store.Load(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestPGStore_SaveVersionCheck(t *testing.T) {
	store := startPG(t)
	ctx := context.Background()

	r := Referral{
		ID:             uuid.NewString(),
		FirstName:      "Dana",
		LastName:       "Velasquez",
		Email:          "dana@example.com",
		Urgency:        UrgencyRoutine,
		WorkflowStatus: StatusReferralSubmitted,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	created, err := store.Create(ctx, r)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := ApplyTransition(&created, StatusReferralUnderReview, "", "admin", time.Now().UTC()); err != nil {
		t.Fatalf("apply: %v", err)
	}
	saved, err := store.Save(ctx, created)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved.Version != 2 {
		t.Fatalf("expected version 2, got %d", saved.Version)
	}

	// Saving the stale copy again must conflict.
	if _, err := store.Save(ctx, created); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	loaded, err := store.Load(ctx, created.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Transitions) != 1 || loaded.Transitions[0].To != StatusReferralUnderReview {
		t.Fatalf("expected persisted transition history, got %+v", loaded.Transitions)
	}
}

func TestPGStore_TimelineEvents(t *testing.T) {
	store := startPG(t)
	ctx := context.Background()

	r := Referral{
		ID:             uuid.NewString(),
		FirstName:      "Dana",
		LastName:       "Velasquez",
		Email:          "dana@example.com",
		Urgency:        UrgencyRoutine,
		WorkflowStatus: StatusReferralSubmitted,
		CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
	}
	if _, err := store.Create(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	at := time.Now().UTC().Truncate(time.Microsecond)
	ev := TimelineEvent{At: at, Phase: PhaseExport, Label: "Intake package exported", Detail: "ipkg-x"}
	if err := store.AppendTimelineEvent(ctx, r.ID, ev); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := store.AppendTimelineEvent(ctx, uuid.NewString(), ev); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown referral, got %v", err)
	}

	events, err := store.TimelineEvents(ctx, r.ID)
	if err != nil {
		t.Fatalf("timeline events: %v", err)
	}
	if len(events) != 1 || events[0].Label != ev.Label || events[0].Detail != ev.Detail {
		t.Fatalf("unexpected events: %+v", events)
	}
}

func TestPGStore_ListFilters(t *testing.T) {
	store := startPG(t)
	ctx := context.Background()

	mk := func(status Status, urgency Urgency) {
		t.Helper()
		r := Referral{
			ID:             uuid.NewString(),
			FirstName:      "Test",
			LastName:       "Client",
			Email:          "t@example.com",
			Urgency:        urgency,
			WorkflowStatus: status,
			CreatedAt:      time.Now().UTC().Truncate(time.Microsecond),
		}
		if _, err := store.Create(ctx, r); err != nil {
			t.Fatalf("create: %v", err)
		}
	}

	mk(StatusReferralSubmitted, UrgencyRoutine)
	mk(StatusInTreatment, UrgencyUrgent)
	mk(StatusTreatmentComplete, UrgencyRoutine)

	byStatus, total, err := store.List(ctx, Filters{Status: StatusInTreatment})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if total != 1 || len(byStatus) != 1 || byStatus[0].WorkflowStatus != StatusInTreatment {
		t.Fatalf("unexpected status filter result: total=%d items=%+v", total, byStatus)
	}

	_, total, err = store.List(ctx, Filters{ClientState: ClientInactive})
	if err != nil {
		t.Fatalf("list by client state: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected one inactive referral, got %d", total)
	}
}
