package referral

import (
	"errors"
	"testing"
	"time"
)

var allStatuses = []Status{
	StatusReferralSubmitted, StatusReferralUnderReview, StatusDocumentsRequested,
	StatusReferralAccepted, StatusReferralDeclined,
	StatusPreStaging, StatusPreStagingComplete,
	StatusStaging, StatusAssignmentProposed, StatusAssignmentAccepted, StatusAssignmentDeclined,
	StatusIntakeScheduled, StatusWaitingFirstSession,
	StatusInTreatment, StatusTreatmentOnHold, StatusTreatmentComplete,
	StatusDeclined,
}

func TestAllowedNext_TerminalStatusesEmpty(t *testing.T) {
	for _, s := range []Status{StatusReferralDeclined, StatusTreatmentComplete, StatusDeclined} {
		if next := AllowedNext(s); len(next) != 0 {
			t.Errorf("expected no transitions from terminal %s, got %v", s, next)
		}
		if !IsTerminal(s) {
			t.Errorf("expected %s to be terminal", s)
		}
	}
}

func TestAllowedNext_LoopbackEdges(t *testing.T) {
	if !contains(AllowedNext(StatusDocumentsRequested), StatusReferralUnderReview) {
		t.Error("documents_requested must loop back to referral_under_review")
	}
	if !contains(AllowedNext(StatusAssignmentDeclined), StatusStaging) {
		t.Error("assignment_declined must loop back to staging")
	}
	if !contains(AllowedNext(StatusTreatmentOnHold), StatusInTreatment) {
		t.Error("treatment_on_hold must resume to in_treatment")
	}
	if !contains(AllowedNext(StatusTreatmentOnHold), StatusDeclined) {
		t.Error("treatment_on_hold must be able to terminate via declined")
	}
}

func TestApplyTransition_SucceedsOnlyAlongEdges(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, from := range allStatuses {
		allowed := map[Status]bool{}
		for _, next := range AllowedNext(from) {
			allowed[next] = true
		}
		for _, to := range allStatuses {
			r := Referral{ID: "r1", WorkflowStatus: from, CreatedAt: now}
			err := ApplyTransition(&r, to, "because", "admin", now)
			if allowed[to] && err != nil {
				t.Errorf("%s -> %s: expected success, got %v", from, to, err)
			}
			if !allowed[to] && !errors.Is(err, ErrInvalidTransition) {
				t.Errorf("%s -> %s: expected ErrInvalidTransition, got %v", from, to, err)
			}
		}
	}
}

func TestApplyTransition_SubmittedToInTreatmentInvalid(t *testing.T) {
	r := Referral{ID: "r1", WorkflowStatus: StatusReferralSubmitted}
	err := ApplyTransition(&r, StatusInTreatment, "", "admin", time.Now())
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if r.WorkflowStatus != StatusReferralSubmitted {
		t.Fatalf("referral mutated on failed transition: %s", r.WorkflowStatus)
	}
}

func TestApplyTransition_DeclineRequiresReason(t *testing.T) {
	cases := []struct {
		from, to Status
	}{
		{StatusReferralUnderReview, StatusReferralDeclined},
		{StatusInTreatment, StatusDeclined},
		{StatusTreatmentOnHold, StatusDeclined},
	}

	for _, tc := range cases {
		r := Referral{ID: "r1", WorkflowStatus: tc.from}
		if err := ApplyTransition(&r, tc.to, "", "admin", time.Now()); !errors.Is(err, ErrReasonRequired) {
			t.Errorf("%s -> %s with empty reason: expected ErrReasonRequired, got %v", tc.from, tc.to, err)
		}

		r = Referral{ID: "r1", WorkflowStatus: tc.from}
		if err := ApplyTransition(&r, tc.to, "   \t ", "admin", time.Now()); !errors.Is(err, ErrReasonRequired) {
			t.Errorf("%s -> %s with whitespace reason: expected ErrReasonRequired, got %v", tc.from, tc.to, err)
		}
	}
}

func TestApplyTransition_DeclineWithReason(t *testing.T) {
	r := Referral{ID: "r1", WorkflowStatus: StatusReferralUnderReview}
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	if err := ApplyTransition(&r, StatusReferralDeclined, "insufficient info", "admin", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.WorkflowStatus != StatusReferralDeclined {
		t.Fatalf("expected referral_declined, got %s", r.WorkflowStatus)
	}
	if r.ClientState() != ClientInactive {
		t.Fatalf("expected client state inactive, got %s", r.ClientState())
	}
	if r.DeclineReason == nil || *r.DeclineReason != "insufficient info" {
		t.Fatalf("expected decline reason stored, got %v", r.DeclineReason)
	}
	if len(r.Transitions) != 1 || r.Transitions[0].To != StatusReferralDeclined {
		t.Fatalf("expected one recorded transition, got %+v", r.Transitions)
	}
}

func TestApplyTransition_StampsLifecycleOnce(t *testing.T) {
	first := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	second := first.Add(time.Hour)

	r := Referral{ID: "r1", WorkflowStatus: StatusReferralSubmitted}
	if err := ApplyTransition(&r, StatusReferralUnderReview, "", "admin", first); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if r.ReviewedAt == nil || !r.ReviewedAt.Equal(first) {
		t.Fatalf("expected ReviewedAt %v, got %v", first, r.ReviewedAt)
	}

	// Loop back and review again; the timestamp must not move.
	if err := ApplyTransition(&r, StatusDocumentsRequested, "", "admin", first); err != nil {
		t.Fatalf("loopback transition: %v", err)
	}
	if err := ApplyTransition(&r, StatusReferralUnderReview, "", "admin", second); err != nil {
		t.Fatalf("re-review transition: %v", err)
	}
	if !r.ReviewedAt.Equal(first) {
		t.Fatalf("ReviewedAt moved on second review: %v", r.ReviewedAt)
	}
}

func TestClientStateOf_CanonicalMapping(t *testing.T) {
	want := map[Status]ClientState{
		StatusReferralSubmitted:   ClientProspective,
		StatusReferralUnderReview: ClientProspective,
		StatusDocumentsRequested:  ClientProspective,
		StatusReferralAccepted:    ClientPending,
		StatusPreStaging:          ClientPending,
		StatusPreStagingComplete:  ClientPending,
		StatusStaging:             ClientPending,
		StatusAssignmentProposed:  ClientPending,
		StatusAssignmentAccepted:  ClientPending,
		StatusAssignmentDeclined:  ClientPending,
		StatusIntakeScheduled:     ClientActive,
		StatusWaitingFirstSession: ClientActive,
		StatusInTreatment:         ClientActive,
		StatusTreatmentOnHold:     ClientActive,
		StatusReferralDeclined:    ClientInactive,
		StatusTreatmentComplete:   ClientInactive,
		StatusDeclined:            ClientInactive,
	}
	if len(want) != len(allStatuses) {
		t.Fatalf("mapping covers %d statuses, want %d", len(want), len(allStatuses))
	}
	for status, state := range want {
		if got := ClientStateOf(status); got != state {
			t.Errorf("ClientStateOf(%s) = %s, want %s", status, got, state)
		}
		// Pure function: a second call yields the same state.
		if got := ClientStateOf(status); got != state {
			t.Errorf("ClientStateOf(%s) not deterministic", status)
		}
	}
}

func TestTriggersExport_OnlyPreStaging(t *testing.T) {
	for _, s := range allStatuses {
		want := s == StatusPreStaging
		if got := TriggersExport(s); got != want {
			t.Errorf("TriggersExport(%s) = %v, want %v", s, got, want)
		}
	}
}

func contains(statuses []Status, s Status) bool {
	for _, candidate := range statuses {
		if candidate == s {
			return true
		}
	}
	return false
}
