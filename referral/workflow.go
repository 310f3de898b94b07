package referral

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is one of the 17 workflow states a referral moves through.
type Status string

const (
	StatusReferralSubmitted   Status = "referral_submitted"
	StatusReferralUnderReview Status = "referral_under_review"
	StatusDocumentsRequested  Status = "documents_requested"
	StatusReferralAccepted    Status = "referral_accepted"
	StatusReferralDeclined    Status = "referral_declined"
	StatusPreStaging          Status = "pre_staging"
	StatusPreStagingComplete  Status = "pre_staging_complete"
	StatusStaging             Status = "staging"
	StatusAssignmentProposed  Status = "assignment_proposed"
	StatusAssignmentAccepted  Status = "assignment_accepted"
	StatusAssignmentDeclined  Status = "assignment_declined"
	StatusIntakeScheduled     Status = "intake_scheduled"
	StatusWaitingFirstSession Status = "waiting_first_session"
	StatusInTreatment         Status = "in_treatment"
	StatusTreatmentOnHold     Status = "treatment_on_hold"
	StatusTreatmentComplete   Status = "treatment_complete"
	StatusDeclined            Status = "declined"
)

// Phase groups statuses for timeline presentation.
type Phase string

const (
	PhaseReferral   Phase = "referral"
	PhasePreStaging Phase = "pre_staging"
	PhaseStaging    Phase = "staging"
	PhaseIntake     Phase = "intake"
	PhaseTreatment  Phase = "treatment"
	PhaseExport     Phase = "export"
)

// ClientState is the coarse lifecycle bucket derived from a workflow status.
type ClientState string

const (
	ClientProspective ClientState = "prospective"
	ClientPending     ClientState = "pending"
	ClientActive      ClientState = "active"
	ClientInactive    ClientState = "inactive"
)

var (
	ErrInvalidTransition = errors.New("referral: invalid transition")
	ErrReasonRequired    = errors.New("referral: decline reason required")
)

// allowedNext is the single source of truth for valid transitions. Terminal
// statuses have no entry and therefore no outgoing edges.
var allowedNext = map[Status][]Status{
	StatusReferralSubmitted:   {StatusReferralUnderReview},
	StatusReferralUnderReview: {StatusDocumentsRequested, StatusReferralAccepted, StatusReferralDeclined},
	StatusDocumentsRequested:  {StatusReferralUnderReview},
	StatusReferralAccepted:    {StatusPreStaging},
	StatusPreStaging:          {StatusPreStagingComplete},
	StatusPreStagingComplete:  {StatusStaging},
	StatusStaging:             {StatusAssignmentProposed},
	StatusAssignmentProposed:  {StatusAssignmentAccepted, StatusAssignmentDeclined},
	StatusAssignmentAccepted:  {StatusIntakeScheduled},
	StatusAssignmentDeclined:  {StatusStaging},
	StatusIntakeScheduled:     {StatusWaitingFirstSession},
	StatusWaitingFirstSession: {StatusInTreatment},
	StatusInTreatment:         {StatusTreatmentOnHold, StatusTreatmentComplete, StatusDeclined},
	StatusTreatmentOnHold:     {StatusInTreatment, StatusDeclined},
}

var phaseOf = map[Status]Phase{
	StatusReferralSubmitted:   PhaseReferral,
	StatusReferralUnderReview: PhaseReferral,
	StatusDocumentsRequested:  PhaseReferral,
	StatusReferralAccepted:    PhaseReferral,
	StatusReferralDeclined:    PhaseReferral,
	StatusPreStaging:          PhasePreStaging,
	StatusPreStagingComplete:  PhasePreStaging,
	StatusStaging:             PhaseStaging,
	StatusAssignmentProposed:  PhaseStaging,
	StatusAssignmentAccepted:  PhaseStaging,
	StatusAssignmentDeclined:  PhaseStaging,
	StatusIntakeScheduled:     PhaseIntake,
	StatusWaitingFirstSession: PhaseIntake,
	StatusInTreatment:         PhaseTreatment,
	StatusTreatmentOnHold:     PhaseTreatment,
	StatusTreatmentComplete:   PhaseTreatment,
	StatusDeclined:            PhaseTreatment,
}

var clientStateOf = map[Status]ClientState{
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

// AllowedNext returns the statuses reachable from current. The result is a
// fresh slice; terminal statuses yield an empty one.
func AllowedNext(current Status) []Status {
	next := allowedNext[current]
	out := make([]Status, len(next))
	copy(out, next)
	return out
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	_, known := clientStateOf[s]
	return known && len(allowedNext[s]) == 0
}

// IsValid reports whether s is one of the 17 workflow statuses.
func IsValid(s Status) bool {
	_, ok := clientStateOf[s]
	return ok
}

// PhaseOf returns the timeline phase a status belongs to.
func PhaseOf(s Status) Phase {
	return phaseOf[s]
}

// ClientStateOf maps a workflow status to its derived client-state bucket.
func ClientStateOf(s Status) ClientState {
	return clientStateOf[s]
}

// TriggersExport reports whether entering target starts the intake export
// handoff. Policy hook only; the state machine never calls the exporter.
func TriggersExport(target Status) bool {
	return target == StatusPreStaging
}

// requiresReason lists the decline statuses that demand a non-blank reason.
func requiresReason(target Status) bool {
	return target == StatusReferralDeclined || target == StatusDeclined
}

// ApplyTransition validates and applies a status change in memory. On
// success it sets the new status, stamps the lifecycle timestamp the target
// defines (first time only), records the Change, and stores the trimmed
// decline reason. The referral is untouched on error.
func ApplyTransition(r *Referral, target Status, reason, actor string, at time.Time) error {
	if !IsValid(target) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, target)
	}

	valid := false
	for _, next := range allowedNext[r.WorkflowStatus] {
		if next == target {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.WorkflowStatus, target)
	}

	reason = strings.TrimSpace(reason)
	if requiresReason(target) && reason == "" {
		return fmt.Errorf("%w: transition to %s", ErrReasonRequired, target)
	}

	change := Change{
		From:   r.WorkflowStatus,
		To:     target,
		Reason: reason,
		Actor:  actor,
		At:     at.UTC(),
	}

	r.WorkflowStatus = target
	r.Transitions = append(r.Transitions, change)
	if reason != "" && requiresReason(target) {
		r.DeclineReason = &reason
	}
	stampLifecycle(r, target, at.UTC())

	return nil
}

// stampLifecycle sets the lifecycle timestamp the target status defines.
// Already-set timestamps are left alone so each is written exactly once.
func stampLifecycle(r *Referral, target Status, at time.Time) {
	switch target {
	case StatusReferralUnderReview:
		if r.ReviewedAt == nil {
			r.ReviewedAt = &at
		}
	case StatusAssignmentAccepted:
		if r.AssignedAt == nil {
			r.AssignedAt = &at
		}
	case StatusTreatmentComplete:
		if r.CompletedAt == nil {
			r.CompletedAt = &at
		}
	}
}
