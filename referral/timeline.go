package referral

import (
	"sort"
	"time"
)

// TimelineEvent is one immutable entry in a referral's audit timeline.
type TimelineEvent struct {
	At     time.Time
	Phase  Phase
	Label  string
	Detail string
}

// statusLabels maps each status to the human-readable timeline label used
// when the referral transitions into it.
var statusLabels = map[Status]string{
	StatusReferralSubmitted:   "Referral submitted",
	StatusReferralUnderReview: "Review started",
	StatusDocumentsRequested:  "Additional documents requested",
	StatusReferralAccepted:    "Referral accepted",
	StatusReferralDeclined:    "Referral declined",
	StatusPreStaging:          "Pre-staging started",
	StatusPreStagingComplete:  "Pre-staging complete",
	StatusStaging:             "Entered staging",
	StatusAssignmentProposed:  "Clinician assignment proposed",
	StatusAssignmentAccepted:  "Clinician assignment accepted",
	StatusAssignmentDeclined:  "Clinician assignment declined",
	StatusIntakeScheduled:     "Intake session scheduled",
	StatusWaitingFirstSession: "Waiting for first session",
	StatusInTreatment:         "Treatment started",
	StatusTreatmentOnHold:     "Treatment placed on hold",
	StatusTreatmentComplete:   "Treatment completed",
	StatusDeclined:            "Client declined further treatment",
}

// BuildTimeline derives the audit timeline from a referral's lifecycle
// timestamps and transition history. Missing optional timestamps are
// skipped. The output is sorted by timestamp regardless of the order the
// underlying fields were written; equal timestamps keep source order
// (lifecycle entries before transitions, then history order).
func BuildTimeline(r Referral) []TimelineEvent {
	events := make([]TimelineEvent, 0, len(r.Transitions)+5)

	events = append(events, TimelineEvent{
		At:    r.CreatedAt.UTC(),
		Phase: PhaseReferral,
		Label: "Referral received",
	})
	if r.ReviewedAt != nil {
		events = append(events, TimelineEvent{At: r.ReviewedAt.UTC(), Phase: PhaseReferral, Label: "Review started"})
	}
	if r.AssignedAt != nil {
		events = append(events, TimelineEvent{At: r.AssignedAt.UTC(), Phase: PhaseStaging, Label: "Clinician assigned"})
	}
	if r.ExportedAt != nil {
		events = append(events, TimelineEvent{At: r.ExportedAt.UTC(), Phase: PhaseExport, Label: "Intake package exported"})
	}
	if r.CompletedAt != nil {
		events = append(events, TimelineEvent{At: r.CompletedAt.UTC(), Phase: PhaseTreatment, Label: "Treatment completed"})
	}

	for _, change := range r.Transitions {
		label, ok := statusLabels[change.To]
		if !ok {
			continue
		}
		events = append(events, TimelineEvent{
			At:     change.At.UTC(),
			Phase:  PhaseOf(change.To),
			Label:  label,
			Detail: change.Reason,
		})
	}

	SortEvents(events)
	return events
}

// SortEvents orders events by timestamp ascending. The sort is stable so
// equal timestamps preserve their source order.
func SortEvents(events []TimelineEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].At.Before(events[j].At)
	})
}
