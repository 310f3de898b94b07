package referral

import "time"

// Urgency grades a referral's presenting concern at intake.
type Urgency string

const (
	UrgencyRoutine  Urgency = "routine"
	UrgencyElevated Urgency = "elevated"
	UrgencyUrgent   Urgency = "urgent"
)

// Referral is one prospective client's journey through the clinic. Intake
// fields are pre-clinical only; full protected health data never lands here.
type Referral struct {
	ID                string
	FirstName         string
	LastName          string
	Email             string
	Phone             string
	PresentingConcern string
	Urgency           Urgency
	ReferrerName      string
	ReferrerContact   string

	WorkflowStatus Status
	DeclineReason  *string

	// Lifecycle timestamps, UTC, each set exactly once.
	CreatedAt   time.Time
	ReviewedAt  *time.Time
	AssignedAt  *time.Time
	ExportedAt  *time.Time
	CompletedAt *time.Time

	// Version is the optimistic-concurrency token checked on Save.
	Version int64

	// Transitions is the ordered status history, appended by ApplyTransition.
	Transitions []Change
}

// ClientState returns the coarse lifecycle bucket derived from the current
// workflow status. It is never stored or set directly.
func (r Referral) ClientState() ClientState {
	return ClientStateOf(r.WorkflowStatus)
}

// Change records one committed status transition.
type Change struct {
	From   Status
	To     Status
	Reason string
	Actor  string
	At     time.Time
}

type Filters struct {
	Status      Status
	ClientState ClientState
	Urgency     Urgency
	Page        int
	PageSize    int
}
