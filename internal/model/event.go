package model

import "time"

// EventKind classifies an entry in a job's event history.
type EventKind string

const (
	EventPhaseComplete  EventKind = "phase_complete"
	EventPhaseFailed    EventKind = "phase_failed"
	EventRetry          EventKind = "retry"
	EventCapabilityCall EventKind = "capability_call"
	EventEscalation     EventKind = "escalation"
	EventReviewQueued   EventKind = "review_queued"
	EventReviewResolved EventKind = "review_resolved"
	EventFieldCorrected EventKind = "field_corrected"
	EventCancelled      EventKind = "cancelled"
	EventRemapped       EventKind = "remapped"
	EventQuestionnaire  EventKind = "questionnaire_answered"
)

// JobEvent is one entry in the ledger's error/event history.
type JobEvent struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id"`
	Kind      EventKind `json:"kind"`
	Phase     Phase     `json:"phase,omitempty"`
	FieldID   string    `json:"field_id,omitempty"`
	Tier      Tier      `json:"tier,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CostUSD   float64   `json:"cost_usd,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
