package model

import "time"

// ReviewReason explains why an item was queued for a human.
type ReviewReason string

const (
	ReasonLowConfidence       ReviewReason = "low_confidence"
	ReasonEscalationExhausted ReviewReason = "escalation_exhausted"
	ReasonNotLocated          ReviewReason = "not_located"
	ReasonVerifyDisagreement  ReviewReason = "verify_disagreement"
	ReasonMalformedOutput     ReviewReason = "malformed_output"
	ReasonAmbiguousMatch      ReviewReason = "ambiguous_match"
	ReasonMergeConflict       ReviewReason = "merge_conflict"
)

// Resolution is a reviewer's decision on a ReviewItem.
type Resolution string

const (
	ResolutionAccept  Resolution = "accept"
	ResolutionCorrect Resolution = "correct"
	ResolutionReject  Resolution = "reject"
)

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	switch r {
	case ResolutionAccept, ResolutionCorrect, ResolutionReject:
		return true
	}
	return false
}

// ReviewItem is a queued human-review task for an uncertain field or entity.
type ReviewItem struct {
	ID              string       `json:"id"`
	JobID           string       `json:"job_id"`
	EntityID        string       `json:"entity_id,omitempty"`
	FieldID         string       `json:"field_id,omitempty"`
	FieldPath       string       `json:"field_path,omitempty"`
	Reason          ReviewReason `json:"reason"`
	Detail          string       `json:"detail,omitempty"`
	Confidence      float64      `json:"confidence"`
	Candidates      []string     `json:"candidates,omitempty"`
	Reviewer        string       `json:"reviewer,omitempty"`
	Resolution      Resolution   `json:"resolution,omitempty"`
	ResolutionValue string       `json:"resolution_value,omitempty"`
	ExternalRef     string       `json:"external_ref,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
}

// Open reports whether the item still awaits a reviewer.
func (r ReviewItem) Open() bool {
	return r.ResolvedAt == nil
}
