// Package confidence decides, per extracted field, between acceptance,
// one escalation to a stronger tier, and human review.
package confidence

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/model"
)

// Action is the controller's verdict for one field.
type Action string

const (
	ActionAccept   Action = "accept"
	ActionEscalate Action = "escalate"
	ActionReview   Action = "review"
)

// Thresholds are the configurable confidence cutoffs.
type Thresholds struct {
	High float64
	Low  float64
}

// FromConfig reads thresholds from config.
func FromConfig(c config.ConfidenceConfig) Thresholds {
	return Thresholds{High: c.HighThreshold, Low: c.LowThreshold}
}

// Validate requires 0 <= Low < High <= 1.
func (t Thresholds) Validate() error {
	if t.Low < 0 || t.High > 1 || t.Low >= t.High {
		return eris.Errorf("confidence: invalid thresholds low=%v high=%v", t.Low, t.High)
	}
	return nil
}

// Escalator is the slice of the router the controller needs.
type Escalator interface {
	Escalatable(c model.Criticality) bool
	Next(t model.Tier) (model.Tier, bool)
}

// Decision is the verdict for one field.
type Decision struct {
	Action   Action
	Reason   model.ReviewReason
	NextTier model.Tier
}

// Controller applies Thresholds.
type Controller struct {
	th     Thresholds
	router Escalator
}

// New validates th and returns a Controller.
func New(th Thresholds, router Escalator) (*Controller, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	return &Controller{th: th, router: router}, nil
}

// Thresholds returns the active cutoffs.
func (c *Controller) Thresholds() Thresholds { return c.th }

// Decide evaluates f. A field is escalated at most once: an already
// escalated field below High always goes to review.
func (c *Controller) Decide(f model.ExtractedField) Decision {
	conf := f.Confidence
	switch {
	case !f.LookedFor:
		return Decision{Action: ActionReview, Reason: model.ReasonNotLocated}
	case conf >= c.th.High:
		return Decision{Action: ActionAccept}
	case f.Escalated:
		return Decision{Action: ActionReview, Reason: model.ReasonEscalationExhausted}
	case conf < c.th.Low:
		return Decision{Action: ActionReview, Reason: reviewReason(f, model.ReasonLowConfidence)}
	}
	if c.router.Escalatable(f.Criticality) {
		if next, ok := c.router.Next(f.Tier); ok {
			return Decision{Action: ActionEscalate, NextTier: next}
		}
	}
	return Decision{Action: ActionReview, Reason: reviewReason(f, model.ReasonLowConfidence)}
}

// reviewReason keeps a more specific reason recorded by an earlier phase.
func reviewReason(f model.ExtractedField, fallback model.ReviewReason) model.ReviewReason {
	switch f.ReviewReason {
	case model.ReasonMalformedOutput, model.ReasonVerifyDisagreement:
		return f.ReviewReason
	}
	return fallback
}

// Apply records a terminal decision on f. Escalations leave f pending.
func Apply(f *model.ExtractedField, d Decision) {
	switch d.Action {
	case ActionAccept:
		f.Status = model.FieldStatusAccepted
		f.ReviewReason = ""
	case ActionReview:
		f.Status = model.FieldStatusInReview
		f.ReviewReason = d.Reason
	}
}

// Event builds the ledger entry for a decision. Accepts are not recorded.
func Event(jobID string, f model.ExtractedField, d Decision) (model.JobEvent, bool) {
	ev := model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Phase:     model.PhaseEscalate,
		FieldID:   f.ID,
		CreatedAt: time.Now().UTC(),
	}
	switch d.Action {
	case ActionEscalate:
		ev.Kind = model.EventEscalation
		ev.Tier = d.NextTier
		ev.Detail = fmt.Sprintf("%s: %.2f at %s, escalating to %s", f.Path, f.Confidence, f.Tier, d.NextTier)
	case ActionReview:
		ev.Kind = model.EventReviewQueued
		ev.Tier = f.Tier
		ev.Detail = fmt.Sprintf("%s: %.2f at %s, %s", f.Path, f.Confidence, f.Tier, d.Reason)
	default:
		return model.JobEvent{}, false
	}
	return ev, true
}

// Summary counts decisions over a field set.
type Summary struct {
	Accepted  int
	Escalated int
	Reviewed  int
}

// Plan decides every pending field without mutating the input.
func (c *Controller) Plan(fields []model.ExtractedField) ([]Decision, Summary) {
	out := make([]Decision, len(fields))
	var s Summary
	for i, f := range fields {
		d := c.Decide(f)
		out[i] = d
		switch d.Action {
		case ActionAccept:
			s.Accepted++
		case ActionEscalate:
			s.Escalated++
		case ActionReview:
			s.Reviewed++
		}
	}
	return out, s
}
