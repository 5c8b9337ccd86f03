package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Tier is a cost/accuracy level of the external extraction capability.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierAccurate Tier = "accurate"
	// TierExhaustive reuses the most capable model with widened scope and a
	// larger output budget. It is only reached through escalation.
	TierExhaustive Tier = "exhaustive"
)

// TierLadder lists tiers from cheapest to most thorough.
var TierLadder = []Tier{TierFast, TierBalanced, TierAccurate, TierExhaustive}

// Rank returns the position of t on the ladder, or -1 if unknown.
func (t Tier) Rank() int {
	for i, l := range TierLadder {
		if l == t {
			return i
		}
	}
	return -1
}

// Criticality classifies an extraction task by the cost of getting it wrong.
type Criticality string

const (
	CriticalityCritical Criticality = "critical"
	CriticalitySimple   Criticality = "structured-simple"
	CriticalityComplex  Criticality = "structured-complex"
)

// Valid reports whether c is a known criticality.
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityCritical, CriticalitySimple, CriticalityComplex:
		return true
	}
	return false
}

// FieldStatus tracks the acceptance state of an extracted field.
type FieldStatus string

const (
	FieldStatusPending   FieldStatus = "pending"
	FieldStatusAccepted  FieldStatus = "accepted"
	FieldStatusInReview  FieldStatus = "in_review"
	FieldStatusCorrected FieldStatus = "corrected"
	FieldStatusRejected  FieldStatus = "rejected"
)

// Location addresses the source of an extracted value.
type Location struct {
	Page    int    `json:"page"`
	Offset  int    `json:"offset"`
	Section string `json:"section,omitempty"`
	Chunk   int    `json:"chunk"`
}

// ExtractedField is one atomic fact pulled from a document.
type ExtractedField struct {
	ID              string       `json:"id"`
	Name            string       `json:"name"`
	Path            string       `json:"path"`
	RawValue        string       `json:"raw_value"`
	NormalizedValue string       `json:"normalized_value"`
	Alternates      []string     `json:"alternates,omitempty"`
	Confidence      float64      `json:"confidence"`
	Location        Location     `json:"location"`
	Tier            Tier         `json:"tier"`
	Criticality     Criticality  `json:"criticality"`
	Escalated       bool         `json:"escalated"`
	Status          FieldStatus  `json:"status"`
	ReviewReason    ReviewReason `json:"review_reason,omitempty"`
	LookedFor       bool         `json:"looked_for"`
	Absent          bool         `json:"absent,omitempty"`
	Verified        bool         `json:"verified,omitempty"`
	Agreement       float64      `json:"agreement,omitempty"`
	ExtractedAt     time.Time    `json:"extracted_at"`
}

// Validate checks the field invariants.
func (f ExtractedField) Validate() error {
	if f.Path == "" {
		return eris.New("model: field path is required")
	}
	if math.IsNaN(f.Confidence) || f.Confidence < 0 || f.Confidence > 1 {
		return eris.Errorf("model: field %s confidence %v outside [0,1]", f.Path, f.Confidence)
	}
	return nil
}

// HasValue reports whether the field carries an extracted value.
func (f ExtractedField) HasValue() bool {
	return f.RawValue != "" || f.NormalizedValue != ""
}

// Value returns the normalized value, falling back to the raw value.
func (f ExtractedField) Value() string {
	if f.NormalizedValue != "" {
		return f.NormalizedValue
	}
	return f.RawValue
}

// ClampConfidence bounds c to [0,1]; NaN becomes 0.
func ClampConfidence(c float64) float64 {
	switch {
	case math.IsNaN(c), c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
