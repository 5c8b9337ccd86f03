package model

import (
	"math"
	"time"

	"github.com/rotisserie/eris"
)

// Strength rates how well extracted evidence satisfies a requirement.
type Strength string

const (
	StrengthNone    Strength = "none"
	StrengthMinimal Strength = "minimal"
	StrengthPartial Strength = "partial"
	StrengthStrong  Strength = "strong"
	StrengthFull    Strength = "full"
)

// ErrInconsistentMapping is returned when coverage falls outside the band
// declared by the strength.
var ErrInconsistentMapping = eris.New("model: coverage inconsistent with mapping strength")

// Band returns the inclusive lower and exclusive upper coverage bound for s.
// Full is inclusive at both ends.
func (s Strength) Band() (lo, hi float64, ok bool) {
	switch s {
	case StrengthNone:
		return 0, 0, true
	case StrengthMinimal:
		return 0, 30, true
	case StrengthPartial:
		return 30, 70, true
	case StrengthStrong:
		return 70, 90, true
	case StrengthFull:
		return 90, 100, true
	}
	return 0, 0, false
}

// Contains reports whether coverage lies in the band of s.
func (s Strength) Contains(coverage float64) bool {
	lo, hi, ok := s.Band()
	if !ok || math.IsNaN(coverage) {
		return false
	}
	switch s {
	case StrengthNone:
		return coverage == 0
	case StrengthMinimal:
		return coverage > lo && coverage < hi
	case StrengthFull:
		return coverage >= lo && coverage <= hi
	}
	return coverage >= lo && coverage < hi
}

// StrengthForCoverage derives the strength band for a coverage percentage.
func StrengthForCoverage(coverage float64) Strength {
	switch {
	case coverage <= 0 || math.IsNaN(coverage):
		return StrengthNone
	case coverage < 30:
		return StrengthMinimal
	case coverage < 70:
		return StrengthPartial
	case coverage < 90:
		return StrengthStrong
	}
	return StrengthFull
}

// MappingRecord links extracted evidence to one taxonomy requirement.
type MappingRecord struct {
	ID                 string    `json:"id"`
	JobID              string    `json:"job_id"`
	RequirementID      string    `json:"requirement_id"`
	RequirementTitle   string    `json:"requirement_title,omitempty"`
	Weight             float64   `json:"weight"`
	Strength           Strength  `json:"strength"`
	Coverage           float64   `json:"coverage"`
	GapDescription     string    `json:"gap_description,omitempty"`
	Remediation        string    `json:"remediation,omitempty"`
	MissingSubElements []string  `json:"missing_sub_elements,omitempty"`
	SatisfiedBy        []string  `json:"satisfied_by,omitempty"`
	TaxonomyVersion    string    `json:"taxonomy_version"`
	Superseded         bool      `json:"superseded"`
	ComputedAt         time.Time `json:"computed_at"`
}

// Validate rejects records whose coverage and strength disagree.
func (r MappingRecord) Validate() error {
	if r.RequirementID == "" {
		return eris.New("model: mapping record requires a requirement id")
	}
	if r.Coverage < 0 || r.Coverage > 100 {
		return eris.Wrapf(ErrInconsistentMapping, "coverage %v outside 0-100", r.Coverage)
	}
	if !r.Strength.Contains(r.Coverage) {
		return eris.Wrapf(ErrInconsistentMapping, "%s: strength %s with coverage %v", r.RequirementID, r.Strength, r.Coverage)
	}
	return nil
}
