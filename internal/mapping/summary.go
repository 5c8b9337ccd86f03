package mapping

import (
	"math"
	"sort"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// Gap is a requirement below full coverage.
type Gap struct {
	RequirementID string         `json:"requirement_id"`
	Title         string         `json:"title"`
	Weight        float64        `json:"weight"`
	Strength      model.Strength `json:"strength"`
	Coverage      float64        `json:"coverage"`
	Missing       []string       `json:"missing,omitempty"`
	Remediation   string         `json:"remediation,omitempty"`
}

// Summary rolls a record set up into one weighted score.
type Summary struct {
	Taxonomy     string  `json:"taxonomy"`
	Version      string  `json:"version"`
	OverallScore float64 `json:"overall_score"`
	Covered      int     `json:"covered"`
	Total        int     `json:"total"`
	Gaps         []Gap   `json:"gaps,omitempty"`
}

// strengthScore weights a record: full counts 1, partial 0.5 and other
// strengths their coverage fraction.
func strengthScore(r model.MappingRecord) float64 {
	switch r.Strength {
	case model.StrengthFull:
		return 1
	case model.StrengthPartial:
		return 0.5
	}
	return r.Coverage / 100
}

// Summarize scores records. Gaps are ordered by weight descending.
func (e *Engine) Summarize(records []model.MappingRecord) Summary {
	s := Summary{Taxonomy: e.tax.Name, Version: e.tax.Version, Total: len(records)}
	var weighted, total float64
	for _, r := range records {
		weighted += strengthScore(r) * r.Weight
		total += r.Weight
		if r.Strength != model.StrengthNone {
			s.Covered++
		}
		if r.Strength != model.StrengthFull {
			s.Gaps = append(s.Gaps, Gap{
				RequirementID: r.RequirementID,
				Title:         r.RequirementTitle,
				Weight:        r.Weight,
				Strength:      r.Strength,
				Coverage:      r.Coverage,
				Missing:       r.MissingSubElements,
				Remediation:   r.Remediation,
			})
		}
	}
	if total > 0 {
		s.OverallScore = math.Round(weighted/total*1000) / 1000
	}
	sort.SliceStable(s.Gaps, func(i, j int) bool {
		if s.Gaps[i].Weight != s.Gaps[j].Weight {
			return s.Gaps[i].Weight > s.Gaps[j].Weight
		}
		return s.Gaps[i].RequirementID < s.Gaps[j].RequirementID
	})
	return s
}
