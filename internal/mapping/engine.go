package mapping

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// Engine maps entity sets onto one taxonomy version.
type Engine struct {
	tax     *Taxonomy
	minConf float64
}

// NewEngine returns an Engine for tax. minConfidence applies when the
// taxonomy does not declare its own threshold.
func NewEngine(tax *Taxonomy, minConfidence float64) (*Engine, error) {
	if tax == nil {
		return nil, eris.New("mapping: taxonomy is required")
	}
	if err := tax.Prepare(); err != nil {
		return nil, err
	}
	if tax.MinConfidence > 0 {
		minConfidence = tax.MinConfidence
	}
	return &Engine{tax: tax, minConf: minConfidence}, nil
}

// Version is the taxonomy version stamped on every record.
func (e *Engine) Version() string { return e.tax.Version }

// Taxonomy returns the loaded table.
func (e *Engine) Taxonomy() *Taxonomy { return e.tax }

// Map produces one record per requirement, sorted by weight descending
// then requirement id. A requirement with no relevant entity gets an
// explicit none record.
func (e *Engine) Map(jobID string, entities []model.ExtractedEntity) ([]model.MappingRecord, error) {
	now := time.Now().UTC()
	out := make([]model.MappingRecord, 0, len(e.tax.Requirements))
	for _, r := range e.tax.Requirements {
		rec := e.mapRequirement(r, entities)
		rec.ID = uuid.NewString()
		rec.JobID = jobID
		rec.TaxonomyVersion = e.tax.Version
		rec.ComputedAt = now
		if err := rec.Validate(); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight > out[j].Weight
		}
		return out[i].RequirementID < out[j].RequirementID
	})
	return out, nil
}

func (e *Engine) mapRequirement(r Requirement, entities []model.ExtractedEntity) model.MappingRecord {
	rec := model.MappingRecord{
		RequirementID:    r.ID,
		RequirementTitle: r.Title,
		Weight:           r.Weight,
	}

	relevant := false
	for _, ent := range entities {
		if r.Relevant(ent.Type) {
			relevant = true
			break
		}
	}
	if !relevant {
		rec.Strength = model.StrengthNone
		rec.GapDescription = fmt.Sprintf("No %s evidence found for %s (%s).", joinTypes(r.EntityTypes), r.ID, r.Title)
		rec.MissingSubElements = subElementIDs(r.SubElements)
		rec.Remediation = e.remediation(r, r.SubElements)
		return rec
	}

	var missing []SubElement
	satisfiedBy := make(map[string]bool)
	for _, s := range r.SubElements {
		found := false
		for _, ent := range entities {
			if ent.Confidence() < e.minConf || !s.SatisfiedBy(ent) {
				continue
			}
			found = true
			satisfiedBy[ent.Identifier] = true
		}
		if !found {
			missing = append(missing, s)
		}
	}

	satisfied := len(r.SubElements) - len(missing)
	rec.Coverage = math.Round(100 * float64(satisfied) / float64(len(r.SubElements)))
	rec.Strength = model.StrengthForCoverage(rec.Coverage)
	for id := range satisfiedBy {
		rec.SatisfiedBy = append(rec.SatisfiedBy, id)
	}
	sort.Strings(rec.SatisfiedBy)

	if rec.Strength == model.StrengthFull {
		return rec
	}
	rec.MissingSubElements = subElementIDs(missing)
	rec.Remediation = e.remediation(r, missing)
	if satisfied == 0 {
		rec.GapDescription = fmt.Sprintf("Evidence present but no sub-element of %s is satisfied with confidence >= %.2f.", r.ID, e.minConf)
	} else {
		rec.GapDescription = fmt.Sprintf("%d of %d sub-elements of %s satisfied; missing %s.", satisfied, len(r.SubElements), r.ID, strings.Join(rec.MissingSubElements, ", "))
	}
	return rec
}

func (e *Engine) remediation(r Requirement, missing []SubElement) string {
	lines := make([]string, 0, len(missing))
	for _, s := range missing {
		lines = append(lines, e.tax.remediation(r, s))
	}
	return strings.Join(lines, "\n")
}

func subElementIDs(subs []SubElement) []string {
	out := make([]string, len(subs))
	for i, s := range subs {
		out[i] = s.ID
	}
	return out
}

func joinTypes(types []model.EntityType) string {
	parts := make([]string, len(types))
	for i, t := range types {
		parts[i] = string(t)
	}
	return strings.Join(parts, "/")
}
