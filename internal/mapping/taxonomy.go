// Package mapping scores extracted entities against a versioned regulatory
// taxonomy and renders coverage gaps.
package mapping

import (
	"io"
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/normalize"
)

// DefaultRemediation is used when neither the sub-element, the requirement
// nor the taxonomy declares a template.
const DefaultRemediation = "Implement controls addressing {sub_element} to meet {requirement} requirements."

// Match selects entities whose field holds one of Values. Values compare
// case-insensitively.
type Match struct {
	Field  string   `yaml:"field"`
	Values []string `yaml:"values"`
}

func (m Match) matches(e model.ExtractedEntity) bool {
	f, ok := e.Field(m.Field)
	if !ok || !f.HasValue() || f.Status == model.FieldStatusRejected {
		return false
	}
	v := normalize.Fold(f.Value())
	for _, want := range m.Values {
		if normalize.Fold(want) == v {
			return true
		}
	}
	return false
}

// SubElement is one checklist item of a requirement.
type SubElement struct {
	ID          string           `yaml:"id"`
	Description string           `yaml:"description"`
	EntityType  model.EntityType `yaml:"entity_type"`
	Match       Match            `yaml:"match"`
	Exclude     *Match           `yaml:"exclude,omitempty"`
	Remediation string           `yaml:"remediation,omitempty"`
}

// SatisfiedBy reports whether e counts as evidence for the sub-element.
func (s SubElement) SatisfiedBy(e model.ExtractedEntity) bool {
	if e.Type != s.EntityType || !s.Match.matches(e) {
		return false
	}
	return s.Exclude == nil || !s.Exclude.matches(e)
}

// Requirement is one regulatory obligation.
type Requirement struct {
	ID          string             `yaml:"id"`
	Title       string             `yaml:"title"`
	Description string             `yaml:"description,omitempty"`
	Weight      float64            `yaml:"weight"`
	EntityTypes []model.EntityType `yaml:"entity_types,omitempty"`
	SubElements []SubElement       `yaml:"sub_elements"`
	Remediation string             `yaml:"remediation,omitempty"`
}

// Relevant reports whether entities of type t count toward r.
func (r Requirement) Relevant(t model.EntityType) bool {
	return slices.Contains(r.EntityTypes, t)
}

// Taxonomy is a versioned requirement table. It is read-only once loaded.
type Taxonomy struct {
	Name                string        `yaml:"name"`
	Version             string        `yaml:"version"`
	MinConfidence       float64       `yaml:"min_confidence,omitempty"`
	RemediationTemplate string        `yaml:"remediation_template,omitempty"`
	Requirements        []Requirement `yaml:"requirements"`
}

// LoadTaxonomy reads and validates a YAML taxonomy.
func LoadTaxonomy(path string) (*Taxonomy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "mapping: read taxonomy %s", path)
	}
	var t Taxonomy
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, eris.Wrapf(err, "mapping: parse taxonomy %s", path)
	}
	if err := t.Prepare(); err != nil {
		return nil, err
	}
	return &t, nil
}

// WriteYAML encodes t.
func (t *Taxonomy) WriteYAML(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(t); err != nil {
		return eris.Wrap(err, "mapping: encode taxonomy")
	}
	return eris.Wrap(enc.Close(), "mapping: encode taxonomy")
}

// Prepare fills derived entity types and validates the table.
func (t *Taxonomy) Prepare() error {
	if t.Version == "" {
		return eris.New("mapping: taxonomy version is required")
	}
	if len(t.Requirements) == 0 {
		return eris.Errorf("mapping: taxonomy %s has no requirements", t.Version)
	}
	seen := make(map[string]bool, len(t.Requirements))
	for i := range t.Requirements {
		r := &t.Requirements[i]
		if r.ID == "" {
			return eris.Errorf("mapping: requirement %d has no id", i)
		}
		if seen[r.ID] {
			return eris.Errorf("mapping: duplicate requirement %s", r.ID)
		}
		seen[r.ID] = true
		if r.Weight <= 0 {
			r.Weight = 1
		}
		if len(r.SubElements) == 0 {
			return eris.Errorf("mapping: requirement %s has no sub-elements", r.ID)
		}
		subs := make(map[string]bool, len(r.SubElements))
		for _, s := range r.SubElements {
			if s.ID == "" || s.EntityType == "" || s.Match.Field == "" || len(s.Match.Values) == 0 {
				return eris.Errorf("mapping: requirement %s has an incomplete sub-element %q", r.ID, s.ID)
			}
			if subs[s.ID] {
				return eris.Errorf("mapping: requirement %s repeats sub-element %s", r.ID, s.ID)
			}
			subs[s.ID] = true
			if !r.Relevant(s.EntityType) {
				r.EntityTypes = append(r.EntityTypes, s.EntityType)
			}
		}
	}
	if t.MinConfidence < 0 || t.MinConfidence > 1 {
		return eris.Errorf("mapping: min_confidence %v outside [0,1]", t.MinConfidence)
	}
	return nil
}

// Requirement returns the requirement with the given id.
func (t *Taxonomy) Requirement(id string) (Requirement, bool) {
	for _, r := range t.Requirements {
		if r.ID == id {
			return r, true
		}
	}
	return Requirement{}, false
}

// remediation renders the guidance for one missing sub-element.
func (t *Taxonomy) remediation(r Requirement, s SubElement) string {
	tmpl := DefaultRemediation
	switch {
	case s.Remediation != "":
		tmpl = s.Remediation
	case r.Remediation != "":
		tmpl = r.Remediation
	case t.RemediationTemplate != "":
		tmpl = t.RemediationTemplate
	}
	return strings.NewReplacer(
		"{requirement}", r.ID,
		"{title}", r.Title,
		"{sub_element}", s.ID,
		"{sub_element_description}", s.Description,
	).Replace(tmpl)
}
