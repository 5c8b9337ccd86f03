package router

import (
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// VerifyScope selects which fields the verify phase cross-checks.
type VerifyScope string

const (
	VerifyAll      VerifyScope = "all"
	VerifySample   VerifyScope = "sample"
	VerifyCritical VerifyScope = "critical"
)

// Rule is the first-attempt routing for one criticality.
type Rule struct {
	Tier        model.Tier `yaml:"tier"`
	Escalatable bool       `yaml:"escalatable"`
}

// VerifyPolicy controls the cross-check pass. Critical fields are always
// verified regardless of scope.
type VerifyPolicy struct {
	Scope      VerifyScope `yaml:"scope"`
	SampleRate float64     `yaml:"sample_rate"`
	Tier       model.Tier  `yaml:"tier"`
}

// Policy is a versioned static routing table. The version is recorded on
// every job it routes.
type Policy struct {
	Version string                       `yaml:"version"`
	Rules   map[model.Criticality]Rule   `yaml:"rules"`
	Tasks   map[string]model.Criticality `yaml:"tasks"`
	Verify  VerifyPolicy                 `yaml:"verify"`
}

// DefaultPolicy returns the built-in routing table.
func DefaultPolicy() Policy {
	return Policy{
		Version: "2024.1",
		Rules: map[model.Criticality]Rule{
			model.CriticalityCritical: {Tier: model.TierAccurate, Escalatable: true},
			model.CriticalitySimple:   {Tier: model.TierFast, Escalatable: false},
			model.CriticalityComplex:  {Tier: model.TierFast, Escalatable: true},
		},
		Tasks: map[string]model.Criticality{
			TaskClassify:      model.CriticalityCritical,
			TaskLocate:        model.CriticalityComplex,
			TaskQuestionnaire: model.CriticalityCritical,
		},
		Verify: VerifyPolicy{
			Scope:      VerifySample,
			SampleRate: 0.25,
			Tier:       model.TierBalanced,
		},
	}
}

// Task names routed through Policy.Tasks.
const (
	TaskClassify      = "classify"
	TaskLocate        = "locate_sections"
	TaskQuestionnaire = "questionnaire"
)

// LoadPolicy reads a YAML routing policy from path.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, eris.Wrapf(err, "router: read policy %s", path)
	}
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, eris.Wrapf(err, "router: parse policy %s", path)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks that every criticality is routed to a first-attempt tier.
func (p Policy) Validate() error {
	if p.Version == "" {
		return eris.New("router: policy version is required")
	}
	for _, c := range []model.Criticality{model.CriticalityCritical, model.CriticalitySimple, model.CriticalityComplex} {
		rule, ok := p.Rules[c]
		if !ok {
			return eris.Errorf("router: policy %s has no rule for %s", p.Version, c)
		}
		if rule.Tier.Rank() < 0 || rule.Tier == model.TierExhaustive {
			return eris.Errorf("router: policy %s routes %s to invalid first-attempt tier %q", p.Version, c, rule.Tier)
		}
	}
	if crit := p.Rules[model.CriticalityCritical].Tier; crit != model.TierAccurate {
		return eris.Errorf("router: policy %s must route critical tasks to %s, got %s", p.Version, model.TierAccurate, crit)
	}
	for task, c := range p.Tasks {
		if !c.Valid() {
			return eris.Errorf("router: task %s has unknown criticality %q", task, c)
		}
	}
	switch p.Verify.Scope {
	case VerifyAll, VerifySample, VerifyCritical:
	default:
		return eris.Errorf("router: unknown verify scope %q", p.Verify.Scope)
	}
	if p.Verify.SampleRate < 0 || p.Verify.SampleRate > 1 {
		return eris.Errorf("router: verify sample_rate %v outside [0,1]", p.Verify.SampleRate)
	}
	return nil
}
