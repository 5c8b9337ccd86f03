// Package router decides which capability tier handles an extraction task.
package router

import (
	"hash/fnv"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

// Router applies a Policy.
type Router struct {
	policy Policy
}

// New validates p and returns a Router for it.
func New(p Policy) (*Router, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return &Router{policy: p}, nil
}

// Version is the policy version stamped onto routed jobs.
func (r *Router) Version() string { return r.policy.Version }

// Route returns the first-attempt tier for a criticality. Unknown
// criticalities are treated as critical.
func (r *Router) Route(c model.Criticality) model.Tier {
	if rule, ok := r.policy.Rules[c]; ok {
		return rule.Tier
	}
	return r.policy.Rules[model.CriticalityCritical].Tier
}

// Escalatable reports whether tasks of criticality c may be re-run at a
// higher tier automatically.
func (r *Router) Escalatable(c model.Criticality) bool {
	if rule, ok := r.policy.Rules[c]; ok {
		return rule.Escalatable
	}
	return true
}

// TaskTier routes a document-level task such as classification.
func (r *Router) TaskTier(task string) model.Tier {
	c, ok := r.policy.Tasks[task]
	if !ok {
		c = model.CriticalityCritical
	}
	return r.Route(c)
}

// Next returns the tier above t, or false when t is already the maximum.
func (r *Router) Next(t model.Tier) (model.Tier, bool) {
	rank := t.Rank()
	if rank < 0 || rank+1 >= len(model.TierLadder) {
		return t, false
	}
	return model.TierLadder[rank+1], true
}

// VerifyTier is the tier used for the independent cross-check pass.
func (r *Router) VerifyTier() model.Tier {
	if r.policy.Verify.Tier.Rank() >= 0 {
		return r.policy.Verify.Tier
	}
	return model.TierBalanced
}

// ShouldVerify reports whether f is cross-checked. Sampling is keyed on the
// field path so repeated runs verify the same fields.
func (r *Router) ShouldVerify(f model.ExtractedField) bool {
	if !f.LookedFor || f.Absent {
		return false
	}
	if f.Criticality == model.CriticalityCritical {
		return true
	}
	switch r.policy.Verify.Scope {
	case VerifyAll:
		return true
	case VerifyCritical:
		return false
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(f.Path))
	return float64(h.Sum32()%1000) < r.policy.Verify.SampleRate*1000
}

// DocumentRoute is the preprocessing route for a document.
type DocumentRoute string

const (
	RouteText       DocumentRoute = "text"
	RouteOCR        DocumentRoute = "ocr"
	RouteUnreadable DocumentRoute = "unreadable"
)

// RouteDocument sends documents without a usable text layer to the OCR
// tier when one is configured.
func (r *Router) RouteDocument(requiresOCR, ocrAvailable bool) DocumentRoute {
	switch {
	case !requiresOCR:
		return RouteText
	case ocrAvailable:
		return RouteOCR
	}
	return RouteUnreadable
}
