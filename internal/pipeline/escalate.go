package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/confidence"
	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// escalate plans a decision for every field. Fields the plan sends up the
// ladder are re-extracted once at the next tier and decided again; the
// second verdict is final.
func (e *Engine) escalate(ctx context.Context, job *model.ExtractionJob, st *state, rec *recorder) (*store.PhaseCommit, error) {
	set := cloneSet(st.fields)
	var flat []model.ExtractedField
	for _, ent := range set.Entities {
		flat = append(flat, ent.Fields...)
	}
	plan, planned := e.ctrl.Plan(flat)
	zap.L().Debug("pipeline: escalation planned",
		zap.String("job_id", job.ID),
		zap.Int("fields", len(flat)),
		zap.Int("escalating", planned.Escalated),
	)

	sum := confidence.Summary{Escalated: planned.Escalated}
	k := 0
	for i := range set.Entities {
		ent := &set.Entities[i]
		for j := range ent.Fields {
			f := &ent.Fields[j]
			d := plan[k]
			k++
			if ev, ok := confidence.Event(job.ID, *f, d); ok {
				rec.add(ev)
			}
			if d.Action != confidence.ActionEscalate {
				confidence.Apply(f, d)
				count(&sum, d)
				continue
			}

			if err := e.reextract(ctx, st, rec, ent, f, d.NextTier); err != nil {
				return nil, err
			}
			final := e.ctrl.Decide(*f)
			confidence.Apply(f, final)
			if ev, ok := confidence.Event(job.ID, *f, final); ok {
				rec.add(ev)
			}
			count(&sum, final)
		}
	}

	zap.L().Info("pipeline: confidence decisions",
		zap.String("job_id", job.ID),
		zap.Int("accepted", sum.Accepted),
		zap.Int("escalated", sum.Escalated),
		zap.Int("review", sum.Reviewed),
	)
	out, err := encodeOutput(set)
	if err != nil {
		return nil, err
	}
	st.fields = set
	return &store.PhaseCommit{Output: out}, nil
}

func count(s *confidence.Summary, d confidence.Decision) {
	switch d.Action {
	case confidence.ActionAccept:
		s.Accepted++
	case confidence.ActionReview:
		s.Reviewed++
	}
}

// reextract asks for one field again at tier and updates it in place. The
// field keeps its identity; a replaced value is kept as an alternate. The
// exhaustive tier reads the neighbouring chunks as well.
func (e *Engine) reextract(ctx context.Context, st *state, rec *recorder, ent *model.ExtractedEntity, f *model.ExtractedField, tier model.Tier) error {
	spec, ok := st.schema.FieldSpec(ent.Type, f.Name)
	if !ok {
		spec = docschema.FieldSpec{Name: f.Name, Section: f.Location.Section, Criticality: f.Criticality}
	}
	scope := e.entityScope(st, ent, []docschema.FieldSpec{spec}, tier == model.TierExhaustive)

	resp, err := e.call(ctx, rec, f.ID, capability.Request{
		Task:         taskEscalate,
		Instructions: fmt.Sprintf(escalatePrompt, st.schema.Description, describeFields([]docschema.FieldSpec{spec}), f.Path),
		Content:      st.doc.Text(scope),
		Schema:       docschema.SingleFieldOutputSchema(spec),
		Tier:         tier,
	})
	f.Escalated = true
	f.Tier = tier
	f.ExtractedAt = time.Now().UTC()

	var a fieldAnswer
	switch {
	case capability.IsMalformed(err):
		f.ReviewReason = model.ReasonMalformedOutput
		return nil
	case err != nil:
		return err
	}
	if err := json.Unmarshal(resp.Output, &a); err != nil {
		f.ReviewReason = model.ReasonMalformedOutput
		return nil
	}

	prior := f.Value()
	f.ReviewReason = ""
	if a.Value == nil || *a.Value == "" {
		markAbsent(f, spec)
	} else {
		setValue(f, spec, *a.Value, a.Confidence)
	}
	if prior != "" && prior != f.Value() && !slices.Contains(f.Alternates, prior) {
		f.Alternates = append(f.Alternates, prior)
	}
	if a.Page > 0 {
		f.Location.Page = a.Page
	}
	return nil
}
