package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/normalize"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// verify re-reads the routed fields of each entity at the verify tier
// without showing the first answer. Agreement confirms a value; a
// disagreement lowers its confidence and records the verifier's reading as
// an alternate, but never replaces the original value.
func (e *Engine) verify(ctx context.Context, st *state, rec *recorder) (*store.PhaseCommit, error) {
	set := cloneSet(st.fields)
	tier := e.router.VerifyTier()
	checked, disagreed := 0, 0

	for i := range set.Entities {
		ent := &set.Entities[i]
		var (
			ids   []string
			specs []docschema.FieldSpec
		)
		for _, f := range ent.Fields {
			if !e.router.ShouldVerify(f) {
				continue
			}
			spec, ok := st.schema.FieldSpec(ent.Type, f.Name)
			if !ok {
				continue
			}
			ids = append(ids, f.ID)
			specs = append(specs, spec)
		}
		if len(specs) == 0 {
			continue
		}

		resp, err := e.call(ctx, rec, "", capability.Request{
			Task:         taskVerify,
			Instructions: fmt.Sprintf(verifyPrompt, st.schema.Description, describeFields(specs)),
			Content:      st.doc.Text(e.entityScope(st, ent, specs, false)),
			Schema:       docschema.FieldsOutputSchema(specs),
			Tier:         tier,
		})
		var ans fieldsAnswer
		switch {
		case capability.IsMalformed(err):
			zap.L().Warn("pipeline: verification output malformed, skipping entity",
				zap.String("entity", ent.Identifier), zap.Error(err))
			continue
		case err != nil:
			return nil, err
		}
		if err := json.Unmarshal(resp.Output, &ans); err != nil {
			continue
		}

		for k, id := range ids {
			f, _ := ent.FieldByID(id)
			a, ok := ans.Fields[specs[k].Name]
			if !ok {
				continue
			}
			checked++
			if !applyVerification(f, specs[k], a) {
				disagreed++
			}
		}
	}

	zap.L().Info("pipeline: fields verified",
		zap.String("job_id", rec.jobID),
		zap.Int("checked", checked),
		zap.Int("disagreed", disagreed),
	)
	out, err := encodeOutput(set)
	if err != nil {
		return nil, err
	}
	st.fields = set
	return &store.PhaseCommit{Output: out}, nil
}

// applyVerification folds the verifier's reading into f and reports whether
// the two agreed.
func applyVerification(f *model.ExtractedField, spec docschema.FieldSpec, a fieldAnswer) bool {
	f.Verified = true
	other := ""
	if a.Value != nil {
		other = normalize.Value(*a.Value, spec.Format, spec.Enum)
	}
	if normalize.Fold(other) == normalize.Fold(f.Value()) {
		f.Agreement = 1
		return true
	}
	f.Agreement = 1 - model.ClampConfidence(a.Confidence)
	f.Confidence = model.ClampConfidence(f.Confidence * f.Agreement)
	f.ReviewReason = model.ReasonVerifyDisagreement
	if other != "" && !slices.Contains(f.Alternates, other) {
		f.Alternates = append(f.Alternates, other)
	}
	return false
}

// entityScope returns the chunk indexes a follow-up call for ent reads.
// Report fields read their sections; list entities read the chunks they
// were found in. widen adds the neighbouring chunks.
func (e *Engine) entityScope(st *state, ent *model.ExtractedEntity, specs []docschema.FieldSpec, widen bool) []int {
	var scope []int
	add := func(i int) {
		if i >= 0 && i < len(st.doc.Chunks) && !slices.Contains(scope, i) {
			scope = append(scope, i)
		}
	}
	if ent.Type == st.schema.ReportEntity {
		for _, spec := range specs {
			loc, _ := st.structure.Section(spec.Section)
			for _, c := range loc.Chunks {
				add(c)
			}
		}
	} else {
		for _, s := range ent.Sources {
			add(s.Chunk)
		}
	}
	if widen {
		for _, c := range slices.Clone(scope) {
			add(c - 1)
			add(c + 1)
		}
	}
	slices.Sort(scope)
	return scope
}

func cloneSet(s *FieldSet) *FieldSet {
	out := &FieldSet{
		Entities: make([]model.ExtractedEntity, len(s.Entities)),
		Issues:   slices.Clone(s.Issues),
	}
	for i, ent := range s.Entities {
		ent.Fields = slices.Clone(ent.Fields)
		for j := range ent.Fields {
			ent.Fields[j].Alternates = slices.Clone(ent.Fields[j].Alternates)
		}
		ent.Sources = slices.Clone(ent.Sources)
		out.Entities[i] = ent
	}
	return out
}
