package pipeline

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/docschema"
	"github.com/sells-group/evidence-pipeline/internal/mapping"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// ClassifyOutput is the persisted result of the classify phase. The
// preprocessed document is kept with it so later phases never re-read or
// re-chunk the source.
type ClassifyOutput struct {
	Classification model.Classification `json:"classification"`
	Document       *preprocess.Result   `json:"document"`
}

// ListIssue records a repeated-entity section that could not be read.
type ListIssue struct {
	Type   model.EntityType   `json:"type"`
	Reason model.ReviewReason `json:"reason"`
	Detail string             `json:"detail,omitempty"`
}

// FieldSet is the working entity set carried through field_extract, verify
// and escalate.
type FieldSet struct {
	Entities []model.ExtractedEntity `json:"entities"`
	Issues   []ListIssue             `json:"issues,omitempty"`
}

// NormalizeOutput is the persisted result of the normalize phase. The
// entities themselves are written to the ledger's entity table.
type NormalizeOutput struct {
	Entities int `json:"entities"`
	Merged   int `json:"merged"`
	Reviews  int `json:"reviews"`
}

// MapOutput is the persisted result of the map phase.
type MapOutput struct {
	TaxonomyVersion string          `json:"taxonomy_version"`
	Records         int             `json:"records"`
	Summary         mapping.Summary `json:"summary"`
}

// state caches phase outputs for one Process call. Anything missing is
// reloaded from the ledger, which is how a resumed job picks up where the
// last worker stopped.
type state struct {
	class     *model.Classification
	doc       *preprocess.Result
	schema    *docschema.Schema
	structure *model.StructureResult
	fields    *FieldSet
	entities  []model.ExtractedEntity
}

// fieldPhases are the phases whose output is a FieldSet, latest first.
var fieldPhases = []model.Phase{model.PhaseEscalate, model.PhaseVerify, model.PhaseFields}

func (e *Engine) load(ctx context.Context, job *model.ExtractionJob, st *state) error {
	cp := job.Checkpoint
	if cp.Index() < model.PhaseClassify.Index() {
		return nil
	}

	if st.doc == nil {
		var out ClassifyOutput
		if err := e.loadOutput(ctx, job.ID, model.PhaseClassify, &out); err != nil {
			return err
		}
		st.class = &out.Classification
		st.doc = out.Document
	}
	if st.schema == nil {
		subtype := job.Subtype
		if subtype == "" && st.class != nil {
			subtype = st.class.Subtype
		}
		s, ok := docschema.Lookup(subtype)
		if !ok {
			return resilience.NewStructuralError(model.ReasonUnknownSubtype,
				eris.Errorf("pipeline: no schema for subtype %q", subtype))
		}
		st.schema = &s
	}

	if cp.Index() >= model.PhaseStructure.Index() && st.structure == nil {
		var out model.StructureResult
		if err := e.loadOutput(ctx, job.ID, model.PhaseStructure, &out); err != nil {
			return err
		}
		st.structure = &out
	}

	if st.fields == nil && cp.Index() >= model.PhaseFields.Index() && cp.Before(model.PhaseNormalize) {
		for _, p := range fieldPhases {
			if cp.Before(p) {
				continue
			}
			var out FieldSet
			if err := e.loadOutput(ctx, job.ID, p, &out); err != nil {
				return err
			}
			st.fields = &out
			break
		}
	}
	return nil
}

func (e *Engine) loadOutput(ctx context.Context, jobID string, phase model.Phase, v any) error {
	raw, err := e.store.LoadPhaseOutput(ctx, jobID, phase)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &resilience.InfrastructureError{Err: eris.Wrapf(err, "pipeline: %s output missing", phase)}
		}
		return eris.Wrapf(err, "pipeline: load %s output", phase)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &resilience.InfrastructureError{Err: eris.Wrapf(err, "pipeline: decode %s output", phase)}
	}
	return nil
}

func encodeOutput(v any) (json.RawMessage, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, &resilience.InfrastructureError{Err: eris.Wrap(err, "pipeline: encode phase output")}
	}
	return b, nil
}
