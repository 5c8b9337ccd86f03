package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// mapEntities scores the normalized entity set against the loaded taxonomy
// and completes the job.
func (e *Engine) mapEntities(ctx context.Context, job *model.ExtractionJob, st *state) (*store.PhaseCommit, error) {
	entities := st.entities
	if entities == nil {
		var err error
		entities, err = e.store.ListEntities(ctx, job.ID)
		if err != nil {
			return nil, eris.Wrap(err, "pipeline: load entities for mapping")
		}
	}

	records, err := e.mapper.Map(job.ID, entities)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: map entities")
	}
	summary := e.mapper.Summarize(records)
	zap.L().Info("pipeline: entities mapped",
		zap.String("job_id", job.ID),
		zap.String("taxonomy_version", e.mapper.Version()),
		zap.Int("requirements", summary.Total),
		zap.Int("covered", summary.Covered),
		zap.Float64("score", summary.OverallScore),
	)

	out, err := encodeOutput(MapOutput{
		TaxonomyVersion: e.mapper.Version(),
		Records:         len(records),
		Summary:         summary,
	})
	if err != nil {
		return nil, err
	}
	if records == nil {
		records = []model.MappingRecord{}
	}
	return &store.PhaseCommit{
		Output:          out,
		Mappings:        records,
		TaxonomyVersion: e.mapper.Version(),
		Complete:        true,
	}, nil
}

// RemapResult reports what Remap did for one job.
type RemapResult struct {
	JobID    string `json:"job_id"`
	From     string `json:"from"`
	To       string `json:"to"`
	Records  int    `json:"records"`
	Skipped  bool   `json:"skipped,omitempty"`
	SkipNote string `json:"skip_note,omitempty"`
}

// Remap recomputes the mappings of a completed job against the loaded
// taxonomy without re-running extraction. Jobs already mapped at the current
// version are left alone unless force is set. Prior records are superseded,
// not deleted.
func (e *Engine) Remap(ctx context.Context, jobID string, force bool) (*RemapResult, error) {
	job, err := e.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: remap %s", jobID)
	}
	res := &RemapResult{JobID: jobID, From: job.TaxonomyVersion, To: e.mapper.Version()}
	if job.Status != model.JobStatusCompleted {
		res.Skipped, res.SkipNote = true, "job is "+string(job.Status)
		return res, nil
	}
	if job.TaxonomyVersion == e.mapper.Version() && !force {
		res.Skipped, res.SkipNote = true, "already at "+job.TaxonomyVersion
		return res, nil
	}

	entities, err := e.store.ListEntities(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: remap %s", jobID)
	}
	records, err := e.mapper.Map(jobID, entities)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: remap %s", jobID)
	}
	ev := model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Kind:      model.EventRemapped,
		Phase:     model.PhaseMap,
		Detail:    fmt.Sprintf("taxonomy %q -> %q, %d records", res.From, res.To, len(records)),
		CreatedAt: time.Now().UTC(),
	}
	if err := e.store.SaveMappings(ctx, jobID, e.mapper.Version(), records, []model.JobEvent{ev}); err != nil {
		return nil, eris.Wrapf(err, "pipeline: remap %s", jobID)
	}
	res.Records = len(records)
	zap.L().Info("pipeline: job remapped",
		zap.String("job_id", jobID),
		zap.String("from", res.From),
		zap.String("to", res.To),
		zap.Int("records", res.Records),
	)
	return res, nil
}

// RemapAll remaps every completed job whose mappings predate the loaded
// taxonomy.
func (e *Engine) RemapAll(ctx context.Context, force bool) ([]RemapResult, error) {
	var out []RemapResult
	const page = 200
	for offset := 0; ; offset += page {
		jobs, err := e.store.ListJobs(ctx, store.JobFilter{Status: model.JobStatusCompleted, Limit: page, Offset: offset})
		if err != nil {
			return out, eris.Wrap(err, "pipeline: list completed jobs")
		}
		for _, j := range jobs {
			if err := ctx.Err(); err != nil {
				return out, err
			}
			r, err := e.Remap(ctx, j.ID, force)
			if err != nil {
				return out, err
			}
			if !r.Skipped {
				out = append(out, *r)
			}
		}
		if len(jobs) < page {
			return out, nil
		}
	}
}
