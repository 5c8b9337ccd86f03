package pipeline

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// normalize canonicalizes identifiers, merges duplicate entities and queues
// every field still waiting on a human. The resulting entity set replaces
// whatever the ledger held for the job.
func (e *Engine) normalize(job *model.ExtractionJob, st *state, rec *recorder) (*store.PhaseCommit, error) {
	res := e.norm.Normalize(job.ID, st.fields.Entities, st.schema.KeyFields)
	now := time.Now().UTC()

	var reviews []model.ReviewItem
	for i := range res.Entities {
		ent := &res.Entities[i]
		if ent.Type != st.schema.ReportEntity {
			for j := range ent.Fields {
				ent.Fields[j].Path = listPath(ent.Type, ent.Identifier, ent.Fields[j].Name)
			}
		}
		for _, f := range ent.Fields {
			if f.Status != model.FieldStatusInReview {
				continue
			}
			reviews = append(reviews, fieldReview(job.ID, ent.ID, f, now))
			// Escalate already logged its own review decisions.
			if f.ReviewReason == model.ReasonMergeConflict {
				rec.event(model.EventReviewQueued, f.ID, f.Tier,
					fmt.Sprintf("%s: conflicting values %v", f.Path, f.Alternates), 0)
			}
		}
	}

	for _, r := range res.Reviews {
		reviews = append(reviews, r)
		rec.event(model.EventReviewQueued, "", "", r.Detail, 0)
	}
	for _, issue := range st.fields.Issues {
		r := model.ReviewItem{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			FieldPath: string(issue.Type),
			Reason:    issue.Reason,
			Detail:    fmt.Sprintf("%s list: %s", issue.Type, issue.Detail),
			CreatedAt: now,
		}
		reviews = append(reviews, r)
		rec.event(model.EventReviewQueued, "", "", r.Detail, 0)
	}

	zap.L().Info("pipeline: entities normalized",
		zap.String("job_id", job.ID),
		zap.Int("entities", len(res.Entities)),
		zap.Int("merged", res.Merged),
		zap.Int("reviews", len(reviews)),
	)
	out, err := encodeOutput(NormalizeOutput{
		Entities: len(res.Entities),
		Merged:   res.Merged,
		Reviews:  len(reviews),
	})
	if err != nil {
		return nil, err
	}
	st.entities = res.Entities
	return &store.PhaseCommit{
		Output:          out,
		ReplaceEntities: true,
		Entities:        res.Entities,
		Reviews:         reviews,
	}, nil
}

func fieldReview(jobID, entityID string, f model.ExtractedField, now time.Time) model.ReviewItem {
	var candidates []string
	if f.HasValue() {
		candidates = append(candidates, f.Value())
	}
	for _, a := range f.Alternates {
		if a != f.Value() {
			candidates = append(candidates, a)
		}
	}
	return model.ReviewItem{
		ID:         uuid.NewString(),
		JobID:      jobID,
		EntityID:   entityID,
		FieldID:    f.ID,
		FieldPath:  f.Path,
		Reason:     f.ReviewReason,
		Detail:     fmt.Sprintf("%s at %.2f on %s", f.Path, f.Confidence, f.Tier),
		Confidence: f.Confidence,
		Candidates: candidates,
		CreatedAt:  now,
	}
}
