// Package review resolves queued review items and reports whether a job's
// results are verified.
package review

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// Service applies reviewer decisions through the ledger.
type Service struct {
	store store.Store
}

// New creates a review service.
func New(s store.Store) *Service {
	return &Service{store: s}
}

// Status summarizes the review state of one job.
type Status struct {
	JobID    string `json:"job_id"`
	Open     int    `json:"open"`
	Total    int    `json:"total"`
	Verified bool   `json:"verified"`
}

// List returns review items matching filter.
func (s *Service) List(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewItem, error) {
	items, err := s.store.ListReviewItems(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "review: list items")
	}
	return items, nil
}

// Resolve records a reviewer's decision. Accept keeps the extracted value,
// correct replaces it and reject discards it. The field changes and the
// decision is logged in the job history in one transaction.
func (s *Service) Resolve(ctx context.Context, id string, resolution model.Resolution, value, reviewer string) (*model.ReviewItem, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, eris.New("review: reviewer is required")
	}
	item, err := s.store.ResolveReview(ctx, store.Resolution{
		ReviewID:   id,
		Reviewer:   reviewer,
		Resolution: resolution,
		Value:      strings.TrimSpace(value),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "review: resolve %s", id)
	}
	zap.L().Info("review: item resolved",
		zap.String("review_id", item.ID),
		zap.String("job_id", item.JobID),
		zap.String("field", item.FieldPath),
		zap.String("resolution", string(item.Resolution)),
		zap.String("reviewer", item.Reviewer),
	)
	return item, nil
}

// Verified reports whether a job is completed with no open review items.
func (s *Service) Verified(ctx context.Context, jobID string) (bool, error) {
	st, err := s.Status(ctx, jobID)
	if err != nil {
		return false, err
	}
	return st.Verified, nil
}

// Status reports open and total review counts for a job.
func (s *Service) Status(ctx context.Context, jobID string) (*Status, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, eris.Wrapf(err, "review: load job %s", jobID)
	}
	items, err := s.store.ListReviewItems(ctx, store.ReviewFilter{JobID: jobID, Limit: 100000})
	if err != nil {
		return nil, eris.Wrapf(err, "review: list items for %s", jobID)
	}
	st := &Status{JobID: jobID, Total: len(items)}
	for _, it := range items {
		if it.Open() {
			st.Open++
		}
	}
	st.Verified = job.Status == model.JobStatusCompleted && st.Open == 0
	return st, nil
}
