// Package store is the job ledger: the durable record of job state, phase
// checkpoints, extraction results, mappings, reviews and events.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/model"
)

var (
	// ErrNotFound is returned when a job, review item or phase output does
	// not exist.
	ErrNotFound = eris.New("store: not found")
	// ErrCheckpointConflict is returned when the caller no longer holds the
	// job at the checkpoint it read.
	ErrCheckpointConflict = eris.New("store: checkpoint conflict")
	// ErrNotClaimable is returned when a job is terminal or leased to
	// another worker.
	ErrNotClaimable = eris.New("store: job not claimable")
	// ErrAlreadyResolved is returned when resolving a closed review item.
	ErrAlreadyResolved = eris.New("store: review item already resolved")
	// ErrLeaseLost is returned when renewing a lease the caller no longer
	// holds at the expected checkpoint.
	ErrLeaseLost = eris.New("store: lease lost")
)

// JobFilter specifies criteria for listing jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// ReviewFilter specifies criteria for listing review items.
type ReviewFilter struct {
	JobID    string `json:"job_id,omitempty"`
	OpenOnly bool   `json:"open_only,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// PhaseCommit is everything one phase produces. It is written in a single
// transaction together with the checkpoint advance, or not at all.
type PhaseCommit struct {
	JobID string
	Owner string
	// Expected is the checkpoint the worker read before running Phase.
	Expected model.Phase
	Phase    model.Phase
	Output   json.RawMessage
	// Lease extends the worker's hold on the job.
	Lease time.Duration

	Subtype         string
	PolicyVersion   string
	TaxonomyVersion string
	// ContentHash is recorded on the job's document reference.
	ContentHash string

	// ReplaceEntities swaps the job's entity set for Entities.
	ReplaceEntities bool
	Entities        []model.ExtractedEntity
	Reviews         []model.ReviewItem
	// Mappings, when non-nil, supersede the job's current records.
	Mappings []model.MappingRecord
	Events   []model.JobEvent
	// Complete marks the job completed and releases it.
	Complete bool
}

// Failure ends a processing attempt.
type Failure struct {
	JobID  string
	Owner  string
	Status model.JobStatus
	Phase  model.Phase
	Reason string
	Events []model.JobEvent
}

// Resolution is a reviewer's decision. Resolving a field-level item
// updates the field in place and logs the change.
type Resolution struct {
	ReviewID   string
	Reviewer   string
	Resolution model.Resolution
	Value      string
}

// Store defines the persistence interface for the extraction pipeline.
type Store interface {
	// Jobs
	CreateJob(ctx context.Context, doc model.DocumentRef) (*model.ExtractionJob, error)
	GetJob(ctx context.Context, id string) (*model.ExtractionJob, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]model.ExtractionJob, error)
	ClaimNext(ctx context.Context, owner string, lease time.Duration) (*model.ExtractionJob, error)
	ClaimJob(ctx context.Context, id, owner string, lease time.Duration) (*model.ExtractionJob, error)
	CommitPhase(ctx context.Context, c PhaseCommit) (*model.ExtractionJob, error)
	// RenewLease extends owner's hold on a processing job that is still at
	// checkpoint. It returns ErrLeaseLost when the job has moved on.
	RenewLease(ctx context.Context, id, owner string, checkpoint model.Phase, lease time.Duration) error
	FailJob(ctx context.Context, f Failure) error
	RequestCancel(ctx context.Context, id string) (*model.ExtractionJob, error)
	Requeue(ctx context.Context, id string) (*model.ExtractionJob, error)
	LoadPhaseOutput(ctx context.Context, id string, phase model.Phase) (json.RawMessage, error)

	// Results
	ListEntities(ctx context.Context, jobID string) ([]model.ExtractedEntity, error)
	ListMappings(ctx context.Context, jobID string, history bool) ([]model.MappingRecord, error)
	SaveMappings(ctx context.Context, jobID, taxonomyVersion string, records []model.MappingRecord, events []model.JobEvent) error

	// Review
	GetReviewItem(ctx context.Context, id string) (*model.ReviewItem, error)
	ListReviewItems(ctx context.Context, filter ReviewFilter) ([]model.ReviewItem, error)
	ResolveReview(ctx context.Context, r Resolution) (*model.ReviewItem, error)
	SetReviewExternalRef(ctx context.Context, id, ref string) error
	OpenReviewCount(ctx context.Context, jobID string) (int, error)

	// Events
	AppendEvents(ctx context.Context, events []model.JobEvent) error
	ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)

	// Lifecycle
	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

// Validate checks a commit before it reaches the database.
func (c PhaseCommit) Validate() error {
	if c.JobID == "" || c.Owner == "" {
		return eris.New("store: commit requires job id and owner")
	}
	if c.Expected.Next() != c.Phase {
		return eris.Errorf("store: phase %s does not follow checkpoint %q", c.Phase, c.Expected)
	}
	for _, e := range c.Entities {
		for _, f := range e.Fields {
			if err := f.Validate(); err != nil {
				return eris.Wrapf(err, "store: entity %s", e.ID)
			}
		}
	}
	for _, m := range c.Mappings {
		if err := m.Validate(); err != nil {
			return err
		}
	}
	return nil
}

func marshalJSON(v any, what string) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, eris.Wrapf(err, "store: marshal %s", what)
	}
	return data, nil
}

func unmarshalJSON(data []byte, v any, what string) error {
	if len(data) == 0 {
		return nil
	}
	return eris.Wrapf(json.Unmarshal(data, v), "store: unmarshal %s", what)
}

// resolutionEvents records a review decision in the job history.
func resolutionEvents(item *model.ReviewItem, now time.Time) []model.JobEvent {
	events := []model.JobEvent{{
		ID:        uuid.NewString(),
		JobID:     item.JobID,
		Kind:      model.EventReviewResolved,
		FieldID:   item.FieldID,
		Detail:    fmt.Sprintf("%s %s by %s", item.ID, item.Resolution, item.Reviewer),
		CreatedAt: now,
	}}
	if item.Resolution == model.ResolutionCorrect && item.FieldID != "" {
		events = append(events, model.JobEvent{
			ID:        uuid.NewString(),
			JobID:     item.JobID,
			Kind:      model.EventFieldCorrected,
			FieldID:   item.FieldID,
			Detail:    fmt.Sprintf("%s corrected to %q", item.FieldPath, item.ResolutionValue),
			CreatedAt: now,
		})
	}
	return events
}

func limitOr(n, def int) int {
	if n <= 0 {
		return def
	}
	return n
}

// applyResolution updates the field a review item refers to.
func applyResolution(e *model.ExtractedEntity, item *model.ReviewItem, r Resolution) error {
	if e == nil || item.FieldID == "" {
		return nil
	}
	f, ok := e.FieldByID(item.FieldID)
	if !ok {
		return eris.Wrapf(ErrNotFound, "field %s in entity %s", item.FieldID, e.ID)
	}
	switch r.Resolution {
	case model.ResolutionAccept:
		f.Status = model.FieldStatusAccepted
	case model.ResolutionCorrect:
		f.NormalizedValue = r.Value
		f.Confidence = 1
		f.Status = model.FieldStatusCorrected
	case model.ResolutionReject:
		f.Status = model.FieldStatusRejected
	}
	f.ReviewReason = ""
	return nil
}

// Validate checks a resolution before it reaches the database.
func (r Resolution) Validate() error {
	if r.ReviewID == "" {
		return eris.New("store: resolution requires a review id")
	}
	if !r.Resolution.Valid() {
		return eris.Errorf("store: unknown resolution %q", r.Resolution)
	}
	if r.Resolution == model.ResolutionCorrect && r.Value == "" {
		return eris.New("store: a correction requires a value")
	}
	return nil
}

// claimable reports whether owner may take job at now. A processing job is
// claimable once its lease lapses, or by the worker that already holds it.
func claimable(job *model.ExtractionJob, owner string, now time.Time) bool {
	switch job.Status {
	case model.JobStatusQueued, model.JobStatusPartiallyFailed:
		return !job.CancelRequested
	case model.JobStatusProcessing:
		if job.Owner == owner {
			return true
		}
		return job.LeaseUntil == nil || job.LeaseUntil.Before(now)
	}
	return false
}

func requeueable(s model.JobStatus) bool {
	switch s {
	case model.JobStatusPartiallyFailed, model.JobStatusFailed, model.JobStatusCancelled:
		return true
	}
	return false
}

func cancelEvent(jobID string, phase model.Phase, now time.Time) model.JobEvent {
	return model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     jobID,
		Kind:      model.EventCancelled,
		Phase:     phase,
		Detail:    "cancelled before processing resumed",
		CreatedAt: now,
	}
}
