// Package pipeline runs an extraction job through its phases, committing
// every phase to the job ledger before the next one starts.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/confidence"
	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/cost"
	"github.com/sells-group/evidence-pipeline/internal/mapping"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/normalize"
	"github.com/sells-group/evidence-pipeline/internal/preprocess"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
	"github.com/sells-group/evidence-pipeline/internal/router"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// ErrCancelled is returned when a job stops at a phase boundary because
// cancellation was requested.
var ErrCancelled = eris.New("pipeline: job cancelled")

// Source retrieves document content by locator. Missing documents are
// reported with an error matching fs.ErrNotExist.
type Source interface {
	Fetch(ctx context.Context, locator string) ([]byte, error)
}

// Deps are the collaborators an Engine drives.
type Deps struct {
	Store        store.Store
	Source       Source
	Extractor    capability.Extractor
	Preprocessor *preprocess.Preprocessor
	Router       *router.Router
	Controller   *confidence.Controller
	Normalizer   *normalize.Normalizer
	Mapper       *mapping.Engine
	// Costs prices work not billed by the extractor, such as OCR pages.
	// Defaults to cost.DefaultRates.
	Costs *cost.Calculator
	// Owner identifies this process in job leases. Generated when empty.
	Owner string
}

// Engine is the multi-phase extraction state machine.
type Engine struct {
	store     store.Store
	source    Source
	extractor capability.Extractor
	prep      *preprocess.Preprocessor
	router    *router.Router
	ctrl      *confidence.Controller
	norm      *normalize.Normalizer
	mapper    *mapping.Engine
	costs     *cost.Calculator

	owner             string
	lease             time.Duration
	classifyThreshold float64
	structureMinimum  float64
}

// New creates an Engine.
func New(cfg *config.Config, d Deps) *Engine {
	owner := d.Owner
	if owner == "" {
		owner = "engine-" + uuid.NewString()[:8]
	}
	lease := time.Duration(cfg.Worker.LeaseSecs) * time.Second
	if lease <= 0 {
		lease = 15 * time.Minute
	}
	costs := d.Costs
	if costs == nil {
		costs = cost.NewCalculator(cost.DefaultRates())
	}
	return &Engine{
		store:             d.Store,
		source:            d.Source,
		extractor:         d.Extractor,
		prep:              d.Preprocessor,
		router:            d.Router,
		ctrl:              d.Controller,
		norm:              d.Normalizer,
		mapper:            d.Mapper,
		costs:             costs,
		owner:             owner,
		lease:             lease,
		classifyThreshold: cfg.Confidence.ClassifyThreshold,
		structureMinimum:  cfg.Confidence.StructureMinimum,
	}
}

// Owner is the lease holder name this engine claims jobs under.
func (e *Engine) Owner() string { return e.owner }

// Lease is how long a claim or phase commit holds a job.
func (e *Engine) Lease() time.Duration { return e.lease }

// Run claims jobID for this engine and processes it from its checkpoint.
func (e *Engine) Run(ctx context.Context, jobID string) (*model.ExtractionJob, error) {
	job, err := e.store.ClaimJob(ctx, jobID, e.owner, e.lease)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: claim job %s", jobID)
	}
	return e.Process(ctx, job)
}

// Process runs the remaining phases of a job this engine already holds.
// Phases before the checkpoint are never repeated. The lease is renewed
// while a phase runs; if it is lost the phase is abandoned uncommitted.
// Cancellation is honoured between phases only; a cancelled context leaves
// the job leased so another worker resumes it once the lease lapses.
func (e *Engine) Process(ctx context.Context, job *model.ExtractionJob) (*model.ExtractionJob, error) {
	log := zap.L().With(zap.String("job_id", job.ID), zap.String("owner", e.owner))
	log.Info("pipeline: processing job",
		zap.String("checkpoint", string(job.Checkpoint)),
		zap.Int("attempt", job.Attempt),
	)

	st := &state{}
	spend := cost.NewTally()
	for job.Checkpoint.Next() != model.PhaseDone {
		if err := ctx.Err(); err != nil {
			return job, eris.Wrap(err, "pipeline: stopped between phases")
		}
		fresh, err := e.store.GetJob(ctx, job.ID)
		if err != nil {
			return job, eris.Wrap(err, "pipeline: reload job")
		}
		if fresh.CancelRequested {
			return e.cancel(ctx, fresh)
		}
		job = fresh

		phase := job.Checkpoint.Next()
		rec := newRecorder(job.ID, phase, spend)
		start := time.Now()

		phaseCtx, stop := e.holdLease(ctx, job)
		commit, err := e.runPhase(phaseCtx, job, phase, st, rec)
		stop()
		if lost := lostLease(phaseCtx); lost != nil {
			// Another worker may own the job now; its history is not ours to write.
			return job, eris.Wrapf(lost, "pipeline: %s", phase)
		}
		if err != nil {
			return e.fail(ctx, job, phase, rec, err)
		}
		commit.JobID = job.ID
		commit.Owner = e.owner
		commit.Expected = job.Checkpoint
		commit.Phase = phase
		commit.Lease = e.lease
		commit.Events = append(rec.events, rec.complete(time.Since(start)))

		next, err := e.store.CommitPhase(ctx, *commit)
		if err != nil {
			return job, eris.Wrapf(err, "pipeline: commit %s", phase)
		}
		usd, calls := rec.totals()
		log.Info("pipeline: phase complete",
			zap.String("phase", string(phase)),
			zap.Duration("duration", time.Since(start)),
			zap.Int("calls", calls),
			zap.Float64("cost_usd", usd),
		)
		job = next
	}
	usd, calls := spend.Total()
	log.Info("pipeline: job completed",
		zap.String("taxonomy_version", job.TaxonomyVersion),
		zap.Int("calls", calls),
		zap.Float64("cost_usd", usd),
		zap.Strings("billed_phases", spend.Phases()),
	)
	return job, nil
}

func (e *Engine) runPhase(ctx context.Context, job *model.ExtractionJob, phase model.Phase, st *state, rec *recorder) (*store.PhaseCommit, error) {
	if err := e.load(ctx, job, st); err != nil {
		return nil, err
	}
	switch phase {
	case model.PhaseClassify:
		return e.classify(ctx, job, st, rec)
	case model.PhaseStructure:
		return e.structure(ctx, st, rec)
	case model.PhaseFields:
		return e.extractFields(ctx, st, rec)
	case model.PhaseVerify:
		return e.verify(ctx, st, rec)
	case model.PhaseEscalate:
		return e.escalate(ctx, job, st, rec)
	case model.PhaseNormalize:
		return e.normalize(job, st, rec)
	case model.PhaseMap:
		return e.mapEntities(ctx, job, st)
	}
	return nil, eris.Errorf("pipeline: unknown phase %q", phase)
}

// fail records a phase failure. Structural problems fail the job outright;
// exhausted retries or an open breaker leave it partially failed with the
// completed phases intact. Cancellation and infrastructure errors propagate
// without touching the job.
func (e *Engine) fail(ctx context.Context, job *model.ExtractionJob, phase model.Phase, rec *recorder, cause error) (*model.ExtractionJob, error) {
	kind := resilience.Classify(cause)
	var status model.JobStatus
	var reason string
	switch kind {
	case resilience.KindStructural:
		status, reason = model.JobStatusFailed, resilience.Reason(cause)
	case resilience.KindTransient:
		status, reason = model.JobStatusPartiallyFailed, model.ReasonRetryBudgetExhausted
		if errors.Is(cause, resilience.ErrCircuitOpen) {
			reason = model.ReasonCapabilityUnavailable
		}
	default:
		zap.L().Warn("pipeline: phase interrupted",
			zap.String("job_id", job.ID),
			zap.String("phase", string(phase)),
			zap.String("kind", string(kind)),
			zap.Error(cause),
		)
		return job, eris.Wrapf(cause, "pipeline: %s", phase)
	}

	zap.L().Error("pipeline: phase failed",
		zap.String("job_id", job.ID),
		zap.String("phase", string(phase)),
		zap.String("status", string(status)),
		zap.String("reason", reason),
		zap.Error(cause),
	)
	events := append(rec.events, model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     job.ID,
		Kind:      model.EventPhaseFailed,
		Phase:     phase,
		Detail:    fmt.Sprintf("%s: %v", reason, cause),
		CreatedAt: time.Now().UTC(),
	})
	// The failure is recorded with a fresh context so an expiring deadline
	// cannot leave the job looking healthy.
	if err := e.store.FailJob(context.WithoutCancel(ctx), store.Failure{
		JobID:  job.ID,
		Owner:  e.owner,
		Status: status,
		Phase:  phase,
		Reason: reason,
		Events: events,
	}); err != nil {
		return job, eris.Wrapf(err, "pipeline: record %s failure", phase)
	}
	updated, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, eris.Wrap(err, "pipeline: reload failed job")
	}
	return updated, eris.Wrapf(cause, "pipeline: %s failed (%s)", phase, reason)
}

func (e *Engine) cancel(ctx context.Context, job *model.ExtractionJob) (*model.ExtractionJob, error) {
	phase := job.Checkpoint.Next()
	err := e.store.FailJob(ctx, store.Failure{
		JobID:  job.ID,
		Owner:  e.owner,
		Status: model.JobStatusCancelled,
		Phase:  phase,
		Reason: model.ReasonCancelled,
		Events: []model.JobEvent{{
			ID:        uuid.NewString(),
			JobID:     job.ID,
			Kind:      model.EventCancelled,
			Phase:     phase,
			Detail:    "cancelled before " + string(phase),
			CreatedAt: time.Now().UTC(),
		}},
	})
	if err != nil {
		return job, eris.Wrap(err, "pipeline: record cancellation")
	}
	zap.L().Info("pipeline: job cancelled", zap.String("job_id", job.ID), zap.String("before", string(phase)))
	updated, err := e.store.GetJob(ctx, job.ID)
	if err != nil {
		return job, eris.Wrap(err, "pipeline: reload cancelled job")
	}
	return updated, ErrCancelled
}
