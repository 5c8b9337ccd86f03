// Package worker runs extraction jobs from the ledger on a bounded pool.
package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/pipeline"
)

// Claimer hands out the next runnable job, or nil when there is none.
type Claimer interface {
	ClaimNext(ctx context.Context, owner string, lease time.Duration) (*model.ExtractionJob, error)
}

// Engine processes a claimed job.
type Engine interface {
	Owner() string
	Lease() time.Duration
	Process(ctx context.Context, job *model.ExtractionJob) (*model.ExtractionJob, error)
}

// Options configures a Pool.
type Options struct {
	Size         int
	PollInterval time.Duration
	// Grace is how long in-flight jobs keep running after shutdown starts.
	// When it lapses they stop at the next phase boundary and stay leased
	// for another worker to resume.
	Grace time.Duration
}

// FromConfig converts the worker config section into Options.
func FromConfig(c config.WorkerConfig) Options {
	return Options{
		Size:         c.PoolSize,
		PollInterval: time.Duration(c.PollIntervalSecs) * time.Second,
		Grace:        2 * time.Minute,
	}
}

// Stats counts job outcomes since the pool started.
type Stats struct {
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Cancelled int64 `json:"cancelled"`
	Active    int64 `json:"active"`
}

// Pool claims jobs and runs them, at most Size at a time.
type Pool struct {
	claimer Claimer
	engine  Engine
	opts    Options

	completed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64
	active    atomic.Int64
}

// New creates a worker pool.
func New(c Claimer, e Engine, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	return &Pool{claimer: c, engine: e, opts: opts}
}

// Run polls for work until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) error {
	log := zap.L().With(zap.String("owner", p.engine.Owner()))
	log.Info("worker: pool started",
		zap.Int("size", p.opts.Size),
		zap.Duration("poll_interval", p.opts.PollInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	for i := range p.opts.Size {
		g.Go(func() error {
			p.loop(gctx, i)
			return nil
		})
	}
	err := g.Wait()

	s := p.Stats()
	log.Info("worker: pool stopped",
		zap.Int64("completed", s.Completed),
		zap.Int64("failed", s.Failed),
		zap.Int64("cancelled", s.Cancelled),
	)
	return err
}

func (p *Pool) loop(ctx context.Context, slot int) {
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}

		worked, err := p.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			zap.L().Warn("worker: claim failed", zap.Int("slot", slot), zap.Error(err))
		}
		// Busy slots go straight back for more work.
		if worked {
			t.Reset(0)
		} else {
			t.Reset(p.opts.PollInterval)
		}
	}
}

// RunOnce claims and processes one job. It reports false when nothing was
// claimable.
func (p *Pool) RunOnce(ctx context.Context) (bool, error) {
	job, err := p.claimer.ClaimNext(ctx, p.engine.Owner(), p.engine.Lease())
	if err != nil {
		return false, eris.Wrap(err, "worker: claim next")
	}
	if job == nil {
		return false, nil
	}
	p.process(ctx, job)
	return true, nil
}

func (p *Pool) process(ctx context.Context, job *model.ExtractionJob) {
	p.active.Add(1)
	defer p.active.Add(-1)

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()
	stop := context.AfterFunc(ctx, func() {
		time.AfterFunc(p.opts.Grace, cancel)
	})
	defer stop()

	log := zap.L().With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))
	log.Info("worker: job claimed", zap.String("checkpoint", string(job.Checkpoint)))
	start := time.Now()

	done, err := p.engine.Process(jobCtx, job)
	switch {
	case err == nil:
		p.completed.Add(1)
		log.Info("worker: job completed", zap.Duration("duration", time.Since(start)))
	case errors.Is(err, pipeline.ErrCancelled):
		p.cancelled.Add(1)
		log.Info("worker: job cancelled")
	default:
		p.failed.Add(1)
		status := model.JobStatusProcessing
		if done != nil {
			status = done.Status
		}
		log.Warn("worker: job stopped",
			zap.String("status", string(status)),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
	}
}

// Stats returns the pool's counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Cancelled: p.cancelled.Load(),
		Active:    p.active.Load(),
	}
}
