package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// holdLease renews the job's lease every third of the lease period while a
// phase runs. Losing the lease cancels the returned context with
// store.ErrLeaseLost as its cause. stop ends renewal and waits for it.
func (e *Engine) holdLease(ctx context.Context, job *model.ExtractionJob) (phaseCtx context.Context, stop func()) {
	phaseCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})

	every := e.lease / 3
	if every <= 0 {
		every = time.Second
	}
	go func() {
		defer close(done)
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-phaseCtx.Done():
				return
			case <-ticker.C:
			}
			err := e.store.RenewLease(phaseCtx, job.ID, e.owner, job.Checkpoint, e.lease)
			switch {
			case err == nil:
			case errors.Is(err, store.ErrLeaseLost):
				zap.L().Warn("pipeline: lease lost mid-phase",
					zap.String("job_id", job.ID),
					zap.String("owner", e.owner),
					zap.String("checkpoint", string(job.Checkpoint)),
				)
				cancel(err)
				return
			case phaseCtx.Err() != nil:
				return
			default:
				// The lease still has time left; the next tick retries.
				zap.L().Warn("pipeline: lease renewal failed", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}()
	return phaseCtx, func() {
		cancel(context.Canceled)
		<-done
	}
}

// lostLease returns a non-nil error when ctx was cancelled because the
// lease was lost.
func lostLease(ctx context.Context) error {
	if cause := context.Cause(ctx); errors.Is(cause, store.ErrLeaseLost) {
		return eris.Wrap(cause, "pipeline: phase abandoned")
	}
	return nil
}
