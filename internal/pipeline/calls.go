package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sells-group/evidence-pipeline/internal/capability"
	"github.com/sells-group/evidence-pipeline/internal/cost"
	"github.com/sells-group/evidence-pipeline/internal/model"
)

// recorder collects the ledger events produced while one phase runs:
// every priced call with its tier and cost, and any retries. Spend lands
// in the run's tally under the phase name.
type recorder struct {
	jobID  string
	phase  model.Phase
	events []model.JobEvent
	spend  *cost.Tally
}

func newRecorder(jobID string, phase model.Phase, spend *cost.Tally) *recorder {
	return &recorder{jobID: jobID, phase: phase, spend: spend}
}

// billed records one priced call.
func (r *recorder) billed(fieldID string, tier model.Tier, detail string, usd float64) {
	r.spend.Add(string(r.phase), usd)
	r.event(model.EventCapabilityCall, fieldID, tier, detail, usd)
}

func (r *recorder) totals() (usd float64, calls int) {
	return r.spend.Phase(string(r.phase))
}

func (r *recorder) event(kind model.EventKind, fieldID string, tier model.Tier, detail string, cost float64) {
	r.events = append(r.events, model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     r.jobID,
		Kind:      kind,
		Phase:     r.phase,
		FieldID:   fieldID,
		Tier:      tier,
		Detail:    detail,
		CostUSD:   cost,
		CreatedAt: time.Now().UTC(),
	})
}

func (r *recorder) add(events ...model.JobEvent) {
	r.events = append(r.events, events...)
}

func (r *recorder) complete(d time.Duration) model.JobEvent {
	usd, calls := r.totals()
	return model.JobEvent{
		ID:        uuid.NewString(),
		JobID:     r.jobID,
		Kind:      model.EventPhaseComplete,
		Phase:     r.phase,
		Detail:    fmt.Sprintf("%d calls, $%.4f, %s", calls, usd, d.Round(time.Millisecond)),
		CostUSD:   usd,
		CreatedAt: time.Now().UTC(),
	}
}

// call runs one extraction request and records it. A malformed response is
// still billed, so it is recorded before the error is returned.
func (e *Engine) call(ctx context.Context, rec *recorder, fieldID string, req capability.Request) (*capability.Response, error) {
	resp, err := e.extractor.Extract(ctx, req)
	if resp != nil {
		rec.billed(fieldID, resp.Tier,
			fmt.Sprintf("%s via %s: %d in / %d out tokens", req.Task, resp.Model, resp.Usage.InputTokens, resp.Usage.OutputTokens),
			resp.CostUSD)
		if resp.Retries > 0 {
			rec.event(model.EventRetry, fieldID, resp.Tier,
				fmt.Sprintf("%s succeeded after %d retries", req.Task, resp.Retries), 0)
		}
	}
	if err != nil && resp == nil {
		rec.event(model.EventRetry, fieldID, req.Tier, fmt.Sprintf("%s: %v", req.Task, err), 0)
	}
	return resp, err
}
