// Package monitoring summarizes ledger health and raises alerts when it
// degrades.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/evidence-pipeline/internal/model"
	"github.com/sells-group/evidence-pipeline/internal/store"
)

// MetricsSnapshot holds a point-in-time view of pipeline health.
type MetricsSnapshot struct {
	// Jobs touched within the lookback window.
	JobsTotal           int     `json:"jobs_total"`
	JobsCompleted       int     `json:"jobs_completed"`
	JobsFailed          int     `json:"jobs_failed"`
	JobsPartiallyFailed int     `json:"jobs_partially_failed"`
	JobsCancelled       int     `json:"jobs_cancelled"`
	FailureRate         float64 `json:"failure_rate"`

	// Work waiting regardless of age.
	JobsQueued     int `json:"jobs_queued"`
	JobsProcessing int `json:"jobs_processing"`
	StaleLeases    int `json:"stale_leases"`
	ReviewBacklog  int `json:"review_backlog"`

	// Capability usage within the window.
	CapabilityCalls int     `json:"capability_calls"`
	Escalations     int     `json:"escalations"`
	CostUSD         float64 `json:"cost_usd"`

	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Ledger is the slice of the store the collector reads.
type Ledger interface {
	ListJobs(ctx context.Context, filter store.JobFilter) ([]model.ExtractionJob, error)
	ListEvents(ctx context.Context, jobID string) ([]model.JobEvent, error)
	ListReviewItems(ctx context.Context, filter store.ReviewFilter) ([]model.ReviewItem, error)
}

// Collector gathers metrics from the job ledger.
type Collector struct {
	ledger Ledger
	now    func() time.Time
}

// NewCollector creates a new metrics collector.
func NewCollector(l Ledger) *Collector {
	return &Collector{ledger: l, now: time.Now}
}

const pageSize = 500

// Collect gathers a snapshot over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	now := c.now().UTC()
	snap := &MetricsSnapshot{LookbackHours: lookbackHours, CollectedAt: now}
	cutoff := now.Add(-time.Duration(lookbackHours) * time.Hour)

	var recent []string
	for offset := 0; ; offset += pageSize {
		jobs, err := c.ledger.ListJobs(ctx, store.JobFilter{Limit: pageSize, Offset: offset})
		if err != nil {
			return nil, eris.Wrap(err, "monitoring: list jobs")
		}
		for _, j := range jobs {
			switch j.Status {
			case model.JobStatusQueued:
				snap.JobsQueued++
			case model.JobStatusProcessing:
				snap.JobsProcessing++
				if j.LeaseUntil != nil && j.LeaseUntil.Before(now) {
					snap.StaleLeases++
				}
			}
			if j.UpdatedAt.Before(cutoff) {
				continue
			}
			snap.JobsTotal++
			recent = append(recent, j.ID)
			switch j.Status {
			case model.JobStatusCompleted:
				snap.JobsCompleted++
			case model.JobStatusFailed:
				snap.JobsFailed++
			case model.JobStatusPartiallyFailed:
				snap.JobsPartiallyFailed++
			case model.JobStatusCancelled:
				snap.JobsCancelled++
			}
		}
		if len(jobs) < pageSize {
			break
		}
	}

	finished := snap.JobsCompleted + snap.JobsFailed + snap.JobsPartiallyFailed
	if finished > 0 {
		snap.FailureRate = float64(snap.JobsFailed+snap.JobsPartiallyFailed) / float64(finished)
	}

	for _, id := range recent {
		events, err := c.ledger.ListEvents(ctx, id)
		if err != nil {
			return nil, eris.Wrapf(err, "monitoring: list events for %s", id)
		}
		for _, e := range events {
			if e.CreatedAt.Before(cutoff) {
				continue
			}
			// Summary events repeat the spend of the calls they cover.
			switch e.Kind {
			case model.EventCapabilityCall:
				snap.CapabilityCalls++
				snap.CostUSD += e.CostUSD
			case model.EventEscalation:
				snap.Escalations++
			}
		}
	}

	open, err := c.ledger.ListReviewItems(ctx, store.ReviewFilter{OpenOnly: true, Limit: 100000})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list open reviews")
	}
	snap.ReviewBacklog = len(open)

	return snap, nil
}
