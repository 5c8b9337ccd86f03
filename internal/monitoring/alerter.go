package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/config"
	"github.com/sells-group/evidence-pipeline/internal/resilience"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertFailureRate   AlertType = "job_failure_rate"
	AlertCostOverrun   AlertType = "cost_overrun"
	AlertReviewBacklog AlertType = "review_backlog"
	AlertStaleLeases   AlertType = "stale_leases"
)

// minFinished is the number of finished jobs below which the failure rate
// is too noisy to alert on.
const minFinished = 5

// Alert is one breached threshold.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter turns ledger snapshots into alerts and posts them to a webhook.
type Alerter struct {
	cfg    config.MonitoringConfig
	client *http.Client
	retry  resilience.RetryConfig
}

// NewAlerter creates an Alerter for cfg.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		retry: resilience.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
			Multiplier:     2,
			OnRetry:        resilience.RetryLogger("monitoring", "webhook"),
		},
	}
}

// Evaluate returns the alerts snap triggers, in a fixed order. A zero
// threshold disables its check; stale leases always alert.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	now := time.Now().UTC()
	var alerts []Alert
	for _, check := range []func(*MetricsSnapshot) (Alert, bool){
		a.failureRate,
		a.costOverrun,
		a.reviewBacklog,
		a.staleLeases,
	} {
		if alert, ok := check(snap); ok {
			alert.Timestamp = now
			alerts = append(alerts, alert)
		}
	}
	return alerts
}

func (a *Alerter) failureRate(snap *MetricsSnapshot) (Alert, bool) {
	limit := a.cfg.FailureRateThreshold
	finished := snap.JobsCompleted + snap.JobsFailed + snap.JobsPartiallyFailed
	if limit <= 0 || finished < minFinished || snap.FailureRate <= limit {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertFailureRate,
		Severity: "high",
		Message: fmt.Sprintf("%.1f%% of finished jobs failed in the last %dh (limit %.1f%%): %d failed, %d partially failed of %d",
			snap.FailureRate*100, snap.LookbackHours, limit*100,
			snap.JobsFailed, snap.JobsPartiallyFailed, finished),
		Details: map[string]any{
			"failure_rate":     snap.FailureRate,
			"threshold":        limit,
			"failed":           snap.JobsFailed,
			"partially_failed": snap.JobsPartiallyFailed,
			"finished":         finished,
		},
	}, true
}

func (a *Alerter) costOverrun(snap *MetricsSnapshot) (Alert, bool) {
	limit := a.cfg.CostThresholdUSD
	if limit <= 0 || snap.CostUSD <= limit {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertCostOverrun,
		Severity: "high",
		Message: fmt.Sprintf("capability spend $%.2f over %d calls in the last %dh is above the $%.2f limit",
			snap.CostUSD, snap.CapabilityCalls, snap.LookbackHours, limit),
		Details: map[string]any{
			"cost_usd":         snap.CostUSD,
			"threshold_usd":    limit,
			"capability_calls": snap.CapabilityCalls,
			"escalations":      snap.Escalations,
		},
	}, true
}

func (a *Alerter) reviewBacklog(snap *MetricsSnapshot) (Alert, bool) {
	limit := a.cfg.ReviewBacklogThreshold
	if limit <= 0 || snap.ReviewBacklog <= limit {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertReviewBacklog,
		Severity: "medium",
		Message:  fmt.Sprintf("%d review items waiting on a reviewer (limit %d)", snap.ReviewBacklog, limit),
		Details: map[string]any{
			"open":      snap.ReviewBacklog,
			"threshold": limit,
		},
	}, true
}

func (a *Alerter) staleLeases(snap *MetricsSnapshot) (Alert, bool) {
	if snap.StaleLeases == 0 {
		return Alert{}, false
	}
	return Alert{
		Type:     AlertStaleLeases,
		Severity: "medium",
		Message:  fmt.Sprintf("%d processing job(s) hold an expired lease; no worker is resuming them", snap.StaleLeases),
		Details: map[string]any{
			"stale_leases": snap.StaleLeases,
			"processing":   snap.JobsProcessing,
		},
	}, true
}

// SendAlerts posts each alert to the webhook and returns how many were
// delivered. Without a webhook nothing is sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" {
		return 0
	}
	sent := 0
	for _, alert := range alerts {
		err := resilience.Do(ctx, a.retry, func(ctx context.Context) error {
			return a.post(ctx, alert)
		})
		if err != nil {
			zap.L().Error("monitoring: alert not delivered",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert delivered",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// post delivers one alert. Gateway errors and throttling are retried.
func (a *Alerter) post(ctx context.Context, alert Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: encode alert")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return eris.Wrap(err, "monitoring: build webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return resilience.NewTransientError(eris.Wrap(err, "monitoring: post webhook"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 300 {
		return nil
	}
	err = eris.Errorf("monitoring: webhook answered %d", resp.StatusCode)
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.NewTransientError(err, resp.StatusCode)
	}
	return err
}
