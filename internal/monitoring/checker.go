package monitoring

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/evidence-pipeline/internal/config"
)

const defaultCheckInterval = 5 * time.Minute

// Checker evaluates ledger health on an interval. An alert type that is
// still firing from the previous check is not sent again until it clears.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	hours     int

	mu     sync.Mutex
	firing map[AlertType]bool
}

// NewChecker creates a Checker. Non-positive interval or lookback settings
// fall back to five minutes and 24 hours.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	c := &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  time.Duration(cfg.CheckIntervalSecs) * time.Second,
		hours:     cfg.LookbackWindowHours,
		firing:    make(map[AlertType]bool),
	}
	if c.interval <= 0 {
		c.interval = defaultCheckInterval
	}
	if c.hours <= 0 {
		c.hours = 24
	}
	return c
}

// Run checks once immediately and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context) {
	zap.L().Info("monitoring: checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.hours),
	)
	defer zap.L().Info("monitoring: checker stopped")

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		c.Check(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Check collects a snapshot, delivers alerts that were not already firing,
// and returns every alert the snapshot triggers.
func (c *Checker) Check(ctx context.Context) []Alert {
	snap, err := c.collector.Collect(ctx, c.hours)
	if err != nil {
		if ctx.Err() == nil {
			zap.L().Error("monitoring: collect snapshot", zap.Error(err))
		}
		return nil
	}

	alerts := c.alerter.Evaluate(snap)
	fresh := c.transition(alerts)
	if len(fresh) == 0 {
		zap.L().Debug("monitoring: nothing new to report", zap.Int("firing", len(alerts)))
		return alerts
	}

	sent := c.alerter.SendAlerts(ctx, fresh)
	if sent < len(fresh) {
		// A partial delivery leaves the whole batch eligible for the next check.
		c.mu.Lock()
		for _, a := range fresh {
			delete(c.firing, a.Type)
		}
		c.mu.Unlock()
	}
	zap.L().Info("monitoring: check complete",
		zap.Int("firing", len(alerts)),
		zap.Int("new", len(fresh)),
		zap.Int("sent", sent),
	)
	return alerts
}

// transition records the current firing set and returns the alerts that
// were not firing before.
func (c *Checker) transition(alerts []Alert) []Alert {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := make(map[AlertType]bool, len(alerts))
	var fresh []Alert
	for _, a := range alerts {
		now[a.Type] = true
		if !c.firing[a.Type] {
			fresh = append(fresh, a)
		}
	}
	c.firing = now
	return fresh
}

func (c *Checker) lookback() int { return c.hours }
