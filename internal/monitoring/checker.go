package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/pald-cli/internal/config"
	"github.com/sells-group/pald-cli/internal/model"
)

// Checker periodically collects a snapshot, exports it as gauges and sends
// the alerts that were not already firing on the previous check.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int

	// firing is only touched by the Run goroutine.
	firing map[AlertType]bool
}

// NewChecker creates a background alert checker. A non-positive interval
// defaults to five minutes.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	interval := time.Duration(cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &Checker{
		collector: collector,
		alerter:   alerter,
		interval:  interval,
		lookback:  cfg.LookbackWindowHours,
		firing:    make(map[AlertType]bool),
	}
}

// Run checks once immediately and then on every tick. It blocks until ctx
// is cancelled.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("monitoring: alert checker started",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		if ctx.Err() == nil {
			c.check(ctx, log)
		}
		select {
		case <-ctx.Done():
			log.Info("monitoring: alert checker stopped")
			return
		case <-ticker.C:
		}
	}
}

// check returns the alerts raised by this round. An alert that keeps firing
// is sent once; it is sent again only after it resolved.
func (c *Checker) check(ctx context.Context, log *zap.Logger) []Alert {
	snap, err := c.collector.Collect(ctx, c.lookback)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return nil
	}
	export(snap)

	alerts := c.alerter.Evaluate(snap)
	firing := make(map[AlertType]bool, len(alerts))
	var raised []Alert
	for _, a := range alerts {
		firing[a.Type] = true
		if !c.firing[a.Type] {
			raised = append(raised, a)
		}
	}
	for t := range c.firing {
		if !firing[t] {
			log.Info("monitoring: alert resolved", zap.String("type", string(t)))
		}
	}
	c.firing = firing

	if len(raised) == 0 {
		log.Debug("monitoring: no new alerts", zap.Int("firing", len(alerts)))
		return nil
	}
	sent := c.alerter.SendAlerts(ctx, raised)
	log.Info("monitoring: alerts raised",
		zap.Int("raised", len(raised)),
		zap.Int("firing", len(alerts)),
		zap.Int("sent", sent),
	)
	return raised
}

func export(snap *MetricsSnapshot) {
	BiasJobs.WithLabelValues(string(model.JobStatusPending)).Set(float64(snap.JobsPending))
	BiasJobs.WithLabelValues(string(model.JobStatusRunning)).Set(float64(snap.JobsRunning))
	BiasJobs.WithLabelValues(string(model.JobStatusFailed)).Set(float64(snap.JobsFailed))
	BiasJobs.WithLabelValues(string(model.JobStatusSucceeded)).Set(float64(snap.JobsSucceeded))
	BiasJobs.WithLabelValues(string(model.JobStatusDeadLetter)).Set(float64(snap.JobsDeadLetter))
	CandidatesPending.Set(float64(snap.CandidateBacklog))
	LoopExhaustionRate.Set(snap.ExhaustionRate)
}
