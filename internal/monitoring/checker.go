package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/revenuelab/taxrules-cli/internal/config"
)

// Checker periodically collects a metrics snapshot and fires alerts on
// threshold breaches. It is started alongside the HTTP server.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	interval  time.Duration
	lookback  int
}

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
	}
}

// Run blocks until ctx is cancelled, checking once per interval.
func (c *Checker) Run(ctx context.Context) {
	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting alert checker",
		zap.Duration("interval", c.interval),
		zap.Int("lookback_hours", c.lookback),
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("alert checker stopped")
			return
		case <-ticker.C:
		}

		snap, err := c.collector.Collect(ctx, c.lookback)
		if err != nil {
			log.Error("monitoring: failed to collect metrics", zap.Error(err))
			continue
		}

		if alerts := c.alerter.Evaluate(snap); len(alerts) > 0 {
			sent := c.alerter.SendAlerts(ctx, alerts)
			log.Info("monitoring: alert check complete",
				zap.Int("alerts_triggered", len(alerts)),
				zap.Int("alerts_sent", sent),
			)
		}
	}
}
