package workers

import (
	"channel-hub/contract"
	"context"
	"log/slog"
	"time"
)

// HeartbeatWorker probes every connection on a fixed period. Connections
// confirmed dead are marked stale by the probe and drop out of the next
// round once the connection sweep removed them.
type HeartbeatWorker struct {
	log       *slog.Logger
	collector contract.Collector
	interval  time.Duration
}

func NewHeartbeatWorker(log *slog.Logger, collector contract.Collector, interval time.Duration) *HeartbeatWorker {
	return &HeartbeatWorker{log: log, collector: collector, interval: interval}
}

// Run executes the main loop of the worker, probing connections every interval.
func (w *HeartbeatWorker) Run(ctx context.Context) error {
	w.log.Info("Starting heartbeat worker", "interval", w.interval)
	return tick(ctx, w.interval, func(time.Time) {
		sweep(w.log, "heartbeat", w.collector.HeartbeatAll)
	})
}
