package workers

import (
	"channel-hub/contract"
	"context"
	"log/slog"
	"time"
)

// ConnectionSweeper evicts idle connections on every tick.
type ConnectionSweeper struct {
	log       *slog.Logger
	collector contract.Collector
	interval  time.Duration
	idle      time.Duration
}

func NewConnectionSweeper(log *slog.Logger, collector contract.Collector, interval, idle time.Duration) *ConnectionSweeper {
	return &ConnectionSweeper{log: log, collector: collector, interval: interval, idle: idle}
}

func (w *ConnectionSweeper) Run(ctx context.Context) error {
	w.log.Info("Starting connection sweeper", "interval", w.interval, "idle", w.idle)
	return tick(ctx, w.interval, func(now time.Time) {
		sweep(w.log, "connections", func() int { return w.collector.CollectConnections(now, w.idle) })
	})
}

// UserSweeper evicts users idle for the long window.
type UserSweeper struct {
	log       *slog.Logger
	collector contract.Collector
	interval  time.Duration
	idle      time.Duration
}

func NewUserSweeper(log *slog.Logger, collector contract.Collector, interval, idle time.Duration) *UserSweeper {
	return &UserSweeper{log: log, collector: collector, interval: interval, idle: idle}
}

func (w *UserSweeper) Run(ctx context.Context) error {
	w.log.Info("Starting user sweeper", "interval", w.interval, "idle", w.idle)
	return tick(ctx, w.interval, func(now time.Time) {
		sweep(w.log, "users", func() int { return w.collector.CollectUsers(now, w.idle) })
	})
}

func tick(ctx context.Context, interval time.Duration, fn func(now time.Time)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			fn(now)
		}
	}
}

// sweep runs one iteration; a panic is logged and the next tick proceeds.
func sweep(log *slog.Logger, what string, fn func() int) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			log.Error("Sweep failed", "sweep", what, "panic", r)
		}
	}()
	count := fn()
	log.Debug("Sweep done", "sweep", what, "collected", count, "duration", time.Since(start))
}
