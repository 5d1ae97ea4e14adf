// Package runtime holds the in-memory presence and fanout engine: the
// connection, user and channel graph of every tenant, the operations
// mutating it and the sweeps collecting what went idle.
package runtime

import (
	"channel-hub/contract"
	"channel-hub/runtime/workers"
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepConfig holds the periods and idle windows of the background workers.
type SweepConfig struct {
	ConnectionIdle     time.Duration
	UserIdle           time.Duration
	ConnectionInterval time.Duration
	UserInterval       time.Duration
	HeartbeatInterval  time.Duration
}

// Orchestrator ties the tenant registries to the supervised sweepers and
// heartbeat worker for the lifetime of the process.
type Orchestrator struct {
	mu         sync.Mutex
	log        *slog.Logger
	tenants    *Tenants
	supervisor contract.ISupervisor
	sweeps     SweepConfig
	running    bool
}

func NewOrchestrator(log *slog.Logger, supervisor contract.ISupervisor, tenants *Tenants, sweeps SweepConfig) *Orchestrator {
	return &Orchestrator{
		log:        log,
		tenants:    tenants,
		supervisor: supervisor,
		sweeps:     sweeps,
	}
}

func (o *Orchestrator) Tenants() *Tenants {
	return o.tenants
}

// Start registers the background workers and blocks running them until ctx
// is canceled or Stop is called.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return nil
	}
	o.running = true
	o.supervisor.Add(
		workers.NewConnectionSweeper(o.log, o.tenants, o.sweeps.ConnectionInterval, o.sweeps.ConnectionIdle),
		workers.NewUserSweeper(o.log, o.tenants, o.sweeps.UserInterval, o.sweeps.UserIdle),
		workers.NewHeartbeatWorker(o.log, o.tenants, o.sweeps.HeartbeatInterval),
	)
	o.mu.Unlock()

	o.log.Info("Starting orchestrator and all supervised workers")
	o.supervisor.Run(ctx)
	return nil
}

// Stop cancels the supervision context; workers return on their next select.
func (o *Orchestrator) Stop() {
	o.log.Info("Requesting orchestrator shutdown")
	o.supervisor.Stop()
}
