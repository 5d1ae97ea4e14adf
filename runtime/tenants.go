package runtime

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// DefaultTenant is the only tenant when multi-tenancy is disabled.
const DefaultTenant = "0"

// Tenants maps a tenant id to its isolated Registry.
type Tenants struct {
	log         *slog.Logger
	sendBuffer  int
	multiTenant bool

	mu         sync.RWMutex
	registries map[string]*Registry
}

func NewTenants(log *slog.Logger, sendBuffer int, multiTenant bool) *Tenants {
	t := &Tenants{
		log:         log,
		sendBuffer:  sendBuffer,
		multiTenant: multiTenant,
		registries:  make(map[string]*Registry),
	}
	t.registries[DefaultTenant] = NewRegistry(log.With("tenant", DefaultTenant), sendBuffer)
	return t
}

// Get returns the registry of tenantID, creating it on first use. Every id
// resolves to the default tenant when multi-tenancy is disabled.
func (t *Tenants) Get(tenantID string) *Registry {
	if !t.multiTenant || tenantID == "" {
		tenantID = DefaultTenant
	}
	t.mu.RLock()
	r, ok := t.registries[tenantID]
	t.mu.RUnlock()
	if ok {
		return r
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.registries[tenantID]; ok {
		return r
	}
	r = NewRegistry(t.log.With("tenant", tenantID), t.sendBuffer)
	t.registries[tenantID] = r
	t.log.Info("Tenant registry created", "tenant", tenantID)
	return r
}

// Lookup returns the registry of an existing tenant.
func (t *Tenants) Lookup(tenantID string) (*Registry, bool) {
	if !t.multiTenant || tenantID == "" {
		tenantID = DefaultTenant
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.registries[tenantID]
	return r, ok
}

func (t *Tenants) IDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ids := lo.Keys(t.registries)
	sort.Strings(ids)
	return ids
}

func (t *Tenants) all() []*Registry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return lo.Values(t.registries)
}

func (t *Tenants) CollectConnections(now time.Time, idle time.Duration) int {
	return lo.SumBy(t.all(), func(r *Registry) int { return r.CollectConnections(now, idle) })
}

func (t *Tenants) CollectUsers(now time.Time, idle time.Duration) int {
	return lo.SumBy(t.all(), func(r *Registry) int { return r.CollectUsers(now, idle) })
}

func (t *Tenants) HeartbeatAll() int {
	return lo.SumBy(t.all(), func(r *Registry) int { return r.HeartbeatAll() })
}
