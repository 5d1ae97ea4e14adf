package runtime

import (
	"channel-hub/domain"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

type Stats struct {
	TotalMessages       int64     `json:"total_messages"`
	TotalUniqueMessages int64     `json:"total_unique_messages"`
	StartedOn           time.Time `json:"started_on"`
}

// Registry owns every connection, user and channel of one tenant.
// Channels and users only refer to connections by id; the registry map is
// the one strong reference deciding a connection's lifetime.
//
// A single mutex guards the maps and everything reachable from them. Go
// mutexes are not reentrant, so exported methods lock once and the helpers
// they call assume the lock is held.
type Registry struct {
	log        *slog.Logger
	sendBuffer int

	mu          sync.Mutex
	connections map[string]*Connection
	users       map[string]*User
	channels    map[string]*Channel
	stats       Stats
}

func NewRegistry(log *slog.Logger, sendBuffer int) *Registry {
	return &Registry{
		log:         log,
		sendBuffer:  sendBuffer,
		connections: make(map[string]*Connection),
		users:       make(map[string]*User),
		channels:    make(map[string]*Channel),
		stats:       Stats{StartedOn: time.Now()},
	}
}

// Connection looks a connection up by id. Connections guard their own
// fields, so the pointer is safe to use without the registry lock.
func (r *Registry) Connection(id string) (*Connection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.connections[id]
	return conn, ok
}

func (r *Registry) Connections() []*Connection {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Values(r.connections)
}

func (r *Registry) HasUser(username string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.users[username]
	return ok
}

// UserNames returns the known usernames, sorted.
func (r *Registry) UserNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Keys(r.users)
	sort.Strings(names)
	return names
}

func (r *Registry) ChannelNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelNamesLocked()
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Registry) channelNamesLocked() []string {
	names := lo.Keys(r.channels)
	sort.Strings(names)
	return names
}

// channelLocked returns the named channel, creating it with cfg when absent.
func (r *Registry) channelLocked(name string, cfg *domain.ChannelConfigPatch) *Channel {
	if ch, ok := r.channels[name]; ok {
		return ch
	}
	ch := NewChannel(r.log, name, cfg)
	r.channels[name] = ch
	return ch
}

func (r *Registry) userLocked(username string, fresh map[string]any) *User {
	if u, ok := r.users[username]; ok {
		return u
	}
	u := NewUser(username)
	u.StateFromMap(fresh)
	r.users[username] = u
	return u
}

// catchupLocked gathers what conn missed from its user and from the channels
// it is subscribed to, ordered by timestamp.
func (r *Registry) catchupLocked(conn *Connection) []*domain.Envelope {
	cutoff := conn.CatchupCutoff()
	var out []*domain.Envelope
	if u, ok := r.users[conn.Username]; ok {
		out = append(out, u.CatchupFrames(cutoff)...)
	}
	for _, name := range r.channelNamesLocked() {
		ch := r.channels[name]
		if !lo.Contains(ch.members[conn.Username], conn.ID) {
			continue
		}
		out = append(out, ch.CatchupFrames(cutoff, conn.Username)...)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out
}
