package runtime

import (
	"channel-hub/domain"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type UserSnapshot struct {
	Username    string         `json:"user"`
	ID          uuid.UUID      `json:"uuid"`
	State       map[string]any `json:"state"`
	PublicState map[string]any `json:"public_state"`
	PublicKeys  []string       `json:"state_public_keys"`
	Connections []string       `json:"connections"`
	LastActive  time.Time      `json:"last_active"`
}

func (u *User) snapshot() UserSnapshot {
	return UserSnapshot{
		Username:    u.Username,
		ID:          u.ID,
		State:       u.State(),
		PublicState: u.PublicState(),
		PublicKeys:  u.PublicKeys(),
		Connections: u.Connections(),
		LastActive:  u.lastActive,
	}
}

type ChannelUser struct {
	User        string         `json:"user"`
	State       map[string]any `json:"state,omitempty"`
	Connections []string       `json:"connections,omitempty"`
}

type ChannelInfo struct {
	Name             string               `json:"name"`
	LongName         string               `json:"long_name"`
	Settings         domain.ChannelConfig `json:"settings"`
	TotalUsers       int                  `json:"total_users"`
	TotalConnections int                  `json:"total_connections"`
	Users            []ChannelUser        `json:"users"`
	History          []*domain.Envelope   `json:"history"`
	LastActive       time.Time            `json:"last_active"`
}

type ServerInfo struct {
	Channels            map[string]ChannelInfo `json:"channels"`
	UniqueUsers         int                    `json:"unique_users"`
	RememberedUsers     int                    `json:"remembered_users"`
	TotalConnections    int                    `json:"total_connections"`
	TotalChannels       int                    `json:"total_channels"`
	TotalMessages       int64                  `json:"total_messages"`
	TotalUniqueMessages int64                  `json:"total_unique_messages"`
	StartedOn           time.Time              `json:"started_on"`
	Uptime              string                 `json:"uptime"`
	Users               []UserSnapshot         `json:"users,omitempty"`
}

// channelSnapshot is a copy of a channel taken under the registry lock.
type channelSnapshot struct {
	name       string
	longName   string
	config     domain.ChannelConfig
	members    map[string][]string
	public     map[string]map[string]any
	history    []*domain.Envelope
	lastActive time.Time
}

// User returns a copy of the named user.
func (r *Registry) User(username string) (UserSnapshot, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[username]
	if !ok {
		return UserSnapshot{}, false
	}
	return u.snapshot(), true
}

func (r *Registry) snapshotLocked(names []string, withHistory bool) []channelSnapshot {
	out := make([]channelSnapshot, 0, len(names))
	for _, name := range names {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		snap := channelSnapshot{
			name:       ch.Name,
			longName:   ch.LongName,
			config:     ch.Config,
			members:    ch.Members(),
			public:     make(map[string]map[string]any, len(ch.members)),
			lastActive: ch.lastActive,
		}
		for username := range ch.members {
			if u, ok := r.users[username]; ok {
				snap.public[username] = u.PublicState()
			}
		}
		if withHistory {
			snap.history = ch.History()
		}
		out = append(out, snap)
	}
	return out
}

func (s channelSnapshot) info(opts domain.InfoOptions) ChannelInfo {
	usernames := lo.Keys(s.members)
	sort.Strings(usernames)

	info := ChannelInfo{
		Name:             s.name,
		LongName:         s.longName,
		Settings:         s.config,
		TotalUsers:       len(usernames),
		TotalConnections: lo.SumBy(lo.Values(s.members), func(ids []string) int { return len(ids) }),
		Users:            []ChannelUser{},
		History:          []*domain.Envelope{},
		LastActive:       s.lastActive,
	}
	if opts.WithUsers() {
		info.Users = lo.Map(usernames, func(name string, _ int) ChannelUser {
			cu := ChannelUser{User: name}
			if opts.ReturnPublicState {
				cu.State = s.public[name]
			}
			if opts.IncludeConnections {
				cu.Connections = s.members[name]
			}
			return cu
		})
	}
	if opts.WithHistory() && s.history != nil {
		info.History = s.history
	}
	return info
}

// ChannelsInfo describes the named channels. The copy is taken under the lock
// and composed outside of it.
func (r *Registry) ChannelsInfo(names []string, opts domain.InfoOptions) map[string]ChannelInfo {
	r.mu.Lock()
	snaps := r.snapshotLocked(names, opts.WithHistory())
	r.mu.Unlock()

	return lo.SliceToMap(snaps, func(s channelSnapshot) (string, ChannelInfo) {
		return s.name, s.info(opts)
	})
}

func (r *Registry) Channel(name string, opts domain.InfoOptions) (ChannelInfo, bool) {
	info, ok := r.ChannelsInfo([]string{name}, opts)[name]
	return info, ok
}

// ConnectionChannels lists the channels the connection is subscribed to.
func (r *Registry) ConnectionChannels(conn *Connection) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Filter(r.channelNamesLocked(), func(name string, _ int) bool {
		return lo.Contains(r.channels[name].members[conn.Username], conn.ID)
	})
}

// Info describes the whole registry, restricted to opts.Channels when given
// and without opts.ExcludeChannels.
func (r *Registry) Info(opts domain.InfoOptions) ServerInfo {
	r.mu.Lock()
	names := r.channelNamesLocked()
	if len(opts.Channels) > 0 {
		names = lo.Intersect(opts.Channels, names)
	}
	names = lo.Without(names, opts.ExcludeChannels...)
	snaps := r.snapshotLocked(names, opts.WithHistory())

	info := ServerInfo{
		RememberedUsers:     len(r.users),
		UniqueUsers:         lo.CountBy(lo.Values(r.users), func(u *User) bool { return len(u.connections) > 0 }),
		TotalConnections:    len(r.connections),
		TotalChannels:       len(r.channels),
		TotalMessages:       r.stats.TotalMessages,
		TotalUniqueMessages: r.stats.TotalUniqueMessages,
		StartedOn:           r.stats.StartedOn,
	}
	if opts.IncludeConnections {
		info.Users = lo.Map(lo.Values(r.users), func(u *User, _ int) UserSnapshot { return u.snapshot() })
		sort.Slice(info.Users, func(i, j int) bool { return info.Users[i].Username < info.Users[j].Username })
	}
	r.mu.Unlock()

	info.Uptime = time.Since(info.StartedOn).Round(time.Second).String()
	info.Channels = lo.SliceToMap(snaps, func(s channelSnapshot) (string, ChannelInfo) {
		return s.name, s.info(opts)
	})
	return info
}
