package runtime

import (
	"sort"
	"time"

	"github.com/samber/lo"
)

// CollectConnections removes every connection idle since before now-idle from
// the channels, its user and the registry, then detaches it. A username whose
// list is emptied parts once, after its whole list has been swept.
func (r *Registry) CollectConnections(now time.Time, idle time.Duration) int {
	start := time.Now()
	threshold := now.Add(-idle)

	r.mu.Lock()
	collected := lo.PickBy(r.connections, func(_ string, c *Connection) bool {
		return c.LastActive().Before(threshold)
	})
	if len(collected) > 0 {
		r.sweepChannelsLocked(collected)
		for id, conn := range collected {
			if u, ok := r.users[conn.Username]; ok {
				u.removeConnection(id)
				if seen := conn.CatchupCutoff(); seen.After(u.seenAt) {
					u.seenAt = seen
				}
				if u.seenAt.After(u.lastActive) {
					u.lastActive = u.seenAt
				}
			}
			delete(r.connections, id)
		}
	}
	r.mu.Unlock()

	for _, conn := range collected {
		conn.Detach()
	}
	if len(collected) > 0 {
		r.log.Debug("Connections collected", "count", len(collected), "duration", time.Since(start))
	}
	return len(collected)
}

func (r *Registry) sweepChannelsLocked(collected map[string]*Connection) {
	for _, name := range r.channelNamesLocked() {
		ch := r.channels[name]
		usernames := lo.Keys(ch.members)
		sort.Strings(usernames)
		for _, username := range usernames {
			ids := ch.members[username]
			kept := lo.Reject(ids, func(id string, _ int) bool {
				_, gone := collected[id]
				return gone
			})
			if len(kept) == len(ids) {
				continue
			}
			ch.members[username] = kept
			ch.AfterParted(r, username)
		}
	}
}

// CollectUsers removes every user whose latest activity, its own or one of
// its connections', predates now-idle.
func (r *Registry) CollectUsers(now time.Time, idle time.Duration) int {
	start := time.Now()
	threshold := now.Add(-idle)

	r.mu.Lock()
	removed := 0
	for name, u := range r.users {
		if r.lastActivityLocked(u).Before(threshold) {
			delete(r.users, name)
			removed++
		}
	}
	r.mu.Unlock()

	if removed > 0 {
		r.log.Debug("Users collected", "count", removed, "duration", time.Since(start))
	}
	return removed
}

func (r *Registry) lastActivityLocked(u *User) time.Time {
	last := u.lastActive
	for _, id := range u.connections {
		if c, ok := r.connections[id]; ok {
			if active := c.LastActive(); active.After(last) {
				last = active
			}
		}
	}
	return last
}

// HeartbeatAll probes every connection and returns how many are alive.
func (r *Registry) HeartbeatAll() int {
	return lo.CountBy(r.Connections(), func(c *Connection) bool { return c.Heartbeat() })
}
