package runtime

import (
	"channel-hub/domain"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Channel is a named broadcast group. members maps a username to the ids of
// that user's connections subscribed here; an entry is never left empty once
// a removal completes. Every field is guarded by the registry lock.
type Channel struct {
	Name     string
	LongName string
	Config   domain.ChannelConfig

	log        *slog.Logger
	members    map[string][]string
	history    []*domain.Envelope
	frames     []frame
	lastActive time.Time
}

func NewChannel(log *slog.Logger, name string, patch *domain.ChannelConfigPatch) *Channel {
	ch := &Channel{
		Name:       name,
		LongName:   name,
		Config:     domain.DefaultChannelConfig(),
		log:        log,
		members:    make(map[string][]string),
		lastActive: time.Now(),
	}
	if patch != nil {
		ch.Reconfigure(*patch)
	}
	log.Debug("Channel created", "channel", name)
	return ch
}

// Reconfigure applies the supplied keys only. Connections are untouched.
func (ch *Channel) Reconfigure(patch domain.ChannelConfigPatch) {
	ch.Config = patch.Apply(ch.Config)
	if patch.LongName != nil {
		ch.LongName = *patch.LongName
	}
	if len(ch.history) > ch.Config.HistorySize {
		ch.history = ch.history[len(ch.history)-ch.Config.HistorySize:]
	}
}

// AddConnection subscribes conn and reports whether it was newly added. The
// joined presence is emitted before the connection is added so the joiner
// does not receive its own join.
func (ch *Channel) AddConnection(r *Registry, conn *Connection) bool {
	conns := ch.members[conn.Username]
	if lo.Contains(conns, conn.ID) {
		return false
	}
	if len(conns) == 0 && ch.Config.NotifyPresence {
		ch.sendPresence(r, domain.Joined, conn.Username)
	}
	ch.members[conn.Username] = append(conns, conn.ID)
	ch.lastActive = time.Now()
	return true
}

// RemoveConnection unsubscribes conn and reports whether it was subscribed.
func (ch *Channel) RemoveConnection(r *Registry, conn *Connection) bool {
	conns, ok := ch.members[conn.Username]
	if !ok {
		return false
	}
	found := lo.Contains(conns, conn.ID)
	if found {
		ch.members[conn.Username] = lo.Without(conns, conn.ID)
	}
	ch.AfterParted(r, conn.Username)
	return found
}

// AfterParted drops an emptied username entry and emits the parted presence
// once for that transition.
func (ch *Channel) AfterParted(r *Registry, username string) {
	conns, ok := ch.members[username]
	if !ok || len(conns) > 0 {
		return
	}
	delete(ch.members, username)
	if ch.Config.NotifyPresence {
		ch.sendPresence(r, domain.Parted, username)
	}
}

func (ch *Channel) sendPresence(r *Registry, action domain.PresenceAction, username string) {
	body := domain.PresenceBody{Action: action}
	if ch.Config.BroadcastPresenceWithUserLists {
		names := lo.Keys(ch.members)
		if action == domain.Joined && !lo.Contains(names, username) {
			names = append(names, username)
		}
		sort.Strings(names)
		body.Users = lo.FilterMap(names, func(name string, _ int) (domain.UserInfo, bool) {
			u, ok := r.users[name]
			if !ok {
				return domain.UserInfo{}, false
			}
			return u.Info(), true
		})
	}
	if u, ok := r.users[username]; ok && action == domain.Joined {
		body.State = u.PublicState()
	}

	env := &domain.Envelope{
		UUID:      uuid.New(),
		Kind:      domain.KindPresence,
		Timestamp: time.Now(),
		User:      username,
		Routing:   domain.Routing{ExcludeUsers: []string{username}},
		Body:      body,
	}
	ch.AddMessage(r, env)
}

// SendUserState notifies subscribers about the public part of a state change.
func (ch *Channel) SendUserState(r *Registry, user *User, changes []domain.StateChange) int {
	public := user.publicChanges(changes)
	if len(public) == 0 {
		return 0
	}
	env := &domain.Envelope{
		UUID:      uuid.New(),
		Kind:      domain.KindUserStateChange,
		Timestamp: time.Now(),
		User:      user.Username,
		Body:      domain.StateChangeBody{State: user.PublicState(), Changed: public},
	}
	return ch.AddMessage(r, env)
}

// AddMessage stamps env with the channel name, buffers it in history and
// frames and then delivers it to every admitted subscriber. Buffering
// happens before any delivery. It returns the number of connections reached.
func (ch *Channel) AddMessage(r *Registry, env *domain.Envelope) int {
	env.Channel = ch.Name
	ch.lastActive = time.Now()

	if ch.Config.StoreHistory && env.Kind == domain.KindMessage && !env.Routing.NoHistory {
		ch.history = append(ch.history, env)
		if len(ch.history) > ch.Config.HistorySize {
			ch.history = ch.history[len(ch.history)-ch.Config.HistorySize:]
		}
	}
	if ch.Config.StoreFrames {
		ch.frames = append(ch.frames, frame{at: ch.lastActive, env: env})
		if len(ch.frames) > domain.MaxChannelFrames {
			ch.frames = ch.frames[len(ch.frames)-domain.MaxChannelFrames:]
		}
	}

	wire := env.Stripped()
	sent := 0
	for username, ids := range ch.members {
		if !env.Routing.Admits(username) {
			continue
		}
		for _, id := range ids {
			conn, ok := r.connections[id]
			if !ok {
				continue
			}
			conn.Deliver(wire)
			sent++
		}
	}
	return sent
}

// CatchupFrames returns the frames buffered after newerThan that username is
// allowed to see, tagged as replays.
func (ch *Channel) CatchupFrames(newerThan time.Time, username string) []*domain.Envelope {
	return lo.FilterMap(ch.frames, func(f frame, _ int) (*domain.Envelope, bool) {
		if !f.at.After(newerThan) || !f.env.Routing.Admits(username) {
			return nil, false
		}
		return f.env.AsCatchup(), true
	})
}

// findMessage looks in history first, then in frames.
func (ch *Channel) findMessage(id uuid.UUID) (*domain.Envelope, bool) {
	if env, ok := lo.Find(ch.history, func(e *domain.Envelope) bool { return e.IsMessage(id) }); ok {
		return env, true
	}
	f, ok := lo.Find(ch.frames, func(f frame) bool { return f.env.IsMessage(id) })
	return f.env, ok
}

// AlterMessage edits a stored message and broadcasts the edit to the
// original audience.
func (ch *Channel) AlterMessage(r *Registry, edit domain.MessageEdit) bool {
	stored, ok := ch.findMessage(edit.UUID)
	if !ok {
		return false
	}
	edit.ApplyTo(stored, time.Now())

	event := stored.Clone()
	event.Kind = domain.KindMessageEdit
	ch.AddMessage(r, event)
	return true
}

// DeleteMessage removes a stored message and broadcasts the deletion to the
// original audience.
func (ch *Channel) DeleteMessage(r *Registry, del domain.MessageDelete) bool {
	stored, ok := ch.findMessage(del.UUID)
	if !ok {
		return false
	}
	ch.history = lo.Reject(ch.history, func(e *domain.Envelope, _ int) bool { return e == stored })
	ch.frames = lo.Reject(ch.frames, func(f frame, _ int) bool { return f.env == stored })

	ch.AddMessage(r, deletionOf(stored))
	return true
}

func (ch *Channel) History() []*domain.Envelope {
	return lo.Map(ch.history, func(e *domain.Envelope, _ int) *domain.Envelope { return e.Stripped() })
}

// Members returns a copy of the username to connection ids mapping.
func (ch *Channel) Members() map[string][]string {
	out := make(map[string][]string, len(ch.members))
	for k, v := range ch.members {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (ch *Channel) connectionCount() int {
	return lo.SumBy(lo.Values(ch.members), func(ids []string) int { return len(ids) })
}
