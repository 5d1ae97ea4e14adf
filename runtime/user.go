package runtime

import (
	"channel-hub/domain"
	"reflect"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// frame is a buffered envelope with the instant it was buffered. Catch-up
// compares against that instant, not the payload timestamp.
type frame struct {
	at  time.Time
	env *domain.Envelope
}

// User is an identity owning connections, a state map and a ring of the
// private frames it was sent. Every field is guarded by the registry lock.
type User struct {
	Username string
	ID       uuid.UUID

	state       map[string]any
	publicKeys  []string
	connections []string
	frames      []frame
	lastActive  time.Time
	// seenAt is the latest real activity of a connection the user lost; new
	// connections replay frames buffered after it.
	seenAt time.Time
}

func NewUser(username string) *User {
	now := time.Now()
	return &User{
		Username:   username,
		ID:         uuid.New(),
		state:      make(map[string]any),
		lastActive: now,
		seenAt:     now,
	}
}

func (u *User) MarkActivity() {
	u.lastActive = time.Now()
}

// AddConnection appends id once and marks activity.
func (u *User) AddConnection(id string) bool {
	u.MarkActivity()
	if lo.Contains(u.connections, id) {
		return false
	}
	u.connections = append(u.connections, id)
	return true
}

func (u *User) removeConnection(id string) bool {
	if !lo.Contains(u.connections, id) {
		return false
	}
	u.connections = lo.Without(u.connections, id)
	return true
}

func (u *User) Connections() []string {
	return append([]string(nil), u.connections...)
}

// StateFromMap merges updates into the state and returns the keys whose value
// is new or different, ordered by key.
func (u *User) StateFromMap(updates map[string]any) []domain.StateChange {
	keys := lo.Keys(updates)
	sort.Strings(keys)

	var changed []domain.StateChange
	for _, k := range keys {
		v := updates[k]
		if prev, ok := u.state[k]; ok && reflect.DeepEqual(prev, v) {
			continue
		}
		u.state[k] = v
		changed = append(changed, domain.StateChange{Key: k, Value: v})
	}
	return changed
}

func (u *User) SetPublicKeys(keys []string) {
	u.publicKeys = lo.Uniq(keys)
}

func (u *User) PublicKeys() []string {
	return append([]string(nil), u.publicKeys...)
}

func (u *User) State() map[string]any {
	return lo.Assign(u.state)
}

// PublicState is the state restricted to the public keys.
func (u *User) PublicState() map[string]any {
	return lo.PickByKeys(u.state, u.publicKeys)
}

// publicChanges keeps the changes visible to other users.
func (u *User) publicChanges(changes []domain.StateChange) []domain.StateChange {
	return lo.Filter(changes, func(c domain.StateChange, _ int) bool {
		return lo.Contains(u.publicKeys, c.Key)
	})
}

func (u *User) Info() domain.UserInfo {
	return domain.UserInfo{User: u.Username, State: u.PublicState()}
}

func (u *User) addFrame(env *domain.Envelope) {
	u.frames = append(u.frames, frame{at: time.Now(), env: env})
	if len(u.frames) > domain.MaxUserFrames {
		u.frames = u.frames[len(u.frames)-domain.MaxUserFrames:]
	}
}

// AddMessage buffers env without its routing metadata and delivers it to
// every owned connection. It returns the number of connections reached.
func (u *User) AddMessage(r *Registry, env *domain.Envelope) int {
	stored := env.Stripped()
	u.addFrame(stored)
	u.MarkActivity()

	sent := 0
	for _, id := range u.connections {
		conn, ok := r.connections[id]
		if !ok {
			continue
		}
		conn.Deliver(stored)
		sent++
	}
	return sent
}

// Channels lists the channels where the user has at least one connection.
func (u *User) Channels(r *Registry) []*Channel {
	var out []*Channel
	for _, name := range r.channelNamesLocked() {
		ch := r.channels[name]
		if len(ch.members[u.Username]) > 0 {
			out = append(out, ch)
		}
	}
	return out
}

// CatchupFrames returns the buffered frames newer than the cutoff, tagged as
// replays.
func (u *User) CatchupFrames(newerThan time.Time) []*domain.Envelope {
	return lo.FilterMap(u.frames, func(f frame, _ int) (*domain.Envelope, bool) {
		if !f.at.After(newerThan) {
			return nil, false
		}
		return f.env.AsCatchup(), true
	})
}

func (u *User) findFrame(id uuid.UUID) (int, bool) {
	_, idx, ok := lo.FindIndexOf(u.frames, func(f frame) bool { return f.env.IsMessage(id) })
	return idx, ok
}

// AlterMessage edits a buffered private message and sends the edit to the
// user's connections.
func (u *User) AlterMessage(r *Registry, edit domain.MessageEdit) bool {
	idx, ok := u.findFrame(edit.UUID)
	if !ok {
		return false
	}
	stored := u.frames[idx].env
	edit.ApplyTo(stored, time.Now())

	event := stored.Clone()
	event.Kind = domain.KindMessageEdit
	u.AddMessage(r, event)
	return true
}

// DeleteMessage drops a buffered private message and sends the deletion to
// the user's connections.
func (u *User) DeleteMessage(r *Registry, del domain.MessageDelete) bool {
	idx, ok := u.findFrame(del.UUID)
	if !ok {
		return false
	}
	stored := u.frames[idx].env
	u.frames = append(u.frames[:idx], u.frames[idx+1:]...)

	event := deletionOf(stored)
	u.AddMessage(r, event)
	return true
}

func deletionOf(env *domain.Envelope) *domain.Envelope {
	event := env.Clone()
	event.Kind = domain.KindMessageDelete
	event.Body = domain.DeleteBody{}
	event.Edited = nil
	return event
}
