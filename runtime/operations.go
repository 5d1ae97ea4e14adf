package runtime

import (
	"channel-hub/contract"
	"channel-hub/domain"
	"channel-hub/errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Connect gets or creates the user, registers the connection and subscribes
// it to the requested channels. Reusing the id of a connection owned by the
// same user attaches to that connection again.
func (r *Registry) Connect(req domain.ConnectRequest) (*Connection, UserSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	connID := req.ConnID
	if connID == "" {
		connID = uuid.NewString()
	}
	conn, exists := r.connections[connID]
	if exists && conn.Username != req.Username {
		return nil, UserSnapshot{}, fmt.Errorf("%w: %s", errors.ErrConnectionTaken, connID)
	}

	user := r.userLocked(req.Username, req.FreshUserState)
	if req.StatePublicKeys != nil {
		user.SetPublicKeys(req.StatePublicKeys)
	}
	user.StateFromMap(req.UserState)

	if !exists {
		conn = NewConnection(r.log, connID, req.Username, r.sendBuffer, r.cutoffLocked(user))
		r.connections[connID] = conn
	}
	user.AddConnection(connID)

	for _, name := range req.Channels {
		r.channelLocked(name, patchFor(req.ChannelConfigs, name)).AddConnection(r, conn)
	}
	r.log.Info("Connection registered", "user", req.Username, "conn_id", connID, "channels", len(req.Channels))
	return conn, user.snapshot(), nil
}

// cutoffLocked is the catch-up cutoff of a new connection of user: the latest
// activity seen on any of its connections, current or collected.
func (r *Registry) cutoffLocked(user *User) time.Time {
	cutoff := user.seenAt
	for _, id := range user.connections {
		if c, ok := r.connections[id]; ok {
			if seen := c.CatchupCutoff(); seen.After(cutoff) {
				cutoff = seen
			}
		}
	}
	return cutoff
}

func patchFor(configs map[string]domain.ChannelConfigPatch, name string) *domain.ChannelConfigPatch {
	if p, ok := configs[name]; ok {
		return &p
	}
	return nil
}

// Subscribe adds the connection to channels, creating them when needed, and
// returns the channels it actually joined.
func (r *Registry) Subscribe(connID string, channels []string, configs map[string]domain.ChannelConfigPatch) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.ownedConnectionLocked(connID)
	if err != nil {
		return nil, err
	}
	var joined []string
	for _, name := range channels {
		if r.channelLocked(name, patchFor(configs, name)).AddConnection(r, conn) {
			joined = append(joined, name)
		}
	}
	return joined, nil
}

// Unsubscribe removes the connection from existing channels and returns the
// channels it actually left.
func (r *Registry) Unsubscribe(connID string, channels []string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.ownedConnectionLocked(connID)
	if err != nil {
		return nil, err
	}
	var left []string
	for _, name := range channels {
		ch, ok := r.channels[name]
		if !ok {
			continue
		}
		if ch.RemoveConnection(r, conn) {
			left = append(left, name)
		}
	}
	return left, nil
}

func (r *Registry) ownedConnectionLocked(connID string) (*Connection, error) {
	conn, ok := r.connections[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownConnection, connID)
	}
	if _, ok := r.users[conn.Username]; !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownUser, conn.Username)
	}
	return conn, nil
}

// ChangeUserState merges updates into the user's state and notifies every
// channel of the user that asks for state changes. A nil publicKeys leaves
// the public key list unchanged.
func (r *Registry) ChangeUserState(username string, updates map[string]any, publicKeys []string) (UserSnapshot, []domain.StateChange, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	user, ok := r.users[username]
	if !ok {
		return UserSnapshot{}, nil, fmt.Errorf("%w: %s", errors.ErrUnknownUser, username)
	}
	if publicKeys != nil {
		user.SetPublicKeys(publicKeys)
	}
	changed := user.StateFromMap(updates)
	user.MarkActivity()
	if len(changed) > 0 {
		for _, ch := range user.Channels(r) {
			if ch.Config.NotifyState {
				ch.SendUserState(r, user, changed)
			}
		}
	}
	return user.snapshot(), changed, nil
}

// Disconnect marks the connection for the next GC sweep and reports whether
// it was known.
func (r *Registry) Disconnect(connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return false
	}
	conn.MarkStale()
	r.log.Debug("Connection marked for GC", "conn_id", connID)
	return true
}

// SetChannelConfig creates absent channels with their config and
// reconfigures the others in place.
func (r *Registry) SetChannelConfig(configs map[string]domain.ChannelConfigPatch) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(configs))
	for name, patch := range configs {
		if ch, ok := r.channels[name]; ok {
			ch.Reconfigure(patch)
		} else {
			r.channelLocked(name, &patch)
		}
		names = append(names, name)
	}
	return names
}

// PassMessage routes a message to its channel, or to each pm user when no
// channel is named, and returns the number of connections reached.
func (r *Registry) PassMessage(env *domain.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	env.Kind = domain.KindMessage
	env.Catchup = false
	env.Edited = nil

	sent := 0
	r.stats.TotalUniqueMessages++
	switch {
	case env.Channel != "":
		if ch, ok := r.channels[env.Channel]; ok {
			sent += ch.AddMessage(r, env)
		}
	case len(env.Routing.PMUsers) > 0:
		for _, username := range env.Routing.PMUsers {
			if u, ok := r.users[username]; ok {
				sent += u.AddMessage(r, env)
			}
		}
	}
	r.stats.TotalMessages += int64(sent)
	return sent
}

// EditMessage applies edit to the stored message of the named channel, or
// of each pm user, and reports whether anything was edited.
func (r *Registry) EditMessage(edit domain.MessageEdit) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if edit.Channel != "" {
		ch, ok := r.channels[edit.Channel]
		return ok && ch.AlterMessage(r, edit)
	}
	edited := false
	for _, username := range edit.PMUsers {
		if u, ok := r.users[username]; ok && u.AlterMessage(r, edit) {
			edited = true
		}
	}
	return edited
}

func (r *Registry) DeleteMessage(del domain.MessageDelete) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if del.Channel != "" {
		ch, ok := r.channels[del.Channel]
		return ok && ch.DeleteMessage(r, del)
	}
	deleted := false
	for _, username := range del.PMUsers {
		if u, ok := r.users[username]; ok && u.DeleteMessage(r, del) {
			deleted = true
		}
	}
	return deleted
}

// AttachTransport makes t the delivery path of the connection and replays
// what it missed.
func (r *Registry) AttachTransport(connID string, t contract.Transport) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.ownedConnectionLocked(connID)
	if err != nil {
		return nil, err
	}
	conn.attachTransport(t, r.catchupLocked(conn))
	r.log.Debug("Transport attached", "conn_id", connID)
	return conn, nil
}

// AttachQueue makes the long-poll queue the delivery path of the connection
// and queues what it missed.
func (r *Registry) AttachQueue(connID string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, err := r.ownedConnectionLocked(connID)
	if err != nil {
		return nil, err
	}
	if _, queued := conn.Attached(); queued && !conn.Stale() {
		return conn, nil
	}
	conn.attachQueue(r.catchupLocked(conn))
	return conn, nil
}

// Catchup returns what the connection would be replayed on attachment.
func (r *Registry) Catchup(connID string) ([]*domain.Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.connections[connID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownConnection, connID)
	}
	return r.catchupLocked(conn), nil
}
