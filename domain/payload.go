// Package domain contains the data exchanged between the hub and its
// collaborators: payload envelopes, channel configuration and requests.
// No locking, transport or registry logic belongs here.
package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Kind tags the variant carried by an Envelope.
type Kind string

const (
	KindMessage         Kind = "message"
	KindPresence        Kind = "presence"
	KindUserStateChange Kind = "user_state_change"
	KindMessageEdit     Kind = "message:edit"
	KindMessageDelete   Kind = "message:delete"
)

type PresenceAction string

const (
	Joined PresenceAction = "joined"
	Parted PresenceAction = "parted"
)

// Routing is delivery-control metadata. It is kept on stored envelopes so
// edits and deletes can be re-broadcast to the same audience, but it never
// reaches the wire.
type Routing struct {
	PMUsers      []string
	ExcludeUsers []string
	NoHistory    bool
}

// Admits reports whether username may receive a payload routed this way.
func (r Routing) Admits(username string) bool {
	if lo.Contains(r.ExcludeUsers, username) {
		return false
	}
	return len(r.PMUsers) == 0 || lo.Contains(r.PMUsers, username)
}

func (r Routing) clone() Routing {
	return Routing{
		PMUsers:      append([]string(nil), r.PMUsers...),
		ExcludeUsers: append([]string(nil), r.ExcludeUsers...),
		NoHistory:    r.NoHistory,
	}
}

// Body is the kind-specific part of an Envelope. The set of implementations
// is closed to this package.
type Body interface {
	wire() any
	clone() Body
}

// MessageBody is the free-form payload posted by the backend. It is used by
// both message and message:edit envelopes.
type MessageBody map[string]any

func (b MessageBody) wire() any { return map[string]any(b) }

func (b MessageBody) clone() Body {
	if b == nil {
		return MessageBody(nil)
	}
	out := make(MessageBody, len(b))
	for k, v := range b {
		out[k] = v
	}
	return out
}

// UserInfo is the public view of a user as listed in presence payloads.
type UserInfo struct {
	User  string         `json:"user"`
	State map[string]any `json:"state"`
}

type PresenceBody struct {
	Action PresenceAction
	Users  []UserInfo
	// State is the acting user's public state, only set on join.
	State map[string]any
}

func (b PresenceBody) wire() any { return map[string]any{"action": b.Action} }

func (b PresenceBody) clone() Body {
	b.Users = append([]UserInfo(nil), b.Users...)
	return b
}

type StateChangeBody struct {
	State   map[string]any
	Changed []StateChange
}

func (b StateChangeBody) wire() any {
	return map[string]any{"state": b.State, "changed": b.Changed}
}

func (b StateChangeBody) clone() Body {
	b.Changed = append([]StateChange(nil), b.Changed...)
	return b
}

type DeleteBody struct{}

func (DeleteBody) wire() any { return nil }

func (b DeleteBody) clone() Body { return b }

// Envelope is one payload flowing through the hub.
type Envelope struct {
	UUID      uuid.UUID
	Kind      Kind
	Timestamp time.Time
	Channel   string
	User      string
	Catchup   bool
	Edited    *time.Time
	Routing   Routing
	Body      Body
}

// Clone returns a deep enough copy for the envelope to be stored or
// mutated without affecting the original.
func (e *Envelope) Clone() *Envelope {
	out := *e
	out.Routing = e.Routing.clone()
	if e.Body != nil {
		out.Body = e.Body.clone()
	}
	if e.Edited != nil {
		edited := *e.Edited
		out.Edited = &edited
	}
	return &out
}

// Stripped returns a copy without routing metadata.
func (e *Envelope) Stripped() *Envelope {
	out := e.Clone()
	out.Routing = Routing{}
	return out
}

// AsCatchup returns a stripped copy tagged as a replay.
func (e *Envelope) AsCatchup() *Envelope {
	out := e.Stripped()
	out.Catchup = true
	return out
}

// IsMessage reports whether e is the plain message identified by id.
func (e *Envelope) IsMessage(id uuid.UUID) bool {
	return e.UUID == id && e.Kind == KindMessage
}

type wireFrame struct {
	UUID      uuid.UUID      `json:"uuid"`
	Type      Kind           `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Channel   string         `json:"channel,omitempty"`
	User      string         `json:"user,omitempty"`
	Message   any            `json:"message"`
	Users     []UserInfo     `json:"users,omitempty"`
	State     map[string]any `json:"state,omitempty"`
	Catchup   bool           `json:"catchup"`
	Edited    *time.Time     `json:"edited"`
}

// MarshalJSON renders the wire view. Routing is never serialized.
func (e *Envelope) MarshalJSON() ([]byte, error) {
	frame := wireFrame{
		UUID:      e.UUID,
		Type:      e.Kind,
		Timestamp: e.Timestamp,
		Channel:   e.Channel,
		User:      e.User,
		Catchup:   e.Catchup,
		Edited:    e.Edited,
	}
	if e.Body != nil {
		frame.Message = e.Body.wire()
	}
	if p, ok := e.Body.(PresenceBody); ok {
		frame.Users = p.Users
		frame.State = p.State
	}
	return json.Marshal(frame)
}

// EncodeFrames serializes envelopes as the JSON list sent to clients. A nil
// envelope contributes nothing, so EncodeFrames(nil) yields "[]".
func EncodeFrames(envs ...*Envelope) ([]byte, error) {
	list := lo.Filter(envs, func(e *Envelope, _ int) bool { return e != nil })
	if list == nil {
		list = []*Envelope{}
	}
	return json.Marshal(list)
}
