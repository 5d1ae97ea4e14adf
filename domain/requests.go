package domain

import (
	"time"

	"github.com/google/uuid"
)

// InfoOptions controls how much channel detail is returned alongside an
// operation or by the info endpoint.
type InfoOptions struct {
	IncludeHistory     *bool    `json:"include_history"`
	IncludeUsers       *bool    `json:"include_users"`
	Channels           []string `json:"channels" validate:"dive,min=1,max=256"`
	ExcludeChannels    []string `json:"exclude_channels" validate:"dive,min=1,max=256"`
	IncludeConnections bool     `json:"include_connections"`
	ReturnPublicState  bool     `json:"return_public_state"`
}

func (o InfoOptions) WithHistory() bool { return o.IncludeHistory == nil || *o.IncludeHistory }

func (o InfoOptions) WithUsers() bool { return o.IncludeUsers == nil || *o.IncludeUsers }

type ConnectRequest struct {
	Username string `json:"username" validate:"required,min=1,max=512"`
	// ConnID is optional; a uuid is generated when empty.
	ConnID   string   `json:"conn_id" validate:"omitempty,uuid"`
	Channels []string `json:"channels" validate:"dive,min=1,max=256"`
	// StatePublicKeys replaces the user's public key list when non-nil.
	StatePublicKeys []string                      `json:"state_public_keys" validate:"omitempty,dive,min=1,max=256"`
	FreshUserState  map[string]any                `json:"fresh_user_state"`
	UserState       map[string]any                `json:"user_state"`
	ChannelConfigs  map[string]ChannelConfigPatch `json:"channel_configs" validate:"dive,keys,min=1,max=256,endkeys"`
	Info            InfoOptions                   `json:"info"`
}

type SubscribeRequest struct {
	ConnID         string                        `json:"conn_id" validate:"required,uuid"`
	Channels       []string                      `json:"channels" validate:"required,min=1,dive,min=1,max=256"`
	ChannelConfigs map[string]ChannelConfigPatch `json:"channel_configs" validate:"dive,keys,min=1,max=256,endkeys"`
	Info           InfoOptions                   `json:"info"`
}

type UnsubscribeRequest struct {
	ConnID   string      `json:"conn_id" validate:"required,uuid"`
	Channels []string    `json:"channels" validate:"required,min=1,dive,min=1,max=256"`
	Info     InfoOptions `json:"info"`
}

type UserStateRequest struct {
	User            string         `json:"user" validate:"required,min=1,max=512"`
	UserState       map[string]any `json:"user_state"`
	StatePublicKeys []string       `json:"state_public_keys" validate:"omitempty,dive,min=1,max=256"`
}

type MessageRequest struct {
	UUID         uuid.UUID      `json:"uuid"`
	Timestamp    *time.Time     `json:"timestamp"`
	User         string         `json:"user" validate:"required,min=1,max=512"`
	Message      map[string]any `json:"message"`
	Channel      string         `json:"channel" validate:"omitempty,min=1,max=256"`
	PMUsers      []string       `json:"pm_users" validate:"dive,min=1,max=512"`
	ExcludeUsers []string       `json:"exclude_users" validate:"dive,min=1,max=512"`
	NoHistory    bool           `json:"no_history"`
}

// Envelope stamps the request into a fresh message envelope.
func (m MessageRequest) Envelope(now time.Time) *Envelope {
	id := m.UUID
	if id == uuid.Nil {
		id = uuid.New()
	}
	ts := now
	if m.Timestamp != nil {
		ts = *m.Timestamp
	}
	return &Envelope{
		UUID:      id,
		Kind:      KindMessage,
		Timestamp: ts,
		Channel:   m.Channel,
		User:      m.User,
		Routing: Routing{
			PMUsers:      m.PMUsers,
			ExcludeUsers: m.ExcludeUsers,
			NoHistory:    m.NoHistory,
		},
		Body: MessageBody(m.Message),
	}
}

// MessageEdit updates the editable fields of a stored message.
type MessageEdit struct {
	UUID      uuid.UUID      `json:"uuid" validate:"required"`
	Channel   string         `json:"channel" validate:"omitempty,min=1,max=256"`
	PMUsers   []string       `json:"pm_users" validate:"dive,min=1,max=512"`
	User      string         `json:"user" validate:"omitempty,max=512"`
	Message   map[string]any `json:"message"`
	Timestamp *time.Time     `json:"timestamp"`
	Edited    *time.Time     `json:"edited"`
}

// ApplyTo updates the stored envelope in place.
func (m MessageEdit) ApplyTo(env *Envelope, now time.Time) {
	if m.Message != nil {
		env.Body = MessageBody(m.Message).clone()
	}
	if m.User != "" {
		env.User = m.User
	}
	if m.Timestamp != nil {
		env.Timestamp = *m.Timestamp
	}
	edited := now
	if m.Edited != nil {
		edited = *m.Edited
	}
	env.Edited = &edited
}

type MessageDelete struct {
	UUID    uuid.UUID `json:"uuid" validate:"required"`
	Channel string    `json:"channel" validate:"omitempty,min=1,max=256"`
	PMUsers []string  `json:"pm_users" validate:"dive,min=1,max=512"`
}

type DisconnectRequest struct {
	ConnID string `json:"conn_id" validate:"required"`
}

type InfoRequest struct {
	Info InfoOptions `json:"info"`
}
