package services

import (
	"channel-hub/contract"
	"channel-hub/domain"
	"channel-hub/errors"
	"channel-hub/runtime"
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type IHubService interface {
	Connect(tenant string, req domain.ConnectRequest) (ConnectResponse, error)
	Subscribe(tenant string, req domain.SubscribeRequest) (SubscriptionResponse, error)
	Unsubscribe(tenant string, req domain.UnsubscribeRequest) (SubscriptionResponse, error)
	ChangeUserState(tenant string, req domain.UserStateRequest) (UserStateResponse, error)
	PostMessages(tenant string, msgs []domain.MessageRequest) ([]PostedMessage, error)
	EditMessages(tenant string, edits []domain.MessageEdit) ([]uuid.UUID, error)
	DeleteMessages(tenant string, dels []domain.MessageDelete) ([]uuid.UUID, error)
	SetChannelConfig(tenant string, configs map[string]domain.ChannelConfigPatch) (map[string]runtime.ChannelInfo, error)
	Info(tenant string, opts domain.InfoOptions) (runtime.ServerInfo, error)
	Disconnect(tenant string, connID string) bool
	Listen(ctx context.Context, tenant, connID string, wakeAfter time.Duration) ([]*domain.Envelope, error)
	AttachTransport(tenant, connID string, t contract.Transport) (*runtime.Connection, error)
	TenantIDs() []string
}

type ConnectResponse struct {
	ConnID       string                         `json:"conn_id"`
	Username     string                         `json:"username"`
	State        map[string]any                 `json:"state"`
	PublicState  map[string]any                 `json:"public_state"`
	Channels     []string                       `json:"channels"`
	ChannelsInfo map[string]runtime.ChannelInfo `json:"channels_info"`
}

type SubscriptionResponse struct {
	Channels     []string                       `json:"channels"`
	ChannelsInfo map[string]runtime.ChannelInfo `json:"channels_info"`
	Changed      []string                       `json:"changed"`
}

type UserStateResponse struct {
	User         runtime.UserSnapshot `json:"user"`
	ChangedState []domain.StateChange `json:"changed_state"`
}

type PostedMessage struct {
	UUID    uuid.UUID `json:"uuid"`
	Channel string    `json:"channel,omitempty"`
	Sent    int       `json:"sent"`
}

// HubService validates requests and resolves the tenant registry before
// calling the runtime operations.
type HubService struct {
	log         *slog.Logger
	tenants     *runtime.Tenants
	drainWindow time.Duration
}

func NewHubService(log *slog.Logger, tenants *runtime.Tenants, drainWindow time.Duration) *HubService {
	return &HubService{log: log, tenants: tenants, drainWindow: drainWindow}
}

func (s *HubService) Connect(tenant string, req domain.ConnectRequest) (ConnectResponse, error) {
	if err := Validate(req); err != nil {
		return ConnectResponse{}, err
	}
	if err := validateState("fresh_user_state", req.FreshUserState); err != nil {
		return ConnectResponse{}, err
	}
	if err := validateState("user_state", req.UserState); err != nil {
		return ConnectResponse{}, err
	}

	registry := s.tenants.Get(tenant)
	conn, user, err := registry.Connect(req)
	if err != nil {
		if stderrors.Is(err, errors.ErrConnectionTaken) {
			return ConnectResponse{}, errors.NewValidationError("conn_id", "taken")
		}
		return ConnectResponse{}, err
	}
	channels := registry.ConnectionChannels(conn)
	return ConnectResponse{
		ConnID:       conn.ID,
		Username:     user.Username,
		State:        user.State,
		PublicState:  user.PublicState,
		Channels:     channels,
		ChannelsInfo: registry.ChannelsInfo(channels, req.Info),
	}, nil
}

func (s *HubService) Subscribe(tenant string, req domain.SubscribeRequest) (SubscriptionResponse, error) {
	if err := Validate(req); err != nil {
		return SubscriptionResponse{}, err
	}
	registry := s.tenants.Get(tenant)
	joined, err := registry.Subscribe(req.ConnID, req.Channels, req.ChannelConfigs)
	if err != nil {
		return SubscriptionResponse{}, err
	}
	return s.subscription(registry, req.ConnID, joined, req.Info)
}

func (s *HubService) Unsubscribe(tenant string, req domain.UnsubscribeRequest) (SubscriptionResponse, error) {
	if err := Validate(req); err != nil {
		return SubscriptionResponse{}, err
	}
	registry := s.tenants.Get(tenant)
	left, err := registry.Unsubscribe(req.ConnID, req.Channels)
	if err != nil {
		return SubscriptionResponse{}, err
	}
	return s.subscription(registry, req.ConnID, left, req.Info)
}

func (s *HubService) subscription(registry *runtime.Registry, connID string, changed []string, opts domain.InfoOptions) (SubscriptionResponse, error) {
	conn, ok := registry.Connection(connID)
	if !ok {
		return SubscriptionResponse{}, fmt.Errorf("%w: %s", errors.ErrUnknownConnection, connID)
	}
	channels := registry.ConnectionChannels(conn)
	return SubscriptionResponse{
		Channels:     channels,
		ChannelsInfo: registry.ChannelsInfo(channels, opts),
		Changed:      lo.Ternary(changed == nil, []string{}, changed),
	}, nil
}

func (s *HubService) ChangeUserState(tenant string, req domain.UserStateRequest) (UserStateResponse, error) {
	if err := Validate(req); err != nil {
		return UserStateResponse{}, err
	}
	if err := validateState("user_state", req.UserState); err != nil {
		return UserStateResponse{}, err
	}
	user, changed, err := s.tenants.Get(tenant).ChangeUserState(req.User, req.UserState, req.StatePublicKeys)
	if err != nil {
		return UserStateResponse{}, err
	}
	return UserStateResponse{User: user, ChangedState: lo.Ternary(changed == nil, []domain.StateChange{}, changed)}, nil
}

// PostMessages validates every message first; nothing is sent when one of
// them is rejected.
func (s *HubService) PostMessages(tenant string, msgs []domain.MessageRequest) ([]PostedMessage, error) {
	for _, msg := range msgs {
		if err := Validate(msg); err != nil {
			return nil, err
		}
	}
	registry := s.tenants.Get(tenant)
	now := time.Now()
	return lo.Map(msgs, func(msg domain.MessageRequest, _ int) PostedMessage {
		env := msg.Envelope(now)
		sent := registry.PassMessage(env)
		return PostedMessage{UUID: env.UUID, Channel: env.Channel, Sent: sent}
	}), nil
}

func (s *HubService) EditMessages(tenant string, edits []domain.MessageEdit) ([]uuid.UUID, error) {
	for _, edit := range edits {
		if err := Validate(edit); err != nil {
			return nil, err
		}
	}
	registry := s.tenants.Get(tenant)
	return lo.FilterMap(edits, func(edit domain.MessageEdit, _ int) (uuid.UUID, bool) {
		return edit.UUID, registry.EditMessage(edit)
	}), nil
}

func (s *HubService) DeleteMessages(tenant string, dels []domain.MessageDelete) ([]uuid.UUID, error) {
	for _, del := range dels {
		if err := Validate(del); err != nil {
			return nil, err
		}
	}
	registry := s.tenants.Get(tenant)
	return lo.FilterMap(dels, func(del domain.MessageDelete, _ int) (uuid.UUID, bool) {
		return del.UUID, registry.DeleteMessage(del)
	}), nil
}

func (s *HubService) SetChannelConfig(tenant string, configs map[string]domain.ChannelConfigPatch) (map[string]runtime.ChannelInfo, error) {
	for name, patch := range configs {
		if name == "" || len(name) > 256 {
			return nil, errors.NewValidationError("channel_configs", "max=256")
		}
		if err := Validate(patch); err != nil {
			return nil, err
		}
	}
	registry := s.tenants.Get(tenant)
	names := registry.SetChannelConfig(configs)
	return registry.ChannelsInfo(names, domain.InfoOptions{}), nil
}

func (s *HubService) Info(tenant string, opts domain.InfoOptions) (runtime.ServerInfo, error) {
	if err := Validate(opts); err != nil {
		return runtime.ServerInfo{}, err
	}
	registry, ok := s.tenants.Lookup(tenant)
	if !ok {
		return runtime.ServerInfo{}, fmt.Errorf("%w: %s", errors.ErrUnknownTenant, tenant)
	}
	return registry.Info(opts), nil
}

// Disconnect is best effort: unknown tenants and connections are ignored.
func (s *HubService) Disconnect(tenant string, connID string) bool {
	registry, ok := s.tenants.Lookup(tenant)
	if !ok {
		return false
	}
	return registry.Disconnect(connID)
}

// Listen attaches the long-poll queue of the connection and waits for
// payloads. The registry lock is not held while waiting.
func (s *HubService) Listen(ctx context.Context, tenant, connID string, wakeAfter time.Duration) ([]*domain.Envelope, error) {
	registry, ok := s.tenants.Lookup(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTenant, tenant)
	}
	conn, err := registry.AttachQueue(connID)
	if err != nil {
		return nil, err
	}
	return conn.Listen(ctx, wakeAfter, s.drainWindow)
}

func (s *HubService) AttachTransport(tenant, connID string, t contract.Transport) (*runtime.Connection, error) {
	registry, ok := s.tenants.Lookup(tenant)
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownTenant, tenant)
	}
	return registry.AttachTransport(connID, t)
}

func (s *HubService) TenantIDs() []string {
	return s.tenants.IDs()
}
