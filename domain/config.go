package domain

// MaxChannelFrames bounds the catch-up frame buffer of a channel.
const MaxChannelFrames = 100

// MaxUserFrames bounds the catch-up frame buffer of a user.
const MaxUserFrames = 50

// ChannelConfig is the behaviour switchboard of a channel.
type ChannelConfig struct {
	NotifyPresence                 bool `json:"notify_presence"`
	StoreHistory                   bool `json:"store_history"`
	HistorySize                    int  `json:"history_size"`
	BroadcastPresenceWithUserLists bool `json:"broadcast_presence_with_user_lists"`
	NotifyState                    bool `json:"notify_state"`
	StoreFrames                    bool `json:"store_frames"`
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		HistorySize: 10,
		StoreFrames: true,
	}
}

// ChannelConfigPatch carries only the keys a caller supplied. Nil fields
// leave the current value untouched; unknown JSON keys are dropped by the
// decoder.
type ChannelConfigPatch struct {
	LongName                       *string `json:"long_name" validate:"omitempty,max=256"`
	NotifyPresence                 *bool   `json:"notify_presence"`
	StoreHistory                   *bool   `json:"store_history"`
	HistorySize                    *int    `json:"history_size" validate:"omitempty,min=0"`
	BroadcastPresenceWithUserLists *bool   `json:"broadcast_presence_with_user_lists"`
	NotifyState                    *bool   `json:"notify_state"`
	StoreFrames                    *bool   `json:"store_frames"`
}

// Apply returns cfg with every supplied key of p set.
func (p ChannelConfigPatch) Apply(cfg ChannelConfig) ChannelConfig {
	if p.NotifyPresence != nil {
		cfg.NotifyPresence = *p.NotifyPresence
	}
	if p.StoreHistory != nil {
		cfg.StoreHistory = *p.StoreHistory
	}
	if p.HistorySize != nil && *p.HistorySize >= 0 {
		cfg.HistorySize = *p.HistorySize
	}
	if p.BroadcastPresenceWithUserLists != nil {
		cfg.BroadcastPresenceWithUserLists = *p.BroadcastPresenceWithUserLists
	}
	if p.NotifyState != nil {
		cfg.NotifyState = *p.NotifyState
	}
	if p.StoreFrames != nil {
		cfg.StoreFrames = *p.StoreFrames
	}
	return cfg
}
