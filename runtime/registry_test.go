package runtime

import (
	"channel-hub/domain"
	"channel-hub/errors"
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func TestRegistry_Connect_Creates_User_Connection_And_Channels(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()

	// When alice connects with a fresh state and a public key list
	conn, user, err := r.Connect(domain.ConnectRequest{
		Username:        "alice",
		Channels:        []string{"a", "b"},
		FreshUserState:  map[string]any{"color": "red"},
		StatePublicKeys: []string{"color"},
		UserState:       map[string]any{"mood": "ok"},
		ChannelConfigs: map[string]domain.ChannelConfigPatch{
			"a": {StoreHistory: lo.ToPtr(true), LongName: lo.ToPtr("Channel A")},
		},
	})

	// Then everything is registered
	req.NoError(err)
	_, err = uuid.Parse(conn.ID)
	req.NoError(err)
	req.Equal(map[string]any{"color": "red", "mood": "ok"}, user.State)
	req.Equal(map[string]any{"color": "red"}, user.PublicState)
	req.Equal([]string{conn.ID}, user.Connections)
	req.Equal([]string{"a", "b"}, r.ChannelNames())
	req.True(r.channels["a"].Config.StoreHistory)
	req.Equal("Channel A", r.channels["a"].LongName)
	req.False(r.channels["b"].Config.StoreHistory)
	req.Equal([]string{"a", "b"}, r.ConnectionChannels(conn))
}

func TestRegistry_Connect_Existing_User_Merges_State(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	_, _, err := r.Connect(domain.ConnectRequest{
		Username:        "alice",
		FreshUserState:  map[string]any{"color": "red"},
		StatePublicKeys: []string{"color"},
	})
	req.NoError(err)

	// When alice connects again
	_, user, err := r.Connect(domain.ConnectRequest{
		Username:       "alice",
		FreshUserState: map[string]any{"color": "blue"},
		UserState:      map[string]any{"mood": "ok"},
	})

	// Then fresh state is ignored, updates merge and public keys stay
	req.NoError(err)
	req.Equal(map[string]any{"color": "red", "mood": "ok"}, user.State)
	req.Equal([]string{"color"}, user.PublicKeys)
	req.Len(user.Connections, 2)
}

func TestRegistry_Connect_Reuses_Connection_Id(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	id := uuid.NewString()

	first, _, err := r.Connect(domain.ConnectRequest{Username: "alice", ConnID: id})
	req.NoError(err)
	second, user, err := r.Connect(domain.ConnectRequest{Username: "alice", ConnID: id, Channels: []string{"room"}})
	req.NoError(err)

	req.Same(first, second)
	req.Equal([]string{id}, user.Connections)

	// A different user cannot take the id
	_, _, err = r.Connect(domain.ConnectRequest{Username: "mallory", ConnID: id})
	req.ErrorIs(err, errors.ErrConnectionTaken)
	req.False(r.HasUser("mallory"))
}

func TestRegistry_Subscribe_Unknown_Connection(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()

	_, err := r.Subscribe("nope", []string{"room"}, nil)
	req.ErrorIs(err, errors.ErrUnknownConnection)

	_, err = r.Unsubscribe("nope", []string{"room"})
	req.ErrorIs(err, errors.ErrUnknownConnection)
}

func TestRegistry_Subscribe_And_Unsubscribe(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	conn := connectPolling(t, r, "alice", "a")

	joined, err := r.Subscribe(conn.ID, []string{"a", "b", "c"}, map[string]domain.ChannelConfigPatch{
		"c": {NotifyState: lo.ToPtr(true)},
	})
	req.NoError(err)
	req.Equal([]string{"b", "c"}, joined)
	req.True(r.channels["c"].Config.NotifyState)

	left, err := r.Unsubscribe(conn.ID, []string{"a", "missing", "c"})
	req.NoError(err)
	req.Equal([]string{"a", "c"}, left)
	req.Equal([]string{"b"}, r.ConnectionChannels(conn))

	// Channels persist when empty
	req.Equal([]string{"a", "b", "c"}, r.ChannelNames())
}

func TestRegistry_ChangeUserState_Unknown_User(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()

	_, _, err := r.ChangeUserState("ghost", map[string]any{"a": 1}, nil)

	req.ErrorIs(err, errors.ErrUnknownUser)
}

func TestRegistry_ChangeUserState_Reports_Changes(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	_, _, err := r.Connect(domain.ConnectRequest{Username: "alice", FreshUserState: map[string]any{"a": 1.0}})
	req.NoError(err)

	user, changed, err := r.ChangeUserState("alice", map[string]any{"a": 1.0, "b": true}, []string{"b"})

	req.NoError(err)
	req.Equal([]domain.StateChange{{Key: "b", Value: true}}, changed)
	req.Equal(map[string]any{"b": true}, user.PublicState)
}

func TestRegistry_Disconnect(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	conn := connectPolling(t, r, "alice", "room")

	req.True(r.Disconnect(conn.ID))
	req.False(r.Disconnect("unknown"))

	// Marked only, removal is left to the sweep
	req.True(conn.Stale())
	_, ok := r.Connection(conn.ID)
	req.True(ok)
}

func TestRegistry_Listen_Again_After_Disconnect_Delivers_Once(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	conn := connectPolling(t, r, "dave", "room")

	// Given a message reaching the kept queue after the disconnect
	req.True(r.Disconnect(conn.ID))
	r.PassMessage(textMessage("room", "system", "hello"))

	// When the client polls again before the sweep
	_, err := r.AttachQueue(conn.ID)
	req.NoError(err)
	envs, err := conn.Listen(context.Background(), 50*time.Millisecond, 0)

	// Then the message arrives once, as the live copy
	req.NoError(err)
	req.Equal([]string{"hello"}, texts(envs))
	req.False(envs[0].Catchup)
	req.False(conn.Stale())
}

func TestRegistry_Connect_Then_Message(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()

	// Given alice in a room keeping two messages of history
	_, _, err := r.Connect(domain.ConnectRequest{
		Username: "alice",
		Channels: []string{"room"},
		ChannelConfigs: map[string]domain.ChannelConfigPatch{
			"room": {StoreHistory: lo.ToPtr(true), HistorySize: lo.ToPtr(2)},
		},
	})
	req.NoError(err)

	// When three messages are posted
	for _, text := range []string{"m1", "m2", "m3"} {
		r.PassMessage(textMessage("room", "system", text))
	}

	// Then the history holds the last two in order
	info := r.ChannelsInfo([]string{"room"}, domain.InfoOptions{})
	req.Equal([]string{"m2", "m3"}, texts(info["room"].History))
}

func TestRegistry_PM_Routing(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	alice := connectPolling(t, r, "alice")
	bob1 := connectPolling(t, r, "bob")
	bob2 := connectPolling(t, r, "bob")

	// When alice sends a private message to bob
	msg := domain.MessageRequest{
		User:    "alice",
		Message: map[string]any{"text": "psst"},
		PMUsers: []string{"bob"},
	}.Envelope(time.Now())
	sent := r.PassMessage(msg)

	// Then both of bob's connections get it and alice gets nothing
	req.Equal(2, sent)
	req.Equal([]string{"psst"}, texts(received(bob1)))
	req.Equal([]string{"psst"}, texts(received(bob2)))
	req.Empty(received(alice))
}

func TestRegistry_PM_Edit_And_Delete(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	bob := connectPolling(t, r, "bob")

	msg := domain.MessageRequest{User: "alice", Message: map[string]any{"text": "v1"}, PMUsers: []string{"bob"}}.Envelope(time.Now())
	r.PassMessage(msg)
	received(bob)

	req.True(r.EditMessage(domain.MessageEdit{UUID: msg.UUID, PMUsers: []string{"bob"}, Message: map[string]any{"text": "v2"}}))
	edits := received(bob)
	req.Len(edits, 1)
	req.Equal(domain.KindMessageEdit, edits[0].Kind)
	req.Equal([]string{"v2"}, texts(edits))

	req.True(r.DeleteMessage(domain.MessageDelete{UUID: msg.UUID, PMUsers: []string{"bob"}}))
	dels := received(bob)
	req.Len(dels, 1)
	req.Equal(domain.KindMessageDelete, dels[0].Kind)

	req.False(r.EditMessage(domain.MessageEdit{UUID: msg.UUID, PMUsers: []string{"bob"}}))
}

func TestRegistry_User_Frames_Are_Capped(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	connectPolling(t, r, "bob")

	for i := 0; i < domain.MaxUserFrames+10; i++ {
		r.PassMessage(domain.MessageRequest{User: "alice", PMUsers: []string{"bob"}}.Envelope(time.Now()))
	}

	req.Len(r.users["bob"].frames, domain.MaxUserFrames)
}

func TestRegistry_Catchup_After_Transport_Loss(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	configs := map[string]domain.ChannelConfigPatch{"room": {StoreHistory: lo.ToPtr(true)}}

	// Given carol attached over a transport which is then lost
	first, _, err := r.Connect(domain.ConnectRequest{Username: "carol", Channels: []string{"room"}, ChannelConfigs: configs})
	req.NoError(err)
	lost := &recordingTransport{}
	_, err = r.AttachTransport(first.ID, lost)
	req.NoError(err)
	first.OnTransportClosed(lost)
	lastSeen := first.CatchupCutoff()
	time.Sleep(5 * time.Millisecond)

	// When the channel gets a message before the sweep ran
	r.PassMessage(textMessage("room", "system", "missed"))
	time.Sleep(5 * time.Millisecond)

	// And carol comes back with a new connection
	second, _, err := r.Connect(domain.ConnectRequest{Username: "carol", Channels: []string{"room"}})
	req.NoError(err)
	req.NotEqual(first.ID, second.ID)

	// Then the replay holds the message tagged as catch-up
	replay, err := r.Catchup(second.ID)
	req.NoError(err)
	req.Equal([]string{"missed"}, texts(replay))
	req.True(replay[0].Catchup)
	req.True(replay[0].Timestamp.After(lastSeen))

	// And it is the first thing sent once the transport is attached
	live := &recordingTransport{}
	_, err = r.AttachTransport(second.ID, live)
	req.NoError(err)
	req.Eventually(func() bool { return len(live.decoded()) == 1 }, time.Second, 5*time.Millisecond)
	frame := live.decoded()[0]
	req.Equal(true, frame["catchup"])
	req.Equal(map[string]any{"text": "missed"}, frame["message"])
	req.NotContains(frame, "pm_users")
}

func TestRegistry_Catchup_Respects_Routing(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	first, _, err := r.Connect(domain.ConnectRequest{Username: "test1", Channels: []string{"test"}})
	req.NoError(err)
	time.Sleep(5 * time.Millisecond)

	r.PassMessage(textMessage("test", "system", "test3"))
	wrong := textMessage("test", "system", "test1")
	wrong.Routing.PMUsers = []string{"test2"}
	r.PassMessage(wrong)
	right := textMessage("test", "system", "test2")
	right.Routing.PMUsers = []string{"test1"}
	r.PassMessage(right)

	replay, err := r.Catchup(first.ID)
	req.NoError(err)
	req.Equal([]string{"test3", "test2"}, texts(replay))
}

func TestRegistry_Info(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	r.SetChannelConfig(map[string]domain.ChannelConfigPatch{
		"a": {StoreHistory: lo.ToPtr(true)},
		"b": {},
		"c": {},
	})
	_, _, err := r.Connect(domain.ConnectRequest{
		Username:        "alice",
		Channels:        []string{"a", "b"},
		StatePublicKeys: []string{"status"},
		UserState:       map[string]any{"status": "here"},
	})
	req.NoError(err)
	r.PassMessage(textMessage("a", "system", "hello"))

	info := r.Info(domain.InfoOptions{
		ExcludeChannels:    []string{"c"},
		IncludeConnections: true,
		ReturnPublicState:  true,
	})

	req.Len(info.Channels, 2)
	a := info.Channels["a"]
	req.Equal(1, a.TotalUsers)
	req.Equal(1, a.TotalConnections)
	req.Equal("alice", a.Users[0].User)
	req.Equal(map[string]any{"status": "here"}, a.Users[0].State)
	req.Len(a.Users[0].Connections, 1)
	req.Equal([]string{"hello"}, texts(a.History))
	req.Equal(1, info.UniqueUsers)
	req.Equal(1, info.RememberedUsers)
	req.Equal(1, info.TotalConnections)
	req.Equal(3, info.TotalChannels)
	req.Len(info.Users, 1)

	// Without users and history
	slim := r.Info(domain.InfoOptions{
		Channels:       []string{"a"},
		IncludeUsers:   lo.ToPtr(false),
		IncludeHistory: lo.ToPtr(false),
	})
	req.Len(slim.Channels, 1)
	req.Empty(slim.Channels["a"].Users)
	req.Empty(slim.Channels["a"].History)
}

func TestRegistry_Channel_Accessor(t *testing.T) {
	req := require.New(t)
	r := newTestRegistry()
	r.SetChannelConfig(map[string]domain.ChannelConfigPatch{"a": {LongName: lo.ToPtr("Lobby")}})

	info, ok := r.Channel("a", domain.InfoOptions{})
	req.True(ok)
	req.Equal("Lobby", info.LongName)

	_, ok = r.Channel("missing", domain.InfoOptions{})
	req.False(ok)
}
