package runtime

import (
	"channel-hub/domain"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func newTestRegistry() *Registry {
	return NewRegistry(logs.GetLoggerFromLevel(slog.LevelDebug), 16)
}

// connectPolling connects username to channels and attaches a long-poll
// queue, discarding whatever catch-up it got.
func connectPolling(t *testing.T, r *Registry, username string, channels ...string) *Connection {
	t.Helper()
	conn, _, err := r.Connect(domain.ConnectRequest{Username: username, Channels: channels})
	require.NoError(t, err)
	_, err = r.AttachQueue(conn.ID)
	require.NoError(t, err)
	received(conn)
	return conn
}

// received drains the connection's queue.
func received(conn *Connection) []*domain.Envelope {
	conn.mu.Lock()
	q := conn.queue
	conn.mu.Unlock()
	if q == nil {
		return nil
	}
	return lo.Filter(q.take(), func(e *domain.Envelope, _ int) bool { return e != nil })
}

func ofKind(envs []*domain.Envelope, kind domain.Kind) []*domain.Envelope {
	return lo.Filter(envs, func(e *domain.Envelope, _ int) bool { return e.Kind == kind })
}

func presences(envs []*domain.Envelope, action domain.PresenceAction, username string) int {
	return lo.CountBy(envs, func(e *domain.Envelope) bool {
		p, ok := e.Body.(domain.PresenceBody)
		return ok && p.Action == action && e.User == username
	})
}

func texts(envs []*domain.Envelope) []string {
	return lo.Map(envs, func(e *domain.Envelope, _ int) string {
		body, _ := e.Body.(domain.MessageBody)
		text, _ := body["text"].(string)
		return text
	})
}

func textMessage(channel, user, text string) *domain.Envelope {
	return domain.MessageRequest{
		User:    user,
		Channel: channel,
		Message: map[string]any{"text": text},
	}.Envelope(time.Now())
}

// recordingTransport keeps every frame list it was sent.
type recordingTransport struct {
	mu     sync.Mutex
	frames []json.RawMessage
	closed bool
}

func (t *recordingTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var list []json.RawMessage
	if err := json.Unmarshal(frame, &list); err != nil {
		return err
	}
	t.frames = append(t.frames, list...)
	return nil
}

func (t *recordingTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *recordingTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *recordingTransport) decoded() []map[string]any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return lo.Map(t.frames, func(raw json.RawMessage, _ int) map[string]any {
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		return m
	})
}
