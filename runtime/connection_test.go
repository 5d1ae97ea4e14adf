package runtime

import (
	"channel-hub/domain"
	"channel-hub/errors"
	"channel-hub/mocks"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

func newTestConnection(sendBuffer int) *Connection {
	return NewConnection(logs.GetLoggerFromLevel(slog.LevelDebug), "c1", "alice", sendBuffer, time.Now())
}

func TestConnection_Deliver_Detached_Is_Noop(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)

	conn.Deliver(textMessage("room", "system", "hi"))

	req.False(conn.Stale())
	req.True(conn.Heartbeat())
}

func TestConnection_Deliver_Over_Transport(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	transport := mocks.NewMockTransport(ctrl)
	conn := newTestConnection(4)

	sent := make(chan []byte, 2)
	transport.EXPECT().Send(gomock.Any()).DoAndReturn(func(frame []byte) error {
		sent <- frame
		return nil
	}).Times(2)
	transport.EXPECT().Close().Return(nil).AnyTimes()
	conn.attachTransport(transport, nil)
	before := conn.LastActive()

	// When a message and an empty payload are delivered
	conn.Deliver(textMessage("room", "system", "hi"))
	conn.Deliver(nil)

	// Then each is sent as a JSON list
	first := <-sent
	req.Contains(string(first), `"text":"hi"`)
	req.Equal(byte('['), first[0])
	req.Equal("[]", string(<-sent))
	req.Eventually(func() bool { return conn.LastActive().After(before) }, time.Second, 5*time.Millisecond)
	conn.Detach()
}

func TestConnection_Send_Failure_Marks_Stale(t *testing.T) {
	req := require.New(t)
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()
	transport := mocks.NewMockTransport(ctrl)
	conn := newTestConnection(4)

	closed := make(chan struct{})
	transport.EXPECT().Send(gomock.Any()).Return(fmt.Errorf("broken pipe")).Times(1)
	transport.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return fmt.Errorf("already closed")
	}).Times(1)
	conn.attachTransport(transport, nil)

	// When the send fails
	conn.Deliver(textMessage("room", "system", "hi"))

	// Then the failure is absorbed and the connection is left for GC
	select {
	case <-closed:
	case <-time.After(time.Second):
		req.Fail("Transport was not closed")
	}
	req.True(conn.Stale())
	req.True(conn.LastActive().Before(time.Now().Add(-time.Hour)))
	hasTransport, _ := conn.Attached()
	req.False(hasTransport)
	req.False(conn.Heartbeat())
}

// blockingTransport never completes a send until closed.
type blockingTransport struct {
	once    sync.Once
	release chan struct{}
}

func (b *blockingTransport) Send([]byte) error {
	<-b.release
	return errors.ErrTransportClosed
}

func (b *blockingTransport) Close() error {
	b.once.Do(func() { close(b.release) })
	return nil
}

func TestConnection_Full_Outbox_Marks_Stale(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(1)
	transport := &blockingTransport{release: make(chan struct{})}
	conn.attachTransport(transport, nil)

	// When a slow client does not keep up
	for i := 0; i < 5; i++ {
		conn.Deliver(textMessage("room", "system", "hi"))
	}

	// Then the caller was never blocked and the connection is dropped
	req.True(conn.Stale())
	req.Eventually(func() bool {
		select {
		case <-transport.release:
			return true
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond)
}

// stuckTransport blocks in Send and Close until released, like a socket
// whose client stopped reading.
type stuckTransport struct {
	release chan struct{}
}

func (s *stuckTransport) Send([]byte) error {
	<-s.release
	return errors.ErrTransportClosed
}

func (s *stuckTransport) Close() error {
	<-s.release
	return nil
}

func TestConnection_Stuck_Transport_Never_Blocks_Callers(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(1)
	transport := &stuckTransport{release: make(chan struct{})}
	defer close(transport.release)
	conn.attachTransport(transport, nil)

	// When deliveries overflow a transport that cannot even be closed
	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			conn.Deliver(textMessage("room", "system", "hi"))
		}
		conn.Heartbeat()
		conn.Detach()
		close(done)
	}()

	// Then every caller returns and the connection is left for GC
	select {
	case <-done:
	case <-time.After(time.Second):
		req.Fail("Delivery blocked on a stuck transport")
	}
	req.True(conn.Stale())
}

func TestConnection_Queue_Path(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)
	conn.attachQueue(nil)

	conn.Deliver(textMessage("room", "system", "m1"))
	conn.Deliver(textMessage("room", "system", "m2"))

	envs, err := conn.Listen(context.Background(), time.Second, 0)
	req.NoError(err)
	req.Equal([]string{"m1", "m2"}, texts(envs))
}

func TestConnection_Listen_Without_Queue(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)

	_, err := conn.Listen(context.Background(), 10*time.Millisecond, 0)

	req.ErrorIs(err, errors.ErrNoDeliveryPath)
}

func TestConnection_Listen_Times_Out(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)
	conn.attachQueue(nil)

	start := time.Now()
	envs, err := conn.Listen(context.Background(), 30*time.Millisecond, 0)

	req.NoError(err)
	req.Empty(envs)
	req.GreaterOrEqual(time.Since(start), 30*time.Millisecond)
}

func TestConnection_Listen_Drains_Batch(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)
	conn.attachQueue(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.Deliver(textMessage("room", "system", "m1"))
		time.Sleep(10 * time.Millisecond)
		conn.Deliver(textMessage("room", "system", "m2"))
	}()

	envs, err := conn.Listen(context.Background(), time.Second, 200*time.Millisecond)

	req.NoError(err)
	req.Equal([]string{"m1", "m2"}, texts(envs))
}

func TestConnection_Heartbeat_Wakes_Listener(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)
	conn.attachQueue(nil)

	go func() {
		time.Sleep(10 * time.Millisecond)
		conn.Heartbeat()
	}()

	start := time.Now()
	envs, err := conn.Listen(context.Background(), 5*time.Second, 0)

	req.NoError(err)
	req.Empty(envs)
	req.Less(time.Since(start), 5*time.Second)
}

func TestConnection_MarkStale_Keeps_Catchup_Cutoff(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)
	conn.MarkActivity()
	seen := conn.CatchupCutoff()

	conn.MarkStale()
	conn.MarkActivity()

	// Activity after an explicit disconnect does not revive the connection
	req.True(conn.LastActive().Before(time.Now().Add(-time.Hour)))
	req.False(conn.CatchupCutoff().Before(seen))

	// Attaching a delivery path does
	conn.attachQueue([]*domain.Envelope{textMessage("room", "system", "replay")})
	req.False(conn.Stale())
	req.Equal([]string{"replay"}, texts(received(conn)))
}

func TestConnection_OnTransportClosed_Ignores_Old_Transport(t *testing.T) {
	req := require.New(t)
	conn := newTestConnection(4)
	old := &recordingTransport{}
	current := &recordingTransport{}
	conn.attachTransport(old, nil)
	conn.attachTransport(current, nil)

	conn.OnTransportClosed(old)
	req.False(conn.Stale())
	req.Eventually(old.isClosed, time.Second, 5*time.Millisecond)

	conn.OnTransportClosed(current)
	req.True(conn.Stale())
}
