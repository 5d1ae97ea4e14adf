package runtime

import (
	"channel-hub/contract"
	"channel-hub/domain"
	"channel-hub/errors"
	"context"
	"log/slog"
	"sync"
	"time"
)

// staleOffset is how far MarkStale pushes the GC clock into the past. It is
// far beyond any configurable idle window.
const staleOffset = 365 * 24 * time.Hour

// Connection is one client attachment owned by a user. Its delivery path is
// a live transport, a long-poll queue, or nothing yet.
//
// lastActive is the clock read by the GC sweep; seenAt records the last real
// activity and is the catch-up cutoff, so MarkStale never loses it.
type Connection struct {
	ID       string
	Username string

	log        *slog.Logger
	sendBuffer int

	mu         sync.Mutex
	lastActive time.Time
	seenAt     time.Time
	stale      bool
	transport  contract.Transport
	outbox     chan []byte
	done       chan struct{}
	queue      *Queue
}

func NewConnection(log *slog.Logger, id, username string, sendBuffer int, seenAt time.Time) *Connection {
	if sendBuffer <= 0 {
		sendBuffer = 1
	}
	return &Connection{
		ID:         id,
		Username:   username,
		log:        log,
		sendBuffer: sendBuffer,
		lastActive: time.Now(),
		seenAt:     seenAt,
	}
}

func (c *Connection) MarkActivity() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markActivityLocked(time.Now())
}

func (c *Connection) markActivityLocked(now time.Time) {
	c.seenAt = now
	// An explicitly disconnected connection stays collectable until a new
	// delivery path is attached.
	if !c.stale {
		c.lastActive = now
	}
}

// MarkStale forces the connection past any GC threshold.
func (c *Connection) MarkStale() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.markStaleLocked()
}

func (c *Connection) markStaleLocked() {
	c.stale = true
	c.lastActive = time.Now().Add(-staleOffset)
}

func (c *Connection) LastActive() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActive
}

// CatchupCutoff is the instant after which buffered frames are considered
// unseen by this connection.
func (c *Connection) CatchupCutoff() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seenAt
}

func (c *Connection) Stale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stale
}

// Attached reports which delivery path is active.
func (c *Connection) Attached() (transport bool, queue bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.transport != nil, c.queue != nil
}

// Deliver hands env to the active delivery path without blocking. A nil env
// is sent as an empty frame list. Transport failures are absorbed: the
// connection is marked stale and the transport closed.
//
// Queue deliveries do not count as activity: a long-poll client that stopped
// polling must stay collectable.
func (c *Connection) Deliver(env *domain.Envelope) {
	c.mu.Lock()
	var failed contract.Transport
	switch {
	case c.transport != nil:
		frame, err := domain.EncodeFrames(env)
		if err != nil {
			c.log.Error("Unable to encode frame", "conn_id", c.ID, "error", err)
			break
		}
		if !c.enqueueLocked(frame) {
			failed = c.failLocked(errors.ErrOutboxFull)
		}
	case c.queue != nil:
		if env != nil {
			env = env.Clone()
		}
		c.queue.Push(env)
	}
	c.mu.Unlock()

	if failed != nil {
		closeInBackground(c.log, c.ID, failed)
	}
}

// Heartbeat probes the delivery path with an empty frame and reports whether
// the connection is still considered alive.
func (c *Connection) Heartbeat() bool {
	c.mu.Lock()
	var failed contract.Transport
	switch {
	case c.transport != nil:
		if !c.enqueueLocked([]byte("[]")) {
			failed = c.failLocked(errors.ErrOutboxFull)
		}
	case c.queue != nil:
		c.queue.Push(nil)
	}
	alive := !c.stale
	c.mu.Unlock()

	if failed != nil {
		closeInBackground(c.log, c.ID, failed)
	}
	return alive
}

func (c *Connection) enqueueLocked(frame []byte) bool {
	select {
	case c.outbox <- frame:
		return true
	default:
		return false
	}
}

// failLocked drops the transport, marks the connection for GC and returns the
// transport so the caller can close it once the lock is released.
func (c *Connection) failLocked(err error) contract.Transport {
	c.log.Warn("Transport failure, connection marked for GC", "conn_id", c.ID, "user", c.Username, "error", err)
	t := c.dropTransportLocked()
	c.markStaleLocked()
	return t
}

func (c *Connection) dropTransportLocked() contract.Transport {
	t := c.transport
	if t == nil {
		return nil
	}
	close(c.done)
	c.transport = nil
	c.outbox = nil
	c.done = nil
	return t
}

// attachTransport makes t the delivery path, replays catchup first and starts
// the writer goroutine. A previously attached transport is closed.
func (c *Connection) attachTransport(t contract.Transport, catchup []*domain.Envelope) {
	c.mu.Lock()
	previous := c.dropTransportLocked()
	if c.queue != nil {
		c.queue.Close()
		c.queue = nil
	}
	c.stale = false
	c.markActivityLocked(time.Now())

	outbox := make(chan []byte, c.sendBuffer+1)
	done := make(chan struct{})
	c.transport, c.outbox, c.done = t, outbox, done
	if len(catchup) > 0 {
		if frame, err := domain.EncodeFrames(catchup...); err == nil {
			outbox <- frame
		} else {
			c.log.Error("Unable to encode catch-up frames", "conn_id", c.ID, "error", err)
		}
	}
	c.mu.Unlock()

	if previous != nil {
		closeInBackground(c.log, c.ID, previous)
	}
	go c.writeLoop(t, outbox, done)
}

// attachQueue makes the long-poll queue the delivery path, creating it when
// needed, and queues catchup for the next listen. An existing queue is kept
// as is and catchup is dropped.
func (c *Connection) attachQueue(catchup []*domain.Envelope) *Queue {
	c.mu.Lock()
	previous := c.dropTransportLocked()
	reused := c.queue != nil
	if !reused {
		c.queue = NewQueue()
	}
	c.stale = false
	c.markActivityLocked(time.Now())
	// A kept queue already holds every frame delivered since it was attached.
	if !reused && len(catchup) > 0 {
		c.queue.Push(catchup...)
	}
	q := c.queue
	c.mu.Unlock()

	if previous != nil {
		closeInBackground(c.log, c.ID, previous)
	}
	return q
}

// OnTransportClosed is called by the transport adapter when the client went
// away. It is ignored when t is no longer the attached transport.
func (c *Connection) OnTransportClosed(t contract.Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.transport != t {
		return
	}
	c.dropTransportLocked()
	c.markStaleLocked()
}

// Detach closes the transport best-effort and forgets the queue. Used by GC.
func (c *Connection) Detach() {
	c.mu.Lock()
	t := c.dropTransportLocked()
	if c.queue != nil {
		c.queue.Close()
		c.queue = nil
	}
	c.mu.Unlock()

	if t != nil {
		closeInBackground(c.log, c.ID, t)
	}
}

// Listen waits on the long-poll queue for at most wakeAfter, then keeps
// collecting for the drain window.
func (c *Connection) Listen(ctx context.Context, wakeAfter, drain time.Duration) ([]*domain.Envelope, error) {
	c.mu.Lock()
	q := c.queue
	c.mu.Unlock()
	if q == nil {
		return nil, errors.ErrNoDeliveryPath
	}

	c.MarkActivity()
	envs := q.Wait(ctx, wakeAfter, drain)
	c.MarkActivity()
	return envs, nil
}

func (c *Connection) writeLoop(t contract.Transport, outbox <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-outbox:
			if err := t.Send(frame); err != nil {
				c.mu.Lock()
				var failed contract.Transport
				if c.transport == t {
					failed = c.failLocked(err)
				}
				c.mu.Unlock()
				if failed != nil {
					closeInBackground(c.log, c.ID, failed)
				}
				return
			}
			c.MarkActivity()
		}
	}
}

// closeInBackground closes t on its own goroutine. Callers may hold the
// registry lock and a transport close can block on a client that stopped
// reading.
func closeInBackground(log *slog.Logger, connID string, t contract.Transport) {
	go func() {
		if err := t.Close(); err != nil {
			log.Debug("Transport close failed", "conn_id", connID, "error", err)
		}
	}()
}
