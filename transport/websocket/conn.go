// Package websocket adapts a gorilla WebSocket connection to
// contract.Transport.
package websocket

import (
	"channel-hub/errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	gows "github.com/gorilla/websocket"
)

const (
	defaultPing = "channel-hub"
	// controlWait bounds ping, pong and close frames.
	controlWait = time.Second
)

// Conn is safe for concurrent Send and Close. Reads happen only in
// ReadLoop. Data frames are serialised by sendMu; control frames and Close
// go straight to gorilla, which allows them next to a blocked writer.
type Conn struct {
	log     *slog.Logger
	conn    *gows.Conn
	timeout time.Duration
	ticker  *time.Ticker
	// consecutive timeouts without any message from the client
	timeouts atomic.Uint32
	sendMu   sync.Mutex
	active   atomic.Bool
	stop     chan struct{}
}

// NewUpgrader builds the upgrader used by the ws endpoint. Origin checks
// are left to the reverse proxy when allowAnyOrigin is set.
func NewUpgrader(readBuffer, writeBuffer int, allowAnyOrigin bool) gows.Upgrader {
	u := gows.Upgrader{ReadBufferSize: readBuffer, WriteBufferSize: writeBuffer}
	if allowAnyOrigin {
		u.CheckOrigin = func(*http.Request) bool { return true }
	}
	return u
}

// Upgrade switches the HTTP request to a WebSocket connection. The client
// is pinged after timeout without traffic and dropped after a second one.
// A data frame the client does not take within timeout fails the send.
func Upgrade(log *slog.Logger, upgrader gows.Upgrader, timeout time.Duration, w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	c := &Conn{
		log:     log,
		conn:    ws,
		timeout: timeout,
		ticker:  time.NewTicker(timeout),
		stop:    make(chan struct{}),
	}
	c.active.Store(true)
	ws.SetPingHandler(c.ping)
	ws.SetPongHandler(c.pong)
	go c.detectTimeout()
	return c, nil
}

func (c *Conn) Send(frame []byte) error {
	return c.send(gows.TextMessage, frame)
}

func (c *Conn) Close() error {
	return c.shutdown(gows.CloseNormalClosure, "")
}

// Reject tells the client why it is refused and closes the connection.
func (c *Conn) Reject(reason string) {
	_ = c.shutdown(gows.ClosePolicyViolation, reason)
}

// shutdown never waits on sendMu: a writer stuck on a client that stopped
// reading is released by closing the socket under it.
func (c *Conn) shutdown(code int, reason string) error {
	if !c.active.CompareAndSwap(true, false) {
		return nil
	}
	_ = c.conn.WriteControl(gows.CloseMessage, gows.FormatCloseMessage(code, reason), time.Now().Add(controlWait))
	err := c.conn.Close()
	c.ticker.Stop()
	close(c.stop)
	return err
}

// ReadLoop blocks until the client goes away. Every message received from
// the client counts as activity.
func (c *Conn) ReadLoop(onActivity func()) {
	defer func() { _ = c.Close() }()
	for c.active.Load() {
		typ, _, err := c.conn.ReadMessage()
		if err != nil {
			if gows.IsUnexpectedCloseError(err, gows.CloseNormalClosure, gows.CloseGoingAway) {
				c.log.Warn("WebSocket read failed", "error", err)
			}
			return
		}
		c.resetTimeout()
		if typ == gows.CloseMessage {
			return
		}
		onActivity()
	}
}

func (c *Conn) send(messageType int, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.active.Load() {
		return errors.ErrTransportClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
		return err
	}
	return c.conn.WriteMessage(messageType, data)
}

func (c *Conn) control(messageType int, data []byte) error {
	if !c.active.Load() {
		return errors.ErrTransportClosed
	}
	return c.conn.WriteControl(messageType, data, time.Now().Add(controlWait))
}

func (c *Conn) resetTimeout() {
	c.timeouts.Store(0)
	c.ticker.Reset(c.timeout)
}

func (c *Conn) ping(appData string) error {
	c.resetTimeout()
	return c.control(gows.PongMessage, []byte(appData))
}

func (c *Conn) pong(string) error {
	c.resetTimeout()
	return nil
}

func (c *Conn) detectTimeout() {
	for {
		select {
		case <-c.stop:
			return
		case <-c.ticker.C:
			if c.timeouts.CompareAndSwap(0, 1) {
				if err := c.control(gows.PingMessage, []byte(defaultPing)); err != nil {
					c.log.Warn("Unable to ping on timeout", "error", err)
					_ = c.Close()
					return
				}
				continue
			}
			_ = c.Close()
			return
		}
	}
}
