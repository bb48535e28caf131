package gateway

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// Upgrader with origin validation. In production (MEW_ENV=production),
// only origins listed in MEW_ALLOWED_ORIGINS are accepted. In
// dev/staging, all origins are allowed.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     buildCheckOrigin(),
}

const (
	pongWait   = 60 * time.Second // Time allowed to read the next pong
	pingPeriod = 30 * time.Second // Send pings at this interval (must be < pongWait)
	writeWait  = 10 * time.Second // Time allowed to write a message
	maxMsgSize = 512 * 1024       // 512KB max frame size
)

// connState tracks the lifecycle of one participant connection.
type connState int32

const (
	stateAuthenticating connState = iota
	stateReady
	stateDraining
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAuthenticating:
		return "authenticating"
	case stateReady:
		return "ready"
	case stateDraining:
		return "draining"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// conn is one live participant connection. All writes to the socket go
// through the send channel and the writePump goroutine; readPump is the
// only reader. Envelopes and stream frames share the channel, dispatched
// by first byte.
type conn struct {
	space      *Space
	id         string // runtime id
	logical    string // configured logical name
	connID     string // per-socket id for logs
	ws         *websocket.Conn
	send       chan []byte
	done       chan struct{}
	writerDone chan struct{} // closed when writePump has exited
	once       sync.Once
	state      atomic.Int32
	reason     string // close reason, set before done is closed
	joined     time.Time
	logger     *slog.Logger
}

func buildCheckOrigin() func(r *http.Request) bool {
	env := os.Getenv("MEW_ENV")
	allowedRaw := os.Getenv("MEW_ALLOWED_ORIGINS")

	if env == "production" && allowedRaw != "" {
		allowed := make(map[string]bool)
		for _, origin := range strings.Split(allowedRaw, ",") {
			allowed[strings.TrimSpace(origin)] = true
		}
		slog.Info("origin allowlist active", "count", len(allowed))
		return func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if allowed[origin] {
				return true
			}
			slog.Info("rejected connection origin", "origin", origin)
			return false
		}
	}

	if env == "production" && allowedRaw == "" {
		slog.Warn("MEW_ALLOWED_ORIGINS not set in production, allowing all origins")
	}
	return func(r *http.Request) bool {
		return true
	}
}

func newConn(space *Space, runtimeID, logical string, ws *websocket.Conn, sendQueue int) *conn {
	c := &conn{
		space:      space,
		id:         runtimeID,
		logical:    logical,
		connID:     uuid.NewString(),
		ws:         ws,
		send:       make(chan []byte, sendQueue),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
		joined:     time.Now().UTC(),
	}
	c.logger = space.logger.With("participant", runtimeID, "conn", c.connID)
	c.state.Store(int32(stateAuthenticating))
	return c
}

func (c *conn) setState(s connState) {
	c.state.Store(int32(s))
}

func (c *conn) currentState() connState {
	return connState(c.state.Load())
}

// enqueue hands a frame to the write pump without blocking. A false
// return means the send queue is full and the peer must be dropped.
func (c *conn) enqueue(msg []byte) bool {
	select {
	case c.send <- msg:
		return true
	case <-c.done:
		return true
	default:
		return false
	}
}

// close shuts the connection down exactly once: mark draining, let the
// write pump flush what it already holds, then send the close frame and
// tear the socket down. Can block for up to the drain window. A
// non-empty reason is delivered in the close frame so the peer can
// distinguish backpressure and displacement from an ordinary hangup.
func (c *conn) close(reason string) {
	c.closeWith(websocket.ClosePolicyViolation, reason)
}

// closeWith is close with an explicit close code. Gateway shutdown uses
// CloseGoingAway so clients treat the drop as the server leaving, not a
// protocol fault.
func (c *conn) closeWith(code int, reason string) {
	c.once.Do(func() {
		c.setState(stateDraining)
		c.reason = reason
		close(c.done)

		// Bounded wait for the write pump's final flush; already closed
		// when close is invoked from the pump's own exit path.
		select {
		case <-c.writerDone:
		case <-time.After(writeWait):
		}

		if reason != "" {
			// WriteControl is safe concurrently with the write pump.
			deadline := time.Now().Add(writeWait)
			msg := websocket.FormatCloseMessage(code, reason)
			c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		}
		c.space.Leave(c)
		c.ws.Close()
		c.setState(stateClosed)
		c.logger.Info("participant disconnected", "reason", c.reason, "state", c.currentState().String())
	})
}

// readPump reads frames from the socket and feeds them to the space.
// This is the only goroutine that calls ReadMessage.
func (c *conn) readPump() {
	defer c.close("")

	c.ws.SetReadLimit(maxMsgSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.logger.Warn("read failed", "error", err)
			}
			return
		}
		if len(data) == 0 {
			continue
		}

		if protocol.IsStreamFrame(data) {
			c.space.RelayFrame(c, data)
			continue
		}
		c.space.AcceptFrom(c, data)
	}
}

// writePump serializes all writes to the socket: queued frames and
// keep-alive pings. This is the only goroutine that calls WriteMessage.
func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		close(c.writerDone)
		c.close("")
	}()

	for {
		select {
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.writeFrame(msg); err != nil {
				c.logger.Warn("write failed", "error", err)
				return
			}

			// Drain queued frames while the socket is hot.
			n := len(c.send)
			for i := 0; i < n; i++ {
				if err := c.writeFrame(<-c.send); err != nil {
					c.logger.Warn("batch write failed", "error", err)
					return
				}
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Warn("ping failed", "error", err)
				return
			}

		case <-c.done:
			c.flushQueued()
			return
		}
	}
}

// flushQueued writes whatever the queue already holds under a single
// deadline, so a draining connection still delivers envelopes accepted
// before the close. A write error abandons the rest.
func (c *conn) flushQueued() {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	for {
		select {
		case msg := <-c.send:
			if c.writeFrame(msg) != nil {
				return
			}
		default:
			return
		}
	}
}

// writeFrame picks the frame type by first byte: stream frames travel as
// binary, envelopes as text.
func (c *conn) writeFrame(msg []byte) error {
	if protocol.IsStreamFrame(msg) {
		return c.ws.WriteMessage(websocket.BinaryMessage, msg)
	}
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}
