// Package client is the participant-side MEW runtime: it maintains a
// gateway session over WebSocket, stamps and sends envelopes, correlates
// request/response pairs, tracks proposals, and reconnects with backoff
// when the transport drops. One Client is one participant in one space.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mewlab/mew-go/pkg/capability"
	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// TUNABLES
// ============================================================================

const (
	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second
	pongWait         = 60 * time.Second
	pingPeriod       = 30 * time.Second
	maxMessageSize   = 512 * 1024

	sendQueueSize         = 256
	defaultRequestTimeout = 30 * time.Second

	backoffInitial = 1 * time.Second
	backoffMax     = 30 * time.Second
	backoffFactor  = 2.0
	jitterFraction = 0.2
)

// ============================================================================
// STATE
// ============================================================================

// State is the connection lifecycle of a Client.
type State int32

const (
	// StateConnecting covers the first dial until the first welcome.
	StateConnecting State = iota
	// StateReady means a session is live and the welcome has been seen.
	StateReady
	// StateReconnecting means the session dropped and redial is underway.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ============================================================================
// CONFIG
// ============================================================================

// Config describes one participant session.
type Config struct {
	// Gateway is the base URL, e.g. "ws://localhost:8080" or
	// "http://gateway:8080". The /ws path and space query are derived.
	Gateway string
	// Space to join.
	Space string
	// Token authenticating this participant to the space.
	Token string
	// RequestTimeout bounds Request round trips. Defaults to 30s.
	RequestTimeout time.Duration
	// HistoryLimit, when positive, makes the client fetch that many
	// backlog envelopes over HTTP at each session start and publish them
	// as an EventHistory notification.
	HistoryLimit int
	// Logger defaults to slog.Default.
	Logger *slog.Logger
}

// ============================================================================
// CLIENT
// ============================================================================

// Client is a live participant connection. Methods are safe for concurrent
// use.
type Client struct {
	cfg     Config
	wsURL   string
	httpURL string
	logger  *slog.Logger

	state atomic.Int32
	out   chan []byte
	done  chan struct{}
	once  sync.Once
	wg    sync.WaitGroup

	events    *dispatcher
	pending   *pendingTable
	proposals *ProposalTracker

	mu         sync.Mutex
	ws         *websocket.Conn
	self       string
	welcome    *protocol.WelcomePayload
	paused     bool
	pauseTimer *time.Timer

	streamMu    sync.Mutex
	streamWaits map[string]chan *protocol.Envelope

	innerID   atomic.Int64
	started   time.Time
	readyCh   chan struct{}
	readyOnce sync.Once
}

// Dial connects to the gateway, joins the space, and blocks until the
// first system/welcome arrives or ctx expires. The returned client keeps
// the session alive in the background, redialing with capped exponential
// backoff after transport loss.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.Gateway == "" {
		return nil, errors.New("client: gateway URL required")
	}
	if cfg.Space == "" {
		return nil, errors.New("client: space name required")
	}
	if cfg.Token == "" {
		return nil, errors.New("client: token required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	wsURL, httpURL, err := deriveEndpoints(cfg.Gateway, cfg.Space)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:         cfg,
		wsURL:       wsURL,
		httpURL:     httpURL,
		logger:      cfg.Logger.With("space", cfg.Space),
		out:         make(chan []byte, sendQueueSize),
		done:        make(chan struct{}),
		events:      newDispatcher(cfg.Logger),
		pending:     newPendingTable(),
		proposals:   newProposalTracker(),
		streamWaits: make(map[string]chan *protocol.Envelope),
		started:     time.Now(),
		readyCh:     make(chan struct{}),
	}
	c.state.Store(int32(StateConnecting))

	conn, err := c.dial(ctx)
	if err != nil {
		c.events.close()
		return nil, err
	}

	c.wg.Add(1)
	go c.run(conn)

	select {
	case <-c.readyCh:
		return c, nil
	case <-ctx.Done():
		c.Close()
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// deriveEndpoints splits the configured base URL into the WebSocket attach
// URL and the HTTP base for REST calls. A path prefix on the base URL is
// preserved.
func deriveEndpoints(gateway, space string) (wsURL, httpURL string, err error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return "", "", fmt.Errorf("client: parse gateway URL: %w", err)
	}
	httpScheme, wsScheme := "http", "ws"
	switch u.Scheme {
	case "http", "ws":
	case "https", "wss":
		httpScheme, wsScheme = "https", "wss"
	case "":
		return "", "", fmt.Errorf("client: gateway URL %q has no scheme", gateway)
	default:
		return "", "", fmt.Errorf("client: unsupported gateway scheme %q", u.Scheme)
	}
	prefix := strings.TrimSuffix(u.Path, "/")
	ws := url.URL{
		Scheme:   wsScheme,
		Host:     u.Host,
		Path:     prefix + "/ws",
		RawQuery: url.Values{"space": {space}}.Encode(),
	}
	httpBase := url.URL{Scheme: httpScheme, Host: u.Host, Path: prefix}
	return ws.String(), httpBase.String(), nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)

	conn, resp, err := dialer.DialContext(ctx, c.wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("client: dial %s: %w (status %d)", c.wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("client: dial %s: %w", c.wsURL, err)
	}
	return conn, nil
}

// ============================================================================
// SESSION LOOP
// ============================================================================

// run owns the connection for the client's whole life: one session at a
// time, redial with backoff in between. The first session's conn comes
// from Dial.
func (c *Client) run(conn *websocket.Conn) {
	defer c.wg.Done()

	backoff := backoffInitial
	for {
		if conn == nil {
			select {
			case <-c.done:
				return
			case <-time.After(jitter(backoff)):
			}

			dialCtx, cancel := context.WithTimeout(context.Background(), handshakeTimeout)
			next, err := c.dial(dialCtx)
			cancel()
			if err != nil {
				c.logger.Warn("reconnect failed", "backoff", backoff, "error", err)
				backoff = nextBackoff(backoff)
				continue
			}
			conn = next
			c.logger.Info("reconnected")
			c.events.publish(Notification{Event: EventReconnected})
			c.reissuePending()
		}

		if c.cfg.HistoryLimit > 0 {
			go c.fetchBacklog()
		}

		// A session starting counts as success; reset the schedule.
		backoff = backoffInitial
		c.session(conn)
		conn = nil

		if c.closed() {
			return
		}
		c.setState(StateReconnecting)
		c.events.publish(Notification{Event: EventDisconnected})
	}
}

// session runs one socket to completion: a writer goroutine plus the read
// loop on this goroutine. Returns when the socket dies.
func (c *Client) session(conn *websocket.Conn) {
	c.mu.Lock()
	c.ws = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.ws == conn {
			c.ws = nil
		}
		c.mu.Unlock()
		conn.Close()
	}()

	writerStop := make(chan struct{})
	writerExited := make(chan struct{})
	go func() {
		defer close(writerExited)
		c.writeLoop(conn, writerStop)
	}()

	err := c.readLoop(conn)
	close(writerStop)
	<-writerExited

	if err != nil && !c.closed() {
		c.logger.Warn("session ended", "error", err)
	}
}

func (c *Client) writeLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.out:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := writeFrame(conn, msg); err != nil {
				return
			}
			// Flush whatever queued up behind it.
			for i := len(c.out); i > 0; i-- {
				select {
				case more := <-c.out:
					if err := writeFrame(conn, more); err != nil {
						return
					}
				default:
				}
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-stop:
			return

		case <-c.done:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// writeFrame picks the WebSocket message type from the payload shape:
// stream frames go out binary, envelopes as text.
func writeFrame(conn *websocket.Conn, msg []byte) error {
	if protocol.IsStreamFrame(msg) {
		return conn.WriteMessage(websocket.BinaryMessage, msg)
	}
	return conn.WriteMessage(websocket.TextMessage, msg)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if len(data) == 0 {
			continue
		}
		if protocol.IsStreamFrame(data) {
			c.handleStreamFrame(data)
			continue
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			c.logger.Warn("dropping malformed envelope", "error", err)
			continue
		}
		c.handle(&env)
	}
}

// ============================================================================
// INBOUND DISPATCH
// ============================================================================

func (c *Client) handle(env *protocol.Envelope) {
	c.events.publish(Notification{Event: EventMessage, Envelope: env})

	switch env.Kind {
	case protocol.KindSystemWelcome:
		c.handleWelcome(env)
	case protocol.KindSystemPresence:
		c.handlePresence(env)
	case protocol.KindSystemError:
		c.handleGatewayError(env)
	case protocol.KindMCPResponse:
		if len(env.CorrelationID) > 0 {
			c.pending.resolve(env.CorrelationID[0], env)
		}
	case protocol.KindMCPProposal:
		c.proposals.observe(env)
		c.events.publish(Notification{Event: EventProposal, Envelope: env})
	case protocol.KindMCPRequest, protocol.KindMCPWithdraw, protocol.KindMCPReject:
		c.proposals.observe(env)
	case protocol.KindChat:
		c.events.publish(Notification{Event: EventChat, Envelope: env})
	case protocol.KindCapabilityGrant:
		c.handleGrant(env)
	case protocol.KindParticipantPause:
		c.handlePause(env)
	case protocol.KindParticipantResume:
		if env.AddressedTo(c.SelfID()) {
			c.resume()
		}
	case protocol.KindParticipantRequestStatus:
		c.handleStatusRequest(env)
	case protocol.KindSpaceKick:
		c.handleKick(env)
	case protocol.KindStreamOpen:
		c.handleStreamOpen(env)
	}
}

func (c *Client) handleStreamFrame(frame []byte) {
	id, payload, err := protocol.ParseStreamFrame(frame)
	if err != nil {
		c.logger.Debug("dropping malformed stream frame", "error", err)
		return
	}
	c.events.publish(Notification{Event: EventStreamFrame, StreamID: id, Data: payload})
}

func (c *Client) handleWelcome(env *protocol.Envelope) {
	var wp protocol.WelcomePayload
	if err := env.DecodePayload(&wp); err != nil {
		c.logger.Warn("malformed welcome", "error", err)
		return
	}

	c.mu.Lock()
	c.self = wp.You.ID
	c.welcome = &wp
	c.mu.Unlock()

	c.setState(StateReady)
	c.readyOnce.Do(func() { close(c.readyCh) })
	c.events.publish(Notification{Event: EventWelcome, Envelope: env})
}

func (c *Client) handlePresence(env *protocol.Envelope) {
	var pp protocol.PresencePayload
	if err := env.DecodePayload(&pp); err != nil {
		c.logger.Warn("malformed presence", "error", err)
		return
	}

	if pp.Event == protocol.PresenceLeave {
		c.pending.rejectByTarget(pp.Participant.ID, ErrPeerDisconnected)
	}

	// Keep the roster current between welcome refreshes.
	c.mu.Lock()
	if c.welcome != nil {
		switch pp.Event {
		case protocol.PresenceJoin:
			found := false
			for i, p := range c.welcome.Participants {
				if p.ID == pp.Participant.ID {
					c.welcome.Participants[i] = pp.Participant
					found = true
					break
				}
			}
			if !found {
				c.welcome.Participants = append(c.welcome.Participants, pp.Participant)
			}
		case protocol.PresenceLeave:
			for i, p := range c.welcome.Participants {
				if p.ID == pp.Participant.ID {
					c.welcome.Participants = append(c.welcome.Participants[:i], c.welcome.Participants[i+1:]...)
					break
				}
			}
		}
	}
	c.mu.Unlock()

	c.events.publish(Notification{Event: EventPresence, Envelope: env})
}

func (c *Client) handleGatewayError(env *protocol.Envelope) {
	var ep protocol.ErrorPayload
	if err := env.DecodePayload(&ep); err != nil {
		c.logger.Warn("malformed system/error", "error", err)
		return
	}
	c.logger.Warn("gateway rejected envelope",
		"code", ep.Error,
		"message", ep.Message,
		"attempted_kind", ep.AttemptedKind)
	c.events.publish(Notification{
		Event:    EventError,
		Envelope: env,
		Err:      &protocol.WireError{Code: ep.Error, Message: ep.Message},
	})
}

// handleGrant acknowledges grants addressed to us. The refreshed welcome
// carrying the new capability set arrives separately.
func (c *Client) handleGrant(env *protocol.Envelope) {
	if !env.AddressedTo(c.SelfID()) {
		return
	}
	ack, err := protocol.New(protocol.KindCapabilityGrantAck, protocol.GrantAckPayload{Status: protocol.GrantAccepted})
	if err != nil {
		return
	}
	ack.To = []string{env.From}
	ack.CorrelationID = []string{env.ID}
	if err := c.send(ack, false); err != nil {
		c.logger.Warn("could not acknowledge grant", "error", err)
	}
}

func (c *Client) handlePause(env *protocol.Envelope) {
	if !env.AddressedTo(c.SelfID()) {
		return
	}
	var pp protocol.PausePayload
	_ = env.DecodePayload(&pp)

	c.mu.Lock()
	c.paused = true
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
	if pp.TimeoutSeconds > 0 {
		c.pauseTimer = time.AfterFunc(time.Duration(pp.TimeoutSeconds)*time.Second, c.resume)
	}
	c.mu.Unlock()

	c.logger.Info("paused", "by", env.From, "timeout_seconds", pp.TimeoutSeconds)
}

func (c *Client) resume() {
	c.mu.Lock()
	c.paused = false
	if c.pauseTimer != nil {
		c.pauseTimer.Stop()
		c.pauseTimer = nil
	}
	c.mu.Unlock()
}

// handleStatusRequest answers directed status probes, and broadcast probes
// addressed to nobody in particular.
func (c *Client) handleStatusRequest(env *protocol.Envelope) {
	if env.Addressed() && !env.AddressedTo(c.SelfID()) {
		return
	}
	state := "active"
	if c.isPaused() {
		state = "paused"
	}
	status, err := protocol.New(protocol.KindParticipantStatus, protocol.StatusPayload{
		State:           state,
		UptimeSeconds:   int64(time.Since(c.started).Seconds()),
		PendingRequests: c.pending.size(),
	})
	if err != nil {
		return
	}
	status.To = []string{env.From}
	status.CorrelationID = []string{env.ID}
	_ = c.send(status, false)
}

func (c *Client) handleKick(env *protocol.Envelope) {
	if !env.AddressedTo(c.SelfID()) {
		return
	}
	var kp protocol.KickPayload
	_ = env.DecodePayload(&kp)
	c.logger.Info("kicked from space", "by", env.From, "reason", kp.Reason)
	c.Close()
}

func (c *Client) handleStreamOpen(env *protocol.Envelope) {
	if len(env.CorrelationID) == 0 {
		return
	}
	c.streamMu.Lock()
	ch, ok := c.streamWaits[env.CorrelationID[0]]
	if ok {
		delete(c.streamWaits, env.CorrelationID[0])
	}
	c.streamMu.Unlock()
	if ok {
		ch <- env
	}
}

// ============================================================================
// OUTBOUND
// ============================================================================

// Send stamps env with our identity and queues it for transmission.
// Returns ErrPaused while the participant is paused.
func (c *Client) Send(env *protocol.Envelope) error {
	return c.send(env, true)
}

// send is the single outbound path. Protocol housekeeping (acks, status,
// cancellations) passes gated=false so a pause cannot wedge it.
func (c *Client) send(env *protocol.Envelope, gated bool) error {
	if c.closed() {
		return ErrClosed
	}
	if gated && c.isPaused() {
		return ErrPaused
	}
	env.Stamp(c.SelfID())
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("client: marshal envelope: %w", err)
	}
	return c.enqueue(raw)
}

func (c *Client) enqueue(raw []byte) error {
	select {
	case c.out <- raw:
		return nil
	case <-c.done:
		return ErrClosed
	default:
		return ErrSendQueueFull
	}
}

// reissuePending resends requests that survived the outage and fails the
// ones whose deadlines lapsed while we were gone.
func (c *Client) reissuePending() {
	live, expired := c.pending.split(time.Now())
	for _, p := range expired {
		p.finish(requestOutcome{err: ErrRequestTimeout})
	}
	for _, raw := range live {
		if err := c.enqueue(raw); err != nil {
			c.logger.Warn("could not reissue pending request", "error", err)
		}
	}
	if len(live) > 0 || len(expired) > 0 {
		c.logger.Info("reconciled pending requests", "reissued", len(live), "expired", len(expired))
	}
}

func (c *Client) fetchBacklog() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	backlog, err := c.FetchHistory(ctx, c.cfg.HistoryLimit)
	if err != nil {
		c.logger.Warn("history fetch failed", "error", err)
		return
	}
	c.events.publish(Notification{Event: EventHistory, History: backlog})
}

// ============================================================================
// LIFECYCLE AND ACCESSORS
// ============================================================================

// Close tears the session down and fails all pending requests. Safe to
// call more than once.
func (c *Client) Close() error {
	c.once.Do(func() {
		c.state.Store(int32(StateClosed))
		close(c.done)

		c.mu.Lock()
		ws := c.ws
		if c.pauseTimer != nil {
			c.pauseTimer.Stop()
			c.pauseTimer = nil
		}
		c.mu.Unlock()

		if ws != nil {
			deadline := time.Now().Add(writeWait)
			ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "client closing"), deadline)
			ws.Close()
		}

		c.pending.rejectAll(ErrClosed)
		c.events.close()
		c.logger.Info("client closed")
	})
	return nil
}

// State reports the connection lifecycle phase.
func (c *Client) State() State {
	return State(c.state.Load())
}

// setState never leaves StateClosed.
func (c *Client) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// SelfID is the runtime id the gateway assigned in the welcome. Empty
// before the first welcome.
func (c *Client) SelfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self
}

// Paused reports whether an authority has paused this participant.
func (c *Client) Paused() bool {
	return c.isPaused()
}

func (c *Client) isPaused() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paused
}

// Capabilities is our effective capability set from the latest welcome.
func (c *Client) Capabilities() []capability.Pattern {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return nil
	}
	out := make([]capability.Pattern, len(c.welcome.You.Capabilities))
	copy(out, c.welcome.You.Capabilities)
	return out
}

// Participants is the current roster of peers, from the latest welcome
// plus presence updates since.
func (c *Client) Participants() []protocol.ParticipantInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return nil
	}
	out := make([]protocol.ParticipantInfo, len(c.welcome.Participants))
	copy(out, c.welcome.Participants)
	return out
}

// ActiveStreams is the raw active stream snapshot from the latest welcome.
func (c *Client) ActiveStreams() []json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.welcome == nil {
		return nil
	}
	out := make([]json.RawMessage, len(c.welcome.ActiveStreams))
	copy(out, c.welcome.ActiveStreams)
	return out
}

// Proposals exposes the proposal tracker.
func (c *Client) Proposals() *ProposalTracker {
	return c.proposals
}

// ============================================================================
// BACKOFF
// ============================================================================

func nextBackoff(cur time.Duration) time.Duration {
	next := time.Duration(float64(cur) * backoffFactor)
	if next > backoffMax {
		return backoffMax
	}
	return next
}

// jitter spreads wakeups by +-20% so a herd of clients does not redial in
// lockstep.
func jitter(d time.Duration) time.Duration {
	delta := jitterFraction * float64(d)
	min := float64(d) - delta
	return time.Duration(min + rand.Float64()*2*delta)
}
