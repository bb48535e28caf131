package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewlab/mew-go/internal/config"
	"github.com/mewlab/mew-go/pkg/capability"
	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// FIXTURE
// ============================================================================

// testConfig declares one dev space with the participant cast the
// integration tests share: two privileged operators, a worker that can
// answer and stream, a proposal-only agent that can also delegate
// grants, and a chat-only bystander.
func testConfig() *config.Config {
	return &config.Config{
		Listen: "127.0.0.1:0",
		Spaces: []config.SpaceConfig{{
			Name: "dev",
			Participants: []config.ParticipantConfig{
				{ID: "human", Token: "human-token", Capabilities: []capability.Pattern{
					{"kind": "*"},
				}},
				{ID: "admin", Token: "admin-token", Capabilities: []capability.Pattern{
					{"kind": "*"},
				}},
				{ID: "worker", Token: "worker-token", Capabilities: []capability.Pattern{
					{"kind": "mcp/response"},
					{"kind": "chat"},
					{"kind": "stream/*"},
				}},
				{ID: "untrusted", Token: "untrusted-token", Capabilities: []capability.Pattern{
					{"kind": "mcp/proposal"},
					{"kind": "mcp/withdraw"},
					{"kind": "chat"},
					{"kind": "capability/grant"},
				}},
				{ID: "bob", Token: "bob-token", Capabilities: []capability.Pattern{
					{"kind": "chat"},
				}},
			},
		}},
		Limits:  config.LimitsConfig{SendQueue: 64, MaxStreams: 2, MaxPending: 32, MaxCapabilities: 16},
		History: config.HistoryConfig{Depth: 50},
		Inject:  config.InjectConfig{RatePerMinute: 600},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// serveGateway spins a gateway over httptest. Metrics stay nil so
// repeated gateways in one test binary do not fight over the default
// Prometheus registry.
func serveGateway(t *testing.T, cfg *config.Config) (*Gateway, *httptest.Server) {
	t.Helper()
	g := New(cfg, nil, nil, discardLogger())
	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)
	return g, srv
}

var envSeq atomic.Int64

// envelope builds a marshalled participant envelope with a unique id so
// tests can follow correlation back to it.
func envelope(t *testing.T, from, kind string, to []string, payload interface{}) []byte {
	return correlatedEnvelope(t, from, kind, to, nil, payload)
}

func correlatedEnvelope(t *testing.T, from, kind string, to, correlation []string, payload interface{}) []byte {
	t.Helper()
	env, err := protocol.New(kind, payload)
	require.NoError(t, err)
	env.ID = fmt.Sprintf("env-%d", envSeq.Add(1))
	env.From = from
	env.To = to
	env.CorrelationID = correlation
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	return raw
}

func envelopeID(raw []byte) string {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ""
	}
	return env.ID
}

// ============================================================================
// WEBSOCKET PARTICIPANT HARNESS
// ============================================================================

// wsParticipant is one live test connection: a reader goroutine sorts
// incoming text frames into envs and binary frames into frames, and the
// terminal read error lands in errs.
type wsParticipant struct {
	t      *testing.T
	id     string
	conn   *websocket.Conn
	mu     sync.Mutex
	envs   chan *protocol.Envelope
	frames chan []byte
	errs   chan error
}

func join(t *testing.T, srv *httptest.Server, space, token, id string) *wsParticipant {
	t.Helper()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?space=" + space
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err, "dial as %s", id)
	if resp != nil {
		resp.Body.Close()
	}

	p := &wsParticipant{
		t:      t,
		id:     id,
		conn:   conn,
		envs:   make(chan *protocol.Envelope, 64),
		frames: make(chan []byte, 16),
		errs:   make(chan error, 1),
	}
	go p.readLoop()
	t.Cleanup(p.close)
	return p
}

func (p *wsParticipant) readLoop() {
	for {
		mt, data, err := p.conn.ReadMessage()
		if err != nil {
			p.errs <- err
			close(p.envs)
			return
		}
		if mt == websocket.BinaryMessage {
			p.frames <- data
			continue
		}
		var env protocol.Envelope
		if json.Unmarshal(data, &env) == nil {
			p.envs <- &env
		}
	}
}

func (p *wsParticipant) close() {
	p.conn.Close()
}

func (p *wsParticipant) send(raw []byte) {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, raw))
}

func (p *wsParticipant) sendFrame(frame []byte) {
	p.t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	require.NoError(p.t, p.conn.WriteMessage(websocket.BinaryMessage, frame))
}

// next returns the next envelope of the given kind, skipping unrelated
// chatter such as presence updates from other joins.
func (p *wsParticipant) next(kind string) *protocol.Envelope {
	p.t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case env, ok := <-p.envs:
			if !ok {
				p.t.Fatalf("%s: connection closed while waiting for %s", p.id, kind)
				return nil
			}
			if env.Kind != kind {
				continue
			}
			return env
		case <-deadline:
			p.t.Fatalf("%s: timed out waiting for %s", p.id, kind)
			return nil
		}
	}
}

// nextAny returns the next envelope regardless of kind, for tests that
// assert strict per-connection ordering.
func (p *wsParticipant) nextAny() *protocol.Envelope {
	p.t.Helper()
	select {
	case env, ok := <-p.envs:
		if !ok {
			p.t.Fatalf("%s: connection closed while waiting for an envelope", p.id)
			return nil
		}
		return env
	case <-time.After(3 * time.Second):
		p.t.Fatalf("%s: timed out waiting for an envelope", p.id)
		return nil
	}
}

// expectNone fails if an envelope of the given kind arrives within the
// window.
func (p *wsParticipant) expectNone(kind string, window time.Duration) {
	p.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env, ok := <-p.envs:
			if !ok {
				return
			}
			if env.Kind == kind {
				p.t.Fatalf("%s: unexpected %s envelope %s", p.id, kind, env.ID)
			}
		case <-deadline:
			return
		}
	}
}

func (p *wsParticipant) nextFrame() []byte {
	p.t.Helper()
	select {
	case frame := <-p.frames:
		return frame
	case <-time.After(3 * time.Second):
		p.t.Fatalf("%s: timed out waiting for a stream frame", p.id)
		return nil
	}
}

func (p *wsParticipant) expectNoFrame(window time.Duration) {
	p.t.Helper()
	select {
	case frame := <-p.frames:
		p.t.Fatalf("%s: unexpected stream frame %q", p.id, frame)
	case <-time.After(window):
	}
}

func decodeWelcome(t *testing.T, env *protocol.Envelope) protocol.WelcomePayload {
	t.Helper()
	var wp protocol.WelcomePayload
	require.NoError(t, env.DecodePayload(&wp))
	return wp
}

func decodeError(t *testing.T, env *protocol.Envelope) protocol.ErrorPayload {
	t.Helper()
	var ep protocol.ErrorPayload
	require.NoError(t, env.DecodePayload(&ep))
	return ep
}

// ============================================================================
// CONNECTION LIFECYCLE
// ============================================================================

func TestWelcomeIsFirstFrame(t *testing.T) {
	_, srv := serveGateway(t, testConfig())

	human := join(t, srv, "dev", "human-token", "human")

	// Step 1: the very first frame on a new connection is the welcome.
	first := human.nextAny()
	require.Equal(t, protocol.KindSystemWelcome, first.Kind)
	assert.Equal(t, protocol.GatewayID, first.From)
	assert.Equal(t, []string{"human"}, first.To)

	wp := decodeWelcome(t, first)
	assert.Equal(t, "human", wp.You.ID)
	assert.Contains(t, wp.You.Capabilities, capability.Pattern{"kind": "*"})
	assert.Empty(t, wp.Participants)
	assert.Empty(t, wp.ActiveStreams)

	// Step 2: a second join shows up as presence for the first and as a
	// roster entry in the newcomer's welcome.
	admin := join(t, srv, "dev", "admin-token", "admin")

	presence := human.next(protocol.KindSystemPresence)
	var pp protocol.PresencePayload
	require.NoError(t, presence.DecodePayload(&pp))
	assert.Equal(t, protocol.PresenceJoin, pp.Event)
	assert.Equal(t, "admin", pp.Participant.ID)

	adminWelcome := decodeWelcome(t, admin.next(protocol.KindSystemWelcome))
	require.Len(t, adminWelcome.Participants, 1)
	assert.Equal(t, "human", adminWelcome.Participants[0].ID)
}

func TestPresenceLeaveOnDisconnect(t *testing.T) {
	_, srv := serveGateway(t, testConfig())

	bob := join(t, srv, "dev", "bob-token", "bob")
	human := join(t, srv, "dev", "human-token", "human")

	joined := bob.next(protocol.KindSystemPresence)
	var pp protocol.PresencePayload
	require.NoError(t, joined.DecodePayload(&pp))
	require.Equal(t, protocol.PresenceJoin, pp.Event)

	human.close()

	left := bob.next(protocol.KindSystemPresence)
	require.NoError(t, left.DecodePayload(&pp))
	assert.Equal(t, protocol.PresenceLeave, pp.Event)
	assert.Equal(t, "human", pp.Participant.ID)
}

func TestDuplicateConnectDisplacesPrevious(t *testing.T) {
	_, srv := serveGateway(t, testConfig())

	bob := join(t, srv, "dev", "bob-token", "bob")
	first := join(t, srv, "dev", "human-token", "human-1")
	bob.next(protocol.KindSystemPresence)

	second := join(t, srv, "dev", "human-token", "human-2")

	// Step 1: the old socket is closed with a policy violation naming the
	// displacement.
	select {
	case err := <-first.errs:
		require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation),
			"expected displacement close, got %v", err)
		assert.Contains(t, err.Error(), "displaced")
	case <-time.After(3 * time.Second):
		t.Fatal("displaced connection was not closed")
	}

	// Step 2: the replacement gets a normal welcome with bob on the
	// roster.
	wp := decodeWelcome(t, second.next(protocol.KindSystemWelcome))
	assert.Equal(t, "human", wp.You.ID)
	require.Len(t, wp.Participants, 1)
	assert.Equal(t, "bob", wp.Participants[0].ID)

	// Step 3: observers see the re-join but never a leave; the participant
	// was present throughout.
	var pp protocol.PresencePayload
	rejoin := bob.next(protocol.KindSystemPresence)
	require.NoError(t, rejoin.DecodePayload(&pp))
	assert.Equal(t, protocol.PresenceJoin, pp.Event)
	assert.Equal(t, "human", pp.Participant.ID)
	bob.expectNone(protocol.KindSystemPresence, 500*time.Millisecond)

	// Step 4: traffic flows on the replacement socket.
	second.send(envelope(t, "", protocol.KindChat, nil, protocol.ChatPayload{Text: "back", Format: protocol.FormatPlain}))
	chat := bob.next(protocol.KindChat)
	assert.Equal(t, "human", chat.From)
}

func TestShutdownClosesParticipantsGoingAway(t *testing.T) {
	g, srv := serveGateway(t, testConfig())

	human := join(t, srv, "dev", "human-token", "human")
	worker := join(t, srv, "dev", "worker-token", "worker")
	human.next(protocol.KindSystemWelcome)
	worker.next(protocol.KindSystemWelcome)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	for _, p := range []*wsParticipant{human, worker} {
		select {
		case err := <-p.errs:
			require.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway),
				"%s: expected going-away close, got %v", p.id, err)
			assert.Contains(t, err.Error(), "shutting down")
		case <-time.After(3 * time.Second):
			t.Fatalf("%s: still connected after shutdown", p.id)
		}
	}
}

func TestWSEndpointAuthFailures(t *testing.T) {
	_, srv := serveGateway(t, testConfig())

	cases := []struct {
		name       string
		url        string
		wantStatus int
		wantError  string
	}{
		{"unknown space", srv.URL + "/ws?space=nope&token=human-token", http.StatusNotFound, "unknown space"},
		{"missing token", srv.URL + "/ws?space=dev", http.StatusUnauthorized, "missing token"},
		{"invalid token", srv.URL + "/ws?space=dev&token=bogus", http.StatusUnauthorized, "invalid token"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			resp, err := http.Get(tc.url)
			require.NoError(t, err)
			defer resp.Body.Close()

			assert.Equal(t, tc.wantStatus, resp.StatusCode)
			var body map[string]string
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Equal(t, tc.wantError, body["error"])
		})
	}
}

func TestHealthzReportsSpaces(t *testing.T) {
	_, srv := serveGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["spaces"])
}

func TestMetricsEndpointServes(t *testing.T) {
	_, srv := serveGateway(t, testConfig())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")
}
