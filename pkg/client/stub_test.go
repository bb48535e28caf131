package client

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mewlab/mew-go/pkg/capability"
	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// STUB GATEWAY
// ============================================================================

// stubGateway speaks just enough of the wire contract to exercise the
// client: it upgrades, greets with a welcome, and records everything the
// client says.
type stubGateway struct {
	t   *testing.T
	srv *httptest.Server

	welcome protocol.WelcomePayload
	history []byte

	mu       sync.Mutex
	conn     *websocket.Conn
	sessions int

	envelopes chan *protocol.Envelope
	frames    chan []byte
	auths     chan string
}

func newStubGateway(t *testing.T) *stubGateway {
	g := &stubGateway{
		t: t,
		welcome: protocol.WelcomePayload{
			You: protocol.ParticipantInfo{
				ID:           "tester",
				Capabilities: []capability.Pattern{{"kind": "*"}},
			},
		},
		envelopes: make(chan *protocol.Envelope, 64),
		frames:    make(chan []byte, 64),
		auths:     make(chan string, 8),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", g.handleWS)
	mux.HandleFunc("/spaces/", g.handleHistory)
	g.srv = httptest.NewServer(mux)
	t.Cleanup(g.srv.Close)
	return g
}

func (g *stubGateway) handleWS(w http.ResponseWriter, r *http.Request) {
	select {
	case g.auths <- r.Header.Get("Authorization"):
	default:
	}

	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	ws, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	g.mu.Lock()
	g.conn = ws
	g.sessions++
	g.mu.Unlock()

	g.send(g.welcomeEnvelope())

	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				g.frames <- data
				continue
			}
			var env protocol.Envelope
			if json.Unmarshal(data, &env) == nil {
				g.envelopes <- &env
			}
		}
	}()
}

func (g *stubGateway) handleHistory(w http.ResponseWriter, r *http.Request) {
	select {
	case g.auths <- r.Header.Get("Authorization"):
	default:
	}
	w.Header().Set("Content-Type", "application/json")
	if g.history == nil {
		w.Write([]byte("[]"))
		return
	}
	w.Write(g.history)
}

func (g *stubGateway) welcomeEnvelope() *protocol.Envelope {
	env, err := protocol.New(protocol.KindSystemWelcome, g.welcome)
	require.NoError(g.t, err)
	env.To = []string{g.welcome.You.ID}
	env.Stamp(protocol.GatewayID)
	return env
}

// send writes one envelope to the current client connection.
func (g *stubGateway) send(env *protocol.Envelope) {
	raw, err := json.Marshal(env)
	require.NoError(g.t, err)
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotNil(g.t, g.conn, "no client connected")
	require.NoError(g.t, g.conn.WriteMessage(websocket.TextMessage, raw))
}

// sendFrame writes one binary stream frame to the current connection.
func (g *stubGateway) sendFrame(frame []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()
	require.NotNil(g.t, g.conn, "no client connected")
	require.NoError(g.t, g.conn.WriteMessage(websocket.BinaryMessage, frame))
}

// kill drops the current connection without a close handshake.
func (g *stubGateway) kill() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.conn != nil {
		g.conn.Close()
	}
}

func (g *stubGateway) sessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

// next returns the next client envelope of the given kind, skipping other
// traffic.
func (g *stubGateway) next(kind string) *protocol.Envelope {
	return g.nextWithin(kind, 3*time.Second)
}

func (g *stubGateway) nextWithin(kind string, timeout time.Duration) *protocol.Envelope {
	g.t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case env := <-g.envelopes:
			if env.Kind == kind {
				return env
			}
		case <-deadline:
			g.t.Fatalf("timed out waiting for %s envelope", kind)
			return nil
		}
	}
}

// expectSilence fails if any envelope of the given kind arrives within the
// window.
func (g *stubGateway) expectSilence(kind string, window time.Duration) {
	g.t.Helper()
	deadline := time.After(window)
	for {
		select {
		case env := <-g.envelopes:
			if env.Kind == kind {
				g.t.Fatalf("unexpected %s envelope", kind)
			}
		case <-deadline:
			return
		}
	}
}

// ============================================================================
// TEST HELPERS
// ============================================================================

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func dialStub(t *testing.T, g *stubGateway, opts ...func(*Config)) *Client {
	t.Helper()
	cfg := Config{
		Gateway: g.srv.URL,
		Space:   "dev",
		Token:   "token-alpha",
		Logger:  discardLogger(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := Dial(ctx, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

// gatewayEnvelope builds a stamped envelope as the stub gateway or a fake
// peer would emit it.
func gatewayEnvelope(t *testing.T, from, kind string, to []string, correlation []string, payload interface{}) *protocol.Envelope {
	t.Helper()
	env, err := protocol.New(kind, payload)
	require.NoError(t, err)
	env.To = to
	env.CorrelationID = correlation
	env.Stamp(from)
	return env
}
