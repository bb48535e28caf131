package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mewlab/mew-go/internal/config"
	"github.com/mewlab/mew-go/internal/metrics"
	"github.com/mewlab/mew-go/internal/middleware"
)

// Gateway hosts the configured spaces and exposes the WebSocket and REST
// surfaces: /ws, HTTP inject, history, health, and Prometheus metrics.
type Gateway struct {
	cfg     *config.Config
	spaces  map[string]*Space
	history History
	metrics *metrics.Metrics
	limiter *middleware.RateLimiter
	logger  *slog.Logger
	started time.Time
}

// New builds a gateway from configuration. A nil history falls back to
// the in-memory mirror; a nil metrics disables recording.
func New(cfg *config.Config, hist History, m *metrics.Metrics, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	if hist == nil {
		hist = NewMemoryHistory(cfg.History.Depth)
	}

	g := &Gateway{
		cfg:     cfg,
		spaces:  make(map[string]*Space, len(cfg.Spaces)),
		history: hist,
		metrics: m,
		limiter: middleware.NewRateLimiter(middleware.RateLimitConfig{
			MaxPerMinute: cfg.Inject.RatePerMinute,
		}),
		logger:  logger,
		started: time.Now(),
	}
	for i := range cfg.Spaces {
		sc := &cfg.Spaces[i]
		g.spaces[sc.Name] = newSpace(sc, cfg.Limits, hist, m, logger)
	}
	return g
}

// Space returns the named space.
func (g *Gateway) Space(name string) (*Space, bool) {
	s, ok := g.spaces[name]
	return s, ok
}

// spaceFor resolves the space query parameter, defaulting to the sole
// configured space when the parameter is absent.
func (g *Gateway) spaceFor(r *http.Request) (*Space, bool) {
	name := r.URL.Query().Get("space")
	if name == "" && len(g.spaces) == 1 {
		for _, s := range g.spaces {
			return s, true
		}
	}
	s, ok := g.spaces[name]
	return s, ok
}

// Router wires every HTTP surface. The WebSocket endpoint stays outside
// the middleware chain; response recording does not survive hijacking.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/ws", g.handleWS)

	rest := r.NewRoute().Subrouter()
	rest.Use(middleware.CORS, middleware.Logging(g.logger))
	rest.HandleFunc("/healthz", g.handleHealthz).Methods(http.MethodGet)
	rest.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	rest.HandleFunc("/spaces/{space}/history", g.handleHistory).Methods(http.MethodGet)

	inject := rest.NewRoute().Subrouter()
	inject.Use(g.limiter.Middleware(injectRateKey))
	inject.HandleFunc("/participants/{participant_id}/messages", g.handleInject).Methods(http.MethodPost)

	return r
}

// Shutdown closes every space, sending going-away close frames and
// draining queued writes. The listener must already be stopped so no
// participant joins mid-drain. The context bounds the wait; connections
// still draining when it expires are abandoned to process exit.
func (g *Gateway) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, sp := range g.spaces {
			wg.Add(1)
			go func(sp *Space) {
				defer wg.Done()
				sp.Close("gateway shutting down")
			}(sp)
		}
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleWS authenticates the bearer token against the space's token
// table, upgrades, registers the participant, and starts the pumps.
func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	sp, ok := g.spaceFor(r)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown space"})
		return
	}

	token := bearerToken(r)
	if token == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "missing token"})
		return
	}
	pc := sp.cfg.Authenticate(token)
	if pc == nil {
		g.logger.Warn("rejected connection, invalid token", "space", sp.name, "remote", r.RemoteAddr)
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid token"})
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	// Runtime id equals the configured logical name; a duplicate connect
	// displaces the previous socket inside Join.
	c := newConn(sp, pc.ID, pc.ID, ws, g.cfg.Limits.SendQueue)
	sp.Join(c)

	go c.writePump()
	go c.readPump()
}

func (g *Gateway) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"spaces":         len(g.spaces),
		"uptime_seconds": int(time.Since(g.started).Seconds()),
	})
}

// bearerToken extracts the credential from the Authorization header,
// falling back to the token query parameter for browser WebSocket
// clients that cannot set headers.
func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
