// Package gateway implements the MEW protocol gateway: spaces, the
// envelope accept pipeline, capability enforcement, name resolution,
// stream tracking, and fan-out delivery.
package gateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/mewlab/mew-go/internal/config"
	"github.com/mewlab/mew-go/internal/metrics"
	"github.com/mewlab/mew-go/pkg/protocol"
)

// Space is one isolated routing scope. All shared state (membership,
// name index, capability registry, stream table) is guarded by mu;
// recipient sets are computed under the lock and sends happen after it
// is released.
type Space struct {
	name    string
	cfg     *config.SpaceConfig
	limits  config.LimitsConfig
	history History
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	resolver *resolver
	registry *registry
	streams  *streamTable
}

func newSpace(cfg *config.SpaceConfig, limits config.LimitsConfig, hist History, m *metrics.Metrics, logger *slog.Logger) *Space {
	return &Space{
		name:     cfg.Name,
		cfg:      cfg,
		limits:   limits,
		history:  hist,
		metrics:  m,
		logger:   logger.With("space", cfg.Name),
		resolver: newResolver(),
		registry: newRegistry(),
		streams:  newStreamTable(),
	}
}

// Name returns the configured space name.
func (s *Space) Name() string {
	return s.name
}

// ============================================================================
// MEMBERSHIP
// ============================================================================

// Join registers an authenticated connection: binds the name, loads the
// static capability set, sends system/welcome to the joiner, and
// broadcasts system/presence join to everyone else. A prior connection
// for the same participant is displaced.
func (s *Space) Join(c *conn) {
	pc := s.cfg.Participant(c.logical)

	s.mu.Lock()
	displaced := s.resolver.bind(c.logical, c.id, c)
	if pc != nil {
		s.registry.setStatic(c.logical, pc.Capabilities)
	}

	welcome := s.welcomeLocked(c.id)
	presence := s.presenceLocked(protocol.PresenceJoin, c.id)
	others := s.resolver.others(c.id)

	// Welcome is enqueued before the lock is released so it is the first
	// frame on the new connection.
	c.setState(stateReady)
	c.enqueue(welcome)
	s.mu.Unlock()

	if displaced != nil {
		// close blocks for the drain window; never stall the new join on it.
		go displaced.close("displaced by new connection")
	}

	s.fanOut(presence, others, protocol.KindSystemPresence)
	s.history.Append(s.name, presence)
	s.metrics.RecordConnect(s.name)
	s.logger.Info("participant joined", "participant", c.id, "displaced", displaced != nil)
}

// Leave tears down a connection's space state: runtime grants are
// dropped, owned streams close with a synthetic broadcast, and the
// remaining participants observe presence leave. A displaced connection
// closing late is a no-op.
func (s *Space) Leave(c *conn) {
	s.mu.Lock()
	if !s.resolver.unbind(c.id, c) {
		s.mu.Unlock()
		return
	}
	s.registry.dropRuntime(c.id)
	closedStreams := s.streams.closeOwnedBy(c.id)

	var closes [][]byte
	for _, entry := range closedStreams {
		closes = append(closes, s.gatewayEnvelope(protocol.KindStreamClose, nil, nil, protocol.StreamClosePayload{
			StreamID: entry.id,
			Reason:   protocol.StreamReasonOwnerDisconnected,
		}))
	}
	presence := s.presenceLocked(protocol.PresenceLeave, c.id)
	others := s.resolver.others(c.id)
	s.mu.Unlock()

	for _, msg := range closes {
		s.fanOut(msg, others, protocol.KindStreamClose)
		s.history.Append(s.name, msg)
		s.metrics.RecordStreamClose(s.name)
	}
	s.fanOut(presence, others, protocol.KindSystemPresence)
	s.history.Append(s.name, presence)
	s.metrics.RecordDisconnect(s.name)
	s.logger.Info("participant left", "participant", c.id, "closed_streams", len(closedStreams))
}

// Participants returns the runtime ids currently connected.
func (s *Space) Participants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, s.resolver.size())
	for id := range s.resolver.conns {
		out = append(out, id)
	}
	return out
}

// Close disconnects every participant with a going-away close frame,
// draining queued writes first. Connections are snapshotted once and
// closed concurrently; peers joining after the snapshot belong to the
// caller, which stops the listener before closing spaces.
func (s *Space) Close(reason string) {
	s.mu.Lock()
	conns := make([]*conn, 0, s.resolver.size())
	for _, c := range s.resolver.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *conn) {
			defer wg.Done()
			c.closeWith(websocket.CloseGoingAway, reason)
		}(c)
	}
	wg.Wait()
}

// ============================================================================
// GATEWAY-ORIGINATED ENVELOPES
// ============================================================================

// gatewayEnvelope builds and marshals an envelope from system:gateway.
func (s *Space) gatewayEnvelope(kind string, to, correlation []string, payload interface{}) []byte {
	env, err := protocol.New(kind, payload)
	if err != nil {
		s.logger.Error("gateway envelope marshal failed", "kind", kind, "error", err)
		return nil
	}
	env.To = to
	env.CorrelationID = correlation
	env.Stamp(protocol.GatewayID)

	raw, err := json.Marshal(env)
	if err != nil {
		s.logger.Error("gateway envelope marshal failed", "kind", kind, "error", err)
		return nil
	}
	return raw
}

// welcomeLocked builds the system/welcome for one participant: its own
// effective capabilities, every other participant's, and a snapshot of
// the open streams. Callers hold mu.
func (s *Space) welcomeLocked(id string) []byte {
	you := protocol.ParticipantInfo{
		ID:           id,
		Capabilities: s.registry.effective(id),
	}

	others := make([]protocol.ParticipantInfo, 0, s.resolver.size())
	for rid := range s.resolver.conns {
		if rid == id {
			continue
		}
		others = append(others, protocol.ParticipantInfo{
			ID:           rid,
			Capabilities: s.registry.effective(rid),
		})
	}

	return s.gatewayEnvelope(protocol.KindSystemWelcome, []string{id}, nil, protocol.WelcomePayload{
		You:           you,
		Participants:  others,
		ActiveStreams: s.streams.snapshots(),
	})
}

// presenceLocked builds a presence event for the given participant.
// Callers hold mu.
func (s *Space) presenceLocked(event, id string) []byte {
	return s.gatewayEnvelope(protocol.KindSystemPresence, nil, nil, protocol.PresencePayload{
		Event: event,
		Participant: protocol.ParticipantInfo{
			ID:           id,
			Capabilities: s.registry.effective(id),
		},
	})
}

// errorEnvelope renders an accept failure as a system/error addressed to
// the offending participant.
func (s *Space) errorEnvelope(to string, aerr *acceptError) []byte {
	return s.gatewayEnvelope(protocol.KindSystemError, []string{to}, aerr.correlation, protocol.ErrorPayload{
		Error:            aerr.code,
		Message:          aerr.message,
		AttemptedKind:    aerr.attemptedKind,
		YourCapabilities: aerr.yourCapabilities,
	})
}

// fanOut enqueues one frame to a recipient set. Receivers whose send
// queue is full are disconnected with reason backpressure.
func (s *Space) fanOut(msg []byte, targets []*conn, kind string) {
	if msg == nil {
		return
	}
	var slow []*conn
	for _, target := range targets {
		if !target.enqueue(msg) {
			slow = append(slow, target)
		}
	}
	s.metrics.RecordEnvelope(s.name, kind, len(targets)-len(slow))
	s.dropSlow(slow)
}

// dropSlow disconnects receivers that could not keep up. Teardown runs
// on its own goroutine: close waits out the drain window and re-enters
// Leave.
func (s *Space) dropSlow(slow []*conn) {
	for _, target := range slow {
		s.metrics.RecordBackpressure(s.name)
		s.logger.Warn("send queue full, dropping participant", "participant", target.id)
		go target.close("backpressure")
	}
}
