package gateway

import (
	"encoding/json"
	"fmt"

	"github.com/mewlab/mew-go/pkg/capability"
	"github.com/mewlab/mew-go/pkg/protocol"
)

// acceptError carries everything needed to render a rejection: the code
// set for system/error payloads plus correlation back to the offending
// envelope.
type acceptError struct {
	code             protocol.ErrorCode
	message          string
	attemptedKind    string
	yourCapabilities []capability.Pattern
	correlation      []string
}

func (e *acceptError) Error() string {
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func rejectEnvelope(env *protocol.Envelope, code protocol.ErrorCode, format string, args ...interface{}) *acceptError {
	ae := &acceptError{
		code:    code,
		message: fmt.Sprintf(format, args...),
	}
	if env != nil && env.ID != "" {
		ae.correlation = []string{env.ID}
	}
	return ae
}

// planStep is one fan-out in the delivery plan for an accepted envelope.
// Steps execute in order after the space lock is released, preserving
// per-receiver FIFO within the plan.
type planStep struct {
	msg     []byte
	targets []*conn
	kind    string
	mirror  bool
}

// InjectResult is the acknowledgement for an envelope accepted over the
// HTTP inject endpoint.
type InjectResult struct {
	ID        string `json:"id"`
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ============================================================================
// ACCEPT PIPELINE
// ============================================================================

// AcceptFrom runs the accept pipeline for an envelope read from a live
// connection. Rejections are answered on the same connection with a
// correlated system/error; nothing is delivered elsewhere.
func (s *Space) AcceptFrom(c *conn, raw []byte) {
	if _, aerr := s.accept(c.id, raw); aerr != nil {
		s.metrics.RecordRejection(s.name, string(aerr.code))
		s.logger.Info("envelope rejected", "participant", c.id, "code", string(aerr.code), "detail", aerr.message)
		if !c.enqueue(s.errorEnvelope(c.id, aerr)) {
			s.dropSlow([]*conn{c})
		}
	}
}

// Inject runs the same pipeline for an envelope posted over HTTP. The
// sender does not need a live connection; with no connection its
// effective capability set is the static one.
func (s *Space) Inject(participantID string, raw []byte) (*InjectResult, *acceptError) {
	env, aerr := s.accept(participantID, raw)
	if aerr != nil {
		s.metrics.RecordRejection(s.name, string(aerr.code))
		s.metrics.RecordInject(s.name, false)
		return nil, aerr
	}
	s.metrics.RecordInject(s.name, true)
	return &InjectResult{ID: env.ID, Status: "accepted", Timestamp: env.TS}, nil
}

// accept validates, stamps, authorizes, applies gateway side effects,
// and delivers one envelope from the sender. The delivered copy differs
// from the input only by from normalization and, when absent on input,
// id and ts stamping.
func (s *Space) accept(sender string, raw []byte) (*protocol.Envelope, *acceptError) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, rejectEnvelope(nil, protocol.ErrorInvalidEnvelope, "malformed envelope: %v", err)
	}

	if werr := validateEnvelope(&env, sender); werr != nil {
		ae := rejectEnvelope(&env, werr.Code, "%s", werr.Message)
		if werr.Code == protocol.ErrorReservedNamespace {
			ae.attemptedKind = env.Kind
		}
		return nil, ae
	}

	env.Stamp(sender)

	payload, err := env.PayloadMap()
	if err != nil {
		return nil, rejectEnvelope(&env, protocol.ErrorInvalidEnvelope, "malformed payload: %v", err)
	}

	s.mu.Lock()
	if !s.registry.allowed(sender, env.Kind, payload) {
		ae := rejectEnvelope(&env, protocol.ErrorCapabilityViolation,
			"capability set does not permit %q", env.Kind)
		ae.attemptedKind = env.Kind
		ae.yourCapabilities = s.registry.effective(sender)
		s.mu.Unlock()
		return nil, ae
	}

	steps, aerr := s.dispatchLocked(sender, &env, payload)
	s.mu.Unlock()
	if aerr != nil {
		return nil, aerr
	}

	for _, step := range steps {
		s.fanOut(step.msg, step.targets, step.kind)
		if step.mirror {
			s.history.Append(s.name, step.msg)
		}
	}
	return &env, nil
}

// dispatchLocked builds the delivery plan for an authorized envelope and
// applies gateway side effects (grants, stream allocation). Callers hold
// mu.
//
// Every participant envelope fans out to the whole space except its
// sender; to is addressing metadata and never narrows visibility. A
// directed envelope none of whose targets resolve additionally earns
// the sender an unknown_recipient notice.
func (s *Space) dispatchLocked(sender string, env *protocol.Envelope, payload map[string]interface{}) ([]planStep, *acceptError) {
	raw, err := json.Marshal(env)
	if err != nil {
		return nil, rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "envelope marshal failed: %v", err)
	}

	others := s.resolver.others(sender)
	steps := []planStep{{msg: raw, targets: others, kind: env.Kind, mirror: true}}

	switch env.Kind {
	case protocol.KindCapabilityGrant:
		welcome, aerr := s.applyGrantLocked(sender, env)
		if aerr != nil {
			return nil, aerr
		}
		steps = append(steps, welcome)

	case protocol.KindCapabilityRevoke:
		welcome, aerr := s.applyRevokeLocked(env)
		if aerr != nil {
			return nil, aerr
		}
		if welcome != nil {
			steps = append(steps, *welcome)
		}

	case protocol.KindStreamRequest:
		open, aerr := s.openStreamLocked(sender, env, payload)
		if aerr != nil {
			return nil, aerr
		}
		steps = append(steps, open)

	case protocol.KindStreamClose:
		if aerr := s.closeStreamLocked(env, payload); aerr != nil {
			return nil, aerr
		}

	default:
		if notice := s.unresolvedNoticeLocked(sender, env); notice != nil {
			steps = append(steps, *notice)
		}
	}

	return steps, nil
}

// unresolvedNoticeLocked builds a courtesy unknown_recipient error for
// the sender when a directed envelope resolves to nobody. The envelope
// itself still fans out; only the addressing failed.
func (s *Space) unresolvedNoticeLocked(sender string, env *protocol.Envelope) *planStep {
	if len(env.To) == 0 {
		return nil
	}
	for _, target := range env.To {
		if s.resolveTargetLocked(target) != nil {
			return nil
		}
	}

	senderConn, ok := s.resolver.conn(sender)
	if !ok {
		return nil
	}
	ae := rejectEnvelope(env, protocol.ErrorUnknownRecipient,
		"no recipient in %v is connected", env.To)
	return &planStep{
		msg:     s.errorEnvelope(sender, ae),
		targets: []*conn{senderConn},
		kind:    protocol.KindSystemError,
	}
}

// resolveTargetLocked resolves one to entry, accepting either a logical
// name or a runtime id. Callers hold mu.
func (s *Space) resolveTargetLocked(target string) *conn {
	if runtime, ok := s.resolver.runtimeID(target); ok {
		if c, ok := s.resolver.conn(runtime); ok {
			return c
		}
	}
	if c, ok := s.resolver.conn(target); ok {
		return c
	}
	return nil
}

// ============================================================================
// GATEWAY SIDE EFFECTS
// ============================================================================

// applyGrantLocked verifies and applies a capability/grant, returning
// the refreshed welcome step for the recipient. The welcome follows the
// grant in the recipient's queue so the grant is observed first.
func (s *Space) applyGrantLocked(sender string, env *protocol.Envelope) (planStep, *acceptError) {
	var gp protocol.GrantPayload
	if err := json.Unmarshal(env.Payload, &gp); err != nil {
		return planStep{}, rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "malformed grant payload: %v", err)
	}
	if gp.Recipient == "" || len(gp.Capabilities) == 0 {
		return planStep{}, rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "grant requires recipient and capabilities")
	}

	grantor := s.registry.effective(sender)
	for _, p := range gp.Capabilities {
		if !capability.SubsetOfAny(p, grantor) {
			ae := rejectEnvelope(env, protocol.ErrorCapabilityViolation,
				"cannot grant a capability the grantor does not hold")
			ae.attemptedKind = env.Kind
			ae.yourCapabilities = grantor
			return planStep{}, ae
		}
	}

	target := s.resolveTargetLocked(gp.Recipient)
	if target == nil {
		return planStep{}, rejectEnvelope(env, protocol.ErrorUnknownRecipient,
			"grant recipient %q is not connected", gp.Recipient)
	}

	if s.limits.MaxCapabilities > 0 &&
		len(s.registry.effective(target.id))+len(gp.Capabilities) > s.limits.MaxCapabilities {
		return planStep{}, rejectEnvelope(env, protocol.ErrorBackpressure,
			"capability limit reached for %q", gp.Recipient)
	}

	added := s.registry.grant(env.ID, sender, target.id, gp.Capabilities)
	s.logger.Info("capabilities granted",
		"grantor", sender, "recipient", target.id, "grant", env.ID, "added", added)

	return planStep{
		msg:     s.welcomeLocked(target.id),
		targets: []*conn{target},
		kind:    protocol.KindSystemWelcome,
	}, nil
}

// applyRevokeLocked removes runtime grants by grant id or structural
// pattern match. Revoking nothing is a no-op; the refreshed welcome is
// sent only when the effective set changed.
func (s *Space) applyRevokeLocked(env *protocol.Envelope) (*planStep, *acceptError) {
	var rp protocol.RevokePayload
	if err := json.Unmarshal(env.Payload, &rp); err != nil {
		return nil, rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "malformed revoke payload: %v", err)
	}
	if rp.Recipient == "" {
		return nil, rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "revoke requires recipient")
	}
	if rp.GrantID == "" && len(rp.Capabilities) == 0 {
		return nil, rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "revoke requires grant_id or capabilities")
	}

	target := s.resolveTargetLocked(rp.Recipient)
	if target == nil {
		// Runtime grants exist only while the recipient is connected, so
		// there is nothing to remove.
		return nil, nil
	}

	removed := 0
	if rp.GrantID != "" {
		removed += s.registry.revokeByGrantID(target.id, rp.GrantID)
	}
	if len(rp.Capabilities) > 0 {
		removed += s.registry.revokeByPatterns(target.id, rp.Capabilities)
	}
	if removed == 0 {
		return nil, nil
	}

	s.logger.Info("capabilities revoked", "recipient", target.id, "removed", removed)
	return &planStep{
		msg:     s.welcomeLocked(target.id),
		targets: []*conn{target},
		kind:    protocol.KindSystemWelcome,
	}, nil
}

// openStreamLocked allocates a stream for a validated stream/request and
// builds the stream/open announcement, addressed to the owner and
// visible to the whole space so receivers can attribute frames.
func (s *Space) openStreamLocked(sender string, env *protocol.Envelope, payload map[string]interface{}) (planStep, *acceptError) {
	direction, _ := payload["direction"].(string)
	if direction != protocol.StreamUpload && direction != protocol.StreamDownload {
		return planStep{}, rejectEnvelope(env, protocol.ErrorInvalidEnvelope,
			"stream direction must be %q or %q", protocol.StreamUpload, protocol.StreamDownload)
	}
	if s.limits.MaxStreams > 0 && s.streams.ownedBy(sender) >= s.limits.MaxStreams {
		return planStep{}, rejectEnvelope(env, protocol.ErrorBackpressure,
			"stream limit reached for %q", sender)
	}

	entry := s.streams.open(sender, payload)
	s.metrics.RecordStreamOpen(s.name)
	s.logger.Info("stream opened", "stream", entry.id, "owner", sender, "direction", direction)

	targets := s.resolver.others(sender)
	if c, ok := s.resolver.conn(sender); ok {
		targets = append(targets, c)
	}

	return planStep{
		msg: s.gatewayEnvelope(protocol.KindStreamOpen, []string{sender}, []string{env.ID}, protocol.StreamOpenPayload{
			StreamID: entry.id,
		}),
		targets: targets,
		kind:    protocol.KindStreamOpen,
		mirror:  true,
	}, nil
}

// closeStreamLocked removes the stream named by a participant's
// stream/close. Frames for the id are dropped from here on.
func (s *Space) closeStreamLocked(env *protocol.Envelope, payload map[string]interface{}) *acceptError {
	sid, _ := payload["stream_id"].(string)
	if sid == "" {
		return rejectEnvelope(env, protocol.ErrorInvalidEnvelope, "stream_id is required")
	}
	if _, ok := s.streams.close(sid); !ok {
		return rejectEnvelope(env, protocol.ErrorStreamNotFound, "no open stream %q", sid)
	}
	s.metrics.RecordStreamClose(s.name)
	s.logger.Info("stream closed", "stream", sid, "by", env.From)
	return nil
}

// ============================================================================
// BINARY STREAM RELAY
// ============================================================================

// RelayFrame forwards a #stream_id# binary frame to every participant
// except the sender. Frames for unknown or closed streams are dropped
// and the sender is told with a stream_not_found error.
func (s *Space) RelayFrame(c *conn, frame []byte) {
	id, _, err := protocol.ParseStreamFrame(frame)
	if err != nil {
		c.logger.Debug("malformed stream frame dropped", "error", err)
		return
	}

	s.mu.Lock()
	_, ok := s.streams.get(id)
	var targets []*conn
	if ok {
		targets = s.resolver.others(c.id)
	}
	s.mu.Unlock()

	if !ok {
		s.metrics.RecordRejection(s.name, string(protocol.ErrorStreamNotFound))
		c.logger.Debug("frame for unknown stream dropped", "stream", id)
		ae := rejectEnvelope(nil, protocol.ErrorStreamNotFound, "no open stream %q", id)
		if !c.enqueue(s.errorEnvelope(c.id, ae)) {
			s.dropSlow([]*conn{c})
		}
		return
	}

	var slow []*conn
	for _, target := range targets {
		if !target.enqueue(frame) {
			slow = append(slow, target)
		}
	}
	s.metrics.RecordStreamFrame(s.name, len(frame))
	s.dropSlow(slow)
}
