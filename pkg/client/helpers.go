package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mewlab/mew-go/pkg/capability"
	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// CHAT
// ============================================================================

// Chat broadcasts a plain-text chat message to the space.
func (c *Client) Chat(text string) error {
	return c.ChatTo("", text)
}

// ChatTo sends a chat message to one participant, or broadcasts when
// target is empty.
func (c *Client) ChatTo(target, text string) error {
	env, err := protocol.New(protocol.KindChat, protocol.ChatPayload{
		Text:   text,
		Format: protocol.FormatPlain,
	})
	if err != nil {
		return err
	}
	if target != "" {
		env.To = []string{target}
	}
	return c.send(env, true)
}

// AcknowledgeChat signals receipt of a chat message without replying.
func (c *Client) AcknowledgeChat(chat *protocol.Envelope) error {
	env, err := protocol.New(protocol.KindChatAcknowledge, protocol.ChatAcknowledgePayload{Status: "received"})
	if err != nil {
		return err
	}
	env.To = []string{chat.From}
	env.CorrelationID = []string{chat.ID}
	return c.send(env, false)
}

// CancelChat asks the author of an in-progress chat message to stop
// producing it.
func (c *Client) CancelChat(chat *protocol.Envelope) error {
	env, err := protocol.New(protocol.KindChatCancel, nil)
	if err != nil {
		return err
	}
	env.To = []string{chat.From}
	env.CorrelationID = []string{chat.ID}
	return c.send(env, false)
}

// ============================================================================
// CAPABILITIES
// ============================================================================

// Grant extends the recipient's capabilities for this session. The
// grantor must itself hold a superset of every granted pattern. The
// returned grant id identifies the grant for later revocation.
func (c *Client) Grant(recipient string, caps []capability.Pattern, reason string) (string, error) {
	env, err := protocol.New(protocol.KindCapabilityGrant, protocol.GrantPayload{
		Recipient:    recipient,
		Capabilities: caps,
		Reason:       reason,
	})
	if err != nil {
		return "", err
	}
	env.To = []string{recipient}
	if err := c.send(env, true); err != nil {
		return "", err
	}
	return env.ID, nil
}

// RevokeGrant removes one prior grant by its id.
func (c *Client) RevokeGrant(recipient, grantID string) error {
	return c.revoke(protocol.RevokePayload{Recipient: recipient, GrantID: grantID})
}

// RevokeCapabilities removes runtime capabilities matching the given
// patterns by structural equality.
func (c *Client) RevokeCapabilities(recipient string, caps []capability.Pattern, reason string) error {
	return c.revoke(protocol.RevokePayload{Recipient: recipient, Capabilities: caps, Reason: reason})
}

func (c *Client) revoke(p protocol.RevokePayload) error {
	env, err := protocol.New(protocol.KindCapabilityRevoke, p)
	if err != nil {
		return err
	}
	if p.Recipient != "" {
		env.To = []string{p.Recipient}
	}
	return c.send(env, true)
}

// ============================================================================
// PARTICIPANT CONTROL
// ============================================================================

// Pause tells target to stop emitting until resumed. A zero timeout
// pauses until an explicit Resume.
func (c *Client) Pause(target string, timeoutSeconds int, reason string) error {
	env, err := protocol.New(protocol.KindParticipantPause, protocol.PausePayload{
		TimeoutSeconds: timeoutSeconds,
		Reason:         reason,
	})
	if err != nil {
		return err
	}
	env.To = []string{target}
	return c.send(env, true)
}

// Resume lifts a pause on target.
func (c *Client) Resume(target string) error {
	env, err := protocol.New(protocol.KindParticipantResume, nil)
	if err != nil {
		return err
	}
	env.To = []string{target}
	return c.send(env, true)
}

// RequestStatus probes target; the reply arrives as a participant/status
// envelope correlated to the returned envelope id.
func (c *Client) RequestStatus(target string) (string, error) {
	env, err := protocol.New(protocol.KindParticipantRequestStatus, nil)
	if err != nil {
		return "", err
	}
	if target != "" {
		env.To = []string{target}
	}
	if err := c.send(env, true); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Kick removes target from the space. Requires the space/kick capability.
func (c *Client) Kick(target, reason string) error {
	env, err := protocol.New(protocol.KindSpaceKick, protocol.KickPayload{
		Participant: target,
		Reason:      reason,
	})
	if err != nil {
		return err
	}
	env.To = []string{target}
	return c.send(env, true)
}

// ============================================================================
// REASONING
// ============================================================================

type reasoningPayload struct {
	Message string `json:"message,omitempty"`
}

func reasoningBody(message string) interface{} {
	if message == "" {
		return nil
	}
	return reasoningPayload{Message: message}
}

// Reasoning is a handle on one reasoning sequence. Envelopes emitted
// through it carry the start envelope's id as their context, so observers
// can group the transcript.
type Reasoning struct {
	c         *Client
	contextID string
}

// StartReasoning opens a reasoning sequence visible to the space.
func (c *Client) StartReasoning(message string) (*Reasoning, error) {
	env, err := protocol.New(protocol.KindReasoningStart, reasoningBody(message))
	if err != nil {
		return nil, err
	}
	if err := c.send(env, true); err != nil {
		return nil, err
	}
	return &Reasoning{c: c, contextID: env.ID}, nil
}

func (r *Reasoning) emit(kind, message string) error {
	env, err := protocol.New(kind, reasoningBody(message))
	if err != nil {
		return err
	}
	env.Context = r.contextID
	return r.c.send(env, true)
}

// Thought adds an intermediate step to the sequence.
func (r *Reasoning) Thought(message string) error {
	return r.emit(protocol.KindReasoningThought, message)
}

// Conclude finishes the sequence with its outcome.
func (r *Reasoning) Conclude(message string) error {
	return r.emit(protocol.KindReasoningConclusion, message)
}

// Cancel abandons the sequence.
func (r *Reasoning) Cancel() error {
	return r.emit(protocol.KindReasoningCancel, "")
}

// Context is the id grouping this sequence's envelopes.
func (r *Reasoning) Context() string {
	return r.contextID
}

// ============================================================================
// STREAMS
// ============================================================================

// Stream is an open binary stream multiplexed over the session socket.
type Stream struct {
	c  *Client
	id string
}

// OpenStream asks the gateway to allocate a stream and waits for the
// correlated stream/open. The extra fields describe the stream to peers
// and are echoed verbatim into welcome snapshots for late joiners.
func (c *Client) OpenStream(ctx context.Context, direction string, extra map[string]interface{}) (*Stream, error) {
	if direction != protocol.StreamUpload && direction != protocol.StreamDownload {
		return nil, fmt.Errorf("client: invalid stream direction %q", direction)
	}
	if c.closed() {
		return nil, ErrClosed
	}
	if c.isPaused() {
		return nil, ErrPaused
	}

	payload := map[string]interface{}{"direction": direction}
	for k, v := range extra {
		if k != "direction" {
			payload[k] = v
		}
	}
	env, err := protocol.New(protocol.KindStreamRequest, payload)
	if err != nil {
		return nil, err
	}
	env.Stamp(c.SelfID())

	wait := make(chan *protocol.Envelope, 1)
	c.streamMu.Lock()
	c.streamWaits[env.ID] = wait
	c.streamMu.Unlock()
	cancel := func() {
		c.streamMu.Lock()
		delete(c.streamWaits, env.ID)
		c.streamMu.Unlock()
	}

	raw, err := json.Marshal(env)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("client: marshal stream request: %w", err)
	}
	if err := c.enqueue(raw); err != nil {
		cancel()
		return nil, err
	}

	select {
	case open := <-wait:
		var op protocol.StreamOpenPayload
		if err := open.DecodePayload(&op); err != nil {
			return nil, err
		}
		return &Stream{c: c, id: op.StreamID}, nil
	case <-ctx.Done():
		cancel()
		return nil, ctx.Err()
	case <-c.done:
		cancel()
		return nil, ErrClosed
	}
}

// ID is the gateway-assigned stream id.
func (s *Stream) ID() string {
	return s.id
}

// Send writes one binary frame to the stream.
func (s *Stream) Send(data []byte) error {
	if s.c.closed() {
		return ErrClosed
	}
	return s.c.enqueue(protocol.EncodeStreamFrame(s.id, data))
}

// Close ends the stream for all participants. An empty reason means
// "complete".
func (s *Stream) Close(reason string) error {
	if reason == "" {
		reason = protocol.StreamReasonComplete
	}
	env, err := protocol.New(protocol.KindStreamClose, protocol.StreamClosePayload{
		StreamID: s.id,
		Reason:   reason,
	})
	if err != nil {
		return err
	}
	return s.c.send(env, false)
}

// ============================================================================
// HISTORY
// ============================================================================

var historyClient = &http.Client{Timeout: 15 * time.Second}

// FetchHistory pulls the most recent envelopes from the gateway's replay
// buffer, oldest first. Limit zero uses the gateway default.
func (c *Client) FetchHistory(ctx context.Context, limit int) ([]*protocol.Envelope, error) {
	endpoint := fmt.Sprintf("%s/spaces/%s/history", c.httpURL, url.PathEscape(c.cfg.Space))
	if limit > 0 {
		endpoint += "?limit=" + strconv.Itoa(limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("client: build history request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)

	resp, err := historyClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("client: fetch history: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("client: fetch history: status %d", resp.StatusCode)
	}

	var raw []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("client: decode history: %w", err)
	}
	out := make([]*protocol.Envelope, 0, len(raw))
	for _, b := range raw {
		var env protocol.Envelope
		if err := json.Unmarshal(b, &env); err != nil {
			c.logger.Warn("skipping malformed history entry", "error", err)
			continue
		}
		out = append(out, &env)
	}
	return out, nil
}

// ============================================================================
// SUBSCRIPTIONS
// ============================================================================

// On registers a handler for one event class and returns its unsubscribe
// func. Handlers run sequentially on the dispatch goroutine.
func (c *Client) On(e Event, fn Handler) func() {
	return c.events.on(e, fn)
}

// OnMessage fires for every inbound envelope.
func (c *Client) OnMessage(fn func(*protocol.Envelope)) func() {
	return c.events.on(EventMessage, func(n Notification) { fn(n.Envelope) })
}

// OnChat decodes chat payloads before invoking fn.
func (c *Client) OnChat(fn func(env *protocol.Envelope, msg protocol.ChatPayload)) func() {
	return c.events.on(EventChat, func(n Notification) {
		var msg protocol.ChatPayload
		if err := n.Envelope.DecodePayload(&msg); err != nil {
			return
		}
		fn(n.Envelope, msg)
	})
}

// OnRequest fires for mcp/requests we should answer: directed to us or
// undirected, excluding cancellation notifications. Answer with Respond
// or RespondError.
func (c *Client) OnRequest(fn func(req *protocol.Envelope, body protocol.MCPPayload)) func() {
	return c.events.on(EventMessage, func(n Notification) {
		env := n.Envelope
		if env.Kind != protocol.KindMCPRequest {
			return
		}
		if env.Addressed() && !env.AddressedTo(c.SelfID()) {
			return
		}
		var body protocol.MCPPayload
		if err := env.DecodePayload(&body); err != nil {
			return
		}
		if body.Method == protocol.MethodCancelled {
			return
		}
		fn(env, body)
	})
}

// OnProposal decodes proposal bodies before invoking fn.
func (c *Client) OnProposal(fn func(proposal *protocol.Envelope, body protocol.MCPPayload)) func() {
	return c.events.on(EventProposal, func(n Notification) {
		var body protocol.MCPPayload
		if err := n.Envelope.DecodePayload(&body); err != nil {
			return
		}
		fn(n.Envelope, body)
	})
}

// OnStreamFrame fires for each binary frame received on any stream.
func (c *Client) OnStreamFrame(fn func(streamID string, data []byte)) func() {
	return c.events.on(EventStreamFrame, func(n Notification) {
		fn(n.StreamID, n.Data)
	})
}
