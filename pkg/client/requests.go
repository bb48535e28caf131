package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// ERRORS
// ============================================================================

var (
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("client: closed")
	// ErrPaused is returned for outbound work while the participant is
	// paused.
	ErrPaused = errors.New("client: participant is paused")
	// ErrSendQueueFull is returned when the outbound queue is saturated.
	ErrSendQueueFull = errors.New("client: send queue full")
	// ErrRequestTimeout is returned when a pending request outlives its
	// deadline without a correlated response.
	ErrRequestTimeout = errors.New("client: request timed out")
	// ErrPeerDisconnected is returned when the target of a pending request
	// leaves the space before responding.
	ErrPeerDisconnected = errors.New("client: peer disconnected")
)

// RPCError is a JSON-RPC error object carried in an mcp/response payload.
type RPCError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ============================================================================
// PENDING TABLE
// ============================================================================

type requestOutcome struct {
	result json.RawMessage
	err    error
}

// pendingRequest is one in-flight mcp/request. The envelope id is the
// correlation key; the inner JSON-RPC id only appears in cancellation
// notifications.
type pendingRequest struct {
	envelopeID string
	innerID    int64
	target     string
	raw        []byte
	deadline   time.Time
	timer      *time.Timer
	ch         chan requestOutcome
}

func (p *pendingRequest) finish(out requestOutcome) {
	if p.timer != nil {
		p.timer.Stop()
	}
	p.ch <- out
}

// pendingTable tracks in-flight requests by envelope id. Entries are
// removed exactly once: by response, timeout, peer departure, caller
// cancellation, or client close.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{entries: make(map[string]*pendingRequest)}
}

func (t *pendingTable) add(p *pendingRequest) {
	t.mu.Lock()
	t.entries[p.envelopeID] = p
	t.mu.Unlock()
}

// take removes and returns the entry, or nil when it was already settled.
func (t *pendingTable) take(envelopeID string) *pendingRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.entries[envelopeID]
	if !ok {
		return nil
	}
	delete(t.entries, envelopeID)
	return p
}

// resolve settles the entry correlated to envelopeID from an mcp/response.
func (t *pendingTable) resolve(envelopeID string, env *protocol.Envelope) bool {
	p := t.take(envelopeID)
	if p == nil {
		return false
	}
	var body protocol.MCPPayload
	if err := env.DecodePayload(&body); err != nil {
		p.finish(requestOutcome{err: fmt.Errorf("client: malformed response: %w", err)})
		return true
	}
	if body.Error != nil {
		p.finish(requestOutcome{err: &RPCError{
			Code:    body.Error.Code,
			Message: body.Error.Message,
			Data:    body.Error.Data,
		}})
		return true
	}
	p.finish(requestOutcome{result: body.Result})
	return true
}

// rejectByTarget fails every entry addressed to the departed participant.
func (t *pendingTable) rejectByTarget(target string, err error) {
	t.mu.Lock()
	var hit []*pendingRequest
	for id, p := range t.entries {
		if p.target == target {
			hit = append(hit, p)
			delete(t.entries, id)
		}
	}
	t.mu.Unlock()
	for _, p := range hit {
		p.finish(requestOutcome{err: err})
	}
}

func (t *pendingTable) rejectAll(err error) {
	t.mu.Lock()
	all := make([]*pendingRequest, 0, len(t.entries))
	for id, p := range t.entries {
		all = append(all, p)
		delete(t.entries, id)
	}
	t.mu.Unlock()
	for _, p := range all {
		p.finish(requestOutcome{err: err})
	}
}

// split partitions the table at now: entries past their deadline are
// removed and returned as expired, live entries stay pending and their
// original wire bytes are returned for reissue.
func (t *pendingTable) split(now time.Time) (live [][]byte, expired []*pendingRequest) {
	t.mu.Lock()
	for id, p := range t.entries {
		if now.After(p.deadline) {
			expired = append(expired, p)
			delete(t.entries, id)
			continue
		}
		live = append(live, p.raw)
	}
	t.mu.Unlock()
	return live, expired
}

func (t *pendingTable) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// ============================================================================
// REQUEST API
// ============================================================================

// Request sends an mcp/request to target and blocks for the correlated
// mcp/response. On timeout the request is abandoned, a
// notifications/cancelled notification is sent toward the target, and
// ErrRequestTimeout is returned. A JSON-RPC error in the response surfaces
// as *RPCError.
func (c *Client) Request(ctx context.Context, target, method string, params interface{}) (json.RawMessage, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("client: marshal params: %w", err)
		}
		raw = b
	}
	return c.request(ctx, target, method, raw, nil)
}

func (c *Client) request(ctx context.Context, target, method string, params json.RawMessage, correlation []string) (json.RawMessage, error) {
	if c.closed() {
		return nil, ErrClosed
	}
	if c.isPaused() {
		return nil, ErrPaused
	}

	inner := c.innerID.Add(1)
	env, err := protocol.New(protocol.KindMCPRequest, protocol.MCPPayload{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      inner,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, err
	}
	if target != "" {
		env.To = []string{target}
	}
	env.CorrelationID = correlation
	env.Stamp(c.SelfID())

	raw, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("client: marshal request: %w", err)
	}

	timeout := c.cfg.RequestTimeout
	p := &pendingRequest{
		envelopeID: env.ID,
		innerID:    inner,
		target:     target,
		raw:        raw,
		deadline:   time.Now().Add(timeout),
		ch:         make(chan requestOutcome, 1),
	}
	p.timer = time.AfterFunc(timeout, func() { c.expire(p) })
	c.pending.add(p)

	if err := c.enqueue(raw); err != nil {
		if c.pending.take(env.ID) != nil {
			p.timer.Stop()
		}
		return nil, err
	}

	select {
	case out := <-p.ch:
		return out.result, out.err
	case <-ctx.Done():
		if c.pending.take(env.ID) != nil {
			p.timer.Stop()
			c.notifyCancelled(target, inner, "cancelled")
		}
		return nil, ctx.Err()
	case <-c.done:
		if c.pending.take(env.ID) != nil {
			p.timer.Stop()
		}
		return nil, ErrClosed
	}
}

// expire fires once the deadline passes. The entry may already be settled;
// take decides the winner.
func (c *Client) expire(p *pendingRequest) {
	if c.pending.take(p.envelopeID) == nil {
		return
	}
	c.logger.Warn("request timed out",
		"target", p.target,
		"envelope_id", p.envelopeID,
		"timeout", c.cfg.RequestTimeout)
	c.notifyCancelled(p.target, p.innerID, string(protocol.ErrorTimeout))
	p.ch <- requestOutcome{err: ErrRequestTimeout}
}

// notifyCancelled tells the target its request was abandoned. Best effort:
// a full queue or closed client drops it.
func (c *Client) notifyCancelled(target string, innerID int64, reason string) {
	params, err := json.Marshal(protocol.CancelledParams{
		RequestID: innerID,
		Reason:    reason,
	})
	if err != nil {
		return
	}
	env, err := protocol.New(protocol.KindMCPRequest, protocol.MCPPayload{
		JSONRPC: protocol.JSONRPCVersion,
		Method:  protocol.MethodCancelled,
		Params:  params,
	})
	if err != nil {
		return
	}
	if target != "" {
		env.To = []string{target}
	}
	env.Stamp(c.SelfID())
	if raw, err := json.Marshal(env); err == nil {
		_ = c.enqueue(raw)
	}
}

// Respond answers a received mcp/request with a result. The response
// correlates to the request envelope and echoes its inner JSON-RPC id.
func (c *Client) Respond(req *protocol.Envelope, result interface{}) error {
	var raw json.RawMessage
	if result != nil {
		b, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("client: marshal result: %w", err)
		}
		raw = b
	}
	return c.respond(req, protocol.MCPPayload{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      innerRequestID(req),
		Result:  raw,
	})
}

// RespondError answers a received mcp/request with a JSON-RPC error.
func (c *Client) RespondError(req *protocol.Envelope, code int, message string) error {
	return c.respond(req, protocol.MCPPayload{
		JSONRPC: protocol.JSONRPCVersion,
		ID:      innerRequestID(req),
		Error:   &protocol.MCPError{Code: code, Message: message},
	})
}

func (c *Client) respond(req *protocol.Envelope, body protocol.MCPPayload) error {
	env, err := protocol.New(protocol.KindMCPResponse, body)
	if err != nil {
		return err
	}
	env.To = []string{req.From}
	env.CorrelationID = []string{req.ID}
	return c.send(env, false)
}

func innerRequestID(req *protocol.Envelope) interface{} {
	var body protocol.MCPPayload
	if err := req.DecodePayload(&body); err != nil {
		return nil
	}
	return body.ID
}

// PendingRequests reports how many requests are awaiting responses.
func (c *Client) PendingRequests() int {
	return c.pending.size()
}
