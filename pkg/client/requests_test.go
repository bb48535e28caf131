package client

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// REQUEST / RESPONSE ROUND TRIPS
// ============================================================================

func TestRequestResolvesOnCorrelatedResponse(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	done := make(chan struct {
		result json.RawMessage
		err    error
	}, 1)
	go func() {
		result, err := c.Request(context.Background(), "worker", "tools/call",
			map[string]interface{}{"name": "fetch", "arguments": map[string]string{"url": "https://example.com"}})
		done <- struct {
			result json.RawMessage
			err    error
		}{result, err}
	}()

	req := g.next(protocol.KindMCPRequest)
	assert.Equal(t, []string{"worker"}, req.To)
	assert.Equal(t, "tester", req.From)

	var body protocol.MCPPayload
	require.NoError(t, req.DecodePayload(&body))
	assert.Equal(t, protocol.JSONRPCVersion, body.JSONRPC)
	assert.Equal(t, "tools/call", body.Method)
	assert.NotNil(t, body.ID)

	result, err := json.Marshal(map[string]string{"content": "ok"})
	require.NoError(t, err)
	g.send(gatewayEnvelope(t, "worker", protocol.KindMCPResponse,
		[]string{"tester"}, []string{req.ID},
		protocol.MCPPayload{JSONRPC: protocol.JSONRPCVersion, ID: body.ID, Result: result}))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.JSONEq(t, `{"content":"ok"}`, string(out.result))
	case <-time.After(3 * time.Second):
		t.Fatal("request did not resolve")
	}
}

func TestRequestSurfacesRPCError(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "worker", "tools/call", map[string]string{"name": "nope"})
		done <- err
	}()

	req := g.next(protocol.KindMCPRequest)
	var body protocol.MCPPayload
	require.NoError(t, req.DecodePayload(&body))

	g.send(gatewayEnvelope(t, "worker", protocol.KindMCPResponse,
		[]string{"tester"}, []string{req.ID},
		protocol.MCPPayload{
			JSONRPC: protocol.JSONRPCVersion,
			ID:      body.ID,
			Error:   &protocol.MCPError{Code: -32601, Message: "method not found"},
		}))

	select {
	case err := <-done:
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32601, rpcErr.Code)
		assert.Equal(t, "method not found", rpcErr.Message)
	case <-time.After(3 * time.Second):
		t.Fatal("request did not settle")
	}
}

// ============================================================================
// TIMEOUT AND CANCELLATION
// ============================================================================

func TestRequestTimeoutEmitsCancelledNotification(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g, func(cfg *Config) { cfg.RequestTimeout = 200 * time.Millisecond })

	start := time.Now()
	_, err := c.Request(context.Background(), "offline-peer", "tools/call", map[string]string{})
	require.ErrorIs(t, err, ErrRequestTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)

	// The original request went out first.
	first := g.next(protocol.KindMCPRequest)
	var reqBody protocol.MCPPayload
	require.NoError(t, first.DecodePayload(&reqBody))
	assert.Equal(t, "tools/call", reqBody.Method)

	// Then the courtesy cancellation toward the same target.
	cancelled := g.next(protocol.KindMCPRequest)
	assert.Equal(t, []string{"offline-peer"}, cancelled.To)

	var body protocol.MCPPayload
	require.NoError(t, cancelled.DecodePayload(&body))
	assert.Equal(t, protocol.MethodCancelled, body.Method)

	var params protocol.CancelledParams
	require.NoError(t, json.Unmarshal(body.Params, &params))
	assert.EqualValues(t, reqBody.ID, params.RequestID)
	assert.Equal(t, "timeout", params.Reason)

	assert.Zero(t, c.PendingRequests())
}

func TestRequestContextCancelEmitsCancelledNotification(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, "worker", "tools/call", nil)
		done <- err
	}()

	g.next(protocol.KindMCPRequest)
	cancel()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("request did not settle")
	}

	cancelled := g.next(protocol.KindMCPRequest)
	var body protocol.MCPPayload
	require.NoError(t, cancelled.DecodePayload(&body))
	assert.Equal(t, protocol.MethodCancelled, body.Method)

	var params protocol.CancelledParams
	require.NoError(t, json.Unmarshal(body.Params, &params))
	assert.Equal(t, "cancelled", params.Reason)
}

func TestPeerLeaveRejectsPendingRequests(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "worker", "tools/call", map[string]string{})
		done <- err
	}()
	g.next(protocol.KindMCPRequest)

	g.send(gatewayEnvelope(t, protocol.GatewayID, protocol.KindSystemPresence, nil, nil,
		protocol.PresencePayload{Event: protocol.PresenceLeave, Participant: protocol.ParticipantInfo{ID: "worker"}}))

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrPeerDisconnected)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request survived peer departure")
	}
}

func TestCloseFailsPendingRequests(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	done := make(chan error, 1)
	go func() {
		_, err := c.Request(context.Background(), "worker", "tools/call", map[string]string{})
		done <- err
	}()
	g.next(protocol.KindMCPRequest)

	c.Close()

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(3 * time.Second):
		t.Fatal("pending request survived close")
	}
}

// ============================================================================
// RESPONDING
// ============================================================================

func TestRespondEchoesInnerIDAndCorrelation(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	params, err := json.Marshal(map[string]string{"name": "lint"})
	require.NoError(t, err)
	req := gatewayEnvelope(t, "driver", protocol.KindMCPRequest, []string{"tester"}, nil,
		protocol.MCPPayload{JSONRPC: protocol.JSONRPCVersion, ID: 42, Method: "tools/call", Params: params})

	require.NoError(t, c.Respond(req, map[string]string{"status": "done"}))

	resp := g.next(protocol.KindMCPResponse)
	assert.Equal(t, []string{"driver"}, resp.To)
	assert.Equal(t, []string{req.ID}, resp.CorrelationID)

	var body protocol.MCPPayload
	require.NoError(t, resp.DecodePayload(&body))
	assert.EqualValues(t, 42, body.ID)
	assert.JSONEq(t, `{"status":"done"}`, string(body.Result))
}

func TestRespondErrorCarriesRPCError(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	req := gatewayEnvelope(t, "driver", protocol.KindMCPRequest, []string{"tester"}, nil,
		protocol.MCPPayload{JSONRPC: protocol.JSONRPCVersion, ID: 7, Method: "tools/unknown"})

	require.NoError(t, c.RespondError(req, -32601, "method not found"))

	resp := g.next(protocol.KindMCPResponse)
	var body protocol.MCPPayload
	require.NoError(t, resp.DecodePayload(&body))
	require.NotNil(t, body.Error)
	assert.Equal(t, -32601, body.Error.Code)
	assert.Equal(t, "method not found", body.Error.Message)
}

// ============================================================================
// PENDING TABLE
// ============================================================================

func TestPendingTableRejectByTargetIsSelective(t *testing.T) {
	tbl := newPendingTable()
	a := &pendingRequest{envelopeID: "e1", target: "worker", ch: make(chan requestOutcome, 1)}
	b := &pendingRequest{envelopeID: "e2", target: "other", ch: make(chan requestOutcome, 1)}
	tbl.add(a)
	tbl.add(b)

	tbl.rejectByTarget("worker", ErrPeerDisconnected)

	out := <-a.ch
	assert.ErrorIs(t, out.err, ErrPeerDisconnected)
	assert.Equal(t, 1, tbl.size())
	select {
	case <-b.ch:
		t.Fatal("unrelated pending request was rejected")
	default:
	}
}

func TestPendingTableSplitSeparatesExpired(t *testing.T) {
	tbl := newPendingTable()
	now := time.Now()
	live := &pendingRequest{envelopeID: "live", raw: []byte(`{"id":"live"}`), deadline: now.Add(time.Minute), ch: make(chan requestOutcome, 1)}
	dead := &pendingRequest{envelopeID: "dead", raw: []byte(`{"id":"dead"}`), deadline: now.Add(-time.Minute), ch: make(chan requestOutcome, 1)}
	tbl.add(live)
	tbl.add(dead)

	reissue, expired := tbl.split(now)
	require.Len(t, reissue, 1)
	assert.JSONEq(t, `{"id":"live"}`, string(reissue[0]))
	require.Len(t, expired, 1)
	assert.Equal(t, "dead", expired[0].envelopeID)

	// The live entry stays pending for its eventual response.
	assert.Equal(t, 1, tbl.size())
}
