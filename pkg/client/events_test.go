package client

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// DISPATCHER
// ============================================================================

func TestDispatcherDeliversInOrder(t *testing.T) {
	d := newDispatcher(discardLogger())
	defer d.close()

	var mu sync.Mutex
	var seen []string
	done := make(chan struct{})
	d.on(EventChat, func(n Notification) {
		mu.Lock()
		seen = append(seen, n.Envelope.ID)
		if len(seen) == 3 {
			close(done)
		}
		mu.Unlock()
	})

	for _, id := range []string{"a", "b", "c"} {
		d.publish(Notification{Event: EventChat, Envelope: &protocol.Envelope{ID: id}})
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handlers did not run")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, seen)
}

func TestDispatcherUnsubscribeStopsDelivery(t *testing.T) {
	d := newDispatcher(discardLogger())
	defer d.close()

	hits := make(chan string, 8)
	off := d.on(EventChat, func(n Notification) { hits <- n.Envelope.ID })

	d.publish(Notification{Event: EventChat, Envelope: &protocol.Envelope{ID: "first"}})
	select {
	case id := <-hits:
		assert.Equal(t, "first", id)
	case <-time.After(2 * time.Second):
		t.Fatal("first publish not delivered")
	}

	off()
	d.publish(Notification{Event: EventChat, Envelope: &protocol.Envelope{ID: "second"}})

	select {
	case id := <-hits:
		t.Fatalf("delivery after unsubscribe: %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestDispatcherIsolatesEventClasses(t *testing.T) {
	d := newDispatcher(discardLogger())
	defer d.close()

	chats := make(chan struct{}, 4)
	d.on(EventChat, func(Notification) { chats <- struct{}{} })

	d.publish(Notification{Event: EventPresence, Envelope: &protocol.Envelope{ID: "p"}})
	d.publish(Notification{Event: EventChat, Envelope: &protocol.Envelope{ID: "c"}})

	select {
	case <-chats:
	case <-time.After(2 * time.Second):
		t.Fatal("chat handler did not run")
	}
	select {
	case <-chats:
		t.Fatal("chat handler ran for a presence event")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestEventString(t *testing.T) {
	require.Equal(t, "message", EventMessage.String())
	require.Equal(t, "welcome", EventWelcome.String())
	require.Equal(t, "stream_frame", EventStreamFrame.String())
	require.Equal(t, "history", EventHistory.String())
}

// ============================================================================
// CLIENT SUBSCRIPTIONS
// ============================================================================

func TestOnChatDecodesPayload(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	got := make(chan protocol.ChatPayload, 1)
	c.OnChat(func(env *protocol.Envelope, msg protocol.ChatPayload) {
		got <- msg
	})

	g.send(gatewayEnvelope(t, "human", protocol.KindChat, nil, nil,
		protocol.ChatPayload{Text: "hello tester", Format: protocol.FormatPlain}))

	select {
	case msg := <-got:
		assert.Equal(t, "hello tester", msg.Text)
	case <-time.After(3 * time.Second):
		t.Fatal("chat handler did not fire")
	}
}

func TestOnRequestSkipsCancellationsAndForeignTargets(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	got := make(chan string, 4)
	c.OnRequest(func(req *protocol.Envelope, body protocol.MCPPayload) {
		got <- body.Method
	})

	// Directed at someone else: ignored.
	g.send(gatewayEnvelope(t, "driver", protocol.KindMCPRequest, []string{"worker"}, nil,
		protocol.MCPPayload{JSONRPC: protocol.JSONRPCVersion, ID: 1, Method: "tools/other"}))
	// A cancellation notification: ignored.
	g.send(gatewayEnvelope(t, "driver", protocol.KindMCPRequest, []string{"tester"}, nil,
		protocol.MCPPayload{JSONRPC: protocol.JSONRPCVersion, Method: protocol.MethodCancelled}))
	// Directed at us: delivered.
	g.send(gatewayEnvelope(t, "driver", protocol.KindMCPRequest, []string{"tester"}, nil,
		protocol.MCPPayload{JSONRPC: protocol.JSONRPCVersion, ID: 2, Method: "tools/call"}))

	select {
	case method := <-got:
		assert.Equal(t, "tools/call", method)
	case <-time.After(3 * time.Second):
		t.Fatal("request handler did not fire")
	}
	select {
	case method := <-got:
		t.Fatalf("unexpected extra delivery: %s", method)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestOnErrorSurfacesGatewayRejections(t *testing.T) {
	g := newStubGateway(t)
	c := dialStub(t, g)

	got := make(chan error, 1)
	c.On(EventError, func(n Notification) { got <- n.Err })

	g.send(gatewayEnvelope(t, protocol.GatewayID, protocol.KindSystemError,
		[]string{"tester"}, []string{"env-123"},
		protocol.ErrorPayload{Error: protocol.ErrorCapabilityViolation, Message: "capability denied", AttemptedKind: "mcp/request"}))

	select {
	case err := <-got:
		var wireErr *protocol.WireError
		require.ErrorAs(t, err, &wireErr)
		assert.Equal(t, protocol.ErrorCapabilityViolation, wireErr.Code)
	case <-time.After(3 * time.Second):
		t.Fatal("error handler did not fire")
	}
}
