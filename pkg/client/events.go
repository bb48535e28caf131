package client

import (
	"log/slog"
	"sync"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// ============================================================================
// EVENT TYPES
// ============================================================================

// Event identifies one class of client notification.
type Event int

const (
	// EventMessage fires for every envelope the client receives, before
	// any kind-specific event.
	EventMessage Event = iota
	// EventWelcome fires when a system/welcome lands, including refreshes
	// after capability changes.
	EventWelcome
	// EventPresence fires on join and leave announcements.
	EventPresence
	// EventChat fires on chat envelopes.
	EventChat
	// EventProposal fires on mcp/proposal envelopes.
	EventProposal
	// EventError fires on system/error envelopes and on transport faults.
	EventError
	// EventStreamFrame fires for each binary frame on a known stream.
	EventStreamFrame
	// EventDisconnected fires when the session drops and the client begins
	// reconnecting.
	EventDisconnected
	// EventReconnected fires when a replacement session is established.
	EventReconnected
	// EventHistory fires once per session with the replayed backlog, when
	// history fetch is enabled.
	EventHistory
)

func (e Event) String() string {
	switch e {
	case EventMessage:
		return "message"
	case EventWelcome:
		return "welcome"
	case EventPresence:
		return "presence"
	case EventChat:
		return "chat"
	case EventProposal:
		return "proposal"
	case EventError:
		return "error"
	case EventStreamFrame:
		return "stream_frame"
	case EventDisconnected:
		return "disconnected"
	case EventReconnected:
		return "reconnected"
	case EventHistory:
		return "history"
	default:
		return "unknown"
	}
}

// Notification is one dispatched event. Envelope is set for envelope-borne
// events, Err for error events, StreamID and Data for stream frames, and
// History for backlog replay.
type Notification struct {
	Event    Event
	Envelope *protocol.Envelope
	Err      error
	StreamID string
	Data     []byte
	History  []*protocol.Envelope
}

// Handler consumes one notification. Handlers run on the dispatch
// goroutine; blocking in a handler stalls event delivery, not the socket.
type Handler func(Notification)

// ============================================================================
// DISPATCHER
// ============================================================================

const eventQueueSize = 256

type subscription struct {
	id int
	fn Handler
}

// dispatcher fans notifications out to subscribers on a single goroutine so
// handlers observe events in arrival order.
type dispatcher struct {
	mu   sync.Mutex
	next int
	subs map[Event][]subscription

	queue  chan Notification
	done   chan struct{}
	once   sync.Once
	logger *slog.Logger
}

func newDispatcher(logger *slog.Logger) *dispatcher {
	d := &dispatcher{
		subs:   make(map[Event][]subscription),
		queue:  make(chan Notification, eventQueueSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go d.run()
	return d
}

func (d *dispatcher) run() {
	for {
		select {
		case n := <-d.queue:
			d.deliver(n)
		case <-d.done:
			// Drain what is already queued so a Close right after a
			// publish does not eat the tail.
			for {
				select {
				case n := <-d.queue:
					d.deliver(n)
				default:
					return
				}
			}
		}
	}
}

func (d *dispatcher) deliver(n Notification) {
	d.mu.Lock()
	subs := d.subs[n.Event]
	handlers := make([]Handler, len(subs))
	for i, s := range subs {
		handlers[i] = s.fn
	}
	d.mu.Unlock()

	for _, fn := range handlers {
		fn(n)
	}
}

// publish enqueues without blocking; a full queue drops the event.
func (d *dispatcher) publish(n Notification) {
	select {
	case d.queue <- n:
	case <-d.done:
	default:
		d.logger.Warn("event queue full, dropping notification", "event", n.Event.String())
	}
}

// on registers a handler and returns its unsubscribe func.
func (d *dispatcher) on(e Event, fn Handler) func() {
	d.mu.Lock()
	d.next++
	id := d.next
	d.subs[e] = append(d.subs[e], subscription{id: id, fn: fn})
	d.mu.Unlock()

	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		subs := d.subs[e]
		for i, s := range subs {
			if s.id == id {
				d.subs[e] = append(subs[:i], subs[i+1:]...)
				return
			}
		}
	}
}

func (d *dispatcher) close() {
	d.once.Do(func() { close(d.done) })
}
