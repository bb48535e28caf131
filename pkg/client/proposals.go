package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mewlab/mew-go/pkg/protocol"
)

// ErrNotProposer is returned when withdrawing a proposal someone else made.
var ErrNotProposer = errors.New("client: not the proposer")

const maxTrackedProposals = 512

// ============================================================================
// TRACKER
// ============================================================================

// ProposalState is the lifecycle of one observed proposal.
type ProposalState int

const (
	ProposalPending ProposalState = iota
	ProposalFulfilled
	ProposalWithdrawn
	ProposalRejected
)

func (s ProposalState) String() string {
	switch s {
	case ProposalPending:
		return "pending"
	case ProposalFulfilled:
		return "fulfilled"
	case ProposalWithdrawn:
		return "withdrawn"
	case ProposalRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Proposal is one mcp/proposal seen on the wire, keyed by its envelope id.
type Proposal struct {
	ID       string
	Proposer string
	To       []string
	Method   string
	Params   json.RawMessage
	State    ProposalState
	Created  time.Time
}

// ProposalTracker follows the proposal lifecycle from envelope traffic.
// The gateway does not enforce proposal semantics, so the ordering rules
// live here: only the proposer's withdraw counts, and nothing moves a
// proposal out of a terminal state.
type ProposalTracker struct {
	mu   sync.Mutex
	byID map[string]*Proposal
}

func newProposalTracker() *ProposalTracker {
	return &ProposalTracker{byID: make(map[string]*Proposal)}
}

// observe updates lifecycle state from one envelope. Request, withdraw and
// reject envelopes act on the proposal named by correlation_id[0].
func (t *ProposalTracker) observe(env *protocol.Envelope) {
	switch env.Kind {
	case protocol.KindMCPProposal:
		var body protocol.MCPPayload
		if err := env.DecodePayload(&body); err != nil {
			return
		}
		t.mu.Lock()
		if len(t.byID) >= maxTrackedProposals {
			t.pruneLocked()
		}
		t.byID[env.ID] = &Proposal{
			ID:       env.ID,
			Proposer: env.From,
			To:       append([]string(nil), env.To...),
			Method:   body.Method,
			Params:   body.Params,
			State:    ProposalPending,
			Created:  time.Now(),
		}
		t.mu.Unlock()

	case protocol.KindMCPRequest:
		if len(env.CorrelationID) > 0 {
			t.markFulfilled(env.CorrelationID[0])
		}

	case protocol.KindMCPWithdraw:
		if len(env.CorrelationID) > 0 {
			t.markWithdrawn(env.CorrelationID[0], env.From)
		}

	case protocol.KindMCPReject:
		if len(env.CorrelationID) > 0 {
			t.transition(env.CorrelationID[0], ProposalRejected)
		}
	}
}

func (t *ProposalTracker) markFulfilled(id string) {
	t.transition(id, ProposalFulfilled)
}

// markWithdrawn honors only the original proposer. A withdraw landing
// after fulfillment changes nothing.
func (t *ProposalTracker) markWithdrawn(id, from string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok || p.State != ProposalPending || p.Proposer != from {
		return
	}
	p.State = ProposalWithdrawn
}

func (t *ProposalTracker) transition(id string, to ProposalState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok || p.State != ProposalPending {
		return
	}
	p.State = to
}

// pruneLocked drops settled proposals, oldest first, until under the cap.
func (t *ProposalTracker) pruneLocked() {
	type aged struct {
		id      string
		created time.Time
	}
	var settled []aged
	for id, p := range t.byID {
		if p.State != ProposalPending {
			settled = append(settled, aged{id, p.Created})
		}
	}
	sort.Slice(settled, func(i, j int) bool { return settled[i].created.Before(settled[j].created) })
	for _, a := range settled {
		if len(t.byID) < maxTrackedProposals {
			return
		}
		delete(t.byID, a.id)
	}
}

// Get returns a copy of one tracked proposal.
func (t *ProposalTracker) Get(id string) (Proposal, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.byID[id]
	if !ok {
		return Proposal{}, false
	}
	return *p, true
}

// Outstanding lists pending proposals oldest first.
func (t *ProposalTracker) Outstanding() []Proposal {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Proposal
	for _, p := range t.byID {
		if p.State == ProposalPending {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Created.Before(out[j].Created) })
	return out
}

// ============================================================================
// PROPOSAL API
// ============================================================================

// Propose suggests an operation without executing it. A participant that
// holds the matching mcp/request capability may fulfill it; the returned
// id is the proposal's envelope id, which fulfillments correlate to.
func (c *Client) Propose(target, method string, params interface{}) (string, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return "", fmt.Errorf("client: marshal params: %w", err)
		}
		raw = b
	}
	env, err := protocol.New(protocol.KindMCPProposal, protocol.MCPPayload{
		Method: method,
		Params: raw,
	})
	if err != nil {
		return "", err
	}
	if target != "" {
		env.To = []string{target}
	}
	if err := c.send(env, true); err != nil {
		return "", err
	}
	// Our own envelopes are not echoed back; track the proposal here so
	// Withdraw knows we own it.
	c.proposals.observe(env)
	return env.ID, nil
}

// Fulfill executes a proposal: it sends the real mcp/request, correlated
// to the proposal, to the proposal's designated executor, and waits for
// the response.
func (c *Client) Fulfill(ctx context.Context, proposal *protocol.Envelope) (json.RawMessage, error) {
	if proposal.Kind != protocol.KindMCPProposal {
		return nil, fmt.Errorf("client: cannot fulfill a %s envelope", proposal.Kind)
	}
	var body protocol.MCPPayload
	if err := proposal.DecodePayload(&body); err != nil {
		return nil, err
	}
	target := ""
	if len(proposal.To) > 0 {
		target = proposal.To[0]
	}
	c.proposals.markFulfilled(proposal.ID)
	return c.request(ctx, target, body.Method, body.Params, []string{proposal.ID})
}

// Withdraw retracts a proposal we made. Withdrawing one that was already
// fulfilled, withdrawn or rejected is a silent no-op.
func (c *Client) Withdraw(proposalID, reason string) error {
	p, ok := c.proposals.Get(proposalID)
	if !ok {
		return fmt.Errorf("client: unknown proposal %q", proposalID)
	}
	if p.Proposer != c.SelfID() {
		return ErrNotProposer
	}
	if p.State != ProposalPending {
		return nil
	}
	env, err := protocol.New(protocol.KindMCPWithdraw, protocol.ReasonPayload{Reason: reason})
	if err != nil {
		return err
	}
	env.CorrelationID = []string{proposalID}
	if err := c.send(env, true); err != nil {
		return err
	}
	c.proposals.observe(env)
	return nil
}

// RejectProposal declines a proposal addressed to us.
func (c *Client) RejectProposal(proposal *protocol.Envelope, reason string) error {
	env, err := protocol.New(protocol.KindMCPReject, protocol.ReasonPayload{Reason: reason})
	if err != nil {
		return err
	}
	env.To = []string{proposal.From}
	env.CorrelationID = []string{proposal.ID}
	if err := c.send(env, true); err != nil {
		return err
	}
	c.proposals.observe(env)
	return nil
}
