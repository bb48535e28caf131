package gateway

import (
	"github.com/mewlab/mew-go/pkg/capability"
)

// grantEntry is one runtime capability added via capability/grant. The id
// is the envelope id of the grant, which is also how revocation by
// grant_id addresses it.
type grantEntry struct {
	id      string
	grantor string
	pattern capability.Pattern
}

// registry stores static capabilities per logical name and runtime grants
// per runtime id. It is not synchronized; the owning space serializes
// access.
type registry struct {
	static map[string][]capability.Pattern
	grants map[string][]grantEntry
}

func newRegistry() *registry {
	return &registry{
		static: make(map[string][]capability.Pattern),
		grants: make(map[string][]grantEntry),
	}
}

func (r *registry) setStatic(name string, patterns []capability.Pattern) {
	r.static[name] = patterns
}

// effective returns the participant's static set followed by runtime
// grants in grant order. The slice is a copy.
func (r *registry) effective(id string) []capability.Pattern {
	static := r.static[id]
	grants := r.grants[id]

	out := make([]capability.Pattern, 0, len(static)+len(grants))
	out = append(out, static...)
	for _, g := range grants {
		out = append(out, g.pattern)
	}
	return out
}

// allowed reports whether any effective pattern matches the envelope.
func (r *registry) allowed(id, kind string, payload map[string]interface{}) bool {
	for _, p := range r.static[id] {
		if p.Matches(kind, payload) {
			return true
		}
	}
	for _, g := range r.grants[id] {
		if g.pattern.Matches(kind, payload) {
			return true
		}
	}
	return false
}

// grant appends the patterns as runtime capabilities of the recipient,
// skipping any pattern structurally equal to one already in the
// recipient's effective set. Replaying a grant therefore leaves the
// union unchanged. Returns the number of entries added.
func (r *registry) grant(grantID, grantor, recipient string, patterns []capability.Pattern) int {
	added := 0
	for _, p := range patterns {
		if r.holdsPattern(recipient, p) {
			continue
		}
		r.grants[recipient] = append(r.grants[recipient], grantEntry{
			id:      grantID,
			grantor: grantor,
			pattern: p,
		})
		added++
	}
	return added
}

func (r *registry) holdsPattern(id string, p capability.Pattern) bool {
	for _, existing := range r.static[id] {
		if capability.Equal(existing, p) {
			return true
		}
	}
	for _, g := range r.grants[id] {
		if capability.Equal(g.pattern, p) {
			return true
		}
	}
	return false
}

// revokeByGrantID removes every runtime entry recorded under the grant
// envelope id. Returns the number removed.
func (r *registry) revokeByGrantID(recipient, grantID string) int {
	return r.revoke(recipient, func(g grantEntry) bool {
		return g.id == grantID
	})
}

// revokeByPatterns removes every runtime entry whose pattern is
// structurally equal to one of the supplied patterns.
func (r *registry) revokeByPatterns(recipient string, patterns []capability.Pattern) int {
	return r.revoke(recipient, func(g grantEntry) bool {
		for _, p := range patterns {
			if capability.Equal(g.pattern, p) {
				return true
			}
		}
		return false
	})
}

func (r *registry) revoke(recipient string, drop func(grantEntry) bool) int {
	entries := r.grants[recipient]
	kept := entries[:0]
	removed := 0
	for _, g := range entries {
		if drop(g) {
			removed++
			continue
		}
		kept = append(kept, g)
	}
	if len(kept) == 0 {
		delete(r.grants, recipient)
	} else {
		r.grants[recipient] = kept
	}
	return removed
}

// dropRuntime discards all runtime grants for a departed participant.
// Static capabilities persist in the space configuration.
func (r *registry) dropRuntime(id string) {
	delete(r.grants, id)
}
