package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mewlab/mew-go/pkg/capability"
)

func TestRegistryEffectiveCombinesStaticAndGrants(t *testing.T) {
	r := newRegistry()
	r.setStatic("bob", []capability.Pattern{{"kind": "chat"}})
	r.grant("grant-1", "admin", "bob", []capability.Pattern{{"kind": "mcp/request"}})

	eff := r.effective("bob")
	require.Len(t, eff, 2)
	assert.True(t, capability.Equal(eff[0], capability.Pattern{"kind": "chat"}))
	assert.True(t, capability.Equal(eff[1], capability.Pattern{"kind": "mcp/request"}))
}

func TestRegistryGrantReplayLeavesUnionUnchanged(t *testing.T) {
	r := newRegistry()
	r.setStatic("bob", []capability.Pattern{{"kind": "chat"}})

	pattern := capability.Pattern{"kind": "mcp/request", "payload": map[string]interface{}{"method": "tools/*"}}
	added := r.grant("grant-1", "admin", "bob", []capability.Pattern{pattern})
	assert.Equal(t, 1, added)

	// Same pattern again, different grant envelope: no growth.
	added = r.grant("grant-2", "admin", "bob", []capability.Pattern{pattern})
	assert.Equal(t, 0, added)
	assert.Len(t, r.effective("bob"), 2)

	// A pattern already held statically is skipped too.
	added = r.grant("grant-3", "admin", "bob", []capability.Pattern{{"kind": "chat"}})
	assert.Equal(t, 0, added)
	assert.Len(t, r.effective("bob"), 2)
}

func TestRegistryAllowedMatchesPayload(t *testing.T) {
	r := newRegistry()
	r.setStatic("worker", []capability.Pattern{
		{"kind": "mcp/request", "payload": map[string]interface{}{"method": "tools/*"}},
	})

	assert.True(t, r.allowed("worker", "mcp/request", map[string]interface{}{"method": "tools/call"}))
	assert.False(t, r.allowed("worker", "mcp/request", map[string]interface{}{"method": "resources/read"}))
	assert.False(t, r.allowed("worker", "chat", map[string]interface{}{"text": "hi"}))
	assert.False(t, r.allowed("stranger", "chat", nil))
}

func TestRegistryRevokeByGrantID(t *testing.T) {
	r := newRegistry()
	r.grant("grant-1", "admin", "bob", []capability.Pattern{{"kind": "mcp/request"}, {"kind": "stream/request"}})
	r.grant("grant-2", "admin", "bob", []capability.Pattern{{"kind": "chat"}})

	removed := r.revokeByGrantID("bob", "grant-1")
	assert.Equal(t, 2, removed)

	eff := r.effective("bob")
	require.Len(t, eff, 1)
	assert.True(t, capability.Equal(eff[0], capability.Pattern{"kind": "chat"}))

	// Unknown grant id removes nothing.
	assert.Zero(t, r.revokeByGrantID("bob", "grant-1"))
}

func TestRegistryRevokeByPatterns(t *testing.T) {
	r := newRegistry()
	r.grant("grant-1", "admin", "bob", []capability.Pattern{
		{"kind": "mcp/request", "payload": map[string]interface{}{"method": "tools/*"}},
		{"kind": "stream/request"},
	})

	removed := r.revokeByPatterns("bob", []capability.Pattern{
		{"kind": "mcp/request", "payload": map[string]interface{}{"method": "tools/*"}},
	})
	assert.Equal(t, 1, removed)

	eff := r.effective("bob")
	require.Len(t, eff, 1)
	assert.True(t, capability.Equal(eff[0], capability.Pattern{"kind": "stream/request"}))
}

func TestRegistryDropRuntimeKeepsStatic(t *testing.T) {
	r := newRegistry()
	r.setStatic("bob", []capability.Pattern{{"kind": "chat"}})
	r.grant("grant-1", "admin", "bob", []capability.Pattern{{"kind": "mcp/request"}})

	r.dropRuntime("bob")

	eff := r.effective("bob")
	require.Len(t, eff, 1)
	assert.True(t, capability.Equal(eff[0], capability.Pattern{"kind": "chat"}))
}
