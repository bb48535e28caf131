package gateway

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStreamTableAllocatesSequentialIDs(t *testing.T) {
	tbl := newStreamTable()
	a := tbl.open("alice", map[string]interface{}{"direction": "upload"})
	b := tbl.open("alice", map[string]interface{}{"direction": "download"})

	assert.Equal(t, "stream-1", a.id)
	assert.Equal(t, "stream-2", b.id)
	assert.Equal(t, 2, tbl.ownedBy("alice"))
	assert.Equal(t, 2, tbl.size())

	// Ids are never reused, even after a close.
	_, ok := tbl.close("stream-1")
	require.True(t, ok)
	c := tbl.open("alice", map[string]interface{}{"direction": "upload"})
	assert.Equal(t, "stream-3", c.id)
}

func TestStreamSnapshotPreservesRequestFields(t *testing.T) {
	tbl := newStreamTable()
	tbl.open("worker", map[string]interface{}{
		"direction":    "upload",
		"content_type": "application/octet-stream",
		"trace_hint":   "batch-7",
	})

	snaps := tbl.snapshots()
	require.Len(t, snaps, 1)

	var fields map[string]interface{}
	require.NoError(t, json.Unmarshal(snaps[0], &fields))
	assert.Equal(t, "stream-1", fields["stream_id"])
	assert.Equal(t, "worker", fields["owner"])
	assert.NotEmpty(t, fields["created"])
	assert.Equal(t, "upload", fields["direction"])
	assert.Equal(t, "application/octet-stream", fields["content_type"])
	assert.Equal(t, "batch-7", fields["trace_hint"])
}

func TestStreamTableCloseOwnedBy(t *testing.T) {
	tbl := newStreamTable()
	tbl.open("alice", map[string]interface{}{"direction": "upload"})
	tbl.open("bob", map[string]interface{}{"direction": "upload"})
	tbl.open("alice", map[string]interface{}{"direction": "download"})

	closed := tbl.closeOwnedBy("alice")
	require.Len(t, closed, 2)
	assert.Equal(t, "stream-1", closed[0].id)
	assert.Equal(t, "stream-3", closed[1].id)

	assert.Zero(t, tbl.ownedBy("alice"))
	assert.Equal(t, 1, tbl.ownedBy("bob"))
	assert.Equal(t, 1, tbl.size())

	// Nothing left for alice; a second sweep is empty.
	assert.Empty(t, tbl.closeOwnedBy("alice"))
}

func TestStreamTableCloseUnknown(t *testing.T) {
	tbl := newStreamTable()
	_, ok := tbl.close("stream-99")
	assert.False(t, ok)
}
