package gateway

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// streamEntry records one open stream: identity, ownership, and every
// payload field of the originating stream/request, echoed verbatim to
// late joiners.
type streamEntry struct {
	id      string
	owner   string
	created time.Time
	request map[string]interface{}
}

// snapshot renders the entry as a welcome active_streams element: the
// original request fields overlaid with stream_id, owner, and created.
func (e *streamEntry) snapshot() json.RawMessage {
	fields := make(map[string]interface{}, len(e.request)+3)
	for k, v := range e.request {
		fields[k] = v
	}
	fields["stream_id"] = e.id
	fields["owner"] = e.owner
	fields["created"] = e.created.UTC().Format(time.RFC3339)

	raw, err := json.Marshal(fields)
	if err != nil {
		return nil
	}
	return raw
}

// streamTable allocates and tracks streams within one space. Ids are
// monotonic per space and never reused. Not synchronized; the owning
// space serializes access.
type streamTable struct {
	next     int
	entries  map[string]*streamEntry
	perOwner map[string]int
}

func newStreamTable() *streamTable {
	return &streamTable{
		entries:  make(map[string]*streamEntry),
		perOwner: make(map[string]int),
	}
}

// open allocates the next stream id for the owner, echoing the request
// payload fields into the entry.
func (t *streamTable) open(owner string, request map[string]interface{}) *streamEntry {
	t.next++
	entry := &streamEntry{
		id:      fmt.Sprintf("stream-%d", t.next),
		owner:   owner,
		created: time.Now().UTC(),
		request: request,
	}
	t.entries[entry.id] = entry
	t.perOwner[owner]++
	return entry
}

func (t *streamTable) get(id string) (*streamEntry, bool) {
	entry, ok := t.entries[id]
	return entry, ok
}

// close removes the entry. Frames referencing a closed id are dropped by
// the relay.
func (t *streamTable) close(id string) (*streamEntry, bool) {
	entry, ok := t.entries[id]
	if !ok {
		return nil, false
	}
	delete(t.entries, id)
	t.decOwner(entry.owner)
	return entry, true
}

// closeOwnedBy removes every stream the owner holds, returning the
// closed entries for synthetic stream/close broadcasts.
func (t *streamTable) closeOwnedBy(owner string) []*streamEntry {
	var closed []*streamEntry
	for id, entry := range t.entries {
		if entry.owner != owner {
			continue
		}
		delete(t.entries, id)
		t.decOwner(owner)
		closed = append(closed, entry)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].id < closed[j].id })
	return closed
}

func (t *streamTable) decOwner(owner string) {
	if t.perOwner[owner] <= 1 {
		delete(t.perOwner, owner)
	} else {
		t.perOwner[owner]--
	}
}

func (t *streamTable) ownedBy(owner string) int {
	return t.perOwner[owner]
}

// snapshots returns every open stream in creation order for inclusion in
// system/welcome.
func (t *streamTable) snapshots() []json.RawMessage {
	entries := make([]*streamEntry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].created.Equal(entries[j].created) {
			return entries[i].id < entries[j].id
		}
		return entries[i].created.Before(entries[j].created)
	})

	out := make([]json.RawMessage, 0, len(entries))
	for _, e := range entries {
		if raw := e.snapshot(); raw != nil {
			out = append(out, raw)
		}
	}
	return out
}

func (t *streamTable) size() int {
	return len(t.entries)
}
