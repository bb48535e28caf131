package gateway

// resolver maintains the bidirectional mapping between configured logical
// names and runtime ids, plus the live connection for each runtime id.
// It is not synchronized; the owning space serializes access.
type resolver struct {
	byLogical map[string]string
	byRuntime map[string]string
	conns     map[string]*conn
}

func newResolver() *resolver {
	return &resolver{
		byLogical: make(map[string]string),
		byRuntime: make(map[string]string),
		conns:     make(map[string]*conn),
	}
}

// bind records both name directions and the live connection, returning
// the displaced connection when the same participant was already bound.
func (r *resolver) bind(logical, runtime string, c *conn) *conn {
	var displaced *conn
	if prev, ok := r.byLogical[logical]; ok {
		displaced = r.conns[prev]
		delete(r.byRuntime, prev)
		delete(r.conns, prev)
	}
	r.byLogical[logical] = runtime
	r.byRuntime[runtime] = logical
	r.conns[runtime] = c
	return displaced
}

// unbind removes the binding only when c is still the current connection
// for the runtime id. A displaced connection closing late reports false.
func (r *resolver) unbind(runtime string, c *conn) bool {
	current, ok := r.conns[runtime]
	if !ok || current != c {
		return false
	}
	logical := r.byRuntime[runtime]
	delete(r.byLogical, logical)
	delete(r.byRuntime, runtime)
	delete(r.conns, runtime)
	return true
}

// runtimeID resolves a logical name to the currently bound runtime id.
func (r *resolver) runtimeID(logical string) (string, bool) {
	id, ok := r.byLogical[logical]
	return id, ok
}

// logicalName resolves a runtime id back to its configured name.
func (r *resolver) logicalName(runtime string) (string, bool) {
	name, ok := r.byRuntime[runtime]
	return name, ok
}

func (r *resolver) conn(runtime string) (*conn, bool) {
	c, ok := r.conns[runtime]
	return c, ok
}

// others returns every live connection except the one for excludeID.
func (r *resolver) others(excludeID string) []*conn {
	out := make([]*conn, 0, len(r.conns))
	for id, c := range r.conns {
		if id == excludeID {
			continue
		}
		out = append(out, c)
	}
	return out
}

func (r *resolver) size() int {
	return len(r.conns)
}
