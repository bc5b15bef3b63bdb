package proximate

import (
	"reflect"
	"sync"
)

// Registry is the process-wide bidirectional mapping between local
// objects exposed to remote peers and their opaque string identifiers,
// with live reference counts. An entry exists iff its count is > 0;
// the count equals the number of outstanding remote handles that refer
// to the receiver across all peers.
//
// The empty-string id is never a registry key. On the wire it denotes
// a connection's primary receiver; each connection substitutes its own
// primary id before lookup.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*receiverEntry
	ids     map[any]string
}

type receiverEntry struct {
	obj  any
	refs int
}

// DefaultRegistry is shared by all connections that do not override
// Config.Registry, so passing the same object to two peers yields a
// single refcounted entry.
var DefaultRegistry = NewRegistry()

// NewRegistry returns an empty receiver registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]*receiverEntry),
		ids:     make(map[any]string),
	}
}

// comparableValue reports whether v may be used as a map key. Funcs,
// maps and slices (and structs containing them) cannot.
func comparableValue(v any) bool {
	if v == nil {
		return false
	}
	return reflect.TypeOf(v).Comparable()
}

// IncRef registers obj (or bumps its count if already registered) and
// returns its identifier.
//
// Identity-based dedupe applies only to comparable values: Go forbids
// funcs, maps and slices as map keys, so such receivers get a fresh id
// per registration, each id carrying its own count. Either way the
// returned id stays valid until its count reaches zero.
func (r *Registry) IncRef(obj any) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	cmp := comparableValue(obj)
	if cmp {
		if id, ok := r.ids[obj]; ok {
			r.entries[id].refs++
			return id
		}
	}
	id := Nonce()
	r.entries[id] = &receiverEntry{obj: obj, refs: 1}
	if cmp {
		r.ids[obj] = id
	}
	return id
}

// DecRef subtracts n from the entry's count. When the count falls to
// zero the entry and its inverse mapping are dropped. Unknown ids and
// n < 1 are ignored.
func (r *Registry) DecRef(id string, n int) {
	if n < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return
	}
	e.refs -= n
	if e.refs <= 0 {
		r.dropLocked(id, e)
	}
}

// RevokeAll removes obj from both directions regardless of count.
// Subsequent remote requests against any lingering id reject with an
// unknown-receiver error.
func (r *Registry) RevokeAll(obj any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if comparableValue(obj) {
		if id, ok := r.ids[obj]; ok {
			r.dropLocked(id, r.entries[id])
		}
		return
	}
	for id, e := range r.entries {
		if sameUncomparable(e.obj, obj) {
			r.dropLocked(id, e)
		}
	}
}

// Lookup resolves an id to its registered object.
func (r *Registry) Lookup(id string) (any, bool) {
	if id == "" {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// Refs returns the live count for id, or 0 if the id is not registered.
func (r *Registry) Refs(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[id]; ok {
		return e.refs
	}
	return 0
}

// Len returns the number of live entries. Useful for leak assertions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) dropLocked(id string, e *receiverEntry) {
	delete(r.entries, id)
	if comparableValue(e.obj) && r.ids[e.obj] == id {
		delete(r.ids, e.obj)
	}
}

// sameUncomparable matches func/map/slice identity through reflect
// pointers. Good enough for RevokeAll over receivers that could not be
// deduped at registration time.
func sameUncomparable(a, b any) bool {
	if a == nil || b == nil {
		return false
	}
	ra, rb := reflect.ValueOf(a), reflect.ValueOf(b)
	if ra.Kind() != rb.Kind() {
		return false
	}
	switch ra.Kind() {
	case reflect.Func, reflect.Map, reflect.Slice:
		return ra.Pointer() == rb.Pointer()
	}
	return false
}
