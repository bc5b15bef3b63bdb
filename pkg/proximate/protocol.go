package proximate

import (
	"fmt"
	"reflect"
	"runtime/debug"
	"sync"
)

// RegisterFunc is the closure a Protocol's Serialize receives; it is
// IncRef bound to the executing connection's receiver registry and
// returns the id to embed in the payload.
type RegisterFunc func(v any) string

// MintFunc is the closure a Protocol's Deserialize receives; it mints
// a tracked primary handle for a receiver id owned by the sending
// peer.
type MintFunc func(id string) *Handle

// Protocol is a pluggable codec for one kind of value, installed under
// the same string key at both peers.
type Protocol interface {
	// CanHandle reports whether this protocol carries v.
	CanHandle(v any) bool

	// Serialize encodes v into a structurally cloneable payload plus a
	// list of transfer-eligible opaque handles the transport may move
	// rather than copy.
	Serialize(v any, register RegisterFunc) (data any, transfer []any, err error)

	// Deserialize decodes a payload produced by the peer's Serialize.
	Deserialize(data any, mint MintFunc) (any, error)
}

// ThrowKey is the reserved protocol key under which the default error
// protocol is installed.
const ThrowKey = "throw"

// handleKey is the reserved key the codec itself uses to carry a
// back-reference: a handle sent to the peer that owns its referent.
// It is not a user-registrable protocol.
const handleKey = "handle"

// ProtocolMap is a mutex-guarded, insertion-ordered table of protocol
// handlers keyed by string. Lookup by key is exact; CanHandle scans
// run in registration order.
type ProtocolMap struct {
	mu   sync.Mutex
	keys []string
	m    map[string]Protocol
}

// NewProtocolMap returns an empty protocol table.
func NewProtocolMap() *ProtocolMap {
	return &ProtocolMap{m: make(map[string]Protocol)}
}

// Register installs p under key, replacing any previous handler for
// the same key (the original registration order position is kept).
func (pm *ProtocolMap) Register(key string, p Protocol) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.m[key]; !ok {
		pm.keys = append(pm.keys, key)
	}
	pm.m[key] = p
}

// Deregister removes the handler for key, if any.
func (pm *ProtocolMap) Deregister(key string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.m[key]; !ok {
		return
	}
	delete(pm.m, key)
	for i, k := range pm.keys {
		if k == key {
			pm.keys = append(pm.keys[:i], pm.keys[i+1:]...)
			break
		}
	}
}

// Lookup returns the handler installed under key.
func (pm *ProtocolMap) Lookup(key string) (Protocol, bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	p, ok := pm.m[key]
	return p, ok
}

// match scans handlers in registration order and returns the first
// whose CanHandle accepts v.
func (pm *ProtocolMap) match(v any) (string, Protocol, bool) {
	pm.mu.Lock()
	keys := append([]string(nil), pm.keys...)
	m := make(map[string]Protocol, len(keys))
	for _, k := range keys {
		m[k] = pm.m[k]
	}
	pm.mu.Unlock()

	for _, k := range keys {
		if m[k].CanHandle(v) {
			return k, m[k], true
		}
	}
	return "", nil, false
}

// Protocols is the process-wide protocol table. Connections may
// overlay it with per-connection registrations via Config.Protocols.
var Protocols = NewProtocolMap()

// HandleProtocol is a convenience base implementing pass-by-handle:
// Serialize registers the value and emits its id; Deserialize mints a
// handle for the id. Install it under the same key at both peers with
// an Accept predicate picking out the value kinds to pass by
// reference.
type HandleProtocol struct {
	Accept func(v any) bool
}

// NewHandleProtocol returns a pass-by-handle protocol accepting the
// values accept returns true for.
func NewHandleProtocol(accept func(v any) bool) *HandleProtocol {
	return &HandleProtocol{Accept: accept}
}

// CanHandle implements Protocol.
func (p *HandleProtocol) CanHandle(v any) bool {
	return p.Accept != nil && p.Accept(v)
}

// Serialize implements Protocol.
func (p *HandleProtocol) Serialize(v any, register RegisterFunc) (any, []any, error) {
	return register(v), nil, nil
}

// Deserialize implements Protocol.
func (p *HandleProtocol) Deserialize(data any, mint MintFunc) (any, error) {
	id, ok := data.(string)
	if !ok {
		return nil, fmt.Errorf("proximate: pass-by-handle payload is %T, want string", data)
	}
	return mint(id), nil
}

// Callable reports whether v can meaningfully be invoked through a
// call message: a Go func, or a handle to a remote callable. Handy as
// the Accept predicate of a pass-by-handle protocol for functions.
func Callable(v any) bool {
	if _, ok := v.(*Handle); ok {
		return true
	}
	return v != nil && reflect.TypeOf(v).Kind() == reflect.Func
}

// errorProtocol is installed process-wide under ThrowKey. It carries
// any error value as {message, stack}; the stack is the remote stack
// when re-forwarding a RemoteError, else the serializing goroutine's
// stack at catch time.
type errorProtocol struct{}

func (errorProtocol) CanHandle(v any) bool {
	_, ok := v.(error)
	return ok
}

func (errorProtocol) Serialize(v any, _ RegisterFunc) (any, []any, error) {
	err := v.(error)
	stack := ""
	if re, ok := err.(*RemoteError); ok {
		stack = re.Stack
	} else {
		stack = string(debug.Stack())
	}
	return map[string]any{"message": err.Error(), "stack": stack}, nil, nil
}

func (errorProtocol) Deserialize(data any, _ MintFunc) (any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proximate: error payload is %T, want map", data)
	}
	re := &RemoteError{}
	if s, ok := m["message"].(string); ok {
		re.Message = s
	}
	if s, ok := m["stack"].(string); ok {
		re.Stack = s
	}
	return re, nil
}

func init() {
	Protocols.Register(ThrowKey, errorProtocol{})
}
