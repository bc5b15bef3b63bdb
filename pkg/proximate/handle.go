package proximate

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Handle is a locally synthesized surrogate for a remote object. Its
// path names the target: the head is a receiver identifier at the
// peer, the tail a chain of member accesses resolved lazily when the
// handle is used. Member reads, writes and calls become protocol
// messages; everything that touches the peer is asynchronous.
//
// Handles whose path has length 1 are primary on their connection and
// are tracked for the closing handshake. Derived handles (Get) are
// ephemeral: they exist to be immediately fetched, called or written
// through, and hold no remote references of their own.
type Handle struct {
	conn *Connection
	path []string

	mu       sync.Mutex
	released bool
}

func newHandle(c *Connection, path []string) *Handle {
	h := &Handle{conn: c, path: path}
	if len(path) == 1 {
		c.track(h)
	}
	return h
}

// Conn returns the connection this handle operates through.
func (h *Handle) Conn() *Connection {
	return h.conn
}

// Path returns a copy of the handle's path.
func (h *Handle) Path() []string {
	p := make([]string, len(h.path))
	copy(p, h.path)
	return p
}

func (h *Handle) String() string {
	return fmt.Sprintf("<Handle [%s]>", strings.Join(h.path, "."))
}

func (h *Handle) usable() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return ErrHandleReleased
	}
	return nil
}

// Get returns a handle for a nested member of the target. No message
// is posted; resolution happens on the receiving side when the
// derived handle is used.
func (h *Handle) Get(names ...string) *Handle {
	if len(names) == 0 {
		return h
	}
	p := make([]string, 0, len(h.path)+len(names))
	p = append(p, h.path...)
	p = append(p, names...)
	d := &Handle{conn: h.conn, path: p}
	h.mu.Lock()
	d.released = h.released
	h.mu.Unlock()
	return d
}

// Fetch posts a get for the target and awaits the peer's value.
func (h *Handle) Fetch(ctx context.Context) (any, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	return h.conn.roundTrip(ctx, &Message{ID: Nonce(), Path: h.Path()}, nil)
}

// Call posts an invocation of the target with args and awaits the
// result. Arguments pass through the codec; protocols registered at
// both peers decide which argument kinds travel by handle.
func (h *Handle) Call(ctx context.Context, args ...any) (any, error) {
	if err := h.usable(); err != nil {
		return nil, err
	}
	wargs := make([]*WireValue, len(args))
	var transfer []any
	for i, a := range args {
		w, t, err := h.conn.serialize(a)
		if err != nil {
			return nil, fmt.Errorf("proximate: arg %d: %w", i, err)
		}
		wargs[i] = w
		transfer = append(transfer, t...)
	}
	return h.conn.roundTrip(ctx, &Message{ID: Nonce(), Path: h.Path(), Args: wargs}, transfer)
}

// Set posts a write of the target's member name. The write is
// fire-and-forget: serialization failures surface here, while a
// rejection by the peer (unknown receiver, failed assignment) is only
// logged on this side when its response arrives.
func (h *Handle) Set(name string, value any) error {
	if err := h.usable(); err != nil {
		return err
	}
	w, transfer, err := h.conn.serialize(value)
	if err != nil {
		return fmt.Errorf("proximate: set %q: %w", name, err)
	}
	path := append(h.Path(), name)
	return h.conn.postWrite(&Message{ID: Nonce(), Path: path, Value: w}, transfer)
}

// Release gives up this handle. For a primary handle the peer's
// receiver refcount is decremented and the returned error reflects
// the peer's acknowledgement; derived handles are only marked locally.
// Any further use of the handle rejects with ErrHandleReleased.
// Release is idempotent.
func (h *Handle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	h.mu.Unlock()

	if len(h.path) != 1 {
		return nil
	}
	h.conn.untrack(h)
	_, err := h.conn.roundTrip(ctx, &Message{
		ID:      Nonce(),
		Path:    h.Path(),
		Release: RefCounts{h.path[0]: 1},
	}, nil)
	return err
}
