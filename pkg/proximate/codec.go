package proximate

import (
	"fmt"
	"reflect"
	"runtime/debug"
)

// The codec serializes and deserializes values crossing the boundary
// on behalf of one connection. Registered protocols are consulted
// first (the per-connection overlay before the process-wide table);
// then the codec applies its own rules: a back-reference for handles
// whose referent the destination owns, the error form for error
// values, structural cloning for compounds, and pass-through for
// primitives.

func (c *Connection) register(v any) string {
	return c.registry.IncRef(v)
}

func (c *Connection) mintHandle(id string) *Handle {
	return newHandle(c, []string{id})
}

func (c *Connection) serialize(v any) (*WireValue, []any, error) {
	if key, p, ok := c.protocols.match(v); ok {
		data, transfer, err := p.Serialize(v, c.register)
		if err != nil {
			return nil, nil, err
		}
		return customValue(key, data), transfer, nil
	}
	if key, p, ok := Protocols.match(v); ok {
		data, transfer, err := p.Serialize(v, c.register)
		if err != nil {
			return nil, nil, err
		}
		return customValue(key, data), transfer, nil
	}

	if h, ok := v.(*Handle); ok {
		// A primary handle sent over its own connection points at an
		// object the destination already owns: carry the id itself so
		// the peer resolves its original object instead of minting a
		// handle to a handle.
		if h.conn == c && len(h.path) == 1 {
			return customValue(handleKey, map[string]any{"id": h.path[0]}), nil, nil
		}
		return nil, nil, fmt.Errorf("proximate: handle %v needs a pass-by-handle protocol to cross this connection", h)
	}

	if err, ok := v.(error); ok {
		stack := ""
		if re, ok := err.(*RemoteError); ok {
			stack = re.Stack
		} else {
			stack = string(debug.Stack())
		}
		return errorValue(&WireError{Message: err.Error(), Stack: stack}), nil, nil
	}

	if v == nil {
		return primitiveValue(nil), nil, nil
	}
	switch reflect.TypeOf(v).Kind() {
	case reflect.Bool, reflect.String,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return primitiveValue(v), nil, nil
	case reflect.Map, reflect.Slice, reflect.Array, reflect.Struct, reflect.Ptr, reflect.Interface:
		return compoundValue(v), nil, nil
	default:
		return nil, nil, fmt.Errorf("proximate: value of type %T is not serializable without a protocol handler", v)
	}
}

func (c *Connection) deserialize(w *WireValue) (any, error) {
	if w == nil {
		return nil, nil
	}
	switch w.kind {
	case wireCustom:
		if w.typ == handleKey {
			return c.resolveBackReference(w.data)
		}
		p, ok := c.protocols.Lookup(w.typ)
		if !ok {
			p, ok = Protocols.Lookup(w.typ)
		}
		if !ok {
			return nil, &UnknownProtocolError{Key: w.typ}
		}
		return p.Deserialize(w.data, c.mintHandle)
	case wireError:
		if w.werr == nil {
			return &RemoteError{}, nil
		}
		return &RemoteError{Message: w.werr.Message, Stack: w.werr.Stack}, nil
	default:
		// compound and primitive both carry the value itself
		return w.data, nil
	}
}

// resolveBackReference resolves a handle the peer sent back to the
// side that owns its referent: the id names an entry in our own
// registry, so the original local object is returned. Never re-mint a
// handle for one's own id.
func (c *Connection) resolveBackReference(data any) (any, error) {
	m, ok := data.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("proximate: back-reference payload is %T, want map", data)
	}
	id, ok := m["id"].(string)
	if !ok {
		return nil, fmt.Errorf("proximate: back-reference payload has no id")
	}
	rid := id
	if rid == "" {
		rid = c.primaryID
	}
	obj, ok := c.registry.Lookup(rid)
	if !ok {
		return nil, &UnknownReceiverError{ID: id}
	}
	return obj, nil
}
