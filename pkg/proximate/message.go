package proximate

import (
	"fmt"

	json "github.com/goccy/go-json"
)

// RefCounts is an id-to-count map carried by release and close
// messages, instructing the peer to decrement receiver refcounts.
type RefCounts map[string]int

// Message is the framed unit exchanged between peers. Messages are
// discriminated purely by the presence of structural keys:
//
//	id + path            request (shape decided by args/value/release/close)
//	id only              response (result or error)
//	anything else        dropped
//
// An empty string at Path[0] addresses the receiving side's primary
// receiver.
type Message struct {
	// ID is the correlation nonce shared by a request and its response.
	ID string `json:"id,omitempty"`

	// Path is the receiver-id head plus member names. Request-only.
	Path []string `json:"path,omitempty"`

	// Args makes the request a call. Deliberately not omitempty: an
	// empty-but-present list is how a zero-argument call differs from
	// a get on the wire (JSON null decodes back to absent).
	Args []*WireValue `json:"args"`

	// Value makes the request a property write.
	Value *WireValue `json:"value,omitempty"`

	// Release asks the peer to decrement receiver refcounts.
	Release RefCounts `json:"release,omitempty"`

	// Close initiates the closing handshake; the peer replies with its
	// own residual map. A pointer so that a close carrying an empty map
	// still marshals as present.
	Close *RefCounts `json:"close,omitempty"`

	// Result is the success payload of a response.
	Result *WireValue `json:"result,omitempty"`

	// Error is the failure payload of a response.
	Error *WireValue `json:"error,omitempty"`
}

// IsRequest reports whether m classifies as a request.
func (m *Message) IsRequest() bool {
	return m.ID != "" && len(m.Path) > 0
}

// IsResponse reports whether m classifies as a response.
func (m *Message) IsResponse() bool {
	return m.ID != "" && len(m.Path) == 0
}

// WireError is the wire form of a forwarded failure.
type WireError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type wireKind int

const (
	wirePrimitive wireKind = iota
	wireCustom
	wireError
	wireCompound
)

// WireValue is the encoding of a single value crossing the boundary.
// It marshals to exactly one of the four wire forms:
//
//	primitive            the JSON value itself
//	{type, data}         a registered protocol's payload
//	{error: {message, stack}}
//	{data}               a structurally cloned compound
type WireValue struct {
	kind wireKind
	typ  string
	data any
	werr *WireError
}

func primitiveValue(v any) *WireValue {
	return &WireValue{kind: wirePrimitive, data: v}
}

func customValue(key string, data any) *WireValue {
	return &WireValue{kind: wireCustom, typ: key, data: data}
}

func compoundValue(v any) *WireValue {
	return &WireValue{kind: wireCompound, data: v}
}

func errorValue(we *WireError) *WireValue {
	return &WireValue{kind: wireError, werr: we}
}

// MarshalJSON implements json.Marshaler.
func (w *WireValue) MarshalJSON() ([]byte, error) {
	switch w.kind {
	case wireCustom:
		return json.Marshal(struct {
			Type string `json:"type"`
			Data any    `json:"data,omitempty"`
		}{w.typ, w.data})
	case wireError:
		return json.Marshal(struct {
			Error *WireError `json:"error"`
		}{w.werr})
	case wireCompound:
		return json.Marshal(struct {
			Data any `json:"data"`
		}{w.data})
	default:
		return json.Marshal(w.data)
	}
}

// UnmarshalJSON implements json.Unmarshaler. Objects are one of the
// three wrapper forms (a primitive is never an object, because the
// serializer wraps every compound); anything else is a primitive.
func (w *WireValue) UnmarshalJSON(b []byte) error {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	if i < len(b) && b[i] == '{' {
		var aux struct {
			Type  string     `json:"type"`
			Data  any        `json:"data"`
			Error *WireError `json:"error"`
		}
		if err := json.Unmarshal(b, &aux); err != nil {
			return fmt.Errorf("proximate: bad wire value: %w", err)
		}
		switch {
		case aux.Error != nil:
			*w = WireValue{kind: wireError, werr: aux.Error}
		case aux.Type != "":
			*w = WireValue{kind: wireCustom, typ: aux.Type, data: aux.Data}
		default:
			*w = WireValue{kind: wireCompound, data: aux.Data}
		}
		return nil
	}
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return fmt.Errorf("proximate: bad wire value: %w", err)
	}
	*w = WireValue{kind: wirePrimitive, data: v}
	return nil
}
