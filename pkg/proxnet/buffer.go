package proxnet

import (
	"fmt"
	"sync"

	cristalbase64 "github.com/cristalhq/base64"

	"github.com/proximate-go/proximate/pkg/proximate"
)

// Detacher is implemented by transferable values: objects on a
// PostMessage transfer list whose ownership moves across the
// transport. The endpoint detaches them locally once the serialized
// payload is on its way.
type Detacher interface {
	Detach()
}

// BufferKey is the protocol key BufferProtocol is conventionally
// installed under. Both peers must use the same key.
const BufferKey = "buffer"

// Buffer is a transferable byte buffer. Posting one on a transfer
// list moves its contents: the local buffer is left detached (length
// zero) and the peer receives the bytes.
type Buffer struct {
	mu   sync.Mutex
	data []byte
}

// NewBuffer wraps b. The buffer takes ownership of the slice.
func NewBuffer(b []byte) *Buffer {
	return &Buffer{data: b}
}

// Bytes returns the backing bytes, or nil after Detach.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.data
}

// Len returns the current length; zero after Detach.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data)
}

// Detach implements Detacher, releasing the backing storage.
func (b *Buffer) Detach() {
	b.mu.Lock()
	b.data = nil
	b.mu.Unlock()
}

// BufferProtocol carries a *Buffer by moving its contents: the
// serialized payload aliases the backing bytes and the buffer itself
// rides the transfer list so the posting endpoint detaches it.
type BufferProtocol struct{}

// CanHandle implements proximate.Protocol.
func (BufferProtocol) CanHandle(v any) bool {
	_, ok := v.(*Buffer)
	return ok
}

// Serialize implements proximate.Protocol.
func (BufferProtocol) Serialize(v any, _ proximate.RegisterFunc) (any, []any, error) {
	buf := v.(*Buffer)
	return buf.Bytes(), []any{buf}, nil
}

// Deserialize implements proximate.Protocol. JSON transports,
// including the in-process pair's structural clone, deliver the
// payload base64-encoded; a raw []byte payload is also accepted.
func (BufferProtocol) Deserialize(data any, _ proximate.MintFunc) (any, error) {
	switch d := data.(type) {
	case []byte:
		return NewBuffer(d), nil
	case string:
		b, err := cristalbase64.StdEncoding.DecodeString(d)
		if err != nil {
			return nil, fmt.Errorf("proxnet: bad buffer payload: %w", err)
		}
		return NewBuffer(b), nil
	case nil:
		return NewBuffer(nil), nil
	}
	return nil, fmt.Errorf("proxnet: buffer payload is %T, want bytes", data)
}
