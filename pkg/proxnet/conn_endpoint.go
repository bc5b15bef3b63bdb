package proxnet

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/proximate-go/proximate/pkg/proximate"
)

// maxFrameBytes bounds a single framed message; larger frames abort
// the connection rather than allocate unboundedly.
const maxFrameBytes = 16 * 1024 * 1024

// ConnEndpoint frames JSON-encoded messages over a net.Conn with a
// 4-byte big-endian length prefix. It owns the conn and closes it at
// teardown. Reading begins at Start, so no message is lost before the
// consumer's listener is in place.
type ConnEndpoint struct {
	*asyncobj.Helper
	name      string
	conn      net.Conn
	listeners listenerSet

	wmu       sync.Mutex
	startOnce sync.Once
}

// NewConnEndpoint wraps conn. The returned endpoint owns conn and is
// responsible for closing it.
func NewConnEndpoint(lg logger.Logger, conn net.Conn) *ConnEndpoint {
	name := fmt.Sprintf("<ConnEndpoint %v>", conn.RemoteAddr())
	e := &ConnEndpoint{
		name: name,
		conn: conn,
	}
	e.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), e)
	e.SetIsActivated()
	return e
}

func (e *ConnEndpoint) String() string {
	return e.name
}

// AddMessageListener implements proximate.Endpoint.
func (e *ConnEndpoint) AddMessageListener(l func(*proximate.Message)) int {
	return e.listeners.add(l)
}

// RemoveMessageListener implements proximate.Endpoint.
func (e *ConnEndpoint) RemoveMessageListener(id int) {
	e.listeners.remove(id)
}

// Start implements proximate.Starter, beginning the read loop.
func (e *ConnEndpoint) Start() {
	e.startOnce.Do(func() { go e.readLoop() })
}

// PostMessage implements proximate.Endpoint. net.Conn cannot move
// opaque handles, but the payload already aliases any transferable's
// bytes, so detaching still honors move semantics.
func (e *ConnEndpoint) PostMessage(msg *proximate.Message, transfer []any) error {
	if err := e.DeferShutdown(); err != nil {
		return ErrEndpointClosed
	}
	defer e.UndeferShutdown()

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("proxnet: message encode: %w", err)
	}
	if len(b) > maxFrameBytes {
		return fmt.Errorf("proxnet: message of %d bytes exceeds frame limit", len(b))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(b)))

	e.wmu.Lock()
	_, werr := e.conn.Write(hdr[:])
	if werr == nil {
		_, werr = e.conn.Write(b)
	}
	e.wmu.Unlock()
	if werr != nil {
		return fmt.Errorf("proxnet: write: %w", werr)
	}
	for _, t := range transfer {
		if d, ok := t.(Detacher); ok {
			d.Detach()
		}
	}
	return nil
}

// Close implements proximate.Closer.
func (e *ConnEndpoint) Close() error {
	return e.Helper.Close()
}

// HandleOnceShutdown implements asyncobj teardown.
func (e *ConnEndpoint) HandleOnceShutdown(completionErr error) error {
	err := e.conn.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (e *ConnEndpoint) readLoop() {
	var hdr [4]byte
	for {
		if _, err := io.ReadFull(e.conn, hdr[:]); err != nil {
			e.finishRead(err)
			return
		}
		n := binary.BigEndian.Uint32(hdr[:])
		if n > maxFrameBytes {
			e.finishRead(fmt.Errorf("proxnet: inbound frame of %d bytes exceeds limit", n))
			return
		}
		b := make([]byte, n)
		if _, err := io.ReadFull(e.conn, b); err != nil {
			e.finishRead(err)
			return
		}
		msg := &proximate.Message{}
		if err := json.Unmarshal(b, msg); err != nil {
			// frame boundaries are intact; skip the bad message
			e.WLogErrorf("dropping undecodable frame: %v", err)
			continue
		}
		e.listeners.dispatch(msg)
	}
}

// finishRead converts an orderly remote close into a clean shutdown
// and anything else into the endpoint's completion error.
func (e *ConnEndpoint) finishRead(err error) {
	if err == io.EOF || e.IsStartedShutdown() {
		e.StartShutdown(nil)
		return
	}
	e.StartShutdown(fmt.Errorf("proxnet: read: %w", err))
}
