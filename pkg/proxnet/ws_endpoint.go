package proxnet

import (
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/proximate-go/proximate/pkg/proximate"
)

// WSEndpoint carries one JSON-encoded message per WebSocket text
// frame. It owns the websocket.Conn and closes it at teardown. The
// server side wraps the conn produced by its websocket.Upgrader; the
// client side usually comes from DialEndpoint.
type WSEndpoint struct {
	*asyncobj.Helper
	name      string
	ws        *websocket.Conn
	listeners listenerSet

	wmu       sync.Mutex
	startOnce sync.Once
}

// NewWSEndpoint wraps an established WebSocket connection.
func NewWSEndpoint(lg logger.Logger, ws *websocket.Conn) *WSEndpoint {
	name := fmt.Sprintf("<WSEndpoint %v>", ws.RemoteAddr())
	e := &WSEndpoint{
		name: name,
		ws:   ws,
	}
	e.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), e)
	e.SetIsActivated()
	return e
}

// DialConfig tunes DialEndpoint's retry loop.
type DialConfig struct {
	// MaxRetryCount is the number of redial attempts after the first
	// failure; 0 means fail on the first error.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between attempts. Defaults to
	// 30 seconds.
	MaxRetryInterval time.Duration

	// HandshakeTimeout bounds each dial attempt. Defaults to 45
	// seconds.
	HandshakeTimeout time.Duration
}

// DialEndpoint dials a WebSocket URL (ws:// or wss://), retrying with
// backoff per config, and wraps the connection.
func DialEndpoint(lg logger.Logger, urlStr string, config *DialConfig) (*WSEndpoint, error) {
	var cfg DialConfig
	if config != nil {
		cfg = *config
	}
	if cfg.MaxRetryInterval <= 0 {
		cfg.MaxRetryInterval = 30 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 45 * time.Second
	}
	d := websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout}
	b := &backoff.Backoff{Max: cfg.MaxRetryInterval, Jitter: true}

	for attempt := 0; ; attempt++ {
		ws, _, err := d.Dial(urlStr, nil)
		if err == nil {
			return NewWSEndpoint(lg, ws), nil
		}
		if attempt >= cfg.MaxRetryCount {
			return nil, fmt.Errorf("proxnet: dial %s: %w", urlStr, err)
		}
		wait := b.Duration()
		lg.DLogf("dial %s failed (%v), retrying in %v", urlStr, err, wait)
		time.Sleep(wait)
	}
}

func (e *WSEndpoint) String() string {
	return e.name
}

// AddMessageListener implements proximate.Endpoint.
func (e *WSEndpoint) AddMessageListener(l func(*proximate.Message)) int {
	return e.listeners.add(l)
}

// RemoveMessageListener implements proximate.Endpoint.
func (e *WSEndpoint) RemoveMessageListener(id int) {
	e.listeners.remove(id)
}

// Start implements proximate.Starter, beginning the read loop.
func (e *WSEndpoint) Start() {
	e.startOnce.Do(func() { go e.readLoop() })
}

// PostMessage implements proximate.Endpoint.
func (e *WSEndpoint) PostMessage(msg *proximate.Message, transfer []any) error {
	if err := e.DeferShutdown(); err != nil {
		return ErrEndpointClosed
	}
	defer e.UndeferShutdown()

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("proxnet: message encode: %w", err)
	}
	e.wmu.Lock()
	werr := e.ws.WriteMessage(websocket.TextMessage, b)
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
func (e *WSEndpoint) Close() error {
	return e.Helper.Close()
}

// HandleOnceShutdown implements asyncobj teardown.
func (e *WSEndpoint) HandleOnceShutdown(completionErr error) error {
	// Send a close frame before dropping the conn so the peer's reader
	// sees a normal closure rather than an abnormal end of stream. The
	// peer may already be gone, so a failed write is not an error here.
	_ = e.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	err := e.ws.Close()
	if completionErr == nil {
		completionErr = err
	}
	return completionErr
}

func (e *WSEndpoint) readLoop() {
	for {
		_, b, err := e.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || e.IsStartedShutdown() {
				e.StartShutdown(nil)
			} else {
				e.StartShutdown(fmt.Errorf("proxnet: read: %w", err))
			}
			return
		}
		msg := &proximate.Message{}
		if err := json.Unmarshal(b, msg); err != nil {
			e.WLogErrorf("dropping undecodable frame: %v", err)
			continue
		}
		e.listeners.dispatch(msg)
	}
}
