package proxnet

import (
	"errors"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"

	"github.com/proximate-go/proximate/pkg/proximate"
)

// ErrEndpointClosed is returned by PostMessage after an endpoint has
// shut down.
var ErrEndpointClosed = errors.New("proxnet: endpoint closed")

// PipeEndpoint is one side of an in-process endpoint pair. Posted
// messages are structurally cloned through a JSON round trip before
// delivery, so the two sides never share mutable state -- the same
// guarantee a message port's structured clone gives. Values on the
// transfer list are moved instead: anything implementing Detacher is
// detached locally once the clone is taken.
//
// Inbound messages are buffered until Start, matching port semantics;
// proximate.Wrap calls Start once its listener is registered.
type PipeEndpoint struct {
	*asyncobj.Helper
	name      string
	peer      *PipeEndpoint
	listeners listenerSet

	mu      sync.Mutex
	started bool
	queue   []*proximate.Message

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

// NewPipePair returns two coupled in-process endpoints: everything
// posted on one is delivered, in order, to the other's listeners.
func NewPipePair(lg logger.Logger) (*PipeEndpoint, *PipeEndpoint) {
	a := newPipeEndpoint(lg, "<PipeEndpoint a>")
	b := newPipeEndpoint(lg, "<PipeEndpoint b>")
	a.peer, b.peer = b, a
	go a.pump()
	go b.pump()
	return a, b
}

func newPipeEndpoint(lg logger.Logger, name string) *PipeEndpoint {
	p := &PipeEndpoint{
		name: name,
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	p.Helper = asyncobj.NewHelper(lg.ForkLogStr(name), p)
	p.SetIsActivated()
	return p
}

func (p *PipeEndpoint) String() string {
	return p.name
}

// AddMessageListener implements proximate.Endpoint.
func (p *PipeEndpoint) AddMessageListener(l func(*proximate.Message)) int {
	return p.listeners.add(l)
}

// RemoveMessageListener implements proximate.Endpoint.
func (p *PipeEndpoint) RemoveMessageListener(id int) {
	p.listeners.remove(id)
}

// Start implements proximate.Starter, flushing messages queued before
// any listener was ready.
func (p *PipeEndpoint) Start() {
	p.mu.Lock()
	p.started = true
	p.mu.Unlock()
	p.signal()
}

// PostMessage implements proximate.Endpoint.
func (p *PipeEndpoint) PostMessage(msg *proximate.Message, transfer []any) error {
	if err := p.DeferShutdown(); err != nil {
		return ErrEndpointClosed
	}
	defer p.UndeferShutdown()

	clone, err := cloneMessage(msg)
	if err != nil {
		return err
	}
	// the clone is taken; complete the move
	for _, t := range transfer {
		if d, ok := t.(Detacher); ok {
			d.Detach()
		}
	}
	p.peer.deliver(clone)
	return nil
}

// Close implements proximate.Closer.
func (p *PipeEndpoint) Close() error {
	return p.Helper.Close()
}

// HandleOnceShutdown implements asyncobj teardown.
func (p *PipeEndpoint) HandleOnceShutdown(completionErr error) error {
	p.stopOnce.Do(func() { close(p.stop) })
	return completionErr
}

func (p *PipeEndpoint) deliver(msg *proximate.Message) {
	if p.IsStartedShutdown() {
		return
	}
	p.mu.Lock()
	p.queue = append(p.queue, msg)
	p.mu.Unlock()
	p.signal()
}

func (p *PipeEndpoint) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// pump drains the inbound queue in order on a single goroutine, so
// listener callbacks observe transport ordering.
func (p *PipeEndpoint) pump() {
	for {
		select {
		case <-p.stop:
			return
		case <-p.wake:
		}
		for {
			p.mu.Lock()
			if !p.started || len(p.queue) == 0 {
				p.mu.Unlock()
				break
			}
			msg := p.queue[0]
			p.queue = p.queue[1:]
			p.mu.Unlock()
			p.listeners.dispatch(msg)
		}
	}
}

func cloneMessage(msg *proximate.Message) (*proximate.Message, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("proxnet: message not cloneable: %w", err)
	}
	clone := &proximate.Message{}
	if err := json.Unmarshal(b, clone); err != nil {
		return nil, fmt.Errorf("proxnet: message clone: %w", err)
	}
	return clone, nil
}
