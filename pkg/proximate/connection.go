package proximate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// Config carries the options of one Wrap call. The zero value is
// usable: no primary receiver, the process-wide registry and protocol
// table, a default logger.
type Config struct {
	// Receiver, if non-nil, is bound as this connection's primary
	// receiver: the object the peer's primary handle addresses through
	// the empty-string id.
	Receiver any

	// Logger receives this connection's log output. A quiet default is
	// created when nil.
	Logger logger.Logger

	// Registry overrides the receiver registry (DefaultRegistry when
	// nil). Mostly useful for tests that host both peers in one
	// process.
	Registry *Registry

	// Protocols is a per-connection protocol table overlaying the
	// process-wide one.
	Protocols *ProtocolMap

	// Sink, if non-nil, observes every raw message this connection
	// sends or receives.
	Sink func(*Message)
}

// Connection is the per-wrap state machine: it owns the endpoint,
// classifies inbound messages, executes requests against the receiver
// registry, settles responses, and drives the closing handshake.
type Connection struct {
	*asyncobj.Helper

	ep         Endpoint
	listenerID int
	registry   *Registry
	protocols  *ProtocolMap
	pending    *pendingMap
	primaryID  string
	sink       func(*Message)

	hmu     sync.Mutex
	handles map[string]map[*Handle]bool

	closeOnce sync.Once
	closeErr  error
}

// Wrap binds a connection to ep and returns the primary handle for
// the peer's receiver. If config.Receiver is set, it is registered as
// this side's primary receiver for the peer's symmetric handle.
func Wrap(ep Endpoint, config *Config) (*Handle, error) {
	var cfg Config
	if config != nil {
		cfg = *config
	}
	lg := cfg.Logger
	if lg == nil {
		var err error
		lg, err = logger.New(
			logger.WithPrefix("proximate"),
			logger.WithLogLevel(logger.LogLevelWarning),
		)
		if err != nil {
			return nil, fmt.Errorf("proximate: default logger: %w", err)
		}
	}
	reg := cfg.Registry
	if reg == nil {
		reg = DefaultRegistry
	}
	overlay := cfg.Protocols
	if overlay == nil {
		overlay = NewProtocolMap()
	}

	c := &Connection{
		ep:        ep,
		registry:  reg,
		protocols: overlay,
		pending:   newPendingMap(),
		sink:      cfg.Sink,
		handles:   make(map[string]map[*Handle]bool),
	}
	c.Helper = asyncobj.NewHelper(lg.ForkLogStr("<Connection>"), c)

	if cfg.Receiver != nil {
		// Mirrors the peer's implicit primary handle, so the closing
		// handshake drains this entry along with everything else.
		c.primaryID = reg.IncRef(cfg.Receiver)
	}

	c.SetIsActivated()
	c.listenerID = ep.AddMessageListener(c.onMessage)
	if s, ok := ep.(Starter); ok {
		s.Start()
	}

	return c.mintHandle(""), nil
}

// Close initiates the closing handshake, drains both peers'
// outstanding receiver refcounts, and tears the connection down. A
// second invocation is a no-op that waits for teardown to finish.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() { c.closeErr = c.closeHandshake() })
	werr := c.WaitShutdown()
	if c.closeErr != nil {
		return c.closeErr
	}
	return werr
}

func (c *Connection) closeHandshake() error {
	if c.IsStartedShutdown() {
		// the peer initiated close; teardown is already under way
		return nil
	}
	own := c.snapshotCounts()
	res, err := c.roundTrip(context.Background(), &Message{
		ID:    Nonce(),
		Path:  []string{""},
		Close: &own,
	}, nil)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			// the peer closed concurrently and our teardown already ran
			return nil
		}
		c.StartShutdown(err)
		return err
	}
	// The peer holds these counts against our registry and will never
	// send release messages on a closed connection; drop them now.
	c.applyRefCounts(toRefCounts(res))
	c.StartShutdown(nil)
	return nil
}

// HandleOnceShutdown implements asyncobj teardown: reject everything
// pending, forget tracked handles, detach from the endpoint.
func (c *Connection) HandleOnceShutdown(completionErr error) error {
	c.pending.rejectAll(ErrConnectionClosed)
	c.hmu.Lock()
	c.handles = make(map[string]map[*Handle]bool)
	c.hmu.Unlock()
	c.ep.RemoveMessageListener(c.listenerID)
	if cl, ok := c.ep.(Closer); ok {
		if err := cl.Close(); err != nil && completionErr == nil {
			completionErr = err
		}
	}
	return completionErr
}

// handle tracking

func (c *Connection) track(h *Handle) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	id := h.path[0]
	set := c.handles[id]
	if set == nil {
		set = make(map[*Handle]bool)
		c.handles[id] = set
	}
	set[h] = true
}

func (c *Connection) untrack(h *Handle) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	id := h.path[0]
	if set := c.handles[id]; set != nil {
		delete(set, h)
		if len(set) == 0 {
			delete(c.handles, id)
		}
	}
}

// snapshotCounts is this side's id-to-count map of still-held remote
// handles, as exchanged by the closing handshake.
func (c *Connection) snapshotCounts() RefCounts {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	m := make(RefCounts, len(c.handles))
	for id, set := range c.handles {
		if len(set) > 0 {
			m[id] = len(set)
		}
	}
	return m
}

// outbound plumbing

func (c *Connection) post(msg *Message, transfer []any) error {
	if c.sink != nil {
		c.sink(msg)
	}
	return c.ep.PostMessage(msg, transfer)
}

// roundTrip posts a request and awaits its settlement.
func (c *Connection) roundTrip(ctx context.Context, msg *Message, transfer []any) (any, error) {
	if err := c.DeferShutdown(); err != nil {
		return nil, ErrConnectionClosed
	}
	ch := c.pending.add(msg.ID)
	err := c.post(msg, transfer)
	c.UndeferShutdown()
	if err != nil {
		c.pending.drop(msg.ID)
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	select {
	case out := <-ch:
		return out.val, out.err
	case <-ctx.Done():
		c.pending.drop(msg.ID)
		return nil, ctx.Err()
	}
}

// postWrite posts a fire-and-forget property write. The peer's
// response is still observed so a rejection is at least logged.
func (c *Connection) postWrite(msg *Message, transfer []any) error {
	if err := c.DeferShutdown(); err != nil {
		return ErrConnectionClosed
	}
	ch := c.pending.add(msg.ID)
	err := c.post(msg, transfer)
	c.UndeferShutdown()
	if err != nil {
		c.pending.drop(msg.ID)
		return err
	}
	go func() {
		if out := <-ch; out.err != nil {
			c.WLogErrorf("remote write %v failed: %v", msg.Path, out.err)
		}
	}()
	return nil
}

// inbound dispatch

func (c *Connection) onMessage(msg *Message) {
	if msg == nil {
		return
	}
	if c.sink != nil {
		c.sink(msg)
	}
	if c.IsStartedShutdown() {
		return
	}
	switch {
	case msg.IsRequest():
		c.dispatchRequest(msg)
	case msg.IsResponse():
		c.handleResponse(msg)
	default:
		c.DLogf("dropping unclassifiable message")
	}
}

// dispatchRequest executes writes, releases and the close handshake
// inline, preserving transport arrival order for them; gets and calls
// run in their own goroutine because they may invoke user code or
// forward through a handle and suspend.
func (c *Connection) dispatchRequest(msg *Message) {
	switch {
	case msg.Close != nil:
		c.handleClose(msg)
	case msg.Release != nil:
		c.handleRelease(msg)
	case msg.Value != nil:
		c.handleWrite(msg)
	default:
		go c.handleGetOrCall(msg)
	}
}

func (c *Connection) handleResponse(msg *Message) {
	var val any
	var err error
	if msg.Error != nil {
		v, derr := c.deserialize(msg.Error)
		switch {
		case derr != nil:
			err = derr
		default:
			if e, ok := v.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("proximate: remote failure: %v", v)
			}
		}
	} else if msg.Result != nil {
		val, err = c.deserialize(msg.Result)
	}
	if !c.pending.settle(msg.ID, val, err) {
		c.DLogf("dropping response for unknown request id %q", msg.ID)
	}
}

func (c *Connection) handleClose(msg *Message) {
	var m RefCounts
	if msg.Close != nil {
		m = *msg.Close
	}
	c.applyRefCounts(m)
	residual := c.snapshotCounts()
	c.replyResult(msg.ID, residual, nil)
	c.StartShutdown(nil)
}

func (c *Connection) handleRelease(msg *Message) {
	c.applyRefCounts(msg.Release)
	c.replyErr(msg.ID, nil)
}

func (c *Connection) handleWrite(msg *Message) {
	c.replyErr(msg.ID, c.executeWrite(msg))
}

func (c *Connection) executeWrite(msg *Message) error {
	if len(msg.Path) < 2 {
		return fmt.Errorf("proximate: write needs a property name")
	}
	obj, err := c.resolveHead(msg.Path)
	if err != nil {
		return err
	}
	names := msg.Path[1:]
	prop := names[len(names)-1]
	parents := names[:len(names)-1]

	cur := obj
	for i := 0; i < len(parents); i++ {
		if fh, ok := cur.(*Handle); ok {
			cur = fh.Get(parents[i:]...)
			break
		}
		cur, err = member(cur, parents[i])
		if err != nil {
			return err
		}
	}
	val, err := c.deserialize(msg.Value)
	if err != nil {
		return err
	}
	if fh, ok := cur.(*Handle); ok {
		return fh.Set(prop, val)
	}
	return assign(cur, prop, val)
}

func (c *Connection) handleGetOrCall(msg *Message) {
	res, transfer, err := c.executeGetOrCall(msg)
	if err != nil {
		c.replyErr(msg.ID, err)
		return
	}
	if perr := c.post(&Message{ID: msg.ID, Result: res}, transfer); perr != nil {
		c.DLogf("reply for %q failed: %v", msg.ID, perr)
	}
}

func (c *Connection) executeGetOrCall(msg *Message) (*WireValue, []any, error) {
	obj, err := c.resolveHead(msg.Path)
	if err != nil {
		return nil, nil, err
	}
	names := msg.Path[1:]

	cur := obj
	for i := 0; i < len(names); i++ {
		if fh, ok := cur.(*Handle); ok {
			cur = fh.Get(names[i:]...)
			break
		}
		cur, err = member(cur, names[i])
		if err != nil {
			return nil, nil, err
		}
	}

	ctx := context.Background()

	// A resolved handle means the target actually lives on a third
	// hop; forward the operation through it.
	if fh, ok := cur.(*Handle); ok {
		var val any
		if msg.Args != nil {
			args, aerr := c.deserializeArgs(msg.Args)
			if aerr != nil {
				return nil, nil, aerr
			}
			val, err = fh.Call(ctx, args...)
		} else {
			val, err = fh.Fetch(ctx)
		}
		if err != nil {
			return nil, nil, err
		}
		return c.serialize(val)
	}

	if msg.Args != nil {
		args, aerr := c.deserializeArgs(msg.Args)
		if aerr != nil {
			return nil, nil, aerr
		}
		val, ierr := invoke(ctx, cur, args)
		if ierr != nil {
			return nil, nil, ierr
		}
		return c.serialize(val)
	}

	return c.serialize(cur)
}

func (c *Connection) deserializeArgs(wargs []*WireValue) ([]any, error) {
	args := make([]any, len(wargs))
	for i, w := range wargs {
		v, err := c.deserialize(w)
		if err != nil {
			return nil, fmt.Errorf("proximate: arg %d: %w", i, err)
		}
		args[i] = v
	}
	return args, nil
}

func (c *Connection) resolveHead(path []string) (any, error) {
	head := path[0]
	if head == "" {
		head = c.primaryID
	}
	obj, ok := c.registry.Lookup(head)
	if !ok {
		return nil, &UnknownReceiverError{ID: path[0]}
	}
	return obj, nil
}

// applyRefCounts decrements receiver refcounts as instructed by a
// release or close message, mapping the wire's empty-string id to this
// connection's primary id.
func (c *Connection) applyRefCounts(m RefCounts) {
	for id, n := range m {
		rid := id
		if rid == "" {
			rid = c.primaryID
		}
		if rid == "" {
			continue
		}
		c.registry.DecRef(rid, n)
	}
}

// replyErr acknowledges a request: an empty success (undefined result)
// when err is nil, the serialized failure otherwise.
func (c *Connection) replyErr(id string, err error) {
	if err == nil {
		if perr := c.post(&Message{ID: id}, nil); perr != nil {
			c.DLogf("reply for %q failed: %v", id, perr)
		}
		return
	}
	w, _, serr := c.serialize(err)
	if serr != nil {
		w = errorValue(&WireError{Message: err.Error()})
	}
	if perr := c.post(&Message{ID: id, Error: w}, nil); perr != nil {
		c.DLogf("error reply for %q failed: %v", id, perr)
	}
}

func (c *Connection) replyResult(id string, val any, transfer []any) {
	w, t, serr := c.serialize(val)
	if serr != nil {
		c.replyErr(id, serr)
		return
	}
	if perr := c.post(&Message{ID: id, Result: w}, append(transfer, t...)); perr != nil {
		c.DLogf("reply for %q failed: %v", id, perr)
	}
}

// toRefCounts normalizes a deserialized residual map; JSON transports
// deliver it as map[string]any with float64 counts.
func toRefCounts(v any) RefCounts {
	switch m := v.(type) {
	case RefCounts:
		return m
	case map[string]int:
		return RefCounts(m)
	case map[string]any:
		out := make(RefCounts, len(m))
		for k, n := range m {
			switch t := n.(type) {
			case float64:
				out[k] = int(t)
			case int:
				out[k] = t
			case int64:
				out[k] = int(t)
			}
		}
		return out
	}
	return nil
}
