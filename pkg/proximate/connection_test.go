package proximate_test

import (
	"context"
	"errors"
	"os"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sammck-go/logger"

	"github.com/proximate-go/proximate/pkg/proximate"
	"github.com/proximate-go/proximate/pkg/proxnet"
)

func newTestLogger(t *testing.T, prefix string) logger.Logger {
	t.Helper()
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(logger.LogLevelError),
		logger.WithPrefix(prefix),
	)
	if err != nil {
		t.Fatalf("logger.New() returned error: %s", err)
	}
	return lg
}

// testPair hosts both peers of a connection in-process, each with its
// own registry so the two sides stay honest about ownership.
type testPair struct {
	regA, regB *proximate.Registry
	handleA    *proximate.Handle // A's view of B's (usually absent) receiver
	proxy      *proximate.Handle // B's view of A's receiver
}

func newTestPair(t *testing.T, prefix string, receiver any, protoA, protoB *proximate.ProtocolMap) *testPair {
	t.Helper()
	lg := newTestLogger(t, prefix)
	epA, epB := proxnet.NewPipePair(lg)

	p := &testPair{
		regA: proximate.NewRegistry(),
		regB: proximate.NewRegistry(),
	}
	var err error
	p.handleA, err = proximate.Wrap(epA, &proximate.Config{
		Logger:    lg,
		Receiver:  receiver,
		Registry:  p.regA,
		Protocols: protoA,
	})
	if err != nil {
		t.Fatalf("Wrap(A) returned error: %s", err)
	}
	p.proxy, err = proximate.Wrap(epB, &proximate.Config{
		Logger:    lg,
		Registry:  p.regB,
		Protocols: protoB,
	})
	if err != nil {
		t.Fatalf("Wrap(B) returned error: %s", err)
	}
	return p
}

func (p *testPair) close(t *testing.T) {
	t.Helper()
	if err := p.proxy.Conn().Close(); err != nil {
		t.Errorf("Close() returned error: %s", err)
	}
}

func (p *testPair) checkDrained(t *testing.T) {
	t.Helper()
	if n := p.regA.Len(); n != 0 {
		t.Errorf("registry A holds %d leaked entries after close", n)
	}
	if n := p.regB.Len(); n != 0 {
		t.Errorf("registry B holds %d leaked entries after close", n)
	}
}

func fnProtocols() (*proximate.ProtocolMap, *proximate.ProtocolMap) {
	a := proximate.NewProtocolMap()
	a.Register("fn", proximate.NewHandleProtocol(proximate.Callable))
	b := proximate.NewProtocolMap()
	b.Register("fn", proximate.NewHandleProtocol(proximate.Callable))
	return a, b
}

func TestPrimaryCall(t *testing.T) {
	identity := func(v any) any { return v }
	p := newTestPair(t, "TestPrimaryCall", identity, nil, nil)

	v, err := p.proxy.Call(context.Background(), 42)
	if err != nil {
		t.Fatalf("Call returned error: %s", err)
	}
	if v != float64(42) {
		t.Errorf("Call = %v (%T), want 42", v, v)
	}

	p.close(t)
	p.checkDrained(t)
}

func TestRoundTripPrimitives(t *testing.T) {
	identity := func(v any) any { return v }
	p := newTestPair(t, "TestRoundTripPrimitives", identity, nil, nil)
	defer p.close(t)

	cases := []any{nil, true, false, "hello", float64(3.5), float64(-1), ""}
	for _, want := range cases {
		got, err := p.proxy.Call(context.Background(), want)
		if err != nil {
			t.Errorf("Call(%v) returned error: %s", want, err)
			continue
		}
		if got != want {
			t.Errorf("Call(%v) = %v (%T), want identical", want, got, got)
		}
	}
}

func TestRoundTripCompounds(t *testing.T) {
	identity := func(v any) any { return v }
	p := newTestPair(t, "TestRoundTripCompounds", identity, nil, nil)
	defer p.close(t)

	arg := map[string]any{
		"list":   []any{float64(1), "two", false},
		"nested": map[string]any{"k": nil},
	}
	got, err := p.proxy.Call(context.Background(), arg)
	if err != nil {
		t.Fatalf("Call returned error: %s", err)
	}
	if !reflect.DeepEqual(got, arg) {
		t.Errorf("compound round trip = %#v, want %#v", got, arg)
	}
}

func TestNestedGet(t *testing.T) {
	receiver := map[string]any{
		"value": 42,
		"foo":   map[string]any{"bar": "baz"},
	}
	p := newTestPair(t, "TestNestedGet", receiver, nil, nil)
	defer p.close(t)

	v, err := p.proxy.Get("value").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch(value) returned error: %s", err)
	}
	if v != float64(42) {
		t.Errorf("value = %v, want 42", v)
	}

	v, err = p.proxy.Get("foo", "bar").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch(foo.bar) returned error: %s", err)
	}
	if v != "baz" {
		t.Errorf("foo.bar = %v, want baz", v)
	}

	// chained derivation walks the same path
	v, err = p.proxy.Get("foo").Get("bar").Fetch(context.Background())
	if err != nil || v != "baz" {
		t.Errorf("chained foo.bar = %v, %v; want baz", v, err)
	}
}

func TestWriteThenRead(t *testing.T) {
	receiver := map[string]any{"value": 42}
	p := newTestPair(t, "TestWriteThenRead", receiver, nil, nil)
	defer p.close(t)

	if err := p.proxy.Set("value", 21); err != nil {
		t.Fatalf("Set returned error: %s", err)
	}
	v, err := p.proxy.Get("value").Fetch(context.Background())
	if err != nil {
		t.Fatalf("Fetch returned error: %s", err)
	}
	if v != float64(21) {
		t.Errorf("value after write = %v, want 21", v)
	}
	if receiver["value"] != float64(21) {
		t.Errorf("local receiver value = %v, want 21", receiver["value"])
	}
}

type calcReceiver struct {
	Total float64
	Label string
}

func (c *calcReceiver) Add(v float64) float64 {
	c.Total += v
	return c.Total
}

func TestStructReceiver(t *testing.T) {
	recv := &calcReceiver{Label: "calc"}
	p := newTestPair(t, "TestStructReceiver", recv, nil, nil)
	defer p.close(t)

	ctx := context.Background()
	v, err := p.proxy.Get("Add").Call(ctx, 5)
	if err != nil || v != float64(5) {
		t.Errorf("Add(5) = %v, %v; want 5", v, err)
	}
	v, err = p.proxy.Get("Add").Call(ctx, 2.5)
	if err != nil || v != float64(7.5) {
		t.Errorf("Add(2.5) = %v, %v; want 7.5", v, err)
	}

	v, err = p.proxy.Get("Label").Fetch(ctx)
	if err != nil || v != "calc" {
		t.Errorf("Label = %v, %v; want calc", v, err)
	}

	if err := p.proxy.Set("Total", 100); err != nil {
		t.Fatalf("Set(Total) returned error: %s", err)
	}
	v, err = p.proxy.Get("Total").Fetch(ctx)
	if err != nil || v != float64(100) {
		t.Errorf("Total after write = %v, %v; want 100", v, err)
	}
	if recv.Total != 100 {
		t.Errorf("local Total = %v, want 100", recv.Total)
	}
}

func TestErrorRoundTrip(t *testing.T) {
	receiver := func() (any, error) {
		return nil, errors.New("intentional failure")
	}
	p := newTestPair(t, "TestErrorRoundTrip", receiver, nil, nil)
	defer p.close(t)

	_, err := p.proxy.Call(context.Background())
	if err == nil {
		t.Fatalf("Call should reject")
	}
	re, ok := err.(*proximate.RemoteError)
	if !ok {
		t.Fatalf("error type = %T, want *RemoteError (%v)", err, err)
	}
	if re.Message != "intentional failure" {
		t.Errorf("remote message = %q, want the original", re.Message)
	}
	if re.Stack == "" {
		t.Errorf("remote error carried no stack")
	}
}

func TestPanicRoundTrip(t *testing.T) {
	receiver := func() any { panic("blew up") }
	p := newTestPair(t, "TestPanicRoundTrip", receiver, nil, nil)
	defer p.close(t)

	_, err := p.proxy.Call(context.Background())
	if err == nil || !strings.Contains(err.Error(), "blew up") {
		t.Errorf("panic surfaced as %v, want an error mentioning the panic", err)
	}
}

func TestPassByHandle(t *testing.T) {
	protoA, protoB := fnProtocols()
	identity := func(v any) any { return v }
	p := newTestPair(t, "TestPassByHandle", identity, protoA, protoB)

	ctx := context.Background()
	f := func() any { return 91 }

	res, err := p.proxy.Call(ctx, f)
	if err != nil {
		t.Fatalf("Call(f) returned error: %s", err)
	}
	g, ok := res.(*proximate.Handle)
	if !ok {
		t.Fatalf("result type = %T, want *Handle", res)
	}
	v, err := g.Call(ctx)
	if err != nil {
		t.Fatalf("g() returned error: %s", err)
	}
	if v != float64(91) {
		t.Errorf("g() = %v, want 91", v)
	}

	// arguments flow through the forwarded hop too
	double := func(x float64) float64 { return x * 2 }
	res, err = p.proxy.Call(ctx, double)
	if err != nil {
		t.Fatalf("Call(double) returned error: %s", err)
	}
	g2 := res.(*proximate.Handle)
	v, err = g2.Call(ctx, 8)
	if err != nil || v != float64(16) {
		t.Errorf("g2(8) = %v, %v; want 16", v, err)
	}

	p.close(t)
	p.checkDrained(t)
}

func TestReleaseSemantics(t *testing.T) {
	protoA, protoB := fnProtocols()
	identity := func(v any) any { return v }
	p := newTestPair(t, "TestReleaseSemantics", identity, protoA, protoB)

	ctx := context.Background()
	f := func() any { return 91 }

	res, err := p.proxy.Call(ctx, f)
	if err != nil {
		t.Fatalf("Call(f) returned error: %s", err)
	}
	g := res.(*proximate.Handle)

	if err := g.Release(ctx); err != nil {
		t.Fatalf("Release returned error: %s", err)
	}
	if _, err := g.Call(ctx); !errors.Is(err, proximate.ErrHandleReleased) {
		t.Errorf("call after release err = %v, want ErrHandleReleased", err)
	}
	// releasing again is a no-op
	if err := g.Release(ctx); err != nil {
		t.Errorf("second Release returned error: %s", err)
	}

	p.close(t)
	p.checkDrained(t)
}

func TestRevokeReceiver(t *testing.T) {
	recv := &calcReceiver{}
	p := newTestPair(t, "TestRevokeReceiver", recv, nil, nil)
	defer p.close(t)

	p.regA.RevokeAll(recv)
	_, err := p.proxy.Get("Add").Call(context.Background(), 1)
	if err == nil || !strings.Contains(err.Error(), "unknown receiver") {
		t.Errorf("call after revoke err = %v, want unknown receiver", err)
	}
}

func TestCyclicHandlePassing(t *testing.T) {
	// No callable protocol here: when the codec itself carries a
	// handle back to the peer that owns its referent, the peer must
	// resolve its original object, not a handle to a handle.
	objProtoA := proximate.NewProtocolMap()
	objProtoB := proximate.NewProtocolMap()
	accept := func(v any) bool {
		_, ok := v.(*calcReceiver)
		return ok
	}
	objProtoA.Register("calc", proximate.NewHandleProtocol(accept))
	objProtoB.Register("calc", proximate.NewHandleProtocol(accept))

	identity := func(v any) any { return v }
	p := newTestPair(t, "TestCyclicHandlePassing", identity, objProtoA, objProtoB)

	ctx := context.Background()
	mine := &calcReceiver{Label: "original"}

	res, err := p.proxy.Call(ctx, mine)
	if err != nil {
		t.Fatalf("Call(mine) returned error: %s", err)
	}
	back, ok := res.(*calcReceiver)
	if !ok {
		t.Fatalf("result type = %T, want *calcReceiver", res)
	}
	if back != mine {
		t.Errorf("cyclic pass lost identity: got %p, want %p", back, mine)
	}

	p.close(t)
	p.checkDrained(t)
}

func TestUnknownProtocol(t *testing.T) {
	// the sender knows the protocol, the receiver does not
	protoB := proximate.NewProtocolMap()
	accept := func(v any) bool {
		_, ok := v.(*calcReceiver)
		return ok
	}
	protoB.Register("calc", proximate.NewHandleProtocol(accept))

	identity := func(v any) any { return v }
	p := newTestPair(t, "TestUnknownProtocol", identity, nil, protoB)
	defer p.close(t)

	_, err := p.proxy.Call(context.Background(), &calcReceiver{})
	if err == nil || !strings.Contains(err.Error(), "unknown protocol") {
		t.Errorf("err = %v, want unknown protocol", err)
	}
}

func TestCloseRejectsPending(t *testing.T) {
	slow := func() any {
		time.Sleep(300 * time.Millisecond)
		return 1
	}
	p := newTestPair(t, "TestCloseRejectsPending", slow, nil, nil)

	errc := make(chan error, 1)
	go func() {
		_, err := p.proxy.Call(context.Background())
		errc <- err
	}()
	// let the call get posted before closing
	time.Sleep(50 * time.Millisecond)
	p.close(t)

	select {
	case err := <-errc:
		if !errors.Is(err, proximate.ErrConnectionClosed) {
			t.Errorf("pending call err = %v, want ErrConnectionClosed", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("pending call never settled after close")
	}
}

func TestAfterCloseRejects(t *testing.T) {
	identity := func(v any) any { return v }
	p := newTestPair(t, "TestAfterCloseRejects", identity, nil, nil)
	p.close(t)

	if _, err := p.proxy.Call(context.Background(), 1); !errors.Is(err, proximate.ErrConnectionClosed) {
		t.Errorf("call after close err = %v, want ErrConnectionClosed", err)
	}
	if _, err := p.proxy.Get("x").Fetch(context.Background()); !errors.Is(err, proximate.ErrConnectionClosed) {
		t.Errorf("fetch after close err = %v, want ErrConnectionClosed", err)
	}

	// close is not re-entrant; a second close is a quiet no-op
	if err := p.proxy.Conn().Close(); err != nil {
		t.Errorf("second Close returned error: %s", err)
	}
}

func TestSharedRegistryAcrossConnections(t *testing.T) {
	lg := newTestLogger(t, "TestSharedRegistryAcrossConnections")
	reg := proximate.NewRegistry()
	recv := &calcReceiver{}

	ep1a, ep1b := proxnet.NewPipePair(lg)
	ep2a, ep2b := proxnet.NewPipePair(lg)

	_, err := proximate.Wrap(ep1a, &proximate.Config{Logger: lg, Receiver: recv, Registry: reg})
	if err != nil {
		t.Fatalf("Wrap: %s", err)
	}
	_, err = proximate.Wrap(ep2a, &proximate.Config{Logger: lg, Receiver: recv, Registry: reg})
	if err != nil {
		t.Fatalf("Wrap: %s", err)
	}
	proxy1, err := proximate.Wrap(ep1b, &proximate.Config{Logger: lg, Registry: proximate.NewRegistry()})
	if err != nil {
		t.Fatalf("Wrap: %s", err)
	}
	proxy2, err := proximate.Wrap(ep2b, &proximate.Config{Logger: lg, Registry: proximate.NewRegistry()})
	if err != nil {
		t.Fatalf("Wrap: %s", err)
	}

	// one object offered over two connections is one entry
	if n := reg.Len(); n != 1 {
		t.Errorf("registry entries = %d, want 1", n)
	}

	if err := proxy1.Conn().Close(); err != nil {
		t.Errorf("Close(1): %s", err)
	}
	if n := reg.Len(); n != 1 {
		t.Errorf("registry entries after first close = %d, want 1", n)
	}
	if err := proxy2.Conn().Close(); err != nil {
		t.Errorf("Close(2): %s", err)
	}
	if n := reg.Len(); n != 0 {
		t.Errorf("registry entries after both closes = %d, want 0", n)
	}
}

func TestDebugSink(t *testing.T) {
	var mu sync.Mutex
	var seen []*proximate.Message

	lg := newTestLogger(t, "TestDebugSink")
	epA, epB := proxnet.NewPipePair(lg)
	identity := func(v any) any { return v }
	_, err := proximate.Wrap(epA, &proximate.Config{
		Logger:   lg,
		Receiver: identity,
		Registry: proximate.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("Wrap(A): %s", err)
	}
	proxy, err := proximate.Wrap(epB, &proximate.Config{
		Logger:   lg,
		Registry: proximate.NewRegistry(),
		Sink: func(m *proximate.Message) {
			mu.Lock()
			seen = append(seen, m)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Wrap(B): %s", err)
	}

	if _, err := proxy.Call(context.Background(), 1); err != nil {
		t.Fatalf("Call: %s", err)
	}

	mu.Lock()
	n := len(seen)
	mu.Unlock()
	if n < 2 {
		t.Errorf("sink observed %d messages, want the request and its response", n)
	}

	if err := proxy.Conn().Close(); err != nil {
		t.Errorf("Close: %s", err)
	}
}
