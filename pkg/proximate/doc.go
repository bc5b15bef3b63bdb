// Package proximate is a transparent remote-object layer over an
// asynchronous, message-oriented duplex channel. It lets code on one
// side of a channel hold a Handle to an object living on the other
// side and operate on it -- reading properties, calling methods,
// walking nested members, setting values, and passing objects back
// and forth -- with every operation completing asynchronously over
// the channel.
//
// The two peers are symmetric. Each side calls Wrap on an Endpoint,
// optionally binding a local receiver object that the other side's
// primary Handle addresses. Values crossing the boundary pass through
// a pluggable codec: protocol handlers registered under string keys
// (the same key at both peers) decide how a value kind is carried;
// anything unhandled travels as an error form, a structural compound,
// or a bare primitive.
//
// A minimal session looks like:
//
//	a, b := proxnet.NewPipePair(lg)
//	_, err := proximate.Wrap(a, &proximate.Config{
//	    Logger:   lg,
//	    Receiver: map[string]any{"value": 42},
//	})
//	proxy, err := proximate.Wrap(b, &proximate.Config{Logger: lg})
//
//	v, err := proxy.Get("value").Fetch(ctx)   // 42
//	err = proxy.Set("value", 21)              // fire-and-forget write
//	v, err = proxy.Call(ctx, args...)         // invoke the receiver
//	err = proxy.Conn().Close()                // drain both sides and tear down
//
// Receivers exposed by proxy are reference counted in a process-wide
// registry shared by all connections, so offering the same object to
// two peers yields a single entry. The closing handshake drains the
// counts both peers still hold so that an orderly Close leaks nothing
// on either side.
//
// The concrete transport is out of scope here: any carrier with
// add/remove-listener and post semantics satisfies Endpoint. The
// sibling package proxnet ships in-process, net.Conn and WebSocket
// adapters.
package proximate
