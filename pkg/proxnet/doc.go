// Package proxnet provides concrete proximate.Endpoint adapters over
// real transports:
//
//   - NewPipePair couples two in-process endpoints, structurally
//     cloning every message so the sides share no mutable state. This
//     is the message-port-style transport the core's semantics assume,
//     and the one the end-to-end tests run over.
//   - NewConnEndpoint frames JSON-encoded messages over any net.Conn
//     with a 4-byte big-endian length prefix.
//   - NewWSEndpoint carries one JSON message per WebSocket text frame;
//     DialEndpoint establishes the client side with retry backoff.
//
// The package also ships Buffer, a detachable byte buffer whose
// protocol moves the payload across the transport instead of leaving
// a live copy behind (register BufferProtocol under BufferKey at both
// peers).
package proxnet
