package proximate

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced by handle operations and the connection.
var (
	// ErrConnectionClosed is returned by operations attempted after the
	// connection has closed, and rejects every request still pending
	// when close happens.
	ErrConnectionClosed = errors.New("proximate: connection closed")

	// ErrHandleReleased is returned by operations on a handle after
	// Release.
	ErrHandleReleased = errors.New("proximate: handle released")

	// ErrNotFunction is wrapped into the failure reported when a call
	// resolves to something that cannot be invoked.
	ErrNotFunction = errors.New("proximate: target is not a function")

	// ErrNotWalkable is wrapped into the failure reported when a path
	// step traverses a value with no members.
	ErrNotWalkable = errors.New("proximate: target is not walkable")
)

// UnknownReceiverError reports a request addressed to a receiver id
// that is not (or no longer) registered at the executing peer.
type UnknownReceiverError struct {
	ID string
}

func (e *UnknownReceiverError) Error() string {
	return fmt.Sprintf("proximate: unknown receiver %q", e.ID)
}

// UnknownProtocolError reports an incoming wire value whose protocol
// key has no handler registered at this peer.
type UnknownProtocolError struct {
	Key string
}

func (e *UnknownProtocolError) Error() string {
	return fmt.Sprintf("proximate: unknown protocol %q", e.Key)
}

// RemoteError carries a failure raised on the remote side. Error
// identity is not preserved across the wire; only the message and the
// remote stack are.
type RemoteError struct {
	Message string
	Stack   string
}

func (e *RemoteError) Error() string {
	return e.Message
}
