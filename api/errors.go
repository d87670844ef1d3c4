package api

import "errors"

// Error taxonomy shared by the transport and the socket layer. All failures
// surface as (possibly wrapped) sentinel values matched with errors.Is.
var (
	// ErrInvalidParam reports a malformed argument caught before any
	// command reaches the module.
	ErrInvalidParam = errors.New("invalid parameter")
	// ErrNoMemory reports socket pool exhaustion. The pool size is a
	// hardware constant; running out is a normal, recoverable condition.
	ErrNoMemory = errors.New("socket pool exhausted")
	// ErrTimeout reports that the module did not answer within the bound
	// configured for the operation.
	ErrTimeout = errors.New("command timed out")
	// ErrDeviceError reports that the module itself answered with a
	// failure result code.
	ErrDeviceError = errors.New("module reported error")
	// ErrWouldBlock reports that no data or asynchronous result is ready.
	ErrWouldBlock = errors.New("operation would block")
	// ErrNotSupported reports a feature absent on this module variant.
	ErrNotSupported = errors.New("not supported on this module")
	// ErrBadHandle reports an operation on a freed or nonexistent socket.
	ErrBadHandle = errors.New("bad socket handle")
	// ErrClosed reports an operation on a socket the peer or module has
	// already closed, or on a transport that was shut down.
	ErrClosed = errors.New("closed")
	// ErrHostUnreachable reports DNS failure after the retry window.
	ErrHostUnreachable = errors.New("host unreachable")
)
