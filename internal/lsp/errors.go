package lsp

import (
	"errors"
	"fmt"
)

// Standard errors returned by the session.
var (
	// ErrNotInitialized indicates a call other than initialize before the
	// initialize handshake completed.
	ErrNotInitialized = errors.New("lsp session not initialized")

	// ErrAlreadyInitialized indicates a second initialize request.
	ErrAlreadyInitialized = errors.New("lsp session already initialized")

	// ErrShuttingDown indicates a call after shutdown was requested.
	ErrShuttingDown = errors.New("lsp session shutting down")

	// ErrSessionClosed indicates the session has exited.
	ErrSessionClosed = errors.New("lsp session closed")

	// ErrConnectionClosed is delivered to calls still pending when the
	// session terminates.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrCancelled indicates the caller gave up on a request.
	ErrCancelled = errors.New("request cancelled")

	// ErrTimeout indicates a request deadline elapsed.
	ErrTimeout = errors.New("request timed out")

	// ErrUnknownID indicates a response for an id with no pending call.
	ErrUnknownID = errors.New("response for unknown request id")

	// ErrHandlerExists indicates a handler is already registered for a method.
	ErrHandlerExists = errors.New("handler already registered")
)

// LifecycleError is returned synchronously when an operation is not legal
// in the current session phase. No id is allocated and nothing is written.
type LifecycleError struct {
	Method string
	Phase  Phase
	Err    error
}

// Error implements the error interface.
func (e *LifecycleError) Error() string {
	return fmt.Sprintf("%s: %v (phase %s)", e.Method, e.Err, e.Phase)
}

// Unwrap returns the underlying error.
func (e *LifecycleError) Unwrap() error {
	return e.Err
}

// TransportError wraps an I/O failure on the underlying stream. It is fatal
// to the session.
type TransportError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransportError) Unwrap() error {
	return e.Err
}
