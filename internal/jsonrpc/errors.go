package jsonrpc

import (
	"errors"
	"fmt"

	"github.com/sourcegraph/jsonrpc2"
)

// ErrNeedMore is returned by Decoder.Next when the buffered bytes do not yet
// hold a complete frame. It is an outcome, not a failure.
var ErrNeedMore = errors.New("jsonrpc: need more input")

// Standard JSON-RPC error codes.
const (
	CodeParseError     = jsonrpc2.CodeParseError
	CodeInvalidRequest = jsonrpc2.CodeInvalidRequest
	CodeMethodNotFound = jsonrpc2.CodeMethodNotFound
	CodeInvalidParams  = jsonrpc2.CodeInvalidParams
	CodeInternalError  = jsonrpc2.CodeInternalError

	// LSP-specific errors
	CodeServerNotInitialized = -32002
	CodeUnknownErrorCode     = -32001
	CodeRequestCancelled     = -32800
	CodeContentModified      = -32801
	CodeServerCancelled      = -32802
	CodeRequestFailed        = -32803
)

// FramingError reports a malformed frame header or body.
//
// A fatal FramingError means frame boundaries are lost and nothing further
// can be decoded from the stream. A non-fatal one means a single frame was
// discarded and decoding may continue.
type FramingError struct {
	Reason string
	Fatal  bool
}

// Error implements the error interface.
func (e *FramingError) Error() string {
	if e.Fatal {
		return "jsonrpc: fatal framing error: " + e.Reason
	}
	return "jsonrpc: framing error: " + e.Reason
}

// ProtocolError reports a well-framed body that is not a usable JSON-RPC
// message.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("jsonrpc: protocol error: %s", e.Reason)
}

// NewError builds a wire error object.
func NewError(code int64, message string) *Error {
	return &Error{Code: code, Message: message}
}
