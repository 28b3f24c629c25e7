package lsp

import (
	"github.com/rs/zerolog"
)

// DiagnosticKind classifies a non-fatal problem observed on the stream.
type DiagnosticKind int

const (
	// DiagnosticProtocol is a frame whose body is not a usable message.
	DiagnosticProtocol DiagnosticKind = iota
	// DiagnosticFraming is a frame that was discarded but did not break
	// frame boundaries.
	DiagnosticFraming
	// DiagnosticUnknownResponse is a response whose id has no pending call.
	DiagnosticUnknownResponse
	// DiagnosticUnknownMethod is a notification or request nobody handles.
	DiagnosticUnknownMethod
	// DiagnosticHandler is a handler that failed or panicked.
	DiagnosticHandler
	// DiagnosticDuplicateHandler is a rejected handler registration.
	DiagnosticDuplicateHandler
	// DiagnosticTransport is the fatal error that ended the session.
	DiagnosticTransport
)

// String returns a human-readable kind name.
func (k DiagnosticKind) String() string {
	switch k {
	case DiagnosticProtocol:
		return "protocol"
	case DiagnosticFraming:
		return "framing"
	case DiagnosticUnknownResponse:
		return "unknown response"
	case DiagnosticUnknownMethod:
		return "unknown method"
	case DiagnosticHandler:
		return "handler"
	case DiagnosticDuplicateHandler:
		return "duplicate handler"
	case DiagnosticTransport:
		return "transport"
	default:
		return "unknown"
	}
}

// Diagnostic describes a problem that was reported instead of being
// returned to a caller.
type Diagnostic struct {
	Kind   DiagnosticKind
	Method string
	ID     string
	Err    error
	Raw    []byte
}

// DiagnosticFunc receives diagnostics. It is called from the session's
// internal goroutines and must not block.
type DiagnosticFunc func(Diagnostic)

func logDiagnostic(log zerolog.Logger, d Diagnostic) {
	ev := log.Warn()
	if d.Kind == DiagnosticUnknownMethod {
		ev = log.Debug()
	}
	if d.Kind == DiagnosticTransport {
		ev = log.Error()
	}
	ev = ev.Str("kind", d.Kind.String())
	if d.Method != "" {
		ev = ev.Str("method", d.Method)
	}
	if d.ID != "" {
		ev = ev.Str("id", d.ID)
	}
	ev.Err(d.Err).Msg("lsp diagnostic")
}
