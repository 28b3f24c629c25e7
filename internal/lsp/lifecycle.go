package lsp

import (
	"sync"

	"github.com/dshills/lspengine/internal/jsonrpc"
)

// Lifecycle method names.
const (
	MethodInitialize    = "initialize"
	MethodInitialized   = "initialized"
	MethodShutdown      = "shutdown"
	MethodExit          = "exit"
	MethodCancelRequest = "$/cancelRequest"
)

// Phase is the stage of the LSP session lifecycle.
type Phase int32

const (
	// PhaseUninitialized is the initial phase; only initialize may be called.
	PhaseUninitialized Phase = iota
	// PhaseInitializing means initialize was sent and its response is awaited.
	PhaseInitializing
	// PhaseActive means the session accepts arbitrary calls and notifications.
	PhaseActive
	// PhaseShuttingDown means shutdown was sent; only exit is accepted.
	PhaseShuttingDown
	// PhaseExited is terminal.
	PhaseExited
)

// String returns a human-readable phase name.
func (p Phase) String() string {
	switch p {
	case PhaseUninitialized:
		return "uninitialized"
	case PhaseInitializing:
		return "initializing"
	case PhaseActive:
		return "active"
	case PhaseShuttingDown:
		return "shutting down"
	case PhaseExited:
		return "exited"
	default:
		return "unknown"
	}
}

// responseEffect tells the session what a response did to the lifecycle.
type responseEffect int

const (
	effectNone responseEffect = iota
	effectActivated
	effectInitFailed
	effectShutdownAcked
)

// lifecycle gates outbound traffic by phase. Every method holds mu only for
// the duration of the check-and-transition.
type lifecycle struct {
	mu    sync.Mutex
	phase Phase

	initID        jsonrpc.ID
	initPending   bool
	shutdownID    jsonrpc.ID
	shutdownSent  bool
	shutdownAcked bool
}

func (l *lifecycle) current() Phase {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.phase
}

// admitCall checks whether a request for method may be sent and performs
// the transition that sending it implies.
func (l *lifecycle) admitCall(method string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.phase {
	case PhaseUninitialized:
		if method != MethodInitialize {
			return l.violation(method, ErrNotInitialized)
		}
		l.phase = PhaseInitializing
		return nil
	case PhaseInitializing:
		if method == MethodInitialize {
			return l.violation(method, ErrAlreadyInitialized)
		}
		return l.violation(method, ErrNotInitialized)
	case PhaseActive:
		switch method {
		case MethodInitialize:
			return l.violation(method, ErrAlreadyInitialized)
		case MethodShutdown:
			l.phase = PhaseShuttingDown
		}
		return nil
	case PhaseShuttingDown:
		return l.violation(method, ErrShuttingDown)
	default:
		return l.violation(method, ErrSessionClosed)
	}
}

// track records the id of an admitted initialize or shutdown request so the
// matching response can drive the next transition.
func (l *lifecycle) track(method string, id jsonrpc.ID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch method {
	case MethodInitialize:
		l.initID = id
		l.initPending = true
	case MethodShutdown:
		l.shutdownID = id
		l.shutdownSent = true
	}
}

// admitNotify checks whether a notification for method may be sent. The exit
// notification is accepted from every phase but Exited and moves the session
// to Exited immediately so nothing else is written after it.
func (l *lifecycle) admitNotify(method string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.phase == PhaseExited {
		return l.violation(method, ErrSessionClosed)
	}
	if method == MethodExit {
		l.phase = PhaseExited
		return nil
	}

	switch l.phase {
	case PhaseUninitialized, PhaseInitializing:
		return l.violation(method, ErrNotInitialized)
	case PhaseShuttingDown:
		return l.violation(method, ErrShuttingDown)
	}
	return nil
}

// observe applies the lifecycle effect of an inbound response. It runs on
// the read loop before the response is handed to its caller, so the phase
// is correct even if that caller already gave up.
func (l *lifecycle) observe(resp *jsonrpc.Response) responseEffect {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.initPending && resp.ID == l.initID:
		l.initPending = false
		if l.phase != PhaseInitializing {
			return effectNone
		}
		if resp.Error != nil {
			l.phase = PhaseExited
			return effectInitFailed
		}
		l.phase = PhaseActive
		return effectActivated
	case l.shutdownSent && !l.shutdownAcked && resp.ID == l.shutdownID:
		l.shutdownAcked = true
		return effectShutdownAcked
	}
	return effectNone
}

// exit forces the terminal phase and reports whether it changed anything.
func (l *lifecycle) exit() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.phase == PhaseExited {
		return false
	}
	l.phase = PhaseExited
	return true
}

func (l *lifecycle) violation(method string, err error) error {
	return &LifecycleError{Method: method, Phase: l.phase, Err: err}
}
