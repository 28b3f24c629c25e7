package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tidwall/pretty"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspengine/internal/jsonrpc"
	"github.com/dshills/lspengine/internal/logging"
)

// Session is a client-side LSP connection to one language server.
//
// A Session owns a single read loop that decodes frames, resolves responses
// to their callers and dispatches notifications and server requests to
// registered handlers. Call and Notify may be used from any goroutine.
type Session struct {
	config Config
	log    zerolog.Logger

	tr     *transport
	table  *CorrelationTable
	router *Router
	life   lifecycle

	group      errgroup.Group
	readerDone chan struct{}

	closeOnce sync.Once
	done      chan struct{}
	errMu     sync.Mutex
	err       error
}

// New creates a session over the given stream and starts reading from r.
// c, if non-nil, is closed when the session terminates; closing it must
// unblock a pending Read on r.
func New(r io.Reader, w io.Writer, c io.Closer, opts ...Option) *Session {
	config := DefaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = DefaultConfig().ReadBufferSize
	}

	s := &Session{
		config:     config,
		log:        logging.Component(config.Logger, "lsp"),
		tr:         newTransport(r, w, c, config.MaxMessageBytes),
		table:      NewCorrelationTable(),
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.router = NewRouter(s.reply, s.diagnose)

	s.group.Go(func() error {
		defer close(s.readerDone)
		return s.readLoop()
	})
	return s
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	return s.life.current()
}

// Done is closed when the session reaches PhaseExited and every pending
// call has been released.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the fatal error that terminated the session, or nil if it
// ended through the exit notification or Close.
func (s *Session) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

// Wait blocks until the read loop has returned and reports its error.
func (s *Session) Wait() error {
	return s.group.Wait()
}

// Pending returns the number of calls awaiting a response.
func (s *Session) Pending() int {
	return s.table.Len()
}

// OnNotification registers a handler for server notifications named method.
func (s *Session) OnNotification(method string, h NotificationHandler) error {
	return s.router.HandleNotification(method, h)
}

// OnRequest registers a handler for server requests named method.
func (s *Session) OnRequest(method string, h RequestHandler) error {
	return s.router.HandleRequest(method, h)
}

// Call sends a request and waits for the response. A non-nil result is
// filled from the response's result member.
func (s *Session) Call(ctx context.Context, method string, params, result any) error {
	raw, err := s.CallRaw(ctx, method, params)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal %s result: %w", method, err)
		}
	}
	return nil
}

// CallRaw sends a request and returns the raw result.
//
// The call fails synchronously with a *LifecycleError, without allocating an
// id or writing anything, when the current phase does not allow method.
// Otherwise it returns exactly one of: the server's result, the server's
// error as *jsonrpc.Error, ErrCancelled or ErrTimeout when ctx ends first,
// or ErrConnectionClosed when the session terminates.
func (s *Session) CallRaw(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return nil, err
	}
	if err := s.life.admitCall(method); err != nil {
		return nil, err
	}
	pc, err := s.table.Register(method)
	if err != nil {
		return nil, &LifecycleError{Method: method, Phase: s.Phase(), Err: err}
	}
	s.life.track(method, pc.ID)

	if s.config.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	if err := s.send(&jsonrpc.Call{ID: pc.ID, Method: method, Params: raw}); err != nil {
		s.table.Cancel(pc.ID, err)
	}

	select {
	case <-pc.Done():
	case <-ctx.Done():
		cause := ErrCancelled
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			cause = ErrTimeout
		}
		if s.table.Cancel(pc.ID, fmt.Errorf("%s: %w: %w", method, cause, ctx.Err())) {
			s.cancelRemote(pc.ID)
		}
	}

	out := pc.Outcome()
	return out.Result, out.Err
}

// Notify sends a notification. It does not wait for anything beyond the
// write. Sending exit ends the session.
func (s *Session) Notify(ctx context.Context, method string, params any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := jsonrpc.MarshalParams(params)
	if err != nil {
		return err
	}
	if err := s.life.admitNotify(method); err != nil {
		return err
	}

	err = s.send(&jsonrpc.Notification{Method: method, Params: raw})
	if method == MethodExit {
		s.teardown(nil)
	}
	return err
}

// Close ends the session. An active session is shut down gracefully with
// shutdown followed by exit; a session waiting for exit only gets exit; any
// other phase is terminated immediately. Close waits for the read loop and
// running handlers to finish or for ctx to end.
func (s *Session) Close(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok && s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}

	var shutdownErr error
	if s.Phase() == PhaseActive {
		if _, err := s.CallRaw(ctx, MethodShutdown, nil); err != nil {
			shutdownErr = fmt.Errorf("shutdown: %w", err)
			s.log.Warn().Err(err).Msg("shutdown request failed")
		}
	}
	if s.Phase() == PhaseShuttingDown {
		// exit is sent even when shutdown ran out of time.
		if err := s.Notify(context.WithoutCancel(ctx), MethodExit, nil); err != nil && shutdownErr == nil {
			shutdownErr = fmt.Errorf("exit: %w", err)
		}
	}
	s.teardown(nil)

	select {
	case <-s.readerDone:
	case <-ctx.Done():
		return errors.Join(shutdownErr, ctx.Err())
	}
	if err := s.router.Wait(ctx); err != nil {
		return errors.Join(shutdownErr, err)
	}
	return shutdownErr
}

func (s *Session) send(msg jsonrpc.Message) error {
	err := s.tr.write(msg)
	if err == nil {
		return nil
	}
	var te *TransportError
	if errors.As(err, &te) {
		s.teardown(err)
	}
	return err
}

// reply answers a server request. Replies bypass the lifecycle gate: the
// server may legitimately ask things while initialize is in flight.
func (s *Session) reply(resp *jsonrpc.Response) error {
	if s.Phase() == PhaseExited {
		return ErrSessionClosed
	}
	return s.send(resp)
}

// cancelRemote tells the server a call was abandoned. Best effort.
func (s *Session) cancelRemote(id jsonrpc.ID) {
	if !s.config.CancelNotifications || s.Phase() != PhaseActive {
		return
	}
	raw, err := json.Marshal(CancelParams{ID: id})
	if err != nil {
		return
	}
	if err := s.send(&jsonrpc.Notification{Method: MethodCancelRequest, Params: raw}); err != nil {
		s.log.Debug().Err(err).Str("id", id.String()).Msg("cancel request not sent")
	}
}

func (s *Session) readLoop() error {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		readErr := s.tr.read(buf)

		if err := s.drainFrames(); err != nil {
			if s.Phase() == PhaseExited {
				return nil
			}
			s.diagnose(Diagnostic{Kind: DiagnosticTransport, Err: err})
			s.teardown(err)
			return err
		}

		if readErr != nil {
			if s.Phase() == PhaseExited || s.tr.isClosed() {
				s.teardown(nil)
				return nil
			}
			err := &TransportError{Op: "read", Err: readErr}
			if errors.Is(readErr, io.EOF) {
				err.Err = io.ErrUnexpectedEOF
			}
			s.diagnose(Diagnostic{Kind: DiagnosticTransport, Err: err})
			s.teardown(err)
			return err
		}
	}
}

// drainFrames handles every complete frame in the decoder. It returns only
// fatal framing errors.
func (s *Session) drainFrames() error {
	for {
		env, err := s.tr.next()
		if errors.Is(err, jsonrpc.ErrNeedMore) {
			return nil
		}
		var fe *jsonrpc.FramingError
		if errors.As(err, &fe) {
			if fe.Fatal {
				return err
			}
			s.diagnose(Diagnostic{Kind: DiagnosticFraming, Err: err})
			continue
		}
		if err != nil {
			return err
		}

		if e := s.log.Trace(); e.Enabled() {
			e.RawJSON("body", pretty.Ugly(env.Body)).Msg("recv")
		}
		s.handle(jsonrpc.Classify(env.Body))
	}
}

func (s *Session) handle(msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Response:
		effect := s.life.observe(m)
		if err := s.table.Resolve(m); err != nil {
			s.diagnose(Diagnostic{Kind: DiagnosticUnknownResponse, ID: m.IDString(), Err: err})
		}
		switch effect {
		case effectActivated:
			s.log.Debug().Msg("session active")
		case effectInitFailed:
			s.teardown(fmt.Errorf("initialize failed: %w", m.Error))
		case effectShutdownAcked:
			s.log.Debug().Msg("shutdown acknowledged")
		}
	case *jsonrpc.Request, *jsonrpc.Notification:
		s.router.Dispatch(m)
	case *jsonrpc.Invalid:
		s.diagnose(Diagnostic{Kind: DiagnosticProtocol, Err: m.Err(), Raw: m.Raw})
	}
}

// teardown is the single path to PhaseExited. It releases every pending
// call, stops handler dispatch and closes the stream. Only the first call
// has any effect.
func (s *Session) teardown(cause error) {
	s.closeOnce.Do(func() {
		s.life.exit()

		s.errMu.Lock()
		s.err = cause
		s.errMu.Unlock()

		drainErr := ErrConnectionClosed
		if cause != nil {
			drainErr = fmt.Errorf("%w: %w", ErrConnectionClosed, cause)
		}
		n := s.table.DrainAll(drainErr)
		s.router.Close()
		if err := s.tr.close(); err != nil {
			s.log.Debug().Err(err).Msg("close transport")
		}

		ev := s.log.Debug()
		if cause != nil {
			ev = s.log.Warn().Err(cause)
		}
		ev.Int("drained", n).Msg("session exited")
		close(s.done)
	})
}

func (s *Session) diagnose(d Diagnostic) {
	logDiagnostic(s.log, d)
	if s.config.OnDiagnostic != nil {
		s.config.OnDiagnostic(d)
	}
}
