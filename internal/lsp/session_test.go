package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/lspengine/internal/jsonrpc"
)

// pipeCloser closes the client ends of both pipes.
type pipeCloser struct {
	r *io.PipeReader
	w *io.PipeWriter
}

func (c pipeCloser) Close() error {
	c.r.Close()
	c.w.Close()
	return nil
}

// fakeServer is the server end of an in-memory LSP connection. It decodes
// everything the session writes and lets tests script replies.
type fakeServer struct {
	t   *testing.T
	in  *io.PipeReader
	out *io.PipeWriter

	msgs chan jsonrpc.Message

	mu  sync.Mutex
	raw int
}

func newTestSession(t *testing.T, opts ...Option) (*Session, *fakeServer) {
	t.Helper()
	clientR, serverW := io.Pipe()
	serverR, clientW := io.Pipe()

	srv := &fakeServer{
		t:    t,
		in:   serverR,
		out:  serverW,
		msgs: make(chan jsonrpc.Message, 128),
	}
	go srv.readLoop()

	s := New(clientR, clientW, pipeCloser{r: clientR, w: clientW}, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// Skip the shutdown handshake; most tests never answer it.
		_ = Exit(ctx, s)
		_ = s.Close(ctx)
		srv.out.Close()
	})
	return s, srv
}

func (f *fakeServer) readLoop() {
	dec := jsonrpc.NewDecoder(0)
	buf := make([]byte, 4096)
	defer close(f.msgs)
	for {
		n, err := f.in.Read(buf)
		if n > 0 {
			f.mu.Lock()
			f.raw += n
			f.mu.Unlock()
			dec.Feed(buf[:n])
			for {
				env, err := dec.Next()
				if err != nil {
					break
				}
				f.msgs <- jsonrpc.Classify(env.Body)
			}
		}
		if err != nil {
			return
		}
	}
}

// bytesReceived reports how many bytes the session has written.
func (f *fakeServer) bytesReceived() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.raw
}

// expect returns the next message written by the session.
func (f *fakeServer) expect() jsonrpc.Message {
	f.t.Helper()
	select {
	case msg, ok := <-f.msgs:
		if !ok {
			f.t.Fatal("session closed its output")
		}
		return msg
	case <-time.After(2 * time.Second):
		f.t.Fatal("timed out waiting for a message from the session")
		return nil
	}
}

// expectCall returns the next message and requires it to be a request for
// method. Client calls arrive at the server classified as requests.
func (f *fakeServer) expectCall(method string) *jsonrpc.Request {
	f.t.Helper()
	msg := f.expect()
	req, ok := msg.(*jsonrpc.Request)
	require.True(f.t, ok, "expected request %s, got %#v", method, msg)
	require.Equal(f.t, method, req.Method)
	return req
}

func (f *fakeServer) expectNotification(method string) *jsonrpc.Notification {
	f.t.Helper()
	msg := f.expect()
	n, ok := msg.(*jsonrpc.Notification)
	require.True(f.t, ok, "expected notification %s, got %#v", method, msg)
	require.Equal(f.t, method, n.Method)
	return n
}

func (f *fakeServer) expectNothing(d time.Duration) {
	f.t.Helper()
	select {
	case msg, ok := <-f.msgs:
		if ok {
			f.t.Fatalf("unexpected message %#v", msg)
		}
	case <-time.After(d):
	}
}

func (f *fakeServer) send(msg jsonrpc.Message) {
	f.t.Helper()
	require.NoError(f.t, jsonrpc.WriteMessage(f.out, msg))
}

func (f *fakeServer) sendRaw(frame string) {
	f.t.Helper()
	_, err := io.WriteString(f.out, frame)
	require.NoError(f.t, err)
}

// sendBody frames body as is, so tests can send JSON the typed messages
// would never produce.
func (f *fakeServer) sendBody(body string) {
	f.t.Helper()
	_, err := f.out.Write(jsonrpc.EncodeBody([]byte(body)))
	require.NoError(f.t, err)
}

func (f *fakeServer) reply(id jsonrpc.ID, result string) {
	f.t.Helper()
	f.send(&jsonrpc.Response{ID: id, Result: json.RawMessage(result)})
}

// initialize drives the handshake to PhaseActive.
func (f *fakeServer) initialize(s *Session) *InitializeResult {
	f.t.Helper()
	type res struct {
		r   *InitializeResult
		err error
	}
	ch := make(chan res, 1)
	go func() {
		r, err := Initialize(context.Background(), s, InitializeParams{})
		ch <- res{r, err}
	}()

	req := f.expectCall(MethodInitialize)
	f.reply(req.ID, `{"capabilities":{"documentSymbolProvider":true,"hoverProvider":false},"serverInfo":{"name":"fake"}}`)
	f.expectNotification(MethodInitialized)

	got := <-ch
	require.NoError(f.t, got.err)
	require.Equal(f.t, PhaseActive, s.Phase())
	return got.r
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("session did not exit")
	}
}

func TestSession_FullLifecycle(t *testing.T) {
	s, srv := newTestSession(t)
	assert.Equal(t, PhaseUninitialized, s.Phase())

	result := srv.initialize(s)
	require.NotNil(t, result.ServerInfo)
	assert.Equal(t, "fake", result.ServerInfo.Name)
	assert.True(t, result.HasCapability("documentSymbolProvider"))
	assert.False(t, result.HasCapability("hoverProvider"))

	errCh := make(chan error, 1)
	go func() { errCh <- Shutdown(context.Background(), s) }()
	req := srv.expectCall(MethodShutdown)
	assert.Equal(t, PhaseShuttingDown, s.Phase())
	srv.reply(req.ID, `null`)
	require.NoError(t, <-errCh)

	err := s.Call(context.Background(), "textDocument/hover", nil, nil)
	assert.ErrorIs(t, err, ErrShuttingDown)

	require.NoError(t, Exit(context.Background(), s))
	srv.expectNotification(MethodExit)
	waitDone(t, s)
	assert.Equal(t, PhaseExited, s.Phase())
	assert.NoError(t, s.Err())
	assert.NoError(t, s.Wait())

	err = s.Notify(context.Background(), "textDocument/didOpen", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_CallBeforeInitializeWritesNothing(t *testing.T) {
	s, srv := newTestSession(t)

	err := s.Call(context.Background(), "textDocument/hover", map[string]int{"line": 1}, nil)
	var le *LifecycleError
	require.ErrorAs(t, err, &le)
	assert.ErrorIs(t, err, ErrNotInitialized)
	assert.Equal(t, PhaseUninitialized, le.Phase)

	err = s.Notify(context.Background(), MethodInitialized, nil)
	assert.ErrorIs(t, err, ErrNotInitialized)

	srv.expectNothing(50 * time.Millisecond)
	assert.Zero(t, srv.bytesReceived())
	assert.Zero(t, s.Pending())

	// The first id handed out is still 1.
	go func() { _, _ = s.CallRaw(context.Background(), MethodInitialize, nil) }()
	req := srv.expectCall(MethodInitialize)
	assert.Equal(t, jsonrpc.NumberID(1), req.ID)
}

func TestSession_SecondInitializeRejected(t *testing.T) {
	s, srv := newTestSession(t)
	go func() { _, _ = s.CallRaw(context.Background(), MethodInitialize, nil) }()
	srv.expectCall(MethodInitialize)

	_, err := s.CallRaw(context.Background(), MethodInitialize, nil)
	assert.ErrorIs(t, err, ErrAlreadyInitialized)
}

func TestSession_InitializeErrorExits(t *testing.T) {
	s, srv := newTestSession(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := Initialize(context.Background(), s, InitializeParams{})
		errCh <- err
	}()
	req := srv.expectCall(MethodInitialize)
	srv.send(&jsonrpc.Response{ID: req.ID, Error: jsonrpc.NewError(jsonrpc.CodeInternalError, "cannot start")})

	err := <-errCh
	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "cannot start", rpcErr.Message)

	waitDone(t, s)
	assert.Equal(t, PhaseExited, s.Phase())
	assert.Error(t, s.Err())
}

func TestSession_ResponsesOutOfOrder(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	var g errgroup.Group
	results := make([]string, 2)
	for i, method := range []string{"a/first", "a/second"} {
		i, method := i, method
		g.Go(func() error {
			raw, err := s.CallRaw(context.Background(), method, nil)
			results[i] = string(raw)
			return err
		})
	}

	reqs := map[string]jsonrpc.ID{}
	for j := 0; j < 2; j++ {
		msg := srv.expect().(*jsonrpc.Request)
		reqs[msg.Method] = msg.ID
	}
	srv.reply(reqs["a/second"], `"two"`)
	srv.reply(reqs["a/first"], `"one"`)

	require.NoError(t, g.Wait())
	assert.Equal(t, []string{`"one"`, `"two"`}, results)
}

func TestSession_ConcurrentCallsEachGetOneOutcome(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	const n = 20
	go func() {
		for j := 0; j < n; j++ {
			msg, ok := <-srv.msgs
			if !ok {
				return
			}
			req := msg.(*jsonrpc.Request)
			// Echo the id back as the result.
			raw, _ := req.ID.MarshalJSON()
			_ = jsonrpc.WriteMessage(srv.out, &jsonrpc.Response{ID: req.ID, Result: raw})
		}
	}()

	var g errgroup.Group
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			raw, err := s.CallRaw(context.Background(), fmt.Sprintf("test/%d", i), nil)
			if err != nil {
				return err
			}
			if len(raw) == 0 {
				return errors.New("empty result")
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Zero(t, s.Pending())
}

func TestSession_TransportCloseDrainsPending(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	var g errgroup.Group
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		i := i
		g.Go(func() error {
			_, errs[i] = s.CallRaw(context.Background(), "test/pending", nil)
			return nil
		})
	}
	for j := 0; j < 3; j++ {
		srv.expectCall("test/pending")
	}
	require.Equal(t, 3, s.Pending())

	srv.out.Close()
	require.NoError(t, g.Wait())

	for _, err := range errs {
		assert.ErrorIs(t, err, ErrConnectionClosed)
	}
	waitDone(t, s)
	assert.Equal(t, PhaseExited, s.Phase())

	var te *TransportError
	assert.ErrorAs(t, s.Err(), &te)
	assert.Zero(t, s.Pending())

	_, err := s.CallRaw(context.Background(), "test/after", nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestSession_UnhandledServerRequest(t *testing.T) {
	var mu sync.Mutex
	var diags []Diagnostic
	s, srv := newTestSession(t, WithDiagnostics(func(d Diagnostic) {
		mu.Lock()
		diags = append(diags, d)
		mu.Unlock()
	}))
	srv.initialize(s)

	srv.send(&jsonrpc.Request{ID: jsonrpc.NumberID(99), Method: "workspace/configuration", Params: json.RawMessage(`{"items":[]}`)})

	msg := srv.expect()
	resp, ok := msg.(*jsonrpc.Response)
	require.True(t, ok, "expected response, got %#v", msg)
	assert.Equal(t, jsonrpc.NumberID(99), resp.ID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(jsonrpc.CodeMethodNotFound), resp.Error.Code)

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, diags)
	assert.Equal(t, DiagnosticUnknownMethod, diags[0].Kind)
	assert.Equal(t, "workspace/configuration", diags[0].Method)
}

func TestSession_NegativeRequestIDGetsReply(t *testing.T) {
	s, srv := newTestSession(t)
	require.NoError(t, s.OnRequest("window/workDoneProgress/create", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	}))
	srv.initialize(s)

	srv.sendBody(`{"jsonrpc":"2.0","id":-7,"method":"workspace/configuration"}`)
	resp, ok := srv.expect().(*jsonrpc.Response)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`-7`), resp.RawID)
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(jsonrpc.CodeMethodNotFound), resp.Error.Code)

	srv.sendBody(`{"jsonrpc":"2.0","id":-8,"method":"window/workDoneProgress/create","params":{"token":"t"}}`)
	resp, ok = srv.expect().(*jsonrpc.Response)
	require.True(t, ok)
	assert.Equal(t, json.RawMessage(`-8`), resp.RawID)
	assert.Nil(t, resp.Error)
	assert.JSONEq(t, `null`, string(resp.Result))
}

func TestSession_ServerRequestHandled(t *testing.T) {
	s, srv := newTestSession(t)
	require.NoError(t, s.OnRequest("workspace/configuration", func(_ context.Context, params json.RawMessage) (any, error) {
		return []any{map[string]bool{"gofumpt": true}}, nil
	}))

	// Server requests are answered even before initialize completes.
	go func() { _, _ = s.CallRaw(context.Background(), MethodInitialize, nil) }()
	srv.expectCall(MethodInitialize)
	srv.send(&jsonrpc.Request{ID: jsonrpc.StringID("c1"), Method: "workspace/configuration"})

	resp, ok := srv.expect().(*jsonrpc.Response)
	require.True(t, ok)
	assert.Equal(t, jsonrpc.StringID("c1"), resp.ID)
	assert.JSONEq(t, `[{"gofumpt":true}]`, string(resp.Result))
}

func TestSession_HandlerErrorRepliesInternalError(t *testing.T) {
	s, srv := newTestSession(t)
	require.NoError(t, s.OnRequest("window/showMessageRequest", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.New("no UI")
	}))
	srv.initialize(s)

	srv.send(&jsonrpc.Request{ID: jsonrpc.NumberID(5), Method: "window/showMessageRequest"})
	resp, ok := srv.expect().(*jsonrpc.Response)
	require.True(t, ok)
	require.NotNil(t, resp.Error)
	assert.Equal(t, int64(jsonrpc.CodeInternalError), resp.Error.Code)
}

func TestSession_NotificationsInOrder(t *testing.T) {
	s, srv := newTestSession(t)

	got := make(chan int, 10)
	require.NoError(t, s.OnNotification("$/progress", func(_ context.Context, params json.RawMessage) error {
		var p struct {
			Value int `json:"value"`
		}
		if err := json.Unmarshal(params, &p); err != nil {
			return err
		}
		got <- p.Value
		return nil
	}))
	srv.initialize(s)

	for i := 0; i < 10; i++ {
		srv.send(&jsonrpc.Notification{Method: "$/progress", Params: json.RawMessage(fmt.Sprintf(`{"value":%d}`, i))})
	}
	for i := 0; i < 10; i++ {
		select {
		case v := <-got:
			assert.Equal(t, i, v)
		case <-time.After(2 * time.Second):
			t.Fatal("notification not delivered")
		}
	}
}

func TestSession_Timeout(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.CallRaw(ctx, "test/slow", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	req := srv.expectCall("test/slow")
	note := srv.expectNotification(MethodCancelRequest)
	assert.JSONEq(t, fmt.Sprintf(`{"id":%s}`, req.ID), string(note.Params))

	// A late response is reported, not delivered.
	srv.reply(req.ID, `"late"`)
	assert.Zero(t, s.Pending())
	assert.Equal(t, PhaseActive, s.Phase())
}

func TestSession_RequestTimeoutOption(t *testing.T) {
	s, srv := newTestSession(t, WithRequestTimeout(300*time.Millisecond), WithCancelNotifications(false))
	srv.initialize(s)

	start := time.Now()
	_, err := s.CallRaw(context.Background(), "test/slow", nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	srv.expectCall("test/slow")
	srv.expectNothing(50 * time.Millisecond)
}

func TestSession_ContextCancel(t *testing.T) {
	s, srv := newTestSession(t, WithCancelNotifications(false))
	srv.initialize(s)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallRaw(ctx, "test/slow", nil)
		errCh <- err
	}()
	srv.expectCall("test/slow")
	cancel()

	err := <-errCh
	assert.ErrorIs(t, err, ErrCancelled)
	assert.ErrorIs(t, err, context.Canceled)
	srv.expectNothing(50 * time.Millisecond)
}

func TestSession_ProtocolErrorsAreRecoverable(t *testing.T) {
	var mu sync.Mutex
	var kinds []DiagnosticKind
	s, srv := newTestSession(t, WithDiagnostics(func(d Diagnostic) {
		mu.Lock()
		kinds = append(kinds, d.Kind)
		mu.Unlock()
	}))
	srv.initialize(s)

	errCh := make(chan error, 1)
	var result string
	go func() { errCh <- s.Call(context.Background(), "test/echo", nil, &result) }()
	req := srv.expectCall("test/echo")

	srv.sendBody(`{"jsonrpc":"2.0","id":1,"result":`)
	srv.send(&jsonrpc.Response{ID: jsonrpc.NumberID(12345), Result: json.RawMessage(`null`)})
	srv.reply(req.ID, `"ok"`)

	require.NoError(t, <-errCh)
	assert.Equal(t, "ok", result)
	assert.Equal(t, PhaseActive, s.Phase())

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, kinds, DiagnosticProtocol)
	assert.Contains(t, kinds, DiagnosticUnknownResponse)
}

func TestSession_FatalFramingErrorTerminates(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	errCh := make(chan error, 1)
	go func() {
		_, err := s.CallRaw(context.Background(), "test/pending", nil)
		errCh <- err
	}()
	srv.expectCall("test/pending")

	srv.sendRaw("Content-Type: application/json\r\n\r\n{}")

	assert.ErrorIs(t, <-errCh, ErrConnectionClosed)
	waitDone(t, s)
	var fe *jsonrpc.FramingError
	require.ErrorAs(t, s.Err(), &fe)
	assert.True(t, fe.Fatal)
}

func TestSession_CloseWhenActive(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	go func() {
		req := srv.expectCall(MethodShutdown)
		srv.reply(req.ID, `null`)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))
	assert.Equal(t, PhaseExited, s.Phase())

	// Exit is the last thing written.
	srv.expectNotification(MethodExit)
	srv.expectNothing(50 * time.Millisecond)
}

func TestSession_CloseWhenUninitialized(t *testing.T) {
	s, srv := newTestSession(t)

	require.NoError(t, s.Close(context.Background()))
	waitDone(t, s)
	srv.expectNothing(50 * time.Millisecond)
	assert.Zero(t, srv.bytesReceived())
}

func TestSession_CallDecodesResult(t *testing.T) {
	s, srv := newTestSession(t)
	srv.initialize(s)

	errCh := make(chan error, 1)
	var symbols []DocumentSymbol
	go func() {
		var err error
		symbols, err = DocumentSymbols(context.Background(), s, "file:///tmp/main.go")
		errCh <- err
	}()

	req := srv.expectCall(MethodDocumentSymbol)
	assert.JSONEq(t, `{"textDocument":{"uri":"file:///tmp/main.go"}}`, string(req.Params))
	srv.reply(req.ID, `[{"name":"main","kind":12,"range":{"start":{"line":2,"character":0},"end":{"line":4,"character":1}},"selectionRange":{"start":{"line":2,"character":5},"end":{"line":2,"character":9}}}]`)

	require.NoError(t, <-errCh)
	require.Len(t, symbols, 1)
	assert.Equal(t, "main", symbols[0].Name)
	assert.Equal(t, SymbolKindFunction, symbols[0].Kind)
	assert.Equal(t, 2, symbols[0].Range.Start.Line)
}
