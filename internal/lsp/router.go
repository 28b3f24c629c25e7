package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/dshills/lspengine/internal/jsonrpc"
)

// NotificationHandler handles a notification sent by the server.
// A returned error is reported as a diagnostic.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// RequestHandler answers a request sent by the server. The result is
// marshaled into the response. Returning a *jsonrpc.Error sends that error
// object to the server; any other error is sent as a generic internal error.
// ctx is cancelled if the server sends $/cancelRequest for this request or
// the session closes.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// ReplyFunc writes a response to a server-initiated request.
type ReplyFunc func(resp *jsonrpc.Response) error

// Router dispatches inbound notifications and server-initiated requests to
// handlers registered by method name.
//
// Messages for one method are handled one at a time in arrival order.
// Different methods are handled concurrently. Dispatch never waits for a
// handler, so a slow handler cannot stall the read loop.
type Router struct {
	mu            sync.Mutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler
	queues        map[string]*methodQueue
	inflight      map[requestKey]context.CancelFunc
	closed        bool

	reply  ReplyFunc
	report DiagnosticFunc

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type methodQueue struct {
	jobs []func()
}

// requestKey identifies an in-flight server request. raw is set for ids
// that jsonrpc.ID cannot hold.
type requestKey struct {
	id  jsonrpc.ID
	raw string
}

func keyOf(id jsonrpc.ID, raw json.RawMessage) requestKey {
	return requestKey{id: id, raw: string(raw)}
}

// NewRouter creates a router that answers server requests through reply
// and reports problems through report.
func NewRouter(reply ReplyFunc, report DiagnosticFunc) *Router {
	if report == nil {
		report = func(Diagnostic) {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
		queues:        make(map[string]*methodQueue),
		inflight:      make(map[requestKey]context.CancelFunc),
		reply:         reply,
		report:        report,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// HandleNotification registers h for notifications named method.
// A second registration for the same method is rejected with ErrHandlerExists.
func (r *Router) HandleNotification(method string, h NotificationHandler) error {
	if h == nil {
		return fmt.Errorf("nil notification handler for %s", method)
	}
	r.mu.Lock()
	_, exists := r.notifications[method]
	if !exists {
		r.notifications[method] = h
	}
	r.mu.Unlock()

	if exists {
		return r.duplicate(method)
	}
	return nil
}

// HandleRequest registers h for server requests named method.
// A second registration for the same method is rejected with ErrHandlerExists.
func (r *Router) HandleRequest(method string, h RequestHandler) error {
	if h == nil {
		return fmt.Errorf("nil request handler for %s", method)
	}
	r.mu.Lock()
	_, exists := r.requests[method]
	if !exists {
		r.requests[method] = h
	}
	r.mu.Unlock()

	if exists {
		return r.duplicate(method)
	}
	return nil
}

// Remove unregisters both handler kinds for method.
func (r *Router) Remove(method string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.notifications, method)
	delete(r.requests, method)
}

func (r *Router) duplicate(method string) error {
	err := fmt.Errorf("%w: %s", ErrHandlerExists, method)
	r.report(Diagnostic{Kind: DiagnosticDuplicateHandler, Method: method, Err: err})
	return err
}

// Dispatch routes a *jsonrpc.Notification or *jsonrpc.Request. Other
// message kinds are ignored.
func (r *Router) Dispatch(msg jsonrpc.Message) {
	switch m := msg.(type) {
	case *jsonrpc.Notification:
		r.dispatchNotification(m)
	case *jsonrpc.Request:
		r.dispatchRequest(m)
	}
}

func (r *Router) dispatchNotification(n *jsonrpc.Notification) {
	if n.Method == MethodCancelRequest {
		r.cancelInflight(n.Params)
	}

	r.mu.Lock()
	h, ok := r.notifications[n.Method]
	r.mu.Unlock()

	if !ok {
		// $/ notifications are optional and may be dropped silently.
		if n.Method != MethodCancelRequest && !strings.HasPrefix(n.Method, "$/") {
			r.report(Diagnostic{
				Kind:   DiagnosticUnknownMethod,
				Method: n.Method,
				Err:    errors.New("no handler for notification"),
			})
		}
		return
	}

	r.enqueue(n.Method, func() {
		if err := r.runNotification(h, n); err != nil {
			r.report(Diagnostic{Kind: DiagnosticHandler, Method: n.Method, Err: err})
		}
	})
}

func (r *Router) runNotification(h NotificationHandler, n *jsonrpc.Notification) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("notification handler panic: %v", p)
		}
	}()
	return h(r.ctx, n.Params)
}

func (r *Router) dispatchRequest(req *jsonrpc.Request) {
	key := keyOf(req.ID, req.RawID)

	r.mu.Lock()
	h, ok := r.requests[req.Method]
	_, busy := r.inflight[key]
	var ctx context.Context
	if ok && !busy {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(r.ctx)
		r.inflight[key] = cancel
	}
	r.mu.Unlock()

	switch {
	case !ok:
		r.report(Diagnostic{
			Kind:   DiagnosticUnknownMethod,
			Method: req.Method,
			ID:     req.IDString(),
			Err:    errors.New("no handler for request"),
		})
		r.enqueue(req.Method, func() {
			r.send(errorResponse(req, jsonrpc.CodeMethodNotFound, "method not found"))
		})
		return
	case busy:
		// The first request keeps its id and its cancellation.
		r.report(Diagnostic{
			Kind:   DiagnosticProtocol,
			Method: req.Method,
			ID:     req.IDString(),
			Err:    errors.New("request id already in flight"),
		})
		r.enqueue(req.Method, func() {
			r.send(errorResponse(req, jsonrpc.CodeInvalidRequest, "request id already in flight"))
		})
		return
	}

	queued := r.enqueue(req.Method, func() {
		defer r.finish(key)
		r.send(r.runRequest(ctx, h, req))
	})
	if !queued {
		r.finish(key)
	}
}

func errorResponse(req *jsonrpc.Request, code int64, message string) *jsonrpc.Response {
	return &jsonrpc.Response{ID: req.ID, RawID: req.RawID, Error: jsonrpc.NewError(code, message)}
}

func (r *Router) runRequest(ctx context.Context, h RequestHandler, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	resp = &jsonrpc.Response{ID: req.ID, RawID: req.RawID}
	defer func() {
		if p := recover(); p != nil {
			r.handlerFailed(req, fmt.Errorf("request handler panic: %v", p))
			resp.Result = nil
			resp.Error = jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")
		}
	}()

	result, err := h(ctx, req.Params)
	if err != nil {
		var rpcErr *jsonrpc.Error
		switch {
		case errors.As(err, &rpcErr):
			r.handlerFailed(req, err)
			resp.Error = rpcErr
		case errors.Is(err, context.Canceled) && ctx.Err() != nil:
			resp.Error = jsonrpc.NewError(jsonrpc.CodeRequestCancelled, "request cancelled")
		default:
			r.handlerFailed(req, err)
			resp.Error = jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")
		}
		return resp
	}

	raw, err := jsonrpc.MarshalParams(result)
	if err != nil {
		r.handlerFailed(req, err)
		resp.Error = jsonrpc.NewError(jsonrpc.CodeInternalError, "internal error")
		return resp
	}
	resp.Result = raw
	return resp
}

func (r *Router) handlerFailed(req *jsonrpc.Request, err error) {
	r.report(Diagnostic{Kind: DiagnosticHandler, Method: req.Method, ID: req.IDString(), Err: err})
}

func (r *Router) send(resp *jsonrpc.Response) {
	if r.reply == nil {
		return
	}
	if err := r.reply(resp); err != nil && !errors.Is(err, ErrSessionClosed) {
		r.report(Diagnostic{Kind: DiagnosticHandler, ID: resp.IDString(), Err: fmt.Errorf("send reply: %w", err)})
	}
}

func (r *Router) finish(key requestKey) {
	r.mu.Lock()
	cancel, ok := r.inflight[key]
	delete(r.inflight, key)
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

func (r *Router) cancelInflight(params json.RawMessage) {
	idField := gjson.GetBytes(params, "id")
	id, raw, valid := jsonrpc.ParseID([]byte(idField.Raw))
	if !valid {
		r.report(Diagnostic{
			Kind:   DiagnosticProtocol,
			Method: MethodCancelRequest,
			Err:    errors.New("cancel params without a valid id"),
			Raw:    params,
		})
		return
	}
	r.mu.Lock()
	cancel, ok := r.inflight[keyOf(id, raw)]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// enqueue appends job to the method's queue, starting a worker if none is
// running. It reports false once the router is closed.
func (r *Router) enqueue(method string, job func()) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return false
	}
	q, running := r.queues[method]
	if !running {
		q = &methodQueue{}
		r.queues[method] = q
	}
	q.jobs = append(q.jobs, job)
	if !running {
		r.wg.Add(1)
		go r.drain(method, q)
	}
	return true
}

func (r *Router) drain(method string, q *methodQueue) {
	defer r.wg.Done()
	for {
		r.mu.Lock()
		if len(q.jobs) == 0 || r.closed {
			delete(r.queues, method)
			r.mu.Unlock()
			return
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		r.mu.Unlock()

		job()
	}
}

// Close stops dispatching, drops queued work and cancels the contexts of
// running handlers. It does not wait for them; see Wait.
func (r *Router) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
}

// Wait blocks until all handler goroutines have returned or ctx is done.
func (r *Router) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
