package lsp

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/lspengine/internal/jsonrpc"
)

// Outcome is the single fulfillment of a PendingCall.
type Outcome struct {
	Result json.RawMessage
	Err    error
}

// PendingCall is an outstanding client request awaiting its response.
type PendingCall struct {
	ID       jsonrpc.ID
	Method   string
	IssuedAt time.Time

	done    chan struct{}
	outcome Outcome
}

// Done is closed once the call has an outcome.
func (p *PendingCall) Done() <-chan struct{} {
	return p.done
}

// Outcome returns the fulfillment. It is only meaningful after Done is closed.
func (p *PendingCall) Outcome() Outcome {
	<-p.done
	return p.outcome
}

// fulfill must only be called by the goroutine that removed p from the
// table, which makes it run exactly once.
func (p *PendingCall) fulfill(o Outcome) {
	p.outcome = o
	close(p.done)
}

// CorrelationTable maps outstanding request ids to their pending calls.
//
// Every PendingCall is fulfilled exactly once by whichever of Resolve,
// Cancel or DrainAll removes it first. Later attempts find nothing and
// report it instead of fulfilling twice.
type CorrelationTable struct {
	mu     sync.Mutex
	nextID uint64
	calls  map[jsonrpc.ID]*PendingCall
	closed bool

	now func() time.Time
}

// NewCorrelationTable creates an empty table. Ids start at 1.
func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		calls: make(map[jsonrpc.ID]*PendingCall),
		now:   time.Now,
	}
}

// Register allocates a fresh id and a pending slot for method.
// It fails with ErrSessionClosed once the table has been drained.
func (t *CorrelationTable) Register(method string) (*PendingCall, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrSessionClosed
	}

	var id jsonrpc.ID
	for {
		t.nextID++
		id = jsonrpc.NumberID(t.nextID)
		if _, taken := t.calls[id]; !taken {
			break
		}
	}

	pc := &PendingCall{
		ID:       id,
		Method:   method,
		IssuedAt: t.now(),
		done:     make(chan struct{}),
	}
	t.calls[id] = pc
	return pc, nil
}

// Resolve fulfills the pending call matching resp.ID with its result or
// error. It returns an error wrapping ErrUnknownID when nothing is pending
// under that id.
func (t *CorrelationTable) Resolve(resp *jsonrpc.Response) error {
	// Issued ids are always unsigned, so a raw id never matches.
	if len(resp.RawID) > 0 {
		return fmt.Errorf("%w: %s", ErrUnknownID, resp.RawID)
	}
	pc := t.take(resp.ID)
	if pc == nil {
		return fmt.Errorf("%w: %s", ErrUnknownID, resp.ID)
	}
	if resp.Error != nil {
		pc.fulfill(Outcome{Err: resp.Error})
	} else {
		pc.fulfill(Outcome{Result: resp.Result})
	}
	return nil
}

// Cancel fulfills the pending call for id with cause and removes it.
// It reports whether the call was still pending.
func (t *CorrelationTable) Cancel(id jsonrpc.ID, cause error) bool {
	pc := t.take(id)
	if pc == nil {
		return false
	}
	pc.fulfill(Outcome{Err: cause})
	return true
}

// DrainAll fulfills every pending call with cause, empties the table and
// refuses further registrations. It returns the number of calls drained.
func (t *CorrelationTable) DrainAll(cause error) int {
	t.mu.Lock()
	calls := t.calls
	t.calls = make(map[jsonrpc.ID]*PendingCall)
	t.closed = true
	t.mu.Unlock()

	for _, pc := range calls {
		pc.fulfill(Outcome{Err: cause})
	}
	return len(calls)
}

// Len returns the number of pending calls.
func (t *CorrelationTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// Pending returns the ids of the pending calls, in no particular order.
func (t *CorrelationTable) Pending() []jsonrpc.ID {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]jsonrpc.ID, 0, len(t.calls))
	for id := range t.calls {
		ids = append(ids, id)
	}
	return ids
}

func (t *CorrelationTable) take(id jsonrpc.ID) *PendingCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	pc, ok := t.calls[id]
	if ok {
		delete(t.calls, id)
	}
	return pc
}
