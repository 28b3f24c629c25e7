package lsp

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/tidwall/gjson"
)

// Work done progress method names.
const (
	MethodProgress               = "$/progress"
	MethodWorkDoneProgressCreate = "window/workDoneProgress/create"
)

// ProgressTracker follows the work done progress a server reports and
// becomes ready the first time every begun task has ended.
type ProgressTracker struct {
	s *Session

	mu      sync.Mutex
	active  map[string]string
	started bool

	ready     chan struct{}
	readyOnce sync.Once
}

// TrackProgress registers the $/progress handler on s. Call it before
// Initialize so no report sent during startup is missed, and advertise
// window.workDoneProgress in the client capabilities.
func TrackProgress(s *Session) (*ProgressTracker, error) {
	p := &ProgressTracker{
		s:      s,
		active: make(map[string]string),
		ready:  make(chan struct{}),
	}
	if err := s.OnNotification(MethodProgress, p.handle); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *ProgressTracker) handle(_ context.Context, params json.RawMessage) error {
	token := gjson.GetBytes(params, "token")
	if token.Type != gjson.String && token.Type != gjson.Number {
		return errors.New("progress without a token")
	}
	value := gjson.GetBytes(params, "value")

	p.mu.Lock()
	defer p.mu.Unlock()

	switch value.Get("kind").String() {
	case "begin":
		p.started = true
		p.active[token.Raw] = value.Get("title").String()
	case "end":
		delete(p.active, token.Raw)
		if p.started && len(p.active) == 0 {
			p.readyOnce.Do(func() { close(p.ready) })
		}
	}
	return nil
}

// Active returns the titles of tasks that have begun and not yet ended.
func (p *ProgressTracker) Active() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	titles := make([]string, 0, len(p.active))
	for _, title := range p.active {
		titles = append(titles, title)
	}
	sort.Strings(titles)
	return titles
}

// Ready is closed once the server has finished the work it started.
func (p *ProgressTracker) Ready() <-chan struct{} {
	return p.ready
}

// WaitReady blocks until the tracker is ready, ctx ends or the session
// exits. A server that never reports progress only releases the wait
// through ctx.
func (p *ProgressTracker) WaitReady(ctx context.Context) error {
	select {
	case <-p.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.s.Done():
		return ErrSessionClosed
	}
}
