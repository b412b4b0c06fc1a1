package injector

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// fakeHost models pages with a marker global. Closed tabs fail every call
// with KindTabNotFound; a done ctx fails tab calls with KindConnectionLost,
// as the CDP adapter classifies it.
type fakeHost struct {
	mu         sync.Mutex
	markers    map[TabID]bool
	closed     map[TabID]bool
	restricted map[TabID]bool
	runErr     map[TabID]error
	runPanic   map[TabID]bool
	runCalls   map[TabID]int
	probeCalls map[TabID]int
	queryCalls int
	tabs       []Tab
	queryErr   error
	queryGate  chan struct{} // when set, QueryTabs blocks until closed
	runHook    func(TabID)
}

func newFakeHost(tabs ...Tab) *fakeHost {
	return &fakeHost{
		markers:    make(map[TabID]bool),
		closed:     make(map[TabID]bool),
		restricted: make(map[TabID]bool),
		runErr:     make(map[TabID]error),
		runPanic:   make(map[TabID]bool),
		runCalls:   make(map[TabID]int),
		probeCalls: make(map[TabID]int),
		tabs:       tabs,
	}
}

func (h *fakeHost) Evaluate(ctx context.Context, tab TabID, _ string) (json.RawMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probeCalls[tab]++
	if err := ctx.Err(); err != nil {
		return nil, NewExecError(KindConnectionLost, tab, err)
	}
	if h.closed[tab] {
		return nil, NewExecError(KindTabNotFound, tab, errors.New("no tab with given id"))
	}
	if h.markers[tab] {
		return json.RawMessage("true"), nil
	}
	return json.RawMessage("false"), nil
}

func (h *fakeHost) RunFiles(ctx context.Context, tab TabID, _ []string) error {
	if err := ctx.Err(); err != nil {
		return NewExecError(KindConnectionLost, tab, err)
	}
	h.mu.Lock()
	h.runCalls[tab]++
	hook := h.runHook
	panics := h.runPanic[tab]
	h.mu.Unlock()

	if panics {
		panic("host exploded")
	}
	if hook != nil {
		hook(tab)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed[tab] {
		return NewExecError(KindTabNotFound, tab, errors.New("tab closed"))
	}
	if h.restricted[tab] {
		return NewExecError(KindPermissionDenied, tab, errors.New("cannot access a chrome:// URL"))
	}
	if err := h.runErr[tab]; err != nil {
		return err
	}
	h.markers[tab] = true
	return nil
}

func (h *fakeHost) QueryTabs(ctx context.Context, _ []string) ([]Tab, error) {
	h.mu.Lock()
	h.queryCalls++
	gate := h.queryGate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.queryErr != nil {
		return nil, h.queryErr
	}
	return append([]Tab(nil), h.tabs...), nil
}

func (h *fakeHost) closeTab(tab TabID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed[tab] = true
	delete(h.markers, tab)
}

func (h *fakeHost) reloadPage(tab TabID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.markers[tab] = false
}

func (h *fakeHost) runs(tab TabID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.runCalls[tab]
}

func (h *fakeHost) probes(tab TabID) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.probeCalls[tab]
}

func (h *fakeHost) queries() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.queryCalls
}

func (h *fakeHost) live(tab TabID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.markers[tab] && !h.closed[tab]
}

type recordingPublisher struct {
	mu      sync.Mutex
	signals []Signal
}

func (p *recordingPublisher) Publish(s Signal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, s)
}

func (p *recordingPublisher) kinds() []SignalKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SignalKind, 0, len(p.signals))
	for _, s := range p.signals {
		out = append(out, s.Kind)
	}
	return out
}

func (p *recordingPublisher) count(kind SignalKind) int {
	n := 0
	for _, k := range p.kinds() {
		if k == kind {
			n++
		}
	}
	return n
}
