package injector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/markbridge/internal/urlpattern"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// DefaultInjectDelay is how long to wait after a tab finishes loading before
// injecting. It gives the page time to run its own startup code; the value
// is a heuristic, not a correctness requirement.
const DefaultInjectDelay = 500 * time.Millisecond

var errClosed = errors.New("injector closed")

// EventKind identifies a lifecycle event delivered by the host.
type EventKind int

const (
	EventStartup EventKind = iota
	EventInstalled
	EventTabUpdated
	EventTabRemoved
)

func (k EventKind) String() string {
	switch k {
	case EventStartup:
		return "startup"
	case EventInstalled:
		return "installed"
	case EventTabUpdated:
		return "tab_updated"
	case EventTabRemoved:
		return "tab_removed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// ChangeInfo describes what changed in a tab update. URL is set only when
// the tab's URL differs from the last one the host saw.
type ChangeInfo struct {
	Status Status
	URL    string
}

// Event is a browser or extension lifecycle event.
type Event struct {
	Kind   EventKind
	TabID  TabID
	Change ChangeInfo
	// TabURL is the tab's current URL, when known.
	TabURL string
}

// Config configures an Injector.
type Config struct {
	Patterns *urlpattern.Set
	Marker   string
	Files    []string
	Delay    time.Duration
}

// Injector wires lifecycle events to the tracker.
type Injector struct {
	tracker  *Tracker
	tabs     TabQuerier
	patterns *urlpattern.Set
	delay    time.Duration
	pub      Publisher

	passes  singleflight.Group
	started atomic.Bool
	wg      sync.WaitGroup

	// life bounds work no single caller owns: shared passes and the
	// injections callers hand off. It ends with the Init context or Close.
	life   context.Context
	stop   context.CancelFunc
	mu     sync.Mutex
	closed bool
}

// New creates an Injector over host. pub may be nil.
func New(host Host, cfg Config, pub Publisher) *Injector {
	if pub == nil {
		pub = discard{}
	}
	delay := cfg.Delay
	if delay < 0 {
		delay = 0
	}
	life, stop := context.WithCancel(context.Background())
	return &Injector{
		tracker:  NewTracker(host, cfg.Marker, cfg.Files, pub),
		tabs:     host,
		patterns: cfg.Patterns,
		delay:    delay,
		pub:      pub,
		life:     life,
		stop:     stop,
	}
}

// Init starts consuming events and runs one full injection pass. Only the
// first call has any effect. Event handling stops when ctx is done or the
// events channel is closed.
func (in *Injector) Init(ctx context.Context, events <-chan Event) {
	if !in.started.CompareAndSwap(false, true) {
		slog.Debug("injector already initialised")
		return
	}

	context.AfterFunc(ctx, in.stop)
	in.wg.Add(1)
	go in.loop(ctx, events)

	if err := in.InjectIntoAllMatchingTabs(ctx); err != nil {
		slog.Debug("initial injection pass failed", "error", err)
	}
}

// Wait blocks until the event loop and every pending task have returned.
func (in *Injector) Wait() {
	in.wg.Wait()
}

// Close waits for pending work and releases the tracker. Passes requested
// after Close fail with errClosed.
func (in *Injector) Close() {
	in.mu.Lock()
	in.closed = true
	in.mu.Unlock()
	in.wg.Wait()
	in.stop()
	in.tracker.Close()
}

// hold registers a shared pass with the wait group unless the injector is
// closing.
func (in *Injector) hold() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.wg.Add(1)
	return true
}

func (in *Injector) loop(ctx context.Context, events <-chan Event) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			in.handle(ctx, ev)
		}
	}
}

func (in *Injector) handle(ctx context.Context, ev Event) {
	switch ev.Kind {
	case EventStartup, EventInstalled:
		slog.Info("lifecycle event, injecting into matching tabs", "event", ev.Kind)
		in.goPass(ctx)
	case EventTabUpdated:
		if ev.Change.URL != "" {
			in.tracker.Forget(ev.TabID)
		}
		if ev.Change.Status != StatusComplete {
			return
		}
		url := ev.TabURL
		if url == "" {
			url = ev.Change.URL
		}
		if in.patterns.Match(url) {
			in.scheduleInject(ctx, ev.TabID)
		}
	case EventTabRemoved:
		in.tracker.Forget(ev.TabID)
	default:
		slog.Debug("ignoring unknown event", "event", ev.Kind)
	}
}

func (in *Injector) scheduleInject(ctx context.Context, id TabID) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		if in.delay > 0 {
			timer := time.NewTimer(in.delay)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
			}
		}
		in.injectIsolated(ctx, id, "")
	}()
}

func (in *Injector) goPass(ctx context.Context) {
	in.wg.Add(1)
	go func() {
		defer in.wg.Done()
		if err := in.InjectIntoAllMatchingTabs(ctx); err != nil {
			slog.Debug("injection pass failed", "error", err)
		}
	}()
}

// InjectIntoAllMatchingTabs injects into every open tab matching the URL
// patterns, one goroutine per tab. Overlapping calls share a single pass,
// which runs under the injector's lifetime rather than any caller's ctx: a
// caller whose ctx ends stops waiting but the pass carries on. Only a
// failed tab query or the caller's own ctx error is returned.
func (in *Injector) InjectIntoAllMatchingTabs(ctx context.Context) error {
	ch := in.passes.DoChan("all-tabs", func() (any, error) {
		if !in.hold() {
			return nil, errClosed
		}
		defer in.wg.Done()
		return nil, in.runPass(in.life)
	})
	select {
	case res := <-ch:
		if res.Shared {
			slog.Debug("joined in-flight injection pass")
		}
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (in *Injector) runPass(ctx context.Context) error {
	passID := uuid.NewString()
	start := time.Now()

	tabs, err := in.tabs.QueryTabs(ctx, in.patterns.Patterns())
	if err != nil {
		slog.Error("tab query failed, aborting injection pass", "pass_id", passID, "error", err)
		in.publish(Signal{Kind: SignalError, PassID: passID, Message: err.Error()})
		return fmt.Errorf("query tabs: %w", err)
	}

	outcomes := make([]Outcome, len(tabs))
	var wg sync.WaitGroup
	for i, tab := range tabs {
		if tab.ID <= 0 {
			slog.Debug("skipping tab without a valid id", "pass_id", passID, "url", tab.URL)
			outcomes[i] = -1
			continue
		}
		wg.Add(1)
		go func(i int, id TabID) {
			defer wg.Done()
			outcomes[i] = in.injectIsolated(ctx, id, passID)
		}(i, tab.ID)
	}
	wg.Wait()

	counts := make(map[Outcome]int)
	for _, o := range outcomes {
		if o >= 0 {
			counts[o]++
		}
	}
	slog.Info("injection pass complete",
		"pass_id", passID,
		"tabs", len(tabs),
		"injected", counts[OutcomeInjected],
		"already_loaded", counts[OutcomeAlreadyLoaded],
		"failed", counts[OutcomeFailed],
		"duration_ms", time.Since(start).Milliseconds(),
	)
	in.publish(Signal{
		Kind:    SignalPass,
		PassID:  passID,
		Message: fmt.Sprintf("tabs=%d injected=%d failed=%d", len(tabs), counts[OutcomeInjected], counts[OutcomeFailed]),
	})
	return nil
}

// injectIsolated runs Inject and contains a panic from the host to the one
// tab that caused it.
func (in *Injector) injectIsolated(ctx context.Context, id TabID, passID string) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("injection panicked", "tab_id", id, "pass_id", passID, "panic", r)
			in.publish(Signal{Kind: SignalWarning, TabID: id, PassID: passID, Message: fmt.Sprint(r)})
			out = OutcomeFailed
		}
	}()
	return in.tracker.Inject(ctx, id)
}

func (in *Injector) publish(s Signal) {
	if s.Time.IsZero() {
		s.Time = time.Now().UTC()
	}
	s.Message, _ = truncateMessage(s.Message, maxSignalMessage)
	in.pub.Publish(s)
}

// TrackedTabs returns the tabs currently believed to have the bridge loaded.
func (in *Injector) TrackedTabs() []TabID { return in.tracker.Tracked() }

// InjectTab injects into a single tab. Cancellation of ctx is not passed
// on: a cancelled call reads as a gone tab and would untrack it.
func (in *Injector) InjectTab(ctx context.Context, id TabID) Outcome {
	return in.injectIsolated(context.WithoutCancel(ctx), id, "")
}

// IsLoaded reports whether the bridge is live in the tab. Like InjectTab it
// ignores cancellation of ctx.
func (in *Injector) IsLoaded(ctx context.Context, id TabID) bool {
	return in.tracker.IsLoaded(context.WithoutCancel(ctx), id)
}
