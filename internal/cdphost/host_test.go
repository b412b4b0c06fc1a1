package cdphost

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dgnsrekt/markbridge/internal/injector"
)

const (
	appURL   = "http://localhost:3000/editor"
	otherURL = "https://example.com/"
)

var appPatterns = []string{"http://localhost:3000/*"}

func connectedHost(t *testing.T, fb *fakeBrowser, opts Options) *Host {
	t.Helper()
	opts.HTTPBase = fb.srv.URL
	h := New(opts)
	t.Cleanup(h.Close)
	if err := h.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ev := nextEvent(t, h); ev.Kind != injector.EventStartup {
		t.Fatalf("first event = %v, want %v", ev.Kind, injector.EventStartup)
	}
	return h
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "content-bridge.js")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

func TestConnectAttachesPagesAndQueriesMatchingTabs(t *testing.T) {
	fb := newFakeBrowser(t,
		fakeTarget{ID: "A", Type: "page", URL: appURL},
		fakeTarget{ID: "B", Type: "page", URL: otherURL},
		fakeTarget{ID: "W", Type: "service_worker", URL: "http://localhost:3000/sw.js"},
	)
	h := connectedHost(t, fb, Options{})

	if got := fb.callCount("Target.attachToTarget"); got != 2 {
		t.Fatalf("attach calls = %d, want 2", got)
	}
	if got := fb.callCount("Target.setDiscoverTargets"); got != 1 {
		t.Fatalf("setDiscoverTargets calls = %d, want 1", got)
	}

	tabs, err := h.QueryTabs(context.Background(), appPatterns)
	if err != nil {
		t.Fatalf("QueryTabs() error = %v", err)
	}
	if len(tabs) != 1 || tabs[0].ID != 1 || tabs[0].URL != appURL {
		t.Fatalf("QueryTabs() = %+v, want [{1 %s}]", tabs, appURL)
	}
	if got := h.Tabs(); len(got) != 2 {
		t.Fatalf("Tabs() = %+v, want 2 page tabs", got)
	}
}

func TestTrackerInjectsThroughHost(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "A", Type: "page", URL: appURL})
	h := connectedHost(t, fb, Options{})
	script := writeScript(t, "globalThis.__markbridgeLoaded = true;")

	tr := injector.NewTracker(h, "__markbridgeLoaded", []string{script}, nil)
	defer tr.Close()
	ctx := context.Background()

	if got := tr.Inject(ctx, 1); got != injector.OutcomeInjected {
		t.Fatalf("Inject() = %v, want %v", got, injector.OutcomeInjected)
	}
	if !tr.IsLoaded(ctx, 1) {
		t.Fatal("IsLoaded() = false after injection")
	}
	if got := tr.Inject(ctx, 1); got != injector.OutcomeAlreadyLoaded {
		t.Fatalf("second Inject() = %v, want %v", got, injector.OutcomeAlreadyLoaded)
	}
}

func TestRunFilesRestrictedSchemeSkipsProtocol(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "S", Type: "page", URL: "chrome://settings/"})
	h := connectedHost(t, fb, Options{})
	evalsBefore := fb.callCount("Runtime.evaluate")

	err := h.RunFiles(context.Background(), 1, []string{writeScript(t, "1")})
	if got := injector.KindOf(err); got != injector.KindPermissionDenied {
		t.Fatalf("KindOf(err) = %v, want %v (err=%v)", got, injector.KindPermissionDenied, err)
	}
	if got := fb.callCount("Runtime.evaluate"); got != evalsBefore {
		t.Fatalf("evaluate calls = %d, want %d", got, evalsBefore)
	}
}

func TestRunFilesErrors(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "A", Type: "page", URL: appURL})
	h := connectedHost(t, fb, Options{})
	ctx := context.Background()

	err := h.RunFiles(ctx, 42, []string{writeScript(t, "1")})
	if got := injector.KindOf(err); got != injector.KindTabNotFound {
		t.Fatalf("unknown tab kind = %v, want %v", got, injector.KindTabNotFound)
	}

	err = h.RunFiles(ctx, 1, []string{writeScript(t, "throw new Error('boom')")})
	if got := injector.KindOf(err); got != injector.KindOther {
		t.Fatalf("exception kind = %v, want %v", got, injector.KindOther)
	}

	err = h.RunFiles(ctx, 1, []string{filepath.Join(t.TempDir(), "missing.js")})
	if got := injector.KindOf(err); got != injector.KindOther {
		t.Fatalf("missing file kind = %v, want %v", got, injector.KindOther)
	}
}

func TestEvaluateClosedTargetIsTabNotFound(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "A", Type: "page", URL: appURL})
	h := connectedHost(t, fb, Options{})
	fb.removeTarget("A")

	_, err := h.Evaluate(context.Background(), 1, "1")
	if got := injector.KindOf(err); got != injector.KindTabNotFound {
		t.Fatalf("KindOf(err) = %v, want %v (err=%v)", got, injector.KindTabNotFound, err)
	}
}

func TestEvaluateAfterDisconnectIsConnectionLost(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "A", Type: "page", URL: appURL})
	h := connectedHost(t, fb, Options{})
	done := h.cdp.done()

	fb.dropConnection()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop did not exit")
	}

	_, err := h.Evaluate(context.Background(), 1, "1")
	if got := injector.KindOf(err); got != injector.KindConnectionLost {
		t.Fatalf("KindOf(err) = %v, want %v (err=%v)", got, injector.KindConnectionLost, err)
	}
}

func TestPageEventsBecomeTabUpdates(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "A", Type: "page", URL: appURL})
	h := connectedHost(t, fb, Options{})

	fb.event("Page.frameNavigated", "session-A", map[string]any{
		"frame": map[string]any{"id": "A", "url": appURL + "/2"},
	})
	ev := nextEvent(t, h)
	if ev.Kind != injector.EventTabUpdated || ev.TabID != 1 {
		t.Fatalf("event = %+v, want tab 1 update", ev)
	}
	if ev.Change.Status != injector.StatusLoading || ev.Change.URL != appURL+"/2" {
		t.Fatalf("change = %+v, want loading with new url", ev.Change)
	}

	// Subframe navigations are not tab updates.
	fb.event("Page.frameNavigated", "session-A", map[string]any{
		"frame": map[string]any{"id": "F", "parentId": "A", "url": "https://ads.example/"},
	})
	fb.event("Page.loadEventFired", "session-A", map[string]any{"timestamp": 1})
	ev = nextEvent(t, h)
	if ev.Change.Status != injector.StatusComplete || ev.Change.URL != "" || ev.TabURL != appURL+"/2" {
		t.Fatalf("load event = %+v, want complete without url change", ev)
	}

	fb.event("Page.navigatedWithinDocument", "session-A", map[string]any{"frameId": "A", "url": appURL + "#x"})
	ev = nextEvent(t, h)
	if ev.Change.Status != injector.StatusComplete || ev.Change.URL != appURL+"#x" {
		t.Fatalf("same-document event = %+v, want complete with url", ev)
	}

	fb.event("Target.targetDestroyed", "", map[string]any{"targetId": "A"})
	ev = nextEvent(t, h)
	if ev.Kind != injector.EventTabRemoved || ev.TabID != 1 {
		t.Fatalf("event = %+v, want tab 1 removed", ev)
	}
}

func TestTargetCreatedAnnouncesLoadedTab(t *testing.T) {
	fb := newFakeBrowser(t)
	h := connectedHost(t, fb, Options{})

	fb.addTarget(fakeTarget{ID: "N", Type: "page", URL: appURL})
	fb.event("Target.targetCreated", "", map[string]any{
		"targetInfo": map[string]any{"targetId": "N", "type": "page", "url": appURL},
	})

	ev := nextEvent(t, h)
	if ev.Kind != injector.EventTabUpdated || ev.TabID != 1 {
		t.Fatalf("event = %+v, want tab 1 update", ev)
	}
	if ev.Change.Status != injector.StatusComplete || ev.TabURL != appURL {
		t.Fatalf("event = %+v, want complete at %s", ev, appURL)
	}
}

func TestRunReconnectsAndEmitsStartup(t *testing.T) {
	fb := newFakeBrowser(t, fakeTarget{ID: "A", Type: "page", URL: appURL})
	h := connectedHost(t, fb, Options{ReconnectMin: 10 * time.Millisecond, ReconnectMax: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	fb.dropConnection()
	if ev := nextEvent(t, h); ev.Kind != injector.EventStartup {
		t.Fatalf("event = %v, want %v", ev.Kind, injector.EventStartup)
	}
	if got := h.Tabs(); len(got) != 1 || got[0].ID != 1 {
		t.Fatalf("Tabs() after reconnect = %+v, want stable id 1", got)
	}
}
