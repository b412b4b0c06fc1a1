package injector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Tracker decides whether a tab needs the bridge script and keeps the
// tracked set consistent with what is actually loaded in each page.
type Tracker struct {
	runner ScriptRunner
	marker string
	files  []string
	pub    Publisher
	set    *tabSet
}

// NewTracker creates a tracker that loads files into tabs and checks the
// page global named marker to confirm the script is alive.
func NewTracker(runner ScriptRunner, marker string, files []string, pub Publisher) *Tracker {
	if pub == nil {
		pub = discard{}
	}
	return &Tracker{
		runner: runner,
		marker: marker,
		files:  append([]string(nil), files...),
		pub:    pub,
		set:    newTabSet(),
	}
}

// IsLoaded reports whether the bridge script is live in the tab. Untracked
// tabs are never probed. A probe that fails or finds the marker unset
// untracks the tab; probe errors are not returned.
func (t *Tracker) IsLoaded(ctx context.Context, id TabID) bool {
	if !t.set.contains(id) {
		return false
	}

	raw, err := t.runner.Evaluate(ctx, id, markerProbe(t.marker))
	if err != nil {
		slog.Debug("liveness probe failed", "tab_id", id, "kind", KindOf(err), "error", err)
		t.set.remove(id)
		return false
	}

	var loaded bool
	if err := json.Unmarshal(raw, &loaded); err != nil || !loaded {
		slog.Debug("bridge marker missing, untracking tab", "tab_id", id)
		t.set.remove(id)
		return false
	}
	return true
}

// Inject loads the bridge script into the tab unless it is already live.
func (t *Tracker) Inject(ctx context.Context, id TabID) Outcome {
	if t.IsLoaded(ctx, id) {
		return OutcomeAlreadyLoaded
	}

	epoch := t.set.begin(id)
	err := t.runner.RunFiles(ctx, id, t.files)
	if err == nil {
		if t.set.finish(id, epoch, true) {
			slog.Info("bridge script injected", "tab_id", id)
			t.publish(Signal{Kind: SignalInjected, TabID: id})
		} else {
			slog.Debug("tab changed during injection, not tracking", "tab_id", id)
		}
		return OutcomeInjected
	}
	t.set.finish(id, epoch, false)

	switch kind := KindOf(err); kind {
	case KindPermissionDenied:
		slog.Debug("injection skipped on restricted page", "tab_id", id)
		return OutcomeRestricted
	case KindTabNotFound, KindConnectionLost:
		slog.Debug("tab gone during injection", "tab_id", id, "kind", kind)
		t.set.remove(id)
		return OutcomeTabGone
	default:
		slog.Warn("bridge script injection failed", "tab_id", id, "error", err)
		t.publish(Signal{Kind: SignalWarning, TabID: id, Message: err.Error()})
		return OutcomeFailed
	}
}

// Forget untracks a tab without probing it.
func (t *Tracker) Forget(id TabID) {
	t.set.remove(id)
}

// Tracked returns the tracked tab ids in ascending order.
func (t *Tracker) Tracked() []TabID {
	return t.set.snapshot()
}

// Close stops the tracked set's owner goroutine.
func (t *Tracker) Close() {
	t.set.close()
}

func (t *Tracker) publish(s Signal) {
	if s.Time.IsZero() {
		s.Time = time.Now().UTC()
	}
	s.Message, _ = truncateMessage(s.Message, maxSignalMessage)
	t.pub.Publish(s)
}

// markerProbe builds a zero-argument function call that reports whether the
// page global is set.
func markerProbe(marker string) string {
	name, _ := json.Marshal(marker)
	return fmt.Sprintf("(() => Boolean(globalThis[%s]))()", name)
}
