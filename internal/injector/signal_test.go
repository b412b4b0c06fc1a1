package injector

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestTruncateMessage(t *testing.T) {
	got, cut := truncateMessage("short", 16)
	if cut || got != "short" {
		t.Fatalf("truncateMessage(short) = %q, %v", got, cut)
	}

	long := strings.Repeat("é", 20)
	got, cut = truncateMessage(long, 7)
	if !cut {
		t.Fatal("expected truncation")
	}
	prefix, _, ok := strings.Cut(got, " ...[truncated sha256=")
	if !ok {
		t.Fatalf("missing hash suffix: %q", got)
	}
	if !utf8.ValidString(prefix) || len(prefix) != 6 {
		t.Fatalf("prefix = %q, want three whole runes", prefix)
	}

	again, _ := truncateMessage(long, 7)
	if again != got {
		t.Fatal("truncation not deterministic")
	}
	other, _ := truncateMessage(long+"x", 7)
	if other == got {
		t.Fatal("different inputs share a hash suffix")
	}
}

func TestTrackerTruncatesLongWarnings(t *testing.T) {
	pub := &recordingPublisher{}
	tr := newTestTracker(t, newFakeHost(), pub)

	tr.publish(Signal{Kind: SignalWarning, TabID: 1, Message: strings.Repeat("x", 4*maxSignalMessage)})
	pub.mu.Lock()
	sigs := append([]Signal(nil), pub.signals...)
	pub.mu.Unlock()
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if len(sigs[0].Message) > maxSignalMessage+64 {
		t.Fatalf("message length = %d", len(sigs[0].Message))
	}
	if sigs[0].Time.IsZero() {
		t.Fatal("signal time not stamped")
	}
}
