package eventbuffer

import (
	"os"
	"testing"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
)

func ev(kind core.EventKind, at time.Time) core.Event {
	return core.Event{Kind: kind, Timestamp: at, TimestampMs: at.UnixMilli()}
}

func TestAppendIsFIFO(t *testing.T) {
	b := New()
	base := time.Unix(0, 0)
	b.Append(ev(core.EventSessionStart, base))
	b.Append(ev(core.EventNavigation, base.Add(time.Second)))
	b.Append(ev(core.EventSessionEnd, base.Add(2*time.Second)))

	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	want := []core.EventKind{core.EventSessionStart, core.EventNavigation, core.EventSessionEnd}
	for i, k := range want {
		if got[i].Kind != k {
			t.Fatalf("event %d = %s, want %s", i, got[i].Kind, k)
		}
	}
}

func TestDropPrefixRemovesExactlyN(t *testing.T) {
	b := New()
	base := time.Unix(0, 0)
	for i := 0; i < 5; i++ {
		b.Append(ev(core.EventGesture, base.Add(time.Duration(i)*time.Second)))
	}
	b.DropPrefix(2)
	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len after drop = %d, want 3", len(got))
	}
}

func TestDropPrefixBeyondLengthEmptiesBuffer(t *testing.T) {
	b := New()
	b.Append(ev(core.EventGesture, time.Now()))
	b.DropPrefix(100)
	if b.Len() != 0 {
		t.Fatalf("len = %d, want 0", b.Len())
	}
}

func TestKeyboardTypingCoalesces(t *testing.T) {
	b := New()
	base := time.Unix(0, 0)
	b.Append(ev(core.EventKeyboardTyping, base))
	b.Append(ev(core.EventKeyboardTyping, base.Add(100*time.Millisecond)))
	b.Append(ev(core.EventKeyboardTyping, base.Add(200*time.Millisecond)))

	got := b.Snapshot()
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1 (coalesced)", len(got))
	}
	if got[0].KeyPressCount() != 3 {
		t.Fatalf("keyPressCount = %d, want 3", got[0].KeyPressCount())
	}
}

func TestKeyboardTypingDoesNotCoalesceAcrossWindow(t *testing.T) {
	b := New()
	base := time.Unix(0, 0)
	b.Append(ev(core.EventKeyboardTyping, base))
	b.Append(ev(core.EventKeyboardTyping, base.Add(500*time.Millisecond)))

	got := b.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2 (not coalesced, window elapsed)", len(got))
	}
}

func TestKeyboardTypingDoesNotCoalesceAcrossOtherEvent(t *testing.T) {
	b := New()
	base := time.Unix(0, 0)
	b.Append(ev(core.EventKeyboardTyping, base))
	b.Append(ev(core.EventNavigation, base.Add(10*time.Millisecond)))
	b.Append(ev(core.EventKeyboardTyping, base.Add(20*time.Millisecond)))

	got := b.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
}

func TestPersistAndRestoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	b := New()
	base := time.Unix(1700000000, 0)
	b.Append(ev(core.EventAppBackground, base))
	b.Append(ev(core.EventAppForeground, base.Add(30*time.Second)))

	if err := b.PersistToDisk(dir); err != nil {
		t.Fatalf("PersistToDisk: %v", err)
	}

	restored := New()
	events, err := restored.RestoreFromDisk(dir)
	if err != nil {
		t.Fatalf("RestoreFromDisk: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("restored len = %d, want 2", len(events))
	}
	if events[0].Kind != core.EventAppBackground || events[1].Kind != core.EventAppForeground {
		t.Fatalf("restored order wrong: %+v", events)
	}
}

func TestRestoreFromDiskMissingFileReturnsNil(t *testing.T) {
	dir := t.TempDir()
	b := New()
	events, err := b.RestoreFromDisk(dir)
	if err != nil {
		t.Fatalf("RestoreFromDisk: %v", err)
	}
	if events != nil {
		t.Fatalf("expected nil events, got %v", events)
	}
}

func TestPersistRotatesPreviousSpillFile(t *testing.T) {
	dir := t.TempDir()
	b := New()
	b.Append(ev(core.EventAppBackground, time.Unix(1700000000, 0)))
	if err := b.PersistToDisk(dir); err != nil {
		t.Fatalf("first persist: %v", err)
	}
	b.Append(ev(core.EventAppForeground, time.Unix(1700000030, 0)))
	if err := b.PersistToDisk(dir); err != nil {
		t.Fatalf("second persist: %v", err)
	}

	if _, err := os.Stat(dir + "/" + eventsRotatedName); err != nil {
		t.Fatalf("expected rotated gzip spill file: %v", err)
	}
}
