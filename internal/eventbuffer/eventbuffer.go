// Package eventbuffer implements an append-only, strictly-ordered
// in-memory ring of discrete events, with a disk-backed snapshot taken on
// app-background transitions so in-flight events survive a crash.
//
// Persistence uses a plain newline-delimited JSON file, gzip-compressed
// once rotated out: stdlib territory, no third-party compressor needed for
// a format this simple.
package eventbuffer

import (
	"bufio"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/logging"
)

var log = logging.L("eventbuffer")

// CoalesceWindow is the maximum age of the last KeyboardTyping event that
// still allows a new one to be coalesced into it.
const CoalesceWindow = 250 * time.Millisecond

const eventsFileName = "events.jsonl"
const eventsRotatedName = "events.jsonl.gz"

// EventBuffer holds the strictly-ordered event log for one session.
type EventBuffer struct {
	mu     sync.Mutex
	events []core.Event
}

// New creates an empty EventBuffer.
func New() *EventBuffer {
	return &EventBuffer{}
}

// Append records e at the tail, coalescing consecutive KeyboardTyping
// events within CoalesceWindow into a single keyPressCount instead of a
// new record.
func (b *EventBuffer) Append(e core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if e.Kind == core.EventKeyboardTyping && len(b.events) > 0 {
		last := &b.events[len(b.events)-1]
		if last.Kind == core.EventKeyboardTyping && e.Timestamp.Sub(last.Timestamp) < CoalesceWindow {
			if last.Payload == nil {
				last.Payload = map[string]any{}
			}
			last.Payload["keyPressCount"] = last.KeyPressCount() + 1
			last.Timestamp = e.Timestamp
			last.TimestampMs = e.TimestampMs
			return
		}
	}

	if e.Kind == core.EventKeyboardTyping {
		if e.Payload == nil {
			e.Payload = map[string]any{}
		}
		if _, ok := e.Payload["keyPressCount"]; !ok {
			e.Payload["keyPressCount"] = 1
		}
	}

	b.events = append(b.events, e)
}

// Snapshot returns a copy of the current buffer in FIFO order.
func (b *EventBuffer) Snapshot() []core.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]core.Event, len(b.events))
	copy(out, b.events)
	return out
}

// Len reports the current number of buffered events.
func (b *EventBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

// DropPrefix removes exactly the first n events. Called only by the
// uploader upon confirmed batch acceptance.
func (b *EventBuffer) DropPrefix(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n <= 0 {
		return
	}
	if n >= len(b.events) {
		b.events = b.events[:0]
		return
	}
	remaining := make([]core.Event, len(b.events)-n)
	copy(remaining, b.events[n:])
	b.events = remaining
}

// PersistToDisk writes the current snapshot to dir/events.jsonl, rotating
// any previous uncompressed spill file to a gzip-compressed sibling first.
func (b *EventBuffer) PersistToDisk(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("eventbuffer: persist: %w", err)
	}

	path := filepath.Join(dir, eventsFileName)
	if _, err := os.Stat(path); err == nil {
		if err := rotateToGzip(path, filepath.Join(dir, eventsRotatedName)); err != nil {
			log.Warn("failed to rotate previous event spill file", "error", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("eventbuffer: persist: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	for _, e := range b.Snapshot() {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("eventbuffer: marshal event: %w", err)
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("eventbuffer: write event: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	return f.Sync()
}

// RestoreFromDisk loads and replaces the buffer's contents with whatever
// was last persisted at dir/events.jsonl (the uncompressed, not-yet-rotated
// spill file; rotated .gz siblings are historical and not replayed).
func (b *EventBuffer) RestoreFromDisk(dir string) ([]core.Event, error) {
	path := filepath.Join(dir, eventsFileName)
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("eventbuffer: restore: %w", err)
	}
	defer f.Close()

	var restored []core.Event
	scan := bufio.NewScanner(f)
	scan.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scan.Scan() {
		var e core.Event
		if err := json.Unmarshal(scan.Bytes(), &e); err != nil {
			log.Warn("skipping malformed persisted event", "error", err)
			continue
		}
		e.Timestamp = time.UnixMilli(e.TimestampMs)
		restored = append(restored, e)
	}
	if err := scan.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.events = restored
	b.mu.Unlock()

	return restored, nil
}

func rotateToGzip(srcPath, destPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	dest, err := os.OpenFile(destPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer dest.Close()

	gw := gzip.NewWriter(dest)
	if _, err := gw.Write(mustReadAll(src)); err != nil {
		_ = gw.Close()
		return err
	}
	return gw.Close()
}

func mustReadAll(f *os.File) []byte {
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	buf := make([]byte, info.Size())
	_, _ = f.Read(buf)
	return buf
}
