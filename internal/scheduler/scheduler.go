// Package scheduler implements a heuristic-gating capture scheduler:
// scroll velocity, blocker dialogs, backpressure, and sampling all feed a
// single gating decision rather than a separate async pipeline.
//
// Structurally a single mutex-guarded struct with no goroutines of its
// own, driven by an external ticker.
package scheduler

import (
	"log/slog"
	"sync"
	"time"

	"github.com/rejourneyco/replaycore/internal/logging"
	"github.com/rejourneyco/replaycore/internal/sampler"
)

var log = logging.L("scheduler")

// EventKind enumerates the UI signals note_event accepts.
type EventKind int

const (
	TouchBegin EventKind = iota
	TouchEnd
	ScrollBegin
	ScrollEnd
	KeyboardAnimStart
	KeyboardAnimEnd
	Navigation
	ModalPresent
	ModalDismiss
	LargeAnimationBegin
	LargeAnimationEnd
	// Backpressure is a synthetic blocker key the FrameEncoder raises when
	// its in-memory queue is full, so capture decisions defer until it drains.
	Backpressure
)

// Design-constant quiet intervals.
const (
	QuietTouch           = 120 * time.Millisecond
	QuietScroll          = 250 * time.Millisecond
	QuietScrollBounce    = 400 * time.Millisecond
	QuietKeyboard        = 300 * time.Millisecond
	QuietNavigation      = 150 * time.Millisecond
	QuietLargeAnimation  = 250 * time.Millisecond

	baseCadence = time.Second              // 1 Hz target cadence
	maxCadence  = time.Second * 10 / 3     // 0.3 Hz adaptive floor on frequency

	defensiveDelayShort = 150 * time.Millisecond
	defensiveDelayLong  = 200 * time.Millisecond

	scrollBounceEpsilon = 0.5
)

// Decision is tick's verdict.
type Decision struct {
	Capture  bool
	Reason   string
	Earliest time.Time
}

type blocker struct {
	lastEvent time.Time
	quiet     time.Duration
}

// ScrollState carries the values needed for bounce detection, supplied by
// the caller on each scroll-position update.
type ScrollState struct {
	Y             float64
	Top           float64
	Bottom        float64
	ContentHeight float64
	Visible       float64
}

// IsBouncing reports whether s represents rubber-band overscroll.
func (s ScrollState) IsBouncing() bool {
	if s.Y < -s.Top-scrollBounceEpsilon {
		return true
	}
	if s.Y > s.ContentHeight-s.Visible+s.Bottom+scrollBounceEpsilon {
		return true
	}
	return false
}

type defensiveCapture struct {
	at     time.Time
	reason string
}

// CaptureScheduler decides whether "now" is a safe moment to capture.
type CaptureScheduler struct {
	mu       sync.Mutex
	blockers map[EventKind]blocker
	sampler  *sampler.AdaptiveSampler
	pending  []defensiveCapture
	lastTick time.Time
}

// New creates a scheduler with no active blockers.
func New(s *sampler.AdaptiveSampler) *CaptureScheduler {
	return &CaptureScheduler{
		blockers: make(map[EventKind]blocker),
		sampler:  s,
	}
}

// NoteEvent records an observed UI signal at now, arming its quiet window.
func (c *CaptureScheduler) NoteEvent(kind EventKind, now time.Time) {
	quiet := quietIntervalFor(kind)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockers[kind] = blocker{lastEvent: now, quiet: quiet}
}

// NoteScroll feeds a scroll-position sample; bounce is treated as a scroll
// event with the bounce-specific quiet interval.
func (c *CaptureScheduler) NoteScroll(s ScrollState, now time.Time) {
	if s.IsBouncing() {
		c.mu.Lock()
		c.blockers[ScrollBegin] = blocker{lastEvent: now, quiet: QuietScrollBounce}
		c.mu.Unlock()
		return
	}
	c.NoteEvent(ScrollBegin, now)
}

func quietIntervalFor(kind EventKind) time.Duration {
	switch kind {
	case TouchBegin, TouchEnd:
		return QuietTouch
	case ScrollBegin, ScrollEnd:
		return QuietScroll
	case KeyboardAnimStart, KeyboardAnimEnd:
		return QuietKeyboard
	case Navigation:
		return QuietNavigation
	case ModalPresent, ModalDismiss:
		return QuietNavigation
	case LargeAnimationBegin, LargeAnimationEnd:
		return QuietLargeAnimation
	default:
		return QuietTouch
	}
}

// RaiseBackpressure arms a synthetic blocker window so the scheduler defers
// capture decisions for hold, giving the encoder queue time to drain.
func (c *CaptureScheduler) RaiseBackpressure(now time.Time, hold time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blockers[Backpressure] = blocker{lastEvent: now, quiet: hold}
}

// RequestDefensive schedules a one-shot capture at now+delay.
func (c *CaptureScheduler) RequestDefensive(now time.Time, delay time.Duration, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, defensiveCapture{at: now.Add(delay), reason: reason})
}

// AfterNavigation, AfterGestureEnd, AfterKeyboardHide schedule the standard
// defensive captures.
func (c *CaptureScheduler) AfterNavigation(now time.Time) {
	c.RequestDefensive(now, defensiveDelayShort, "navigation")
}

func (c *CaptureScheduler) AfterGestureEnd(now time.Time) {
	c.RequestDefensive(now, defensiveDelayLong, "gesture_end")
}

func (c *CaptureScheduler) AfterKeyboardHide(now time.Time) {
	c.RequestDefensive(now, defensiveDelayShort, "keyboard_hide")
}

// Tick evaluates whether now is a safe capture moment, accounting for
// active blocker windows and any due defensive capture.
func (c *CaptureScheduler) Tick(now time.Time) Decision {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, d := range c.pending {
		if !now.Before(d.at) {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			c.lastTick = now
			return Decision{Capture: true, Reason: "defensive:" + d.reason}
		}
	}

	var earliest time.Time
	for _, b := range c.blockers {
		safe := b.lastEvent.Add(b.quiet)
		if safe.After(now) && safe.After(earliest) {
			earliest = safe
		}
	}

	if earliest.After(now) {
		return Decision{Capture: false, Reason: "blocked", Earliest: earliest}
	}

	c.lastTick = now
	return Decision{Capture: true, Reason: "quiet"}
}

// NoCaptureDefer is the decision returned when an attempted capture yielded
// no frame; the scheduler does not retry until its next regular tick.
func NoCaptureDefer(logger *slog.Logger, reason string) Decision {
	if logger == nil {
		logger = log
	}
	logger.Debug("capture attempt yielded no frame", "reason", reason)
	return Decision{Capture: false, Reason: reason}
}

// Cadence returns the current tick interval: the 1s base divided by the
// sampler's factor (a lower factor means a longer interval), capped at
// maxCadence.
func (c *CaptureScheduler) Cadence() time.Duration {
	factor := 1.0
	if c.sampler != nil {
		factor = c.sampler.ScaleFactor()
	}
	if factor <= 0 {
		factor = 1
	}
	d := time.Duration(float64(baseCadence) / factor)
	if d > maxCadence {
		d = maxCadence
	}
	return d
}
