// Package frameencoder implements the single-writer pipeline stage
// between the redactor and the on-disk segment store: one goroutine
// pulling frames off a bounded channel, encoding, and writing, generalized
// down to append/seal/flush/emergency-flush against independently
// decodable per-frame segments instead of a continuous RTP stream.
package frameencoder

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/encoder"
	"github.com/rejourneyco/replaycore/internal/logging"
	"github.com/rejourneyco/replaycore/internal/segmentstore"
	"github.com/rejourneyco/replaycore/internal/telemetry"
	"github.com/rejourneyco/replaycore/internal/workerpool"
)

var log = logging.L("frameencoder")

// Default segment limits, applied regardless of device class.
const (
	MaxFramesInMemory = 20
	MaxSegmentSeconds  = 10 * time.Second
	MaxSegmentFrames   = 60
)

// SealedFunc is invoked with every segment the encoder commits, whether by
// threshold or by an explicit flush.
type SealedFunc func(core.Segment)

// BackpressureFunc is invoked when a frame is dropped for backpressure, so
// the scheduler can raise its deferral threshold
type BackpressureFunc func()

// FrameEncoder serializes frame append/seal/flush through a single-worker
// pool, backed by one
// SegmentStore per session.
type FrameEncoder struct {
	mu      sync.Mutex
	backend encoder.Backend
	store   *segmentstore.SegmentStore
	pool    *workerpool.Pool
	telem   *telemetry.Registry
	clock   core.Clock

	onSealed       SealedFunc
	onBackpressure BackpressureFunc

	inFlight atomic.Int32

	seq        int
	handle     *segmentstore.Handle
	segStart   time.Time
	frameCount int

	haveLast      bool
	lastMonotonic time.Duration

	scratch []byte // reused by EmergencyFlushSync to avoid allocating
}

// Option configures a FrameEncoder.
type Option func(*FrameEncoder)

// WithSealedFunc sets the callback invoked for every committed segment.
func WithSealedFunc(f SealedFunc) Option {
	return func(e *FrameEncoder) { e.onSealed = f }
}

// WithBackpressureFunc sets the callback invoked when a frame is dropped
// because the in-memory queue is full.
func WithBackpressureFunc(f BackpressureFunc) Option {
	return func(e *FrameEncoder) { e.onBackpressure = f }
}

// New creates a FrameEncoder writing through backend into store, driven by
// pool (expected to be a maxWorkers=1 pool).
func New(backend encoder.Backend, store *segmentstore.SegmentStore, pool *workerpool.Pool, telem *telemetry.Registry, clock core.Clock, opts ...Option) *FrameEncoder {
	if clock == nil {
		clock = core.SystemClock{}
	}
	e := &FrameEncoder{
		backend: backend,
		store:   store,
		pool:    pool,
		telem:   telem,
		clock:   clock,
		scratch: make([]byte, 0, 256),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// SetNextSeq resumes sequencing after the recovered highest committed
// segment, per the crash-recovery contract.
func (e *FrameEncoder) SetNextSeq(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seq = n
}

func (e *FrameEncoder) incCounter(name string) {
	if e.telem != nil {
		e.telem.Inc(name, 1)
	}
}

// Append submits frame to the encoder queue, dropping it with
// frame_backpressure_drop telemetry if the queue is already at
// MaxFramesInMemory in-flight frames.
func (e *FrameEncoder) Append(frame core.Frame) {
	if int(e.inFlight.Load()) >= MaxFramesInMemory {
		e.dropForBackpressure()
		return
	}

	e.inFlight.Add(1)
	submitted := e.pool.Submit(func() {
		defer e.inFlight.Add(-1)
		e.encodeAndStore(frame)
	})
	if !submitted {
		e.inFlight.Add(-1)
		e.dropForBackpressure()
	}
}

func (e *FrameEncoder) dropForBackpressure() {
	e.incCounter(telemetry.FrameBackpressureDrop)
	if e.onBackpressure != nil {
		e.onBackpressure()
	}
}

func (e *FrameEncoder) encodeAndStore(frame core.Frame) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.haveLast && frame.CaptureMonotonic <= e.lastMonotonic {
		e.incCounter(telemetry.FrameReorderDrop)
		return
	}
	e.haveLast = true
	e.lastMonotonic = frame.CaptureMonotonic

	encoded, err := e.backend.Encode(frame.Pixels, frame.Width, frame.Height)
	if err != nil {
		log.Warn("frame encode failed, dropping frame", "error", err)
		return
	}

	if e.handle == nil {
		if err := e.beginSegmentLocked(frame.CaptureWall); err != nil {
			log.Warn("failed to begin segment, dropping frame", "error", err)
			return
		}
	}

	if err := e.handle.AppendFrame(encoded); err != nil {
		log.Warn("failed to append frame to segment", "error", err)
		return
	}
	e.frameCount++

	e.sealIfNeededLocked(frame.CaptureWall)
}

func (e *FrameEncoder) beginSegmentLocked(start time.Time) error {
	h, err := e.store.BeginSegment(e.seq, start)
	if err != nil {
		return err
	}
	e.handle = h
	e.segStart = start
	e.frameCount = 0
	return nil
}

// sealIfNeededLocked implements segment boundary conditions:
// max_segment_seconds=10 or max_segment_frames=60, whichever comes first.
func (e *FrameEncoder) sealIfNeededLocked(now time.Time) {
	if e.handle == nil {
		return
	}
	if now.Sub(e.segStart) >= MaxSegmentSeconds || e.frameCount >= MaxSegmentFrames {
		e.commitLocked(now)
	}
}

func (e *FrameEncoder) commitLocked(end time.Time) {
	seg, err := e.store.CommitSegment(e.handle, end, e.frameCount)
	if err != nil {
		log.Warn("failed to commit segment", "seq", e.seq, "error", err)
		return
	}
	e.handle = nil
	e.seq++
	if e.onSealed != nil {
		e.onSealed(seg)
	}
}

// FlushNow forces the current in-flight segment to seal immediately,
// regardless of elapsed time or frame count. Used on app-background and
// session-drain transitions.
func (e *FrameEncoder) FlushNow() (*core.Segment, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil {
		return nil, nil
	}
	now := e.clock.Now()
	seg, err := e.store.CommitSegment(e.handle, now, e.frameCount)
	if err != nil {
		return nil, fmt.Errorf("frameencoder: flush: %w", err)
	}
	e.handle = nil
	e.seq++
	if e.onSealed != nil {
		e.onSealed(seg)
	}
	return &seg, nil
}

// EmergencyFlushSync is the synchronous, non-allocating path invoked from a
// crash/terminate signal handler. It must not block
// on the encoder queue: callers invoke it directly, bypassing the pool.
func (e *FrameEncoder) EmergencyFlushSync() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil {
		return
	}
	now := e.clock.Now()
	if err := e.store.EmergencyCommit(e.handle, now, e.frameCount, e.scratch); err != nil {
		log.Error("emergency flush failed", "error", err)
	}
	e.handle = nil
}

// InFlight reports the current number of frames queued or being encoded,
// for scheduler backpressure decisions and tests.
func (e *FrameEncoder) InFlight() int {
	return int(e.inFlight.Load())
}
