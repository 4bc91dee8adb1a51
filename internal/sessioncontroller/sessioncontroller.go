package sessioncontroller

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/encoder"
	"github.com/rejourneyco/replaycore/internal/eventbuffer"
	"github.com/rejourneyco/replaycore/internal/frameencoder"
	"github.com/rejourneyco/replaycore/internal/logging"
	"github.com/rejourneyco/replaycore/internal/promotion"
	"github.com/rejourneyco/replaycore/internal/redactor"
	"github.com/rejourneyco/replaycore/internal/sampler"
	"github.com/rejourneyco/replaycore/internal/scheduler"
	"github.com/rejourneyco/replaycore/internal/segmentstore"
	"github.com/rejourneyco/replaycore/internal/telemetry"
	"github.com/rejourneyco/replaycore/internal/uploader"
	"github.com/rejourneyco/replaycore/internal/workerpool"
)

var log = logging.L("sessioncontroller")

// BackgroundTimeout is the canonical cumulative-background duration that
// triggers the session-timeout protocol. This repo fixes it as a
// production constant rather than a tunable (see DESIGN.md).
const BackgroundTimeout = 60 * time.Second

// backgroundTaskBudget is the wall-clock slice escrowed from the uploader
// for the non-final flush triggered on background entry.
const backgroundTaskBudget = 30 * time.Second

// finalFlushDeadline bounds the synchronous final-events upload the
// session-timeout protocol performs before restarting, per the global
// 10s deadline on that step.
const finalFlushDeadline = 10 * time.Second

// backpressureHold is how long the scheduler defers capture after the
// encoder reports backpressure.
const backpressureHold = 2 * time.Second

// BackendFactory builds a fresh encoder.Backend for a new session's video
// pipeline. OpenStore builds a fresh SegmentStore rooted at dataDir.
type BackendFactory func() (encoder.Backend, error)
type StoreOpener func(sessionID core.SessionID) (*segmentstore.SegmentStore, error)

// Config wires a SessionController to its shared (long-lived, reused
// across session restarts) and per-session (rebuilt on every start)
// collaborators.
type Config struct {
	Clock     core.Clock
	Telemetry *telemetry.Registry
	DataDir   string

	Scheduler *scheduler.CaptureScheduler
	Redactor  *redactor.Redactor
	Sampler   *sampler.AdaptiveSampler
	Uploader  *uploader.Uploader

	EncoderQueue  *workerpool.Pool
	UploaderQueue *workerpool.Pool

	OpenStore  StoreOpener
	NewBackend BackendFactory
}

// SessionController is the single owner of session identity and lifecycle;
// other components access the Session record only via message passing or
// immutable snapshots, never through a shared pointer into its state.
type SessionController struct {
	mu    sync.Mutex
	state State

	clock   core.Clock
	telem   *telemetry.Registry
	dataDir string

	sched    *scheduler.CaptureScheduler
	redactor *redactor.Redactor
	sampler  *sampler.AdaptiveSampler
	uploadr  *uploader.Uploader

	encoderQueue  *workerpool.Pool
	uploaderQueue *workerpool.Pool
	openStore     StoreOpener
	newBackend    BackendFactory

	sessionID         core.SessionID
	previousSessionID core.SessionID
	userID            string
	apiURL            string

	store    *segmentstore.SegmentStore
	frameEnc *frameencoder.FrameEncoder
	events   *eventbuffer.EventBuffer

	config          core.ConfigSnapshot
	sampleAdmission bool
	videoEnabled    bool

	inBackground            bool
	backgroundEnteredAt     time.Time
	accumulatedBackgroundMs int64
	bgTask                  *uploader.TaskHandle

	metrics promotion.SessionMetrics

	observations chan Observation
}

// New creates an Idle SessionController.
func New(cfg Config) *SessionController {
	clock := cfg.Clock
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &SessionController{
		state:         Idle,
		clock:         clock,
		telem:         cfg.Telemetry,
		dataDir:       cfg.DataDir,
		sched:         cfg.Scheduler,
		redactor:      cfg.Redactor,
		sampler:       cfg.Sampler,
		uploadr:       cfg.Uploader,
		encoderQueue:  cfg.EncoderQueue,
		uploaderQueue: cfg.UploaderQueue,
		openStore:     cfg.OpenStore,
		newBackend:    cfg.NewBackend,
		observations:  make(chan Observation, observationQueueSize),
	}
}

// State reports the controller's current lifecycle state.
func (c *SessionController) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SessionController) scheduler() *scheduler.CaptureScheduler { return c.sched }

func (c *SessionController) sessionDir(id core.SessionID) string {
	return filepath.Join(c.dataDir, "pending", id.String())
}

// Start is the Idle→Starting transition: it generates a session id,
// persists it, initializes the EventBuffer, emits SessionStart, and
// returns synchronously while config resolution continues in the
// background.
func (c *SessionController) Start(ctx context.Context, userID, apiURL, publicKey string) (core.SessionID, error) {
	c.mu.Lock()

	if c.state != Idle && c.state != Terminated {
		c.mu.Unlock()
		return core.SessionID{}, &ErrInvalidTransition{From: c.state, Event: "start"}
	}

	sessionID := core.NewSessionID()
	store, err := c.openStore(sessionID)
	if err != nil {
		c.mu.Unlock()
		return core.SessionID{}, fmt.Errorf("sessioncontroller: start: %w", err)
	}

	c.sessionID = sessionID
	c.userID = userID
	c.apiURL = apiURL
	c.store = store
	c.frameEnc = nil
	c.events = eventbuffer.New()
	c.accumulatedBackgroundMs = 0
	c.inBackground = false
	c.metrics = promotion.SessionMetrics{}
	c.config = core.ConfigSnapshot{}
	c.uploadr.ResetAuthState()

	now := c.clock.Now()
	c.events.Append(core.Event{Kind: core.EventSessionStart, Timestamp: now, TimestampMs: now.UnixMilli()})
	c.state = Starting

	_ = writeCurrentSessionID(c.dataDir, sessionID)
	c.writeMetaLocked()

	c.mu.Unlock()

	go c.resolveConfigAsync(ctx)

	return sessionID, nil
}

func (c *SessionController) resolveConfigAsync(ctx context.Context) {
	cfg, err := c.uploadr.FetchConfig(ctx)
	if err != nil {
		log.Warn("config fetch failed, using defaults", "error", err)
		cfg = core.DefaultConfigSnapshot()
	}
	if err := c.ResolveConfig(cfg); err != nil {
		log.Warn("config resolution rejected", "error", err)
	}
}

// sessionHash derives a stable 64-bit FNV-1a hash from a session id;
// ResolveConfig reduces it modulo 100, so sample-rate admission is
// deterministic per session rather than re-rolled on every check.
func sessionHash(id core.SessionID) uint64 {
	var h uint64 = 14695981039346656037
	for _, b := range id {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}

// ResolveConfig applies the first (or a re-fetched) remote config snapshot,
// implementing the implicit Starting→Active transition and the
// sample-admission/video-enabled computation.
func (c *SessionController) ResolveConfig(cfg core.ConfigSnapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Starting {
		return &ErrInvalidTransition{From: c.state, Event: "config_resolved"}
	}

	if cfg.SampleRatePercent > 100 {
		cfg.SampleRatePercent = 100
	}

	var admission bool
	switch {
	case cfg.SampleRatePercent == 0:
		admission = false
	case cfg.SampleRatePercent >= 100:
		admission = true
	default:
		admission = sessionHash(c.sessionID)%100 < uint64(cfg.SampleRatePercent)
	}

	c.config = cfg
	c.sampleAdmission = admission
	c.videoEnabled = cfg.EffectiveRecordingEnabled() && admission

	if !cfg.SDKEnabled {
		c.state = Draining
		c.drainLocked(context.Background(), "sdk_disabled_by_remote")
		return nil
	}

	c.state = Active

	if c.videoEnabled {
		backend, err := c.newBackend()
		if err != nil {
			log.Error("failed to create encoder backend, falling back to data-only mode", "error", err)
			c.videoEnabled = false
			return nil
		}
		c.frameEnc = frameencoder.New(backend, c.store, c.encoderQueue, c.telem, c.clock,
			frameencoder.WithSealedFunc(c.onSegmentSealed),
			frameencoder.WithBackpressureFunc(c.onBackpressure),
		)
	}
	return nil
}

// Tick drives the capture scheduler; the host loop calls this at the
// scheduler's own adaptive cadence.
func (c *SessionController) Tick(now time.Time) scheduler.Decision {
	return c.sched.Tick(now)
}

// OnFrame hands a captured (scanned, redacted) frame to the encoder queue,
// if video capture is currently enabled.
func (c *SessionController) OnFrame(frame core.Frame) {
	c.mu.Lock()
	enc := c.frameEnc
	active := c.state == Active && c.videoEnabled
	c.mu.Unlock()

	if active && enc != nil {
		enc.Append(frame)
	}
}

func (c *SessionController) onSegmentSealed(seg core.Segment) {
	sessionID := seg.SessionID
	store := c.store
	uploaderQueue := c.uploaderQueue
	uploadr := c.uploadr

	uploaderQueue.Submit(func() {
		payload, err := os.ReadFile(seg.Path)
		if err != nil {
			log.Error("failed to read sealed segment for upload", "seq", seg.Seq, "error", err)
			store.MarkFailed(seg.Seq, seg.Attempts+1)
			return
		}
		if err := uploadr.UploadSegment(context.Background(), sessionID, seg, payload); err != nil {
			log.Warn("segment upload failed", "seq", seg.Seq, "error", err)
			store.MarkFailed(seg.Seq, seg.Attempts+1)
			return
		}
		store.MarkUploaded(seg.Seq)
	})
}

func (c *SessionController) onBackpressure() {
	c.sched.RaiseBackpressure(c.clock.Now(), backpressureHold)
}

// BackgroundEnter implements the Active→Active (paused) transition: a
// non-final event flush, encoder pause, and background task escrow.
func (c *SessionController) BackgroundEnter(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active || c.inBackground {
		return nil
	}

	c.inBackground = true
	c.backgroundEnteredAt = now
	c.redactor.OnAppBackground()
	c.events.Append(core.Event{Kind: core.EventAppBackground, Timestamp: now, TimestampMs: now.UnixMilli()})

	if c.frameEnc != nil {
		if _, err := c.frameEnc.FlushNow(); err != nil {
			log.Warn("non-final flush on background entry failed", "error", err)
		}
	}

	c.bgTask = c.uploadr.BeginBackgroundTask("background-flush", backgroundTaskBudget)

	sessionID, events := c.sessionID, c.events.Snapshot()
	go func() {
		n, err := c.uploadr.UploadEvents(context.Background(), sessionID, events, false)
		if err != nil {
			log.Warn("non-final event flush failed", "error", err)
			return
		}
		c.mu.Lock()
		if c.sessionID == sessionID {
			c.events.DropPrefix(n)
		}
		c.mu.Unlock()
	}()

	c.writeMetaLocked()
	return nil
}

// BackgroundExit implements both the short-background resume path and the
// session-timeout protocol.
func (c *SessionController) BackgroundExit(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active || !c.inBackground {
		return nil
	}

	elapsed := now.Sub(c.backgroundEnteredAt)
	c.accumulatedBackgroundMs += elapsed.Milliseconds()
	c.inBackground = false
	c.redactor.OnAppForeground()
	c.events.Append(core.Event{Kind: core.EventAppForeground, Timestamp: now, TimestampMs: now.UnixMilli()})

	c.uploadr.EndBackgroundTask(c.bgTask)
	c.bgTask = nil

	if time.Duration(c.accumulatedBackgroundMs)*time.Millisecond >= BackgroundTimeout {
		return c.sessionRestartLocked(now)
	}
	return nil
}

// sessionRestartLocked implements session-timeout protocol.
// Called with c.mu held.
func (c *SessionController) sessionRestartLocked(now time.Time) error {
	oldSessionID := c.sessionID
	bgDurationMs := c.accumulatedBackgroundMs

	if c.frameEnc != nil {
		if _, err := c.frameEnc.FlushNow(); err != nil {
			log.Warn("failed to seal encoder during session restart", "error", err)
		}
	}

	finalEvents := c.events.Snapshot()
	done := make(chan error, 1)
	go func() {
		_, err := c.uploadr.UploadEvents(context.Background(), oldSessionID, finalEvents, true)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			log.Warn("final event flush failed during session restart, persisting to disk", "error", err)
			if perr := c.events.PersistToDisk(c.sessionDir(oldSessionID)); perr != nil {
				log.Error("failed to persist events during session restart", "error", perr)
			}
		}
	case <-time.After(finalFlushDeadline):
		log.Warn("final event flush exceeded deadline, persisting to disk and resuming async", "deadline", finalFlushDeadline)
		if perr := c.events.PersistToDisk(c.sessionDir(oldSessionID)); perr != nil {
			log.Error("failed to persist events during session restart", "error", perr)
		}
		go func() { <-done }()
	}

	newSessionID := core.NewSessionID()
	store, err := c.openStore(newSessionID)
	if err != nil {
		return fmt.Errorf("sessioncontroller: session restart: %w", err)
	}

	c.previousSessionID = oldSessionID
	c.sessionID = newSessionID
	c.store = store
	c.frameEnc = nil
	c.events = eventbuffer.New()
	c.accumulatedBackgroundMs = 0
	c.metrics = promotion.SessionMetrics{}

	_ = writeCurrentSessionID(c.dataDir, newSessionID)

	c.events.Append(core.Event{
		Kind: core.EventSessionStart, Timestamp: now, TimestampMs: now.UnixMilli(),
		Payload: map[string]any{
			"previousSessionId":    oldSessionID.String(),
			"backgroundDurationMs": bgDurationMs,
			"reason":               "background_timeout",
		},
	})

	c.state = Starting
	c.writeMetaLocked()

	go c.resolveConfigAsync(context.Background())
	return nil
}

// Stop implements the Active→Draining→Terminated explicit-stop path.
func (c *SessionController) Stop(ctx context.Context) (score float64, promoted bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != Active {
		return 0, false, &ErrInvalidTransition{From: c.state, Event: "stop"}
	}

	now := c.clock.Now()
	c.events.Append(core.Event{Kind: core.EventSessionEnd, Timestamp: now, TimestampMs: now.UnixMilli()})
	c.state = Draining
	score, promoted := c.drainLocked(ctx, "explicit_stop")
	return score, promoted, nil
}

// drainLocked performs the shared Draining→Terminated work for every
// Draining trigger (explicit stop, max duration, remote disable). Called
// with c.mu held.
func (c *SessionController) drainLocked(ctx context.Context, reason string) (score float64, promoted bool) {
	if c.frameEnc != nil {
		if _, err := c.frameEnc.FlushNow(); err != nil {
			log.Warn("final flush failed during drain", "reason", reason, "error", err)
		}
	}

	score, promoted = promotion.Evaluate(c.metrics)

	finalEvents := c.events.Snapshot()
	if n, err := c.uploadr.UploadEvents(ctx, c.sessionID, finalEvents, true); err != nil {
		log.Warn("final event upload failed during drain", "reason", reason, "error", err)
		_ = c.events.PersistToDisk(c.sessionDir(c.sessionID))
	} else {
		c.events.DropPrefix(n)
	}

	if _, err := c.uploadr.SubmitPromotion(ctx, c.sessionID, c.metrics); err != nil {
		log.Warn("promotion submission failed", "error", err)
	}

	log.Info("session drained", "reason", reason, "score", score, "promoted", promoted)
	c.state = Terminated
	return score, promoted
}

// MaxDurationElapsed implements the Active→Draining transition for a
// session that exceeded maxRecordingMinutes.
func (c *SessionController) MaxDurationElapsed(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Active {
		return &ErrInvalidTransition{From: c.state, Event: "max_duration_elapsed"}
	}
	c.state = Draining
	c.drainLocked(ctx, "max_duration_reached")
	return nil
}

// Terminate is the "Any→Terminated" emergency path: it appends
// AppTerminated synchronously and runs the encoder's non-allocating
// emergency flush before any uploader I/O is attempted.
func (c *SessionController) Terminate(now time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == Terminated {
		return nil
	}

	if c.events != nil {
		c.events.Append(core.Event{Kind: core.EventAppTerminated, Timestamp: now, TimestampMs: now.UnixMilli()})
	}
	if c.frameEnc != nil {
		c.frameEnc.EmergencyFlushSync()
	}
	if c.events != nil {
		if err := c.events.PersistToDisk(c.sessionDir(c.sessionID)); err != nil {
			log.Error("failed to persist events on terminate", "error", err)
		}
	}

	c.state = Terminated
	return nil
}

// WithMetrics lets the host app update the SessionMetrics accumulated for
// the promotion rubric, e.g. from API-latency or rage-tap observers that
// feed the scoring inputs but aren't part of the typed observation set.
func (c *SessionController) WithMetrics(fn func(*promotion.SessionMetrics)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.metrics)
}

func (c *SessionController) appendEventIfActive(e core.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.events != nil && (c.state == Active || c.state == Starting) {
		c.events.Append(e)
	}
}

func (c *SessionController) noteGesture(o Observation) {
	c.scheduler().NoteEvent(gestureSchedulerKind(o.GestureKind), o.At)
	if o.GestureKind == "touch_end" || o.GestureKind == "scroll_end" {
		c.scheduler().AfterGestureEnd(o.At)
	}
	c.appendEventIfActive(eventFromObservation(o, string(core.EventGesture)))
}

func gestureSchedulerKind(kind string) scheduler.EventKind {
	switch kind {
	case "touch_begin":
		return scheduler.TouchBegin
	case "touch_end":
		return scheduler.TouchEnd
	case "scroll_begin":
		return scheduler.ScrollBegin
	case "scroll_end":
		return scheduler.ScrollEnd
	default:
		return scheduler.TouchBegin
	}
}

func (c *SessionController) noteNavigation(o Observation) {
	c.scheduler().NoteEvent(scheduler.Navigation, o.At)
	c.scheduler().AfterNavigation(o.At)
	c.appendEventIfActive(eventFromObservation(o, string(core.EventNavigation)))
}

func (c *SessionController) recordCrash(o Observation) {
	c.mu.Lock()
	c.metrics.CrashCount++
	sessionID := c.sessionID
	if c.events != nil {
		c.events.Append(core.Event{Kind: core.EventCrash, Timestamp: o.At, TimestampMs: o.At.UnixMilli()})
	}
	c.mu.Unlock()

	c.uploadr.UploadCrashReport(context.Background(), sessionID, o.CrashReport)
}

func (c *SessionController) recordAnr(o Observation) {
	c.mu.Lock()
	c.metrics.AnrCount++
	sessionID := c.sessionID
	if c.events != nil {
		c.events.Append(core.Event{
			Kind: core.EventAnr, Timestamp: o.At, TimestampMs: o.At.UnixMilli(),
			Payload: map[string]any{"durationMs": o.AnrDurationMs},
		})
	}
	c.mu.Unlock()

	c.uploadr.UploadANRReport(context.Background(), sessionID, nil)
}

func eventFromObservation(o Observation, kind string) core.Event {
	e := core.Event{Kind: core.EventKind(kind), Timestamp: o.At, TimestampMs: o.At.UnixMilli()}
	switch core.EventKind(kind) {
	case core.EventGesture:
		e.Payload = map[string]any{"kind": o.GestureKind}
	case core.EventNavigation:
		e.Payload = map[string]any{"screen": o.NavigationScreen, "source": o.NavigationSource}
	case core.EventKeyboardHide:
		e.Payload = map[string]any{"keyPressCount": o.KeyPressCount}
	case core.EventExternalURL:
		e.Payload = map[string]any{"scheme": o.ExternalURLScheme}
	case core.EventOAuthStarted, core.EventOAuthCompleted:
		e.Payload = map[string]any{"provider": o.OAuthProvider, "success": o.OAuthSuccess}
	}
	return e
}

// sessionMeta is the on-disk meta.json shape: last-known session metadata
// including accumulated background time and user identity.
type sessionMeta struct {
	SessionID               string `json:"sessionId"`
	UserID                  string `json:"userId"`
	AccumulatedBackgroundMs int64  `json:"accumulatedBackgroundMs"`
	UpdatedAtMs             int64  `json:"updatedAtMs"`
}

func (c *SessionController) writeMetaLocked() {
	meta := sessionMeta{
		SessionID:               c.sessionID.String(),
		UserID:                  c.userID,
		AccumulatedBackgroundMs: c.accumulatedBackgroundMs,
		UpdatedAtMs:             c.clock.Now().UnixMilli(),
	}
	path := filepath.Join(c.sessionDir(c.sessionID), "meta.json")
	data, err := json.Marshal(meta)
	if err != nil {
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Warn("failed to write session meta", "error", err)
	}
}

const currentSessionFileName = "current_session_id"

// writeCurrentSessionID records the active session in a durable on-disk
// slot, so a crash report from the previous boot can be attached to the
// right session on next launch.
func writeCurrentSessionID(dataDir string, id core.SessionID) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dataDir, currentSessionFileName), []byte(id.String()), 0o600)
}

// ReadCurrentSessionID reads back the last-recorded active session id.
func ReadCurrentSessionID(dataDir string) (core.SessionID, bool) {
	data, err := os.ReadFile(filepath.Join(dataDir, currentSessionFileName))
	if err != nil {
		return core.SessionID{}, false
	}
	id, err := core.ParseSessionID(string(data))
	if err != nil {
		return core.SessionID{}, false
	}
	return id, true
}
