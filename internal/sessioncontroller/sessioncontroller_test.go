package sessioncontroller

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/encoder"
	"github.com/rejourneyco/replaycore/internal/redactor"
	"github.com/rejourneyco/replaycore/internal/sampler"
	"github.com/rejourneyco/replaycore/internal/scheduler"
	"github.com/rejourneyco/replaycore/internal/segmentstore"
	"github.com/rejourneyco/replaycore/internal/telemetry"
	"github.com/rejourneyco/replaycore/internal/uploader"
	"github.com/rejourneyco/replaycore/internal/workerpool"
)

type nullBackend struct{}

func (nullBackend) Encode(frame []byte, width, height int) ([]byte, error) { return frame, nil }
func (nullBackend) SetQuality(scale float64) error                        { return nil }
func (nullBackend) Close() error                                          { return nil }

// configServer serves a fixed wire-format config at /config and accepts
// event/promotion posts, mirroring so the
// controller's async config resolution resolves deterministically.
func configServer(t *testing.T, sampleRate, maxMinutes int, recordingEnabled bool) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"rejourneyEnabled":    true,
			"recordingEnabled":    recordingEnabled,
			"sampleRate":          sampleRate,
			"maxRecordingMinutes": maxMinutes,
			"billingBlocked":      false,
		})
	})
	mux.HandleFunc("/events/", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Final  bool          `json:"final"`
			Events []core.Event  `json:"events"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"acceptedCount": len(body.Events)})
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"promoted": false, "reason": "below_threshold"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func fixedTokenSource() uploader.TokenSource {
	return uploader.NewTokenSource(func(ctx context.Context) (uploader.Token, error) {
		return uploader.Token{Value: "tok", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
}

func newTestController(t *testing.T, srv *httptest.Server) (*SessionController, string) {
	t.Helper()
	dataDir := t.TempDir()
	clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
	up := uploader.New(srv.URL, fixedTokenSource(), telemetry.NewRegistry(), clock)

	cfg := Config{
		Clock:         clock,
		Telemetry:     telemetry.NewRegistry(),
		DataDir:       dataDir,
		Scheduler:     scheduler.New(sampler.New()),
		Redactor:      redactor.New(false),
		Sampler:       sampler.New(),
		Uploader:      up,
		EncoderQueue:  workerpool.New(1, 32),
		UploaderQueue: workerpool.New(2, 32),
		OpenStore: func(id core.SessionID) (*segmentstore.SegmentStore, error) {
			return segmentstore.Open(dataDir, id)
		},
		NewBackend: func() (encoder.Backend, error) {
			return nullBackend{}, nil
		},
	}
	return New(cfg), dataDir
}

// waitForState polls (the controller has no event to block on for its
// background config-resolution goroutine) until state becomes want or the
// deadline trips.
func waitForState(t *testing.T, c *SessionController, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("state = %s, want %s", c.State(), want)
}

// Scenario A: a quiet session with full sampling resolves to Active with
// video enabled and can be stopped cleanly.
func TestQuietSessionReachesActiveAndStops(t *testing.T) {
	srv := configServer(t, 100, 10, true)
	c, _ := newTestController(t, srv)

	id, err := c.Start(context.Background(), "user-1", srv.URL, "pk_test")
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id.IsZero() {
		t.Fatal("expected non-zero session id")
	}
	waitForState(t, c, Active)

	score, _, err := c.Stop(context.Background())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if score < 0 {
		t.Fatalf("score = %v, want >= 0", score)
	}
	if c.State() != Terminated {
		t.Fatalf("state = %s, want Terminated", c.State())
	}
}

// Scenario B: a 0% sample rate admits the session for events but disables
// video capture.
func TestSampleOutDisablesVideoButStaysActive(t *testing.T) {
	srv := configServer(t, 0, 10, true)
	c, _ := newTestController(t, srv)

	if _, err := c.Start(context.Background(), "user-1", srv.URL, "pk_test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Active)

	c.mu.Lock()
	videoEnabled := c.videoEnabled
	admitted := c.sampleAdmission
	c.mu.Unlock()

	if admitted {
		t.Fatal("expected sample admission false at 0% rate")
	}
	if videoEnabled {
		t.Fatal("expected video disabled when not admitted")
	}
}

// Scenario C: a short background dip does not trigger the session-restart
// protocol; the session id is unchanged on return.
func TestShortBackgroundDoesNotRestartSession(t *testing.T) {
	srv := configServer(t, 100, 10, true)
	c, _ := newTestController(t, srv)

	if _, err := c.Start(context.Background(), "user-1", srv.URL, "pk_test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Active)

	c.mu.Lock()
	before := c.sessionID
	clock := c.clock.(*core.FakeClock)
	c.mu.Unlock()

	if err := c.BackgroundEnter(clock.Now()); err != nil {
		t.Fatalf("BackgroundEnter: %v", err)
	}
	clock.Advance(5 * time.Second)
	if err := c.BackgroundExit(clock.Now()); err != nil {
		t.Fatalf("BackgroundExit: %v", err)
	}

	c.mu.Lock()
	after := c.sessionID
	c.mu.Unlock()

	if before != after {
		t.Fatal("expected session id unchanged after a short background dip")
	}
}

// Scenario D: a background span exceeding BackgroundTimeout triggers the
// session-restart protocol, producing a new session id and recording the
// previous one.
func TestLongBackgroundTriggersSessionRestart(t *testing.T) {
	srv := configServer(t, 100, 10, true)
	c, _ := newTestController(t, srv)

	if _, err := c.Start(context.Background(), "user-1", srv.URL, "pk_test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Active)

	c.mu.Lock()
	before := c.sessionID
	clock := c.clock.(*core.FakeClock)
	c.mu.Unlock()

	if err := c.BackgroundEnter(clock.Now()); err != nil {
		t.Fatalf("BackgroundEnter: %v", err)
	}
	clock.Advance(BackgroundTimeout + time.Second)
	if err := c.BackgroundExit(clock.Now()); err != nil {
		t.Fatalf("BackgroundExit: %v", err)
	}

	c.mu.Lock()
	after := c.sessionID
	prev := c.previousSessionID
	state := c.state
	c.mu.Unlock()

	if before == after {
		t.Fatal("expected a new session id after a long background span")
	}
	if prev != before {
		t.Fatalf("previousSessionId = %v, want %v", prev, before)
	}
	if state != Starting {
		t.Fatalf("state = %s, want Starting immediately after restart", state)
	}
	waitForState(t, c, Active)
}

// Scenario E: EmergencyFlushSync commits whatever the encoder has buffered
// without touching the upload path, and the result is recoverable.
func TestTerminateEmergencyFlushIsRecoverable(t *testing.T) {
	srv := configServer(t, 100, 10, true)
	c, dataDir := newTestController(t, srv)

	if _, err := c.Start(context.Background(), "user-1", srv.URL, "pk_test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Active)

	c.mu.Lock()
	enc := c.frameEnc
	sessionID := c.sessionID
	clock := c.clock.(*core.FakeClock)
	c.mu.Unlock()

	if enc == nil {
		t.Fatal("expected frame encoder when video is enabled")
	}
	enc.Append(core.Frame{Pixels: []byte{1, 2, 3}, Width: 1, Height: 1, CaptureWall: clock.Now(), CaptureMonotonic: time.Millisecond})
	time.Sleep(20 * time.Millisecond) // let the single-worker encoder queue drain the append

	if err := c.Terminate(clock.Now()); err != nil {
		t.Fatalf("Terminate: %v", err)
	}

	store, err := segmentstore.Open(dataDir, sessionID)
	if err != nil {
		t.Fatalf("segmentstore.Open: %v", err)
	}
	recoverable, err := store.ListRecoverable()
	if err != nil {
		t.Fatalf("ListRecoverable: %v", err)
	}
	if len(recoverable) == 0 {
		t.Fatal("expected the emergency-committed segment to be recoverable")
	}
}

// Scenario F: once the uploader's auth is permanently denied, further
// segment uploads short-circuit into degraded mode instead of retrying.
func TestAuthPermanentFailureEntersDegradedMode(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"sampleRate": 100})
	})
	mux.HandleFunc("/segments/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
	up := uploader.New(srv.URL, fixedTokenSource(), telemetry.NewRegistry(), clock)

	seg := core.Segment{SessionID: core.NewSessionID(), Seq: 0, StartTS: clock.Now(), EndTS: clock.Now(), FrameCount: 1}
	err := up.UploadSegment(context.Background(), seg.SessionID, seg, []byte("payload"))
	if err == nil {
		t.Fatal("expected an error from a 403 segment upload")
	}
	if !up.AuthPermanentlyFailed() {
		t.Fatal("expected degraded mode latched after a 403 response")
	}
}

func TestObserveGestureScheduledAndRecorded(t *testing.T) {
	srv := configServer(t, 100, 10, true)
	c, _ := newTestController(t, srv)

	if _, err := c.Start(context.Background(), "user-1", srv.URL, "pk_test"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForState(t, c, Active)

	stop := make(chan struct{})
	go c.RunObservationLoop(stop)
	defer close(stop)

	ok := c.Observe(Observation{Kind: ObsGesture, GestureKind: "touch_begin", At: time.Now()})
	if !ok {
		t.Fatal("expected observation to be accepted")
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := c.events.Len()
		c.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("expected the gesture observation to append an event")
}
