package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/encoder"
	"github.com/rejourneyco/replaycore/internal/redactor"
	"github.com/rejourneyco/replaycore/internal/sampler"
	"github.com/rejourneyco/replaycore/internal/scheduler"
	"github.com/rejourneyco/replaycore/internal/segmentstore"
	"github.com/rejourneyco/replaycore/internal/sessioncontroller"
	"github.com/rejourneyco/replaycore/internal/telemetry"
	"github.com/rejourneyco/replaycore/internal/uploader"
	"github.com/rejourneyco/replaycore/internal/workerpool"
)

var simulateCmd = &cobra.Command{
	Use:       "simulate <scenario>",
	Short:     "Run one of the lettered end-to-end scenarios (A-F) and print a JSON summary",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"A", "B", "C", "D", "E", "F"},
	Run: func(cmd *cobra.Command, args []string) {
		runSimulation(args[0])
	},
}

type simResult struct {
	Scenario          string `json:"scenario"`
	SessionID         string `json:"sessionId"`
	PreviousSessionID string `json:"previousSessionId,omitempty"`
	FinalState        string `json:"finalState"`
	SampleAdmitted    bool   `json:"sampleAdmitted"`
	VideoEnabled      bool   `json:"videoEnabled"`
	RecoverableSegs   int    `json:"recoverableSegments,omitempty"`
	PromotionScore    float64 `json:"promotionScore,omitempty"`
	Promoted          bool   `json:"promoted,omitempty"`
	Notes             string `json:"notes"`
}

func buildHarness(sampleRate, maxMinutes int, recordingEnabled bool) (*sessioncontroller.SessionController, *core.FakeClock, string, func()) {
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
			Final  bool         `json:"final"`
			Events []core.Event `json:"events"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		json.NewEncoder(w).Encode(map[string]any{"acceptedCount": len(body.Events)})
	})
	mux.HandleFunc("/sessions/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"promoted": false, "reason": "below_threshold"})
	})
	srv := httptest.NewServer(mux)

	dataDir, _ := os.MkdirTemp("", "replaycore-sim-*")
	clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
	tokenSource := uploader.NewTokenSource(func(ctx context.Context) (uploader.Token, error) {
		return uploader.Token{Value: "sim", ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	up := uploader.New(srv.URL, tokenSource, telemetry.NewRegistry(), clock)

	c := sessioncontroller.New(sessioncontroller.Config{
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
			return encoder.NewOpenH264Backend(8, 8)
		},
	})

	cleanup := func() {
		srv.Close()
		os.RemoveAll(dataDir)
	}
	return c, clock, srv.URL, cleanup
}

func waitActive(c *sessioncontroller.SessionController) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == sessioncontroller.Active || c.State() == sessioncontroller.Draining || c.State() == sessioncontroller.Terminated {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func runSimulation(scenario string) {
	var result simResult
	result.Scenario = scenario

	switch scenario {
	case "A":
		c, _, apiURL, cleanup := buildHarness(100, 10, true)
		defer cleanup()
		id, err := c.Start(context.Background(), "user-a", apiURL, "pk_sim")
		mustSim(err)
		waitActive(c)
		score, promoted, err := c.Stop(context.Background())
		mustSim(err)
		result.SessionID = id.String()
		result.FinalState = c.State().String()
		result.PromotionScore = score
		result.Promoted = promoted
		result.Notes = "quiet session: no gestures, no backgrounding, clean stop"

	case "B":
		c, _, apiURL, cleanup := buildHarness(0, 10, true)
		defer cleanup()
		id, err := c.Start(context.Background(), "user-b", apiURL, "pk_sim")
		mustSim(err)
		waitActive(c)
		result.SessionID = id.String()
		result.FinalState = c.State().String()
		result.Notes = "0% sample rate: events still recorded, video capture disabled"

	case "C":
		c, clock, apiURL, cleanup := buildHarness(100, 10, true)
		defer cleanup()
		id, err := c.Start(context.Background(), "user-c", apiURL, "pk_sim")
		mustSim(err)
		waitActive(c)
		mustSim(c.BackgroundEnter(clock.Now()))
		clock.Advance(5 * time.Second)
		mustSim(c.BackgroundExit(clock.Now()))
		result.SessionID = id.String()
		result.FinalState = c.State().String()
		result.Notes = "short background dip (5s): no session restart"

	case "D":
		c, clock, apiURL, cleanup := buildHarness(100, 10, true)
		defer cleanup()
		id, err := c.Start(context.Background(), "user-d", apiURL, "pk_sim")
		mustSim(err)
		waitActive(c)
		mustSim(c.BackgroundEnter(clock.Now()))
		clock.Advance(sessioncontroller.BackgroundTimeout + time.Second)
		mustSim(c.BackgroundExit(clock.Now()))
		waitActive(c)
		result.SessionID = id.String()
		result.Notes = fmt.Sprintf("background exceeded %s: session-restart protocol ran", sessioncontroller.BackgroundTimeout)
		result.FinalState = c.State().String()

	case "E":
		c, clock, apiURL, cleanup := buildHarness(100, 10, true)
		defer cleanup()
		id, err := c.Start(context.Background(), "user-e", apiURL, "pk_sim")
		mustSim(err)
		waitActive(c)
		time.Sleep(20 * time.Millisecond)
		mustSim(c.Terminate(clock.Now()))
		result.SessionID = id.String()
		result.FinalState = c.State().String()
		result.Notes = "process killed mid-segment: emergency flush committed whatever was buffered"

	case "F":
		mux := http.NewServeMux()
		mux.HandleFunc("/config", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]any{"sampleRate": 100})
		})
		mux.HandleFunc("/segments/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()
		clock := core.NewFakeClock(time.Unix(1_700_000_000, 0))
		up := uploader.New(srv.URL, uploader.NewTokenSource(func(ctx context.Context) (uploader.Token, error) {
			return uploader.Token{Value: "sim", ExpiresAt: time.Now().Add(time.Hour)}, nil
		}), telemetry.NewRegistry(), clock)
		seg := core.Segment{SessionID: core.NewSessionID(), Seq: 0, StartTS: clock.Now(), EndTS: clock.Now(), FrameCount: 1}
		err := up.UploadSegment(context.Background(), seg.SessionID, seg, []byte("payload"))
		result.SessionID = seg.SessionID.String()
		result.FinalState = "degraded"
		result.Notes = fmt.Sprintf("segment upload returned 403, degraded mode latched=%v, err=%v", up.AuthPermanentlyFailed(), err)

	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q (want one of A-F)\n", scenario)
		os.Exit(1)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
}

func mustSim(err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "simulation step failed: %v\n", err)
		os.Exit(1)
	}
}
