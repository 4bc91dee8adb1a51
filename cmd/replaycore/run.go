package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rejourneyco/replaycore/internal/config"
	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/encoder"
	"github.com/rejourneyco/replaycore/internal/redactor"
	"github.com/rejourneyco/replaycore/internal/sampler"
	"github.com/rejourneyco/replaycore/internal/scanner"
	"github.com/rejourneyco/replaycore/internal/scheduler"
	"github.com/rejourneyco/replaycore/internal/segmentstore"
	"github.com/rejourneyco/replaycore/internal/sessioncontroller"
	"github.com/rejourneyco/replaycore/internal/telemetry"
	"github.com/rejourneyco/replaycore/internal/uploader"
	"github.com/rejourneyco/replaycore/internal/workerpool"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Boot a session against a fake surface probe for manual soak testing",
	Run: func(cmd *cobra.Command, args []string) {
		runHarness()
	},
}

// fakeSurfaceTree stands in for a live UI hierarchy: one text field, one
// opaque content view, sized to a typical phone viewport.
func fakeSurfaceTree() (*scanner.FakeSurfaceProbe, core.Rect) {
	bounds := core.Rect{X: 0, Y: 0, W: 390, H: 844}
	root := &scanner.FakeSurfaceProbe{
		Rect: bounds,
		Kids: []scanner.SurfaceProbe{
			&scanner.FakeSurfaceProbe{TextInput: true, Rect: core.Rect{X: 20, Y: 700, W: 350, H: 44}, ID: "email_field"},
			&scanner.FakeSurfaceProbe{Rect: core.Rect{X: 0, Y: 80, W: 390, H: 500}, ID: "feed"},
		},
	}
	return root, bounds
}

func runHarness() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	telem := telemetry.NewRegistry()
	clock := core.SystemClock{}
	smplr := sampler.New()
	sched := scheduler.New(smplr)
	redact := redactor.New(false)
	sc := scanner.New(time.Duration(cfg.ScanMinIntervalMs) * time.Millisecond)

	tokenSource := uploader.NewTokenSource(func(ctx context.Context) (uploader.Token, error) {
		return uploader.Token{Value: cfg.PublicKey, ExpiresAt: time.Now().Add(time.Hour)}, nil
	})
	up := uploader.New(cfg.APIURL, tokenSource, telem, clock)

	encoderQueue := workerpool.New(1, 256)
	uploaderQueue := workerpool.New(4, 256)

	controller := sessioncontroller.New(sessioncontroller.Config{
		Clock:         clock,
		Telemetry:     telem,
		DataDir:       cfg.DataDir,
		Scheduler:     sched,
		Redactor:      redact,
		Sampler:       smplr,
		Uploader:      up,
		EncoderQueue:  encoderQueue,
		UploaderQueue: uploaderQueue,
		OpenStore: func(id core.SessionID) (*segmentstore.SegmentStore, error) {
			return segmentstore.Open(cfg.DataDir, id)
		},
		NewBackend: func() (encoder.Backend, error) {
			return encoder.NewOpenH264Backend(8, 8)
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionID, err := controller.Start(ctx, cfg.UserTag, cfg.APIURL, cfg.PublicKey)
	if err != nil {
		log.Error("failed to start session", "error", err)
		os.Exit(1)
	}
	log.Info("session started", "sessionId", sessionID.String())

	stop := make(chan struct{})
	go controller.RunObservationLoop(stop)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	root, bounds := fakeSurfaceTree()
	ticker := time.NewTicker(sched.Cadence())
	defer ticker.Stop()

	for {
		select {
		case <-sigChan:
			log.Info("shutting down harness")
			close(stop)
			score, promoted, err := controller.Stop(context.Background())
			if err != nil {
				log.Error("stop failed", "error", err)
				return
			}
			log.Info("session stopped", "score", score, "promoted", promoted)
			return
		case now := <-ticker.C:
			decision := controller.Tick(now)
			if !decision.Capture {
				log.Debug("capture deferred", "reason", decision.Reason, "earliest", decision.Earliest)
				continue
			}
			regions := sc.Scan(root, bounds, now)
			log.Info("capture tick", "reason", decision.Reason, "regions", len(regions.Regions), "maskAll", regions.MaskAll)
			controller.OnFrame(core.Frame{
				Pixels:           make([]byte, 64),
				Width:            8,
				Height:           8,
				CaptureWall:      now,
				CaptureMonotonic: time.Duration(now.UnixNano()),
				Regions:          regions,
			})
		}
	}
}
