package core

import (
	"log/slog"

	"github.com/rejourneyco/replaycore/internal/telemetry"
	"github.com/rejourneyco/replaycore/internal/workerpool"
)

// Context bundles the init-once handles components share, so a host can
// pass them down rather than reach for package globals. SessionController
// does not take a Context; its Config carries the same handles as separate
// fields. Teardown order is the reverse of construction: callers close
// the components built on top of a Context before calling Context.Close.
type Context struct {
	Logger    *slog.Logger
	Telemetry *telemetry.Registry
	Clock     Clock

	// EncoderQueue is the single serial worker pool that performs
	// compression and segment I/O,
	EncoderQueue *workerpool.Pool
	// UploaderQueue is the single serial-per-session worker pool that
	// performs network I/O and on-disk index updates,
	UploaderQueue *workerpool.Pool
}

// New builds a Context with production defaults: a system clock and one
// single-worker queue each for encoding and uploading.
func New(logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.Default()
	}
	return &Context{
		Logger:        logger,
		Telemetry:     telemetry.NewRegistry(),
		Clock:         SystemClock{},
		EncoderQueue:  workerpool.New(1, 64),
		UploaderQueue: workerpool.New(1, 64),
	}
}

// Close drains both queues and releases their goroutines. Call after every
// owning component (FrameEncoder, Uploader) has stopped submitting work.
func (c *Context) Close() {
	c.EncoderQueue.StopAccepting()
	c.UploaderQueue.StopAccepting()
	c.EncoderQueue.DrainNow()
	c.UploaderQueue.DrainNow()
}
