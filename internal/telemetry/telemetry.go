// Package telemetry holds process-local counters for the capture core.
// Counters are named after the conditions that produce them so a host
// app (or the harness CLI) can surface them without interpreting log text.
package telemetry

import (
	"sync"
	"sync/atomic"
)

// Well-known counter names referenced directly by capture-core components.
const (
	FrameReorderDrop      = "frame_reorder_drop"
	FrameBackpressureDrop = "frame_backpressure_drop"
	CoreInvariantViolation = "core_invariant_violation"
	UploadRetry           = "upload_retry"
	UploadFailure         = "upload_failure"
	AuthPermanentFailure  = "auth_permanent_failure"
)

// Registry is a small set of named monotonic counters, safe for concurrent
// use from the UI thread, the encoder queue, and the uploader queue alike.
type Registry struct {
	counters sync.Map // string -> *atomic.Int64
}

type Snapshot map[string]int64

// NewRegistry creates an empty counter registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Inc increments the named counter by delta (delta may be negative).
func (r *Registry) Inc(name string, delta int64) {
	v, _ := r.counters.LoadOrStore(name, new(atomic.Int64))
	v.(*atomic.Int64).Add(delta)
}

// Count returns the current value of a counter, 0 if never incremented.
func (r *Registry) Count(name string) int64 {
	v, ok := r.counters.Load(name)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

// Snapshot returns a point-in-time copy of every counter that has been
// touched at least once. Used by tests and the harness CLI's JSON output.
func (r *Registry) Snapshot() Snapshot {
	out := make(Snapshot)
	r.counters.Range(func(key, value any) bool {
		out[key.(string)] = value.(*atomic.Int64).Load()
		return true
	})
	return out
}
