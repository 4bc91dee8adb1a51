// Package sampler computes the per-project capture scale factor, consulted
// by the CaptureScheduler for cadence. The FrameEncoder does not read it:
// no caller passes it to an encoder Backend's SetQuality. A
// small mutex-guarded struct exposing an update method and a read method,
// EWMA-free since the rule is a flat 3-day-mean threshold table rather
// than a congestion controller.
package sampler

import "sync"

const (
	// ScaleFull is used when recent volume is low.
	ScaleFull = 1.0
	// ScaleReduced is used for medium volume.
	ScaleReduced = 0.5
	// ScaleMinimal is used for high volume.
	ScaleMinimal = 0.2

	lowVolumeThreshold    = 50
	mediumVolumeThreshold = 500
)

// AdaptiveSampler tracks the last three daily session counts for a project
// and derives a scale factor from their mean.
type AdaptiveSampler struct {
	mu     sync.Mutex
	daily  [3]int
	filled int
	err    bool
}

// New creates a sampler with no history; ScaleFactor returns ScaleFull
// until history is recorded.
func New() *AdaptiveSampler {
	return &AdaptiveSampler{}
}

// RecordDay appends a day's session count, evicting the oldest of the
// trailing three when already full.
func (s *AdaptiveSampler) RecordDay(count int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = false
	if s.filled < 3 {
		s.daily[s.filled] = count
		s.filled++
		return
	}
	s.daily[0] = s.daily[1]
	s.daily[1] = s.daily[2]
	s.daily[2] = count
}

// MarkError records a data-fetch failure; ScaleFactor returns ScaleFull
// until the next successful RecordDay.
func (s *AdaptiveSampler) MarkError() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = true
}

// ScaleFactor returns the current scale factor: on any
// error or missing data, ScaleFull; otherwise a threshold table over the
// mean of the recorded days.
func (s *AdaptiveSampler) ScaleFactor() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.err || s.filled == 0 {
		return ScaleFull
	}

	sum := 0
	for i := 0; i < s.filled; i++ {
		sum += s.daily[i]
	}
	mean := float64(sum) / float64(s.filled)

	switch {
	case mean < lowVolumeThreshold:
		return ScaleFull
	case mean < mediumVolumeThreshold:
		return ScaleReduced
	default:
		return ScaleMinimal
	}
}
