package scanner

import (
	"math"
	"testing"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
)

var window = core.Rect{X: 0, Y: 0, W: 1000, H: 1000}

func TestScanClassifiesTextInput(t *testing.T) {
	s := New(0)
	root := &FakeSurfaceProbe{TextInput: true, Rect: core.Rect{X: 10, Y: 10, W: 100, H: 50}}
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 1 || result.Regions[0].Kind != core.TextInput {
		t.Fatalf("expected one TextInput region, got %+v", result.Regions)
	}
}

func TestScanManualIDRegistryOverride(t *testing.T) {
	s := New(0)
	s.Mask("secret-balance")
	root := &FakeSurfaceProbe{ID: "secret-balance", Rect: core.Rect{X: 0, Y: 0, W: 200, H: 200}}
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 1 || result.Regions[0].Kind != core.ManualID {
		t.Fatalf("expected ManualId region, got %+v", result.Regions)
	}
}

func TestScanManualOcclusionHintSentinel(t *testing.T) {
	s := New(0)
	root := &FakeSurfaceProbe{Hint: ManualOcclusionHint, Rect: core.Rect{X: 0, Y: 0, W: 50, H: 50}}
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 1 || result.Regions[0].Kind != core.ManualID {
		t.Fatalf("expected ManualId via hint sentinel, got %+v", result.Regions)
	}
}

func TestScanManualOcclusionTagSentinel(t *testing.T) {
	s := New(0)
	root := &FakeSurfaceProbe{TagValue: ManualOcclusionTag, Rect: core.Rect{X: 0, Y: 0, W: 50, H: 50}}
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 1 || result.Regions[0].Kind != core.ManualID {
		t.Fatalf("expected ManualId via tag sentinel, got %+v", result.Regions)
	}
}

func TestScanDropsTinyRects(t *testing.T) {
	s := New(0)
	root := &FakeSurfaceProbe{TextInput: true, Rect: core.Rect{X: 0, Y: 0, W: 5, H: 5}}
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 0 {
		t.Fatalf("expected tiny rect dropped, got %+v", result.Regions)
	}
}

func TestScanDropsNonIntersectingRects(t *testing.T) {
	s := New(0)
	root := &FakeSurfaceProbe{TextInput: true, Rect: core.Rect{X: 5000, Y: 5000, W: 100, H: 100}}
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 0 {
		t.Fatalf("expected out-of-window rect dropped, got %+v", result.Regions)
	}
}

func TestScanSanitizesNonFiniteCoordinates(t *testing.T) {
	s := New(0)
	root := &FakeSurfaceProbe{
		TextInput: true,
		Rect:      core.Rect{X: posInf(), Y: 0, W: 100, H: 100},
	}
	// Non-finite X is replaced with 0; resulting rect still intersects window.
	result := s.Scan(root, window, time.Now())
	if len(result.Regions) != 1 {
		t.Fatalf("expected sanitized rect to survive, got %+v", result.Regions)
	}
}

func TestScanBudgetBailsOutWithMaskAll(t *testing.T) {
	s := New(0)
	// A two-node tree is enough: the scan's start time is an hour in the
	// past, so the budget is already exceeded at the first descent.
	leaf := &FakeSurfaceProbe{}
	root := &FakeSurfaceProbe{Kids: []SurfaceProbe{leaf}}

	past := time.Now().Add(-time.Hour)
	result := s.Scan(root, window, past)
	if !result.MaskAll {
		t.Fatal("expected MaskAll once elapsed time already exceeds budget")
	}
}

func TestScanCachesWithinMinInterval(t *testing.T) {
	s := New(time.Second)
	root1 := &FakeSurfaceProbe{TextInput: true, Rect: core.Rect{X: 0, Y: 0, W: 50, H: 50}}
	now := time.Now()
	first := s.Scan(root1, window, now)

	root2 := &FakeSurfaceProbe{} // would produce no regions if re-scanned
	second := s.Scan(root2, window, now.Add(100*time.Millisecond))

	if len(second.Regions) != len(first.Regions) {
		t.Fatalf("expected cached result reused, got %+v vs %+v", first, second)
	}
}

func TestScanCacheBypassedByFocusRegistration(t *testing.T) {
	s := New(time.Second)
	root1 := &FakeSurfaceProbe{TextInput: true, Rect: core.Rect{X: 0, Y: 0, W: 50, H: 50}}
	now := time.Now()
	s.Scan(root1, window, now)

	s.RegisterFocusedInput("input-1")
	root2 := &FakeSurfaceProbe{} // no regions
	second := s.Scan(root2, window, now.Add(10*time.Millisecond))
	if len(second.Regions) != 0 {
		t.Fatalf("expected bypass to produce a fresh (empty) scan, got %+v", second)
	}
}

func posInf() float64 {
	return math.Inf(1)
}
