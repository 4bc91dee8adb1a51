// Package scanner implements a bounded-time walk of the live UI tree that
// emits a set of sensitive regions.
//
// All platform-specific view probing is hidden behind the closed
// SurfaceProbe capability object; the scanner itself only applies the
// classification rules, the manual-override registry, rectangle
// sanitization, and the wall-clock budget.
package scanner

import (
	"sync"
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/logging"
)

var log = logging.L("scanner")

// ScanBudget is the maximum wall time a single Scan may spend before it
// must bail out with MaskAll set.
const ScanBudget = 16 * time.Millisecond

// ManualOcclusionHint is the accessibility-hint sentinel that forces a
// ManualID classification regardless of the mask registry.
const ManualOcclusionHint = "rejourney_occlude"

// ManualOcclusionTag is the sentinel integer tag with the same effect.
const ManualOcclusionTag = 98765

const minRectExtent = 10

// SurfaceProbe is the small, closed capability object platform bindings
// implement. The scanner ships only FakeSurfaceProbe; real bindings are
// out of scope
type SurfaceProbe interface {
	IsTextInput() bool
	IsCamera() bool
	IsWebView() bool
	IsVideo() bool
	BoundingRect() core.Rect
	AccessibilityID() string
	AccessibilityHint() string
	Tag() int
	Children() []SurfaceProbe
}

// HierarchyScanner walks a SurfaceProbe tree under a wall-clock budget.
type HierarchyScanner struct {
	mu          sync.Mutex
	maskedIDs   map[string]struct{}
	minInterval time.Duration
	lastScanAt  time.Time
	cached      core.SensitiveRegionSet
	haveCached  bool
	focusedBypass string
}

// New creates a scanner with the given cache interval (default 1s).
func New(minInterval time.Duration) *HierarchyScanner {
	if minInterval <= 0 {
		minInterval = time.Second
	}
	return &HierarchyScanner{
		maskedIDs:   make(map[string]struct{}),
		minInterval: minInterval,
	}
}

// Mask adds id to the manual-occlusion registry.
func (s *HierarchyScanner) Mask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maskedIDs[id] = struct{}{}
}

// Unmask removes id from the manual-occlusion registry.
func (s *HierarchyScanner) Unmask(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.maskedIDs, id)
}

// RegisterFocusedInput makes the next Scan call skip the cache and rescan
// the whole tree. The id only arms the bypass (any non-empty id does); it
// does not limit the rescan to that view.
func (s *HierarchyScanner) RegisterFocusedInput(accessibilityID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.focusedBypass = accessibilityID
}

// Scan walks root within windowBounds, returning a fresh or cached
// SensitiveRegionSet depending on minInterval and the focus bypass.
func (s *HierarchyScanner) Scan(root SurfaceProbe, windowBounds core.Rect, now time.Time) core.SensitiveRegionSet {
	s.mu.Lock()
	bypass := s.focusedBypass != ""
	s.focusedBypass = ""
	if !bypass && s.haveCached && now.Sub(s.lastScanAt) < s.minInterval {
		cached := s.cached
		s.mu.Unlock()
		return cached
	}
	maskedCopy := make(map[string]struct{}, len(s.maskedIDs))
	for k := range s.maskedIDs {
		maskedCopy[k] = struct{}{}
	}
	s.mu.Unlock()

	start := now
	result := core.SensitiveRegionSet{}
	if root != nil {
		walk(root, windowBounds, start, maskedCopy, &result)
	}

	s.mu.Lock()
	s.cached = result
	s.haveCached = true
	s.lastScanAt = now
	s.mu.Unlock()

	return result
}

func walk(node SurfaceProbe, windowBounds core.Rect, start time.Time, masked map[string]struct{}, out *core.SensitiveRegionSet) {
	if out.MaskAll {
		return
	}
	if time.Since(start) > ScanBudget {
		log.Debug("hierarchy scan exceeded budget, masking all")
		out.MaskAll = true
		return
	}

	if kind, ok := classify(node, masked); ok {
		if r, ok := sanitize(node.BoundingRect(), windowBounds); ok {
			out.Regions = append(out.Regions, core.Region{Kind: kind, Rect: r})
		}
	}

	for _, child := range node.Children() {
		walk(child, windowBounds, start, masked, out)
		if out.MaskAll {
			return
		}
	}
}

func classify(node SurfaceProbe, masked map[string]struct{}) (core.RegionKind, bool) {
	if _, ok := masked[node.AccessibilityID()]; ok {
		return core.ManualID, true
	}
	if node.AccessibilityHint() == ManualOcclusionHint {
		return core.ManualID, true
	}
	if node.Tag() == ManualOcclusionTag {
		return core.ManualID, true
	}
	if node.IsTextInput() {
		return core.TextInput, true
	}
	if node.IsCamera() {
		return core.Camera, true
	}
	if node.IsWebView() {
		return core.WebView, true
	}
	if node.IsVideo() {
		return core.Video, true
	}
	return 0, false
}

func sanitize(r, windowBounds core.Rect) (core.Rect, bool) {
	if !isFinite(r.X) {
		r.X = 0
	}
	if !isFinite(r.Y) {
		r.Y = 0
	}
	if !isFinite(r.W) {
		r.W = 0
	}
	if !isFinite(r.H) {
		r.H = 0
	}
	if r.W <= minRectExtent || r.H <= minRectExtent {
		return core.Rect{}, false
	}
	if !r.Intersects(windowBounds) {
		return core.Rect{}, false
	}
	return r, true
}

func isFinite(f float64) bool {
	return f == f && f < 1e300 && f > -1e300
}
