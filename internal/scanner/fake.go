package scanner

import "github.com/rejourneyco/replaycore/internal/core"

// FakeSurfaceProbe is the scanner's test double for a SurfaceProbe node,
// since real platform bindings are out of scope.
type FakeSurfaceProbe struct {
	TextInput bool
	Camera    bool
	WebView   bool
	Video     bool
	Rect      core.Rect
	ID        string
	Hint      string
	TagValue  int
	Kids      []SurfaceProbe
}

func (f *FakeSurfaceProbe) IsTextInput() bool         { return f.TextInput }
func (f *FakeSurfaceProbe) IsCamera() bool            { return f.Camera }
func (f *FakeSurfaceProbe) IsWebView() bool           { return f.WebView }
func (f *FakeSurfaceProbe) IsVideo() bool             { return f.Video }
func (f *FakeSurfaceProbe) BoundingRect() core.Rect   { return f.Rect }
func (f *FakeSurfaceProbe) AccessibilityID() string   { return f.ID }
func (f *FakeSurfaceProbe) AccessibilityHint() string { return f.Hint }
func (f *FakeSurfaceProbe) Tag() int                  { return f.TagValue }
func (f *FakeSurfaceProbe) Children() []SurfaceProbe  { return f.Kids }
