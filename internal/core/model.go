package core

import "time"

// RegionKind classifies why a rectangle on screen is sensitive.
type RegionKind int

const (
	TextInput RegionKind = iota
	Camera
	WebView
	Video
	ManualID
)

func (k RegionKind) String() string {
	switch k {
	case TextInput:
		return "TextInput"
	case Camera:
		return "Camera"
	case WebView:
		return "WebView"
	case Video:
		return "Video"
	case ManualID:
		return "ManualId"
	default:
		return "Unknown"
	}
}

// Rect is a rectangle in a caller-specified coordinate space (point-space
// from the scanner, pixel-space once the redactor applies Scale).
type Rect struct {
	X, Y, W, H float64
}

// IsFinite reports whether every field is a finite number.
func (r Rect) IsFinite() bool {
	return isFinite(r.X) && isFinite(r.Y) && isFinite(r.W) && isFinite(r.H)
}

func isFinite(f float64) bool {
	return f == f && f < maxFinite && f > -maxFinite
}

const maxFinite = 1e300

// Intersects reports whether r overlaps bounds.
func (r Rect) Intersects(bounds Rect) bool {
	return r.X < bounds.X+bounds.W && r.X+r.W > bounds.X &&
		r.Y < bounds.Y+bounds.H && r.Y+r.H > bounds.Y
}

// Inflate returns r expanded by pad on every side.
func (r Rect) Inflate(pad float64) Rect {
	return Rect{X: r.X - pad, Y: r.Y - pad, W: r.W + 2*pad, H: r.H + 2*pad}
}

// Scale returns r with every coordinate multiplied by s.
func (r Rect) Scale(s float64) Rect {
	return Rect{X: r.X * s, Y: r.Y * s, W: r.W * s, H: r.H * s}
}

// Region pairs a sensitivity classification with its screen rectangle.
type Region struct {
	Kind RegionKind
	Rect Rect
}

// SensitiveRegionSet is the scanner's output for a single frame. Immutable
// once produced: callers that need to mutate build a fresh set.
type SensitiveRegionSet struct {
	Regions []Region
	MaskAll bool
}

// Frame is a captured pixel buffer plus the region set computed for it.
type Frame struct {
	Pixels          []byte
	Width, Height   int
	CaptureWall     time.Time
	CaptureMonotonic time.Duration
	Scale           float64
	Regions         SensitiveRegionSet
}

// UploadState is a segment's lifecycle with respect to the Uploader.
type UploadState int

const (
	Pending UploadState = iota
	InFlight
	Uploaded
	Failed
)

func (s UploadState) String() string {
	switch s {
	case Pending:
		return "Pending"
	case InFlight:
		return "InFlight"
	case Uploaded:
		return "Uploaded"
	case Failed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// Segment describes one time-bounded container of encoded frames.
type Segment struct {
	SessionID  SessionID
	Seq        int
	StartTS    time.Time
	EndTS      time.Time
	FrameCount int
	Path       string
	Finalized  bool
	State      UploadState
	Attempts   int
}

// EventKind enumerates the tagged-union variants of Event.Kind.
type EventKind string

const (
	EventSessionStart         EventKind = "SessionStart"
	EventSessionEnd           EventKind = "SessionEnd"
	EventNavigation           EventKind = "Navigation"
	EventGesture              EventKind = "Gesture"
	EventMotion               EventKind = "Motion"
	EventKeyboardShow         EventKind = "KeyboardShow"
	EventKeyboardHide         EventKind = "KeyboardHide"
	EventKeyboardTyping       EventKind = "KeyboardTyping"
	EventVisualChange         EventKind = "VisualChange"
	EventAppBackground        EventKind = "AppBackground"
	EventAppForeground        EventKind = "AppForeground"
	EventAppTerminated        EventKind = "AppTerminated"
	EventExternalURL          EventKind = "ExternalUrl"
	EventOAuthStarted         EventKind = "OAuthStarted"
	EventOAuthCompleted       EventKind = "OAuthCompleted"
	EventOAuthReturned        EventKind = "OAuthReturned"
	EventAnr                  EventKind = "Anr"
	EventCrash                EventKind = "Crash"
	EventUserIdentityChanged  EventKind = "UserIdentityChanged"
	EventAppStartup           EventKind = "AppStartup"
)

// Event is a single append-only record in the EventBuffer.
type Event struct {
	Kind      EventKind      `json:"type"`
	Timestamp time.Time      `json:"-"`
	TimestampMs int64        `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// KeyPressCount reads the coalesced counter a KeyboardTyping event carries,
// 0 if absent.
func (e Event) KeyPressCount() int {
	if e.Payload == nil {
		return 0
	}
	if v, ok := e.Payload["keyPressCount"].(int); ok {
		return v
	}
	// Events restored from JSON carry numbers as float64.
	if v, ok := e.Payload["keyPressCount"].(float64); ok {
		return int(v)
	}
	return 0
}

// ConfigSnapshot is resolved once per session from the remote config fetch.
type ConfigSnapshot struct {
	SDKEnabled         bool
	RecordingEnabled   bool
	SampleRatePercent  uint8
	MaxSessionMinutes  uint16
	BillingBlocked     bool
}

// DefaultConfigSnapshot matches documented defaults.
func DefaultConfigSnapshot() ConfigSnapshot {
	return ConfigSnapshot{
		SDKEnabled:        true,
		RecordingEnabled:  true,
		SampleRatePercent: 100,
		MaxSessionMinutes: 10,
		BillingBlocked:    false,
	}
}

// EffectiveRecordingEnabled applies the billing-blocked override.
func (c ConfigSnapshot) EffectiveRecordingEnabled() bool {
	if c.BillingBlocked {
		return false
	}
	return c.RecordingEnabled
}
