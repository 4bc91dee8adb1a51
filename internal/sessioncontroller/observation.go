package sessioncontroller

import (
	"time"

	"github.com/rejourneyco/replaycore/internal/core"
	"github.com/rejourneyco/replaycore/internal/scheduler"
)

// ObservationKind tags the variant carried by an Observation.
type ObservationKind int

const (
	ObsGesture ObservationKind = iota
	ObsMotion
	ObsNavigation
	ObsKeyboardShow
	ObsKeyboardHide
	ObsScroll
	ObsAppBackground
	ObsAppForeground
	ObsAppTerminating
	ObsAnr
	ObsCrash
	ObsExternalURLOpened
	ObsOAuthStarted
	ObsOAuthCompleted
)

// Observation is one event from an external collaborator (the host app's
// gesture recognizer, navigation tracker, lifecycle notifier, etc.),
// delivered without platform specifics.
type Observation struct {
	Kind ObservationKind
	At   time.Time

	GestureKind      string
	NavigationScreen string
	NavigationSource string // "auto" or "js"
	ScrollState      scheduler.ScrollState
	KeyPressCount    int
	AnrDurationMs    int64
	CrashReport      []byte
	ExternalURLScheme string
	OAuthProvider    string
	OAuthSuccess     bool
}

// observationQueueSize bounds the channel so a burst of UI-thread signals
// never blocks the caller.
const observationQueueSize = 256

// Observe enqueues an observation for asynchronous processing by the
// controller's drain loop. Never blocks: a full queue drops the new
// observation rather than stalling the caller's thread, so Observe
// reports whether it was accepted.
func (c *SessionController) Observe(o Observation) bool {
	select {
	case c.observations <- o:
		return true
	default:
		log.Warn("observation queue full, dropping", "kind", o.Kind)
		return false
	}
}

// RunObservationLoop drains observations on a single goroutine until stop
// is closed, applying each to the controller's scheduler/event-buffer
// state. This is the controller's only channel; control calls such as
// Start and Stop are direct methods. Every mutation it makes still goes through the
// controller's own mutex-guarded methods, so direct callers of those
// methods (tests, the Harness CLI) remain safe to mix with this loop.
func (c *SessionController) RunObservationLoop(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case o := <-c.observations:
			c.applyObservation(o)
		}
	}
}

func (c *SessionController) applyObservation(o Observation) {
	switch o.Kind {
	case ObsGesture:
		c.noteGesture(o)
	case ObsMotion:
		// Motion samples do not gate capture timing; recorded as an event only.
		c.appendEventIfActive(eventFromObservation(o, string(core.EventMotion)))
	case ObsNavigation:
		c.noteNavigation(o)
	case ObsKeyboardShow:
		c.scheduler().NoteEvent(scheduler.KeyboardAnimStart, o.At)
		c.appendEventIfActive(eventFromObservation(o, string(core.EventKeyboardShow)))
	case ObsKeyboardHide:
		c.scheduler().NoteEvent(scheduler.KeyboardAnimEnd, o.At)
		c.scheduler().AfterKeyboardHide(o.At)
		c.appendEventIfActive(eventFromObservation(o, string(core.EventKeyboardHide)))
	case ObsScroll:
		c.scheduler().NoteScroll(o.ScrollState, o.At)
	case ObsAppBackground:
		c.BackgroundEnter(o.At)
	case ObsAppForeground:
		c.BackgroundExit(o.At)
	case ObsAppTerminating:
		c.Terminate(o.At)
	case ObsAnr:
		c.recordAnr(o)
	case ObsCrash:
		c.recordCrash(o)
	case ObsExternalURLOpened:
		c.appendEventIfActive(eventFromObservation(o, string(core.EventExternalURL)))
	case ObsOAuthStarted:
		c.appendEventIfActive(eventFromObservation(o, string(core.EventOAuthStarted)))
	case ObsOAuthCompleted:
		c.appendEventIfActive(eventFromObservation(o, string(core.EventOAuthCompleted)))
	}
}
