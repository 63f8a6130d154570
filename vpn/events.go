package vpn

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yllada/shardvpn/common"
)

// EventKind classifies an Event.
type EventKind int

const (
	// EventState reports a state transition.
	EventState EventKind = iota
	// EventLog carries an informational message.
	EventLog
	// EventError carries a failure.
	EventError
	// EventProcess carries a line of worker output.
	EventProcess
)

// String returns a human-readable representation of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventState:
		return "state"
	case EventLog:
		return "log"
	case EventError:
		return "error"
	case EventProcess:
		return "process"
	default:
		return "unknown"
	}
}

// Event is one entry of the controller's event stream.
type Event struct {
	Time      time.Time
	SessionID string
	Kind      EventKind
	State     State
	Role      string
	Message   string
	Err       error
}

const defaultEventBuffer = 256

// eventBus fans events into a buffered channel without ever blocking the
// publisher. Events that do not fit are counted and dropped.
type eventBus struct {
	ch      chan Event
	dropped atomic.Uint64
}

func newEventBus(size int) *eventBus {
	if size <= 0 {
		size = defaultEventBuffer
	}
	return &eventBus{ch: make(chan Event, size)}
}

func (b *eventBus) publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	logEvent(e)

	select {
	case b.ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func logEvent(e Event) {
	log := common.Logger()
	var ev *zerolog.Event
	switch e.Kind {
	case EventError:
		ev = log.Error().Err(e.Err)
	default:
		ev = log.Debug()
	}
	ev = ev.Str("session", e.SessionID).Str("kind", e.Kind.String())
	if e.Kind == EventState {
		ev = ev.Str("state", e.State.String())
	}
	if e.Role != "" {
		ev = ev.Str("role", e.Role)
	}
	ev.Msg(e.Message)
}
