package relay

import (
	"errors"
	"strings"
)

// ErrReplyRewritten means a reply snapshot was not an extension of the
// previous one. The diff engine assumes append-only growth; anything else
// is a page-state anomaly and must not be papered over with a bogus delta.
var ErrReplyRewritten = errors.New("reply text changed non-append-wise")

// EventType classifies stream events
type EventType int

const (
	// EventOpen declares the assistant role before any content
	EventOpen EventType = iota
	// EventDelta carries newly observed reply text
	EventDelta
	// EventDone signals completion with a stop reason
	EventDone
	// EventError ends the stream with a failure
	EventError
)

// Event is one unit of streaming output
type Event struct {
	Type       EventType
	Delta      string
	StopReason string
	Err        error
}

// EngineState is the diff engine's position in the stream
type EngineState int

const (
	StateAwaitingFirstContent EngineState = iota
	StateStreaming
	StateDone
)

// Snapshot is one poll of the page: the full current reply text (when the
// reply container exists) and whether the send control has reached its
// terminal disabled state.
type Snapshot struct {
	Text      string
	TextFound bool
	Terminal  bool
}

// Engine turns repeated full-text snapshots into append-only deltas plus a
// completion signal. It is driven one Tick at a time, so tests run it
// against canned snapshots with no timers or pages involved.
type Engine struct {
	state    EngineState
	observed string
}

// NewEngine returns an engine awaiting its first tick
func NewEngine() *Engine {
	return &Engine{state: StateAwaitingFirstContent}
}

// State returns the current engine state
func (e *Engine) State() EngineState {
	return e.state
}

// Observed returns the reply text seen so far
func (e *Engine) Observed() string {
	return e.observed
}

// Tick consumes one snapshot and returns the events it produces, in order.
// The first tick opens the stream; a snapshot with no reply container is a
// no-op; a terminal snapshot closes the stream. Once Done, ticks return
// nothing.
func (e *Engine) Tick(snap Snapshot) ([]Event, error) {
	if e.state == StateDone {
		return nil, nil
	}

	var events []Event

	if e.state == StateAwaitingFirstContent {
		events = append(events, Event{Type: EventOpen})
		e.state = StateStreaming
	}

	if snap.TextFound && snap.Text != e.observed {
		if !strings.HasPrefix(snap.Text, e.observed) {
			e.state = StateDone
			return events, ErrReplyRewritten
		}
		events = append(events, Event{Type: EventDelta, Delta: snap.Text[len(e.observed):]})
		e.observed = snap.Text
	}

	if snap.Terminal {
		events = append(events, Event{Type: EventDone, StopReason: "stop"})
		e.state = StateDone
	}

	return events, nil
}
