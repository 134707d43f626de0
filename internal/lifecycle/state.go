package lifecycle

import (
	"errors"
	"fmt"
)

// State is a step in a request lifecycle.
type State int

const (
	StateAdmission State = iota
	StateSelection
	StateOutbound
	StateDispatch
	StateResponse
	StateFailure
	StateLogging
	StateDone
)

var stateNames = [...]string{
	StateAdmission: "admission",
	StateSelection: "selection",
	StateOutbound:  "outbound",
	StateDispatch:  "dispatch",
	StateResponse:  "response",
	StateFailure:   "failure",
	StateLogging:   "logging",
	StateDone:      "done",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

// Event moves a lifecycle from one State to the next.
type Event int

const (
	EventAdmitted Event = iota
	EventShortCircuit
	EventSelected
	EventMutated
	EventResponded
	EventFailed
	EventRetry
	EventGiveUp
	EventLogged
)

var eventNames = [...]string{
	EventAdmitted:     "admitted",
	EventShortCircuit: "short_circuit",
	EventSelected:     "selected",
	EventMutated:      "mutated",
	EventResponded:    "responded",
	EventFailed:       "failed",
	EventRetry:        "retry",
	EventGiveUp:       "give_up",
	EventLogged:       "logged",
}

func (e Event) String() string {
	if e < 0 || int(e) >= len(eventNames) {
		return fmt.Sprintf("event(%d)", int(e))
	}
	return eventNames[e]
}

// ErrIllegalTransition is returned by Transition for an edge that does not
// exist.
var ErrIllegalTransition = errors.New("lifecycle: illegal transition")

type edge struct {
	from State
	ev   Event
}

var edges = map[edge]State{
	{StateAdmission, EventAdmitted}:     StateSelection,
	{StateAdmission, EventShortCircuit}: StateLogging,
	{StateSelection, EventSelected}:     StateOutbound,
	{StateSelection, EventGiveUp}:       StateLogging,
	{StateOutbound, EventMutated}:       StateDispatch,
	{StateDispatch, EventResponded}:     StateResponse,
	{StateDispatch, EventFailed}:        StateFailure,
	// The body copy can fail after the response headers went out.
	{StateResponse, EventFailed}: StateFailure,
	{StateResponse, EventGiveUp}: StateLogging,
	{StateFailure, EventRetry}:   StateSelection,
	{StateFailure, EventGiveUp}:  StateLogging,
}

// Transition returns the state reached from "from" on ev. Logged is legal
// from every state except Done, so that logging always runs whatever
// point the request reached.
func Transition(from State, ev Event) (State, error) {
	if ev == EventLogged {
		if from == StateDone {
			return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
		}
		return StateDone, nil
	}
	if to, ok := edges[edge{from, ev}]; ok {
		return to, nil
	}
	return from, fmt.Errorf("%w: %s on %s", ErrIllegalTransition, ev, from)
}
