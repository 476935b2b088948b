package job

import (
	"fmt"
	"slices"
	"strings"
)

type State string

const (
	StatePending   State = "PENDING"
	StateScheduled State = "SCHEDULED"
	StateRunning   State = "RUNNING"
	StateSucceeded State = "SUCCEEDED"
	// StateFailed is terminal for jobs cancelled before they ran.
	StateFailed    State = "FAILED"
	StateAbandoned State = "ABANDONED"
)

var allStates = []State{StatePending, StateScheduled, StateRunning, StateSucceeded, StateFailed, StateAbandoned}

// transitions lists every edge of the job state machine.
var transitions = map[State][]State{
	StatePending:   {StateRunning, StateFailed},
	StateScheduled: {StateRunning, StateFailed},
	StateRunning:   {StateSucceeded, StateScheduled, StateAbandoned},
}

// States returns every known state in lifecycle order.
func States() []State { return slices.Clone(allStates) }

func (s State) Valid() bool { return slices.Contains(allStates, s) }

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateAbandoned
}

// Queued reports whether s is waiting for a worker.
func (s State) Queued() bool { return s == StatePending || s == StateScheduled }

func (s State) String() string { return string(s) }

// CanTransition reports whether from -> to is an edge of the state machine.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

func ParseState(raw string) (State, error) {
	s := State(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("unknown job state %q", raw)
	}
	return s, nil
}
