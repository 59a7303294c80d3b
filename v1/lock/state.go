package lock

import (
	"fmt"

	fairerrors "github.com/mirkobrombin/go-fairlock/v1/errors"
)

// State is the lifecycle position of one acquisition.
type State int

const (
	StateIdle State = iota
	StateAllocating
	StateQueued
	StateHeld
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAllocating:
		return "allocating"
	case StateQueued:
		return "queued"
	case StateHeld:
		return "held"
	case StateReleased:
		return "released"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateIdle:       {StateAllocating},
	StateAllocating: {StateHeld, StateQueued, StateReleased},
	StateQueued:     {StateHeld, StateReleased},
	StateHeld:       {StateReleased},
}

// transition validates moving from one state to the next.
func transition(from, to State) error {
	for _, next := range transitions[from] {
		if next == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", fairerrors.ErrIllegalTransition, from, to)
}
