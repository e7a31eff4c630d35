package engine

import (
	"fmt"

	"github.com/danmuck/stepwise/internal/protocol/codec"
)

// StateID enumerates a protocol's states. Non-negative ids belong to the
// protocol; the negative ids are the universal terminal states.
type StateID int

const (
	StateInitial   StateID = 0
	StateFinished  StateID = -1
	StateCancelled StateID = -2
)

// State is a state id plus the protocol's encoded state data.
type State struct {
	ID   StateID
	Data codec.Value
}

func Initial() State {
	return State{ID: StateInitial}
}

func (s State) Terminal() bool {
	return s.ID == StateFinished || s.ID == StateCancelled
}

func (s State) String() string {
	switch s.ID {
	case StateInitial:
		return "initial"
	case StateFinished:
		return "finished"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s.ID))
	}
}
