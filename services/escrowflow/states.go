package escrowflow

import (
	"errors"
	"fmt"
)

// State is a step of the escrow creation workflow.
type State string

const (
	StateForm         State = "form"
	StateInitializing State = "initializing"
	StateSigning      State = "signing"
	StateConfirming   State = "confirming"
	StateSuccess      State = "success"
	StateAbandoned    State = "abandoned"
)

var allowedTransitions = map[State][]State{
	StateForm:         {StateInitializing, StateAbandoned},
	StateInitializing: {StateSigning, StateForm, StateAbandoned},
	StateSigning:      {StateConfirming, StateAbandoned},
	StateConfirming:   {StateSuccess, StateSigning, StateAbandoned},
}

// ErrInvalidTransition is returned for operations not permitted in the
// current state.
var ErrInvalidTransition = errors.New("escrowflow: invalid transition")

// ValidateTransition ensures the transition follows the workflow.
func ValidateTransition(current, next State) error {
	allowed, ok := allowedTransitions[current]
	if !ok {
		return fmt.Errorf("%w: no transitions allowed from %s", ErrInvalidTransition, current)
	}
	for _, state := range allowed {
		if state == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s is not permitted", ErrInvalidTransition, current, next)
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateAbandoned
}
