package auth

import (
	"errors"
	"fmt"
	"time"
)

// State is a step of the per-URL authentication state machine.
type State string

const (
	StateFetching       State = "fetching"
	StateFetched        State = "fetched"
	StateDetecting      State = "detecting"
	StateAuthenticating State = "authenticating"
	StateSubmitted      State = "submitted"
	StateVerifying      State = "verifying"
	StateVerified       State = "verified"
	StateDone           State = "done"
	StateFailed         State = "failed"
)

var ErrInvalidTransition = errors.New("invalid state transition")

var validTransitions = map[State][]State{
	StateFetching: {
		StateFetched,
		StateFailed, // fetch retries exhausted
	},
	StateFetched: {
		StateDetecting,
		StateFailed,
	},
	StateDetecting: {
		StateAuthenticating, // login page found
		StateDone,           // public content
		StateFailed,
	},
	StateAuthenticating: {
		StateSubmitted,
		StateFailed, // no credential / no SSO session / decryption
	},
	StateSubmitted: {
		StateVerifying,
		StateFailed, // re-fetch failed
	},
	StateVerifying: {
		StateVerified,
		StateAuthenticating, // still a login page, attempts remain
		StateFailed,         // two-factor or login loop
	},
	StateVerified: {
		StateDone,
	},
}

// ValidateTransition checks if a state transition is allowed.
func ValidateTransition(from, to State) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// IsTerminal reports whether no transition leaves s.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Transition records one move of the machine.
type Transition struct {
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}
