package lifecycle

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/edvin/argonode/internal/registry"
)

// State is the lifecycle state of one managed role.
type State string

const (
	StateAbsent   State = "absent"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// transitions lists the legal successors of each state. starting → absent is
// the spawn-failure path.
var transitions = map[State][]State{
	StateAbsent:   {StateStarting},
	StateStarting: {StateRunning, StateAbsent},
	StateRunning:  {StateStopping},
	StateStopping: {StateAbsent},
}

// roleState tracks one role through a single controller action.
type roleState struct {
	role   registry.Role
	state  State
	logger zerolog.Logger
}

func newRoleState(logger zerolog.Logger, role registry.Role, initial State) *roleState {
	return &roleState{
		role:   role,
		state:  initial,
		logger: logger.With().Str("role", string(role)).Logger(),
	}
}

func (r *roleState) to(next State) error {
	for _, allowed := range transitions[r.state] {
		if allowed == next {
			r.logger.Debug().Str("from", string(r.state)).Str("to", string(next)).Msg("state transition")
			r.state = next
			return nil
		}
	}
	return fmt.Errorf("%s: illegal transition %s -> %s", r.role, r.state, next)
}
