package linear_stage

import "github.com/pkg/errors"

// State is the stage's motion state.
type State int

const (
	StateDisconnected State = iota
	StateError
	StateUnreferenced
	StateReferencing
	StateIdle
	StateJogging
	StateMovingTo
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	case StateUnreferenced:
		return "unreferenced"
	case StateReferencing:
		return "referencing"
	case StateIdle:
		return "idle"
	case StateJogging:
		return "jogging"
	case StateMovingTo:
		return "moving"
	}
	return "unknown"
}

// Moving reports whether the controller is expected to be driving the motor.
func (s State) Moving() bool {
	return s == StateReferencing || s == StateJogging || s == StateMovingTo
}

// Direction is a direction of travel in stage coordinates. Positive moves
// away from the min switch.
type Direction int

const (
	DirNone     Direction = 0
	DirPositive Direction = 1
	DirNegative Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirPositive:
		return "positive"
	case DirNegative:
		return "negative"
	}
	return "none"
}

// ParseDirection accepts +, -, pos, neg, up, down, positive, negative.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "+", "pos", "positive", "up", "max":
		return DirPositive, nil
	case "-", "neg", "negative", "down", "min":
		return DirNegative, nil
	}
	return DirNone, errors.Errorf("unknown direction %q", s)
}

// MotionState is the state plus its payload.
type MotionState struct {
	State       State
	Direction   Direction // Jogging and Referencing
	TargetSteps int       // MovingTo
}

// ControllerStatus is one poll of the controller.
type ControllerStatus struct {
	Moving        bool
	LimitMin      bool
	LimitMax      bool
	PositionSteps int
	ErrorFlag     bool
	ZeroReached   bool
}

// switchAhead reports whether the limit switch in direction d is active.
func (c ControllerStatus) switchAhead(d Direction) bool {
	switch d {
	case DirPositive:
		return c.LimitMax
	case DirNegative:
		return c.LimitMin
	}
	return false
}

// StageStatus is the cached view returned by Status.
type StageStatus struct {
	State         State
	Direction     Direction
	TargetSteps   int
	PositionSteps int
	PositionMM    float64
	Referenced    bool
	Ramp          RampMode
	Port          string
	LimitMin      bool
	LimitMax      bool
	// Warning holds the last non-fatal anomaly, such as a position deviation after a move.
	Warning string
	// Err is the error that put the stage into the Error state.
	Err error
}

var allowedTransitions = map[State][]State{
	StateDisconnected: {StateUnreferenced},
	StateError:        {StateUnreferenced, StateDisconnected},
	StateUnreferenced: {StateReferencing, StateJogging, StateIdle, StateError, StateDisconnected},
	StateReferencing:  {StateIdle, StateError, StateDisconnected},
	StateIdle:         {StateReferencing, StateJogging, StateMovingTo, StateError, StateDisconnected},
	StateJogging:      {StateIdle, StateError, StateDisconnected},
	StateMovingTo:     {StateIdle, StateError, StateDisconnected},
}

func transitionAllowed(from, to State) bool {
	if to == StateError && from != StateDisconnected {
		return true
	}
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
