package linear_stage

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected      = errors.New("stage is not connected")
	ErrNotReferenced     = errors.New("stage not referenced, run Reference first")
	ErrOutOfRange        = errors.New("target outside travel envelope")
	ErrReferencingFailed = errors.New("referencing failed: no limit switch within travel budget")
	ErrHardware          = errors.New("controller reported a fault")
	ErrInvalidState      = errors.New("command not allowed in current state")
	ErrIOTimeout         = errors.New("no response from controller within timeout")
	ErrDisconnected      = errors.New("serial port disconnected")
	ErrStopped           = errors.New("motion interrupted by stop")
	ErrLimitSwitch       = errors.New("limit switch active in direction of travel")
	ErrMotionTimeout     = errors.New("motion did not finish within time budget")
	ErrMalformedFrame    = errors.New("malformed frame")
)

// ConnectionErrorKind classifies why a serial port could not be opened.
type ConnectionErrorKind int

const (
	ConnectOther ConnectionErrorKind = iota
	ConnectNotFound
	ConnectBusy
	ConnectPermissionDenied
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case ConnectNotFound:
		return "not found"
	case ConnectBusy:
		return "busy"
	case ConnectPermissionDenied:
		return "permission denied"
	default:
		return "error"
	}
}

// ConnectionError is returned when the serial endpoint cannot be opened.
type ConnectionError struct {
	Port string
	Kind ConnectionErrorKind
	Err  error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("serial port %s: %s", e.Port, e.Kind)
	}
	return fmt.Sprintf("serial port %s: %s: %v", e.Port, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// ProtocolError reports a reply frame the codec refused to interpret.
type ProtocolError struct {
	Frame  string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s (frame %q)", e.Reason, e.Frame)
}

func (e *ProtocolError) Unwrap() error { return ErrMalformedFrame }

// ResolveErrorKind classifies port auto-detection failures.
type ResolveErrorKind int

const (
	ResolveNoneFound ResolveErrorKind = iota
	ResolveAmbiguous
)

// ResolveError is returned when auto-detection finds zero or several controllers.
type ResolveError struct {
	Kind       ResolveErrorKind
	Candidates []string
}

func (e *ResolveError) Error() string {
	if e.Kind == ResolveAmbiguous {
		return fmt.Sprintf("several stepper controllers found (%s), set the port explicitly",
			strings.Join(e.Candidates, ", "))
	}
	return "no stepper controller found on any serial port"
}
