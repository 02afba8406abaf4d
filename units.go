package linear_stage

import (
	"math"

	"github.com/pkg/errors"
)

// Unit names accepted by MoveTo and MoveBy.
type Unit string

const (
	UnitMM    Unit = "mm"
	UnitSteps Unit = "steps"
)

// UnitConverter maps millimeters to controller steps with a fixed calibration.
type UnitConverter struct {
	stepsPerMM float64
}

func NewUnitConverter(stepsPerMM float64) (UnitConverter, error) {
	if stepsPerMM <= 0 || math.IsNaN(stepsPerMM) || math.IsInf(stepsPerMM, 0) {
		return UnitConverter{}, errors.Errorf("steps per mm must be a positive number, got %v", stepsPerMM)
	}
	return UnitConverter{stepsPerMM: stepsPerMM}, nil
}

func (u UnitConverter) StepsPerMM() float64 { return u.stepsPerMM }

// ToSteps rounds to the nearest step, ties away from zero. Callers must pass
// a finite value; Steps and SpeedToSteps check that.
func (u UnitConverter) ToSteps(mm float64) int {
	return int(math.Round(mm * u.stepsPerMM))
}

func (u UnitConverter) ToMM(steps int) float64 {
	return float64(steps) / u.stepsPerMM
}

// checkSteps rejects step counts the controller's 32-bit counter cannot hold.
func checkSteps(steps float64) error {
	if math.IsNaN(steps) || math.IsInf(steps, 0) {
		return errors.Errorf("%v is not a finite number", steps)
	}
	if math.Abs(steps) > math.MaxInt32 {
		return errors.Errorf("%.0f steps exceeds the controller range", steps)
	}
	return nil
}

// SpeedToSteps converts mm/s to steps/s. Any non-zero speed yields at least one step per second.
func (u UnitConverter) SpeedToSteps(mmPerSec float64) (int, error) {
	if err := checkSteps(math.Round(mmPerSec * u.stepsPerMM)); err != nil {
		return 0, errors.Wrap(err, "speed")
	}
	s := u.ToSteps(math.Abs(mmPerSec))
	if s == 0 && mmPerSec != 0 {
		return 1, nil
	}
	return s, nil
}

// Steps converts a value given in unit to steps.
func (u UnitConverter) Steps(value float64, unit Unit) (int, error) {
	switch unit {
	case UnitMM, "":
		if err := checkSteps(math.Round(value * u.stepsPerMM)); err != nil {
			return 0, err
		}
		return u.ToSteps(value), nil
	case UnitSteps:
		if err := checkSteps(value); err != nil {
			return 0, err
		}
		if value != math.Trunc(value) {
			return 0, errors.Errorf("step count must be an integer, got %v", value)
		}
		return int(value), nil
	}
	return 0, errors.Errorf("unknown unit %q", unit)
}
