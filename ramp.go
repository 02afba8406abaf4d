package linear_stage

import (
	"strings"

	"github.com/pkg/errors"
)

// RampMode selects the acceleration profile used by motion commands.
type RampMode string

const (
	RampSoft RampMode = "soft"
	RampHard RampMode = "hard"
)

// ParseRampMode accepts "soft" or "hard" in any case.
func ParseRampMode(s string) (RampMode, error) {
	switch RampMode(strings.ToLower(strings.TrimSpace(s))) {
	case RampSoft:
		return RampSoft, nil
	case RampHard:
		return RampHard, nil
	}
	return "", errors.Errorf("unknown ramp mode %q, want soft or hard", s)
}

// RampProfile is the controller parameter set behind a RampMode.
// Accelerations are in steps/s².
type RampProfile struct {
	Mode       RampMode
	RampType   int // 0 trapezoid, 1 sinusoidal
	Accel      int
	Decel      int
	DecelQuick int
}

var rampProfiles = map[RampMode]RampProfile{
	RampSoft: {Mode: RampSoft, RampType: 1, Accel: 10000, Decel: 10000, DecelQuick: 3000000},
	RampHard: {Mode: RampHard, RampType: 0, Accel: 50000, Decel: 50000, DecelQuick: 3000000},
}

// Profile returns the parameter set for the mode; unknown modes fall back to soft.
func (m RampMode) Profile() RampProfile {
	if p, ok := rampProfiles[m]; ok {
		return p
	}
	return rampProfiles[RampSoft]
}

// requests writes the profile to the controller in the order it expects:
// ramp type first, then the quick-stop and the regular ramps.
func (p RampProfile) requests() []Request {
	return []Request{
		{Cmd: ":ramp_mode=", Param: signed(p.RampType)},
		{Cmd: ":decelquick=", Param: signed(p.DecelQuick)},
		{Cmd: ":accel=", Param: signed(p.Accel)},
		{Cmd: ":decel=", Param: signed(p.Decel)},
	}
}
