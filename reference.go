package linear_stage

import (
	"context"

	"github.com/pkg/errors"
)

// Reference runs the controller's reference move toward the configured
// homing switch and sets the position there to the reference offset. It
// fails, after stopping the axis, when the switch is not found within the
// travel range or the time budget.
func (s *Stage) Reference(ctx context.Context) error {
	s.mu.Lock()
	switch s.motion.State {
	case StateDisconnected:
		s.mu.Unlock()
		return ErrNotConnected
	case StateReferencing:
		s.mu.Unlock()
		return errors.Wrap(ErrInvalidState, "reference already running")
	}
	if err := s.requireStationaryLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	dir := DirNegative
	if s.cfg.HomingDirection == HomingMax {
		dir = DirPositive
	}
	conn := s.conn
	seq := s.stopSeq
	if err := s.transitionLocked(MotionState{State: StateReferencing, Direction: dir}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.warning = ""
	cmd := MotionCommand{
		Kind:      CmdReference,
		CounterUp: s.counterUp(dir),
		Speed:     s.cfg.HomingSpeed,
		Ramp:      s.takeRampLocked(),
	}
	s.mu.Unlock()

	ctx, done := s.opMgr.New(ctx)
	defer done()

	startReply, err := s.exchange(conn, reqPosition)
	if err != nil {
		return s.motionFault(conn, err)
	}
	start := s.fromCounter(DecodePosition(startReply))

	s.logger.Infof("referencing toward %s switch from %d steps", s.cfg.HomingDirection, start)
	if err := s.sendMotion(conn, seq, Expand(cmd)); err != nil {
		return s.motionFault(conn, err)
	}

	maxTravel := s.cfg.MaxTravelSteps
	_, err = s.await(ctx, conn, seq, travelBudget(maxTravel, cmd.Speed), ErrReferencingFailed,
		func(st ControllerStatus) (bool, error) {
			switch {
			case st.switchAhead(dir):
				return true, nil
			case !st.Moving && st.ZeroReached:
				return true, nil
			case st.ErrorFlag:
				return false, errors.Wrapf(ErrReferencingFailed, "controller fault at %d steps", st.PositionSteps)
			case abs(st.PositionSteps-start) > maxTravel:
				return false, errors.Wrapf(ErrReferencingFailed, "travelled %d steps without reaching the switch",
					abs(st.PositionSteps-start))
			case !st.Moving:
				return false, errors.Wrapf(ErrReferencingFailed, "controller stopped at %d steps before reaching the switch",
					st.PositionSteps)
			}
			return false, nil
		})
	if err != nil {
		return err
	}

	if s.stoppedSince(seq) {
		return ErrStopped
	}
	if _, err := s.exchange(conn, reqQuickStop); err != nil {
		return s.motionFault(conn, errors.Wrap(err, "stop at reference switch"))
	}
	offset := s.cfg.ReferencePosition()
	if _, err := s.exchange(conn, reqSetPosition(s.toCounter(offset))); err != nil {
		return s.motionFault(conn, errors.Wrap(err, "set reference position"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopSeq != seq {
		return ErrStopped
	}
	if err := s.completeReferenceLocked(offset); err != nil {
		return err
	}
	s.logger.Infof("referenced, position set to %d steps", offset)
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
