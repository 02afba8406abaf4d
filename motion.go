package linear_stage

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// A move that ends further than this from its target is reported.
const positionTolerance = 1

// MoveTo drives to an absolute position and waits until the controller
// reports standstill. The stage must be referenced and the target inside
// the travel range; both are checked before anything is sent.
func (s *Stage) MoveTo(ctx context.Context, value float64, unit Unit) error {
	target, err := s.units.Steps(value, unit)
	if err != nil {
		return err
	}
	return s.moveToSteps(ctx, target)
}

// MoveBy moves relative to the cached position. The resulting absolute
// target is range checked like MoveTo.
func (s *Stage) MoveBy(ctx context.Context, delta float64, unit Unit) error {
	steps, err := s.units.Steps(delta, unit)
	if err != nil {
		return err
	}
	s.mu.Lock()
	pos := s.ctrl.PositionSteps
	s.mu.Unlock()
	return s.moveToSteps(ctx, pos+steps)
}

func (s *Stage) moveToSteps(ctx context.Context, target int) error {
	s.mu.Lock()
	if s.motion.State == StateDisconnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !s.referenced {
		s.mu.Unlock()
		return ErrNotReferenced
	}
	if err := s.requireStationaryLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	if target < 0 || target > s.cfg.MaxTravelSteps {
		s.mu.Unlock()
		return errors.Wrapf(ErrOutOfRange, "target %d steps (%.3f mm) outside 0..%d",
			target, s.units.ToMM(target), s.cfg.MaxTravelSteps)
	}
	conn := s.conn
	seq := s.stopSeq
	start := s.ctrl.PositionSteps
	speed := s.speed
	if err := s.transitionLocked(MotionState{State: StateMovingTo, TargetSteps: target}); err != nil {
		s.mu.Unlock()
		return err
	}
	s.warning = ""
	cmd := MotionCommand{
		Kind:        CmdMoveAbsolute,
		TargetSteps: s.toCounter(target),
		Speed:       speed,
		Ramp:        s.takeRampLocked(),
	}
	s.mu.Unlock()

	ctx, done := s.opMgr.New(ctx)
	defer done()

	s.logger.Debugf("moving %d -> %d steps at %d steps/s", start, target, speed)
	if err := s.sendMotion(conn, seq, Expand(cmd)); err != nil {
		return s.motionFault(conn, err)
	}

	st, err := s.await(ctx, conn, seq, travelBudget(target-start, speed), ErrMotionTimeout,
		func(st ControllerStatus) (bool, error) {
			if st.ErrorFlag {
				return false, errors.Wrapf(ErrHardware, "position error at %d steps", st.PositionSteps)
			}
			return !st.Moving, nil
		})
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopSeq != seq {
		return ErrStopped
	}
	if dev := st.PositionSteps - target; dev > positionTolerance || dev < -positionTolerance {
		s.warning = fmt.Sprintf("stopped at %d steps, %d from target %d", st.PositionSteps, dev, target)
		s.logger.Warnf("move finished off target: %s", s.warning)
	}
	return s.transitionLocked(MotionState{State: StateIdle})
}

// exchange sends one request and decodes its reply. Queries are resent
// once after a timeout; commands never are, since a lost reply does not
// mean a lost command.
func (s *Stage) exchange(conn Transport, req Request) (Reply, error) {
	if conn == nil {
		return Reply{}, ErrNotConnected
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	return s.roundTrip(conn, req)
}

// exchangeUnlessStopped is exchange for motion commands: a Stop issued
// since seq cancels the request. The check runs under ioMu, so a Stop that
// misses it is sent after this request.
func (s *Stage) exchangeUnlessStopped(conn Transport, seq uint64, req Request) (Reply, error) {
	if conn == nil {
		return Reply{}, ErrNotConnected
	}
	s.ioMu.Lock()
	defer s.ioMu.Unlock()
	if s.stoppedSince(seq) {
		return Reply{}, ErrStopped
	}
	return s.roundTrip(conn, req)
}

func (s *Stage) roundTrip(conn Transport, req Request) (Reply, error) {
	frame := s.codec.Encode(req)
	attempts := 1
	if req.IsQuery() {
		attempts = 2
	}
	for i := 0; ; i++ {
		if err := conn.Send(frame); err != nil {
			return Reply{}, errors.Wrapf(err, "send %s", req)
		}
		raw, err := conn.Receive(s.cfg.IOTimeout)
		if errors.Is(err, ErrIOTimeout) && i+1 < attempts {
			s.logger.Debugf("no reply to %s, retrying", req)
			continue
		}
		if err != nil {
			return Reply{}, errors.Wrapf(err, "receive %s", req)
		}
		reply, err := s.codec.Decode(req, raw)
		if err != nil {
			return Reply{}, err
		}
		if reply.Rejected {
			return reply, errors.Wrapf(ErrHardware, "controller rejected %s", req)
		}
		return reply, nil
	}
}

// send runs reqs in order and stops at the first failure.
func (s *Stage) send(conn Transport, reqs []Request) error {
	for _, req := range reqs {
		if _, err := s.exchange(conn, req); err != nil {
			return err
		}
	}
	return nil
}

// sendMotion is send for a command sequence that starts motion.
func (s *Stage) sendMotion(conn Transport, seq uint64, reqs []Request) error {
	for _, req := range reqs {
		if _, err := s.exchangeUnlessStopped(conn, seq, req); err != nil {
			return err
		}
	}
	return nil
}

// poll reads status, inputs and position and caches the result.
func (s *Stage) poll(conn Transport) (ControllerStatus, error) {
	statusReply, err := s.exchange(conn, reqStatus)
	if err != nil {
		return ControllerStatus{}, err
	}
	inputsReply, err := s.exchange(conn, reqInputs)
	if err != nil {
		return ControllerStatus{}, err
	}
	posReply, err := s.exchange(conn, reqPosition)
	if err != nil {
		return ControllerStatus{}, err
	}

	word := DecodeStatus(statusReply)
	minActive, maxActive := DecodeInputs(inputsReply, s.cfg.MinSwitchInput, s.cfg.MaxSwitchInput)
	st := ControllerStatus{
		Moving:        !word.Ready,
		LimitMin:      minActive,
		LimitMax:      maxActive,
		PositionSteps: s.fromCounter(DecodePosition(posReply)),
		ErrorFlag:     word.PositionError,
		ZeroReached:   word.ZeroReached,
	}

	s.mu.Lock()
	s.ctrl = st
	s.mu.Unlock()
	return st, nil
}

func standstill(st ControllerStatus) (bool, error) { return !st.Moving, nil }

// await polls every PollInterval until done reports true. Every failure is
// handled before returning: a Stop yields ErrStopped, a cancelled ctx stops
// the axis, and a poll error, a done error or an exhausted budget stop the
// axis and put the stage into Error.
func (s *Stage) await(
	ctx context.Context,
	conn Transport,
	seq uint64,
	budget time.Duration,
	timeoutErr error,
	done func(ControllerStatus) (bool, error),
) (ControllerStatus, error) {
	deadline := time.Now().Add(budget)
	for {
		if !utils.SelectContextOrWait(ctx, s.cfg.PollInterval) {
			return ControllerStatus{}, s.interrupted(ctx, conn, seq)
		}
		if s.stoppedSince(seq) {
			return ControllerStatus{}, ErrStopped
		}
		st, err := s.poll(conn)
		if err != nil {
			if s.stoppedSince(seq) {
				return st, ErrStopped
			}
			return st, s.motionFault(conn, err)
		}
		finished, err := done(st)
		if err != nil {
			return st, s.abort(conn, seq, err)
		}
		if finished {
			return st, nil
		}
		if time.Now().After(deadline) {
			return st, s.abort(conn, seq, errors.Wrapf(timeoutErr, "no standstill after %s", budget))
		}
	}
}

func (s *Stage) stoppedSince(seq uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopSeq != seq
}

// interrupted handles a wait whose context ended. After a Stop there is
// nothing left to do; otherwise the caller gave up and the axis is halted here.
func (s *Stage) interrupted(ctx context.Context, conn Transport, seq uint64) error {
	if s.stoppedSince(seq) {
		return ErrStopped
	}
	_, err := s.exchange(conn, reqQuickStop)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.faultLocked(err)
		return errors.Wrap(err, "stop after cancellation")
	}
	if s.stopSeq == seq && s.motion.State.Moving() {
		if terr := s.transitionLocked(MotionState{State: StateIdle}); terr != nil {
			return terr
		}
	}
	return ctx.Err()
}

// abort sends exactly one stop and moves the stage to Error with cause.
func (s *Stage) abort(conn Transport, seq uint64, cause error) error {
	if s.stoppedSince(seq) {
		return ErrStopped
	}
	if _, err := s.exchange(conn, reqQuickStop); err != nil {
		s.logger.Errorf("stop after %v failed: %v", cause, err)
	}
	s.fault(cause)
	return cause
}

// motionFault escalates an exchange failure during motion. A garbled reply
// means the controller is still alive, so one stop is attempted first.
func (s *Stage) motionFault(conn Transport, err error) error {
	if errors.Is(err, ErrStopped) {
		return err
	}
	var perr *ProtocolError
	if errors.As(err, &perr) {
		if _, stopErr := s.exchange(conn, reqQuickStop); stopErr != nil {
			s.logger.Warnf("best-effort stop failed: %v", stopErr)
		}
	}
	s.fault(err)
	return err
}

// travelBudget allows twice the nominal travel time plus two seconds.
func travelBudget(steps, speed int) time.Duration {
	if steps < 0 {
		steps = -steps
	}
	if speed <= 0 {
		speed = 1
	}
	seconds := 2 * float64(steps) / float64(speed)
	return time.Duration(seconds*float64(time.Second)) + 2*time.Second
}
