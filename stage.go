package linear_stage

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
	"go.viam.com/rdk/operation"
)

// MaxSpeed is the fastest step rate the controller accepts, in steps/s.
const MaxSpeed = 16000

// Option customizes a Stage.
type Option func(*Stage)

// WithDialer replaces the serial port opener.
func WithDialer(d Dialer) Option {
	return func(s *Stage) { s.dial = d }
}

// WithPortLister replaces serial port enumeration.
func WithPortLister(l PortLister) Option {
	return func(s *Stage) { s.lister = l }
}

// Stage drives one linear stage. All methods are safe for concurrent use;
// Stop may be called from any goroutine while a blocking method waits.
type Stage struct {
	cfg    Config
	logger logging.Logger
	units  UnitConverter
	codec  Codec
	dial   Dialer
	lister PortLister
	opMgr  *operation.SingleOperationManager

	// ioMu serializes request/reply exchanges on conn.
	ioMu sync.Mutex

	mu          sync.Mutex
	conn        Transport
	port        string
	motion      MotionState
	referenced  bool
	ctrl        ControllerStatus
	ramp        RampMode
	appliedRamp RampMode
	speed       int
	warning     string
	lastErr     error
	// stopSeq increments on every Stop so an interrupted wait can tell
	// Stop apart from its own context being cancelled.
	stopSeq uint64
}

// NewStage validates cfg and returns a disconnected stage.
func NewStage(cfg Config, logger logging.Logger, opts ...Option) (*Stage, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stage config")
	}
	units, err := NewUnitConverter(cfg.StepsPerMM)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewLogger("linear_stage")
	}
	s := &Stage{
		cfg:    cfg,
		logger: logger,
		units:  units,
		codec:  Codec{Address: cfg.Address},
		dial:   DialSerial,
		lister: SystemPorts,
		opMgr:  operation.NewSingleOperationManager(),
		motion: MotionState{State: StateDisconnected},
		ramp:   cfg.RampMode,
		speed:  cfg.Speed,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Units returns the stage's millimeter/step converter.
func (s *Stage) Units() UnitConverter { return s.units }

// Connect attaches to the controller. From Disconnected it resolves and
// opens the port, checks the controller answers and applies the ramp
// profile. From Error it reopens the port, requires an acknowledged stop and
// clears a latched position error. Either way the stage ends Unreferenced.
func (s *Stage) Connect(ctx context.Context, portOverride string) error {
	s.mu.Lock()
	from := s.motion.State
	if from != StateDisconnected && from != StateError {
		s.mu.Unlock()
		return errors.Wrapf(ErrInvalidState, "connect while %s", from)
	}
	old := s.conn
	s.conn = nil
	ramp := s.ramp
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debugf("closing previous connection: %v", err)
		}
	}

	override := portOverride
	if override == "" {
		override = s.cfg.Port
	}
	port, err := NewResolver(s.lister, s.cfg.Signatures, s.logger).Resolve(override)
	if err != nil {
		return err
	}

	conn, err := s.dial(SerialConfig{
		Port:     port,
		BaudRate: s.cfg.BaudRate,
		Timeout:  s.cfg.IOTimeout,
		Debug:    s.cfg.Debug,
		Logger:   s.logger.Sublogger("serial"),
	})
	if err != nil {
		return err
	}
	ok := false
	defer func() {
		if !ok {
			conn.Close()
		}
	}()

	s.ioMu.Lock()
	err = CheckAlive(conn, s.codec.Encode(reqStatus), s.cfg.IOTimeout)
	s.ioMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "no controller answering on %s", port)
	}

	if from == StateError {
		if _, err := s.exchange(conn, reqQuickStop); err != nil {
			return errors.Wrap(err, "controller did not acknowledge stop")
		}
	}

	if err := s.checkMicrosteps(conn); err != nil {
		return err
	}

	st, err := s.poll(conn)
	if err != nil {
		return err
	}
	if st.ErrorFlag {
		s.logger.Warnf("clearing latched position error at %d steps", st.PositionSteps)
		if _, err := s.exchange(conn, reqSetPosition(s.toCounter(st.PositionSteps))); err != nil {
			return errors.Wrap(err, "clear position error")
		}
	}

	if err := s.send(conn, ramp.Profile().requests()); err != nil {
		return errors.Wrap(err, "apply ramp profile")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = conn
	s.port = port
	s.appliedRamp = ramp
	s.lastErr = nil
	s.warning = ""
	if err := s.transitionLocked(MotionState{State: StateUnreferenced}); err != nil {
		s.conn = nil
		return err
	}
	ok = true
	s.logger.Infof("connected to controller %d on %s", s.cfg.Address, port)
	return nil
}

func (s *Stage) checkMicrosteps(conn Transport) error {
	reply, err := s.exchange(conn, reqMicrosteps)
	if errors.Is(err, ErrHardware) {
		s.logger.Warnf("controller refused microstep query: %v", err)
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "read microsteps")
	}
	if got := DecodeInt(reply); s.cfg.Microsteps != 0 && got != s.cfg.Microsteps {
		s.logger.Warnf("controller runs %d microsteps, configuration expects %d; distances will be off", got, s.cfg.Microsteps)
	}
	return nil
}

// Disconnect stops any motion, closes the port and forgets the reference.
// Disconnecting twice is not an error.
func (s *Stage) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.motion.State == StateDisconnected {
		s.mu.Unlock()
		return nil
	}
	conn := s.conn
	moving := s.motion.State.Moving()
	s.stopSeq++
	s.mu.Unlock()

	s.opMgr.CancelRunning(ctx)

	if moving && conn != nil {
		if _, err := s.exchange(conn, reqQuickStop); err != nil {
			s.logger.Warnf("stop before disconnect failed: %v", err)
		}
	}
	var closeErr error
	if conn != nil {
		closeErr = conn.Close()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn = nil
	if err := s.transitionLocked(MotionState{State: StateDisconnected}); err != nil {
		return err
	}
	s.logger.Infof("disconnected from %s", s.port)
	return closeErr
}

// Stop halts the axis immediately. It interrupts any waiting Reference,
// MoveTo or SoftStop, which then return ErrStopped.
func (s *Stage) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.motion.State == StateDisconnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.stopSeq++
	conn := s.conn
	s.mu.Unlock()

	s.opMgr.CancelRunning(ctx)

	_, err := s.exchange(conn, reqQuickStop)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.faultLocked(err)
		return errors.Wrap(err, "stop")
	}
	if s.motion.State == StateError || s.motion.State == StateDisconnected {
		return nil
	}
	return s.transitionLocked(MotionState{State: StateIdle})
}

// SoftStop brakes along the configured deceleration ramp and waits for
// standstill.
func (s *Stage) SoftStop(ctx context.Context) error {
	s.mu.Lock()
	if s.motion.State == StateDisconnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	s.stopSeq++
	seq := s.stopSeq
	conn := s.conn
	moving := s.motion.State.Moving()
	speed := s.speed
	s.mu.Unlock()

	s.opMgr.CancelRunning(ctx)

	if _, err := s.exchange(conn, reqRampStop); err != nil {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.faultLocked(err)
		return errors.Wrap(err, "soft stop")
	}

	if moving {
		ctx, done := s.opMgr.New(ctx)
		defer done()
		decel := s.rampSnapshot().Profile().Decel
		budget := travelBudget(speed, decel)
		if _, err := s.await(ctx, conn, seq, budget, ErrMotionTimeout, standstill); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopSeq != seq {
		return ErrStopped
	}
	if s.motion.State == StateError {
		return nil
	}
	return s.transitionLocked(MotionState{State: StateIdle})
}

// Jog starts continuous motion in dir. It refuses when the limit switch
// ahead is already active. The motion continues until Stop, or until
// Refresh sees a limit.
func (s *Stage) Jog(ctx context.Context, dir Direction) error {
	if dir != DirPositive && dir != DirNegative {
		return errors.Errorf("invalid jog direction %d", dir)
	}

	s.mu.Lock()
	if err := s.requireStationaryLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	conn := s.conn
	referenced := s.referenced
	seq := s.stopSeq
	s.mu.Unlock()

	st, err := s.poll(conn)
	if err != nil {
		s.fault(err)
		return err
	}
	if st.switchAhead(dir) {
		return errors.Wrapf(ErrLimitSwitch, "cannot jog %s", dir)
	}
	if referenced && !s.insideTowards(st.PositionSteps, dir) {
		return errors.Wrapf(ErrOutOfRange, "at %d steps, cannot jog %s", st.PositionSteps, dir)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.stopSeq != seq {
		s.mu.Unlock()
		return ErrStopped
	}
	if err := s.transitionLocked(MotionState{State: StateJogging, Direction: dir}); err != nil {
		s.mu.Unlock()
		return err
	}
	cmd := MotionCommand{Kind: CmdJog, CounterUp: s.counterUp(dir), Speed: s.speed, Ramp: s.takeRampLocked()}
	s.mu.Unlock()

	if err := s.sendMotion(conn, seq, Expand(cmd)); err != nil {
		return s.motionFault(conn, err)
	}
	s.logger.Debugf("jogging %s at %d steps/s", dir, cmd.Speed)
	return nil
}

// SetRampMode selects the acceleration profile. It is written immediately
// when the stage is connected and stationary, otherwise before the next
// motion command.
func (s *Stage) SetRampMode(ctx context.Context, mode RampMode) error {
	mode, err := ParseRampMode(string(mode))
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.ramp = mode
	conn := s.conn
	apply := conn != nil && (s.motion.State == StateIdle || s.motion.State == StateUnreferenced)
	if apply {
		s.appliedRamp = mode
	}
	s.mu.Unlock()

	if !apply {
		return nil
	}
	if err := s.send(conn, Expand(MotionCommand{Kind: CmdSetRampMode, Ramp: mode})); err != nil {
		s.fault(err)
		return errors.Wrap(err, "set ramp mode")
	}
	s.logger.Infof("ramp mode set to %s", mode)
	return nil
}

// SetSpeed sets the travel speed used by Jog, MoveTo and MoveBy.
func (s *Stage) SetSpeed(mmPerSec float64) error {
	steps, err := s.units.SpeedToSteps(mmPerSec)
	if err != nil {
		return err
	}
	if mmPerSec <= 0 || steps > MaxSpeed {
		return errors.Errorf("speed %.3f mm/s outside (0, %.3f]", mmPerSec, s.units.ToMM(MaxSpeed))
	}
	s.mu.Lock()
	s.speed = steps
	s.mu.Unlock()
	return nil
}

// Status returns the cached state without touching the controller.
func (s *Stage) Status() StageStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Stage) statusLocked() StageStatus {
	return StageStatus{
		State:         s.motion.State,
		Direction:     s.motion.Direction,
		TargetSteps:   s.motion.TargetSteps,
		PositionSteps: s.ctrl.PositionSteps,
		PositionMM:    s.units.ToMM(s.ctrl.PositionSteps),
		Referenced:    s.referenced,
		Ramp:          s.ramp,
		Port:          s.port,
		LimitMin:      s.ctrl.LimitMin,
		LimitMax:      s.ctrl.LimitMax,
		Warning:       s.warning,
		Err:           s.lastErr,
	}
}

// Refresh polls the controller once and updates the cached status. While
// jogging it stops the axis at the limit switch ahead or, once referenced,
// at the end of the travel range.
func (s *Stage) Refresh(ctx context.Context) (StageStatus, error) {
	s.mu.Lock()
	if s.motion.State == StateDisconnected {
		s.mu.Unlock()
		return s.Status(), ErrNotConnected
	}
	conn := s.conn
	motion := s.motion
	seq := s.stopSeq
	s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return s.Status(), err
	}

	st, err := s.poll(conn)
	if err != nil {
		if motion.State.Moving() {
			return s.Status(), s.motionFault(conn, err)
		}
		s.fault(err)
		return s.Status(), err
	}

	switch motion.State {
	case StateJogging:
		if err := s.superviseJog(conn, seq, motion.Direction, st); err != nil {
			return s.Status(), err
		}
	case StateIdle, StateUnreferenced:
		if st.ErrorFlag {
			err := errors.Wrap(ErrHardware, "position error flagged")
			s.fault(err)
			return s.Status(), err
		}
	}
	return s.Status(), nil
}

func (s *Stage) superviseJog(conn Transport, seq uint64, dir Direction, st ControllerStatus) error {
	s.mu.Lock()
	referenced := s.referenced
	s.mu.Unlock()

	reason := ""
	switch {
	case st.switchAhead(dir):
		reason = "limit switch"
	case referenced && !s.insideTowards(st.PositionSteps, dir):
		reason = "end of travel"
	}

	if reason != "" {
		if _, err := s.exchange(conn, reqQuickStop); err != nil {
			s.fault(err)
			return errors.Wrap(err, "stop jog")
		}
		s.logger.Infof("jog %s stopped at %s, %d steps", dir, reason, st.PositionSteps)
	} else if st.Moving {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopSeq != seq || s.motion.State != StateJogging {
		return nil
	}
	if st.ErrorFlag {
		err := errors.Wrap(ErrHardware, "position error flagged while jogging")
		s.faultLocked(err)
		return err
	}
	return s.transitionLocked(MotionState{State: StateIdle})
}

// transitionLocked is the only place the motion state changes.
func (s *Stage) transitionLocked(next MotionState) error {
	from := s.motion.State
	if from != next.State && !transitionAllowed(from, next.State) {
		return errors.Wrapf(ErrInvalidState, "%s -> %s", from, next.State)
	}
	switch next.State {
	case StateDisconnected, StateError, StateUnreferenced, StateReferencing:
		s.referenced = false
	}
	if from != next.State {
		s.logger.Debugf("state %s -> %s", from, next.State)
	}
	s.motion = next
	return nil
}

// completeReferenceLocked is the successful Referencing -> Idle transition.
func (s *Stage) completeReferenceLocked(position int) error {
	if s.motion.State != StateReferencing {
		return errors.Wrapf(ErrInvalidState, "reference completed while %s", s.motion.State)
	}
	if err := s.transitionLocked(MotionState{State: StateIdle}); err != nil {
		return err
	}
	s.referenced = true
	s.ctrl.PositionSteps = position
	return nil
}

func (s *Stage) fault(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faultLocked(err)
}

// faultLocked moves the stage to Error and records why.
func (s *Stage) faultLocked(err error) {
	if s.motion.State == StateDisconnected {
		return
	}
	if s.motion.State != StateError {
		s.logger.Errorf("stage fault while %s: %v", s.motion.State, err)
	}
	s.lastErr = err
	_ = s.transitionLocked(MotionState{State: StateError})
}

func (s *Stage) requireStationaryLocked() error {
	switch s.motion.State {
	case StateDisconnected:
		return ErrNotConnected
	case StateIdle, StateUnreferenced:
		return nil
	}
	return errors.Wrapf(ErrInvalidState, "stage is %s", s.motion.State)
}

// takeRampLocked returns the ramp mode to write before the next motion, or
// "" when the controller already has it.
func (s *Stage) takeRampLocked() RampMode {
	if s.ramp == s.appliedRamp {
		return ""
	}
	s.appliedRamp = s.ramp
	return s.ramp
}

func (s *Stage) rampSnapshot() RampMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ramp
}

// counterUp maps a stage direction to the controller's direction bit.
func (s *Stage) counterUp(d Direction) bool {
	return (d == DirPositive) != s.cfg.InvertDirection
}

func (s *Stage) sign() int {
	if s.cfg.InvertDirection {
		return -1
	}
	return 1
}

func (s *Stage) toCounter(steps int) int   { return steps * s.sign() }
func (s *Stage) fromCounter(counter int) int { return counter * s.sign() }

// insideTowards reports whether moving from pos in dir stays within the travel range.
func (s *Stage) insideTowards(pos int, dir Direction) bool {
	if dir == DirPositive {
		return pos < s.cfg.MaxTravelSteps
	}
	return pos > 0
}
