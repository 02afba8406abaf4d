package linear_stage

import (
	"os"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
	"go.viam.com/rdk/logging"
)

// Transport moves whole frames to and from one controller.
type Transport interface {
	// Send writes frame after discarding any unread input.
	Send(frame []byte) error
	// Receive returns bytes up to and including the frame terminator.
	Receive(timeout time.Duration) ([]byte, error)
	Close() error
	PortName() string
}

// SerialConfig holds what is needed to open the controller's serial port.
type SerialConfig struct {
	Port     string
	BaudRate int
	Timeout  time.Duration
	Debug    bool
	Logger   logging.Logger
}

// Dialer opens a Transport. The Stage takes one so tests can substitute a fake controller.
type Dialer func(cfg SerialConfig) (Transport, error)

// SerialTransport is a Transport over go.bug.st/serial.
type SerialTransport struct {
	mu       sync.Mutex
	port     serial.Port
	portName string
	timeout  time.Duration
	debug    bool
	logger   logging.Logger
	closed   bool
}

var openPort = serial.Open

// OpenSerial opens the port 8N1 and maps open failures to *ConnectionError.
func OpenSerial(cfg SerialConfig) (*SerialTransport, error) {
	if cfg.Port == "" {
		return nil, &ConnectionError{Kind: ConnectNotFound, Err: errors.New("serial port path is required")}
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultIOTimeout
	}

	mode := &serial.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := openPort(cfg.Port, mode)
	if err != nil {
		return nil, &ConnectionError{Port: cfg.Port, Kind: classifyOpenError(err), Err: err}
	}
	t := newSerialTransport(port, cfg)
	if err := port.SetReadTimeout(cfg.Timeout); err != nil {
		t.Close()
		return nil, &ConnectionError{Port: cfg.Port, Kind: ConnectOther, Err: errors.Wrap(err, "set read timeout")}
	}
	if t.logger != nil {
		t.logger.Infof("opened %s at %d baud", cfg.Port, cfg.BaudRate)
	}
	return t, nil
}

// DialSerial adapts OpenSerial to a Dialer.
func DialSerial(cfg SerialConfig) (Transport, error) {
	t, err := OpenSerial(cfg)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func newSerialTransport(port serial.Port, cfg SerialConfig) *SerialTransport {
	return &SerialTransport{
		port:     port,
		portName: cfg.Port,
		timeout:  cfg.Timeout,
		debug:    cfg.Debug,
		logger:   cfg.Logger,
	}
}

func classifyOpenError(err error) ConnectionErrorKind {
	var code serial.PortErrorCode
	var ptr *serial.PortError
	var val serial.PortError
	switch {
	case errors.As(err, &ptr):
		code = ptr.Code()
	case errors.As(err, &val):
		code = val.Code()
	case errors.Is(err, os.ErrNotExist):
		return ConnectNotFound
	case errors.Is(err, os.ErrPermission):
		return ConnectPermissionDenied
	default:
		return ConnectOther
	}
	switch code {
	case serial.PortNotFound, serial.InvalidSerialPort:
		return ConnectNotFound
	case serial.PortBusy:
		return ConnectBusy
	case serial.PermissionDenied:
		return ConnectPermissionDenied
	}
	return ConnectOther
}

func (t *SerialTransport) PortName() string { return t.portName }

func (t *SerialTransport) Send(frame []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrDisconnected
	}
	if err := t.port.ResetInputBuffer(); err != nil {
		return t.ioError(err, "reset input")
	}
	if t.debug && t.logger != nil {
		t.logger.Debugf("-> %q", frame)
	}
	for len(frame) > 0 {
		n, err := t.port.Write(frame)
		if err != nil {
			return t.ioError(err, "write")
		}
		frame = frame[n:]
	}
	return nil
}

// Receive accumulates bytes until the terminator or the deadline. A frame
// cut off by the deadline is returned as-is with a nil error; the codec
// rejects it.
func (t *SerialTransport) Receive(timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrDisconnected
	}
	if timeout <= 0 {
		timeout = t.timeout
	}

	deadline := time.Now().Add(timeout)
	var frame []byte
	buf := make([]byte, 64)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := t.port.SetReadTimeout(remaining); err != nil {
			return nil, t.ioError(err, "set read timeout")
		}
		n, err := t.port.Read(buf)
		if err != nil {
			return nil, t.ioError(err, "read")
		}
		if n == 0 {
			break
		}
		for _, b := range buf[:n] {
			frame = append(frame, b)
			if b == frameEnd {
				if t.debug && t.logger != nil {
					t.logger.Debugf("<- %q", frame)
				}
				return frame, nil
			}
		}
	}

	if len(frame) == 0 {
		return nil, ErrIOTimeout
	}
	if t.debug && t.logger != nil {
		t.logger.Debugf("<- %q (unterminated)", frame)
	}
	return frame, nil
}

// ioError treats any failure of an open port as loss of the device.
func (t *SerialTransport) ioError(err error, op string) error {
	return errors.Wrapf(ErrDisconnected, "%s %s: %v", op, t.portName, err)
}

// Close releases the port. Calling it again is a no-op.
func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	if err := t.port.Close(); err != nil {
		return errors.Wrapf(err, "close %s", t.portName)
	}
	return nil
}

// CheckAlive sends one frame and succeeds on any terminated reply.
func CheckAlive(t Transport, frame []byte, timeout time.Duration) error {
	if err := t.Send(frame); err != nil {
		return err
	}
	reply, err := t.Receive(timeout)
	if err != nil {
		return err
	}
	if len(reply) == 0 || reply[len(reply)-1] != frameEnd {
		return &ProtocolError{Frame: string(reply), Reason: "liveness reply not terminated"}
	}
	return nil
}
