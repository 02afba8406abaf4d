package linear_stage

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.viam.com/rdk/logging"
)

const (
	stReady    = 1
	stZero     = 2
	stPosError = 4
	stMoving   = 0

	minSwitch = 1 << DefaultMinSwitchInput
	maxSwitch = 1 << DefaultMaxSwitchInput
)

// step is what the controller reports for one status poll.
type step struct {
	status int
	inputs uint32
	pos    int
}

// fakeController answers the ASCII protocol like a controller on address 1.
// Once started, each status query advances through script; the last step
// repeats. A stop freezes the axis where it is.
type fakeController struct {
	mu         sync.Mutex
	addr       int
	cur        step
	script     []step
	running    bool
	microsteps int

	sent  []string
	reply []byte

	rejects map[string]bool
	drop    map[string]int
	garble  map[string]bool

	closed     bool
	closeCount int
	dials      int
	dialed     []string
}

func newFakeController() *fakeController {
	return &fakeController{
		addr:       1,
		cur:        step{status: stReady},
		microsteps: DefaultMicrosteps,
		rejects:    map[string]bool{},
		drop:       map[string]int{},
		garble:     map[string]bool{},
	}
}

func (f *fakeController) dial(cfg SerialConfig) (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = false
	f.dials++
	f.dialed = append(f.dialed, cfg.Port)
	return f, nil
}

func (f *fakeController) PortName() string { return "/dev/ttyFAKE" }

func (f *fakeController) Send(frame []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrDisconnected
	}
	addr := "#" + strconv.Itoa(f.addr)
	s := string(frame)
	if !strings.HasPrefix(s, addr) || !strings.HasSuffix(s, "\r") {
		f.reply = []byte("garbage\r")
		return nil
	}
	body := strings.TrimSuffix(strings.TrimPrefix(s, addr), "\r")
	f.sent = append(f.sent, body)

	if f.drop[body] > 0 {
		f.drop[body]--
		f.reply = nil
		return nil
	}
	if f.garble[body] {
		f.reply = []byte(strconv.Itoa(f.addr) + "#!\r")
		return nil
	}
	if f.rejects[body] {
		f.reply = []byte(strconv.Itoa(f.addr) + body + "?\r")
		return nil
	}

	prefix := strconv.Itoa(f.addr) + body
	switch body {
	case "$":
		if f.running && len(f.script) > 0 {
			f.cur = f.script[0]
			if len(f.script) > 1 {
				f.script = f.script[1:]
			}
		}
		f.reply = []byte(prefix + strconv.Itoa(f.cur.status) + "\r")
	case "Y":
		f.reply = []byte(prefix + strconv.FormatUint(uint64(f.cur.inputs), 10) + "\r")
	case "C":
		f.reply = []byte(prefix + strconv.Itoa(f.cur.pos) + "\r")
	case "Zg":
		f.reply = []byte(prefix + strconv.Itoa(f.microsteps) + "\r")
	default:
		f.command(body)
		f.reply = []byte(prefix + "\r")
	}
	return nil
}

func (f *fakeController) command(body string) {
	switch {
	case body == "A":
		f.running = true
		f.cur.status = stMoving
	case body == "S" || body == "S1":
		f.running = false
		f.script = nil
		f.cur.status = stReady
	case strings.HasPrefix(body, "D"):
		n, _ := strconv.Atoi(body[1:])
		f.cur.pos = n
		f.cur.status &^= stPosError
	}
}

func (f *fakeController) Receive(time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, ErrDisconnected
	}
	if f.reply == nil {
		return nil, ErrIOTimeout
	}
	r := f.reply
	f.reply = nil
	return r, nil
}

func (f *fakeController) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		f.closeCount++
	}
	return nil
}

func (f *fakeController) setScript(steps ...step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.script = steps
}

func (f *fakeController) set(st step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cur = st
}

func (f *fakeController) frames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeController) clearFrames() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = nil
}

func (f *fakeController) count(body string) int {
	n := 0
	for _, s := range f.frames() {
		if s == body {
			n++
		}
	}
	return n
}

func (f *fakeController) saw(body string) bool { return f.count(body) > 0 }

// commands returns the sent frames without status polling traffic.
func (f *fakeController) commands() []string {
	var out []string
	for _, s := range f.frames() {
		switch s {
		case "$", "Y", "C":
			continue
		}
		out = append(out, s)
	}
	return out
}

func testConfig() Config {
	return Config{
		Port:         "/dev/ttyFAKE",
		StepsPerMM:   1000,
		Microsteps:   DefaultMicrosteps,
		PollInterval: time.Millisecond,
		IOTimeout:    10 * time.Millisecond,
	}
}

func newTestStage(t *testing.T, fc *fakeController, mutate ...func(*Config)) *Stage {
	t.Helper()
	cfg := testConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := NewStage(cfg, logging.NewTestLogger(t), WithDialer(fc.dial))
	require.NoError(t, err)
	return s
}

func connectedStage(t *testing.T, fc *fakeController, mutate ...func(*Config)) *Stage {
	t.Helper()
	s := newTestStage(t, fc, mutate...)
	require.NoError(t, s.Connect(context.Background(), ""))
	fc.clearFrames()
	return s
}

// referencedStage returns an idle, referenced stage parked at pos steps.
func referencedStage(t *testing.T, fc *fakeController, pos int, mutate ...func(*Config)) *Stage {
	t.Helper()
	s := connectedStage(t, fc, mutate...)
	fc.set(step{status: stReady, pos: pos * s.sign()})
	s.mu.Lock()
	s.motion = MotionState{State: StateIdle}
	s.referenced = true
	s.ctrl.PositionSteps = pos
	s.mu.Unlock()
	return s
}
