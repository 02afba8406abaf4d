package linear_stage

import (
	"bytes"
	"math"
	"strconv"
	"strings"
)

// Frame terminator used in both directions.
const frameEnd = '\r'

// Limit switch behaviour for the reference run: back off the switch slowly
// in the opposite direction once it trips.
const referenceSwitchMask = 5154

// Request is one controller instruction: a mnemonic and its parameter text.
type Request struct {
	Cmd   string
	Param string
}

func (r Request) String() string { return r.Cmd + r.Param }

var (
	reqStatus     = Request{Cmd: "$"}
	reqPosition   = Request{Cmd: "C"}
	reqInputs     = Request{Cmd: "Y"}
	reqMicrosteps = Request{Cmd: "Zg"}
	reqQuickStop  = Request{Cmd: "S"}
	reqRampStop   = Request{Cmd: "S", Param: "1"}
	reqStart      = Request{Cmd: "A"}
)

func reqMode(mode int) Request         { return Request{Cmd: "p", Param: strconv.Itoa(mode)} }
func reqTarget(steps int) Request      { return Request{Cmd: "s", Param: strconv.Itoa(steps)} }
func reqSpeed(stepsPerSec int) Request { return Request{Cmd: "o", Param: strconv.Itoa(stepsPerSec)} }
func reqSetPosition(steps int) Request { return Request{Cmd: "D", Param: strconv.Itoa(steps)} }
func reqLimitBehaviour(m int) Request  { return Request{Cmd: "l", Param: strconv.Itoa(m)} }

func reqDirection(counterUp bool) Request {
	if counterUp {
		return Request{Cmd: "d", Param: "1"}
	}
	return Request{Cmd: "d", Param: "0"}
}

// signed renders n with an explicit sign, as the colon-prefixed parameters expect.
func signed(n int) string {
	if n < 0 {
		return strconv.Itoa(n)
	}
	return "+" + strconv.Itoa(n)
}

// Positioning modes.
const (
	modeAbsolute  = 2
	modeReference = 4
	modeSpeed     = 5
)

// valueRange bounds the numeric reply of each query mnemonic.
var valueRange = map[string][2]int64{
	"$":  {0, 255},
	"C":  {math.MinInt32, math.MaxInt32},
	"Y":  {0, math.MaxUint32},
	"Zg": {1, 255},
}

// IsQuery reports whether the mnemonic returns a value instead of echoing its parameter.
func (r Request) IsQuery() bool {
	_, ok := valueRange[r.Cmd]
	return ok && r.Param == ""
}

// CommandKind tags a MotionCommand.
type CommandKind int

const (
	CmdJog CommandKind = iota
	CmdStop
	CmdSoftStop
	CmdMoveAbsolute
	CmdReference
	CmdSetRampMode
)

func (k CommandKind) String() string {
	switch k {
	case CmdJog:
		return "jog"
	case CmdStop:
		return "stop"
	case CmdSoftStop:
		return "soft-stop"
	case CmdMoveAbsolute:
		return "move-absolute"
	case CmdReference:
		return "reference"
	case CmdSetRampMode:
		return "set-ramp-mode"
	}
	return "unknown"
}

// MotionCommand is a controller-level intent. Targets and directions are in
// controller counter space; the Stage maps stage coordinates onto them.
type MotionCommand struct {
	Kind CommandKind
	// CounterUp selects the direction that increases the controller's position counter.
	CounterUp   bool
	TargetSteps int
	Speed       int
	// Ramp, when set, is written before the motion starts.
	Ramp RampMode
}

// Expand returns the ordered request sequence for cmd.
func Expand(cmd MotionCommand) []Request {
	var reqs []Request
	if cmd.Ramp != "" {
		reqs = append(reqs, cmd.Ramp.Profile().requests()...)
	}
	switch cmd.Kind {
	case CmdJog:
		reqs = append(reqs, reqDirection(cmd.CounterUp), reqMode(modeSpeed), reqSpeed(cmd.Speed), reqStart)
	case CmdStop:
		reqs = append(reqs, reqQuickStop)
	case CmdSoftStop:
		reqs = append(reqs, reqRampStop)
	case CmdMoveAbsolute:
		reqs = append(reqs, reqMode(modeAbsolute), reqSpeed(cmd.Speed), reqTarget(cmd.TargetSteps), reqStart)
	case CmdReference:
		reqs = append(reqs,
			reqMode(modeReference),
			reqLimitBehaviour(referenceSwitchMask),
			reqDirection(cmd.CounterUp),
			reqSpeed(cmd.Speed),
			reqStart)
	case CmdSetRampMode:
		// The profile writes come from Ramp above; without a mode there is nothing to send.
	}
	return reqs
}

// Codec frames requests for one module address and validates replies.
type Codec struct {
	Address int
}

// Encode renders r as a request frame.
func (c Codec) Encode(r Request) []byte {
	var b bytes.Buffer
	b.WriteByte('#')
	b.WriteString(strconv.Itoa(c.Address))
	b.WriteString(r.Cmd)
	b.WriteString(r.Param)
	b.WriteByte(frameEnd)
	return b.Bytes()
}

// Reply is a decoded controller answer.
type Reply struct {
	Cmd      string
	Value    int64 // numeric payload of a query
	Rejected bool
}

func malformed(raw []byte, reason string) error {
	return &ProtocolError{Frame: string(raw), Reason: reason}
}

// Decode checks raw against the request that produced it. Any deviation
// from the expected shape yields a *ProtocolError.
func (c Codec) Decode(req Request, raw []byte) (Reply, error) {
	if len(raw) == 0 || raw[len(raw)-1] != frameEnd {
		return Reply{}, malformed(raw, "missing terminator")
	}
	body := string(raw[:len(raw)-1])
	addr := strconv.Itoa(c.Address)
	if !strings.HasPrefix(body, addr) {
		return Reply{}, malformed(raw, "wrong address")
	}
	body = body[len(addr):]
	if !strings.HasPrefix(body, req.Cmd) {
		return Reply{}, malformed(raw, "wrong echo")
	}
	rest := body[len(req.Cmd):]

	reply := Reply{Cmd: req.Cmd}
	if strings.HasSuffix(rest, "?") {
		reply.Rejected = true
		return reply, nil
	}

	if !req.IsQuery() {
		if !sameParam(rest, req.Param) {
			return Reply{}, malformed(raw, "parameter echo mismatch")
		}
		return reply, nil
	}

	if rest == "" {
		return Reply{}, malformed(raw, "missing value")
	}
	v, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return Reply{}, malformed(raw, "non-numeric value")
	}
	bounds := valueRange[req.Cmd]
	if v < bounds[0] || v > bounds[1] {
		return Reply{}, malformed(raw, "value out of range")
	}
	reply.Value = v
	return reply, nil
}

// sameParam compares echoed parameters, tolerating an explicit plus sign.
func sameParam(echo, sent string) bool {
	if echo == sent {
		return true
	}
	return strings.TrimPrefix(echo, "+") == strings.TrimPrefix(sent, "+")
}

// StatusWord is the decoded status byte.
type StatusWord struct {
	Ready         bool
	ZeroReached   bool
	PositionError bool
}

func DecodeStatus(r Reply) StatusWord {
	return StatusWord{
		Ready:         r.Value&0x1 != 0,
		ZeroReached:   r.Value&0x2 != 0,
		PositionError: r.Value&0x4 != 0,
	}
}

func DecodePosition(r Reply) int { return int(r.Value) }

// DecodeInputs reports whether the given input bits are set.
func DecodeInputs(r Reply, minBit, maxBit int) (minActive, maxActive bool) {
	mask := uint32(r.Value)
	return mask&(1<<uint(minBit)) != 0, mask&(1<<uint(maxBit)) != 0
}

func DecodeInt(r Reply) int { return int(r.Value) }
