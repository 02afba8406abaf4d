package linear_stage

import (
	"sort"
	"strings"

	"github.com/pkg/errors"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
)

// PortAuto asks the resolver to pick the controller's port itself.
const PortAuto = "auto"

// DeviceSignature identifies the controller's USB serial adapter. Empty
// fields match anything; Product is a case-insensitive substring.
type DeviceSignature struct {
	VID     string `json:"vid,omitempty" yaml:"vid,omitempty"`
	PID     string `json:"pid,omitempty" yaml:"pid,omitempty"`
	Product string `json:"product,omitempty" yaml:"product,omitempty"`
}

func DefaultSignatures() []DeviceSignature {
	return []DeviceSignature{{Product: "Nanotec"}}
}

func (s DeviceSignature) empty() bool {
	return s.VID == "" && s.PID == "" && s.Product == ""
}

// Matches reports whether the enumerated port carries this signature.
func (s DeviceSignature) Matches(p *enumerator.PortDetails) bool {
	if s.empty() || p == nil || !p.IsUSB {
		return false
	}
	if s.VID != "" && !strings.EqualFold(s.VID, p.VID) {
		return false
	}
	if s.PID != "" && !strings.EqualFold(s.PID, p.PID) {
		return false
	}
	if s.Product != "" && !strings.Contains(strings.ToLower(p.Product), strings.ToLower(s.Product)) {
		return false
	}
	return true
}

// PortLister enumerates serial ports.
type PortLister interface {
	ListPorts() ([]*enumerator.PortDetails, error)
}

type systemPorts struct{}

func (systemPorts) ListPorts() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// SystemPorts lists the ports the operating system reports.
var SystemPorts PortLister = systemPorts{}

// Resolver picks the serial port the controller is attached to.
type Resolver struct {
	lister     PortLister
	signatures []DeviceSignature
	logger     logging.Logger
}

func NewResolver(lister PortLister, signatures []DeviceSignature, logger logging.Logger) *Resolver {
	if lister == nil {
		lister = SystemPorts
	}
	if len(signatures) == 0 {
		signatures = DefaultSignatures()
	}
	if logger == nil {
		logger = logging.NewLogger("resolver")
	}
	return &Resolver{lister: lister, signatures: signatures, logger: logger}
}

// Resolve returns override verbatim unless it is empty or "auto". Otherwise
// exactly one enumerated port must match a signature.
func (r *Resolver) Resolve(override string) (string, error) {
	if override != "" && !strings.EqualFold(override, PortAuto) {
		return override, nil
	}

	ports, err := r.lister.ListPorts()
	if err != nil {
		return "", errors.Wrap(err, "enumerate serial ports")
	}
	r.logger.Debugf("found %d serial ports", len(ports))

	var candidates []string
	for _, p := range ports {
		if r.matches(p) {
			candidates = append(candidates, p.Name)
		}
	}
	sort.Strings(candidates)

	switch len(candidates) {
	case 0:
		return "", &ResolveError{Kind: ResolveNoneFound}
	case 1:
		r.logger.Infof("found stepper controller on %s", candidates[0])
		return candidates[0], nil
	default:
		return "", &ResolveError{Kind: ResolveAmbiguous, Candidates: candidates}
	}
}

func (r *Resolver) matches(p *enumerator.PortDetails) bool {
	for _, sig := range r.signatures {
		if sig.Matches(p) {
			return true
		}
	}
	return false
}
