package linear_stage

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
)

type mockLister struct {
	mock.Mock
}

func (m *mockLister) ListPorts() ([]*enumerator.PortDetails, error) {
	args := m.Called()
	ports, _ := args.Get(0).([]*enumerator.PortDetails)
	return ports, args.Error(1)
}

func usbPort(name, vid, pid, product string) *enumerator.PortDetails {
	return &enumerator.PortDetails{Name: name, IsUSB: true, VID: vid, PID: pid, Product: product}
}

func TestDeviceSignatureMatches(t *testing.T) {
	tests := []struct {
		name string
		sig  DeviceSignature
		port *enumerator.PortDetails
		want bool
	}{
		{"product substring", DeviceSignature{Product: "nanotec"}, usbPort("a", "", "", "Nanotec SMCI33"), true},
		{"vid and pid", DeviceSignature{VID: "0403", PID: "6001"}, usbPort("a", "0403", "6001", "FT232R"), true},
		{"vid case", DeviceSignature{VID: "10C4"}, usbPort("a", "10c4", "ea60", ""), true},
		{"pid differs", DeviceSignature{VID: "0403", PID: "6015"}, usbPort("a", "0403", "6001", ""), false},
		{"empty signature", DeviceSignature{}, usbPort("a", "0403", "6001", "x"), false},
		{"not usb", DeviceSignature{Product: "nanotec"}, &enumerator.PortDetails{Name: "/dev/ttyS0", Product: "Nanotec"}, false},
		{"nil port", DeviceSignature{Product: "nanotec"}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.sig.Matches(tt.port))
		})
	}
}

func TestResolve(t *testing.T) {
	logger := logging.NewTestLogger(t)
	nanotec := usbPort("/dev/ttyACM0", "0403", "6001", "Nanotec Stepper")
	other := usbPort("/dev/ttyUSB0", "2341", "0043", "Arduino Uno")

	t.Run("override is used verbatim", func(t *testing.T) {
		lister := &mockLister{}
		r := NewResolver(lister, nil, logger)
		port, err := r.Resolve("/dev/ttyUSB7")
		require.NoError(t, err)
		assert.Equal(t, "/dev/ttyUSB7", port)
		lister.AssertNotCalled(t, "ListPorts")
	})

	tests := []struct {
		name       string
		override   string
		ports      []*enumerator.PortDetails
		want       string
		kind       ResolveErrorKind
		candidates []string
	}{
		{name: "single match", ports: []*enumerator.PortDetails{other, nanotec}, want: "/dev/ttyACM0"},
		{name: "explicit auto", override: "AUTO", ports: []*enumerator.PortDetails{nanotec}, want: "/dev/ttyACM0"},
		{name: "none", ports: []*enumerator.PortDetails{other}, kind: ResolveNoneFound},
		{name: "empty system", ports: nil, kind: ResolveNoneFound},
		{
			name:       "several",
			ports:      []*enumerator.PortDetails{usbPort("/dev/ttyACM1", "", "", "Nanotec"), nanotec},
			kind:       ResolveAmbiguous,
			candidates: []string{"/dev/ttyACM0", "/dev/ttyACM1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lister := &mockLister{}
			lister.On("ListPorts").Return(tt.ports, nil)
			r := NewResolver(lister, nil, logger)

			port, err := r.Resolve(tt.override)
			lister.AssertExpectations(t)
			if tt.want != "" {
				require.NoError(t, err)
				assert.Equal(t, tt.want, port)
				return
			}
			var rerr *ResolveError
			require.ErrorAs(t, err, &rerr)
			assert.Equal(t, tt.kind, rerr.Kind)
			assert.Equal(t, tt.candidates, rerr.Candidates)
		})
	}

	t.Run("custom signatures", func(t *testing.T) {
		lister := &mockLister{}
		lister.On("ListPorts").Return([]*enumerator.PortDetails{other, nanotec}, nil)
		r := NewResolver(lister, []DeviceSignature{{VID: "2341"}}, logger)
		port, err := r.Resolve("")
		require.NoError(t, err)
		assert.Equal(t, "/dev/ttyUSB0", port)
	})

	t.Run("works without a logger", func(t *testing.T) {
		lister := &mockLister{}
		lister.On("ListPorts").Return([]*enumerator.PortDetails{nanotec}, nil)
		port, err := NewResolver(lister, nil, nil).Resolve(PortAuto)
		require.NoError(t, err)
		assert.Equal(t, "/dev/ttyACM0", port)

		empty := &mockLister{}
		empty.On("ListPorts").Return(nil, nil)
		_, err = NewResolver(empty, nil, nil).Resolve("")
		var rerr *ResolveError
		assert.ErrorAs(t, err, &rerr)
	})

	t.Run("enumeration failure", func(t *testing.T) {
		lister := &mockLister{}
		lister.On("ListPorts").Return(nil, errors.New("no sysfs"))
		_, err := NewResolver(lister, nil, logger).Resolve(PortAuto)
		assert.ErrorContains(t, err, "no sysfs")
	})
}
