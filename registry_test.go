package linear_stage

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial/enumerator"
	"go.viam.com/rdk/logging"
)

func TestStageRegistry(t *testing.T) {
	ctx := context.Background()
	logger := logging.NewTestLogger(t)

	t.Run("same port shares one stage", func(t *testing.T) {
		fc := newFakeController()
		r := NewStageRegistry(WithDialer(fc.dial))

		a, err := r.Acquire(testConfig(), logger)
		require.NoError(t, err)
		b, err := r.Acquire(testConfig(), logger)
		require.NoError(t, err)
		assert.Same(t, a, b)
		assert.Equal(t, 2, r.RefCount("/dev/ttyFAKE"))
	})

	t.Run("last release disconnects", func(t *testing.T) {
		fc := newFakeController()
		r := NewStageRegistry(WithDialer(fc.dial))

		s, err := r.Acquire(testConfig(), logger)
		require.NoError(t, err)
		_, err = r.Acquire(testConfig(), logger)
		require.NoError(t, err)
		require.NoError(t, s.Connect(ctx, ""))

		require.NoError(t, r.Release(ctx, s))
		assert.Equal(t, StateUnreferenced, s.Status().State)
		assert.Equal(t, 0, fc.closeCount)

		require.NoError(t, r.Release(ctx, s))
		assert.Equal(t, StateDisconnected, s.Status().State)
		assert.Equal(t, 1, fc.closeCount)
		assert.Equal(t, 0, r.RefCount("/dev/ttyFAKE"))

		require.NoError(t, r.Release(ctx, s))
	})

	t.Run("release ignores foreign stages", func(t *testing.T) {
		r := NewStageRegistry(WithDialer(newFakeController().dial))
		_, err := r.Acquire(testConfig(), logger)
		require.NoError(t, err)

		stray := newTestStage(t, newFakeController())
		require.NoError(t, r.Release(ctx, stray))
		require.NoError(t, r.Release(ctx, nil))
		assert.Equal(t, 1, r.RefCount("/dev/ttyFAKE"))
	})

	t.Run("auto and explicit port share one stage", func(t *testing.T) {
		lister := &mockLister{}
		lister.On("ListPorts").Return([]*enumerator.PortDetails{
			usbPort("/dev/ttyACM0", "0403", "6001", "Nanotec SMCI33"),
			{Name: "/dev/ttyS0"},
		}, nil)
		fc := newFakeController()
		r := NewStageRegistry(WithDialer(fc.dial), WithPortLister(lister))

		auto := testConfig()
		auto.Port = PortAuto
		a, err := r.Acquire(auto, logger)
		require.NoError(t, err)

		explicit := testConfig()
		explicit.Port = "/dev/ttyACM0"
		b, err := r.Acquire(explicit, logger)
		require.NoError(t, err)

		assert.Same(t, a, b)
		assert.Equal(t, 2, r.RefCount("/dev/ttyACM0"))
		assert.Equal(t, 0, r.RefCount(PortAuto))

		require.NoError(t, a.Connect(ctx, ""))
		assert.Equal(t, []string{"/dev/ttyACM0"}, fc.dialed)

		require.NoError(t, r.Release(ctx, a))
		require.NoError(t, r.Release(ctx, b))
		assert.Equal(t, 0, r.RefCount("/dev/ttyACM0"))
		assert.Equal(t, 1, fc.closeCount)
	})

	t.Run("auto without a controller fails", func(t *testing.T) {
		lister := &mockLister{}
		lister.On("ListPorts").Return([]*enumerator.PortDetails{}, nil)
		r := NewStageRegistry(WithDialer(newFakeController().dial), WithPortLister(lister))

		cfg := testConfig()
		cfg.Port = PortAuto
		_, err := r.Acquire(cfg, logger)
		var rerr *ResolveError
		require.ErrorAs(t, err, &rerr)
		assert.Equal(t, ResolveNoneFound, rerr.Kind)
	})

	t.Run("conflicting config is refused", func(t *testing.T) {
		r := NewStageRegistry(WithDialer(newFakeController().dial))
		_, err := r.Acquire(testConfig(), logger)
		require.NoError(t, err)

		other := testConfig()
		other.StepsPerMM = 640
		_, err = r.Acquire(other, logger)
		assert.ErrorContains(t, err, "conflict")
		assert.Equal(t, 1, r.RefCount("/dev/ttyFAKE"))

		debug := testConfig()
		debug.Debug = true
		_, err = r.Acquire(debug, logger)
		assert.NoError(t, err)
	})

	t.Run("ports are independent", func(t *testing.T) {
		r := NewStageRegistry(WithDialer(newFakeController().dial))
		a, err := r.Acquire(testConfig(), logger)
		require.NoError(t, err)
		cfg := testConfig()
		cfg.Port = "/dev/ttyOTHER"
		b, err := r.Acquire(cfg, logger)
		require.NoError(t, err)
		assert.NotSame(t, a, b)
	})

	t.Run("invalid config", func(t *testing.T) {
		r := NewStageRegistry()
		cfg := testConfig()
		cfg.Address = 300
		_, err := r.Acquire(cfg, logger)
		assert.Error(t, err)
		assert.Equal(t, 0, r.RefCount("/dev/ttyFAKE"))
	})

	t.Run("concurrent acquire", func(t *testing.T) {
		r := NewStageRegistry(WithDialer(newFakeController().dial))
		var wg sync.WaitGroup
		stages := make([]*Stage, 10)
		for i := range stages {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := r.Acquire(testConfig(), logger)
				assert.NoError(t, err)
				stages[i] = s
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 10, r.RefCount("/dev/ttyFAKE"))
		for _, s := range stages[1:] {
			assert.Same(t, stages[0], s)
		}
	})
}
