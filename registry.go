package linear_stage

import (
	"context"
	"reflect"
	"sync"

	"github.com/pkg/errors"
	"go.viam.com/rdk/logging"
)

type registryEntry struct {
	stage    *Stage
	config   Config
	refCount int
}

// StageRegistry hands out one shared Stage per serial port, so several
// in-process users never open the same controller twice. Entries are keyed
// by the resolved port, so "auto" and the explicit path of the same device
// share a stage. The last Release disconnects it.
type StageRegistry struct {
	mu      sync.Mutex
	entries map[string]*registryEntry // resolved port -> entry
	opts    []Option
}

// NewStageRegistry returns an empty registry. opts are applied to every
// Stage it creates.
func NewStageRegistry(opts ...Option) *StageRegistry {
	return &StageRegistry{
		entries: make(map[string]*registryEntry),
		opts:    opts,
	}
}

// Acquire resolves cfg.Port and returns the Stage for that port, creating it
// on first use. A second caller must pass an equivalent configuration. The
// returned stage is pinned to the resolved port.
func (r *StageRegistry) Acquire(cfg Config, logger logging.Logger) (*Stage, error) {
	stage, err := NewStage(cfg, logger, r.opts...)
	if err != nil {
		return nil, err
	}
	port, err := NewResolver(stage.lister, stage.cfg.Signatures, stage.logger).Resolve(stage.cfg.Port)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[port]; ok {
		if !configsEqual(entry.config, stage.cfg) {
			return nil, errors.Errorf("conflict: stage on %s already in use with a different config (refCount: %d)",
				port, entry.refCount)
		}
		entry.refCount++
		return entry.stage, nil
	}

	stage.cfg.Port = port
	r.entries[port] = &registryEntry{stage: stage, config: stage.cfg, refCount: 1}
	stage.logger.Debugf("registered stage for port %s", port)
	return stage, nil
}

// Release drops one reference to stage and disconnects it when none
// remain. Releasing a stage the registry does not hold is a no-op.
func (r *StageRegistry) Release(ctx context.Context, stage *Stage) error {
	if stage == nil {
		return nil
	}
	port := stage.cfg.Port

	r.mu.Lock()
	entry, ok := r.entries[port]
	if !ok || entry.stage != stage {
		r.mu.Unlock()
		return nil
	}
	entry.refCount--
	if entry.refCount > 0 {
		r.mu.Unlock()
		return nil
	}
	delete(r.entries, port)
	r.mu.Unlock()

	if err := stage.Disconnect(ctx); err != nil {
		return errors.Wrapf(err, "disconnect stage on %s", port)
	}
	return nil
}

// RefCount reports how many users hold the stage on the resolved port.
func (r *StageRegistry) RefCount(port string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.entries[port]; ok {
		return entry.refCount
	}
	return 0
}

// configsEqual compares validated configs, ignoring how the port was named
// and the debug flag.
func configsEqual(a, b Config) bool {
	a.Port, b.Port = "", ""
	a.Debug, b.Debug = false, false
	return reflect.DeepEqual(a, b)
}
