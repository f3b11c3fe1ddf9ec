// Package registry counts host-managed objects that the Go garbage collector does
// not track: browser targets, native views, anything with an explicit destroy.
package registry

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
)

// HandleID identifies one registered native object. IDs are issued in
// increasing order starting at 1 and never reused.
type HandleID uint64

// Reclaimer completes deferred destruction work so that a snapshot reflects
// true reachability. Owners of asynchronous teardown queues implement it.
type Reclaimer interface {
	Reclaim(ctx context.Context) error
}

// ReclaimerFunc adapts a function to Reclaimer.
type ReclaimerFunc func(ctx context.Context) error

func (f ReclaimerFunc) Reclaim(ctx context.Context) error { return f(ctx) }

// Registry is a process-wide table of live native objects.
type Registry struct {
	cfg     config.RegistryConfig
	logger  *zap.Logger
	metrics *metrics

	mu    sync.Mutex
	last  HandleID
	live  map[HandleID]string
	kinds map[string]int

	reclaimMu  sync.Mutex
	reclaimers map[int]Reclaimer
	nextRecl   int
}

// New creates an empty registry.
func New(cfg config.RegistryConfig, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		cfg:        cfg,
		logger:     logger.Named("registry"),
		metrics:    newMetrics(),
		live:       make(map[HandleID]string),
		kinds:      make(map[string]int),
		reclaimers: make(map[int]Reclaimer),
	}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the process-wide registry. It is built on first use from
// the configuration installed with config.Set and the global zap logger.
func Default() *Registry {
	defaultOnce.Do(func() {
		defaultReg = New(config.Get().Registry, zap.L())
	})
	return defaultReg
}

// Register records a newly constructed native object of the given kind.
func (r *Registry) Register(kind string) HandleID {
	r.mu.Lock()
	r.last++
	id := r.last
	r.live[id] = kind
	r.kinds[kind]++
	r.mu.Unlock()

	r.metrics.allocated(kind)
	r.logger.Debug("Native object registered.", zap.Uint64("handle", uint64(id)), zap.String("kind", kind))
	return id
}

// Unregister records the destruction of a native object. A second call for the
// same handle fails with *DoubleFreeError, a handle that was never issued fails
// with *UnknownHandleError. Neither failure changes the count.
func (r *Registry) Unregister(id HandleID) error {
	r.mu.Lock()
	kind, ok := r.live[id]
	if !ok {
		issued := id > 0 && id <= r.last
		r.mu.Unlock()
		var err error
		if issued {
			err = &DoubleFreeError{ID: id}
			r.metrics.misuse("double_free")
		} else {
			err = &UnknownHandleError{ID: id}
			r.metrics.misuse("unknown_handle")
		}
		r.logger.Error("Native object registry misuse.", zap.Uint64("handle", uint64(id)), zap.Error(err))
		return err
	}
	delete(r.live, id)
	r.kinds[kind]--
	if r.kinds[kind] == 0 {
		delete(r.kinds, kind)
	}
	r.mu.Unlock()

	r.metrics.released(kind)
	r.logger.Debug("Native object unregistered.", zap.Uint64("handle", uint64(id)), zap.String("kind", kind))
	return nil
}

// Live returns the current count without forcing reclamation.
func (r *Registry) Live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.live)
}

// IsLive reports whether id is registered and not yet released.
func (r *Registry) IsLive(id HandleID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.live[id]
	return ok
}

// AddReclaimer registers rc to run on every forced reclamation pass and
// returns a function that removes it.
func (r *Registry) AddReclaimer(rc Reclaimer) (remove func()) {
	r.reclaimMu.Lock()
	key := r.nextRecl
	r.nextRecl++
	r.reclaimers[key] = rc
	r.reclaimMu.Unlock()

	return func() {
		r.reclaimMu.Lock()
		delete(r.reclaimers, key)
		r.reclaimMu.Unlock()
	}
}

// ForceCollect runs a full reclamation pass: garbage collection, a flush of
// queued runtime cleanups, then every registered Reclaimer.
func (r *Registry) ForceCollect(ctx context.Context) error {
	timeout := r.cfg.CollectTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cycles := r.cfg.GCCycles
	if cycles <= 0 {
		cycles = 1
	}
	for i := 0; i < cycles; i++ {
		runtime.GC()
		if err := flushCleanups(ctx); err != nil {
			return err
		}
	}

	r.reclaimMu.Lock()
	reclaimers := make([]Reclaimer, 0, len(r.reclaimers))
	for _, rc := range r.reclaimers {
		reclaimers = append(reclaimers, rc)
	}
	r.reclaimMu.Unlock()

	var errs error
	for _, rc := range reclaimers {
		errs = multierr.Append(errs, rc.Reclaim(ctx))
	}
	return errs
}

// SnapshotLiveCount forces reclamation and then returns the number of native
// objects constructed but not yet destroyed.
func (r *Registry) SnapshotLiveCount(ctx context.Context) (int, error) {
	if err := r.ForceCollect(ctx); err != nil {
		return r.Live(), err
	}
	return r.Live(), nil
}

// MemoryUsage is the diagnostics probe built on SnapshotLiveCount.
func (r *Registry) MemoryUsage(ctx context.Context) (schemas.MemoryUsage, error) {
	err := r.ForceCollect(ctx)

	r.mu.Lock()
	kinds := make(map[string]int, len(r.kinds))
	for k, n := range r.kinds {
		kinds[k] = n
	}
	objects := len(r.live)
	r.mu.Unlock()

	return schemas.MemoryUsage{
		NativeObjects: schemas.NativeObjects{Objects: objects, Kinds: kinds},
		CollectedAt:   time.Now().UTC(),
	}, err
}

// cleanupSentinel is too large for the tiny allocator, where its cleanup could
// be delayed by a neighbouring object.
type cleanupSentinel struct {
	_ [32]byte
}

// flushCleanups waits until a sentinel cleanup queued by one more GC cycle has
// run. Cleanups may execute in parallel, so callers that need a specific owner
// reclaimed poll the snapshot instead of relying on ordering.
func flushCleanups(ctx context.Context) error {
	done := make(chan struct{})
	runtime.AddCleanup(&cleanupSentinel{}, func(ch chan struct{}) { close(ch) }, done)
	runtime.GC()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ schemas.MemoryProbe = (*Registry)(nil)
