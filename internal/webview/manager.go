// Package webview owns native webview peers. A Manager opens windows through a
// Backend, accounts every peer in the native object registry and destroys
// peers on a dedicated teardown goroutine, so closing a window is
// asynchronous but observable through Window.Done and the close callback.
// Callbacks run on their own goroutine once the peer is gone.
package webview

import (
	"context"
	"fmt"
	"net/url"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/registry"
	"github.com/xkilldash9x/peerwatch/internal/scheduler"
)

// PeerKind is the registry kind under which window peers are counted.
const PeerKind = "webview"

const defaultTeardownTimeout = 10 * time.Second

// Manager creates windows and tears them down.
type Manager struct {
	backend  schemas.Backend
	registry *registry.Registry
	sched    *scheduler.Scheduler
	cfg      config.BrowserConfig
	logger   *zap.Logger
	metrics  *metrics

	mu     sync.Mutex
	peers  map[string]*peer
	closed bool

	queueMu sync.Mutex
	queue   []*peer
	stopped bool

	wake     chan struct{}
	flush    chan chan struct{}
	stop     chan struct{}
	loopDone chan struct{}
	watchers sync.WaitGroup

	// callbacks tracks close callbacks, which run off the teardown loop.
	callbacks sync.WaitGroup

	removeReclaimer func()
}

// NewManager starts the teardown loop and registers the manager as a registry
// reclaimer, so a snapshot waits for queued teardowns.
func NewManager(backend schemas.Backend, reg *registry.Registry, sched *scheduler.Scheduler, cfg config.BrowserConfig, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		backend:  backend,
		registry: reg,
		sched:    sched,
		cfg:      cfg,
		logger:   logger.Named("webview_manager").With(zap.String("backend", backend.Name())),
		metrics:  newMetrics(),
		peers:    make(map[string]*peer),
		wake:     make(chan struct{}, 1),
		flush:    make(chan chan struct{}),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
	}
	go m.loop()
	m.removeReclaimer = reg.AddReclaimer(m)
	m.logger.Debug("Webview manager started.")
	return m
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}
	return nil
}

// Open allocates a native view, registers its peer and starts loading rawURL
// in the background. The returned window is Open; load failures are logged
// and never change its state.
func (m *Manager) Open(ctx context.Context, rawURL string) (*Window, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, err
	}
	if m.isClosed() {
		return nil, ErrManagerClosed
	}

	id := uuid.NewString()
	view, err := m.backend.CreateView(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to create native view: %w", err)
	}

	loadCtx, loadCancel := context.WithCancel(context.Background())
	p := &peer{
		id:         id,
		view:       view,
		manager:    m,
		logger:     m.logger.With(zap.String("window_id", id)),
		done:       make(chan struct{}),
		loadCtx:    loadCtx,
		loadCancel: loadCancel,
		url:        rawURL,
		state:      schemas.WindowOpen,
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		loadCancel()
		m.destroyView(p)
		return nil, ErrManagerClosed
	}
	p.handle = m.registry.Register(PeerKind)
	m.peers[id] = p
	m.watchers.Add(1)
	m.mu.Unlock()

	go m.watch(p)

	w := &Window{p: p}
	runtime.AddCleanup(w, func(p *peer) {
		if p.requestClose(reasonCollected) {
			p.logger.Warn("Window was collected without Close.")
		}
	}, p)

	m.metrics.opened.Inc()
	m.metrics.open.Inc()
	p.logger.Info("Window opened.", zap.String("url", rawURL), zap.Uint64("handle", uint64(p.handle)))

	if err := m.load(ctx, p, rawURL, "open"); err != nil {
		p.logger.Warn("Initial load was not started.", zap.Error(err))
	}
	return w, nil
}

// load replaces the peer's in-flight load with a new one run as a scheduler
// task.
func (m *Manager) load(ctx context.Context, p *peer, rawURL, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	if p.state != schemas.WindowOpen {
		state := p.state
		p.mu.Unlock()
		err := &UseAfterCloseError{WindowID: p.id, Op: op, State: state}
		p.logger.Error("Window used after close.", zap.Error(err))
		return err
	}
	if p.inflight != nil {
		p.inflight()
	}
	var (
		lctx   context.Context
		cancel context.CancelFunc
	)
	if m.cfg.LoadTimeout > 0 {
		lctx, cancel = context.WithTimeout(p.loadCtx, m.cfg.LoadTimeout)
	} else {
		lctx, cancel = context.WithCancel(p.loadCtx)
	}
	p.inflight = cancel
	p.url = rawURL
	p.mu.Unlock()

	view, logger := p.view, p.logger
	err := m.sched.Spawn("load:"+p.id, func(ctx context.Context, y *scheduler.Yield) error {
		defer cancel()
		stop := context.AfterFunc(ctx, cancel)
		defer stop()

		err := y.Block(ctx, func() error {
			return view.Load(lctx, rawURL)
		})
		switch {
		case lctx.Err() != nil:
			logger.Debug("Content load cancelled.", zap.String("url", rawURL))
		case err != nil:
			logger.Warn("Content load failed.", zap.String("url", rawURL), zap.Error(err))
		default:
			logger.Debug("Content loaded.", zap.String("url", rawURL))
		}
		return nil
	})
	if err != nil {
		cancel()
		return fmt.Errorf("failed to schedule %s: %w", op, err)
	}
	return nil
}

// watch turns a native view that disappeared on its own into a normal teardown.
func (m *Manager) watch(p *peer) {
	defer m.watchers.Done()
	select {
	case <-p.view.Gone():
		if p.requestClose(reasonGone) {
			p.logger.Warn("Native view went away; tearing down window.")
		}
	case <-p.done:
	case <-m.stop:
	}
}

func (m *Manager) enqueue(p *peer) {
	m.queueMu.Lock()
	if m.stopped {
		m.queueMu.Unlock()
		m.teardown(p)
		return
	}
	m.queue = append(m.queue, p)
	m.queueMu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Manager) loop() {
	defer close(m.loopDone)
	for {
		select {
		case <-m.wake:
			m.drain()
		case ack := <-m.flush:
			m.drain()
			close(ack)
		case <-m.stop:
			m.queueMu.Lock()
			m.stopped = true
			m.queueMu.Unlock()
			m.drain()
			return
		}
	}
}

// drain tears down queued peers in batches of TeardownBatch until the queue is
// empty.
func (m *Manager) drain() {
	size := m.cfg.TeardownBatch
	if size <= 0 {
		size = 16
	}
	for {
		m.queueMu.Lock()
		n := min(len(m.queue), size)
		batch := append([]*peer(nil), m.queue[:n]...)
		m.queue = m.queue[n:]
		if len(m.queue) == 0 {
			m.queue = nil
		}
		m.queueMu.Unlock()

		if n == 0 {
			return
		}
		for _, p := range batch {
			m.teardown(p)
		}
		m.logger.Debug("Teardown batch complete.", zap.Int("windows", n))
	}
}

// teardown destroys the native view, releases the registry handle and starts
// the close callback. It runs at most once per peer.
func (m *Manager) teardown(p *peer) {
	p.mu.Lock()
	if p.state == schemas.WindowClosed {
		p.mu.Unlock()
		return
	}
	reason, requestedAt := p.reason, p.requestedAt
	p.mu.Unlock()

	p.loadCancel()
	m.destroyView(p)

	if err := m.registry.Unregister(p.handle); err != nil {
		p.logger.Error("Failed to release native peer.", zap.Error(err))
	}

	m.mu.Lock()
	delete(m.peers, p.id)
	m.mu.Unlock()

	p.mu.Lock()
	p.state = schemas.WindowClosed
	cb := p.callback
	p.callback = nil
	p.inflight = nil
	p.mu.Unlock()

	m.metrics.open.Dec()
	m.metrics.closed.WithLabelValues(reason).Inc()
	m.metrics.teardown.Observe(time.Since(requestedAt).Seconds())
	p.logger.Info("Window closed.", zap.String("reason", reason))

	if cb == nil {
		close(p.done)
		return
	}
	// The callback may snapshot the registry, which flushes this loop.
	m.callbacks.Add(1)
	go func() {
		defer m.callbacks.Done()
		defer close(p.done)
		m.invokeCallback(p, cb)
	}()
}

func (m *Manager) destroyView(p *peer) {
	timeout := m.cfg.TeardownTimeout
	if timeout <= 0 {
		timeout = defaultTeardownTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := p.view.Destroy(ctx); err != nil {
		p.logger.Warn("Native view destroy reported an error.", zap.Error(err))
	}
}

func (m *Manager) invokeCallback(p *peer, cb func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Close callback panicked.", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	cb()
}

// Reclaim waits until every teardown queued so far has released its peer.
// Close callbacks may still be running when it returns.
func (m *Manager) Reclaim(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case m.flush <- ack:
	case <-m.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of windows whose peer is alive.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.peers)
}

func (m *Manager) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Shutdown closes every open window, waits for their teardown, stops the
// teardown loop and closes the backend.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	peers := make([]*peer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()

	m.logger.Info("Shutting down webview manager.", zap.Int("open_windows", len(peers)))
	for _, p := range peers {
		p.requestClose(reasonShutdown)
	}

	var errs error
	for _, p := range peers {
		select {
		case <-p.done:
		case <-ctx.Done():
			errs = multierr.Append(errs, fmt.Errorf("window %s not torn down: %w", p.id, ctx.Err()))
		}
	}

	close(m.stop)
	select {
	case <-m.loopDone:
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for the teardown loop to stop.")
	}
	m.watchers.Wait()
	m.callbacks.Wait()
	m.removeReclaimer()

	if err := m.backend.Close(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("failed to close backend: %w", err))
	}
	m.logger.Info("Webview manager shutdown complete.")
	return errs
}
