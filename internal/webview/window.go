package webview

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/registry"
)

// Close causes recorded in metrics and logs.
const (
	reasonClose     = "close"
	reasonGone      = "gone"
	reasonCollected = "collected"
	reasonShutdown  = "shutdown"
)

// peer is the native half of a window. The manager holds peers, never
// windows, so a Window can become unreachable while its peer is still alive.
type peer struct {
	id      string
	handle  registry.HandleID
	view    schemas.NativeView
	manager *Manager
	logger  *zap.Logger
	done    chan struct{}

	// loadCtx is cancelled when teardown starts.
	loadCtx    context.Context
	loadCancel context.CancelFunc

	mu          sync.Mutex
	url         string
	state       schemas.WindowState
	callback    func()
	reason      string
	requestedAt time.Time
	inflight    context.CancelFunc
}

// requestClose moves an open peer to Closing and queues its teardown. It
// reports whether this call won the transition.
func (p *peer) requestClose(reason string) bool {
	p.mu.Lock()
	if p.state != schemas.WindowOpen {
		p.mu.Unlock()
		return false
	}
	p.state = schemas.WindowClosing
	p.reason = reason
	p.requestedAt = time.Now()
	p.mu.Unlock()

	p.logger.Debug("Window close requested.", zap.String("reason", reason))
	p.manager.enqueue(p)
	return true
}

func (p *peer) currentState() schemas.WindowState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Window is the user-facing handle of one native window. A Window that is
// dropped without Close is torn down after it is collected.
type Window struct {
	p *peer
}

// ID returns the window's unique identifier.
func (w *Window) ID() string {
	return w.p.id
}

// URL returns the most recently requested URL.
func (w *Window) URL() string {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.url
}

// State returns the current lifecycle state.
func (w *Window) State() schemas.WindowState {
	return w.p.currentState()
}

// OnClose registers the close callback, replacing any earlier registration.
// The callback runs once, on a goroutine of its own, after the window reached
// Closed and its peer left the registry. If the window is already Closed it
// runs immediately on the calling goroutine. A nil callback clears the slot.
//
// The callback may use the manager and the registry. It must not reference the
// Window itself, or the window can never be collected. It must not wait on
// this window's Done or Wait either: Done closes only after the callback
// returns.
func (w *Window) OnClose(cb func()) {
	p := w.p
	p.mu.Lock()
	if p.state == schemas.WindowClosed {
		p.mu.Unlock()
		if cb != nil {
			p.manager.invokeCallback(p, cb)
		}
		return
	}
	p.callback = cb
	p.mu.Unlock()
}

// Close requests asynchronous teardown and returns immediately. Calling it
// again, concurrently or after the window closed, has no effect. Use Done or
// Wait to observe completion.
func (w *Window) Close() {
	w.p.requestClose(reasonClose)
}

// Done is closed once the window is Closed and its close callback, if any,
// has returned.
func (w *Window) Done() <-chan struct{} {
	return w.p.done
}

// Wait blocks until the window is Closed or ctx is done.
func (w *Window) Wait(ctx context.Context) error {
	select {
	case <-w.p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Navigate starts loading rawURL, cancelling any load in flight. Like Open,
// it returns before the load completes and load failures are only logged.
func (w *Window) Navigate(ctx context.Context, rawURL string) error {
	if err := validateURL(rawURL); err != nil {
		return err
	}
	return w.p.manager.load(ctx, w.p, rawURL, "navigate")
}

// Reload reloads the current URL.
func (w *Window) Reload(ctx context.Context) error {
	return w.p.manager.load(ctx, w.p, w.URL(), "reload")
}
