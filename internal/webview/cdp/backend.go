// Package cdp is the Chrome DevTools Protocol webview backend. Every native
// view is a browser target created on a shared browser process.
package cdp

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/inspector"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
)

// Name is the backend identifier used in configuration.
const Name = "cdp"

const launchTimeout = 30 * time.Second

// Backend owns one browser process.
type Backend struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
	// controllerCtx executes browser-level commands.
	controllerCtx context.Context

	// createMu serializes target creation.
	createMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

// New launches the browser and verifies that it responds.
func New(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Backend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Backend{cfg: cfg, logger: logger.Named("cdp")}

	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), AllocatorOptions(cfg)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx,
		chromedp.WithLogf(b.logger.Sugar().Debugf),
		chromedp.WithErrorf(b.logger.Sugar().Warnf),
	)

	launchCtx, cancelLaunch := context.WithTimeout(ctx, launchTimeout)
	defer cancelLaunch()
	started := make(chan error, 1)
	go func() { started <- chromedp.Run(browserCtx) }()
	select {
	case err := <-started:
		if err != nil {
			browserCancel()
			allocCancel()
			return nil, fmt.Errorf("browser failed to start: %w", err)
		}
	case <-launchCtx.Done():
		browserCancel()
		allocCancel()
		return nil, fmt.Errorf("browser failed to start: %w", launchCtx.Err())
	}

	b.allocCancel = allocCancel
	b.browserCtx = browserCtx
	b.browserCancel = browserCancel
	b.controllerCtx = cdp.WithExecutor(browserCtx, chromedp.FromContext(browserCtx).Browser)
	b.logger.Info("Browser launched.", zap.Bool("headless", cfg.Headless))
	return b, nil
}

// AllocatorOptions assembles the exec allocator flags for cfg.
func AllocatorOptions(cfg config.BrowserConfig) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption(nil), chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("headless", cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", cfg.Headless),
	)
	if cfg.ExecPath != "" {
		opts = append(opts, chromedp.ExecPath(cfg.ExecPath))
	}

	for _, arg := range cfg.Args {
		parts := strings.SplitN(arg, "=", 2)
		name := strings.TrimPrefix(parts[0], "--")
		if len(parts) == 2 {
			opts = append(opts, chromedp.Flag(name, parts[1]))
		} else {
			opts = append(opts, chromedp.Flag(name, true))
		}
	}

	// Containers need these on Linux.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
	}
	return opts
}

func (b *Backend) Name() string { return Name }

// CreateView opens a blank target and attaches a session to it.
func (b *Backend) CreateView(ctx context.Context, id string) (schemas.NativeView, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, errors.New("cdp: backend closed")
	}

	b.createMu.Lock()
	defer b.createMu.Unlock()

	createCtx, cancel := context.WithTimeout(b.controllerCtx, launchTimeout)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	targetID, err := target.CreateTarget("about:blank").Do(createCtx)
	if err != nil {
		return nil, fmt.Errorf("cdp: failed to create target: %w", err)
	}

	tabCtx, tabCancel := chromedp.NewContext(b.browserCtx, chromedp.WithTargetID(targetID))
	v := &View{
		id:       id,
		targetID: targetID,
		backend:  b,
		ctx:      tabCtx,
		cancel:   tabCancel,
		gone:     make(chan struct{}),
		logger:   b.logger.With(zap.String("view_id", id), zap.String("target_id", string(targetID))),
	}
	chromedp.ListenTarget(tabCtx, v.listen)

	// Attach the session now so the first Load does not pay for it.
	if err := chromedp.Run(tabCtx); err != nil {
		tabCancel()
		b.closeTarget(targetID)
		return nil, fmt.Errorf("cdp: failed to attach to target: %w", err)
	}
	return v, nil
}

func (b *Backend) closeTarget(id target.ID) error {
	if b.controllerCtx.Err() != nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(b.controllerCtx, 5*time.Second)
	defer cancel()
	return target.CloseTarget(id).Do(ctx)
}

// Close terminates the browser process.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	err := chromedp.Cancel(b.browserCtx)
	b.browserCancel()
	b.allocCancel()
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("cdp: failed to close browser: %w", err)
	}
	b.logger.Info("Browser closed.")
	return nil
}

// View is one browser target.
type View struct {
	id       string
	targetID target.ID
	backend  *Backend
	ctx      context.Context
	cancel   context.CancelFunc
	logger   *zap.Logger

	gone     chan struct{}
	goneOnce sync.Once

	mu        sync.Mutex
	destroyed bool
}

func (v *View) listen(ev interface{}) {
	switch e := ev.(type) {
	case *inspector.EventTargetCrashed:
		v.logger.Warn("Target crashed.")
		v.markGone()
	case *inspector.EventDetached:
		v.logger.Debug("Target detached.", zap.String("reason", string(e.Reason)))
		v.markGone()
	}
}

func (v *View) markGone() {
	v.mu.Lock()
	destroyed := v.destroyed
	v.mu.Unlock()
	if destroyed {
		return
	}
	v.goneOnce.Do(func() { close(v.gone) })
}

// Load navigates the target and waits for the document to be ready.
func (v *View) Load(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lctx, cancel := context.WithCancel(v.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	if err := chromedp.Run(lctx, chromedp.Navigate(url), chromedp.WaitReady("body", chromedp.ByQuery)); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("cdp: navigation failed: %w", err)
	}
	return nil
}

// Gone is closed when the target crashes or is detached externally.
func (v *View) Gone() <-chan struct{} {
	return v.gone
}

// Destroy closes the target and its session.
func (v *View) Destroy(ctx context.Context) error {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return errors.New("cdp: view already destroyed")
	}
	v.destroyed = true
	v.mu.Unlock()

	defer v.cancel()
	if err := v.backend.closeTarget(v.targetID); err != nil {
		return fmt.Errorf("cdp: failed to close target: %w", err)
	}
	return nil
}

var _ schemas.Backend = (*Backend)(nil)
