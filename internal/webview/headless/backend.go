// Package headless is a pure Go webview backend. Each native view owns its own
// HTTP transport and loads a document plus its same-origin subresources, which
// is enough to drive a content server the way a real page load would.
package headless

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/peerwatch/api/schemas"
	"github.com/xkilldash9x/peerwatch/internal/config"
)

const (
	// Name is the backend identifier used in configuration.
	Name = "headless"

	userAgent       = "peerwatch-headless/1.0"
	maxDocumentSize = 4 << 20
	maxSubresources = 32
)

// ErrViewDestroyed is returned by Load on a destroyed view.
var ErrViewDestroyed = errors.New("headless: view destroyed")

// Backend allocates headless views.
type Backend struct {
	cfg    config.BrowserConfig
	logger *zap.Logger

	mu     sync.Mutex
	views  map[string]*View
	closed bool
}

// New creates a headless backend.
func New(cfg config.BrowserConfig, logger *zap.Logger) *Backend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		cfg:    cfg,
		logger: logger.Named("headless"),
		views:  make(map[string]*View),
	}
}

func (b *Backend) Name() string { return Name }

// CreateView allocates a view with a dedicated transport.
func (b *Backend) CreateView(ctx context.Context, id string) (schemas.NativeView, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("headless: backend closed")
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if b.cfg.IgnoreTLSErrors {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec
	}
	v := &View{
		id:        id,
		backend:   b,
		transport: transport,
		client:    &http.Client{Transport: transport},
		gone:      make(chan struct{}),
		logger:    b.logger.With(zap.String("view_id", id)),
	}
	b.views[id] = v
	return v, nil
}

// Live returns the number of views not yet destroyed.
func (b *Backend) Live() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.views)
}

// Close marks every remaining view as gone and refuses new ones.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	remaining := make([]*View, 0, len(b.views))
	for _, v := range b.views {
		remaining = append(remaining, v)
	}
	b.mu.Unlock()

	for _, v := range remaining {
		v.Terminate()
	}
	if len(remaining) > 0 {
		b.logger.Warn("Backend closed with live views.", zap.Int("views", len(remaining)))
	}
	return nil
}

func (b *Backend) forget(id string) {
	b.mu.Lock()
	delete(b.views, id)
	b.mu.Unlock()
}

// View is one headless native view.
type View struct {
	id        string
	backend   *Backend
	transport *http.Transport
	client    *http.Client
	logger    *zap.Logger

	gone     chan struct{}
	goneOnce sync.Once

	mu        sync.Mutex
	destroyed bool
}

// Load fetches rawURL and the same-origin subresources it references.
func (v *View) Load(ctx context.Context, rawURL string) error {
	v.mu.Lock()
	destroyed := v.destroyed
	v.mu.Unlock()
	if destroyed {
		return ErrViewDestroyed
	}

	base, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("headless: parse url: %w", err)
	}

	body, contentType, err := v.fetch(ctx, base.String())
	if err != nil {
		return err
	}
	if !strings.Contains(contentType, "html") {
		return nil
	}

	for _, ref := range subresources(body, maxSubresources) {
		u, err := base.Parse(ref)
		if err != nil || u.Host != base.Host || (u.Scheme != "http" && u.Scheme != "https") {
			continue
		}
		if _, _, err := v.fetch(ctx, u.String()); err != nil {
			v.logger.Debug("Subresource load failed.", zap.String("url", u.String()), zap.Error(err))
		}
	}
	return nil
}

func (v *View) fetch(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", fmt.Errorf("headless: build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := v.client.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("headless: get %s: %w", target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		return nil, "", fmt.Errorf("headless: read %s: %w", target, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return body, "", fmt.Errorf("headless: get %s: status %d", target, resp.StatusCode)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// subresources returns the src and stylesheet href attributes of a document.
func subresources(doc []byte, limit int) []string {
	var refs []string
	z := html.NewTokenizer(bytes.NewReader(doc))
	for len(refs) < limit {
		tt := z.Next()
		if tt == html.ErrorToken {
			return refs
		}
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			continue
		}
		tok := z.Token()
		switch tok.Data {
		case "img", "script", "iframe":
			if src := attr(tok, "src"); src != "" {
				refs = append(refs, src)
			}
		case "link":
			if strings.EqualFold(attr(tok, "rel"), "stylesheet") {
				if href := attr(tok, "href"); href != "" {
					refs = append(refs, href)
				}
			}
		}
	}
	return refs
}

func attr(tok html.Token, key string) string {
	for _, a := range tok.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// Gone is closed by Terminate.
func (v *View) Gone() <-chan struct{} {
	return v.gone
}

// Terminate simulates the native side disappearing on its own.
func (v *View) Terminate() {
	v.goneOnce.Do(func() {
		v.logger.Debug("View terminated.")
		close(v.gone)
	})
}

// Destroy releases the view's connections. A second call fails.
func (v *View) Destroy(ctx context.Context) error {
	v.mu.Lock()
	if v.destroyed {
		v.mu.Unlock()
		return ErrViewDestroyed
	}
	v.destroyed = true
	v.mu.Unlock()

	v.transport.CloseIdleConnections()
	v.backend.forget(v.id)
	return nil
}

var _ schemas.Backend = (*Backend)(nil)
