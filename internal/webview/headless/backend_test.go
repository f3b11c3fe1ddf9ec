package headless

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/peerwatch/internal/config"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *recorder) handler(pages map[string]string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		r.mu.Lock()
		r.paths = append(r.paths, req.URL.Path)
		r.mu.Unlock()
		body, ok := pages[req.URL.Path]
		if !ok {
			http.NotFound(w, req)
			return
		}
		if req.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		}
		_, _ = io.WriteString(w, body)
	})
}

func (r *recorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.paths...)
}

func TestLoadFetchesSameOriginSubresources(t *testing.T) {
	rec := &recorder{}
	srv := httptest.NewServer(rec.handler(map[string]string{
		"/": `<html><head><link rel="stylesheet" href="/style.css"><script src="app.js"></script></head>
<body><img src="https://elsewhere.invalid/x.png"><img src="/logo.png"/></body></html>`,
		"/style.css": "body{}",
		"/app.js":    "1",
		"/logo.png":  "png",
	}))
	defer srv.Close()

	b := New(config.BrowserConfig{}, zaptest.NewLogger(t))
	view, err := b.CreateView(context.Background(), "v1")
	require.NoError(t, err)

	require.NoError(t, view.Load(context.Background(), srv.URL+"/"))
	assert.ElementsMatch(t, []string{"/", "/style.css", "/app.js", "/logo.png"}, rec.seen())

	require.NoError(t, view.Destroy(context.Background()))
	assert.Equal(t, 0, b.Live())
}

func TestLoadReportsHTTPErrors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	b := New(config.BrowserConfig{}, zaptest.NewLogger(t))
	view, err := b.CreateView(context.Background(), "v1")
	require.NoError(t, err)
	defer view.Destroy(context.Background())

	assert.Error(t, view.Load(context.Background(), srv.URL+"/missing"))
}

func TestLoadRespectsContext(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	b := New(config.BrowserConfig{}, zaptest.NewLogger(t))
	view, err := b.CreateView(context.Background(), "v1")
	require.NoError(t, err)
	defer view.Destroy(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, view.Load(ctx, srv.URL), context.Canceled)
}

func TestDestroyTwiceFails(t *testing.T) {
	b := New(config.BrowserConfig{}, zaptest.NewLogger(t))
	view, err := b.CreateView(context.Background(), "v1")
	require.NoError(t, err)
	assert.Equal(t, 1, b.Live())

	require.NoError(t, view.Destroy(context.Background()))
	assert.ErrorIs(t, view.Destroy(context.Background()), ErrViewDestroyed)
	assert.ErrorIs(t, view.Load(context.Background(), "http://127.0.0.1:1/"), ErrViewDestroyed)
}

func TestCloseTerminatesLiveViews(t *testing.T) {
	b := New(config.BrowserConfig{}, zaptest.NewLogger(t))
	view, err := b.CreateView(context.Background(), "v1")
	require.NoError(t, err)

	require.NoError(t, b.Close(context.Background()))
	select {
	case <-view.Gone():
	default:
		t.Fatal("view not marked gone")
	}

	_, err = b.CreateView(context.Background(), "v2")
	assert.Error(t, err)
	require.NoError(t, view.Destroy(context.Background()))
}

func TestSubresources(t *testing.T) {
	refs := subresources([]byte(`<img src="a"><img src="b"><img src="c">`), 2)
	assert.Equal(t, []string{"a", "b"}, refs)
	assert.Empty(t, subresources([]byte(`<link rel="icon" href="x.ico"><p>text</p>`), 10))

	doc := []byte(`<html><head><link rel="Stylesheet" href="s.css"><script src="app.js"></script></head>` +
		`<body><iframe src="frame.html"></iframe><img alt="no source"></body></html>`)
	assert.Equal(t, []string{"s.css", "app.js", "frame.html"}, subresources(doc, 10))
	assert.Empty(t, subresources(nil, 10))
}
