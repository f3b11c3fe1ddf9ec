// Package testserver provides the local HTTP content source the lifecycle
// scenarios point their windows at. Every request is counted and the first one
// is published on a one-shot channel.
package testserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/net/netutil"

	"github.com/xkilldash9x/peerwatch/internal/config"
	"github.com/xkilldash9x/peerwatch/internal/scheduler"
)

// Server is a minimal HTTP server with request observation.
type Server struct {
	cfg      config.ServerConfig
	logger   *zap.Logger
	listener net.Listener
	httpSrv  *http.Server

	requests    atomic.Int64
	observed    chan struct{}
	observeOnce sync.Once
	running     atomic.Bool
}

// New binds the listening socket and prepares the server. A nil handler serves
// an empty 200 response for every path.
func New(cfg config.ServerConfig, handler http.Handler, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	host := cfg.Host
	if host == "" {
		host = "127.0.0.1"
	}
	addr := net.JoinHostPort(host, strconv.Itoa(cfg.ListenPort()))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	if cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, cfg.MaxConnections)
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger.Named("testserver").With(zap.String("addr", ln.Addr().String())),
		listener: ln,
		observed: make(chan struct{}),
	}

	if handler == nil {
		handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger(&logFormatter{logger: s.logger}))
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)
	r.Use(s.observe)
	r.Handle("/*", handler)

	s.httpSrv = &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s, nil
}

func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.requests.Add(1)
		s.observeOnce.Do(func() { close(s.observed) })
		s.logger.Debug("Request observed.", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Int64("count", n))
		next.ServeHTTP(w, r)
	})
}

// AsyncRun starts serving as a scheduler task and returns immediately. The
// task stops when the server is closed or the scheduler shuts down.
func (s *Server) AsyncRun(sched *scheduler.Scheduler) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("testserver: already running")
	}
	return sched.Spawn("testserver", func(ctx context.Context, y *scheduler.Yield) error {
		stop := context.AfterFunc(ctx, func() { _ = s.httpSrv.Close() })
		defer stop()

		s.logger.Info("Test server listening.", zap.String("url", s.URL()))
		return y.Block(ctx, func() error {
			if err := s.httpSrv.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("testserver: serve: %w", err)
			}
			return nil
		})
	})
}

// URL returns the base URL, including the trailing slash.
func (s *Server) URL() string {
	return "http://" + s.listener.Addr().String() + "/"
}

// Addr returns the bound address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Observed is closed as soon as the first request arrives, before it is
// handled.
func (s *Server) Observed() <-chan struct{} {
	return s.observed
}

// Requests returns the number of requests received so far.
func (s *Server) Requests() int64 {
	return s.requests.Load()
}

// Close gracefully stops the server.
func (s *Server) Close(ctx context.Context) error {
	err := s.httpSrv.Shutdown(ctx)
	// Serve may never have taken ownership of the listener.
	if cerr := s.listener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) && err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("testserver: shutdown: %w", err)
	}
	s.logger.Debug("Test server stopped.", zap.Int64("requests", s.requests.Load()))
	return nil
}

// logFormatter feeds chi's request logging, including recovered panics, into zap.
type logFormatter struct {
	logger *zap.Logger
}

func (f *logFormatter) NewLogEntry(r *http.Request) middleware.LogEntry {
	return &logEntry{logger: f.logger.With(
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.String("remote", r.RemoteAddr),
	)}
}

type logEntry struct {
	logger *zap.Logger
}

func (e *logEntry) Write(status, bytes int, _ http.Header, elapsed time.Duration, _ interface{}) {
	e.logger.Debug("Request served.", zap.Int("status", status), zap.Int("bytes", bytes), zap.Duration("elapsed", elapsed))
}

func (e *logEntry) Panic(v interface{}, stack []byte) {
	e.logger.Error("Handler panicked.", zap.Any("panic", v), zap.ByteString("stack", stack))
}
