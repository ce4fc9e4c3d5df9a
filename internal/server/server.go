// Package server runs the file server: the request dispatcher on the main
// listener and, when metrics are enabled, an admin listener with metrics,
// usage stats and health.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/relaypoint/devserve/internal/config"
	"github.com/relaypoint/devserve/internal/files"
	"github.com/relaypoint/devserve/internal/health"
	"github.com/relaypoint/devserve/internal/mapping"
	"github.com/relaypoint/devserve/internal/metrics"
)

type Server struct {
	cfg        *config.Config
	logger     *slog.Logger
	dispatcher *Dispatcher
	metrics    *metrics.Metrics
	checker    *health.Checker

	mu       sync.Mutex
	server   *http.Server
	admin    *http.Server
	listener net.Listener
	adminLn  net.Listener
	onError  func(error)
	stopOnce sync.Once
}

// New builds a server from a normalized configuration and a compiled map.
func New(cfg *config.Config, entries []mapping.Entry, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	m := metrics.New(metrics.Config{
		LatencyBuckets: cfg.Metrics.LatencyBuckets,
	})
	engine := mapping.NewEngine(entries, logger)
	resolver := files.NewResolver(cfg.Folder, cfg.Index, cfg.HistoryPath, logger)

	targets := []health.Target{{Name: "folder", Path: cfg.Folder, Dir: true}}
	if cfg.HistoryPath != "" {
		targets = append(targets, health.Target{Name: "history", Path: cfg.HistoryPath})
	}
	if cfg.Map != "" {
		targets = append(targets, health.Target{Name: "map", Path: cfg.Map})
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		dispatcher: NewDispatcher(cfg, engine, resolver, m, logger),
		metrics:    m,
		checker:    health.NewChecker(targets, cfg.Metrics.HealthInterval, logger),
	}
}

// OnError registers fn to be called when a listener fails after Start. The
// server logs the error and stops.
func (s *Server) OnError(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onError = fn
}

// Handler returns the dispatcher.
func (s *Server) Handler() http.Handler {
	return s.dispatcher
}

// Metrics returns the server's metrics registry.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

// Start binds the listeners and serves in the background. Bind failures are
// returned directly.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return errors.New("server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return err
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:      s.dispatcher,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
		ErrorLog:     slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	if s.cfg.Metrics.Enabled {
		if err := s.startAdmin(); err != nil {
			_ = ln.Close()
			s.server = nil
			return err
		}
	}

	tls := s.cfg.Server.TLS
	s.serve("server", func() error {
		if tls.Enabled() {
			return s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		}
		return s.server.Serve(ln)
	})

	s.logger.Info("server listening", "address", ln.Addr().String(), "tls", tls.Enabled(), "folder", s.cfg.Folder)
	return nil
}

func (s *Server) startAdmin() error {
	ln, err := net.Listen("tcp", s.cfg.MetricsAddr())
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("GET "+s.cfg.Metrics.Path, s.metrics.Handler())
	mux.Handle("GET /stats", s.metrics.JSONHandler())
	mux.Handle("GET /health", s.checker.Handler())

	s.adminLn = ln
	s.admin = &http.Server{
		Handler:     mux,
		ReadTimeout: s.cfg.Server.ReadTimeout,
	}
	s.checker.Start()

	s.serve("admin server", func() error {
		return s.admin.Serve(ln)
	})

	s.logger.Info("admin server listening", "address", ln.Addr().String(), "metrics", s.cfg.Metrics.Path)
	return nil
}

func (s *Server) serve(name string, run func() error) {
	go func() {
		err := run()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return
		}

		s.logger.Error(name+" fails", "error", err)
		s.mu.Lock()
		fn := s.onError
		s.mu.Unlock()
		if fn != nil {
			fn(err)
		}
		s.stop()
	}()
}

// Addr is the bound address of the file server, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// AdminAddr is the bound address of the admin server, or "" when disabled.
func (s *Server) AdminAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adminLn == nil {
		return ""
	}
	return s.adminLn.Addr().String()
}

// Shutdown stops accepting connections and waits for in-flight requests
// until ctx is done.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, admin := s.server, s.admin
	s.mu.Unlock()

	if srv == nil {
		return nil
	}

	var errs []error
	if admin != nil {
		s.checker.Stop()
		if err := admin.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := srv.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	s.logger.Info("server stopped")
	return errors.Join(errs...)
}

func (s *Server) stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		srv, admin := s.server, s.admin
		s.mu.Unlock()

		if admin != nil {
			s.checker.Stop()
			_ = admin.Close()
		}
		_ = srv.Close()
		s.logger.Info("server stopped")
	})
}
