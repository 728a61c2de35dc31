// Package server exposes the promoted index and archives over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"extmirror/internal/catalog"
	"extmirror/internal/layout"
	"extmirror/internal/metrics"
	"extmirror/internal/search"

	"github.com/gorilla/mux"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 10 * time.Second
	idleTimeout       = 2 * time.Minute
)

// Index answers catalog queries
type Index interface {
	Extensions(ctx context.Context, p search.ListParams) ([]catalog.Metadata, error)
	Updates(ctx context.Context, p search.UpdateParams) ([]catalog.Metadata, error)
	Versions(ctx context.Context, id string) ([]catalog.Metadata, error)
}

// Server serves the extension API
type Server struct {
	index   Index
	fs      afero.Fs
	layout  layout.Layout
	metrics *metrics.Collector
	logger  *zap.Logger
	srv     *http.Server
}

// Option customizes a Server
type Option func(*Server)

// WithFs sets the filesystem archives are read from
func WithFs(fs afero.Fs) Option {
	return func(s *Server) { s.fs = fs }
}

// WithMetrics records query metrics and exposes /metrics
func WithMetrics(c *metrics.Collector) Option {
	return func(s *Server) { s.metrics = c }
}

// New creates a server listening on addr
func New(addr string, l layout.Layout, index Index, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		index:  index,
		fs:     afero.NewOsFs(),
		layout: l,
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idleTimeout,
	}

	return s
}

// Handler returns the routed API
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.Handle("/extensions", s.query("list", s.handleList)).Methods(http.MethodGet)
	r.Handle("/extensions/updates", s.query("updates", s.handleUpdates)).Methods(http.MethodGet)
	r.Handle("/extensions/{id}", s.query("versions", s.handleVersions)).Methods(http.MethodGet)
	r.HandleFunc("/extensions/{id}/download", s.handleLatestDownload).Methods(http.MethodGet)
	r.HandleFunc("/extensions/{id}/{version}/download", s.handleDownload).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}

	r.Use(s.logRequests)
	return r
}

// ListenAndServe serves until Shutdown is called
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	return s.Serve(ln)
}

// Serve serves on ln until Shutdown is called
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("Start listen", zap.String("addr", ln.Addr().String()))

	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("Request served",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("duration", time.Since(started)),
		)
	})
}
