// Package server provides the HTTP serving path for tile archives and
// the control endpoints for seed and cleanup jobs.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mapsmith/tile-cache/cleanup"
	"github.com/mapsmith/tile-cache/job"
	"github.com/mapsmith/tile-cache/seed"
	"github.com/mapsmith/tile-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// Targets maps target names to their archive configuration.
	Targets map[string]TargetConfig

	// StatusPath is the bbolt database recording job runs.
	StatusPath string

	// AuthToken protects the job control endpoints when set. Tile
	// serving stays public.
	AuthToken string

	// TileCacheSize bounds the in-process serve cache (entries).
	// Default: 4096.
	TileCacheSize int

	// TileCacheTTL caps how long a served tile may be reused from the
	// in-process cache. Default: 1 minute.
	TileCacheTTL time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server serves tiles and controls background jobs. Tile reads never
// take resource locks, so serving stays available while a job writes.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	targets   map[string]*targetHandle
	tileCache *lru.LRU[string, cachedTile]
	status    *job.StatusStore
	runner    *job.Runner
	seeder    *seed.Seeder
	cleaner   *cleanup.Cleaner
}

// New creates a new server with the given configuration.
func New(cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.StatusPath == "" {
		cfg.StatusPath = "./jobs.db"
	}
	if cfg.TileCacheSize == 0 {
		cfg.TileCacheSize = 4096
	}
	if cfg.TileCacheTTL == 0 {
		cfg.TileCacheTTL = time.Minute
	}

	for name, tc := range cfg.Targets {
		if err := tc.validate(); err != nil {
			return nil, fmt.Errorf("target %q: %w", name, err)
		}
	}

	status, err := job.OpenStatus(cfg.StatusPath, job.WithStatusLogger(cfg.Logger.With("component", "status")))
	if err != nil {
		return nil, fmt.Errorf("opening status store: %w", err)
	}

	// Anything still recorded as running died with a previous process.
	if n, err := status.MarkInterrupted(context.Background(), time.Now()); err != nil {
		_ = status.Close()
		return nil, fmt.Errorf("sweeping interrupted runs: %w", err)
	} else if n > 0 {
		cfg.Logger.Warn("marked interrupted runs as failed", "count", n)
	}

	targets := make(map[string]*targetHandle, len(cfg.Targets))
	for name, tc := range cfg.Targets {
		targets[name] = &targetHandle{
			name:   name,
			cfg:    tc,
			logger: cfg.Logger.With("target", name),
		}
	}

	s := &Server{
		config:    cfg,
		logger:    cfg.Logger,
		targets:   targets,
		tileCache: lru.NewLRU[string, cachedTile](cfg.TileCacheSize, nil, cfg.TileCacheTTL),
		status:    status,
		runner:    job.NewRunner(status, job.WithRunnerLogger(cfg.Logger.With("component", "runner"))),
		seeder:    seed.New(seed.WithLogger(cfg.Logger.With("component", "seed"))),
		cleaner:   cleanup.New(cleanup.WithLogger(cfg.Logger.With("component", "cleanup"))),
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      s.loggingMiddleware(s.authMiddleware(mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health check
	mux.HandleFunc("GET /healthz", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// Tile serving
	mux.HandleFunc("GET /tiles/{target}/tilejson.json", s.handleTileJSON)
	mux.HandleFunc("GET /tiles/{target}/{z}/{x}/{y}", s.handleTile)
	mux.HandleFunc("HEAD /tiles/{target}/{z}/{x}/{y}", s.handleTile)

	// Job control
	mux.HandleFunc("POST /jobs/seed/{target}", s.handleSeed)
	mux.HandleFunc("POST /jobs/cleanup/{target}", s.handleCleanup)
	mux.HandleFunc("GET /jobs/status", s.handleJobStatus)
	mux.HandleFunc("GET /jobs/status/{id}", s.handleJobStatus)
	mux.HandleFunc("POST /jobs/cancel", s.handleJobCancel)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}

		if tags.Target != "" {
			attrs = append(attrs, "target", tags.Target)
		}
		if tags.Endpoint != "" {
			attrs = append(attrs, "endpoint", tags.Endpoint)
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}

		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address, "targets", len(s.targets))
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server, cancelling any active job.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if id, ok := s.runner.Cancel(); ok {
		s.logger.Info("cancelling active job", "run_id", id)
		_ = s.runner.Wait(ctx, id)
	}

	err := s.httpServer.Shutdown(ctx)

	for _, h := range s.targets {
		h.close()
	}
	if cerr := s.status.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Handler returns the server's root handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// stripTileExt drops a trailing file extension from the y path segment,
// so /tiles/osm/3/1/2 and /tiles/osm/3/1/2.png address the same tile.
func stripTileExt(y string) string {
	if i := strings.IndexByte(y, '.'); i >= 0 {
		return y[:i]
	}
	return y
}
