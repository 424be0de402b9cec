// Package server provides the HTTP control API of the issue cache daemon.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	issuecache "github.com/wolfeidau/issue-cache"
	"github.com/wolfeidau/issue-cache/cacheop"
	"github.com/wolfeidau/issue-cache/connectivity"
	"github.com/wolfeidau/issue-cache/content"
	"github.com/wolfeidau/issue-cache/retention"
	"github.com/wolfeidau/issue-cache/scheduler"
	"github.com/wolfeidau/issue-cache/store/metadb"
	"github.com/wolfeidau/issue-cache/telemetry"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when set.
	// /health and /metrics stay open.
	AuthToken string

	// Logger for the server
	Logger *slog.Logger
}

// Content is the part of the content service the API exposes.
type Content interface {
	StatusFlow(ctx context.Context, entities ...issuecache.Downloadable) (<-chan cacheop.Status, error)
	CacheState(ctx context.Context, d issuecache.Downloadable) (cacheop.CacheStateUpdate, error)
	DownloadToCache(ctx context.Context, d issuecache.Downloadable, priority cacheop.Priority, isAutomatic bool) (*cacheop.WrappedResult, error)
	DeleteIssueContent(ctx context.Context, key issuecache.IssueKey) error
	DeleteIssue(ctx context.Context, key issuecache.IssueKey, isAutomatic bool) error
	ListDownloaded(ctx context.Context) ([]metadb.DownloadedIssue, error)
}

// Retention runs storage retention on demand.
type Retention interface {
	RunNow(ctx context.Context) *retention.Result
	Status() *retention.Result
}

// Work lists scheduled work.
type Work interface {
	Tags() []string
	Work(tag string) []scheduler.JobInfo
}

// Server is the HTTP server of the issue cache daemon.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger

	content   Content
	retention Retention
	work      Work
}

// Option configures a Server.
type Option func(*Server)

// WithRetention exposes the retention manager under /retention.
func WithRetention(r Retention) Option {
	return func(s *Server) {
		s.retention = r
	}
}

// WithWork exposes scheduled work under /work.
func WithWork(w Work) Option {
	return func(s *Server) {
		s.work = w
	}
}

// New creates a new server with the given configuration.
func New(cfg Config, c Content, opts ...Option) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger.With("component", "server"),
		content: c,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.httpServer = &http.Server{
		Addr:        cfg.Address,
		Handler:     s.Handler(),
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 60 * time.Second,
		// No WriteTimeout: status watches and downloads stream for as long as
		// the client stays connected.
	}

	return s
}

// Handler returns the routed handler with logging and auth middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return s.loggingMiddleware(s.authMiddleware(mux))
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /issues", s.handleListIssues)
	mux.HandleFunc("GET /issues/{feed}/{date}/{status}", s.handleIssueState)
	mux.HandleFunc("GET /issues/{feed}/{date}/{status}/watch", s.handleWatchIssue)
	mux.HandleFunc("POST /issues/{feed}/{date}/{status}/download", s.handleDownloadIssue)
	mux.HandleFunc("DELETE /issues/{feed}/{date}/{status}/content", s.handleDeleteIssueContent)
	mux.HandleFunc("DELETE /issues/{feed}/{date}/{status}", s.handleDeleteIssue)

	mux.HandleFunc("GET /retention", s.handleRetentionStatus)
	mux.HandleFunc("POST /retention/run", s.handleRetentionRun)

	mux.HandleFunc("GET /work", s.handleWork)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	issues, err := s.content.ListDownloaded(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if issues == nil {
		issues = []metadb.DownloadedIssue{}
	}
	writeJSON(w, http.StatusOK, issues)
}

func (s *Server) handleIssueState(w http.ResponseWriter, r *http.Request) {
	key, ok := issueKeyFromRequest(w, r)
	if !ok {
		return
	}
	update, err := s.content.CacheState(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStatusResponse(cacheop.Status{Tag: key.DownloadTag(), Update: update}))
}

// handleWatchIssue streams status events as newline-delimited JSON until the
// client disconnects.
func (s *Server) handleWatchIssue(w http.ResponseWriter, r *http.Request) {
	key, ok := issueKeyFromRequest(w, r)
	if !ok {
		return
	}

	events, err := s.content.StatusFlow(r.Context(), key)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	enc := json.NewEncoder(w)

	for ev := range events {
		if err := enc.Encode(newStatusResponse(ev)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleDownloadIssue(w http.ResponseWriter, r *http.Request) {
	key, ok := issueKeyFromRequest(w, r)
	if !ok {
		return
	}

	priority := cacheop.PriorityHigh
	if p := r.URL.Query().Get("priority"); p != "" {
		parsed, err := cacheop.ParsePriority(p)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
			return
		}
		priority = parsed
	}

	result, err := s.content.DownloadToCache(r.Context(), key, priority, false)
	if err != nil {
		s.writeError(w, err)
		return
	}

	resp := downloadResponse{Tag: key.DownloadTag(), AlreadyPresent: result.Content == nil}
	if result.Content != nil {
		resp.Files = result.Content.Files
		resp.Downloaded = result.Content.Downloaded
		resp.Skipped = result.Content.Skipped
		resp.Bytes = result.Content.Bytes
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteIssueContent(w http.ResponseWriter, r *http.Request) {
	key, ok := issueKeyFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.content.DeleteIssueContent(r.Context(), key); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteIssue(w http.ResponseWriter, r *http.Request) {
	key, ok := issueKeyFromRequest(w, r)
	if !ok {
		return
	}
	if err := s.content.DeleteIssue(r.Context(), key, false); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRetentionStatus(w http.ResponseWriter, _ *http.Request) {
	if s.retention == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "retention not enabled"})
		return
	}
	result := s.retention.Status()
	if result == nil {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleRetentionRun(w http.ResponseWriter, r *http.Request) {
	if s.retention == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "retention not enabled"})
		return
	}
	writeJSON(w, http.StatusOK, s.retention.RunNow(r.Context()))
}

func (s *Server) handleWork(w http.ResponseWriter, _ *http.Request) {
	if s.work == nil {
		writeJSON(w, http.StatusNotFound, errorResponse{Error: "scheduler not enabled"})
		return
	}
	out := map[string][]scheduler.JobInfo{}
	for _, tag := range s.work.Tags() {
		out[tag] = s.work.Work(tag)
	}
	writeJSON(w, http.StatusOK, out)
}

// writeError maps service errors to HTTP responses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, content.ErrNotFound), errors.Is(err, cacheop.ErrMissingMetadata):
		status = http.StatusNotFound
	case errors.Is(err, context.Canceled):
		status = 499
	default:
		var unrecoverable *connectivity.UnrecoverableError
		if errors.As(err, &unrecoverable) {
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func issueKeyFromRequest(w http.ResponseWriter, r *http.Request) (issuecache.IssueKey, bool) {
	key := issuecache.IssueKey{
		Feed:   r.PathValue("feed"),
		Date:   r.PathValue("date"),
		Status: issuecache.IssueStatus(r.PathValue("status")),
	}
	if err := key.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return issuecache.IssueKey{}, false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Wrap response writer to capture status and bytes
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"bytes_sent", wrapped.bytesWritten,
			"duration_ms", duration.Milliseconds(),
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		level := slog.LevelInfo
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			level = slog.LevelDebug
		}
		s.logger.Log(r.Context(), level, "http request", attrs...)
	})
}

// Start starts the server.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
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
