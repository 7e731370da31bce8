package components

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/harunnryd/mpkd/internal/config"
	"github.com/harunnryd/mpkd/internal/daemon"
	mpkerrors "github.com/harunnryd/mpkd/internal/errors"
	"github.com/harunnryd/mpkd/internal/policy"
)

// Version is reported by /health.
var Version = "dev"

type HTTPServerComponent struct {
	daemon       *daemon.Daemon
	cfg          *config.ServerConfig
	metricsCfg   config.MetricsConfig
	runtimeComp  *RuntimeComponent
	dependencies []string
	server       *http.Server
	shutdownTTL  time.Duration
	initialized  bool
	started      bool
	mu           sync.RWMutex
	startTime    time.Time
}

func NewHTTPServerComponent(d *daemon.Daemon, cfg *config.ServerConfig) *HTTPServerComponent {
	return NewHTTPServerComponentWithDependencies(d, cfg, []string{"Runtime"})
}

func NewHTTPServerComponentWithDependencies(d *daemon.Daemon, cfg *config.ServerConfig, dependencies []string) *HTTPServerComponent {
	deps := make([]string, len(dependencies))
	copy(deps, dependencies)
	return &HTTPServerComponent{
		daemon:       d,
		cfg:          cfg,
		dependencies: deps,
		metricsCfg: config.MetricsConfig{
			Enabled: config.DefaultMetricsEnabled,
			Path:    config.DefaultMetricsPath,
		},
	}
}

// WithRuntime attaches the runtime the app endpoints operate on.
func (h *HTTPServerComponent) WithRuntime(rc *RuntimeComponent, metricsCfg config.MetricsConfig) *HTTPServerComponent {
	h.runtimeComp = rc
	h.metricsCfg = metricsCfg
	return h
}

func (h *HTTPServerComponent) Name() string {
	return "HTTPServer"
}

func (h *HTTPServerComponent) Dependencies() []string {
	out := make([]string, len(h.dependencies))
	copy(out, h.dependencies)
	return out
}

func (h *HTTPServerComponent) Init(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	readTimeout, err := config.DurationOrDefault(h.cfg.ReadTimeout, config.DefaultServerReadTimeout)
	if err != nil {
		return fmt.Errorf("parse server read timeout: %w", err)
	}
	writeTimeout, err := config.DurationOrDefault(h.cfg.WriteTimeout, config.DefaultServerWriteTimeout)
	if err != nil {
		return fmt.Errorf("parse server write timeout: %w", err)
	}
	idleTimeout, err := config.DurationOrDefault(h.cfg.IdleTimeout, config.DefaultServerIdleTimeout)
	if err != nil {
		return fmt.Errorf("parse server idle timeout: %w", err)
	}
	shutdownTimeout, err := config.DurationOrDefault(h.cfg.ShutdownTimeout, config.DefaultServerShutdownTimeout)
	if err != nil {
		return fmt.Errorf("parse server shutdown timeout: %w", err)
	}

	h.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", h.cfg.Port),
		Handler:      h.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}
	h.shutdownTTL = shutdownTimeout

	h.initialized = true
	slog.Info("HTTPServer initialized", "component", h.Name(), "port", h.cfg.Port)
	return nil
}

// Handler builds the routing table. It is safe to call before Init.
func (h *HTTPServerComponent) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.handleHealth)
	mux.HandleFunc("GET /apps", h.handleListApps)
	mux.HandleFunc("POST /apps", h.handleLoadApp)
	mux.HandleFunc("GET /apps/{id}", h.handleAppStatus)
	mux.HandleFunc("DELETE /apps/{id}", h.handleUnloadApp)
	mux.HandleFunc("POST /apps/{id}/start", h.handleStartApp)
	mux.HandleFunc("POST /apps/{id}/stop", h.handleStopApp)
	mux.HandleFunc("DELETE /apps/{id}/cache", h.handleClearCache)
	mux.HandleFunc("DELETE /apps/{id}/temp", h.handleClearTemp)
	mux.HandleFunc("POST /apps/{id}/messages", h.handleSendMessage)
	mux.HandleFunc("GET /audit", h.handleAudit)

	if h.metricsCfg.Enabled && h.metricsCfg.Path != "" {
		mux.HandleFunc("GET "+h.metricsCfg.Path, func(w http.ResponseWriter, r *http.Request) {
			stack := h.stack()
			if stack == nil || stack.Metrics == nil {
				writeError(w, mpkerrors.NotFound("metrics disabled"))
				return
			}
			stack.Metrics.Handler().ServeHTTP(w, r)
		})
	}
	return h.instrument(mux)
}

func (h *HTTPServerComponent) stack() *Stack {
	if h.runtimeComp == nil {
		return nil
	}
	return h.runtimeComp.Stack()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *HTTPServerComponent) instrument(mux *http.ServeMux) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		mux.ServeHTTP(rec, r)

		if stack := h.stack(); stack != nil {
			pattern := r.Pattern
			if pattern == "" {
				pattern = "unmatched"
			}
			stack.Metrics.RecordRequest(r.Method, pattern, rec.status, time.Since(start))
		}
	})
}

func (h *HTTPServerComponent) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.initialized {
		return fmt.Errorf("HTTPServer not initialized")
	}

	go func() {
		slog.Info("HTTP server listening", "component", h.Name(), "addr", h.server.Addr)
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "component", h.Name(), "error", err)
		}
	}()

	h.started = true
	h.startTime = time.Now()
	slog.Info("HTTPServer started", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.started {
		slog.Info("HTTPServer not started, skipping stop", "component", h.Name())
		return nil
	}

	slog.Info("Stopping HTTPServer...", "component", h.Name())
	shutdownCtx, cancel := context.WithTimeout(ctx, h.shutdownTTL)
	defer cancel()

	if err := h.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTPServer shutdown error", "component", h.Name(), "error", err)
		return err
	}

	h.started = false
	slog.Info("HTTPServer stopped", "component", h.Name())
	return nil
}

func (h *HTTPServerComponent) Health(ctx context.Context) (*daemon.ComponentHealth, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !h.initialized {
		return daemon.Unhealthy(h.Name(), fmt.Errorf("not initialized")), nil
	}

	if !h.started {
		return daemon.Unhealthy(h.Name(), fmt.Errorf("not started")), nil
	}

	return daemon.Healthy(h.Name()), nil
}

func (h *HTTPServerComponent) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"status":  "ok",
		"version": Version,
	}

	h.mu.RLock()
	if !h.startTime.IsZero() {
		resp["uptime_seconds"] = int64(time.Since(h.startTime).Seconds())
	}
	h.mu.RUnlock()

	if h.daemon != nil {
		report := h.daemon.Report()
		resp["instance"] = report.Instance
		resp["daemon"] = report.Status
		resp["components"] = report.Components
		if report.Unhealthy > 0 {
			resp["status"] = "degraded"
		}
	}

	if stack := h.stack(); stack != nil {
		resp["apps_loaded"] = len(stack.Runtime.LoadedApps())
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *HTTPServerComponent) handleListApps(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}
	statuses := stack.Runtime.Statuses()
	if statuses == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, statuses)
}

type loadRequest struct {
	Path  string `json:"path"`
	Start bool   `json:"start"`
}

func (h *HTTPServerComponent) handleLoadApp(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}

	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		writeError(w, mpkerrors.InvalidInput("body must be {\"path\": ...}"))
		return
	}

	appID, err := stack.Runtime.LoadApp(r.Context(), req.Path)
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Start {
		if err := stack.Runtime.StartApp(r.Context(), appID); err != nil {
			writeError(w, err)
			return
		}
	}

	st, err := stack.Runtime.Status(appID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

func (h *HTTPServerComponent) handleAppStatus(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}
	st, err := stack.Runtime.Status(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPServerComponent) handleUnloadApp(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}
	if err := stack.Runtime.UnloadApp(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTPServerComponent) handleStartApp(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, s *Stack, id string) error {
		return s.Runtime.StartApp(ctx, id)
	})
}

func (h *HTTPServerComponent) handleStopApp(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(ctx context.Context, s *Stack, id string) error {
		return s.Runtime.StopApp(ctx, id)
	})
}

func (h *HTTPServerComponent) handleClearCache(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(_ context.Context, s *Stack, id string) error {
		return clearDir(s, id, "cache", s.Runtime.ClearCache)
	})
}

func (h *HTTPServerComponent) handleClearTemp(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, func(_ context.Context, s *Stack, id string) error {
		return clearDir(s, id, "temp", s.Runtime.ClearTemp)
	})
}

func clearDir(s *Stack, id, kind string, fn func(string) bool) error {
	if !s.Runtime.IsLoaded(id) {
		return mpkerrors.NotFound(fmt.Sprintf("app %s", id))
	}
	if !fn(id) {
		return mpkerrors.Sandbox(fmt.Sprintf("clear %s of %s", kind, id))
	}
	return nil
}

func (h *HTTPServerComponent) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, *Stack, string) error) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}
	id := r.PathValue("id")
	if err := fn(r.Context(), stack, id); err != nil {
		writeError(w, err)
		return
	}
	st, err := stack.Runtime.Status(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type messageRequest struct {
	From string          `json:"from"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func (h *HTTPServerComponent) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.From == "" || req.Type == "" {
		writeError(w, mpkerrors.InvalidInput("body must carry from and type"))
		return
	}

	var data any
	if len(req.Data) > 0 {
		if err := json.Unmarshal(req.Data, &data); err != nil {
			writeError(w, mpkerrors.InvalidInput("data is not valid JSON"))
			return
		}
	}

	if err := stack.Runtime.SendMessage(r.Context(), req.From, r.PathValue("id"), req.Type, data); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *HTTPServerComponent) handleAudit(w http.ResponseWriter, r *http.Request) {
	stack, ok := h.requireStack(w)
	if !ok {
		return
	}

	q := r.URL.Query()
	filter := &policy.AuditFilter{
		AppID:    q.Get("app_id"),
		Resource: policy.ResourceType(q.Get("resource")),
		Trigger:  policy.Trigger(q.Get("trigger")),
	}
	if since := q.Get("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			writeError(w, mpkerrors.InvalidInput("since must be RFC3339"))
			return
		}
		filter.StartTime = t
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, mpkerrors.InvalidInput("limit must be a non-negative integer"))
			return
		}
		filter.Limit = n
	}

	entries, err := stack.Runtime.AuditLog(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *HTTPServerComponent) requireStack(w http.ResponseWriter) (*Stack, bool) {
	stack := h.stack()
	if stack == nil {
		writeError(w, mpkerrors.Closed("runtime not running"))
		return nil, false
	}
	return stack, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{
		"error":    err.Error(),
		"category": mpkerrors.Category(err),
	})
}

func statusFor(err error) int {
	switch {
	case mpkerrors.Is(err, mpkerrors.ErrNotFound):
		return http.StatusNotFound
	case mpkerrors.Is(err, mpkerrors.ErrInvalidInput), mpkerrors.Is(err, mpkerrors.ErrPackage):
		return http.StatusBadRequest
	case mpkerrors.Is(err, mpkerrors.ErrPermissionDenied):
		return http.StatusForbidden
	case mpkerrors.Is(err, mpkerrors.ErrConflict):
		return http.StatusConflict
	case mpkerrors.Is(err, mpkerrors.ErrLimitExceeded):
		return http.StatusTooManyRequests
	case mpkerrors.Is(err, mpkerrors.ErrClosed), mpkerrors.Is(err, mpkerrors.ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
