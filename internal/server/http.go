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
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/live-interpreter/internal/config"
	"github.com/skypro1111/live-interpreter/internal/metrics"
	"github.com/skypro1111/live-interpreter/internal/relay"
)

// Version is reported by the health and index endpoints
const Version = "1.0.0"

// HTTPServer exposes the room control API, the relay websockets and the
// monitoring endpoints
type HTTPServer struct {
	server   *http.Server
	router   chi.Router
	logger   *slog.Logger
	config   *config.Config
	registry *relay.Registry
	ws       *relay.WSHandler
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	// Server state
	startTime time.Time
	stopping  atomic.Bool
}

// NewHTTPServer creates the server. gatherer backs /metrics; nil falls back
// to the default registry.
func NewHTTPServer(cfg *config.Config, registry *relay.Registry, m *metrics.Metrics,
	gatherer prometheus.Gatherer, logger *slog.Logger) *HTTPServer {

	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:    logger.With(slog.String("component", "http")),
		config:    cfg,
		registry:  registry,
		ws:        relay.NewWSHandler(registry, logger),
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}
	h.router = h.setupRoutes()

	// No write timeout: relay connections are long-lived and manage their
	// own deadlines once upgraded
	h.server = &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Address, fmt.Sprint(cfg.Server.Port)),
		Handler:           h.router,
		ReadHeaderTimeout: cfg.Server.GetReadTimeoutDuration(),
		IdleTimeout:       60 * time.Second,
	}

	return h
}

// Handler returns the root handler
func (h *HTTPServer) Handler() http.Handler {
	return h.router
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	// Room control
	r.Post("/rooms", h.withMetrics("/rooms", h.handleCreateRoom))
	r.Get("/rooms/{id}", h.withMetrics("/rooms/{id}", h.handleRoomStatus))
	r.Delete("/rooms/{id}", h.withMetrics("/rooms/{id}", h.handleDeleteRoom))

	// Relay websockets
	r.Get("/rooms/{id}/publish", h.withMetrics("/rooms/{id}/publish", h.handlePublish))
	r.Get("/rooms/{id}/listen", h.withMetrics("/rooms/{id}/listen", h.handleListen))

	// Monitoring
	r.Get("/health", h.withMetrics("/health", h.handleHealth))
	r.Get("/stats", h.withMetrics("/stats", h.handleStats))
	r.Get("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	r.Get("/", h.withMetrics("/", h.handleRoot))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	return r
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		// Create a response writer wrapper to capture status code
		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(ww, r)

		// Record metrics
		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		// Record error if status code indicates an error
		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades through the wrapper. A successful upgrade
// is recorded as 101.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, buf, err := hj.Hijack()
	if err == nil {
		rw.statusCode = http.StatusSwitchingProtocols
	}
	return conn, buf, err
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.logger.Info("Starting HTTP API server",
		slog.String("address", listener.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop refuses new rooms and gracefully stops the HTTP server. Upgraded
// connections are not tracked by Shutdown; they end when the registry
// closes its rooms.
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	h.stopping.Store(true)
	return h.server.Shutdown(ctx)
}

// statusFor maps relay errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, relay.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, relay.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, relay.ErrTooManyRooms):
		return http.StatusTooManyRequests
	case errors.Is(err, relay.ErrMessageTooLarge):
		return http.StatusRequestEntityTooLarge
	default:
		return http.StatusInternalServerError
	}
}

// writerSecret reads the writer key from the Authorization header or, for
// clients that cannot set headers on a websocket handshake, the key query
// parameter
func writerSecret(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if secret, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return strings.TrimSpace(secret)
		}
		return ""
	}
	return r.URL.Query().Get("key")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

// handleCreateRoom implements POST /rooms
func (h *HTTPServer) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	if h.stopping.Load() {
		writeError(w, http.StatusServiceUnavailable, "server is shutting down")
		return
	}

	creds, err := h.registry.Create()
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, creds)
}

// handleRoomStatus implements GET /rooms/{id}
func (h *HTTPServer) handleRoomStatus(w http.ResponseWriter, r *http.Request) {
	status := h.registry.Status(chi.URLParam(r, "id"))
	if !status.Exists {
		writeJSON(w, http.StatusNotFound, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// handleDeleteRoom implements DELETE /rooms/{id}
func (h *HTTPServer) handleDeleteRoom(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(chi.URLParam(r, "id"), writerSecret(r)); err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePublish implements the writer websocket
func (h *HTTPServer) handlePublish(w http.ResponseWriter, r *http.Request) {
	room, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if err := h.ws.ServeWriter(w, r, room, writerSecret(r)); err != nil {
		if errors.Is(err, relay.ErrUnauthorized) || errors.Is(err, relay.ErrRoomNotFound) {
			writeError(w, statusFor(err), err.Error())
			return
		}
		// The upgrader has already replied
		h.logger.Warn("Writer upgrade failed",
			slog.String("room_id", room.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// handleListen implements the listener websocket
func (h *HTTPServer) handleListen(w http.ResponseWriter, r *http.Request) {
	room, err := h.registry.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}

	if err := h.ws.ServeListener(w, r, room); err != nil {
		if errors.Is(err, relay.ErrRoomNotFound) {
			writeError(w, statusFor(err), err.Error())
			return
		}
		h.logger.Debug("Listener upgrade failed",
			slog.String("room_id", room.ID()),
			slog.String("error", err.Error()),
		)
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "healthy", http.StatusOK
	if h.stopping.Load() {
		status, code = "stopping", http.StatusServiceUnavailable
	}

	stats := h.registry.GetStats()
	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "live-interpreter",
			"version": Version,
		},
		"components": map[string]interface{}{
			"relay": map[string]interface{}{
				"status":           "running",
				"active_rooms":     stats.ActiveRooms,
				"active_listeners": stats.ActiveListeners,
			},
		},
	}

	writeJSON(w, code, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"relay":     h.registry.GetStats(),
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleConfig implements the /config endpoint with secrets removed
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.config.Sanitized())
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	apiDoc := map[string]interface{}{
		"service": "Live Interpreter Relay",
		"version": Version,
		"endpoints": map[string]interface{}{
			"GET /":                   "API documentation",
			"POST /rooms":             "Create a room, returns its id and writer secret",
			"GET /rooms/{id}":         "Room status and expiry",
			"DELETE /rooms/{id}":      "Tear a room down (writer secret required)",
			"GET /rooms/{id}/publish": "Writer websocket (writer secret required)",
			"GET /rooms/{id}/listen":  "Listener websocket",
			"GET /health":             "Service health check",
			"GET /stats":              "Relay statistics",
			"GET /config":             "Service configuration",
			"GET /metrics":            "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}
	writeJSON(w, http.StatusOK, apiDoc)
}
