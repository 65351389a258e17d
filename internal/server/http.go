package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/BoonHianLim/sc4051-distributed-systems/internal/config"
	"github.com/BoonHianLim/sc4051-distributed-systems/internal/metrics"
)

// Service identity reported by the HTTP API
const (
	ServiceName    = "udp-echo-service"
	ServiceVersion = "1.0.0"
)

// HTTPServer provides HTTP API endpoints for monitoring the echo server
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	engine  Engine
	metrics *metrics.Metrics

	listener  net.Listener
	startTime time.Time
}

// NewHTTPServer creates a new HTTP API server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, engine Engine, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		engine:    engine,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         cfg.ListenAddress(),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Scrapes are not counted as API requests
	mux.Handle("/metrics", h.metrics.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

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

// Start binds the HTTP listener and serves in the background
func (h *HTTPServer) Start() error {
	ln, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}
	h.listener = ln

	h.logger.Info("Starting HTTP API server",
		slog.String("address", ln.Addr().String()),
	)

	go func() {
		if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := h.engine.GetStatistics()
	status := "healthy"
	if h.engine.State() != StateListening {
		status = "unhealthy"
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
	}

	health := map[string]interface{}{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    ServiceName,
			"version": ServiceVersion,
		},
		"components": map[string]interface{}{
			"udp_server": map[string]interface{}{
				"status":             stats.State,
				"engine":             stats.Engine,
				"listen_address":     stats.ListenAddress,
				"datagrams_received": stats.DatagramsReceived,
				"echoes_sent":        stats.EchoesSent,
				"send_errors":        stats.SendErrors,
			},
		},
	}

	writeJSON(w, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"udp":       h.engine.GetStatistics(),
	}

	writeJSON(w, stats)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	cfg := map[string]interface{}{
		"server": map[string]interface{}{
			"udp_port":     h.config.Server.UDPPort,
			"bind_address": h.config.Server.BindAddress,
			"network":      h.config.Server.Network,
			"buffer_size":  h.config.Server.BufferSize,
			"engine":       h.config.Server.Engine,
			"reuse_port":   h.config.Server.ReusePort,
			"dscp":         h.config.Server.DSCP,
		},
		"http": map[string]interface{}{
			"address": h.config.HTTP.Address,
			"port":    h.config.HTTP.Port,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, cfg)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": ServiceName,
		"version": ServiceVersion,
		"endpoints": map[string]interface{}{
			"GET /":        "API documentation",
			"GET /health":  "Service health check",
			"GET /config":  "Get service configuration",
			"GET /stats":   "Get echo server statistics",
			"GET /metrics": "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, apiDoc)
}
