package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jamesbarker95/astro-meeting-intelligence/internal/broadcast"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/config"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/coordinator"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/metrics"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/session"
	"github.com/jamesbarker95/astro-meeting-intelligence/internal/transcription"
)

// maxAudioBody caps one audio chunk upload.
const maxAudioBody = 1 << 20

// HTTPServer exposes the session API, the SSE event feed and the
// monitoring endpoints.
type HTTPServer struct {
	server  *http.Server
	logger  *slog.Logger
	config  *config.Config
	coord   *coordinator.Coordinator
	hub     *broadcast.Hub
	metrics *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the API server.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, coord *coordinator.Coordinator, hub *broadcast.Hub, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		coord:     coord,
		hub:       hub,
		metrics:   m,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sessions/create", h.withMetrics("/sessions/create", h.handleCreateSession))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleListSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionSubtree))

	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}
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

// Flush forwards to the wrapped writer so SSE streaming works through the
// metrics middleware.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// writeJSON writes v as a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, session.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, session.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, transcription.ErrConnection):
		status = http.StatusBadGateway
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

// handleCreateSession implements POST /sessions/create
func (h *HTTPServer) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Type     string            `json:"type"`
		Metadata map[string]string `json:"metadata"`
	}
	if r.Body != nil {
		// An empty body creates a default manual session.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
	}

	snap := h.coord.CreateSession(req.Type, req.Metadata)
	writeJSON(w, http.StatusCreated, snap)
}

// handleListSessions implements GET /sessions
func (h *HTTPServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.coord.ListSessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	})
}

// handleSessionSubtree routes /sessions/{id} and its sub-resources.
func (h *HTTPServer) handleSessionSubtree(w http.ResponseWriter, r *http.Request) {
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/sessions/"), "/")
	if rest == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	switch action {
	case "":
		h.handleGetSession(w, r, id)
	case "start":
		h.handleStartSession(w, r, id)
	case "end":
		h.handleEndSession(w, r, id)
	case "audio":
		h.handlePushAudio(w, r, id)
	case "transcript":
		h.handlePushTranscript(w, r, id)
	case "events":
		h.handleEvents(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

// handleGetSession implements GET /sessions/{id}
func (h *HTTPServer) handleGetSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := h.coord.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleStartSession implements POST /sessions/{id}/start
func (h *HTTPServer) handleStartSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.coord.StartSession(id); err != nil {
		writeError(w, err)
		return
	}

	snap, err := h.coord.GetSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handleEndSession implements POST /sessions/{id}/end
func (h *HTTPServer) handleEndSession(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap, err := h.coord.EndSession(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// handlePushAudio implements POST /sessions/{id}/audio. The body is one
// audio chunk, raw bytes or a JSON envelope with base64 data; whether it
// was accepted onto the ingest queue is reported rather than erroring, so
// uploaders never stall on backpressure.
func (h *HTTPServer) handlePushAudio(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAudioBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read audio body"})
		return
	}

	chunk := body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var req struct {
			Data string `json:"data"`
		}
		if err := json.Unmarshal(body, &req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
			return
		}
		chunk, err = base64.StdEncoding.DecodeString(req.Data)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid base64 audio data"})
			return
		}
	}
	if len(chunk) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty audio chunk"})
		return
	}

	accepted, err := h.coord.PushAudio(id, chunk)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"accepted": accepted,
		"bytes":    len(chunk),
	})
}

// handlePushTranscript implements POST /sessions/{id}/transcript for
// callers that bring their own recognition output.
func (h *HTTPServer) handlePushTranscript(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Text       string  `json:"text"`
		Speaker    string  `json:"speaker"`
		Confidence float64 `json:"confidence"`
		IsFinal    bool    `json:"is_final"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	line, err := h.coord.PushTranscriptLine(id, req.Text, req.Speaker, req.Confidence, req.IsFinal)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, line)
}

// handleEvents implements GET /sessions/{id}/events as a server-sent
// event stream. Subscribers receive events from the moment they connect;
// there is no backfill of earlier events.
func (h *HTTPServer) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	subscriberID := uuid.New().String()
	ch := h.hub.Subscribe(id, subscriberID)
	defer h.hub.Unsubscribe(id, subscriberID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	fmt.Fprintf(w, ": subscribed %s\n\n", subscriberID)
	flusher.Flush()

	h.logger.Info("SSE subscriber connected",
		slog.String("session_id", id),
		slog.String("subscriber_id", subscriberID),
	)

	// Heartbeats keep intermediaries from closing idle streams.
	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, ok := <-ch:
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
			flusher.Flush()
		}
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	stats := h.coord.GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "astro-meeting-intelligence",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"coordinator": map[string]interface{}{
				"status":   "running",
				"sessions": stats.Sessions,
				"links":    stats.Links,
			},
			"broadcast": map[string]interface{}{
				"status":      "running",
				"subscribers": stats.Hub.Subscribers,
				"published":   stats.Hub.Published,
				"dropped":     stats.Hub.Dropped,
			},
			"summarizer": map[string]interface{}{
				"status":    "running",
				"triggered": stats.Scheduler.Triggered,
				"applied":   stats.Scheduler.Applied,
				"failed":    stats.Scheduler.Failed,
			},
		},
	}

	writeJSON(w, http.StatusOK, health)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime":      time.Since(h.startTime).String(),
		"timestamp":   time.Now().UTC(),
		"coordinator": h.coord.GetStats(),
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Return sanitized configuration (remove sensitive data)
	sanitizedConfig := map[string]interface{}{
		"http": map[string]interface{}{
			"port":    h.config.HTTP.Port,
			"address": h.config.HTTP.Address,
		},
		"audio": map[string]interface{}{
			"sample_rate":    h.config.Audio.SampleRate,
			"encoding":       h.config.Audio.Encoding,
			"language":       h.config.Audio.Language,
			"interim":        h.config.Audio.Interim,
			"queue_capacity": h.config.Audio.QueueCapacity,
		},
		"provider": map[string]interface{}{
			"endpoint":        h.config.Provider.Endpoint,
			"connect_timeout": h.config.Provider.ConnectTimeout,
			"drain_timeout":   h.config.Provider.DrainTimeout,
		},
		"summarizer": map[string]interface{}{
			"endpoint":       h.config.Summarizer.Endpoint,
			"model":          h.config.Summarizer.Model,
			"timeout":        h.config.Summarizer.Timeout,
			"max_retries":    h.config.Summarizer.MaxRetries,
			"max_concurrent": h.config.Summarizer.MaxConcurrent,
			"window":         h.config.Summarizer.Window,
			// Note: API key is intentionally omitted for security
		},
		"session": map[string]interface{}{
			"retention_hours":        h.config.Session.RetentionHours,
			"purge_interval_minutes": h.config.Session.PurgeIntervalMinutes,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
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
		"service": "Astro Meeting Intelligence",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":                             "API documentation",
			"POST /sessions/create":             "Create a meeting session",
			"GET /sessions":                     "List sessions",
			"GET /sessions/{id}":                "Get session detail with transcript and summary",
			"POST /sessions/{id}/start":         "Start streaming transcription",
			"POST /sessions/{id}/end":           "End the session and drain the stream",
			"POST /sessions/{id}/audio":         "Upload one audio chunk",
			"POST /sessions/{id}/transcript":    "Append an external transcript line",
			"GET /sessions/{id}/events":         "Subscribe to session events (SSE)",
			"GET /health":                       "Service health check",
			"GET /stats":                        "Service statistics",
			"GET /config":                       "Service configuration",
			"GET /metrics":                      "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	writeJSON(w, http.StatusOK, apiDoc)
}
