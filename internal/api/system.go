package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/config"
	"github.com/Spatial-NVR/trafficspeed/internal/logging"
	"github.com/Spatial-NVR/trafficspeed/internal/pipeline"
)

// HealthCheck reports whether a dependency is usable
type HealthCheck func(ctx context.Context) error

// StatusProvider exposes the worker pool snapshot
type StatusProvider interface {
	Status() pipeline.Status
}

// SystemHandler serves health, pipeline status and log endpoints
type SystemHandler struct {
	checks  map[string]HealthCheck
	status  StatusProvider
	logs    *logging.RingBuffer
	version string
	started time.Time
}

// NewSystemHandler creates a system handler. status and logs may be nil.
func NewSystemHandler(version string, checks map[string]HealthCheck, status StatusProvider, logs *logging.RingBuffer) *SystemHandler {
	return &SystemHandler{
		checks:  checks,
		status:  status,
		logs:    logs,
		version: version,
		started: time.Now(),
	}
}

// HealthResponse is the body of the health endpoint
type HealthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version"`
	Uptime  string            `json:"uptime"`
	Checks  map[string]string `json:"checks"`
}

// Health runs every check. Any failure turns the response into a 503.
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:  "healthy",
		Version: h.version,
		Uptime:  time.Since(h.started).Round(time.Second).String(),
		Checks:  make(map[string]string, len(h.checks)),
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			resp.Checks[name] = err.Error()
			resp.Status = "unhealthy"
			continue
		}
		resp.Checks[name] = "ok"
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	JSON(w, status, resp)
}

// Pipeline returns the worker pool snapshot
func (h *SystemHandler) Pipeline(w http.ResponseWriter, r *http.Request) {
	if h.status == nil {
		Unavailable(w, "Pipeline not configured")
		return
	}
	OK(w, h.status.Status())
}

// Logs returns recent log entries. Query: limit, level, component, job_id.
func (h *SystemHandler) Logs(w http.ResponseWriter, r *http.Request) {
	if h.logs == nil {
		OK(w, []logging.LogEntry{})
		return
	}

	f := logFilter(r)
	entries := h.logs.Query(f)
	if entries == nil {
		entries = []logging.LogEntry{}
	}
	List(w, entries, len(entries), f.Limit, 0)
}

// StreamLogs sends new log entries as server-sent events until the client
// disconnects
func (h *SystemHandler) StreamLogs(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if h.logs == nil || !ok {
		Unavailable(w, "Log streaming not supported")
		return
	}

	f := logFilter(r)
	ch := h.logs.Subscribe()
	defer h.logs.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			if !f.Match(entry) {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func logFilter(r *http.Request) logging.Filter {
	q := r.URL.Query()
	f := logging.Filter{
		MinLevel:  slog.LevelDebug,
		Component: q.Get("component"),
		JobID:     q.Get("job_id"),
		Limit:     100,
	}
	if v := q.Get("level"); v != "" {
		f.MinLevel = config.ParseLevel(v)
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= logging.DefaultBufferSize {
			f.Limit = n
		}
	}
	return f
}
