package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
	"github.com/Spatial-NVR/trafficspeed/internal/results"
)

const maxPageSize = 1000

// ResultService defines the interface for stored results
type ResultService interface {
	Get(ctx context.Context, id string) (*jobs.Result, error)
	List(ctx context.Context, opts results.ListOptions) ([]*jobs.Result, int, error)
	ListFailures(ctx context.Context, limit int) ([]jobs.Failure, error)
}

// ResultHandler serves stored traffic records and job failures
type ResultHandler struct {
	service ResultService
}

// NewResultHandler creates a new result handler
func NewResultHandler(service ResultService) *ResultHandler {
	return &ResultHandler{service: service}
}

// Routes returns the result routes
func (h *ResultHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Get("/{id}", h.Get)

	return r
}

// List lists results with filtering. Times are RFC3339 and filter on the
// window start.
func (h *ResultHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := results.ListOptions{Limit: results.DefaultLimit}

	if v := q.Get("camera_id"); v != "" {
		id, err := ParseCameraID(v)
		if err != nil {
			BadRequest(w, err.Error())
			return
		}
		opts.CameraID = id
	}
	if v := q.Get("limit"); v != "" {
		if limit, err := strconv.Atoi(v); err == nil && limit > 0 && limit <= maxPageSize {
			opts.Limit = limit
		}
	}
	if v := q.Get("offset"); v != "" {
		if offset, err := strconv.Atoi(v); err == nil && offset >= 0 {
			opts.Offset = offset
		}
	}

	var err error
	if opts.Since, err = parseTimeParam(q.Get("since")); err != nil {
		BadRequest(w, "since: "+err.Error())
		return
	}
	if opts.Until, err = parseTimeParam(q.Get("until")); err != nil {
		BadRequest(w, "until: "+err.Error())
		return
	}

	list, total, err := h.service.List(r.Context(), opts)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if list == nil {
		list = []*jobs.Result{}
	}
	List(w, list, total, opts.Limit, opts.Offset)
}

// Get returns one result
func (h *ResultHandler) Get(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, results.ErrNotFound) {
			NotFound(w, "Result not found")
			return
		}
		InternalError(w, err.Error())
		return
	}
	OK(w, result)
}

// ListFailures returns the most recent job failures
func (h *ResultHandler) ListFailures(w http.ResponseWriter, r *http.Request) {
	limit := results.DefaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= maxPageSize {
			limit = n
		}
	}

	failures, err := h.service.ListFailures(r.Context(), limit)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if failures == nil {
		failures = []jobs.Failure{}
	}
	OK(w, failures)
}

func parseTimeParam(v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
