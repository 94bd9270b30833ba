package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/trafficspeed/internal/cameras"
)

// CameraService is the camera registry as seen by the API
type CameraService interface {
	List(ctx context.Context) ([]*cameras.Camera, error)
	Get(ctx context.Context, id int) (*cameras.Camera, error)
	Create(ctx context.Context, c *cameras.Camera) (*cameras.Camera, error)
	Update(ctx context.Context, id int, patch cameras.Patch) (*cameras.Camera, error)
	Delete(ctx context.Context, id int) error
}

// CameraHandler handles traffic camera endpoints
type CameraHandler struct {
	service CameraService
}

// NewCameraHandler creates a new camera handler
func NewCameraHandler(service CameraService) *CameraHandler {
	return &CameraHandler{service: service}
}

// Routes returns the camera routes
func (h *CameraHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.List)
	r.Post("/", h.Create)
	r.Get("/{id}", h.Get)
	r.Put("/{id}", h.Update)
	r.Patch("/{id}", h.Update)
	r.Delete("/{id}", h.Delete)

	return r
}

// List returns all cameras
func (h *CameraHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.List(r.Context())
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if list == nil {
		list = []*cameras.Camera{}
	}
	OK(w, list)
}

// Create registers a camera. Every calibration field is required.
func (h *CameraHandler) Create(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		BadRequest(w, "Failed to read request body")
		return
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	var cam cameras.Camera
	if err := json.Unmarshal(body, &cam); err != nil {
		BadRequest(w, "Invalid camera fields: "+err.Error())
		return
	}

	if errs := NewCameraValidator().ValidateCreate(cam, raw); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	created, err := h.service.Create(r.Context(), &cam)
	if err != nil {
		h.writeError(w, err)
		return
	}
	Created(w, created)
}

// Get returns one camera
func (h *CameraHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := ParseCameraID(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	cam, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	OK(w, cam)
}

// Update applies a partial update
func (h *CameraHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, err := ParseCameraID(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	var patch cameras.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		BadRequest(w, "Invalid request body")
		return
	}

	if errs := NewCameraValidator().ValidateUpdate(patch); errs.HasErrors() {
		ValidationErrorResponse(w, errs)
		return
	}

	cam, err := h.service.Update(r.Context(), id, patch)
	if err != nil {
		h.writeError(w, err)
		return
	}
	OK(w, cam)
}

// Delete removes a camera
func (h *CameraHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, err := ParseCameraID(chi.URLParam(r, "id"))
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	NoContent(w)
}

func (h *CameraHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, cameras.ErrNotFound):
		NotFound(w, err.Error())
	case errors.Is(err, cameras.ErrDuplicate):
		Conflict(w, err.Error())
	case ConfigError(w, err):
	default:
		InternalError(w, err.Error())
	}
}
