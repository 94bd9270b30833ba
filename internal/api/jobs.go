package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/Spatial-NVR/trafficspeed/internal/cameras"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
	"github.com/Spatial-NVR/trafficspeed/internal/pipeline"
)

const maxBodySize = 1 << 20

// JobSubmitter queues validated jobs
type JobSubmitter interface {
	Submit(job *jobs.Job) error
}

// JobEnricher completes calibration from the camera registry
type JobEnricher interface {
	Enrich(ctx context.Context, job *jobs.Job) error
}

// JobHandler accepts jobs over HTTP
type JobHandler struct {
	submitter   JobSubmitter
	enricher    JobEnricher
	downloadDir string
	logger      *slog.Logger
}

// NewJobHandler creates a job handler. enricher may be nil.
func NewJobHandler(submitter JobSubmitter, enricher JobEnricher, downloadDir string) *JobHandler {
	return &JobHandler{
		submitter:   submitter,
		enricher:    enricher,
		downloadDir: downloadDir,
		logger:      slog.Default().With("component", "api-jobs"),
	}
}

// JobAccepted is the body of a 202 response
type JobAccepted struct {
	JobID    string `json:"job_id"`
	CameraID int    `json:"camera_id"`
}

// Submit decodes, completes and queues a job. The job is processed
// asynchronously; its result arrives through the configured sinks.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		BadRequest(w, "Failed to read request body")
		return
	}

	job, err := jobs.FromJSON(body, h.downloadDir)
	if err != nil {
		if !ConfigError(w, err) {
			BadRequest(w, err.Error())
		}
		return
	}

	if h.enricher != nil {
		if err := h.enricher.Enrich(r.Context(), job); err != nil {
			switch {
			case errors.Is(err, cameras.ErrNotFound):
				NotFound(w, err.Error())
			case ConfigError(w, err):
			default:
				InternalError(w, err.Error())
			}
			return
		}
	}

	if err := h.submitter.Submit(job); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrStopped):
			Unavailable(w, "Pipeline is shutting down")
		case ConfigError(w, err):
		default:
			InternalError(w, err.Error())
		}
		return
	}

	h.logger.Info("Job accepted", "job_id", job.ID, "camera_id", job.CameraID)
	Accepted(w, JobAccepted{JobID: job.ID, CameraID: job.CameraID})
}
