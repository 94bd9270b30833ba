package sink

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/detection"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
	"github.com/Spatial-NVR/trafficspeed/internal/video"
)

// Failure kinds
const (
	KindMediaOpen     = "media_open"
	KindMediaRead     = "media_read"
	KindBackend       = "backend"
	KindConfiguration = "configuration"
	KindCancelled     = "cancelled"
	KindInternal      = "internal"
)

// Classify maps a job error to a failure kind
func Classify(err error) string {
	var openErr *video.MediaOpenError
	var readErr *video.MediaReadError
	var backendErr *detection.BackendError
	var cfgErr *jobs.ConfigurationError

	switch {
	case errors.As(err, &openErr):
		return KindMediaOpen
	case errors.As(err, &readErr):
		return KindMediaRead
	case errors.As(err, &backendErr):
		return KindBackend
	case errors.As(err, &cfgErr):
		return KindConfiguration
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCancelled
	default:
		return KindInternal
	}
}

// NewFailure builds the failure record for a job error
func NewFailure(job *jobs.Job, err error) jobs.Failure {
	return jobs.Failure{
		JobID:    job.ID,
		CameraID: job.CameraID,
		Kind:     Classify(err),
		Message:  err.Error(),
		At:       time.Now().UTC(),
	}
}

// FailureStore persists failures
type FailureStore interface {
	SaveFailure(ctx context.Context, f jobs.Failure) error
}

// Reporter sends job failures to the log, the store, the event bus and live
// clients. Any of the outputs may be nil. A failure is always logged.
type Reporter struct {
	store   FailureStore
	bus     Publisher
	subject string
	hub     Broadcaster
	logger  *slog.Logger
}

// NewReporter creates a failure reporter
func NewReporter(store FailureStore, bus Publisher, subject string, hub Broadcaster) *Reporter {
	return &Reporter{
		store:   store,
		bus:     bus,
		subject: subject,
		hub:     hub,
		logger:  slog.Default().With("component", "failure-reporter"),
	}
}

// Report implements the pipeline error channel
func (r *Reporter) Report(ctx context.Context, job *jobs.Job, err error) {
	f := NewFailure(job, err)
	r.logger.Error("Job failed", "job_id", f.JobID, "camera_id", f.CameraID,
		"kind", f.Kind, "video", job.VideoPath, "error", f.Message)

	if r.store != nil {
		if err := r.store.SaveFailure(ctx, f); err != nil {
			r.logger.Warn("Failed to store job failure", "job_id", f.JobID, "error", err)
		}
	}
	if r.bus != nil {
		if err := r.bus.Publish(r.subject, f); err != nil {
			r.logger.Warn("Failed to publish job failure", "job_id", f.JobID, "error", err)
		}
	}
	if r.hub != nil {
		r.hub.Broadcast(LiveMessage{Type: MessageJobFailed, Timestamp: f.At, Data: f})
	}
}
