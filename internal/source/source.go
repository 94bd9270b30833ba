// Package source feeds jobs into the pipeline from the video server queue
// and the event bus
package source

import (
	"context"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// Submitter accepts validated jobs
type Submitter interface {
	Submit(job *jobs.Job) error
}

// Enricher fills missing calibration from the camera registry
type Enricher interface {
	Enrich(ctx context.Context, job *jobs.Job) error
}

// prepare completes and submits a job
func prepare(ctx context.Context, job *jobs.Job, enricher Enricher, submitter Submitter) error {
	if enricher != nil && !job.HasCalibration() {
		if err := enricher.Enrich(ctx, job); err != nil {
			return err
		}
	}
	return submitter.Submit(job)
}
