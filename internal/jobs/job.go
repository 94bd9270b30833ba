// Package jobs defines the unit of work submitted to the pipeline: one video
// file plus the calibration of the camera that recorded it.
package jobs

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/trafficspeed/internal/geometry"
)

// Track orientations
const (
	OrientationHorizontal = "horizontal"
	OrientationVertical   = "vertical"
)

// Job is one video clip and its calibration
type Job struct {
	ID                      string        `json:"id"`
	CameraID                int           `json:"camera_id"`
	VideoPath               string        `json:"video_path"`
	WindowStart             time.Time     `json:"window_start"`
	WindowEnd               time.Time     `json:"window_end"`
	StartLine               geometry.Line `json:"start_line"`
	FinishLine              geometry.Line `json:"finish_line"`
	ReferenceDistanceMeters float64       `json:"reference_distance_meters"`
	TrackOrientation        string        `json:"track_orientation"`
	SubmittedAt             time.Time     `json:"submitted_at"`
}

// LineSpec is the wire form of a reference line
type LineSpec struct {
	AX float64 `json:"ax"`
	AY float64 `json:"ay"`
	BX float64 `json:"bx"`
	BY float64 `json:"by"`
}

// Line converts the wire form to a geometry line
func (l LineSpec) Line() geometry.Line {
	return geometry.NewLine(l.AX, l.AY, l.BX, l.BY)
}

// SpecFromLine converts a geometry line to its wire form
func SpecFromLine(l geometry.Line) LineSpec {
	return LineSpec{AX: l.A.X, AY: l.A.Y, BX: l.B.X, BY: l.B.Y}
}

// Payload is the JSON job description accepted from the video server, the
// event bus and the API. Either epoch seconds (start_time/end_time) or
// ISO-8601 strings (start_datetime/end_datetime) may be used for the window.
type Payload struct {
	ID               string    `json:"id,omitempty"`
	TrafficCamID     int       `json:"traffic_cam_id"`
	VideoFilename    string    `json:"video_filename,omitempty"`
	VideoPath        string    `json:"video_path,omitempty"`
	StartTime        *float64  `json:"start_time,omitempty"`
	EndTime          *float64  `json:"end_time,omitempty"`
	StartDatetime    string    `json:"start_datetime,omitempty"`
	EndDatetime      string    `json:"end_datetime,omitempty"`
	StartRefLine     *LineSpec `json:"start_ref_line,omitempty"`
	FinishRefLine    *LineSpec `json:"finish_ref_line,omitempty"`
	RefDistance      float64   `json:"ref_distance,omitempty"`
	TrackOrientation string    `json:"track_orientation,omitempty"`
}

// FromJSON decodes a job payload. video_filename is resolved under
// downloadDir; video_path is used as given. Calibration that is missing from
// the payload is left zero so it can be filled from the camera registry.
func FromJSON(data []byte, downloadDir string) (*Job, error) {
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("invalid job payload: %w", err)
	}
	return FromPayload(p, downloadDir)
}

// FromPayload builds a job from a decoded payload
func FromPayload(p Payload, downloadDir string) (*Job, error) {
	job := &Job{
		ID:                      p.ID,
		CameraID:                p.TrafficCamID,
		ReferenceDistanceMeters: p.RefDistance,
		TrackOrientation:        strings.ToLower(strings.TrimSpace(p.TrackOrientation)),
		SubmittedAt:             time.Now().UTC(),
	}
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.TrackOrientation == "" {
		job.TrackOrientation = OrientationHorizontal
	}

	switch {
	case p.VideoPath != "":
		job.VideoPath = p.VideoPath
	case p.VideoFilename != "":
		// Keep uploads inside the download directory
		job.VideoPath = filepath.Join(downloadDir, filepath.Base(p.VideoFilename))
	}

	var err error
	if job.WindowStart, err = parseInstant(p.StartTime, p.StartDatetime); err != nil {
		return nil, &ConfigurationError{Field: "start_datetime", Message: err.Error()}
	}
	if job.WindowEnd, err = parseInstant(p.EndTime, p.EndDatetime); err != nil {
		return nil, &ConfigurationError{Field: "end_datetime", Message: err.Error()}
	}

	if p.StartRefLine != nil {
		job.StartLine = p.StartRefLine.Line()
	}
	if p.FinishRefLine != nil {
		job.FinishLine = p.FinishRefLine.Line()
	}

	return job, nil
}

// Payload returns the wire form of the job
func (j *Job) Payload() Payload {
	start := SpecFromLine(j.StartLine)
	finish := SpecFromLine(j.FinishLine)
	return Payload{
		ID:               j.ID,
		TrafficCamID:     j.CameraID,
		VideoPath:        j.VideoPath,
		StartDatetime:    formatInstant(j.WindowStart),
		EndDatetime:      formatInstant(j.WindowEnd),
		StartRefLine:     &start,
		FinishRefLine:    &finish,
		RefDistance:      j.ReferenceDistanceMeters,
		TrackOrientation: j.TrackOrientation,
	}
}

// HasCalibration reports whether both reference lines and the distance are set
func (j *Job) HasCalibration() bool {
	zero := geometry.Line{}
	return j.StartLine != zero && j.FinishLine != zero && j.ReferenceDistanceMeters > 0
}

// Validate checks the job before it is enqueued
func (j *Job) Validate() error {
	if j.VideoPath == "" {
		return &ConfigurationError{Field: "video_path", Message: "is required"}
	}
	if j.TrackOrientation != OrientationHorizontal && j.TrackOrientation != OrientationVertical {
		return &ConfigurationError{Field: "track_orientation", Message: fmt.Sprintf("must be %q or %q, got %q", OrientationHorizontal, OrientationVertical, j.TrackOrientation)}
	}
	if j.ReferenceDistanceMeters <= 0 {
		return &ConfigurationError{Field: "ref_distance", Message: "must be greater than zero"}
	}
	if j.StartLine.Degenerate() {
		return &ConfigurationError{Field: "start_ref_line", Message: "endpoints must differ"}
	}
	if j.FinishLine.Degenerate() {
		return &ConfigurationError{Field: "finish_ref_line", Message: "endpoints must differ"}
	}
	if !j.WindowStart.IsZero() && !j.WindowEnd.IsZero() && j.WindowEnd.Before(j.WindowStart) {
		return &ConfigurationError{Field: "end_datetime", Message: "must not be before start_datetime"}
	}
	return nil
}

// ConfigurationError reports an invalid job field. It is raised before the
// job reaches the queue.
type ConfigurationError struct {
	Field   string
	Message string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid job %s: %s", e.Field, e.Message)
}

func parseInstant(epoch *float64, iso string) (time.Time, error) {
	if epoch != nil {
		sec := int64(*epoch)
		nsec := int64((*epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	if iso == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, iso); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", iso)
}

func formatInstant(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
