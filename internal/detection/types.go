// Package detection provides the object detection and tracking backend
// interface used while processing traffic videos
package detection

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/geometry"
)

// ErrEndOfStream is returned by a backend that has no more frames to track
var ErrEndOfStream = errors.New("detection backend reported end of stream")

// DefaultVehicleClasses are the labels counted as vehicles
var DefaultVehicleClasses = []string{"car", "truck", "bus", "motorcycle", "van"}

// Detection is one tracked box in a frame. Coordinates are pixels in the
// frame the backend was given.
type Detection struct {
	TrackID    int     `json:"track_id"`
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
	CenterX    float64 `json:"center_x"`
	CenterY    float64 `json:"center_y"`
	Width      float64 `json:"width"`
	Height     float64 `json:"height"`
}

// Center returns the box center
func (d Detection) Center() geometry.Point {
	return geometry.Point{X: d.CenterX, Y: d.CenterY}
}

// Frame is a decoded, resized video frame handed to a backend
type Frame struct {
	Index  int64
	Offset time.Duration
	Image  image.Image
	Width  int
	Height int
}

// Detector tracks objects frame by frame. An instance keeps tracker state
// between calls and must not be shared between goroutines.
type Detector interface {
	// Detect returns the tracked boxes for a frame
	Detect(ctx context.Context, frame *Frame) ([]Detection, error)

	// Close releases the backend
	Close() error
}

// Resetter is implemented by detectors that can drop tracker state between jobs
type Resetter interface {
	Reset(ctx context.Context) error
}

// Factory creates a detector for a worker
type Factory func(workerID int) (Detector, error)

// BackendError wraps a per-frame backend failure
type BackendError struct {
	FrameIndex int64
	Err        error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("detection failed on frame %d: %v", e.FrameIndex, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// ClassFilter is a label allow-list
type ClassFilter map[string]struct{}

// NewClassFilter builds a filter; an empty list falls back to DefaultVehicleClasses
func NewClassFilter(labels []string) ClassFilter {
	if len(labels) == 0 {
		labels = DefaultVehicleClasses
	}
	f := make(ClassFilter, len(labels))
	for _, l := range labels {
		f[l] = struct{}{}
	}
	return f
}

// Allows reports whether a label is in the allow-list
func (f ClassFilter) Allows(label string) bool {
	_, ok := f[label]
	return ok
}
