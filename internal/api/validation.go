package api

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Spatial-NVR/trafficspeed/internal/cameras"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// ValidationError is one rejected request field
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors holds every rejected field of a request
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// HasErrors returns true if there are validation errors
func (e ValidationErrors) HasErrors() bool {
	return len(e) > 0
}

// Limits on camera calibration values
const (
	maxAliasLength = 128
	maxRefDistance = 10000 // meters
	maxCoordinate  = 16384 // pixels
)

// requiredCameraFields must be present when creating a camera
var requiredCameraFields = []string{
	"alias", "location_lat", "location_lng", "start_ref_line", "finish_ref_line", "ref_distance",
}

// CameraValidator collects every problem with a camera request
type CameraValidator struct {
	errors ValidationErrors
}

// NewCameraValidator creates a new camera validator
func NewCameraValidator() *CameraValidator {
	return &CameraValidator{}
}

func (v *CameraValidator) add(field, message string) {
	v.errors = append(v.errors, ValidationError{Field: field, Message: message})
}

// ValidateCreate checks a create request. present holds the raw top-level
// fields so missing and zero values can be told apart.
func (v *CameraValidator) ValidateCreate(c cameras.Camera, present map[string]json.RawMessage) ValidationErrors {
	v.errors = nil

	for _, field := range requiredCameraFields {
		if _, ok := present[field]; !ok {
			v.add(field, "is required")
		}
	}
	if v.errors.HasErrors() {
		return v.errors
	}

	v.validateAlias(c.Alias)
	v.validateLocation(c.Lat, c.Lng)
	v.validateLine("start_ref_line", c.StartLine)
	v.validateLine("finish_ref_line", c.FinishLine)
	v.validateLinePair(c.StartLine, c.FinishLine)
	v.validateDistance(c.RefDistance)
	v.validateOrientation(c.TrackOrientation)

	return v.errors
}

// ValidateUpdate checks only the fields a patch sets
func (v *CameraValidator) ValidateUpdate(p cameras.Patch) ValidationErrors {
	v.errors = nil

	if p.Alias != nil {
		v.validateAlias(*p.Alias)
	}
	if p.Lat != nil || p.Lng != nil {
		lat, lng := 0.0, 0.0
		if p.Lat != nil {
			lat = *p.Lat
		}
		if p.Lng != nil {
			lng = *p.Lng
		}
		v.validateLocation(lat, lng)
	}
	if p.StartLine != nil {
		v.validateLine("start_ref_line", *p.StartLine)
	}
	if p.FinishLine != nil {
		v.validateLine("finish_ref_line", *p.FinishLine)
	}
	if p.StartLine != nil && p.FinishLine != nil {
		v.validateLinePair(*p.StartLine, *p.FinishLine)
	}
	if p.RefDistance != nil {
		v.validateDistance(*p.RefDistance)
	}
	if p.TrackOrientation != nil {
		v.validateOrientation(*p.TrackOrientation)
	}

	return v.errors
}

func (v *CameraValidator) validateAlias(alias string) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		v.add("alias", "camera alias is required")
		return
	}
	if len(alias) > maxAliasLength {
		v.add("alias", fmt.Sprintf("camera alias must be at most %d characters", maxAliasLength))
	}
}

func (v *CameraValidator) validateLocation(lat, lng float64) {
	if lat < -90 || lat > 90 || math.IsNaN(lat) {
		v.add("location_lat", "latitude must be between -90 and 90")
	}
	if lng < -180 || lng > 180 || math.IsNaN(lng) {
		v.add("location_lng", "longitude must be between -180 and 180")
	}
}

func (v *CameraValidator) validateLine(field string, l jobs.LineSpec) {
	for _, c := range []float64{l.AX, l.AY, l.BX, l.BY} {
		if c < 0 || c > maxCoordinate || math.IsNaN(c) {
			v.add(field, fmt.Sprintf("coordinates must be between 0 and %d pixels", maxCoordinate))
			return
		}
	}
	if l.AX == l.BX && l.AY == l.BY {
		v.add(field, "line endpoints must differ")
	}
}

func (v *CameraValidator) validateLinePair(start, finish jobs.LineSpec) {
	if start == finish {
		v.add("finish_ref_line", "finish line must differ from the start line")
	}
}

func (v *CameraValidator) validateDistance(d float64) {
	if d <= 0 || d > maxRefDistance || math.IsNaN(d) {
		v.add("ref_distance", fmt.Sprintf("reference distance must be between 0 and %d meters", maxRefDistance))
	}
}

func (v *CameraValidator) validateOrientation(o string) {
	switch strings.ToLower(o) {
	case "", jobs.OrientationHorizontal, jobs.OrientationVertical:
	default:
		v.add("track_orientation", "must be horizontal or vertical")
	}
}

// ParseCameraID parses a camera id path parameter
func ParseCameraID(raw string) (int, error) {
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("camera id must be a positive integer")
	}
	return id, nil
}
