// Package video provides access to traffic video files: probing, frame
// decoding at a bounded processing size, and the media error types.
package video

import (
	"fmt"
	"math"
	"strings"
)

// Resolution is a named frame size
type Resolution struct {
	Name   string
	Width  int
	Height int
}

// Known processing resolutions
var (
	R2160p            = Resolution{"2160p", 3840, 2160}
	R1440p            = Resolution{"1440p", 2560, 1440}
	R1080p            = Resolution{"1080p", 1920, 1080}
	R720p             = Resolution{"720p", 1280, 720}
	R480p             = Resolution{"480p", 854, 480}
	R360p             = Resolution{"360p", 640, 360}
	R240p             = Resolution{"240p", 426, 240}
	DefaultResolution = Resolution{"default", 320, 240}
)

var resolutions = []Resolution{R2160p, R1440p, R1080p, R720p, R480p, R360p, R240p, DefaultResolution}

// ParseResolution looks up a resolution by name ("720p", "default", ...)
func ParseResolution(name string) (Resolution, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return DefaultResolution, nil
	}
	for _, r := range resolutions {
		if r.Name == n {
			return r, nil
		}
	}
	return Resolution{}, fmt.Errorf("unknown resolution %q", name)
}

// Size is a frame size in pixels
type Size struct {
	Width  int
	Height int
}

func (s Size) String() string {
	return fmt.Sprintf("%dx%d", s.Width, s.Height)
}

// ComputeScale returns the factor that fits width x height inside
// maxWidth x maxHeight while preserving aspect ratio. It never upscales.
func ComputeScale(width, height, maxWidth, maxHeight int) float64 {
	if width <= 0 || height <= 0 {
		return 1
	}
	scale := 1.0
	if maxWidth > 0 {
		scale = min(scale, float64(maxWidth)/float64(width))
	}
	if maxHeight > 0 {
		scale = min(scale, float64(maxHeight)/float64(height))
	}
	return scale
}

// ScaledSize applies ComputeScale and returns the resulting frame size
func ScaledSize(width, height, maxWidth, maxHeight int) Size {
	scale := ComputeScale(width, height, maxWidth, maxHeight)
	s := Size{
		Width:  int(math.Round(float64(width) * scale)),
		Height: int(math.Round(float64(height) * scale)),
	}
	if s.Width < 1 {
		s.Width = 1
	}
	if s.Height < 1 {
		s.Height = 1
	}
	return s
}
