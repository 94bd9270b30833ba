package video

import (
	"fmt"
	"sort"
)

var decoders = map[string]func(HWAccelType) Opener{
	"ffmpeg": func(accel HWAccelType) Opener { return NewFFmpegOpener(accel) },
}

// NewOpener returns the named decoder backend. "gocv" is only available in
// builds with the gocv tag.
func NewOpener(decoder string, accel HWAccelType) (Opener, error) {
	if decoder == "" {
		decoder = "ffmpeg"
	}
	fn, ok := decoders[decoder]
	if !ok {
		return nil, fmt.Errorf("unknown video decoder %q (available: %v)", decoder, Decoders())
	}
	return fn(accel), nil
}

// Decoders lists the decoder backends compiled into this binary
func Decoders() []string {
	names := make([]string, 0, len(decoders))
	for name := range decoders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
