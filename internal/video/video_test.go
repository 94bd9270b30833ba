package video

import (
	"bytes"
	"context"
	"errors"
	"image"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestComputeScale(t *testing.T) {
	tests := []struct {
		name             string
		w, h, maxW, maxH int
		want             float64
	}{
		{"fits", 320, 240, 1600, 1600, 1},
		{"wide", 3200, 1200, 1600, 1600, 0.5},
		{"tall", 1000, 4000, 1600, 1600, 0.4},
		{"no limits", 4000, 4000, 0, 0, 1},
		{"width only", 2000, 100, 1000, 0, 0.5},
		{"invalid", 0, 100, 1600, 1600, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ComputeScale(tt.w, tt.h, tt.maxW, tt.maxH); got != tt.want {
				t.Errorf("ComputeScale() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestScaledSize(t *testing.T) {
	s := ScaledSize(3840, 2160, 1600, 1600)
	if s.Width != 1600 || s.Height != 900 {
		t.Errorf("Expected 1600x900, got %s", s)
	}

	s = ScaledSize(640, 480, 1600, 1600)
	if s.Width != 640 || s.Height != 480 {
		t.Errorf("Expected no upscaling, got %s", s)
	}
}

func TestParseResolution(t *testing.T) {
	r, err := ParseResolution("")
	if err != nil || r != DefaultResolution {
		t.Errorf("Expected default resolution, got %v (%v)", r, err)
	}
	if DefaultResolution.Width != 320 || DefaultResolution.Height != 240 {
		t.Errorf("Unexpected default resolution %v", DefaultResolution)
	}

	r, err = ParseResolution("480P")
	if err != nil || r.Width != 854 || r.Height != 480 {
		t.Errorf("Unexpected 480p %v (%v)", r, err)
	}

	if _, err := ParseResolution("8k"); err == nil {
		t.Error("Expected error for unknown resolution")
	}
}

func TestParseFrameRate(t *testing.T) {
	tests := map[string]float64{
		"25/1":       25,
		"30000/1001": 30000.0 / 1001.0,
		"15":         15,
		"0/0":        0,
		"":           0,
		"abc":        0,
	}
	for in, want := range tests {
		if got := parseFrameRate(in); got != want {
			t.Errorf("parseFrameRate(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestParseProbeOutput(t *testing.T) {
	output := []byte(`{
		"streams": [{
			"codec_type": "video",
			"codec_name": "h264",
			"width": 1280,
			"height": 720,
			"r_frame_rate": "30/1",
			"avg_frame_rate": "25/1",
			"nb_frames": "250"
		}],
		"format": {"duration": "10.000000"}
	}`)

	info, err := parseProbeOutput(output)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 || info.Codec != "h264" {
		t.Errorf("Unexpected info %+v", info)
	}
	if info.FPS != 25 {
		t.Errorf("Expected avg_frame_rate to win, got %v", info.FPS)
	}
	if info.Frames != 250 || info.Duration != 10*time.Second {
		t.Errorf("Unexpected frames/duration %d/%v", info.Frames, info.Duration)
	}
}

func TestParseProbeOutput_FPSFallback(t *testing.T) {
	output := []byte(`{"streams": [{"codec_type": "video", "width": 320, "height": 240, "r_frame_rate": "0/0"}], "format": {"duration": "2.0"}}`)

	info, err := parseProbeOutput(output)
	if err != nil {
		t.Fatalf("parseProbeOutput failed: %v", err)
	}
	if info.FPS != DefaultFPS {
		t.Errorf("Expected fallback fps %v, got %v", DefaultFPS, info.FPS)
	}
	if info.Frames != 60 {
		t.Errorf("Expected frames estimated from duration, got %d", info.Frames)
	}
}

func TestParseProbeOutput_Errors(t *testing.T) {
	cases := map[string]string{
		"bad json":  `not json`,
		"no video":  `{"streams": [{"codec_type": "audio"}]}`,
		"zero size": `{"streams": [{"codec_type": "video", "width": 0, "height": 0}]}`,
	}
	for name, out := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := parseProbeOutput([]byte(out)); err == nil {
				t.Error("Expected error")
			}
		})
	}
}

func TestFFmpegOpener_ProbeMissingFile(t *testing.T) {
	o := NewFFmpegOpener(HWAccelNone)
	_, err := o.Probe(context.Background(), filepath.Join(t.TempDir(), "missing.mp4"))

	var openErr *MediaOpenError
	if !errors.As(err, &openErr) {
		t.Fatalf("Expected MediaOpenError, got %v", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected MediaOpenError to unwrap to os.ErrNotExist")
	}
}

func TestFFmpegOpener_BuildArgs(t *testing.T) {
	o := NewFFmpegOpener(HWAccelCUDA)
	args := o.buildArgs(context.Background(), "/tmp/in.mp4", Size{Width: 320, Height: 240})

	joined := ""
	for _, a := range args {
		joined += a + " "
	}
	for _, want := range []string{"-hwaccel cuda", "-i /tmp/in.mp4", "scale=320:240", "-f rawvideo", "-pix_fmt rgba"} {
		if !bytes.Contains([]byte(joined), []byte(want)) {
			t.Errorf("Expected %q in args %v", want, args)
		}
	}
}

func TestRawSource(t *testing.T) {
	size := Size{Width: 2, Height: 2}
	frame := bytes.Repeat([]byte{10, 20, 30, 255}, 4)

	// Two full frames plus a truncated tail
	data := append(append(append([]byte{}, frame...), frame...), 1, 2, 3)

	closed := 0
	src := newRawSource(bytes.NewReader(data), size, func() error { closed++; return nil })

	for i := 0; i < 2; i++ {
		img, err := src.Read()
		if err != nil {
			t.Fatalf("Read %d failed: %v", i, err)
		}
		if img.Bounds() != image.Rect(0, 0, 2, 2) {
			t.Errorf("Unexpected bounds %v", img.Bounds())
		}
		r, g, b, _ := img.At(1, 1).RGBA()
		if r>>8 != 10 || g>>8 != 20 || b>>8 != 30 {
			t.Errorf("Unexpected pixel %d,%d,%d", r>>8, g>>8, b>>8)
		}
	}

	if _, err := src.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("Expected io.EOF, got %v", err)
	}

	_ = src.Close()
	_ = src.Close()
	if closed != 1 {
		t.Errorf("Expected close once, got %d", closed)
	}
}

func TestNewOpener(t *testing.T) {
	o, err := NewOpener("", HWAccelNone)
	if err != nil {
		t.Fatalf("NewOpener failed: %v", err)
	}
	if _, ok := o.(*FFmpegOpener); !ok {
		t.Errorf("Expected ffmpeg opener by default, got %T", o)
	}

	if _, err := NewOpener("quicktime", HWAccelNone); err == nil {
		t.Error("Expected error for unknown decoder")
	}
}

func TestMediaErrors(t *testing.T) {
	inner := errors.New("moov atom not found")

	openErr := &MediaOpenError{Path: "a.mp4", Err: inner}
	readErr := &MediaReadError{Path: "a.mp4", Err: inner}

	if !errors.Is(openErr, inner) || !errors.Is(readErr, inner) {
		t.Error("Expected media errors to unwrap")
	}
	if openErr.Error() == readErr.Error() {
		t.Error("Expected distinct messages")
	}
}
