package video

import (
	"context"
	"errors"
	"testing"
)

func TestParseHWAccel(t *testing.T) {
	tests := []struct {
		input   string
		want    HWAccelType
		wantErr bool
	}{
		{"", HWAccelNone, false},
		{"auto", HWAccelAuto, false},
		{"CUDA", HWAccelCUDA, false},
		{" vaapi ", HWAccelVAAPI, false},
		{"dxva9", HWAccelNone, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseHWAccel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHWAccel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseHWAccel(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestDecodeArgs(t *testing.T) {
	if args := DecodeArgs(HWAccelNone); args != nil {
		t.Errorf("Expected no args for software decode, got %v", args)
	}

	args := DecodeArgs(HWAccelVAAPI)
	if len(args) != 4 || args[1] != "vaapi" || args[3] != "/dev/dri/renderD128" {
		t.Errorf("Unexpected VAAPI args %v", args)
	}

	args = DecodeArgs(HWAccelQSV)
	if len(args) != 2 || args[0] != "-hwaccel" || args[1] != "qsv" {
		t.Errorf("Unexpected QSV args %v", args)
	}
}

func TestParseHWAccels(t *testing.T) {
	output := []byte("Hardware acceleration methods:\nvdpau\ncuda\nvaapi\n\n")
	got := parseHWAccels(output)

	if len(got) != 2 || got[0] != HWAccelCUDA || got[1] != HWAccelVAAPI {
		t.Errorf("Unexpected parse result %v", got)
	}
}

func TestHWAccelResolver_Resolve(t *testing.T) {
	calls := 0
	r := NewHWAccelResolver()
	r.listFn = func(ctx context.Context) ([]byte, error) {
		calls++
		return []byte("Hardware acceleration methods:\nvaapi\nqsv\n"), nil
	}

	if got := r.Resolve(context.Background(), HWAccelAuto); got != HWAccelQSV {
		t.Errorf("Expected qsv to be preferred over vaapi, got %q", got)
	}
	if got := r.Resolve(context.Background(), HWAccelCUDA); got != HWAccelCUDA {
		t.Errorf("Expected explicit type to pass through, got %q", got)
	}

	r.Resolve(context.Background(), HWAccelAuto)
	if calls != 1 {
		t.Errorf("Expected ffmpeg to be listed once, got %d calls", calls)
	}
}

func TestHWAccelResolver_ListFailure(t *testing.T) {
	r := NewHWAccelResolver()
	r.listFn = func(ctx context.Context) ([]byte, error) {
		return nil, errors.New("ffmpeg not found")
	}

	if got := r.Resolve(context.Background(), HWAccelAuto); got != HWAccelNone {
		t.Errorf("Expected software decode on failure, got %q", got)
	}
}
