package video

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
)

// HWAccelType is an FFmpeg hardware decode method
type HWAccelType string

const (
	HWAccelNone         HWAccelType = ""
	HWAccelAuto         HWAccelType = "auto"
	HWAccelCUDA         HWAccelType = "cuda"         // NVIDIA GPU
	HWAccelVideoToolbox HWAccelType = "videotoolbox" // macOS
	HWAccelVAAPI        HWAccelType = "vaapi"        // Linux VA-API
	HWAccelQSV          HWAccelType = "qsv"          // Intel Quick Sync
	HWAccelD3D11VA      HWAccelType = "d3d11va"      // Windows DirectX 11
	HWAccelVulkan       HWAccelType = "vulkan"
)

// priority is the preference order for auto selection
var priority = []HWAccelType{
	HWAccelCUDA,
	HWAccelVideoToolbox,
	HWAccelQSV,
	HWAccelVAAPI,
	HWAccelD3D11VA,
	HWAccelVulkan,
}

// ParseHWAccel validates a configured acceleration name
func ParseHWAccel(name string) (HWAccelType, error) {
	accel := HWAccelType(strings.ToLower(strings.TrimSpace(name)))
	switch accel {
	case HWAccelNone, HWAccelAuto:
		return accel, nil
	}
	for _, p := range priority {
		if p == accel {
			return accel, nil
		}
	}
	return HWAccelNone, fmt.Errorf("unsupported hwaccel %q", name)
}

// DecodeArgs returns the FFmpeg input arguments for an acceleration type.
// Frames are always downloaded to system memory since they are piped out raw.
func DecodeArgs(accel HWAccelType) []string {
	switch accel {
	case HWAccelCUDA:
		return []string{"-hwaccel", "cuda"}
	case HWAccelVAAPI:
		return []string{"-hwaccel", "vaapi", "-hwaccel_device", "/dev/dri/renderD128"}
	case HWAccelVideoToolbox, HWAccelQSV, HWAccelD3D11VA, HWAccelVulkan:
		return []string{"-hwaccel", string(accel)}
	default:
		return nil
	}
}

// HWAccelResolver resolves "auto" against what the local FFmpeg build supports
type HWAccelResolver struct {
	mu        sync.Mutex
	available []HWAccelType
	probed    bool
	listFn    func(ctx context.Context) ([]byte, error)
	logger    *slog.Logger
}

// NewHWAccelResolver creates a resolver that lists accelerations with ffmpeg
func NewHWAccelResolver() *HWAccelResolver {
	return &HWAccelResolver{
		listFn: func(ctx context.Context) ([]byte, error) {
			return exec.CommandContext(ctx, "ffmpeg", "-hide_banner", "-hwaccels").CombinedOutput()
		},
		logger: slog.Default().With("component", "hwaccel"),
	}
}

// Resolve maps a requested acceleration to the one to use. Explicit types are
// returned as-is; auto picks the best available one or none.
func (r *HWAccelResolver) Resolve(ctx context.Context, requested HWAccelType) HWAccelType {
	if requested != HWAccelAuto {
		return requested
	}

	available := r.Available(ctx)
	for _, p := range priority {
		for _, a := range available {
			if a == p {
				return p
			}
		}
	}
	return HWAccelNone
}

// Available returns the accelerations reported by ffmpeg, cached after the first call
func (r *HWAccelResolver) Available(ctx context.Context) []HWAccelType {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.probed {
		return r.available
	}
	r.probed = true

	output, err := r.listFn(ctx)
	if err != nil {
		r.logger.Warn("Failed to list hwaccels, using software decode", "error", err)
		return nil
	}

	r.available = parseHWAccels(output)
	r.logger.Info("Hardware decode methods detected", "available", r.available)
	return r.available
}

// parseHWAccels parses the output of `ffmpeg -hwaccels`
func parseHWAccels(output []byte) []HWAccelType {
	var found []HWAccelType
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasSuffix(line, ":") {
			continue
		}
		for _, p := range priority {
			if line == string(p) {
				found = append(found, p)
			}
		}
	}
	return found
}
