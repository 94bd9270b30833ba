// Package processor drives a single video job through frame decoding,
// detection and crossing tracking to produce a result.
package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Spatial-NVR/trafficspeed/internal/crossing"
	"github.com/Spatial-NVR/trafficspeed/internal/detection"
	"github.com/Spatial-NVR/trafficspeed/internal/geometry"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
	"github.com/Spatial-NVR/trafficspeed/internal/video"
)

// Config controls how frames are sampled and filtered
type Config struct {
	// FrameStride processes every Nth frame. Values below 1 mean every frame.
	FrameStride    int
	MaxWidth       int
	MaxHeight      int
	HistoryLength  int
	VehicleClasses []string
}

// Processor runs jobs. It holds no per-job state and may be shared by workers;
// the detector passed to Process must belong to the calling worker.
type Processor struct {
	opener video.Opener
	cfg    Config
	filter atomic.Pointer[detection.ClassFilter]
	logger *slog.Logger
}

// New creates a processor
func New(opener video.Opener, cfg Config) *Processor {
	if cfg.FrameStride < 1 {
		cfg.FrameStride = 1
	}
	p := &Processor{
		opener: opener,
		cfg:    cfg,
		logger: slog.Default().With("component", "processor"),
	}
	p.SetVehicleClasses(cfg.VehicleClasses)
	return p
}

// SetVehicleClasses replaces the label allow-list. Jobs already running keep
// the list they started with.
func (p *Processor) SetVehicleClasses(labels []string) {
	f := detection.NewClassFilter(labels)
	p.filter.Store(&f)
}

// Bounds combines the configured maximum processing size with a target
// resolution preset. Zero limits are ignored.
func Bounds(maxWidth, maxHeight int, target video.Resolution) (int, int) {
	return minPositive(maxWidth, target.Width), minPositive(maxHeight, target.Height)
}

func minPositive(a, b int) int {
	switch {
	case a <= 0:
		return b
	case b <= 0:
		return a
	default:
		return min(a, b)
	}
}

// Process decodes the job's video and returns its crossing result.
//
// It fails with *video.MediaOpenError when the video cannot be opened and
// *video.MediaReadError when the first frame cannot be read. Detector
// failures on individual frames count as frames without detections, unless
// the detector reports detection.ErrEndOfStream, which ends the job normally.
//
// Reference lines are in source-video pixels. Frames are downscaled for
// detection and box centers are mapped back before tracking.
func (p *Processor) Process(ctx context.Context, job *jobs.Job, det detection.Detector) (*jobs.Result, error) {
	started := time.Now()
	logger := p.logger.With("job_id", job.ID, "camera_id", job.CameraID)

	info, err := p.opener.Probe(ctx, job.VideoPath)
	if err != nil {
		var openErr *video.MediaOpenError
		if !errors.As(err, &openErr) {
			err = &video.MediaOpenError{Path: job.VideoPath, Err: err}
		}
		return nil, err
	}

	if info.FPS <= 0 {
		info.FPS = video.DefaultFPS
	}

	size := video.ScaledSize(info.Width, info.Height, p.cfg.MaxWidth, p.cfg.MaxHeight)
	scale := video.ComputeScale(info.Width, info.Height, p.cfg.MaxWidth, p.cfg.MaxHeight)

	src, err := p.opener.Open(ctx, job.VideoPath, info, size)
	if err != nil {
		var openErr *video.MediaOpenError
		if !errors.As(err, &openErr) {
			err = &video.MediaOpenError{Path: job.VideoPath, Err: err}
		}
		return nil, err
	}
	defer src.Close()

	img, err := src.Read()
	if err != nil {
		return nil, &video.MediaReadError{Path: job.VideoPath, Err: err}
	}

	if r, ok := det.(detection.Resetter); ok {
		if err := r.Reset(ctx); err != nil {
			logger.Warn("Failed to reset detector before job", "error", err)
		}
	}

	filter := *p.filter.Load()
	tracker := crossing.NewTracker(crossing.Config{
		StartLine:      job.StartLine,
		FinishLine:     job.FinishLine,
		DistanceMeters: job.ReferenceDistanceMeters,
		HistoryLength:  p.cfg.HistoryLength,
	})

	logger.Info("Processing video",
		"path", job.VideoPath,
		"source_size", video.Size{Width: info.Width, Height: info.Height}.String(),
		"processing_size", size.String(),
		"fps", info.FPS,
		"stride", p.cfg.FrameStride)

	var (
		index         int64
		read          int64 = 1
		processed     int64
		backendErrors int
	)

loop:
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if index%int64(p.cfg.FrameStride) == 0 {
			offset := frameOffset(index, info.FPS)
			frame := &detection.Frame{
				Index:  index,
				Offset: offset,
				Image:  img,
				Width:  size.Width,
				Height: size.Height,
			}

			dets, err := det.Detect(ctx, frame)
			switch {
			case errors.Is(err, detection.ErrEndOfStream):
				break loop
			case err != nil:
				backendErrors++
				logger.Debug("Treating frame as empty", "error", &detection.BackendError{FrameIndex: index, Err: err})
			default:
				ts := job.WindowStart.Add(offset)
				for _, d := range dets {
					if !filter.Allows(d.Label) {
						continue
					}
					tracker.Observe(d.TrackID, toSource(d.Center(), scale), ts)
				}
			}
			processed++
		}

		index++
		img, err = src.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Warn("Video stream ended with error", "frame", index, "error", err)
			}
			break
		}
		read++
	}

	summary := tracker.Summary()
	result := &jobs.Result{
		ID:              uuid.New().String(),
		JobID:           job.ID,
		CameraID:        job.CameraID,
		WindowStart:     job.WindowStart,
		WindowEnd:       job.WindowEnd,
		VehicleCount:    summary.VehicleCount,
		AverageSpeed:    summary.AverageSpeed,
		P85Speed:        summary.P85Speed,
		StdDevSpeed:     summary.StdDevSpeed,
		SpeedSamples:    tracker.Samples(),
		FramesRead:      read,
		FramesProcessed: processed,
		BackendErrors:   backendErrors,
		Duration:        time.Since(started),
		ProcessedAt:     time.Now().UTC(),
	}

	if backendErrors > 0 {
		logger.Warn("Detector failed on some frames", "frames", backendErrors)
	}
	logger.Info("Video processed",
		"vehicle_count", result.VehicleCount,
		"average_speed", result.AverageSpeed,
		"frames", result.FramesProcessed,
		"duration", result.Duration)

	return result, nil
}

// frameOffset is the position of a frame from the start of the video
func frameOffset(index int64, fps float64) time.Duration {
	return time.Duration(math.Round(float64(index) * float64(time.Second) / fps))
}

// toSource maps a point in the processing frame back to source pixels
func toSource(p geometry.Point, scale float64) geometry.Point {
	if scale <= 0 || scale == 1 {
		return p
	}
	return geometry.Point{X: p.X / scale, Y: p.Y / scale}
}
