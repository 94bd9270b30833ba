package source

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// MetadataHeader carries the job JSON on a queued video response
const MetadataHeader = "X-Video-Metadata"

// PollerConfig configures a Poller
type PollerConfig struct {
	// BaseURL of the video server
	BaseURL     string
	Interval    time.Duration
	DownloadDir string
	APIKey      string
	Timeout     time.Duration
}

// Poller pulls queued videos from the video server. Each response body is a
// video file and its metadata header describes the job.
type Poller struct {
	cfg       PollerConfig
	url       string
	client    *http.Client
	submitter Submitter
	enricher  Enricher
	logger    *slog.Logger
}

// NewPoller creates a poller. enricher may be nil.
func NewPoller(cfg PollerConfig, submitter Submitter, enricher Enricher) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		// Videos can be large
		cfg.Timeout = 10 * time.Minute
	}
	return &Poller{
		cfg:       cfg,
		url:       strings.TrimRight(cfg.BaseURL, "/") + "/get_video_from_queue",
		client:    &http.Client{Timeout: cfg.Timeout},
		submitter: submitter,
		enricher:  enricher,
		logger:    slog.Default().With("component", "poller"),
	}
}

// Run polls until ctx is cancelled. The queue is drained on every tick.
func (p *Poller) Run(ctx context.Context) error {
	if err := os.MkdirAll(p.cfg.DownloadDir, 0755); err != nil {
		return fmt.Errorf("failed to create download directory: %w", err)
	}

	p.logger.Info("Polling video server", "url", p.url, "interval", p.cfg.Interval)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.drain(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *Poller) drain(ctx context.Context) {
	for ctx.Err() == nil {
		fetched, err := p.PollOnce(ctx)
		if err != nil {
			if ctx.Err() == nil {
				p.logger.Warn("Poll failed", "error", err)
			}
			return
		}
		if !fetched {
			return
		}
	}
}

// PollOnce fetches at most one video. It reports false when the queue is empty.
func (p *Poller) PollOnce(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false, err
	}
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("failed to reach video server: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("video server returned %d", resp.StatusCode)
	}

	meta := resp.Header.Get(MetadataHeader)
	if meta == "" {
		return false, fmt.Errorf("response is missing %s header", MetadataHeader)
	}

	job, err := jobs.FromJSON([]byte(meta), p.cfg.DownloadDir)
	if err != nil {
		return false, err
	}

	name := attachmentName(resp.Header.Get("Content-Disposition"), job.ID)
	if job.VideoPath != "" {
		name = filepath.Base(job.VideoPath)
	}
	job.VideoPath = filepath.Join(p.cfg.DownloadDir, name)

	size, err := download(resp.Body, job.VideoPath)
	if err != nil {
		return false, err
	}

	logger := p.logger.With("job_id", job.ID, "camera_id", job.CameraID)
	logger.Info("Video downloaded", "path", job.VideoPath, "bytes", size)

	if err := prepare(ctx, job, p.enricher, p.submitter); err != nil {
		// Already removed from the remote queue, the file is kept for inspection
		logger.Error("Rejected queued video", "error", err)
	}
	return true, nil
}

// download writes r to path through a temp file so workers never see a
// partial video
func download(r io.Reader, path string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".download-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	n, err := io.Copy(tmp, r)
	if err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("failed to download video: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, fmt.Errorf("failed to store video: %w", err)
	}
	return n, nil
}

func attachmentName(disposition, fallback string) string {
	if _, params, err := mime.ParseMediaType(disposition); err == nil {
		if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
			return name
		}
	}
	return fallback + ".mp4"
}
