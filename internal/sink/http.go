package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// Record is the body posted to the data server
type Record struct {
	TrafficCamID  int     `json:"traffic_cam_id"`
	StartDatetime string  `json:"start_datetime"`
	EndDatetime   string  `json:"end_datetime"`
	VehicleCount  int     `json:"vehicle_count"`
	AverageSpeed  float64 `json:"average_speed"`
}

// NewRecord builds the data server record for a result
func NewRecord(job *jobs.Job, result *jobs.Result) Record {
	return Record{
		TrafficCamID:  job.CameraID,
		StartDatetime: formatTime(job.WindowStart),
		EndDatetime:   formatTime(job.WindowEnd),
		VehicleCount:  result.VehicleCount,
		AverageSpeed:  result.AverageSpeed,
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// HTTPSinkConfig configures an HTTPSink
type HTTPSinkConfig struct {
	// BaseURL of the data server; the record is posted to BaseURL/record
	BaseURL string
	Timeout time.Duration
	APIKey  string
}

// HTTPSink posts results to the data server
type HTTPSink struct {
	url    string
	apiKey string
	client *http.Client
	logger *slog.Logger
}

// NewHTTPSink creates a data server sink
func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &HTTPSink{
		url:    strings.TrimRight(cfg.BaseURL, "/") + "/record",
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: slog.Default().With("component", "http-sink"),
	}
}

// Publish implements Sink. Any status other than 200 is an error.
func (s *HTTPSink) Publish(ctx context.Context, job *jobs.Job, result *jobs.Result) error {
	body, err := json.Marshal(NewRecord(job, result))
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send record: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("data server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	s.logger.Info("Record sent", "job_id", job.ID, "camera_id", job.CameraID,
		"vehicle_count", result.VehicleCount, "average_speed", result.AverageSpeed)
	return nil
}
