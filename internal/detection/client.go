package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image/jpeg"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Client is an HTTP client for an external detection and tracking service.
// Each client owns one tracker session on the service.
type Client struct {
	mu         sync.RWMutex
	httpClient *http.Client
	baseURL    string
	sessionID  string
	minConf    float64
	model      string
	quality    int
	logger     *slog.Logger

	// Stats
	requestCount int64
	errorCount   int64
	totalLatency time.Duration
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address       string
	Timeout       time.Duration
	MinConfidence float64
	Model         string
	JPEGQuality   int
}

// NewClient creates a new detection service client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("detection service address is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = 85
	}

	baseURL := cfg.Address
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "http://" + baseURL
	}

	sessionID := uuid.New().String()
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sessionID: sessionID,
		minConf:   cfg.MinConfidence,
		model:     cfg.Model,
		quality:   cfg.JPEGQuality,
		logger:    slog.Default().With("component", "detection_client", "session", sessionID),
	}, nil
}

// NewClientFactory returns a Factory that builds one client per worker
func NewClientFactory(cfg ClientConfig) Factory {
	return func(workerID int) (Detector, error) {
		c, err := NewClient(cfg)
		if err != nil {
			return nil, err
		}
		c.logger = c.logger.With("worker", workerID)
		return c, nil
	}
}

// SessionID returns the tracker session used by this client
func (c *Client) SessionID() string {
	return c.sessionID
}

type trackResponse struct {
	Success     bool   `json:"success"`
	Error       string `json:"error"`
	EndOfStream bool   `json:"end_of_stream"`
	Detections  []struct {
		TrackID    *int    `json:"track_id"`
		Label      string  `json:"label"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			CX     float64 `json:"cx"`
			CY     float64 `json:"cy"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"bbox"`
	} `json:"detections"`
	ProcessTimeMs float64 `json:"process_time_ms"`
}

// Detect sends a frame to the tracker and returns boxes that carry a track ID
func (c *Client) Detect(ctx context.Context, frame *Frame) ([]Detection, error) {
	c.mu.Lock()
	c.requestCount++
	c.mu.Unlock()

	start := time.Now()

	body := map[string]interface{}{
		"session_id":     c.sessionID,
		"frame_index":    frame.Index,
		"min_confidence": c.minConf,
		"persist":        true,
	}
	if c.model != "" {
		body["model"] = c.model
	}

	if frame.Image != nil {
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, frame.Image, &jpeg.Options{Quality: c.quality}); err != nil {
			c.countError()
			return nil, fmt.Errorf("failed to encode frame: %w", err)
		}
		body["image_data"] = base64.StdEncoding.EncodeToString(buf.Bytes())
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		c.countError()
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/track", bytes.NewReader(jsonBody))
	if err != nil {
		c.countError()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.countError()
		return nil, fmt.Errorf("tracking request failed: %w", err)
	}
	defer resp.Body.Close()

	c.mu.Lock()
	c.totalLatency += time.Since(start)
	c.mu.Unlock()

	var result trackResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		c.countError()
		return nil, fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if result.EndOfStream {
		return nil, ErrEndOfStream
	}
	if !result.Success {
		c.countError()
		if result.Error == "" {
			result.Error = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("tracking failed: %s", result.Error)
	}

	detections := make([]Detection, 0, len(result.Detections))
	for _, d := range result.Detections {
		// Boxes without an identity cannot be paired across frames
		if d.TrackID == nil {
			continue
		}
		detections = append(detections, Detection{
			TrackID:    *d.TrackID,
			Label:      d.Label,
			Confidence: d.Confidence,
			CenterX:    d.BBox.CX,
			CenterY:    d.BBox.CY,
			Width:      d.BBox.Width,
			Height:     d.BBox.Height,
		})
	}

	return detections, nil
}

// Reset drops the tracker state held by the service for this session
func (c *Client) Reset(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "DELETE", c.baseURL+"/sessions/"+c.sessionID, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reset session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to reset session: status %d", resp.StatusCode)
	}
	return nil
}

// Close releases the session on the service
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.Reset(ctx); err != nil {
		c.logger.Debug("Failed to release session", "error", err)
	}
	return nil
}

// Stats returns client statistics
func (c *Client) Stats() (requests int64, errors int64, avgLatency time.Duration) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	requests = c.requestCount
	errors = c.errorCount
	if requests > 0 {
		avgLatency = c.totalLatency / time.Duration(requests)
	}
	return
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}
