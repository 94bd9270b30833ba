package jobs

import "time"

// Result is the outcome of processing one job
type Result struct {
	ID              string        `json:"id"`
	JobID           string        `json:"job_id"`
	CameraID        int           `json:"camera_id"`
	WindowStart     time.Time     `json:"window_start"`
	WindowEnd       time.Time     `json:"window_end"`
	VehicleCount    int           `json:"vehicle_count"`
	AverageSpeed    float64       `json:"average_speed"`
	P85Speed        float64       `json:"p85_speed"`
	StdDevSpeed     float64       `json:"stddev_speed"`
	SpeedSamples    []float64     `json:"speed_samples"`
	FramesRead      int64         `json:"frames_read"`
	FramesProcessed int64         `json:"frames_processed"`
	BackendErrors   int           `json:"backend_errors"`
	Duration        time.Duration `json:"duration"`
	ProcessedAt     time.Time     `json:"processed_at"`
}

// Failure records a job that could not be processed
type Failure struct {
	JobID    string    `json:"job_id"`
	CameraID int       `json:"camera_id"`
	Kind     string    `json:"kind"`
	Message  string    `json:"message"`
	At       time.Time `json:"at"`
}
