package api

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/Spatial-NVR/trafficspeed/internal/pipeline"
)

func TestJobHandler_SubmitWithCalibration(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"traffic_cam_id":  3,
		"video_filename":  "../escape/clip.mp4",
		"start_datetime":  "2024-05-01T08:00:00Z",
		"end_datetime":    "2024-05-01T08:01:00Z",
		"start_ref_line":  map[string]float64{"ax": 0, "ay": 100, "bx": 640, "by": 100},
		"finish_ref_line": map[string]float64{"ax": 0, "ay": 300, "bx": 640, "by": 300},
		"ref_distance":    20,
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	var accepted JobAccepted
	decodeData(t, w, &accepted)
	if accepted.JobID == "" || accepted.CameraID != 3 {
		t.Errorf("Unexpected body %+v", accepted)
	}

	if len(ts.submitter.jobs) != 1 {
		t.Fatalf("Expected 1 submitted job, got %d", len(ts.submitter.jobs))
	}
	job := ts.submitter.jobs[0]
	if job.VideoPath != filepath.Join("/data/downloads", "clip.mp4") {
		t.Errorf("Expected video inside download dir, got %s", job.VideoPath)
	}
	if job.ID != accepted.JobID {
		t.Errorf("Expected job id %s, got %s", accepted.JobID, job.ID)
	}
}

func TestJobHandler_SubmitEnrichesFromCamera(t *testing.T) {
	ts := newTestServer(t)
	cam := createCamera(t, ts, cameraBody())

	w := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"traffic_cam_id": cam.ID,
		"video_path":     "/videos/clip.mp4",
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", w.Code, w.Body.String())
	}

	job := ts.submitter.jobs[0]
	if job.ReferenceDistanceMeters != 25 {
		t.Errorf("Expected distance from camera, got %v", job.ReferenceDistanceMeters)
	}
	if job.StartLine.A.Y != 100 || job.FinishLine.A.Y != 300 {
		t.Errorf("Expected lines from camera, got %+v %+v", job.StartLine, job.FinishLine)
	}
}

func TestJobHandler_SubmitErrors(t *testing.T) {
	tests := []struct {
		name   string
		body   any
		status int
	}{
		{"malformed", "{", http.StatusBadRequest},
		{"bad time", map[string]any{"traffic_cam_id": 1, "video_path": "/v.mp4", "start_datetime": "yesterday"}, http.StatusBadRequest},
		{"unknown camera", map[string]any{"traffic_cam_id": 77, "video_path": "/v.mp4"}, http.StatusNotFound},
		{"no camera or calibration", map[string]any{"video_path": "/v.mp4"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			w := ts.do(t, http.MethodPost, "/api/jobs", tt.body)
			if w.Code != tt.status {
				t.Errorf("Expected %d, got %d: %s", tt.status, w.Code, w.Body.String())
			}
			if len(ts.submitter.jobs) != 0 {
				t.Error("Rejected job must not be submitted")
			}
		})
	}
}

func TestJobHandler_SubmitMissingVideo(t *testing.T) {
	ts := newTestServer(t)
	cam := createCamera(t, ts, cameraBody())

	w := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{"traffic_cam_id": cam.ID})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", w.Code)
	}
	resp := decodeData(t, w, nil)
	if resp.Error.Details[0].Field != "video_path" {
		t.Errorf("Expected video_path error, got %+v", resp.Error)
	}
}

func TestJobHandler_SubmitAfterStop(t *testing.T) {
	ts := newTestServer(t)
	ts.submitter.err = pipeline.ErrStopped
	cam := createCamera(t, ts, cameraBody())

	w := ts.do(t, http.MethodPost, "/api/jobs", map[string]any{
		"traffic_cam_id": cam.ID,
		"video_path":     "/videos/clip.mp4",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", w.Code)
	}
}
