// Package integration runs jobs through the full service wiring: sources,
// worker pool, processor, sinks, storage and the HTTP API
package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/trafficspeed/internal/api"
	"github.com/Spatial-NVR/trafficspeed/internal/cameras"
	"github.com/Spatial-NVR/trafficspeed/internal/core"
	"github.com/Spatial-NVR/trafficspeed/internal/database"
	"github.com/Spatial-NVR/trafficspeed/internal/detection"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
	"github.com/Spatial-NVR/trafficspeed/internal/pipeline"
	"github.com/Spatial-NVR/trafficspeed/internal/processor"
	"github.com/Spatial-NVR/trafficspeed/internal/results"
	"github.com/Spatial-NVR/trafficspeed/internal/sink"
	"github.com/Spatial-NVR/trafficspeed/internal/source"
	"github.com/Spatial-NVR/trafficspeed/internal/video"
)

// clipOpener serves six blank 320x240 frames at 10 fps. Paths containing
// "missing" fail to open.
type clipOpener struct{}

func (clipOpener) Probe(ctx context.Context, path string) (video.Info, error) {
	if strings.Contains(path, "missing") {
		return video.Info{}, &video.MediaOpenError{Path: path, Err: io.ErrUnexpectedEOF}
	}
	return video.Info{Width: 320, Height: 240, FPS: 10, Frames: 6}, nil
}

func (clipOpener) Open(ctx context.Context, path string, info video.Info, size video.Size) (video.Source, error) {
	return &clipSource{size: size}, nil
}

type clipSource struct {
	size   video.Size
	served int
}

func (s *clipSource) Read() (image.Image, error) {
	if s.served >= 6 {
		return nil, io.EOF
	}
	s.served++
	return image.NewRGBA(image.Rect(0, 0, s.size.Width, s.size.Height)), nil
}

func (s *clipSource) Close() error { return nil }

// carDetector moves one car across both lines: start at 0.1s, finish at 0.3s
type carDetector struct{}

func (carDetector) Detect(ctx context.Context, frame *detection.Frame) ([]detection.Detection, error) {
	ys := map[int64]float64{0: 50, 1: 150, 2: 180, 3: 250}
	y, ok := ys[frame.Index]
	if !ok {
		return nil, nil
	}
	return []detection.Detection{{TrackID: 1, Label: "car", CenterX: 50, CenterY: y, Width: 20, Height: 10}}, nil
}

func (carDetector) Close() error { return nil }

// dataServer records POST /record bodies
type dataServer struct {
	mu      sync.Mutex
	records []sink.Record
}

func (d *dataServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/record" || r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var rec sink.Record
	if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	d.mu.Lock()
	d.records = append(d.records, rec)
	d.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (d *dataServer) Records() []sink.Record {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]sink.Record(nil), d.records...)
}

// TestEnv holds the wired service
type TestEnv struct {
	DB       *database.DB
	Bus      *core.EventBus
	Registry *cameras.Registry
	Store    *results.Store
	Pool     *pipeline.Pool
	Data     *dataServer
	Server   *httptest.Server
}

// SetupTestEnv wires the service the way cmd/trafficd does, with a fake
// decoder and detector
func SetupTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	tmpDir := t.TempDir()

	db, err := database.Open(database.DefaultConfig(filepath.Join(tmpDir, "test.db")))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if _, err := database.NewMigrator(db).Run(context.Background()); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	bus, err := core.NewEventBus(core.EventBusConfig{Host: "127.0.0.1", Port: -1}, nil)
	if err != nil {
		t.Fatalf("Failed to start event bus: %v", err)
	}
	t.Cleanup(bus.Stop)

	data := &dataServer{}
	dataSrv := httptest.NewServer(data)
	t.Cleanup(dataSrv.Close)

	registry := cameras.NewRegistry(db)
	store := results.NewStore(db)

	sinks := sink.NewMulti(
		sink.Named{Name: "data-server", Sink: sink.NewHTTPSink(sink.HTTPSinkConfig{BaseURL: dataSrv.URL})},
		sink.Named{Name: "store", Sink: sink.NewStoreSink(store)},
		sink.Named{Name: "bus", Sink: sink.NewBusSink(bus, core.SubjectResults)},
	)
	reporter := sink.NewReporter(store, bus, core.SubjectJobFailed, nil)

	proc := processor.New(clipOpener{}, processor.Config{MaxWidth: 320, MaxHeight: 240, VehicleClasses: []string{"car"}})
	factory := func(int) (detection.Detector, error) { return carDetector{}, nil }
	pool := pipeline.NewPool(pipeline.Config{NumWorkers: 2}, proc, factory, sinks, reporter)
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start pool: %v", err)
	}
	t.Cleanup(func() { _ = pool.DrainAndStop() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	subscriber := source.NewBusSubscriber(bus, core.SubjectJobSubmit, filepath.Join(tmpDir, "downloads"), pool, registry)
	go func() { _ = subscriber.Run(ctx) }()

	router := api.NewRouter(api.RouterConfig{
		System:  api.NewSystemHandler("test", map[string]api.HealthCheck{"database": db.Health, "eventbus": bus.HealthCheck}, pool, nil),
		Jobs:    api.NewJobHandler(pool, registry, filepath.Join(tmpDir, "downloads")),
		Results: api.NewResultHandler(store),
		Cameras: api.NewCameraHandler(registry),
	})
	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &TestEnv{
		DB:       db,
		Bus:      bus,
		Registry: registry,
		Store:    store,
		Pool:     pool,
		Data:     data,
		Server:   server,
	}
}

func (e *TestEnv) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	buf, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("Failed to encode body: %v", err)
	}
	resp, err := http.Post(e.Server.URL+path, "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("POST %s failed: %v", path, err)
	}
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (e *TestEnv) get(t *testing.T, path string, v any) api.Response {
	t.Helper()
	resp, err := http.Get(e.Server.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var env struct {
		api.Response
		Data json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode %s: %v", path, err)
	}
	if v != nil {
		if err := json.Unmarshal(env.Data, v); err != nil {
			t.Fatalf("Failed to decode data of %s: %v", path, err)
		}
	}
	return env.Response
}

func (e *TestEnv) createCamera(t *testing.T) cameras.Camera {
	t.Helper()
	resp := e.post(t, "/api/cameras", map[string]any{
		"alias":           "Bloor St westbound",
		"location_lat":    43.67,
		"location_lng":    -79.39,
		"start_ref_line":  map[string]float64{"ax": 0, "ay": 100, "bx": 320, "by": 100},
		"finish_ref_line": map[string]float64{"ax": 0, "ay": 200, "bx": 320, "by": 200},
		"ref_distance":    2,
	})
	if resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		t.Fatalf("Expected 201, got %d: %s", resp.StatusCode, body)
	}
	var env struct {
		Data cameras.Camera `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		t.Fatalf("Failed to decode camera: %v", err)
	}
	return env.Data
}

func TestPipeline_APIJobToRecord(t *testing.T) {
	env := SetupTestEnv(t)
	cam := env.createCamera(t)

	resp := env.post(t, "/api/jobs", map[string]any{
		"traffic_cam_id": cam.ID,
		"video_path":     "/videos/bloor.mp4",
		"start_datetime": "2024-05-01T08:00:00Z",
		"end_datetime":   "2024-05-01T08:05:00Z",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	if err := env.Pool.DrainAndStop(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	records := env.Data.Records()
	if len(records) != 1 {
		t.Fatalf("Expected 1 record at the data server, got %d", len(records))
	}
	rec := records[0]
	if rec.TrafficCamID != cam.ID || rec.VehicleCount != 1 || rec.AverageSpeed < 35.9 || rec.AverageSpeed > 36.1 {
		t.Errorf("Unexpected record %+v", rec)
	}
	if rec.StartDatetime != "2024-05-01T08:00:00Z" {
		t.Errorf("Unexpected start %s", rec.StartDatetime)
	}

	var stored []jobs.Result
	r := env.get(t, "/api/results?camera_id="+strconv.Itoa(cam.ID), &stored)
	if r.Meta == nil || r.Meta.Total != 1 || len(stored) != 1 {
		t.Fatalf("Expected 1 stored result, got %+v", r.Meta)
	}
	if stored[0].FramesRead != 6 {
		t.Errorf("Expected 6 frames read, got %d", stored[0].FramesRead)
	}

	var status pipeline.Status
	env.get(t, "/api/pipeline", &status)
	if status.State != pipeline.PoolStopped || status.Processed != 1 {
		t.Errorf("Unexpected pipeline status %+v", status)
	}
}

func TestPipeline_FailureIsRecorded(t *testing.T) {
	env := SetupTestEnv(t)
	cam := env.createCamera(t)

	failed := make(chan jobs.Failure, 1)
	if _, err := env.Bus.Subscribe(core.SubjectJobFailed, func(msg *nats.Msg) {
		var f jobs.Failure
		if json.Unmarshal(msg.Data, &f) == nil {
			failed <- f
		}
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	resp := env.post(t, "/api/jobs", map[string]any{
		"traffic_cam_id": cam.ID,
		"video_path":     "/videos/missing.mp4",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d", resp.StatusCode)
	}

	select {
	case f := <-failed:
		if f.Kind != sink.KindMediaOpen || f.CameraID != cam.ID {
			t.Errorf("Unexpected failure event %+v", f)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("No failure published on the bus")
	}

	if err := env.Pool.DrainAndStop(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	var failures []jobs.Failure
	env.get(t, "/api/failures", &failures)
	if len(failures) != 1 || failures[0].Kind != sink.KindMediaOpen {
		t.Errorf("Unexpected failures %+v", failures)
	}
	if n := len(env.Data.Records()); n != 0 {
		t.Errorf("Failed job must not reach the data server, got %d records", n)
	}
}

func TestPipeline_BusSubmission(t *testing.T) {
	env := SetupTestEnv(t)
	cam := env.createCamera(t)

	msg, err := env.Bus.Request(core.SubjectJobSubmit, map[string]any{
		"traffic_cam_id": cam.ID,
		"video_path":     "/videos/bus.mp4",
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	var reply source.SubmitReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		t.Fatalf("Invalid reply: %v", err)
	}
	if reply.Error != "" || reply.JobID == "" {
		t.Fatalf("Unexpected reply %+v", reply)
	}

	if err := env.Pool.DrainAndStop(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if n := len(env.Data.Records()); n != 1 {
		t.Errorf("Expected 1 record, got %d", n)
	}
}

func TestPipeline_SubmitAfterDrain(t *testing.T) {
	env := SetupTestEnv(t)
	cam := env.createCamera(t)

	if err := env.Pool.DrainAndStop(); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	resp := env.post(t, "/api/jobs", map[string]any{
		"traffic_cam_id": cam.ID,
		"video_path":     "/videos/late.mp4",
	})
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("Expected 503 after drain, got %d", resp.StatusCode)
	}
}

func TestHealth(t *testing.T) {
	env := SetupTestEnv(t)

	var health api.HealthResponse
	r := env.get(t, "/health", &health)
	if !r.Success || health.Checks["database"] != "ok" || health.Checks["eventbus"] != "ok" {
		t.Errorf("Unexpected health %+v", health)
	}
}
