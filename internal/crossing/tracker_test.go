package crossing

import (
	"math"
	"testing"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/geometry"
)

var base = time.Date(2024, 3, 22, 14, 40, 15, 0, time.UTC)

// newTestTracker has a start line at y=100 and a finish line at y=200
func newTestTracker(distance float64) *Tracker {
	return NewTracker(Config{
		StartLine:      geometry.NewLine(0, 100, 1000, 100),
		FinishLine:     geometry.NewLine(0, 200, 1000, 200),
		DistanceMeters: distance,
	})
}

func at(seconds float64) time.Time {
	return base.Add(time.Duration(seconds * float64(time.Second)))
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTracker_NoCrossing(t *testing.T) {
	tr := newTestTracker(40)

	for i := 0; i < 50; i++ {
		tr.Observe(1, geometry.Point{X: 500, Y: 120 + float64(i%10)}, at(float64(i)))
		tr.Observe(2, geometry.Point{X: 300, Y: 10}, at(float64(i)))
	}

	if tr.VehicleCount() != 0 {
		t.Errorf("Expected count 0, got %d", tr.VehicleCount())
	}
	if len(tr.Samples()) != 0 {
		t.Errorf("Expected no samples, got %v", tr.Samples())
	}
}

func TestTracker_StartThenFinish(t *testing.T) {
	tr := newTestTracker(40)

	tr.Observe(7, geometry.Point{X: 500, Y: 90}, at(0))
	obs := tr.Observe(7, geometry.Point{X: 500, Y: 110}, at(1))
	if !obs.CrossedStart || obs.CrossedFinish {
		t.Fatalf("Expected start crossing only, got %+v", obs)
	}
	if _, ok := mustTrack(t, tr, 7).PendingStart(); !ok {
		t.Fatal("Expected pending start timestamp")
	}

	tr.Observe(7, geometry.Point{X: 500, Y: 190}, at(2))
	if tr.VehicleCount() != 0 {
		t.Fatalf("Expected count 0 before finish, got %d", tr.VehicleCount())
	}

	obs = tr.Observe(7, geometry.Point{X: 500, Y: 210}, at(3))
	if !obs.CrossedFinish {
		t.Fatal("Expected finish crossing")
	}
	if tr.VehicleCount() != 1 {
		t.Errorf("Expected count 1, got %d", tr.VehicleCount())
	}

	samples := tr.Samples()
	if len(samples) != 1 {
		t.Fatalf("Expected 1 sample, got %d", len(samples))
	}
	// 40 m in 2 s
	if !approx(samples[0], 72) {
		t.Errorf("Expected 72 km/h, got %f", samples[0])
	}

	track := mustTrack(t, tr, 7)
	if _, ok := track.PendingStart(); ok {
		t.Error("Expected start timestamp cleared after pairing")
	}
	if _, ok := track.PendingFinish(); ok {
		t.Error("Expected no pending finish timestamp")
	}
}

func TestTracker_FinishThenStart(t *testing.T) {
	tr := newTestTracker(50)

	// Moving upward: finish line first
	tr.Observe(3, geometry.Point{X: 500, Y: 210}, at(0))
	tr.Observe(3, geometry.Point{X: 500, Y: 190}, at(0.5))
	if tr.VehicleCount() != 1 {
		t.Fatalf("Expected count 1 after finish crossing, got %d", tr.VehicleCount())
	}
	if _, ok := mustTrack(t, tr, 3).PendingFinish(); !ok {
		t.Fatal("Expected pending finish timestamp")
	}

	tr.Observe(3, geometry.Point{X: 500, Y: 110}, at(1.5))
	obs := tr.Observe(3, geometry.Point{X: 500, Y: 90}, at(3))
	if !obs.CrossedStart {
		t.Fatal("Expected start crossing")
	}

	samples := tr.Samples()
	if len(samples) != 1 {
		t.Fatalf("Expected 1 sample, got %d", len(samples))
	}
	// 50 m in 2.5 s
	if !approx(samples[0], 72) {
		t.Errorf("Expected 72 km/h, got %f", samples[0])
	}
	if tr.VehicleCount() != 1 {
		t.Errorf("Expected count to stay 1, got %d", tr.VehicleCount())
	}
	if _, ok := mustTrack(t, tr, 3).PendingFinish(); ok {
		t.Error("Expected finish timestamp cleared after pairing")
	}
}

func TestTracker_FinishOnlyCounts(t *testing.T) {
	tr := newTestTracker(40)

	tr.Observe(1, geometry.Point{X: 500, Y: 150}, at(0))
	tr.Observe(1, geometry.Point{X: 500, Y: 250}, at(1))

	if tr.VehicleCount() != 1 {
		t.Errorf("Expected count 1, got %d", tr.VehicleCount())
	}
	if len(tr.Samples()) != 0 {
		t.Errorf("Expected no samples, got %v", tr.Samples())
	}
}

func TestTracker_InterleavedTracks(t *testing.T) {
	tr := newTestTracker(36)

	// A and B start 1 s apart
	tr.Observe(1, geometry.Point{X: 100, Y: 90}, at(0))
	tr.Observe(2, geometry.Point{X: 600, Y: 90}, at(0))
	tr.Observe(1, geometry.Point{X: 100, Y: 110}, at(1)) // A starts
	tr.Observe(2, geometry.Point{X: 600, Y: 110}, at(2)) // B starts

	// B finishes first, after 2 s; A finishes after 9 s
	tr.Observe(2, geometry.Point{X: 600, Y: 190}, at(3))
	tr.Observe(2, geometry.Point{X: 600, Y: 210}, at(4)) // B finishes
	tr.Observe(1, geometry.Point{X: 100, Y: 190}, at(5))
	tr.Observe(1, geometry.Point{X: 100, Y: 210}, at(10)) // A finishes

	samples := tr.Samples()
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %v", samples)
	}
	// B: 36 m / 2 s = 64.8 km/h; A: 36 m / 9 s = 14.4 km/h
	if !approx(samples[0], 64.8) {
		t.Errorf("Expected B speed 64.8, got %f", samples[0])
	}
	if !approx(samples[1], 14.4) {
		t.Errorf("Expected A speed 14.4, got %f", samples[1])
	}
	if tr.VehicleCount() != 2 {
		t.Errorf("Expected count 2, got %d", tr.VehicleCount())
	}
}

func TestTracker_RepeatedStartKeepsFirstTimestamp(t *testing.T) {
	tr := newTestTracker(40)

	tr.Observe(1, geometry.Point{X: 500, Y: 90}, at(0))
	tr.Observe(1, geometry.Point{X: 500, Y: 110}, at(1)) // start at t=1
	tr.Observe(1, geometry.Point{X: 500, Y: 90}, at(2))  // back across
	tr.Observe(1, geometry.Point{X: 500, Y: 110}, at(3)) // start again

	ts, ok := mustTrack(t, tr, 1).PendingStart()
	if !ok {
		t.Fatal("Expected pending start")
	}
	if !ts.Equal(at(1)) {
		t.Errorf("Expected first start timestamp to be kept, got %v", ts)
	}

	tr.Observe(1, geometry.Point{X: 500, Y: 190}, at(4))
	tr.Observe(1, geometry.Point{X: 500, Y: 210}, at(5))

	samples := tr.Samples()
	if len(samples) != 1 || !approx(samples[0], 36) {
		t.Errorf("Expected one 36 km/h sample (40 m in 4 s), got %v", samples)
	}
}

func TestTracker_NewCycleAfterPairing(t *testing.T) {
	tr := newTestTracker(40)

	tr.Observe(1, geometry.Point{X: 500, Y: 90}, at(0))
	tr.Observe(1, geometry.Point{X: 500, Y: 110}, at(1))
	tr.Observe(1, geometry.Point{X: 500, Y: 210}, at(3))

	// Same identifier re-traverses upward
	tr.Observe(1, geometry.Point{X: 500, Y: 190}, at(10))
	tr.Observe(1, geometry.Point{X: 500, Y: 90}, at(14))

	samples := tr.Samples()
	if len(samples) != 2 {
		t.Fatalf("Expected 2 samples, got %v", samples)
	}
	if !approx(samples[0], 72) || !approx(samples[1], 36) {
		t.Errorf("Unexpected samples %v", samples)
	}
	if tr.VehicleCount() != 2 {
		t.Errorf("Expected count 2, got %d", tr.VehicleCount())
	}
}

func TestTracker_SameTimestampDiscardsSample(t *testing.T) {
	tr := newTestTracker(40)

	tr.Observe(1, geometry.Point{X: 500, Y: 90}, at(0))
	tr.Observe(1, geometry.Point{X: 500, Y: 110}, at(1))
	tr.Observe(1, geometry.Point{X: 500, Y: 190}, at(1))
	tr.Observe(1, geometry.Point{X: 500, Y: 210}, at(1))

	if len(tr.Samples()) != 0 {
		t.Errorf("Expected zero-elapsed sample to be discarded, got %v", tr.Samples())
	}
	if tr.VehicleCount() != 1 {
		t.Errorf("Expected count 1, got %d", tr.VehicleCount())
	}
	if _, ok := mustTrack(t, tr, 1).PendingStart(); ok {
		t.Error("Expected start cleared even when sample is discarded")
	}
}

func TestTracker_BothLinesInOneStep(t *testing.T) {
	tr := newTestTracker(40)

	tr.Observe(1, geometry.Point{X: 500, Y: 50}, at(0))
	obs := tr.Observe(1, geometry.Point{X: 500, Y: 250}, at(1))

	if !obs.CrossedStart || !obs.CrossedFinish {
		t.Fatalf("Expected both crossings, got %+v", obs)
	}
	if tr.VehicleCount() != 1 {
		t.Errorf("Expected count 1, got %d", tr.VehicleCount())
	}
	// Start is recorded first, then consumed by the finish with zero elapsed time
	if len(tr.Samples()) != 0 {
		t.Errorf("Expected no samples, got %v", tr.Samples())
	}
	track := mustTrack(t, tr, 1)
	if _, ok := track.PendingStart(); ok {
		t.Error("Expected no pending start")
	}
	if _, ok := track.PendingFinish(); ok {
		t.Error("Expected no pending finish")
	}
}

func TestTracker_HistoryBounded(t *testing.T) {
	tr := NewTracker(Config{
		StartLine:      geometry.NewLine(0, 100, 1000, 100),
		FinishLine:     geometry.NewLine(0, 200, 1000, 200),
		DistanceMeters: 10,
		HistoryLength:  5,
	})

	for i := 0; i < 20; i++ {
		tr.Observe(1, geometry.Point{X: float64(i), Y: 10}, at(float64(i)))
	}

	positions := mustTrack(t, tr, 1).Positions()
	if len(positions) != 5 {
		t.Fatalf("Expected 5 positions, got %d", len(positions))
	}
	if positions[0].X != 15 || positions[4].X != 19 {
		t.Errorf("Expected most recent positions 15..19, got %v", positions)
	}
	if tr.ActiveTracks() != 1 {
		t.Errorf("Expected 1 track, got %d", tr.ActiveTracks())
	}
}

func TestNewTracker_DefaultHistory(t *testing.T) {
	tr := NewTracker(Config{})
	if tr.cfg.HistoryLength != DefaultHistoryLength {
		t.Errorf("Expected default history length %d, got %d", DefaultHistoryLength, tr.cfg.HistoryLength)
	}
}

func TestSpeed(t *testing.T) {
	if _, ok := Speed(40, 0); ok {
		t.Error("Expected zero elapsed to be rejected")
	}

	v, ok := Speed(40, -2*time.Second)
	if !ok || !approx(v, 72) {
		t.Errorf("Expected absolute elapsed to give 72, got %f (%v)", v, ok)
	}
}

func TestSummarize(t *testing.T) {
	empty := Summarize(3, nil)
	if empty.AverageSpeed != 0.0 || empty.P85Speed != 0 || empty.StdDevSpeed != 0 {
		t.Errorf("Expected zero statistics for no samples, got %+v", empty)
	}
	if empty.VehicleCount != 3 {
		t.Errorf("Expected count 3, got %d", empty.VehicleCount)
	}

	two := Summarize(2, []float64{10, 20})
	if two.AverageSpeed != 15.0 {
		t.Errorf("Expected average 15.0, got %f", two.AverageSpeed)
	}
	if two.Samples != 2 {
		t.Errorf("Expected 2 samples, got %d", two.Samples)
	}

	single := Summarize(1, []float64{42})
	if single.StdDevSpeed != 0 {
		t.Errorf("Expected stddev 0 for single sample, got %f", single.StdDevSpeed)
	}

	ten := Summarize(10, []float64{100, 90, 80, 70, 60, 50, 40, 30, 20, 10})
	if ten.P85Speed != 90 {
		t.Errorf("Expected p85 90, got %f", ten.P85Speed)
	}
}

func mustTrack(t *testing.T, tr *Tracker, id int) *Track {
	t.Helper()
	track, ok := tr.Track(id)
	if !ok {
		t.Fatalf("Track %d not found", id)
	}
	return track
}
