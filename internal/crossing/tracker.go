// Package crossing pairs start-line and finish-line crossings per tracked
// object and derives transit speeds from the paired timestamps.
//
// A Tracker is owned by a single job. It is not safe for concurrent use.
package crossing

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/Spatial-NVR/trafficspeed/internal/geometry"
)

// DefaultHistoryLength is the number of positions kept per track
const DefaultHistoryLength = 30

// mpsToKmh converts meters per second to kilometers per hour
const mpsToKmh = 3.6

// Config holds the calibration for one job
type Config struct {
	StartLine      geometry.Line
	FinishLine     geometry.Line
	DistanceMeters float64
	HistoryLength  int
}

// Track is the position history and outstanding crossing timestamps for one
// detection-backend identifier.
type Track struct {
	positions []geometry.Point
	start     *time.Time
	finish    *time.Time
}

// Positions returns a copy of the recorded positions, oldest first
func (t *Track) Positions() []geometry.Point {
	out := make([]geometry.Point, len(t.positions))
	copy(out, t.positions)
	return out
}

// PendingStart reports the outstanding start-line timestamp, if any
func (t *Track) PendingStart() (time.Time, bool) {
	if t.start == nil {
		return time.Time{}, false
	}
	return *t.start, true
}

// PendingFinish reports the outstanding finish-line timestamp, if any
func (t *Track) PendingFinish() (time.Time, bool) {
	if t.finish == nil {
		return time.Time{}, false
	}
	return *t.finish, true
}

func (t *Track) push(p geometry.Point, limit int) {
	if len(t.positions) < limit {
		t.positions = append(t.positions, p)
		return
	}
	copy(t.positions, t.positions[1:])
	t.positions[len(t.positions)-1] = p
}

// Observation describes what a single Observe call did
type Observation struct {
	CrossedStart  bool
	CrossedFinish bool
	// Samples holds speeds (km/h) produced by this observation, in order
	Samples []float64
}

// Tracker is the per-job crossing state machine
type Tracker struct {
	cfg     Config
	tracks  map[int]*Track
	count   int
	samples []float64
}

// NewTracker creates a tracker for one job
func NewTracker(cfg Config) *Tracker {
	if cfg.HistoryLength < 2 {
		cfg.HistoryLength = DefaultHistoryLength
	}
	return &Tracker{
		cfg:    cfg,
		tracks: make(map[int]*Track),
	}
}

// Observe records a position for a track and processes any crossing it
// completes. When both lines are crossed in the same step the start line is
// handled first.
func (tr *Tracker) Observe(id int, pos geometry.Point, ts time.Time) Observation {
	track, ok := tr.tracks[id]
	if !ok {
		track = &Track{positions: make([]geometry.Point, 0, tr.cfg.HistoryLength)}
		tr.tracks[id] = track
	}
	track.push(pos, tr.cfg.HistoryLength)

	var obs Observation
	if geometry.HasCrossedHistory(tr.cfg.StartLine, track.positions) {
		obs.CrossedStart = true
		if track.finish != nil {
			obs.Samples = tr.pair(obs.Samples, *track.finish, ts)
			track.finish = nil
		} else if track.start == nil {
			t := ts
			track.start = &t
		}
	}

	if geometry.HasCrossedHistory(tr.cfg.FinishLine, track.positions) {
		obs.CrossedFinish = true
		tr.count++
		if track.start != nil {
			obs.Samples = tr.pair(obs.Samples, *track.start, ts)
			track.start = nil
		} else if track.finish == nil {
			t := ts
			track.finish = &t
		}
	}

	return obs
}

// pair computes a speed sample from two crossing timestamps. Non-positive
// elapsed time yields no sample.
func (tr *Tracker) pair(out []float64, from, to time.Time) []float64 {
	speed, ok := Speed(tr.cfg.DistanceMeters, to.Sub(from))
	if !ok {
		return out
	}
	tr.samples = append(tr.samples, speed)
	return append(out, speed)
}

// Speed converts a distance covered in elapsed time to km/h. The absolute
// value of elapsed is used; zero elapsed time is rejected.
func Speed(distanceMeters float64, elapsed time.Duration) (float64, bool) {
	seconds := math.Abs(elapsed.Seconds())
	if seconds <= 0 {
		return 0, false
	}
	return distanceMeters / seconds * mpsToKmh, true
}

// Track returns the state for an identifier
func (tr *Tracker) Track(id int) (*Track, bool) {
	t, ok := tr.tracks[id]
	return t, ok
}

// ActiveTracks returns the number of identifiers seen so far
func (tr *Tracker) ActiveTracks() int {
	return len(tr.tracks)
}

// VehicleCount returns the number of finish-line crossings observed
func (tr *Tracker) VehicleCount() int {
	return tr.count
}

// Samples returns a copy of the recorded transit speeds in km/h
func (tr *Tracker) Samples() []float64 {
	out := make([]float64, len(tr.samples))
	copy(out, tr.samples)
	return out
}

// Summary is the aggregate outcome of a job's crossings
type Summary struct {
	VehicleCount int     `json:"vehicle_count"`
	AverageSpeed float64 `json:"average_speed"`
	P85Speed     float64 `json:"p85_speed"`
	StdDevSpeed  float64 `json:"stddev_speed"`
	Samples      int     `json:"samples"`
}

// Summary computes the aggregate speed statistics
func (tr *Tracker) Summary() Summary {
	return Summarize(tr.count, tr.samples)
}

// Summarize builds a Summary from a count and speed samples. All speed
// statistics are 0 when there are no samples.
func Summarize(count int, samples []float64) Summary {
	s := Summary{VehicleCount: count, Samples: len(samples)}
	if len(samples) == 0 {
		return s
	}

	s.AverageSpeed = stat.Mean(samples, nil)

	sorted := make([]float64, len(samples))
	copy(sorted, samples)
	sort.Float64s(sorted)
	s.P85Speed = stat.Quantile(0.85, stat.Empirical, sorted, nil)

	if len(samples) > 1 {
		s.StdDevSpeed = stat.StdDev(samples, nil)
	}
	return s
}
