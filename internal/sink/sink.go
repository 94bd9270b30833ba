// Package sink delivers job results and failures to their consumers: the
// data server, the local store, the event bus and live websocket clients.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// Sink receives results. Implementations must be safe for concurrent use.
type Sink interface {
	Publish(ctx context.Context, job *jobs.Job, result *jobs.Result) error
}

// Func adapts a function to Sink
type Func func(ctx context.Context, job *jobs.Job, result *jobs.Result) error

// Publish calls f
func (f Func) Publish(ctx context.Context, job *jobs.Job, result *jobs.Result) error {
	return f(ctx, job, result)
}

// Named labels a sink in joined errors and logs
type Named struct {
	Name string
	Sink Sink
}

// Multi fans a result out to every sink. All sinks are called even when
// earlier ones fail; their errors are joined.
type Multi struct {
	sinks  []Named
	logger *slog.Logger
}

// NewMulti creates a fan-out sink
func NewMulti(sinks ...Named) *Multi {
	return &Multi{
		sinks:  sinks,
		logger: slog.Default().With("component", "sink"),
	}
}

// Add appends a sink
func (m *Multi) Add(name string, s Sink) {
	m.sinks = append(m.sinks, Named{Name: name, Sink: s})
}

// Len returns the number of sinks
func (m *Multi) Len() int {
	return len(m.sinks)
}

// Publish implements Sink
func (m *Multi) Publish(ctx context.Context, job *jobs.Job, result *jobs.Result) error {
	var errs []error
	for _, s := range m.sinks {
		if err := s.Sink.Publish(ctx, job, result); err != nil {
			m.logger.Warn("Sink failed", "sink", s.Name, "job_id", job.ID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, err))
		}
	}
	return errors.Join(errs...)
}
