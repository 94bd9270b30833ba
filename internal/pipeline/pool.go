// Package pipeline runs video jobs on a fixed pool of workers fed by an
// unbounded FIFO queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/detection"
	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// DefaultNumWorkers is used when Config.NumWorkers is not set
const DefaultNumWorkers = 4

var (
	// ErrStopped is returned by Submit once draining has begun
	ErrStopped = errors.New("pipeline is stopped")

	// ErrNotStarted is returned by Abort on a pool that was never started
	ErrNotStarted = errors.New("pipeline is not started")
)

// PoolState is the lifecycle state of a pool
type PoolState string

const (
	PoolNotStarted PoolState = "not_started"
	PoolRunning    PoolState = "running"
	PoolDraining   PoolState = "draining"
	PoolStopped    PoolState = "stopped"
)

// WorkerState is what a worker is doing right now
type WorkerState string

const (
	WorkerIdle       WorkerState = "idle"
	WorkerFetching   WorkerState = "fetching"
	WorkerProcessing WorkerState = "processing"
	WorkerPublishing WorkerState = "publishing"
)

// JobProcessor turns a job into a result using the worker's detector
type JobProcessor interface {
	Process(ctx context.Context, job *jobs.Job, det detection.Detector) (*jobs.Result, error)
}

// ResultSink receives results. It is called concurrently by workers.
type ResultSink interface {
	Publish(ctx context.Context, job *jobs.Job, result *jobs.Result) error
}

// ErrorReporter receives job failures. It is called concurrently by workers.
type ErrorReporter interface {
	Report(ctx context.Context, job *jobs.Job, err error)
}

// Config holds pool configuration
type Config struct {
	NumWorkers int
}

// Pool is a fixed set of workers pulling jobs from a shared queue
type Pool struct {
	mu       sync.Mutex
	jobReady *sync.Cond
	idle     *sync.Cond

	queue    []*jobs.Job
	inFlight int
	state    PoolState
	stopping bool
	workers  []*worker
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc

	numWorkers int
	processor  JobProcessor
	factory    detection.Factory
	sink       ResultSink
	reporter   ErrorReporter
	logger     *slog.Logger

	submitted int64
	processed int64
	failed    int64
	startedAt time.Time
}

type worker struct {
	id        int
	state     WorkerState
	jobID     string
	detector  detection.Detector
	processed int64
	failed    int64
}

// NewPool creates a pool. Workers are not started until Start.
func NewPool(cfg Config, processor JobProcessor, factory detection.Factory, sink ResultSink, reporter ErrorReporter) *Pool {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = DefaultNumWorkers
	}
	p := &Pool{
		state:      PoolNotStarted,
		numWorkers: cfg.NumWorkers,
		processor:  processor,
		factory:    factory,
		sink:       sink,
		reporter:   reporter,
		logger:     slog.Default().With("component", "pipeline"),
	}
	p.jobReady = sync.NewCond(&p.mu)
	p.idle = sync.NewCond(&p.mu)
	return p
}

// Start spawns the workers. It is a no-op if the pool was already started.
// Cancelling ctx aborts in-flight jobs and discards queued ones.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PoolNotStarted {
		return nil
	}

	p.ctx, p.cancel = context.WithCancel(ctx)
	p.startedAt = time.Now()
	p.state = PoolRunning

	for i := 0; i < p.numWorkers; i++ {
		w := &worker{id: i, state: WorkerIdle}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.run(w)
	}

	go p.watchAbort()

	p.logger.Info("Pipeline started", "workers", p.numWorkers, "queued", len(p.queue))
	return nil
}

// Submit validates and enqueues a job. It never blocks on processing.
// Jobs may be submitted before Start; they run once workers are up.
func (p *Pool) Submit(job *jobs.Job) error {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	if err := job.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state == PoolDraining || p.state == PoolStopped {
		return ErrStopped
	}

	p.queue = append(p.queue, job)
	p.submitted++
	p.jobReady.Signal()

	p.logger.Debug("Job queued", "job_id", job.ID, "camera_id", job.CameraID, "queued", len(p.queue))
	return nil
}

// DrainAndStop waits until every submitted job has been processed, then
// stops the workers and waits for them to exit. A pool that was never started
// is started first so its queued jobs are not lost.
func (p *Pool) DrainAndStop() error {
	if err := p.Start(context.Background()); err != nil {
		return err
	}

	p.mu.Lock()
	if p.state == PoolStopped {
		p.mu.Unlock()
		return nil
	}
	p.state = PoolDraining
	p.logger.Info("Draining pipeline", "queued", len(p.queue), "in_flight", p.inFlight)

	for len(p.queue) > 0 || p.inFlight > 0 {
		p.idle.Wait()
	}

	p.stopping = true
	p.jobReady.Broadcast()
	p.mu.Unlock()

	p.wg.Wait()

	p.mu.Lock()
	p.state = PoolStopped
	processed, failed := p.processed, p.failed
	p.mu.Unlock()

	p.cancel()
	p.logger.Info("Pipeline stopped", "processed", processed, "failed", failed)
	return nil
}

// Abort cancels in-flight jobs and discards queued ones. Workers exit once
// their current job returns. Use DrainAndStop afterwards to wait for them.
func (p *Pool) Abort() error {
	p.mu.Lock()
	state := p.state
	p.mu.Unlock()

	if state == PoolNotStarted {
		return ErrNotStarted
	}
	p.cancel()
	return nil
}

// watchAbort discards queued jobs and releases workers when the pool
// context is cancelled
func (p *Pool) watchAbort() {
	<-p.ctx.Done()

	p.mu.Lock()
	defer p.mu.Unlock()

	if dropped := len(p.queue); dropped > 0 {
		p.logger.Warn("Pipeline aborted, discarding queued jobs", "dropped", dropped)
	}
	p.queue = nil
	p.stopping = true
	if p.state == PoolRunning {
		p.state = PoolDraining
	}
	p.jobReady.Broadcast()
	p.idle.Broadcast()
}

// next blocks until a job is available or the pool is stopping
func (p *Pool) next(w *worker) (*jobs.Job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w.state = WorkerFetching
	for len(p.queue) == 0 && !p.stopping {
		p.jobReady.Wait()
	}
	if len(p.queue) == 0 || p.ctx.Err() != nil {
		w.state = WorkerIdle
		return nil, false
	}

	job := p.queue[0]
	p.queue[0] = nil
	p.queue = p.queue[1:]
	p.inFlight++

	w.state = WorkerProcessing
	w.jobID = job.ID
	return job, true
}

// done marks a job finished and wakes drainers when the pool goes idle
func (p *Pool) done(w *worker, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.inFlight--
	if err != nil {
		p.failed++
		w.failed++
	} else {
		p.processed++
		w.processed++
	}
	w.state = WorkerIdle
	w.jobID = ""

	if len(p.queue) == 0 && p.inFlight == 0 {
		p.idle.Broadcast()
	}
}

func (p *Pool) setState(w *worker, state WorkerState) {
	p.mu.Lock()
	w.state = state
	p.mu.Unlock()
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	logger := p.logger.With("worker", w.id)

	defer func() {
		if w.detector != nil {
			if err := w.detector.Close(); err != nil {
				logger.Warn("Failed to close detector", "error", err)
			}
		}
	}()

	for {
		job, ok := p.next(w)
		if !ok {
			logger.Debug("Worker exiting")
			return
		}

		err := p.handle(w, job, logger)
		p.done(w, err)
	}
}

// handle processes one job. Failures are reported and never stop the worker.
func (p *Pool) handle(w *worker, job *jobs.Job, logger *slog.Logger) (err error) {
	logger = logger.With("job_id", job.ID, "camera_id", job.CameraID)
	ctx := p.ctx
	reportCtx := context.WithoutCancel(ctx)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while processing job: %v", r)
			logger.Error("Recovered from panic", "panic", r, "stack", string(debug.Stack()))
		}
		if err != nil {
			logger.Error("Job failed", "error", err)
			if p.reporter != nil {
				p.reporter.Report(reportCtx, job, err)
			}
		}
	}()

	if w.detector == nil {
		det, err := p.factory(w.id)
		if err != nil {
			return &detection.BackendError{FrameIndex: -1, Err: fmt.Errorf("failed to create detector: %w", err)}
		}
		w.detector = det
	}

	result, err := p.processor.Process(ctx, job, w.detector)
	if err != nil {
		return err
	}

	p.setState(w, WorkerPublishing)
	if p.sink != nil {
		if err := p.sink.Publish(ctx, job, result); err != nil {
			logger.Warn("Failed to publish result", "error", err)
		}
	}
	return nil
}

// WorkerStatus is a snapshot of one worker
type WorkerStatus struct {
	ID        int         `json:"id"`
	State     WorkerState `json:"state"`
	JobID     string      `json:"job_id,omitempty"`
	Processed int64       `json:"processed"`
	Failed    int64       `json:"failed"`
}

// Status is a snapshot of the pool
type Status struct {
	State     PoolState      `json:"state"`
	Queued    int            `json:"queued"`
	InFlight  int            `json:"in_flight"`
	Submitted int64          `json:"submitted"`
	Processed int64          `json:"processed"`
	Failed    int64          `json:"failed"`
	StartedAt *time.Time     `json:"started_at,omitempty"`
	Workers   []WorkerStatus `json:"workers"`
}

// Status returns a snapshot of the pool and its workers
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Status{
		State:     p.state,
		Queued:    len(p.queue),
		InFlight:  p.inFlight,
		Submitted: p.submitted,
		Processed: p.processed,
		Failed:    p.failed,
		Workers:   make([]WorkerStatus, 0, len(p.workers)),
	}
	if !p.startedAt.IsZero() {
		t := p.startedAt
		s.StartedAt = &t
	}
	for _, w := range p.workers {
		s.Workers = append(s.Workers, WorkerStatus{
			ID:        w.id,
			State:     w.state,
			JobID:     w.jobID,
			Processed: w.processed,
			Failed:    w.failed,
		})
	}
	return s
}
