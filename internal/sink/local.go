package sink

import (
	"context"
	"time"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// ResultStore persists results
type ResultStore interface {
	Save(ctx context.Context, r *jobs.Result) error
}

// StoreSink saves results to the local database
type StoreSink struct {
	store ResultStore
}

// NewStoreSink creates a store sink
func NewStoreSink(store ResultStore) *StoreSink {
	return &StoreSink{store: store}
}

// Publish implements Sink
func (s *StoreSink) Publish(ctx context.Context, _ *jobs.Job, result *jobs.Result) error {
	return s.store.Save(ctx, result)
}

// Publisher is the subset of the event bus used by BusSink
type Publisher interface {
	Publish(subject string, data any) error
}

// ResultEvent is published on the bus for each result
type ResultEvent struct {
	Result *jobs.Result `json:"result"`
	Job    jobs.Payload `json:"job"`
	At     time.Time    `json:"at"`
}

// BusSink publishes results on an event bus subject
type BusSink struct {
	bus     Publisher
	subject string
}

// NewBusSink creates a bus sink
func NewBusSink(bus Publisher, subject string) *BusSink {
	return &BusSink{bus: bus, subject: subject}
}

// Publish implements Sink
func (s *BusSink) Publish(_ context.Context, job *jobs.Job, result *jobs.Result) error {
	return s.bus.Publish(s.subject, ResultEvent{Result: result, Job: job.Payload(), At: time.Now().UTC()})
}

// Broadcaster pushes messages to live clients
type Broadcaster interface {
	Broadcast(msg any)
}

// LiveMessage is the websocket frame for results and failures
type LiveMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// Live message types
const (
	MessageResult    = "result"
	MessageJobFailed = "job_failed"
)

// HubSink broadcasts results to websocket clients
type HubSink struct {
	hub Broadcaster
}

// NewHubSink creates a websocket sink
func NewHubSink(hub Broadcaster) *HubSink {
	return &HubSink{hub: hub}
}

// Publish implements Sink. Broadcasting never fails; slow clients drop frames.
func (s *HubSink) Publish(_ context.Context, _ *jobs.Job, result *jobs.Result) error {
	s.hub.Broadcast(LiveMessage{Type: MessageResult, Timestamp: time.Now().UTC(), Data: result})
	return nil
}
