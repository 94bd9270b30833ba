package source

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/Spatial-NVR/trafficspeed/internal/jobs"
)

// QueueGroup shares bus submissions between service instances
const QueueGroup = "trafficd"

// Subscriber is the subset of the event bus used by BusSubscriber
type Subscriber interface {
	QueueSubscribe(subject, queue string, handler func(*nats.Msg)) (*nats.Subscription, error)
}

// SubmitReply is sent back when a bus submission carries a reply subject
type SubmitReply struct {
	JobID string `json:"job_id,omitempty"`
	Error string `json:"error,omitempty"`
}

// BusSubscriber accepts job JSON published on the event bus
type BusSubscriber struct {
	bus         Subscriber
	subject     string
	downloadDir string
	submitter   Submitter
	enricher    Enricher
	logger      *slog.Logger
}

// NewBusSubscriber creates a subscriber. enricher may be nil.
func NewBusSubscriber(bus Subscriber, subject, downloadDir string, submitter Submitter, enricher Enricher) *BusSubscriber {
	return &BusSubscriber{
		bus:         bus,
		subject:     subject,
		downloadDir: downloadDir,
		submitter:   submitter,
		enricher:    enricher,
		logger:      slog.Default().With("component", "bus-source"),
	}
}

// Run subscribes and blocks until ctx is cancelled
func (b *BusSubscriber) Run(ctx context.Context) error {
	sub, err := b.bus.QueueSubscribe(b.subject, QueueGroup, func(msg *nats.Msg) {
		b.handle(ctx, msg)
	})
	if err != nil {
		return err
	}

	b.logger.Info("Listening for jobs", "subject", b.subject)

	<-ctx.Done()
	return sub.Unsubscribe()
}

func (b *BusSubscriber) handle(ctx context.Context, msg *nats.Msg) {
	reply := SubmitReply{}

	job, err := jobs.FromJSON(msg.Data, b.downloadDir)
	if err == nil {
		reply.JobID = job.ID
		err = prepare(ctx, job, b.enricher, b.submitter)
	}
	if err != nil {
		reply.Error = err.Error()
		b.logger.Warn("Rejected bus job", "job_id", reply.JobID, "error", err)
	} else {
		b.logger.Info("Job received from bus", "job_id", job.ID, "camera_id", job.CameraID)
	}

	if msg.Reply != "" {
		data, _ := json.Marshal(reply)
		if err := msg.Respond(data); err != nil {
			b.logger.Warn("Failed to reply", "error", err)
		}
	}
}
