// Package core provides the service infrastructure shared by job sources and
// result sinks. This is the embedded NATS event bus.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects used by the traffic speed service
const (
	SubjectJobSubmit      = "trafficspeed.jobs.submit"
	SubjectJobFailed      = "trafficspeed.jobs.failed"
	SubjectResults        = "trafficspeed.results"
	SubjectConfigChanged  = "trafficspeed.config.changed"
	SubjectSystemShutdown = "trafficspeed.system.shutdown"
)

// DefaultNATSPort is the client port of the embedded server
const DefaultNATSPort = 4222

// EventBus provides pub/sub messaging over an embedded NATS server
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subs   map[string][]*nats.Subscription
	subsMu sync.RWMutex
}

// EventBusConfig configures the event bus
type EventBusConfig struct {
	// Host for the NATS server (default: 127.0.0.1)
	Host string
	// Port for the NATS server. Zero means DefaultNATSPort, -1 picks a free port.
	Port int
	// StoreDir enables JetStream persistence when set
	StoreDir string
}

// DefaultEventBusConfig returns default configuration
func DefaultEventBusConfig() EventBusConfig {
	return EventBusConfig{
		Host: "127.0.0.1",
		Port: DefaultNATSPort,
	}
}

// NewEventBus starts an embedded NATS server and connects to it
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultNATSPort
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := &server.Options{
		Host:   cfg.Host,
		Port:   cfg.Port,
		NoSigs: true,
		NoLog:  true,
	}
	if cfg.StoreDir != "" {
		opts.JetStream = true
		opts.StoreDir = cfg.StoreDir
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds (port %d)", cfg.Port)
	}

	nc, err := nats.Connect(ns.ClientURL(), nats.Name("trafficd"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL(), "jetstream", opts.JetStream)

	return eb, nil
}

// Conn returns the NATS connection for direct use
func (eb *EventBus) Conn() *nats.Conn {
	return eb.conn
}

// ClientURL returns the NATS client URL
func (eb *EventBus) ClientURL() string {
	return eb.server.ClientURL()
}

// Publish marshals data as JSON and publishes it
func (eb *EventBus) Publish(subject string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// PublishRaw publishes raw bytes to a subject
func (eb *EventBus) PublishRaw(subject string, data []byte) error {
	return eb.conn.Publish(subject, data)
}

// Subscribe subscribes to a subject
func (eb *EventBus) Subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, err
	}
	eb.track(subject, sub)
	return sub, nil
}

// QueueSubscribe subscribes with a queue group so each message reaches one member
func (eb *EventBus) QueueSubscribe(subject, queue string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.QueueSubscribe(subject, queue, handler)
	if err != nil {
		return nil, err
	}
	eb.track(subject, sub)
	return sub, nil
}

func (eb *EventBus) track(subject string, sub *nats.Subscription) {
	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()
}

// Request sends a JSON request and waits for a response
func (eb *EventBus) Request(subject string, data any, timeout time.Duration) (*nats.Msg, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Request(subject, payload, timeout)
}

// Unsubscribe removes all subscriptions for a subject
func (eb *EventBus) Unsubscribe(subject string) {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	for _, sub := range eb.subs[subject] {
		_ = sub.Unsubscribe()
	}
	delete(eb.subs, subject)
}

// Flush waits until the server has processed everything published so far
func (eb *EventBus) Flush() error {
	return eb.conn.Flush()
}

// Stop drains the connection and shuts the server down
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.server.WaitForShutdown()

	eb.logger.Info("Event bus stopped")
}

// HealthCheck verifies the connection is alive
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	_, err := eb.conn.RequestWithContext(ctx, "_health", []byte("ping"))
	if err == nats.ErrNoResponders {
		// nobody listening is fine, the round trip worked
		return nil
	}
	return err
}
