// Package main runs the traffic speed service: jobs arrive from the video
// server, the event bus or the HTTP API, a worker pool measures vehicle
// crossings, and results go to the data server, the local store and live
// clients.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/trafficspeed/internal/api"
	"github.com/Spatial-NVR/trafficspeed/internal/cameras"
	"github.com/Spatial-NVR/trafficspeed/internal/config"
	"github.com/Spatial-NVR/trafficspeed/internal/core"
	"github.com/Spatial-NVR/trafficspeed/internal/database"
	"github.com/Spatial-NVR/trafficspeed/internal/detection"
	"github.com/Spatial-NVR/trafficspeed/internal/logging"
	"github.com/Spatial-NVR/trafficspeed/internal/pipeline"
	"github.com/Spatial-NVR/trafficspeed/internal/processor"
	"github.com/Spatial-NVR/trafficspeed/internal/results"
	"github.com/Spatial-NVR/trafficspeed/internal/sink"
	"github.com/Spatial-NVR/trafficspeed/internal/source"
	"github.com/Spatial-NVR/trafficspeed/internal/video"
)

const (
	defaultDataPath = "/data"
	statusInterval  = 5 * time.Second
	shutdownTimeout = 30 * time.Second
)

// version is set at build time
var version = "dev"

func main() {
	if err := run(); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	dataPath := getEnv("DATA_PATH", defaultDataPath)
	configPath := findConfigFile(dataPath)

	cfg, err := loadConfig(configPath, dataPath)
	if err != nil {
		return err
	}

	// LOG_LEVEL pins the level; otherwise it follows the config file
	level := new(slog.LevelVar)
	envLevel := os.Getenv("LOG_LEVEL")
	if envLevel != "" {
		level.Set(config.ParseLevel(envLevel))
	} else {
		level.Set(cfg.LogLevel())
	}
	logs := logging.NewRingBuffer(cfg.System.Logging.BufferSize)
	slog.SetDefault(slog.New(logging.NewStreamHandler(logs, os.Stdout, level)))

	slog.Info("Starting traffic speed service",
		"version", version,
		"config", configPath,
		"go_version", runtime.Version(),
		"workers", cfg.Pipeline.NumWorkers,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage
	db, err := database.Open(database.DefaultConfig(cfg.System.Database.Path))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	applied, err := database.NewMigrator(db).Run(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Database ready", "path", db.Path(), "migrations_applied", applied)

	bus, err := core.NewEventBus(core.EventBusConfig{
		Host:     cfg.EventBus.Host,
		Port:     cfg.EventBus.Port,
		StoreDir: cfg.EventBus.StoreDir,
	}, slog.Default())
	if err != nil {
		return fmt.Errorf("failed to start event bus: %w", err)
	}
	defer bus.Stop()

	registry := cameras.NewRegistry(db)
	store := results.NewStore(db)
	hub := api.NewHub()

	// Processing
	settings := cfg.PipelineSettings()

	accel, err := video.ParseHWAccel(cfg.Video.HWAccel)
	if err != nil {
		return err
	}
	accel = video.NewHWAccelResolver().Resolve(ctx, accel)

	opener, err := video.NewOpener(cfg.Video.Decoder, accel)
	if err != nil {
		return err
	}

	target, err := video.ParseResolution(settings.Resolution)
	if err != nil {
		return err
	}
	maxWidth, maxHeight := processor.Bounds(settings.MaxWidth, settings.MaxHeight, target)

	proc := processor.New(opener, processor.Config{
		FrameStride:    settings.FrameStride,
		MaxWidth:       maxWidth,
		MaxHeight:      maxHeight,
		HistoryLength:  settings.HistoryLength,
		VehicleClasses: settings.VehicleClasses,
	})
	slog.Info("Processor configured",
		"decoder", cfg.Video.Decoder,
		"hwaccel", string(accel),
		"max_width", maxWidth,
		"max_height", maxHeight,
		"frame_stride", settings.FrameStride,
	)

	factory := detection.NewClientFactory(detection.ClientConfig{
		Address:       cfg.Detector.Address,
		Timeout:       time.Duration(cfg.Detector.TimeoutSeconds) * time.Second,
		MinConfidence: cfg.Detector.MinConfidence,
		Model:         cfg.Detector.Model,
		JPEGQuality:   cfg.Detector.JPEGQuality,
	})

	// Result delivery
	sinks := sink.NewMulti()
	if cfg.Sink.RecordURL != "" {
		sinks.Add("data-server", sink.NewHTTPSink(sink.HTTPSinkConfig{
			BaseURL: cfg.Sink.RecordURL,
			Timeout: time.Duration(cfg.Sink.TimeoutSeconds) * time.Second,
			APIKey:  cfg.Sink.APIKey,
		}))
	}
	sinks.Add("store", sink.NewStoreSink(store))
	sinks.Add("bus", sink.NewBusSink(bus, core.SubjectResults))
	sinks.Add("websocket", sink.NewHubSink(hub))

	reporter := sink.NewReporter(store, bus, core.SubjectJobFailed, hub)
	pool := pipeline.NewPool(pipeline.Config{NumWorkers: settings.NumWorkers}, proc, factory, sinks, reporter)

	// Only settings that are safe to change on a running pool are applied
	cfg.OnChange(func(c *config.Config) {
		if envLevel == "" {
			level.Set(c.LogLevel())
		}
		proc.SetVehicleClasses(c.PipelineSettings().VehicleClasses)
		if err := bus.Publish(core.SubjectConfigChanged, map[string]string{"path": c.GetPath()}); err != nil {
			slog.Warn("Failed to announce config change", "error", err)
		}
	})
	if err := cfg.Watch(); err != nil {
		slog.Warn("Config file watching disabled", "error", err)
	}

	// The pool outlives the signal context so the first signal drains
	if err := pool.Start(context.Background()); err != nil {
		return err
	}

	router := api.NewRouter(api.RouterConfig{
		CORSOrigins: cfg.API.CORSOrigins,
		System: api.NewSystemHandler(version, map[string]api.HealthCheck{
			"database": db.Health,
			"eventbus": bus.HealthCheck,
		}, pool, logs),
		Jobs:    api.NewJobHandler(pool, registry, cfg.Video.DownloadDir),
		Results: api.NewResultHandler(store),
		Cameras: api.NewCameraHandler(registry),
		Hub:     hub,
	})

	server := &http.Server{
		Addr:         cfg.API.Address,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})

	g.Go(func() error {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
				hub.Broadcast(api.PipelineStatusMessage(pool.Status()))
			}
		}
	})

	if cfg.Source.PollURL != "" {
		poller := source.NewPoller(source.PollerConfig{
			BaseURL:     cfg.Source.PollURL,
			Interval:    time.Duration(cfg.Source.PollIntervalSeconds) * time.Second,
			DownloadDir: cfg.Video.DownloadDir,
			APIKey:      cfg.Source.APIKey,
		}, pool, registry)
		g.Go(func() error {
			return poller.Run(gctx)
		})
	}

	if cfg.Source.Subscribe {
		subscriber := source.NewBusSubscriber(bus, core.SubjectJobSubmit, cfg.Video.DownloadDir, pool, registry)
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}

	runErr := g.Wait()
	if runErr != nil {
		slog.Error("Service component failed", "error", runErr)
	}
	stop()

	slog.Info("Shutting down, draining pipeline", "status", pool.Status().State)
	if err := bus.Publish(core.SubjectSystemShutdown, map[string]string{"reason": "signal"}); err != nil {
		slog.Warn("Failed to announce shutdown", "error", err)
	}

	// A second signal abandons queued and in-flight jobs
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		if _, ok := <-sigs; ok {
			slog.Warn("Second signal received, aborting jobs")
			_ = pool.Abort()
		}
	}()

	if err := pool.DrainAndStop(); err != nil {
		slog.Error("Pipeline drain failed", "error", err)
	}

	checkpointCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Checkpoint(checkpointCtx); err != nil {
		slog.Warn("Database checkpoint failed", "error", err)
	}

	status := pool.Status()
	slog.Info("Service stopped", "processed", status.Processed, "failed", status.Failed)
	return runErr
}

// loadConfig reads the config file, writing defaults on first run
func loadConfig(path, dataPath string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	slog.Info("No config file found, using defaults", "path", path)
	cfg = config.DefaultAt(dataPath)
	cfg.SetPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		slog.Warn("Failed to create config directory", "error", err)
		return cfg, nil
	}
	if err := cfg.Save(); err != nil {
		slog.Warn("Failed to write default config", "error", err)
	}
	return cfg, nil
}

// findConfigFile looks for the config file in standard locations
func findConfigFile(dataPath string) string {
	if configPath := os.Getenv("CONFIG_PATH"); configPath != "" {
		return configPath
	}

	locations := []string{
		filepath.Join(dataPath, "config.yaml"),
		"./config/config.yaml",
		"/config/config.yaml",
	}
	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc
		}
	}

	return filepath.Join(dataPath, "config.yaml")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
