// Package config provides configuration management for the traffic speed service
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Config represents the service configuration
type Config struct {
	Version  string         `yaml:"version"`
	System   SystemConfig   `yaml:"system"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Detector DetectorConfig `yaml:"detector"`
	Video    VideoConfig    `yaml:"video"`
	Source   SourceConfig   `yaml:"source"`
	Sink     SinkConfig     `yaml:"sink"`
	API      APIConfig      `yaml:"api"`
	EventBus EventBusConfig `yaml:"eventbus"`

	// Internal fields
	mu       sync.RWMutex    `yaml:"-"`
	path     string          `yaml:"-"`
	watchers []func(*Config) `yaml:"-"`
	encKey   []byte          `yaml:"-"`
}

// SystemConfig holds system-wide settings
type SystemConfig struct {
	Name     string         `yaml:"name"`
	Timezone string         `yaml:"timezone"`
	DataPath string         `yaml:"data_path"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig holds database settings
type DatabaseConfig struct {
	Path string `yaml:"path"` // SQLite path, defaults under data_path
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level      string `yaml:"level"`
	BufferSize int    `yaml:"buffer_size"` // entries kept for /api/logs
}

// PipelineConfig holds worker pool and frame sampling settings
type PipelineConfig struct {
	NumWorkers     int      `yaml:"num_workers" json:"num_workers"`
	FrameStride    int      `yaml:"frame_stride" json:"frame_stride"`
	MaxWidth       int      `yaml:"max_width" json:"max_width"`
	MaxHeight      int      `yaml:"max_height" json:"max_height"`
	Resolution     string   `yaml:"resolution" json:"resolution"` // 2160p ... 240p, default
	HistoryLength  int      `yaml:"history_length" json:"history_length"`
	VehicleClasses []string `yaml:"vehicle_classes" json:"vehicle_classes"`
}

// DetectorConfig holds detection backend settings
type DetectorConfig struct {
	Address        string  `yaml:"address"`
	TimeoutSeconds int     `yaml:"timeout_seconds"`
	MinConfidence  float64 `yaml:"min_confidence"`
	Model          string  `yaml:"model,omitempty"`
	JPEGQuality    int     `yaml:"jpeg_quality,omitempty"`
}

// VideoConfig holds decoding settings
type VideoConfig struct {
	Decoder     string `yaml:"decoder"` // ffmpeg or gocv
	HWAccel     string `yaml:"hwaccel,omitempty"`
	DownloadDir string `yaml:"download_dir"`
}

// SourceConfig holds job source settings
type SourceConfig struct {
	PollURL             string `yaml:"poll_url,omitempty"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	APIKey              string `yaml:"api_key,omitempty"`
	Subscribe           bool   `yaml:"subscribe"` // accept jobs from the event bus
}

// SinkConfig holds result delivery settings
type SinkConfig struct {
	RecordURL      string `yaml:"record_url,omitempty"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	APIKey         string `yaml:"api_key,omitempty"`
}

// APIConfig holds HTTP API settings
type APIConfig struct {
	Address     string   `yaml:"address"`
	CORSOrigins []string `yaml:"cors_origins,omitempty"`
}

// EventBusConfig holds embedded NATS settings
type EventBusConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	StoreDir string `yaml:"store_dir,omitempty"`
}

// Default returns a configuration with every default applied
func Default() *Config {
	return DefaultAt("")
}

// DefaultAt returns the defaults with paths derived from dataPath
func DefaultAt(dataPath string) *Config {
	cfg := &Config{encKey: getEncryptionKey()}
	cfg.System.DataPath = dataPath
	cfg.setDefaults()
	return cfg
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.path = path
	cfg.encKey = getEncryptionKey()

	if err := cfg.decryptSecrets(); err != nil {
		return nil, fmt.Errorf("failed to decrypt secrets: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values that have no sensible default
func (c *Config) Validate() error {
	if c.Pipeline.NumWorkers < 1 {
		return fmt.Errorf("pipeline.num_workers must be at least 1")
	}
	if c.Pipeline.FrameStride < 1 {
		return fmt.Errorf("pipeline.frame_stride must be at least 1")
	}
	if c.Pipeline.MaxWidth < 0 || c.Pipeline.MaxHeight < 0 {
		return fmt.Errorf("pipeline.max_width and max_height must not be negative")
	}
	switch c.Video.Decoder {
	case "ffmpeg", "gocv":
	default:
		return fmt.Errorf("video.decoder must be ffmpeg or gocv, got %q", c.Video.Decoder)
	}
	if c.Detector.MinConfidence < 0 || c.Detector.MinConfidence > 1 {
		return fmt.Errorf("detector.min_confidence must be between 0 and 1")
	}
	return nil
}

// Save saves the configuration to a YAML file
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saveUnlocked()
}

// saveUnlocked saves without acquiring lock (caller must hold lock)
func (c *Config) saveUnlocked() error {
	// Create a copy for saving (without mutex)
	cfgCopy := &Config{
		Version:  c.Version,
		System:   c.System,
		Pipeline: c.Pipeline,
		Detector: c.Detector,
		Video:    c.Video,
		Source:   c.Source,
		Sink:     c.Sink,
		API:      c.API,
		EventBus: c.EventBus,
		path:     c.path,
		encKey:   c.encKey,
	}
	if err := cfgCopy.encryptSecrets(); err != nil {
		return fmt.Errorf("failed to encrypt secrets: %w", err)
	}

	data, err := yaml.Marshal(cfgCopy)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := "# Traffic Speed Service Configuration\n# Auto-generated - manual edits are preserved\n\n"
	data = append([]byte(header), data...)

	// Atomic write
	tmpPath := c.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return os.Rename(tmpPath, c.path)
}

// Watch starts watching for configuration file changes
func (c *Config) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	go func() {
		defer watcher.Close()

		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					time.Sleep(100 * time.Millisecond) // Debounce
					c.reload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Error("Config watch error", "error", err)
			}
		}
	}()

	return watcher.Add(c.GetPath())
}

// OnChange registers a callback for config changes
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.watchers = append(c.watchers, fn)
}

// reload reloads the configuration from disk
func (c *Config) reload() {
	newCfg, err := Load(c.GetPath())
	if err != nil {
		slog.Error("Failed to reload config", "error", err)
		return
	}

	c.mu.Lock()
	// Copy fields individually to avoid copying the mutex
	c.Version = newCfg.Version
	c.System = newCfg.System
	c.Pipeline = newCfg.Pipeline
	c.Detector = newCfg.Detector
	c.Video = newCfg.Video
	c.Source = newCfg.Source
	c.Sink = newCfg.Sink
	c.API = newCfg.API
	c.EventBus = newCfg.EventBus
	c.encKey = newCfg.encKey
	watchers := c.watchers
	c.mu.Unlock()

	slog.Info("Configuration reloaded")

	for _, fn := range watchers {
		fn(c)
	}
}

// PipelineSettings returns a copy of the pipeline section
func (c *Config) PipelineSettings() PipelineConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p := c.Pipeline
	p.VehicleClasses = append([]string(nil), c.Pipeline.VehicleClasses...)
	return p
}

// LogLevel returns the configured log level
func (c *Config) LogLevel() slog.Level {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ParseLevel(c.System.Logging.Level)
}

// ParseLevel converts a level name to a slog level, defaulting to info
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetPath sets the path for the config file (used for saving)
func (c *Config) SetPath(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.path = path
}

// GetPath returns the current config file path
func (c *Config) GetPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.path
}

// setDefaults sets default values for unset fields
func (c *Config) setDefaults() {
	if c.Version == "" {
		c.Version = "1.0"
	}
	if c.System.Name == "" {
		c.System.Name = "trafficspeed"
	}
	if c.System.Timezone == "" {
		c.System.Timezone = "UTC"
	}
	if c.System.DataPath == "" {
		c.System.DataPath = "/data"
	}
	if c.System.Database.Path == "" {
		c.System.Database.Path = filepath.Join(c.System.DataPath, "trafficspeed.db")
	}
	if c.System.Logging.Level == "" {
		c.System.Logging.Level = "info"
	}
	if c.System.Logging.BufferSize == 0 {
		c.System.Logging.BufferSize = 1000
	}

	if c.Pipeline.NumWorkers == 0 {
		c.Pipeline.NumWorkers = 4
	}
	if c.Pipeline.FrameStride == 0 {
		c.Pipeline.FrameStride = 1
	}
	if c.Pipeline.MaxWidth == 0 {
		c.Pipeline.MaxWidth = 1600
	}
	if c.Pipeline.MaxHeight == 0 {
		c.Pipeline.MaxHeight = 1600
	}
	if c.Pipeline.Resolution == "" {
		c.Pipeline.Resolution = "default"
	}
	if c.Pipeline.HistoryLength == 0 {
		c.Pipeline.HistoryLength = 30
	}
	if len(c.Pipeline.VehicleClasses) == 0 {
		c.Pipeline.VehicleClasses = []string{"car", "truck", "bus", "motorcycle", "van"}
	}

	if c.Detector.Address == "" {
		c.Detector.Address = "localhost:5100"
	}
	if c.Detector.TimeoutSeconds == 0 {
		c.Detector.TimeoutSeconds = 30
	}

	if c.Video.Decoder == "" {
		c.Video.Decoder = "ffmpeg"
	}
	if c.Video.DownloadDir == "" {
		c.Video.DownloadDir = filepath.Join(c.System.DataPath, "downloads")
	}

	if c.Source.PollIntervalSeconds == 0 {
		c.Source.PollIntervalSeconds = 10
	}
	if c.Sink.TimeoutSeconds == 0 {
		c.Sink.TimeoutSeconds = 10
	}

	if c.API.Address == "" {
		c.API.Address = "0.0.0.0:8080"
	}

	if c.EventBus.Host == "" {
		c.EventBus.Host = "127.0.0.1"
	}
	if c.EventBus.Port == 0 {
		c.EventBus.Port = 4222
	}
}

// encryptSecrets encrypts sensitive fields
func (c *Config) encryptSecrets() error {
	for _, secret := range []*string{&c.Source.APIKey, &c.Sink.APIKey} {
		if *secret != "" && !strings.HasPrefix(*secret, "encrypted:") {
			encrypted, err := encrypt(c.encKey, *secret)
			if err != nil {
				return err
			}
			*secret = "encrypted:" + encrypted
		}
	}
	return nil
}

// decryptSecrets decrypts sensitive fields
func (c *Config) decryptSecrets() error {
	for _, secret := range []*string{&c.Source.APIKey, &c.Sink.APIKey} {
		if strings.HasPrefix(*secret, "encrypted:") {
			decrypted, err := decrypt(c.encKey, strings.TrimPrefix(*secret, "encrypted:"))
			if err != nil {
				return err
			}
			*secret = decrypted
		}
	}
	return nil
}

// getEncryptionKey returns the encryption key from environment or the built-in default
func getEncryptionKey() []byte {
	keyStr := os.Getenv("TRAFFICSPEED_ENCRYPTION_KEY")
	if keyStr != "" {
		key, err := base64.StdEncoding.DecodeString(keyStr)
		if err == nil && len(key) == 32 {
			return key
		}
	}

	// Must be exactly 32 bytes for AES-256
	return []byte("trafficspeed-default-key-change!")
}

// encrypt encrypts a string using AES-GCM
func encrypt(key []byte, plaintext string) (string, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// decrypt decrypts a string using AES-GCM
func decrypt(key []byte, ciphertext string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertextBytes := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertextBytes, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
