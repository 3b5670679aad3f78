// Package config loads the livecam YAML configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"livecam/internal/analysis"
	"livecam/internal/auth"
	"livecam/internal/correlate"
	"livecam/internal/emitter"
	"livecam/internal/notify"
	"livecam/internal/opencv"
	"livecam/internal/pipeline"
)

// Capture providers
const (
	ProviderFFmpeg = "ffmpeg"
	ProviderOpenCV = "opencv"
)

// Config represents the complete livecam configuration
type Config struct {
	Source        SourceConfig           `yaml:"source"`
	Trigger       pipeline.TriggerConfig `yaml:"trigger"`
	Analysis      analysis.Config        `yaml:"analysis"`
	LocalDetector LocalDetectorConfig    `yaml:"local_detector"`
	Correlation   correlate.Options      `yaml:"correlation"`
	Overlay       OverlayConfig          `yaml:"overlay"`
	HTTP          HTTPConfig             `yaml:"http"`
	Auth          auth.Config            `yaml:"auth"`
	Database      DatabaseConfig         `yaml:"database"`
	MQTT          emitter.Config         `yaml:"mqtt"`
	Telegram      notify.Config          `yaml:"telegram"`
	AutoStop      AutoStopConfig         `yaml:"auto_stop"`
}

// SourceConfig selects the capture provider and the source to open
type SourceConfig struct {
	Provider string                `yaml:"provider"` // ffmpeg, opencv
	Index    int                   `yaml:"index"`
	ID       string                `yaml:"id"`
	FFmpeg   pipeline.FFmpegConfig `yaml:"ffmpeg"`
	OpenCV   opencv.CaptureConfig  `yaml:"opencv"`
}

// Selector returns the configured source selector
func (s SourceConfig) Selector() pipeline.SourceSelector {
	return pipeline.SourceSelector{Index: s.Index, ID: s.ID}
}

// LocalDetectorConfig enables the per-frame Haar cascade
type LocalDetectorConfig struct {
	Enabled              bool `yaml:"enabled"`
	opencv.CascadeConfig `yaml:",inline"`
}

// OverlayConfig contains annotated stream settings
type OverlayConfig struct {
	JPEGQuality int  `yaml:"jpeg_quality"`
	ShowTags    bool `yaml:"show_tags"`
}

// HTTPConfig contains viewer server settings
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig contains outcome journal settings
type DatabaseConfig struct {
	Path      string        `yaml:"path"` // Empty disables the journal
	Retention time.Duration `yaml:"retention"`
}

// AutoStopConfig stops the grabber after it has run for Duration
type AutoStopConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Duration time.Duration `yaml:"duration"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Source: SourceConfig{
			Provider: ProviderFFmpeg,
			FFmpeg:   pipeline.DefaultFFmpegConfig(),
			OpenCV:   opencv.CaptureConfig{MaxDevices: 10},
		},
		Trigger:  pipeline.DefaultTriggerConfig(),
		Analysis: analysis.DefaultConfig(),
		LocalDetector: LocalDetectorConfig{
			CascadeConfig: opencv.DefaultCascadeConfig(),
		},
		Correlation: correlate.Options{Unmatched: correlate.UnmatchedKeep},
		Overlay: OverlayConfig{
			JPEGQuality: 80,
			ShowTags:    true,
		},
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: 5 * time.Second,
		},
		Auth: auth.DefaultConfig(),
		Database: DatabaseConfig{
			Path:      "livecam.db",
			Retention: 7 * 24 * time.Hour,
		},
		MQTT:     emitter.DefaultConfig(),
		Telegram: notify.DefaultConfig(),
		AutoStop: AutoStopConfig{
			Duration: 5 * time.Minute,
		},
	}
}

// Load reads a YAML configuration file over the defaults. An empty path
// yields the defaults. Environment overrides are applied before validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets from the environment
func (c *Config) ApplyEnv() {
	if v := os.Getenv("LIVECAM_API_KEY"); v != "" {
		c.Analysis.APIKey = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("AUTH_PASSWORD"); v != "" {
		c.Auth.Password = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.Telegram.BotToken = v
	}
}
