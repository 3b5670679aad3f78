package config

import (
	"fmt"

	"livecam/internal/analysis"
	"livecam/internal/correlate"
	"livecam/internal/pipeline"
)

// Validate checks the configuration and fills in derived defaults
func (c *Config) Validate() error {
	switch c.Source.Provider {
	case "":
		c.Source.Provider = ProviderFFmpeg
	case ProviderFFmpeg, ProviderOpenCV:
	default:
		return fmt.Errorf("source.provider must be %q or %q, got %q", ProviderFFmpeg, ProviderOpenCV, c.Source.Provider)
	}
	if c.Source.Index < 0 {
		return fmt.Errorf("source.index must be >= 0")
	}

	if err := validateTrigger(c.Trigger); err != nil {
		return fmt.Errorf("trigger: %w", err)
	}

	if err := validateAnalysis(c.Analysis); err != nil {
		return fmt.Errorf("analysis: %w", err)
	}

	if c.LocalDetector.Enabled && c.LocalDetector.Path == "" {
		return fmt.Errorf("local_detector.path is required when the local detector is enabled")
	}

	switch c.Correlation.Unmatched {
	case "":
		c.Correlation.Unmatched = correlate.UnmatchedKeep
	case correlate.UnmatchedKeep, correlate.UnmatchedDrop:
	default:
		return fmt.Errorf("correlation.unmatched must be keep or drop, got %q", c.Correlation.Unmatched)
	}

	if c.Overlay.JPEGQuality <= 0 || c.Overlay.JPEGQuality > 100 {
		return fmt.Errorf("overlay.jpeg_quality must be between 1 and 100")
	}

	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}

	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("auth.password is required when auth is enabled (or set AUTH_PASSWORD)")
	}

	if c.MQTT.Enabled {
		if c.MQTT.Broker == "" {
			return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
		}
		if c.MQTT.QoS > 2 {
			return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
		}
	}

	if err := c.Telegram.Validate(); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}

	if c.AutoStop.Enabled && c.AutoStop.Duration <= 0 {
		return fmt.Errorf("auto_stop.duration must be > 0 when auto stop is enabled")
	}

	return nil
}

func validateTrigger(t pipeline.TriggerConfig) error {
	switch t.Mode {
	case pipeline.TriggerModeDisabled, pipeline.TriggerModeContinuous:
	case pipeline.TriggerModeInterval:
		if t.Interval <= 0 {
			return fmt.Errorf("interval must be > 0 for interval mode")
		}
	case pipeline.TriggerModeRegionsChanged, pipeline.TriggerModeMotion:
		if t.Cooldown < 0 {
			return fmt.Errorf("cooldown must be >= 0")
		}
	case pipeline.TriggerModeHybrid:
		if t.Interval <= 0 {
			return fmt.Errorf("interval must be > 0 for hybrid mode")
		}
	default:
		return fmt.Errorf("unknown mode %q", t.Mode)
	}
	if t.Sensitivity < 0 || t.Sensitivity > 1 {
		return fmt.Errorf("sensitivity must be between 0 and 1")
	}
	return nil
}

func validateAnalysis(a analysis.Config) error {
	switch a.Backend {
	case analysis.BackendNone, "":
		return nil
	case analysis.BackendFace, analysis.BackendVision, analysis.BackendGRPC:
		if a.Endpoint == "" {
			return fmt.Errorf("endpoint is required for the %s backend", a.Backend)
		}
	case analysis.BackendWorker:
		if len(a.Command) == 0 {
			return fmt.Errorf("command is required for the worker backend")
		}
	default:
		return fmt.Errorf("unknown backend %q", a.Backend)
	}
	if a.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	return nil
}
