package strategies

import (
	"fmt"

	"livecam/internal/pipeline"
)

// StrategyFactory creates trigger policies based on configuration
type StrategyFactory struct {
	motionDetector pipeline.MotionDetector
}

// NewStrategyFactory creates a new strategy factory
// motionDetector may be nil; motion mode then falls back to continuous
func NewStrategyFactory(motionDetector pipeline.MotionDetector) *StrategyFactory {
	return &StrategyFactory{
		motionDetector: motionDetector,
	}
}

// Create creates a trigger policy based on the configuration
func (f *StrategyFactory) Create(config pipeline.TriggerConfig) (pipeline.TriggerPolicy, error) {
	defaults := pipeline.DefaultTriggerConfig()
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.Sensitivity <= 0 {
		config.Sensitivity = defaults.Sensitivity
	}

	switch config.Mode {
	case pipeline.TriggerModeDisabled:
		return NewDisabledStrategy(), nil

	case pipeline.TriggerModeInterval, "":
		return NewIntervalStrategy(config.Interval), nil

	case pipeline.TriggerModeContinuous:
		return NewContinuousStrategy(config.MinInterval), nil

	case pipeline.TriggerModeRegionsChanged:
		return NewRegionsChangedStrategy(config.Cooldown), nil

	case pipeline.TriggerModeMotion:
		return NewMotionTriggeredStrategy(f.motionDetector, config.Sensitivity, config.Cooldown), nil

	case pipeline.TriggerModeHybrid:
		members := []pipeline.TriggerPolicy{
			NewIntervalStrategy(config.Interval),
			NewRegionsChangedStrategy(config.Cooldown),
		}
		if f.motionDetector != nil {
			members = append(members, NewMotionTriggeredStrategy(f.motionDetector, config.Sensitivity, config.Cooldown))
		}
		return NewHybridStrategy(members...), nil

	default:
		return nil, fmt.Errorf("unknown trigger mode: %s", config.Mode)
	}
}

// CreateFromMode creates a policy from just a mode and default settings
func (f *StrategyFactory) CreateFromMode(mode pipeline.TriggerMode) (pipeline.TriggerPolicy, error) {
	cfg := pipeline.DefaultTriggerConfig()
	cfg.Mode = mode
	return f.Create(cfg)
}
