package strategies

import (
	"sync"
	"time"

	"livecam/internal/pipeline"
)

// MotionTriggeredStrategy fires while the motion detector sees change between
// consecutive frames, and for a cooldown after the last motion. The cooldown is
// measured on frame timestamps so replayed sources behave like live ones.
type MotionTriggeredStrategy struct {
	detector pipeline.MotionDetector
	cooldown time.Duration

	mu         sync.Mutex
	lastMotion time.Time // zero when no motion since the last reset
}

// NewMotionTriggeredStrategy creates a motion-triggered strategy. A nil
// detector makes it fire on every frame.
func NewMotionTriggeredStrategy(detector pipeline.MotionDetector, sensitivity float32, cooldown time.Duration) *MotionTriggeredStrategy {
	defaults := pipeline.DefaultTriggerConfig()
	if cooldown <= 0 {
		cooldown = defaults.Cooldown
	}
	if sensitivity <= 0 {
		sensitivity = defaults.Sensitivity
	}
	if detector != nil {
		detector.SetSensitivity(sensitivity)
	}
	return &MotionTriggeredStrategy{detector: detector, cooldown: cooldown}
}

func (s *MotionTriggeredStrategy) Name() string {
	return string(pipeline.TriggerModeMotion)
}

func (s *MotionTriggeredStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	if s.detector == nil {
		return true
	}

	moving, _, err := s.detector.DetectMotion(frame)
	if err != nil {
		// Unknown is treated as motion
		return true
	}

	at := frameTime(frame)

	s.mu.Lock()
	defer s.mu.Unlock()

	if moving {
		s.lastMotion = at
		return true
	}
	if s.lastMotion.IsZero() {
		return false
	}
	if at.Sub(s.lastMotion) < s.cooldown {
		return true
	}
	s.lastMotion = time.Time{}
	return false
}

func (s *MotionTriggeredStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {}

func (s *MotionTriggeredStrategy) Reset() {
	s.mu.Lock()
	s.lastMotion = time.Time{}
	s.mu.Unlock()

	if s.detector != nil {
		s.detector.Reset()
	}
}

// frameTime is the acquisition time of frame, or now for frames without one
func frameTime(frame *pipeline.VideoFrame) time.Time {
	if frame != nil && !frame.Metadata.Timestamp.IsZero() {
		return frame.Metadata.Timestamp
	}
	return time.Now()
}
