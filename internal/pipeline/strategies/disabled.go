package strategies

import (
	"livecam/internal/pipeline"
)

// DisabledStrategy never triggers analysis
// Used when streaming only is desired
type DisabledStrategy struct{}

// NewDisabledStrategy creates a disabled trigger strategy
func NewDisabledStrategy() *DisabledStrategy {
	return &DisabledStrategy{}
}

func (s *DisabledStrategy) Name() string {
	return string(pipeline.TriggerModeDisabled)
}

func (s *DisabledStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	return false
}

func (s *DisabledStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {
	// No-op
}

func (s *DisabledStrategy) Reset() {
	// No-op
}
