package strategies

import (
	"sync"
	"time"

	"livecam/internal/pipeline"
)

// ContinuousStrategy triggers analysis on every frame; the grabber's single
// analysis slot turns that into "as soon as the previous call resolved".
// Optionally rate-limits to avoid overwhelming the remote service
type ContinuousStrategy struct {
	minInterval   time.Duration // Minimum time between submissions
	lastSubmitted time.Time
	mu            sync.Mutex
}

// NewContinuousStrategy creates a continuous trigger strategy
// minInterval can be 0 to submit every frame, or a duration to rate-limit
func NewContinuousStrategy(minInterval time.Duration) *ContinuousStrategy {
	return &ContinuousStrategy{
		minInterval: minInterval,
	}
}

func (s *ContinuousStrategy) Name() string {
	return string(pipeline.TriggerModeContinuous)
}

func (s *ContinuousStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	if s.minInterval == 0 {
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return time.Since(s.lastSubmitted) >= s.minInterval
}

func (s *ContinuousStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = req.SubmittedAt
}

func (s *ContinuousStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = time.Time{}
}
