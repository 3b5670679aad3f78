package strategies

import (
	"sync"
	"time"

	"livecam/internal/pipeline"
)

// IntervalStrategy triggers analysis at most once per interval, measured
// between submissions. The first frame after a reset always triggers.
type IntervalStrategy struct {
	interval      time.Duration
	lastSubmitted time.Time
	mu            sync.Mutex
}

// NewIntervalStrategy creates an interval trigger strategy
func NewIntervalStrategy(interval time.Duration) *IntervalStrategy {
	if interval <= 0 {
		interval = 3 * time.Second
	}
	return &IntervalStrategy{
		interval: interval,
	}
}

func (s *IntervalStrategy) Name() string {
	return string(pipeline.TriggerModeInterval)
}

func (s *IntervalStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return time.Since(s.lastSubmitted) >= s.interval
}

func (s *IntervalStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = req.SubmittedAt
}

func (s *IntervalStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSubmitted = time.Time{}
}

// SetInterval updates the analysis interval
func (s *IntervalStrategy) SetInterval(interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interval = interval
}

// Interval returns the current analysis interval
func (s *IntervalStrategy) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}
