package strategies

import (
	"sync"
	"time"

	"livecam/internal/pipeline"
)

// RegionsChangedStrategy triggers analysis when the number of regions found
// by the local detector changes (someone entered or left the picture), and
// keeps triggering for a cooldown period afterwards
type RegionsChangedStrategy struct {
	cooldownPeriod time.Duration
	lastCount      int
	lastChange     time.Time
	active         bool
	mu             sync.Mutex
}

// NewRegionsChangedStrategy creates a regions-changed strategy
func NewRegionsChangedStrategy(cooldownPeriod time.Duration) *RegionsChangedStrategy {
	if cooldownPeriod < 0 {
		cooldownPeriod = 0
	}
	return &RegionsChangedStrategy{
		cooldownPeriod: cooldownPeriod,
		lastCount:      -1,
	}
}

func (s *RegionsChangedStrategy) Name() string {
	return string(pipeline.TriggerModeRegionsChanged)
}

func (s *RegionsChangedStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	// Frames without local detection carry no signal
	if frame.Regions == nil {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	count := len(frame.Regions)

	if count != s.lastCount {
		s.lastCount = count
		s.lastChange = now
		s.active = true
		return true
	}

	if s.active && now.Sub(s.lastChange) < s.cooldownPeriod {
		return true
	}

	s.active = false
	return false
}

func (s *RegionsChangedStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {}

func (s *RegionsChangedStrategy) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCount = -1
	s.lastChange = time.Time{}
	s.active = false
}
