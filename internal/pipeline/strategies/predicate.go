package strategies

import (
	"livecam/internal/pipeline"
)

// PredicateStrategy triggers analysis whenever fn returns true
type PredicateStrategy struct {
	name string
	fn   func(frame *pipeline.VideoFrame) bool
}

// NewPredicateStrategy wraps a caller-supplied predicate
func NewPredicateStrategy(name string, fn func(frame *pipeline.VideoFrame) bool) *PredicateStrategy {
	if name == "" {
		name = "predicate"
	}
	return &PredicateStrategy{name: name, fn: fn}
}

func (s *PredicateStrategy) Name() string {
	return s.name
}

func (s *PredicateStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	if s.fn == nil {
		return false
	}
	return s.fn(frame)
}

func (s *PredicateStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {}

func (s *PredicateStrategy) Reset() {}
