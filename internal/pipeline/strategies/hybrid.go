package strategies

import (
	"strings"

	"livecam/internal/pipeline"
)

// HybridStrategy triggers analysis when any of its member policies does.
// The interval member guarantees coverage; event-driven members
// (regions changed, motion) make it responsive.
type HybridStrategy struct {
	members []pipeline.TriggerPolicy
}

// NewHybridStrategy combines policies with OR semantics
func NewHybridStrategy(members ...pipeline.TriggerPolicy) *HybridStrategy {
	filtered := make([]pipeline.TriggerPolicy, 0, len(members))
	for _, m := range members {
		if m != nil {
			filtered = append(filtered, m)
		}
	}
	return &HybridStrategy{members: filtered}
}

func (s *HybridStrategy) Name() string {
	return string(pipeline.TriggerModeHybrid)
}

// Describe lists the member policies, e.g. "hybrid(interval+motion)"
func (s *HybridStrategy) Describe() string {
	names := make([]string, len(s.members))
	for i, m := range s.members {
		names[i] = m.Name()
	}
	return s.Name() + "(" + strings.Join(names, "+") + ")"
}

func (s *HybridStrategy) ShouldAnalyze(frame *pipeline.VideoFrame) bool {
	// Every member sees every frame so stateful members (motion) keep their reference current
	trigger := false
	for _, m := range s.members {
		if m.ShouldAnalyze(frame) {
			trigger = true
		}
	}
	return trigger
}

func (s *HybridStrategy) OnSubmitted(req *pipeline.AnalysisRequest) {
	for _, m := range s.members {
		m.OnSubmitted(req)
	}
}

func (s *HybridStrategy) Reset() {
	for _, m := range s.members {
		m.Reset()
	}
}
