package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxConsecutiveReadFailures = 10
	readRetryDelay             = 200 * time.Millisecond
)

// Grabber acquires frames from a source, runs the optional local detector on
// each of them and submits the frames chosen by the trigger policy to a slow
// analysis function, keeping at most one analysis outstanding.
//
// Events are delivered on channels returned by Frames and Results.
// FrameAcquired events never wait for slow subscribers; ResultAvailable events
// are delivered exactly once per submitted request, in submission order.
type Grabber[T any] struct {
	name     string
	provider SourceProvider
	detector LocalDetector

	// Lifecycle
	mu       sync.Mutex
	session  *session
	starting bool

	// Analysis configuration, replaceable while running
	cfgMu   sync.RWMutex
	policy  TriggerPolicy
	analyze AnalysisFunc[T]
	timeout time.Duration

	slot chan struct{} // Capacity 1: held while a request is outstanding
	seq  atomic.Uint64

	frames  *EventBus[*VideoFrame]
	results *EventBus[*Result[T]]

	stats   Stats
	statsMu sync.RWMutex
}

// session is one Start..Stop acquisition run
type session struct {
	ctx      context.Context
	cancel   context.CancelFunc
	source   FrameSource
	info     SourceInfo
	loopDone chan struct{}
	inflight sync.WaitGroup
}

// Option configures a Grabber
type Option[T any] func(*Grabber[T])

// WithLocalDetector runs d on every acquired frame before FrameAcquired is raised
func WithLocalDetector[T any](d LocalDetector) Option[T] {
	return func(g *Grabber[T]) { g.detector = d }
}

// WithTriggerPolicy sets the initial trigger policy
func WithTriggerPolicy[T any](p TriggerPolicy) Option[T] {
	return func(g *Grabber[T]) { g.policy = p }
}

// WithAnalysisFunction sets the initial analysis function and its timeout (<= 0 disables the timeout)
func WithAnalysisFunction[T any](fn AnalysisFunc[T], timeout time.Duration) Option[T] {
	return func(g *Grabber[T]) {
		g.analyze = fn
		g.timeout = timeout
	}
}

// WithName sets the name used in log lines
func WithName[T any](name string) Option[T] {
	return func(g *Grabber[T]) { g.name = name }
}

// NewGrabber creates a stopped grabber reading from provider
func NewGrabber[T any](provider SourceProvider, opts ...Option[T]) *Grabber[T] {
	g := &Grabber[T]{
		name:     "grabber",
		provider: provider,
		slot:     make(chan struct{}, 1),
		frames:   NewEventBus[*VideoFrame](),
		results:  NewEventBus[*Result[T]](),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Frames subscribes to FrameAcquired events. A subscriber whose buffer is
// full misses frames; acquisition never waits for it.
func (g *Grabber[T]) Frames(buffer int) (<-chan *VideoFrame, func()) {
	return g.frames.SubscribeChannel(buffer)
}

// Results subscribes to ResultAvailable events. Every result is delivered
// unless the subscriber unsubscribes or the grabber is stopped first.
func (g *Grabber[T]) Results(buffer int) (<-chan *Result[T], func()) {
	return g.results.SubscribeChannel(buffer)
}

// Sources lists the sources of the underlying provider
func (g *Grabber[T]) Sources() ([]SourceInfo, error) {
	return g.provider.Sources()
}

// SetTriggerPolicy replaces the trigger policy. It applies from the next acquired frame.
func (g *Grabber[T]) SetTriggerPolicy(p TriggerPolicy) {
	if p != nil {
		p.Reset()
	}
	g.cfgMu.Lock()
	g.policy = p
	g.cfgMu.Unlock()

	g.statsMu.Lock()
	g.stats.Policy = policyName(p)
	g.statsMu.Unlock()
}

// SetAnalysisFunction replaces the analysis function and timeout (<= 0 disables the timeout).
// An outstanding request keeps the function and timeout it was submitted with.
func (g *Grabber[T]) SetAnalysisFunction(fn AnalysisFunc[T], timeout time.Duration) {
	g.cfgMu.Lock()
	g.analyze = fn
	g.timeout = timeout
	g.cfgMu.Unlock()
}

// Start opens the selected source and begins acquisition. ctx bounds opening
// the source only; acquisition runs until Stop.
func (g *Grabber[T]) Start(ctx context.Context, sel SourceSelector) error {
	g.mu.Lock()
	if g.starting {
		g.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s := g.session; s != nil {
		if !s.finished() {
			g.mu.Unlock()
			return ErrAlreadyRunning
		}
		// The previous run ended on its own (source exhausted); reap it
		g.session = nil
		s.cancel()
		s.inflight.Wait()
	}
	g.starting = true
	g.mu.Unlock()

	s, err := g.open(ctx, sel)

	g.mu.Lock()
	g.starting = false
	if err == nil {
		g.session = s
	}
	g.mu.Unlock()

	if err != nil {
		g.recordError(err)
		return err
	}

	g.cfgMu.RLock()
	if g.policy != nil {
		g.policy.Reset()
	}
	policy := policyName(g.policy)
	g.cfgMu.RUnlock()

	g.statsMu.Lock()
	g.stats.Source = s.info.ID
	g.stats.Policy = policy
	g.stats.StartedAt = time.Now()
	g.stats.LastError = ""
	g.statsMu.Unlock()

	go g.run(s)

	log.Printf("[%s] Started acquisition from %s (%s, policy: %s)", g.name, s.info.ID, s.info.Name, policy)
	return nil
}

func (g *Grabber[T]) open(ctx context.Context, sel SourceSelector) (*session, error) {
	info, err := ResolveSource(g.provider, sel)
	if err != nil {
		return nil, err
	}

	source, err := g.provider.Open(ctx, info)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open %s: %v", ErrSourceUnavailable, info.ID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	return &session{
		ctx:      runCtx,
		cancel:   cancel,
		source:   source,
		info:     info,
		loopDone: make(chan struct{}),
	}, nil
}

// Stop halts acquisition and waits until no further event can be raised.
// An outstanding analysis is cancelled and its result is never delivered.
// Safe to call from a goroutine consuming Frames or Results.
func (g *Grabber[T]) Stop() error {
	g.mu.Lock()
	s := g.session
	g.mu.Unlock()

	if s == nil {
		return ErrNotRunning
	}

	s.cancel()
	<-s.loopDone
	// The loop was the only producer of in-flight work, so Wait is safe now
	s.inflight.Wait()

	g.mu.Lock()
	if g.session == s {
		g.session = nil
	}
	g.mu.Unlock()

	log.Printf("[%s] Stopped acquisition from %s", g.name, s.info.ID)
	return nil
}

// Close stops the grabber if needed and closes every subscription channel
func (g *Grabber[T]) Close() error {
	if err := g.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	g.frames.Close()
	g.results.Close()
	return nil
}

// IsRunning reports whether frames are being acquired
func (g *Grabber[T]) IsRunning() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.session != nil && !g.session.finished()
}

// Source returns the source of the current run
func (g *Grabber[T]) Source() (SourceInfo, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.session == nil {
		return SourceInfo{}, false
	}
	return g.session.info, true
}

// StartedAt returns when the current run started, zero when stopped
func (g *Grabber[T]) StartedAt() time.Time {
	if !g.IsRunning() {
		return time.Time{}
	}
	g.statsMu.RLock()
	defer g.statsMu.RUnlock()
	return g.stats.StartedAt
}

// Stats returns a copy of the grabber statistics
func (g *Grabber[T]) Stats() Stats {
	g.statsMu.RLock()
	stats := g.stats
	g.statsMu.RUnlock()

	stats.Running = g.IsRunning()
	stats.FramesDropped = g.frames.Dropped()
	return stats
}

func (s *session) finished() bool {
	select {
	case <-s.loopDone:
		return true
	default:
		return false
	}
}

// run is the acquisition loop of one session
func (g *Grabber[T]) run(s *session) {
	defer close(s.loopDone)
	defer s.source.Close()

	failures := 0
	for {
		img, err := s.source.ReadFrame(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				log.Printf("[%s] Source %s ended", g.name, s.info.ID)
				return
			}

			failures++
			g.recordError(err)
			if failures >= maxConsecutiveReadFailures {
				log.Printf("[%s] Giving up on %s after %d consecutive read errors: %v", g.name, s.info.ID, failures, err)
				return
			}
			log.Printf("[%s] Frame read error on %s: %v", g.name, s.info.ID, err)

			select {
			case <-s.ctx.Done():
				return
			case <-time.After(readRetryDelay):
			}
			continue
		}
		failures = 0

		frame := &VideoFrame{
			Image: img,
			Metadata: FrameMetadata{
				Index:     g.seq.Add(1) - 1,
				Timestamp: time.Now(),
				SourceID:  s.info.ID,
			},
		}

		if g.detector != nil {
			regions, err := g.detector.Detect(img)
			if err != nil {
				log.Printf("[%s] Local detection error on frame %d: %v", g.name, frame.Metadata.Index, err)
			} else if regions == nil {
				regions = []DetectedRegion{}
			}
			frame.Regions = regions
		}

		g.statsMu.Lock()
		g.stats.FramesAcquired++
		g.stats.LastFrameTime = frame.Metadata.Timestamp.Unix()
		g.statsMu.Unlock()

		g.frames.Publish(frame)
		g.maybeSubmit(s, frame)
	}
}

// maybeSubmit asks the trigger policy about frame and submits it when the analysis slot is free
func (g *Grabber[T]) maybeSubmit(s *session, frame *VideoFrame) {
	g.cfgMu.RLock()
	policy, fn, timeout := g.policy, g.analyze, g.timeout
	g.cfgMu.RUnlock()

	if policy == nil || fn == nil {
		return
	}
	if !policy.ShouldAnalyze(frame) {
		return
	}

	select {
	case g.slot <- struct{}{}:
	default:
		g.statsMu.Lock()
		g.stats.TriggersSkipped++
		g.statsMu.Unlock()
		return
	}

	req := &AnalysisRequest{Frame: frame, SubmittedAt: time.Now()}
	policy.OnSubmitted(req)

	g.statsMu.Lock()
	g.stats.Submitted++
	g.statsMu.Unlock()

	s.inflight.Add(1)
	go g.analyzeFrame(s, req, fn, timeout)
}

type callResult[T any] struct {
	value T
	err   error
}

// analyzeFrame resolves one request and delivers its result
func (g *Grabber[T]) analyzeFrame(s *session, req *AnalysisRequest, fn AnalysisFunc[T], timeout time.Duration) {
	defer s.inflight.Done()
	defer func() { <-g.slot }()

	callCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()

	// Buffered so a call finishing after the timeout never blocks
	done := make(chan callResult[T], 1)
	go func() {
		var r callResult[T]
		defer func() {
			if p := recover(); p != nil {
				r = callResult[T]{err: fmt.Errorf("analysis function panicked: %v", p)}
			}
			done <- r
		}()
		r.value, r.err = fn(callCtx, req.Frame)
	}()

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	outcome := AnalysisOutcome[T]{SubmittedAt: req.SubmittedAt}
	select {
	case r := <-done:
		if r.err != nil {
			outcome.Status = OutcomeFailed
			outcome.Err = r.err
		} else {
			outcome.Status = OutcomeSucceeded
			outcome.Value = r.value
		}
	case <-expired:
		outcome.Status = OutcomeTimedOut
		outcome.Err = ErrAnalysisTimedOut
	case <-s.ctx.Done():
		return
	}
	outcome.CompletedAt = time.Now()

	if s.ctx.Err() != nil {
		return
	}

	g.recordOutcome(outcome)
	if outcome.Failed() {
		log.Printf("[%s] Analysis failed on frame %d: %v", g.name, req.Frame.Metadata.Index, outcome.Err)
	}

	result := &Result[T]{Frame: req.Frame, Outcome: outcome}
	if err := g.results.PublishWait(s.ctx, result); err != nil {
		log.Printf("[%s] Result for frame %d discarded: %v", g.name, req.Frame.Metadata.Index, err)
	}
}

func (g *Grabber[T]) recordOutcome(o AnalysisOutcome[T]) {
	latency := float32(o.Latency().Microseconds()) / 1000

	g.statsMu.Lock()
	defer g.statsMu.Unlock()

	switch o.Status {
	case OutcomeSucceeded:
		g.stats.Succeeded++
	case OutcomeTimedOut:
		g.stats.TimedOut++
	case OutcomeFailed:
		g.stats.Failed++
		g.stats.LastError = o.Err.Error()
	}

	g.stats.LastLatencyMs = latency
	if g.stats.AvgLatencyMs == 0 {
		g.stats.AvgLatencyMs = latency
	} else {
		g.stats.AvgLatencyMs = (g.stats.AvgLatencyMs + latency) / 2
	}
}

func (g *Grabber[T]) recordError(err error) {
	g.statsMu.Lock()
	g.stats.LastError = err.Error()
	g.statsMu.Unlock()
}

func policyName(p TriggerPolicy) string {
	if p == nil {
		return "none"
	}
	return p.Name()
}
