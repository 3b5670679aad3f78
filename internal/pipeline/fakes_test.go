package pipeline

import (
	"context"
	"errors"
	"image"
	"image/color"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

// fakeSource yields a solid image every interval, optionally ending after limit frames
type fakeSource struct {
	info     SourceInfo
	interval time.Duration
	limit    int
	img      image.Image

	mu     sync.Mutex
	read   int
	closed atomic.Bool
}

func (s *fakeSource) Info() SourceInfo { return s.info }

func (s *fakeSource) ReadFrame(ctx context.Context) (image.Image, error) {
	s.mu.Lock()
	if s.limit > 0 && s.read >= s.limit {
		s.mu.Unlock()
		return nil, io.EOF
	}
	s.read++
	s.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(s.interval):
	}
	return s.img, nil
}

func (s *fakeSource) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeProvider struct {
	sources  []SourceInfo
	interval time.Duration
	limit    int
	openErr  error

	mu     sync.Mutex
	opened []*fakeSource
}

func newFakeProvider(n int) *fakeProvider {
	devices := make([]string, n)
	for i := range devices {
		devices[i] = "/dev/video" + string(rune('0'+i))
	}
	return &fakeProvider{
		sources:  SourcesFromDevices(devices),
		interval: 2 * time.Millisecond,
	}
}

func (p *fakeProvider) Sources() ([]SourceInfo, error) {
	return p.sources, nil
}

func (p *fakeProvider) Open(ctx context.Context, info SourceInfo) (FrameSource, error) {
	if p.openErr != nil {
		return nil, p.openErr
	}
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	img.Set(0, 0, color.White)

	src := &fakeSource{info: info, interval: p.interval, limit: p.limit, img: img}
	p.mu.Lock()
	p.opened = append(p.opened, src)
	p.mu.Unlock()
	return src, nil
}

func (p *fakeProvider) lastOpened() *fakeSource {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.opened) == 0 {
		return nil
	}
	return p.opened[len(p.opened)-1]
}

// funcPolicy adapts a predicate to TriggerPolicy
type funcPolicy struct {
	fn        func(frame *VideoFrame) bool
	submitted atomic.Int64
	resets    atomic.Int64
}

func (p *funcPolicy) Name() string                         { return "func" }
func (p *funcPolicy) ShouldAnalyze(frame *VideoFrame) bool { return p.fn(frame) }
func (p *funcPolicy) OnSubmitted(req *AnalysisRequest)     { p.submitted.Add(1) }
func (p *funcPolicy) Reset()                               { p.resets.Add(1) }

func always() *funcPolicy {
	return &funcPolicy{fn: func(*VideoFrame) bool { return true }}
}

// once fires on the first frame it sees only
func once() *funcPolicy {
	var fired atomic.Bool
	return &funcPolicy{fn: func(*VideoFrame) bool { return fired.CompareAndSwap(false, true) }}
}

type fakeDetector struct {
	regions []DetectedRegion
	err     error
	calls   atomic.Int64
}

func (d *fakeDetector) Detect(img image.Image) ([]DetectedRegion, error) {
	d.calls.Add(1)
	return d.regions, d.err
}

var errBoom = errors.New("boom")
