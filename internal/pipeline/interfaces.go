package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrSourceUnavailable is returned by Start when the selected source cannot be opened
	ErrSourceUnavailable = errors.New("no video source available")
	// ErrAlreadyRunning is returned by Start when acquisition is already active
	ErrAlreadyRunning = errors.New("grabber is already running")
	// ErrNotRunning is returned by Stop when there was nothing to stop
	ErrNotRunning = errors.New("grabber is not running")
	// ErrAnalysisTimedOut is the Err of a TimedOut outcome
	ErrAnalysisTimedOut = errors.New("analysis timed out")
	// ErrNoAnalysisFunction is returned when no analysis backend is configured
	ErrNoAnalysisFunction = errors.New("no analysis function configured")
)

// FrameSource yields decoded frames at the source's native rate
type FrameSource interface {
	// Info describes the opened source
	Info() SourceInfo

	// ReadFrame blocks until the next frame is available or ctx is done.
	// io.EOF means the source has ended.
	ReadFrame(ctx context.Context) (image.Image, error)

	// Close releases the source
	Close() error
}

// SourceProvider enumerates and opens capture sources
type SourceProvider interface {
	// Sources lists the available sources in selection order
	Sources() ([]SourceInfo, error)

	// Open starts capturing from a source
	Open(ctx context.Context, info SourceInfo) (FrameSource, error)
}

// LocalDetector produces rough regions of interest for a single frame with no
// network latency. Implementations must be safe to call from the acquisition
// goroutine while other goroutines read earlier results.
type LocalDetector interface {
	Detect(img image.Image) ([]DetectedRegion, error)
}

// MotionDetector reports frame-to-frame change used by motion-triggered policies
type MotionDetector interface {
	// DetectMotion compares frame with the previous one it saw
	DetectMotion(frame *VideoFrame) (hasMotion bool, confidence float32, err error)

	// SetSensitivity sets the fraction of changed pixels that counts as motion
	SetSensitivity(sensitivity float32)

	// Reset forgets the previous frame
	Reset()
}

// TriggerPolicy decides which acquired frames are submitted for analysis
type TriggerPolicy interface {
	// Name returns the policy identifier
	Name() string

	// ShouldAnalyze is evaluated once per acquired frame
	ShouldAnalyze(frame *VideoFrame) bool

	// OnSubmitted is called when a frame the policy accepted was actually submitted.
	// It is not called for triggers skipped because a request was outstanding.
	OnSubmitted(req *AnalysisRequest)

	// Reset clears internal state (e.g. on start or policy replacement)
	Reset()
}

// AnalysisFunc is the slow external analysis call. It should honor ctx,
// which is cancelled on timeout and on Stop.
type AnalysisFunc[T any] func(ctx context.Context, frame *VideoFrame) (T, error)

// ResolveSource picks a source according to the selector
func ResolveSource(provider SourceProvider, sel SourceSelector) (SourceInfo, error) {
	sources, err := provider.Sources()
	if err != nil {
		return SourceInfo{}, fmt.Errorf("%w: failed to enumerate sources: %v", ErrSourceUnavailable, err)
	}
	if len(sources) == 0 {
		return SourceInfo{}, ErrSourceUnavailable
	}

	if sel.ID != "" {
		for _, s := range sources {
			if s.ID == sel.ID {
				return s, nil
			}
		}
		return SourceInfo{}, fmt.Errorf("%w: source %q not found", ErrSourceUnavailable, sel.ID)
	}

	if sel.Index < 0 || sel.Index >= len(sources) {
		return SourceInfo{}, fmt.Errorf("%w: source index %d out of range (%d available)", ErrSourceUnavailable, sel.Index, len(sources))
	}
	return sources[sel.Index], nil
}
