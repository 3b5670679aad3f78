package pipeline

import (
	"image"
	"time"
)

// TriggerMode defines which acquired frames are submitted for analysis
type TriggerMode string

const (
	// TriggerModeDisabled - never analyze, streaming only
	TriggerModeDisabled TriggerMode = "disabled"
	// TriggerModeInterval - submit at most once every interval
	TriggerModeInterval TriggerMode = "interval"
	// TriggerModeContinuous - submit whenever the analysis slot is free
	TriggerModeContinuous TriggerMode = "continuous"
	// TriggerModeRegionsChanged - submit when the local detector sees the region count change
	TriggerModeRegionsChanged TriggerMode = "regions_changed"
	// TriggerModeMotion - submit while frame differencing reports motion
	TriggerModeMotion TriggerMode = "motion"
	// TriggerModeHybrid - interval OR regions changed OR motion
	TriggerModeHybrid TriggerMode = "hybrid"
)

// TriggerConfig configures the trigger policy built by the strategy factory
type TriggerConfig struct {
	Mode        TriggerMode   `yaml:"mode" json:"mode"`
	Interval    time.Duration `yaml:"interval" json:"interval"`         // For interval/hybrid mode
	MinInterval time.Duration `yaml:"min_interval" json:"min_interval"` // Rate limit for continuous mode (0 = none)
	Cooldown    time.Duration `yaml:"cooldown" json:"cooldown"`         // For regions_changed/motion/hybrid mode
	Sensitivity float32       `yaml:"sensitivity" json:"sensitivity"`   // Changed-pixel ratio for motion mode
}

// DefaultTriggerConfig analyzes at most one frame every 3 seconds
func DefaultTriggerConfig() TriggerConfig {
	return TriggerConfig{
		Mode:        TriggerModeInterval,
		Interval:    3 * time.Second,
		Cooldown:    2 * time.Second,
		Sensitivity: 0.1,
	}
}

// Rect is an axis-aligned rectangle in pixel coordinates
type Rect struct {
	Left   int `json:"left"`
	Top    int `json:"top"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// CenterX returns the horizontal center used for left-to-right ordering
func (r Rect) CenterX() float64 {
	return float64(r.Left) + 0.5*float64(r.Width)
}

// Rectangle converts to an image.Rectangle
func (r Rect) Rectangle() image.Rectangle {
	return image.Rect(r.Left, r.Top, r.Left+r.Width, r.Top+r.Height)
}

// Inflate grows the rectangle by d on every side
func (r Rect) Inflate(d int) Rect {
	return Rect{Left: r.Left - d, Top: r.Top - d, Width: r.Width + 2*d, Height: r.Height + 2*d}
}

// RectFromImage converts an image.Rectangle
func RectFromImage(r image.Rectangle) Rect {
	r = r.Canon()
	return Rect{Left: r.Min.X, Top: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// DetectedRegion is a region of interest produced either by the local detector
// (current frame) or by remote analysis (an older frame)
type DetectedRegion struct {
	Rect       Rect              `json:"rect"`
	Label      string            `json:"label,omitempty"`
	Confidence float32           `json:"confidence,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"` // Shared, never mutated after creation
	Stale      bool              `json:"stale,omitempty"`      // Rectangle still belongs to the analyzed frame
}

// FrameMetadata describes when and where a frame was captured
type FrameMetadata struct {
	Index     uint64    `json:"index"`     // Monotonically increasing per grabber
	Timestamp time.Time `json:"timestamp"` // Acquisition time
	SourceID  string    `json:"source_id"`
}

// VideoFrame is a captured frame. It is shared read-only between every event
// holder and must not be modified after it has been published.
type VideoFrame struct {
	Image    image.Image
	Metadata FrameMetadata
	Regions  []DetectedRegion // Local detections; nil when no local detector ran
}

// Width returns the frame width in pixels
func (f *VideoFrame) Width() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dx()
}

// Height returns the frame height in pixels
func (f *VideoFrame) Height() int {
	if f == nil || f.Image == nil {
		return 0
	}
	return f.Image.Bounds().Dy()
}

// AnalysisRequest is a frame handed to the analysis function
type AnalysisRequest struct {
	Frame       *VideoFrame
	SubmittedAt time.Time
}

// OutcomeStatus tags an AnalysisOutcome
type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeTimedOut  OutcomeStatus = "timed_out"
	OutcomeFailed    OutcomeStatus = "failed"
)

// AnalysisOutcome is the resolution of one AnalysisRequest.
// Value is only meaningful for OutcomeSucceeded, Err for the other two.
type AnalysisOutcome[T any] struct {
	Status      OutcomeStatus
	Value       T
	Err         error
	SubmittedAt time.Time
	CompletedAt time.Time
}

// Succeeded reports whether the analysis returned a value
func (o AnalysisOutcome[T]) Succeeded() bool { return o.Status == OutcomeSucceeded }

// TimedOut reports whether the timeout fired before the analysis returned
func (o AnalysisOutcome[T]) TimedOut() bool { return o.Status == OutcomeTimedOut }

// Failed reports whether the analysis returned an error or panicked
func (o AnalysisOutcome[T]) Failed() bool { return o.Status == OutcomeFailed }

// Latency is the time between submission and resolution
func (o AnalysisOutcome[T]) Latency() time.Duration {
	return o.CompletedAt.Sub(o.SubmittedAt)
}

// Result is a ResultAvailable event: the outcome plus the frame it was computed against
type Result[T any] struct {
	Frame   *VideoFrame
	Outcome AnalysisOutcome[T]
}

// SourceInfo identifies an enumerated capture source
type SourceInfo struct {
	Index  int    `json:"index"`
	ID     string `json:"id"`
	Name   string `json:"name"`
	Device string `json:"device"`
}

// SourceSelector picks a source among the enumerated ones.
// ID wins when set; otherwise Index is used, so the zero value selects the first source.
type SourceSelector struct {
	Index int    `json:"index"`
	ID    string `json:"id,omitempty"`
}

// Stats contains grabber statistics
type Stats struct {
	Source          string    `json:"source"`
	Running         bool      `json:"running"`
	Policy          string    `json:"policy"`
	StartedAt       time.Time `json:"started_at"`
	FramesAcquired  uint64    `json:"frames_acquired"`
	FramesDropped   uint64    `json:"frames_dropped"` // Frames a full subscriber buffer could not take
	Submitted       uint64    `json:"submitted"`
	TriggersSkipped uint64    `json:"triggers_skipped"` // Policy fired while a request was outstanding
	Succeeded       uint64    `json:"succeeded"`
	TimedOut        uint64    `json:"timed_out"`
	Failed          uint64    `json:"failed"`
	LastLatencyMs   float32   `json:"last_latency_ms"`
	AvgLatencyMs    float32   `json:"avg_latency_ms"`
	LastFrameTime   int64     `json:"last_frame_time"` // Unix timestamp
	LastError       string    `json:"last_error,omitempty"`
}
