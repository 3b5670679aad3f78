package motion

import (
	"image"
	"sync"

	"livecam/internal/pipeline"
)

const (
	// Brightness difference (16-bit channel scale) that marks a pixel as changed
	pixelThreshold = 6000
	// Sample every nth pixel in both directions
	sampleStep = 2
)

// Config holds configuration for frame-differencing motion detection
type Config struct {
	Sensitivity   float32 // Fraction of sampled pixels that must change
	MinMotionArea int     // Minimum bounding box area in pixels
}

// Detector compares each frame with the previous one it saw.
// It implements pipeline.MotionDetector.
type Detector struct {
	mu            sync.Mutex
	previous      image.Image
	sensitivity   float32
	minMotionArea int
	lastBox       pipeline.Rect
}

// NewDetector creates a motion detector
func NewDetector(cfg Config) *Detector {
	if cfg.Sensitivity <= 0 {
		cfg.Sensitivity = 0.1
	}
	if cfg.MinMotionArea <= 0 {
		cfg.MinMotionArea = 400
	}
	return &Detector{
		sensitivity:   cfg.Sensitivity,
		minMotionArea: cfg.MinMotionArea,
	}
}

// DetectMotion compares frame with the previously seen frame
func (d *Detector) DetectMotion(frame *pipeline.VideoFrame) (bool, float32, error) {
	if frame == nil || frame.Image == nil {
		return false, 0, nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	previous := d.previous
	d.previous = frame.Image
	if previous == nil {
		return false, 0, nil
	}

	detected, confidence, box := compareFrames(previous, frame.Image, d.sensitivity, d.minMotionArea)
	if detected {
		d.lastBox = box
	}
	return detected, confidence, nil
}

// LastMotionBox returns the bounding box of the most recent motion
func (d *Detector) LastMotionBox() pipeline.Rect {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastBox
}

// SetSensitivity sets the fraction of changed pixels that counts as motion
func (d *Detector) SetSensitivity(sensitivity float32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if sensitivity > 0 {
		d.sensitivity = sensitivity
	}
}

// Reset forgets the previous frame
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.previous = nil
	d.lastBox = pipeline.Rect{}
}

// compareFrames reports whether enough sampled pixels changed brightness
// between background and current, with the bounding box of the change
func compareFrames(background, current image.Image, sensitivity float32, minMotionArea int) (motionDetected bool, confidence float32, bbox pipeline.Rect) {
	bgBounds := background.Bounds()
	curBounds := current.Bounds()

	if bgBounds != curBounds {
		return false, 0, pipeline.Rect{}
	}

	var changed, pixelCount int
	minX, minY := bgBounds.Max.X, bgBounds.Max.Y
	maxX, maxY := bgBounds.Min.X, bgBounds.Min.Y

	for y := bgBounds.Min.Y; y < bgBounds.Max.Y; y += sampleStep {
		for x := bgBounds.Min.X; x < bgBounds.Max.X; x += sampleStep {
			bgR, bgG, bgB, _ := background.At(x, y).RGBA()
			curR, curG, curB, _ := current.At(x, y).RGBA()

			bgBrightness := (bgR + bgG + bgB) / 3
			curBrightness := (curR + curG + curB) / 3

			diff := int(bgBrightness) - int(curBrightness)
			if diff < 0 {
				diff = -diff
			}

			if diff > pixelThreshold {
				changed++
				minX = min(minX, x)
				maxX = max(maxX, x)
				minY = min(minY, y)
				maxY = max(maxY, y)
			}

			pixelCount++
		}
	}

	if pixelCount == 0 {
		return false, 0, pipeline.Rect{}
	}

	changeRatio := float32(changed) / float32(pixelCount)
	if changed == 0 || changeRatio < sensitivity {
		return false, changeRatio, pipeline.Rect{}
	}

	bbox = pipeline.Rect{
		Left:   minX,
		Top:    minY,
		Width:  maxX - minX + 1,
		Height: maxY - minY + 1,
	}
	if bbox.Width*bbox.Height < minMotionArea {
		return false, changeRatio, pipeline.Rect{}
	}

	confidence = changeRatio * 3
	if confidence > 1.0 {
		confidence = 1.0
	}

	return true, confidence, bbox
}

var _ pipeline.MotionDetector = (*Detector)(nil)
