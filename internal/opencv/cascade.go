// Package opencv holds the OpenCV backed local face detector and capture provider.
package opencv

import (
	"fmt"
	"image"
	"log"
	"sync"

	"gocv.io/x/gocv"

	"livecam/internal/pipeline"
)

// CascadeConfig configures the Haar cascade detector
type CascadeConfig struct {
	Path         string  `yaml:"path" json:"path"` // e.g. data/haarcascade_frontalface_alt2.xml
	ScaleFactor  float64 `yaml:"scale_factor" json:"scale_factor"`
	MinNeighbors int     `yaml:"min_neighbors" json:"min_neighbors"`
	MinSize      int     `yaml:"min_size" json:"min_size"` // Smallest face side in pixels
	Label        string  `yaml:"label" json:"label"`
}

// DefaultCascadeConfig returns OpenCV's usual face detection parameters
func DefaultCascadeConfig() CascadeConfig {
	return CascadeConfig{
		Path:         "data/haarcascade_frontalface_alt2.xml",
		ScaleFactor:  1.1,
		MinNeighbors: 3,
		MinSize:      30,
	}
}

// CascadeDetector finds faces on every frame with a Haar cascade classifier.
// The classifier is not re-entrant, so Detect calls are serialized.
type CascadeDetector struct {
	config CascadeConfig

	mu         sync.Mutex
	classifier gocv.CascadeClassifier
	closed     bool
}

// NewCascadeDetector loads the cascade at config.Path
func NewCascadeDetector(config CascadeConfig) (*CascadeDetector, error) {
	defaults := DefaultCascadeConfig()
	if config.ScaleFactor <= 1 {
		config.ScaleFactor = defaults.ScaleFactor
	}
	if config.MinNeighbors <= 0 {
		config.MinNeighbors = defaults.MinNeighbors
	}
	if config.MinSize <= 0 {
		config.MinSize = defaults.MinSize
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(config.Path) {
		classifier.Close()
		return nil, fmt.Errorf("failed to load cascade classifier from %s", config.Path)
	}

	log.Printf("[CascadeDetector] Loaded %s", config.Path)
	return &CascadeDetector{config: config, classifier: classifier}, nil
}

// Detect returns the faces found in img, in classifier order
func (d *CascadeDetector) Detect(img image.Image) ([]pipeline.DetectedRegion, error) {
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBToGray)
	gocv.EqualizeHist(gray, &gray)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, fmt.Errorf("cascade detector is closed")
	}
	rects := d.classifier.DetectMultiScaleWithParams(gray, d.config.ScaleFactor, d.config.MinNeighbors, 0,
		image.Pt(d.config.MinSize, d.config.MinSize), image.Pt(0, 0))
	d.mu.Unlock()

	regions := make([]pipeline.DetectedRegion, 0, len(rects))
	for _, r := range rects {
		regions = append(regions, pipeline.DetectedRegion{
			Rect:       pipeline.RectFromImage(r),
			Label:      d.config.Label,
			Confidence: 1,
		})
	}
	return regions, nil
}

// Close releases the classifier
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.classifier.Close()
}
