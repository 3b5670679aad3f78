// Package analysis contains the slow, remote analysis backends a grabber
// submits frames to.
package analysis

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"time"

	"livecam/internal/pipeline"
)

// JPEG quality used when uploading frames
const uploadQuality = 60

// Backend selects an analysis implementation
type Backend string

const (
	BackendNone   Backend = "none"
	BackendFace   Backend = "face"
	BackendVision Backend = "vision"
	BackendGRPC   Backend = "grpc"
	BackendWorker Backend = "worker"
)

// Config configures the analysis backend
type Config struct {
	Backend    Backend       `yaml:"backend" json:"backend"`
	Endpoint   string        `yaml:"endpoint" json:"endpoint"`     // HTTP base URL or gRPC target
	APIKey     string        `yaml:"api_key" json:"-"`             // Ocp-Apim-Subscription-Key for face/vision
	Attributes []string      `yaml:"attributes" json:"attributes"` // Face attributes to request
	Command    []string      `yaml:"command" json:"command"`       // Worker executable and arguments
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`       // Per-call timeout enforced by the grabber
}

// DefaultConfig returns a configuration without a backend
func DefaultConfig() Config {
	return Config{
		Backend:    BackendNone,
		Attributes: []string{"age", "gender", "headPose"},
		Timeout:    3 * time.Second,
	}
}

// Tag is an image-level label with its confidence
type Tag struct {
	Name       string  `json:"name" msgpack:"name"`
	Confidence float32 `json:"confidence" msgpack:"confidence"`
}

// Result is what every backend produces for one frame
type Result struct {
	Faces []pipeline.DetectedRegion `json:"faces"`
	Tags  []Tag                     `json:"tags,omitempty"`
}

// TagNames returns the tag names in response order
func (r Result) TagNames() []string {
	names := make([]string, 0, len(r.Tags))
	for _, t := range r.Tags {
		names = append(names, t.Name)
	}
	return names
}

// Analyzer is a remote analysis backend. Analyze matches pipeline.AnalysisFunc[Result].
type Analyzer interface {
	Name() string
	Analyze(ctx context.Context, frame *pipeline.VideoFrame) (Result, error)
	Calls() uint64
	Close() error
}

// APIError is a well-formed error response from a remote API, as opposed to
// a transport failure
type APIError struct {
	API        string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, status %d)", e.Message, e.Code, e.StatusCode)
	}
	return fmt.Sprintf("%s (status %d)", e.Message, e.StatusCode)
}

// New builds the configured backend. BackendNone returns pipeline.ErrNoAnalysisFunction.
func New(cfg Config) (Analyzer, error) {
	var (
		a   Analyzer
		err error
	)
	switch cfg.Backend {
	case BackendNone, "":
		return nil, pipeline.ErrNoAnalysisFunction
	case BackendFace:
		a, err = NewFaceClient(FaceConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey, Attributes: cfg.Attributes})
	case BackendVision:
		a, err = NewVisionClient(VisionConfig{Endpoint: cfg.Endpoint, APIKey: cfg.APIKey})
	case BackendGRPC:
		a, err = NewGRPCAnalyzer(GRPCConfig{Endpoint: cfg.Endpoint})
	case BackendWorker:
		a, err = StartWorker(cfg.Command)
	default:
		return nil, fmt.Errorf("unknown analysis backend: %s", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// encodeJPEG encodes a frame for upload
func encodeJPEG(img image.Image) ([]byte, error) {
	if img == nil {
		return nil, fmt.Errorf("frame has no image")
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: uploadQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
