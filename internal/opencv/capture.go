package opencv

import (
	"context"
	"fmt"
	"image"
	"io"
	"log"
	"sync"

	"gocv.io/x/gocv"

	"livecam/internal/pipeline"
)

// CaptureConfig configures the OpenCV capture provider
type CaptureConfig struct {
	MaxDevices int `yaml:"max_devices" json:"max_devices"` // Device indices probed by Sources
	Width      int `yaml:"width" json:"width"`
	Height     int `yaml:"height" json:"height"`
}

// CaptureProvider opens cameras by index with OpenCV's VideoCapture
type CaptureProvider struct {
	config CaptureConfig
}

// NewCaptureProvider creates a capture provider
func NewCaptureProvider(config CaptureConfig) *CaptureProvider {
	if config.MaxDevices <= 0 {
		config.MaxDevices = 10
	}
	return &CaptureProvider{config: config}
}

// Sources probes device indices in order and stops at the first one that does not open
func (p *CaptureProvider) Sources() ([]pipeline.SourceInfo, error) {
	var sources []pipeline.SourceInfo
	for i := 0; i < p.config.MaxDevices; i++ {
		capture, err := gocv.OpenVideoCapture(i)
		if err != nil {
			break
		}
		opened := capture.IsOpened()
		capture.Close()
		if !opened {
			break
		}
		sources = append(sources, pipeline.SourceInfo{
			Index:  i,
			ID:     fmt.Sprintf("opencv:%d", i),
			Name:   fmt.Sprintf("Camera %d", i+1),
			Device: fmt.Sprint(i),
		})
	}
	return sources, nil
}

// Open starts capturing from the device with info.Index
func (p *CaptureProvider) Open(ctx context.Context, info pipeline.SourceInfo) (pipeline.FrameSource, error) {
	capture, err := gocv.OpenVideoCapture(info.Index)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pipeline.ErrSourceUnavailable, err)
	}
	if !capture.IsOpened() {
		capture.Close()
		return nil, fmt.Errorf("%w: device %d did not open", pipeline.ErrSourceUnavailable, info.Index)
	}
	if p.config.Width > 0 && p.config.Height > 0 {
		capture.Set(gocv.VideoCaptureFrameWidth, float64(p.config.Width))
		capture.Set(gocv.VideoCaptureFrameHeight, float64(p.config.Height))
	}
	capture.Set(gocv.VideoCaptureBufferSize, 1)

	log.Printf("[CaptureProvider] Opened %s (device %d)", info.Name, info.Index)
	return &captureSource{info: info, capture: capture, mat: gocv.NewMat()}, nil
}

type captureSource struct {
	info pipeline.SourceInfo

	mu      sync.Mutex
	capture *gocv.VideoCapture
	mat     gocv.Mat
	closed  bool
}

func (s *captureSource) Info() pipeline.SourceInfo { return s.info }

// ReadFrame blocks in VideoCapture.Read; ctx is checked before each read
func (s *captureSource) ReadFrame(ctx context.Context) (image.Image, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, io.EOF
	}

	if ok := s.capture.Read(&s.mat); !ok || s.mat.Empty() {
		if !s.capture.IsOpened() {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("failed to read frame from device %d", s.info.Index)
	}
	img, err := s.mat.ToImage()
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	return img, nil
}

func (s *captureSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.mat.Close()
	return s.capture.Close()
}
