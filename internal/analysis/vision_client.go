package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"livecam/internal/pipeline"
)

// VisionClient tags images with the Computer Vision analyze API
type VisionClient struct {
	endpoint string
	apiKey   string
	client   *http.Client
	calls    atomic.Uint64
}

// VisionConfig holds configuration for the Computer Vision client
type VisionConfig struct {
	Endpoint   string
	APIKey     string
	HTTPClient *http.Client
}

type visionResponse struct {
	Tags []struct {
		Name       string  `json:"name"`
		Confidence float32 `json:"confidence"`
	} `json:"tags"`
}

// NewVisionClient creates a Computer Vision client
func NewVisionClient(config VisionConfig) (*VisionClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("computer vision endpoint is required")
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &VisionClient{
		endpoint: strings.TrimRight(config.Endpoint, "/"),
		apiKey:   strings.TrimSpace(config.APIKey),
		client:   client,
	}, nil
}

// Name returns the API name used in failure messages
func (vc *VisionClient) Name() string { return "Computer Vision" }

// Calls returns the number of analyze calls issued
func (vc *VisionClient) Calls() uint64 { return vc.calls.Load() }

// Close releases idle connections
func (vc *VisionClient) Close() error {
	vc.client.CloseIdleConnections()
	return nil
}

// Analyze returns the image tags for the frame
func (vc *VisionClient) Analyze(ctx context.Context, frame *pipeline.VideoFrame) (Result, error) {
	data, err := encodeJPEG(frame.Image)
	if err != nil {
		return Result{}, err
	}

	vc.calls.Add(1)
	body, err := postImage(ctx, vc.client, vc.endpoint+"/vision/v3.2/analyze?visualFeatures=Tags", vc.apiKey, data, vc.Name())
	if err != nil {
		return Result{}, err
	}

	var resp visionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Result{}, fmt.Errorf("failed to decode analyze response: %w", err)
	}

	result := Result{Tags: make([]Tag, 0, len(resp.Tags))}
	for _, t := range resp.Tags {
		result.Tags = append(result.Tags, Tag{Name: t.Name, Confidence: t.Confidence})
	}
	return result, nil
}
