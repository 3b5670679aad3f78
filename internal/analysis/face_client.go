package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"livecam/internal/pipeline"
)

// FaceClient detects faces and their attributes with the Face REST API
type FaceClient struct {
	endpoint   string
	apiKey     string
	attributes []string
	client     *http.Client
	calls      atomic.Uint64

	mu         sync.RWMutex
	healthy    bool
	lastHealth time.Time
}

// FaceConfig holds configuration for the Face API client
type FaceConfig struct {
	Endpoint   string
	APIKey     string
	Attributes []string // e.g. age, gender, headPose
	HTTPClient *http.Client
}

// faceResponse is one element of the detect response array
type faceResponse struct {
	FaceID        string `json:"faceId"`
	FaceRectangle struct {
		Left   int `json:"left"`
		Top    int `json:"top"`
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"faceRectangle"`
	FaceAttributes struct {
		Age      *float64 `json:"age"`
		Gender   string   `json:"gender"`
		HeadPose *struct {
			Pitch float64 `json:"pitch"`
			Roll  float64 `json:"roll"`
			Yaw   float64 `json:"yaw"`
		} `json:"headPose"`
		Emotion map[string]float64 `json:"emotion"`
	} `json:"faceAttributes"`
}

// errorResponse covers both {"error":{...}} and top-level error bodies
type errorResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewFaceClient creates a Face API client
func NewFaceClient(config FaceConfig) (*FaceClient, error) {
	if config.Endpoint == "" {
		return nil, fmt.Errorf("face API endpoint is required")
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FaceClient{
		endpoint:   strings.TrimRight(config.Endpoint, "/"),
		apiKey:     strings.TrimSpace(config.APIKey),
		attributes: config.Attributes,
		client:     client,
	}, nil
}

// Name returns the API name used in failure messages
func (fc *FaceClient) Name() string { return "Face" }

// Calls returns the number of detect calls issued
func (fc *FaceClient) Calls() uint64 { return fc.calls.Load() }

// Close releases idle connections
func (fc *FaceClient) Close() error {
	fc.client.CloseIdleConnections()
	return nil
}

// IsHealthy returns the result of the last health check
func (fc *FaceClient) IsHealthy() bool {
	fc.mu.RLock()
	defer fc.mu.RUnlock()
	return fc.healthy
}

// CheckHealth probes the endpoint. Any response that is not a server error
// counts as reachable.
func (fc *FaceClient) CheckHealth(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fc.endpoint+"/face/v1.0/detect", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := fc.client.Do(req)

	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.lastHealth = time.Now()
	if err != nil {
		fc.healthy = false
		return fmt.Errorf("health check failed: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		fc.healthy = false
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	fc.healthy = true
	return nil
}

// Analyze uploads the frame and converts the detected faces to regions
func (fc *FaceClient) Analyze(ctx context.Context, frame *pipeline.VideoFrame) (Result, error) {
	data, err := encodeJPEG(frame.Image)
	if err != nil {
		return Result{}, err
	}

	url := fc.endpoint + "/face/v1.0/detect?returnFaceId=false"
	if len(fc.attributes) > 0 {
		url += "&returnFaceAttributes=" + strings.Join(fc.attributes, ",")
	}

	fc.calls.Add(1)
	body, err := postImage(ctx, fc.client, url, fc.apiKey, data, fc.Name())
	if err != nil {
		return Result{}, err
	}

	var faces []faceResponse
	if err := json.Unmarshal(body, &faces); err != nil {
		return Result{}, fmt.Errorf("failed to decode detect response: %w", err)
	}

	result := Result{Faces: make([]pipeline.DetectedRegion, 0, len(faces))}
	for _, f := range faces {
		result.Faces = append(result.Faces, pipeline.DetectedRegion{
			Rect: pipeline.Rect{
				Left:   f.FaceRectangle.Left,
				Top:    f.FaceRectangle.Top,
				Width:  f.FaceRectangle.Width,
				Height: f.FaceRectangle.Height,
			},
			Confidence: 1,
			Attributes: faceAttributes(f),
		})
	}
	return result, nil
}

func faceAttributes(f faceResponse) map[string]string {
	attrs := make(map[string]string)
	a := f.FaceAttributes
	if a.Gender != "" {
		attrs["gender"] = a.Gender
	}
	if a.Age != nil {
		attrs["age"] = strconv.FormatFloat(*a.Age, 'f', 0, 64)
	}
	if a.HeadPose != nil {
		attrs["head_pose"] = fmt.Sprintf("yaw=%.1f pitch=%.1f roll=%.1f", a.HeadPose.Yaw, a.HeadPose.Pitch, a.HeadPose.Roll)
	}
	if emotion := dominant(a.Emotion); emotion != "" {
		attrs["emotion"] = emotion
	}
	return attrs
}

// dominant returns the highest scoring key, ties broken alphabetically
func dominant(scores map[string]float64) string {
	best, bestScore := "", -1.0
	for k, v := range scores {
		if v > bestScore || (v == bestScore && k < best) {
			best, bestScore = k, v
		}
	}
	return best
}

// postImage sends a JPEG body to a Cognitive Services style endpoint
func postImage(ctx context.Context, client *http.Client, url, key string, data []byte, api string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if key != "" {
		req.Header.Set("Ocp-Apim-Subscription-Key", key)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{API: api, StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
		var er errorResponse
		if json.Unmarshal(body, &er) == nil {
			switch {
			case er.Error != nil:
				apiErr.Code, apiErr.Message = er.Error.Code, er.Error.Message
			case er.Message != "":
				apiErr.Code, apiErr.Message = er.Code, er.Message
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		log.Printf("[%s] API error: %v", api, apiErr)
		return nil, apiErr
	}

	return body, nil
}
