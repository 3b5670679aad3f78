package ws

import "time"

// ResultMessage represents an analysis outcome broadcast
type ResultMessage struct {
	Type        string    `json:"type"` // "result"
	SourceID    string    `json:"source_id"`
	FrameIndex  uint64    `json:"frame_index"`
	Timestamp   time.Time `json:"timestamp"`
	Status      string    `json:"status"` // "succeeded", "timed_out", "failed"
	LatencyMs   float32   `json:"latency_ms"`
	FrameWidth  int       `json:"frame_width"`
	FrameHeight int       `json:"frame_height"`
	Faces       []Face    `json:"faces"`
	Tags        []string  `json:"tags,omitempty"`
	Message     string    `json:"message,omitempty"` // User-facing text for timeouts and failures
}

// Face represents a single analyzed face
type Face struct {
	BBox       []int             `json:"bbox"` // [x, y, w, h] in pixels
	Label      string            `json:"label,omitempty"`
	Confidence float32           `json:"confidence"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Stale      bool              `json:"stale,omitempty"`
}

// StatusMessage reports grabber state changes and user-facing messages
type StatusMessage struct {
	Type      string    `json:"type"` // "status"
	Timestamp time.Time `json:"timestamp"`
	Running   bool      `json:"running"`
	Source    string    `json:"source,omitempty"`
	Message   string    `json:"message,omitempty"`
	APICalls  uint64    `json:"api_calls"`
}

// NewResultMessage creates a new result message
func NewResultMessage(sourceID string, frameIndex uint64, status string) *ResultMessage {
	return &ResultMessage{
		Type:       "result",
		SourceID:   sourceID,
		FrameIndex: frameIndex,
		Timestamp:  time.Now(),
		Status:     status,
		Faces:      make([]Face, 0),
	}
}

// AddFace adds a face to the message
func (m *ResultMessage) AddFace(x, y, w, h int, label string, confidence float32, attributes map[string]string, stale bool) {
	m.Faces = append(m.Faces, Face{
		BBox:       []int{x, y, w, h},
		Label:      label,
		Confidence: confidence,
		Attributes: attributes,
		Stale:      stale,
	})
}

// NewStatusMessage creates a new status message
func NewStatusMessage(running bool, source, message string) *StatusMessage {
	return &StatusMessage{
		Type:      "status",
		Timestamp: time.Now(),
		Running:   running,
		Source:    source,
		Message:   message,
	}
}
