package stream

import (
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"
)

// Well-known stream names
const (
	Live      = "live"      // Raw acquired frames
	Annotated = "annotated" // Frames with the latest analysis drawn on them
)

// MJPEGStream fans JPEG frames out to HTTP clients
type MJPEGStream struct {
	name string

	clients   map[chan []byte]bool
	clientsMu sync.RWMutex

	currentFrame []byte
	frameSeq     uint64
	updatedAt    time.Time
	frameMu      sync.RWMutex

	closed bool
}

// Manager owns the named MJPEG streams served by the viewer
type Manager struct {
	streams map[string]*MJPEGStream
	mu      sync.RWMutex
}

// NewManager creates a manager with the given streams
func NewManager(names ...string) *Manager {
	m := &Manager{streams: make(map[string]*MJPEGStream)}
	for _, name := range names {
		m.streams[name] = &MJPEGStream{name: name, clients: make(map[chan []byte]bool)}
	}
	return m
}

// Stream returns a stream by name, nil when unknown
func (m *Manager) Stream(name string) *MJPEGStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.streams[name]
}

// Names returns the configured stream names
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.streams))
	for name := range m.streams {
		names = append(names, name)
	}
	return names
}

// Publish stores frame as the current frame of the stream and broadcasts it
func (m *Manager) Publish(name string, frame []byte) {
	if s := m.Stream(name); s != nil {
		s.Publish(frame)
	}
}

// HasClients reports whether anyone is watching the stream
func (m *Manager) HasClients(name string) bool {
	s := m.Stream(name)
	return s != nil && s.ClientCount() > 0
}

// ServeStream serves the named stream as multipart MJPEG
func (m *Manager) ServeStream(w http.ResponseWriter, r *http.Request, name string) {
	s := m.Stream(name)
	if s == nil {
		http.Error(w, fmt.Sprintf("Stream %s not found", name), http.StatusNotFound)
		return
	}
	s.ServeHTTP(w, r)
}

// ServeSnapshot serves the current frame of the named stream
func (m *Manager) ServeSnapshot(w http.ResponseWriter, r *http.Request, name string) {
	s := m.Stream(name)
	if s == nil {
		http.Error(w, fmt.Sprintf("Stream %s not found", name), http.StatusNotFound)
		return
	}

	frame, _ := s.CurrentFrame()
	if frame == nil {
		http.Error(w, "No frame available", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(frame)))
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(frame)
}

// Close disconnects every client of every stream
func (m *Manager) Close() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.streams {
		s.Close()
	}
}

// Publish updates the current frame and broadcasts it to all clients
func (s *MJPEGStream) Publish(frame []byte) {
	if len(frame) == 0 {
		return
	}

	s.frameMu.Lock()
	s.currentFrame = frame
	s.frameSeq++
	s.updatedAt = time.Now()
	s.frameMu.Unlock()

	s.clientsMu.RLock()
	for ch := range s.clients {
		select {
		case ch <- frame:
		default:
			// Client is slow, skip frame
		}
	}
	s.clientsMu.RUnlock()
}

// CurrentFrame returns the latest frame and its sequence number
func (s *MJPEGStream) CurrentFrame() ([]byte, uint64) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	return s.currentFrame, s.frameSeq
}

// ClientCount returns the number of connected clients
func (s *MJPEGStream) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// Close disconnects all clients
func (s *MJPEGStream) Close() {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	s.closed = true
	for ch := range s.clients {
		close(ch)
		delete(s.clients, ch)
	}
}

// ServeHTTP serves the stream to a client, starting with the current frame
func (s *MJPEGStream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	clientCh := make(chan []byte, 5)
	s.clientsMu.Lock()
	if s.closed {
		s.clientsMu.Unlock()
		http.Error(w, "Stream closed", http.StatusServiceUnavailable)
		return
	}
	s.clients[clientCh] = true
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		if _, ok := s.clients[clientCh]; ok {
			delete(s.clients, clientCh)
		}
		s.clientsMu.Unlock()
	}()

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Printf("[MJPEGStream] Client connected to %s", s.name)

	if frame, _ := s.CurrentFrame(); frame != nil {
		writePart(w, frame)
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			log.Printf("[MJPEGStream] Client disconnected from %s", s.name)
			return
		case frame, ok := <-clientCh:
			if !ok {
				return
			}
			writePart(w, frame)
			flusher.Flush()
		}
	}
}

func writePart(w http.ResponseWriter, frame []byte) {
	fmt.Fprintf(w, "--frame\r\n")
	fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
	fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
	w.Write(frame)
	fmt.Fprintf(w, "\r\n")
}
