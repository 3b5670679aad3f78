package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	maxJPEGFrameSize = 16 * 1024 * 1024
	stderrTailSize   = 2048
)

// FFmpegConfig configures the FFmpeg-based source provider
type FFmpegConfig struct {
	Binary      string        `yaml:"binary"`
	Devices     []string      `yaml:"devices"` // Explicit sources; /dev/video* is scanned when empty
	FPS         int           `yaml:"fps"`
	Width       int           `yaml:"width"`
	Height      int           `yaml:"height"`
	OpenTimeout time.Duration `yaml:"open_timeout"` // Wait for the first frame
}

// DefaultFFmpegConfig returns a 640x480 capture at 15 fps
func DefaultFFmpegConfig() FFmpegConfig {
	return FFmpegConfig{
		Binary:      "ffmpeg",
		FPS:         15,
		Width:       640,
		Height:      480,
		OpenTimeout: 10 * time.Second,
	}
}

// FFmpegProvider captures frames using FFmpeg.
// USB cameras, RTSP and HTTP streams are piped through ffmpeg as MJPEG;
// HTTP snapshot endpoints are polled directly.
type FFmpegProvider struct {
	cfg  FFmpegConfig
	glob func(pattern string) ([]string, error)
}

// NewFFmpegProvider creates a new FFmpeg-based source provider
func NewFFmpegProvider(cfg FFmpegConfig) *FFmpegProvider {
	defaults := DefaultFFmpegConfig()
	if cfg.Binary == "" {
		cfg.Binary = defaults.Binary
	}
	if cfg.FPS <= 0 {
		cfg.FPS = defaults.FPS
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = defaults.Width, defaults.Height
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = defaults.OpenTimeout
	}
	return &FFmpegProvider{cfg: cfg, glob: filepath.Glob}
}

// Sources lists the configured devices, or the local video devices when none are configured
func (p *FFmpegProvider) Sources() ([]SourceInfo, error) {
	devices := p.cfg.Devices
	if len(devices) == 0 {
		var err error
		devices, err = EnumerateVideoDevices(p.glob)
		if err != nil {
			return nil, err
		}
	}
	return SourcesFromDevices(devices), nil
}

// EnumerateVideoDevices lists /dev/video* in index order
func EnumerateVideoDevices(glob func(pattern string) ([]string, error)) ([]string, error) {
	if glob == nil {
		glob = filepath.Glob
	}
	devices, err := glob("/dev/video*")
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate video devices: %w", err)
	}
	sort.Slice(devices, func(i, j int) bool {
		if len(devices[i]) != len(devices[j]) {
			return len(devices[i]) < len(devices[j])
		}
		return devices[i] < devices[j]
	})
	return devices, nil
}

// SourcesFromDevices builds SourceInfo entries in device order
func SourcesFromDevices(devices []string) []SourceInfo {
	sources := make([]SourceInfo, 0, len(devices))
	for i, device := range devices {
		sources = append(sources, SourceInfo{
			Index:  i,
			ID:     device,
			Name:   fmt.Sprintf("Camera %d", i+1),
			Device: device,
		})
	}
	return sources
}

// Open starts capturing from info and waits for the first frame
func (p *FFmpegProvider) Open(ctx context.Context, info SourceInfo) (FrameSource, error) {
	var src frameStream
	if isHTTPImageEndpoint(info.Device) {
		src = newHTTPImageSource(info, p.cfg.FPS)
	} else {
		s, err := startFFmpegSource(p.cfg, info)
		if err != nil {
			return nil, err
		}
		src = s
	}

	openCtx, cancel := context.WithTimeout(ctx, p.cfg.OpenTimeout)
	defer cancel()

	if err := src.waitFirst(openCtx); err != nil {
		src.Close()
		return nil, err
	}

	log.Printf("[FrameProvider] Opened %s (%s)", info.ID, info.Device)
	return src, nil
}

// ffmpegArgs builds the ffmpeg command line for a device
func ffmpegArgs(cfg FFmpegConfig, device string) []string {
	output := []string{
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	}

	var args []string
	switch {
	case strings.HasPrefix(device, "rtsp://"):
		args = []string{
			"-rtsp_transport", "tcp",
			"-i", device,
			"-r", fmt.Sprintf("%d", cfg.FPS),
		}
	case strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://"):
		args = []string{
			"-i", device,
			"-r", fmt.Sprintf("%d", cfg.FPS),
		}
	case strings.HasPrefix(device, "/dev/"):
		// V4L2 device (USB camera)
		args = []string{
			"-f", "v4l2",
			"-video_size", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
			"-framerate", fmt.Sprintf("%d", cfg.FPS),
			"-i", device,
		}
	default:
		// Video file, played at its native rate
		args = []string{
			"-re",
			"-i", device,
		}
	}

	return append(append([]string{"-hide_banner", "-loglevel", "error"}, args...), output...)
}

func isHTTPImageEndpoint(device string) bool {
	return (strings.HasPrefix(device, "http://") || strings.HasPrefix(device, "https://")) &&
		(strings.Contains(device, ".jpg") || strings.Contains(device, ".jpeg") || strings.Contains(device, "image"))
}

// frameStream is a FrameSource fed by a background producer
type frameStream interface {
	FrameSource
	waitFirst(ctx context.Context) error
}

// latestFrame is a one-slot mailbox: the producer replaces an unread frame
type latestFrame struct {
	ch      chan []byte
	dropped atomic.Uint64
	pending []byte
}

func newLatestFrame() *latestFrame {
	return &latestFrame{ch: make(chan []byte, 1)}
}

// put stores data, replacing a frame nobody read yet
func (l *latestFrame) put(data []byte) {
	for {
		select {
		case l.ch <- data:
			return
		default:
		}
		select {
		case <-l.ch:
			l.dropped.Add(1)
		default:
		}
	}
}

// ffmpegSource reads MJPEG frames from an ffmpeg child process
type ffmpegSource struct {
	info    SourceInfo
	cmd     *exec.Cmd
	stdout  io.ReadCloser
	frames  *latestFrame
	stderr  bytes.Buffer
	exitErr error // Valid once readerDone is closed

	readerDone chan struct{}
	closeOnce  sync.Once
}

func startFFmpegSource(cfg FFmpegConfig, info SourceInfo) (*ffmpegSource, error) {
	cmd := exec.Command(cfg.Binary, ffmpegArgs(cfg, info.Device)...)

	s := &ffmpegSource{
		info:       info,
		cmd:        cmd,
		frames:     newLatestFrame(),
		readerDone: make(chan struct{}),
	}
	cmd.Stderr = &s.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("error creating stdout pipe: %w", err)
	}
	s.stdout = stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("error starting ffmpeg: %w", err)
	}

	go s.readLoop()
	return s, nil
}

func (s *ffmpegSource) readLoop() {
	defer close(s.readerDone)

	scanner := bufio.NewScanner(s.stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), maxJPEGFrameSize)
	scanner.Split(SplitJPEG)

	for scanner.Scan() {
		frame := make([]byte, len(scanner.Bytes()))
		copy(frame, scanner.Bytes())
		s.frames.put(frame)
	}
	scanErr := scanner.Err()

	waitErr := s.cmd.Wait()
	switch {
	case scanErr != nil:
		s.exitErr = fmt.Errorf("error reading frames: %w", scanErr)
	case waitErr != nil:
		s.exitErr = fmt.Errorf("ffmpeg exited: %v: %s", waitErr, tail(s.stderr.String(), stderrTailSize))
	}
}

func (s *ffmpegSource) Info() SourceInfo { return s.info }

func (s *ffmpegSource) waitFirst(ctx context.Context) error {
	select {
	case data := <-s.frames.ch:
		s.frames.pending = data
		return nil
	case <-s.readerDone:
		if s.exitErr != nil {
			return s.exitErr
		}
		return fmt.Errorf("ffmpeg produced no frames for %s", s.info.Device)
	case <-ctx.Done():
		return fmt.Errorf("no frame from %s: %w", s.info.Device, ctx.Err())
	}
}

func (s *ffmpegSource) ReadFrame(ctx context.Context) (image.Image, error) {
	if data := s.frames.pending; data != nil {
		s.frames.pending = nil
		return decodeJPEG(data)
	}

	select {
	case data := <-s.frames.ch:
		return decodeJPEG(data)
	case <-s.readerDone:
		// Drain a frame that arrived just before exit
		select {
		case data := <-s.frames.ch:
			return decodeJPEG(data)
		default:
		}
		if s.exitErr != nil {
			return nil, s.exitErr
		}
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *ffmpegSource) Close() error {
	s.closeOnce.Do(func() {
		if s.cmd.Process != nil {
			s.cmd.Process.Kill()
		}
		<-s.readerDone
		if dropped := s.frames.dropped.Load(); dropped > 0 {
			log.Printf("[FrameProvider] %s: %d frames replaced before being read", s.info.ID, dropped)
		}
	})
	return nil
}

// httpImageSource polls a snapshot endpoint
type httpImageSource struct {
	info     SourceInfo
	client   *http.Client
	interval time.Duration
	frames   *latestFrame
	stopCh   chan struct{}
	done     chan struct{}
	once     sync.Once
}

func newHTTPImageSource(info SourceInfo, fps int) *httpImageSource {
	interval := time.Second / time.Duration(fps)
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}

	s := &httpImageSource{
		info:     info,
		client:   &http.Client{Timeout: 10 * time.Second},
		interval: interval,
		frames:   newLatestFrame(),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	go s.pollLoop()
	return s
}

func (s *httpImageSource) pollLoop() {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.fetch()
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

func (s *httpImageSource) fetch() {
	resp, err := s.client.Get(s.info.Device)
	if err != nil {
		log.Printf("[FrameProvider] Error fetching frame from %s: %v", s.info.Device, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Printf("[FrameProvider] Snapshot endpoint %s returned %d", s.info.Device, resp.StatusCode)
		return
	}

	frame, err := io.ReadAll(io.LimitReader(resp.Body, maxJPEGFrameSize))
	if err != nil {
		log.Printf("[FrameProvider] Error reading frame: %v", err)
		return
	}
	s.frames.put(frame)
}

func (s *httpImageSource) Info() SourceInfo { return s.info }

func (s *httpImageSource) waitFirst(ctx context.Context) error {
	select {
	case data := <-s.frames.ch:
		s.frames.pending = data
		return nil
	case <-ctx.Done():
		return fmt.Errorf("no frame from %s: %w", s.info.Device, ctx.Err())
	}
}

func (s *httpImageSource) ReadFrame(ctx context.Context) (image.Image, error) {
	if data := s.frames.pending; data != nil {
		s.frames.pending = nil
		return decodeJPEG(data)
	}

	select {
	case data := <-s.frames.ch:
		return decodeJPEG(data)
	case <-s.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *httpImageSource) Close() error {
	s.once.Do(func() {
		close(s.stopCh)
		<-s.done
	})
	return nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// SplitJPEG is a bufio.SplitFunc yielding complete JPEG images (SOI..EOI)
// from an MJPEG byte stream. Bytes outside an image are skipped.
func SplitJPEG(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := bytes.Index(data, jpegSOI)
	if start < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		// Keep a trailing 0xFF that may begin a marker
		if len(data) > 1 {
			return len(data) - 1, nil, nil
		}
		return 0, nil, nil
	}

	end := bytes.Index(data[start+len(jpegSOI):], jpegEOI)
	if end < 0 {
		if atEOF {
			return len(data), nil, nil
		}
		return start, nil, nil
	}

	end += start + len(jpegSOI) + len(jpegEOI)
	return end, data[start:end], nil
}

func decodeJPEG(data []byte) (image.Image, error) {
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

var (
	_ SourceProvider = (*FFmpegProvider)(nil)
	_ FrameSource    = (*ffmpegSource)(nil)
	_ FrameSource    = (*httpImageSource)(nil)
)
