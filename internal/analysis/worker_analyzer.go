package analysis

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"livecam/internal/pipeline"
)

// Upper bound for a single worker message
const maxWorkerMessage = 64 << 20

// ErrWorkerExited is returned once the worker's output stream has ended
var ErrWorkerExited = errors.New("analysis worker exited")

// workerRequest is written to the worker's stdin
type workerRequest struct {
	Seq    uint64 `msgpack:"seq"`
	Image  []byte `msgpack:"image"` // JPEG
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
}

// workerResponse is read from the worker's stdout
type workerResponse struct {
	Seq   uint64       `msgpack:"seq"`
	Faces []workerFace `msgpack:"faces"`
	Tags  []Tag        `msgpack:"tags"`
	Error string       `msgpack:"error"`
}

type workerFace struct {
	Left       int               `msgpack:"left"`
	Top        int               `msgpack:"top"`
	Width      int               `msgpack:"width"`
	Height     int               `msgpack:"height"`
	Label      string            `msgpack:"label"`
	Confidence float32           `msgpack:"confidence"`
	Attributes map[string]string `msgpack:"attributes"`
}

// WorkerAnalyzer talks to a long-lived analysis process using length-prefixed
// (4 bytes, big endian) msgpack messages on its stdin and stdout. Requests are
// sent one at a time; a response whose seq does not match the outstanding
// request belongs to an abandoned call and is discarded.
type WorkerAnalyzer struct {
	in  io.WriteCloser
	cmd *exec.Cmd

	mu    sync.Mutex // One request at a time
	seq   uint64
	calls atomic.Uint64

	responses chan workerResponse
	stop      chan struct{}
	done      chan struct{}
	readErr   error
	closeOnce sync.Once
}

// NewWorkerAnalyzer speaks the worker protocol over out (requests) and in (responses)
func NewWorkerAnalyzer(in io.Reader, out io.WriteCloser) *WorkerAnalyzer {
	w := &WorkerAnalyzer{
		in:        out,
		responses: make(chan workerResponse, 1),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go w.readLoop(in)
	return w
}

// StartWorker spawns command and speaks the worker protocol with it
func StartWorker(command []string) (*WorkerAnalyzer, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("worker command is required")
	}

	cmd := exec.Command(command[0], command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start worker: %w", err)
	}
	log.Printf("[Worker] Started %s (pid %d)", command[0], cmd.Process.Pid)

	w := NewWorkerAnalyzer(stdout, stdin)
	w.cmd = cmd
	return w, nil
}

// Name returns the API name used in failure messages
func (w *WorkerAnalyzer) Name() string { return "Worker" }

// Calls returns the number of requests sent
func (w *WorkerAnalyzer) Calls() uint64 { return w.calls.Load() }

// Analyze sends the frame and waits for the matching response or ctx
func (w *WorkerAnalyzer) Analyze(ctx context.Context, frame *pipeline.VideoFrame) (Result, error) {
	data, err := encodeJPEG(frame.Image)
	if err != nil {
		return Result{}, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.seq++
	req := workerRequest{Seq: w.seq, Image: data, Width: frame.Width(), Height: frame.Height()}
	payload, err := msgpack.Marshal(&req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to marshal msgpack request: %w", err)
	}

	w.calls.Add(1)
	if err := writeMessage(w.in, payload); err != nil {
		return Result{}, fmt.Errorf("failed to write to worker: %w", err)
	}

	for {
		select {
		case resp := <-w.responses:
			if resp.Seq != req.Seq {
				continue
			}
			return resp.result()
		case <-w.done:
			return Result{}, w.readErr
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
}

func (r workerResponse) result() (Result, error) {
	if r.Error != "" {
		return Result{}, &APIError{API: "Worker", Message: r.Error}
	}
	result := Result{Faces: make([]pipeline.DetectedRegion, 0, len(r.Faces)), Tags: r.Tags}
	for _, f := range r.Faces {
		result.Faces = append(result.Faces, pipeline.DetectedRegion{
			Rect:       pipeline.Rect{Left: f.Left, Top: f.Top, Width: f.Width, Height: f.Height},
			Label:      f.Label,
			Confidence: f.Confidence,
			Attributes: f.Attributes,
		})
	}
	return result, nil
}

// Close closes the worker's stdin and waits briefly for it to exit
func (w *WorkerAnalyzer) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.stop)
		err = w.in.Close()
		if w.cmd == nil {
			return
		}

		exited := make(chan error, 1)
		go func() { exited <- w.cmd.Wait() }()
		select {
		case <-exited:
		case <-time.After(3 * time.Second):
			log.Printf("[Worker] Worker did not exit, killing pid %d", w.cmd.Process.Pid)
			w.cmd.Process.Kill()
			<-exited
		}
	})
	return err
}

func (w *WorkerAnalyzer) readLoop(r io.Reader) {
	defer close(w.done)

	for {
		payload, err := readMessage(r)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
				w.readErr = ErrWorkerExited
			} else {
				w.readErr = fmt.Errorf("%w: %v", ErrWorkerExited, err)
			}
			return
		}

		var resp workerResponse
		if err := msgpack.Unmarshal(payload, &resp); err != nil {
			log.Printf("[Worker] Failed to unmarshal response (%d bytes): %v", len(payload), err)
			continue
		}

		select {
		case w.responses <- resp:
		case <-w.stop:
			w.readErr = ErrWorkerExited
			return
		}
	}
}

// writeMessage writes a length-prefixed message in a single write
func writeMessage(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}

// readMessage reads one length-prefixed message
func readMessage(r io.Reader) ([]byte, error) {
	var lengthBuf [4]byte
	if _, err := io.ReadFull(r, lengthBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lengthBuf[:])
	if n > maxWorkerMessage {
		return nil, fmt.Errorf("message of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
