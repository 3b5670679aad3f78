// Package viewer turns grabber events into what clients see: the live and
// annotated MJPEG streams, the WebSocket result feed, the outcome journal and
// MQTT messages.
//
// The viewer owns the currently displayed result. It is written by the result
// loop only when an analysis succeeds and read by the frame loop, which
// correlates it with the local detections of every new frame before drawing.
package viewer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"livecam/internal/analysis"
	"livecam/internal/correlate"
	"livecam/internal/database"
	"livecam/internal/overlay"
	"livecam/internal/pipeline"
	"livecam/internal/stream"
	"livecam/internal/ws"
)

const (
	lastSourceKey = "last_source"
	// Sessions remembered for attributing late results
	sessionHistory = 8
)

// Journal persists sessions and outcomes
type Journal interface {
	StartSession(s *database.SessionRecord) error
	EndSession(id string, stoppedAt time.Time) error
	SaveOutcome(o *database.OutcomeRecord) error
	SaveSetting(key, value string) error
	DeleteOldOutcomes(before time.Time) (int64, error)
}

// Publisher forwards messages to an external broker
type Publisher interface {
	PublishResult(v any) error
	PublishStatus(v any) error
}

// Publishers fans messages out to every member
type Publishers []Publisher

// PublishResult forwards v to every member
func (p Publishers) PublishResult(v any) error {
	var errs []error
	for _, pub := range p {
		if err := pub.PublishResult(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishStatus forwards v to every member
func (p Publishers) PublishStatus(v any) error {
	var errs []error
	for _, pub := range p {
		if err := pub.PublishStatus(v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Options configures rendering and lifecycle behaviour
type Options struct {
	Correlation correlate.Options
	JPEGQuality int
	ShowTags    bool
	AutoStop    time.Duration // Stop after running this long; 0 disables
	Retention   time.Duration // Journal rows older than this are pruned on Start; 0 keeps everything
}

// Status is a snapshot of the viewer state
type Status struct {
	Running   bool                `json:"running"`
	Source    pipeline.SourceInfo `json:"source"`
	SessionID string              `json:"session_id,omitempty"`
	Message   string              `json:"message,omitempty"`
	APICalls  uint64              `json:"api_calls"`
	Analyzer  string              `json:"analyzer"`
	Stats     pipeline.Stats      `json:"stats"`
}

// session spans the frames acquired between one Start and the next
type session struct {
	id        string
	startedAt time.Time
	recorded  chan struct{} // Closed once the journal holds the session row
}

// Viewer consumes the events of one grabber
type Viewer struct {
	grabber  *pipeline.Grabber[analysis.Result]
	analyzer analysis.Analyzer
	renderer *overlay.Renderer
	streams  *stream.Manager
	hub      *ws.Hub
	opts     Options

	journal   Journal
	publisher Publisher

	frames      <-chan *pipeline.VideoFrame
	results     <-chan *pipeline.Result[analysis.Result]
	unsubscribe []func()

	// Display state
	mu       sync.RWMutex
	latest   *pipeline.Result[analysis.Result]
	message  string
	active   *session
	sessions []*session // Most recent last

	lifecycleMu sync.Mutex // Serializes Start and Stop
}

// New creates a viewer and subscribes to the grabber's events. analyzer may be
// nil when frames are only streamed.
func New(grabber *pipeline.Grabber[analysis.Result], analyzer analysis.Analyzer, renderer *overlay.Renderer, streams *stream.Manager, hub *ws.Hub, opts Options) *Viewer {
	if opts.JPEGQuality <= 0 {
		opts.JPEGQuality = 80
	}
	if opts.Correlation.Unmatched == "" {
		opts.Correlation.Unmatched = correlate.UnmatchedKeep
	}

	v := &Viewer{
		grabber:  grabber,
		analyzer: analyzer,
		renderer: renderer,
		streams:  streams,
		hub:      hub,
		opts:     opts,
	}

	frames, unsubFrames := grabber.Frames(2)
	results, unsubResults := grabber.Results(4)
	v.frames = frames
	v.results = results
	v.unsubscribe = []func(){unsubFrames, unsubResults}
	return v
}

// SetJournal enables the outcome journal
func (v *Viewer) SetJournal(j Journal) {
	v.journal = j
}

// SetPublisher forwards results and status messages to p
func (v *Viewer) SetPublisher(p Publisher) {
	v.publisher = p
}

// Run consumes frames and results until ctx is done or the grabber is closed
func (v *Viewer) Run(ctx context.Context) error {
	defer func() {
		for _, unsub := range v.unsubscribe {
			unsub()
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		v.frameLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		v.resultLoop(ctx)
	}()
	wg.Wait()

	return nil
}

// Start opens the selected source and starts a journal session
func (v *Viewer) Start(ctx context.Context, sel pipeline.SourceSelector) error {
	v.lifecycleMu.Lock()
	defer v.lifecycleMu.Unlock()

	if v.grabber.IsRunning() {
		return pipeline.ErrAlreadyRunning
	}

	// Frames can be analyzed before Start returns, so the session exists first
	sess, prev := v.beginSession(time.Now())
	if err := v.grabber.Start(ctx, sel); err != nil {
		v.abortSession(sess, prev)
		close(sess.recorded)
		return err
	}

	v.mu.Lock()
	if v.latest != nil && v.latest.Frame.Metadata.Timestamp.Before(sess.startedAt) {
		v.latest = nil
	}
	v.mu.Unlock()

	// The previous run ended on its own without Stop
	if prev != nil {
		v.endSession(prev)
	}

	source, _ := v.grabber.Source()
	if v.journal != nil {
		record := &database.SessionRecord{
			ID:         sess.id,
			SourceID:   source.ID,
			SourceName: source.Name,
			Policy:     v.grabber.Stats().Policy,
			StartedAt:  sess.startedAt,
		}
		if err := v.journal.StartSession(record); err != nil {
			log.Printf("[Viewer] Failed to record session: %v", err)
		}
		if err := v.journal.SaveSetting(lastSourceKey, source.ID); err != nil {
			log.Printf("[Viewer] Failed to save last source: %v", err)
		}
		if v.opts.Retention > 0 {
			if n, err := v.journal.DeleteOldOutcomes(time.Now().Add(-v.opts.Retention)); err != nil {
				log.Printf("[Viewer] Failed to prune outcomes: %v", err)
			} else if n > 0 {
				log.Printf("[Viewer] Pruned %d old outcomes", n)
			}
		}
	}
	close(sess.recorded)

	v.broadcastStatus(fmt.Sprintf("Started %s", source.Name))
	return nil
}

// beginSession makes a new session active and returns it with the one it replaces
func (v *Viewer) beginSession(startedAt time.Time) (*session, *session) {
	sess := &session{id: uuid.NewString(), startedAt: startedAt, recorded: make(chan struct{})}

	v.mu.Lock()
	defer v.mu.Unlock()
	prev := v.active
	v.active = sess
	v.sessions = append(v.sessions, sess)
	if len(v.sessions) > sessionHistory {
		v.sessions = v.sessions[len(v.sessions)-sessionHistory:]
	}
	return sess, prev
}

// abortSession forgets a session whose source never opened
func (v *Viewer) abortSession(sess, prev *session) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if n := len(v.sessions); n > 0 && v.sessions[n-1] == sess {
		v.sessions = v.sessions[:n-1]
	}
	if v.active == sess {
		v.active = prev
	}
}

func (v *Viewer) endSession(sess *session) {
	if v.journal == nil {
		return
	}
	if err := v.journal.EndSession(sess.id, time.Now()); err != nil {
		log.Printf("[Viewer] Failed to close session: %v", err)
	}
}

// sessionFor returns the session that acquired a frame at ts. Caller holds mu.
func (v *Viewer) sessionFor(ts time.Time) *session {
	for i := len(v.sessions) - 1; i >= 0; i-- {
		if !ts.Before(v.sessions[i].startedAt) {
			return v.sessions[i]
		}
	}
	return nil
}

// Stop halts acquisition and closes the journal session
func (v *Viewer) Stop() error {
	return v.stop("Stopped")
}

func (v *Viewer) stop(message string) error {
	v.lifecycleMu.Lock()
	defer v.lifecycleMu.Unlock()

	if err := v.grabber.Stop(); err != nil {
		return err
	}

	v.mu.Lock()
	sess := v.active
	v.active = nil
	v.mu.Unlock()

	if sess != nil {
		v.endSession(sess)
	}

	v.broadcastStatus(message)
	return nil
}

// Status returns the current viewer state
func (v *Viewer) Status() Status {
	source, _ := v.grabber.Source()

	v.mu.RLock()
	message := v.message
	var sessionID string
	if v.active != nil {
		sessionID = v.active.id
	}
	v.mu.RUnlock()

	s := Status{
		Running:   v.grabber.IsRunning(),
		Source:    source,
		SessionID: sessionID,
		Message:   message,
		Analyzer:  string(analysis.BackendNone),
		Stats:     v.grabber.Stats(),
	}
	if v.analyzer != nil {
		s.APICalls = v.analyzer.Calls()
		s.Analyzer = v.analyzer.Name()
	}
	return s
}

// StatusMessage returns the current state as a WebSocket status message
func (v *Viewer) StatusMessage() *ws.StatusMessage {
	s := v.Status()
	msg := ws.NewStatusMessage(s.Running, s.Source.ID, s.Message)
	msg.APICalls = s.APICalls
	return msg
}

// Sources lists the sources of the grabber's provider
func (v *Viewer) Sources() ([]pipeline.SourceInfo, error) {
	return v.grabber.Sources()
}

func (v *Viewer) frameLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-v.frames:
			if !ok {
				return
			}
			v.handleFrame(frame)
			v.checkAutoStop()
		}
	}
}

func (v *Viewer) resultLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case result, ok := <-v.results:
			if !ok {
				return
			}
			v.handleResult(result)
		}
	}
}

// handleFrame publishes the raw frame and the frame annotated with the displayed result
func (v *Viewer) handleFrame(frame *pipeline.VideoFrame) {
	if frame == nil || frame.Image == nil {
		return
	}

	live, err := overlay.EncodeJPEG(frame.Image, v.opts.JPEGQuality)
	if err != nil {
		log.Printf("[Viewer] Failed to encode frame %d: %v", frame.Metadata.Index, err)
		return
	}
	v.streams.Publish(stream.Live, live)

	faces, tags := v.Annotations(frame)
	if len(faces) == 0 && len(tags) == 0 {
		v.streams.Publish(stream.Annotated, live)
		return
	}

	annotated, err := overlay.EncodeJPEG(v.renderer.Render(frame.Image, overlay.FromRegions(faces), tags), v.opts.JPEGQuality)
	if err != nil {
		log.Printf("[Viewer] Failed to encode annotated frame %d: %v", frame.Metadata.Index, err)
		return
	}
	v.streams.Publish(stream.Annotated, annotated)
}

// Annotations returns the displayed result's regions aligned to frame, and its tags
func (v *Viewer) Annotations(frame *pipeline.VideoFrame) ([]pipeline.DetectedRegion, []string) {
	v.mu.RLock()
	latest := v.latest
	v.mu.RUnlock()

	if latest == nil {
		return nil, nil
	}

	faces := latest.Outcome.Value.Faces
	if frame.Regions != nil && faces != nil {
		faces = correlate.Correlate(faces, frame.Regions, v.opts.Correlation)
	}

	var tags []string
	if v.opts.ShowTags {
		tags = latest.Outcome.Value.TagNames()
	}
	return faces, tags
}

// handleResult updates the display state and fans the outcome out. Results
// of an earlier session are only journaled under that session.
func (v *Viewer) handleResult(r *pipeline.Result[analysis.Result]) {
	if r == nil || r.Frame == nil {
		return
	}

	message := OutcomeMessage(r)
	v.mu.Lock()
	sess := v.sessionFor(r.Frame.Metadata.Timestamp)
	current := sess != nil && sess == v.active
	if current {
		if r.Outcome.Succeeded() {
			v.latest = r
		} else {
			v.message = message
		}
	}
	v.mu.Unlock()

	if sess == nil {
		log.Printf("[Viewer] Dropped result for frame %d: no session", r.Frame.Metadata.Index)
		return
	}
	if !current {
		v.saveOutcome(sess, r)
		return
	}

	if message != "" {
		log.Printf("[Viewer] %s", message)
	}

	msg := ResultToMessage(r)
	if v.hub != nil && v.hub.HasClients() {
		v.hub.BroadcastResult(msg)
	}
	if v.publisher != nil {
		if err := v.publisher.PublishResult(msg); err != nil {
			log.Printf("[Viewer] Failed to publish result: %v", err)
		}
	}
	v.saveOutcome(sess, r)
}

func (v *Viewer) saveOutcome(sess *session, r *pipeline.Result[analysis.Result]) {
	if v.journal == nil {
		return
	}
	<-sess.recorded
	if err := v.journal.SaveOutcome(OutcomeRecord(sess.id, r)); err != nil {
		log.Printf("[Viewer] Failed to save outcome: %v", err)
	}
}

func (v *Viewer) checkAutoStop() {
	if v.opts.AutoStop <= 0 {
		return
	}
	started := v.grabber.StartedAt()
	if started.IsZero() || time.Since(started) <= v.opts.AutoStop {
		return
	}

	log.Printf("[Viewer] Auto-stop after %s", v.opts.AutoStop)
	if err := v.stop("Auto-stopped"); err != nil && !errors.Is(err, pipeline.ErrNotRunning) {
		log.Printf("[Viewer] Auto-stop failed: %v", err)
	}
}

func (v *Viewer) broadcastStatus(message string) {
	v.mu.Lock()
	v.message = message
	v.mu.Unlock()

	msg := v.StatusMessage()
	if v.hub != nil {
		v.hub.BroadcastStatus(msg)
	}
	if v.publisher != nil {
		if err := v.publisher.PublishStatus(msg); err != nil {
			log.Printf("[Viewer] Failed to publish status: %v", err)
		}
	}
}
