package viewer

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"livecam/internal/analysis"
	"livecam/internal/correlate"
	"livecam/internal/database"
	"livecam/internal/overlay"
	"livecam/internal/pipeline"
	"livecam/internal/pipeline/strategies"
	"livecam/internal/stream"
	"livecam/internal/ws"
)

type fakeSource struct {
	info pipeline.SourceInfo
	img  image.Image
}

func (s *fakeSource) Info() pipeline.SourceInfo { return s.info }

func (s *fakeSource) ReadFrame(ctx context.Context) (image.Image, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	return s.img, nil
}

func (s *fakeSource) Close() error { return nil }

type fakeProvider struct{}

func (fakeProvider) Sources() ([]pipeline.SourceInfo, error) {
	return pipeline.SourcesFromDevices([]string{"/dev/video0"}), nil
}

func (fakeProvider) Open(ctx context.Context, info pipeline.SourceInfo) (pipeline.FrameSource, error) {
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for i := range img.Pix {
		img.Pix[i] = 0x40
	}
	return &fakeSource{info: info, img: img}, nil
}

// fakeAnalyzer finds one face on every frame
type fakeAnalyzer struct {
	calls atomic.Uint64
}

func (a *fakeAnalyzer) Name() string { return "Face" }

func (a *fakeAnalyzer) Analyze(ctx context.Context, frame *pipeline.VideoFrame) (analysis.Result, error) {
	a.calls.Add(1)
	return analysis.Result{
		Faces: []pipeline.DetectedRegion{{
			Rect:       pipeline.Rect{Left: 20, Top: 20, Width: 40, Height: 40},
			Attributes: map[string]string{"age": "31"},
		}},
		Tags: []analysis.Tag{{Name: "indoor", Confidence: 0.9}},
	}, nil
}

func (a *fakeAnalyzer) Calls() uint64 { return a.calls.Load() }
func (a *fakeAnalyzer) Close() error  { return nil }

type fakeJournal struct {
	mu       sync.Mutex
	sessions map[string]*database.SessionRecord
	outcomes []*database.OutcomeRecord
	settings map[string]string
	orphans  int // Outcomes saved before their session
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		sessions: make(map[string]*database.SessionRecord),
		settings: make(map[string]string),
	}
}

func (j *fakeJournal) StartSession(s *database.SessionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions[s.ID] = s
	return nil
}

func (j *fakeJournal) EndSession(id string, stoppedAt time.Time) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.sessions[id].StoppedAt = &stoppedAt
	return nil
}

func (j *fakeJournal) SaveOutcome(o *database.OutcomeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.sessions[o.SessionID]; !ok {
		j.orphans++
	}
	j.outcomes = append(j.outcomes, o)
	return nil
}

func (j *fakeJournal) SaveSetting(key, value string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.settings[key] = value
	return nil
}

func (j *fakeJournal) DeleteOldOutcomes(before time.Time) (int64, error) { return 0, nil }

func (j *fakeJournal) outcomeCount() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.outcomes)
}

type fakePublisher struct {
	mu       sync.Mutex
	results  int
	statuses []string
}

func (p *fakePublisher) PublishResult(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.results++
	return nil
}

func (p *fakePublisher) PublishStatus(v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statuses = append(p.statuses, v.(*ws.StatusMessage).Message)
	return nil
}

func (p *fakePublisher) lastStatus() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.statuses) == 0 {
		return ""
	}
	return p.statuses[len(p.statuses)-1]
}

func newTestViewer(t *testing.T, analyzer *fakeAnalyzer, opts Options) (*Viewer, *stream.Manager) {
	t.Helper()

	grabber := pipeline.NewGrabber[analysis.Result](fakeProvider{},
		pipeline.WithTriggerPolicy[analysis.Result](strategies.NewContinuousStrategy(0)),
		pipeline.WithAnalysisFunction[analysis.Result](analyzer.Analyze, time.Second),
	)
	t.Cleanup(func() { grabber.Close() })

	renderer, err := overlay.NewRenderer()
	require.NoError(t, err)

	streams := stream.NewManager(stream.Live, stream.Annotated)
	t.Cleanup(streams.Close)

	return New(grabber, analyzer, renderer, streams, ws.NewHub(), opts), streams
}

// openSession makes every result count as current without starting the grabber
func openSession(v *Viewer) string {
	sess, _ := v.beginSession(time.Time{})
	close(sess.recorded)
	return sess.id
}

func runViewer(t *testing.T, v *Viewer) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		v.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestViewer_StartAnalyzeStop(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	v, streams := newTestViewer(t, analyzer, Options{ShowTags: true})
	journal := newFakeJournal()
	publisher := &fakePublisher{}
	v.SetJournal(journal)
	v.SetPublisher(publisher)
	runViewer(t, v)

	require.NoError(t, v.Start(context.Background(), pipeline.SourceSelector{}))
	assert.ErrorIs(t, v.Start(context.Background(), pipeline.SourceSelector{}), pipeline.ErrAlreadyRunning)

	require.Eventually(t, func() bool { return journal.outcomeCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		live, _ := streams.Stream(stream.Live).CurrentFrame()
		annotated, _ := streams.Stream(stream.Annotated).CurrentFrame()
		return len(live) > 0 && len(annotated) > 0
	}, time.Second, 5*time.Millisecond)

	status := v.Status()
	assert.True(t, status.Running)
	assert.Equal(t, "/dev/video0", status.Source.ID)
	require.NotEmpty(t, status.SessionID)
	assert.Equal(t, "Face", status.Analyzer)
	assert.Positive(t, status.APICalls)

	require.NoError(t, v.Stop())
	assert.ErrorIs(t, v.Stop(), pipeline.ErrNotRunning)

	journal.mu.Lock()
	session := journal.sessions[status.SessionID]
	require.NotNil(t, session)
	assert.Equal(t, "/dev/video0", session.SourceID)
	assert.NotNil(t, session.StoppedAt)
	assert.Equal(t, "/dev/video0", journal.settings[lastSourceKey])
	assert.Zero(t, journal.orphans)
	first := journal.outcomes[0]
	journal.mu.Unlock()

	assert.Equal(t, status.SessionID, first.SessionID)
	assert.Equal(t, string(pipeline.OutcomeSucceeded), first.Status)
	require.Len(t, first.Regions, 1)
	assert.Equal(t, "31", first.Regions[0].Attributes["age"])
	assert.Equal(t, []string{"indoor"}, first.Tags)

	assert.Equal(t, "Stopped", publisher.lastStatus())
	publisher.mu.Lock()
	assert.Positive(t, publisher.results)
	publisher.mu.Unlock()
	assert.False(t, v.Status().Running)
}

func TestViewer_SecondStartKeepsSession(t *testing.T) {
	v, _ := newTestViewer(t, &fakeAnalyzer{}, Options{})
	journal := newFakeJournal()
	v.SetJournal(journal)
	runViewer(t, v)

	require.NoError(t, v.Start(context.Background(), pipeline.SourceSelector{}))
	require.Eventually(t, func() bool { return journal.outcomeCount() >= 1 }, 2*time.Second, 5*time.Millisecond)
	first := v.Status().SessionID
	require.NotEmpty(t, first)

	assert.ErrorIs(t, v.Start(context.Background(), pipeline.SourceSelector{}), pipeline.ErrAlreadyRunning)
	assert.Equal(t, first, v.Status().SessionID)
	faces, _ := v.Annotations(&pipeline.VideoFrame{})
	assert.NotEmpty(t, faces)

	require.NoError(t, v.Stop())

	journal.mu.Lock()
	defer journal.mu.Unlock()
	assert.Len(t, journal.sessions, 1)
	assert.Zero(t, journal.orphans)
	require.NotNil(t, journal.sessions[first])
	assert.NotNil(t, journal.sessions[first].StoppedAt)
	for _, o := range journal.outcomes {
		assert.Equal(t, first, o.SessionID)
	}
}

func TestViewer_LateResultsStayWithTheirSession(t *testing.T) {
	v, _ := newTestViewer(t, &fakeAnalyzer{}, Options{})
	journal := newFakeJournal()
	v.SetJournal(journal)

	// Without Run the results of the first session queue up undelivered
	require.NoError(t, v.Start(context.Background(), pipeline.SourceSelector{}))
	first := v.Status().SessionID
	require.Eventually(t, func() bool { return len(v.results) == cap(v.results) }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, v.Stop())

	require.NoError(t, v.Start(context.Background(), pipeline.SourceSelector{}))
	second := v.Status().SessionID
	require.NotEqual(t, first, second)
	require.NoError(t, v.Stop())

	runViewer(t, v)
	require.Eventually(t, func() bool { return journal.outcomeCount() == cap(v.results) }, 2*time.Second, 5*time.Millisecond)

	journal.mu.Lock()
	for _, o := range journal.outcomes {
		assert.Equal(t, first, o.SessionID)
	}
	assert.NotNil(t, journal.sessions[first].StoppedAt)
	assert.NotNil(t, journal.sessions[second].StoppedAt)
	journal.mu.Unlock()

	faces, _ := v.Annotations(&pipeline.VideoFrame{})
	assert.Empty(t, faces)
	assert.Empty(t, v.Status().SessionID)
}

func TestViewer_FailedStartKeepsState(t *testing.T) {
	v, _ := newTestViewer(t, &fakeAnalyzer{}, Options{})
	first := openSession(v)

	face := pipeline.DetectedRegion{Rect: pipeline.Rect{Left: 10, Top: 10, Width: 20, Height: 20}}
	v.handleResult(successResult(1, face))

	err := v.Start(context.Background(), pipeline.SourceSelector{ID: "/dev/video9"})
	require.ErrorIs(t, err, pipeline.ErrSourceUnavailable)

	assert.Equal(t, first, v.Status().SessionID)
	faces, _ := v.Annotations(&pipeline.VideoFrame{})
	assert.Len(t, faces, 1)
}

func TestViewer_AutoStop(t *testing.T) {
	v, _ := newTestViewer(t, &fakeAnalyzer{}, Options{AutoStop: 30 * time.Millisecond})
	publisher := &fakePublisher{}
	v.SetPublisher(publisher)
	runViewer(t, v)

	require.NoError(t, v.Start(context.Background(), pipeline.SourceSelector{}))
	require.Eventually(t, func() bool { return !v.Status().Running }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return publisher.lastStatus() == "Auto-stopped" }, time.Second, 5*time.Millisecond)
}

func successResult(index uint64, faces ...pipeline.DetectedRegion) *pipeline.Result[analysis.Result] {
	now := time.Now()
	return &pipeline.Result[analysis.Result]{
		Frame: &pipeline.VideoFrame{
			Image:    image.NewRGBA(image.Rect(0, 0, 100, 80)),
			Metadata: pipeline.FrameMetadata{Index: index, Timestamp: now, SourceID: "/dev/video0"},
		},
		Outcome: pipeline.AnalysisOutcome[analysis.Result]{
			Status:      pipeline.OutcomeSucceeded,
			Value:       analysis.Result{Faces: faces, Tags: []analysis.Tag{{Name: "person"}}},
			SubmittedAt: now.Add(-250 * time.Millisecond),
			CompletedAt: now,
		},
	}
}

func failedResult(index uint64, err error) *pipeline.Result[analysis.Result] {
	r := successResult(index)
	r.Outcome.Status = pipeline.OutcomeFailed
	r.Outcome.Value = analysis.Result{}
	r.Outcome.Err = err
	return r
}

func TestOutcomeMessage(t *testing.T) {
	timedOut := successResult(4)
	timedOut.Outcome.Status = pipeline.OutcomeTimedOut
	timedOut.Outcome.Err = pipeline.ErrAnalysisTimedOut

	apiErr := &analysis.APIError{API: "Face", StatusCode: 401, Code: "Unspecified", Message: "Access denied due to invalid subscription key."}

	tests := []struct {
		name   string
		result *pipeline.Result[analysis.Result]
		want   string
	}{
		{"succeeded", successResult(1), ""},
		{"timed out", timedOut, "API call timed out."},
		{"api error", failedResult(7, apiErr), "Face API call failed on frame 7. Exception: Access denied due to invalid subscription key."},
		{"wrapped api error", failedResult(8, fmt.Errorf("analyze: %w", &analysis.APIError{API: "Computer Vision", Message: "Bad image"})), "Computer Vision API call failed on frame 8. Exception: Bad image"},
		{"transport error", failedResult(3, errors.New("connection refused")), " API call failed on frame 3. Exception: connection refused"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, OutcomeMessage(tt.result))
		})
	}
}

func TestViewer_FailureKeepsDisplayedResult(t *testing.T) {
	v, _ := newTestViewer(t, &fakeAnalyzer{}, Options{})
	openSession(v)

	face := pipeline.DetectedRegion{Rect: pipeline.Rect{Left: 10, Top: 10, Width: 20, Height: 20}, Label: "Age: 31"}
	v.handleResult(successResult(1, face))
	v.handleResult(failedResult(2, errors.New("boom")))

	faces, _ := v.Annotations(&pipeline.VideoFrame{})
	require.Len(t, faces, 1)
	assert.Equal(t, face.Rect, faces[0].Rect)
	assert.Equal(t, " API call failed on frame 2. Exception: boom", v.Status().Message)
}

func TestViewer_AnnotationsCorrelateWithLocalRegions(t *testing.T) {
	v, _ := newTestViewer(t, &fakeAnalyzer{}, Options{ShowTags: true})
	openSession(v)

	remote := []pipeline.DetectedRegion{
		{Rect: pipeline.Rect{Left: 80, Top: 0, Width: 20, Height: 20}, Label: "right"},
		{Rect: pipeline.Rect{Left: 0, Top: 0, Width: 20, Height: 20}, Label: "left"},
		{Rect: pipeline.Rect{Left: 40, Top: 0, Width: 20, Height: 20}, Label: "lost"},
	}
	v.handleResult(successResult(1, remote...))

	frame := &pipeline.VideoFrame{Regions: []pipeline.DetectedRegion{
		{Rect: pipeline.Rect{Left: 5, Top: 5, Width: 22, Height: 22}},
		{Rect: pipeline.Rect{Left: 85, Top: 5, Width: 22, Height: 22}},
	}}

	faces, tags := v.Annotations(frame)
	require.Len(t, faces, 3)
	assert.Equal(t, []string{"person"}, tags)
	assert.Equal(t, "right", faces[0].Label)
	assert.Equal(t, "left", faces[1].Label)
	assert.Equal(t, "lost", faces[2].Label)

	// Ordered by centre: left(10) pairs with 16, lost(50) with 96, right(90) stays unmatched
	assert.Equal(t, 5, faces[1].Rect.Left)
	assert.Equal(t, 85, faces[2].Rect.Left)
	assert.True(t, faces[0].Stale)
	assert.Equal(t, remote[0].Rect, faces[0].Rect)

	t.Run("no local detector", func(t *testing.T) {
		faces, _ := v.Annotations(&pipeline.VideoFrame{})
		assert.Equal(t, remote, faces)
	})

	t.Run("drop unmatched", func(t *testing.T) {
		v.opts.Correlation = correlate.Options{Unmatched: correlate.UnmatchedDrop}
		faces, _ := v.Annotations(frame)
		assert.Len(t, faces, 2)
	})
}

func TestResultToMessage(t *testing.T) {
	r := successResult(12, pipeline.DetectedRegion{
		Rect:       pipeline.Rect{Left: 1, Top: 2, Width: 3, Height: 4},
		Confidence: 1,
		Attributes: map[string]string{"gender": "female"},
	})

	msg := ResultToMessage(r)
	assert.Equal(t, "result", msg.Type)
	assert.Equal(t, uint64(12), msg.FrameIndex)
	assert.Equal(t, "succeeded", msg.Status)
	assert.Equal(t, 100, msg.FrameWidth)
	assert.Equal(t, 80, msg.FrameHeight)
	assert.InDelta(t, 250, msg.LatencyMs, 1)
	require.Len(t, msg.Faces, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, msg.Faces[0].BBox)
	assert.Equal(t, []string{"person"}, msg.Tags)
	assert.Empty(t, msg.Message)
}

func TestOutcomeRecord(t *testing.T) {
	rec := OutcomeRecord("s1", failedResult(5, errors.New("boom")))
	assert.Equal(t, "s1", rec.SessionID)
	assert.Equal(t, uint64(5), rec.FrameIndex)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "boom", rec.Error)
	assert.Empty(t, rec.Regions)
}

type failingPublisher struct{}

func (failingPublisher) PublishResult(any) error { return errors.New("broker down") }
func (failingPublisher) PublishStatus(any) error { return errors.New("broker down") }

func TestPublishers_FanOut(t *testing.T) {
	ok := &fakePublisher{}
	pubs := Publishers{failingPublisher{}, ok}

	err := pubs.PublishStatus(ws.NewStatusMessage(true, "Cam", "Started Cam"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, "Started Cam", ok.lastStatus())

	require.Error(t, pubs.PublishResult(ws.NewResultMessage("cam", 1, "succeeded")))
	assert.Equal(t, 1, ok.results)

	assert.NoError(t, Publishers{ok}.PublishResult(ws.NewResultMessage("cam", 2, "succeeded")))
}
