package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/pulse/internal/detect"
	"github.com/andresmejia3/pulse/internal/publish"
	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/rppg"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = 48

// pulseFrame is a saturated skin tone whose green channel oscillates at hz.
func pulseFrame(i int, fps, hz float64) *image.RGBA {
	g := 140 + 8*math.Sin(2*math.Pi*hz*float64(i)/fps)
	img := image.NewRGBA(image.Rect(0, 0, testSize, testSize))
	c := color.RGBA{200, uint8(math.Round(g)), 110, 255}
	for p := 0; p < len(img.Pix); p += 4 {
		img.Pix[p], img.Pix[p+1], img.Pix[p+2], img.Pix[p+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// sliceSource replays pre-built frames, optionally failing at given indices.
type sliceSource struct {
	n, i    int
	fps, hz float64
	mid     string
	bad     map[int]bool
	failAt  int // returns a fatal error at this index when > 0
	panicAt int // panics at this index when > 0
}

func (s *sliceSource) Next(ctx context.Context) (Frame, error) {
	if s.i >= s.n {
		return Frame{}, io.EOF
	}
	i := s.i
	s.i++
	switch {
	case s.panicAt > 0 && i == s.panicAt:
		panic("decoder exploded")
	case s.failAt > 0 && i == s.failAt:
		return Frame{}, errors.New("stream truncated")
	case s.bad[i]:
		return Frame{}, &FrameError{Index: i, Err: errors.New("corrupt")}
	}
	return Frame{
		Index:         i,
		Image:         pulseFrame(i, s.fps, s.hz),
		Timestamp:     float64(i) / s.fps,
		MeasurementID: s.mid,
	}, nil
}

type collectSink struct {
	results  []Result
	rejected []int
}

func (c *collectSink) Emit(_ context.Context, r Result) error {
	c.results = append(c.results, r)
	return nil
}

func (c *collectSink) Reject(_ context.Context, fe *FrameError) error {
	c.rejected = append(c.rejected, fe.Index)
	return nil
}

type memPublisher struct {
	mu      sync.Mutex
	metrics []publish.Metric
}

func (p *memPublisher) Publish(_ context.Context, m publish.Metric) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.metrics = append(p.metrics, m)
	return nil
}

func (p *memPublisher) Close() {}

func TestDriverRecoversRateAndRecordsSamples(t *testing.T) {
	ms := registry.NewMeasurements()
	m := ms.Create("rest", "")
	pub := &memPublisher{}

	d := &Driver{ID: "s1", Mode: "batch", Measurements: ms, Publisher: pub}
	src := &sliceSource{n: 600, fps: 30, hz: 1.2, mid: m.ID}
	sink := &collectSink{}
	require.NoError(t, d.Run(context.Background(), src, sink))

	require.Len(t, sink.results, 600)
	first := sink.results[0]
	assert.True(t, first.Found)
	assert.Equal(t, rppg.NoEstimate, first.BPM)

	last := sink.results[len(sink.results)-1]
	assert.GreaterOrEqual(t, last.BPM, 64.0)
	assert.LessOrEqual(t, last.BPM, 80.0)

	got, err := ms.Get(m.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, got.Samples)
	for _, s := range got.Samples {
		assert.Greater(t, s.BPM, 0.0)
	}
	assert.Len(t, pub.metrics, len(got.Samples))
	assert.Equal(t, "s1", pub.metrics[0].Session)
}

func TestDriverNoFaceSkipsEstimator(t *testing.T) {
	none := detect.LocatorFunc(func(context.Context, image.Image) (image.Rectangle, bool, error) {
		return image.Rectangle{}, false, nil
	})
	d := &Driver{Locator: none}
	sink := &collectSink{}
	require.NoError(t, d.Run(context.Background(), &sliceSource{n: 5, fps: 30, hz: 1}, sink))

	require.Len(t, sink.results, 5)
	for _, r := range sink.results {
		assert.False(t, r.Found)
		assert.Equal(t, rppg.NoEstimate, r.BPM)
		assert.Zero(t, r.Confidence)
		assert.Zero(t, r.Value)
	}
}

func TestDriverClientBoxSkipsLocator(t *testing.T) {
	called := false
	loc := detect.LocatorFunc(func(context.Context, image.Image) (image.Rectangle, bool, error) {
		called = true
		return image.Rectangle{}, false, nil
	})
	box := image.Rect(4, 4, 20, 20)
	d := &Driver{Locator: loc}
	res, err := d.Process(context.Background(), Frame{Image: pulseFrame(0, 30, 1), Box: &box})
	require.NoError(t, err)
	assert.False(t, called)
	assert.True(t, res.Found)
	assert.Equal(t, box, res.Face)
}

func TestDriverReportsBadFramesAndContinues(t *testing.T) {
	d := &Driver{}
	src := &sliceSource{n: 6, fps: 30, hz: 1, bad: map[int]bool{1: true, 4: true}}
	sink := &collectSink{}
	require.NoError(t, d.Run(context.Background(), src, sink))
	assert.Equal(t, []int{1, 4}, sink.rejected)
	assert.Len(t, sink.results, 4)
}

func TestDriverLocatorErrorEndsRun(t *testing.T) {
	loc := detect.LocatorFunc(func(context.Context, image.Image) (image.Rectangle, bool, error) {
		return image.Rectangle{}, false, errors.New("worker died")
	})
	d := &Driver{Locator: loc}
	err := d.Run(context.Background(), &sliceSource{n: 3, fps: 30, hz: 1}, &collectSink{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker died")
}

// --- Batch runner ---

type countingWriter struct {
	mu       sync.Mutex
	frames   int
	closed   bool
	progress []float64
	observe  func() float64
}

func (w *countingWriter) WriteFrame(img image.Image) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.frames++
	if w.observe != nil {
		w.progress = append(w.progress, w.observe())
	}
	return nil
}

func (w *countingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return nil
}

type fakeVideos struct {
	mu      sync.Mutex
	hz      map[string]float64
	n       int
	failAt  map[string]int
	panicAt map[string]int
	writers map[string]*countingWriter
	jobs    *registry.Jobs
}

func (f *fakeVideos) Open(_ context.Context, path, mid string) (*Media, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hz, ok := f.hz[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	src := &sliceSource{n: f.n, fps: 30, hz: hz, mid: mid, failAt: f.failAt[path], panicAt: f.panicAt[path]}
	return &Media{Source: src, FPS: 30, Total: f.n}, nil
}

func (f *fakeVideos) writer(ctx context.Context, path string, fps float64) (FrameWriter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	w := &countingWriter{}
	f.writers[path] = w
	return w, nil
}

func newRunner(videos *fakeVideos) (*Runner, *registry.Jobs) {
	jobs := registry.NewJobs()
	videos.jobs = jobs
	if videos.writers == nil {
		videos.writers = map[string]*countingWriter{}
	}
	return &Runner{
		Jobs:         jobs,
		Measurements: registry.NewMeasurements(),
		Locator:      detect.Center{},
		OutputDir:    "",
		Opener:       videos,
		NewWriter:    videos.writer,
	}, jobs
}

func TestRunnerJobsAreIsolated(t *testing.T) {
	videos := &fakeVideos{
		n:  450,
		hz: map[string]float64{"a.mp4": 1.0, "b.mp4": 1.5, "c.mp4": 1.0, "d.mp4": 1.5},
	}
	r, jobs := newRunner(videos)

	want := map[string]float64{}
	for path, hz := range videos.hz {
		j := r.Submit(context.Background(), path, "", registry.JobConfig{})
		assert.Equal(t, registry.JobCreated, j.State)
		want[j.ID] = hz * 60
	}
	r.Wait()

	paths := map[string]bool{}
	for id, bpm := range want {
		j, err := jobs.Get(id)
		require.NoError(t, err)
		assert.Equal(t, registry.JobDone, j.State, j.Error)
		assert.True(t, j.Done)
		assert.Equal(t, 1.0, j.Progress)
		assert.Equal(t, 450, j.Frames)
		assert.InDelta(t, bpm, j.LastBPM, 8, "job %s", j.Source)
		assert.False(t, paths[j.OutputPath], "output path reused")
		paths[j.OutputPath] = true

		w := videos.writers[j.OutputPath]
		require.NotNil(t, w)
		assert.Equal(t, 450, w.frames)
		assert.True(t, w.closed)
	}
}

func TestRunnerProgressIsMonotonic(t *testing.T) {
	videos := &fakeVideos{n: 90, hz: map[string]float64{"a.mp4": 1.2}}
	r, jobs := newRunner(videos)

	var id string
	var mu sync.Mutex
	r.NewWriter = func(ctx context.Context, path string, fps float64) (FrameWriter, error) {
		w := &countingWriter{observe: func() float64 {
			mu.Lock()
			defer mu.Unlock()
			j, _ := jobs.Get(id)
			return j.Progress
		}}
		videos.writers[path] = w
		return w, nil
	}
	mu.Lock()
	id = r.Submit(context.Background(), "a.mp4", "", registry.JobConfig{}).ID
	mu.Unlock()
	r.Wait()

	j, err := jobs.Get(id)
	require.NoError(t, err)
	w := videos.writers[j.OutputPath]
	require.Len(t, w.progress, 90)
	for i := 1; i < len(w.progress); i++ {
		assert.GreaterOrEqual(t, w.progress[i], w.progress[i-1])
	}
	assert.LessOrEqual(t, w.progress[len(w.progress)-1], 1.0)
}

func TestRunnerFailures(t *testing.T) {
	videos := &fakeVideos{
		n:       30,
		hz:      map[string]float64{"err.mp4": 1, "panic.mp4": 1, "ok.mp4": 1},
		failAt:  map[string]int{"err.mp4": 10},
		panicAt: map[string]int{"panic.mp4": 5},
	}
	r, jobs := newRunner(videos)

	errJob := r.Submit(context.Background(), "err.mp4", "", registry.JobConfig{})
	panicJob := r.Submit(context.Background(), "panic.mp4", "", registry.JobConfig{})
	missing := r.Submit(context.Background(), "missing.mp4", "", registry.JobConfig{})
	okJob := r.Submit(context.Background(), "ok.mp4", "", registry.JobConfig{Crop: true})
	r.Wait()

	tests := []struct {
		id      string
		state   registry.JobState
		errPart string
	}{
		{errJob.ID, registry.JobFailed, "stream truncated"},
		{panicJob.ID, registry.JobFailed, "panic: decoder exploded"},
		{missing.ID, registry.JobFailed, "no such file"},
		{okJob.ID, registry.JobDone, ""},
	}
	for _, tt := range tests {
		j, err := jobs.Get(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.state, j.State)
		assert.True(t, j.Done)
		if tt.errPart != "" {
			assert.Contains(t, j.Error, tt.errPart)
		} else {
			assert.Empty(t, j.Error)
		}
	}
	failed, _ := jobs.Get(errJob.ID)
	assert.Less(t, failed.Progress, 1.0)
}

func TestRunnerKeepsLastEstimateWhenFaceIsLost(t *testing.T) {
	videos := &fakeVideos{n: 450, hz: map[string]float64{"a.mp4": 1.2}}
	r, jobs := newRunner(videos)

	// The face leaves the frame for the last 30 frames.
	calls := 0
	r.Locator = detect.LocatorFunc(func(ctx context.Context, frame image.Image) (image.Rectangle, bool, error) {
		calls++
		if calls > 420 {
			return image.Rectangle{}, false, nil
		}
		return detect.Center{}.Locate(ctx, frame)
	})

	id := r.Submit(context.Background(), "a.mp4", "", registry.JobConfig{}).ID
	r.Wait()

	j, err := jobs.Get(id)
	require.NoError(t, err)
	assert.Equal(t, registry.JobDone, j.State, j.Error)
	assert.Equal(t, 450, j.Frames)
	assert.InDelta(t, 72, j.LastBPM, 8)
	assert.Greater(t, j.LastConfidence, 0.0)
}

type memArchive struct {
	mu   sync.Mutex
	jobs []registry.Job
}

func (a *memArchive) SaveJob(_ context.Context, j registry.Job) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.jobs = append(a.jobs, j)
	return nil
}

func TestRunnerArchivesTerminalJobs(t *testing.T) {
	videos := &fakeVideos{n: 10, hz: map[string]float64{"a.mp4": 1}}
	r, _ := newRunner(videos)
	arch := &memArchive{}
	r.Archive = arch

	r.Submit(context.Background(), "a.mp4", "", registry.JobConfig{})
	r.Submit(context.Background(), "gone.mp4", "", registry.JobConfig{})
	r.Wait()

	require.Len(t, arch.jobs, 2)
	for _, j := range arch.jobs {
		assert.True(t, j.Done)
	}
}

func TestOverlayPath(t *testing.T) {
	j := registry.Job{ID: "0123456789abcdef", Source: "/uploads/clip.webm"}
	assert.Equal(t, "/data/clip-01234567.overlay.mp4", OverlayPath("/data", j))
}

// --- Live socket ---

func jpegDataURL(t *testing.T, img image.Image) string {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())
}

func TestLiveSessionProtocol(t *testing.T) {
	ms := registry.NewMeasurements()
	m := ms.Create("live", "")
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		d := &Driver{ID: "live-1", Mode: "live", Measurements: ms}
		if err := d.Run(r.Context(), NewLiveSource(conn), NewLiveSink(conn)); err != nil {
			SendError(conn, err)
		}
	}))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))

	require.NoError(t, conn.WriteJSON(Message{Type: "start", MeasurementID: m.ID}))
	var status Message
	require.NoError(t, conn.ReadJSON(&status))
	assert.Equal(t, Message{Type: "status", Message: "stream_started"}, status)

	require.NoError(t, conn.WriteJSON(Message{Type: "frame", Data: "%%%not-base64"}))
	var logMsg Message
	require.NoError(t, conn.ReadJSON(&logMsg))
	assert.Equal(t, "log", logMsg.Type)
	assert.True(t, strings.HasPrefix(logMsg.Message, "bad frame"), logMsg.Message)

	require.NoError(t, conn.WriteJSON(Message{Type: "frame", Data: jpegDataURL(t, pulseFrame(0, 30, 1))}))
	var metrics Metrics
	require.NoError(t, conn.ReadJSON(&metrics))
	assert.Equal(t, "metrics", metrics.Type)
	assert.Equal(t, rppg.NoEstimate, metrics.BPM)
	require.NotNil(t, metrics.Overlay)
	assert.True(t, strings.HasPrefix(*metrics.Overlay, "data:image/jpeg;base64,"))
	assert.Greater(t, metrics.TS, 0.0)

	overlay, err := DecodeImage(*metrics.Overlay)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, testSize, testSize), overlay.Bounds())

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func TestDecodeImage(t *testing.T) {
	url := jpegDataURL(t, pulseFrame(0, 30, 1))
	bare := strings.TrimPrefix(url, "data:image/jpeg;base64,")

	for _, in := range []string{url, bare} {
		img, err := DecodeImage(in)
		require.NoError(t, err)
		assert.Equal(t, testSize, img.Bounds().Dx())
	}
	for _, in := range []string{"", "data:image/jpeg;base64,AAAA", "@@@"} {
		_, err := DecodeImage(in)
		assert.Error(t, err, "input %q", in)
	}
}

// --- Annotation ---

func TestAnnotateNoFaceTintsRed(t *testing.T) {
	frame := image.NewRGBA(image.Rect(10, 10, 20, 20)) // black, offset origin
	out := Annotate(Result{Frame: frame})
	assert.Equal(t, image.Rect(0, 0, 10, 10), out.Bounds())
	c := out.RGBAAt(5, 5)
	assert.Equal(t, uint8(102), c.R)
	assert.Zero(t, c.G)
	assert.Zero(t, c.B)
}

func TestAnnotateOutlinesFace(t *testing.T) {
	frame := image.NewRGBA(image.Rect(0, 0, 64, 64))
	face := image.Rect(16, 24, 48, 56)
	out := Annotate(Result{Frame: frame, Found: true, Face: face, BPM: 72, Confidence: 0.34})
	assert.Equal(t, roiColor, out.RGBAAt(16, 40))
	assert.Equal(t, roiColor, out.RGBAAt(47, 40))
	assert.Equal(t, color.RGBA{}, out.RGBAAt(2, 60))
}

func TestLabel(t *testing.T) {
	assert.Equal(t, "BPM: 72  conf:0.34", Label(72.2, 0.341))
	assert.Equal(t, "BPM: --  conf:0.00", Label(-1, 0))
}

func TestJetEndpoints(t *testing.T) {
	assert.Equal(t, color.RGBA{0, 0, 127, 255}, jet(0))
	assert.Equal(t, color.RGBA{127, 0, 0, 255}, jet(255))
}
