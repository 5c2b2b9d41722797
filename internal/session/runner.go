package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/andresmejia3/pulse/internal/detect"
	"github.com/andresmejia3/pulse/internal/publish"
	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/rppg"
	"github.com/andresmejia3/pulse/internal/utils"
	"go.uber.org/zap"
)

// Media is an opened video ready to be driven.
type Media struct {
	Source Source
	FPS    float64
	Total  int // frame count, 0 when unknown
	Close  func() error
}

// Opener opens a video file for a job.
type Opener interface {
	Open(ctx context.Context, path, measurementID string) (*Media, error)
}

// OpenerFunc adapts a function to Opener.
type OpenerFunc func(ctx context.Context, path, measurementID string) (*Media, error)

func (f OpenerFunc) Open(ctx context.Context, path, measurementID string) (*Media, error) {
	return f(ctx, path, measurementID)
}

// FFmpegOpener probes the file with ffprobe and decodes it with ffmpeg.
type FFmpegOpener struct{}

func (FFmpegOpener) Open(ctx context.Context, path, measurementID string) (*Media, error) {
	fps, err := utils.GetVideoFPS(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("determine video fps: %w", err)
	}
	total := max(utils.GetTotalFrames(ctx, path), 0)
	src, err := OpenVideo(ctx, path, fps, measurementID)
	if err != nil {
		return nil, err
	}
	return &Media{Source: src, FPS: fps, Total: total, Close: src.Close}, nil
}

// WriterFactory creates the overlay writer for a job.
type WriterFactory func(ctx context.Context, path string, fps float64) (FrameWriter, error)

// Archiver persists finished jobs.
type Archiver interface {
	SaveJob(ctx context.Context, job registry.Job) error
}

// Runner executes batch jobs, one goroutine per job. Jobs share nothing
// but the registries, the locator and the publisher.
type Runner struct {
	Jobs         *registry.Jobs
	Measurements *registry.Measurements
	Locator      detect.Locator
	Publisher    publish.Publisher
	Archive      Archiver // optional
	Logger       *zap.Logger
	Estimator    rppg.Config
	OutputDir    string
	Opener       Opener
	NewWriter    WriterFactory

	wg sync.WaitGroup
}

// Submit registers a job for path and starts it. The returned snapshot is
// in the created state.
func (r *Runner) Submit(ctx context.Context, path, measurementID string, cfg registry.JobConfig) registry.Job {
	job := r.Jobs.Create(path, measurementID, cfg)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.run(ctx, job)
	}()
	return job
}

// Wait blocks until every submitted job has reached a terminal state.
func (r *Runner) Wait() {
	r.wg.Wait()
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

func (r *Runner) run(ctx context.Context, job registry.Job) {
	log := r.logger().With(zap.String("job_id", job.ID), zap.String("source", job.Source))
	start := time.Now()
	log.Info("Job started")

	out, err := r.process(ctx, job)
	elapsed := time.Since(start)
	if err != nil {
		log.Error("Job failed", zap.Error(err), zap.Duration("elapsed", elapsed))
		r.Jobs.Fail(job.ID, err.Error(), elapsed)
	} else {
		log.Info("Job finished", zap.String("overlay", out), zap.Duration("elapsed", elapsed))
		r.Jobs.Finish(job.ID, out, elapsed)
	}

	if r.Archive == nil {
		return
	}
	snap, err := r.Jobs.Get(job.ID)
	if err != nil {
		return
	}
	// The request context may already be gone; archiving is best effort.
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.Archive.SaveJob(actx, snap); err != nil {
		log.Warn("Archive job failed", zap.Error(err))
	}
}

// process drives one job to completion. Panics are converted to errors so a
// broken job never takes the process down.
func (r *Runner) process(ctx context.Context, job registry.Job) (out string, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger().Error("Job panicked", zap.String("job_id", job.ID), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
	}()

	if err := r.Jobs.Start(job.ID); err != nil {
		return "", err
	}
	opener := r.Opener
	if opener == nil {
		opener = FFmpegOpener{}
	}
	newWriter := r.NewWriter
	if newWriter == nil {
		newWriter = NewEncoderWriter
	}

	media, err := opener.Open(ctx, job.Source, job.MeasurementID)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", job.Source, err)
	}
	if media.Close != nil {
		defer media.Close()
	}

	if r.OutputDir != "" {
		if err := os.MkdirAll(r.OutputDir, 0755); err != nil {
			return "", fmt.Errorf("create output dir: %w", err)
		}
	}
	out = OverlayPath(r.OutputDir, job)
	w, err := newWriter(ctx, out, media.FPS)
	if err != nil {
		return "", fmt.Errorf("open overlay writer: %w", err)
	}

	cfg := r.Estimator
	cfg.NominalFPS = media.FPS
	d := &Driver{
		ID:           job.ID,
		Mode:         "batch",
		Estimator:    rppg.New(cfg),
		Locator:      r.Locator,
		Measurements: r.Measurements,
		Publisher:    r.Publisher,
		Logger:       r.logger(),
	}
	if job.Config.Crop {
		d.Cropper = detect.NewCropper(job.Config.Zoom)
	}
	sink := &jobSink{jobs: r.Jobs, id: job.ID, total: media.Total, writer: w, lastBPM: rppg.NoEstimate}

	if err := d.Run(ctx, media.Source, sink); err != nil {
		w.Close()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return out, nil
}

// OverlayPath names the annotated output of job inside dir.
func OverlayPath(dir string, job registry.Job) string {
	base := strings.TrimSuffix(filepath.Base(job.Source), filepath.Ext(job.Source))
	short := job.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s.overlay.mp4", base, short))
}

// jobSink writes annotated frames and reports progress after every frame.
type jobSink struct {
	jobs      *registry.Jobs
	id        string
	total     int
	processed int
	lastBPM   float64
	lastConf  float64
	writer    FrameWriter
}

func (s *jobSink) Emit(_ context.Context, r Result) error {
	if err := s.writer.WriteFrame(Annotate(r)); err != nil {
		return err
	}
	// No-face frames keep the last measured values.
	if r.Found {
		s.lastBPM, s.lastConf = r.BPM, r.Confidence
	}
	return s.advance()
}

func (s *jobSink) Reject(context.Context, *FrameError) error {
	return s.advance()
}

func (s *jobSink) advance() error {
	s.processed++
	progress := 0.0
	if s.total > 0 {
		progress = float64(s.processed) / float64(s.total)
	}
	return s.jobs.Report(s.id, progress, s.lastBPM, s.lastConf, s.processed)
}
