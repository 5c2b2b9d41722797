package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/pulse/internal/detect"
	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/session"
	"github.com/andresmejia3/pulse/internal/utils"
	"github.com/andresmejia3/pulse/internal/worker"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"
)

var analyzeOpts Options

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Estimate heart rate from a video file and render an annotated overlay",
	Run: func(cmd *cobra.Command, args []string) {
		runAnalyze(cmd.Context(), analyzeOpts)
	},
}

func init() {
	analyzeCmd.Flags().StringVarP(&analyzeOpts.InputPath, "input", "i", "", "Path to video")
	analyzeCmd.Flags().BoolVarP(&analyzeOpts.Crop, "crop", "c", false, "Zoom the overlay around the detected face")
	analyzeCmd.Flags().Float64VarP(&analyzeOpts.Zoom, "zoom", "z", registry.DefaultZoom, "Crop zoom factor (with --crop)")
	analyzeCmd.Flags().IntVarP(&analyzeOpts.NumEngines, "engines", "e", Cfg.Workers, "Number of face detector processes (0 assumes a centred face)")
	analyzeCmd.Flags().StringVarP(&analyzeOpts.Name, "name", "n", "", "Measurement name (default: the video file name)")

	analyzeCmd.MarkFlagRequired("input")
	rootCmd.AddCommand(analyzeCmd)
}

// newLocator starts the detector pool, falling back to a centred face
// when no engines are requested or the workers cannot start.
func newLocator(ctx context.Context, engines int) (detect.Locator, func()) {
	if engines < 1 {
		return detect.Center{}, func() {}
	}
	pool, err := worker.NewPool(ctx, engines, Cfg.WorkerScript)
	if err != nil {
		utils.ShowError("Face workers unavailable, assuming a centred face", err, nil)
		return detect.Center{}, func() {}
	}
	return pool, pool.Close
}

// runAnalyze submits one job to a local runner and follows it with a progress bar.
func runAnalyze(ctx context.Context, opts Options) {
	if err := validateAnalyzeFlags(&opts); err != nil {
		utils.Die("Invalid analyze flags", err, nil)
	}
	name := opts.Name
	if name == "" {
		name = filepath.Base(opts.InputPath)
	}

	fmt.Fprintf(os.Stderr, "📼 Processing Video: %s\n", opts.InputPath)
	fmt.Fprintf(os.Stderr, "⚙️  Spawning %d Face Engines...\n", opts.NumEngines)

	locator, closeLocator := newLocator(ctx, opts.NumEngines)
	defer closeLocator()

	pub, err := newPublisher()
	if err != nil {
		utils.Die("Failed to connect to NATS", err, nil)
	}
	defer pub.Close()

	jobs := registry.NewJobs()
	measurements := registry.NewMeasurements()
	m := measurements.Create(name, "")

	runner := &session.Runner{
		Jobs:         jobs,
		Measurements: measurements,
		Locator:      locator,
		Publisher:    pub,
		Logger:       Logger,
		Estimator:    Cfg.Estimator,
		OutputDir:    outputDir(),
	}
	if DB != nil {
		runner.Archive = DB
	}

	// Get total frames for progress bar
	totalVideoFrames := utils.GetTotalFrames(ctx, opts.InputPath)
	if totalVideoFrames <= 0 {
		// Fallback to a spinner or unknown total if ffprobe fails
		totalVideoFrames = -1
	}
	if w, h, err := utils.GetVideoDimensions(ctx, opts.InputPath); err == nil {
		fmt.Fprintf(os.Stderr, "🖼️  Resolution: %dx%d\n", w, h)
	}
	bar := progressbar.NewOptions(totalVideoFrames,
		progressbar.OptionSetDescription("💓 Pulse Analyzing"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
	)

	job := runner.Submit(ctx, opts.InputPath, m.ID, registry.JobConfig{Crop: opts.Crop, Zoom: opts.Zoom})
	done := make(chan struct{})
	go func() {
		runner.Wait()
		close(done)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for waiting := true; waiting; {
		select {
		case <-done:
			waiting = false
		case <-ticker.C:
		}
		if snap, err := jobs.Get(job.ID); err == nil {
			bar.Set(snap.Frames)
		}
	}
	bar.Finish()

	final, err := jobs.Get(job.ID)
	if err != nil {
		utils.Die("Job vanished from the registry", err, nil)
	}
	if final.State == registry.JobFailed {
		utils.Die("Analysis failed", errors.New(final.Error), nil)
	}

	result, _ := measurements.Get(m.ID)
	if DB != nil {
		if err := DB.SaveMeasurement(context.WithoutCancel(ctx), result); err != nil {
			Logger.Warn("Archive measurement failed", zap.Error(err))
		}
	}
	printSummary(final, result)
}

func printSummary(job registry.Job, m registry.Measurement) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "📊 ANALYSIS SUMMARY\n")
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🎞️  Frames:          %d\n", job.Frames)
	fmt.Fprintf(os.Stderr, "⏱️  Elapsed:         %s\n", fmtTime(job.Elapsed))
	if mean, sd, ok := summarize(m.Samples); ok {
		fmt.Fprintf(os.Stderr, "💓 Heart Rate:      %.1f ± %.1f BPM (%d estimates)\n", mean, sd, len(m.Samples))
		fmt.Fprintf(os.Stderr, "🔚 Final Estimate:  %.1f BPM (conf %.2f)\n", job.LastBPM, job.LastConfidence)
	} else {
		fmt.Fprintf(os.Stderr, "💓 Heart Rate:      not enough signal (need at least 4s of face video)\n")
	}
	fmt.Fprintf(os.Stderr, "🎬 Overlay:         %s\n", job.OutputPath)
	fmt.Fprintf(os.Stderr, "🆔 Measurement:     %s (%s)\n", m.ID, m.Name)
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// summarize returns the mean and population deviation of sample BPMs.
func summarize(samples []registry.Sample) (mean, sd float64, ok bool) {
	if len(samples) == 0 {
		return 0, 0, false
	}
	bpm := make([]float64, len(samples))
	for i, s := range samples {
		bpm[i] = s.BPM
	}
	mean = stat.Mean(bpm, nil)
	return mean, stat.PopStdDev(bpm, nil), true
}

// validateAnalyzeFlags ensures all CLI arguments are valid before starting heavy processes.
func validateAnalyzeFlags(opts *Options) error {
	info, err := os.Stat(opts.InputPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("input file does not exist: %w", err)
		}
		return fmt.Errorf("unable to access input file: %w", err)
	}
	if info.IsDir() {
		return errors.New("input path is a directory, expected a video file")
	}
	if opts.Zoom <= 0 {
		return fmt.Errorf("zoom must be > 0, got %v", opts.Zoom)
	}
	if opts.NumEngines < 0 {
		opts.NumEngines = 0
	}
	return nil
}

func fmtTime(seconds float64) string {
	duration := time.Duration(seconds * float64(time.Second))
	h := int(duration.Hours())
	m := int(duration.Minutes()) % 60
	s := int(duration.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}
