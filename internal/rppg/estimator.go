// Package rppg estimates heart rate from the colour of a skin region over time.
//
// An Estimator is stateful and not safe for concurrent use: each live session
// or batch job owns exactly one and drives it sequentially.
package rppg

import (
	"image"
	"math"
)

// Config fixes an Estimator's sampling assumptions at construction.
type Config struct {
	NominalFPS    float64
	WindowSeconds float64
	LowHz         float64
	HighHz        float64
	HeatSize      int
}

// DefaultConfig returns a 30 fps, 15 s window, 42-180 BPM configuration.
func DefaultConfig() Config {
	return Config{
		NominalFPS:    30,
		WindowSeconds: 15,
		LowHz:         0.7,
		HighHz:        3.0,
		HeatSize:      56,
	}
}

// withDefaults replaces unusable fields with their defaults.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.NominalFPS <= 0 || math.IsNaN(c.NominalFPS) || math.IsInf(c.NominalFPS, 0) {
		c.NominalFPS = d.NominalFPS
	}
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = d.WindowSeconds
	}
	if c.LowHz <= 0 || c.HighHz <= c.LowHz {
		c.LowHz, c.HighHz = d.LowHz, d.HighHz
	}
	if c.HeatSize <= 0 {
		c.HeatSize = d.HeatSize
	}
	return c
}

// Result is the per-frame output of Update.
type Result struct {
	BPM        float64 // NoEstimate until enough history is buffered
	Confidence float64 // peak share of pass-band power, in [0,1]
	Value      float64 // tanh of the newest fused sample, in [-1,1]
	Heatmap    Heatmap
}

// Estimator combines colour extraction, rate recovery, spectral estimation
// and the heatmap behind a single Update call.
type Estimator struct {
	cfg Config

	rgb   *ring[RGB]
	stamp *ring[float64]

	extract *extractor
	clock   *clock
	signal  signalBuilder
	heat    *heatmapSynth
}

// New builds an Estimator. Invalid config fields fall back to DefaultConfig.
func New(cfg Config) *Estimator {
	cfg = cfg.withDefaults()
	capacity := max(64, int(cfg.WindowSeconds*cfg.NominalFPS))
	kernel := firBandpass(kernelLength(cfg.NominalFPS), cfg.LowHz, cfg.HighHz, cfg.NominalFPS)
	return &Estimator{
		cfg:     cfg,
		rgb:     newRing[RGB](capacity),
		stamp:   newRing[float64](capacity),
		extract: newExtractor(cfg.HeatSize),
		clock:   newClock(cfg.NominalFPS),
		heat:    newHeatmapSynth(kernel, cfg.HeatSize),
	}
}

// Config returns the effective configuration.
func (e *Estimator) Config() Config { return e.cfg }

// Rate returns the most recent adaptive sample-rate estimate in Hz.
func (e *Estimator) Rate() float64 { return e.clock.rate }

// Update appends one observation taken at ts (seconds, monotonic) and
// returns the current estimate. It never panics on degenerate input:
// missing history, flat signals and empty skin masks all degrade to
// sentinel or zero values.
func (e *Estimator) Update(roi image.Image, ts float64) Result {
	mean, green := e.extract.Extract(roi)

	// Keep the buffer time-ordered: late or invalid stamps repeat the newest one.
	if last, ok := e.stamp.Last(); ok && (ts < last || math.IsNaN(ts)) {
		ts = last
	} else if !ok && math.IsNaN(ts) {
		ts = 0
	}
	e.rgb.Push(mean)
	e.stamp.Push(ts)

	fs := e.clock.Update(e.stamp)
	fused := e.signal.Fuse(e.rgb)
	bpm, conf := EstimateBPM(fused, fs, e.cfg.LowHz, e.cfg.HighHz)

	var value float64
	if len(fused) > 0 {
		value = math.Tanh(fused[len(fused)-1])
	}

	e.heat.Push(green)
	hm := Heatmap{Size: e.cfg.HeatSize, Values: make([]float64, e.cfg.HeatSize*e.cfg.HeatSize)}
	e.heat.Render(hm.Values)

	return Result{
		BPM:        bpm,
		Confidence: conf,
		Value:      value,
		Heatmap:    hm,
	}
}
