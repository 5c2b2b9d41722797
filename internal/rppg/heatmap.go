package rppg

import (
	"math"
	"sort"
)

const (
	heatPercentile = 0.95
	minHeatScale   = 1e-6
)

// Heatmap is a square, row-major map of oscillation strength in [0,1].
type Heatmap struct {
	Size   int
	Values []float64
}

// At returns the value at column x, row y.
func (h Heatmap) At(x, y int) float64 {
	return h.Values[y*h.Size+x]
}

// heatmapSynth convolves the buffered intensity maps along time with a fixed
// band-pass kernel. The kernel is built once from the nominal frame rate.
type heatmapSynth struct {
	kernel []float64
	frames *frameRing
	sorted []float64
}

func newHeatmapSynth(kernel []float64, size int) *heatmapSynth {
	return &heatmapSynth{
		kernel: kernel,
		frames: newFrameRing(len(kernel), size*size),
		sorted: make([]float64, size*size),
	}
}

func (s *heatmapSynth) Push(plane []float64) {
	s.frames.Push(plane)
}

// Render fills dst with the normalised heatmap. dst stays all-zero until a
// full kernel's worth of frames is buffered or when the response is flat.
func (s *heatmapSynth) Render(dst []float64) {
	for i := range dst {
		dst[i] = 0
	}
	k := len(s.kernel)
	if s.frames.Len() < k {
		return
	}
	start := s.frames.Len() - k
	for t, w := range s.kernel {
		frame := s.frames.Frame(start + t)
		for i, v := range frame {
			dst[i] += w * v
		}
	}
	for i, v := range dst {
		dst[i] = math.Abs(v)
	}

	copy(s.sorted, dst)
	sort.Float64s(s.sorted)
	scale := percentile(s.sorted, heatPercentile)
	if scale <= minHeatScale {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	for i, v := range dst {
		dst[i] = math.Min(v/scale, 1)
	}
}

// percentile interpolates linearly between the closest ranks of sorted, the
// same estimate numpy uses by default. p is in [0,1].
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	h := p * float64(len(sorted)-1)
	lo := int(math.Floor(h))
	if lo >= len(sorted)-1 {
		return sorted[len(sorted)-1]
	}
	return sorted[lo] + (h-float64(lo))*(sorted[lo+1]-sorted[lo])
}
