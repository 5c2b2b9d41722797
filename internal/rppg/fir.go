package rppg

import (
	"math"

	"gonum.org/v1/gonum/dsp/window"
)

// kernelSeconds sets the FIR length relative to the nominal frame rate.
const kernelSeconds = 1.5

// kernelLength returns the number of taps for fps, forced odd and at least 3.
func kernelLength(fps float64) int {
	n := int(fps * kernelSeconds)
	if n%2 == 0 {
		n++
	}
	return max(n, 3)
}

// firBandpass designs a Hamming-windowed sinc band-pass with numtaps taps,
// scaled to unit gain at the centre of the pass band. Cutoffs beyond Nyquist
// are clamped; a collapsed band yields an all-zero kernel.
func firBandpass(numtaps int, low, high, fs float64) []float64 {
	h := make([]float64, numtaps)
	if fs <= 0 {
		return h
	}
	nyq := 0.5 * fs
	left := clamp(low/nyq, 0, 1)
	right := clamp(high/nyq, 0, 1)
	if right <= left {
		return h
	}

	alpha := 0.5 * float64(numtaps-1)
	for i := range h {
		m := float64(i) - alpha
		h[i] = right*sinc(right*m) - left*sinc(left*m)
	}
	window.Hamming(h)

	centre := 0.5 * (left + right)
	var s float64
	for i, v := range h {
		s += v * math.Cos(math.Pi*(float64(i)-alpha)*centre)
	}
	if s == 0 {
		return h
	}
	for i := range h {
		h[i] /= s
	}
	return h
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}
