package rppg

import (
	"gonum.org/v1/gonum/dsp/fourier"
	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// minSeconds is the shortest window, in seconds at the current rate, that
// produces an estimate.
const minSeconds = 4.0

// NoEstimate is the BPM sentinel for "not enough signal yet".
const NoEstimate = -1.0

// EstimateBPM runs the detrend, zero-phase band-pass and Welch peak search on
// signal sampled at fs. It returns (NoEstimate, 0) when the signal is shorter
// than four seconds or the band holds no spectral bins.
func EstimateBPM(signal []float64, fs, low, high float64) (bpm, confidence float64) {
	if fs <= 0 || len(signal) < int(minSeconds*fs) || len(signal) < 2 {
		return NoEstimate, 0
	}

	filtered := filtfilt(butterBandpass(butterOrder, low, high, fs), detrend(signal))
	freqs, psd := welch(filtered, fs, min(len(filtered), int(minSeconds*fs)))

	peak, total := -1, 0.0
	for i, f := range freqs {
		if f < low || f > high {
			continue
		}
		total += psd[i]
		if peak < 0 || psd[i] > psd[peak] {
			peak = i
		}
	}
	if peak < 0 {
		return NoEstimate, 0
	}
	return freqs[peak] * 60.0, psd[peak] / (total + eps)
}

// periodicHann returns the DFT-even Hann window of length n: the symmetric
// window of length n+1 with its last sample dropped.
func periodicHann(n int) []float64 {
	win := make([]float64, n+1)
	floats.AddConst(1, win)
	window.Hann(win)
	return win[:n]
}

// welch estimates the one-sided power spectral density of x with Hann
// windowed segments of nperseg samples and 50% overlap.
func welch(x []float64, fs float64, nperseg int) (freqs, psd []float64) {
	if nperseg < 2 {
		return nil, nil
	}
	win := periodicHann(nperseg)
	scale := 1.0 / (fs * floats.Dot(win, win))

	bins := nperseg/2 + 1
	psd = make([]float64, bins)
	fft := fourier.NewFFT(nperseg)
	seg := make([]float64, nperseg)
	var coeffs []complex128

	step := nperseg - nperseg/2
	segments := 0
	for start := 0; start+nperseg <= len(x); start += step {
		copy(seg, x[start:start+nperseg])
		floats.AddConst(-stat.Mean(seg, nil), seg)
		floats.Mul(seg, win)
		coeffs = fft.Coefficients(coeffs, seg)
		for k, c := range coeffs {
			psd[k] += real(c)*real(c) + imag(c)*imag(c)
		}
		segments++
	}
	if segments == 0 {
		return nil, nil
	}

	floats.Scale(scale/float64(segments), psd)
	// Fold negative frequencies; DC and an even-length Nyquist bin are unique.
	last := bins
	if nperseg%2 == 0 {
		last = bins - 1
	}
	for k := 1; k < last; k++ {
		psd[k] *= 2
	}

	freqs = make([]float64, bins)
	for k := range freqs {
		freqs[k] = fft.Freq(k) * fs
	}
	return freqs, psd
}
