package rppg

import (
	"math"
	"math/cmplx"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// butterOrder is the prototype order of the band-pass design (2·order poles).
const butterOrder = 3

// biquad is one second-order section, a0 normalised to 1.
type biquad struct {
	b0, b1, b2 float64
	a1, a2     float64
}

// butterBandpass designs a digital Butterworth band-pass as second-order
// sections. Cutoffs are normalised to Nyquist and clamped to [0.001, 0.999].
// A collapsed band returns nil, which filtfilt treats as identity.
func butterBandpass(order int, low, high, fs float64) []biquad {
	if fs <= 0 || order < 1 {
		return nil
	}
	nyq := 0.5 * fs
	wl := clamp(low/nyq, 0.001, 0.999)
	wh := clamp(high/nyq, 0.001, 0.999)
	if wh <= wl {
		return nil
	}

	// Pre-warp on the normalised (fs = 2) frequency axis.
	const fsn = 2.0
	w1 := 2 * fsn * math.Tan(math.Pi*wl/fsn)
	w2 := 2 * fsn * math.Tan(math.Pi*wh/fsn)
	bw := w2 - w1
	wo2 := complex(w1*w2, 0)

	// Analog prototype poles, shifted to the band: p ± sqrt(p² − wo²).
	poles := make([]complex128, 0, 2*order)
	for k := 0; k < order; k++ {
		m := float64(-order + 1 + 2*k)
		p := -cmplx.Exp(complex(0, math.Pi*m/float64(2*order)))
		p *= complex(bw/2, 0)
		d := cmplx.Sqrt(p*p - wo2)
		poles = append(poles, p+d, p-d)
	}

	// Bilinear transform. The order zeros at s = 0 map to z = 1 and the
	// order zeros at infinity map to z = −1.
	const fs2 = 2 * fsn
	gain := complex(math.Pow(bw*fs2, float64(order)), 0)
	for i, p := range poles {
		gain /= complex(fs2, 0) - p
		poles[i] = (complex(fs2, 0) + p) / (complex(fs2, 0) - p)
	}

	sections := pairPoles(poles)
	if len(sections) > 0 {
		g := real(gain)
		sections[0].b0 *= g
		sections[0].b1 *= g
		sections[0].b2 *= g
	}
	return sections
}

// pairPoles groups conjugate pairs (and leftover real poles two at a time)
// into sections with numerator (1 − z⁻¹)(1 + z⁻¹).
func pairPoles(poles []complex128) []biquad {
	const tol = 1e-12
	var sections []biquad
	var reals []float64
	for _, p := range poles {
		switch {
		case imag(p) > tol:
			sections = append(sections, biquad{
				b0: 1, b1: 0, b2: -1,
				a1: -2 * real(p),
				a2: real(p)*real(p) + imag(p)*imag(p),
			})
		case math.Abs(imag(p)) <= tol:
			reals = append(reals, real(p))
		}
	}
	sort.Float64s(reals)
	for i := 0; i+1 < len(reals); i += 2 {
		p1, p2 := reals[i], reals[i+1]
		sections = append(sections, biquad{
			b0: 1, b1: 0, b2: -1,
			a1: -(p1 + p2),
			a2: p1 * p2,
		})
	}
	return sections
}

// filtfilt applies sos forward and backward for zero phase distortion, with
// odd-extension padding and steady-state initial conditions.
func filtfilt(sos []biquad, x []float64) []float64 {
	n := len(x)
	out := make([]float64, n)
	copy(out, x)
	if len(sos) == 0 || n < 2 {
		return out
	}

	padlen := min(3*(2*len(sos)+1), n-1)
	ext := make([]float64, n+2*padlen)
	for i := 0; i < padlen; i++ {
		ext[i] = 2*x[0] - x[padlen-i]
	}
	copy(ext[padlen:], x)
	for j := 0; j < padlen; j++ {
		ext[padlen+n+j] = 2*x[n-1] - x[n-2-j]
	}

	zi := sosZi(sos)
	sosfilt(sos, ext, zi, ext[0])
	reverse(ext)
	sosfilt(sos, ext, zi, ext[0])
	reverse(ext)

	copy(out, ext[padlen:padlen+n])
	return out
}

// sosfilt filters x in place through the cascade, each section starting from
// zi scaled by x0.
func sosfilt(sos []biquad, x []float64, zi [][2]float64, x0 float64) {
	state := make([][2]float64, len(sos))
	for s := range sos {
		state[s] = [2]float64{zi[s][0] * x0, zi[s][1] * x0}
	}
	for i, v := range x {
		for s, q := range sos {
			z := &state[s]
			y := q.b0*v + z[0]
			z[0] = q.b1*v - q.a1*y + z[1]
			z[1] = q.b2*v - q.a2*y
			v = y
		}
		x[i] = v
	}
}

// sosZi returns the step-response steady state of each section, scaled by
// the DC gain of the sections before it.
func sosZi(sos []biquad) [][2]float64 {
	zi := make([][2]float64, len(sos))
	scale := 1.0
	for s, q := range sos {
		den := 1 + q.a1 + q.a2
		if den == 0 {
			continue
		}
		b0 := q.b1 - q.a1*q.b0
		b1 := q.b2 - q.a2*q.b0
		z0 := (b0 + b1) / den
		zi[s] = [2]float64{scale * z0, scale * (b1 - q.a2*z0)}
		scale *= (q.b0 + q.b1 + q.b2) / den
	}
	return zi
}

// detrend removes the least-squares line from x.
func detrend(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) < 2 {
		return out
	}
	idx := make([]float64, len(x))
	for i := range idx {
		idx[i] = float64(i)
	}
	alpha, beta := stat.LinearRegression(idx, x, nil, false)
	for i, v := range x {
		out[i] = v - (alpha + beta*idx[i])
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
