package rppg

import (
	"gonum.org/v1/gonum/stat"
)

const eps = 1e-8

// Fusion weights for the chrominance and green components.
const (
	chromWeight = 0.7
	greenWeight = 0.3
)

// signalBuilder turns the buffered colour history into the fused pulse signal.
// Its slices are reused between calls and grow at most to the ring capacity.
type signalBuilder struct {
	r, g, b []float64
	x, y    []float64
	fused   []float64
}

func (s *signalBuilder) load(hist *ring[RGB]) {
	n := hist.Len()
	s.r, s.g, s.b = s.r[:0], s.g[:0], s.b[:0]
	for i := 0; i < n; i++ {
		c := hist.At(i)
		s.r = append(s.r, c.R)
		s.g = append(s.g, c.G)
		s.b = append(s.b, c.B)
	}
}

// Fuse computes 0.7·CHROM + 0.3·z(green) over the whole window.
func (s *signalBuilder) Fuse(hist *ring[RGB]) []float64 {
	s.load(hist)
	n := len(s.g)
	s.fused = s.fused[:0]
	if n == 0 {
		return s.fused
	}

	chrom := s.chrom()

	gMean, gStd := stat.PopMeanStdDev(s.g, nil)
	// Both series share the window so the common trailing length is n.
	off := len(chrom) - n
	for i := 0; i < n; i++ {
		z := (s.g[i] - gMean) / (gStd + eps)
		s.fused = append(s.fused, chromWeight*chrom[off+i]+greenWeight*z)
	}
	return s.fused
}

// chrom projects mean-normalised RGB onto the X/Y chrominance axes and
// combines them with alpha = std(X)/std(Y) to cancel specular and motion terms.
func (s *signalBuilder) chrom() []float64 {
	n := len(s.r)
	mr := stat.Mean(s.r, nil) + eps
	mg := stat.Mean(s.g, nil) + eps
	mb := stat.Mean(s.b, nil) + eps

	s.x, s.y = s.x[:0], s.y[:0]
	for i := 0; i < n; i++ {
		nr := s.r[i]/mr - 1
		ng := s.g[i]/mg - 1
		nb := s.b[i]/mb - 1
		s.x = append(s.x, 3*nr-2*ng)
		s.y = append(s.y, 1.5*nr+ng-1.5*nb)
	}

	alpha := (stat.PopStdDev(s.x, nil) + eps) / (stat.PopStdDev(s.y, nil) + eps)
	for i := range s.x {
		s.x[i] -= alpha * s.y[i]
	}
	return s.x
}
