package rppg

import (
	"image"

	"golang.org/x/image/draw"
)

// Skin mask thresholds on the 8-bit HSV scale.
const (
	minSaturation = 20
	minValue      = 50
)

// RGB is a mean colour observation, channels in [0,255].
type RGB struct {
	R, G, B float64
}

// extractor reduces an ROI to one colour observation. It owns a scratch image
// so per-frame cost is bounded by size² regardless of the input resolution.
type extractor struct {
	size    int
	scratch *image.RGBA
	green   []float64
}

func newExtractor(size int) *extractor {
	return &extractor{
		size:    size,
		scratch: image.NewRGBA(image.Rect(0, 0, size, size)),
		green:   make([]float64, size*size),
	}
}

// Extract resizes roi, masks likely skin pixels and returns their mean RGB
// along with the green plane scaled to [0,1]. The returned plane is reused by
// the next call. An empty mask falls back to the mean over all pixels.
func (e *extractor) Extract(roi image.Image) (RGB, []float64) {
	if roi == nil || roi.Bounds().Empty() {
		for i := range e.green {
			e.green[i] = 0
		}
		return RGB{}, e.green
	}

	draw.BiLinear.Scale(e.scratch, e.scratch.Bounds(), roi, roi.Bounds(), draw.Src, nil)

	var masked, all RGB
	count := 0
	pix := e.scratch.Pix
	for i := 0; i < e.size*e.size; i++ {
		r, g, b := pix[i*4], pix[i*4+1], pix[i*4+2]
		fr, fg, fb := float64(r), float64(g), float64(b)
		all.R += fr
		all.G += fg
		all.B += fb
		e.green[i] = fg / 255.0

		if isSkin(r, g, b) {
			masked.R += fr
			masked.G += fg
			masked.B += fb
			count++
		}
	}

	if count == 0 {
		n := float64(e.size * e.size)
		return RGB{all.R / n, all.G / n, all.B / n}, e.green
	}
	n := float64(count)
	return RGB{masked.R / n, masked.G / n, masked.B / n}, e.green
}

// isSkin applies the saturation/value mask using OpenCV's 8-bit HSV scale.
func isSkin(r, g, b uint8) bool {
	hi := max(r, g, b)
	lo := min(r, g, b)
	if hi <= minValue || hi == 0 {
		return false
	}
	sat := 255 * int(hi-lo) / int(hi)
	return sat > minSaturation
}
