package detect

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// cropSmoothing is the EMA weight given to each new crop rectangle.
const cropSmoothing = 0.15

// Cropper zooms a frame around the face while keeping the output aspect ratio.
// The crop rectangle is smoothed over time so the view does not jitter.
// A Cropper belongs to one session.
type Cropper struct {
	Zoom float64
	last image.Rectangle
	has  bool
}

// NewCropper returns a Cropper for the given zoom factor.
func NewCropper(zoom float64) *Cropper {
	return &Cropper{Zoom: zoom}
}

// Apply crops frame around face, scales the crop back to the frame size, and
// returns the new frame with face mapped into its coordinates.
func (c *Cropper) Apply(frame image.Image, face image.Rectangle) (*image.RGBA, image.Rectangle) {
	b := frame.Bounds()
	target := c.rect(face, b)
	if !c.has {
		c.last, c.has = target, true
	} else {
		c.last = image.Rect(
			ema(target.Min.X, c.last.Min.X),
			ema(target.Min.Y, c.last.Min.Y),
			ema(target.Min.X, c.last.Min.X)+ema(target.Dx(), c.last.Dx()),
			ema(target.Min.Y, c.last.Min.Y)+ema(target.Dy(), c.last.Dy()),
		)
	}
	crop := c.last.Intersect(b)

	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	if crop.Empty() {
		draw.Copy(out, image.Point{}, frame, b, draw.Src, nil)
		return out, face.Sub(b.Min)
	}
	draw.BiLinear.Scale(out, out.Bounds(), frame, crop, draw.Src, nil)

	sx := float64(b.Dx()) / float64(max(1, crop.Dx()))
	sy := float64(b.Dy()) / float64(max(1, crop.Dy()))
	fx := float64(face.Min.X - crop.Min.X)
	fy := float64(face.Min.Y - crop.Min.Y)
	mapped := image.Rect(
		int(fx*sx),
		int(fy*sy),
		int(fx*sx)+int(float64(face.Dx())*sx),
		int(fy*sy)+int(float64(face.Dy())*sy),
	)
	return out, mapped
}

// rect computes the unsmoothed crop: centred on the upper face, zoomed,
// widened to the frame aspect ratio and shifted to stay inside the frame.
func (c *Cropper) rect(face, frame image.Rectangle) image.Rectangle {
	zoom := c.Zoom
	if zoom <= 0 {
		zoom = 1
	}
	fw, fh := float64(frame.Dx()), float64(frame.Dy())
	cx := float64(face.Min.X) + float64(face.Dx())/2
	cy := float64(face.Min.Y) + float64(face.Dy())*0.42
	tw := float64(face.Dx()) * zoom
	th := float64(face.Dy()) * zoom
	aspect := fw / math.Max(1, fh)
	if th > 0 && tw/th < aspect {
		tw = th * aspect
	} else {
		th = tw / aspect
	}

	x0 := int(math.Round(cx - tw/2))
	y0 := int(math.Round(cy - th/2))
	x0 = max(frame.Min.X, min(frame.Max.X-int(math.Round(tw)), x0))
	y0 = max(frame.Min.Y, min(frame.Max.Y-int(math.Round(th)), y0))
	w := int(math.Round(math.Min(tw, fw)))
	h := int(math.Round(math.Min(th, fh)))
	return image.Rect(x0, y0, x0+w, y0+h)
}

func ema(next, prev int) int {
	return int(math.Round(cropSmoothing*float64(next) + (1-cropSmoothing)*float64(prev)))
}
