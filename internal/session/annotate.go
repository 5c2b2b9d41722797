package session

import (
	"fmt"
	"image"
	"image/color"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	heatAlpha    = 0.6
	noFaceAlpha  = 0.4
	rectStroke   = 2
	labelBaseGap = 6
)

var (
	roiColor   = color.RGBA{0, 255, 0, 255}
	noFaceTint = color.RGBA{255, 0, 0, 255}
)

// Annotate renders r over its frame: the heatmap blended into the face
// region, the region outline and the BPM label. Frames without a face are
// tinted red. The returned image starts at the origin.
func Annotate(r Result) *image.RGBA {
	if r.Frame == nil {
		return image.NewRGBA(image.Rect(0, 0, 1, 1))
	}
	b := r.Frame.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Copy(dst, image.Point{}, r.Frame, b, draw.Src, nil)

	if !r.Found {
		tint(dst, dst.Bounds(), noFaceTint, noFaceAlpha)
		return dst
	}
	face := r.Face.Sub(b.Min).Intersect(dst.Bounds())
	if face.Empty() {
		return dst
	}
	blendHeatmap(dst, face, r)
	outline(dst, face, roiColor, rectStroke)
	label(dst, face, Label(r.BPM, r.Confidence))
	return dst
}

// Label formats the overlay caption.
func Label(bpm, confidence float64) string {
	if bpm <= 0 {
		return fmt.Sprintf("BPM: --  conf:%.2f", confidence)
	}
	return fmt.Sprintf("BPM: %.0f  conf:%.2f", bpm, confidence)
}

func blendHeatmap(dst *image.RGBA, face image.Rectangle, r Result) {
	h := r.Heatmap
	if h.Size <= 0 || len(h.Values) < h.Size*h.Size {
		return
	}
	src := image.NewGray(image.Rect(0, 0, h.Size, h.Size))
	for i, v := range h.Values[:h.Size*h.Size] {
		src.Pix[i] = uint8(clampUnit(v)*255 + 0.5)
	}
	scaled := image.NewGray(image.Rect(0, 0, face.Dx(), face.Dy()))
	draw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)

	for y := 0; y < face.Dy(); y++ {
		for x := 0; x < face.Dx(); x++ {
			heat := jet(scaled.GrayAt(x, y).Y)
			px, py := face.Min.X+x, face.Min.Y+y
			blendPixel(dst, px, py, heat, heatAlpha)
		}
	}
}

func tint(dst *image.RGBA, r image.Rectangle, c color.RGBA, alpha float64) {
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			blendPixel(dst, x, y, c, alpha)
		}
	}
}

func blendPixel(dst *image.RGBA, x, y int, c color.RGBA, alpha float64) {
	i := dst.PixOffset(x, y)
	p := dst.Pix[i : i+4 : i+4]
	p[0] = mix(p[0], c.R, alpha)
	p[1] = mix(p[1], c.G, alpha)
	p[2] = mix(p[2], c.B, alpha)
	p[3] = 255
}

func mix(a, b uint8, alpha float64) uint8 {
	return uint8(float64(a)*(1-alpha) + float64(b)*alpha + 0.5)
}

func outline(dst *image.RGBA, r image.Rectangle, c color.RGBA, stroke int) {
	for i := 0; i < stroke; i++ {
		in := r.Inset(i)
		if in.Empty() {
			return
		}
		for x := in.Min.X; x < in.Max.X; x++ {
			dst.SetRGBA(x, in.Min.Y, c)
			dst.SetRGBA(x, in.Max.Y-1, c)
		}
		for y := in.Min.Y; y < in.Max.Y; y++ {
			dst.SetRGBA(in.Min.X, y, c)
			dst.SetRGBA(in.Max.X-1, y, c)
		}
	}
}

func label(dst *image.RGBA, face image.Rectangle, text string) {
	face7 := basicfont.Face7x13
	y := face.Min.Y - labelBaseGap
	if y < face7.Ascent {
		y = face.Max.Y + face7.Ascent + 2
	}
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(roiColor),
		Face: face7,
		Dot:  fixed.P(face.Min.X, y),
	}
	d.DrawString(text)
}

// jet maps an intensity onto the classic blue-cyan-yellow-red ramp.
func jet(v uint8) color.RGBA {
	t := float64(v) / 255
	return color.RGBA{
		R: uint8(255 * clampUnit(1.5-abs(4*t-3))),
		G: uint8(255 * clampUnit(1.5-abs(4*t-2))),
		B: uint8(255 * clampUnit(1.5-abs(4*t-1))),
		A: 255,
	}
}

func clampUnit(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
