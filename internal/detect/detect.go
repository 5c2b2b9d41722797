// Package detect locates the skin region an estimator samples from.
package detect

import (
	"context"
	"image"
)

// Locator finds the face in a frame. ok is false when no face is present;
// err is reserved for failures of the locator itself.
type Locator interface {
	Locate(ctx context.Context, frame image.Image) (face image.Rectangle, ok bool, err error)
}

// LocatorFunc adapts a function to the Locator interface.
type LocatorFunc func(ctx context.Context, frame image.Image) (image.Rectangle, bool, error)

func (f LocatorFunc) Locate(ctx context.Context, frame image.Image) (image.Rectangle, bool, error) {
	return f(ctx, frame)
}

// Center assumes a face centred in the frame, Fraction of each dimension wide.
// It stands in when no detector is configured and for synthetic inputs.
type Center struct {
	Fraction float64
}

func (c Center) Locate(_ context.Context, frame image.Image) (image.Rectangle, bool, error) {
	b := frame.Bounds()
	if b.Empty() {
		return image.Rectangle{}, false, nil
	}
	f := c.Fraction
	if f <= 0 || f > 1 {
		f = 0.5
	}
	w := int(float64(b.Dx()) * f)
	h := int(float64(b.Dy()) * f)
	x := b.Min.X + (b.Dx()-w)/2
	y := b.Min.Y + (b.Dy()-h)/2
	return SkinRegion(image.Rect(x, y, x+w, y+h)), true, nil
}

// SkinRegion narrows a face box to the forehead and cheeks: shifted down by
// 5% of its height and trimmed to 60% of it.
func SkinRegion(face image.Rectangle) image.Rectangle {
	h := face.Dy()
	y := face.Min.Y + int(float64(h)*0.05)
	return image.Rect(face.Min.X, y, face.Max.X, y+int(float64(h)*0.6))
}

// Largest returns the biggest box by area. ok is false for an empty list.
func Largest(boxes []image.Rectangle) (image.Rectangle, bool) {
	best, area := image.Rectangle{}, -1
	for _, b := range boxes {
		if a := b.Dx() * b.Dy(); a > area {
			best, area = b, a
		}
	}
	return best, area >= 0
}
