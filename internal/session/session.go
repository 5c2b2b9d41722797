// Package session drives the heart-rate estimator from a frame source to a
// result sink. Live sockets and batch video jobs share the same Driver.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/andresmejia3/pulse/internal/detect"
	"github.com/andresmejia3/pulse/internal/publish"
	"github.com/andresmejia3/pulse/internal/registry"
	"github.com/andresmejia3/pulse/internal/rppg"
	"go.uber.org/zap"
)

// Frame is one decoded input image.
type Frame struct {
	Index int
	Image image.Image
	// Box is a client supplied skin region. When set, detection is skipped.
	Box           *image.Rectangle
	Timestamp     float64 // seconds
	MeasurementID string
}

// FrameError reports a frame that could not be decoded. The run continues.
type FrameError struct {
	Index int
	Err   error
}

func (e *FrameError) Error() string { return fmt.Sprintf("bad frame: %v", e.Err) }
func (e *FrameError) Unwrap() error { return e.Err }

// Source yields frames in order. io.EOF ends the run.
type Source interface {
	Next(ctx context.Context) (Frame, error)
}

// Result is the per-frame outcome handed to a Sink.
type Result struct {
	Index     int
	Timestamp float64
	At        time.Time
	Frame     image.Image
	// Face is the region the estimator sampled, in Frame coordinates.
	Face       image.Rectangle
	Found      bool
	BPM        float64
	Confidence float64
	Value      float64
	Heatmap    rppg.Heatmap
}

// Sink consumes results.
type Sink interface {
	Emit(ctx context.Context, r Result) error
	Reject(ctx context.Context, fe *FrameError) error
}

// Driver runs the detect, update, emit loop for a single session.
// A Driver and its Estimator belong to one goroutine.
type Driver struct {
	ID           string
	Mode         string
	Estimator    *rppg.Estimator
	Locator      detect.Locator
	Cropper      *detect.Cropper // optional
	Measurements *registry.Measurements
	Publisher    publish.Publisher
	Logger       *zap.Logger
	Now          func() time.Time
}

func (d *Driver) init() {
	if d.Estimator == nil {
		d.Estimator = rppg.New(rppg.DefaultConfig())
	}
	if d.Locator == nil {
		d.Locator = detect.Center{}
	}
	if d.Publisher == nil {
		d.Publisher = publish.Nop{}
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Now == nil {
		d.Now = time.Now
	}
}

// Run pulls frames from src until it is exhausted or fails.
func (d *Driver) Run(ctx context.Context, src Source, sink Sink) error {
	d.init()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		f, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		var fe *FrameError
		if errors.As(err, &fe) {
			d.Logger.Debug("Rejected frame", zap.String("session_id", d.ID), zap.Int("index", fe.Index), zap.Error(fe.Err))
			if err := sink.Reject(ctx, fe); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			return err
		}

		res, err := d.Process(ctx, f)
		if err != nil {
			return err
		}
		if err := sink.Emit(ctx, res); err != nil {
			return err
		}
	}
}

// Process runs one frame through detection and the estimator.
func (d *Driver) Process(ctx context.Context, f Frame) (Result, error) {
	d.init()
	res := Result{
		Index:     f.Index,
		Timestamp: f.Timestamp,
		At:        d.Now(),
		Frame:     f.Image,
		BPM:       rppg.NoEstimate,
	}
	if f.Image == nil {
		return res, nil
	}

	face, found := image.Rectangle{}, false
	if f.Box != nil {
		face, found = *f.Box, true
	} else {
		var err error
		face, found, err = d.Locator.Locate(ctx, f.Image)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("locate face in frame %d: %w", f.Index, err)
		}
	}

	if found && d.Cropper != nil {
		var cropped image.Image
		cropped, face = d.Cropper.Apply(f.Image, face)
		res.Frame = cropped
	}
	face = face.Intersect(res.Frame.Bounds())
	if !found || face.Empty() {
		return res, nil
	}

	est := d.Estimator.Update(subImage(res.Frame, face), f.Timestamp)
	res.Face = face
	res.Found = true
	res.BPM = est.BPM
	res.Confidence = est.Confidence
	res.Value = est.Value
	res.Heatmap = est.Heatmap

	if est.BPM > 0 {
		d.record(ctx, f.MeasurementID, res)
	}
	return res, nil
}

func (d *Driver) record(ctx context.Context, mid string, res Result) {
	if mid != "" && d.Measurements != nil {
		err := d.Measurements.Append(mid, registry.Sample{At: res.At, BPM: res.BPM, Confidence: res.Confidence})
		if err != nil {
			d.Logger.Warn("Dropped measurement sample", zap.String("measurement_id", mid), zap.Error(err))
		}
	}
	m := publish.Metric{
		Session:     d.ID,
		Mode:        d.Mode,
		Measurement: mid,
		At:          res.At,
		BPM:         res.BPM,
		Confidence:  res.Confidence,
	}
	if err := d.Publisher.Publish(ctx, m); err != nil {
		d.Logger.Warn("Publish failed", zap.String("session_id", d.ID), zap.Error(err))
	}
}

type subImager interface {
	SubImage(r image.Rectangle) image.Image
}

func subImage(img image.Image, r image.Rectangle) image.Image {
	if s, ok := img.(subImager); ok {
		return s.SubImage(r)
	}
	dst := image.NewRGBA(r)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			dst.Set(x, y, img.At(x, y))
		}
	}
	return dst
}
