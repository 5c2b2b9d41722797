package session

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"

	"github.com/andresmejia3/pulse/internal/types"
	"github.com/andresmejia3/pulse/internal/utils"
)

const megabyte = 1024 * 1024

// EncodeQuality is the JPEG quality of frames piped to the encoder.
const EncodeQuality = 90

// Buffer pool to reduce GC pressure while splitting the decoder stream
var frameBufferPool = sync.Pool{
	New: func() interface{} { return make([]byte, 0, megabyte) },
}

// VideoSource decodes a video file through ffmpeg. Frames carry media
// timestamps index/fps.
type VideoSource struct {
	fps   float64
	mid   string
	tasks chan types.FrameTask

	cancel context.CancelFunc
	done   chan struct{}
	err    error // set before done is closed
}

// OpenVideo starts ffmpeg on path and splits its MJPEG output into frames
// on a background goroutine.
func OpenVideo(ctx context.Context, path string, fps float64, measurementID string) (*VideoSource, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("invalid frame rate %v", fps)
	}
	ctx, cancel := context.WithCancel(ctx)
	ffmpeg := utils.NewFFmpegCmd(ctx, path)
	var stderrBuf bytes.Buffer
	ffmpeg.Stderr = &stderrBuf

	out, err := ffmpeg.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create ffmpeg stdout pipe: %w", err)
	}
	if err := ffmpeg.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &VideoSource{
		fps:    fps,
		mid:    measurementID,
		tasks:  make(chan types.FrameTask, 4),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.split(ctx, ffmpeg, out, &stderrBuf)
	return s, nil
}

func (s *VideoSource) split(ctx context.Context, ffmpeg *exec.Cmd, out io.Reader, stderr *bytes.Buffer) {
	defer close(s.done)
	defer close(s.tasks)

	scanner := bufio.NewScanner(out)
	scanner.Buffer(make([]byte, megabyte), 64*megabyte)
	scanner.Split(utils.SplitJpeg)

	index := 0
	for scanner.Scan() {
		buf := frameBufferPool.Get().([]byte)
		if cap(buf) < len(scanner.Bytes()) {
			buf = make([]byte, len(scanner.Bytes()))
		}
		buf = buf[:len(scanner.Bytes())]
		copy(buf, scanner.Bytes())

		select {
		case s.tasks <- types.FrameTask{Index: index, Data: buf}:
			index++
		case <-ctx.Done():
			frameBufferPool.Put(buf)
			s.err = ctx.Err()
			io.Copy(io.Discard, out)
			ffmpeg.Wait()
			return
		}
	}
	scanErr := scanner.Err()
	// Drain so ffmpeg never blocks on a full pipe.
	io.Copy(io.Discard, out)
	waitErr := ffmpeg.Wait()

	switch {
	case ctx.Err() != nil:
		s.err = ctx.Err()
	case scanErr != nil:
		s.err = fmt.Errorf("frame scanner failed: %w", scanErr)
	case waitErr != nil:
		s.err = fmt.Errorf("ffmpeg execution failed: %w: %s", waitErr, bytes.TrimSpace(stderr.Bytes()))
	}
}

func (s *VideoSource) Next(ctx context.Context) (Frame, error) {
	var task types.FrameTask
	var ok bool
	select {
	case task, ok = <-s.tasks:
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
	if !ok {
		<-s.done
		if s.err != nil {
			return Frame{}, s.err
		}
		return Frame{}, io.EOF
	}

	img, err := jpeg.Decode(bytes.NewReader(task.Data))
	frameBufferPool.Put(task.Data[:0])
	if err != nil {
		return Frame{}, &FrameError{Index: task.Index, Err: err}
	}
	return Frame{
		Index:         task.Index,
		Image:         img,
		Timestamp:     float64(task.Index) / s.fps,
		MeasurementID: s.mid,
	}, nil
}

// Close stops ffmpeg and waits for the splitter to exit.
func (s *VideoSource) Close() error {
	s.cancel()
	for task := range s.tasks {
		frameBufferPool.Put(task.Data[:0])
	}
	<-s.done
	return nil
}

// FrameWriter receives annotated frames.
type FrameWriter interface {
	WriteFrame(img image.Image) error
	Close() error
}

// EncoderWriter pipes JPEG frames into an ffmpeg MPEG-4 encoder.
type EncoderWriter struct {
	cmd   *utils.SafeCommand
	stdin io.WriteCloser
}

// NewEncoderWriter starts an encoder writing to path at fps.
func NewEncoderWriter(ctx context.Context, path string, fps float64) (FrameWriter, error) {
	enc := utils.NewFFmpegEncoder(ctx, path, fps)
	var stderr bytes.Buffer
	enc.Stderr = &stderr
	sc := &utils.SafeCommand{Cmd: enc, Stderr: &stderr}

	stdin, err := enc.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create encoder stdin pipe: %w", err)
	}
	if err := enc.Start(); err != nil {
		return nil, fmt.Errorf("start encoder: %w", err)
	}
	return &EncoderWriter{cmd: sc, stdin: stdin}, nil
}

func (w *EncoderWriter) WriteFrame(img image.Image) error {
	if err := jpeg.Encode(w.stdin, img, &jpeg.Options{Quality: EncodeQuality}); err != nil {
		return fmt.Errorf("write frame to encoder: %w", err)
	}
	return nil
}

// Close flushes the encoder and waits for ffmpeg to finalize the file.
func (w *EncoderWriter) Close() error {
	w.stdin.Close()
	if err := w.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder failed: %w: %s", err, bytes.TrimSpace(w.cmd.Stderr.Bytes()))
	}
	return nil
}
