package worker

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"os"

	"github.com/andresmejia3/pulse/internal/detect"
	"github.com/andresmejia3/pulse/internal/types"
	"github.com/andresmejia3/pulse/internal/utils" // Using the SafeCommand wrapper
)

// DefaultScript is the face detector started by NewFaceWorker.
const DefaultScript = "python/face_worker.py"

// ErrWorkerDied wraps pipe failures. The worker that returned it must not be reused.
var ErrWorkerDied = errors.New("face worker died")

// maxFaces bounds the detection count accepted from the child process.
const maxFaces = 64

type FaceWorker struct {
	ID       int
	Cmd      *utils.SafeCommand
	Stdin    io.WriteCloser
	DataPipe io.ReadCloser
}

func NewFaceWorker(ctx context.Context, id int, script string) (*FaceWorker, error) {
	if script == "" {
		script = DefaultScript
	}
	// 1. Initialize the SafeCommand
	py := utils.NewSafeCommand(ctx, "python3", "-u", script)

	// Create a side-channel pipe (FD 3) for clean data transfer
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create pipe: %w", err)
	}
	// Pass the write-end to the child process. It will appear as FD 3.
	py.Cmd.ExtraFiles = []*os.File{w}

	stdin, err := py.StdinPipe()
	if err != nil {
		w.Close() // Prevent FD leak
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}

	if err := py.Start(); err != nil {
		w.Close() // Close write end if start fails
		r.Close() // Close read-end too!
		return nil, fmt.Errorf("worker %d failed to start: %w", id, err)
	}

	// Close the write-end in the parent so only the child holds it
	w.Close()

	return &FaceWorker{
		ID:       id,
		Cmd:      py,
		Stdin:    stdin,
		DataPipe: r,
	}, nil
}

// Communicate sends one length-prefixed request and reads one length-prefixed reply.
// Any failure here leaves the stream out of sync and is wrapped in ErrWorkerDied.
func (w *FaceWorker) Communicate(data []byte) ([]byte, error) {
	// Protocol: [Length][Data]
	if err := binary.Write(w.Stdin, binary.BigEndian, uint32(len(data))); err != nil {
		return nil, fmt.Errorf("%w: write header: %w", ErrWorkerDied, err)
	}
	if _, err := w.Stdin.Write(data); err != nil {
		return nil, fmt.Errorf("%w: write frame: %w", ErrWorkerDied, err)
	}

	// Read Result from the clean DataPipe, so no Magic Byte is needed.
	header := make([]byte, 4)
	if _, err := io.ReadFull(w.DataPipe, header); err != nil {
		return nil, fmt.Errorf("%w: read header: %w", ErrWorkerDied, err) // This is where we catch a crashed interpreter
	}

	respLen := binary.BigEndian.Uint32(header)
	respBody := make([]byte, respLen)
	if _, err := io.ReadFull(w.DataPipe, respBody); err != nil {
		return nil, fmt.Errorf("%w: read reply: %w", ErrWorkerDied, err)
	}
	return respBody, nil
}

// DetectFaces sends an encoded frame and decodes the reply.
// Reply: [Status:0][NumFaces uint32][NumFaces x Box int32{x,y,w,h}]
// or     [Status:1][MsgLen uint32][Msg]
func (w *FaceWorker) DetectFaces(frame []byte) ([]types.FaceBox, error) {
	resp, err := w.Communicate(frame)
	if err != nil {
		return nil, err
	}
	rd := bytes.NewReader(resp)

	status, err := rd.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("empty worker response: %w", err)
	}
	if status != 0 {
		var msgLen uint32
		if err := binary.Read(rd, binary.BigEndian, &msgLen); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		msg := make([]byte, msgLen)
		if _, err := io.ReadFull(rd, msg); err != nil {
			return nil, fmt.Errorf("malformed worker error: %w", err)
		}
		return nil, fmt.Errorf("python worker error: %s", msg)
	}

	var n uint32
	if err := binary.Read(rd, binary.BigEndian, &n); err != nil {
		return nil, fmt.Errorf("malformed face count: %w", err)
	}
	if n > maxFaces {
		return nil, fmt.Errorf("worker reported %d faces, limit is %d", n, maxFaces)
	}
	faces := make([]types.FaceBox, n)
	if err := binary.Read(rd, binary.BigEndian, faces); err != nil {
		return nil, fmt.Errorf("malformed face boxes: %w", err)
	}
	return faces, nil
}

// Locate encodes frame as JPEG and returns the skin region of the largest face.
func (w *FaceWorker) Locate(frame image.Image) (image.Rectangle, bool, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: 90}); err != nil {
		return image.Rectangle{}, false, fmt.Errorf("encode frame: %w", err)
	}
	faces, err := w.DetectFaces(buf.Bytes())
	if err != nil {
		return image.Rectangle{}, false, err
	}

	origin := frame.Bounds().Min
	boxes := make([]image.Rectangle, 0, len(faces))
	for _, f := range faces {
		boxes = append(boxes, image.Rect(int(f.X), int(f.Y), int(f.X+f.W), int(f.Y+f.H)).Add(origin))
	}
	face, ok := detect.Largest(boxes)
	if !ok {
		return image.Rectangle{}, false, nil
	}
	return detect.SkinRegion(face).Intersect(frame.Bounds()), true, nil
}

func (w *FaceWorker) Close() {
	w.Stdin.Close()
	w.DataPipe.Close()
	if w.Cmd != nil {
		w.Cmd.Wait()
	}
}
