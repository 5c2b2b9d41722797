package session

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// OverlayQuality is the JPEG quality of live overlays.
const OverlayQuality = 72

// MaxMessageBytes caps one inbound socket message. Frames are JPEG data URLs.
const MaxMessageBytes = 8 << 20

// Message is the JSON envelope exchanged over the live socket.
type Message struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`

	// client -> server
	MeasurementID string `json:"mid,omitempty"`
	Data          string `json:"data,omitempty"`
	Box           []int  `json:"box,omitempty"`
}

// Metrics is the per-frame reply sent to live clients.
type Metrics struct {
	Type        string  `json:"type"`
	BPM         float64 `json:"bpm"`
	Confidence  float64 `json:"confidence"`
	SignalValue float64 `json:"signal_value"`
	Overlay     *string `json:"overlay"`
	TS          float64 `json:"ts"`
}

// Conn is the part of *websocket.Conn used by live sessions.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
}

// LiveSource reads frame messages from a socket. Timestamps are arrival
// times relative to the first message.
type LiveSource struct {
	conn  Conn
	now   func() time.Time
	start time.Time
	mid   string
	index int
}

func NewLiveSource(conn Conn) *LiveSource {
	return &LiveSource{conn: conn, now: time.Now}
}

// MeasurementID returns the measurement bound by the last start message.
func (s *LiveSource) MeasurementID() string { return s.mid }

func (s *LiveSource) Next(ctx context.Context) (Frame, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Frame{}, err
		}
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				return Frame{}, io.EOF
			}
			return Frame{}, fmt.Errorf("read socket: %w", err)
		}
		arrived := s.now()
		if s.start.IsZero() {
			s.start = arrived
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.index++
			return Frame{}, &FrameError{Index: s.index - 1, Err: fmt.Errorf("invalid message: %w", err)}
		}
		switch msg.Type {
		case "start":
			s.mid = msg.MeasurementID
			if err := writeJSON(s.conn, Message{Type: "status", Message: "stream_started"}); err != nil {
				return Frame{}, err
			}
		case "frame":
			idx := s.index
			s.index++
			img, err := DecodeImage(msg.Data)
			if err != nil {
				return Frame{}, &FrameError{Index: idx, Err: err}
			}
			f := Frame{
				Index:         idx,
				Image:         img,
				Timestamp:     arrived.Sub(s.start).Seconds(),
				MeasurementID: s.mid,
			}
			if len(msg.Box) == 4 && msg.Box[2] > 0 && msg.Box[3] > 0 {
				b := image.Rect(msg.Box[0], msg.Box[1], msg.Box[0]+msg.Box[2], msg.Box[1]+msg.Box[3])
				f.Box = &b
			}
			return f, nil
		}
	}
}

// LiveSink writes metrics replies, with an annotated overlay when a face
// was found.
type LiveSink struct {
	conn     Conn
	Overlays bool
}

func NewLiveSink(conn Conn) *LiveSink {
	return &LiveSink{conn: conn, Overlays: true}
}

func (s *LiveSink) Emit(_ context.Context, r Result) error {
	m := Metrics{
		Type:        "metrics",
		BPM:         r.BPM,
		Confidence:  r.Confidence,
		SignalValue: r.Value,
		TS:          float64(r.At.UnixNano()) / 1e9,
	}
	if s.Overlays && r.Found {
		url, err := EncodeDataURL(Annotate(r))
		if err != nil {
			return err
		}
		m.Overlay = &url
	}
	return writeJSON(s.conn, m)
}

func (s *LiveSink) Reject(_ context.Context, fe *FrameError) error {
	return writeJSON(s.conn, Message{Type: "log", Message: fe.Error()})
}

// SendError reports a fatal session error to the client.
func SendError(conn Conn, err error) error {
	return writeJSON(conn, Message{Type: "error", Message: err.Error()})
}

func writeJSON(conn Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("write socket: %w", err)
	}
	return nil
}

var errEmptyFrame = errors.New("empty frame data")

// DecodeImage accepts a data URL or bare base64 JPEG/PNG payload.
func DecodeImage(data string) (image.Image, error) {
	if data == "" {
		return nil, errEmptyFrame
	}
	if strings.HasPrefix(data, "data:") {
		if i := strings.IndexByte(data, ','); i >= 0 {
			data = data[i+1:]
		}
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("decode base64: %w", err)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	return img, nil
}

// EncodeDataURL encodes img as a JPEG data URL.
func EncodeDataURL(img image.Image) (string, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: OverlayQuality}); err != nil {
		return "", err
	}
	return "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
