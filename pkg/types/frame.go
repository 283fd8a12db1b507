package types

import (
	"fmt"
	"image"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

// Frame is a single BGR camera image with capture metadata.
// The owner must call Close once the frame is no longer needed.
type Frame struct {
	Image     gocv.Mat  // 8-bit BGR pixels (rows x cols x 3)
	Timestamp time.Time // Capture timestamp
	Seq       uint64    // Sequential frame number assigned by the source

	mu   sync.Mutex
	jpeg []byte // Lazily encoded JPEG, immutable once set
}

// NewFrame wraps an already decoded image.
func NewFrame(img gocv.Mat, seq uint64, ts time.Time) *Frame {
	return &Frame{Image: img, Seq: seq, Timestamp: ts}
}

// NewFrameFromJPEG decodes JPEG data into a frame and keeps the original bytes.
func NewFrameFromJPEG(data []byte, seq uint64, ts time.Time) (*Frame, error) {
	img, err := gocv.IMDecode(data, gocv.IMReadColor)
	if err != nil {
		return nil, fmt.Errorf("decode jpeg: %w", err)
	}
	if img.Empty() {
		img.Close()
		return nil, fmt.Errorf("decode jpeg: empty image (%d bytes)", len(data))
	}
	return &Frame{Image: img, Seq: seq, Timestamp: ts, jpeg: data}, nil
}

// JPEG returns the frame encoded as JPEG, encoding it on first use.
func (f *Frame) JPEG() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.jpeg != nil {
		return f.jpeg, nil
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, f.Image)
	if err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}
	defer buf.Close()

	f.jpeg = append([]byte(nil), buf.GetBytes()...)
	return f.jpeg, nil
}

// Size returns the frame dimensions.
func (f *Frame) Size() image.Point {
	return image.Pt(f.Image.Cols(), f.Image.Rows())
}

// Clone deep-copies the pixels. Encoded JPEG bytes are shared.
func (f *Frame) Clone() *Frame {
	f.mu.Lock()
	data := f.jpeg
	f.mu.Unlock()

	return &Frame{
		Image:     f.Image.Clone(),
		Timestamp: f.Timestamp,
		Seq:       f.Seq,
		jpeg:      data,
	}
}

// Close releases the native image memory.
func (f *Frame) Close() error {
	if f == nil {
		return nil
	}
	return f.Image.Close()
}
