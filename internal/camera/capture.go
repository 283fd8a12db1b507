package camera

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/pkg/types"
)

// Capture reads frames through an OpenCV VideoCapture.
type Capture struct {
	name  string
	open  func() (*gocv.VideoCapture, error)
	clock clock.Clock

	mu  sync.Mutex
	vc  *gocv.VideoCapture
	seq uint64
}

// NewDevice returns a source for the capture device with the given index.
func NewDevice(id int) *Capture {
	return &Capture{
		name:  "device " + strconv.Itoa(id),
		open:  func() (*gocv.VideoCapture, error) { return gocv.VideoCaptureDevice(id) },
		clock: clock.New(),
	}
}

// NewFile returns a source for a video file or stream URL.
func NewFile(path string) *Capture {
	return &Capture{
		name:  path,
		open:  func() (*gocv.VideoCapture, error) { return gocv.VideoCaptureFile(path) },
		clock: clock.New(),
	}
}

// Open opens the underlying capture. Opening an open source is a no-op.
func (c *Capture) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc != nil {
		return nil
	}
	vc, err := c.open()
	if err != nil {
		return fmt.Errorf("camera: open %s: %w", c.name, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return fmt.Errorf("camera: open %s: %w", c.name, ErrReadFailed)
	}
	c.vc = vc
	logger.Info("Camera", "Opened %s", c.name)
	return nil
}

// Next reads the next frame.
func (c *Capture) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil, ErrClosed
	}

	img := gocv.NewMat()
	if ok := c.vc.Read(&img); !ok || img.Empty() {
		img.Close()
		return nil, fmt.Errorf("camera: %s: %w", c.name, ErrReadFailed)
	}
	c.seq++
	return types.NewFrame(img, c.seq, c.clock.Now()), nil
}

// Close releases the capture.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.vc == nil {
		return nil
	}
	err := c.vc.Close()
	c.vc = nil
	logger.Info("Camera", "Closed %s", c.name)
	return err
}

func (c *Capture) String() string {
	return c.name
}
