package camera

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.bug.st/serial"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/pkg/types"
)

// ArduCam serial commands.
const (
	cmdSet640x480   byte = 4
	cmdTakePicture  byte = 16
	cmdShutdown     byte = 0
	defaultBaudRate      = 921600
)

// ArduCam responses, without the trailing CRLF.
const (
	ackStart        = "ACK CMD ArduCAM Start!"
	ackSPI          = "ACK CMD SPI interface OK."
	ackSensor       = "ACK CMD OV2640 detected."
	ackResolution   = "ACK CMD switch to OV2640_640x480"
	ackSingleShot   = "ACK CMD CAM start single shot."
	ackCaptureDone  = "ACK CMD CAM Capture Done."
	ackImage        = "ACK IMG"
	maxImageBytes   = 4 << 20
	maxShotAttempts = 5
)

const (
	handshakeTimeout = 300 * time.Millisecond
	readTimeout      = 2 * time.Second
	settleDelay      = 300 * time.Millisecond
)

var (
	errReadTimeout    = errors.New("serial read timeout")
	errUnexpectedLine = errors.New("unexpected response")
)

// Port is the subset of a serial port the ArduCam driver needs.
// go.bug.st/serial ports satisfy it.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// PortOpener opens a serial port.
type PortOpener func(path string, baud int) (Port, error)

func openSerialPort(path string, baud int) (Port, error) {
	p, err := serial.Open(path, &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ArduCam drives an ArduCam Mini OV2640 running the USB host sketch. Every Next
// triggers a single shot and reads the JPEG the board streams back.
type ArduCam struct {
	path     string
	baud     int
	openPort PortOpener
	clock    clock.Clock
	settle   time.Duration

	mu   sync.Mutex
	port Port
	r    *bufio.Reader
	seq  uint64
}

// NewArduCam returns a source for the ArduCam attached to path.
func NewArduCam(path string, baud int) *ArduCam {
	if baud <= 0 {
		baud = defaultBaudRate
	}
	return &ArduCam{
		path:     path,
		baud:     baud,
		openPort: openSerialPort,
		clock:    clock.New(),
		settle:   settleDelay,
	}
}

// Open opens the port, consumes the boot banner and switches to 640x480.
func (a *ArduCam) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port != nil {
		return nil
	}

	port, err := a.openPort(a.path, a.baud)
	if err != nil {
		return fmt.Errorf("camera: open serial %s: %w", a.path, err)
	}
	logger.Info("ArduCam", "Serial port %s open at %d baud", a.path, a.baud)

	if err := a.handshake(port); err != nil {
		port.Close()
		return fmt.Errorf("camera: arducam %s: %w", a.path, err)
	}
	if err := port.SetReadTimeout(readTimeout); err != nil {
		port.Close()
		return fmt.Errorf("camera: arducam %s: set read timeout: %w", a.path, err)
	}
	a.port = port
	return nil
}

func (a *ArduCam) handshake(port Port) error {
	if a.settle > 0 {
		a.clock.Sleep(a.settle)
	}
	if err := port.SetReadTimeout(handshakeTimeout); err != nil {
		return fmt.Errorf("set read timeout: %w", err)
	}
	a.r = bufio.NewReader(timeoutReader{port})

	line, err := readLine(a.r)
	switch {
	case errors.Is(err, errReadTimeout):
		// Board was already running; no banner.
	case err != nil:
		return err
	case line == ackStart || line == ackSPI || line == ackSensor:
		logger.Info("ArduCam", ">>> %s", line)
	default:
		logger.Info("ArduCam", "Could not match %q, flushing the input buffer", line)
		if err := a.resetInput(port); err != nil {
			return err
		}
	}

	// The first resolution command is sometimes swallowed during boot.
	for attempt := 0; attempt < 2; attempt++ {
		if _, err := port.Write([]byte{cmdSet640x480}); err != nil {
			return fmt.Errorf("write resolution command: %w", err)
		}
		line, err = readLine(a.r)
		if errors.Is(err, errReadTimeout) {
			continue
		}
		if err != nil {
			return err
		}
		if line != ackResolution {
			return fmt.Errorf("%w: expected %q, got %q", errUnexpectedLine, ackResolution, line)
		}
		logger.Info("ArduCam", "Resolution switch acknowledged")
		return nil
	}
	return fmt.Errorf("no resolution acknowledgement: %w", errReadTimeout)
}

// Next triggers a single shot and decodes the returned JPEG.
func (a *ArduCam) Next(ctx context.Context) (*types.Frame, error) {
	data, err := a.capture(ctx)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.seq++
	seq := a.seq
	a.mu.Unlock()

	frame, err := types.NewFrameFromJPEG(data, seq, a.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("camera: arducam: %v: %w", err, ErrReadFailed)
	}
	return frame, nil
}

// capture returns the raw JPEG bytes of one shot.
func (a *ArduCam) capture(ctx context.Context) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return nil, ErrClosed
	}

	var lastErr error
	for attempt := 0; attempt < maxShotAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if _, err := a.port.Write([]byte{cmdTakePicture}); err != nil {
			return nil, fmt.Errorf("camera: arducam: write snap command: %v: %w", err, ErrReadFailed)
		}

		data, err := a.readShot()
		if err == nil {
			logger.Debug("ArduCam", "Snap command output consumed, got image of %d bytes", len(data))
			return data, nil
		}
		if !errors.Is(err, errReadTimeout) && !errors.Is(err, errUnexpectedLine) {
			return nil, fmt.Errorf("camera: arducam: %v: %w", err, ErrReadFailed)
		}

		lastErr = err
		logger.Info("ArduCam", "%v, resetting buffers and trying again", err)
		if err := a.resetInput(a.port); err != nil {
			return nil, fmt.Errorf("camera: arducam: %v: %w", err, ErrReadFailed)
		}
	}
	return nil, fmt.Errorf("camera: arducam: no image after %d attempts (%v): %w", maxShotAttempts, lastErr, ErrReadFailed)
}

func (a *ArduCam) readShot() ([]byte, error) {
	for {
		line, err := readLine(a.r)
		if err != nil {
			return nil, err
		}
		switch line {
		case ackSingleShot, ackCaptureDone:
			continue
		case ackImage:
			return readJPEG(a.r)
		default:
			return nil, fmt.Errorf("%w: %q", errUnexpectedLine, line)
		}
	}
}

func (a *ArduCam) resetInput(port Port) error {
	if err := port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("reset input buffer: %w", err)
	}
	a.r.Reset(timeoutReader{port})
	return nil
}

// Close sends the shutdown command and closes the port.
func (a *ArduCam) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.port == nil {
		return nil
	}
	_, _ = a.port.Write([]byte{cmdShutdown, cmdShutdown})
	err := a.port.Close()
	a.port = nil
	a.r = nil
	logger.Info("ArduCam", "Serial port closed")
	return err
}

// timeoutReader turns the (0, nil) read of an expired serial timeout into an error
// so buffered readers do not spin on it.
type timeoutReader struct {
	r io.Reader
}

func (t timeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n == 0 && err == nil {
		return 0, errReadTimeout
	}
	return n, err
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

var (
	jpegSOI = []byte{0xFF, 0xD8}
	jpegEOI = []byte{0xFF, 0xD9}
)

// readJPEG skips to the start-of-image marker and reads through end-of-image.
func readJPEG(r *bufio.Reader) ([]byte, error) {
	var prev byte
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("waiting for jpeg start: %w", err)
		}
		if prev == jpegSOI[0] && b == jpegSOI[1] {
			break
		}
		prev = b
	}

	buf := bytes.NewBuffer(append([]byte(nil), jpegSOI...))
	for buf.Len() < maxImageBytes {
		b, err := r.ReadByte()
		if err != nil {
			return nil, fmt.Errorf("reading jpeg after %d bytes: %w", buf.Len(), err)
		}
		buf.WriteByte(b)
		if bytes.HasSuffix(buf.Bytes(), jpegEOI) {
			return buf.Bytes(), nil
		}
	}
	return nil, fmt.Errorf("jpeg exceeds %d bytes", maxImageBytes)
}
