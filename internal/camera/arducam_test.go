package camera

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePort replays scripted replies to each command byte it receives. An empty
// input buffer reads as an expired timeout, like a real serial port.
type fakePort struct {
	mu       sync.Mutex
	in       bytes.Buffer
	written  []byte
	replies  map[byte][][]byte
	timeouts []time.Duration
	resets   int
	closed   bool
	closeErr error
}

func newFakePort(banner string) *fakePort {
	p := &fakePort{replies: map[byte][][]byte{}}
	p.in.WriteString(banner)
	return p
}

func (p *fakePort) reply(cmd byte, data ...[]byte) {
	p.replies[cmd] = append(p.replies[cmd], data...)
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.in.Len() == 0 {
		return 0, nil
	}
	return p.in.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.written = append(p.written, b...)
	for _, cmd := range b {
		if queue := p.replies[cmd]; len(queue) > 0 {
			p.in.Write(queue[0])
			p.replies[cmd] = queue[1:]
		}
	}
	return len(b), nil
}

func (p *fakePort) SetReadTimeout(t time.Duration) error {
	p.timeouts = append(p.timeouts, t)
	return nil
}

func (p *fakePort) ResetInputBuffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resets++
	p.in.Reset()
	return nil
}

func (p *fakePort) Close() error {
	p.closed = true
	return p.closeErr
}

var testJPEG = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0xFF, 0x00, 0xFF, 0xD9}

func shot(junk ...byte) []byte {
	var b bytes.Buffer
	b.WriteString(ackSingleShot + "\r\n")
	b.WriteString(ackCaptureDone + "\r\n")
	b.WriteString(ackImage + "\r\n")
	b.Write(junk)
	b.Write(testJPEG)
	return b.Bytes()
}

func newTestArduCam(port *fakePort) *ArduCam {
	a := NewArduCam("/dev/ttyTEST", 0)
	a.settle = 0
	a.openPort = func(path string, baud int) (Port, error) {
		return port, nil
	}
	return a
}

func TestArduCamOpenHandshake(t *testing.T) {
	port := newFakePort(ackSPI + "\r\n")
	port.reply(cmdSet640x480, []byte(ackResolution+"\r\n"))
	cam := newTestArduCam(port)

	require.NoError(t, cam.Open(context.Background()))
	assert.Equal(t, []byte{cmdSet640x480}, port.written)
	assert.Equal(t, []time.Duration{handshakeTimeout, readTimeout}, port.timeouts)
	assert.Equal(t, defaultBaudRate, cam.baud)
}

func TestArduCamOpenFlushesUnknownBanner(t *testing.T) {
	port := newFakePort("garbage\r\n")
	port.reply(cmdSet640x480, []byte(ackResolution+"\r\n"))
	cam := newTestArduCam(port)

	require.NoError(t, cam.Open(context.Background()))
	assert.Equal(t, 1, port.resets)
}

func TestArduCamOpenResendsResolutionCommand(t *testing.T) {
	port := newFakePort("")
	port.reply(cmdSet640x480, nil, []byte(ackResolution+"\r\n"))
	cam := newTestArduCam(port)

	require.NoError(t, cam.Open(context.Background()))
	assert.Equal(t, []byte{cmdSet640x480, cmdSet640x480}, port.written)
}

func TestArduCamOpenRejectsWrongAck(t *testing.T) {
	port := newFakePort("")
	port.reply(cmdSet640x480, []byte("ACK CMD switch to OV2640_320x240\r\n"))
	cam := newTestArduCam(port)

	err := cam.Open(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUnexpectedLine))
	assert.True(t, port.closed, "port must be closed after a failed handshake")
}

func TestArduCamCaptureReadsJPEG(t *testing.T) {
	port := newFakePort("")
	port.reply(cmdSet640x480, []byte(ackResolution+"\r\n"))
	port.reply(cmdTakePicture, shot(0x00, 0x13, 0x37))
	cam := newTestArduCam(port)
	require.NoError(t, cam.Open(context.Background()))

	data, err := cam.capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testJPEG, data)
}

func TestArduCamCaptureRetriesAfterUnexpectedLine(t *testing.T) {
	port := newFakePort("")
	port.reply(cmdSet640x480, []byte(ackResolution+"\r\n"))
	port.reply(cmdTakePicture, []byte("ACK CMD something else\r\n"), shot())
	cam := newTestArduCam(port)
	require.NoError(t, cam.Open(context.Background()))

	data, err := cam.capture(context.Background())
	require.NoError(t, err)
	assert.Equal(t, testJPEG, data)
	assert.Equal(t, 1, port.resets)
	assert.Equal(t, []byte{cmdSet640x480, cmdTakePicture, cmdTakePicture}, port.written)
}

func TestArduCamCaptureGivesUp(t *testing.T) {
	port := newFakePort("")
	port.reply(cmdSet640x480, []byte(ackResolution+"\r\n"))
	cam := newTestArduCam(port)
	require.NoError(t, cam.Open(context.Background()))

	_, err := cam.capture(context.Background())
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.Equal(t, maxShotAttempts, bytes.Count(port.written, []byte{cmdTakePicture}))
}

func TestArduCamNextBeforeOpen(t *testing.T) {
	cam := newTestArduCam(newFakePort(""))
	_, err := cam.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}

func TestArduCamCloseSendsShutdown(t *testing.T) {
	port := newFakePort("")
	port.reply(cmdSet640x480, []byte(ackResolution+"\r\n"))
	cam := newTestArduCam(port)
	require.NoError(t, cam.Open(context.Background()))

	require.NoError(t, cam.Close())
	assert.True(t, port.closed)
	assert.Equal(t, []byte{cmdShutdown, cmdShutdown}, port.written[len(port.written)-2:])
	assert.NoError(t, cam.Close(), "second close is a no-op")
}
