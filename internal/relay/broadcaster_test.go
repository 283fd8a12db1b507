package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gocv.io/x/gocv"

	"github.com/LucaChen/stream-client/internal/camera"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/pkg/types"
)

// fakeCamera produces small solid frames until failAfter frames have been read.
type fakeCamera struct {
	mu        sync.Mutex
	opened    bool
	closed    bool
	seq       uint64
	failAfter uint64 // 0 never fails
	interval  time.Duration
	reads     atomic.Int64
}

var errCameraGone = errors.New("camera unplugged")

func (c *fakeCamera) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = true
	return nil
}

func (c *fakeCamera) Next(ctx context.Context) (*types.Frame, error) {
	c.mu.Lock()
	if !c.opened {
		c.mu.Unlock()
		return nil, camera.ErrClosed
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	if c.failAfter > 0 && seq > c.failAfter {
		return nil, errCameraGone
	}
	if c.interval > 0 {
		select {
		case <-time.After(c.interval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.reads.Add(1)
	img := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 200, 0), 48, 64, gocv.MatTypeCV8UC3)
	return types.NewFrame(img, seq, time.Now()), nil
}

func (c *fakeCamera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opened = false
	c.closed = true
	return nil
}

func startBroadcaster(t *testing.T, cam *fakeCamera, m *metrics.Metrics) (*FrameBroadcaster, context.CancelFunc, <-chan error) {
	t.Helper()
	fb := NewFrameBroadcaster(cam, m)
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- fb.Run(ctx) }()
	t.Cleanup(cancel)
	return fb, cancel, errCh
}

func TestBroadcasterIdlesWithoutClients(t *testing.T) {
	cam := &fakeCamera{interval: time.Millisecond}
	fb, _, _ := startBroadcaster(t, cam, nil)

	time.Sleep(50 * time.Millisecond)
	if n := cam.reads.Load(); n != 0 {
		t.Fatalf("camera read %d frames with no clients", n)
	}
	if fb.Opened() {
		t.Fatalf("camera should open lazily")
	}

	f, err := fb.Frame(context.Background())
	if err != nil {
		t.Fatalf("Frame: %v", err)
	}
	defer f.Close()
	if f.Size().X != 64 {
		t.Fatalf("unexpected frame size %v", f.Size())
	}
	if !fb.Opened() {
		t.Fatalf("camera should be open after the first subscriber")
	}
}

func TestBroadcasterFansOutClones(t *testing.T) {
	cam := &fakeCamera{interval: 2 * time.Millisecond}
	fb, _, _ := startBroadcaster(t, cam, nil)

	a, b := fb.Subscribe(), fb.Subscribe()
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	fa, err := a.Next(ctx)
	if err != nil {
		t.Fatalf("a.Next: %v", err)
	}
	defer fa.Close()
	fbr, err := b.Next(ctx)
	if err != nil {
		t.Fatalf("b.Next: %v", err)
	}
	defer fbr.Close()

	if fa.Image.Ptr() == fbr.Image.Ptr() {
		t.Fatalf("subscribers must receive independent clones")
	}
	if jpg, err := fa.JPEG(); err != nil || len(jpg) == 0 {
		t.Fatalf("frames arrive pre-encoded: %v", err)
	}
}

func TestSlowSubscriberDropsFrames(t *testing.T) {
	m := metrics.New()
	cam := &fakeCamera{}
	fb, _, _ := startBroadcaster(t, cam, m)

	sub := fb.Subscribe()
	defer sub.Close()

	deadline := time.Now().Add(2 * time.Second)
	for m.FramesDropped.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if m.FramesDropped.Load() == 0 {
		t.Fatalf("expected drops for a subscriber that never reads")
	}
	if len(sub.C()) != subscriberBuffer {
		t.Fatalf("buffer should be full, got %d", len(sub.C()))
	}
}

func TestCameraFailureClosesSubscriptions(t *testing.T) {
	cam := &fakeCamera{failAfter: 3}
	fb, _, errCh := startBroadcaster(t, cam, nil)

	sub := fb.Subscribe()
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var err error
	for err == nil {
		var f *types.Frame
		f, err = sub.Next(ctx)
		if f != nil {
			f.Close()
		}
	}
	if !errors.Is(err, errCameraGone) {
		t.Fatalf("subscription error = %v, want camera error", err)
	}

	select {
	case runErr := <-errCh:
		if !errors.Is(runErr, errCameraGone) {
			t.Fatalf("Run error = %v", runErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return")
	}

	if !cam.closed {
		t.Fatalf("camera should be closed after failure")
	}
	late := fb.Subscribe()
	if _, err := late.Next(context.Background()); !errors.Is(err, errCameraGone) {
		t.Fatalf("late subscriber error = %v", err)
	}
}

func TestCancelStopsBroadcaster(t *testing.T) {
	cam := &fakeCamera{interval: time.Millisecond}
	fb, cancel, errCh := startBroadcaster(t, cam, nil)
	sub := fb.Subscribe()
	defer sub.Close()

	cancel()
	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not stop")
	}
	<-fb.Done()
	if !errors.Is(fb.Err(), ErrStopped) {
		t.Fatalf("Err = %v, want ErrStopped", fb.Err())
	}
}
