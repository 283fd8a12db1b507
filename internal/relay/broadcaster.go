package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LucaChen/stream-client/internal/camera"
	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/pkg/types"
)

// ErrStopped is returned by subscriptions after the broadcaster has shut down.
var ErrStopped = errors.New("relay: frame broadcaster stopped")

// subscriberBuffer is the number of frames queued per subscriber before drops.
const subscriberBuffer = 2

// FrameBroadcaster owns the camera and fans cloned frames out to subscribers.
// While nobody is subscribed the camera is not read.
type FrameBroadcaster struct {
	src     camera.Source
	metrics *metrics.Metrics

	mu        sync.Mutex
	clients   map[int]*Subscription
	nextID    int
	opened    bool
	err       error
	wake      chan struct{}
	done      chan struct{}
	skipCount int
}

// NewFrameBroadcaster creates a broadcaster reading from src. m may be nil.
func NewFrameBroadcaster(src camera.Source, m *metrics.Metrics) *FrameBroadcaster {
	return &FrameBroadcaster{
		src:     src,
		metrics: m,
		clients: make(map[int]*Subscription),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Subscription receives frames from a FrameBroadcaster. Frames are clones owned
// by the receiver, which must Close them.
type Subscription struct {
	id int
	ch chan *types.Frame
	fb *FrameBroadcaster
}

// C returns the frame channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan *types.Frame {
	return s.ch
}

// Next blocks until a frame arrives, the broadcaster fails or ctx is done.
func (s *Subscription) Next(ctx context.Context) (*types.Frame, error) {
	select {
	case f, ok := <-s.ch:
		if !ok {
			if err := s.fb.Err(); err != nil {
				return nil, err
			}
			return nil, ErrStopped
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unsubscribes and releases any queued frames.
func (s *Subscription) Close() error {
	s.fb.unsubscribe(s)
	return nil
}

// Subscribe adds a new client. After the broadcaster has stopped the returned
// subscription is already closed.
func (fb *FrameBroadcaster) Subscribe() *Subscription {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	sub := &Subscription{
		id: fb.nextID,
		ch: make(chan *types.Frame, subscriberBuffer),
		fb: fb,
	}
	fb.nextID++

	if fb.err != nil {
		close(sub.ch)
		return sub
	}
	fb.clients[sub.id] = sub

	select {
	case fb.wake <- struct{}{}:
	default:
	}

	logger.Debug("FrameBroadcaster", "Client #%d subscribed (total clients: %d)", sub.id, len(fb.clients))
	return sub
}

func (fb *FrameBroadcaster) unsubscribe(sub *Subscription) {
	fb.mu.Lock()
	if _, ok := fb.clients[sub.id]; ok {
		delete(fb.clients, sub.id)
		close(sub.ch)
		logger.Debug("FrameBroadcaster", "Client #%d unsubscribed (remaining clients: %d)", sub.id, len(fb.clients))
		if len(fb.clients) == 0 {
			logger.Info("FrameBroadcaster", "No clients remaining, camera reads paused")
		}
	}
	fb.mu.Unlock()

	// Unregistered channels are always closed.
	for f := range sub.ch {
		f.Close()
	}
}

// Frame returns one fresh frame.
func (fb *FrameBroadcaster) Frame(ctx context.Context) (*types.Frame, error) {
	sub := fb.Subscribe()
	defer sub.Close()
	return sub.Next(ctx)
}

// Clients returns the number of subscribers.
func (fb *FrameBroadcaster) Clients() int {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return len(fb.clients)
}

// Opened reports whether the camera is open and has not failed.
func (fb *FrameBroadcaster) Opened() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.opened && fb.err == nil
}

// Err returns the error that stopped the broadcaster, or nil while it runs.
func (fb *FrameBroadcaster) Err() error {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.err
}

// Done is closed once the broadcaster has stopped.
func (fb *FrameBroadcaster) Done() <-chan struct{} {
	return fb.done
}

// Run reads the camera and broadcasts frames until ctx is cancelled or the
// camera fails. Either way every subscription is closed and the camera released.
func (fb *FrameBroadcaster) Run(ctx context.Context) error {
	err := fb.run(ctx)
	if cerr := fb.src.Close(); cerr != nil && !errors.Is(cerr, camera.ErrClosed) {
		logger.Warn("FrameBroadcaster", "Close camera: %v", cerr)
	}

	if ctx.Err() != nil {
		fb.finish(ErrStopped)
		return ctx.Err()
	}
	logger.Error("FrameBroadcaster", "Camera failed: %v", err)
	fb.finish(err)
	return err
}

func (fb *FrameBroadcaster) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if fb.Clients() == 0 {
			fb.skipCount++
			if fb.skipCount%10 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected, idle (%d cycles)", fb.skipCount)
			}
			select {
			case <-ctx.Done():
			case <-fb.wake:
			}
			continue
		}
		fb.skipCount = 0

		if !fb.isOpened() {
			if err := fb.src.Open(ctx); err != nil {
				return fmt.Errorf("relay: open camera: %w", err)
			}
			fb.mu.Lock()
			fb.opened = true
			fb.mu.Unlock()
			logger.Info("FrameBroadcaster", "Camera opened")
		}

		frame, err := fb.src.Next(ctx)
		if err != nil {
			return fmt.Errorf("relay: read camera: %w", err)
		}
		fb.broadcast(frame)
		frame.Close()
	}
}

func (fb *FrameBroadcaster) isOpened() bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.opened
}

func (fb *FrameBroadcaster) broadcast(frame *types.Frame) {
	// Encode once so every clone shares the bytes.
	if _, err := frame.JPEG(); err != nil {
		logger.Warn("FrameBroadcaster", "Frame %d: %v", frame.Seq, err)
	}
	if fb.metrics != nil {
		fb.metrics.UpdateFrameLatency(frame.Timestamp)
	}

	fb.mu.Lock()
	defer fb.mu.Unlock()

	for _, sub := range fb.clients {
		clone := frame.Clone()
		select {
		case sub.ch <- clone:
		default:
			clone.Close()
			if fb.metrics != nil {
				fb.metrics.FramesDropped.Add(1)
			}
		}
	}
}

func (fb *FrameBroadcaster) finish(err error) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if fb.err != nil {
		return
	}
	fb.err = err
	fb.opened = false
	for id, sub := range fb.clients {
		delete(fb.clients, id)
		close(sub.ch)
	}
	close(fb.done)
}
