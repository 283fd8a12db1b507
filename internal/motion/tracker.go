// Package motion implements the background motion tracker: it calibrates a
// background model, searches for motion by background subtraction, follows the
// largest moving region with a visual tracker and persists rate-limited snapshots.
package motion

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"gocv.io/x/gocv"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/vision"
	"github.com/LucaChen/stream-client/pkg/types"
)

// State is the tracker's search state.
type State int

const (
	Searching State = iota
	Tracking
)

func (s State) String() string {
	switch s {
	case Searching:
		return "searching"
	case Tracking:
		return "tracking"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the tracker tunables.
type Config struct {
	IdleResetThreshold int           // Tracking iterations before recalibrating
	Cooldown           time.Duration // Minimum time between persisted snapshots
	MinArea            float64       // Contour area that counts as motion
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		IdleResetThreshold: 100,
		Cooldown:           10 * time.Second,
		MinArea:            1100,
	}
}

// Source produces frames. camera.Source and relay subscriptions satisfy it.
type Source interface {
	Next(ctx context.Context) (*types.Frame, error)
}

// Detector preprocesses frames and finds motion regions against a background.
type Detector interface {
	Prepare(frame gocv.Mat) gocv.Mat
	Regions(background, current gocv.Mat) []vision.Region
}

// VisualTracker follows one box across frames.
type VisualTracker interface {
	Init(frame gocv.Mat, box image.Rectangle) error
	Update(frame gocv.Mat) (image.Rectangle, bool)
	Close() error
}

// SnapshotSink persists a whole frame and returns the stored file name.
type SnapshotSink interface {
	Save(frame *types.Frame, at time.Time, box image.Rectangle) (string, error)
}

// Options configures a Tracker.
type Options struct {
	Config     Config
	Detector   Detector             // Defaults to vision.Detector
	NewTracker func() VisualTracker // Defaults to a MIL tracker
	Sink       SnapshotSink         // Required
	Clock      clock.Clock          // Defaults to the wall clock
	Metrics    *metrics.Metrics     // Optional
	OnEvent    func(Event)          // Optional, called on the loop goroutine
}

// Tracker is a single-goroutine polling state machine. Only Status may be called
// concurrently with Run or Step.
type Tracker struct {
	cfg        Config
	detector   Detector
	newTracker func() VisualTracker
	sink       SnapshotSink
	clock      clock.Clock
	metrics    *metrics.Metrics
	onEvent    func(Event)

	// Loop state, owned by the goroutine calling Step.
	state        State
	idle         int
	background   *gocv.Mat
	tracker      VisualTracker
	box          image.Rectangle
	hasBox       bool
	lastRecorded time.Time

	statusMu sync.Mutex
	status   Status
}

// New creates a tracker in the Searching state with no background.
func New(opts Options) *Tracker {
	if opts.Detector == nil {
		opts.Detector = vision.Detector{}
	}
	if opts.NewTracker == nil {
		opts.NewTracker = func() VisualTracker { return vision.NewMILTracker() }
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Config.IdleResetThreshold <= 0 {
		opts.Config.IdleResetThreshold = DefaultConfig().IdleResetThreshold
	}

	t := &Tracker{
		cfg:        opts.Config,
		detector:   opts.Detector,
		newTracker: opts.NewTracker,
		sink:       opts.Sink,
		clock:      opts.Clock,
		metrics:    opts.Metrics,
		onEvent:    opts.OnEvent,
	}
	t.status.State = Searching.String()
	return t
}

// Run pulls frames from src until it fails or ctx is cancelled.
func (t *Tracker) Run(ctx context.Context, src Source) error {
	logger.Info("Motion", "Tracker started (idle reset %d, cooldown %s, min area %.0f)",
		t.cfg.IdleResetThreshold, t.cfg.Cooldown, t.cfg.MinArea)
	defer t.Close()

	for {
		frame, err := src.Next(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				logger.Info("Motion", "Tracker stopped")
				return ctxErr
			}
			logger.Error("Motion", "Frame source failed: %v", err)
			return fmt.Errorf("motion: frame source: %w", err)
		}

		t.Step(frame)
		frame.Close()
	}
}

// Step runs one iteration on frame. The caller keeps ownership of frame.
func (t *Tracker) Step(frame *types.Frame) {
	start := t.clock.Now()
	defer func() {
		if t.metrics != nil {
			t.metrics.UpdateProcessLatency(t.clock.Since(start))
		}
		t.publishStatus(frame)
	}()

	gray := t.detector.Prepare(frame.Image)

	if t.background == nil {
		t.background = &gray
		logger.Debug("Motion", "Background calibrated on frame %d", frame.Seq)
		return
	}
	defer gray.Close()

	switch t.state {
	case Searching:
		t.search(frame, gray)
	case Tracking:
		t.track(frame)
	}

	if t.idle >= t.cfg.IdleResetThreshold {
		t.reset()
	}
}

func (t *Tracker) search(frame *types.Frame, gray gocv.Mat) {
	region, ok := vision.Largest(t.detector.Regions(*t.background, gray))
	if !ok || region.Area <= t.cfg.MinArea {
		return
	}

	tr := t.newTracker()
	if err := tr.Init(frame.Image, region.Rect); err != nil {
		logger.Warn("Motion", "Tracker init on %v failed: %v", region.Rect, err)
		tr.Close()
		if t.metrics != nil {
			t.metrics.TrackerInitFailures.Add(1)
		}
		return
	}

	t.tracker = tr
	t.box = region.Rect
	t.hasBox = true
	t.setState(Tracking)
	logger.Info("Motion", "Motion detected, tracking %v (area %.0f)", region.Rect, region.Area)
	t.emit(Event{Kind: EventTracking, Time: t.clock.Now(), Seq: frame.Seq, Box: region.Rect, Area: region.Area})
}

func (t *Tracker) track(frame *types.Frame) {
	t.idle++

	box, ok := t.tracker.Update(frame.Image)
	if !ok {
		t.hasBox = false
		logger.Debug("Motion", "Tracker lost target on frame %d", frame.Seq)
		return
	}
	t.box = box
	t.hasBox = true

	now := t.clock.Now()
	if !t.lastRecorded.IsZero() && now.Sub(t.lastRecorded) <= t.cfg.Cooldown {
		return
	}

	name, err := t.sink.Save(frame, now, box)
	if err != nil {
		logger.Error("Motion", "Snapshot write failed: %v", err)
		if t.metrics != nil {
			t.metrics.SnapshotsFailed.Add(1)
		}
		return
	}
	t.lastRecorded = now
	if t.metrics != nil {
		t.metrics.SnapshotsWritten.Add(1)
	}
	logger.Info("Motion", "Snapshot saved: %s", name)
	t.emit(Event{Kind: EventSnapshot, Time: now, Seq: frame.Seq, Box: box, Filename: name})
}

// reset discards the tracker and background so the next frame recalibrates.
func (t *Tracker) reset() {
	logger.Debug("Motion", "Idle for %d iterations, recalibrating", t.idle)
	t.closeResources()
	t.idle = 0
	t.hasBox = false
	t.box = image.Rectangle{}
	t.setState(Searching)
	if t.metrics != nil {
		t.metrics.TrackerResets.Add(1)
	}
	t.emit(Event{Kind: EventReset, Time: t.clock.Now()})
}

func (t *Tracker) setState(s State) {
	if t.state == s {
		return
	}
	t.state = s
	if t.metrics != nil {
		t.metrics.StateTransitions.Add(1)
		t.metrics.TrackerState.Store(uint64(s))
	}
}

func (t *Tracker) closeResources() {
	if t.tracker != nil {
		t.tracker.Close()
		t.tracker = nil
	}
	if t.background != nil {
		t.background.Close()
		t.background = nil
	}
}

func (t *Tracker) emit(e Event) {
	e.State = t.state.String()
	if t.onEvent != nil {
		t.onEvent(e)
	}
}

// Close releases the tracker and background model.
func (t *Tracker) Close() error {
	t.closeResources()
	return nil
}

// State returns the current state. Not safe for concurrent use with Step.
func (t *Tracker) State() State {
	return t.state
}

// Box returns the tracked box, valid only while tracking and after a successful update.
func (t *Tracker) Box() (image.Rectangle, bool) {
	return t.box, t.state == Tracking && t.hasBox
}
