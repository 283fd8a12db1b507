package vision

import (
	"errors"
	"fmt"
	"image"

	"gocv.io/x/gocv"
)

// ErrTrackerInit is returned when the MIL tracker rejects its initial box.
var ErrTrackerInit = errors.New("vision: tracker init failed")

// MILTracker follows one bounding box across frames.
type MILTracker struct {
	t gocv.Tracker
}

// NewMILTracker creates a fresh MIL tracker.
func NewMILTracker() *MILTracker {
	return &MILTracker{t: gocv.NewTrackerMIL()}
}

// Init starts tracking box in frame.
func (m *MILTracker) Init(frame gocv.Mat, box image.Rectangle) error {
	if box.Empty() {
		return fmt.Errorf("%w: empty box %v", ErrTrackerInit, box)
	}
	if !box.In(image.Rect(0, 0, frame.Cols(), frame.Rows())) {
		return fmt.Errorf("%w: box %v outside %dx%d frame", ErrTrackerInit, box, frame.Cols(), frame.Rows())
	}
	if !m.t.Init(frame, box) {
		return fmt.Errorf("%w: box %v", ErrTrackerInit, box)
	}
	return nil
}

// Update locates the box in the next frame.
func (m *MILTracker) Update(frame gocv.Mat) (image.Rectangle, bool) {
	return m.t.Update(frame)
}

// Close releases the native tracker.
func (m *MILTracker) Close() error {
	return m.t.Close()
}
