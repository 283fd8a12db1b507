package motion

import (
	"image"
	"time"

	"github.com/LucaChen/stream-client/pkg/types"
)

// EventKind identifies a tracker event.
type EventKind string

const (
	EventTracking EventKind = "tracking" // Motion found, tracker locked on
	EventSnapshot EventKind = "snapshot" // Snapshot persisted
	EventReset    EventKind = "reset"    // Idle reset, background discarded
)

// Event describes a tracker transition or a persisted snapshot.
type Event struct {
	Kind     EventKind
	Time     time.Time
	State    string
	Seq      uint64
	Box      image.Rectangle
	Area     float64
	Filename string
}

// Status is a point-in-time view of the tracker for HTTP handlers.
type Status struct {
	State        string             `json:"state"`
	Idle         int                `json:"idle"`
	Box          *types.BoundingBox `json:"box,omitempty"`
	Frames       uint64             `json:"frames"`
	LastFrameSeq uint64             `json:"last_frame_seq"`
	LastFrameAt  time.Time          `json:"last_frame_at"`
	LastSnapshot time.Time          `json:"last_snapshot,omitempty"`
	Calibrated   bool               `json:"calibrated"`
}

// Status returns a copy of the latest status. Safe for concurrent use.
func (t *Tracker) Status() Status {
	t.statusMu.Lock()
	defer t.statusMu.Unlock()

	s := t.status
	if s.Box != nil {
		b := *s.Box
		s.Box = &b
	}
	return s
}

func (t *Tracker) publishStatus(frame *types.Frame) {
	var box *types.BoundingBox
	if r, ok := t.Box(); ok {
		b := types.BoxFromRect(r)
		box = &b
	}

	t.statusMu.Lock()
	defer t.statusMu.Unlock()

	t.status.State = t.state.String()
	t.status.Idle = t.idle
	t.status.Box = box
	t.status.Frames++
	t.status.LastFrameSeq = frame.Seq
	t.status.LastFrameAt = frame.Timestamp
	t.status.LastSnapshot = t.lastRecorded
	t.status.Calibrated = t.background != nil
}
