package report

import (
	"image"
	"sync"
	"time"

	"github.com/LucaChen/stream-client/internal/metrics"
)

// DefaultQueueSize bounds the number of snapshots awaiting delivery.
const DefaultQueueSize = 64

// Item is a persisted snapshot waiting to be reported.
type Item struct {
	Filename   string
	CapturedAt time.Time
	Box        image.Rectangle
}

// Queue is a bounded FIFO of pending items. Safe for concurrent use.
type Queue struct {
	mu      sync.Mutex
	items   []Item
	size    int
	metrics *metrics.Metrics
}

// NewQueue returns a queue holding at most size items.
func NewQueue(size int, m *metrics.Metrics) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{size: size, metrics: m}
}

// Enqueue appends it, or returns ErrQueueFull.
func (q *Queue) Enqueue(it Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.size {
		return ErrQueueFull
	}
	q.items = append(q.items, it)
	q.updateGauge()
	return nil
}

// Drain removes and returns every pending item.
func (q *Queue) Drain() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil
	q.updateGauge()
	return items
}

// Requeue puts undelivered items back at the front, dropping the newest ones
// that no longer fit. It returns the number dropped.
func (q *Queue) Requeue(items []Item) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	merged := append(append([]Item(nil), items...), q.items...)
	dropped := 0
	if len(merged) > q.size {
		dropped = len(merged) - q.size
		merged = merged[:q.size]
	}
	q.items = merged
	q.updateGauge()
	return dropped
}

// Len returns the number of pending items.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) updateGauge() {
	if q.metrics != nil {
		q.metrics.ReportsQueued.Store(uint64(len(q.items)))
	}
}
