package report

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"

	"github.com/LucaChen/stream-client/internal/detect"
	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/store"
	"github.com/LucaChen/stream-client/pkg/types"
)

// Sender delivers one payload upstream.
type Sender interface {
	Send(ctx context.Context, p Payload) error
}

// Detector runs remote detection on a JPEG.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) (detect.Response, error)
}

// Snapshots gives the job access to persisted snapshots and their index.
type Snapshots interface {
	Load(name string) ([]byte, error)
	Lookup(ctx context.Context, name string) (store.Snapshot, error)
	MarkReported(ctx context.Context, id string, at time.Time, detections []types.Detection) error
}

// Job drains the queue and reports each item.
type Job struct {
	Queue     *Queue
	Sender    Sender
	Snapshots Snapshots
	Detector  Detector // Optional; nil reports without detections
	Clock     clock.Clock
	Metrics   *metrics.Metrics
}

// RunOnce delivers every queued item. Transient failures put the remaining items
// back on the queue. A *RejectedError is returned and ends the job.
func (j *Job) RunOnce(ctx context.Context) error {
	items := j.Queue.Drain()
	if len(items) == 0 {
		return nil
	}
	logger.Debug("Report", "Delivering %d report(s)", len(items))

	for i, it := range items {
		payload := j.payload(ctx, it)

		if err := j.Sender.Send(ctx, payload); err != nil {
			j.count(func(m *metrics.Metrics) { m.ReportsFailed.Add(1) })

			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return err
			}
			dropped := j.Queue.Requeue(items[i:])
			logger.Warn("Report", "Delivery of %s failed, %d item(s) requeued, %d dropped: %v",
				it.Filename, len(items)-i-dropped, dropped, err)
			return nil
		}

		j.count(func(m *metrics.Metrics) { m.ReportsSent.Add(1) })
		logger.Info("Report", "Reported %s (%d detection(s))", it.Filename, len(payload.Detections))
		if err := j.Snapshots.MarkReported(ctx, payload.ID, j.now(), payload.Detections); err != nil && !errors.Is(err, store.ErrNotFound) {
			logger.Warn("Report", "Mark %s reported: %v", it.Filename, err)
		}
	}
	return nil
}

func (j *Job) payload(ctx context.Context, it Item) Payload {
	p := Payload{
		Filename:   it.Filename,
		CapturedAt: it.CapturedAt,
		Box:        types.BoxFromRect(it.Box),
	}

	if snap, err := j.Snapshots.Lookup(ctx, it.Filename); err == nil {
		p.ID = snap.ID
	} else {
		p.ID = uuid.NewString()
	}

	if j.Detector != nil {
		data, err := j.Snapshots.Load(it.Filename)
		if err != nil {
			logger.Warn("Report", "Load %s for detection: %v", it.Filename, err)
			return p
		}
		resp, err := j.Detector.Detect(ctx, data)
		if err != nil {
			logger.Warn("Report", "Detection for %s failed, reporting without it: %v", it.Filename, err)
			return p
		}
		p.Detections = resp.Detections()
	}
	return p
}

func (j *Job) now() time.Time {
	if j.Clock == nil {
		return time.Now()
	}
	return j.Clock.Now()
}

func (j *Job) count(f func(m *metrics.Metrics)) {
	if j.Metrics != nil {
		f(j.Metrics)
	}
}

// Scheduler runs the report job periodically and removes it after a fatal error.
type Scheduler struct {
	s gocron.Scheduler

	mu    sync.Mutex
	jobID uuid.UUID
	err   error
	done  chan struct{}
	once  sync.Once
}

// NewScheduler creates a stopped scheduler.
func NewScheduler() (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("report: create scheduler: %w", err)
	}
	return &Scheduler{s: s, done: make(chan struct{})}, nil
}

// Schedule registers job to run every interval. ctx bounds each run.
func (s *Scheduler) Schedule(ctx context.Context, job *Job, every time.Duration) error {
	j, err := s.s.NewJob(
		gocron.DurationJob(every),
		gocron.NewTask(func() {
			if err := job.RunOnce(ctx); err != nil {
				logger.Error("Report", "Report job stopped: %v", err)
				// Removing from inside the task would wait on this run.
				go s.stop(err)
			}
		}),
		gocron.WithName("report"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("report: create job: %w", err)
	}

	s.mu.Lock()
	s.jobID = j.ID()
	s.mu.Unlock()
	logger.Info("Report", "Report job %s scheduled every %s", j.ID(), every)
	return nil
}

func (s *Scheduler) stop(err error) {
	s.mu.Lock()
	id := s.jobID
	s.mu.Unlock()

	if rerr := s.s.RemoveJob(id); rerr != nil && !errors.Is(rerr, gocron.ErrJobNotFound) {
		logger.Warn("Report", "Remove job %s: %v", id, rerr)
	}
	s.once.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.done)
	})
}

// Start starts the scheduler.
func (s *Scheduler) Start() {
	s.s.Start()
}

// Jobs returns the number of scheduled jobs.
func (s *Scheduler) Jobs() int {
	return len(s.s.Jobs())
}

// Done is closed once the job has been removed after a fatal error.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that stopped the job, if any.
func (s *Scheduler) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Shutdown stops the scheduler and waits for running jobs.
func (s *Scheduler) Shutdown() error {
	return s.s.Shutdown()
}
