package report

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucaChen/stream-client/internal/detect"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/store"
	"github.com/LucaChen/stream-client/pkg/types"
)

func TestReporterSendsBearerJSON(t *testing.T) {
	var got Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer s3cret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
	}))
	defer srv.Close()

	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	err := NewReporter(srv.URL, "s3cret", "motion", time.Second).Send(context.Background(), Payload{
		ID:         "abc",
		Filename:   "2024-01-02_03_04_05.jpg",
		CapturedAt: at,
		Box:        types.BoundingBox{X: 1, Y: 2, W: 3, H: 4},
	})
	require.NoError(t, err)

	assert.Equal(t, "motion", got.Status)
	assert.Equal(t, "abc", got.ID)
	assert.True(t, got.CapturedAt.Equal(at))
	assert.NotNil(t, got.Detections, "detections encode as an empty list")
}

func TestReporterNon200IsRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad secret", http.StatusUnauthorized)
	}))
	defer srv.Close()

	err := NewReporter(srv.URL, "wrong", "motion", time.Second).Send(context.Background(), Payload{})
	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected), "got %v", err)
	assert.Equal(t, http.StatusUnauthorized, rejected.StatusCode)
	assert.Equal(t, "bad secret", rejected.Body)
}

func TestQueueBoundsAndRequeue(t *testing.T) {
	m := metrics.New()
	q := NewQueue(2, m)
	require.NoError(t, q.Enqueue(Item{Filename: "a"}))
	require.NoError(t, q.Enqueue(Item{Filename: "b"}))
	assert.ErrorIs(t, q.Enqueue(Item{Filename: "c"}), ErrQueueFull)
	assert.Equal(t, uint64(2), m.ReportsQueued.Load())

	items := q.Drain()
	assert.Len(t, items, 2)
	assert.Zero(t, q.Len())

	require.NoError(t, q.Enqueue(Item{Filename: "new"}))
	dropped := q.Requeue(items)
	assert.Equal(t, 1, dropped)
	assert.Equal(t, []Item{{Filename: "a"}, {Filename: "b"}}, q.Drain())
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []Payload
	errs  []error
	calls int
}

func (f *fakeSender) Send(ctx context.Context, p Payload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var err error
	if f.calls < len(f.errs) {
		err = f.errs[f.calls]
	}
	f.calls++
	if err == nil {
		f.sent = append(f.sent, p)
	}
	return err
}

type fakeSnapshots struct {
	ids      map[string]string
	data     map[string][]byte
	reported map[string][]types.Detection
}

func newFakeSnapshots() *fakeSnapshots {
	return &fakeSnapshots{ids: map[string]string{}, data: map[string][]byte{}, reported: map[string][]types.Detection{}}
}

func (f *fakeSnapshots) Load(name string) ([]byte, error) {
	d, ok := f.data[name]
	if !ok {
		return nil, errors.New("missing")
	}
	return d, nil
}

func (f *fakeSnapshots) Lookup(ctx context.Context, name string) (store.Snapshot, error) {
	id, ok := f.ids[name]
	if !ok {
		return store.Snapshot{}, store.ErrNotFound
	}
	return store.Snapshot{ID: id, Filename: name}, nil
}

func (f *fakeSnapshots) MarkReported(ctx context.Context, id string, at time.Time, d []types.Detection) error {
	f.reported[id] = d
	return nil
}

type fakeDetector struct {
	resp detect.Response
	err  error
}

func (f fakeDetector) Detect(ctx context.Context, jpeg []byte) (detect.Response, error) {
	return f.resp, f.err
}

func TestJobReportsWithDetections(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.ids["a.jpg"] = "id-a"
	snaps.data["a.jpg"] = []byte{0xFF, 0xD8}

	sender := &fakeSender{}
	m := metrics.New()
	job := &Job{
		Queue:     NewQueue(4, m),
		Sender:    sender,
		Snapshots: snaps,
		Detector: fakeDetector{resp: detect.Response{Results: []detect.Result{{
			Label: "dog", Confidence: 0.8,
			TopLeft: detect.Point{X: 1, Y: 1}, BottomRight: detect.Point{X: 11, Y: 21},
		}}}},
		Metrics: m,
	}
	require.NoError(t, job.Queue.Enqueue(Item{Filename: "a.jpg", Box: image.Rect(0, 0, 10, 10)}))

	require.NoError(t, job.RunOnce(context.Background()))
	require.Len(t, sender.sent, 1)
	p := sender.sent[0]
	assert.Equal(t, "id-a", p.ID)
	assert.Equal(t, types.BoundingBox{W: 10, H: 10}, p.Box)
	require.Len(t, p.Detections, 1)
	assert.Equal(t, types.BoundingBox{X: 1, Y: 1, W: 10, H: 20}, p.Detections[0].Box)
	assert.Equal(t, p.Detections, snaps.reported["id-a"])
	assert.Equal(t, uint64(1), m.ReportsSent.Load())
}

func TestJobDetectionFailureStillReports(t *testing.T) {
	snaps := newFakeSnapshots()
	snaps.data["b.jpg"] = []byte{1}
	sender := &fakeSender{}
	job := &Job{
		Queue:     NewQueue(4, nil),
		Sender:    sender,
		Snapshots: snaps,
		Detector:  fakeDetector{err: errors.New("detector down")},
	}
	require.NoError(t, job.Queue.Enqueue(Item{Filename: "b.jpg"}))

	require.NoError(t, job.RunOnce(context.Background()))
	require.Len(t, sender.sent, 1)
	assert.Empty(t, sender.sent[0].Detections)
	assert.NotEmpty(t, sender.sent[0].ID, "unindexed snapshots get a generated id")
}

func TestJobRequeuesOnTransientFailure(t *testing.T) {
	sender := &fakeSender{errs: []error{nil, errors.New("connection refused")}}
	m := metrics.New()
	job := &Job{Queue: NewQueue(4, m), Sender: sender, Snapshots: newFakeSnapshots(), Metrics: m}
	for _, name := range []string{"1.jpg", "2.jpg", "3.jpg"} {
		require.NoError(t, job.Queue.Enqueue(Item{Filename: name}))
	}

	require.NoError(t, job.RunOnce(context.Background()))
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, 2, job.Queue.Len())
	assert.Equal(t, uint64(1), m.ReportsFailed.Load())

	require.NoError(t, job.RunOnce(context.Background()))
	assert.Len(t, sender.sent, 3)
	assert.Zero(t, job.Queue.Len())
}

func TestJobRejectionIsFatal(t *testing.T) {
	sender := &fakeSender{errs: []error{&RejectedError{StatusCode: 403}}}
	job := &Job{Queue: NewQueue(4, nil), Sender: sender, Snapshots: newFakeSnapshots()}
	require.NoError(t, job.Queue.Enqueue(Item{Filename: "x.jpg"}))

	err := job.RunOnce(context.Background())
	var rejected *RejectedError
	assert.True(t, errors.As(err, &rejected))
}

func TestSchedulerRemovesJobAfterRejection(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	job := &Job{
		Queue:     NewQueue(4, nil),
		Sender:    NewReporter(srv.URL, "k", "motion", time.Second),
		Snapshots: newFakeSnapshots(),
	}
	for i := 0; i < 3; i++ {
		require.NoError(t, job.Queue.Enqueue(Item{Filename: "f.jpg"}))
	}

	s, err := NewScheduler()
	require.NoError(t, err)
	defer s.Shutdown()
	require.NoError(t, s.Schedule(context.Background(), job, 20*time.Millisecond))
	s.Start()

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("job was not stopped after rejection")
	}

	var rejected *RejectedError
	require.True(t, errors.As(s.Err(), &rejected))
	assert.Equal(t, http.StatusForbidden, rejected.StatusCode)
	assert.Eventually(t, func() bool { return s.Jobs() == 0 }, time.Second, 10*time.Millisecond)

	// More work never reaches the upstream once the job is gone.
	before := hits.Load()
	require.NoError(t, job.Queue.Enqueue(Item{Filename: "g.jpg"}))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, before, hits.Load())
}
