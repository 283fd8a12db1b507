package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.SnapshotsWritten.Add(3)
	m.TrackerState.Store(1)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body, _ := io.ReadAll(rec.Body)
	out := string(body)
	for _, want := range []string{
		"stream_snapshots_written_total 3",
		"stream_motion_tracker_state 1",
		"stream_camera_frames_read_total 0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("metrics output missing %q:\n%s", want, out)
		}
	}
}

func TestDecrementStopsAtZero(t *testing.T) {
	m := New()
	m.StreamClients.Add(1)
	Decrement(&m.StreamClients)
	Decrement(&m.StreamClients)
	if got := m.StreamClients.Load(); got != 0 {
		t.Fatalf("StreamClients = %d, want 0", got)
	}
}
