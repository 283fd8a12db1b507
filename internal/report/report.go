// Package report delivers motion snapshots to an upstream HTTP endpoint on a
// schedule, optionally enriched with remote detections.
package report

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/LucaChen/stream-client/pkg/types"
)

// ErrQueueFull is returned by Enqueue when the pending queue is at capacity.
var ErrQueueFull = errors.New("report: queue full")

// RejectedError is returned when the upstream answers with a non-200 status.
// It is fatal to the owning job.
type RejectedError struct {
	StatusCode int
	Body       string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("report: upstream rejected report with %d: %s", e.StatusCode, e.Body)
}

// Payload is the JSON document posted upstream.
type Payload struct {
	ID         string            `json:"id"`
	Status     string            `json:"status"`
	Filename   string            `json:"filename"`
	CapturedAt time.Time         `json:"captured_at"`
	Box        types.BoundingBox `json:"box"`
	Detections []types.Detection `json:"detections"`
}

// Reporter posts payloads authenticated with a shared secret.
type Reporter struct {
	url    string
	secret string
	status string
	http   *http.Client
}

// NewReporter returns a reporter for url. status tags every payload.
func NewReporter(url, secret, status string, timeout time.Duration) *Reporter {
	return &Reporter{
		url:    url,
		secret: secret,
		status: status,
		http:   &http.Client{Timeout: timeout},
	}
}

// Send posts p. A non-200 reply yields *RejectedError.
func (r *Reporter) Send(ctx context.Context, p Payload) error {
	if p.Status == "" {
		p.Status = r.status
	}
	if p.Detections == nil {
		p.Detections = []types.Detection{}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("report: encode: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.secret != "" {
		req.Header.Set("Authorization", "Bearer "+r.secret)
	}

	res, err := r.http.Do(req)
	if err != nil {
		return fmt.Errorf("report: post %s: %w", r.url, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return &RejectedError{StatusCode: res.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return nil
}
