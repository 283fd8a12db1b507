// Package detect is the client for the remote object-detection service.
package detect

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/pkg/types"
)

// DefaultURL is the detection endpoint used when none is configured.
const DefaultURL = "http://localhost:5001/detect"

const maxResponseBytes = 4 << 20

// Point is a pixel coordinate in a detection result.
type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Result is one object reported by the detection service.
type Result struct {
	Label       string  `json:"label"`
	Confidence  float64 `json:"confidence"`
	TopLeft     Point   `json:"topleft"`
	BottomRight Point   `json:"bottomright"`
}

// Detection converts the result to the shared detection type.
func (r Result) Detection() types.Detection {
	return types.Detection{
		Label:      r.Label,
		Confidence: r.Confidence,
		Box: types.BoundingBox{
			X: r.TopLeft.X,
			Y: r.TopLeft.Y,
			W: r.BottomRight.X - r.TopLeft.X,
			H: r.BottomRight.Y - r.TopLeft.Y,
		},
	}
}

// Response is the detection service reply. Raw keeps the body as received.
type Response struct {
	Results []Result        `json:"results"`
	Raw     json.RawMessage `json:"-"`
}

// Detections converts all results.
func (r Response) Detections() []types.Detection {
	out := make([]types.Detection, 0, len(r.Results))
	for _, res := range r.Results {
		out = append(out, res.Detection())
	}
	return out
}

// StatusError is returned for non-200 replies.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("detect: server returned %d: %s", e.Code, e.Body)
}

// Client posts JPEG frames to the detection service.
type Client struct {
	url     string
	http    *http.Client
	metrics *metrics.Metrics
}

// New returns a client for endpoint. A zero timeout means no timeout.
func New(endpoint string, timeout time.Duration, m *metrics.Metrics) *Client {
	if endpoint == "" {
		endpoint = DefaultURL
	}
	return &Client{
		url:     endpoint,
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

// URL returns the configured endpoint.
func (c *Client) URL() string {
	return c.url
}

// Detect sends one JPEG as a base64 form field and decodes the results.
func (c *Client) Detect(ctx context.Context, jpeg []byte) (Response, error) {
	if c.metrics != nil {
		c.metrics.DetectRequests.Add(1)
	}
	resp, err := c.detect(ctx, jpeg)
	if err != nil {
		if c.metrics != nil {
			c.metrics.DetectFailures.Add(1)
		}
		logger.Warn("Detect", "%v", err)
		return Response{}, err
	}
	logger.Debug("Detect", "%d result(s)", len(resp.Results))
	return resp, nil
}

func (c *Client) detect(ctx context.Context, jpeg []byte) (Response, error) {
	form := url.Values{"b64image": {base64.StdEncoding.EncodeToString(jpeg)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return Response{}, fmt.Errorf("detect: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := c.http.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("detect: post %s: %w", c.url, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return Response{}, fmt.Errorf("detect: read response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return Response{}, &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var out Response
	if err := json.Unmarshal(body, &out); err != nil {
		return Response{}, fmt.Errorf("detect: decode response: %w", err)
	}
	out.Raw = body
	return out, nil
}
