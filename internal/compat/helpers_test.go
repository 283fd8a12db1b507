package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

const (
	defaultBaseURL        = "http://localhost:5000"
	defaultUser           = "api"
	defaultRequestTimeout = 5 * time.Second
)

// liveClient talks to a running relay. Tests skip when none is reachable.
type liveClient struct {
	baseURL  string
	user     string
	password string
	client   *http.Client
}

func newLiveClient(t *testing.T) *liveClient {
	t.Helper()
	baseURL := os.Getenv("COMPAT_BASE_URL")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	user := os.Getenv("COMPAT_USER")
	if user == "" {
		user = defaultUser
	}
	password := os.Getenv("COMPAT_PASSWORD")
	if password == "" {
		password = os.Getenv("STREAM_API_PASSWORD")
	}
	client := &http.Client{Timeout: defaultRequestTimeout}

	if !isReachable(client, baseURL+"/health") {
		t.Skipf("relay not reachable at %s (set COMPAT_BASE_URL to run)", baseURL)
	}
	if password == "" {
		t.Skip("no credentials (set COMPAT_PASSWORD or STREAM_API_PASSWORD)")
	}

	return &liveClient{
		baseURL:  strings.TrimRight(baseURL, "/"),
		user:     user,
		password: password,
		client:   client,
	}
}

func isReachable(client *http.Client, url string) bool {
	resp, err := client.Get(url)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 500
}

func (c *liveClient) request(t *testing.T, method, path string, body io.Reader, auth bool) *http.Request {
	t.Helper()
	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	if auth {
		req.SetBasicAuth(c.user, c.password)
	}
	return req
}

func (c *liveClient) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, c.request(t, http.MethodGet, path, nil, true))
}

func (c *liveClient) getAnonymous(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	return c.do(t, c.request(t, http.MethodGet, path, nil, false))
}

func (c *liveClient) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := c.client.Do(req)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	_ = resp.Body.Close()
	return resp, body
}

// getStream returns an open streaming response; the caller closes the body.
func (c *liveClient) getStream(t *testing.T, path string) *http.Response {
	t.Helper()
	streaming := &http.Client{}
	resp, err := streaming.Do(c.request(t, http.MethodGet, path, nil, true))
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return resp
}

func (c *liveClient) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	req := c.request(t, http.MethodPost, path, bytes.NewReader(data), true)
	req.Header.Set("Content-Type", "application/json")
	return c.do(t, req)
}

func (c *liveClient) readSSEEvent(path string, timeout time.Duration) (string, http.Header, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.password)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 256)
	for {
		n, readErr := resp.Body.Read(tmp)
		if n > 0 {
			buf = append(buf, tmp[:n]...)
			if idx := bytes.Index(buf, []byte("\n\n")); idx >= 0 {
				return string(buf[:idx]), resp.Header, nil
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return "", nil, fmt.Errorf("sse stream closed before event")
			}
			return "", nil, fmt.Errorf("read sse: %w", readErr)
		}
	}
}

func parseSSEData(t *testing.T, event string) map[string]any {
	t.Helper()
	for _, line := range strings.Split(event, "\n") {
		if strings.HasPrefix(line, "data:") {
			payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			if payload == "" {
				t.Fatalf("empty sse data line")
			}
			return decodeJSONMap(t, []byte(payload))
		}
	}
	t.Fatalf("no data line in sse event: %q", event)
	return nil
}

func decodeJSONMap(t *testing.T, body []byte) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		t.Fatalf("decode json: %v\nbody=%s", err, string(body))
	}
	return payload
}

func requireString(t *testing.T, value any, field string) string {
	t.Helper()
	str, ok := value.(string)
	if !ok {
		t.Fatalf("expected %s to be string, got %T", field, value)
	}
	return str
}

func requireNumber(t *testing.T, value any, field string) float64 {
	t.Helper()
	num, ok := value.(float64)
	if !ok {
		t.Fatalf("expected %s to be number, got %T", field, value)
	}
	return num
}

func requireBool(t *testing.T, value any, field string) bool {
	t.Helper()
	b, ok := value.(bool)
	if !ok {
		t.Fatalf("expected %s to be bool, got %T", field, value)
	}
	return b
}

func requireMap(t *testing.T, value any, field string) map[string]any {
	t.Helper()
	m, ok := value.(map[string]any)
	if !ok {
		t.Fatalf("expected %s to be object, got %T", field, value)
	}
	return m
}

func requireSlice(t *testing.T, value any, field string) []any {
	t.Helper()
	s, ok := value.([]any)
	if !ok {
		t.Fatalf("expected %s to be array, got %T", field, value)
	}
	return s
}

func assertBox(t *testing.T, value any, field string) {
	t.Helper()
	box := requireMap(t, value, field)
	for _, k := range []string{"x", "y", "w", "h"} {
		requireNumber(t, box[k], field+"."+k)
	}
}

func assertMotionStatus(t *testing.T, payload map[string]any) {
	t.Helper()
	state := requireString(t, payload["state"], "state")
	if state != "searching" && state != "tracking" {
		t.Fatalf("unexpected tracker state %q", state)
	}
	requireNumber(t, payload["idle"], "idle")
	requireNumber(t, payload["frames"], "frames")
	requireBool(t, payload["calibrated"], "calibrated")
	if payload["box"] != nil {
		assertBox(t, payload["box"], "box")
	}
}

func assertSnapshot(t *testing.T, payload map[string]any, field string) {
	t.Helper()
	requireString(t, payload["id"], field+".id")
	name := requireString(t, payload["filename"], field+".filename")
	if !strings.HasSuffix(name, ".jpg") {
		t.Fatalf("%s.filename = %q", field, name)
	}
	requireString(t, payload["captured_at"], field+".captured_at")
	assertBox(t, payload["box"], field+".box")
	requireSlice(t, payload["detections"], field+".detections")
}
