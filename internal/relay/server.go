// Package relay serves the camera over HTTP: MJPEG streams, single frames,
// remote detection, and the motion tracker's status, events and snapshots.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/cors"
	"golang.org/x/time/rate"

	"github.com/LucaChen/stream-client/internal/detect"
	"github.com/LucaChen/stream-client/internal/events"
	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/internal/motion"
	"github.com/LucaChen/stream-client/internal/snapshot"
	"github.com/LucaChen/stream-client/internal/store"
	"github.com/LucaChen/stream-client/internal/vision"
	"github.com/LucaChen/stream-client/internal/webrtc"
)

const (
	defaultFrameTimeout   = 10 * time.Second
	defaultStatusInterval = time.Second
	defaultSnapshotLimit  = 20
	maxSnapshotLimit      = 200
	maxOfferBytes         = 64 << 10
)

// Detector runs remote detection on a JPEG.
type Detector interface {
	Detect(ctx context.Context, jpeg []byte) (detect.Response, error)
}

// StatusSource reports the motion tracker status.
type StatusSource interface {
	Status() motion.Status
}

// Snapshots lists and locates persisted snapshots.
type Snapshots interface {
	Recent(ctx context.Context, limit int) ([]store.Snapshot, error)
	Path(name string) (string, error)
}

// OfferHandler answers WebRTC SDP offers.
type OfferHandler interface {
	HandleOffer(offerJSON []byte) ([]byte, error)
}

// Options wires the server to its collaborators. Frames, Detector and Users are
// required; the rest disable their routes when nil.
type Options struct {
	Users     map[string]string
	Frames    *FrameBroadcaster
	Detector  Detector
	Events    *events.Broadcaster
	Tracker   StatusSource
	Snapshots Snapshots
	WebRTC    OfferHandler
	Metrics   *metrics.Metrics

	Throttle       time.Duration // Minimum delay between /stream-detect frames
	FrameTimeout   time.Duration
	StatusInterval time.Duration
}

// Server serves the relay endpoints.
type Server struct {
	opts Options
}

// NewServer returns a configured relay server.
func NewServer(opts Options) *Server {
	if opts.FrameTimeout <= 0 {
		opts.FrameTimeout = defaultFrameTimeout
	}
	if opts.StatusInterval <= 0 {
		opts.StatusInterval = defaultStatusInterval
	}
	return &Server{opts: opts}
}

// Handler exposes the HTTP handler with basic auth and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/", s.handlePing)
	mux.HandleFunc("/test", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/video_feed", s.handleVideoFeed)
	mux.HandleFunc("/frame", s.handleFrame)
	mux.HandleFunc("/process", s.handleProcess)
	mux.HandleFunc("/stream-detect", s.handleStreamDetect)
	mux.HandleFunc("/api/motion/status", s.handleMotionStatus)
	mux.HandleFunc("/api/motion/status/stream", s.handleMotionStatusStream)
	mux.HandleFunc("/api/motion/events", s.handleMotionEvents)
	mux.HandleFunc("/api/snapshots", s.handleSnapshots)
	mux.HandleFunc("/snapshots/", s.handleSnapshotFile)
	mux.HandleFunc("/api/webrtc/offer", s.handleWebRTCOffer)

	public := map[string]bool{"/health": true}
	return cors.AllowAll().Handler(basicAuth(s.opts.Users, public, mux))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, map[string]any{"camera": s.opts.Frames.Opened()})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write([]byte(indexHTML))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":        "ok",
		"camera":        s.opts.Frames.Opened(),
		"frame_clients": s.opts.Frames.Clients(),
	}
	if err := s.opts.Frames.Err(); err != nil && !errors.Is(err, ErrStopped) {
		payload["status"] = "error"
		payload["error"] = err.Error()
	}
	if s.opts.Events != nil {
		payload["event_subscribers"] = s.opts.Events.Clients()
	}
	if s.opts.Tracker != nil {
		payload["tracker"] = s.opts.Tracker.Status().State
	}
	writeJSON(w, payload)
}

func (s *Server) handleVideoFeed(w http.ResponseWriter, r *http.Request) {
	sub := s.opts.Frames.Subscribe()
	defer sub.Close()

	s.trackStreamClient()
	defer s.untrackStreamClient()

	streamMJPEG(r.Context(), w, sub)
}

func (s *Server) handleFrame(w http.ResponseWriter, r *http.Request) {
	jpg, ok := s.readJPEG(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(jpg)))
	_, _ = w.Write(jpg)
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	jpg, ok := s.readJPEG(w, r)
	if !ok {
		return
	}

	resp, err := s.opts.Detector.Detect(r.Context(), jpg)
	if err != nil {
		writeJSONWithStatus(w, map[string]any{
			"status":  "error",
			"message": fmt.Sprintf("detection failed: %v", err),
		}, http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if len(resp.Raw) > 0 {
		_, _ = w.Write(resp.Raw)
		return
	}
	_ = json.NewEncoder(w).Encode(resp)
}

// readJPEG fetches one fresh frame as JPEG, answering 500 when the camera fails.
func (s *Server) readJPEG(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.FrameTimeout)
	defer cancel()

	frame, err := s.opts.Frames.Frame(ctx)
	if err != nil {
		logger.Warn("HTTP", "%s: camera read failed: %v", r.URL.Path, err)
		writeJSONWithStatus(w, map[string]any{
			"status":  "error",
			"message": "failed to read camera",
		}, http.StatusInternalServerError)
		return nil, false
	}
	defer frame.Close()

	jpg, err := frame.JPEG()
	if err != nil {
		logger.Warn("HTTP", "%s: %v", r.URL.Path, err)
		writeJSONWithStatus(w, map[string]any{
			"status":  "error",
			"message": "failed to read camera",
		}, http.StatusInternalServerError)
		return nil, false
	}
	return jpg, true
}

func (s *Server) handleStreamDetect(w http.ResponseWriter, r *http.Request) {
	mw, ok := newMJPEGWriter(w)
	if !ok {
		return
	}
	ctx := r.Context()

	s.trackStreamClient()
	defer s.untrackStreamClient()

	var limiter *rate.Limiter
	if s.opts.Throttle > 0 {
		limiter = rate.NewLimiter(rate.Every(s.opts.Throttle), 1)
	}

	for {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return
			}
		}

		data, err := s.detectedJPEG(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn("HTTP", "stream-detect ended: %v", err)
			}
			return
		}
		if err := mw.WritePart(data); err != nil {
			logger.Debug("HTTP", "stream-detect client disconnected: %v", err)
			return
		}
	}
}

// detectedJPEG reads a fresh frame and draws the detection boxes on it. When
// detection fails the plain frame is returned.
func (s *Server) detectedJPEG(ctx context.Context) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, s.opts.FrameTimeout)
	frame, err := s.opts.Frames.Frame(readCtx)
	cancel()
	if err != nil {
		return nil, err
	}
	defer frame.Close()

	jpg, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	resp, err := s.opts.Detector.Detect(ctx, jpg)
	if err != nil {
		return jpg, nil
	}
	detections := resp.Detections()
	if len(detections) == 0 {
		return jpg, nil
	}

	vision.DrawDetections(&frame.Image, detections)
	return vision.EncodeJPEG(frame.Image)
}

func (s *Server) handleMotionStatus(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeJSONWithStatus(w, map[string]any{"error": "motion tracker disabled"}, http.StatusNotFound)
		return
	}
	writeJSON(w, s.opts.Tracker.Status())
}

func (s *Server) handleMotionStatusStream(w http.ResponseWriter, r *http.Request) {
	if s.opts.Tracker == nil {
		writeJSONWithStatus(w, map[string]any{"error": "motion tracker disabled"}, http.StatusNotFound)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(s.opts.StatusInterval)
	defer ticker.Stop()

	for {
		if err := writeSSE(w, s.opts.Tracker.Status()); err != nil {
			return
		}
		flusher.Flush()

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handleMotionEvents(w http.ResponseWriter, r *http.Request) {
	if s.opts.Events == nil {
		writeJSONWithStatus(w, map[string]any{"error": "motion tracker disabled"}, http.StatusNotFound)
		return
	}

	id, eventCh := s.opts.Events.Subscribe()
	defer s.opts.Events.Unsubscribe(id)

	accept := r.Header.Get("Accept")
	useProtobuf := strings.Contains(accept, "application/protobuf") ||
		strings.Contains(accept, "application/x-protobuf")

	streamEvents(r.Context(), w, eventCh, useProtobuf)
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	if s.opts.Snapshots == nil {
		writeJSONWithStatus(w, map[string]any{"error": "snapshots disabled"}, http.StatusNotFound)
		return
	}

	limit := defaultSnapshotLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSONWithStatus(w, map[string]any{"error": "invalid limit"}, http.StatusBadRequest)
			return
		}
		limit = min(n, maxSnapshotLimit)
	}

	snaps, err := s.opts.Snapshots.Recent(r.Context(), limit)
	if err != nil {
		logger.Error("HTTP", "List snapshots: %v", err)
		writeJSONWithStatus(w, map[string]any{"error": "failed to list snapshots"}, http.StatusInternalServerError)
		return
	}
	if snaps == nil {
		snaps = []store.Snapshot{}
	}
	writeJSON(w, map[string]any{"snapshots": snaps})
}

func (s *Server) handleSnapshotFile(w http.ResponseWriter, r *http.Request) {
	if s.opts.Snapshots == nil {
		http.NotFound(w, r)
		return
	}
	name := strings.TrimPrefix(r.URL.Path, "/snapshots/")
	path, err := s.opts.Snapshots.Path(name)
	if err != nil {
		if errors.Is(err, snapshot.ErrInvalidName) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	http.ServeFile(w, r, path)
}

func (s *Server) handleWebRTCOffer(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.opts.WebRTC == nil {
		writeJSONWithStatus(w, map[string]any{"error": "webrtc disabled"}, http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxOfferBytes))
	if err != nil {
		writeJSONWithStatus(w, map[string]any{"error": "Invalid offer data"}, http.StatusBadRequest)
		return
	}

	answer, err := s.opts.WebRTC.HandleOffer(body)
	if err != nil {
		logger.Warn("HTTP", "WebRTC offer error: %v", err)
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, webrtc.ErrInvalidOffer):
			status = http.StatusBadRequest
		case errors.Is(err, webrtc.ErrMaxClients):
			status = http.StatusServiceUnavailable
		}
		writeJSONWithStatus(w, map[string]any{"error": err.Error()}, status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(answer)
}

func (s *Server) trackStreamClient() {
	if s.opts.Metrics != nil {
		s.opts.Metrics.StreamClients.Add(1)
	}
}

func (s *Server) untrackStreamClient() {
	if s.opts.Metrics != nil {
		metrics.Decrement(&s.opts.Metrics.StreamClients)
	}
}

func writeJSON(w http.ResponseWriter, payload any) {
	writeJSONWithStatus(w, payload, http.StatusOK)
}

func writeJSONWithStatus(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		_, _ = fmt.Fprintf(w, `{"error":"%s"}`, err.Error())
	}
}
