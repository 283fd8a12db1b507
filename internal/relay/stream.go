package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"net/http"
	"sync"
	"time"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"github.com/LucaChen/stream-client/internal/events"
	"github.com/LucaChen/stream-client/internal/logger"
)

const (
	mjpegContentType = "multipart/x-mixed-replace; boundary=frame"
	partHeader       = "--frame\r\nContent-Type: image/jpeg\r\n\r\n"
	partTrailer      = "\r\n\r\n"

	noSignalAfter = 5 * time.Second
	sseKeepalive  = 30 * time.Second
)

var (
	noSignalOnce sync.Once
	noSignalData []byte
)

// noSignalJPEG renders a gray 640x480 placeholder shown while the camera is silent.
func noSignalJPEG() []byte {
	noSignalOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 640, 480))
		draw.Draw(img, img.Bounds(), image.NewUniform(color.RGBA{R: 40, G: 40, B: 40, A: 255}), image.Point{}, draw.Src)

		const text = "NO SIGNAL"
		face := basicfont.Face7x13
		d := &font.Drawer{
			Dst:  img,
			Src:  image.NewUniform(color.White),
			Face: face,
		}
		width := d.MeasureString(text).Round()
		d.Dot = fixed.P((640-width)/2, 240)
		d.DrawString(text)

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 75}); err != nil {
			logger.Error("MJPEG", "Render placeholder: %v", err)
			return
		}
		noSignalData = buf.Bytes()
	})
	return noSignalData
}

// mjpegWriter writes JPEG parts of a multipart/x-mixed-replace response.
type mjpegWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func newMJPEGWriter(w http.ResponseWriter) (*mjpegWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	w.Header().Set("Content-Type", mjpegContentType)
	w.Header().Set("Cache-Control", "no-cache")
	return &mjpegWriter{w: w, flusher: flusher}, true
}

// WritePart writes one frame; an error means the client went away.
func (m *mjpegWriter) WritePart(data []byte) error {
	if _, err := m.w.Write([]byte(partHeader)); err != nil {
		return err
	}
	if _, err := m.w.Write(data); err != nil {
		return err
	}
	if _, err := m.w.Write([]byte(partTrailer)); err != nil {
		return err
	}
	m.flusher.Flush()
	return nil
}

// streamMJPEG relays a subscription as MJPEG until the client disconnects or the
// subscription ends. A placeholder is sent when no frame arrives for a while.
func streamMJPEG(ctx context.Context, w http.ResponseWriter, sub *Subscription) {
	mw, ok := newMJPEGWriter(w)
	if !ok {
		return
	}

	timer := time.NewTimer(noSignalAfter)
	defer timer.Stop()

	for {
		var data []byte
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-sub.C():
			if !ok {
				logger.Debug("MJPEG", "Subscription closed, ending stream")
				return
			}
			jpg, err := frame.JPEG()
			frame.Close()
			if err != nil {
				logger.Warn("MJPEG", "Skip frame: %v", err)
				continue
			}
			data = jpg
		case <-timer.C:
			data = noSignalJPEG()
		}
		timer.Reset(noSignalAfter)

		if err := mw.WritePart(data); err != nil {
			logger.Debug("MJPEG", "Client disconnected during write: %v", err)
			return
		}
	}
}

func writeSSE(w http.ResponseWriter, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}

// streamEvents writes pre-serialized motion events to an SSE client.
func streamEvents(ctx context.Context, w http.ResponseWriter, eventCh <-chan *events.SerializedEvent, useProtobuf bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	if useProtobuf {
		w.Header().Set("X-Content-Format", "application/protobuf")
	} else {
		w.Header().Set("X-Content-Format", "application/json")
	}
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventCh:
			if !ok {
				return
			}
			data := event.JSONData
			if useProtobuf {
				data = event.ProtobufData
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Message.Kind, data); err != nil {
				logger.Debug("SSE", "Client disconnected during event write: %v", err)
				return
			}
			flusher.Flush()
		case <-keepalive.C:
			if _, err := fmt.Fprintf(w, ": keepalive\n\n"); err != nil {
				logger.Debug("SSE", "Client disconnected during keepalive: %v", err)
				return
			}
			flusher.Flush()
		}
	}
}
