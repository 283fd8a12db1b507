// Package camera provides frame sources: local capture devices, video files or
// stream URLs, and an ArduCam attached over a serial port.
package camera

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/benbjohnson/clock"

	"github.com/LucaChen/stream-client/internal/config"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/pkg/types"
)

var (
	// ErrReadFailed is returned when a source cannot produce a frame.
	ErrReadFailed = errors.New("camera: read failed")
	// ErrClosed is returned by Next after Close, or before Open.
	ErrClosed = errors.New("camera: closed")
)

// Source yields camera frames one at a time.
//
// Next blocks until a frame is ready. The caller owns the returned frame and must
// Close it. A source is not restartable after Close except through Open.
type Source interface {
	Open(ctx context.Context) error
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// New builds the source selected by cfg, wrapped in a bounded retry loop.
func New(cfg config.Config, m *metrics.Metrics) (Source, error) {
	var src Source
	switch kind := cfg.CameraKind(); kind {
	case config.CameraDevice:
		id, err := strconv.Atoi(cfg.VideoPath)
		if err != nil {
			return nil, fmt.Errorf("camera: device index %q: %w", cfg.VideoPath, err)
		}
		src = NewDevice(id)
	case config.CameraFile:
		src = NewFile(cfg.VideoPath)
	case config.CameraSerial:
		src = NewArduCam(cfg.SerialPort, cfg.BaudRate)
	default:
		return nil, fmt.Errorf("camera: unknown backend %q", kind)
	}

	return WithRetry(src, RetryConfig{
		MaxRetries: cfg.MaxIORetries,
		Clock:      clock.New(),
		Metrics:    m,
	}), nil
}
