package camera

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/LucaChen/stream-client/internal/logger"
	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/pkg/types"
)

const (
	// InitialRetryWait is the delay before the first restart attempt.
	InitialRetryWait = 200 * time.Millisecond
	// RetryExponentialFactor is the factor by which the wait grows per attempt.
	RetryExponentialFactor = 2
	maxRetryWait           = 10 * time.Second
)

// RetryConfig bounds how a failing source is restarted.
type RetryConfig struct {
	MaxRetries  int // Restarts attempted per failed read; 0 fails immediately
	InitialWait time.Duration
	Clock       clock.Clock
	Metrics     *metrics.Metrics
}

// Retrying restarts its source (Close then Open) after a failed read, waiting with
// exponential backoff between attempts, and gives up after MaxRetries restarts.
type Retrying struct {
	src Source
	cfg RetryConfig
}

// WithRetry wraps src in a bounded retry loop.
func WithRetry(src Source, cfg RetryConfig) *Retrying {
	if cfg.InitialWait <= 0 {
		cfg.InitialWait = InitialRetryWait
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Retrying{src: src, cfg: cfg}
}

// Open opens the wrapped source.
func (r *Retrying) Open(ctx context.Context) error {
	return r.src.Open(ctx)
}

// Close closes the wrapped source.
func (r *Retrying) Close() error {
	return r.src.Close()
}

// Next reads a frame, restarting the source on failure.
func (r *Retrying) Next(ctx context.Context) (*types.Frame, error) {
	frame, err := r.src.Next(ctx)
	if err == nil {
		r.countRead()
		return frame, nil
	}
	if !r.retryable(ctx, err) {
		return nil, err
	}
	r.countError()

	lastErr := err
	wait := r.cfg.InitialWait
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		logger.Warn("Camera", "Read failed (%v), restarting in %s (attempt %d/%d)",
			lastErr, wait, attempt, r.cfg.MaxRetries)

		timer := r.cfg.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
		wait = nextWait(wait)

		if r.cfg.Metrics != nil {
			r.cfg.Metrics.CameraRestarts.Add(1)
		}
		if err := r.src.Close(); err != nil {
			logger.Debug("Camera", "Close before restart: %v", err)
		}
		if err := r.src.Open(ctx); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			r.countError()
			continue
		}

		frame, err := r.src.Next(ctx)
		if err == nil {
			logger.Info("Camera", "Recovered after %d restart(s)", attempt)
			r.countRead()
			return frame, nil
		}
		if !r.retryable(ctx, err) {
			return nil, err
		}
		lastErr = err
		r.countError()
	}

	logger.Error("Camera", "Giving up after %d restart(s): %v", r.cfg.MaxRetries, lastErr)
	return nil, fmt.Errorf("camera: giving up after %d restart(s): %w", r.cfg.MaxRetries, lastErr)
}

func (r *Retrying) retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !errors.Is(err, ErrClosed)
}

func (r *Retrying) countRead() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.FramesRead.Add(1)
	}
}

func (r *Retrying) countError() {
	if r.cfg.Metrics != nil {
		r.cfg.Metrics.ReadErrors.Add(1)
	}
}

func nextWait(last time.Duration) time.Duration {
	next := last * RetryExponentialFactor
	if next > maxRetryWait {
		return maxRetryWait
	}
	return next
}
