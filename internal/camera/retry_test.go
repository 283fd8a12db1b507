package camera

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LucaChen/stream-client/internal/metrics"
	"github.com/LucaChen/stream-client/pkg/types"
)

// scriptedSource fails the first `failures` reads after each Open, then yields frames.
type scriptedSource struct {
	failures int
	openErr  error
	nextErr  error

	opens, closes, reads int
	remaining            int
	seq                  uint64
}

func (s *scriptedSource) Open(ctx context.Context) error {
	s.opens++
	return s.openErr
}

func (s *scriptedSource) Next(ctx context.Context) (*types.Frame, error) {
	s.reads++
	if s.nextErr != nil {
		return nil, s.nextErr
	}
	if s.failures > 0 {
		s.failures--
		return nil, fmt.Errorf("scripted: %w", ErrReadFailed)
	}
	s.seq++
	return &types.Frame{Seq: s.seq}, nil
}

func (s *scriptedSource) Close() error {
	s.closes++
	return nil
}

func fastRetry(max int, m *metrics.Metrics) RetryConfig {
	return RetryConfig{MaxRetries: max, InitialWait: time.Millisecond, Clock: clock.New(), Metrics: m}
}

func TestRetryRecoversAfterRestart(t *testing.T) {
	src := &scriptedSource{failures: 1}
	m := metrics.New()
	r := WithRetry(src, fastRetry(1, m))

	frame, err := r.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), frame.Seq)
	assert.Equal(t, 1, src.closes, "source should be closed before restart")
	assert.Equal(t, 1, src.opens, "source should be reopened once")
	assert.Equal(t, uint64(1), m.CameraRestarts.Load())
	assert.Equal(t, uint64(1), m.ReadErrors.Load())
	assert.Equal(t, uint64(1), m.FramesRead.Load())
}

func TestRetryGivesUpAfterMaxRetries(t *testing.T) {
	src := &scriptedSource{failures: 100}
	m := metrics.New()
	r := WithRetry(src, fastRetry(2, m))

	_, err := r.Next(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.Equal(t, 3, src.reads, "one initial read plus one per restart")
	assert.Equal(t, uint64(2), m.CameraRestarts.Load())
}

func TestRetryZeroRetriesFailsImmediately(t *testing.T) {
	src := &scriptedSource{failures: 1}
	r := WithRetry(src, fastRetry(0, nil))

	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrReadFailed)
	assert.Zero(t, src.opens)
	assert.Zero(t, src.closes)
}

func TestRetryCountsFailedReopen(t *testing.T) {
	src := &scriptedSource{failures: 1, openErr: errors.New("device busy")}
	r := WithRetry(src, fastRetry(2, nil))

	_, err := r.Next(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "device busy")
	assert.Equal(t, 2, src.opens)
	assert.Equal(t, 1, src.reads, "no reads after failed reopen")
}

func TestRetrySkipsClosedSource(t *testing.T) {
	src := &scriptedSource{nextErr: ErrClosed}
	r := WithRetry(src, fastRetry(3, nil))

	_, err := r.Next(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
	assert.Zero(t, src.opens)
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	src := &scriptedSource{failures: 100}
	r := WithRetry(src, RetryConfig{MaxRetries: 5, InitialWait: time.Hour, Clock: clock.New()})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, src.opens)
}

func TestNextWaitBacksOffExponentially(t *testing.T) {
	assert.Equal(t, 400*time.Millisecond, nextWait(InitialRetryWait))
	assert.Equal(t, 800*time.Millisecond, nextWait(400*time.Millisecond))
	assert.Equal(t, maxRetryWait, nextWait(8*time.Second))
}
