package extract

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

type fakeDecoder struct {
	meta     Meta
	probeErr error
	// frames available before the synthetic stream ends; negative means
	// unlimited.
	available int
	failAt    int
}

func (d *fakeDecoder) Probe(ctx context.Context, path string) (Meta, error) {
	if d.probeErr != nil {
		return Meta{}, d.probeErr
	}
	return d.meta, nil
}

func (d *fakeDecoder) Stream(ctx context.Context, path string, interval time.Duration) (FrameStream, error) {
	return &fakeStream{available: d.available, failAt: d.failAt}, nil
}

type fakeStream struct {
	available int
	failAt    int
	served    int
}

func (s *fakeStream) Next() (*domain.Frame, error) {
	if s.failAt > 0 && s.served == s.failAt {
		return nil, errors.New("pipe closed")
	}
	if s.available >= 0 && s.served >= s.available {
		return nil, io.EOF
	}
	s.served++
	return &domain.Frame{Width: 2, Height: 2, Pixels: make([]byte, 12)}, nil
}

func (s *fakeStream) Close() error { return nil }

func collect(t *testing.T, seq *Sequence) []*domain.Frame {
	t.Helper()
	defer seq.Close()
	var frames []*domain.Frame
	for {
		f, err := seq.Next()
		if errors.Is(err, io.EOF) {
			return frames
		}
		require.NoError(t, err)
		frames = append(frames, f)
	}
}

func TestFixedIntervalFrameCount(t *testing.T) {
	// 10 seconds sampled at 2 frames/sec yields 20 frames.
	dec := &fakeDecoder{meta: Meta{Duration: 10 * time.Second, FPS: 30, Width: 2, Height: 2}, available: -1}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	seq, err := ex.Extract(context.Background(), "video.mp4", SamplingPolicy{Interval: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, 20, seq.Expected())

	frames := collect(t, seq)
	require.Len(t, frames, 20)

	// Timestamp order, indexes contiguous.
	for i, f := range frames {
		assert.Equal(t, i, f.Index)
		assert.Equal(t, time.Duration(i)*500*time.Millisecond, f.Timestamp)
	}
}

func TestFixedIntervalRoundsUp(t *testing.T) {
	dec := &fakeDecoder{meta: Meta{Duration: 10 * time.Second, Width: 2, Height: 2}, available: -1}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	seq, err := ex.Extract(context.Background(), "video.mp4", SamplingPolicy{Interval: 3 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 4, seq.Expected()) // ceil(10/3)
	assert.Len(t, collect(t, seq), 4)
}

func TestFixedFrameCount(t *testing.T) {
	dec := &fakeDecoder{meta: Meta{Duration: 7 * time.Second, Width: 2, Height: 2}, available: -1}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	seq, err := ex.Extract(context.Background(), "video.mp4", SamplingPolicy{FrameCount: 5})
	require.NoError(t, err)
	assert.Equal(t, 5, seq.Expected())
	assert.Len(t, collect(t, seq), 5)
}

func TestUnreadableVideoIsFatalDecodeError(t *testing.T) {
	dec := &fakeDecoder{probeErr: errors.New("moov atom not found")}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	_, err := ex.Extract(context.Background(), "broken.mp4", SamplingPolicy{Interval: time.Second})
	require.Error(t, err)

	var decErr *domain.DecodeError
	require.True(t, errors.As(err, &decErr))
	assert.False(t, decErr.Transient)
	assert.False(t, domain.Retriable(err))
}

func TestEmptyVideoIsDecodeError(t *testing.T) {
	dec := &fakeDecoder{meta: Meta{Duration: 0, Width: 2, Height: 2}}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	_, err := ex.Extract(context.Background(), "empty.mp4", SamplingPolicy{Interval: time.Second})
	var decErr *domain.DecodeError
	require.True(t, errors.As(err, &decErr))
}

func TestMidStreamFailureIsTransient(t *testing.T) {
	dec := &fakeDecoder{meta: Meta{Duration: 10 * time.Second, Width: 2, Height: 2}, available: -1, failAt: 3}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	seq, err := ex.Extract(context.Background(), "video.mp4", SamplingPolicy{Interval: time.Second})
	require.NoError(t, err)
	defer seq.Close()

	for i := 0; i < 3; i++ {
		_, err := seq.Next()
		require.NoError(t, err)
	}
	_, err = seq.Next()
	require.Error(t, err)
	assert.True(t, domain.Retriable(err))
}

func TestInvalidPolicy(t *testing.T) {
	dec := &fakeDecoder{meta: Meta{Duration: time.Second, Width: 2, Height: 2}}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))

	_, err := ex.Extract(context.Background(), "video.mp4", SamplingPolicy{})
	assert.Error(t, err)

	_, err = ex.Extract(context.Background(), "video.mp4", SamplingPolicy{Interval: time.Second, FrameCount: 3})
	assert.Error(t, err)
}

func TestSequenceIsRestartable(t *testing.T) {
	dec := &fakeDecoder{meta: Meta{Duration: 4 * time.Second, Width: 2, Height: 2}, available: -1}
	ex := NewExtractor(dec, slog.New(slog.DiscardHandler))
	policy := SamplingPolicy{Interval: time.Second}

	first, err := ex.Extract(context.Background(), "video.mp4", policy)
	require.NoError(t, err)
	assert.Len(t, collect(t, first), 4)

	second, err := ex.Extract(context.Background(), "video.mp4", policy)
	require.NoError(t, err)
	assert.Len(t, collect(t, second), 4)
}
