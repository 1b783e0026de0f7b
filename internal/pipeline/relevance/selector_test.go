package relevance

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/runtime"
)

// flatFrame has no edges at all; its Laplacian variance is zero.
func flatFrame(index int) *domain.Frame {
	return &domain.Frame{
		Index:  index,
		Width:  8,
		Height: 8,
		Pixels: make([]byte, 8*8*3),
	}
}

// checkerFrame alternates black and white pixels, the strongest edges a
// frame this size can carry.
func checkerFrame(index int) *domain.Frame {
	f := &domain.Frame{Index: index, Width: 8, Height: 8, Pixels: make([]byte, 8*8*3)}
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			if (x+y)%2 == 0 {
				i := (y*8 + x) * 3
				f.Pixels[i], f.Pixels[i+1], f.Pixels[i+2] = 255, 255, 255
			}
		}
	}
	return f
}

type scriptedRunner struct {
	irrelevant map[int]bool
	err        error
}

func (r *scriptedRunner) Infer(ctx context.Context, frame *domain.Frame) (*runtime.Output, error) {
	if r.err != nil {
		return nil, r.err
	}
	return &runtime.Output{Relevant: !r.irrelevant[frame.Index]}, nil
}

func (r *scriptedRunner) Close() error { return nil }

func newTestSelector(t *testing.T, runner runtime.Runner) *Selector {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	pool, err := runtime.NewPool(&runtime.Config{
		Logger:         logger,
		Instances:      map[runtime.ModelKind]int{runtime.ModelRelevance: 1},
		AcquireTimeout: time.Second,
		Factory: func(kind runtime.ModelKind) (runtime.Runner, error) {
			return runner, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	return NewSelector(pool, logger)
}

func TestSharpnessOrdersByEdgeStrength(t *testing.T) {
	assert.Greater(t, Sharpness(checkerFrame(0)), Sharpness(flatFrame(0)))
	assert.Zero(t, Sharpness(flatFrame(0)))
}

func TestSharpnessDegenerateFrames(t *testing.T) {
	assert.Zero(t, Sharpness(&domain.Frame{Width: 2, Height: 2, Pixels: make([]byte, 12)}))
	assert.Zero(t, Sharpness(&domain.Frame{Width: 8, Height: 8, Pixels: nil}))
}

func TestSelectorPicksSharpestOfStreak(t *testing.T) {
	s := newTestSelector(t, &scriptedRunner{irrelevant: map[int]bool{3: true}})
	ctx := context.Background()

	for _, f := range []*domain.Frame{flatFrame(0), checkerFrame(1), flatFrame(2)} {
		got, err := s.Observe(ctx, f)
		require.NoError(t, err)
		assert.Nil(t, got, "frames are held back while the streak is open")
	}

	// Frame 3 is irrelevant and closes the streak.
	got, err := s.Observe(ctx, flatFrame(3))
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Index, "the sharp frame wins the streak")
}

func TestSelectorFlushReturnsOpenStreak(t *testing.T) {
	s := newTestSelector(t, &scriptedRunner{})
	ctx := context.Background()

	_, err := s.Observe(ctx, flatFrame(0))
	require.NoError(t, err)
	_, err = s.Observe(ctx, checkerFrame(1))
	require.NoError(t, err)

	got := s.Flush()
	require.NotNil(t, got)
	assert.Equal(t, 1, got.Index)

	assert.Nil(t, s.Flush(), "flush drains the streak")
}

func TestSelectorNoRelevantFrames(t *testing.T) {
	s := newTestSelector(t, &scriptedRunner{irrelevant: map[int]bool{0: true, 1: true}})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := s.Observe(ctx, flatFrame(i))
		require.NoError(t, err)
		assert.Nil(t, got)
	}
	assert.Nil(t, s.Flush())
}

func TestSelectorPropagatesModelErrors(t *testing.T) {
	s := newTestSelector(t, &scriptedRunner{err: errors.New("session crashed")})

	_, err := s.Observe(context.Background(), flatFrame(0))
	require.Error(t, err)

	var infErr *domain.InferenceError
	assert.True(t, errors.As(err, &infErr))
	assert.True(t, domain.Retriable(err))
}
