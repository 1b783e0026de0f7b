package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

type countingRunner struct {
	active  *atomic.Int32
	maxSeen *atomic.Int32
	delay   time.Duration
}

func (r *countingRunner) Infer(ctx context.Context, frame *domain.Frame) (*Output, error) {
	cur := r.active.Add(1)
	for {
		prev := r.maxSeen.Load()
		if cur <= prev || r.maxSeen.CompareAndSwap(prev, cur) {
			break
		}
	}
	if r.delay > 0 {
		time.Sleep(r.delay)
	}
	r.active.Add(-1)
	return &Output{Value: "7", Confidence: 0.9}, nil
}

func (r *countingRunner) Close() error { return nil }

func newTestPool(t *testing.T, instances int, timeout time.Duration, active, maxSeen *atomic.Int32) *Pool {
	t.Helper()
	pool, err := NewPool(&Config{
		Logger:         slog.New(slog.DiscardHandler),
		Instances:      map[ModelKind]int{ModelClassifier: instances},
		AcquireTimeout: timeout,
		Factory: func(kind ModelKind) (Runner, error) {
			return &countingRunner{active: active, maxSeen: maxSeen, delay: 5 * time.Millisecond}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })
	return pool
}

func TestPoolNeverExceedsCap(t *testing.T) {
	var active, maxSeen atomic.Int32
	const cap = 3
	pool := newTestPool(t, cap, time.Second, &active, &maxSeen)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h, err := pool.Acquire(context.Background(), ModelClassifier)
			if err != nil {
				return
			}
			defer h.Release()
			_, _ = h.Infer(context.Background(), &domain.Frame{Width: 1, Height: 1, Pixels: []byte{0, 0, 0}})
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, maxSeen.Load(), int32(cap),
		"concurrent inferences must never exceed the instance cap")
}

func TestPoolAcquireTimeout(t *testing.T) {
	var active, maxSeen atomic.Int32
	pool := newTestPool(t, 1, 20*time.Millisecond, &active, &maxSeen)

	held, err := pool.Acquire(context.Background(), ModelClassifier)
	require.NoError(t, err)
	defer held.Release()

	_, err = pool.Acquire(context.Background(), ModelClassifier)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrResourceExhausted))
	assert.True(t, domain.Retriable(err), "pool exhaustion must be retriable")
}

func TestPoolAcquireHonorsContext(t *testing.T) {
	var active, maxSeen atomic.Int32
	pool := newTestPool(t, 1, time.Minute, &active, &maxSeen)

	held, err := pool.Acquire(context.Background(), ModelClassifier)
	require.NoError(t, err)
	defer held.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = pool.Acquire(ctx, ModelClassifier)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolUnknownKind(t *testing.T) {
	var active, maxSeen atomic.Int32
	pool := newTestPool(t, 1, time.Second, &active, &maxSeen)

	_, err := pool.Acquire(context.Background(), ModelDetector)
	assert.Error(t, err)
}

func TestHandleReleaseIsIdempotent(t *testing.T) {
	var active, maxSeen atomic.Int32
	pool := newTestPool(t, 1, 50*time.Millisecond, &active, &maxSeen)

	h, err := pool.Acquire(context.Background(), ModelClassifier)
	require.NoError(t, err)

	h.Release()
	h.Release() // must not double-return the instance

	// Exactly one instance is available again.
	h2, err := pool.Acquire(context.Background(), ModelClassifier)
	require.NoError(t, err)
	defer h2.Release()

	_, err = pool.Acquire(context.Background(), ModelClassifier)
	assert.ErrorIs(t, err, domain.ErrResourceExhausted)
}

func TestHandleInferAfterRelease(t *testing.T) {
	var active, maxSeen atomic.Int32
	pool := newTestPool(t, 1, time.Second, &active, &maxSeen)

	h, err := pool.Acquire(context.Background(), ModelClassifier)
	require.NoError(t, err)
	h.Release()

	_, err = h.Infer(context.Background(), &domain.Frame{Width: 1, Height: 1, Pixels: []byte{0, 0, 0}})
	assert.Error(t, err)
}

func TestInferErrorWrapsInferenceError(t *testing.T) {
	pool, err := NewPool(&Config{
		Logger:         slog.New(slog.DiscardHandler),
		Instances:      map[ModelKind]int{ModelDetector: 1},
		AcquireTimeout: time.Second,
		Factory: func(kind ModelKind) (Runner, error) {
			return &failingRunner{}, nil
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	h, err := pool.Acquire(context.Background(), ModelDetector)
	require.NoError(t, err)
	defer h.Release()

	_, err = h.Infer(context.Background(), &domain.Frame{Width: 1, Height: 1, Pixels: []byte{0, 0, 0}})
	require.Error(t, err)

	var infErr *domain.InferenceError
	assert.True(t, errors.As(err, &infErr))
	assert.True(t, domain.Retriable(err))
}

type failingRunner struct{}

func (r *failingRunner) Infer(ctx context.Context, frame *domain.Frame) (*Output, error) {
	return nil, errors.New("model raised on malformed input")
}

func (r *failingRunner) Close() error { return nil }

type closeFailRunner struct {
	closeErr error
}

func (r *closeFailRunner) Infer(ctx context.Context, frame *domain.Frame) (*Output, error) {
	return &Output{}, nil
}

func (r *closeFailRunner) Close() error { return r.closeErr }

func TestPoolCloseReturnsFirstError(t *testing.T) {
	closeErr := errors.New("sidecar exited dirty")
	created := 0
	pool, err := NewPool(&Config{
		Logger:         slog.New(slog.DiscardHandler),
		Instances:      map[ModelKind]int{ModelDetector: 2},
		AcquireTimeout: time.Second,
		Factory: func(kind ModelKind) (Runner, error) {
			created++
			if created == 1 {
				return &closeFailRunner{closeErr: closeErr}, nil
			}
			return &closeFailRunner{}, nil
		},
	})
	require.NoError(t, err)

	assert.ErrorIs(t, pool.Close(), closeErr)
}

func TestPoolCloseCleanShutdown(t *testing.T) {
	var active, maxSeen atomic.Int32
	pool := newTestPool(t, 2, time.Second, &active, &maxSeen)

	assert.NoError(t, pool.Close())
}
