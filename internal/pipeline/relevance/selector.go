// Package relevance filters sampled frames down to the sharpest frame of
// each run of sheet-bearing frames, so detection spends its budget on the
// frames most likely to read cleanly.
package relevance

import (
	"context"
	"log/slog"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/runtime"
)

// Selector wraps the frame-relevance model behind the runtime pool and
// tracks the sharpest frame of the current relevant streak.
type Selector struct {
	pool   *runtime.Pool
	logger *slog.Logger

	best      *domain.Frame
	bestScore float64
	streak    int
}

// NewSelector creates a selector using pool-managed model instances.
func NewSelector(pool *runtime.Pool, logger *slog.Logger) *Selector {
	return &Selector{pool: pool, logger: logger}
}

// Observe classifies one sampled frame as sheet-bearing or not. Frames in a
// relevant streak are held back; when an irrelevant frame ends the streak,
// the sharpest held frame is returned for detection. Model failures and
// pool exhaustion propagate untouched.
func (s *Selector) Observe(ctx context.Context, frame *domain.Frame) (*domain.Frame, error) {
	handle, err := s.pool.Acquire(ctx, runtime.ModelRelevance)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	out, err := handle.Infer(ctx, frame)
	if err != nil {
		return nil, err
	}
	handle.Release()

	if out.Relevant {
		score := Sharpness(frame)
		s.streak++
		if s.best == nil || score > s.bestScore {
			s.best = frame
			s.bestScore = score
		}
		s.logger.Debug("Frame joined relevant streak",
			slog.Int("frame", frame.Index),
			slog.Int("streak", s.streak),
		)
		return nil, nil
	}

	return s.Flush(), nil
}

// Flush ends the current streak and returns its sharpest frame, nil when no
// relevant frame was seen since the last flush. Must be called once more at
// end of stream so a streak running to the last frame is not lost.
func (s *Selector) Flush() *domain.Frame {
	best := s.best
	if best != nil {
		s.logger.Debug("Relevant streak closed",
			slog.Int("frame", best.Index),
			slog.Int("streak", s.streak),
		)
	}
	s.best = nil
	s.bestScore = 0
	s.streak = 0
	return best
}

// Sharpness is the variance of the Laplacian over the frame's luma plane.
// Motion blur flattens edges, so within a streak the steadiest view of the
// sheet scores highest.
func Sharpness(f *domain.Frame) float64 {
	w, h := f.Width, f.Height
	if w < 3 || h < 3 || len(f.Pixels) < w*h*3 {
		return 0
	}

	luma := make([]float64, w*h)
	for i := 0; i < w*h; i++ {
		r := float64(f.Pixels[i*3])
		g := float64(f.Pixels[i*3+1])
		b := float64(f.Pixels[i*3+2])
		luma[i] = 0.299*r + 0.587*g + 0.114*b
	}

	var sum, sumSq float64
	n := 0
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			lap := luma[i-w] + luma[i+w] + luma[i-1] + luma[i+1] - 4*luma[i]
			sum += lap
			sumSq += lap * lap
			n++
		}
	}

	mean := sum / float64(n)
	return sumSq/float64(n) - mean*mean
}
