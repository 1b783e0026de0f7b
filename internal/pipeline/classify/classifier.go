// Package classify reads the handwritten digit sequence out of a region
// crop.
package classify

import (
	"context"
	"log/slog"
	"strings"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/runtime"
)

// Classifier wraps the digit model behind the runtime pool. Classification
// is deterministic: identical pixels against identical weights always yield
// the same value and confidence.
type Classifier struct {
	pool   *runtime.Pool
	logger *slog.Logger
}

// NewClassifier creates a classifier using pool-managed model instances.
func NewClassifier(pool *runtime.Pool, logger *slog.Logger) *Classifier {
	return &Classifier{pool: pool, logger: logger}
}

// Classify infers the digit sequence of one region crop. The raw model value
// is sanitized to digits and at most one decimal point; a value that
// sanitizes to nothing is discarded (ok=false), which is not an error.
func (c *Classifier) Classify(ctx context.Context, candidate domain.RegionCandidate, crop *domain.Frame) (domain.ClassificationResult, bool, error) {
	handle, err := c.pool.Acquire(ctx, runtime.ModelClassifier)
	if err != nil {
		return domain.ClassificationResult{}, false, err
	}
	defer handle.Release()

	out, err := handle.Infer(ctx, crop)
	if err != nil {
		return domain.ClassificationResult{}, false, err
	}
	handle.Release()

	value := SanitizeValue(out.Value)
	if value == "" {
		c.logger.Debug("Classification discarded",
			slog.Int("frame", candidate.FrameIndex),
			slog.String("item", candidate.Item),
			slog.String("raw", out.Value),
		)
		return domain.ClassificationResult{}, false, nil
	}

	return domain.ClassificationResult{
		Item:       candidate.Item,
		Value:      value,
		Confidence: clamp01(out.Confidence),
		FrameIndex: candidate.FrameIndex,
	}, true, nil
}

// SanitizeValue keeps digits and at most one decimal point, then strips
// leading/trailing points. Everything else the model may emit is noise.
func SanitizeValue(s string) string {
	var b strings.Builder
	dotSeen := false
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' && !dotSeen:
			b.WriteRune(r)
			dotSeen = true
		}
	}
	return strings.Trim(b.String(), ".")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
