// Package pipeline runs one job's inference stages in order:
// extract -> detect -> classify -> aggregate. Stage errors bubble out
// untouched; only the orchestrator decides between retry and terminal
// failure.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/evalsight/scoresheet-be/internal/pipeline/aggregate"
	"github.com/evalsight/scoresheet-be/internal/pipeline/classify"
	"github.com/evalsight/scoresheet-be/internal/pipeline/detect"
	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/pipeline/extract"
	"github.com/evalsight/scoresheet-be/internal/pipeline/relevance"
)

// CancelCheck re-reads a job's cancellation flag. It is consulted between
// stages and between frames, never mid-inference-call.
type CancelCheck func(ctx context.Context) (bool, error)

// Request describes one pipeline run.
type Request struct {
	// VideoPath is the local path of the fetched source video.
	VideoPath string
	// ItemCount is the number of question rows expected on the sheet.
	ItemCount int
	// Sampling selects which frames to decode.
	Sampling extract.SamplingPolicy
	// Cancelled, when set, aborts the run with ErrCancelled as soon as it
	// reports true.
	Cancelled CancelCheck
}

// Pipeline composes the inference stages for sequential execution inside one
// worker goroutine. Cross-job parallelism is bounded by the runtime pool the
// detector and classifier share.
type Pipeline struct {
	extractor  *extract.Extractor
	selector   *relevance.Selector
	detector   *detect.Detector
	classifier *classify.Classifier
	logger     *slog.Logger
}

// New wires the stages together. A nil selector skips relevance filtering
// and feeds every sampled frame to detection.
func New(extractor *extract.Extractor, selector *relevance.Selector, detector *detect.Detector, classifier *classify.Classifier, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		extractor:  extractor,
		selector:   selector,
		detector:   detector,
		classifier: classifier,
		logger:     logger,
	}
}

// Run executes the stages for one job and returns the aggregated result.
func (p *Pipeline) Run(ctx context.Context, req Request) (*domain.Result, error) {
	if err := p.checkCancelled(ctx, req); err != nil {
		return nil, err
	}

	seq, err := p.extractor.Extract(ctx, req.VideoPath, req.Sampling)
	if err != nil {
		p.logger.Error("pipeline.extract.failed", slog.Any("error", err))
		return nil, err
	}
	defer seq.Close()

	var results []domain.ClassificationResult
	frames, scored := 0, 0
	for {
		if err := p.checkCancelled(ctx, req); err != nil {
			return nil, err
		}

		frame, err := seq.Next()
		if errors.Is(err, io.EOF) {
			// A relevant streak running to the last frame still has its
			// sharpest frame held back.
			if p.selector != nil {
				if best := p.selector.Flush(); best != nil {
					scored++
					if err := p.scoreFrame(ctx, best, req.ItemCount, &results); err != nil {
						return nil, err
					}
				}
			}
			break
		}
		if err != nil {
			p.logger.Error("pipeline.extract.failed",
				slog.Int("frame", frames),
				slog.Any("error", err),
			)
			return nil, err
		}
		frames++

		if p.selector != nil {
			best, err := p.selector.Observe(ctx, frame)
			if err != nil {
				p.logger.Error("pipeline.select.failed",
					slog.Int("frame", frame.Index),
					slog.Any("error", err),
				)
				return nil, err
			}
			if best == nil {
				continue
			}
			frame = best
		}

		scored++
		if err := p.scoreFrame(ctx, frame, req.ItemCount, &results); err != nil {
			return nil, err
		}
	}

	if err := p.checkCancelled(ctx, req); err != nil {
		return nil, err
	}

	scores := aggregate.Aggregate(req.ItemCount, results)
	result := &domain.Result{
		Scores: scores,
		Stats:  aggregate.Stats(scores),
	}

	p.logger.Info("pipeline.ok",
		slog.Int("frames", frames),
		slog.Int("scored", scored),
		slog.Int("classifications", len(results)),
		slog.Bool("needs_review", result.NeedsReview()),
	)

	return result, nil
}

// scoreFrame runs detection and classification for one selected frame,
// appending any readable values to results.
func (p *Pipeline) scoreFrame(ctx context.Context, frame *domain.Frame, itemCount int, results *[]domain.ClassificationResult) error {
	candidates, err := p.detector.Detect(ctx, frame, itemCount)
	if err != nil {
		p.logger.Error("pipeline.detect.failed",
			slog.Int("frame", frame.Index),
			slog.Any("error", err),
		)
		return err
	}

	for _, cand := range candidates {
		crop, ok := frame.Crop(cand.Box)
		if !ok {
			continue
		}
		res, ok, err := p.classifier.Classify(ctx, cand, crop)
		if err != nil {
			p.logger.Error("pipeline.classify.failed",
				slog.Int("frame", frame.Index),
				slog.String("item", cand.Item),
				slog.Any("error", err),
			)
			return err
		}
		if ok {
			*results = append(*results, res)
		}
	}

	return nil
}

func (p *Pipeline) checkCancelled(ctx context.Context, req Request) error {
	if req.Cancelled == nil {
		return nil
	}
	cancelled, err := req.Cancelled(ctx)
	if err != nil {
		return fmt.Errorf("failed to read cancellation flag: %w", err)
	}
	if cancelled {
		return domain.ErrCancelled
	}
	return nil
}
