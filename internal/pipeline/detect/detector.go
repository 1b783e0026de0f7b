// Package detect locates score-bearing regions within a frame and labels
// each with the assessment item its row position implies.
package detect

import (
	"context"
	"log/slog"
	"sort"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/runtime"
)

// Config holds detection thresholds.
type Config struct {
	// ConfidenceThreshold discards candidates the detector is unsure about.
	ConfidenceThreshold float64
	// IoUThreshold is the overlap above which a lower-confidence candidate is
	// suppressed by a higher-confidence one.
	IoUThreshold float64
	// ColumnRatio bounds the score column: boxes whose left edge falls past
	// this fraction of the frame width are outliers on the sheet's text side.
	ColumnRatio float64
}

// Detector wraps the detection model behind the runtime pool.
type Detector struct {
	pool   *runtime.Pool
	cfg    Config
	logger *slog.Logger
}

// NewDetector creates a detector using pool-managed model instances.
func NewDetector(pool *runtime.Pool, cfg Config, logger *slog.Logger) *Detector {
	return &Detector{pool: pool, cfg: cfg, logger: logger}
}

// Detect runs the detection model on one frame and returns the surviving
// candidates, labeled by row slot for a sheet with itemCount question rows.
// Model failures and pool exhaustion propagate untouched; the orchestrator
// owns the retry decision.
func (d *Detector) Detect(ctx context.Context, frame *domain.Frame, itemCount int) ([]domain.RegionCandidate, error) {
	handle, err := d.pool.Acquire(ctx, runtime.ModelDetector)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	out, err := handle.Infer(ctx, frame)
	if err != nil {
		return nil, err
	}
	handle.Release()

	kept := make([]runtime.Detection, 0, len(out.Detections))
	for _, det := range out.Detections {
		if det.Confidence >= d.cfg.ConfidenceThreshold {
			kept = append(kept, det)
		}
	}

	kept = suppress(kept, d.cfg.IoUThreshold)
	kept = d.filterOutliers(kept, frame, itemCount)

	candidates := make([]domain.RegionCandidate, 0, len(kept))
	for _, det := range kept {
		candidates = append(candidates, domain.RegionCandidate{
			FrameIndex: frame.Index,
			Box:        det.Box,
			Confidence: det.Confidence,
		})
	}
	labelByRow(candidates, itemCount)

	d.logger.Debug("Frame detection completed",
		slog.Int("frame", frame.Index),
		slog.Int("raw", len(out.Detections)),
		slog.Int("kept", len(candidates)),
	)

	return candidates, nil
}

// suppress is greedy non-maximum suppression: walk detections by descending
// confidence and drop any box overlapping an already-kept box past the IoU
// threshold.
func suppress(dets []runtime.Detection, iouThreshold float64) []runtime.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]runtime.Detection, 0, len(dets))
	for _, det := range dets {
		overlapped := false
		for _, k := range kept {
			if det.Box.IoU(k.Box) > iouThreshold {
				overlapped = true
				break
			}
		}
		if !overlapped {
			kept = append(kept, det)
		}
	}
	return kept
}

// filterOutliers drops boxes outside the vertical score column: anything
// whose left edge is past ColumnRatio of the frame width sits in the sheet's
// label area, and anything above the first row band is header text.
func (d *Detector) filterOutliers(dets []runtime.Detection, frame *domain.Frame, itemCount int) []runtime.Detection {
	xLimit := float64(frame.Width) * d.cfg.ColumnRatio
	yLimit := float64(frame.Height) / float64(itemCount+2)

	kept := dets[:0]
	for _, det := range dets {
		if det.Box.X1 < xLimit && det.Box.Y1 > yLimit {
			kept = append(kept, det)
		}
	}
	return kept
}
