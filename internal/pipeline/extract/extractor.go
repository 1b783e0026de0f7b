// Package extract turns a source video into a bounded, timestamp-ordered
// sequence of frames. Decoding is streamed one frame at a time; the full
// video is never held in memory.
package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// SamplingPolicy selects which frames to decode. Exactly one of Interval or
// FrameCount must be set.
type SamplingPolicy struct {
	// Interval decodes one frame every fixed time step.
	Interval time.Duration
	// FrameCount decodes a fixed number of frames spread across the video.
	FrameCount int
}

func (p SamplingPolicy) validate() error {
	if (p.Interval > 0) == (p.FrameCount > 0) {
		return fmt.Errorf("sampling policy requires exactly one of interval or frame count")
	}
	return nil
}

// interval resolves the effective frame interval for a video of the given
// duration.
func (p SamplingPolicy) interval(duration time.Duration) time.Duration {
	if p.Interval > 0 {
		return p.Interval
	}
	return duration / time.Duration(p.FrameCount)
}

// ExpectedFrames is the frame count the policy yields for a video of the
// given duration: ceil(duration/interval) for fixed intervals, FrameCount
// otherwise.
func (p SamplingPolicy) ExpectedFrames(duration time.Duration) int {
	if p.FrameCount > 0 {
		return p.FrameCount
	}
	return int(math.Ceil(duration.Seconds() / p.Interval.Seconds()))
}

// Meta describes a probed video.
type Meta struct {
	Duration time.Duration
	FPS      float64
	Width    int
	Height   int
}

// FrameStream yields decoded frames in order. Next returns io.EOF when the
// stream is exhausted.
type FrameStream interface {
	Next() (*domain.Frame, error)
	Close() error
}

// Decoder is the video decode backend. The production decoder shells out to
// ffmpeg; tests inject synthetic streams.
type Decoder interface {
	Probe(ctx context.Context, path string) (Meta, error)
	Stream(ctx context.Context, path string, interval time.Duration) (FrameStream, error)
}

// Extractor produces frame sequences from local video files.
type Extractor struct {
	dec    Decoder
	logger *slog.Logger
}

// NewExtractor creates an extractor on top of a decode backend.
func NewExtractor(dec Decoder, logger *slog.Logger) *Extractor {
	return &Extractor{dec: dec, logger: logger}
}

// Extract probes the video and returns a lazy frame sequence under the
// sampling policy. The sequence is restartable: calling Extract again decodes
// from the start. Unreadable or empty videos fail with a DecodeError.
func (e *Extractor) Extract(ctx context.Context, path string, policy SamplingPolicy) (*Sequence, error) {
	if err := policy.validate(); err != nil {
		return nil, err
	}

	meta, err := e.dec.Probe(ctx, path)
	if err != nil {
		return nil, domain.NewDecodeError(fmt.Errorf("failed to probe video: %w", err))
	}
	if meta.Duration <= 0 {
		return nil, domain.NewDecodeError(fmt.Errorf("video is empty"))
	}

	interval := policy.interval(meta.Duration)
	expected := policy.ExpectedFrames(meta.Duration)

	stream, err := e.dec.Stream(ctx, path, interval)
	if err != nil {
		return nil, domain.NewDecodeError(fmt.Errorf("failed to open frame stream: %w", err))
	}

	e.logger.Debug("Frame extraction started",
		slog.Duration("duration", meta.Duration),
		slog.Duration("interval", interval),
		slog.Int("expected_frames", expected),
	)

	return &Sequence{
		stream:   stream,
		interval: interval,
		expected: expected,
	}, nil
}

// Sequence is one lazy pass over the sampled frames. At most one frame is
// materialized at a time.
type Sequence struct {
	stream   FrameStream
	interval time.Duration
	expected int
	index    int
	done     bool
}

// Expected is the frame count the sequence will yield for a healthy video.
func (s *Sequence) Expected() int {
	return s.expected
}

// Next returns the next frame in timestamp order, or io.EOF once the policy
// is satisfied or the video ends. Decode failures mid-stream surface as
// transient DecodeErrors: the usual cause is interrupted I/O, and a retry
// re-decodes from the start.
func (s *Sequence) Next() (*domain.Frame, error) {
	if s.done || s.index >= s.expected {
		s.done = true
		return nil, io.EOF
	}

	frame, err := s.stream.Next()
	if err != nil {
		s.done = true
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, domain.NewTransientDecodeError(fmt.Errorf("failed to decode frame %d: %w", s.index, err))
	}

	frame.Index = s.index
	frame.Timestamp = time.Duration(s.index) * s.interval
	s.index++
	return frame, nil
}

// Close releases the underlying decode stream. Safe after exhaustion.
func (s *Sequence) Close() error {
	return s.stream.Close()
}
