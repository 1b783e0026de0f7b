// Package runtime manages the loaded model instances shared by the inference
// stages. Instances are created once at pool start and handed out through
// scoped handles under a fixed concurrency budget, so total inference work
// stays within the memory of a small host.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalsight/scoresheet-be/internal/pipeline/domain"
)

// ModelKind identifies one of the loaded models.
type ModelKind string

const (
	// ModelRelevance decides whether a frame shows the score sheet at all.
	ModelRelevance ModelKind = "relevance"
	// ModelDetector locates score-bearing regions within a frame.
	ModelDetector ModelKind = "detector"
	// ModelClassifier reads the digit sequence of a region crop.
	ModelClassifier ModelKind = "classifier"
)

// Detection is one raw detector output, before thresholding and NMS.
type Detection struct {
	Box        domain.Box `json:"box"`
	Confidence float64    `json:"confidence"`
}

// Output is the model response for one inference call. Relevant is set for
// relevance runners, Detections for detector runners, Value/Confidence for
// classifier runners.
type Output struct {
	Relevant   bool        `json:"relevant,omitempty"`
	Detections []Detection `json:"detections,omitempty"`
	Value      string      `json:"value,omitempty"`
	Confidence float64     `json:"confidence,omitempty"`
}

// Runner is one loaded model instance. Implementations must be safe for use
// by one caller at a time; the pool guarantees exclusive access through
// handles.
type Runner interface {
	Infer(ctx context.Context, frame *domain.Frame) (*Output, error)
	Close() error
}

// RunnerFactory builds a runner for a model kind. Called once per instance
// at pool start; weights load here, never per request.
type RunnerFactory func(kind ModelKind) (Runner, error)

// Config holds pool configuration.
type Config struct {
	Logger *slog.Logger
	// Instances is the number of loaded instances per model kind. The sum is
	// the hard cap on concurrent inference across all jobs.
	Instances map[ModelKind]int
	// AcquireTimeout bounds how long Acquire blocks before giving up with
	// ErrResourceExhausted.
	AcquireTimeout time.Duration
	Factory        RunnerFactory
}

// Pool bounds concurrently active model instances.
type Pool struct {
	logger  *slog.Logger
	timeout time.Duration
	idle    map[ModelKind]chan Runner
	all     []Runner
}

// NewPool creates the pool and loads every configured instance. Lifecycle is
// explicit: one NewPool at startup, one Close at shutdown.
func NewPool(cfg *Config) (*Pool, error) {
	p := &Pool{
		logger:  cfg.Logger,
		timeout: cfg.AcquireTimeout,
		idle:    make(map[ModelKind]chan Runner),
	}

	for kind, n := range cfg.Instances {
		if n <= 0 {
			return nil, fmt.Errorf("model %q: instance count must be positive", kind)
		}
		ch := make(chan Runner, n)
		for i := 0; i < n; i++ {
			r, err := cfg.Factory(kind)
			if err != nil {
				p.Close()
				return nil, fmt.Errorf("failed to load %s instance %d: %w", kind, i, err)
			}
			ch <- r
			p.all = append(p.all, r)
		}
		p.idle[kind] = ch

		p.logger.Info("Model instances loaded",
			slog.String("model", string(kind)),
			slog.Int("instances", n),
		)
	}

	return p, nil
}

// Acquire blocks until an instance of kind is idle, the timeout elapses, or
// ctx is done. A timeout surfaces as ErrResourceExhausted, which callers
// treat as transient.
func (p *Pool) Acquire(ctx context.Context, kind ModelKind) (*Handle, error) {
	ch, ok := p.idle[kind]
	if !ok {
		return nil, fmt.Errorf("unknown model kind %q", kind)
	}

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case r := <-ch:
		return &Handle{pool: p, kind: kind, runner: r}, nil
	case <-timer.C:
		p.logger.Warn("Model acquire timed out",
			slog.String("model", string(kind)),
			slog.Duration("timeout", p.timeout),
		)
		return nil, fmt.Errorf("%w: no %s instance within %s", domain.ErrResourceExhausted, kind, p.timeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close tears down every loaded instance and returns the first close error.
// Handles still out are not waited for; Close is called only after the
// workers have drained.
func (p *Pool) Close() error {
	var firstErr error
	for _, r := range p.all {
		if err := r.Close(); err != nil {
			p.logger.Error("Failed to close model instance",
				slog.Any("error", err),
			)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	p.logger.Info("Model runtime pool closed",
		slog.Int("instances", len(p.all)),
	)
	return firstErr
}

// Handle is scoped access to one model instance. Release returns the
// instance to the pool and is safe to call more than once, so callers can
// defer it and still release early before state persistence.
type Handle struct {
	pool     *Pool
	kind     ModelKind
	runner   Runner
	released bool
}

// Infer runs one inference call on the held instance.
func (h *Handle) Infer(ctx context.Context, frame *domain.Frame) (*Output, error) {
	if h.released {
		return nil, fmt.Errorf("model handle for %s already released", h.kind)
	}
	out, err := h.runner.Infer(ctx, frame)
	if err != nil {
		return nil, domain.NewInferenceError(string(h.kind), err)
	}
	return out, nil
}

// Release returns the instance to the pool. Idempotent.
func (h *Handle) Release() {
	if h.released {
		return
	}
	h.released = true
	h.pool.idle[h.kind] <- h.runner
}
