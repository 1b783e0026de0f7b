package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/evalsight/scoresheet-be/internal/pipeline"
	pldomain "github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/pipeline/extract"
	"github.com/evalsight/scoresheet-be/internal/worker/domain"
)

// JobStore is the durable job state the processor drives. All transitions of
// a job row go through it.
type JobStore interface {
	Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error)
	Finish(ctx context.Context, jobID, status string, result *pldomain.Result, lastError string) error
	ReleaseForRetry(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error
	CancelRequested(ctx context.Context, jobID string) (bool, error)
	Heartbeat(ctx context.Context, jobID string) error
}

// VideoFetcher materializes a job's video reference as a local file.
type VideoFetcher interface {
	Download(ctx context.Context, ref string) (path string, cleanup func(), err error)
}

// ScoreRunner runs the inference stages for one job.
type ScoreRunner interface {
	Run(ctx context.Context, req pipeline.Request) (*pldomain.Result, error)
}

// Republisher puts a job message back on the queue for a retried attempt.
type Republisher interface {
	Publish(ctx context.Context, body []byte, contentType string) error
}

// ProcessorConfig holds per-job processing settings.
type ProcessorConfig struct {
	WorkerID          string
	JobTimeout        time.Duration
	HeartbeatInterval time.Duration
	Sampling          extract.SamplingPolicy
	Backoff           Backoff
}

// Processor executes one claimed job end to end: claim, fetch the video, run
// the pipeline, persist the terminal state or release the job back for a
// retried attempt.
type Processor struct {
	store   JobStore
	fetcher VideoFetcher
	runner  ScoreRunner
	queue   Republisher
	cfg     ProcessorConfig
	logger  *slog.Logger

	// after schedules the delayed republish; swapped out in tests.
	after func(d time.Duration, f func())
}

// NewProcessor creates a Processor.
func NewProcessor(store JobStore, fetcher VideoFetcher, runner ScoreRunner, queue Republisher, cfg ProcessorConfig, logger *slog.Logger) *Processor {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	return &Processor{
		store:   store,
		fetcher: fetcher,
		runner:  runner,
		queue:   queue,
		cfg:     cfg,
		logger:  logger,
		after:   func(d time.Duration, f func()) { time.AfterFunc(d, f) },
	}
}

// Process handles a single queue message. A nil return means the message can
// be acknowledged; any error means NACK without broker requeue - redelivery
// for retried jobs happens through the delayed republish, never through the
// broker.
func (p *Processor) Process(ctx context.Context, msg *domain.JobMessage) error {
	p.logger.Info("Processing job",
		slog.String("job_id", msg.JobID),
		slog.String("worker_id", p.cfg.WorkerID),
	)

	// Step 1: Claim the job (QUEUED -> RUNNING). Losing the claim means
	// another worker owns it or the backoff has not elapsed.
	job, err := p.store.Claim(ctx, msg.JobID, p.cfg.WorkerID)
	if err != nil {
		if errors.Is(err, domain.ErrJobAlreadyClaimed) {
			p.logger.Warn("Job already claimed, skipping",
				slog.String("job_id", msg.JobID),
			)
			return fmt.Errorf("job already claimed: %w", err)
		}
		// The claim never went through, so the row is still QUEUED and
		// claimable. Broker requeue is the only redelivery path here - no
		// release happened, so no republish was scheduled.
		return domain.NewRequeueError(fmt.Errorf("failed to claim job: %w", err))
	}

	// Step 2: Bound the run and keep the heartbeat fresh while it lasts.
	jobCtx := ctx
	if p.cfg.JobTimeout > 0 {
		var cancel context.CancelFunc
		jobCtx, cancel = context.WithTimeout(ctx, p.cfg.JobTimeout)
		defer cancel()
	}

	heartbeatDone := make(chan struct{})
	go p.sendJobHeartbeat(jobCtx, job.JobID, heartbeatDone)
	defer close(heartbeatDone)

	// Step 3: Fetch the video and run the pipeline.
	result, err := p.runJob(jobCtx, job)
	if err != nil {
		return p.failJob(ctx, job, err)
	}

	// Step 4: Persist the successful terminal state. Unresolved items make
	// the run NEEDS_REVIEW, which is still a success, not an error.
	status := domain.JobStatusCompleted
	if result.NeedsReview() {
		status = domain.JobStatusNeedsReview
	}

	if err := p.store.Finish(ctx, job.JobID, status, result, ""); err != nil {
		p.logger.Error("Failed to persist terminal job state",
			slog.String("job_id", job.JobID),
			slog.String("status", status),
			slog.Any("error", err),
		)
		return fmt.Errorf("failed to persist result: %w", err)
	}

	p.logger.Info("Job completed",
		slog.String("job_id", job.JobID),
		slog.String("status", status),
	)

	return nil
}

func (p *Processor) runJob(ctx context.Context, job *domain.Job) (*pldomain.Result, error) {
	if job.CancelRequested {
		return nil, pldomain.ErrCancelled
	}

	path, cleanup, err := p.fetcher.Download(ctx, job.VideoRef)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch video %q: %w", job.VideoRef, err)
	}
	defer cleanup()

	return p.runner.Run(ctx, pipeline.Request{
		VideoPath: path,
		ItemCount: job.ItemCount,
		Sampling:  p.cfg.Sampling,
		Cancelled: func(ctx context.Context) (bool, error) {
			return p.store.CancelRequested(ctx, job.JobID)
		},
	})
}

// failJob decides between releasing the job for another attempt and marking
// it FAILED. Only this method moves a failed run out of RUNNING.
func (p *Processor) failJob(ctx context.Context, job *domain.Job, cause error) error {
	p.logger.Error("Job execution failed",
		slog.String("job_id", job.JobID),
		slog.Int("attempt_count", job.AttemptCount),
		slog.Any("error", cause),
	)

	// A cancelled run is terminal regardless of attempts left.
	if errors.Is(cause, pldomain.ErrCancelled) {
		if err := p.store.Finish(ctx, job.JobID, domain.JobStatusFailed, nil, "cancelled"); err != nil {
			p.logger.Error("Failed to persist cancelled job",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
			return err
		}
		// Cancellation consumed the message.
		return nil
	}

	if pldomain.Retriable(cause) && job.AttemptsLeft() {
		delay := p.cfg.Backoff.Delay(job.AttemptCount)
		nextAttemptAt := time.Now().Add(delay)

		if err := p.store.ReleaseForRetry(ctx, job.JobID, nextAttemptAt, cause.Error()); err != nil {
			p.logger.Error("Failed to release job for retry, marking failed",
				slog.String("job_id", job.JobID),
				slog.Any("error", err),
			)
		} else {
			p.logger.Info("Job will be retried",
				slog.String("job_id", job.JobID),
				slog.Int("attempt_count", job.AttemptCount),
				slog.Int("max_attempts", job.MaxAttempts),
				slog.Duration("backoff", delay),
			)
			p.scheduleRepublish(job.JobID, delay)
			return domain.NewRetryableError(cause)
		}
	}

	if err := p.store.Finish(ctx, job.JobID, domain.JobStatusFailed, nil, cause.Error()); err != nil {
		p.logger.Error("Failed to persist failed job",
			slog.String("job_id", job.JobID),
			slog.Any("error", err),
		)
		return err
	}

	if pldomain.Retriable(cause) {
		p.logger.Warn("Job exceeded max attempts",
			slog.String("job_id", job.JobID),
			slog.Int("attempt_count", job.AttemptCount),
			slog.Int("max_attempts", job.MaxAttempts),
		)
		return fmt.Errorf("%w: %v", domain.ErrMaxAttemptsExceeded, cause)
	}

	return fmt.Errorf("job failed: %w", cause)
}

// scheduleRepublish puts the job message back on the queue once the backoff
// has elapsed. Until then the claim query refuses the job anyway, so an
// earlier redelivery would only bounce.
func (p *Processor) scheduleRepublish(jobID string, delay time.Duration) {
	body, err := json.Marshal(domain.JobMessage{JobID: jobID})
	if err != nil {
		p.logger.Error("Failed to marshal republish message",
			slog.String("job_id", jobID),
			slog.Any("error", err),
		)
		return
	}

	p.after(delay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := p.queue.Publish(ctx, body, "application/json"); err != nil {
			p.logger.Error("Failed to republish retried job",
				slog.String("job_id", jobID),
				slog.Any("error", err),
			)
			return
		}

		p.logger.Debug("Retried job republished",
			slog.String("job_id", jobID),
		)
	})
}

// sendJobHeartbeat periodically updates the job's heartbeat timestamp
func (p *Processor) sendJobHeartbeat(ctx context.Context, jobID string, done <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return

		case <-ctx.Done():
			return

		case <-ticker.C:
			if err := p.store.Heartbeat(ctx, jobID); err != nil {
				p.logger.Warn("Failed to update job heartbeat",
					slog.String("job_id", jobID),
					slog.Any("error", err),
				)
			}
		}
	}
}
