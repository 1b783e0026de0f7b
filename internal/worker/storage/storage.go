package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	pldomain "github.com/evalsight/scoresheet-be/internal/pipeline/domain"
	"github.com/evalsight/scoresheet-be/internal/worker/domain"
)

// Storage handles all database operations for the worker
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// Claim attempts to claim a job using optimistic locking. Only QUEUED jobs
// whose next_attempt_at has elapsed are claimable; the conditional UPDATE is
// what guarantees at most one worker wins a given queue message.
func (s *Storage) Claim(ctx context.Context, jobID, workerID string) (*domain.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = $2,
		    started_at = NOW(),
		    last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $3
		  AND status = $4
		  AND next_attempt_at <= NOW()
		RETURNING job_id, video_ref, item_count, attempt_count, max_attempts, cancel_requested
	`

	var job domain.Job
	err := s.db.QueryRowContext(ctx, query, domain.JobStatusRunning, workerID, jobID, domain.JobStatusQueued).Scan(
		&job.JobID,
		&job.VideoRef,
		&job.ItemCount,
		&job.AttemptCount,
		&job.MaxAttempts,
		&job.CancelRequested,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			s.logger.Warn("Failed to claim job - already claimed, terminal, or backoff pending",
				slog.String("job_id", jobID),
				slog.String("worker_id", workerID),
			)
			return nil, domain.ErrJobAlreadyClaimed
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	job.Status = domain.JobStatusRunning
	job.WorkerID = workerID

	s.logger.Info("Job claimed successfully",
		slog.String("job_id", jobID),
		slog.String("worker_id", workerID),
		slog.Int("attempt_count", job.AttemptCount),
	)

	return &job, nil
}

// Finish writes a terminal status together with the result and last error in
// a single statement, so readers never observe a terminal status without its
// result.
func (s *Storage) Finish(ctx context.Context, jobID, status string, result *pldomain.Result, lastError string) error {
	if !domain.IsTerminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}

	query := `
		UPDATE jobs
		SET status = $1,
		    result = $2,
		    last_error = $3,
		    completed_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $4
	`

	var resultJSON []byte
	if result != nil {
		var err error
		resultJSON, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	_, err := s.db.ExecContext(ctx, query, status, resultJSON, lastError, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	s.logger.Info("Job finished",
		slog.String("job_id", jobID),
		slog.String("status", status),
	)

	return nil
}

// ReleaseForRetry puts a RUNNING job back in the queue for a later attempt.
// The attempt counter moves here and only here; nextAttemptAt gates the next
// claim until the backoff has elapsed.
func (s *Storage) ReleaseForRetry(ctx context.Context, jobID string, nextAttemptAt time.Time, lastError string) error {
	query := `
		UPDATE jobs
		SET status = $1,
		    worker_id = NULL,
		    attempt_count = attempt_count + 1,
		    next_attempt_at = $2,
		    last_error = $3,
		    updated_at = NOW()
		WHERE job_id = $4 AND status = $5
	`

	result, err := s.db.ExecContext(ctx, query, domain.JobStatusQueued, nextAttemptAt, lastError, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to release job for retry: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return domain.ErrJobNotFound
	}

	s.logger.Info("Job released for retry",
		slog.String("job_id", jobID),
		slog.Time("next_attempt_at", nextAttemptAt),
	)

	return nil
}

// CancelRequested re-reads the job's cancellation flag. The pipeline consults
// it between stages and between frames.
func (s *Storage) CancelRequested(ctx context.Context, jobID string) (bool, error) {
	query := `SELECT cancel_requested FROM jobs WHERE job_id = $1`

	var requested bool
	if err := s.db.GetContext(ctx, &requested, query, jobID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, domain.ErrJobNotFound
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}

	return requested, nil
}

// Heartbeat updates the last_heartbeat_at timestamp for a running job
func (s *Storage) Heartbeat(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET last_heartbeat_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $1 AND status = $2
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to update job heartbeat: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Job heartbeat update - no rows affected (job may not be running)",
			slog.String("job_id", jobID),
		)
	}

	return nil
}
