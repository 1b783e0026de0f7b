package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/evalsight/scoresheet-be/internal/api/domain"
	"github.com/evalsight/scoresheet-be/internal/api/model"
	"github.com/evalsight/scoresheet-be/shared/postgresql"
)

const jobColumns = `
	job_id, video_ref, item_count, status, attempt_count, max_attempts,
	cancel_requested, last_error, result, worker_id, next_attempt_at,
	created_at, updated_at, started_at, completed_at
`

type Storage struct {
	db *sqlx.DB
}

func NewStorage(pg *postgresql.Client) *Storage {
	return &Storage{
		db: pg.GetDB(),
	}
}

func (s *Storage) CreateJob(ctx context.Context, job *model.Job) error {
	query := `
		INSERT INTO jobs (
			job_id, video_ref, item_count, status,
			attempt_count, max_attempts, cancel_requested,
			next_attempt_at, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10
		)
	`

	_, err := s.db.ExecContext(
		ctx,
		query,
		job.JobID,
		job.VideoRef,
		job.ItemCount,
		job.Status,
		job.AttemptCount,
		job.MaxAttempts,
		job.CancelRequested,
		job.NextAttemptAt,
		job.CreatedAt,
		job.UpdatedAt,
	)

	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

func (s *Storage) GetJobByID(ctx context.Context, jobID string) (*model.Job, error) {
	var job model.Job
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE job_id = $1`

	err := s.db.GetContext(ctx, &job, query, jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

type JobFilter struct {
	Status   string
	PageSize int
	Cursor   *JobCursor
}

type JobCursor struct {
	CreatedAt time.Time
	JobID     string
}

func (s *Storage) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []interface{}{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIdx)
		args = append(args, filter.Status)
		argIdx++
	}

	if filter.Cursor != nil {
		query += fmt.Sprintf(" AND (created_at, job_id) < ($%d, $%d)", argIdx, argIdx+1)
		args = append(args, filter.Cursor.CreatedAt, filter.Cursor.JobID)
		argIdx += 2
	}

	// Order by created_at DESC, job_id DESC for consistent pagination
	query += " ORDER BY created_at DESC, job_id DESC"

	// Fetch one extra to determine if there are more results
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, filter.PageSize+1)

	var jobs []model.Job
	err := s.db.SelectContext(ctx, &jobs, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	return jobs, nil
}

// RequestCancel flips the job's cancellation flag. The worker observes it
// between stages; terminal jobs cannot be cancelled anymore.
func (s *Storage) RequestCancel(ctx context.Context, jobID string) error {
	query := `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    updated_at = NOW()
		WHERE job_id = $1
		  AND status IN ($2, $3)
	`

	result, err := s.db.ExecContext(ctx, query, jobID, domain.JobStatusQueued, domain.JobStatusRunning)
	if err != nil {
		return fmt.Errorf("failed to request cancel: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		if _, err := s.GetJobByID(ctx, jobID); err != nil {
			return err
		}
		return domain.ErrJobTerminal
	}

	return nil
}

// Rerun resets a terminal job to QUEUED for a fresh run. The stored result is
// left untouched; it is only replaced when the new run reaches its own
// terminal state.
func (s *Storage) Rerun(ctx context.Context, jobID string) (*model.Job, error) {
	query := `
		UPDATE jobs
		SET status = $1,
		    attempt_count = 0,
		    cancel_requested = FALSE,
		    worker_id = NULL,
		    next_attempt_at = NOW(),
		    updated_at = NOW()
		WHERE job_id = $2
		  AND status IN ($3, $4, $5)
		RETURNING ` + jobColumns

	var job model.Job
	err := s.db.GetContext(ctx, &job, query,
		domain.JobStatusQueued,
		jobID,
		domain.JobStatusCompleted,
		domain.JobStatusFailed,
		domain.JobStatusNeedsReview,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if _, getErr := s.GetJobByID(ctx, jobID); getErr != nil {
				return nil, getErr
			}
			return nil, domain.ErrJobNotTerminal
		}
		return nil, fmt.Errorf("failed to rerun job: %w", err)
	}

	return &job, nil
}
