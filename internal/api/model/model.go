package model

import (
	"database/sql"
	"time"
)

// Job mirrors one row of the jobs table.
type Job struct {
	JobID           string         `db:"job_id"`
	VideoRef        string         `db:"video_ref"`
	ItemCount       int            `db:"item_count"`
	Status          string         `db:"status"`
	AttemptCount    int            `db:"attempt_count"`
	MaxAttempts     int            `db:"max_attempts"`
	CancelRequested bool           `db:"cancel_requested"`
	LastError       sql.NullString `db:"last_error"`
	Result          []byte         `db:"result"`
	WorkerID        sql.NullString `db:"worker_id"`
	NextAttemptAt   time.Time      `db:"next_attempt_at"`
	CreatedAt       time.Time      `db:"created_at"`
	UpdatedAt       time.Time      `db:"updated_at"`
	StartedAt       sql.NullTime   `db:"started_at"`
	CompletedAt     sql.NullTime   `db:"completed_at"`
}
