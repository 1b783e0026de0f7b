package dto

import (
	"encoding/json"
	"time"

	"github.com/evalsight/scoresheet-be/internal/api/model"
)

type CreateJobRequest struct {
	VideoRef    string `json:"video_ref" binding:"required"`
	ItemCount   int    `json:"item_count"`
	MaxAttempts int    `json:"max_attempts"`
}

type ListJobsRequest struct {
	Status   string `form:"status"`
	PageSize int    `form:"page_size"`
	Cursor   string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID           string          `json:"job_id"`
	VideoRef        string          `json:"video_ref"`
	ItemCount       int             `json:"item_count"`
	Status          string          `json:"status"`
	AttemptCount    int             `json:"attempt_count"`
	MaxAttempts     int             `json:"max_attempts"`
	CancelRequested bool            `json:"cancel_requested"`
	LastError       string          `json:"last_error,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	CreatedAt       string          `json:"created_at"`
	UpdatedAt       string          `json:"updated_at"`
	StartedAt       string          `json:"started_at,omitempty"`
	CompletedAt     string          `json:"completed_at,omitempty"`
}

type UploadURLResponse struct {
	VideoRef  string `json:"video_ref"`
	UploadURL string `json:"upload_url"`
}

// FromModel maps a job row onto its API representation.
func FromModel(job *model.Job) JobDTO {
	d := JobDTO{
		JobID:           job.JobID,
		VideoRef:        job.VideoRef,
		ItemCount:       job.ItemCount,
		Status:          job.Status,
		AttemptCount:    job.AttemptCount,
		MaxAttempts:     job.MaxAttempts,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       job.UpdatedAt.Format(time.RFC3339),
	}
	if job.LastError.Valid {
		d.LastError = job.LastError.String
	}
	if len(job.Result) > 0 {
		d.Result = json.RawMessage(job.Result)
	}
	if job.StartedAt.Valid {
		d.StartedAt = job.StartedAt.Time.Format(time.RFC3339)
	}
	if job.CompletedAt.Valid {
		d.CompletedAt = job.CompletedAt.Time.Format(time.RFC3339)
	}
	return d
}
