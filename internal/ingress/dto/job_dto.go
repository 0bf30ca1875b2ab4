package dto

import (
	"encoding/json"
	"time"

	"github.com/cuongbtq/tgbot-jobs/internal/worker/domain"
)

type CreateJobRequest struct {
	JobType    string          `json:"job_type" binding:"required"`
	RoutingKey string          `json:"routing_key"`
	Payload    json.RawMessage `json:"payload"`
}

type ListJobsRequest struct {
	JobType    string `form:"job_type"`
	Status     string `form:"status"`
	RoutingKey string `form:"routing_key"`
	PageSize   int    `form:"page_size"`
	Cursor     string `form:"cursor"`
}

type ListJobsResponse struct {
	Jobs       []JobDTO `json:"jobs"`
	NextCursor string   `json:"next_cursor,omitempty"`
}

type JobDTO struct {
	JobID      int64  `json:"job_id"`
	JobType    string `json:"job_type"`
	RoutingKey string `json:"routing_key,omitempty"`
	Payload    string `json:"payload"`
	Status     string `json:"status"`
	Retries    int    `json:"retries"`
	WorkerID   string `json:"worker_id,omitempty"`
	LastError  string `json:"last_error,omitempty"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
}

func NewJobDTO(job *domain.Job) JobDTO {
	return JobDTO{
		JobID:      job.JobID,
		JobType:    job.JobType,
		RoutingKey: job.RoutingKey.String,
		Payload:    job.Payload,
		Status:     job.Status,
		Retries:    job.Retries,
		WorkerID:   job.WorkerID.String,
		LastError:  job.LastError.String,
		CreatedAt:  job.CreatedAt.UTC().Format(time.RFC3339Nano),
		UpdatedAt:  job.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
}

type StatsResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
}

// WebhookResponse acknowledges a Telegram update.
type WebhookResponse struct {
	OK      bool   `json:"ok"`
	JobID   int64  `json:"job_id,omitempty"`
	JobType string `json:"job_type,omitempty"`
}
