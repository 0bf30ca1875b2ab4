package domain

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Job is one row of the jobs table.
type Job struct {
	JobID      int64          `db:"job_id"`
	JobType    string         `db:"job_type"`
	RoutingKey sql.NullString `db:"routing_key"`
	Payload    string         `db:"payload"`
	Status     string         `db:"status"`
	Retries    int            `db:"retries"`
	WorkerID   sql.NullString `db:"worker_id"`
	LastError  sql.NullString `db:"last_error"`
	CreatedAt  time.Time      `db:"created_at"`
	UpdatedAt  time.Time      `db:"updated_at"`
}

// IsTerminal reports whether the job reached completed or failed.
func (j *Job) IsTerminal() bool {
	return j.Status == JobStatusCompleted || j.Status == JobStatusFailed
}

// NewJob is what a producer hands to the store.
type NewJob struct {
	JobType    string
	RoutingKey string // empty means unrouted
	// Payload is stored as text. Strings, byte slices and json.RawMessage are kept
	// verbatim; any other value is marshaled to JSON.
	Payload any
}

// EncodePayload renders a producer payload as the text stored in the jobs table.
func EncodePayload(payload any) (string, error) {
	switch p := payload.(type) {
	case nil:
		return "{}", nil
	case string:
		return p, nil
	case []byte:
		return string(p), nil
	case json.RawMessage:
		return string(p), nil
	default:
		data, err := json.Marshal(p)
		if err != nil {
			return "", fmt.Errorf("failed to marshal payload: %w", err)
		}
		return string(data), nil
	}
}

// WakeupMessage is published when a job is enqueued so idle workers poll immediately.
type WakeupMessage struct {
	JobID      int64  `json:"job_id"`
	JobType    string `json:"job_type"`
	RoutingKey string `json:"routing_key,omitempty"`
}
