package models

import "time"

type ExecutionStatus string

const (
	ExecutionRunning ExecutionStatus = "running"
	ExecutionSuccess ExecutionStatus = "success"
	ExecutionFailed  ExecutionStatus = "failed"
)

// Execution is one evaluation cycle of a task. It is immutable once Status
// leaves running, apart from retry bookkeeping.
type Execution struct {
	ID           string          `json:"id"`
	TaskID       string          `json:"task_id"`
	StartedAt    time.Time       `json:"started_at"`
	FinishedAt   *time.Time      `json:"finished_at,omitempty"`
	Status       ExecutionStatus `json:"status"`
	ConditionMet bool            `json:"condition_met"`
	Answer       string          `json:"answer"`
	Reasoning    string          `json:"reasoning"`
	Sources      []string        `json:"sources"`
	ErrorMessage *string         `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Notified     bool            `json:"notified"`
	WorkerID     string          `json:"worker_id"`
}
