package models

import "time"

// NotifyBehavior governs when a true condition produces a notification.
type NotifyBehavior string

const (
	NotifyOnce       NotifyBehavior = "once"
	NotifyAlways     NotifyBehavior = "always"
	NotifyTrackState NotifyBehavior = "track_state"
)

func (b NotifyBehavior) Valid() bool {
	switch b {
	case NotifyOnce, NotifyAlways, NotifyTrackState:
		return true
	}
	return false
}

// TaskState is the latest observation recorded for a task.
type TaskState struct {
	Answer       string    `json:"answer"`
	ConditionMet bool      `json:"condition_met"`
	Sources      []string  `json:"sources"`
	Timestamp    time.Time `json:"timestamp"`
}

type Task struct {
	ID                   string         `json:"id"`
	OwnerID              string         `json:"owner_id" validate:"required"`
	Name                 string         `json:"name"`
	SearchQuery          string         `json:"search_query" validate:"required"`
	ConditionDescription string         `json:"condition_description" validate:"required"`
	Schedule             string         `json:"schedule" validate:"required,cron"`
	NotifyBehavior       NotifyBehavior `json:"notify_behavior" validate:"required,oneof=once always track_state"`
	NotifyEmail          string         `json:"notify_email,omitempty" validate:"omitempty,email"`
	IsActive             bool           `json:"is_active"`
	LastKnownState       *TaskState     `json:"last_known_state,omitempty"`
	LastNotifiedAt       *time.Time     `json:"last_notified_at,omitempty"`
	LastFiredAt          *time.Time     `json:"last_fired_at,omitempty"`
	Version              int64          `json:"version"`
	CreatedAt            time.Time      `json:"created_at"`
	UpdatedAt            time.Time      `json:"updated_at"`
}

// Validate rejects malformed task definitions before they are stored.
func (t *Task) Validate() error {
	return validate.Struct(t)
}
