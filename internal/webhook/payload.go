// Package webhook defines the outbound webhook wire format: the JSON
// payload and its HMAC signature header.
package webhook

import (
	"encoding/json"
	"time"

	"github.com/opencron/condwatch/internal/models"
)

const (
	EventConditionMet = "task.condition_met"
	EventTest         = "webhook.test"
)

type Payload struct {
	ID        string `json:"id"`
	EventType string `json:"event_type"`
	CreatedAt int64  `json:"created_at"`
	Data      Data   `json:"data"`
}

type Data struct {
	Task      TaskInfo      `json:"task"`
	Execution ExecutionInfo `json:"execution"`
	Result    Result        `json:"result"`
}

type TaskInfo struct {
	ID                   string                `json:"id"`
	Name                 string                `json:"name"`
	SearchQuery          string                `json:"search_query"`
	ConditionDescription string                `json:"condition_description"`
	NotifyBehavior       models.NotifyBehavior `json:"notify_behavior"`
}

type ExecutionInfo struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
}

type Result struct {
	ConditionMet bool     `json:"condition_met"`
	Answer       string   `json:"answer"`
	Reasoning    string   `json:"reasoning"`
	Sources      []string `json:"sources"`
}

// NewConditionMetPayload builds the payload for a notifying execution.
func NewConditionMetPayload(task *models.Task, exec *models.Execution, now time.Time) Payload {
	sources := exec.Sources
	if sources == nil {
		sources = []string{}
	}
	return Payload{
		ID:        exec.ID,
		EventType: EventConditionMet,
		CreatedAt: now.Unix(),
		Data: Data{
			Task: TaskInfo{
				ID:                   task.ID,
				Name:                 task.Name,
				SearchQuery:          task.SearchQuery,
				ConditionDescription: task.ConditionDescription,
				NotifyBehavior:       task.NotifyBehavior,
			},
			Execution: ExecutionInfo{ID: exec.ID, StartedAt: exec.StartedAt},
			Result: Result{
				ConditionMet: exec.ConditionMet,
				Answer:       exec.Answer,
				Reasoning:    exec.Reasoning,
				Sources:      sources,
			},
		},
	}
}

// NewTestPayload builds a synthetic payload used to verify a webhook config.
func NewTestPayload(id string, now time.Time) Payload {
	return Payload{
		ID:        id,
		EventType: EventTest,
		CreatedAt: now.Unix(),
		Data: Data{
			Task: TaskInfo{
				ID:                   "test",
				Name:                 "Test notification",
				SearchQuery:          "webhook configuration test",
				ConditionDescription: "always true",
				NotifyBehavior:       models.NotifyAlways,
			},
			Execution: ExecutionInfo{ID: id, StartedAt: now.UTC()},
			Result: Result{
				ConditionMet: true,
				Answer:       "This is a test notification.",
				Reasoning:    "Sent on request to verify the webhook endpoint.",
				Sources:      []string{},
			},
		},
	}
}

func (p Payload) Marshal() ([]byte, error) {
	return json.Marshal(p)
}
