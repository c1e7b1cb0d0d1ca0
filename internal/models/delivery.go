package models

import "time"

type Channel string

const (
	ChannelWebhook Channel = "webhook"
	ChannelEmail   Channel = "email"
)

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliverySuccess  DeliveryStatus = "success"
	DeliveryFailed   DeliveryStatus = "failed"
	DeliveryRetrying DeliveryStatus = "retrying"
)

func (s DeliveryStatus) IsTerminal() bool {
	return s == DeliverySuccess || s == DeliveryFailed
}

// NotificationDelivery tracks delivery of one notification over one channel.
// Only the dispatcher mutates it after creation.
type NotificationDelivery struct {
	ID                 string         `json:"id"`
	ExecutionID        string         `json:"execution_id"`
	TaskID             string         `json:"task_id"`
	Channel            Channel        `json:"channel"`
	Target             string         `json:"target"`
	Status             DeliveryStatus `json:"status"`
	Attempts           int            `json:"attempts"`
	NextRetryAt        *time.Time     `json:"next_retry_at,omitempty"`
	HTTPStatusCode     *int           `json:"http_status_code,omitempty"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	SignatureTimestamp *int64         `json:"signature_timestamp,omitempty"`
	SecretVersion      *int           `json:"secret_version,omitempty"`
	LockedUntil        *time.Time     `json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}
