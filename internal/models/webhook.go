package models

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

var (
	// ErrWebhookNotHTTPS is permanent: the URL never becomes deliverable.
	ErrWebhookNotHTTPS = errors.New("webhook url must use https")
	// ErrWebhookSecretMissing is a configuration error; deliveries must not be attempted.
	ErrWebhookSecretMissing = errors.New("webhook secret missing for enabled config")
)

// WebhookConfig is owned by the settings layer. TaskID is empty for an
// owner-wide config.
type WebhookConfig struct {
	ID            string    `json:"id"`
	OwnerID       string    `json:"owner_id" validate:"required"`
	TaskID        string    `json:"task_id,omitempty"`
	URL           string    `json:"url" validate:"required,url"`
	Secret        string    `json:"secret,omitempty"`
	SecretVersion int       `json:"secret_version"`
	Enabled       bool      `json:"enabled"`
	InvalidReason string    `json:"invalid_reason,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Validate checks that the config can be delivered to.
func (c *WebhookConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parsing webhook url: %w", err)
	}
	if u.Scheme != "https" {
		return ErrWebhookNotHTTPS
	}
	if c.Enabled && c.Secret == "" {
		return ErrWebhookSecretMissing
	}
	return nil
}
