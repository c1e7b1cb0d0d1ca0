package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/opencron/condwatch/internal/models"
)

type webhookRow struct {
	ID            string    `db:"id"`
	OwnerID       string    `db:"owner_id"`
	TaskID        string    `db:"task_id"`
	URL           string    `db:"url"`
	Secret        string    `db:"secret"`
	SecretVersion int       `db:"secret_version"`
	Enabled       bool      `db:"enabled"`
	InvalidReason string    `db:"invalid_reason"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (r webhookRow) toModel() models.WebhookConfig {
	return models.WebhookConfig{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		TaskID:        r.TaskID,
		URL:           r.URL,
		Secret:        r.Secret,
		SecretVersion: r.SecretVersion,
		Enabled:       r.Enabled,
		InvalidReason: r.InvalidReason,
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

// UpsertWebhookConfig stores the config for (owner, task). A changed secret
// bumps the secret version and any previous invalid flag is cleared.
func (s *Store) UpsertWebhookConfig(ctx context.Context, cfg *models.WebhookConfig) error {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.UpdatedAt = time.Now().UTC()
	cfg.InvalidReason = ""
	if cfg.SecretVersion <= 0 {
		cfg.SecretVersion = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO webhook_configs (id, owner_id, task_id, url, secret, secret_version, enabled, invalid_reason, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, '', ?)
		ON CONFLICT(owner_id, task_id) DO UPDATE SET
			url = excluded.url,
			secret_version = CASE WHEN webhook_configs.secret != excluded.secret
				THEN webhook_configs.secret_version + 1 ELSE webhook_configs.secret_version END,
			secret = excluded.secret,
			enabled = excluded.enabled,
			invalid_reason = '',
			updated_at = excluded.updated_at`,
		cfg.ID, cfg.OwnerID, cfg.TaskID, cfg.URL, cfg.Secret, cfg.SecretVersion, cfg.Enabled, cfg.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upserting webhook config: %w", err)
	}

	stored, err := s.getWebhookConfig(ctx, cfg.OwnerID, cfg.TaskID)
	if err != nil {
		return err
	}
	*cfg = *stored
	return nil
}

// GetWebhookConfig resolves the config used for a task: a task-specific
// config wins over the owner-wide one. ErrNotFound means no webhook is
// configured.
func (s *Store) GetWebhookConfig(ctx context.Context, taskID, ownerID string) (*models.WebhookConfig, error) {
	if taskID != "" {
		cfg, err := s.getWebhookConfig(ctx, ownerID, taskID)
		if err == nil {
			return cfg, nil
		}
		if !isNotFound(err) {
			return nil, err
		}
	}
	return s.getWebhookConfig(ctx, ownerID, "")
}

func (s *Store) getWebhookConfig(ctx context.Context, ownerID, taskID string) (*models.WebhookConfig, error) {
	var row webhookRow
	err := s.db.GetContext(ctx, &row, `
		SELECT id, owner_id, task_id, url, secret, secret_version, enabled, invalid_reason, updated_at
		FROM webhook_configs WHERE owner_id = ? AND task_id = ?`,
		ownerID, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("getting webhook config for owner %s: %w", ownerID, notFound(err))
	}
	cfg := row.toModel()
	return &cfg, nil
}

// MarkWebhookConfigInvalid flags a config that must be fixed before any
// delivery is attempted.
func (s *Store) MarkWebhookConfigInvalid(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE webhook_configs SET invalid_reason = ?, updated_at = ? WHERE id = ?",
		reason, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("flagging webhook config %s: %w", id, err)
	}
	return expectOne(res, fmt.Sprintf("webhook config %s", id))
}
