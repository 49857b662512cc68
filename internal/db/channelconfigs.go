package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

const channelConfigColumns = `
	id, type, allowed_channels, default_channel, target_roles, active,
	created_at, updated_at
`

func scanChannelConfig(row pgx.Row) (*ChannelConfig, error) {
	var cfg ChannelConfig
	err := row.Scan(
		&cfg.ID,
		&cfg.Type,
		&cfg.AllowedChannels,
		&cfg.DefaultChannel,
		&cfg.TargetRoles,
		&cfg.Active,
		&cfg.CreatedAt,
		&cfg.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// CreateChannelConfig inserts a per-type channel configuration.
func (r *Repository) CreateChannelConfig(ctx context.Context, cfg *ChannelConfig) error {
	query := `
		INSERT INTO channel_configs (id, type, allowed_channels, default_channel, target_roles, active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		cfg.ID, cfg.Type, cfg.AllowedChannels, cfg.DefaultChannel, cfg.TargetRoles, cfg.Active,
	).Scan(&cfg.CreatedAt, &cfg.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert channel config: %w", err)
	}
	return nil
}

// GetChannelConfig retrieves one configuration by ID.
func (r *Repository) GetChannelConfig(ctx context.Context, id uuid.UUID) (*ChannelConfig, error) {
	query := `SELECT ` + channelConfigColumns + ` FROM channel_configs WHERE id = $1`

	cfg, err := scanChannelConfig(r.db.Pool().QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel config %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel config: %w", err)
	}
	return cfg, nil
}

// GetChannelConfigByType retrieves the active configuration for a type, if any.
func (r *Repository) GetChannelConfigByType(ctx context.Context, notifType string) (*ChannelConfig, error) {
	query := `SELECT ` + channelConfigColumns + ` FROM channel_configs WHERE type = $1 AND active = TRUE`

	cfg, err := scanChannelConfig(r.db.Pool().QueryRow(ctx, query, notifType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("channel config for type %s: %w", notifType, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query channel config: %w", err)
	}
	return cfg, nil
}

// ListChannelConfigs retrieves every configuration, seed order first.
func (r *Repository) ListChannelConfigs(ctx context.Context) ([]*ChannelConfig, error) {
	query := `SELECT ` + channelConfigColumns + ` FROM channel_configs ORDER BY type ASC`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query channel configs: %w", err)
	}
	defer rows.Close()

	var configs []*ChannelConfig
	for rows.Next() {
		cfg, err := scanChannelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("scan channel config: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return configs, nil
}

// UpdateChannelConfig rewrites a configuration.
func (r *Repository) UpdateChannelConfig(ctx context.Context, cfg *ChannelConfig) error {
	query := `
		UPDATE channel_configs
		SET allowed_channels = $1, default_channel = $2, target_roles = $3,
		    active = $4, updated_at = NOW()
		WHERE id = $5
	`

	result, err := r.db.Pool().Exec(ctx, query,
		cfg.AllowedChannels, cfg.DefaultChannel, cfg.TargetRoles, cfg.Active, cfg.ID,
	)
	if err != nil {
		return fmt.Errorf("update channel config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel config %s: %w", cfg.ID, ErrNotFound)
	}
	return nil
}

// DeleteChannelConfig removes a configuration.
func (r *Repository) DeleteChannelConfig(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.Pool().Exec(ctx, `DELETE FROM channel_configs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete channel config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel config %s: %w", id, ErrNotFound)
	}
	return nil
}

// SeedChannelConfigs inserts an in-app-only default for every known
// notification type that lacks a configuration. Returns the types seeded.
func (r *Repository) SeedChannelConfigs(ctx context.Context) ([]string, error) {
	var seeded []string

	for _, notifType := range NotificationTypes {
		query := `
			INSERT INTO channel_configs (id, type, allowed_channels, default_channel, target_roles, active)
			SELECT $1, $2, $3, $4, $5, TRUE
			WHERE NOT EXISTS (SELECT 1 FROM channel_configs WHERE type = $2)
		`
		result, err := r.db.Pool().Exec(ctx, query,
			uuid.New(), notifType,
			[]string{ChannelInApp}, ChannelInApp,
			[]string{RoleUser, RoleVendor, RoleAdmin},
		)
		if err != nil {
			return seeded, fmt.Errorf("seed channel config for %s: %w", notifType, err)
		}
		if result.RowsAffected() > 0 {
			seeded = append(seeded, notifType)
		}
	}

	r.logger.Info("channel configs seeded", zap.Strings("types", seeded))
	return seeded, nil
}
