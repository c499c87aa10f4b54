package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lab-notification-service/internal/models"
)

func (d *DB) UpsertChannelConfig(ctx context.Context, c *models.ChannelConfiguration) error {
	now := time.Now()
	c.UpdatedAt = now
	settings, _ := json.Marshal(c.Settings)
	intervals, _ := json.Marshal(c.RetryIntervals)
	health, _ := json.Marshal(c.LastHealthCheck)

	query := `
        INSERT INTO channel_configs (
            channel, provider, settings, rate_limit_per_minute, rate_limit_per_hour,
            timeout_ns, retry_intervals, enabled, last_health_check, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
        ON CONFLICT (channel) DO UPDATE SET
            provider = EXCLUDED.provider,
            settings = EXCLUDED.settings,
            rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
            rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
            timeout_ns = EXCLUDED.timeout_ns,
            retry_intervals = EXCLUDED.retry_intervals,
            enabled = EXCLUDED.enabled,
            updated_at = EXCLUDED.updated_at`
	_, err := d.Pool.Exec(ctx, query,
		c.Channel, c.Provider, settings, c.RateLimitPerMinute, c.RateLimitPerHour,
		int64(c.Timeout), intervals, c.Enabled, health, now)
	if err != nil {
		return fmt.Errorf("failed to upsert channel config: %w", err)
	}
	return nil
}

const channelColumns = `
        channel, provider, settings, rate_limit_per_minute, rate_limit_per_hour,
        timeout_ns, retry_intervals, enabled, last_health_check, created_at, updated_at`

func scanChannelConfig(row pgx.Row) (models.ChannelConfiguration, error) {
	var c models.ChannelConfiguration
	var settings, intervals, health []byte
	var timeoutNs int64
	err := row.Scan(
		&c.Channel, &c.Provider, &settings, &c.RateLimitPerMinute, &c.RateLimitPerHour,
		&timeoutNs, &intervals, &c.Enabled, &health, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return models.ChannelConfiguration{}, err
	}
	c.Timeout = time.Duration(timeoutNs)
	if err := json.Unmarshal(settings, &c.Settings); err != nil {
		return models.ChannelConfiguration{}, fmt.Errorf("failed to decode channel settings: %w", err)
	}
	if err := json.Unmarshal(intervals, &c.RetryIntervals); err != nil {
		return models.ChannelConfiguration{}, fmt.Errorf("failed to decode retry intervals: %w", err)
	}
	if len(health) > 0 {
		if err := json.Unmarshal(health, &c.LastHealthCheck); err != nil {
			return models.ChannelConfiguration{}, fmt.Errorf("failed to decode health check: %w", err)
		}
	}
	return c, nil
}

func (d *DB) GetChannelConfig(ctx context.Context, ch models.Channel) (models.ChannelConfiguration, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+channelColumns+` FROM channel_configs WHERE channel = $1`, ch)
	c, err := scanChannelConfig(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.ChannelConfiguration{}, fmt.Errorf("channel config %s: %w", ch, models.ErrNotFound)
		}
		return models.ChannelConfiguration{}, fmt.Errorf("failed to get channel config %s: %w", ch, err)
	}
	return c, nil
}

func (d *DB) ListChannelConfigs(ctx context.Context) ([]models.ChannelConfiguration, error) {
	rows, err := d.Pool.Query(ctx, `SELECT `+channelColumns+` FROM channel_configs ORDER BY channel`)
	if err != nil {
		return nil, fmt.Errorf("failed to list channel configs: %w", err)
	}
	defer rows.Close()

	var configs []models.ChannelConfiguration
	for rows.Next() {
		c, err := scanChannelConfig(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan channel config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

func (d *DB) RecordChannelHealth(ctx context.Context, ch models.Channel, hc models.HealthCheck) error {
	health, _ := json.Marshal(hc)
	result, err := d.Pool.Exec(ctx,
		`UPDATE channel_configs SET last_health_check = $2, updated_at = $3 WHERE channel = $1`,
		ch, health, time.Now())
	if err != nil {
		return fmt.Errorf("failed to record channel health: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("channel config %s: %w", ch, models.ErrNotFound)
	}
	return nil
}
