// Package db implements store.Store on Postgres via pgx. Complex nested
// fields (conditions, actions, steps, address maps) live in jsonb columns;
// status transitions are enforced with guarded UPDATEs so the state machine
// holds under concurrent workers.
package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

type DB struct {
	Pool *pgxpool.Pool
}

func New(dsn string) (*DB, error) {
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	return &DB{Pool: pool}, nil
}

func (d *DB) Close() {
	d.Pool.Close()
}

// Migrate creates the schema if it does not exist yet.
func (d *DB) Migrate(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS templates (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			type TEXT NOT NULL,
			subject_pattern TEXT NOT NULL,
			body_pattern TEXT NOT NULL,
			rich_body_pattern TEXT NOT NULL DEFAULT '',
			variables JSONB NOT NULL DEFAULT '[]',
			supported_channels JSONB NOT NULL DEFAULT '[]',
			default_priority TEXT NOT NULL,
			version INT NOT NULL DEFAULT 1,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS recipients (
			id UUID PRIMARY KEY,
			display_name TEXT NOT NULL,
			kind TEXT NOT NULL,
			addresses JSONB NOT NULL DEFAULT '{}',
			preferred_channels JSONB NOT NULL DEFAULT '[]',
			timezone TEXT NOT NULL DEFAULT '',
			quiet_hours JSONB,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS groups (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL,
			escalation_delay_ns BIGINT NOT NULL DEFAULT 0,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS memberships (
			id UUID PRIMARY KEY,
			group_id UUID NOT NULL REFERENCES groups(id),
			recipient_id UUID NOT NULL REFERENCES recipients(id),
			role TEXT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS rules (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL,
			type TEXT NOT NULL,
			conditions JSONB NOT NULL DEFAULT '[]',
			action JSONB NOT NULL,
			priority TEXT NOT NULL,
			execution_order INT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_triggered TIMESTAMPTZ,
			trigger_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS channel_configs (
			channel TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			settings JSONB NOT NULL DEFAULT '{}',
			rate_limit_per_minute INT NOT NULL,
			rate_limit_per_hour INT NOT NULL,
			timeout_ns BIGINT NOT NULL DEFAULT 0,
			retry_intervals JSONB NOT NULL DEFAULT '[]',
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			last_health_check JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id UUID PRIMARY KEY,
			template_id TEXT NOT NULL DEFAULT '',
			rule_id TEXT NOT NULL DEFAULT '',
			subject TEXT NOT NULL,
			body TEXT NOT NULL,
			rich_body TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL,
			channel TEXT NOT NULL,
			recipient_id TEXT NOT NULL,
			address TEXT NOT NULL,
			status TEXT NOT NULL,
			scheduled_for TIMESTAMPTZ NOT NULL,
			sent_at TIMESTAMPTZ,
			delivered_at TIMESTAMPTZ,
			failed_at TIMESTAMPTZ,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 0,
			correlation_id TEXT NOT NULL,
			source_service TEXT NOT NULL DEFAULT '',
			source_event_id TEXT NOT NULL DEFAULT '',
			provider_id TEXT NOT NULL DEFAULT '',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_status ON notifications (status)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_recipient ON notifications (recipient_id, created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_correlation ON notifications (correlation_id)`,
		`CREATE TABLE IF NOT EXISTS delivery_attempts (
			id UUID PRIMARY KEY,
			notification_id UUID NOT NULL REFERENCES notifications(id) ON DELETE CASCADE,
			attempt_number INT NOT NULL,
			channel TEXT NOT NULL,
			address TEXT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			status TEXT NOT NULL,
			response_code INT NOT NULL DEFAULT 0,
			response_text TEXT NOT NULL DEFAULT '',
			latency_ns BIGINT NOT NULL DEFAULT 0,
			provider_id TEXT NOT NULL DEFAULT '',
			UNIQUE (notification_id, attempt_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_timestamp ON delivery_attempts (timestamp)`,
		`CREATE TABLE IF NOT EXISTS escalation_chains (
			id UUID PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			conditions JSONB NOT NULL DEFAULT '[]',
			steps JSONB NOT NULL,
			max_escalation_level INT NOT NULL,
			active BOOLEAN NOT NULL DEFAULT TRUE,
			last_triggered TIMESTAMPTZ,
			total_escalations BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS escalation_contexts (
			correlation_id TEXT PRIMARY KEY,
			chain_id UUID NOT NULL,
			level INT NOT NULL DEFAULT 0,
			acknowledged BOOLEAN NOT NULL DEFAULT FALSE,
			acknowledged_at TIMESTAMPTZ,
			exhausted BOOLEAN NOT NULL DEFAULT FALSE,
			next_due TIMESTAMPTZ NOT NULL,
			event JSONB NOT NULL,
			priority TEXT NOT NULL,
			template_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_due ON escalation_contexts (next_due) WHERE NOT acknowledged AND NOT exhausted`,
	}
	for _, stmt := range ddl {
		if _, err := d.Pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate schema: %w", err)
		}
	}
	return nil
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}
