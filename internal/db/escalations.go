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

func (d *DB) CreateEscalationChain(ctx context.Context, c *models.EscalationChain) error {
	ensureID(&c.ID)
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	conditions, _ := json.Marshal(c.Conditions)
	steps, _ := json.Marshal(c.Steps)

	query := `
        INSERT INTO escalation_chains (
            id, name, conditions, steps, max_escalation_level, active,
            total_escalations, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8)`
	_, err := d.Pool.Exec(ctx, query,
		c.ID, c.Name, conditions, steps, c.MaxEscalationLevel, c.Active,
		c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("escalation chain name %q: %w", c.Name, models.ErrConflict)
		}
		return fmt.Errorf("failed to create escalation chain: %w", err)
	}
	return nil
}

const chainColumns = `
        id, name, conditions, steps, max_escalation_level, active,
        last_triggered, total_escalations, created_at, updated_at`

func scanChain(row pgx.Row) (models.EscalationChain, error) {
	var c models.EscalationChain
	var conditions, steps []byte
	err := row.Scan(
		&c.ID, &c.Name, &conditions, &steps, &c.MaxEscalationLevel, &c.Active,
		&c.LastTriggered, &c.TotalEscalations, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return models.EscalationChain{}, err
	}
	if err := json.Unmarshal(conditions, &c.Conditions); err != nil {
		return models.EscalationChain{}, fmt.Errorf("failed to decode chain conditions: %w", err)
	}
	if err := json.Unmarshal(steps, &c.Steps); err != nil {
		return models.EscalationChain{}, fmt.Errorf("failed to decode chain steps: %w", err)
	}
	return c, nil
}

func (d *DB) GetEscalationChain(ctx context.Context, id string) (models.EscalationChain, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+chainColumns+` FROM escalation_chains WHERE id = $1`, id)
	c, err := scanChain(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscalationChain{}, fmt.Errorf("escalation chain %s: %w", id, models.ErrNotFound)
		}
		return models.EscalationChain{}, fmt.Errorf("failed to get escalation chain %s: %w", id, err)
	}
	return c, nil
}

func (d *DB) ListActiveEscalationChains(ctx context.Context) ([]models.EscalationChain, error) {
	rows, err := d.Pool.Query(ctx, `SELECT `+chainColumns+` FROM escalation_chains WHERE active ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list escalation chains: %w", err)
	}
	defer rows.Close()

	var chains []models.EscalationChain
	for rows.Next() {
		c, err := scanChain(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation chain: %w", err)
		}
		chains = append(chains, c)
	}
	return chains, rows.Err()
}

func (d *DB) MarkChainTriggered(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE escalation_chains
        SET total_escalations = total_escalations + 1, last_triggered = $2, updated_at = $2
        WHERE id = $1`
	result, err := d.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark chain triggered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("escalation chain %s: %w", id, models.ErrNotFound)
	}
	return nil
}

func (d *DB) PutEscalationContext(ctx context.Context, ec *models.EscalationContext) error {
	now := time.Now()
	ec.UpdatedAt = now
	if ec.CreatedAt.IsZero() {
		ec.CreatedAt = now
	}
	event, _ := json.Marshal(ec.Event)

	// Level never decreases; acknowledged contexts stay acknowledged.
	query := `
        INSERT INTO escalation_contexts (
            correlation_id, chain_id, level, acknowledged, acknowledged_at,
            exhausted, next_due, event, priority, template_id, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
        ON CONFLICT (correlation_id) DO UPDATE SET
            level = EXCLUDED.level,
            exhausted = EXCLUDED.exhausted,
            next_due = EXCLUDED.next_due,
            updated_at = EXCLUDED.updated_at
        WHERE escalation_contexts.level <= EXCLUDED.level
        RETURNING acknowledged, acknowledged_at, created_at`
	err := d.Pool.QueryRow(ctx, query,
		ec.CorrelationID, ec.ChainID, ec.Level, ec.Acknowledged, ec.AcknowledgedAt,
		ec.Exhausted, ec.NextDue, event, ec.Priority, ec.TemplateID,
		ec.CreatedAt, ec.UpdatedAt,
	).Scan(&ec.Acknowledged, &ec.AcknowledgedAt, &ec.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("escalation context %s: level would decrease: %w", ec.CorrelationID, models.ErrConflict)
		}
		return fmt.Errorf("failed to put escalation context: %w", err)
	}
	return nil
}

const contextColumns = `
        correlation_id, chain_id, level, acknowledged, acknowledged_at,
        exhausted, next_due, event, priority, template_id, created_at, updated_at`

func scanContext(row pgx.Row) (models.EscalationContext, error) {
	var ec models.EscalationContext
	var event []byte
	err := row.Scan(
		&ec.CorrelationID, &ec.ChainID, &ec.Level, &ec.Acknowledged, &ec.AcknowledgedAt,
		&ec.Exhausted, &ec.NextDue, &event, &ec.Priority, &ec.TemplateID,
		&ec.CreatedAt, &ec.UpdatedAt,
	)
	if err != nil {
		return models.EscalationContext{}, err
	}
	if err := json.Unmarshal(event, &ec.Event); err != nil {
		return models.EscalationContext{}, fmt.Errorf("failed to decode context event: %w", err)
	}
	return ec, nil
}

func (d *DB) GetEscalationContext(ctx context.Context, correlationID string) (models.EscalationContext, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+contextColumns+` FROM escalation_contexts WHERE correlation_id = $1`, correlationID)
	ec, err := scanContext(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.EscalationContext{}, fmt.Errorf("escalation context %s: %w", correlationID, models.ErrNotFound)
		}
		return models.EscalationContext{}, fmt.Errorf("failed to get escalation context %s: %w", correlationID, err)
	}
	return ec, nil
}

func (d *DB) DueEscalationContexts(ctx context.Context, now time.Time) ([]models.EscalationContext, error) {
	query := `
        SELECT ` + contextColumns + `
        FROM escalation_contexts
        WHERE NOT acknowledged AND NOT exhausted AND next_due <= $1
        ORDER BY next_due`
	rows, err := d.Pool.Query(ctx, query, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due escalation contexts: %w", err)
	}
	defer rows.Close()

	var contexts []models.EscalationContext
	for rows.Next() {
		ec, err := scanContext(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan escalation context: %w", err)
		}
		contexts = append(contexts, ec)
	}
	return contexts, rows.Err()
}

func (d *DB) AcknowledgeContext(ctx context.Context, correlationID string, at time.Time) error {
	query := `
        UPDATE escalation_contexts
        SET acknowledged = TRUE,
            acknowledged_at = COALESCE(acknowledged_at, $2),
            updated_at = $2
        WHERE correlation_id = $1`
	result, err := d.Pool.Exec(ctx, query, correlationID, at)
	if err != nil {
		return fmt.Errorf("failed to acknowledge escalation context: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("escalation context %s: %w", correlationID, models.ErrNotFound)
	}
	return nil
}
