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

func (d *DB) CreateRule(ctx context.Context, r *models.Rule) error {
	ensureID(&r.ID)
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	conditions, _ := json.Marshal(r.Conditions)
	action, _ := json.Marshal(r.Action)

	query := `
        INSERT INTO rules (
            id, name, type, conditions, action, priority, execution_order,
            active, trigger_count, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, $9, $10)`
	_, err := d.Pool.Exec(ctx, query,
		r.ID, r.Name, r.Type, conditions, action, r.Priority, r.ExecutionOrder,
		r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create rule: %w", err)
	}
	return nil
}

func (d *DB) UpdateRule(ctx context.Context, r *models.Rule) error {
	r.UpdatedAt = time.Now()
	conditions, _ := json.Marshal(r.Conditions)
	action, _ := json.Marshal(r.Action)

	query := `
        UPDATE rules
        SET name = $2, type = $3, conditions = $4, action = $5, priority = $6,
            execution_order = $7, active = $8, updated_at = $9
        WHERE id = $1`
	result, err := d.Pool.Exec(ctx, query,
		r.ID, r.Name, r.Type, conditions, action, r.Priority,
		r.ExecutionOrder, r.Active, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update rule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", r.ID, models.ErrNotFound)
	}
	return nil
}

const ruleColumns = `
        id, name, type, conditions, action, priority, execution_order,
        active, last_triggered, trigger_count, created_at, updated_at`

func scanRule(row pgx.Row) (models.Rule, error) {
	var r models.Rule
	var conditions, action []byte
	err := row.Scan(
		&r.ID, &r.Name, &r.Type, &conditions, &action, &r.Priority, &r.ExecutionOrder,
		&r.Active, &r.LastTriggered, &r.TriggerCount, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.Rule{}, err
	}
	if err := json.Unmarshal(conditions, &r.Conditions); err != nil {
		return models.Rule{}, fmt.Errorf("failed to decode rule conditions: %w", err)
	}
	if err := json.Unmarshal(action, &r.Action); err != nil {
		return models.Rule{}, fmt.Errorf("failed to decode rule action: %w", err)
	}
	return r, nil
}

func (d *DB) GetRule(ctx context.Context, id string) (models.Rule, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id)
	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Rule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
		}
		return models.Rule{}, fmt.Errorf("failed to get rule %s: %w", id, err)
	}
	return r, nil
}

func (d *DB) ActiveRulesByType(ctx context.Context, t models.RuleType) ([]models.Rule, error) {
	query := `
        SELECT ` + ruleColumns + `
        FROM rules
        WHERE type = $1 AND active
        ORDER BY execution_order, created_at`
	rows, err := d.Pool.Query(ctx, query, t)
	if err != nil {
		return nil, fmt.Errorf("failed to list active rules of type %s: %w", t, err)
	}
	defer rows.Close()

	var rules []models.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

func (d *DB) MarkRuleTriggered(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE rules
        SET trigger_count = trigger_count + 1, last_triggered = $2, updated_at = $2
        WHERE id = $1`
	result, err := d.Pool.Exec(ctx, query, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark rule triggered: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	return nil
}
