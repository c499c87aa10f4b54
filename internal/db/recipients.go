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

func (d *DB) CreateRecipient(ctx context.Context, r *models.Recipient) error {
	ensureID(&r.ID)
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	addresses, _ := json.Marshal(r.Addresses)
	preferred, _ := json.Marshal(r.PreferredChannels)
	quiet, _ := json.Marshal(r.QuietHours)

	query := `
        INSERT INTO recipients (
            id, display_name, kind, addresses, preferred_channels, timezone,
            quiet_hours, active, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`
	_, err := d.Pool.Exec(ctx, query,
		r.ID, r.DisplayName, r.Kind, addresses, preferred, r.Timezone,
		quiet, r.Active, r.CreatedAt, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create recipient: %w", err)
	}
	return nil
}

func (d *DB) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	r.UpdatedAt = time.Now()
	addresses, _ := json.Marshal(r.Addresses)
	preferred, _ := json.Marshal(r.PreferredChannels)
	quiet, _ := json.Marshal(r.QuietHours)

	query := `
        UPDATE recipients
        SET display_name = $2, kind = $3, addresses = $4, preferred_channels = $5,
            timezone = $6, quiet_hours = $7, active = $8, updated_at = $9
        WHERE id = $1`
	result, err := d.Pool.Exec(ctx, query,
		r.ID, r.DisplayName, r.Kind, addresses, preferred,
		r.Timezone, quiet, r.Active, r.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update recipient: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s: %w", r.ID, models.ErrNotFound)
	}
	return nil
}

func (d *DB) DeactivateRecipient(ctx context.Context, id string) error {
	result, err := d.Pool.Exec(ctx,
		`UPDATE recipients SET active = FALSE, updated_at = $2 WHERE id = $1`, id, time.Now())
	if err != nil {
		return fmt.Errorf("failed to deactivate recipient: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("recipient %s: %w", id, models.ErrNotFound)
	}
	return nil
}

const recipientColumns = `
        id, display_name, kind, addresses, preferred_channels, timezone,
        quiet_hours, active, created_at, updated_at`

func scanRecipient(row pgx.Row) (models.Recipient, error) {
	var r models.Recipient
	var addresses, preferred, quiet []byte
	err := row.Scan(
		&r.ID, &r.DisplayName, &r.Kind, &addresses, &preferred, &r.Timezone,
		&quiet, &r.Active, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return models.Recipient{}, err
	}
	if err := json.Unmarshal(addresses, &r.Addresses); err != nil {
		return models.Recipient{}, fmt.Errorf("failed to decode recipient addresses: %w", err)
	}
	if err := json.Unmarshal(preferred, &r.PreferredChannels); err != nil {
		return models.Recipient{}, fmt.Errorf("failed to decode preferred channels: %w", err)
	}
	if len(quiet) > 0 {
		if err := json.Unmarshal(quiet, &r.QuietHours); err != nil {
			return models.Recipient{}, fmt.Errorf("failed to decode quiet hours: %w", err)
		}
	}
	return r, nil
}

func (d *DB) GetRecipient(ctx context.Context, id string) (models.Recipient, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+recipientColumns+` FROM recipients WHERE id = $1`, id)
	r, err := scanRecipient(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Recipient{}, fmt.Errorf("recipient %s: %w", id, models.ErrNotFound)
		}
		return models.Recipient{}, fmt.Errorf("failed to get recipient %s: %w", id, err)
	}
	return r, nil
}

func (d *DB) ListRecipients(ctx context.Context) ([]models.Recipient, error) {
	rows, err := d.Pool.Query(ctx, `SELECT `+recipientColumns+` FROM recipients ORDER BY display_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list recipients: %w", err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}

func (d *DB) CreateGroup(ctx context.Context, g *models.Group) error {
	ensureID(&g.ID)
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now

	query := `
        INSERT INTO groups (id, name, kind, escalation_delay_ns, active, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := d.Pool.Exec(ctx, query,
		g.ID, g.Name, g.Kind, int64(g.EscalationDelay), g.Active, g.CreatedAt, g.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("group name %q: %w", g.Name, models.ErrConflict)
		}
		return fmt.Errorf("failed to create group: %w", err)
	}
	return nil
}

func (d *DB) GetGroup(ctx context.Context, id string) (models.Group, error) {
	var g models.Group
	var delayNs int64
	query := `
        SELECT id, name, kind, escalation_delay_ns, active, created_at, updated_at
        FROM groups WHERE id = $1`
	err := d.Pool.QueryRow(ctx, query, id).Scan(
		&g.ID, &g.Name, &g.Kind, &delayNs, &g.Active, &g.CreatedAt, &g.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Group{}, fmt.Errorf("group %s: %w", id, models.ErrNotFound)
		}
		return models.Group{}, fmt.Errorf("failed to get group %s: %w", id, err)
	}
	g.EscalationDelay = time.Duration(delayNs)
	return g, nil
}

func (d *DB) AddMembership(ctx context.Context, m *models.Membership) error {
	ensureID(&m.ID)
	m.CreatedAt = time.Now()

	query := `
        INSERT INTO memberships (id, group_id, recipient_id, role, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6)`
	_, err := d.Pool.Exec(ctx, query,
		m.ID, m.GroupID, m.RecipientID, m.Role, m.Active, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to add membership: %w", err)
	}
	return nil
}

func (d *DB) ActiveMembers(ctx context.Context, groupID string, roles ...models.MembershipRole) ([]models.Recipient, error) {
	query := `
        SELECT r.id, r.display_name, r.kind, r.addresses, r.preferred_channels,
               r.timezone, r.quiet_hours, r.active, r.created_at, r.updated_at
        FROM recipients r
        JOIN memberships m ON m.recipient_id = r.id
        WHERE m.group_id = $1 AND m.active AND r.active
          AND ($2::text[] IS NULL OR m.role = ANY($2))
        ORDER BY m.created_at`
	var roleFilter []string
	for _, role := range roles {
		roleFilter = append(roleFilter, string(role))
	}
	rows, err := d.Pool.Query(ctx, query, groupID, roleFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to list active members of group %s: %w", groupID, err)
	}
	defer rows.Close()

	var recipients []models.Recipient
	for rows.Next() {
		r, err := scanRecipient(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan recipient: %w", err)
		}
		recipients = append(recipients, r)
	}
	return recipients, rows.Err()
}
