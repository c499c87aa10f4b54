package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"lab-notification-service/internal/models"
)

// isUniqueViolation reports whether err is a Postgres unique_violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (d *DB) CreateTemplate(ctx context.Context, t *models.Template) error {
	ensureID(&t.ID)
	now := time.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	variables, _ := json.Marshal(t.Variables)
	channels, _ := json.Marshal(t.SupportedChannels)

	query := `
        INSERT INTO templates (
            id, name, type, subject_pattern, body_pattern, rich_body_pattern,
            variables, supported_channels, default_priority, version, active,
            created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`
	_, err := d.Pool.Exec(ctx, query,
		t.ID, t.Name, t.Type, t.SubjectPattern, t.BodyPattern, t.RichBodyPattern,
		variables, channels, t.DefaultPriority, t.Version, t.Active,
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("template name %q: %w", t.Name, models.ErrConflict)
		}
		return fmt.Errorf("failed to create template: %w", err)
	}
	return nil
}

func (d *DB) UpdateTemplate(ctx context.Context, t *models.Template) error {
	t.UpdatedAt = time.Now()
	variables, _ := json.Marshal(t.Variables)
	channels, _ := json.Marshal(t.SupportedChannels)

	query := `
        UPDATE templates
        SET name = $2, type = $3, subject_pattern = $4, body_pattern = $5,
            rich_body_pattern = $6, variables = $7, supported_channels = $8,
            default_priority = $9, active = $10, version = version + 1,
            updated_at = $11
        WHERE id = $1
        RETURNING version, created_at`
	err := d.Pool.QueryRow(ctx, query,
		t.ID, t.Name, t.Type, t.SubjectPattern, t.BodyPattern, t.RichBodyPattern,
		variables, channels, t.DefaultPriority, t.Active, t.UpdatedAt,
	).Scan(&t.Version, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("template %s: %w", t.ID, models.ErrNotFound)
		}
		return fmt.Errorf("failed to update template: %w", err)
	}
	return nil
}

const templateColumns = `
        id, name, type, subject_pattern, body_pattern, rich_body_pattern,
        variables, supported_channels, default_priority, version, active,
        created_at, updated_at`

func scanTemplate(row pgx.Row) (models.Template, error) {
	var t models.Template
	var variables, channels []byte
	err := row.Scan(
		&t.ID, &t.Name, &t.Type, &t.SubjectPattern, &t.BodyPattern, &t.RichBodyPattern,
		&variables, &channels, &t.DefaultPriority, &t.Version, &t.Active,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return models.Template{}, err
	}
	if err := json.Unmarshal(variables, &t.Variables); err != nil {
		return models.Template{}, fmt.Errorf("failed to decode template variables: %w", err)
	}
	if err := json.Unmarshal(channels, &t.SupportedChannels); err != nil {
		return models.Template{}, fmt.Errorf("failed to decode template channels: %w", err)
	}
	return t, nil
}

func (d *DB) GetTemplate(ctx context.Context, id string) (models.Template, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE id = $1`, id)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Template{}, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
		}
		return models.Template{}, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	return t, nil
}

func (d *DB) GetTemplateByName(ctx context.Context, name string) (models.Template, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+templateColumns+` FROM templates WHERE name = $1`, name)
	t, err := scanTemplate(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Template{}, fmt.Errorf("template %q: %w", name, models.ErrNotFound)
		}
		return models.Template{}, fmt.Errorf("failed to get template %q: %w", name, err)
	}
	return t, nil
}

func (d *DB) ListTemplates(ctx context.Context) ([]models.Template, error) {
	rows, err := d.Pool.Query(ctx, `SELECT `+templateColumns+` FROM templates ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}
	defer rows.Close()

	var templates []models.Template
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan template: %w", err)
		}
		templates = append(templates, t)
	}
	return templates, rows.Err()
}
