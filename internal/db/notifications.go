package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"lab-notification-service/internal/models"
)

func (d *DB) CreateNotification(ctx context.Context, n *models.Notification) error {
	ensureID(&n.ID)
	now := time.Now()
	if n.Status == "" {
		n.Status = models.StatusPending
	}
	if n.ScheduledFor.IsZero() {
		n.ScheduledFor = now
	}
	n.CreatedAt = now
	n.UpdatedAt = now

	query := `
        INSERT INTO notifications (
            id, template_id, rule_id, subject, body, rich_body, priority, channel,
            recipient_id, address, status, scheduled_for, retry_count, max_retries,
            correlation_id, source_service, source_event_id, created_at, updated_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`
	_, err := d.Pool.Exec(ctx, query,
		n.ID, n.TemplateID, n.RuleID, n.Subject, n.Body, n.RichBody, n.Priority, n.Channel,
		n.RecipientID, n.Address, n.Status, n.ScheduledFor, n.RetryCount, n.MaxRetries,
		n.CorrelationID, n.SourceService, n.SourceEventID, n.CreatedAt, n.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create notification: %w", err)
	}
	return nil
}

const notificationColumns = `
        id, template_id, rule_id, subject, body, rich_body, priority, channel,
        recipient_id, address, status, scheduled_for, sent_at, delivered_at,
        failed_at, retry_count, max_retries, correlation_id, source_service,
        source_event_id, provider_id, last_error, created_at, updated_at`

func scanNotification(row pgx.Row) (models.Notification, error) {
	var n models.Notification
	err := row.Scan(
		&n.ID, &n.TemplateID, &n.RuleID, &n.Subject, &n.Body, &n.RichBody, &n.Priority, &n.Channel,
		&n.RecipientID, &n.Address, &n.Status, &n.ScheduledFor, &n.SentAt, &n.DeliveredAt,
		&n.FailedAt, &n.RetryCount, &n.MaxRetries, &n.CorrelationID, &n.SourceService,
		&n.SourceEventID, &n.ProviderID, &n.LastError, &n.CreatedAt, &n.UpdatedAt,
	)
	return n, err
}

func (d *DB) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	row := d.Pool.QueryRow(ctx, `SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id)
	n, err := scanNotification(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Notification{}, fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
		}
		return models.Notification{}, fmt.Errorf("failed to get notification %s: %w", id, err)
	}
	return n, nil
}

func (d *DB) ListNotificationsByRecipient(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	query := `
        SELECT ` + notificationColumns + `
        FROM notifications
        WHERE recipient_id = $1
        ORDER BY created_at DESC
        LIMIT $2`
	rows, err := d.Pool.Query(ctx, query, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for recipient %s: %w", recipientID, err)
	}
	return collectNotifications(rows)
}

func (d *DB) ListNotificationsByCorrelation(ctx context.Context, correlationID string) ([]models.Notification, error) {
	query := `
        SELECT ` + notificationColumns + `
        FROM notifications
        WHERE correlation_id = $1
        ORDER BY created_at`
	rows, err := d.Pool.Query(ctx, query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications for correlation %s: %w", correlationID, err)
	}
	return collectNotifications(rows)
}

func (d *DB) ListSchedulable(ctx context.Context) ([]models.Notification, error) {
	query := `
        SELECT ` + notificationColumns + `
        FROM notifications
        WHERE status IN ('pending', 'retrying')
        ORDER BY scheduled_for`
	rows, err := d.Pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedulable notifications: %w", err)
	}
	return collectNotifications(rows)
}

func collectNotifications(rows pgx.Rows) ([]models.Notification, error) {
	defer rows.Close()
	var notifications []models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// guardedTransition runs an UPDATE whose WHERE clause encodes the legal source
// states. Zero rows affected means either the row is gone (ErrNotFound) or the
// state machine forbids the move (ErrConflict).
func (d *DB) guardedTransition(ctx context.Context, id, query string, args ...interface{}) error {
	result, err := d.Pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update notification status: %w", err)
	}
	if result.RowsAffected() > 0 {
		return nil
	}
	var exists bool
	if err := d.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM notifications WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check notification %s: %w", id, err)
	}
	if !exists {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return fmt.Errorf("notification %s: illegal transition: %w", id, models.ErrConflict)
}

func (d *DB) MarkSent(ctx context.Context, id, providerID string, at time.Time) error {
	query := `
        UPDATE notifications
        SET status = 'sent', sent_at = $2, provider_id = $3, updated_at = $2
        WHERE id = $1 AND status IN ('pending', 'retrying')`
	return d.guardedTransition(ctx, id, query, id, at, providerID)
}

func (d *DB) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE notifications
        SET status = 'delivered', delivered_at = $2, updated_at = $2
        WHERE id = $1 AND status = 'sent'`
	return d.guardedTransition(ctx, id, query, id, at)
}

func (d *DB) MarkRetrying(ctx context.Context, id string, nextAt time.Time, lastErr string) error {
	query := `
        UPDATE notifications
        SET status = 'retrying', retry_count = retry_count + 1,
            scheduled_for = $2, last_error = $3, updated_at = $4
        WHERE id = $1 AND status IN ('pending', 'retrying')
          AND retry_count < max_retries`
	return d.guardedTransition(ctx, id, query, id, nextAt, lastErr, time.Now())
}

func (d *DB) MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error {
	query := `
        UPDATE notifications
        SET status = 'failed', failed_at = $2, last_error = $3, updated_at = $2
        WHERE id = $1 AND status IN ('pending', 'retrying', 'sent')`
	return d.guardedTransition(ctx, id, query, id, at, lastErr)
}

func (d *DB) MarkCancelled(ctx context.Context, id string) error {
	query := `
        UPDATE notifications
        SET status = 'cancelled', updated_at = $2
        WHERE id = $1 AND status IN ('pending', 'retrying')`
	return d.guardedTransition(ctx, id, query, id, time.Now())
}

func (d *DB) Reschedule(ctx context.Context, id string, at time.Time) error {
	query := `
        UPDATE notifications
        SET scheduled_for = $2, updated_at = $3
        WHERE id = $1 AND status IN ('pending', 'retrying')`
	return d.guardedTransition(ctx, id, query, id, at, time.Now())
}

func (d *DB) AppendAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	ensureID(&a.ID)
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}

	query := `
        INSERT INTO delivery_attempts (
            id, notification_id, attempt_number, channel, address, timestamp,
            status, response_code, response_text, latency_ns, provider_id
        )
        SELECT $1, $2,
               COALESCE((SELECT MAX(attempt_number) FROM delivery_attempts WHERE notification_id = $2), 0) + 1,
               $3, $4, $5, $6, $7, $8, $9, $10
        RETURNING attempt_number`
	err := d.Pool.QueryRow(ctx, query,
		a.ID, a.NotificationID, a.Channel, a.Address, a.Timestamp,
		a.Status, a.ResponseCode, a.ResponseText, int64(a.Latency), a.ProviderID,
	).Scan(&a.AttemptNumber)
	if err != nil {
		return fmt.Errorf("failed to append delivery attempt: %w", err)
	}
	return nil
}

const attemptColumns = `
        id, notification_id, attempt_number, channel, address, timestamp,
        status, response_code, response_text, latency_ns, provider_id`

func scanAttempt(row pgx.Row) (models.DeliveryAttempt, error) {
	var a models.DeliveryAttempt
	var latencyNs int64
	err := row.Scan(
		&a.ID, &a.NotificationID, &a.AttemptNumber, &a.Channel, &a.Address, &a.Timestamp,
		&a.Status, &a.ResponseCode, &a.ResponseText, &latencyNs, &a.ProviderID,
	)
	a.Latency = time.Duration(latencyNs)
	return a, err
}

func (d *DB) ListAttempts(ctx context.Context, notificationID string) ([]models.DeliveryAttempt, error) {
	query := `
        SELECT ` + attemptColumns + `
        FROM delivery_attempts
        WHERE notification_id = $1
        ORDER BY attempt_number`
	rows, err := d.Pool.Query(ctx, query, notificationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts for notification %s: %w", notificationID, err)
	}
	return collectAttempts(rows)
}

func (d *DB) ListAttemptsInRange(ctx context.Context, from, to time.Time) ([]models.DeliveryAttempt, error) {
	query := `
        SELECT ` + attemptColumns + `
        FROM delivery_attempts
        WHERE timestamp >= $1 AND timestamp < $2
        ORDER BY timestamp`
	rows, err := d.Pool.Query(ctx, query, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts in range: %w", err)
	}
	return collectAttempts(rows)
}

func collectAttempts(rows pgx.Rows) ([]models.DeliveryAttempt, error) {
	defer rows.Close()
	var attempts []models.DeliveryAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}
