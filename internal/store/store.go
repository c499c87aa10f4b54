// Package store defines the persistence boundary for the notification engine.
// The engine only depends on the Store interface; the memory implementation
// backs tests and single-node deployments, internal/db backs Postgres.
package store

import (
	"context"
	"time"

	"lab-notification-service/internal/models"
)

// Store is the persisted-state surface. Every state transition is a single
// atomic update; implementations enforce the notification state machine and
// the retry_count invariant at each transition.
type Store interface {
	// Templates. Versioned on edit, never deleted once referenced.
	CreateTemplate(ctx context.Context, t *models.Template) error
	UpdateTemplate(ctx context.Context, t *models.Template) error
	GetTemplate(ctx context.Context, id string) (models.Template, error)
	GetTemplateByName(ctx context.Context, name string) (models.Template, error)
	ListTemplates(ctx context.Context) ([]models.Template, error)

	// Recipients, groups, memberships.
	CreateRecipient(ctx context.Context, r *models.Recipient) error
	UpdateRecipient(ctx context.Context, r *models.Recipient) error
	DeactivateRecipient(ctx context.Context, id string) error
	GetRecipient(ctx context.Context, id string) (models.Recipient, error)
	ListRecipients(ctx context.Context) ([]models.Recipient, error)
	CreateGroup(ctx context.Context, g *models.Group) error
	GetGroup(ctx context.Context, id string) (models.Group, error)
	AddMembership(ctx context.Context, m *models.Membership) error
	// ActiveMembers returns the active recipients behind a group's active
	// memberships, optionally filtered by membership role.
	ActiveMembers(ctx context.Context, groupID string, roles ...models.MembershipRole) ([]models.Recipient, error)

	// Rules.
	CreateRule(ctx context.Context, r *models.Rule) error
	UpdateRule(ctx context.Context, r *models.Rule) error
	GetRule(ctx context.Context, id string) (models.Rule, error)
	// ActiveRulesByType returns active rules ordered by execution_order, ties
	// broken by creation time (earlier first).
	ActiveRulesByType(ctx context.Context, t models.RuleType) ([]models.Rule, error)
	// MarkRuleTriggered atomically increments trigger_count and sets
	// last_triggered.
	MarkRuleTriggered(ctx context.Context, id string, at time.Time) error

	// Channel configurations.
	UpsertChannelConfig(ctx context.Context, c *models.ChannelConfiguration) error
	GetChannelConfig(ctx context.Context, ch models.Channel) (models.ChannelConfiguration, error)
	ListChannelConfigs(ctx context.Context) ([]models.ChannelConfiguration, error)
	RecordChannelHealth(ctx context.Context, ch models.Channel, hc models.HealthCheck) error

	// Notifications. Status transitions are atomic and reject moves the state
	// machine forbids with models.ErrConflict.
	CreateNotification(ctx context.Context, n *models.Notification) error
	GetNotification(ctx context.Context, id string) (models.Notification, error)
	ListNotificationsByRecipient(ctx context.Context, recipientID string, limit int) ([]models.Notification, error)
	ListNotificationsByCorrelation(ctx context.Context, correlationID string) ([]models.Notification, error)
	// ListSchedulable returns pending/retrying notifications for sweep
	// re-seeding after a restart.
	ListSchedulable(ctx context.Context) ([]models.Notification, error)
	MarkSent(ctx context.Context, id, providerID string, at time.Time) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkRetrying increments retry_count (completed attempt) and reschedules.
	MarkRetrying(ctx context.Context, id string, nextAt time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error
	MarkCancelled(ctx context.Context, id string) error
	// Reschedule defers a send without consuming a retry (rate-limit denial,
	// quiet hours); retry_count is untouched.
	Reschedule(ctx context.Context, id string, at time.Time) error

	// Delivery attempts: append-only, attempt_number assigned strictly
	// increasing per notification.
	AppendAttempt(ctx context.Context, a *models.DeliveryAttempt) error
	ListAttempts(ctx context.Context, notificationID string) ([]models.DeliveryAttempt, error)
	ListAttemptsInRange(ctx context.Context, from, to time.Time) ([]models.DeliveryAttempt, error)

	// Escalation chains and per-correlation contexts.
	CreateEscalationChain(ctx context.Context, c *models.EscalationChain) error
	GetEscalationChain(ctx context.Context, id string) (models.EscalationChain, error)
	ListActiveEscalationChains(ctx context.Context) ([]models.EscalationChain, error)
	MarkChainTriggered(ctx context.Context, id string, at time.Time) error
	PutEscalationContext(ctx context.Context, ec *models.EscalationContext) error
	GetEscalationContext(ctx context.Context, correlationID string) (models.EscalationContext, error)
	// DueEscalationContexts returns unacknowledged, unexhausted contexts whose
	// next_due has passed.
	DueEscalationContexts(ctx context.Context, now time.Time) ([]models.EscalationContext, error)
	AcknowledgeContext(ctx context.Context, correlationID string, at time.Time) error
}
