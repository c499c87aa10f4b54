package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"lab-notification-service/internal/models"
)

// Memory is an in-process Store. All methods are safe for concurrent use;
// every mutation happens under the single mutex, so each transition is atomic.
type Memory struct {
	mu sync.RWMutex

	templates   map[string]models.Template
	recipients  map[string]models.Recipient
	groups      map[string]models.Group
	memberships map[string]models.Membership
	rules       map[string]models.Rule
	channels    map[models.Channel]models.ChannelConfiguration
	notifs      map[string]models.Notification
	attempts    map[string][]models.DeliveryAttempt
	chains      map[string]models.EscalationChain
	contexts    map[string]models.EscalationContext
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		templates:   make(map[string]models.Template),
		recipients:  make(map[string]models.Recipient),
		groups:      make(map[string]models.Group),
		memberships: make(map[string]models.Membership),
		rules:       make(map[string]models.Rule),
		channels:    make(map[models.Channel]models.ChannelConfiguration),
		notifs:      make(map[string]models.Notification),
		attempts:    make(map[string][]models.DeliveryAttempt),
		chains:      make(map[string]models.EscalationChain),
		contexts:    make(map[string]models.EscalationContext),
	}
}

func ensureID(id *string) {
	if *id == "" {
		*id = uuid.New().String()
	}
}

// --- templates ---

func (m *Memory) CreateTemplate(ctx context.Context, t *models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.templates {
		if existing.Name == t.Name {
			return fmt.Errorf("template name %q: %w", t.Name, models.ErrConflict)
		}
	}
	ensureID(&t.ID)
	now := time.Now()
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	m.templates[t.ID] = *t
	return nil
}

func (m *Memory) UpdateTemplate(ctx context.Context, t *models.Template) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.templates[t.ID]
	if !ok {
		return fmt.Errorf("template %s: %w", t.ID, models.ErrNotFound)
	}
	t.Version = cur.Version + 1
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = time.Now()
	m.templates[t.ID] = *t
	return nil
}

func (m *Memory) GetTemplate(ctx context.Context, id string) (models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.templates[id]
	if !ok {
		return models.Template{}, fmt.Errorf("template %s: %w", id, models.ErrNotFound)
	}
	return t, nil
}

func (m *Memory) GetTemplateByName(ctx context.Context, name string) (models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, t := range m.templates {
		if t.Name == name {
			return t, nil
		}
	}
	return models.Template{}, fmt.Errorf("template %q: %w", name, models.ErrNotFound)
}

func (m *Memory) ListTemplates(ctx context.Context) ([]models.Template, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Template, 0, len(m.templates))
	for _, t := range m.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- recipients, groups, memberships ---

func (m *Memory) CreateRecipient(ctx context.Context, r *models.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ensureID(&r.ID)
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	m.recipients[r.ID] = *r
	return nil
}

func (m *Memory) UpdateRecipient(ctx context.Context, r *models.Recipient) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.recipients[r.ID]
	if !ok {
		return fmt.Errorf("recipient %s: %w", r.ID, models.ErrNotFound)
	}
	r.CreatedAt = cur.CreatedAt
	r.UpdatedAt = time.Now()
	m.recipients[r.ID] = *r
	return nil
}

func (m *Memory) DeactivateRecipient(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.recipients[id]
	if !ok {
		return fmt.Errorf("recipient %s: %w", id, models.ErrNotFound)
	}
	r.Active = false
	r.UpdatedAt = time.Now()
	m.recipients[id] = r
	return nil
}

func (m *Memory) GetRecipient(ctx context.Context, id string) (models.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.recipients[id]
	if !ok {
		return models.Recipient{}, fmt.Errorf("recipient %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) ListRecipients(ctx context.Context) ([]models.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Recipient, 0, len(m.recipients))
	for _, r := range m.recipients {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateGroup(ctx context.Context, g *models.Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.groups {
		if existing.Name == g.Name {
			return fmt.Errorf("group name %q: %w", g.Name, models.ErrConflict)
		}
	}
	ensureID(&g.ID)
	now := time.Now()
	g.CreatedAt = now
	g.UpdatedAt = now
	m.groups[g.ID] = *g
	return nil
}

func (m *Memory) GetGroup(ctx context.Context, id string) (models.Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return models.Group{}, fmt.Errorf("group %s: %w", id, models.ErrNotFound)
	}
	return g, nil
}

func (m *Memory) AddMembership(ctx context.Context, mem *models.Membership) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[mem.GroupID]; !ok {
		return fmt.Errorf("group %s: %w", mem.GroupID, models.ErrNotFound)
	}
	if _, ok := m.recipients[mem.RecipientID]; !ok {
		return fmt.Errorf("recipient %s: %w", mem.RecipientID, models.ErrNotFound)
	}
	ensureID(&mem.ID)
	mem.CreatedAt = time.Now()
	m.memberships[mem.ID] = *mem
	return nil
}

func (m *Memory) ActiveMembers(ctx context.Context, groupID string, roles ...models.MembershipRole) ([]models.Recipient, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.groups[groupID]; !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, models.ErrNotFound)
	}
	var mems []models.Membership
	for _, mem := range m.memberships {
		if mem.GroupID != groupID || !mem.Active {
			continue
		}
		if len(roles) > 0 {
			match := false
			for _, role := range roles {
				if mem.Role == role {
					match = true
					break
				}
			}
			if !match {
				continue
			}
		}
		mems = append(mems, mem)
	}
	sort.Slice(mems, func(i, j int) bool { return mems[i].CreatedAt.Before(mems[j].CreatedAt) })
	var out []models.Recipient
	for _, mem := range mems {
		if r, ok := m.recipients[mem.RecipientID]; ok && r.Active {
			out = append(out, r)
		}
	}
	return out, nil
}

// --- rules ---

func (m *Memory) CreateRule(ctx context.Context, r *models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ensureID(&r.ID)
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	m.rules[r.ID] = *r
	return nil
}

func (m *Memory) UpdateRule(ctx context.Context, r *models.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rules[r.ID]
	if !ok {
		return fmt.Errorf("rule %s: %w", r.ID, models.ErrNotFound)
	}
	r.CreatedAt = cur.CreatedAt
	r.TriggerCount = cur.TriggerCount
	r.LastTriggered = cur.LastTriggered
	r.UpdatedAt = time.Now()
	m.rules[r.ID] = *r
	return nil
}

func (m *Memory) GetRule(ctx context.Context, id string) (models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return models.Rule{}, fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	return r, nil
}

func (m *Memory) ActiveRulesByType(ctx context.Context, t models.RuleType) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rule
	for _, r := range m.rules {
		if r.Active && r.Type == t {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutionOrder != out[j].ExecutionOrder {
			return out[i].ExecutionOrder < out[j].ExecutionOrder
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) MarkRuleTriggered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[id]
	if !ok {
		return fmt.Errorf("rule %s: %w", id, models.ErrNotFound)
	}
	r.TriggerCount++
	r.LastTriggered = &at
	r.UpdatedAt = at
	m.rules[id] = r
	return nil
}

// --- channel configurations ---

func (m *Memory) UpsertChannelConfig(ctx context.Context, c *models.ChannelConfiguration) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if cur, ok := m.channels[c.Channel]; ok {
		c.CreatedAt = cur.CreatedAt
	} else {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.channels[c.Channel] = *c
	return nil
}

func (m *Memory) GetChannelConfig(ctx context.Context, ch models.Channel) (models.ChannelConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.channels[ch]
	if !ok {
		return models.ChannelConfiguration{}, fmt.Errorf("channel config %s: %w", ch, models.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) ListChannelConfigs(ctx context.Context) ([]models.ChannelConfiguration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.ChannelConfiguration, 0, len(m.channels))
	for _, c := range m.channels {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out, nil
}

func (m *Memory) RecordChannelHealth(ctx context.Context, ch models.Channel, hc models.HealthCheck) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[ch]
	if !ok {
		return fmt.Errorf("channel config %s: %w", ch, models.ErrNotFound)
	}
	c.LastHealthCheck = &hc
	c.UpdatedAt = time.Now()
	m.channels[ch] = c
	return nil
}

// --- notifications ---

func (m *Memory) CreateNotification(ctx context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.notifs[n.ID] = *n
	return nil
}

func (m *Memory) GetNotification(ctx context.Context, id string) (models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.notifs[id]
	if !ok {
		return models.Notification{}, fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	return n, nil
}

func (m *Memory) ListNotificationsByRecipient(ctx context.Context, recipientID string, limit int) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifs {
		if n.RecipientID == recipientID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) ListNotificationsByCorrelation(ctx context.Context, correlationID string) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifs {
		if n.CorrelationID == correlationID {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ListSchedulable(ctx context.Context) ([]models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Notification
	for _, n := range m.notifs {
		if n.Status == models.StatusPending || n.Status == models.StatusRetrying {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(out[j].ScheduledFor) })
	return out, nil
}

// transition applies fn to the notification iff the move from its current
// status to `to` is legal. Held under the write lock, so it is atomic.
func (m *Memory) transition(id string, to models.Status, fn func(*models.Notification)) error {
	n, ok := m.notifs[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	if !models.CanTransition(n.Status, to) {
		return fmt.Errorf("notification %s: %s -> %s: %w", id, n.Status, to, models.ErrConflict)
	}
	n.Status = to
	fn(&n)
	if n.RetryCount > n.MaxRetries {
		return fmt.Errorf("notification %s: retry_count %d exceeds max_retries %d: %w", id, n.RetryCount, n.MaxRetries, models.ErrConflict)
	}
	n.UpdatedAt = time.Now()
	m.notifs[id] = n
	return nil
}

func (m *Memory) MarkSent(ctx context.Context, id, providerID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusSent, func(n *models.Notification) {
		n.SentAt = &at
		n.ProviderID = providerID
		n.LastError = ""
	})
}

func (m *Memory) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusDelivered, func(n *models.Notification) {
		n.DeliveredAt = &at
	})
}

func (m *Memory) MarkRetrying(ctx context.Context, id string, nextAt time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusRetrying, func(n *models.Notification) {
		n.RetryCount++
		n.ScheduledFor = nextAt
		n.LastError = lastErr
	})
}

func (m *Memory) MarkFailed(ctx context.Context, id string, at time.Time, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusFailed, func(n *models.Notification) {
		n.FailedAt = &at
		n.LastError = lastErr
	})
}

func (m *Memory) MarkCancelled(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, models.StatusCancelled, func(n *models.Notification) {})
}

func (m *Memory) Reschedule(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifs[id]
	if !ok {
		return fmt.Errorf("notification %s: %w", id, models.ErrNotFound)
	}
	if n.Status != models.StatusPending && n.Status != models.StatusRetrying {
		return fmt.Errorf("notification %s: reschedule from %s: %w", id, n.Status, models.ErrConflict)
	}
	n.ScheduledFor = at
	n.UpdatedAt = time.Now()
	m.notifs[id] = n
	return nil
}

// --- delivery attempts ---

func (m *Memory) AppendAttempt(ctx context.Context, a *models.DeliveryAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.notifs[a.NotificationID]; !ok {
		return fmt.Errorf("notification %s: %w", a.NotificationID, models.ErrNotFound)
	}
	ensureID(&a.ID)
	a.AttemptNumber = len(m.attempts[a.NotificationID]) + 1
	if a.Timestamp.IsZero() {
		a.Timestamp = time.Now()
	}
	m.attempts[a.NotificationID] = append(m.attempts[a.NotificationID], *a)
	return nil
}

func (m *Memory) ListAttempts(ctx context.Context, notificationID string) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.DeliveryAttempt(nil), m.attempts[notificationID]...), nil
}

func (m *Memory) ListAttemptsInRange(ctx context.Context, from, to time.Time) ([]models.DeliveryAttempt, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.DeliveryAttempt
	for _, list := range m.attempts {
		for _, a := range list {
			if !a.Timestamp.Before(from) && a.Timestamp.Before(to) {
				out = append(out, a)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// --- escalation chains and contexts ---

func (m *Memory) CreateEscalationChain(ctx context.Context, c *models.EscalationChain) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.chains {
		if existing.Name == c.Name {
			return fmt.Errorf("escalation chain name %q: %w", c.Name, models.ErrConflict)
		}
	}
	ensureID(&c.ID)
	now := time.Now()
	c.CreatedAt = now
	c.UpdatedAt = now
	m.chains[c.ID] = *c
	return nil
}

func (m *Memory) GetEscalationChain(ctx context.Context, id string) (models.EscalationChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.chains[id]
	if !ok {
		return models.EscalationChain{}, fmt.Errorf("escalation chain %s: %w", id, models.ErrNotFound)
	}
	return c, nil
}

func (m *Memory) ListActiveEscalationChains(ctx context.Context) ([]models.EscalationChain, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EscalationChain
	for _, c := range m.chains {
		if c.Active {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) MarkChainTriggered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.chains[id]
	if !ok {
		return fmt.Errorf("escalation chain %s: %w", id, models.ErrNotFound)
	}
	c.TotalEscalations++
	c.LastTriggered = &at
	c.UpdatedAt = at
	m.chains[id] = c
	return nil
}

func (m *Memory) PutEscalationContext(ctx context.Context, ec *models.EscalationContext) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if cur, ok := m.contexts[ec.CorrelationID]; ok {
		// Level never decreases; acknowledged contexts stay acknowledged.
		if ec.Level < cur.Level {
			return fmt.Errorf("escalation context %s: level %d < %d: %w", ec.CorrelationID, ec.Level, cur.Level, models.ErrConflict)
		}
		if cur.Acknowledged {
			ec.Acknowledged = true
			ec.AcknowledgedAt = cur.AcknowledgedAt
		}
		ec.CreatedAt = cur.CreatedAt
	} else {
		ec.CreatedAt = now
	}
	ec.UpdatedAt = now
	m.contexts[ec.CorrelationID] = *ec
	return nil
}

func (m *Memory) GetEscalationContext(ctx context.Context, correlationID string) (models.EscalationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ec, ok := m.contexts[correlationID]
	if !ok {
		return models.EscalationContext{}, fmt.Errorf("escalation context %s: %w", correlationID, models.ErrNotFound)
	}
	return ec, nil
}

func (m *Memory) DueEscalationContexts(ctx context.Context, now time.Time) ([]models.EscalationContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.EscalationContext
	for _, ec := range m.contexts {
		if !ec.Acknowledged && !ec.Exhausted && !ec.NextDue.After(now) {
			out = append(out, ec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextDue.Before(out[j].NextDue) })
	return out, nil
}

func (m *Memory) AcknowledgeContext(ctx context.Context, correlationID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ec, ok := m.contexts[correlationID]
	if !ok {
		return fmt.Errorf("escalation context %s: %w", correlationID, models.ErrNotFound)
	}
	if ec.Acknowledged {
		return nil
	}
	ec.Acknowledged = true
	ec.AcknowledgedAt = &at
	ec.UpdatedAt = at
	m.contexts[correlationID] = ec
	return nil
}
