// Package escalation advances unacknowledged notification contexts through
// their chain tiers on a time-triggered sweep.
package escalation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"lab-notification-service/internal/delivery"
	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/metrics"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/recipients"
	"lab-notification-service/internal/rules"
	"lab-notification-service/internal/store"
	"lab-notification-service/internal/template"
)

// Manager owns escalation contexts, one per correlation id. Level starts at 0
// (not escalating) and only ever advances; acknowledgment halts a context for
// good, exhaustion is terminal and reported, never silently dropped.
type Manager struct {
	store    store.Store
	logger   *logging.Logger
	resolver *recipients.Resolver
	tracker  *delivery.Tracker

	sweepEvery time.Duration
	cron       *cron.Cron
	mu         sync.Mutex
	now        func() time.Time
}

func New(st store.Store, logger *logging.Logger, resolver *recipients.Resolver, tracker *delivery.Tracker, sweepEvery time.Duration) *Manager {
	if sweepEvery <= 0 {
		sweepEvery = 15 * time.Second
	}
	return &Manager{
		store:      st,
		logger:     logger,
		resolver:   resolver,
		tracker:    tracker,
		sweepEvery: sweepEvery,
		now:        time.Now,
	}
}

// WithClock overrides the manager's clock. For tests.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Start schedules the periodic sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.cron = cron.New()
	_, err := m.cron.AddFunc("@every "+m.sweepEvery.String(), func() {
		m.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	m.cron.Start()
	return nil
}

func (m *Manager) Stop() {
	if m.cron != nil {
		<-m.cron.Stop().Done()
	}
}

// Track arms a chain for the event's correlation id. Level 0; the first tier
// fires once the first step's delay elapses without acknowledgment. Tracking
// an already-armed context is a no-op, so bursts of matching rules do not
// reset the clock.
func (m *Manager) Track(ctx context.Context, chainID string, ev models.Event, priority models.Priority, templateID string) error {
	chain, err := m.store.GetEscalationChain(ctx, chainID)
	if err != nil {
		return err
	}
	if !chain.Active {
		return nil
	}
	if len(chain.Conditions) > 0 {
		matched, err := rules.Matches(chain.Conditions, ev.Attributes)
		if err != nil {
			m.logger.Errorf("Escalation chain %s has a malformed trigger condition: %v", chain.Name, err)
			return err
		}
		if !matched {
			return nil
		}
	}

	if _, err := m.store.GetEscalationContext(ctx, ev.CorrelationID); err == nil {
		return nil
	} else if !errors.Is(err, models.ErrNotFound) {
		return err
	}

	now := m.now()
	ec := &models.EscalationContext{
		CorrelationID: ev.CorrelationID,
		ChainID:       chain.ID,
		Level:         0,
		NextDue:       now.Add(chain.Steps[0].Delay),
		Event:         ev,
		Priority:      priority,
		TemplateID:    templateID,
	}
	if err := m.store.PutEscalationContext(ctx, ec); err != nil {
		return err
	}
	m.logger.Infof("Escalation chain %s armed for correlation %s, first tier due %s", chain.Name, ev.CorrelationID, ec.NextDue.Format(time.RFC3339))
	return nil
}

// Acknowledge halts further escalation for the context regardless of level.
func (m *Manager) Acknowledge(ctx context.Context, correlationID string) error {
	if err := m.store.AcknowledgeContext(ctx, correlationID, m.now()); err != nil {
		return err
	}
	m.logger.Infof("Escalation for correlation %s acknowledged, chain halted", correlationID)
	return nil
}

// HandleTerminalFailure reacts to a notification exhausting delivery: a failed
// notification under an armed chain escalates immediately instead of waiting
// for the step delay. Advances are serialized with the sweep, and a burst of
// terminal failures under one correlation escalates at most once: a failure of
// a notification dispatched before the last context update is already answered
// by the tier that update fired.
func (m *Manager) HandleTerminalFailure(n models.Notification) {
	if n.Status != models.StatusFailed || n.CorrelationID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := context.Background()
	ec, err := m.store.GetEscalationContext(ctx, n.CorrelationID)
	if err != nil {
		return
	}
	if ec.Acknowledged || ec.Exhausted {
		return
	}
	if ec.Level > 0 && !n.CreatedAt.After(ec.UpdatedAt) {
		return
	}
	m.logger.Warnf("Notification %s failed terminally, escalating correlation %s now", n.ID, n.CorrelationID)
	m.advance(ctx, ec)
}

// Sweep advances every context whose step delay has elapsed unacknowledged.
// The sweep is the single consumer; insertion happens concurrently via Track.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	due, err := m.store.DueEscalationContexts(ctx, m.now())
	if err != nil {
		m.logger.Errorf("Escalation sweep failed: %v", err)
		return
	}
	for _, ec := range due {
		m.advance(ctx, ec)
	}
}

// advance moves a context to the next tier, or exhausts it at max level.
func (m *Manager) advance(ctx context.Context, ec models.EscalationContext) {
	chain, err := m.store.GetEscalationChain(ctx, ec.ChainID)
	if err != nil {
		m.logger.Errorf("Escalation context %s references missing chain %s: %v", ec.CorrelationID, ec.ChainID, err)
		return
	}

	if ec.Level >= chain.MaxEscalationLevel {
		ec.Exhausted = true
		if err := m.store.PutEscalationContext(ctx, &ec); err != nil {
			m.logger.Errorf("Escalation context %s: exhaustion persist failed: %v", ec.CorrelationID, err)
			return
		}
		metrics.EscalationsExhausted.WithLabelValues(chain.Name).Inc()
		m.logger.Errorf("Escalation chain %s exhausted for correlation %s at level %d with no acknowledgment", chain.Name, ec.CorrelationID, ec.Level)
		return
	}

	level := ec.Level + 1
	step := chain.Steps[level-1]
	now := m.now()

	created := m.dispatchStep(ctx, chain, step, ec, level)
	if created == 0 {
		m.logger.Warnf("Escalation chain %s tier %d produced no notifications for correlation %s", chain.Name, level, ec.CorrelationID)
	}

	if err := m.store.MarkChainTriggered(ctx, chain.ID, now); err != nil {
		m.logger.Errorf("Escalation chain %s trigger bookkeeping failed: %v", chain.ID, err)
	}
	metrics.Escalations.WithLabelValues(chain.Name).Inc()

	ec.Level = level
	if level < chain.MaxEscalationLevel && level < len(chain.Steps) {
		ec.NextDue = now.Add(chain.Steps[level].Delay)
	} else {
		// Final tier fired; give it one more step delay to be acknowledged
		// before the context is exhausted.
		ec.NextDue = now.Add(step.Delay)
	}
	if err := m.store.PutEscalationContext(ctx, &ec); err != nil {
		m.logger.Errorf("Escalation context %s: level persist failed: %v", ec.CorrelationID, err)
		return
	}
	m.logger.Warnf("Escalation chain %s advanced correlation %s to tier %d/%d", chain.Name, ec.CorrelationID, level, chain.MaxEscalationLevel)
}

// dispatchStep resolves the tier's target and creates its notifications.
// Escalation tiers bypass quiet hours; they are always immediate.
func (m *Manager) dispatchStep(ctx context.Context, chain models.EscalationChain, step models.EscalationStep, ec models.EscalationContext, level int) int {
	tmpl, err := m.store.GetTemplate(ctx, ec.TemplateID)
	if err != nil {
		m.logger.Errorf("Escalation chain %s: template %s unavailable: %v", chain.Name, ec.TemplateID, err)
		return 0
	}

	channels := step.Channels
	if len(channels) == 0 {
		channels = []models.Channel{""}
	}

	created := 0
	for _, ch := range channels {
		intent := models.DispatchIntent{
			Channel:    ch,
			Target:     step.Target,
			TemplateID: tmpl.ID,
			Priority:   ec.Priority,
			Immediate:  true,
			Event:      ec.Event,
		}
		resolved, dropped, err := m.resolver.Resolve(ctx, intent)
		if err != nil {
			m.logger.Errorf("Escalation chain %s tier %d: resolution failed: %v", chain.Name, level, err)
			continue
		}
		for _, d := range dropped {
			m.logger.Warnf("Escalation chain %s tier %d: recipient %s unaddressable", chain.Name, level, d.RecipientID)
		}
		for _, target := range resolved {
			if !tmpl.Supports(target.Channel) {
				m.logger.Warnf("Escalation chain %s tier %d: template %s does not support channel %s", chain.Name, level, tmpl.ID, target.Channel)
				continue
			}
			cfg, err := m.store.GetChannelConfig(ctx, target.Channel)
			if err != nil {
				m.logger.Errorf("Escalation chain %s tier %d: missing channel configuration for %s", chain.Name, level, target.Channel)
				continue
			}
			renderCtx := map[string]interface{}{
				"event_type":       ec.Event.Type,
				"source_service":   ec.Event.SourceService,
				"correlation_id":   ec.CorrelationID,
				"recipient_name":   target.Recipient.DisplayName,
				"escalation_level": level,
			}
			for k, v := range ec.Event.Attributes {
				renderCtx[k] = v
			}
			rendered, err := template.Render(tmpl, renderCtx)
			if err != nil {
				m.logger.Errorf("Escalation chain %s tier %d: render failed: %v", chain.Name, level, err)
				continue
			}
			n := &models.Notification{
				TemplateID:    tmpl.ID,
				Subject:       rendered.Subject,
				Body:          rendered.Body,
				RichBody:      rendered.RichBody,
				Priority:      ec.Priority,
				Channel:       target.Channel,
				RecipientID:   target.Recipient.ID,
				Address:       target.Address,
				Status:        models.StatusPending,
				ScheduledFor:  m.now(),
				MaxRetries:    cfg.MaxRetries(),
				CorrelationID: ec.CorrelationID,
				SourceService: ec.Event.SourceService,
				SourceEventID: ec.Event.SourceEventID,
			}
			if err := m.tracker.Create(ctx, n); err != nil {
				m.logger.Errorf("Escalation chain %s tier %d: create notification failed: %v", chain.Name, level, err)
				continue
			}
			created++
		}
	}
	return created
}
