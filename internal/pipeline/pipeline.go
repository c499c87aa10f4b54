// Package pipeline wires the dispatch path: event -> rule engine -> recipient
// resolver -> template renderer -> delivery tracker.
package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"lab-notification-service/internal/delivery"
	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/metrics"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/recipients"
	"lab-notification-service/internal/rules"
	"lab-notification-service/internal/store"
	"lab-notification-service/internal/template"
)

// evaluation order for inbound events; escalation-type rules are included so
// chains can be armed directly from a routing rule.
var eventRuleTypes = []models.RuleType{
	models.RuleAlertRouting,
	models.RuleEscalation,
	models.RuleSchedule,
	models.RuleCompliance,
}

// Escalator is the slice of the escalation manager the pipeline needs: arming
// a chain for a correlation context.
type Escalator interface {
	Track(ctx context.Context, chainID string, ev models.Event, priority models.Priority, templateID string) error
}

// Pipeline accepts normalized events and fans them out to notifications.
// Event handling is asynchronous: Submit enqueues and returns, workers drain.
type Pipeline struct {
	store     store.Store
	logger    *logging.Logger
	engine    *rules.Engine
	resolver  *recipients.Resolver
	tracker   *delivery.Tracker
	escalator Escalator

	events  chan models.Event
	workers int

	ctx    context.Context
	cancel context.CancelFunc
}

func New(st store.Store, logger *logging.Logger, engine *rules.Engine, resolver *recipients.Resolver, tracker *delivery.Tracker, escalator Escalator, queueSize, workers int) *Pipeline {
	if queueSize <= 0 {
		queueSize = 500
	}
	if workers <= 0 {
		workers = 10
	}
	return &Pipeline{
		store:     st,
		logger:    logger,
		engine:    engine,
		resolver:  resolver,
		tracker:   tracker,
		escalator: escalator,
		events:    make(chan models.Event, queueSize),
		workers:   workers,
	}
}

// Start launches the event worker pool.
func (p *Pipeline) Start(ctx context.Context, wg *sync.WaitGroup) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.worker(id)
		}(i)
	}
}

func (p *Pipeline) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
}

// Submit enqueues an event for rule evaluation. It never blocks the caller;
// a full queue drops the event with an error log, matching the ingestion
// contract of acknowledge-then-process.
func (p *Pipeline) Submit(ev models.Event) bool {
	if ev.CorrelationID == "" {
		if ev.SourceEventID != "" {
			ev.CorrelationID = ev.SourceEventID
		} else {
			ev.CorrelationID = uuid.New().String()
		}
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = time.Now()
	}
	select {
	case p.events <- ev:
		metrics.EventsIngested.WithLabelValues(ev.Type, ev.SourceService).Inc()
		p.logger.Infof("Queued event %s from %s (correlation %s)", ev.Type, ev.SourceService, ev.CorrelationID)
		return true
	default:
		p.logger.Errorf("Event queue full, dropping event %s from %s", ev.Type, ev.SourceService)
		return false
	}
}

func (p *Pipeline) worker(id int) {
	for {
		select {
		case <-p.ctx.Done():
			p.logger.Debugf("Pipeline worker %d stopped", id)
			return
		case ev := <-p.events:
			p.HandleEvent(p.ctx, ev)
		}
	}
}

// HandleEvent runs the full dispatch path for one event. Failures in one
// intent never abort the others.
func (p *Pipeline) HandleEvent(ctx context.Context, ev models.Event) {
	var intents []models.DispatchIntent
	for _, rt := range eventRuleTypes {
		intents = append(intents, p.engine.Evaluate(ctx, rt, ev)...)
	}
	if len(intents) == 0 {
		p.logger.Debugf("Event %s matched no rules", ev.SourceEventID)
		return
	}
	for _, intent := range intents {
		p.dispatch(ctx, intent)
	}
}

// dispatch turns one intent into zero or more persisted notifications.
func (p *Pipeline) dispatch(ctx context.Context, intent models.DispatchIntent) {
	tmpl, err := p.store.GetTemplate(ctx, intent.TemplateID)
	if err != nil {
		p.logger.Errorf("Rule %s: template %s unavailable, dispatch skipped: %v", intent.RuleID, intent.TemplateID, err)
		return
	}
	if !tmpl.Active {
		p.logger.Errorf("Rule %s: template %s inactive, dispatch skipped", intent.RuleID, intent.TemplateID)
		return
	}

	resolved, dropped, err := p.resolver.Resolve(ctx, intent)
	if err != nil {
		p.logger.Errorf("Rule %s: recipient resolution failed: %v", intent.RuleID, err)
		return
	}
	for _, d := range dropped {
		p.logger.Warnf("Rule %s: recipient %s dropped: %s", intent.RuleID, d.RecipientID, d.Reason)
	}

	armed := false
	for _, target := range resolved {
		if !tmpl.Supports(target.Channel) {
			p.logger.Warnf("Rule %s: template %s does not support channel %s, recipient %s dropped", intent.RuleID, tmpl.Name, target.Channel, target.Recipient.ID)
			continue
		}
		cfg, err := p.store.GetChannelConfig(ctx, target.Channel)
		if err != nil {
			p.logger.Errorf("Rule %s: missing channel configuration for %s, notification skipped", intent.RuleID, target.Channel)
			continue
		}

		rendered, err := template.Render(tmpl, renderContext(intent, target.Recipient))
		if err != nil {
			// Fail closed: never deliver partial output.
			p.logger.Errorf("Rule %s: render failed for recipient %s: %v", intent.RuleID, target.Recipient.ID, err)
			continue
		}

		priority := intent.Priority
		if priority == "" {
			priority = tmpl.DefaultPriority
		}

		n := &models.Notification{
			TemplateID:    tmpl.ID,
			RuleID:        intent.RuleID,
			Subject:       rendered.Subject,
			Body:          rendered.Body,
			RichBody:      rendered.RichBody,
			Priority:      priority,
			Channel:       target.Channel,
			RecipientID:   target.Recipient.ID,
			Address:       target.Address,
			Status:        models.StatusPending,
			ScheduledFor:  target.ScheduledFor,
			MaxRetries:    cfg.MaxRetries(),
			CorrelationID: intent.Event.CorrelationID,
			SourceService: intent.Event.SourceService,
			SourceEventID: intent.Event.SourceEventID,
		}
		if err := p.tracker.Create(ctx, n); err != nil {
			p.logger.Errorf("Rule %s: create notification failed: %v", intent.RuleID, err)
			continue
		}
		armed = true
		p.logger.Infof("Notification %s created for recipient %s via %s (priority %s)", n.ID, n.RecipientID, n.Channel, n.Priority)
	}

	if armed && intent.EscalationChainID != "" && p.escalator != nil {
		if err := p.escalator.Track(ctx, intent.EscalationChainID, intent.Event, intent.Priority, intent.TemplateID); err != nil {
			p.logger.Errorf("Rule %s: arming escalation chain %s failed: %v", intent.RuleID, intent.EscalationChainID, err)
		}
	}
}

// renderContext merges event attributes with event and recipient metadata.
// Attributes win on name collisions so rules keep full control of content.
func renderContext(intent models.DispatchIntent, rec models.Recipient) map[string]interface{} {
	ctx := map[string]interface{}{
		"event_type":     intent.Event.Type,
		"source_service": intent.Event.SourceService,
		"correlation_id": intent.Event.CorrelationID,
		"recipient_name": rec.DisplayName,
	}
	for k, v := range intent.Event.Attributes {
		ctx[k] = v
	}
	return ctx
}
