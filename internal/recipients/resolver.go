// Package recipients expands dispatch intents into concrete
// (recipient, channel, address) tuples.
package recipients

import (
	"context"
	"time"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/store"
)

// Resolved is one addressable delivery target. ScheduledFor is pushed past the
// recipient's quiet-hours window for non-immediate, non-critical dispatches.
type Resolved struct {
	Recipient    models.Recipient
	Channel      models.Channel
	Address      string
	ScheduledFor time.Time
}

// Unaddressable records a recipient dropped from a dispatch because no
// eligible channel had a configured address. Recorded, not fatal to the batch.
type Unaddressable struct {
	RecipientID string
	Channel     models.Channel
	Reason      string
}

// Resolver performs group expansion and channel selection. All reads are
// against the store; resolution is safely parallelizable across intents.
type Resolver struct {
	store  store.Store
	logger *logging.Logger
	now    func() time.Time
}

func New(st store.Store, logger *logging.Logger) *Resolver {
	return &Resolver{store: st, logger: logger, now: time.Now}
}

// WithClock overrides the resolver's clock. For tests.
func (r *Resolver) WithClock(now func() time.Time) *Resolver {
	r.now = now
	return r
}

// Resolve expands the intent's target into concrete deliveries. Inactive
// recipients and memberships are excluded; unaddressable recipients are
// returned separately for audit.
func (r *Resolver) Resolve(ctx context.Context, intent models.DispatchIntent) ([]Resolved, []Unaddressable, error) {
	recipients, err := r.targets(ctx, intent.Target)
	if err != nil {
		return nil, nil, err
	}

	var out []Resolved
	var dropped []Unaddressable
	for _, rec := range recipients {
		ch, addr, ok := selectChannel(rec, intent.Channel)
		if !ok {
			dropped = append(dropped, Unaddressable{
				RecipientID: rec.ID,
				Channel:     intent.Channel,
				Reason:      "no configured address on any eligible channel",
			})
			r.logger.Warnf("Recipient %s unaddressable for channel %q, dropped from dispatch", rec.ID, intent.Channel)
			continue
		}
		out = append(out, Resolved{
			Recipient:    rec,
			Channel:      ch,
			Address:      addr,
			ScheduledFor: r.scheduleFor(rec, intent),
		})
	}
	return out, dropped, nil
}

func (r *Resolver) targets(ctx context.Context, t models.TargetRef) ([]models.Recipient, error) {
	if t.GroupID != "" {
		return r.store.ActiveMembers(ctx, t.GroupID)
	}
	rec, err := r.store.GetRecipient(ctx, t.RecipientID)
	if err != nil {
		return nil, err
	}
	if !rec.Active {
		return nil, nil
	}
	return []models.Recipient{rec}, nil
}

// selectChannel picks the delivery channel per the preference rules: an
// explicit channel is honored only when the recipient both prefers it and has
// an address for it; otherwise the highest-priority preferred channel with a
// configured address wins.
func selectChannel(rec models.Recipient, explicit models.Channel) (models.Channel, string, bool) {
	if explicit != "" {
		if prefers(rec, explicit) {
			if addr, ok := rec.Addresses[explicit]; ok && addr != "" {
				return explicit, addr, true
			}
		}
	}
	for _, ch := range rec.PreferredChannels {
		if addr, ok := rec.Addresses[ch]; ok && addr != "" {
			return ch, addr, true
		}
	}
	return "", "", false
}

func prefers(rec models.Recipient, ch models.Channel) bool {
	for _, p := range rec.PreferredChannels {
		if p == ch {
			return true
		}
	}
	return false
}

// scheduleFor defers non-immediate, non-critical deliveries past the
// recipient's quiet hours in their own timezone. An intent delay is applied
// first, then the quiet-hours check runs against the delayed time.
func (r *Resolver) scheduleFor(rec models.Recipient, intent models.DispatchIntent) time.Time {
	at := r.now()
	if intent.Delay > 0 {
		at = at.Add(intent.Delay)
	}
	if intent.Immediate || intent.Priority == models.PriorityCritical || rec.QuietHours == nil {
		return at
	}
	local := at.In(rec.Location())
	inside, end, err := rec.QuietHours.Contains(local)
	if err != nil {
		r.logger.Errorf("Recipient %s has malformed quiet hours: %v", rec.ID, err)
		return at
	}
	if inside {
		return end
	}
	return at
}
