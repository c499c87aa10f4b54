package escalation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/delivery"
	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/ratelimit"
	"lab-notification-service/internal/recipients"
	"lab-notification-service/internal/store"
)

type chainFixture struct {
	st      *store.Memory
	manager *Manager
	clk     *fakeClock
	chain   *models.EscalationChain
	tmpl    *models.Template
	tier1   *models.Recipient
	tier2   *models.Recipient
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newChainFixture(t *testing.T, conditions []models.Condition) *chainFixture {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	logger := logging.NewNop()
	clk := &fakeClock{t: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)}

	tmpl := &models.Template{
		Name:           "escalation-alert",
		Type:           "alert",
		SubjectPattern: "ALERT {{.event_type}}",
		BodyPattern:    "tier {{.escalation_level}} for {{.correlation_id}}",
		Variables:      []string{"event_type", "escalation_level", "correlation_id"},
		Active:         true,
	}
	require.NoError(t, st.CreateTemplate(ctx, tmpl))

	tier1 := &models.Recipient{
		DisplayName:       "oncall tech",
		Kind:              models.RecipientUser,
		Addresses:         map[models.Channel]string{models.ChannelEmail: "oncall@lab.example"},
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Active:            true,
	}
	tier2 := &models.Recipient{
		DisplayName:       "lab supervisor",
		Kind:              models.RecipientUser,
		Addresses:         map[models.Channel]string{models.ChannelEmail: "supervisor@lab.example"},
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Active:            true,
	}
	require.NoError(t, st.CreateRecipient(ctx, tier1))
	require.NoError(t, st.CreateRecipient(ctx, tier2))

	require.NoError(t, st.UpsertChannelConfig(ctx, &models.ChannelConfiguration{
		Channel:            models.ChannelEmail,
		Provider:           "smtp",
		RateLimitPerMinute: 100,
		RateLimitPerHour:   1000,
		Timeout:            5 * time.Second,
		RetryIntervals:     []time.Duration{time.Minute},
		Enabled:            true,
	}))

	chain := &models.EscalationChain{
		Name:       "freezer-chain",
		Conditions: conditions,
		Steps: []models.EscalationStep{
			{Delay: 10 * time.Minute, Target: models.TargetRef{RecipientID: tier1.ID}, Channels: []models.Channel{models.ChannelEmail}},
			{Delay: 10 * time.Minute, Target: models.TargetRef{RecipientID: tier2.ID}, Channels: []models.Channel{models.ChannelEmail}},
		},
		MaxEscalationLevel: 2,
		Active:             true,
	}
	require.NoError(t, st.CreateEscalationChain(ctx, chain))

	tracker := delivery.NewTracker(st, logger, ratelimit.New(), 1, 16).WithClock(clk.now)
	resolver := recipients.New(st, logger).WithClock(clk.now)
	mgr := New(st, logger, resolver, tracker, time.Second).WithClock(clk.now)

	return &chainFixture{st: st, manager: mgr, clk: clk, chain: chain, tmpl: tmpl, tier1: tier1, tier2: tier2}
}

func (f *chainFixture) event(correlationID string) models.Event {
	return models.Event{
		Type:          "freezer_temp_breach",
		SourceService: "monitoring",
		SourceEventID: "evt-" + correlationID,
		CorrelationID: correlationID,
		Attributes:    map[string]interface{}{"severity": "critical"},
		ReceivedAt:    f.clk.now(),
	}
}

func TestChainAdvancesThroughTiersThenExhausts(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-1"), models.PriorityHigh, f.tmpl.ID))

	ec, err := f.st.GetEscalationContext(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, 0, ec.Level)
	assert.True(t, ec.NextDue.Equal(f.clk.now().Add(10*time.Minute)))

	// Before the first step delay elapses nothing moves.
	f.clk.advance(5 * time.Minute)
	f.manager.Sweep(ctx)
	ec, _ = f.st.GetEscalationContext(ctx, "corr-1")
	assert.Equal(t, 0, ec.Level)

	// First tier fires.
	f.clk.advance(5*time.Minute + time.Second)
	f.manager.Sweep(ctx)
	ec, _ = f.st.GetEscalationContext(ctx, "corr-1")
	assert.Equal(t, 1, ec.Level)

	ns, err := f.st.ListNotificationsByRecipient(ctx, f.tier1.ID, 10)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "ALERT freezer_temp_breach", ns[0].Subject)
	assert.Equal(t, "tier 1 for corr-1", ns[0].Body)
	assert.Equal(t, "corr-1", ns[0].CorrelationID)
	assert.Equal(t, models.PriorityHigh, ns[0].Priority)

	// Second tier fires after its own delay.
	f.clk.advance(10*time.Minute + time.Second)
	f.manager.Sweep(ctx)
	ec, _ = f.st.GetEscalationContext(ctx, "corr-1")
	assert.Equal(t, 2, ec.Level)
	assert.False(t, ec.Exhausted)

	ns, _ = f.st.ListNotificationsByRecipient(ctx, f.tier2.ID, 10)
	require.Len(t, ns, 1)
	assert.Equal(t, "tier 2 for corr-1", ns[0].Body)

	// One more unacknowledged step delay exhausts the chain.
	f.clk.advance(10*time.Minute + time.Second)
	f.manager.Sweep(ctx)
	ec, _ = f.st.GetEscalationContext(ctx, "corr-1")
	assert.Equal(t, 2, ec.Level)
	assert.True(t, ec.Exhausted)

	chain, err := f.st.GetEscalationChain(ctx, f.chain.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), chain.TotalEscalations)
	require.NotNil(t, chain.LastTriggered)

	// An exhausted context never comes due again.
	f.clk.advance(time.Hour)
	f.manager.Sweep(ctx)
	ec, _ = f.st.GetEscalationContext(ctx, "corr-1")
	assert.Equal(t, 2, ec.Level)
}

func TestAcknowledgmentHaltsChain(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-2"), models.PriorityHigh, f.tmpl.ID))

	f.clk.advance(10*time.Minute + time.Second)
	f.manager.Sweep(ctx)
	ec, _ := f.st.GetEscalationContext(ctx, "corr-2")
	require.Equal(t, 1, ec.Level)

	require.NoError(t, f.manager.Acknowledge(ctx, "corr-2"))

	f.clk.advance(time.Hour)
	f.manager.Sweep(ctx)
	ec, _ = f.st.GetEscalationContext(ctx, "corr-2")
	assert.Equal(t, 1, ec.Level)
	assert.True(t, ec.Acknowledged)
	assert.False(t, ec.Exhausted)

	ns, _ := f.st.ListNotificationsByRecipient(ctx, f.tier2.ID, 10)
	assert.Empty(t, ns)
}

func TestTerminalFailureEscalatesImmediately(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-3"), models.PriorityCritical, f.tmpl.ID))

	// The step delay has not elapsed, but delivery to the original target has
	// exhausted its retries.
	failed := models.Notification{
		ID:            "n-dead",
		Status:        models.StatusFailed,
		CorrelationID: "corr-3",
	}
	f.manager.HandleTerminalFailure(failed)

	ec, err := f.st.GetEscalationContext(ctx, "corr-3")
	require.NoError(t, err)
	assert.Equal(t, 1, ec.Level)

	ns, _ := f.st.ListNotificationsByRecipient(ctx, f.tier1.ID, 10)
	require.Len(t, ns, 1)

	// Non-failed terminal states do not escalate.
	f.manager.HandleTerminalFailure(models.Notification{ID: "n-ok", Status: models.StatusDelivered, CorrelationID: "corr-3"})
	ec, _ = f.st.GetEscalationContext(ctx, "corr-3")
	assert.Equal(t, 1, ec.Level)
}

func TestConcurrentTerminalFailuresEscalateOnce(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-8"), models.PriorityCritical, f.tmpl.ID))

	// Fan-out delivery can fail many notifications under one correlation at
	// nearly the same instant. The whole burst answers to one tier advance.
	failed := models.Notification{
		ID:            "n-burst",
		Status:        models.StatusFailed,
		CorrelationID: "corr-8",
		CreatedAt:     time.Now(),
	}

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.manager.HandleTerminalFailure(failed)
		}()
	}
	wg.Wait()

	ec, err := f.st.GetEscalationContext(ctx, "corr-8")
	require.NoError(t, err)
	assert.Equal(t, 1, ec.Level)
	assert.False(t, ec.Exhausted)

	ns, _ := f.st.ListNotificationsByRecipient(ctx, f.tier1.ID, 10)
	assert.Len(t, ns, 1)
	ns, _ = f.st.ListNotificationsByRecipient(ctx, f.tier2.ID, 10)
	assert.Empty(t, ns)
}

func TestDispatchHonorsTemplateChannelSupport(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	smsOnly := &models.Template{
		Name:              "sms-escalation",
		Type:              "alert",
		SubjectPattern:    "ALERT {{.event_type}}",
		BodyPattern:       "tier {{.escalation_level}}",
		SupportedChannels: []models.Channel{models.ChannelSMS},
		Active:            true,
	}
	require.NoError(t, f.st.CreateTemplate(ctx, smsOnly))

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-9"), models.PriorityHigh, smsOnly.ID))

	// The tier fires, but its email targets fall outside the template's
	// channel set, so nothing is dispatched.
	f.clk.advance(10*time.Minute + time.Second)
	f.manager.Sweep(ctx)

	ec, _ := f.st.GetEscalationContext(ctx, "corr-9")
	assert.Equal(t, 1, ec.Level)

	ns, _ := f.st.ListNotificationsByRecipient(ctx, f.tier1.ID, 10)
	assert.Empty(t, ns)
}

func TestTrackIsIdempotentPerCorrelation(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-4"), models.PriorityHigh, f.tmpl.ID))
	ec, _ := f.st.GetEscalationContext(ctx, "corr-4")
	firstDue := ec.NextDue

	// A burst of matching rules for the same context must not reset the clock.
	f.clk.advance(3 * time.Minute)
	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-4"), models.PriorityHigh, f.tmpl.ID))
	ec, _ = f.st.GetEscalationContext(ctx, "corr-4")
	assert.True(t, ec.NextDue.Equal(firstDue))
}

func TestTrackRespectsChainConditionsAndActivity(t *testing.T) {
	conditions := []models.Condition{{Field: "severity", Op: models.OpEq, Value: "critical"}}
	f := newChainFixture(t, conditions)
	ctx := context.Background()

	ev := f.event("corr-5")
	ev.Attributes = map[string]interface{}{"severity": "warning"}
	require.NoError(t, f.manager.Track(ctx, f.chain.ID, ev, models.PriorityHigh, f.tmpl.ID))
	_, err := f.st.GetEscalationContext(ctx, "corr-5")
	assert.ErrorIs(t, err, models.ErrNotFound)

	require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event("corr-6"), models.PriorityHigh, f.tmpl.ID))
	_, err = f.st.GetEscalationContext(ctx, "corr-6")
	assert.NoError(t, err)

	dormant := &models.EscalationChain{
		Name:               "retired-chain",
		Steps:              f.chain.Steps,
		MaxEscalationLevel: 2,
		Active:             false,
	}
	require.NoError(t, f.st.CreateEscalationChain(ctx, dormant))
	require.NoError(t, f.manager.Track(ctx, dormant.ID, f.event("corr-7"), models.PriorityHigh, f.tmpl.ID))
	_, err = f.st.GetEscalationContext(ctx, "corr-7")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestConcurrentContextsAdvanceIndependently(t *testing.T) {
	f := newChainFixture(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, f.manager.Track(ctx, f.chain.ID, f.event(fmt.Sprintf("batch-%d", i)), models.PriorityHigh, f.tmpl.ID))
		f.clk.advance(time.Minute)
	}

	// Only the earliest context is due; the later two still wait.
	f.clk.advance(7*time.Minute + time.Second)
	f.manager.Sweep(ctx)

	ec, _ := f.st.GetEscalationContext(ctx, "batch-0")
	assert.Equal(t, 1, ec.Level)
	ec, _ = f.st.GetEscalationContext(ctx, "batch-1")
	assert.Equal(t, 0, ec.Level)
	ec, _ = f.st.GetEscalationContext(ctx, "batch-2")
	assert.Equal(t, 0, ec.Level)
}
