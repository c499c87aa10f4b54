package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/ratelimit"
	"lab-notification-service/internal/store"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	st      *store.Memory
	limiter *ratelimit.ChannelLimiter
	tracker *Tracker
	clk     *fakeClock
}

func newFixture(t *testing.T, intervals []time.Duration) *fixture {
	t.Helper()
	st := store.NewMemory()
	limiter := ratelimit.New()
	clk := &fakeClock{t: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)}
	tr := NewTracker(st, logging.NewNop(), limiter, 1, 16).WithClock(clk.now)
	tr.ctx, tr.cancel = context.WithCancel(context.Background())
	t.Cleanup(tr.cancel)

	cfg := &models.ChannelConfiguration{
		Channel:            models.ChannelEmail,
		Provider:           "smtp",
		RateLimitPerMinute: 100,
		RateLimitPerHour:   1000,
		Timeout:            5 * time.Second,
		RetryIntervals:     intervals,
		Enabled:            true,
	}
	require.NoError(t, st.UpsertChannelConfig(context.Background(), cfg))
	return &fixture{st: st, limiter: limiter, tracker: tr, clk: clk}
}

func (f *fixture) create(t *testing.T, maxRetries int) string {
	t.Helper()
	n := &models.Notification{
		Subject:       "freezer alarm",
		Body:          "temp out of range",
		Priority:      models.PriorityHigh,
		Channel:       models.ChannelEmail,
		RecipientID:   "rec-1",
		Address:       "ops@lab.example",
		ScheduledFor:  f.clk.now(),
		MaxRetries:    maxRetries,
		CorrelationID: "corr-1",
	}
	require.NoError(t, f.tracker.Create(context.Background(), n))
	return n.ID
}

func transientSender(err error) ChannelSender {
	return SenderFunc(func(ctx context.Context, n models.Notification) (string, error) {
		return "", err
	})
}

func TestTransientFailuresExhaustRetriesThenFail(t *testing.T) {
	intervals := []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}
	f := newFixture(t, intervals)
	sendErr := &models.TransientDeliveryFailure{Code: 503, Message: "smtp unavailable"}
	f.tracker.RegisterSender(models.ChannelEmail, transientSender(sendErr))

	var terminal []models.Notification
	f.tracker.OnTerminalFailure(func(n models.Notification) { terminal = append(terminal, n) })

	id := f.create(t, len(intervals))
	ctx := context.Background()

	// First attempt: transient failure, first backoff slot.
	f.tracker.attempt(id)
	n, _ := f.st.GetNotification(ctx, id)
	assert.Equal(t, models.StatusRetrying, n.Status)
	assert.Equal(t, 1, n.RetryCount)
	assert.True(t, n.ScheduledFor.Equal(f.clk.now().Add(time.Minute)))

	// Second attempt after the backoff elapses.
	f.clk.advance(time.Minute + time.Second)
	f.tracker.attempt(id)
	n, _ = f.st.GetNotification(ctx, id)
	assert.Equal(t, models.StatusRetrying, n.Status)
	assert.Equal(t, 2, n.RetryCount)

	// Third attempt consumes the final retry and the notification fails.
	f.clk.advance(5*time.Minute + time.Second)
	f.tracker.attempt(id)
	n, _ = f.st.GetNotification(ctx, id)
	assert.Equal(t, models.StatusFailed, n.Status)
	assert.Equal(t, 3, n.RetryCount)
	assert.Contains(t, n.LastError, "smtp unavailable")

	attempts, err := f.st.ListAttempts(ctx, id)
	require.NoError(t, err)
	require.Len(t, attempts, 3)
	for i, a := range attempts {
		assert.Equal(t, i+1, a.AttemptNumber)
		assert.Equal(t, models.AttemptFailed, a.Status)
		assert.Equal(t, 503, a.ResponseCode)
	}

	require.Len(t, terminal, 1)
	assert.Equal(t, models.StatusFailed, terminal[0].Status)
}

func TestSuccessfulSendMarksDelivered(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute})
	f.tracker.RegisterSender(models.ChannelEmail, SenderFunc(func(ctx context.Context, n models.Notification) (string, error) {
		return "prov-9", nil
	}))

	id := f.create(t, 1)
	f.tracker.attempt(id)

	n, err := f.st.GetNotification(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDelivered, n.Status)
	assert.Equal(t, "prov-9", n.ProviderID)
	require.NotNil(t, n.SentAt)
	require.NotNil(t, n.DeliveredAt)

	attempts, _ := f.st.ListAttempts(context.Background(), id)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptSuccess, attempts[0].Status)
	assert.Equal(t, "prov-9", attempts[0].ProviderID)
}

func TestPermanentFailureSkipsRetries(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute, time.Minute})
	f.tracker.RegisterSender(models.ChannelEmail, transientSender(&models.PermanentDeliveryFailure{Code: 550, Message: "no such mailbox"}))

	var terminal int
	f.tracker.OnTerminalFailure(func(models.Notification) { terminal++ })

	id := f.create(t, 2)
	f.tracker.attempt(id)

	n, _ := f.st.GetNotification(context.Background(), id)
	assert.Equal(t, models.StatusFailed, n.Status)
	assert.Equal(t, 0, n.RetryCount)
	attempts, _ := f.st.ListAttempts(context.Background(), id)
	require.Len(t, attempts, 1)
	assert.Equal(t, 1, terminal)
}

func TestRateLimitDenialDefersWithoutConsumingRetry(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute})
	f.tracker.RegisterSender(models.ChannelEmail, transientSender(&models.TransientDeliveryFailure{Message: "should not be called"}))

	// Drain the only token so the next admission check denies.
	f.limiter.Configure(models.ChannelEmail, 1, 1)
	require.True(t, f.limiter.Allow(models.ChannelEmail))

	id := f.create(t, 1)
	f.tracker.attempt(id)

	n, _ := f.st.GetNotification(context.Background(), id)
	assert.Equal(t, models.StatusPending, n.Status)
	assert.Equal(t, 0, n.RetryCount)
	assert.True(t, n.ScheduledFor.Equal(f.clk.now().Add(time.Minute)))

	// No attempt row: the send never reached the provider.
	attempts, _ := f.st.ListAttempts(context.Background(), id)
	assert.Empty(t, attempts)
}

func TestCancelledNotificationIsNotAttempted(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute})
	called := false
	f.tracker.RegisterSender(models.ChannelEmail, SenderFunc(func(ctx context.Context, n models.Notification) (string, error) {
		called = true
		return "", nil
	}))

	id := f.create(t, 1)
	require.NoError(t, f.tracker.Cancel(context.Background(), id))
	f.tracker.attempt(id)

	assert.False(t, called)
	n, _ := f.st.GetNotification(context.Background(), id)
	assert.Equal(t, models.StatusCancelled, n.Status)
	attempts, _ := f.st.ListAttempts(context.Background(), id)
	assert.Empty(t, attempts)
}

func TestDisabledChannelDefersDelivery(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute})
	f.tracker.RegisterSender(models.ChannelEmail, transientSender(&models.TransientDeliveryFailure{Message: "should not be called"}))

	cfg, err := f.st.GetChannelConfig(context.Background(), models.ChannelEmail)
	require.NoError(t, err)
	cfg.Enabled = false
	require.NoError(t, f.st.UpsertChannelConfig(context.Background(), &cfg))

	id := f.create(t, 1)
	f.tracker.attempt(id)

	n, _ := f.st.GetNotification(context.Background(), id)
	assert.Equal(t, models.StatusPending, n.Status)
	attempts, _ := f.st.ListAttempts(context.Background(), id)
	assert.Empty(t, attempts)
}

func TestUnregisteredChannelFailsOnEnqueue(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute})

	n := &models.Notification{
		Subject:      "s",
		Body:         "b",
		Priority:     models.PriorityNormal,
		Channel:      models.ChannelChat,
		RecipientID:  "rec-1",
		Address:      "123",
		ScheduledFor: f.clk.now(),
		MaxRetries:   1,
	}
	require.NoError(t, f.tracker.Create(context.Background(), n))

	f.tracker.enqueue(n.ID)
	got, _ := f.st.GetNotification(context.Background(), n.ID)
	assert.Equal(t, models.StatusFailed, got.Status)
	assert.Contains(t, got.LastError, "no sender registered")
}

func TestTimeoutAttemptIsClassified(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Minute})
	cfg, _ := f.st.GetChannelConfig(context.Background(), models.ChannelEmail)
	cfg.Timeout = 30 * time.Millisecond
	require.NoError(t, f.st.UpsertChannelConfig(context.Background(), &cfg))

	f.tracker.RegisterSender(models.ChannelEmail, SenderFunc(func(ctx context.Context, n models.Notification) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}))

	id := f.create(t, 1)
	f.tracker.attempt(id)

	attempts, _ := f.st.ListAttempts(context.Background(), id)
	require.Len(t, attempts, 1)
	assert.Equal(t, models.AttemptTimeout, attempts[0].Status)
}

func TestRetryNowPullsScheduleForward(t *testing.T) {
	f := newFixture(t, []time.Duration{time.Hour})
	f.tracker.RegisterSender(models.ChannelEmail, SenderFunc(func(ctx context.Context, n models.Notification) (string, error) {
		return "ok", nil
	}))

	id := f.create(t, 1)
	require.NoError(t, f.st.Reschedule(context.Background(), id, f.clk.now().Add(time.Hour)))

	require.NoError(t, f.tracker.RetryNow(context.Background(), id))
	f.tracker.attempt(id)

	n, _ := f.st.GetNotification(context.Background(), id)
	assert.Equal(t, models.StatusDelivered, n.Status)
}
