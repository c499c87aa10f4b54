package stats

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/models"
	"lab-notification-service/internal/store"
)

func createNotification(t *testing.T, st *store.Memory, ch models.Channel, p models.Priority) models.Notification {
	t.Helper()
	n := &models.Notification{
		Subject:     "s",
		Body:        "b",
		Priority:    p,
		Channel:     ch,
		RecipientID: "rec-1",
		Address:     "addr",
		MaxRetries:  3,
	}
	require.NoError(t, st.CreateNotification(context.Background(), n))
	got, err := st.GetNotification(context.Background(), n.ID)
	require.NoError(t, err)
	return got
}

func appendAttempt(t *testing.T, st *store.Memory, id string, ch models.Channel, ts time.Time, status models.AttemptStatus) {
	t.Helper()
	require.NoError(t, st.AppendAttempt(context.Background(), &models.DeliveryAttempt{
		NotificationID: id,
		Channel:        ch,
		Address:        "addr",
		Timestamp:      ts,
		Status:         status,
	}))
}

func TestAggregateBucketsByHourChannelPriorityStatus(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	agg := New(st)

	hour8 := time.Date(2026, 3, 10, 8, 15, 0, 0, time.UTC)
	hour9 := time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC)

	// Delivered after one transient failure: two attempts in the same bucket.
	n1 := createNotification(t, st, models.ChannelEmail, models.PriorityHigh)
	appendAttempt(t, st, n1.ID, models.ChannelEmail, hour8, models.AttemptFailed)
	appendAttempt(t, st, n1.ID, models.ChannelEmail, hour8.Add(2*time.Minute), models.AttemptSuccess)
	require.NoError(t, st.MarkSent(ctx, n1.ID, "prov-1", n1.CreatedAt.Add(1200*time.Millisecond)))
	require.NoError(t, st.MarkDelivered(ctx, n1.ID, n1.CreatedAt.Add(1200*time.Millisecond)))

	// Same hour and channel but terminally failed: separate bucket by status.
	n2 := createNotification(t, st, models.ChannelEmail, models.PriorityHigh)
	appendAttempt(t, st, n2.ID, models.ChannelEmail, hour8.Add(10*time.Minute), models.AttemptFailed)
	require.NoError(t, st.MarkFailed(ctx, n2.ID, hour8.Add(10*time.Minute), "bounced"))

	// Different hour and channel.
	n3 := createNotification(t, st, models.ChannelSMS, models.PriorityNormal)
	appendAttempt(t, st, n3.ID, models.ChannelSMS, hour9, models.AttemptSuccess)
	require.NoError(t, st.MarkSent(ctx, n3.ID, "prov-2", n3.CreatedAt.Add(800*time.Millisecond)))
	require.NoError(t, st.MarkDelivered(ctx, n3.ID, n3.CreatedAt.Add(800*time.Millisecond)))

	buckets, err := agg.Aggregate(ctx, hour8.Add(-15*time.Minute), hour9.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, buckets, 3)

	// Sorted by date, hour, channel, status.
	b := buckets[0]
	assert.Equal(t, "2026-03-10", b.Date)
	assert.Equal(t, 8, b.Hour)
	assert.Equal(t, models.ChannelEmail, b.Channel)
	assert.Equal(t, models.PriorityHigh, b.Priority)
	assert.Equal(t, models.StatusDelivered, b.Status)
	assert.Equal(t, 2, b.Count)
	assert.InDelta(t, 0.5, b.SuccessRate, 1e-9)
	assert.InDelta(t, 1200, b.AvgDeliveryMs, 1.0)

	b = buckets[1]
	assert.Equal(t, 8, b.Hour)
	assert.Equal(t, models.StatusFailed, b.Status)
	assert.Equal(t, 1, b.Count)
	assert.Zero(t, b.SuccessRate)
	assert.Zero(t, b.AvgDeliveryMs)

	b = buckets[2]
	assert.Equal(t, 9, b.Hour)
	assert.Equal(t, models.ChannelSMS, b.Channel)
	assert.Equal(t, models.PriorityNormal, b.Priority)
	assert.Equal(t, models.StatusDelivered, b.Status)
	assert.Equal(t, 1, b.Count)
	assert.InDelta(t, 1.0, b.SuccessRate, 1e-9)
}

func TestAggregateWindowIsHalfOpen(t *testing.T) {
	st := store.NewMemory()
	agg := New(st)

	from := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	to := from.Add(time.Hour)

	n := createNotification(t, st, models.ChannelEmail, models.PriorityNormal)
	appendAttempt(t, st, n.ID, models.ChannelEmail, from, models.AttemptFailed)           // inclusive start
	appendAttempt(t, st, n.ID, models.ChannelEmail, to, models.AttemptFailed)             // exclusive end
	appendAttempt(t, st, n.ID, models.ChannelEmail, from.Add(-time.Second), models.AttemptFailed) // before window

	buckets, err := agg.Aggregate(context.Background(), from, to)
	require.NoError(t, err)
	require.Len(t, buckets, 1)
	assert.Equal(t, 1, buckets[0].Count)
}

func TestAggregateEmptyWindow(t *testing.T) {
	st := store.NewMemory()
	agg := New(st)

	from := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	buckets, err := agg.Aggregate(context.Background(), from, from.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, buckets)
}
