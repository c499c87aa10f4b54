package recipients

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/store"
)

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestQuietHoursDeferNonCriticalDelivery(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	rec := &models.Recipient{
		DisplayName: "night owl",
		Kind:        models.RecipientUser,
		Addresses:   map[models.Channel]string{models.ChannelEmail: "owl@lab.example"},
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Timezone:   "UTC",
		QuietHours: &models.QuietHours{Start: "22:00", End: "07:00"},
		Active:     true,
	}
	require.NoError(t, st.CreateRecipient(ctx, rec))

	// 23:00, one hour into the window.
	now := time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC)
	r := New(st, logging.NewNop()).WithClock(fixedClock(now))

	intent := models.DispatchIntent{
		Target:   models.TargetRef{RecipientID: rec.ID},
		Priority: models.PriorityNormal,
	}
	resolved, dropped, err := r.Resolve(ctx, intent)
	require.NoError(t, err)
	require.Empty(t, dropped)
	require.Len(t, resolved, 1)
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	assert.True(t, resolved[0].ScheduledFor.Equal(want), "got %s, want %s", resolved[0].ScheduledFor, want)

	// Critical and immediate dispatches go straight through.
	intent.Priority = models.PriorityCritical
	resolved, _, err = r.Resolve(ctx, intent)
	require.NoError(t, err)
	assert.True(t, resolved[0].ScheduledFor.Equal(now))

	intent.Priority = models.PriorityNormal
	intent.Immediate = true
	resolved, _, err = r.Resolve(ctx, intent)
	require.NoError(t, err)
	assert.True(t, resolved[0].ScheduledFor.Equal(now))
}

func TestQuietHoursUseRecipientTimezone(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	rec := &models.Recipient{
		DisplayName: "tokyo tech",
		Kind:        models.RecipientUser,
		Addresses:   map[models.Channel]string{models.ChannelChat: "12345"},
		PreferredChannels: []models.Channel{models.ChannelChat},
		Timezone:   "Asia/Tokyo",
		QuietHours: &models.QuietHours{Start: "22:00", End: "07:00"},
		Active:     true,
	}
	require.NoError(t, st.CreateRecipient(ctx, rec))

	// 14:30 UTC is 23:30 in Tokyo, inside the window.
	now := time.Date(2026, 3, 10, 14, 30, 0, 0, time.UTC)
	r := New(st, logging.NewNop()).WithClock(fixedClock(now))

	resolved, _, err := r.Resolve(ctx, models.DispatchIntent{
		Target:   models.TargetRef{RecipientID: rec.ID},
		Priority: models.PriorityNormal,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)

	tokyo, err := time.LoadLocation("Asia/Tokyo")
	require.NoError(t, err)
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, tokyo)
	assert.True(t, resolved[0].ScheduledFor.Equal(want), "got %s, want %s", resolved[0].ScheduledFor, want)
}

func TestChannelSelectionPreferenceRules(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	rec := &models.Recipient{
		DisplayName: "pref",
		Kind:        models.RecipientUser,
		Addresses: map[models.Channel]string{
			models.ChannelSMS:   "+15550000",
			models.ChannelEmail: "pref@lab.example",
		},
		PreferredChannels: []models.Channel{models.ChannelChat, models.ChannelSMS, models.ChannelEmail},
		Active:            true,
	}
	require.NoError(t, st.CreateRecipient(ctx, rec))
	r := New(st, logging.NewNop())

	// Explicit channel that is preferred and addressed wins.
	resolved, _, err := r.Resolve(ctx, models.DispatchIntent{
		Target:  models.TargetRef{RecipientID: rec.ID},
		Channel: models.ChannelEmail,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, models.ChannelEmail, resolved[0].Channel)
	assert.Equal(t, "pref@lab.example", resolved[0].Address)

	// Explicit channel without an address falls back to the first preferred
	// channel that has one: chat has no address, so sms wins.
	resolved, _, err = r.Resolve(ctx, models.DispatchIntent{
		Target:  models.TargetRef{RecipientID: rec.ID},
		Channel: models.ChannelChat,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, models.ChannelSMS, resolved[0].Channel)
}

func TestUnaddressableRecipientIsDroppedNotFatal(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()

	g := &models.Group{Name: "mixed", Kind: models.GroupDepartment, Active: true}
	require.NoError(t, st.CreateGroup(ctx, g))

	ok := &models.Recipient{
		DisplayName:       "reachable",
		Kind:              models.RecipientUser,
		Addresses:         map[models.Channel]string{models.ChannelEmail: "ok@lab.example"},
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Active:            true,
	}
	require.NoError(t, st.CreateRecipient(ctx, ok))
	bad := &models.Recipient{
		DisplayName:       "unreachable",
		Kind:              models.RecipientUser,
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Active:            true,
	}
	require.NoError(t, st.CreateRecipient(ctx, bad))
	for _, id := range []string{ok.ID, bad.ID} {
		require.NoError(t, st.AddMembership(ctx, &models.Membership{GroupID: g.ID, RecipientID: id, Role: models.RoleMember, Active: true}))
	}

	r := New(st, logging.NewNop())
	resolved, dropped, err := r.Resolve(ctx, models.DispatchIntent{
		Target: models.TargetRef{GroupID: g.ID},
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	assert.Equal(t, ok.ID, resolved[0].Recipient.ID)
	require.Len(t, dropped, 1)
	assert.Equal(t, bad.ID, dropped[0].RecipientID)
}

func TestInactiveRecipientResolvesToNothing(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	rec := &models.Recipient{
		DisplayName:       "gone",
		Kind:              models.RecipientUser,
		Addresses:         map[models.Channel]string{models.ChannelEmail: "gone@lab.example"},
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Active:            true,
	}
	require.NoError(t, st.CreateRecipient(ctx, rec))
	require.NoError(t, st.DeactivateRecipient(ctx, rec.ID))

	r := New(st, logging.NewNop())
	resolved, dropped, err := r.Resolve(ctx, models.DispatchIntent{
		Target: models.TargetRef{RecipientID: rec.ID},
	})
	require.NoError(t, err)
	assert.Empty(t, resolved)
	assert.Empty(t, dropped)
}

func TestIntentDelayAppliedBeforeQuietHoursCheck(t *testing.T) {
	st := store.NewMemory()
	ctx := context.Background()
	rec := &models.Recipient{
		DisplayName:       "delayed",
		Kind:              models.RecipientUser,
		Addresses:         map[models.Channel]string{models.ChannelEmail: "d@lab.example"},
		PreferredChannels: []models.Channel{models.ChannelEmail},
		Timezone:          "UTC",
		QuietHours:        &models.QuietHours{Start: "22:00", End: "07:00"},
		Active:            true,
	}
	require.NoError(t, st.CreateRecipient(ctx, rec))

	// 21:00 plus a two hour delay lands at 23:00, inside the window.
	now := time.Date(2026, 3, 10, 21, 0, 0, 0, time.UTC)
	r := New(st, logging.NewNop()).WithClock(fixedClock(now))
	resolved, _, err := r.Resolve(ctx, models.DispatchIntent{
		Target:   models.TargetRef{RecipientID: rec.ID},
		Priority: models.PriorityNormal,
		Delay:    2 * time.Hour,
	})
	require.NoError(t, err)
	require.Len(t, resolved, 1)
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	assert.True(t, resolved[0].ScheduledFor.Equal(want))
}
