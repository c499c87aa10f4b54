package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"lab-notification-service/internal/models"
)

func TestMinuteCapDeniesBeyondBurst(t *testing.T) {
	l := New()
	// Cap 4/min: half is instantly burstable, the rest refills.
	l.Configure(models.ChannelEmail, 4, 1000)

	for i := 0; i < 2; i++ {
		assert.True(t, l.Allow(models.ChannelEmail), "send %d should be admitted", i+1)
	}
	assert.False(t, l.Allow(models.ChannelEmail), "third immediate send must be denied")
}

func TestHourCapBindsWhenTighter(t *testing.T) {
	l := New()
	l.Configure(models.ChannelSMS, 100, 2)

	assert.True(t, l.Allow(models.ChannelSMS))
	assert.False(t, l.Allow(models.ChannelSMS))
}

func TestChannelsAreIsolated(t *testing.T) {
	l := New()
	l.Configure(models.ChannelEmail, 1, 1)
	l.Configure(models.ChannelChat, 1, 1)

	assert.True(t, l.Allow(models.ChannelEmail))
	assert.False(t, l.Allow(models.ChannelEmail))
	// Email exhaustion never affects chat.
	assert.True(t, l.Allow(models.ChannelChat))
}

func TestUnconfiguredChannelIsUnlimited(t *testing.T) {
	l := New()
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow(models.ChannelWebhook))
	}
}

func TestReconfigureReplacesBuckets(t *testing.T) {
	l := New()
	l.Configure(models.ChannelEmail, 1, 1)
	assert.True(t, l.Allow(models.ChannelEmail))
	assert.False(t, l.Allow(models.ChannelEmail))

	l.Configure(models.ChannelEmail, 5, 100)
	assert.True(t, l.Allow(models.ChannelEmail))
}

func TestHourDenialReturnsMinuteToken(t *testing.T) {
	l := New()
	// One hourly token, plenty of minute tokens.
	l.Configure(models.ChannelPush, 10, 1)

	assert.True(t, l.Allow(models.ChannelPush))
	// The hour bucket is dry; each denial must hand the minute token back,
	// so repeated checks never drain the minute bucket.
	for i := 0; i < 20; i++ {
		assert.False(t, l.Allow(models.ChannelPush))
	}
}

func TestRollingMinuteWindowNeverExceedsCap(t *testing.T) {
	const perMinute = 4

	clock := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	l := New().WithClock(func() time.Time { return clock })
	l.Configure(models.ChannelEmail, perMinute, 100000)

	// A greedy caller retrying every second for five minutes.
	var admissions []time.Time
	for tick := 0; tick < 300; tick++ {
		for l.Allow(models.ChannelEmail) {
			admissions = append(admissions, clock)
		}
		clock = clock.Add(time.Second)
	}

	// The limiter admits throughput, not just the initial burst.
	assert.GreaterOrEqual(t, len(admissions), perMinute*2)

	// No rolling 60-second window ever admits more than the cap.
	for i, start := range admissions {
		inWindow := 0
		for _, at := range admissions[i:] {
			if at.Sub(start) < time.Minute {
				inWindow++
			}
		}
		assert.LessOrEqualf(t, inWindow, perMinute, "window starting %s admitted %d sends", start, inWindow)
	}
}
