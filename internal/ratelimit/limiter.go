// Package ratelimit provides per-channel admission control with independent
// per-minute and per-hour token buckets.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"lab-notification-service/internal/models"
)

type bucket struct {
	minute *rate.Limiter
	hour   *rate.Limiter
}

// ChannelLimiter holds one dual token bucket per channel. Admission checks
// are concurrent-safe; each bucket decrements atomically inside rate.Limiter,
// so workers can never double-grant beyond the configured caps.
type ChannelLimiter struct {
	mu      sync.RWMutex
	buckets map[models.Channel]*bucket
	now     func() time.Time
}

func New() *ChannelLimiter {
	return &ChannelLimiter{
		buckets: make(map[models.Channel]*bucket),
		now:     time.Now,
	}
}

// WithClock overrides the limiter's clock. For tests.
func (l *ChannelLimiter) WithClock(now func() time.Time) *ChannelLimiter {
	l.now = now
	return l
}

// Configure installs or replaces the buckets for a channel. Each bucket is
// sized so admissions within any rolling window stay at or under the cap:
// burst is half the cap and the remaining half refills across the window.
// A full-cap burst with a full-cap refill rate would admit twice the cap
// inside one rolling window.
func (l *ChannelLimiter) Configure(ch models.Channel, perMinute, perHour int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buckets[ch] = &bucket{
		minute: rate.NewLimiter(rate.Limit(float64(perMinute)/120.0), (perMinute+1)/2),
		hour:   rate.NewLimiter(rate.Limit(float64(perHour)/7200.0), (perHour+1)/2),
	}
}

// Allow grants or denies one send on the channel. Both caps must admit; a
// token taken from one bucket is returned if the other denies. A channel with
// no configured buckets is admitted unconditionally, matching an unlimited
// provider.
func (l *ChannelLimiter) Allow(ch models.Channel) bool {
	l.mu.RLock()
	b, ok := l.buckets[ch]
	now := l.now()
	l.mu.RUnlock()
	if !ok {
		return true
	}

	rm := b.minute.ReserveN(now, 1)
	if !rm.OK() || rm.DelayFrom(now) > 0 {
		rm.CancelAt(now)
		return false
	}
	rh := b.hour.ReserveN(now, 1)
	if !rh.OK() || rh.DelayFrom(now) > 0 {
		rh.CancelAt(now)
		rm.CancelAt(now)
		return false
	}
	return true
}
