// Package stats rolls delivery activity up into hourly observability buckets.
package stats

import (
	"context"
	"sort"
	"time"

	"lab-notification-service/internal/models"
	"lab-notification-service/internal/store"
)

// Bucket is one (date, hour, channel, priority, status) aggregate.
type Bucket struct {
	Date          string          `json:"date"` // YYYY-MM-DD, UTC
	Hour          int             `json:"hour"`
	Channel       models.Channel  `json:"channel"`
	Priority      models.Priority `json:"priority"`
	Status        models.Status   `json:"status"`
	Count         int             `json:"count"`
	AvgDeliveryMs float64         `json:"avg_delivery_ms"`
	SuccessRate   float64         `json:"success_rate"`
}

// Aggregator derives buckets from the attempt log and notification rows, so
// counters can never drift from the audit trail they summarize.
type Aggregator struct {
	store store.Store
}

func New(st store.Store) *Aggregator {
	return &Aggregator{store: st}
}

type key struct {
	date     string
	hour     int
	channel  models.Channel
	priority models.Priority
	status   models.Status
}

type acc struct {
	count     int
	successes int
	attempts  int
	deliverMs float64
	delivered int
}

// Aggregate buckets every attempt in [from, to) by its notification's hour of
// creation. Success rate is successful attempts over all attempts in the
// bucket; average delivery time is measured creation to delivered.
func (a *Aggregator) Aggregate(ctx context.Context, from, to time.Time) ([]Bucket, error) {
	attempts, err := a.store.ListAttemptsInRange(ctx, from, to)
	if err != nil {
		return nil, err
	}

	accs := make(map[key]*acc)
	seen := make(map[string]models.Notification)
	for _, at := range attempts {
		n, ok := seen[at.NotificationID]
		if !ok {
			n, err = a.store.GetNotification(ctx, at.NotificationID)
			if err != nil {
				continue
			}
			seen[at.NotificationID] = n
		}

		ts := at.Timestamp.UTC()
		k := key{
			date:     ts.Format("2006-01-02"),
			hour:     ts.Hour(),
			channel:  at.Channel,
			priority: n.Priority,
			status:   n.Status,
		}
		cur, ok := accs[k]
		if !ok {
			cur = &acc{}
			accs[k] = cur
		}
		cur.count++
		cur.attempts++
		if at.Status == models.AttemptSuccess {
			cur.successes++
		}
		if n.DeliveredAt != nil {
			cur.deliverMs += float64(n.DeliveredAt.Sub(n.CreatedAt).Milliseconds())
			cur.delivered++
		}
	}

	out := make([]Bucket, 0, len(accs))
	for k, v := range accs {
		b := Bucket{
			Date:     k.date,
			Hour:     k.hour,
			Channel:  k.channel,
			Priority: k.priority,
			Status:   k.status,
			Count:    v.count,
		}
		if v.attempts > 0 {
			b.SuccessRate = float64(v.successes) / float64(v.attempts)
		}
		if v.delivered > 0 {
			b.AvgDeliveryMs = v.deliverMs / float64(v.delivered)
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Hour != out[j].Hour {
			return out[i].Hour < out[j].Hour
		}
		if out[i].Channel != out[j].Channel {
			return out[i].Channel < out[j].Channel
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}
