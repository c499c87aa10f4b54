// Package delivery owns the notification lifecycle: send attempts, the audit
// trail, retries with configured backoff, and cooperative cancellation.
package delivery

import (
	"context"
	"errors"
	"sync"
	"time"

	"lab-notification-service/internal/logging"
	"lab-notification-service/internal/metrics"
	"lab-notification-service/internal/models"
	"lab-notification-service/internal/ratelimit"
	"lab-notification-service/internal/store"
)

const requeueBackoff = time.Second

// Tracker drives notifications through their state machine. Each channel gets
// its own bounded worker pool so a slow provider on one channel cannot starve
// others. No lock is held across a provider send.
type Tracker struct {
	store   store.Store
	logger  *logging.Logger
	limiter *ratelimit.ChannelLimiter

	workersPerChannel int
	queueSize         int

	mu      sync.RWMutex
	senders map[models.Channel]ChannelSender
	queues  map[models.Channel]chan string

	dq *delayQueue

	onTerminal func(models.Notification)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	now    func() time.Time
}

func NewTracker(st store.Store, logger *logging.Logger, limiter *ratelimit.ChannelLimiter, workersPerChannel, queueSize int) *Tracker {
	if workersPerChannel <= 0 {
		workersPerChannel = 4
	}
	if queueSize <= 0 {
		queueSize = 500
	}
	return &Tracker{
		store:             st,
		logger:            logger,
		limiter:           limiter,
		workersPerChannel: workersPerChannel,
		queueSize:         queueSize,
		senders:           make(map[models.Channel]ChannelSender),
		queues:            make(map[models.Channel]chan string),
		dq:                newDelayQueue(),
		now:               time.Now,
	}
}

// WithClock overrides the tracker's clock. For tests.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// RegisterSender installs the channel-sender capability for a channel and
// provisions its worker queue. Must be called before Start.
func (t *Tracker) RegisterSender(ch models.Channel, s ChannelSender) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.senders[ch] = s
	t.queues[ch] = make(chan string, t.queueSize)
}

// OnTerminalFailure registers a hook invoked when a notification exhausts its
// retries or fails permanently. The escalation manager uses it to react
// without the tracker depending on it.
func (t *Tracker) OnTerminalFailure(fn func(models.Notification)) {
	t.onTerminal = fn
}

// Start launches the per-channel worker pools and the sweeper, and re-seeds
// the delay queue from pending/retrying notifications so scheduled work
// survives a restart.
func (t *Tracker) Start(ctx context.Context, wg *sync.WaitGroup) error {
	t.ctx, t.cancel = context.WithCancel(ctx)

	pending, err := t.store.ListSchedulable(t.ctx)
	if err != nil {
		return err
	}
	for _, n := range pending {
		t.dq.push(n.ID, n.ScheduledFor)
	}

	t.mu.RLock()
	for ch, q := range t.queues {
		for i := 0; i < t.workersPerChannel; i++ {
			t.wg.Add(1)
			wg.Add(1)
			go func(ch models.Channel, q chan string, id int) {
				defer t.wg.Done()
				defer wg.Done()
				t.worker(ch, q, id)
			}(ch, q, i)
		}
	}
	t.mu.RUnlock()

	t.wg.Add(1)
	wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer wg.Done()
		t.sweep()
	}()
	return nil
}

// Stop cancels workers and waits for in-flight attempts to finish; an attempt
// already at a provider completes and has its outcome recorded.
func (t *Tracker) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	t.wg.Wait()
}

// Create persists a new notification and schedules its first send attempt at
// scheduled_for.
func (t *Tracker) Create(ctx context.Context, n *models.Notification) error {
	if err := t.store.CreateNotification(ctx, n); err != nil {
		return err
	}
	metrics.NotificationsCreated.WithLabelValues(string(n.Channel), string(n.Priority)).Inc()
	t.dq.push(n.ID, n.ScheduledFor)
	return nil
}

// Cancel marks a notification cancelled. Legal from pending or retrying only;
// the cancellation is honored before the next send attempt.
func (t *Tracker) Cancel(ctx context.Context, id string) error {
	return t.store.MarkCancelled(ctx, id)
}

// RetryNow pulls a scheduled notification forward to an immediate attempt.
func (t *Tracker) RetryNow(ctx context.Context, id string) error {
	now := t.now()
	if err := t.store.Reschedule(ctx, id, now); err != nil {
		return err
	}
	t.dq.push(id, now)
	return nil
}

// MarkDelivered records an asynchronous provider delivery report.
func (t *Tracker) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	return t.store.MarkDelivered(ctx, id, at)
}

// sweep is the single consumer of the delay queue. It hands due notifications
// to their channel's worker pool.
func (t *Tracker) sweep() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		var wait time.Duration
		if due, ok := t.dq.nextDue(); ok {
			wait = time.Until(due)
			if wait < 0 {
				wait = 0
			}
		} else {
			wait = time.Hour
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(wait)

		select {
		case <-t.ctx.Done():
			return
		case <-t.dq.wake:
		case <-timer.C:
		}

		for _, id := range t.dq.popDue(t.now()) {
			t.enqueue(id)
		}
	}
}

func (t *Tracker) enqueue(id string) {
	n, err := t.store.GetNotification(t.ctx, id)
	if err != nil {
		t.logger.Errorf("Sweep: load notification %s failed: %v", id, err)
		return
	}
	if n.Status != models.StatusPending && n.Status != models.StatusRetrying {
		// Cancelled or already terminal; drop silently.
		return
	}
	t.mu.RLock()
	q, ok := t.queues[n.Channel]
	t.mu.RUnlock()
	if !ok {
		t.logger.Errorf("No sender registered for channel %s, notification %s failed", n.Channel, id)
		_ = t.store.MarkFailed(t.ctx, id, t.now(), "no sender registered for channel")
		return
	}
	select {
	case q <- id:
	default:
		// Channel pool saturated; try again shortly rather than dropping.
		t.dq.push(id, t.now().Add(requeueBackoff))
	}
}

func (t *Tracker) worker(ch models.Channel, q chan string, id int) {
	for {
		select {
		case <-t.ctx.Done():
			t.logger.Debugf("Delivery worker %s/%d stopped", ch, id)
			return
		case notifID := <-q:
			t.attempt(notifID)
		}
	}
}

// attempt performs one send attempt end to end: cancellation check, admission
// check, provider call, attempt recording, then the retry decision. Every
// failure is recorded before any scheduling decision.
func (t *Tracker) attempt(id string) {
	ctx := t.ctx
	n, err := t.store.GetNotification(ctx, id)
	if err != nil {
		t.logger.Errorf("Attempt: load notification %s failed: %v", id, err)
		return
	}

	// Cancellation is checked immediately before each send attempt.
	if n.Status != models.StatusPending && n.Status != models.StatusRetrying {
		return
	}
	if n.ScheduledFor.After(t.now()) {
		t.dq.push(id, n.ScheduledFor)
		return
	}

	cfg, err := t.store.GetChannelConfig(ctx, n.Channel)
	if err != nil {
		t.logger.Errorf("Notification %s: missing channel configuration for %s: %v", id, n.Channel, err)
		_ = t.store.MarkFailed(ctx, id, t.now(), "missing channel configuration")
		t.notifyTerminal(ctx, id)
		return
	}
	if !cfg.Enabled {
		// Disabled channel defers rather than fails; operators re-enable.
		t.reschedule(ctx, n, cfg, "channel disabled")
		return
	}

	// Admission check. A denial defers the attempt without consuming a retry:
	// retry_count increments only on completed attempts.
	if !t.limiter.Allow(n.Channel) {
		metrics.RateLimitDenials.WithLabelValues(string(n.Channel)).Inc()
		t.reschedule(ctx, n, cfg, "rate limited")
		return
	}

	t.mu.RLock()
	sender := t.senders[n.Channel]
	t.mu.RUnlock()

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	started := t.now()
	providerID, sendErr := sender.Send(sendCtx, n)
	latency := t.now().Sub(started)
	cancel()
	metrics.SendLatency.WithLabelValues(string(n.Channel)).Observe(latency.Seconds())

	attempt := &models.DeliveryAttempt{
		NotificationID: id,
		Channel:        n.Channel,
		Address:        n.Address,
		Timestamp:      started,
		Latency:        latency,
		ProviderID:     providerID,
	}
	classify(attempt, sendErr)
	if err := t.store.AppendAttempt(ctx, attempt); err != nil {
		t.logger.Errorf("Notification %s: attempt audit write failed: %v", id, err)
	}
	metrics.SendAttempts.WithLabelValues(string(n.Channel), string(attempt.Status)).Inc()

	if sendErr == nil {
		now := t.now()
		if err := t.store.MarkSent(ctx, id, providerID, now); err != nil {
			t.logger.Errorf("Notification %s: mark sent failed: %v", id, err)
			return
		}
		// The provider acknowledged the message synchronously; that is the
		// delivery confirmation for send-and-ack channels. Providers with
		// delivery reports overwrite via MarkDelivered later.
		if err := t.store.MarkDelivered(ctx, id, now); err != nil {
			t.logger.Errorf("Notification %s: mark delivered failed: %v", id, err)
		}
		t.logger.Infof("Notification %s delivered via %s (provider id %s)", id, n.Channel, providerID)
		return
	}

	if models.IsPermanent(sendErr) {
		t.logger.Errorf("Notification %s: permanent failure via %s: %v", id, n.Channel, sendErr)
		_ = t.store.MarkFailed(ctx, id, t.now(), sendErr.Error())
		t.notifyTerminal(ctx, id)
		return
	}

	t.retryOrFail(ctx, n, cfg, sendErr)
}

// retryOrFail applies the backoff schedule after a transient failure.
func (t *Tracker) retryOrFail(ctx context.Context, n models.Notification, cfg models.ChannelConfiguration, sendErr error) {
	// retry_count before this increment indexes the interval list.
	idx := n.RetryCount
	if idx >= len(cfg.RetryIntervals) || n.RetryCount >= n.MaxRetries {
		_ = t.store.MarkFailed(ctx, n.ID, t.now(), sendErr.Error())
		t.notifyTerminal(ctx, n.ID)
		return
	}

	nextAt := t.now().Add(cfg.RetryIntervals[idx])
	err := t.store.MarkRetrying(ctx, n.ID, nextAt, sendErr.Error())
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			// Cancelled while the attempt was in flight; outcome is recorded,
			// nothing further is scheduled.
			t.logger.Infof("Notification %s cancelled mid-flight, retry suppressed", n.ID)
			return
		}
		t.logger.Errorf("Notification %s: mark retrying failed: %v", n.ID, err)
		return
	}

	if n.RetryCount+1 >= n.MaxRetries {
		// Final retry budget consumed by this attempt.
		_ = t.store.MarkFailed(ctx, n.ID, t.now(), sendErr.Error())
		t.notifyTerminal(ctx, n.ID)
		return
	}

	t.logger.Warnf("Notification %s transient failure (%v), retry %d/%d at %s", n.ID, sendErr, n.RetryCount+1, n.MaxRetries, nextAt.Format(time.RFC3339))
	t.dq.push(n.ID, nextAt)
}

// reschedule defers a not-yet-attempted send to the next backoff slot without
// touching retry_count.
func (t *Tracker) reschedule(ctx context.Context, n models.Notification, cfg models.ChannelConfiguration, reason string) {
	delay := requeueBackoff
	if n.RetryCount < len(cfg.RetryIntervals) {
		delay = cfg.RetryIntervals[n.RetryCount]
	} else if len(cfg.RetryIntervals) > 0 {
		delay = cfg.RetryIntervals[len(cfg.RetryIntervals)-1]
	}
	nextAt := t.now().Add(delay)
	if err := t.store.Reschedule(ctx, n.ID, nextAt); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return
		}
		t.logger.Errorf("Notification %s: reschedule failed: %v", n.ID, err)
		return
	}
	t.logger.Debugf("Notification %s deferred (%s), next attempt %s", n.ID, reason, nextAt.Format(time.RFC3339))
	t.dq.push(n.ID, nextAt)
}

func (t *Tracker) notifyTerminal(ctx context.Context, id string) {
	if t.onTerminal == nil {
		return
	}
	n, err := t.store.GetNotification(ctx, id)
	if err != nil {
		return
	}
	t.onTerminal(n)
}

// classify fills the attempt's status and response fields from the send error.
func classify(a *models.DeliveryAttempt, err error) {
	if err == nil {
		a.Status = models.AttemptSuccess
		return
	}
	a.ResponseText = err.Error()

	var transient *models.TransientDeliveryFailure
	if errors.As(err, &transient) {
		a.ResponseCode = transient.Code
		if transient.Code == 429 {
			a.Status = models.AttemptRateLimited
			return
		}
		a.Status = models.AttemptFailed
		return
	}
	var permanent *models.PermanentDeliveryFailure
	if errors.As(err, &permanent) {
		a.ResponseCode = permanent.Code
		a.Status = models.AttemptFailed
		return
	}
	if errors.Is(err, context.DeadlineExceeded) {
		a.Status = models.AttemptTimeout
		return
	}
	a.Status = models.AttemptFailed
}
