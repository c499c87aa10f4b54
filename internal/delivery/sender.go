package delivery

import (
	"context"

	"lab-notification-service/internal/models"
)

// ChannelSender is the abstract channel-sender capability. Implementations
// live outside the engine core (internal/providers) and wrap one provider
// protocol each. A nil error means the provider acknowledged the message;
// failures are classified through models.TransientDeliveryFailure and
// models.PermanentDeliveryFailure.
type ChannelSender interface {
	// Send delivers the rendered notification to its resolved address and
	// returns the provider message id on success. Implementations must honor
	// context cancellation and deadlines.
	Send(ctx context.Context, n models.Notification) (providerID string, err error)
}

// SenderFunc adapts a function to ChannelSender.
type SenderFunc func(ctx context.Context, n models.Notification) (string, error)

func (f SenderFunc) Send(ctx context.Context, n models.Notification) (string, error) {
	return f(ctx, n)
}
