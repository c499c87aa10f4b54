package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"lab-notification-service/internal/models"
)

// WebhookSender POSTs the notification as JSON to the recipient address.
// The same sender backs the push channel, where the address is the device
// endpoint registered by the client.
type WebhookSender struct {
	client *http.Client
}

func NewWebhookSender() *WebhookSender {
	return &WebhookSender{client: &http.Client{}}
}

type webhookPayload struct {
	ID            string    `json:"id"`
	Subject       string    `json:"subject"`
	Body          string    `json:"body"`
	Priority      string    `json:"priority"`
	CorrelationID string    `json:"correlation_id"`
	SourceService string    `json:"source_service,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

func (w *WebhookSender) Send(ctx context.Context, n models.Notification) (string, error) {
	u, err := url.ParseRequestURI(n.Address)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", &models.PermanentDeliveryFailure{Message: fmt.Sprintf("invalid webhook url %q", n.Address)}
	}

	payload, err := json.Marshal(webhookPayload{
		ID:            n.ID,
		Subject:       n.Subject,
		Body:          n.Body,
		Priority:      string(n.Priority),
		CorrelationID: n.CorrelationID,
		SourceService: n.SourceService,
		CreatedAt:     n.CreatedAt,
	})
	if err != nil {
		return "", &models.PermanentDeliveryFailure{Message: "marshal webhook payload failed"}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.Address, bytes.NewReader(payload))
	if err != nil {
		return "", &models.TransientDeliveryFailure{Message: "build webhook request failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Correlation-ID", n.CorrelationID)

	resp, err := w.client.Do(req)
	if err != nil {
		return "", &models.TransientDeliveryFailure{Message: fmt.Sprintf("webhook post to %s failed", n.Address), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return resp.Header.Get("X-Request-ID"), nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &models.TransientDeliveryFailure{Code: resp.StatusCode, Message: "receiver rate limited"}
	case resp.StatusCode >= 500:
		return "", &models.TransientDeliveryFailure{Code: resp.StatusCode, Message: "receiver error"}
	default:
		return "", &models.PermanentDeliveryFailure{Code: resp.StatusCode, Message: "receiver rejected payload"}
	}
}
