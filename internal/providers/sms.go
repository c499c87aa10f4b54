package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"lab-notification-service/internal/config"
	"lab-notification-service/internal/models"
)

// SMSSender delivers via the Twilio messages REST API.
type SMSSender struct {
	cfg    config.Config
	client *http.Client
}

func NewSMSSender(cfg config.Config) *SMSSender {
	return &SMSSender{cfg: cfg, client: &http.Client{}}
}

func (s *SMSSender) Send(ctx context.Context, n models.Notification) (string, error) {
	accountSID := s.cfg.SMS.AccountSID
	authToken := s.cfg.SMS.AuthToken
	fromNumber := s.cfg.SMS.FromNumber
	if accountSID == "" || authToken == "" || fromNumber == "" {
		return "", &models.ConfigurationError{Subject: "sms", Reason: "AccountSID, AuthToken or FromNumber is empty"}
	}

	endpoint := fmt.Sprintf("https://api.twilio.com/2010-04-01/Accounts/%s/Messages.json", accountSID)
	form := url.Values{}
	form.Set("To", n.Address)
	form.Set("From", fromNumber)
	form.Set("Body", fmt.Sprintf("%s\n%s", n.Subject, n.Body))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", &models.TransientDeliveryFailure{Message: "build sms request failed", Err: err}
	}
	req.SetBasicAuth(accountSID, authToken)
	req.Header.Add("Accept", "application/json")
	req.Header.Add("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", &models.TransientDeliveryFailure{Message: fmt.Sprintf("sms send to %s failed", n.Address), Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusCreated:
		var body struct {
			SID string `json:"sid"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&body)
		return body.SID, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", &models.TransientDeliveryFailure{Code: resp.StatusCode, Message: "provider rate limited"}
	case resp.StatusCode >= 500:
		return "", &models.TransientDeliveryFailure{Code: resp.StatusCode, Message: "provider error"}
	default:
		// 4xx other than 429: the request itself is unprocessable.
		return "", &models.PermanentDeliveryFailure{Code: resp.StatusCode, Message: fmt.Sprintf("provider rejected message for %s", n.Address)}
	}
}
