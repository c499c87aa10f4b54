// Package providers implements the channel-sender capability for each
// supported transport. Each sender classifies failures as transient or
// permanent so the delivery tracker can apply the right retry policy.
package providers

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"lab-notification-service/internal/config"
	"lab-notification-service/internal/models"
)

// EmailSender delivers via SMTP.
type EmailSender struct {
	cfg config.Config
}

func NewEmailSender(cfg config.Config) *EmailSender {
	return &EmailSender{cfg: cfg}
}

func (s *EmailSender) Send(ctx context.Context, n models.Notification) (string, error) {
	if !strings.Contains(n.Address, "@") {
		return "", &models.PermanentDeliveryFailure{Message: fmt.Sprintf("invalid email address %q", n.Address)}
	}

	server := s.cfg.Email.SMTPServer
	port := s.cfg.Email.SMTPPort
	username := s.cfg.Email.Username
	password := s.cfg.Email.Password
	if server == "" || port == 0 || username == "" || password == "" {
		return "", &models.ConfigurationError{Subject: "email", Reason: "SMTPServer, SMTPPort, Username or Password is empty"}
	}

	msg := []byte(fmt.Sprintf("To: %s\r\nSubject: %s\r\n\r\n%s\r\n", n.Address, n.Subject, n.Body))
	auth := smtp.PlainAuth("", username, password, server)
	addr := fmt.Sprintf("%s:%d", server, port)

	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(addr, auth, username, []string{n.Address}, msg)
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case err := <-done:
		if err != nil {
			// SMTP failures are transient by default; the server may be back
			// for the next attempt.
			return "", &models.TransientDeliveryFailure{Message: "smtp send failed", Err: err}
		}
	}
	return "", nil
}
