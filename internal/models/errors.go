package models

import (
	"errors"
	"fmt"
)

// ConfigurationError marks a malformed rule condition or a missing channel
// configuration. The offending rule or notification is skipped and the
// pipeline continues.
type ConfigurationError struct {
	Subject string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error on %s: %s", e.Subject, e.Reason)
}

// ValidationError marks a dispatch that cannot be completed as specified
// (missing template variable, unaddressable recipient). The dispatch is
// dropped with a recorded reason and never retried.
type ValidationError struct {
	Subject string
	Reason  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on %s: %s", e.Subject, e.Reason)
}

// TransientDeliveryFailure is retryable per the channel's backoff schedule.
type TransientDeliveryFailure struct {
	Code    int
	Message string
	Err     error
}

func (e *TransientDeliveryFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transient delivery failure (%d %s): %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("transient delivery failure (%d %s)", e.Code, e.Message)
}

func (e *TransientDeliveryFailure) Unwrap() error { return e.Err }

// PermanentDeliveryFailure moves the notification straight to failed.
type PermanentDeliveryFailure struct {
	Code    int
	Message string
	Err     error
}

func (e *PermanentDeliveryFailure) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("permanent delivery failure (%d %s): %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure (%d %s)", e.Code, e.Message)
}

func (e *PermanentDeliveryFailure) Unwrap() error { return e.Err }

// IsPermanent reports whether err should abort retries. Anything not
// explicitly permanent is treated as transient, so flaky providers get the
// benefit of the backoff schedule.
func IsPermanent(err error) bool {
	var p *PermanentDeliveryFailure
	return errors.As(err, &p)
}

// ErrNotFound is returned by stores for missing entities.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned by stores for uniqueness violations and illegal
// status transitions.
var ErrConflict = errors.New("conflict")
