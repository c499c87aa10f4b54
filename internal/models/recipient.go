package models

import (
	"fmt"
	"time"
)

// QuietHours is a per-recipient local-time window during which non-critical
// delivery is deferred. The window is [Start, End) in the recipient's
// timezone; Start > End means the window wraps midnight (22:00-07:00).
type QuietHours struct {
	Start string `json:"start"` // "HH:MM"
	End   string `json:"end"`   // "HH:MM"
}

func parseClock(s string) (h, m int, err error) {
	if _, err = fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, 0, fmt.Errorf("clock time %q out of range", s)
	}
	return h, m, nil
}

// Contains reports whether local falls inside the window and, if so, when the
// window ends in the same location.
func (q QuietHours) Contains(local time.Time) (bool, time.Time, error) {
	sh, sm, err := parseClock(q.Start)
	if err != nil {
		return false, time.Time{}, err
	}
	eh, em, err := parseClock(q.End)
	if err != nil {
		return false, time.Time{}, err
	}
	loc := local.Location()
	start := time.Date(local.Year(), local.Month(), local.Day(), sh, sm, 0, 0, loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), eh, em, 0, 0, loc)
	if start.After(end) || start.Equal(end) {
		// Window wraps midnight.
		if !local.Before(start) {
			return true, end.AddDate(0, 0, 1), nil
		}
		if local.Before(end) {
			return true, end, nil
		}
		return false, time.Time{}, nil
	}
	if !local.Before(start) && local.Before(end) {
		return true, end, nil
	}
	return false, time.Time{}, nil
}

// Recipient is an addressable party. Addresses maps each configured channel to
// its concrete address (email address, chat id, phone number, webhook URL,
// push token). PreferredChannels is ordered, highest priority first.
// Recipients are soft-deactivated, never hard-deleted while referenced.
type Recipient struct {
	ID                string             `json:"id"`
	DisplayName       string             `json:"display_name"`
	Kind              RecipientKind      `json:"kind"`
	Addresses         map[Channel]string `json:"addresses"`
	PreferredChannels []Channel          `json:"preferred_channels"`
	Timezone          string             `json:"timezone"`
	QuietHours        *QuietHours        `json:"quiet_hours,omitempty"`
	Active            bool               `json:"active"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// Location resolves the recipient's timezone, defaulting to UTC when unset or
// unknown.
func (r Recipient) Location() *time.Location {
	if r.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Group collects recipients. Escalation-kind groups may carry a default
// escalation delay used when a chain step leaves its own delay unset.
type Group struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Kind            GroupKind     `json:"kind"`
	EscalationDelay time.Duration `json:"escalation_delay,omitempty"`
	Active          bool          `json:"active"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// Membership links a group and a recipient. Many-to-many; a recipient can
// belong to multiple groups.
type Membership struct {
	ID          string         `json:"id"`
	GroupID     string         `json:"group_id"`
	RecipientID string         `json:"recipient_id"`
	Role        MembershipRole `json:"role"`
	Active      bool           `json:"active"`
	CreatedAt   time.Time      `json:"created_at"`
}
