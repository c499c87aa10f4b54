package models

import "time"

// Template is an administrator-authored message pattern. Templates are
// versioned on edit and never physically deleted once a Notification
// references them.
type Template struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	Type              string    `json:"type"`
	SubjectPattern    string    `json:"subject_pattern"`
	BodyPattern       string    `json:"body_pattern"`
	RichBodyPattern   string    `json:"rich_body_pattern,omitempty"`
	Variables         []string  `json:"variables"`
	SupportedChannels []Channel `json:"supported_channels"`
	DefaultPriority   Priority  `json:"default_priority"`
	Version           int       `json:"version"`
	Active            bool      `json:"active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Supports reports whether the template may be rendered for the channel. An
// empty SupportedChannels set means all channels.
func (t Template) Supports(ch Channel) bool {
	if len(t.SupportedChannels) == 0 {
		return true
	}
	for _, c := range t.SupportedChannels {
		if c == ch {
			return true
		}
	}
	return false
}
