package models

// Channel identifies a delivery transport. New channels require code changes
// in the provider registry, so the set is closed.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelChat    Channel = "chat"
	ChannelSMS     Channel = "sms"
	ChannelWebhook Channel = "webhook"
	ChannelPush    Channel = "push"
	ChannelInApp   Channel = "in_app"
)

// Channels lists every supported channel in a stable order.
var Channels = []Channel{ChannelEmail, ChannelChat, ChannelSMS, ChannelWebhook, ChannelPush, ChannelInApp}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelChat, ChannelSMS, ChannelWebhook, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

// Status is the lifecycle state of a Notification. Terminal states are
// delivered, failed and cancelled.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusRetrying  Status = "retrying"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSent, StatusDelivered, StatusFailed, StatusRetrying, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed from s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed || s == StatusCancelled
}

// CanTransition encodes the notification state machine. cancelled is reachable
// from pending or retrying only; an in-flight attempt still completes and has
// its outcome recorded, but nothing further is scheduled.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusSent || to == StatusRetrying || to == StatusFailed || to == StatusCancelled
	case StatusRetrying:
		return to == StatusSent || to == StatusRetrying || to == StatusFailed || to == StatusCancelled
	case StatusSent:
		return to == StatusDelivered || to == StatusFailed
	default:
		return false
	}
}

// Priority orders notifications and gates quiet-hours deferral: critical
// dispatches ignore quiet hours.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	}
	return false
}

// AttemptStatus classifies the outcome of a single delivery attempt.
type AttemptStatus string

const (
	AttemptSuccess     AttemptStatus = "success"
	AttemptFailed      AttemptStatus = "failed"
	AttemptTimeout     AttemptStatus = "timeout"
	AttemptRateLimited AttemptStatus = "rate_limited"
)

// RuleType partitions rules so only the relevant subset is evaluated per event.
type RuleType string

const (
	RuleAlertRouting RuleType = "alert_routing"
	RuleEscalation   RuleType = "escalation"
	RuleSchedule     RuleType = "schedule"
	RuleCompliance   RuleType = "compliance"
)

func (t RuleType) Valid() bool {
	switch t {
	case RuleAlertRouting, RuleEscalation, RuleSchedule, RuleCompliance:
		return true
	}
	return false
}

// GroupKind categorizes recipient groups.
type GroupKind string

const (
	GroupDepartment GroupKind = "department"
	GroupRole       GroupKind = "role"
	GroupProject    GroupKind = "project"
	GroupEscalation GroupKind = "escalation"
)

// MembershipRole tags a recipient's role within a group.
type MembershipRole string

const (
	RoleMember            MembershipRole = "member"
	RoleEscalationContact MembershipRole = "escalation_contact"
	RoleBackup            MembershipRole = "backup"
)

// RecipientKind distinguishes direct users from aliases and external parties.
type RecipientKind string

const (
	RecipientUser       RecipientKind = "user"
	RecipientGroupAlias RecipientKind = "group_alias"
	RecipientRole       RecipientKind = "role"
	RecipientExternal   RecipientKind = "external"
)
