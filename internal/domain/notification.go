package domain

import (
	"time"

	"github.com/google/uuid"
)

// NotificationType classifies what triggered a notification.
type NotificationType string

const (
	NotifyJobCompleted   NotificationType = "job_completed"
	NotifyJobFailed      NotificationType = "job_failed"
	NotifyApprovalNeeded NotificationType = "approval_needed"
	NotifyBudgetWarning  NotificationType = "budget_warning"
	NotifyBudgetExceeded NotificationType = "budget_exceeded"
)

// DeliveryStatus is the delivery lifecycle of a notification.
//
//	pending -> sent -> delivered -> read
//	pending -> failed            (after exhausting retries)
//
// markRead is valid from any non-pending status.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
	DeliveryRead      DeliveryStatus = "read"
)

// Channel names a delivery transport. Resolution happens at dispatch time
// from the master contact's preference, not at creation time.
type Channel string

const (
	ChannelTelegram Channel = "telegram"
	ChannelEmail    Channel = "email"
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelTelegram, ChannelEmail, ChannelWhatsApp, ChannelSMS:
		return true
	}
	return false
}

// RefKind names the entity a notification points back to.
type RefKind string

const (
	RefJob      RefKind = "job"
	RefApproval RefKind = "approval"
	RefBudget   RefKind = "budget"
)

// Notification is one human-facing alert. Rows are never deleted; they form
// the audit trail of everything the subsystem told the master contact.
type Notification struct {
	ID             uuid.UUID        `json:"id"`
	AgentID        uuid.UUID        `json:"agentId"`
	ContactID      *uuid.UUID       `json:"contactId,omitempty"`
	Type           NotificationType `json:"type"`
	Title          string           `json:"title"`
	Message        string           `json:"message"`
	Priority       int              `json:"priority"` // 0 low .. 10 high
	Channel        Channel          `json:"channel,omitempty"`
	Status         DeliveryStatus   `json:"status"`
	Attempts       int              `json:"deliveryAttempts"`
	DeliveredAt    *time.Time       `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time       `json:"readAt,omitempty"`
	ActionRequired bool             `json:"actionRequired"`
	RefKind        RefKind          `json:"refKind,omitempty"`
	RefID          string           `json:"refId,omitempty"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
}
