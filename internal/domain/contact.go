package domain

import (
	"time"

	"github.com/google/uuid"
)

// Contact is the master contact for an agent: the human who receives
// approvals, budget alerts and job outcome notifications. One per agent.
type Contact struct {
	ID               uuid.UUID `json:"id"`
	AgentID          uuid.UUID `json:"agentId"`
	Name             string    `json:"name"`
	PreferredChannel Channel   `json:"preferredChannel"`
	Email            string    `json:"email,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	TelegramChatID   int64     `json:"telegramChatId,omitempty"`
	UpdatedAt        time.Time `json:"updatedAt"`
}
