package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

type contactRow struct {
	ID               string `db:"id"`
	AgentID          string `db:"agent_id"`
	Name             string `db:"name"`
	PreferredChannel string `db:"preferred_channel"`
	Email            string `db:"email"`
	Phone            string `db:"phone"`
	TelegramChatID   int64  `db:"telegram_chat_id"`
	UpdatedAt        string `db:"updated_at"`
}

// GetMasterContact returns the agent's master contact, or ErrNotFound.
func (s *Store) GetMasterContact(ctx context.Context, agentID uuid.UUID) (*domain.Contact, error) {
	var r contactRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM contacts WHERE agent_id = ?`, agentID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("contact %s: bad id: %w", r.ID, err)
	}
	return &domain.Contact{
		ID:               id,
		AgentID:          agentID,
		Name:             r.Name,
		PreferredChannel: domain.Channel(r.PreferredChannel),
		Email:            r.Email,
		Phone:            r.Phone,
		TelegramChatID:   r.TelegramChatID,
		UpdatedAt:        parseTime(r.UpdatedAt),
	}, nil
}

// PutMasterContact upserts the agent's master contact (one per agent).
func (s *Store) PutMasterContact(ctx context.Context, c *domain.Contact) error {
	if !c.PreferredChannel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", domain.ErrValidation, c.PreferredChannel)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (id, agent_id, name, preferred_channel, email, phone, telegram_chat_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET name = excluded.name,
			preferred_channel = excluded.preferred_channel, email = excluded.email,
			phone = excluded.phone, telegram_chat_id = excluded.telegram_chat_id,
			updated_at = excluded.updated_at`,
		c.ID.String(), c.AgentID.String(), c.Name, string(c.PreferredChannel),
		c.Email, c.Phone, c.TelegramChatID, fmtTime(c.UpdatedAt))
	return err
}
