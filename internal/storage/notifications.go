package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"agentops/internal/domain"
)

type notificationRow struct {
	ID             string         `db:"id"`
	AgentID        string         `db:"agent_id"`
	ContactID      sql.NullString `db:"contact_id"`
	Type           string         `db:"type"`
	Title          string         `db:"title"`
	Message        string         `db:"message"`
	Priority       int            `db:"priority"`
	Channel        string         `db:"channel"`
	Status         string         `db:"status"`
	Attempts       int            `db:"attempts"`
	DeliveredAt    sql.NullString `db:"delivered_at"`
	ReadAt         sql.NullString `db:"read_at"`
	ActionRequired bool           `db:"action_required"`
	RefKind        string         `db:"ref_kind"`
	RefID          string         `db:"ref_id"`
	CreatedAt      string         `db:"created_at"`
	UpdatedAt      string         `db:"updated_at"`
}

func (r notificationRow) toDomain() (*domain.Notification, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return nil, fmt.Errorf("notification %s: bad id: %w", r.ID, err)
	}
	agentID, err := uuid.Parse(r.AgentID)
	if err != nil {
		return nil, fmt.Errorf("notification %s: bad agent id: %w", r.ID, err)
	}
	var contactID *uuid.UUID
	if r.ContactID.Valid && r.ContactID.String != "" {
		cid, err := uuid.Parse(r.ContactID.String)
		if err != nil {
			return nil, fmt.Errorf("notification %s: bad contact id: %w", r.ID, err)
		}
		contactID = &cid
	}
	return &domain.Notification{
		ID:             id,
		AgentID:        agentID,
		ContactID:      contactID,
		Type:           domain.NotificationType(r.Type),
		Title:          r.Title,
		Message:        r.Message,
		Priority:       r.Priority,
		Channel:        domain.Channel(r.Channel),
		Status:         domain.DeliveryStatus(r.Status),
		Attempts:       r.Attempts,
		DeliveredAt:    parseTimePtr(r.DeliveredAt),
		ReadAt:         parseTimePtr(r.ReadAt),
		ActionRequired: r.ActionRequired,
		RefKind:        domain.RefKind(r.RefKind),
		RefID:          r.RefID,
		CreatedAt:      parseTime(r.CreatedAt),
		UpdatedAt:      parseTime(r.UpdatedAt),
	}, nil
}

func (s *Store) CreateNotification(ctx context.Context, n *domain.Notification) error {
	var contactID any
	if n.ContactID != nil {
		contactID = n.ContactID.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, agent_id, contact_id, type, title, message, priority, channel,
			status, attempts, delivered_at, read_at, action_required, ref_kind, ref_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(), n.AgentID.String(), contactID, string(n.Type), n.Title, n.Message,
		n.Priority, string(n.Channel), string(n.Status), n.Attempts,
		fmtTimePtr(n.DeliveredAt), fmtTimePtr(n.ReadAt), n.ActionRequired,
		string(n.RefKind), n.RefID, fmtTime(n.CreatedAt), fmtTime(n.UpdatedAt))
	return err
}

func (s *Store) GetNotification(ctx context.Context, agentID, id uuid.UUID) (*domain.Notification, error) {
	var r notificationRow
	err := s.db.GetContext(ctx, &r,
		`SELECT * FROM notifications WHERE id = ? AND agent_id = ?`, id.String(), agentID.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

func (s *Store) GetNotificationByID(ctx context.Context, id uuid.UUID) (*domain.Notification, error) {
	var r notificationRow
	err := s.db.GetContext(ctx, &r, `SELECT * FROM notifications WHERE id = ?`, id.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.toDomain()
}

// NotificationFilter narrows ListNotifications. Zero values mean "any".
type NotificationFilter struct {
	Type   domain.NotificationType
	Status domain.DeliveryStatus
	Limit  int
}

func (s *Store) ListNotifications(ctx context.Context, agentID uuid.UUID, f NotificationFilter) ([]*domain.Notification, error) {
	q := `SELECT * FROM notifications WHERE agent_id = ?`
	args := []any{agentID.String()}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, string(f.Type))
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit <= 0 {
		f.Limit = 50
	}
	q += ` LIMIT ?`
	args = append(args, f.Limit)

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	out := make([]*domain.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// RecordDeliveryAttempt bumps the attempt counter and pins the channel the
// attempt went out on (resolved from the contact at dispatch time).
func (s *Store) RecordDeliveryAttempt(ctx context.Context, id uuid.UUID, channel domain.Channel, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET attempts = attempts + 1, channel = ?, updated_at = ?
		WHERE id = ?`,
		string(channel), fmtTime(now), id.String())
	return err
}

// SetDeliveryOutcome records the result of a delivery attempt: sent or
// delivered on success (with delivered_at), failed when retries are
// exhausted.
func (s *Store) SetDeliveryOutcome(ctx context.Context, id uuid.UUID, status domain.DeliveryStatus, at time.Time) error {
	var deliveredAt any
	if status == domain.DeliverySent || status == domain.DeliveryDelivered {
		deliveredAt = fmtTime(at)
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, delivered_at = COALESCE(delivered_at, ?), updated_at = ?
		WHERE id = ?`,
		string(status), deliveredAt, fmtTime(at), id.String())
	return err
}

// MarkNotificationRead is idempotent: the first call sets read_at, repeats
// are no-ops that still succeed. Reading a still-pending notification is an
// invalid transition.
func (s *Store) MarkNotificationRead(ctx context.Context, agentID, id uuid.UUID, now time.Time) error {
	n, err := s.GetNotification(ctx, agentID, id)
	if err != nil {
		return err
	}
	if n.Status == domain.DeliveryPending {
		return fmt.Errorf("%w: notification not yet dispatched", domain.ErrInvalidState)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE notifications SET read_at = COALESCE(read_at, ?), status = ?, updated_at = ?
		WHERE id = ? AND agent_id = ?`,
		fmtTime(now), string(domain.DeliveryRead), fmtTime(now), id.String(), agentID.String())
	return err
}

// RequeueNotification flips a permanently failed notification back to
// pending for an explicit re-send. Attempt counts keep accumulating.
func (s *Store) RequeueNotification(ctx context.Context, agentID, id uuid.UUID, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE notifications SET status = ?, updated_at = ?
		WHERE id = ? AND agent_id = ? AND status = ?`,
		string(domain.DeliveryPending), fmtTime(now), id.String(), agentID.String(), string(domain.DeliveryFailed))
	if err != nil {
		return err
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		// Distinguish wrong-state from missing.
		if _, gerr := s.GetNotification(ctx, agentID, id); gerr != nil {
			return gerr
		}
		return fmt.Errorf("%w: only failed notifications can be re-sent", domain.ErrInvalidState)
	}
	return nil
}

// PendingNotifications returns undelivered rows for startup requeue.
func (s *Store) PendingNotifications(ctx context.Context) ([]*domain.Notification, error) {
	var rows []notificationRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM notifications WHERE status = ? ORDER BY created_at ASC`,
		string(domain.DeliveryPending))
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Notification, 0, len(rows))
	for _, r := range rows {
		n, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}
