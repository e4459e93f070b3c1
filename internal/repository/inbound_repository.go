package repository

import (
	"context"
	"database/sql"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type InboundRepositoryInterface interface {
	ExistsByMessageID(ctx context.Context, messageID string) (bool, error)
	GetByID(ctx context.Context, id int) (*model.InboundMessage, error)
	Create(ctx context.Context, msg *model.InboundMessage) error
	ListUnlinked(ctx context.Context, limit int) ([]*model.InboundMessage, error)
}

type InboundRepository struct {
	DB *sql.DB
}

func (r *InboundRepository) ExistsByMessageID(ctx context.Context, messageID string) (bool, error) {
	var exists bool
	err := r.DB.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM inbound_messages WHERE message_id=$1)`, messageID).Scan(&exists)
	return exists, err
}

// GetByID returns nil, nil when the message does not exist.
func (r *InboundRepository) GetByID(ctx context.Context, id int) (*model.InboundMessage, error) {
	m := &model.InboundMessage{}
	err := r.DB.QueryRowContext(ctx, `
        SELECT id, lead_id, dispatch_record_id, identity_id, message_id, in_reply_to, references_header,
               from_address, subject, body, kind, label, bounce_type, received_at
        FROM inbound_messages WHERE id=$1
    `, id).Scan(&m.ID, &m.LeadID, &m.DispatchRecordID, &m.IdentityID, &m.MessageID, &m.InReplyTo, &m.References,
		&m.FromAddress, &m.Subject, &m.Body, &m.Kind, &m.Label, &m.BounceType, &m.ReceivedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Create returns ErrDuplicateInbound when the message id is already stored.
func (r *InboundRepository) Create(ctx context.Context, m *model.InboundMessage) error {
	query := `
        INSERT INTO inbound_messages
        (lead_id, dispatch_record_id, identity_id, message_id, in_reply_to, references_header,
         from_address, subject, body, kind, label, bounce_type, received_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING id
    `
	err := r.DB.QueryRowContext(ctx, query,
		m.LeadID, m.DispatchRecordID, m.IdentityID, m.MessageID, m.InReplyTo, m.References,
		m.FromAddress, m.Subject, m.Body, m.Kind, m.Label, m.BounceType, m.ReceivedAt,
	).Scan(&m.ID)
	if isUniqueViolation(err) {
		return appErrors.ErrDuplicateInbound
	}
	return err
}

// ListUnlinked returns replies no lead could be matched to, newest first.
func (r *InboundRepository) ListUnlinked(ctx context.Context, limit int) ([]*model.InboundMessage, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, identity_id, message_id, in_reply_to, references_header, from_address,
               subject, body, kind, label, bounce_type, received_at
        FROM inbound_messages
        WHERE lead_id IS NULL
        ORDER BY received_at DESC
        LIMIT $1
    `, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.InboundMessage{}
	for rows.Next() {
		m := &model.InboundMessage{}
		if err := rows.Scan(&m.ID, &m.IdentityID, &m.MessageID, &m.InReplyTo, &m.References, &m.FromAddress,
			&m.Subject, &m.Body, &m.Kind, &m.Label, &m.BounceType, &m.ReceivedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ InboundRepositoryInterface = (*InboundRepository)(nil)
