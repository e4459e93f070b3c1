package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// DispatchRepositoryInterface is the dispatch ledger. Every scheduling
// decision is computed from these queries; nothing keeps a separate counter.
// Time windows are half-open: since < sent_at <= until.
//
// A record that left the mailbox stays "sent" for rate limiting and sequence
// progress even after it is marked bounced, so the Sent queries below match
// both statuses.
type DispatchRepositoryInterface interface {
	Append(ctx context.Context, rec *model.DispatchRecord) error
	CountSentByIdentity(ctx context.Context, identityID int, since, until time.Time) (int, error)
	CountByStatus(ctx context.Context, since, until time.Time) (map[string]int, error)
	LastSentForCampaign(ctx context.Context, campaignID int) (*model.DispatchRecord, error)
	ListSentForEnrollment(ctx context.Context, leadID, campaignID int) ([]*model.DispatchRecord, error)
	LastSentToLead(ctx context.Context, leadID int) (*model.DispatchRecord, error)
	FindByMessageID(ctx context.Context, messageID string) (*model.DispatchRecord, error)
	MarkBounced(ctx context.Context, id int, reason string) error
	CampaignStats(ctx context.Context, campaignID int) (map[string]int, error)
	IdentityStats(ctx context.Context, identityID int, since, until time.Time) (map[string]int, error)
}

type DispatchRepository struct {
	DB *sql.DB
}

const dispatchColumns = `id, lead_id, campaign_id, step_id, step_number, identity_id,
        COALESCE(message_id, ''), subject, body, status, last_error, sent_at`

func scanDispatch(row interface{ Scan(...any) error }) (*model.DispatchRecord, error) {
	var d model.DispatchRecord
	err := row.Scan(&d.ID, &d.LeadID, &d.CampaignID, &d.StepID, &d.StepNumber, &d.IdentityID,
		&d.MessageID, &d.Subject, &d.Body, &d.Status, &d.LastError, &d.SentAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Append inserts a new attempt. Failed attempts carry no message id.
func (r *DispatchRepository) Append(ctx context.Context, d *model.DispatchRecord) error {
	query := `
        INSERT INTO dispatch_records
        (lead_id, campaign_id, step_id, step_number, identity_id, message_id, subject, body, status, last_error, sent_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		d.LeadID, d.CampaignID, d.StepID, d.StepNumber, d.IdentityID, nullIfEmpty(d.MessageID),
		d.Subject, d.Body, d.Status, d.LastError, d.SentAt,
	).Scan(&d.ID)
}

func (r *DispatchRepository) CountSentByIdentity(ctx context.Context, identityID int, since, until time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM dispatch_records
        WHERE identity_id=$1 AND status IN ('sent', 'bounced') AND sent_at > $2 AND sent_at <= $3
    `, identityID, since, until).Scan(&n)
	return n, err
}

func (r *DispatchRepository) CountByStatus(ctx context.Context, since, until time.Time) (map[string]int, error) {
	return r.groupByStatus(ctx, `
        SELECT status, COUNT(*) FROM dispatch_records
        WHERE sent_at > $1 AND sent_at <= $2
        GROUP BY status
    `, since, until)
}

func (r *DispatchRepository) LastSentForCampaign(ctx context.Context, campaignID int) (*model.DispatchRecord, error) {
	return r.one(ctx, `
        SELECT `+dispatchColumns+` FROM dispatch_records
        WHERE campaign_id=$1 AND status IN ('sent', 'bounced')
        ORDER BY sent_at DESC, id DESC
        LIMIT 1
    `, campaignID)
}

func (r *DispatchRepository) ListSentForEnrollment(ctx context.Context, leadID, campaignID int) ([]*model.DispatchRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT `+dispatchColumns+` FROM dispatch_records
        WHERE campaign_id=$1 AND lead_id=$2 AND status IN ('sent', 'bounced')
        ORDER BY sent_at, id
    `, campaignID, leadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.DispatchRecord{}
	for rows.Next() {
		d, err := scanDispatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (r *DispatchRepository) LastSentToLead(ctx context.Context, leadID int) (*model.DispatchRecord, error) {
	return r.one(ctx, `
        SELECT `+dispatchColumns+` FROM dispatch_records
        WHERE lead_id=$1 AND status='sent'
        ORDER BY sent_at DESC, id DESC
        LIMIT 1
    `, leadID)
}

func (r *DispatchRepository) FindByMessageID(ctx context.Context, messageID string) (*model.DispatchRecord, error) {
	if messageID == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT `+dispatchColumns+` FROM dispatch_records WHERE message_id=$1`, messageID)
}

// MarkBounced is the only post-hoc status change the ledger allows.
func (r *DispatchRepository) MarkBounced(ctx context.Context, id int, reason string) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE dispatch_records SET status='bounced', last_error=$1 WHERE id=$2 AND status='sent'`, reason, id)
	return err
}

func (r *DispatchRepository) CampaignStats(ctx context.Context, campaignID int) (map[string]int, error) {
	return r.groupByStatus(ctx,
		`SELECT status, COUNT(*) FROM dispatch_records WHERE campaign_id=$1 GROUP BY status`, campaignID)
}

func (r *DispatchRepository) IdentityStats(ctx context.Context, identityID int, since, until time.Time) (map[string]int, error) {
	return r.groupByStatus(ctx, `
        SELECT status, COUNT(*) FROM dispatch_records
        WHERE identity_id=$1 AND sent_at > $2 AND sent_at <= $3
        GROUP BY status
    `, identityID, since, until)
}

func (r *DispatchRepository) one(ctx context.Context, query string, args ...interface{}) (*model.DispatchRecord, error) {
	d, err := scanDispatch(r.DB.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (r *DispatchRepository) groupByStatus(ctx context.Context, query string, args ...interface{}) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{model.DispatchSent: 0, model.DispatchFailed: 0, model.DispatchBounced: 0}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

var _ DispatchRepositoryInterface = (*DispatchRepository)(nil)
