package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type EnrollmentRepositoryInterface interface {
	Enroll(ctx context.Context, campaignID, leadID int) (*model.Enrollment, error)
	GetByID(ctx context.Context, id int) (*model.Enrollment, error)
	ListActiveByCampaign(ctx context.Context, campaignID int) ([]*model.Enrollment, error)
	UpdateStatus(ctx context.Context, id int, status string) error
	StopActiveForLead(ctx context.Context, leadID int) (int, error)
	CountByStatus(ctx context.Context, campaignID int) (map[string]int, error)
}

type EnrollmentRepository struct {
	DB *sql.DB
}

// Enroll is idempotent: an existing (campaign, lead) row is returned as is.
func (r *EnrollmentRepository) Enroll(ctx context.Context, campaignID, leadID int) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.DB.QueryRowContext(ctx, `
        INSERT INTO enrollments (campaign_id, lead_id, status, added_at)
        VALUES ($1, $2, 'active', NOW())
        ON CONFLICT (campaign_id, lead_id) DO UPDATE SET campaign_id = EXCLUDED.campaign_id
        RETURNING id, campaign_id, lead_id, status, added_at
    `, campaignID, leadID).Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Status, &e.AddedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EnrollmentRepository) GetByID(ctx context.Context, id int) (*model.Enrollment, error) {
	var e model.Enrollment
	err := r.DB.QueryRowContext(ctx,
		`SELECT id, campaign_id, lead_id, status, added_at FROM enrollments WHERE id=$1`, id,
	).Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Status, &e.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *EnrollmentRepository) ListActiveByCampaign(ctx context.Context, campaignID int) ([]*model.Enrollment, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, campaign_id, lead_id, status, added_at
        FROM enrollments
        WHERE campaign_id=$1 AND status='active'
        ORDER BY id
    `, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []*model.Enrollment{}
	for rows.Next() {
		e := &model.Enrollment{}
		if err := rows.Scan(&e.ID, &e.CampaignID, &e.LeadID, &e.Status, &e.AddedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id int, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE enrollments SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("enrollment %d not found", id)
	}
	return nil
}

// StopActiveForLead stops the lead's active enrollments in every campaign.
func (r *EnrollmentRepository) StopActiveForLead(ctx context.Context, leadID int) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE enrollments SET status='stopped' WHERE lead_id=$1 AND status='active'`, leadID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (r *EnrollmentRepository) CountByStatus(ctx context.Context, campaignID int) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM enrollments WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[string]int{model.EnrollmentActive: 0, model.EnrollmentCompleted: 0, model.EnrollmentStopped: 0}
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

var _ EnrollmentRepositoryInterface = (*EnrollmentRepository)(nil)
