package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type CampaignRepositoryInterface interface {
	// Campaign CRUD
	Create(ctx context.Context, c *model.Campaign) error
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error)
	ListByStatus(ctx context.Context, status string) ([]*model.Campaign, error)
	UpdateStatus(ctx context.Context, campaignID int, status string) error
	PauseAllActive(ctx context.Context) (int, error)
	ResumeAllPaused(ctx context.Context) (int, error)

	// Rotation pool
	RotationPool(ctx context.Context, campaignID int) ([]int, error)
	ReplaceRotationPool(ctx context.Context, campaignID int, identityIDs []int) error

	// Sequence steps
	AddStep(ctx context.Context, step *model.SequenceStep) error
	Steps(ctx context.Context, campaignID int) ([]*model.SequenceStep, error)
}

type CampaignRepository struct {
	DB *sql.DB
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now().UTC()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (name, status, primary_identity_id, created_at)
        VALUES ($1, $2, $3, $4)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, c.Name, c.Status, c.PrimaryIdentityID, c.CreatedAt).Scan(&c.ID)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `
        SELECT id, name, status, primary_identity_id, created_at, updated_at
        FROM campaigns WHERE id=$1
    `
	var c model.Campaign
	err := r.DB.QueryRowContext(ctx, query, id).Scan(&c.ID, &c.Name, &c.Status, &c.PrimaryIdentityID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return &c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status string) ([]*model.Campaign, int, error) {
	query := `SELECT id, name, status, primary_identity_id, created_at, updated_at FROM campaigns WHERE 1=1`
	countQuery := `SELECT COUNT(*) FROM campaigns WHERE 1=1`
	args := []interface{}{}
	argPos := 1

	if status != "" {
		query += fmt.Sprintf(" AND status=$%d", argPos)
		countQuery += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query += fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	args = append(args, limit, offset)

	campaigns, err := r.queryCampaigns(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	return campaigns, total, nil
}

// ListByStatus returns campaigns in id order so ticks are deterministic.
func (r *CampaignRepository) ListByStatus(ctx context.Context, status string) ([]*model.Campaign, error) {
	query := `
        SELECT id, name, status, primary_identity_id, created_at, updated_at
        FROM campaigns WHERE status=$1 ORDER BY id
    `
	return r.queryCampaigns(ctx, query, status)
}

func (r *CampaignRepository) queryCampaigns(ctx context.Context, query string, args ...interface{}) ([]*model.Campaign, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	campaigns := []*model.Campaign{}
	for rows.Next() {
		c := &model.Campaign{}
		if err := rows.Scan(&c.ID, &c.Name, &c.Status, &c.PrimaryIdentityID, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, err
		}
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, campaignID int, status string) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, status, time.Now().UTC(), campaignID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewCampaignNotFound(campaignID)
	}
	return nil
}

func (r *CampaignRepository) PauseAllActive(ctx context.Context) (int, error) {
	return r.moveAll(ctx, model.CampaignActive, model.CampaignPaused)
}

func (r *CampaignRepository) ResumeAllPaused(ctx context.Context) (int, error) {
	return r.moveAll(ctx, model.CampaignPaused, model.CampaignActive)
}

func (r *CampaignRepository) moveAll(ctx context.Context, from, to string) (int, error) {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE campaigns SET status=$1, updated_at=NOW() WHERE status=$2`, to, from)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ====================== Rotation pool ======================

func (r *CampaignRepository) RotationPool(ctx context.Context, campaignID int) ([]int, error) {
	rows, err := r.DB.QueryContext(ctx,
		`SELECT identity_id FROM campaign_identities WHERE campaign_id=$1 ORDER BY identity_id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := []int{}
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *CampaignRepository) ReplaceRotationPool(ctx context.Context, campaignID int, identityIDs []int) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM campaign_identities WHERE campaign_id=$1`, campaignID); err != nil {
		return err
	}
	if len(identityIDs) > 0 {
		_, err := tx.ExecContext(ctx, `
            INSERT INTO campaign_identities (campaign_id, identity_id)
            SELECT $1, unnest($2::int[])
            ON CONFLICT DO NOTHING
        `, campaignID, pq.Array(identityIDs))
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ====================== Sequence steps ======================

func (r *CampaignRepository) AddStep(ctx context.Context, s *model.SequenceStep) error {
	query := `
        INSERT INTO sequence_steps (campaign_id, step_number, delay_days, subject_template, body_template, active)
        VALUES ($1, $2, $3, $4, $5, $6)
        RETURNING id
    `
	err := r.DB.QueryRowContext(ctx, query, s.CampaignID, s.StepNumber, s.DelayDays, s.SubjectTemplate, s.BodyTemplate, s.Active).Scan(&s.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: step %d already exists", appErrors.ErrInvalidStep, s.StepNumber)
	}
	return err
}

// Steps returns the active steps of a campaign ordered by step number.
func (r *CampaignRepository) Steps(ctx context.Context, campaignID int) ([]*model.SequenceStep, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT id, campaign_id, step_number, delay_days, subject_template, body_template, active
        FROM sequence_steps
        WHERE campaign_id=$1 AND active
        ORDER BY step_number
    `, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []*model.SequenceStep{}
	for rows.Next() {
		s := &model.SequenceStep{}
		if err := rows.Scan(&s.ID, &s.CampaignID, &s.StepNumber, &s.DelayDays, &s.SubjectTemplate, &s.BodyTemplate, &s.Active); err != nil {
			return nil, err
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// isUniqueViolation reports a Postgres 23505 error.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)
