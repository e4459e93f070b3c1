package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	appErrors "github.com/unclebandit/outreach-sequencer/internal/errors"
	"github.com/unclebandit/outreach-sequencer/internal/model"
)

// LeadRepositoryInterface defines methods used by the engine
type LeadRepositoryInterface interface {
	Create(ctx context.Context, lead *model.Lead) error
	GetByID(ctx context.Context, id int) (*model.Lead, error)
	FindByEmail(ctx context.Context, email string) (*model.Lead, error)
	UpdateStatus(ctx context.Context, id int, status string) error
	RecordVerification(ctx context.Context, id int, status model.VerificationStatus, at time.Time) error
	CountVerifiedSince(ctx context.Context, since time.Time) (int, error)
}

// LeadRepository is the concrete implementation
type LeadRepository struct {
	DB *sql.DB
}

const leadColumns = `id, email, first_name, last_name, company, website, title, industry,
        personalized_opener, status, verification_status, verified_at, created_at`

func scanLead(row interface{ Scan(...any) error }) (*model.Lead, error) {
	var l model.Lead
	err := row.Scan(&l.ID, &l.Email, &l.FirstName, &l.LastName, &l.Company, &l.Website, &l.Title, &l.Industry,
		&l.PersonalizedOpener, &l.Status, &l.VerificationStatus, &l.VerifiedAt, &l.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (r *LeadRepository) Create(ctx context.Context, l *model.Lead) error {
	l.CreatedAt = time.Now().UTC()
	if l.Status == "" {
		l.Status = model.LeadNew
	}
	l.Email = strings.ToLower(strings.TrimSpace(l.Email))
	query := `
        INSERT INTO leads (email, first_name, last_name, company, website, title, industry, personalized_opener, status, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, l.Email, l.FirstName, l.LastName, l.Company, l.Website, l.Title,
		l.Industry, l.PersonalizedOpener, l.Status, l.CreatedAt).Scan(&l.ID)
}

// GetByID fetches a lead by ID; nil, nil when not found
func (r *LeadRepository) GetByID(ctx context.Context, id int) (*model.Lead, error) {
	l, err := scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

// FindByEmail matches case-insensitively; nil, nil when not found
func (r *LeadRepository) FindByEmail(ctx context.Context, email string) (*model.Lead, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	l, err := scanLead(r.DB.QueryRowContext(ctx, `SELECT `+leadColumns+` FROM leads WHERE lower(email)=$1`, email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (r *LeadRepository) UpdateStatus(ctx context.Context, id int, status string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE leads SET status=$1 WHERE id=$2`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return appErrors.NewLeadNotFound(id)
	}
	return nil
}

func (r *LeadRepository) RecordVerification(ctx context.Context, id int, status model.VerificationStatus, at time.Time) error {
	_, err := r.DB.ExecContext(ctx,
		`UPDATE leads SET verification_status=$1, verified_at=$2 WHERE id=$3`, string(status), at, id)
	return err
}

func (r *LeadRepository) CountVerifiedSince(ctx context.Context, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM leads WHERE verified_at IS NOT NULL AND verified_at >= $1`, since).Scan(&n)
	return n, err
}

var _ LeadRepositoryInterface = (*LeadRepository)(nil)
