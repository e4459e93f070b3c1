package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/unclebandit/outreach-sequencer/internal/model"
)

type IdentityRepositoryInterface interface {
	Create(ctx context.Context, identity *model.SendingIdentity) error
	GetByID(ctx context.Context, id int) (*model.SendingIdentity, error)
	ListByIDs(ctx context.Context, ids []int) ([]*model.SendingIdentity, error)
	ListActive(ctx context.Context) ([]*model.SendingIdentity, error)
	ListAll(ctx context.Context) ([]*model.SendingIdentity, error)
	SetActive(ctx context.Context, id int, active bool) error
	Schedule(ctx context.Context, identityID int) ([]model.HourlySlot, error)
	ReplaceSchedule(ctx context.Context, identityID int, slots []model.HourlySlot) error
}

type IdentityRepository struct {
	DB *sql.DB
}

const identityColumns = `id, name, email, smtp_host, smtp_port, username, password, max_per_hour, active, created_at`

func scanIdentity(row interface{ Scan(...any) error }) (*model.SendingIdentity, error) {
	var i model.SendingIdentity
	err := row.Scan(&i.ID, &i.Name, &i.Email, &i.SMTPHost, &i.SMTPPort, &i.Username, &i.Password, &i.MaxPerHour, &i.Active, &i.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &i, nil
}

func (r *IdentityRepository) Create(ctx context.Context, i *model.SendingIdentity) error {
	i.CreatedAt = time.Now().UTC()
	query := `
        INSERT INTO sending_identities (name, email, smtp_host, smtp_port, username, password, max_per_hour, active, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query, i.Name, i.Email, i.SMTPHost, i.SMTPPort, i.Username, i.Password, i.MaxPerHour, i.Active, i.CreatedAt).Scan(&i.ID)
}

// GetByID returns nil, nil when the identity does not exist.
func (r *IdentityRepository) GetByID(ctx context.Context, id int) (*model.SendingIdentity, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM sending_identities WHERE id=$1`, id)
	i, err := scanIdentity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return i, err
}

func (r *IdentityRepository) ListByIDs(ctx context.Context, ids []int) ([]*model.SendingIdentity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM sending_identities WHERE id = ANY($1) ORDER BY id`, pq.Array(ids))
}

func (r *IdentityRepository) ListActive(ctx context.Context) ([]*model.SendingIdentity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM sending_identities WHERE active ORDER BY id`)
}

func (r *IdentityRepository) ListAll(ctx context.Context) ([]*model.SendingIdentity, error) {
	return r.list(ctx, `SELECT `+identityColumns+` FROM sending_identities ORDER BY id`)
}

func (r *IdentityRepository) list(ctx context.Context, query string, args ...interface{}) ([]*model.SendingIdentity, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	identities := []*model.SendingIdentity{}
	for rows.Next() {
		i, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		identities = append(identities, i)
	}
	return identities, rows.Err()
}

// SetActive toggles rotation membership. Deactivation is soft: history stays.
func (r *IdentityRepository) SetActive(ctx context.Context, id int, active bool) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE sending_identities SET active=$1 WHERE id=$2`, active, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("identity %d not found", id)
	}
	return nil
}

func (r *IdentityRepository) Schedule(ctx context.Context, identityID int) ([]model.HourlySlot, error) {
	rows, err := r.DB.QueryContext(ctx, `
        SELECT identity_id, hour_of_day, max_per_hour, active
        FROM sending_schedule
        WHERE identity_id=$1
        ORDER BY hour_of_day
    `, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	slots := []model.HourlySlot{}
	for rows.Next() {
		var s model.HourlySlot
		if err := rows.Scan(&s.IdentityID, &s.Hour, &s.MaxPerHour, &s.Active); err != nil {
			return nil, err
		}
		slots = append(slots, s)
	}
	return slots, rows.Err()
}

func (r *IdentityRepository) ReplaceSchedule(ctx context.Context, identityID int, slots []model.HourlySlot) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sending_schedule WHERE identity_id=$1`, identityID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO sending_schedule (identity_id, hour_of_day, max_per_hour, active)
        VALUES ($1, $2, $3, $4)
    `)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, s := range slots {
		if _, err := stmt.ExecContext(ctx, identityID, s.Hour, s.MaxPerHour, s.Active); err != nil {
			return err
		}
	}
	return tx.Commit()
}

var _ IdentityRepositoryInterface = (*IdentityRepository)(nil)
