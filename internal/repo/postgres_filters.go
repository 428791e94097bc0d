package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

type PostgresFilterRepo struct {
	db *sql.DB
}

var _ FilterStore = (*PostgresFilterRepo)(nil)

func NewPostgresFilterRepo(db *sql.DB) *PostgresFilterRepo {
	return &PostgresFilterRepo{db: db}
}

func (r *PostgresFilterRepo) ListFilters(ctx context.Context, membership model.Membership) ([]model.FilterEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, phone_number, membership, created_at
		FROM filter_entries
		WHERE membership = $1
		ORDER BY id ASC
	`, string(membership))
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []model.FilterEntry
	for rows.Next() {
		var f model.FilterEntry
		var membership string
		if err := rows.Scan(&f.ID, &f.PhoneNumber, &membership, &f.CreatedAt); err != nil {
			return nil, storeErr(err)
		}
		f.Membership = model.Membership(membership)
		out = append(out, f)
	}
	return out, storeErr(rows.Err())
}

// AddFilter upserts on phone_number so a number is never on both lists.
func (r *PostgresFilterRepo) AddFilter(ctx context.Context, phoneNumber string, membership model.Membership) (model.FilterEntry, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if phoneNumber == "" {
		return model.FilterEntry{}, fmt.Errorf("phone number is empty")
	}
	if !membership.Valid() {
		return model.FilterEntry{}, fmt.Errorf("invalid membership %q", membership)
	}

	f := model.FilterEntry{PhoneNumber: phoneNumber, Membership: membership}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO filter_entries (phone_number, membership)
		VALUES ($1, $2)
		ON CONFLICT (phone_number) DO UPDATE SET membership = EXCLUDED.membership
		RETURNING id, created_at
	`, phoneNumber, string(membership)).Scan(&f.ID, &f.CreatedAt)
	if err != nil {
		return model.FilterEntry{}, storeErr(err)
	}
	return f, nil
}

func (r *PostgresFilterRepo) RemoveFilter(ctx context.Context, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM filter_entries WHERE id = $1`, id)
	if err != nil {
		return storeErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return fmt.Errorf("filter %d: %w", id, ErrNotFound)
	}
	return nil
}

func (r *PostgresFilterRepo) IsListed(ctx context.Context, phoneNumber string, membership model.Membership) (bool, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT count(*) FROM filter_entries
		WHERE phone_number = $1 AND membership = $2
	`, phoneNumber, string(membership)).Scan(&n)
	if err != nil {
		return false, storeErr(err)
	}
	return n > 0, nil
}
