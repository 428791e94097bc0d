package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

type PostgresEventRepo struct {
	db *sql.DB
}

var _ EventStore = (*PostgresEventRepo)(nil)

func NewPostgresEventRepo(db *sql.DB) *PostgresEventRepo {
	return &PostgresEventRepo{db: db}
}

func (r *PostgresEventRepo) Append(ctx context.Context, e model.LogEntry) (int64, error) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO event_log (timestamp, category, message, detail)
		VALUES ($1, $2, $3, $4)
		RETURNING id
	`, e.Timestamp.UTC(), string(e.Category), e.Message, e.Detail).Scan(&id)
	if err != nil {
		return 0, storeErr(err)
	}
	return id, nil
}

func (r *PostgresEventRepo) ListEvents(ctx context.Context, q model.LogQuery) ([]model.LogEntry, error) {
	q = q.Normalize()

	var since *time.Time
	if !q.Since.IsZero() {
		since = &q.Since
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, timestamp, category, message, detail
		FROM event_log
		WHERE ($1 = '' OR category = $1)
		  AND ($2::timestamptz IS NULL OR timestamp >= $2)
		ORDER BY timestamp DESC, id DESC
		LIMIT $3 OFFSET $4
	`, string(q.Category), nullTime(since), q.Limit, q.Offset)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	var out []model.LogEntry
	for rows.Next() {
		var e model.LogEntry
		var category string
		if err := rows.Scan(&e.ID, &e.Timestamp, &category, &e.Message, &e.Detail); err != nil {
			return nil, storeErr(err)
		}
		e.Category = model.Category(category)
		out = append(out, e)
	}
	return out, storeErr(rows.Err())
}
