package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LeventeLantos/sms-autoreply/internal/model"
)

type PostgresMessageRepo struct {
	db *sql.DB
}

var _ MessageStore = (*PostgresMessageRepo)(nil)

func NewPostgresMessageRepo(db *sql.DB) *PostgresMessageRepo {
	return &PostgresMessageRepo{db: db}
}

const messageColumns = `id, sender, body, received_at, lifecycle_state, reply_text,
	send_status, api_status, external_message_id, processed_at, updated_at`

func (r *PostgresMessageRepo) Insert(ctx context.Context, m model.Message) (int64, error) {
	if err := validateNew(m); err != nil {
		return 0, err
	}
	if m.State == "" {
		m.State = model.Received
	}

	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO messages (sender, body, received_at, lifecycle_state, send_status, updated_at)
		VALUES ($1, $2, $3, $4, $5, now())
		RETURNING id
	`, m.Sender, m.Body, m.ReceivedAt.UTC(), string(m.State), string(m.SendStatus)).Scan(&id)
	if err != nil {
		return 0, storeErr(err)
	}
	return id, nil
}

// Update replaces every mutable column. received_at is never written.
func (r *PostgresMessageRepo) Update(ctx context.Context, m model.Message) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET lifecycle_state = $2,
		    reply_text = $3,
		    send_status = $4,
		    api_status = $5,
		    external_message_id = $6,
		    processed_at = $7,
		    updated_at = now()
		WHERE id = $1
	`,
		m.ID,
		string(m.State),
		nullString(m.ReplyText),
		string(m.SendStatus),
		nullString(m.APIStatus),
		nullString(m.ExternalMessageID),
		nullTime(m.ProcessedAt),
	)
	if err != nil {
		return storeErr(err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err)
	}
	if n == 0 {
		return fmt.Errorf("message %d: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (r *PostgresMessageRepo) Get(ctx context.Context, id int64) (model.Message, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Message{}, fmt.Errorf("message %d: %w", id, ErrNotFound)
	}
	return m, storeErr(err)
}

func (r *PostgresMessageRepo) GetEligibleForProcessing(ctx context.Context, now time.Time, minAge time.Duration) ([]model.Message, error) {
	cutoff := now.Add(-minAge).UTC()
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE lifecycle_state = 'received' AND received_at <= $1
		ORDER BY received_at ASC, id ASC
	`, cutoff)
	if err != nil {
		return nil, storeErr(err)
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) GetAll(ctx context.Context) ([]model.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		ORDER BY received_at DESC, id DESC
	`)
	if err != nil {
		return nil, storeErr(err)
	}
	return collectMessages(rows)
}

func (r *PostgresMessageRepo) RecoverStale(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE messages
		SET lifecycle_state = 'received', updated_at = now()
		WHERE lifecycle_state = 'processing' AND updated_at < $1
	`, olderThan.UTC())
	if err != nil {
		return 0, storeErr(err)
	}
	n, err := res.RowsAffected()
	return n, storeErr(err)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.Message, error) {
	var m model.Message
	var state, sendStatus string
	var reply, apiStatus, extID sql.NullString
	var processedAt sql.NullTime

	if err := row.Scan(
		&m.ID,
		&m.Sender,
		&m.Body,
		&m.ReceivedAt,
		&state,
		&reply,
		&sendStatus,
		&apiStatus,
		&extID,
		&processedAt,
		&m.UpdatedAt,
	); err != nil {
		return model.Message{}, storeErr(err)
	}

	m.State = model.State(state)
	m.SendStatus = model.SendStatus(sendStatus)
	if reply.Valid {
		m.ReplyText = model.StringPtr(reply.String)
	}
	if apiStatus.Valid {
		m.APIStatus = model.StringPtr(apiStatus.String)
	}
	if extID.Valid {
		m.ExternalMessageID = model.StringPtr(extID.String)
	}
	if processedAt.Valid {
		t := processedAt.Time
		m.ProcessedAt = &t
	}
	return m, nil
}

func collectMessages(rows *sql.Rows) ([]model.Message, error) {
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, storeErr(err)
		}
		out = append(out, m)
	}
	return out, storeErr(rows.Err())
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
