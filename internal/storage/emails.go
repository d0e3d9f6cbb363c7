package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
)

const emailColumns = `id, sender, recipients_json, subject, body, received_at, has_attachments`

// InsertEmail stores e unless an email with the same id already exists.
// Emails are immutable once ingested; the boolean reports whether a row was
// written.
func (tx *Tx) InsertEmail(ctx context.Context, e email.Email) (bool, error) {
	recipients, err := json.Marshal(nonNil(e.Recipients))
	if err != nil {
		return false, err
	}
	res, err := tx.tx.ExecContext(ctx, `
		INSERT INTO emails (id, sender, sender_address, recipients_json, subject, body, body_normalized, received_at, has_attachments, ingested_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.Sender, e.SenderAddress(), string(recipients), e.Subject, e.Body, e.NormalizedBody(),
		formatTime(e.ReceivedAt), e.HasAttachments, formatTime(time.Now()),
	)
	if err != nil {
		return false, fmt.Errorf("inserting email %s: %w", e.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// InsertEmail is the single-statement form of Tx.InsertEmail.
func (s *Store) InsertEmail(ctx context.Context, e email.Email) (bool, error) {
	var inserted bool
	err := s.WithTx(ctx, func(tx *Tx) error {
		var err error
		inserted, err = tx.InsertEmail(ctx, e)
		return err
	})
	return inserted, err
}

// GetEmail loads one email inside a transaction.
func (tx *Tx) GetEmail(ctx context.Context, id string) (email.Email, error) {
	return scanEmail(tx.tx.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
}

// GetEmail loads one email.
func (s *Store) GetEmail(ctx context.Context, id string) (email.Email, error) {
	return scanEmail(s.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
}

// ListEmails returns up to limit emails with id greater than afterID, in id
// order. Pass the last id of one page as afterID to get the next.
func (s *Store) ListEmails(ctx context.Context, afterID string, limit int) ([]email.Email, error) {
	return listEmails(ctx, s.db, false, afterID, limit)
}

// ListClassifiedEmails pages through emails that have a classification.
func (s *Store) ListClassifiedEmails(ctx context.Context, afterID string, limit int) ([]email.Email, error) {
	return listEmails(ctx, s.db, true, afterID, limit)
}

// ListClassifiedEmails is the in-transaction form of Store.ListClassifiedEmails.
func (tx *Tx) ListClassifiedEmails(ctx context.Context, afterID string, limit int) ([]email.Email, error) {
	return listEmails(ctx, tx.tx, true, afterID, limit)
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func listEmails(ctx context.Context, q querier, classifiedOnly bool, afterID string, limit int) ([]email.Email, error) {
	query := `SELECT ` + emailColumns + ` FROM emails WHERE id > ?`
	if classifiedOnly {
		query += ` AND EXISTS (SELECT 1 FROM classifications c WHERE c.email_id = emails.id)`
	}
	query += ` ORDER BY id LIMIT ?`

	rows, err := q.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []email.Email
	for rows.Next() {
		e, err := scanEmail(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListEmailIDs returns every email id, oldest message first.
func (s *Store) ListEmailIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `SELECT id FROM emails ORDER BY received_at ASC, id ASC`)
}

// UnclassifiedEmailIDs returns ids of emails with no classification yet.
func (s *Store) UnclassifiedEmailIDs(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT e.id FROM emails e
		LEFT JOIN classifications c ON c.email_id = e.id
		WHERE c.email_id IS NULL
		ORDER BY e.received_at ASC, e.id ASC`)
}

// UnqueuedEmailIDs returns unclassified emails that no pending job of
// jobType refers to through its payload's email_id.
func (s *Store) UnqueuedEmailIDs(ctx context.Context, jobType string) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT e.id FROM emails e
		LEFT JOIN classifications c ON c.email_id = e.id
		WHERE c.email_id IS NULL AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.type = ? AND j.status = 'pending'
			  AND json_extract(j.payload_json, '$.email_id') = e.id)
		ORDER BY e.received_at ASC, e.id ASC`, jobType)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEmail(row rowScanner) (email.Email, error) {
	var e email.Email
	var recipients, receivedAt string
	err := row.Scan(&e.ID, &e.Sender, &recipients, &e.Subject, &e.Body, &receivedAt, &e.HasAttachments)
	if errors.Is(err, sql.ErrNoRows) {
		return email.Email{}, ErrNotFound
	}
	if err != nil {
		return email.Email{}, err
	}
	if err := json.Unmarshal([]byte(recipients), &e.Recipients); err != nil {
		return email.Email{}, fmt.Errorf("decoding recipients for %s: %w", e.ID, err)
	}
	if e.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return email.Email{}, fmt.Errorf("parsing received_at for %s: %w", e.ID, err)
	}
	return e, nil
}

func (s *Store) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	return queryStrings(ctx, s.db, query, args...)
}

func queryStrings(ctx context.Context, q querier, query string, args ...any) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
