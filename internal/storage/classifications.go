package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
)

const classificationColumns = `email_id, priority_score, urgency_level, importance_level, confidence, source, matched_rule_ids, summary, reason, classified_at`

// GetClassification returns the current classification of an email within tx.
func (tx *Tx) GetClassification(ctx context.Context, emailID string) (Classification, error) {
	return scanClassification(tx.tx.QueryRowContext(ctx,
		`SELECT `+classificationColumns+` FROM classifications WHERE email_id = ?`, emailID))
}

// GetClassification returns the current classification of an email.
func (s *Store) GetClassification(ctx context.Context, emailID string) (Classification, error) {
	return scanClassification(s.db.QueryRowContext(ctx,
		`SELECT `+classificationColumns+` FROM classifications WHERE email_id = ?`, emailID))
}

// PutClassification replaces the current classification of c.EmailID.
func (tx *Tx) PutClassification(ctx context.Context, c Classification) error {
	ids, err := json.Marshal(nonNil(c.MatchedRuleIDs))
	if err != nil {
		return err
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO classifications (`+classificationColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email_id) DO UPDATE SET
			priority_score = excluded.priority_score,
			urgency_level = excluded.urgency_level,
			importance_level = excluded.importance_level,
			confidence = excluded.confidence,
			source = excluded.source,
			matched_rule_ids = excluded.matched_rule_ids,
			summary = excluded.summary,
			reason = excluded.reason,
			classified_at = excluded.classified_at`,
		c.EmailID, c.PriorityScore, c.Urgency, c.Importance, c.Confidence, c.Source,
		string(ids), c.Summary, c.Reason, formatTime(c.ClassifiedAt),
	)
	if err != nil {
		return fmt.Errorf("writing classification for %s: %w", c.EmailID, err)
	}
	return nil
}

// AppendHistory records an overwritten classification. History rows can
// never be updated or deleted; the schema rejects both.
func (tx *Tx) AppendHistory(ctx context.Context, h HistoryEntry) error {
	prior, err := json.Marshal(h.Prior)
	if err != nil {
		return err
	}
	_, err = tx.tx.ExecContext(ctx, `
		INSERT INTO classification_history (id, email_id, prior_json, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?)`,
		h.ID, h.EmailID, string(prior), h.Reason, formatTime(h.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("appending history for %s: %w", h.EmailID, err)
	}
	return nil
}

// ListHistory returns the history of an email, oldest first.
func (s *Store) ListHistory(ctx context.Context, emailID string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, email_id, prior_json, reason, recorded_at
		FROM classification_history WHERE email_id = ?
		ORDER BY recorded_at ASC, rowid ASC`, emailID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		var prior, recordedAt string
		if err := rows.Scan(&h.ID, &h.EmailID, &prior, &h.Reason, &recordedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(prior), &h.Prior); err != nil {
			return nil, fmt.Errorf("decoding history %s: %w", h.ID, err)
		}
		if h.RecordedAt, err = parseTime(recordedAt); err != nil {
			return nil, fmt.Errorf("parsing recorded_at for history %s: %w", h.ID, err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetTags replaces the tag set of an email.
func (tx *Tx) SetTags(ctx context.Context, emailID string, tags []string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM email_tags WHERE email_id = ?`, emailID); err != nil {
		return fmt.Errorf("clearing tags for %s: %w", emailID, err)
	}
	for _, t := range tags {
		if _, err := tx.tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO email_tags (email_id, tag) VALUES (?, ?)`, emailID, t); err != nil {
			return fmt.Errorf("tagging %s: %w", emailID, err)
		}
	}
	return nil
}

const tagsQuery = `SELECT tag FROM email_tags WHERE email_id = ? ORDER BY tag`

// Tags returns the sorted tag set of an email.
func (s *Store) Tags(ctx context.Context, emailID string) ([]string, error) {
	return s.queryStrings(ctx, tagsQuery, emailID)
}

// Tags is the in-transaction form of Store.Tags.
func (tx *Tx) Tags(ctx context.Context, emailID string) ([]string, error) {
	return queryStrings(ctx, tx.tx, tagsQuery, emailID)
}

// FilterEmails returns emails matching every constraint in f, newest first.
// Emails without a classification are only returned when f does not
// constrain classification fields.
func (s *Store) FilterEmails(ctx context.Context, f Filter) ([]Candidate, error) {
	var (
		where []string
		args  []any
	)
	join := "LEFT JOIN"
	if f.HasClassificationConstraint() {
		join = "JOIN"
	}
	if !f.Since.IsZero() {
		where = append(where, "e.received_at >= ?")
		args = append(args, formatTime(f.Since))
	}
	if !f.Until.IsZero() {
		where = append(where, "e.received_at < ?")
		args = append(args, formatTime(f.Until))
	}
	if len(f.Urgency) > 0 {
		where = append(where, "c.urgency_level IN ("+placeholders(len(f.Urgency))+")")
		for _, u := range f.Urgency {
			args = append(args, u)
		}
	}
	if len(f.Importance) > 0 {
		where = append(where, "c.importance_level IN ("+placeholders(len(f.Importance))+")")
		for _, i := range f.Importance {
			args = append(args, i)
		}
	}
	if f.MinScore > 0 {
		where = append(where, "c.priority_score >= ?")
		args = append(args, f.MinScore)
	}
	if f.MaxScore > 0 {
		where = append(where, "c.priority_score <= ?")
		args = append(args, f.MaxScore)
	}
	if len(f.Senders) > 0 {
		var ors []string
		for _, snd := range f.Senders {
			ors = append(ors, "instr(lower(e.sender), ?) > 0")
			args = append(args, strings.ToLower(snd))
		}
		where = append(where, "("+strings.Join(ors, " OR ")+")")
	}
	if len(f.IDs) > 0 {
		where = append(where, "e.id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	for _, t := range f.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM email_tags t WHERE t.email_id = e.id AND t.tag = ?)")
		args = append(args, t)
	}

	query := `SELECT e.id, e.sender, e.subject, e.received_at, c.priority_score, c.urgency_level, c.importance_level
		FROM emails e ` + join + ` classifications c ON c.email_id = e.id`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY e.received_at DESC, e.id ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("filtering emails: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var receivedAt string
		var score sql.NullInt64
		var urg, imp sql.NullString
		if err := rows.Scan(&c.EmailID, &c.Sender, &c.Subject, &receivedAt, &score, &urg, &imp); err != nil {
			return nil, err
		}
		if c.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, fmt.Errorf("parsing received_at for %s: %w", c.EmailID, err)
		}
		c.Classified = score.Valid
		c.PriorityScore = int(score.Int64)
		c.Urgency = urg.String
		c.Importance = imp.String
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanClassification(row rowScanner) (Classification, error) {
	var c Classification
	var ids, classifiedAt string
	err := row.Scan(&c.EmailID, &c.PriorityScore, &c.Urgency, &c.Importance, &c.Confidence,
		&c.Source, &ids, &c.Summary, &c.Reason, &classifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Classification{}, ErrNotFound
	}
	if err != nil {
		return Classification{}, err
	}
	if err := json.Unmarshal([]byte(ids), &c.MatchedRuleIDs); err != nil {
		return Classification{}, fmt.Errorf("decoding matched_rule_ids for %s: %w", c.EmailID, err)
	}
	if c.ClassifiedAt, err = parseTime(classifiedAt); err != nil {
		return Classification{}, fmt.Errorf("parsing classified_at for %s: %w", c.EmailID, err)
	}
	slices.Sort(c.MatchedRuleIDs)
	return c, nil
}
