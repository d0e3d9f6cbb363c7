package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PutSearchDoc replaces the postings of doc.EmailID.
func (tx *Tx) PutSearchDoc(ctx context.Context, doc SearchDoc, postings []Posting) error {
	if err := tx.DeleteSearchDoc(ctx, doc.EmailID); err != nil {
		return err
	}
	if _, err := tx.tx.ExecContext(ctx, `
		INSERT INTO search_docs (email_id, received_at, doc_hash, indexed_at) VALUES (?, ?, ?, ?)`,
		doc.EmailID, formatTime(doc.ReceivedAt), doc.Hash, formatTime(time.Now()),
	); err != nil {
		return fmt.Errorf("writing search doc %s: %w", doc.EmailID, err)
	}

	stmt, err := tx.tx.PrepareContext(ctx, `INSERT INTO search_postings (term, email_id, field, tf) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing postings insert: %w", err)
	}
	defer stmt.Close()
	for _, p := range postings {
		if _, err := stmt.ExecContext(ctx, p.Term, doc.EmailID, p.Field, p.TF); err != nil {
			return fmt.Errorf("writing posting %q for %s: %w", p.Term, doc.EmailID, err)
		}
	}
	return nil
}

// DeleteSearchDoc removes an email from the index. Missing docs are not an error.
func (tx *Tx) DeleteSearchDoc(ctx context.Context, emailID string) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM search_postings WHERE email_id = ?`, emailID); err != nil {
		return fmt.Errorf("deleting postings for %s: %w", emailID, err)
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM search_docs WHERE email_id = ?`, emailID); err != nil {
		return fmt.Errorf("deleting search doc %s: %w", emailID, err)
	}
	return nil
}

// ClearSearchIndex drops every posting and doc row.
func (tx *Tx) ClearSearchIndex(ctx context.Context) error {
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM search_postings`); err != nil {
		return fmt.Errorf("clearing postings: %w", err)
	}
	if _, err := tx.tx.ExecContext(ctx, `DELETE FROM search_docs`); err != nil {
		return fmt.Errorf("clearing search docs: %w", err)
	}
	return nil
}

// GetSearchDoc returns the index bookkeeping row of an email.
func (s *Store) GetSearchDoc(ctx context.Context, emailID string) (SearchDoc, error) {
	var d SearchDoc
	var receivedAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT email_id, received_at, doc_hash FROM search_docs WHERE email_id = ?`, emailID,
	).Scan(&d.EmailID, &receivedAt, &d.Hash)
	if errors.Is(err, sql.ErrNoRows) {
		return SearchDoc{}, ErrNotFound
	}
	if err != nil {
		return SearchDoc{}, err
	}
	if d.ReceivedAt, err = parseTime(receivedAt); err != nil {
		return SearchDoc{}, err
	}
	return d, nil
}

// SearchDocHashes maps every indexed email id to its document hash.
func (s *Store) SearchDocHashes(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT email_id, doc_hash FROM search_docs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var id, h string
		if err := rows.Scan(&id, &h); err != nil {
			return nil, err
		}
		out[id] = h
	}
	return out, rows.Err()
}

// PostingsForTerms returns all postings whose term is in terms, joined with
// document recency.
func (s *Store) PostingsForTerms(ctx context.Context, terms []string) ([]PostingHit, error) {
	if len(terms) == 0 {
		return nil, nil
	}
	args := make([]any, len(terms))
	for i, t := range terms {
		args[i] = t
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.term, p.email_id, p.field, p.tf, d.received_at
		FROM search_postings p
		JOIN search_docs d ON d.email_id = p.email_id
		WHERE p.term IN (`+placeholders(len(terms))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("reading postings: %w", err)
	}
	defer rows.Close()

	var out []PostingHit
	for rows.Next() {
		var h PostingHit
		var receivedAt string
		if err := rows.Scan(&h.Term, &h.EmailID, &h.Field, &h.TF, &receivedAt); err != nil {
			return nil, err
		}
		if h.ReceivedAt, err = parseTime(receivedAt); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// AllPostings returns the full inverted index in a stable order.
func (s *Store) AllPostings(ctx context.Context) ([]Posting, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT term, email_id, field, tf FROM search_postings ORDER BY email_id, field, term`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Posting
	for rows.Next() {
		var p Posting
		if err := rows.Scan(&p.Term, &p.EmailID, &p.Field, &p.TF); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PrefixTerms returns up to limit distinct indexed terms starting with prefix,
// most frequent first.
func (s *Store) PrefixTerms(ctx context.Context, prefix string, limit int) ([]string, error) {
	return s.queryStrings(ctx, `
		SELECT term FROM search_postings
		WHERE substr(term, 1, length(?)) = ?
		GROUP BY term ORDER BY SUM(tf) DESC, term ASC LIMIT ?`, prefix, prefix, limit)
}
