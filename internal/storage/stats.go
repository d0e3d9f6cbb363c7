package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// Stats computes corpus statistics. topSenders bounds the sender list.
func (s *Store) Stats(ctx context.Context, topSenders int) (Stats, error) {
	st := Stats{
		ByPriority:   make(map[int]int),
		ByUrgency:    make(map[string]int),
		ByImportance: make(map[string]int),
		BySource:     make(map[string]int),
	}

	var oldest, newest sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM emails),
			(SELECT COUNT(*) FROM classifications),
			(SELECT COUNT(*) FROM search_docs),
			(SELECT COUNT(*) FROM classification_history),
			(SELECT MIN(received_at) FROM emails),
			(SELECT MAX(received_at) FROM emails)`,
	).Scan(&st.Emails, &st.Classified, &st.Indexed, &st.HistoryEntries, &oldest, &newest)
	if err != nil {
		return Stats{}, fmt.Errorf("counting rows: %w", err)
	}
	if oldest.Valid {
		st.Oldest, _ = parseTime(oldest.String)
	}
	if newest.Valid {
		st.Newest, _ = parseTime(newest.String)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT priority_score, urgency_level, importance_level, source, COUNT(*)
		FROM classifications
		GROUP BY priority_score, urgency_level, importance_level, source`)
	if err != nil {
		return Stats{}, fmt.Errorf("grouping classifications: %w", err)
	}
	for rows.Next() {
		var score, n int
		var urg, imp, src string
		if err := rows.Scan(&score, &urg, &imp, &src, &n); err != nil {
			rows.Close()
			return Stats{}, err
		}
		st.ByPriority[score] += n
		st.ByUrgency[urg] += n
		st.ByImportance[imp] += n
		st.BySource[src] += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return Stats{}, err
	}

	if topSenders <= 0 {
		return st, nil
	}
	rows, err = s.db.QueryContext(ctx, `
		SELECT sender_address, COUNT(*) AS n FROM emails
		GROUP BY sender_address ORDER BY n DESC, sender_address ASC LIMIT ?`, topSenders)
	if err != nil {
		return Stats{}, fmt.Errorf("ranking senders: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc SenderCount
		if err := rows.Scan(&sc.Sender, &sc.Count); err != nil {
			return Stats{}, err
		}
		st.TopSenders = append(st.TopSenders, sc)
	}
	return st, rows.Err()
}
