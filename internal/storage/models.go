package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Classification is the persisted shape of a classification record.
// Levels and source are stored as their string names.
type Classification struct {
	EmailID        string    `json:"email_id"`
	PriorityScore  int       `json:"priority_score"`
	Urgency        string    `json:"urgency_level"`
	Importance     string    `json:"importance_level"`
	Confidence     float64   `json:"confidence"`
	Source         string    `json:"source"`
	MatchedRuleIDs []string  `json:"matched_rule_ids"`
	Summary        string    `json:"summary,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	ClassifiedAt   time.Time `json:"classified_at"`
}

// HistoryEntry is an immutable snapshot of a classification that was overwritten.
type HistoryEntry struct {
	ID         string         `json:"id"`
	EmailID    string         `json:"email_id"`
	Prior      Classification `json:"prior"`
	Reason     string         `json:"reason"`
	RecordedAt time.Time      `json:"recorded_at"`
}

// SearchDoc is the bookkeeping row for one indexed email.
type SearchDoc struct {
	EmailID    string
	ReceivedAt time.Time
	Hash       string
}

// Posting is one (term, email, field) entry of the inverted index.
type Posting struct {
	Term    string `json:"term"`
	EmailID string `json:"email_id"`
	Field   string `json:"field"`
	TF      int    `json:"tf"`
}

// PostingHit is a posting joined with its document's received_at.
type PostingHit struct {
	Posting
	ReceivedAt time.Time
}

// Filter is the structured part of a query, applied in SQL.
type Filter struct {
	Since      time.Time // inclusive; zero means unbounded
	Until      time.Time // exclusive; zero means unbounded
	Urgency    []string
	Importance []string
	MinScore   int
	MaxScore   int
	// Senders are case-insensitive substrings matched against the raw
	// sender field (display name and address). Any one may match.
	Senders []string
	// Tags must all be present.
	Tags []string
	// IDs, when set, restricts results to these emails.
	IDs   []string
	Limit int
}

// HasClassificationConstraint reports whether f restricts classification fields.
func (f Filter) HasClassificationConstraint() bool {
	return len(f.Urgency) > 0 || len(f.Importance) > 0 || f.MinScore > 0 || f.MaxScore > 0
}

// Candidate is an email row matching a Filter, with its current classification
// when one exists.
type Candidate struct {
	EmailID       string    `json:"email_id"`
	Sender        string    `json:"sender"`
	Subject       string    `json:"subject"`
	ReceivedAt    time.Time `json:"received_at"`
	Classified    bool      `json:"classified"`
	PriorityScore int       `json:"priority_score,omitempty"`
	Urgency       string    `json:"urgency_level,omitempty"`
	Importance    string    `json:"importance_level,omitempty"`
}

// Job is a unit of background work.
type Job struct {
	ID          string
	Type        string
	PayloadJSON string
	Status      string // "pending", "running", "completed", "failed"
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}

// SenderCount is one row of the top-senders statistic.
type SenderCount struct {
	Sender string `json:"sender"`
	Count  int    `json:"count"`
}

// Stats summarizes the corpus.
type Stats struct {
	Emails         int            `json:"emails"`
	Classified     int            `json:"classified"`
	Indexed        int            `json:"indexed"`
	HistoryEntries int            `json:"history_entries"`
	ByPriority     map[int]int    `json:"by_priority"`
	ByUrgency      map[string]int `json:"by_urgency"`
	ByImportance   map[string]int `json:"by_importance"`
	BySource       map[string]int `json:"by_source"`
	TopSenders     []SenderCount  `json:"top_senders"`
	Oldest         time.Time      `json:"oldest,omitzero"`
	Newest         time.Time      `json:"newest,omitzero"`
}
