package query

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/kalambet/inboxrank/internal/metrics"
	"github.com/kalambet/inboxrank/internal/search"
	"github.com/kalambet/inboxrank/internal/storage"
)

// DefaultLimit caps results when the caller passes no limit.
const DefaultLimit = 50

// Result is one ranked answer.
type Result struct {
	EmailID       string    `json:"email_id"`
	Score         float64   `json:"score"`
	MatchedFields []string  `json:"matched_fields"`
	Sender        string    `json:"sender"`
	Subject       string    `json:"subject"`
	ReceivedAt    time.Time `json:"received_at"`
	Classified    bool      `json:"classified"`
	PriorityScore int       `json:"priority_score,omitempty"`
	Urgency       string    `json:"urgency_level,omitempty"`
	Importance    string    `json:"importance_level,omitempty"`
	Snippet       string    `json:"snippet,omitempty"`
}

// Response is a translated query and its results.
type Response struct {
	Query   string        `json:"query"`
	Filter  Filter        `json:"filter"`
	Mode    string        `json:"mode"`
	Results []Result      `json:"results"`
	Elapsed time.Duration `json:"elapsed_ns"`
}

// Executor runs filters against the store and the search index.
type Executor struct {
	store        *storage.Store
	index        *search.Index
	translator   *Translator
	defaultLimit int
	now          func() time.Time
}

// NewExecutor returns an Executor. A non-positive defaultLimit uses DefaultLimit.
func NewExecutor(store *storage.Store, index *search.Index, tr *Translator, defaultLimit int) *Executor {
	if defaultLimit <= 0 {
		defaultLimit = DefaultLimit
	}
	if tr == nil {
		tr = NewTranslator()
	}
	return &Executor{store: store, index: index, translator: tr, defaultLimit: defaultLimit, now: tr.now}
}

// Translator returns the translator used by Query.
func (x *Executor) Translator() *Translator { return x.translator }

// Query translates text and executes it.
func (x *Executor) Query(ctx context.Context, text string, limit int) (Response, error) {
	start := time.Now()
	f := x.translator.Translate(text)
	results, err := x.Execute(ctx, f, limit)
	if err != nil {
		return Response{}, err
	}
	elapsed := time.Since(start)
	metrics.RecordQuery(f.Mode(), elapsed)
	return Response{Query: text, Filter: f, Mode: f.Mode(), Results: results, Elapsed: elapsed}, nil
}

// Execute applies the structured slots in SQL, scores the residue with the
// search index, and returns the intersection ranked by score, then
// received_at descending, then id.
func (x *Executor) Execute(ctx context.Context, f Filter, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = x.defaultLimit
	}
	terms := search.QueryTerms(f.Residue...)
	now := x.now()

	if len(terms) == 0 {
		sf := f.Storage()
		sf.Limit = limit
		cands, err := x.store.FilterEmails(ctx, sf)
		if err != nil {
			return nil, fmt.Errorf("filtering emails: %w", err)
		}
		out := make([]Result, len(cands))
		for i, c := range cands {
			out[i] = fromCandidate(c)
			out[i].Score = x.index.RecencyBoost(c.ReceivedAt, now)
		}
		return out, nil
	}

	opts := search.SearchOptions{Limit: limit}
	if f.Structured() {
		cands, err := x.store.FilterEmails(ctx, f.Storage())
		if err != nil {
			return nil, fmt.Errorf("filtering emails: %w", err)
		}
		if len(cands) == 0 {
			return []Result{}, nil
		}
		opts.Restrict = make(map[string]bool, len(cands))
		for _, c := range cands {
			opts.Restrict[c.EmailID] = true
		}
	}

	hits, err := x.index.Search(ctx, terms, opts)
	if err != nil {
		return nil, fmt.Errorf("searching index: %w", err)
	}
	if len(hits) == 0 {
		return []Result{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.EmailID
	}
	cands, err := x.store.FilterEmails(ctx, storage.Filter{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("loading hit metadata: %w", err)
	}
	byID := make(map[string]storage.Candidate, len(cands))
	for _, c := range cands {
		byID[c.EmailID] = c
	}

	out := make([]Result, 0, len(hits))
	for _, h := range hits {
		c, ok := byID[h.EmailID]
		if !ok {
			continue
		}
		r := fromCandidate(c)
		r.Score = h.Score
		r.MatchedFields = h.MatchedFields
		if e, err := x.store.GetEmail(ctx, h.EmailID); err == nil {
			r.Snippet = search.Snippet(e.Body, terms, 160)
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		if !out[i].ReceivedAt.Equal(out[j].ReceivedAt) {
			return out[i].ReceivedAt.After(out[j].ReceivedAt)
		}
		return out[i].EmailID < out[j].EmailID
	})
	return out, nil
}

func fromCandidate(c storage.Candidate) Result {
	return Result{
		EmailID:       c.EmailID,
		MatchedFields: []string{},
		Sender:        c.Sender,
		Subject:       c.Subject,
		ReceivedAt:    c.ReceivedAt,
		Classified:    c.Classified,
		PriorityScore: c.PriorityScore,
		Urgency:       c.Urgency,
		Importance:    c.Importance,
	}
}
