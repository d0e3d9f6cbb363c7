package search

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/metrics"
	"github.com/kalambet/inboxrank/internal/storage"
)

// Weights configures ranking.
type Weights struct {
	Subject  float64
	Sender   float64
	Body     float64
	Recency  float64
	HalfLife time.Duration
}

// DefaultWeights ranks subject and sender hits above body hits.
var DefaultWeights = Weights{
	Subject:  3.0,
	Sender:   2.5,
	Body:     1.0,
	Recency:  0.25,
	HalfLife: 168 * time.Hour,
}

func (w Weights) field(f string) float64 {
	switch Field(f) {
	case FieldSubject:
		return w.Subject
	case FieldSender:
		return w.Sender
	case FieldBody:
		return w.Body
	}
	return 0
}

// Index is the persistent inverted index. Documents exist only for
// classified emails and are written in the same transaction as the
// classification they belong to.
type Index struct {
	store   *storage.Store
	weights Weights
	now     func() time.Time
	logger  *slog.Logger
}

// Option customizes an Index.
type Option func(*Index)

// WithClock sets the time source used for the recency boost.
func WithClock(now func() time.Time) Option {
	return func(ix *Index) { ix.now = now }
}

// WithLogger sets the logger used for repairs.
func WithLogger(l *slog.Logger) Option {
	return func(ix *Index) { ix.logger = l }
}

// New returns an Index over store. Zero weights fall back to DefaultWeights.
func New(store *storage.Store, w Weights, opts ...Option) *Index {
	if w.Subject == 0 && w.Sender == 0 && w.Body == 0 {
		w.Subject, w.Sender, w.Body = DefaultWeights.Subject, DefaultWeights.Sender, DefaultWeights.Body
	}
	if w.HalfLife <= 0 {
		w.HalfLife = DefaultWeights.HalfLife
	}
	ix := &Index{store: store, weights: w, now: time.Now, logger: slog.Default()}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Weights returns the effective ranking weights.
func (ix *Index) Weights() Weights { return ix.weights }

// IndexTx writes the document of e inside tx, replacing any previous one.
func (ix *Index) IndexTx(ctx context.Context, tx *storage.Tx, e email.Email) error {
	doc := BuildDocument(e)
	return tx.PutSearchDoc(ctx, storage.SearchDoc{
		EmailID:    doc.EmailID,
		ReceivedAt: doc.ReceivedAt,
		Hash:       doc.Hash(),
	}, doc.Postings())
}

// RemoveTx drops the document of emailID inside tx.
func (ix *Index) RemoveTx(ctx context.Context, tx *storage.Tx, emailID string) error {
	return tx.DeleteSearchDoc(ctx, emailID)
}

// Index writes the document of e in its own transaction.
func (ix *Index) Index(ctx context.Context, e email.Email) error {
	return ix.store.WithTx(ctx, func(tx *storage.Tx) error {
		return ix.IndexTx(ctx, tx, e)
	})
}

// Remove drops the document of emailID.
func (ix *Index) Remove(ctx context.Context, emailID string) error {
	return ix.store.WithTx(ctx, func(tx *storage.Tx) error {
		return ix.RemoveTx(ctx, tx, emailID)
	})
}

// Hit is one ranked search result.
type Hit struct {
	EmailID       string    `json:"email_id"`
	Score         float64   `json:"score"`
	MatchedFields []string  `json:"matched_fields"`
	ReceivedAt    time.Time `json:"received_at"`
}

// SearchOptions narrows a search.
type SearchOptions struct {
	// Limit caps the number of hits; 0 returns all.
	Limit int
	// Restrict, when non-nil, admits only these email ids.
	Restrict map[string]bool
}

type docScore struct {
	content    float64
	receivedAt time.Time
	fields     map[string]bool
}

// Search ranks documents containing any of terms. Terms are matched as
// given, so callers pass them through Tokenize or QueryTerms first. Hits
// are ordered by score, then received_at descending, then id.
func (ix *Index) Search(ctx context.Context, terms []string, opts SearchOptions) ([]Hit, error) {
	terms = dedupe(terms)
	if len(terms) == 0 {
		return nil, nil
	}
	postings, err := ix.store.PostingsForTerms(ctx, terms)
	if err != nil {
		return nil, err
	}

	docs := make(map[string]*docScore)
	for _, p := range postings {
		if opts.Restrict != nil && !opts.Restrict[p.EmailID] {
			continue
		}
		d, ok := docs[p.EmailID]
		if !ok {
			d = &docScore{receivedAt: p.ReceivedAt, fields: make(map[string]bool)}
			docs[p.EmailID] = d
		}
		d.content += ix.weights.field(p.Field) * (1 + math.Log(float64(p.TF)))
		d.fields[p.Field] = true
	}

	now := ix.now()
	norm := float64(len(terms))
	h := &hitHeap{}
	heap.Init(h)
	for id, d := range docs {
		hit := Hit{
			EmailID:       id,
			Score:         d.content/norm + ix.RecencyBoost(d.receivedAt, now),
			MatchedFields: sortedKeys(d.fields),
			ReceivedAt:    d.receivedAt,
		}
		if opts.Limit <= 0 || h.Len() < opts.Limit {
			heap.Push(h, hit)
		} else if worse((*h)[0], hit) {
			(*h)[0] = hit
			heap.Fix(h, 0)
		}
	}

	out := make([]Hit, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Hit)
	}
	return out, nil
}

// RecencyBoost is the additive score for a document received at t.
func (ix *Index) RecencyBoost(t, now time.Time) float64 {
	if ix.weights.Recency == 0 {
		return 0
	}
	age := now.Sub(t)
	if age < 0 {
		age = 0
	}
	return ix.weights.Recency * math.Pow(0.5, age.Hours()/ix.weights.HalfLife.Hours())
}

// Rebuild recomputes every document from the classified emails in one
// transaction and returns the number indexed.
func (ix *Index) Rebuild(ctx context.Context) (int, error) {
	const pageSize = 500
	n := 0
	err := ix.store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.ClearSearchIndex(ctx); err != nil {
			return err
		}
		after := ""
		for {
			page, err := tx.ListClassifiedEmails(ctx, after, pageSize)
			if err != nil {
				return fmt.Errorf("listing classified emails: %w", err)
			}
			for _, e := range page {
				if err := ix.IndexTx(ctx, tx, e); err != nil {
					return err
				}
				n++
			}
			if len(page) < pageSize {
				return nil
			}
			after = page[len(page)-1].ID
		}
	})
	if err != nil {
		return 0, fmt.Errorf("rebuilding index: %w", err)
	}
	return n, nil
}

// Report lists inconsistencies between the index and the store.
type Report struct {
	// Missing are classified emails without a document.
	Missing []string `json:"missing"`
	// Stale are documents whose hash no longer matches their email.
	Stale []string `json:"stale"`
	// Orphaned are documents for emails that are not classified.
	Orphaned []string `json:"orphaned"`
}

// IDs returns every id in r, sorted.
func (r Report) IDs() []string {
	ids := append(append(append([]string{}, r.Missing...), r.Stale...), r.Orphaned...)
	sort.Strings(ids)
	return ids
}

// Consistent reports whether r found nothing to repair.
func (r Report) Consistent() bool {
	return len(r.Missing) == 0 && len(r.Stale) == 0 && len(r.Orphaned) == 0
}

// Verify compares every document against a freshly built one.
func (ix *Index) Verify(ctx context.Context) (Report, error) {
	const pageSize = 500
	hashes, err := ix.store.SearchDocHashes(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("reading doc hashes: %w", err)
	}

	var r Report
	after := ""
	for {
		page, err := ix.store.ListClassifiedEmails(ctx, after, pageSize)
		if err != nil {
			return Report{}, fmt.Errorf("listing classified emails: %w", err)
		}
		for _, e := range page {
			h, ok := hashes[e.ID]
			delete(hashes, e.ID)
			switch {
			case !ok:
				r.Missing = append(r.Missing, e.ID)
			case h != BuildDocument(e).Hash():
				r.Stale = append(r.Stale, e.ID)
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	for id := range hashes {
		r.Orphaned = append(r.Orphaned, id)
	}
	sort.Strings(r.Orphaned)
	return r, nil
}

// Repair rebuilds the documents of ids, one transaction per id. Ids whose
// email is not classified lose their document.
func (ix *Index) Repair(ctx context.Context, ids []string) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := ix.store.WithTx(ctx, func(tx *storage.Tx) error {
			_, err := tx.GetClassification(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return ix.RemoveTx(ctx, tx, id)
			}
			if err != nil {
				return err
			}
			e, err := tx.GetEmail(ctx, id)
			if errors.Is(err, storage.ErrNotFound) {
				return ix.RemoveTx(ctx, tx, id)
			}
			if err != nil {
				return err
			}
			return ix.IndexTx(ctx, tx, e)
		})
		if err != nil {
			return fmt.Errorf("repairing %s: %w", id, err)
		}
		metrics.IndexRepairs.Inc()
		ix.logger.Warn("search document repaired", "email_id", id)
	}
	return nil
}

// VerifyAndRepair runs Verify and repairs whatever it finds.
func (ix *Index) VerifyAndRepair(ctx context.Context) (Report, error) {
	r, err := ix.Verify(ctx)
	if err != nil {
		return Report{}, err
	}
	if r.Consistent() {
		return r, nil
	}
	return r, ix.Repair(ctx, r.IDs())
}

// Snapshot is the full index contents in a stable order.
type Snapshot struct {
	Docs     map[string]string `json:"docs"`
	Postings []storage.Posting `json:"postings"`
}

// Snapshot reads the whole index.
func (ix *Index) Snapshot(ctx context.Context) (Snapshot, error) {
	docs, err := ix.store.SearchDocHashes(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	postings, err := ix.store.AllPostings(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{Docs: docs, Postings: postings}, nil
}

// Suggest returns indexed terms starting with the normalized prefix.
func (ix *Index) Suggest(ctx context.Context, prefix string, limit int) ([]string, error) {
	terms := Tokenize(prefix)
	if len(terms) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	found, err := ix.store.PrefixTerms(ctx, terms[len(terms)-1], limit+1)
	if err != nil {
		return nil, err
	}
	// Single CJK characters are indexed for matching, not worth suggesting.
	out := found[:0]
	for _, t := range found {
		if r := []rune(t); len(r) == 1 && email.IsCJK(r[0]) {
			continue
		}
		out = append(out, t)
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// worse reports whether a ranks below b.
func worse(a, b Hit) bool {
	if a.Score != b.Score {
		return a.Score < b.Score
	}
	if !a.ReceivedAt.Equal(b.ReceivedAt) {
		return a.ReceivedAt.Before(b.ReceivedAt)
	}
	return a.EmailID > b.EmailID
}

// hitHeap is a min-heap with the worst hit at the root.
type hitHeap []Hit

func (h hitHeap) Len() int            { return len(h) }
func (h hitHeap) Less(i, j int) bool  { return worse(h[i], h[j]) }
func (h hitHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *hitHeap) Push(x interface{}) { *h = append(*h, x.(Hit)) }
func (h *hitHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func dedupe(terms []string) []string {
	seen := make(map[string]bool, len(terms))
	out := terms[:0:0]
	for _, t := range terms {
		if t != "" && !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
