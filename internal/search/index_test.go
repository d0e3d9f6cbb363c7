package search

import (
	"context"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/storage"
)

var now = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func newTestIndex(t *testing.T) (*storage.Store, *Index) {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, New(s, DefaultWeights, WithClock(func() time.Time { return now }))
}

// addClassified stores e with a classification and indexes it in the same
// transaction, the way the classifier commits.
func addClassified(t *testing.T, s *storage.Store, ix *Index, e email.Email) {
	t.Helper()
	ctx := context.Background()
	if _, err := s.InsertEmail(ctx, e); err != nil {
		t.Fatalf("InsertEmail(%s): %v", e.ID, err)
	}
	err := s.WithTx(ctx, func(tx *storage.Tx) error {
		if err := tx.PutClassification(ctx, storage.Classification{
			EmailID: e.ID, PriorityScore: 3, Urgency: "medium", Importance: "medium",
			Confidence: 0.5, Source: "rule_only", ClassifiedAt: now,
		}); err != nil {
			return err
		}
		return ix.IndexTx(ctx, tx, e)
	})
	if err != nil {
		t.Fatalf("classify+index %s: %v", e.ID, err)
	}
}

func msg(id, sender, subject, body string, age time.Duration) email.Email {
	return email.Email{
		ID: id, Sender: sender, Recipients: []string{"me@corp.com"},
		Subject: subject, Body: body, ReceivedAt: now.Add(-age),
	}
}

func hitIDs(hits []Hit) []string {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.EmailID
	}
	return ids
}

func TestSearch_SubjectOutranksBody(t *testing.T) {
	s, ix := newTestIndex(t)
	addClassified(t, s, ix, msg("body", "a@x.com", "weekly sync", "the budget is attached", time.Hour))
	addClassified(t, s, ix, msg("subj", "b@x.com", "budget review", "see attached", time.Hour))
	addClassified(t, s, ix, msg("none", "c@x.com", "lunch", "tacos", time.Hour))

	hits, err := ix.Search(context.Background(), Tokenize("budget"), SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got, want := hitIDs(hits), []string{"subj", "body"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if !reflect.DeepEqual(hits[0].MatchedFields, []string{"subject"}) {
		t.Errorf("MatchedFields = %v, want [subject]", hits[0].MatchedFields)
	}
}

func TestSearch_RecencyBreaksContentTie(t *testing.T) {
	s, ix := newTestIndex(t)
	addClassified(t, s, ix, msg("old", "a@x.com", "notes", "project update", 30*24*time.Hour))
	addClassified(t, s, ix, msg("new", "a@x.com", "notes", "project update", time.Hour))

	hits, err := ix.Search(context.Background(), Tokenize("project update"), SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got, want := hitIDs(hits), []string{"new", "old"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("order = %v, want %v", got, want)
	}
	if hits[0].Score <= hits[1].Score {
		t.Errorf("newer score %v should exceed older %v", hits[0].Score, hits[1].Score)
	}
}

func TestSearch_ChineseSubstring(t *testing.T) {
	s, ix := newTestIndex(t)
	addClassified(t, s, ix, msg("zh", "张三 <zhang@corp.com>", "报告", "第三季度预算报告已发送", time.Hour))
	addClassified(t, s, ix, msg("en", "a@x.com", "report", "budget attached", time.Hour))

	hits, err := ix.Search(context.Background(), Tokenize("预算"), SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got := hitIDs(hits); !reflect.DeepEqual(got, []string{"zh"}) {
		t.Fatalf("hits = %v, want [zh]", got)
	}

	hits, err = ix.Search(context.Background(), Tokenize("张三"), SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hits) != 1 || !reflect.DeepEqual(hits[0].MatchedFields, []string{"sender"}) {
		t.Fatalf("sender hit = %+v", hits)
	}
}

func TestSearch_LimitAndRestrict(t *testing.T) {
	s, ix := newTestIndex(t)
	for i, id := range []string{"e1", "e2", "e3", "e4"} {
		addClassified(t, s, ix, msg(id, "a@x.com", "status", "status report", time.Duration(i+1)*time.Hour))
	}
	ctx := context.Background()

	hits, err := ix.Search(ctx, Tokenize("status"), SearchOptions{Limit: 2})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got, want := hitIDs(hits), []string{"e1", "e2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("limited = %v, want %v", got, want)
	}

	hits, err = ix.Search(ctx, Tokenize("status"), SearchOptions{Restrict: map[string]bool{"e3": true, "e4": true}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if got, want := hitIDs(hits), []string{"e3", "e4"}; !reflect.DeepEqual(got, want) {
		t.Errorf("restricted = %v, want %v", got, want)
	}
}

func TestSearch_NoTerms(t *testing.T) {
	_, ix := newTestIndex(t)
	hits, err := ix.Search(context.Background(), nil, SearchOptions{})
	if err != nil || hits != nil {
		t.Fatalf("Search(nil) = %v, %v", hits, err)
	}
}

// TestRebuildMatchesIncremental applies a sequence of index, re-index and
// remove operations and checks that a full rebuild reproduces the same
// postings and scores.
func TestRebuildMatchesIncremental(t *testing.T) {
	s, ix := newTestIndex(t)
	ctx := context.Background()

	emails := []email.Email{
		msg("a", "boss@corp.com", "Promotion review", "please prepare the evaluation", 2*time.Hour),
		msg("b", "张三 <zhang@corp.com>", "紧急：预算审批", "请今天完成预算审批", 20*time.Hour),
		msg("c", "news@list.com", "Weekly digest", "project update notes and more notes", 72*time.Hour),
		msg("d", "hr@corp.com", "Benefits registration", "registration closes friday", 200*time.Hour),
	}
	for _, e := range emails {
		addClassified(t, s, ix, e)
	}
	// Re-indexing is idempotent; removal drops the doc, re-adding restores it.
	if err := ix.Index(ctx, emails[0]); err != nil {
		t.Fatalf("Index: %v", err)
	}
	if err := ix.Remove(ctx, "c"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if err := ix.Index(ctx, emails[2]); err != nil {
		t.Fatalf("Index: %v", err)
	}

	query := QueryTerms("notes promotion 预算 registration")
	before, err := ix.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	hitsBefore, err := ix.Search(ctx, query, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}

	n, err := ix.Rebuild(ctx)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if n != len(emails) {
		t.Errorf("Rebuild indexed %d, want %d", n, len(emails))
	}

	after, err := ix.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if !reflect.DeepEqual(before, after) {
		t.Fatalf("snapshot changed after rebuild:\nbefore %+v\nafter  %+v", before, after)
	}
	hitsAfter, err := ix.Search(ctx, query, SearchOptions{})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(hitsBefore) != len(hitsAfter) {
		t.Fatalf("hit count %d -> %d", len(hitsBefore), len(hitsAfter))
	}
	for i := range hitsBefore {
		if hitsBefore[i].EmailID != hitsAfter[i].EmailID ||
			math.Abs(hitsBefore[i].Score-hitsAfter[i].Score) > 1e-9 {
			t.Errorf("hit %d: %+v -> %+v", i, hitsBefore[i], hitsAfter[i])
		}
	}
}

func TestVerifyAndRepair(t *testing.T) {
	s, ix := newTestIndex(t)
	ctx := context.Background()

	addClassified(t, s, ix, msg("ok", "a@x.com", "fine", "indexed", time.Hour))
	addClassified(t, s, ix, msg("gone", "a@x.com", "lost", "doc removed behind our back", time.Hour))
	if err := ix.Remove(ctx, "gone"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	// A document for an email that was never classified.
	stray := msg("stray", "a@x.com", "stray", "no classification", time.Hour)
	if _, err := s.InsertEmail(ctx, stray); err != nil {
		t.Fatalf("InsertEmail: %v", err)
	}
	if err := ix.Index(ctx, stray); err != nil {
		t.Fatalf("Index: %v", err)
	}

	r, err := ix.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !reflect.DeepEqual(r.Missing, []string{"gone"}) || !reflect.DeepEqual(r.Orphaned, []string{"stray"}) || len(r.Stale) != 0 {
		t.Fatalf("report = %+v", r)
	}

	if _, err := ix.VerifyAndRepair(ctx); err != nil {
		t.Fatalf("VerifyAndRepair: %v", err)
	}
	r, err = ix.Verify(ctx)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if !r.Consistent() {
		t.Errorf("still inconsistent after repair: %+v", r)
	}
	if _, err := s.GetSearchDoc(ctx, "gone"); err != nil {
		t.Errorf("GetSearchDoc(gone) after repair: %v", err)
	}
}

func TestSuggest(t *testing.T) {
	s, ix := newTestIndex(t)
	addClassified(t, s, ix, msg("a", "a@x.com", "budget budgeting", "budget", time.Hour))

	got, err := ix.Suggest(context.Background(), "BUDG", 5)
	if err != nil {
		t.Fatalf("Suggest: %v", err)
	}
	if want := []string{"budget", "budgeting"}; !reflect.DeepEqual(got, want) {
		t.Errorf("Suggest = %v, want %v", got, want)
	}
}

func TestDocumentHashChangesWithContent(t *testing.T) {
	a := BuildDocument(msg("x", "a@x.com", "s", "one", time.Hour))
	b := BuildDocument(msg("x", "a@x.com", "s", "two", time.Hour))
	if a.Hash() == b.Hash() {
		t.Error("different bodies produced the same hash")
	}
	if a.Hash() != BuildDocument(msg("x", "a@x.com", "s", "one", time.Hour)).Hash() {
		t.Error("hash is not deterministic")
	}
}
