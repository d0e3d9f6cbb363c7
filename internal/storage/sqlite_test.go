package storage

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/kalambet/inboxrank/internal/email"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var baseTime = time.Date(2025, 6, 10, 12, 0, 0, 0, time.UTC)

func seedEmail(t *testing.T, s *Store, id, sender, subject string, received time.Time) email.Email {
	t.Helper()
	e := email.Email{
		ID:         id,
		Sender:     sender,
		Recipients: []string{"me@corp.com"},
		Subject:    subject,
		Body:       "body of " + id,
		ReceivedAt: received,
	}
	if _, err := s.InsertEmail(context.Background(), e); err != nil {
		t.Fatalf("InsertEmail(%s): %v", id, err)
	}
	return e
}

func putClassification(t *testing.T, s *Store, c Classification) {
	t.Helper()
	err := s.WithTx(context.Background(), func(tx *Tx) error {
		return tx.PutClassification(context.Background(), c)
	})
	if err != nil {
		t.Fatalf("PutClassification(%s): %v", c.EmailID, err)
	}
}

// TestMigrationsIdempotent opens the same database twice and verifies no
// migration is applied a second time.
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()
	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}

	if !reflect.DeepEqual(v1, v2) {
		t.Errorf("migrations changed: %v -> %v", v1, v2)
	}
	if len(v1) != 2 {
		t.Errorf("applied %d migrations, want 2", len(v1))
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{
		"idx_emails_received", "idx_emails_sender", "idx_classifications_priority",
		"idx_history_email", "idx_email_tags_tag", "idx_jobs_status_run_after", "idx_search_postings_email",
	}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found", idx)
		}
	}
}

func TestInsertEmail_Immutable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	e := seedEmail(t, s, "m1", "Alice <Alice@Corp.com>", "Original", baseTime.Add(500*time.Millisecond))

	dup := e
	dup.Subject = "Changed"
	inserted, err := s.InsertEmail(ctx, dup)
	if err != nil {
		t.Fatalf("InsertEmail dup: %v", err)
	}
	if inserted {
		t.Error("duplicate insert reported as inserted")
	}

	got, err := s.GetEmail(ctx, "m1")
	if err != nil {
		t.Fatalf("GetEmail: %v", err)
	}
	if got.Subject != "Original" {
		t.Errorf("Subject = %q, want Original", got.Subject)
	}
	if !got.ReceivedAt.Equal(baseTime) {
		t.Errorf("ReceivedAt = %v, want %v (second precision)", got.ReceivedAt, baseTime)
	}
	if !reflect.DeepEqual(got.Recipients, []string{"me@corp.com"}) {
		t.Errorf("Recipients = %v", got.Recipients)
	}

	if _, err := s.GetEmail(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetEmail(missing) = %v, want ErrNotFound", err)
	}
}

func TestListEmailsPaging(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for _, id := range []string{"c", "a", "b", "d"} {
		seedEmail(t, s, id, "x@y.z", id, baseTime)
	}

	var seen []string
	after := ""
	for {
		page, err := s.ListEmails(ctx, after, 3)
		if err != nil {
			t.Fatalf("ListEmails: %v", err)
		}
		if len(page) == 0 {
			break
		}
		for _, e := range page {
			seen = append(seen, e.ID)
		}
		after = page[len(page)-1].ID
	}
	if !reflect.DeepEqual(seen, []string{"a", "b", "c", "d"}) {
		t.Errorf("paged ids = %v", seen)
	}
}

func TestClassificationRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEmail(t, s, "m1", "a@b.c", "hi", baseTime)

	want := Classification{
		EmailID: "m1", PriorityScore: 4, Urgency: "high", Importance: "medium",
		Confidence: 0.5, Source: "rule_only", MatchedRuleIDs: []string{"b", "a"},
		Reason: "initial", ClassifiedAt: baseTime,
	}
	putClassification(t, s, want)

	got, err := s.GetClassification(ctx, "m1")
	if err != nil {
		t.Fatalf("GetClassification: %v", err)
	}
	want.MatchedRuleIDs = []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %+v\nwant %+v", got, want)
	}

	if ids, _ := s.UnclassifiedEmailIDs(ctx); len(ids) != 0 {
		t.Errorf("UnclassifiedEmailIDs = %v, want none", ids)
	}
}

func TestClassificationConstraints(t *testing.T) {
	s := openTestStore(t)
	seedEmail(t, s, "m1", "a@b.c", "hi", baseTime)

	bad := []Classification{
		{EmailID: "m1", PriorityScore: 6, Urgency: "high", Importance: "low", Confidence: 0.5, Source: "rule_only"},
		{EmailID: "m1", PriorityScore: 3, Urgency: "urgent", Importance: "low", Confidence: 0.5, Source: "rule_only"},
		{EmailID: "m1", PriorityScore: 3, Urgency: "high", Importance: "low", Confidence: 1.5, Source: "rule_only"},
		{EmailID: "m1", PriorityScore: 3, Urgency: "high", Importance: "low", Confidence: 0.5, Source: "ai_only"},
		{EmailID: "ghost", PriorityScore: 3, Urgency: "high", Importance: "low", Confidence: 0.5, Source: "rule_only"},
	}
	for i, c := range bad {
		err := s.WithTx(context.Background(), func(tx *Tx) error {
			return tx.PutClassification(context.Background(), c)
		})
		if err == nil {
			t.Errorf("case %d: PutClassification(%+v) succeeded, want constraint error", i, c)
		}
	}
}

func TestHistoryIsAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEmail(t, s, "m1", "a@b.c", "hi", baseTime)

	prior := Classification{EmailID: "m1", PriorityScore: 2, Urgency: "low", Importance: "low", Confidence: 0.5, Source: "rule_only"}
	err := s.WithTx(ctx, func(tx *Tx) error {
		if err := tx.AppendHistory(ctx, HistoryEntry{ID: "h1", EmailID: "m1", Prior: prior, Reason: "reclassify", RecordedAt: baseTime}); err != nil {
			return err
		}
		return tx.AppendHistory(ctx, HistoryEntry{ID: "h2", EmailID: "m1", Prior: prior, Reason: "ai_update", RecordedAt: baseTime.Add(time.Minute)})
	})
	if err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	if _, err := s.db.Exec(`UPDATE classification_history SET reason = 'tampered'`); err == nil {
		t.Error("UPDATE on history succeeded, want trigger abort")
	}
	if _, err := s.db.Exec(`DELETE FROM classification_history`); err == nil {
		t.Error("DELETE on history succeeded, want trigger abort")
	}

	hist, err := s.ListHistory(ctx, "m1")
	if err != nil {
		t.Fatalf("ListHistory: %v", err)
	}
	if len(hist) != 2 || hist[0].ID != "h1" || hist[1].Reason != "ai_update" {
		t.Fatalf("history = %+v", hist)
	}
	if hist[0].Prior.PriorityScore != 2 {
		t.Errorf("prior snapshot = %+v", hist[0].Prior)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEmail(t, s, "m1", "a@b.c", "hi", baseTime)

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Tx) error {
		c := Classification{EmailID: "m1", PriorityScore: 3, Urgency: "medium", Importance: "low", Confidence: 0.5, Source: "rule_only"}
		if err := tx.PutClassification(ctx, c); err != nil {
			return err
		}
		if err := tx.SetTags(ctx, "m1", []string{"x"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithTx = %v, want boom", err)
	}

	if _, err := s.GetClassification(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("classification visible after rollback: %v", err)
	}
	if tags, _ := s.Tags(ctx, "m1"); len(tags) != 0 {
		t.Errorf("tags visible after rollback: %v", tags)
	}
}

func TestFilterEmails(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	seedEmail(t, s, "old", "张三 <zhangsan@corp.cn>", "old", baseTime.Add(-72*time.Hour))
	seedEmail(t, s, "y1", "张三 <zhangsan@corp.cn>", "yesterday urgent", baseTime.Add(-20*time.Hour))
	seedEmail(t, s, "y2", "Li Si <lisi@corp.cn>", "yesterday other", baseTime.Add(-19*time.Hour))
	seedEmail(t, s, "new", "张三 <zhangsan@corp.cn>", "unclassified", baseTime)

	putClassification(t, s, Classification{EmailID: "old", PriorityScore: 2, Urgency: "low", Importance: "low", Confidence: 0.5, Source: "rule_only"})
	putClassification(t, s, Classification{EmailID: "y1", PriorityScore: 4, Urgency: "high", Importance: "medium", Confidence: 0.5, Source: "rule_only"})
	putClassification(t, s, Classification{EmailID: "y2", PriorityScore: 5, Urgency: "critical", Importance: "critical", Confidence: 0.9, Source: "rule_plus_ai"})
	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.SetTags(ctx, "y1", []string{"ops", "finance"}) }); err != nil {
		t.Fatal(err)
	}

	ids := func(cs []Candidate) []string {
		var out []string
		for _, c := range cs {
			out = append(out, c.EmailID)
		}
		return out
	}

	tests := []struct {
		name string
		f    Filter
		want []string
	}{
		{"all newest first", Filter{}, []string{"new", "y2", "y1", "old"}},
		{"time range", Filter{Since: baseTime.Add(-24 * time.Hour), Until: baseTime}, []string{"y2", "y1"}},
		{"sender name", Filter{Senders: []string{"张三"}}, []string{"new", "y1", "old"}},
		{"sender address case-insensitive", Filter{Senders: []string{"LISI@"}}, []string{"y2"}},
		{"urgency excludes unclassified", Filter{Urgency: []string{"high", "critical"}}, []string{"y2", "y1"}},
		{"scenario C shape", Filter{Since: baseTime.Add(-24 * time.Hour), Until: baseTime, Senders: []string{"张三"}, Urgency: []string{"high", "critical"}}, []string{"y1"}},
		{"min score", Filter{MinScore: 5}, []string{"y2"}},
		{"max score", Filter{MaxScore: 2}, []string{"old"}},
		{"importance", Filter{Importance: []string{"critical"}}, []string{"y2"}},
		{"tags all required", Filter{Tags: []string{"ops", "finance"}}, []string{"y1"}},
		{"missing tag", Filter{Tags: []string{"ops", "legal"}}, nil},
		{"limit", Filter{Limit: 1}, []string{"new"}},
		{"ids", Filter{IDs: []string{"old", "y2"}}, []string{"y2", "old"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.FilterEmails(ctx, tt.f)
			if err != nil {
				t.Fatalf("FilterEmails: %v", err)
			}
			if !reflect.DeepEqual(ids(got), tt.want) {
				t.Errorf("ids = %v, want %v", ids(got), tt.want)
			}
		})
	}

	got, _ := s.FilterEmails(ctx, Filter{Senders: []string{"lisi"}})
	if len(got) != 1 || !got[0].Classified || got[0].PriorityScore != 5 || got[0].Urgency != "critical" {
		t.Errorf("candidate = %+v", got)
	}
}

func TestSearchDocLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEmail(t, s, "m1", "a@b.c", "hi", baseTime)
	putClassification(t, s, Classification{EmailID: "m1", PriorityScore: 2, Urgency: "low", Importance: "low", Confidence: 0.5, Source: "rule_only"})

	hashes, err := s.SearchDocHashes(ctx)
	if err != nil || len(hashes) != 0 {
		t.Fatalf("SearchDocHashes before indexing = %v, %v", hashes, err)
	}

	put := func(postings ...Posting) {
		t.Helper()
		err := s.WithTx(ctx, func(tx *Tx) error {
			return tx.PutSearchDoc(ctx, SearchDoc{EmailID: "m1", ReceivedAt: baseTime, Hash: "h"}, postings)
		})
		if err != nil {
			t.Fatalf("PutSearchDoc: %v", err)
		}
	}
	put(Posting{Term: "hello", Field: "subject", TF: 1}, Posting{Term: "项目", Field: "body", TF: 2})
	put(Posting{Term: "hello", Field: "subject", TF: 3})

	all, err := s.AllPostings(ctx)
	if err != nil {
		t.Fatalf("AllPostings: %v", err)
	}
	want := []Posting{{Term: "hello", EmailID: "m1", Field: "subject", TF: 3}}
	if !reflect.DeepEqual(all, want) {
		t.Errorf("postings after replace = %+v", all)
	}

	hits, err := s.PostingsForTerms(ctx, []string{"hello", "nothing"})
	if err != nil || len(hits) != 1 || !hits[0].ReceivedAt.Equal(baseTime) {
		t.Errorf("PostingsForTerms = %+v, %v", hits, err)
	}

	if hashes, _ := s.SearchDocHashes(ctx); hashes["m1"] != "h" {
		t.Errorf("SearchDocHashes = %v, want m1 -> h", hashes)
	}

	if err := s.WithTx(ctx, func(tx *Tx) error { return tx.DeleteSearchDoc(ctx, "m1") }); err != nil {
		t.Fatalf("DeleteSearchDoc: %v", err)
	}
	if _, err := s.GetSearchDoc(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSearchDoc after delete = %v", err)
	}
}

func TestStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedEmail(t, s, "m1", "a@b.c", "1", baseTime.Add(-time.Hour))
	seedEmail(t, s, "m2", "A <a@b.c>", "2", baseTime)
	seedEmail(t, s, "m3", "z@y.x", "3", baseTime.Add(-48*time.Hour))
	putClassification(t, s, Classification{EmailID: "m1", PriorityScore: 4, Urgency: "high", Importance: "low", Confidence: 0.5, Source: "rule_only"})
	putClassification(t, s, Classification{EmailID: "m2", PriorityScore: 4, Urgency: "high", Importance: "critical", Confidence: 0.7, Source: "rule_plus_ai"})

	st, err := s.Stats(ctx, 5)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Emails != 3 || st.Classified != 2 {
		t.Errorf("Emails=%d Classified=%d", st.Emails, st.Classified)
	}
	if st.ByPriority[4] != 2 || st.ByUrgency["high"] != 2 || st.BySource["rule_plus_ai"] != 1 {
		t.Errorf("groupings = %+v", st)
	}
	if len(st.TopSenders) != 2 || st.TopSenders[0] != (SenderCount{Sender: "a@b.c", Count: 2}) {
		t.Errorf("TopSenders = %+v", st.TopSenders)
	}
	if !st.Oldest.Equal(baseTime.Add(-48*time.Hour)) || !st.Newest.Equal(baseTime) {
		t.Errorf("Oldest=%v Newest=%v", st.Oldest, st.Newest)
	}
}
