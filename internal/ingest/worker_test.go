package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/search"
	"github.com/kalambet/inboxrank/internal/storage"
)

type mockClassifier struct {
	mu         sync.Mutex
	ids        []string
	classifyFn func(ctx context.Context, id string) (classify.Result, error)
}

func (m *mockClassifier) ClassifyID(ctx context.Context, id, _ string) (classify.Result, error) {
	m.mu.Lock()
	m.ids = append(m.ids, id)
	m.mu.Unlock()
	if m.classifyFn != nil {
		return m.classifyFn(ctx, id)
	}
	return classify.Result{Created: true}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testEmail(id string) email.Email {
	return email.Email{
		ID:         id,
		Sender:     "alice@corp.com",
		Recipients: []string{"me@corp.com"},
		Subject:    "Quarterly evaluation",
		Body:       "Please complete your evaluation form.",
		ReceivedAt: time.Now().Add(-time.Hour).UTC(),
	}
}

func TestSubmit_StoresAndQueues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	sub, err := Submit(ctx, store, testEmail("m1"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Duplicate || sub.JobID == "" {
		t.Fatalf("submission = %+v", sub)
	}

	again, err := Submit(ctx, store, testEmail("m1"))
	if err != nil {
		t.Fatalf("Submit duplicate: %v", err)
	}
	if !again.Duplicate || again.JobID != "" {
		t.Errorf("duplicate submission = %+v", again)
	}

	counts, err := store.JobCounts(ctx)
	if err != nil {
		t.Fatalf("JobCounts: %v", err)
	}
	if counts["pending"] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts["pending"])
	}
}

func TestSubmit_RejectsInvalid(t *testing.T) {
	store := openTestStore(t)
	e := testEmail("")
	if _, err := Submit(context.Background(), store, e); err == nil {
		t.Fatal("expected validation error for empty id")
	}
}

// failingCommitStore runs the callback and then fails the transaction.
type failingCommitStore struct{ *storage.Store }

func (s failingCommitStore) WithTx(ctx context.Context, fn func(tx *storage.Tx) error) error {
	return s.Store.WithTx(ctx, func(tx *storage.Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return errors.New("disk full")
	})
}

func TestSubmit_EmailAndJobCommitTogether(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := Submit(ctx, failingCommitStore{store}, testEmail("m1")); err == nil {
		t.Fatal("expected error from failed commit")
	}
	if _, err := store.GetEmail(ctx, "m1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetEmail after rollback: err = %v, want ErrNotFound", err)
	}
	counts, _ := store.JobCounts(ctx)
	if counts["pending"] != 0 {
		t.Errorf("pending jobs = %d, want 0", counts["pending"])
	}
}

func TestQueueBacklog(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	if _, err := store.InsertEmail(ctx, testEmail("offline")); err != nil {
		t.Fatalf("InsertEmail: %v", err)
	}
	if _, err := Submit(ctx, store, testEmail("queued")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	n, err := QueueBacklog(ctx, store)
	if err != nil {
		t.Fatalf("QueueBacklog: %v", err)
	}
	if n != 1 {
		t.Errorf("queued %d, want 1", n)
	}
	if n, _ := QueueBacklog(ctx, store); n != 0 {
		t.Errorf("second QueueBacklog queued %d, want 0", n)
	}

	cl := &mockClassifier{}
	w := NewWorker(store, cl, 0)
	for i := 0; i < 2; i++ {
		if _, err := w.RunOnce(ctx); err != nil {
			t.Fatalf("RunOnce: %v", err)
		}
	}
	if len(cl.ids) != 2 {
		t.Errorf("classified ids = %v, want offline and queued", cl.ids)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := Submit(ctx, store, testEmail("m1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cl := &mockClassifier{}
	w := NewWorker(store, cl, 0)

	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}
	if len(cl.ids) != 1 || cl.ids[0] != "m1" {
		t.Errorf("classified ids = %v, want [m1]", cl.ids)
	}

	counts, _ := store.JobCounts(ctx)
	if counts["completed"] != 1 {
		t.Errorf("job counts = %v, want one completed", counts)
	}

	didWork, err = w.RunOnce(ctx)
	if err != nil || didWork {
		t.Errorf("empty queue: RunOnce = %v, %v", didWork, err)
	}
}

func TestWorker_FailureIsRetriedLater(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if _, err := Submit(ctx, store, testEmail("m1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cl := &mockClassifier{classifyFn: func(context.Context, string) (classify.Result, error) {
		return classify.Result{}, errors.New("database is locked")
	}}
	w := NewWorker(store, cl, 0)

	didWork, err := w.RunOnce(ctx)
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false")
	}

	counts, _ := store.JobCounts(ctx)
	if counts["pending"] != 1 {
		t.Errorf("job counts = %v, want the job back in pending", counts)
	}
	// Backoff keeps it from being claimed immediately.
	didWork, err = w.RunOnce(ctx)
	if err != nil || didWork {
		t.Errorf("RunOnce during backoff = %v, %v", didWork, err)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	if err := store.EnqueueJob(ctx, storage.Job{ID: "j1", Type: JobTypeClassify, PayloadJSON: "{", MaxAttempts: 1}); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockClassifier{}, 0)
	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	counts, _ := store.JobCounts(ctx)
	if counts["failed"] != 1 {
		t.Errorf("job counts = %v, want one failed", counts)
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockClassifier{}, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

// TestWorker_EndToEnd runs a real classifier so the queued email ends up
// classified and searchable.
func TestWorker_EndToEnd(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	ix := search.New(store, search.DefaultWeights)
	cl := classify.New(classify.Config{Store: store, Index: ix, Rules: rules.Compile(rules.DefaultFile())})

	if _, err := Submit(ctx, store, testEmail("m1")); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := NewWorker(store, cl, 0).RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	rec, err := store.GetClassification(ctx, "m1")
	if err != nil {
		t.Fatalf("GetClassification: %v", err)
	}
	if rec.Importance != "critical" || rec.PriorityScore != 5 {
		t.Errorf("classification = %+v, want critical/5 from the evaluation keyword", rec)
	}
	hits, err := ix.Search(ctx, search.Tokenize("evaluation"), search.SearchOptions{})
	if err != nil || len(hits) != 1 {
		t.Errorf("search hits = %v, %v", hits, err)
	}
}
