package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/query"
	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/search"
	"github.com/kalambet/inboxrank/internal/storage"
)

const testToken = "test-token-12345"

type testEnv struct {
	store      *storage.Store
	classifier *classify.Classifier
	index      *search.Index
	query      *query.Executor
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	f := rules.DefaultFile()
	f.Management = []rules.SenderSpec{{Pattern: "boss@corp.com"}}
	ix := search.New(store, search.DefaultWeights)
	return testEnv{
		store:      store,
		index:      ix,
		classifier: classify.New(classify.Config{Store: store, Index: ix, Rules: rules.Compile(f)}),
		query:      query.NewExecutor(store, ix, query.NewTranslator(), 0),
	}
}

func (env testEnv) handler(token string) http.Handler {
	return NewHandler(Deps{
		Store:      env.store,
		Classifier: env.classifier,
		Index:      env.index,
		Query:      env.query,
		Token:      token,
	})
}

// seed stores and classifies an email.
func (env testEnv) seed(t *testing.T, id, sender, subject, body string, age time.Duration) {
	t.Helper()
	e := email.Email{ID: id, Sender: sender, Subject: subject, Body: body, ReceivedAt: time.Now().Add(-age).UTC()}
	if _, err := env.store.InsertEmail(context.Background(), e); err != nil {
		t.Fatalf("InsertEmail: %v", err)
	}
	if _, err := env.classifier.Classify(context.Background(), e, classify.TriggerIngest); err != nil {
		t.Fatalf("Classify: %v", err)
	}
}

func authReq(method, url, body, token string) *http.Request {
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, url, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	return req
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decoding %s: %v", rr.Body.String(), err)
	}
	return v
}

func TestAuth_RejectsMissingToken(t *testing.T) {
	h := newTestEnv(t).handler(testToken)

	for _, token := range []string{"", "wrong"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", token))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("token %q: status = %d, want 401", token, rr.Code)
		}
	}
}

func TestAuth_EmptyTokenDisablesCheck(t *testing.T) {
	h := newTestEnv(t).handler("")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", ""))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rr.Code)
	}
}

func TestHealthAndMetrics_Unauthenticated(t *testing.T) {
	h := newTestEnv(t).handler(testToken)

	for _, path := range []string{"/health", "/metrics"} {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: status = %d, want 200", path, rr.Code)
		}
	}
}

func TestSubmitEmail_QueuesClassification(t *testing.T) {
	env := newTestEnv(t)
	h := env.handler(testToken)

	body := `{"id":"m1","sender":"boss@corp.com","subject":"Sync","body":"see you","received_at":"2025-06-09T08:00:00Z"}`
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/emails", body, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202; body = %s", rr.Code, rr.Body.String())
	}
	sub := decode[map[string]any](t, rr)
	if sub["email_id"] != "m1" || sub["job_id"] == "" {
		t.Errorf("submission = %v", sub)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/emails", body, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("duplicate status = %d, want 200", rr.Code)
	}
	if dup := decode[map[string]any](t, rr); dup["duplicate"] != true {
		t.Errorf("duplicate submission = %v", dup)
	}

	counts, _ := env.store.JobCounts(context.Background())
	if counts["pending"] != 1 {
		t.Errorf("pending jobs = %d, want 1", counts["pending"])
	}
}

func TestSubmitEmail_GeneratesIDAndRejectsInvalid(t *testing.T) {
	h := newTestEnv(t).handler(testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/emails", `{"sender":"a@b.com","subject":"hi"}`, testToken))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	if id, _ := decode[map[string]any](t, rr)["email_id"].(string); len(id) != 36 {
		t.Errorf("generated id = %q, want a uuid", id)
	}

	for _, body := range []string{`{"subject":"no sender"}`, `not json`} {
		rr = httptest.NewRecorder()
		h.ServeHTTP(rr, authReq(http.MethodPost, "/emails", body, testToken))
		if rr.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rr.Code)
		}
	}
}

func TestGetEmail(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "m1", "boss@corp.com", "Quarterly evaluation", "Fill the form", time.Hour)
	h := env.handler(testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/emails/m1", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	detail := decode[EmailDetail](t, rr)
	if detail.Email.ID != "m1" || detail.Classification == nil {
		t.Fatalf("detail = %+v", detail)
	}
	if detail.Classification.PriorityScore != 5 {
		t.Errorf("priority = %d, want 5", detail.Classification.PriorityScore)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/emails/missing", "", testToken))
	if rr.Code != http.StatusNotFound {
		t.Errorf("missing: status = %d, want 404", rr.Code)
	}
}

func TestClassifyAndHistory(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "m1", "someone@else.com", "Lunch", "Tacos?", time.Hour)
	h := env.handler(testToken)

	// Adding a keyword rule changes the record on reclassification.
	f := rules.DefaultFile()
	f.CriticalKeywords = append(f.CriticalKeywords, "tacos")
	env.classifier.SetRules(rules.Compile(f))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/classify", `{"ids":["m1","ghost"]}`, testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	report := decode[classify.BatchReport](t, rr)
	if report.Classified != 1 || len(report.Failed) != 1 || report.Failed[0].EmailID != "ghost" {
		t.Errorf("report = %+v", report)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/emails/m1/history", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("history status = %d", rr.Code)
	}
	entries := decode[[]storage.HistoryEntry](t, rr)
	if len(entries) != 1 || !strings.HasPrefix(entries[0].Reason, classify.TriggerManual) {
		t.Errorf("history = %+v", entries)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodPost, "/classify", `{}`, testToken))
	if rr.Code != http.StatusBadRequest {
		t.Errorf("empty classify request: status = %d, want 400", rr.Code)
	}
}

func TestQuery(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "m1", "boss@corp.com", "Budget review", "numbers attached", time.Hour)
	env.seed(t, "m2", "news@letter.com", "Weekly digest", "budget tips", 30*24*time.Hour)
	h := env.handler(testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/query?q=urgent+budget", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d; body = %s", rr.Code, rr.Body.String())
	}
	resp := decode[query.Response](t, rr)
	if resp.Mode != "mixed" {
		t.Errorf("mode = %q, want mixed", resp.Mode)
	}
	if len(resp.Results) != 1 || resp.Results[0].EmailID != "m1" {
		t.Errorf("results = %+v, want [m1]", resp.Results)
	}
}

func TestSuggestAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t, "m1", "boss@corp.com", "Budget review", "numbers", time.Hour)
	h := env.handler(testToken)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/suggest?prefix=bud", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("suggest status = %d", rr.Code)
	}
	if terms := decode[[]string](t, rr); len(terms) == 0 || terms[0] != "budget" {
		t.Errorf("suggest = %v", terms)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, authReq(http.MethodGet, "/stats", "", testToken))
	if rr.Code != http.StatusOK {
		t.Fatalf("stats status = %d", rr.Code)
	}
	st := decode[StatsResponse](t, rr)
	if st.Emails != 1 || st.Classified != 1 || st.Indexed != 1 {
		t.Errorf("stats = %+v", st)
	}
}
