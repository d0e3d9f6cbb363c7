// Package api exposes classification and search over REST and MCP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/ingest"
	"github.com/kalambet/inboxrank/internal/query"
	"github.com/kalambet/inboxrank/internal/search"
	"github.com/kalambet/inboxrank/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

const topSenders = 10

// Deps holds the services behind the REST API.
type Deps struct {
	Store      *storage.Store
	Classifier *classify.Classifier
	Index      *search.Index
	Query      *query.Executor
	Token      string
	// Now stamps emails submitted without received_at. Defaults to time.Now.
	Now func() time.Time
}

// EmailDetail is an email with its current classification, if any.
type EmailDetail struct {
	Email          email.Email      `json:"email"`
	Classification *classify.Record `json:"classification"`
}

// StatsResponse is the corpus statistics plus the job queue state.
type StatsResponse struct {
	storage.Stats
	Jobs map[string]int `json:"jobs"`
}

// ClassifyRequest selects emails to (re)classify. All wins over IDs.
type ClassifyRequest struct {
	IDs []string `json:"ids"`
	All bool     `json:"all"`
}

// NewHandler returns the REST API. /health and /metrics are served
// without authentication.
func NewHandler(deps Deps) http.Handler {
	if deps.Now == nil {
		deps.Now = time.Now
	}

	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/emails", handleSubmitEmail(deps))
		r.Get("/emails/{id}", handleGetEmail(deps))
		r.Get("/emails/{id}/history", handleHistory(deps))
		r.Post("/classify", handleClassify(deps))
		r.Get("/query", handleQuery(deps))
		r.Get("/suggest", handleSuggest(deps))
		r.Get("/stats", handleStats(deps))
	})

	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Store.Ping(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "storage unavailable: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

func handleSubmitEmail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var e email.Email
		if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if e.ReceivedAt.IsZero() {
			e.ReceivedAt = deps.Now().UTC()
		}

		if err := e.Validate(); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		sub, err := ingest.Submit(r.Context(), deps.Store, e)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to submit email: %v", err)
			return
		}

		status := http.StatusAccepted
		if sub.Duplicate {
			status = http.StatusOK
		}
		writeJSON(w, status, sub)
	}
}

func handleGetEmail(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := LoadDetail(r.Context(), deps.Store, chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "email not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get email: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, detail)
	}
}

func handleHistory(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if _, err := deps.Store.GetEmail(r.Context(), id); errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "email not found")
			return
		} else if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get email: %v", err)
			return
		}

		entries, err := deps.Store.ListHistory(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list history: %v", err)
			return
		}
		if entries == nil {
			entries = []storage.HistoryEntry{}
		}
		writeJSON(w, http.StatusOK, entries)
	}
}

func handleClassify(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req ClassifyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if !req.All && len(req.IDs) == 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "ids is required unless all is set")
			return
		}

		var (
			report classify.BatchReport
			err    error
		)
		if req.All {
			report, err = deps.Classifier.Reclassify(r.Context(), nil)
		} else {
			report, err = deps.Classifier.ClassifyBatch(r.Context(), req.IDs, classify.TriggerManual)
		}
		if err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "classification interrupted: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, report)
	}
}

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		limit := parseIntParam(r, "limit", 0, 500)

		resp, err := deps.Query.Query(r.Context(), q, limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "query failed: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleSuggest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prefix := r.URL.Query().Get("prefix")
		if prefix == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "prefix is required")
			return
		}
		terms, err := deps.Index.Suggest(r.Context(), prefix, parseIntParam(r, "limit", 10, 50))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "suggest failed: %v", err)
			return
		}
		if terms == nil {
			terms = []string{}
		}
		writeJSON(w, http.StatusOK, terms)
	}
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := loadStats(r.Context(), deps.Store)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to compute stats: %v", err)
			return
		}
		writeJSON(w, http.StatusOK, st)
	}
}

// LoadDetail returns an email and its classification, nil when unclassified.
func LoadDetail(ctx context.Context, store *storage.Store, id string) (EmailDetail, error) {
	e, err := store.GetEmail(ctx, id)
	if err != nil {
		return EmailDetail{}, err
	}
	detail := EmailDetail{Email: e}

	c, err := store.GetClassification(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return detail, nil
	}
	if err != nil {
		return EmailDetail{}, fmt.Errorf("loading classification: %w", err)
	}
	tags, err := store.Tags(ctx, id)
	if err != nil {
		return EmailDetail{}, fmt.Errorf("loading tags: %w", err)
	}
	rec, err := classify.FromStorage(c, tags)
	if err != nil {
		return EmailDetail{}, err
	}
	detail.Classification = &rec
	return detail, nil
}

func loadStats(ctx context.Context, store *storage.Store) (StatsResponse, error) {
	st, err := store.Stats(ctx, topSenders)
	if err != nil {
		return StatsResponse{}, err
	}
	jobs, err := store.JobCounts(ctx)
	if err != nil {
		return StatsResponse{}, fmt.Errorf("counting jobs: %w", err)
	}
	return StatsResponse{Stats: st, Jobs: jobs}, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}
