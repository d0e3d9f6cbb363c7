package classify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/metrics"
	"github.com/kalambet/inboxrank/internal/rules"
	"github.com/kalambet/inboxrank/internal/scorer"
	"github.com/kalambet/inboxrank/internal/search"
	"github.com/kalambet/inboxrank/internal/storage"
)

// Triggers recorded in history entries.
const (
	TriggerIngest     = "ingest"
	TriggerReclassify = "reclassify"
	TriggerManual     = "manual"
)

// maxScorerContent bounds the email text handed to the scorer.
const maxScorerContent = 8000

// Config wires a Classifier.
type Config struct {
	Store *storage.Store
	Index *search.Index
	Rules *rules.RuleSet
	// Scorer may be nil, in which case every record is rule-only.
	Scorer      *scorer.Retrier
	Policy      Policy
	Concurrency int
	Now         func() time.Time
	Logger      *slog.Logger
}

// Classifier evaluates, scores, aggregates and commits classifications.
// Each email is committed in one transaction together with its history
// entry, tags and search document.
type Classifier struct {
	store       *storage.Store
	index       *search.Index
	scorer      *scorer.Retrier
	policy      Policy
	concurrency int
	now         func() time.Time
	logger      *slog.Logger

	mu    sync.RWMutex
	rules *rules.RuleSet
}

// New returns a Classifier. Store, Index and Rules are required.
func New(cfg Config) *Classifier {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Classifier{
		store:       cfg.Store,
		index:       cfg.Index,
		rules:       cfg.Rules,
		scorer:      cfg.Scorer,
		policy:      cfg.Policy,
		concurrency: cfg.Concurrency,
		now:         cfg.Now,
		logger:      cfg.Logger,
	}
}

// SetRules swaps the rule set used by later evaluations.
func (c *Classifier) SetRules(rs *rules.RuleSet) {
	c.mu.Lock()
	c.rules = rs
	c.mu.Unlock()
}

// Rules returns the current rule set.
func (c *Classifier) Rules() *rules.RuleSet {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rules
}

// Result describes one classification run.
type Result struct {
	Record Record `json:"record"`
	// Created is set on the first classification of an email.
	Created bool `json:"created"`
	// Changed is set when a stored record was replaced.
	Changed bool `json:"changed"`
	// Degraded is set when an enabled scorer gave no usable score.
	Degraded bool        `json:"degraded"`
	AIState  scorer.State `json:"ai_state,omitempty"`
	AIError  scorer.Kind  `json:"ai_error,omitempty"`
	Attempts int          `json:"ai_attempts,omitempty"`
}

// Written reports whether the run wrote anything.
func (r Result) Written() bool { return r.Created || r.Changed }

// Classify classifies e and commits the result. trigger names what caused
// the run and is recorded in history. An unchanged record is not written.
// Scorer failures degrade to a rule-only record and are not errors; only
// storage failures and cancellation are.
func (c *Classifier) Classify(ctx context.Context, e email.Email, trigger string) (Result, error) {
	now := c.now().UTC().Truncate(time.Second)
	sig := rules.Evaluate(e, c.Rules(), now)

	var res Result
	var ai *scorer.Score
	if c.scorer != nil {
		req := scorer.Request{Content: scorerContent(e)}
		if prev, err := c.store.GetClassification(ctx, e.ID); err == nil && prev.Summary != "" {
			req.Context = prev.Summary
		}
		out := c.scorer.Run(ctx, req)
		res.AIState, res.Attempts = out.State, out.Attempts
		if out.State == scorer.StateSucceeded {
			ai = out.Score
		} else {
			res.Degraded = true
			res.AIError = out.Kind()
		}
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	rec := Aggregate(sig, ai, c.policy)
	rec.EmailID = e.ID
	rec.ClassifiedAt = now
	if res.Degraded {
		rec.Reason += fmt.Sprintf("; ai %s", res.AIError)
	}

	err := c.store.WithTx(ctx, func(tx *storage.Tx) error {
		cur, err := tx.GetClassification(ctx, e.ID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			res.Created = true
		case err != nil:
			return err
		default:
			tags, err := tx.Tags(ctx, e.ID)
			if err != nil {
				return err
			}
			prior, err := FromStorage(cur, tags)
			if err != nil {
				return err
			}
			if prior.Equal(rec) {
				res.Record = prior
				return nil
			}
			res.Changed = true
			if err := tx.AppendHistory(ctx, storage.HistoryEntry{
				ID:         uuid.New().String(),
				EmailID:    e.ID,
				Prior:      cur,
				Reason:     trigger + ": " + rec.Reason,
				RecordedAt: now,
			}); err != nil {
				return err
			}
		}

		if err := tx.PutClassification(ctx, rec.Storage()); err != nil {
			return err
		}
		if err := tx.SetTags(ctx, e.ID, rec.Tags); err != nil {
			return err
		}
		if err := c.index.IndexTx(ctx, tx, e); err != nil {
			return fmt.Errorf("indexing %s: %w", e.ID, err)
		}
		res.Record = rec
		return nil
	})
	if err != nil {
		metrics.Classifications.WithLabelValues(string(rec.Source), "failed").Inc()
		return Result{}, fmt.Errorf("committing classification of %s: %w", e.ID, err)
	}

	outcome := "unchanged"
	if res.Written() {
		outcome = "written"
	}
	metrics.Classifications.WithLabelValues(string(rec.Source), outcome).Inc()
	c.logger.Debug("email classified", "email_id", e.ID, "score", rec.PriorityScore,
		"source", rec.Source, "result", outcome, "trigger", trigger)
	return res, nil
}

// ClassifyID loads an email by id and classifies it.
func (c *Classifier) ClassifyID(ctx context.Context, id, trigger string) (Result, error) {
	e, err := c.store.GetEmail(ctx, id)
	if err != nil {
		return Result{}, fmt.Errorf("loading email %s: %w", id, err)
	}
	return c.Classify(ctx, e, trigger)
}

func scorerContent(e email.Email) string {
	s := fmt.Sprintf("From: %s\nSubject: %s\nReceived: %s\n\n%s",
		e.Sender, e.Subject, e.ReceivedAt.UTC().Format(time.RFC3339), e.Body)
	if r := []rune(s); len(r) > maxScorerContent {
		s = string(r[:maxScorerContent])
	}
	return s
}
