// Package ingest accepts emails for classification and drains the
// classification job queue in the background.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/inboxrank/internal/classify"
	"github.com/kalambet/inboxrank/internal/email"
	"github.com/kalambet/inboxrank/internal/storage"
)

// JobTypeClassify is the queue type of classification jobs.
const JobTypeClassify = "classify_email"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// EmailStore is what Submit and QueueBacklog need from storage.
type EmailStore interface {
	WithTx(ctx context.Context, fn func(tx *storage.Tx) error) error
	UnqueuedEmailIDs(ctx context.Context, jobType string) ([]string, error)
}

// Classifier classifies a stored email by id.
type Classifier interface {
	ClassifyID(ctx context.Context, id, trigger string) (classify.Result, error)
}

type classifyPayload struct {
	EmailID string `json:"email_id"`
}

// Submission is the outcome of Submit.
type Submission struct {
	EmailID string `json:"email_id"`
	// Duplicate is set when the email id was already stored; nothing is queued.
	Duplicate bool   `json:"duplicate"`
	JobID     string `json:"job_id,omitempty"`
}

// Submit validates and stores e, then queues it for classification. The
// email and its job are written in one transaction.
func Submit(ctx context.Context, store EmailStore, e email.Email) (Submission, error) {
	if err := e.Validate(); err != nil {
		return Submission{}, err
	}
	var sub Submission
	err := store.WithTx(ctx, func(tx *storage.Tx) error {
		inserted, err := tx.InsertEmail(ctx, e)
		if err != nil {
			return fmt.Errorf("storing email: %w", err)
		}
		if !inserted {
			sub = Submission{EmailID: e.ID, Duplicate: true}
			return nil
		}
		job, err := classifyJob(e.ID)
		if err != nil {
			return err
		}
		if err := tx.EnqueueJob(ctx, job); err != nil {
			return fmt.Errorf("queueing classification: %w", err)
		}
		sub = Submission{EmailID: e.ID, JobID: job.ID}
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	return sub, nil
}

// QueueBacklog queues a classification job for every unclassified email
// without a pending one, such as mail ingested with --no-classify or left
// behind by a crash. It returns how many jobs were added.
func QueueBacklog(ctx context.Context, store EmailStore) (int, error) {
	ids, err := store.UnqueuedEmailIDs(ctx, JobTypeClassify)
	if err != nil {
		return 0, fmt.Errorf("listing unqueued emails: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	err = store.WithTx(ctx, func(tx *storage.Tx) error {
		for _, id := range ids {
			job, err := classifyJob(id)
			if err != nil {
				return err
			}
			if err := tx.EnqueueJob(ctx, job); err != nil {
				return fmt.Errorf("queueing %s: %w", id, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

func classifyJob(emailID string) (storage.Job, error) {
	payload, err := json.Marshal(classifyPayload{EmailID: emailID})
	if err != nil {
		return storage.Job{}, err
	}
	return storage.Job{ID: uuid.New().String(), Type: JobTypeClassify, PayloadJSON: string(payload)}, nil
}

// Worker processes classify_email jobs from the SQLite job queue.
type Worker struct {
	store      JobStore
	classifier Classifier
	poll       time.Duration
	logger     *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, classifier Classifier, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:      store,
		classifier: classifier,
		poll:       pollInterval,
		logger:     slog.Default(),
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single classify_email job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeClassify})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		// The job's own context may be gone; record the failure regardless.
		if failErr := w.store.FailJob(context.WithoutCancel(ctx), job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(ctx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload classifyPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.EmailID == "" {
		return fmt.Errorf("payload has no email_id")
	}

	res, err := w.classifier.ClassifyID(ctx, payload.EmailID, classify.TriggerIngest)
	if err != nil {
		return err
	}
	w.logger.Debug("queued email classified", "email_id", payload.EmailID,
		"score", res.Record.PriorityScore, "degraded", res.Degraded)
	return nil
}
