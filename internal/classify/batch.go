package classify

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ItemError is one failed email of a batch.
type ItemError struct {
	EmailID string `json:"email_id"`
	Error   string `json:"error"`
}

// BatchReport summarizes a batch run. A batch never fails as a whole
// because of one email; failures are listed instead.
type BatchReport struct {
	RunID      string      `json:"run_id"`
	Total      int         `json:"total"`
	Classified int         `json:"classified"`
	Unchanged  int         `json:"unchanged"`
	Degraded   int         `json:"degraded"`
	Failed     []ItemError `json:"failed,omitempty"`
	// Skipped counts ids never started because the batch was canceled.
	Skipped  int  `json:"skipped"`
	Canceled bool `json:"canceled"`
}

// ClassifyBatch classifies ids with bounded concurrency. Cancelling ctx
// stops scheduling; emails already committed stay committed. The returned
// error is non-nil only when ctx was canceled.
func (c *Classifier) ClassifyBatch(ctx context.Context, ids []string, trigger string) (BatchReport, error) {
	report := BatchReport{RunID: uuid.New().String(), Total: len(ids)}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(c.concurrency)

	started := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		started++
		g.Go(func() error {
			res, err := c.ClassifyID(ctx, id, trigger)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				report.Failed = append(report.Failed, ItemError{EmailID: id, Error: err.Error()})
				c.logger.Warn("classification failed", "email_id", id, "run_id", report.RunID, "error", err)
			case res.Written():
				report.Classified++
			default:
				report.Unchanged++
			}
			if err == nil && res.Degraded {
				report.Degraded++
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Skipped = len(ids) - started
	if err := ctx.Err(); err != nil {
		report.Canceled = true
		return report, fmt.Errorf("batch %s canceled after %d of %d: %w", report.RunID, started, len(ids), err)
	}
	return report, nil
}

// Reclassify re-runs classification for ids, or for every stored email
// when ids is empty.
func (c *Classifier) Reclassify(ctx context.Context, ids []string) (BatchReport, error) {
	if len(ids) == 0 {
		all, err := c.store.ListEmailIDs(ctx)
		if err != nil {
			return BatchReport{}, fmt.Errorf("listing emails: %w", err)
		}
		ids = all
	}
	return c.ClassifyBatch(ctx, ids, TriggerReclassify)
}

// ClassifyPending classifies every email that has no classification yet.
func (c *Classifier) ClassifyPending(ctx context.Context) (BatchReport, error) {
	ids, err := c.store.UnclassifiedEmailIDs(ctx)
	if err != nil {
		return BatchReport{}, fmt.Errorf("listing unclassified emails: %w", err)
	}
	return c.ClassifyBatch(ctx, ids, TriggerIngest)
}
