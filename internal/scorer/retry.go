package scorer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kalambet/inboxrank/internal/metrics"
)

// State is a position in the retry state machine.
type State string

const (
	StateIdle      State = "idle"
	StateCalling   State = "calling"
	StateRetryWait State = "retry_wait"
	StateSucceeded State = "succeeded"
	StateDegraded  State = "degraded"
)

// Policy bounds the time spent on one email.
type Policy struct {
	Timeout        time.Duration // per attempt
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultPolicy is used for zero-valued Policy fields.
var DefaultPolicy = Policy{
	Timeout:        20 * time.Second,
	MaxAttempts:    3,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     8 * time.Second,
}

// Backoff returns the wait before retry n (1-based).
func (p Policy) Backoff(n int) time.Duration {
	d := p.InitialBackoff << (n - 1)
	if d <= 0 || (p.MaxBackoff > 0 && d > p.MaxBackoff) {
		return p.MaxBackoff
	}
	return d
}

// Outcome is the terminal result of Run. Score is nil unless State is
// StateSucceeded.
type Outcome struct {
	Score       *Score
	State       State
	Attempts    int
	Transitions []State
	Err         error
}

// Kind returns the kind of the last failure, or "" on success.
func (o Outcome) Kind() Kind {
	if o.Err == nil {
		return ""
	}
	return KindOf(o.Err)
}

// Retrier drives a Scorer through idle → calling → retry_wait → succeeded
// or degraded.
type Retrier struct {
	scorer Scorer
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
	logger *slog.Logger
}

// RetrierOption customizes a Retrier.
type RetrierOption func(*Retrier)

// WithSleep replaces the backoff wait, e.g. with a no-op in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) RetrierOption {
	return func(r *Retrier) { r.sleep = fn }
}

// WithLogger sets the logger used for degraded outcomes.
func WithLogger(l *slog.Logger) RetrierOption {
	return func(r *Retrier) { r.logger = l }
}

// NewRetrier wraps s with policy p.
func NewRetrier(s Scorer, p Policy, opts ...RetrierOption) *Retrier {
	if p.Timeout <= 0 {
		p.Timeout = DefaultPolicy.Timeout
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = DefaultPolicy.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = DefaultPolicy.MaxBackoff
	}
	r := &Retrier{scorer: s, policy: p, sleep: sleepCtx, logger: slog.Default()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Policy returns the effective policy.
func (r *Retrier) Policy() Policy { return r.policy }

// Run scores req. It never returns an error: failures end in StateDegraded
// with Err set. Cancellation of ctx degrades immediately.
func (r *Retrier) Run(ctx context.Context, req Request) Outcome {
	out := Outcome{State: StateIdle, Transitions: []State{StateIdle}}
	to := func(s State) {
		out.State = s
		out.Transitions = append(out.Transitions, s)
	}

	for {
		switch out.State {
		case StateIdle:
			if err := ctx.Err(); err != nil {
				out.Err = &Error{Kind: KindCanceled, Err: err}
				to(StateDegraded)
				continue
			}
			to(StateCalling)

		case StateCalling:
			out.Attempts++
			score, err := r.attempt(ctx, req)
			if err == nil {
				out.Score = &score
				out.Err = nil
				to(StateSucceeded)
				continue
			}
			out.Err = err
			if ctx.Err() != nil || errors.Is(err, ErrDisabled) || out.Attempts >= r.policy.MaxAttempts {
				to(StateDegraded)
				continue
			}
			to(StateRetryWait)

		case StateRetryWait:
			if err := r.sleep(ctx, r.policy.Backoff(out.Attempts)); err != nil {
				out.Err = &Error{Kind: KindCanceled, Err: err}
				to(StateDegraded)
				continue
			}
			to(StateCalling)

		case StateSucceeded:
			return out

		case StateDegraded:
			if errors.Is(out.Err, ErrDisabled) {
				return out
			}
			metrics.AIDegraded.Inc()
			r.logger.Warn("ai scoring degraded", "attempts", out.Attempts, "kind", out.Kind(), "error", out.Err)
			return out
		}
	}
}

func (r *Retrier) attempt(ctx context.Context, req Request) (Score, error) {
	actx, cancel := context.WithTimeout(ctx, r.policy.Timeout)
	defer cancel()

	type result struct {
		score Score
		err   error
	}
	// Buffered so a scorer that ignores its context can finish late
	// without leaking the goroutine.
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		s, err := r.scorer.Score(actx, req)
		done <- result{s, err}
	}()

	var s Score
	var err error
	select {
	case res := <-done:
		s, err = res.score, res.err
	case <-actx.Done():
		err = actx.Err()
	}
	if err == nil {
		if verr := s.Validate(); verr != nil {
			err = &Error{Kind: KindMalformed, Err: verr}
		}
	}

	switch {
	case err == nil:
	case ctx.Err() != nil:
		err = &Error{Kind: KindCanceled, Err: ctx.Err()}
	case errors.Is(actx.Err(), context.DeadlineExceeded):
		err = &Error{Kind: KindTimeout, Err: err}
	default:
		var se *Error
		if !errors.As(err, &se) {
			err = &Error{Kind: KindOf(err), Err: err}
		}
	}

	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
	}
	metrics.RecordAIAttempt(outcome, time.Since(start))
	return s, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
