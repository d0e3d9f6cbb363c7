// Package scorer defines the AI scoring contract and the retry policy that
// keeps an unreliable model from stalling classification.
package scorer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/kalambet/inboxrank/internal/ollama"
)

// Request is what the scorer sees of an email.
type Request struct {
	Content string `json:"content"`
	// Context is the summary from the previous classification, if any.
	Context string `json:"context,omitempty"`
}

// Score is a successful scorer response.
type Score struct {
	PriorityScore int     `json:"priority_score"`
	Confidence    float64 `json:"confidence"`
	Summary       string  `json:"summary"`
}

// Validate rejects out-of-range values.
func (s Score) Validate() error {
	if s.PriorityScore < 1 || s.PriorityScore > 5 {
		return fmt.Errorf("priority_score %d outside [1,5]", s.PriorityScore)
	}
	if s.Confidence < 0 || s.Confidence > 1 || s.Confidence != s.Confidence {
		return fmt.Errorf("confidence %v outside [0,1]", s.Confidence)
	}
	return nil
}

// Scorer is implemented by AI backends.
type Scorer interface {
	Score(ctx context.Context, req Request) (Score, error)
}

// ErrDisabled is returned by Disabled. The retrier does not retry it.
var ErrDisabled = errors.New("ai scoring disabled")

// Disabled is the scorer used when AI scoring is turned off.
type Disabled struct{}

func (Disabled) Score(context.Context, Request) (Score, error) {
	return Score{}, &Error{Kind: KindUnavailable, Err: ErrDisabled}
}

// Kind classifies scorer failures.
type Kind string

const (
	KindTimeout     Kind = "timeout"
	KindRateLimited Kind = "rate_limited"
	KindMalformed   Kind = "malformed"
	KindUnavailable Kind = "unavailable"
	KindCanceled    Kind = "canceled"
)

// Error is the explicit failure object returned by scorers.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf maps an arbitrary error to a failure kind.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	var status *ollama.StatusError
	if errors.As(err, &status) && status.Code == http.StatusTooManyRequests {
		return KindRateLimited
	}
	return KindUnavailable
}
