package sync

import (
	"context"
	"fmt"
	"log/slog"
)

type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetryable
	outcomeFatal
)

func (k outcomeKind) String() string {
	switch k {
	case outcomeSuccess:
		return "success"
	case outcomeRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// outcome is the typed result of one attempt.
type outcome struct {
	kind outcomeKind
	err  error
}

func success() outcome            { return outcome{kind: outcomeSuccess} }
func retryable(err error) outcome { return outcome{kind: outcomeRetryable, err: err} }
func fatal(err error) outcome     { return outcome{kind: outcomeFatal, err: err} }

// withBoundedRetry runs op until it succeeds, fails fatally or maxAttempts is used up. The
// error of the last attempt is returned.
func withBoundedRetry(ctx context.Context, name string, maxAttempts int, op func(ctx context.Context, attempt int) outcome) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var last outcome
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		last = op(ctx, attempt)
		switch last.kind {
		case outcomeSuccess:
			return nil
		case outcomeFatal:
			return last.err
		}
		slog.Warn("retrying", "op", name, "attempt", attempt, "maxAttempts", maxAttempts, "error", last.err)
	}
	return fmt.Errorf("%s: gave up after %d attempts: %w", name, maxAttempts, last.err)
}
