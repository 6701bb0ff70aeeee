package provider

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/hpungsan/counsel/internal/errors"
	"github.com/hpungsan/counsel/internal/logging"
)

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so WithRetry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err}
}

// RetryOptions is the retry policy for provider calls.
type RetryOptions struct {
	// Attempts is the total number of tries (minimum 1).
	Attempts int
	// Delay is the fixed wait between tries.
	Delay time.Duration
	// Timeout bounds each try. Zero means no per-try bound.
	Timeout time.Duration
	Logger  *slog.Logger
}

type retrying struct {
	Provider
	opts RetryOptions
}

// WithRetry wraps p so transient failures are retried with a fixed delay.
// An attempt that exceeds Timeout counts as a transient failure. When every
// attempt fails the error is a TIMEOUT if the last attempt timed out and a
// PROVIDER_ERROR otherwise.
func WithRetry(p Provider, opts RetryOptions) Provider {
	if opts.Attempts < 1 {
		opts.Attempts = 1
	}
	opts.Logger = logging.OrDefault(opts.Logger)
	return &retrying{Provider: p, opts: opts}
}

func (r *retrying) Generate(ctx context.Context, prompt Prompt, params Params) (*Result, error) {
	var lastErr error
	timedOut := false

	for attempt := 1; attempt <= r.opts.Attempts; attempt++ {
		res, err := r.attempt(ctx, prompt, params)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, errors.NewTimeout(r.Name()+" request", ctx.Err())
		}
		timedOut = stderrors.Is(err, context.DeadlineExceeded)

		var perm *permanentError
		if stderrors.As(err, &perm) {
			break
		}
		if attempt == r.opts.Attempts {
			break
		}

		r.opts.Logger.Warn("provider call failed, retrying",
			"provider", r.Name(), "attempt", attempt, "error", err)

		select {
		case <-ctx.Done():
			return nil, errors.NewTimeout(r.Name()+" request", ctx.Err())
		case <-time.After(r.opts.Delay):
		}
	}

	if timedOut {
		return nil, errors.NewTimeout(r.Name()+" request", lastErr)
	}
	if _, ok := errors.As(lastErr); ok {
		return nil, lastErr
	}
	return nil, errors.NewProvider(r.Name(), lastErr)
}

func (r *retrying) attempt(ctx context.Context, prompt Prompt, params Params) (*Result, error) {
	if r.opts.Timeout <= 0 {
		return r.Provider.Generate(ctx, prompt, params)
	}
	actx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	return r.Provider.Generate(actx, prompt, params)
}
