// Package backoff runs AWS calls with a bounded number of attempts, a timeout per attempt,
// and the SDK's exponential jitter backoff between attempts.
package backoff

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/rs/zerolog"
)

const (
	DefaultAttempts   = 3
	DefaultMaxBackoff = 2 * time.Second
	DefaultTimeout    = 10 * time.Second
)

// Policy bounds one logical call
type Policy struct {
	Attempts   int           // total attempts, including the first
	MaxBackoff time.Duration // cap on the delay between attempts
	Timeout    time.Duration // deadline of each attempt
}

// DefaultPolicy returns the conservative defaults used for orchestrator callbacks
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   DefaultAttempts,
		MaxBackoff: DefaultMaxBackoff,
		Timeout:    DefaultTimeout,
	}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

var retryables = retry.IsErrorRetryables(retry.DefaultRetryables)

// Retryable reports whether err may succeed on another attempt. Errors the SDK does not
// classify are retried; only explicit non-retryable classifications stop the loop.
func Retryable(err error) bool {
	var perm *permanentError
	if errors.As(err, &perm) {
		return false
	}
	return retryables.IsErrorRetryable(err) != aws.FalseTernary
}

// Do calls fn until it succeeds, returns a non-retryable error, or attempts run out.
// The returned error is the last one fn produced.
func (p Policy) Do(ctx context.Context, operation string, fn func(ctx context.Context) error) error {
	logger := zerolog.Ctx(ctx)

	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	maxBackoff := p.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = DefaultMaxBackoff
	}
	jitter := retry.NewExponentialJitterBackoff(maxBackoff)

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = p.call(ctx, fn)
		if err == nil {
			return nil
		}
		if !Retryable(err) || attempt == attempts {
			break
		}

		delay, delayErr := jitter.BackoffDelay(attempt, err)
		if delayErr != nil {
			break
		}

		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("delay", delay).
			Msg("Retrying call")

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.err
	}
	return err
}

func (p Policy) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.Timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()
	return fn(ctx)
}
