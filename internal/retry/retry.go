// Package retry runs an operation with a bounded number of sequential attempts
// and a linear delay between them.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	goretry "github.com/sethvargo/go-retry"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = time.Second
)

// ErrExhausted is matched by the error returned once every attempt has failed.
var ErrExhausted = errors.New("retry: attempts exhausted")

// Policy bounds a retried call.
type Policy struct {
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number to get the wait after that attempt.
	BaseDelay time.Duration
	// Retryable decides whether a failure is worth another attempt.
	// Nil means IsTransient.
	Retryable func(error) bool
}

// DefaultPolicy returns three attempts spaced 1s then 2s apart.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: DefaultMaxAttempts, BaseDelay: DefaultBaseDelay}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.Retryable == nil {
		p.Retryable = IsTransient
	}
	return p
}

// Attempt describes one dispatch of the operation.
type Attempt struct {
	Number    int
	StartedAt time.Time
}

// Op is a single attempt of a retried call.
type Op[T any] func(ctx context.Context, attempt Attempt) (T, error)

// ExhaustedError carries the last failure after every attempt was used.
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retry: gave up after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

func (e *ExhaustedError) Is(target error) bool { return target == ErrExhausted }

// Do runs op until it succeeds, fails with a non-retryable error, the context
// ends, or p.MaxAttempts attempts have failed. Attempts never overlap.
//
// A non-retryable failure is returned as-is. Exhaustion returns an
// *ExhaustedError wrapping the last failure.
func Do[T any](ctx context.Context, p Policy, op Op[T]) (T, error) {
	p = p.normalized()

	var (
		out     T
		zero    T
		lastErr error
		number  int
	)
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	backoff := goretry.WithMaxRetries(uint64(p.MaxAttempts-1), Linear(p.BaseDelay))
	err := goretry.Do(ctx, backoff, func(ctx context.Context) error {
		number++
		v, opErr := op(ctx, Attempt{Number: number, StartedAt: time.Now()})
		if opErr == nil {
			out = v
			return nil
		}
		lastErr = opErr
		if !p.Retryable(opErr) {
			return opErr
		}
		return goretry.RetryableError(opErr)
	})

	switch {
	case err == nil:
		return out, nil
	case lastErr == nil:
		// context ended before the first attempt
		return zero, err
	case ctx.Err() != nil:
		return zero, fmt.Errorf("retry: stopped after %d attempts: %w", number, ctx.Err())
	case !p.Retryable(lastErr):
		return zero, lastErr
	default:
		return zero, &ExhaustedError{Attempts: number, Err: lastErr}
	}
}

// Linear returns a backoff whose n-th delay is base*n.
func Linear(base time.Duration) goretry.Backoff {
	var (
		mu sync.Mutex
		n  int64
	)
	return goretry.BackoffFunc(func() (time.Duration, bool) {
		mu.Lock()
		defer mu.Unlock()
		n++
		return base * time.Duration(n), false
	})
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

// StatusCode extracts an HTTP status carried anywhere in err's chain.
func StatusCode(err error) (int, bool) {
	var sc httpStatusCoder
	if !errors.As(err, &sc) {
		return 0, false
	}
	return sc.HTTPStatusCode(), true
}

// IsTransient treats every failure as retryable except definitive client
// errors: 4xx statuses other than 408, 425 and 429.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	status, ok := StatusCode(err)
	if !ok {
		return true
	}
	return !IsClientError(status)
}

// IsClientError reports whether status rejects the request itself, so sending
// it again cannot succeed.
func IsClientError(status int) bool {
	if status < 400 || status >= 500 {
		return false
	}
	switch status {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return false
	}
	return true
}

// Always retries every failure uniformly.
func Always(err error) bool { return err != nil }
