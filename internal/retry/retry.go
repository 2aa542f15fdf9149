// Package retry re-runs transactional units that fail on transient database contention.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Policy bounds the retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// OnRetry is called before sleeping for another attempt.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy is used when a zero Policy is passed.
var DefaultPolicy = Policy{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second}

var transientCodes = map[string]struct{}{
	"40001": {}, // serialization_failure
	"40P01": {}, // deadlock_detected
	"55P03": {}, // lock_not_available
	"25P03": {}, // idle_in_transaction_session_timeout
}

var transientSignatures = []string{
	"deadlock detected",
	"could not serialize",
	"write conflict",
	"transaction timeout",
	"lock timeout",
	"transaction already closed",
}

// IsTransient reports whether err is a contention error worth retrying.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if _, ok := transientCodes[pgErr.Code]; ok {
			return true
		}
		// query_canceled is also raised by pg_cancel_backend; only the
		// timeout variants are worth another attempt.
		if pgErr.Code == "57014" {
			msg := strings.ToLower(pgErr.Message)
			return strings.Contains(msg, "statement timeout") || strings.Contains(msg, "lock timeout")
		}
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range transientSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Do runs fn until it succeeds, fails with a non-transient error, or the
// policy's attempts are exhausted. The last error is returned.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultPolicy.MaxAttempts
		if p.BaseDelay == 0 {
			p.BaseDelay = DefaultPolicy.BaseDelay
		}
		if p.MaxDelay == 0 {
			p.MaxDelay = DefaultPolicy.MaxDelay
		}
	}

	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) || attempt == p.MaxAttempts {
			return err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}
		timer := time.NewTimer(p.Backoff(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

// Backoff returns the delay after the given failed attempt (1-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}
