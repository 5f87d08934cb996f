package jobstore

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/jpillora/backoff"
)

// deadlockErrorNumbers are the MySQL server error codes treated as
// transient, retryable deadlock-class failures per spec.md §4.1:
// ER_LOCK_DEADLOCK (1213) and ER_LOCK_WAIT_TIMEOUT (1205), the latter
// because under the innodb_lock_wait_timeout default it behaves the same
// way from the caller's point of view — a racing transaction held the row
// too long, not that the row doesn't exist.
var deadlockErrorNumbers = map[uint16]bool{
	1213: true,
	1205: true,
}

// isDeadlock reports whether err is a MySQL driver error in the deadlock
// class that the transaction helper should retry rather than surface.
func isDeadlock(err error) bool {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return deadlockErrorNumbers[mysqlErr.Number]
	}
	return false
}

// newDeadlockBackoff returns a jpillora/backoff.Backoff configured per
// spec.md §4.1: base doubles per attempt starting at 100ms (100, 200, 400ms,
// then held at 400ms), for up to deadlockRetryLimit additional attempts.
// withDeadlockRetry applies up to 50% jitter either side of each base.
func newDeadlockBackoff() *backoff.Backoff {
	return &backoff.Backoff{
		Min:    100 * time.Millisecond,
		Max:    400 * time.Millisecond,
		Factor: 2,
	}
}

// withDeadlockRetry runs fn, retrying up to deadlockRetryLimit additional
// times when fn's error is deadlock-class. Non-deadlock errors are returned
// immediately without retry, per spec.md §4.1.
func withDeadlockRetry(ctx context.Context, fn func() error) error {
	b := newDeadlockBackoff()
	var lastErr error
	for attempt := 0; attempt <= deadlockRetryLimit; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isDeadlock(lastErr) {
			return lastErr
		}
		if attempt == deadlockRetryLimit {
			break
		}
		wait := b.Duration()
		wait = wait/2 + time.Duration(rand.Int63n(int64(wait)))
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
