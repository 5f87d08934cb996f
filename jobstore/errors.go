package jobstore

import (
	"errors"
	"fmt"
)

// ErrConflict is returned when an UpdateJob/FindAndAdvance mutation affected
// zero rows because the caller's dv (or from_state guard) no longer matched
// what is stored — the optimistic-concurrency loss case of spec.md §7.
// Stage workers must treat this as "abandon this job this tick", never as a
// reason to increment Job.Errors.
var ErrConflict = errors.New("jobstore: optimistic-concurrency conflict")

// ErrSchemaVersion is fatal: the connected database's versions table does
// not match the version this binary was built against.
var ErrSchemaVersion = errors.New("jobstore: schema version mismatch")

// ErrNotFound is returned by single-row lookups (e.g. KillJob, JobReset) when
// no row matches the requested id.
var ErrNotFound = errors.New("jobstore: job not found")

// ConflictError wraps ErrConflict with the identifying details, so callers
// that want to log context can do so without losing errors.Is(err, ErrConflict).
type ConflictError struct {
	JobID    int64
	WantDV   uint64
	FromState *State
}

func (e *ConflictError) Error() string {
	if e.FromState != nil {
		return fmt.Sprintf("jobstore: job %d: no row matched dv=%d state=%s", e.JobID, e.WantDV, *e.FromState)
	}
	return fmt.Sprintf("jobstore: job %d: no row matched dv=%d", e.JobID, e.WantDV)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// deadlockRetryLimit is the number of additional attempts (beyond the first)
// made for driver-reported deadlock-class errors, per spec.md §4.1.
const deadlockRetryLimit = 4
