package jobstore

import (
	"context"
	"time"
)

// Store is typed access to the jobs and jobshist relations, encapsulating
// the optimistic-concurrency update protocol and the retry-on-deadlock
// policy described in spec.md §4.1.
type Store interface {
	// CreateJob inserts a new job row in StateNew (or StateDeleteNew for a
	// deletion job) and returns its assigned id and initial dv.
	CreateJob(ctx context.Context, j Job) (UpdateCtx, error)

	// FindJobs returns all live jobs matching filters, ordered by mtime
	// ascending (oldest first), per spec.md §5's per-tick ordering guarantee.
	FindJobs(ctx context.Context, f Filters) ([]Job, error)

	// UpdateJob applies mutations to the row identified by uc.JobID,
	// guarded by uc.DV and, if fromState is non-nil, by the current state.
	// On success uc.DV is advanced to the new value. A row count other than
	// exactly one is reported as ErrConflict (wrapped in *ConflictError) and
	// uc is left unmodified.
	UpdateJob(ctx context.Context, uc *UpdateCtx, fromState *State, mutations Mutations) error

	// FindAndAdvance is the standard stage-pickup primitive: within a single
	// transaction, every live row in state `from` matching f is mutated to
	// `to` with the given default timeout and description, then every row
	// now in state `to` matching f is returned (which may include rows
	// other workers advanced concurrently for the same destination).
	FindAndAdvance(ctx context.Context, from, to State, f Filters, timeout *uint32, description string) ([]Job, error)

	// DescribeJobs returns the read-only, computed view of live jobs
	// matching f.
	DescribeJobs(ctx context.Context, f Filters) ([]DescribedJob, error)

	// DescribeDummyJobs synthesizes n representative, never-persisted job
	// rows for alert-formatting smoke tests (the `test-alert` debug
	// subcommand), per SPEC_FULL.md §12.
	DescribeDummyJobs(n int) []DescribedJob

	// ArchiveJob copies the row to jobshist (if archival is enabled by the
	// caller) and deletes it from the live table. Used by the check
	// engine's done rule.
	ArchiveJob(ctx context.Context, jobID int64, archive bool) error

	// KillJob deletes the row outright, regardless of state. Used by the
	// `kill-job` debug subcommand.
	KillJob(ctx context.Context, jobID int64) error

	// JobError is best-effort: it transitions the job to StateError,
	// incrementing Errors, setting LastGoodState to from and nulling
	// Timeout. On database failure it logs the failure and returns, because
	// it is itself invoked from error paths (spec.md §4.1).
	JobError(ctx context.Context, jobID int64, from State, reason string)

	// JobReset clears Errors to zero and resets State to RetryOf(current
	// LastGoodState), clearing LastGoodState. Used by the `retry-job` CLI
	// subcommand; the check engine's reset rule goes through UpdateJob
	// instead and leaves Errors unchanged.
	JobReset(ctx context.Context, jobID int64) error

	// Close releases the underlying database handle.
	Close() error
}

// Mutations is a sparse set of column updates applied by UpdateJob. Only
// non-nil fields are written; State is always required since every
// documented mutation in spec.md moves the job somewhere (even if to the
// same state, e.g. a progress-only description update keeps State equal to
// the caller's current state).
type Mutations struct {
	State           State
	Description     *string
	Timeout         *uint32
	StatusFQDN      *string
	DumpFQDN        *string
	DumpMethod      *string
	DumpPort        *int
	DumpFilename    *string
	DumpChecksum    *string
	DumpFilesize    *int64
	VolLastUpdate   *int64
	RestoreFilename *string
	ErrorLimitMTime *time.Time
	ClearRestoreFilename bool
	ClearDumpFilename    bool
	// ClearTimeout nulls the timeout column, used by the scratch-space
	// rollback so the check engine does not treat a waiting job as expired
	// (spec.md §4.3's edge policy), and by the check engine's reset rule.
	ClearTimeout bool
	// ClearLastGoodState nulls last_good_state, set by the check engine's
	// reset rule per Invariant 5 in spec.md §3.
	ClearLastGoodState bool
}

// now is overridden in tests that need deterministic timestamps.
var now = time.Now
