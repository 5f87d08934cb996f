// Package jobstore provides typed access to the jobs and jobshist relations
// and encapsulates the optimistic-concurrency update protocol described for
// the CellCC job lifecycle engine.
package jobstore

import "time"

// State is one of the enumerated job lifecycle states.
type State string

const (
	StateNew            State = "NEW"
	StateDumpStart       State = "DUMP_START"
	StateDumpWork        State = "DUMP_WORK"
	StateDumpDone        State = "DUMP_DONE"
	StateXferStart       State = "XFER_START"
	StateXferWork        State = "XFER_WORK"
	StateXferDone        State = "XFER_DONE"
	StateRestoreStart    State = "RESTORE_START"
	StateRestoreWork     State = "RESTORE_WORK"
	StateRestoreDone     State = "RESTORE_DONE"
	StateReleaseStart    State = "RELEASE_START"
	StateReleaseWork     State = "RELEASE_WORK"
	StateReleaseDone     State = "RELEASE_DONE"
	StateDeleteNew       State = "DELETE_NEW"
	StateDeleteDestStart State = "DELETE_DEST_START"
	StateDeleteDestWork  State = "DELETE_DEST_WORK"
	StateDeleteDestDone  State = "DELETE_DEST_DONE"
	StateError           State = "ERROR"
)

// terminal is the set of states after which a job leaves the live table via
// the check engine's done rule.
var terminal = map[State]bool{
	StateReleaseDone:    true,
	StateDeleteDestDone: true,
}

// IsTerminal reports whether s is a terminal (done) state.
func (s State) IsTerminal() bool {
	return terminal[s]
}

// workToStart maps every *_WORK state to its *_START predecessor, used by the
// check engine's reset rule (retry_of(last_good_state)).
var workToStart = map[State]State{
	StateDumpWork:       StateDumpStart,
	StateXferWork:       StateXferStart,
	StateRestoreWork:    StateRestoreStart,
	StateReleaseWork:    StateReleaseStart,
	StateDeleteDestWork: StateDeleteDestStart,
}

// RetryOf returns the state a job should be reset to when recovering from
// ERROR with last_good_state == s. Only *_WORK states have a retry mapping;
// any other last_good_state is returned unchanged (defensive: the store never
// writes a non-WORK last_good_state, see Invariant 5 in spec.md §3).
func RetryOf(lastGood State) State {
	if start, ok := workToStart[lastGood]; ok {
		return start
	}
	return lastGood
}

// forward lists the legal (from, to) transitions for the non-error path of
// the state machine in spec.md §4.3, used by state-machine-soundness tests
// and by UpdateJob's from_state guard callers.
var forward = map[State]State{
	StateNew:            StateDumpStart,
	StateDumpStart:       StateDumpWork,
	StateDumpWork:        StateDumpDone,
	StateDumpDone:        StateXferStart,
	StateXferStart:       StateXferWork,
	StateXferWork:        StateXferDone,
	StateXferDone:        StateRestoreStart,
	StateRestoreStart:    StateRestoreWork,
	StateRestoreWork:     StateRestoreDone,
	StateRestoreDone:     StateReleaseStart,
	StateReleaseStart:    StateReleaseWork,
	StateReleaseWork:     StateReleaseDone,
	StateDeleteNew:       StateDeleteDestStart,
	StateDeleteDestStart: StateDeleteDestWork,
	StateDeleteDestWork:  StateDeleteDestDone,
}

// IsSoundTransition reports whether (from, to) is a legal transition: either
// the documented forward edge, or any state moving into ERROR (a *_WORK
// failure, or the check engine's expired rule, which applies to any state
// with a timeout set).
func IsSoundTransition(from, to State) bool {
	if to == StateError {
		return true
	}
	if next, ok := forward[from]; ok {
		return next == to
	}
	return false
}

// Job is the strongly typed representation of one row of the jobs (or
// jobshist) relation. Nullable database columns are represented with
// pointers rather than sentinel zero values, per SPEC_FULL.md §10/design
// note in spec.md §9.
type Job struct {
	ID      int64
	SrcCell string
	DstCell string
	VolName string
	QName   string

	State         State
	LastGoodState *State

	DV uint64

	Errors         uint32
	ErrorLimitTime *time.Time

	DumpFQDN      *string
	DumpMethod    *string
	DumpPort      *int
	DumpFilename  *string
	DumpChecksum  *string
	DumpFilesize  *int64
	VolLastUpdate int64

	RestoreFilename *string

	CTime      time.Time
	MTime      time.Time
	Timeout    *uint32
	StatusFQDN *string
	Description string
}

// Deadline returns the computed deadline (mtime + timeout) and whether one is
// set at all. Used by DescribeJobs to populate its computed fields.
func (j *Job) Deadline() (time.Time, bool) {
	if j.Timeout == nil {
		return time.Time{}, false
	}
	return j.MTime.Add(time.Duration(*j.Timeout) * time.Second), true
}

// Expired reports whether now is past the job's deadline. A job with no
// timeout set is never expired.
func (j *Job) Expired(now time.Time) bool {
	deadline, ok := j.Deadline()
	return ok && now.After(deadline)
}

// DescribedJob is the read-only, enriched view returned by DescribeJobs: the
// stored Job plus the computed fields spec.md §4.1 calls for.
type DescribedJob struct {
	Job
	StaleSeconds float64
	AgeSeconds   float64
	Deadline     *time.Time
	Expired      bool
}

// Describe computes the derived fields of a DescribedJob as of now.
func Describe(j Job, now time.Time) DescribedJob {
	d := DescribedJob{
		Job:          j,
		StaleSeconds: now.Sub(j.MTime).Seconds(),
		AgeSeconds:   now.Sub(j.CTime).Seconds(),
		Expired:      j.Expired(now),
	}
	if deadline, ok := j.Deadline(); ok {
		d.Deadline = &deadline
	}
	return d
}

// UpdateCtx is the in/out optimistic-concurrency context threaded through
// every store mutation: the caller supplies the dv it last observed, and the
// store writes back the post-mutation dv on success (spec.md §9's
// "ad hoc dv-reference pass-by-reference becomes an in/out update context").
type UpdateCtx struct {
	JobID int64
	DV    uint64
}

// Filters narrows FindJobs/FindAndAdvance/DescribeJobs to a subset of rows.
// Zero-value fields are not applied (match-all).
type Filters struct {
	SrcCell  string
	DstCells []string
	QName    string
	State    State
	ErrorsOnly bool
}
