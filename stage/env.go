package stage

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/supervisor"
)

// Fetcher is the slice of the remote-command client the transfer stage
// needs: pull a blob, remove it at the origin. Satisfied by *remctl.Client.
type Fetcher interface {
	GetDump(addr, filename string) (io.ReadCloser, error)
	RemoveDump(addr, filename string) error
}

// IncrementalPolicy carries the three dump-stage configuration toggles from
// spec.md §4.3.
type IncrementalPolicy struct {
	Enabled        bool
	SkipUnchanged  bool
	FulldumpOnError bool
}

// Env is the shared environment every stage worker runs against: the job
// store, the filesystem admin wrapper, the child supervisor, and the
// resolved per-host settings. One Env is built per daemon process from the
// directive tree and handed to each worker.
type Env struct {
	Store jobstore.Store
	Admin *fsadmin.Admin
	Super *supervisor.Supervisor

	// FQDN is recorded as dump_fqdn / status_fqdn on rows this host mutates.
	FQDN string

	ScratchDir string
	// ScratchSlack is the headroom in bytes required beyond the expected
	// dump size before a stage will write into ScratchDir.
	ScratchSlack int64

	Checksum ChecksumAlgo

	// Schedule drives the supervisor's progress callbacks; TimeoutSlack is
	// added on top of the next callback interval when refreshing a job's
	// timeout, so a job is never considered expired between two callbacks.
	Schedule     supervisor.IntervalSchedule
	TimeoutSlack uint32

	// ClaimTimeout is the default timeout (seconds) stamped onto jobs at
	// FindAndAdvance pickup.
	ClaimTimeout uint32

	Incremental IncrementalPolicy

	// DumpPort is the port this host's remctl service listens on, recorded
	// as dump_port for the restore side to dial.
	DumpPort int

	// Remctl is the restore-host side client used by the transfer stage.
	Remctl Fetcher

	// SitePickerCmd is the configured site-picker hook command line.
	SitePickerCmd string

	// ReleaseFlags resolves the per-queue release flag map from
	// configuration.
	ReleaseFlags func(qname string) map[string]string

	// CreateQuotaKB is the minimal quota assigned to a freshly created
	// destination volume before the first restore overwrites it.
	CreateQuotaKB int
}

// nextTimeout computes the refreshed job timeout covering the next progress
// interval plus slack.
func (e *Env) nextTimeout(next time.Duration) uint32 {
	return uint32(next/time.Second) + e.TimeoutSlack
}

// claim transitions every job in state from (matching f) to state to and
// returns the claimed set, stamping the default claim timeout and
// description.
func (e *Env) claim(ctx context.Context, from, to jobstore.State, f jobstore.Filters, description string) ([]jobstore.Job, error) {
	timeout := e.ClaimTimeout
	return e.Store.FindAndAdvance(ctx, from, to, f, &timeout, description)
}

// begin performs the START→WORK claim for one job with a dv + from_state
// guard. It returns an UpdateCtx positioned after the claim, or false if
// another worker won the row.
func (e *Env) begin(ctx context.Context, j jobstore.Job, from, work jobstore.State, description string) (jobstore.UpdateCtx, bool) {
	uc := jobstore.UpdateCtx{JobID: j.ID, DV: j.DV}
	timeout := e.ClaimTimeout
	err := e.Store.UpdateJob(ctx, &uc, &from, jobstore.Mutations{
		State:       work,
		Description: &description,
		Timeout:     &timeout,
	})
	if err != nil {
		if errors.Is(err, jobstore.ErrConflict) {
			logger.DebugF("stage: job %d: lost claim race at dv=%d, skipping", j.ID, j.DV)
		} else {
			logger.WarnF("stage: job %d: claim failed: %v", j.ID, err)
		}
		return uc, false
	}
	return uc, true
}

// finish reports the outcome of one job's work phase: a nil err advances
// nothing (the worker already advanced the row itself); ErrConflict aborts
// silently (another actor reset or advanced the job mid-stage, spec.md
// §4.3's edge policy — never an errors++); anything else is translated to
// a best-effort JobError from the given work state.
func (e *Env) finish(ctx context.Context, jobID int64, work jobstore.State, err error) {
	if err == nil {
		return
	}
	if errors.Is(err, jobstore.ErrConflict) {
		logger.InfoF("stage: job %d: conflict mid-%s, abandoning without error: %v", jobID, work, err)
		return
	}
	logger.WarnF("stage: job %d: %s failed: %v", jobID, work, err)
	e.Store.JobError(ctx, jobID, work, err.Error())
}

// progressOpts builds the supervisor options that refresh the job's
// timeout and description on the configured schedule. update is invoked
// with the refreshed timeout value; it should perform the guarded
// UpdateJob and cancel the child's context on conflict.
func (e *Env) progressOpts(update func(timeout uint32, next time.Duration)) supervisor.Options {
	return supervisor.Options{
		Schedule: e.Schedule,
		OnProgress: func(next time.Duration) {
			update(e.nextTimeout(next), next)
		},
	}
}

// Worker is one pipeline-stage worker: Claim picks up and transitions the
// stage's input jobs, Run drives a single claimed job to completion (or to
// ERROR). Run never returns an error — every failure is translated into
// job state per spec.md §7's propagation policy.
type Worker interface {
	Name() string
	Claim(ctx context.Context, f jobstore.Filters) ([]jobstore.Job, error)
	Run(ctx context.Context, j jobstore.Job)
}
