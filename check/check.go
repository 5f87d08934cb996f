package check

import (
	"context"
	"errors"
	"time"

	"github.com/openafs-contrib/cellcc/jobstore"
)

// Policy carries the check engine's thresholds from the directive tree. A
// zero StaleAfter or OldAfter disables that rule.
type Policy struct {
	// ErrorLimit is the number of failed attempts after which a job is no
	// longer retried automatically.
	ErrorLimit uint32
	// ErrorLimitWindow rate-limits repeated ALERT_ERRORLIMIT alerts for the
	// same job, tracked via errorlimit_mtime.
	ErrorLimitWindow time.Duration
	// StaleAfter raises ALERT_STALE when a job's mtime is older than this.
	StaleAfter time.Duration
	// OldAfter raises ALERT_OLD when a job's ctime is older than this.
	OldAfter time.Duration
	// Archive copies finished jobs to the history relation before deleting
	// them from the live table.
	Archive bool
}

// Engine is the check-server's sweep: for every job, apply the first
// matching rule of spec.md §4.5 — reset, done, expired, stale, old — then
// dispatch every alert the tick accumulated, once.
type Engine struct {
	Store    jobstore.Store
	Policy   Policy
	Dispatch *Dispatcher
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// Tick runs one full sweep and returns the alerts it raised (after
// dispatching them, if a Dispatcher is configured).
func (e *Engine) Tick(ctx context.Context) ([]Alert, error) {
	jobs, err := e.Store.FindJobs(ctx, jobstore.Filters{})
	if err != nil {
		return nil, err
	}
	t := e.now()
	var alerts []Alert
	for _, j := range jobs {
		if a := e.checkJob(ctx, j, t); a != nil {
			alerts = append(alerts, *a)
		}
	}
	if e.Dispatch != nil {
		e.Dispatch.Dispatch(ctx, alerts)
	}
	return alerts, nil
}

// checkJob applies at most one rule to j and returns the alert it raised,
// if any. Rule failures are logged, never propagated: a job the engine
// cannot currently act on is simply revisited next tick.
func (e *Engine) checkJob(ctx context.Context, j jobstore.Job, now time.Time) *Alert {
	// Reset rule.
	if j.State == jobstore.StateError {
		return e.checkError(ctx, j, now)
	}

	// Done rule.
	if j.State.IsTerminal() {
		if err := e.Store.ArchiveJob(ctx, j.ID, e.Policy.Archive); err != nil && !errors.Is(err, jobstore.ErrNotFound) {
			logger.WarnF("check: archiving job %d: %v", j.ID, err)
		}
		return nil
	}

	// Expired rule.
	if j.Expired(now) {
		a := newAlert(AlertExpired, j, "deadline exceeded (timeout %ds past mtime)", *j.Timeout)
		e.Store.JobError(ctx, j.ID, j.State, "deadline exceeded")
		return &a
	}

	// Stale rule.
	if e.Policy.StaleAfter > 0 && now.Sub(j.MTime) > e.Policy.StaleAfter {
		a := newAlert(AlertStale, j, "no progress for %s", now.Sub(j.MTime).Round(time.Second))
		return &a
	}

	// Old rule.
	if e.Policy.OldAfter > 0 && now.Sub(j.CTime) > e.Policy.OldAfter {
		a := newAlert(AlertOld, j, "job is %s old", now.Sub(j.CTime).Round(time.Second))
		return &a
	}
	return nil
}

// checkError handles a job sitting in ERROR: retry it if it has attempts
// left, otherwise raise a rate-limited error-limit alert.
func (e *Engine) checkError(ctx context.Context, j jobstore.Job, now time.Time) *Alert {
	if j.Errors < e.Policy.ErrorLimit {
		if j.LastGoodState == nil {
			logger.WarnF("check: job %d in ERROR has no last_good_state, cannot derive retry target", j.ID)
			return nil
		}
		target := jobstore.RetryOf(*j.LastGoodState)
		uc := jobstore.UpdateCtx{JobID: j.ID, DV: j.DV}
		from := jobstore.StateError
		desc := "retrying after error"
		err := e.Store.UpdateJob(ctx, &uc, &from, jobstore.Mutations{
			State:              target,
			Description:        &desc,
			ClearLastGoodState: true,
			ClearTimeout:       true,
		})
		if err != nil {
			if !errors.Is(err, jobstore.ErrConflict) {
				logger.WarnF("check: resetting job %d: %v", j.ID, err)
			}
			return nil
		}
		a := newAlert(AlertRetry, j, "retrying from %s (attempt %d of %d)", target, j.Errors+1, e.Policy.ErrorLimit)
		return &a
	}

	// Error limit reached: alert, but at most once per window per job.
	if j.ErrorLimitTime != nil && now.Sub(*j.ErrorLimitTime) < e.Policy.ErrorLimitWindow {
		return nil
	}
	uc := jobstore.UpdateCtx{JobID: j.ID, DV: j.DV}
	from := jobstore.StateError
	err := e.Store.UpdateJob(ctx, &uc, &from, jobstore.Mutations{
		State:           jobstore.StateError,
		ErrorLimitMTime: &now,
	})
	if err != nil {
		if !errors.Is(err, jobstore.ErrConflict) {
			logger.WarnF("check: stamping errorlimit_mtime on job %d: %v", j.ID, err)
		}
		return nil
	}
	a := newAlert(AlertErrorLimit, j, "%d failures reached the error limit %d, not retrying", j.Errors, e.Policy.ErrorLimit)
	return &a
}
