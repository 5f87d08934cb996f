package stage

import (
	"context"
	"fmt"

	"github.com/openafs-contrib/cellcc/jobstore"
)

// ReleaseWorker claims RESTORE_DONE jobs and publishes the restored RW
// contents to the volume's read-only replicas, then re-examines the sites
// for anything the release left behind (spec.md §4.3's release contract).
type ReleaseWorker struct {
	Env *Env
}

func (w *ReleaseWorker) Name() string { return "release" }

func (w *ReleaseWorker) Claim(ctx context.Context, f jobstore.Filters) ([]jobstore.Job, error) {
	return w.Env.claim(ctx, jobstore.StateRestoreDone, jobstore.StateReleaseStart, f, "waiting for release worker")
}

func (w *ReleaseWorker) Run(ctx context.Context, j jobstore.Job) {
	e := w.Env
	uc, ok := e.begin(ctx, j, jobstore.StateReleaseStart, jobstore.StateReleaseWork, "releasing volume")
	if !ok {
		return
	}
	e.finish(ctx, j.ID, jobstore.StateReleaseWork, w.release(ctx, j, &uc))
}

func (w *ReleaseWorker) release(ctx context.Context, j jobstore.Job, uc *jobstore.UpdateCtx) error {
	e := w.Env
	work := jobstore.StateReleaseWork

	var flags map[string]string
	if e.ReleaseFlags != nil {
		flags = e.ReleaseFlags(j.QName)
	}
	if err := e.Admin.Release(ctx, j.DstCell, j.VolName, flags); err != nil {
		return fmt.Errorf("releasing %s: %w", j.VolName, err)
	}

	// The release command exiting zero is not proof the volume is healthy:
	// a partially applied release leaves sites stale or locked, and letting
	// the job finish would hide that from the operator.
	sites, err := e.Admin.Examine(ctx, j.DstCell, j.VolName)
	if err != nil {
		return fmt.Errorf("examining %s after release: %w", j.VolName, err)
	}
	for _, s := range sites {
		if s.Locked {
			return fmt.Errorf("site %s %s of %s is locked after release", s.Server, s.Partition, j.VolName)
		}
		if s.Stale {
			return fmt.Errorf("site %s %s of %s is stale after release", s.Server, s.Partition, j.VolName)
		}
	}

	desc := fmt.Sprintf("sync of %s to %s complete", j.VolName, j.DstCell)
	return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
		State:        jobstore.StateReleaseDone,
		Description:  &desc,
		ClearTimeout: true,
	})
}
