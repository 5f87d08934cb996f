package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/hooks"
	"github.com/openafs-contrib/cellcc/jobstore"
)

// RestoreWorker runs on a destination cell's restore host. It claims
// XFER_DONE jobs, creates the destination volume if needed (via the
// site-picker hook), restores the fetched dump onto the RW site, and
// deletes the local blob (spec.md §4.3's restore contract).
type RestoreWorker struct {
	Env *Env
}

func (w *RestoreWorker) Name() string { return "restore" }

func (w *RestoreWorker) Claim(ctx context.Context, f jobstore.Filters) ([]jobstore.Job, error) {
	return w.Env.claim(ctx, jobstore.StateXferDone, jobstore.StateRestoreStart, f, "waiting for restore worker")
}

func (w *RestoreWorker) Run(ctx context.Context, j jobstore.Job) {
	e := w.Env
	uc, ok := e.begin(ctx, j, jobstore.StateRestoreStart, jobstore.StateRestoreWork, "preparing restore")
	if !ok {
		return
	}
	e.finish(ctx, j.ID, jobstore.StateRestoreWork, w.restore(ctx, j, &uc))
}

func (w *RestoreWorker) restore(ctx context.Context, j jobstore.Job, uc *jobstore.UpdateCtx) error {
	e := w.Env
	work := jobstore.StateRestoreWork

	if j.RestoreFilename == nil {
		return fmt.Errorf("job %d reached restore without a fetched blob", j.ID)
	}
	localFile, err := fsadmin.DumpPath(e.ScratchDir, *j.RestoreFilename)
	if err != nil {
		return err
	}

	sites, err := e.Admin.Examine(ctx, j.DstCell, j.VolName)
	if errors.Is(err, fsadmin.ErrNoVolume) {
		sites, err = w.createVolume(ctx, j)
	}
	if err != nil {
		return err
	}

	var rw *fsadmin.Site
	for i := range sites {
		if sites[i].Type == fsadmin.SiteRW {
			rw = &sites[i].Site
			break
		}
	}
	if rw == nil {
		return fmt.Errorf("volume %s has no RW site in cell %s", j.VolName, j.DstCell)
	}

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var conflict error
	opts := e.progressOpts(func(timeout uint32, _ time.Duration) {
		desc := fmt.Sprintf("restoring %s onto %s %s", j.VolName, rw.Server, rw.Partition)
		if err := e.Store.UpdateJob(childCtx, uc, &work, jobstore.Mutations{
			State:       work,
			Description: &desc,
			Timeout:     &timeout,
		}); err != nil {
			conflict = err
			cancel()
		}
	})

	incremental := j.VolLastUpdate > 0
	if err := e.Admin.Restore(childCtx, j.DstCell, *rw, j.VolName, localFile, incremental, opts); err != nil {
		if conflict != nil {
			return conflict
		}
		return fmt.Errorf("restoring %s: %w", j.VolName, err)
	}

	if err := os.Remove(localFile); err != nil && !os.IsNotExist(err) {
		logger.WarnF("stage: job %d: removing restored blob %s: %v", j.ID, localFile, err)
	}

	desc := fmt.Sprintf("restore of %s complete, waiting for release", j.VolName)
	return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
		State:                jobstore.StateRestoreDone,
		Description:          &desc,
		ClearRestoreFilename: true,
		ClearTimeout:         true,
	})
}

// createVolume provisions a destination volume that does not exist yet: the
// site-picker hook chooses the sites, the first becoming the RW site (and
// also a replica site), the rest read-only replicas. The new volume is
// taken offline so nothing reads it before the first restore lands.
func (w *RestoreWorker) createVolume(ctx context.Context, j jobstore.Job) ([]fsadmin.SiteStatus, error) {
	e := w.Env
	rw, ro, err := hooks.RunSitePicker(ctx, e.SitePickerCmd, hooks.PickerRequest{
		Volume:  j.VolName,
		SrcCell: j.SrcCell,
		DstCell: j.DstCell,
		Cell:    j.DstCell,
	})
	if err != nil {
		return nil, err
	}

	rwSite := fsadmin.Site{Server: rw.Server, Partition: rw.Partition, Type: fsadmin.SiteRW}
	quota := e.CreateQuotaKB
	if quota <= 0 {
		quota = 1
	}
	if err := e.Admin.CreateVolume(ctx, j.DstCell, rwSite, j.VolName, quota); err != nil {
		return nil, fmt.Errorf("creating %s in %s: %w", j.VolName, j.DstCell, err)
	}

	statuses := []fsadmin.SiteStatus{{Site: rwSite}}
	replicas := append([]hooks.Site{rw}, ro...)
	for _, r := range replicas {
		site := fsadmin.Site{Server: r.Server, Partition: r.Partition, Type: fsadmin.SiteRO}
		if err := e.Admin.AddReplicaSite(ctx, j.DstCell, site, j.VolName); err != nil {
			return nil, fmt.Errorf("adding replica site %s %s for %s: %w", r.Server, r.Partition, j.VolName, err)
		}
		statuses = append(statuses, fsadmin.SiteStatus{Site: site})
	}
	return statuses, nil
}
