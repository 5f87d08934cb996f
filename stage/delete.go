package stage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/jobstore"
)

// DeleteWorker claims DELETE_NEW jobs and removes every site of the volume
// from the destination cell, replicas before the authoritative copy
// (spec.md §4.3's delete contract: RO → BK → RW).
type DeleteWorker struct {
	Env *Env
}

func (w *DeleteWorker) Name() string { return "delete" }

func (w *DeleteWorker) Claim(ctx context.Context, f jobstore.Filters) ([]jobstore.Job, error) {
	return w.Env.claim(ctx, jobstore.StateDeleteNew, jobstore.StateDeleteDestStart, f, "waiting for delete worker")
}

func (w *DeleteWorker) Run(ctx context.Context, j jobstore.Job) {
	e := w.Env
	uc, ok := e.begin(ctx, j, jobstore.StateDeleteDestStart, jobstore.StateDeleteDestWork, "deleting volume")
	if !ok {
		return
	}
	e.finish(ctx, j.ID, jobstore.StateDeleteDestWork, w.delete(ctx, j, &uc))
}

// removalOrder ranks site types so replica removals precede the
// authoritative one.
var removalOrder = map[fsadmin.SiteType]int{
	fsadmin.SiteRO: 0,
	fsadmin.SiteBK: 1,
	fsadmin.SiteRW: 2,
}

func (w *DeleteWorker) delete(ctx context.Context, j jobstore.Job, uc *jobstore.UpdateCtx) error {
	e := w.Env
	work := jobstore.StateDeleteDestWork

	sites, err := e.Admin.Examine(ctx, j.DstCell, j.VolName)
	if err != nil && !errors.Is(err, fsadmin.ErrNoVolume) {
		return fmt.Errorf("examining %s for deletion: %w", j.VolName, err)
	}

	sort.SliceStable(sites, func(a, b int) bool {
		return removalOrder[sites[a].Type] < removalOrder[sites[b].Type]
	})
	for _, s := range sites {
		if err := e.Admin.RemoveSite(ctx, j.DstCell, s.Site, j.VolName); err != nil {
			return fmt.Errorf("removing %s site %s %s of %s: %w", s.Type, s.Server, s.Partition, j.VolName, err)
		}
	}

	desc := fmt.Sprintf("deletion of %s from %s complete", j.VolName, j.DstCell)
	return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
		State:        jobstore.StateDeleteDestDone,
		Description:  &desc,
		ClearTimeout: true,
	})
}
