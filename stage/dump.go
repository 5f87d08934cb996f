package stage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/jobstore"
)

// DumpWorker runs on the source-cell dump host. It claims NEW jobs, produces
// a dump blob in the scratch directory, and publishes the dump metadata the
// transfer stage needs (spec.md §4.3's dump contract).
type DumpWorker struct {
	Env *Env
}

func (w *DumpWorker) Name() string { return "dump" }

func (w *DumpWorker) Claim(ctx context.Context, f jobstore.Filters) ([]jobstore.Job, error) {
	return w.Env.claim(ctx, jobstore.StateNew, jobstore.StateDumpStart, f, "waiting for dump worker")
}

func (w *DumpWorker) Run(ctx context.Context, j jobstore.Job) {
	e := w.Env
	uc, ok := e.begin(ctx, j, jobstore.StateDumpStart, jobstore.StateDumpWork, "preparing dump")
	if !ok {
		return
	}
	e.finish(ctx, j.ID, jobstore.StateDumpWork, w.dump(ctx, j, &uc))
}

// errVolumeUnchanged is an internal signal: the destination already has the
// source's current contents and skip-unchanged is on.
var errVolumeUnchanged = errors.New("stage: destination already current")

func (w *DumpWorker) dump(ctx context.Context, j jobstore.Job, uc *jobstore.UpdateCtx) error {
	e := w.Env
	work := jobstore.StateDumpWork

	baseline, err := w.baseline(ctx, j)
	if errors.Is(err, errVolumeUnchanged) {
		// Short-circuit straight to RELEASE_DONE: nothing to dump,
		// nothing to transfer (spec.md §4.3).
		desc := fmt.Sprintf("volume %s already current at destination %s, sync skipped", j.VolName, j.DstCell)
		return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
			State:        jobstore.StateReleaseDone,
			Description:  &desc,
			ClearTimeout: true,
		})
	}
	if err != nil {
		return err
	}

	size, err := e.Admin.DumpSize(ctx, j.SrcCell, j.VolName, baseline)
	if err != nil {
		return fmt.Errorf("sizing dump of %s: %w", j.VolName, err)
	}

	free, err := freeBytes(e.ScratchDir)
	if err != nil {
		return err
	}
	if free < uint64(size+e.ScratchSlack) {
		// Roll back to the pre-WORK state with a null timeout so the check
		// engine leaves the job alone while it waits; no errors++
		// (spec.md §4.3's scratch edge policy).
		desc := fmt.Sprintf("waiting for scratch space on %s (need %d, have %d)", e.FQDN, size+e.ScratchSlack, free)
		return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
			State:        jobstore.StateDumpStart,
			Description:  &desc,
			ClearTimeout: true,
		})
	}

	dumpFile := scratchFile(e.ScratchDir, "cellcc-dump", j.ID)
	start := time.Now()

	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var conflict error
	opts := e.progressOpts(func(timeout uint32, _ time.Duration) {
		transferred := int64(0)
		if fi, err := os.Stat(dumpFile); err == nil {
			transferred = fi.Size()
		}
		desc := progressDescription(transferred, size, time.Since(start))
		if err := e.Store.UpdateJob(childCtx, uc, &work, jobstore.Mutations{
			State:       work,
			Description: &desc,
			Timeout:     &timeout,
		}); err != nil {
			conflict = err
			cancel()
		}
	})

	if err := e.Admin.Dump(childCtx, j.SrcCell, j.VolName, dumpFile, baseline, opts); err != nil {
		os.Remove(dumpFile)
		if conflict != nil {
			return conflict
		}
		return fmt.Errorf("dumping %s: %w", j.VolName, err)
	}

	sum, err := checksumFile(dumpFile, e.Checksum)
	if err != nil {
		os.Remove(dumpFile)
		return err
	}
	fi, err := os.Stat(dumpFile)
	if err != nil {
		os.Remove(dumpFile)
		return fmt.Errorf("stating dump file: %w", err)
	}

	desc := fmt.Sprintf("dump of %s complete (%d bytes), waiting for transfer", j.VolName, fi.Size())
	err = e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
		State:         jobstore.StateDumpDone,
		Description:   &desc,
		DumpFQDN:      strPtr(e.FQDN),
		DumpMethod:    strPtr("remctl"),
		DumpPort:      intPtr(e.DumpPort),
		DumpFilename:  strPtr(filepath.Base(dumpFile)),
		DumpChecksum:  strPtr(sum),
		DumpFilesize:  int64Ptr(fi.Size()),
		VolLastUpdate: int64Ptr(baseline),
		ClearTimeout:  true,
	})
	if err != nil {
		os.Remove(dumpFile)
		return err
	}
	return nil
}

// baseline decides between a full and an incremental dump per the three
// incremental toggles in spec.md §4.3. It returns 0 for a full dump, the
// destination's last-update epoch for an incremental one, or
// errVolumeUnchanged for the skip-unchanged short-circuit.
func (w *DumpWorker) baseline(ctx context.Context, j jobstore.Job) (int64, error) {
	e := w.Env
	if !e.Incremental.Enabled {
		return 0, nil
	}

	remote, err := e.Admin.VolumeLastUpdate(ctx, j.DstCell, j.VolName)
	if err != nil {
		if errors.Is(err, fsadmin.ErrNoVolume) {
			// Destination has no copy yet: a full dump is the only option.
			return 0, nil
		}
		if e.Incremental.FulldumpOnError {
			logger.WarnF("stage: job %d: incremental baseline unavailable, falling back to full dump: %v", j.ID, err)
			return 0, nil
		}
		return 0, fmt.Errorf("computing incremental baseline for %s: %w", j.VolName, err)
	}

	local, err := e.Admin.VolumeLastUpdate(ctx, j.SrcCell, j.VolName)
	if err != nil {
		if e.Incremental.FulldumpOnError {
			logger.WarnF("stage: job %d: source last-update unavailable, falling back to full dump: %v", j.ID, err)
			return 0, nil
		}
		return 0, fmt.Errorf("reading source last-update for %s: %w", j.VolName, err)
	}

	if remote > local {
		// The destination claims to be newer than the source. That can only
		// mean the two cells disagree about which copy is authoritative,
		// and an incremental dump on top of it would corrupt the
		// destination. Always fatal (spec.md §8 boundary behavior).
		return 0, fmt.Errorf("destination %s has update time %d newer than source %d for %s", j.DstCell, remote, local, j.VolName)
	}
	if remote == local && e.Incremental.SkipUnchanged {
		return 0, errVolumeUnchanged
	}
	return remote, nil
}
