package stage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/openafs-contrib/cellcc/jobstore"
)

// TransferWorker runs on a destination cell's restore host. It claims
// DUMP_DONE jobs, pulls the dump blob from the origin host over the
// remote-command transport, and verifies it byte-for-byte before letting
// the restore stage near it (spec.md §4.3's transfer contract).
type TransferWorker struct {
	Env *Env
}

func (w *TransferWorker) Name() string { return "transfer" }

func (w *TransferWorker) Claim(ctx context.Context, f jobstore.Filters) ([]jobstore.Job, error) {
	return w.Env.claim(ctx, jobstore.StateDumpDone, jobstore.StateXferStart, f, "waiting for transfer worker")
}

func (w *TransferWorker) Run(ctx context.Context, j jobstore.Job) {
	e := w.Env
	uc, ok := e.begin(ctx, j, jobstore.StateXferStart, jobstore.StateXferWork, "preparing transfer")
	if !ok {
		return
	}
	e.finish(ctx, j.ID, jobstore.StateXferWork, w.transfer(ctx, j, &uc))
}

func (w *TransferWorker) transfer(ctx context.Context, j jobstore.Job, uc *jobstore.UpdateCtx) error {
	e := w.Env
	work := jobstore.StateXferWork

	if j.DumpFilename == nil || j.DumpChecksum == nil || j.DumpFilesize == nil || j.DumpFQDN == nil {
		return fmt.Errorf("job %d reached transfer without dump metadata", j.ID)
	}
	size := *j.DumpFilesize

	free, err := freeBytes(e.ScratchDir)
	if err != nil {
		return err
	}
	if free < uint64(size+e.ScratchSlack) {
		desc := fmt.Sprintf("waiting for scratch space on %s (need %d, have %d)", e.FQDN, size+e.ScratchSlack, free)
		return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
			State:        jobstore.StateXferStart,
			Description:  &desc,
			ClearTimeout: true,
		})
	}

	port := e.DumpPort
	if j.DumpPort != nil {
		port = *j.DumpPort
	}
	addr := fmt.Sprintf("%s:%d", *j.DumpFQDN, port)
	localFile := scratchFile(e.ScratchDir, "cellcc-xfer", j.ID)
	start := time.Now()

	var transferred atomic.Int64
	childCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	var conflict error
	opts := e.progressOpts(func(timeout uint32, _ time.Duration) {
		desc := progressDescription(transferred.Load(), size, time.Since(start))
		if err := e.Store.UpdateJob(childCtx, uc, &work, jobstore.Mutations{
			State:       work,
			Description: &desc,
			Timeout:     &timeout,
		}); err != nil {
			conflict = err
			cancel()
		}
	})

	err = e.Super.RunInProcess(childCtx, func(ctx context.Context) error {
		return w.fetch(ctx, addr, *j.DumpFilename, localFile, &transferred)
	}, opts)
	if err != nil {
		os.Remove(localFile)
		if conflict != nil {
			return conflict
		}
		return fmt.Errorf("fetching %s from %s: %w", *j.DumpFilename, addr, err)
	}

	if err := w.verify(localFile, size, *j.DumpChecksum); err != nil {
		// A corrupt blob must not survive: delete the local copy and clear
		// restore_filename so a retry re-fetches from scratch.
		os.Remove(localFile)
		if uerr := e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
			State:                work,
			ClearRestoreFilename: true,
		}); uerr != nil {
			return uerr
		}
		return err
	}

	// Only after the local copy is verified do we remove the origin blob,
	// and only after that succeeds do we drop dump_filename — so a failure
	// anywhere leaves a re-fetchable blob on one side or the other.
	if err := e.Remctl.RemoveDump(addr, *j.DumpFilename); err != nil {
		return fmt.Errorf("removing origin dump %s on %s: %w", *j.DumpFilename, addr, err)
	}

	desc := fmt.Sprintf("transfer of %s complete (%d bytes), waiting for restore", j.VolName, size)
	return e.Store.UpdateJob(ctx, uc, &work, jobstore.Mutations{
		State:             jobstore.StateXferDone,
		Description:       &desc,
		RestoreFilename:   strPtr(filepath.Base(localFile)),
		ClearDumpFilename: true,
		ClearTimeout:      true,
	})
}

// fetch streams the named blob from the origin host into localFile,
// accounting bytes into transferred for the progress callback.
func (w *TransferWorker) fetch(ctx context.Context, addr, filename, localFile string, transferred *atomic.Int64) error {
	rc, err := w.Env.Remctl.GetDump(addr, filename)
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(localFile, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	defer out.Close()

	buf := make([]byte, 256*1024)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, rerr := rc.Read(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			transferred.Add(int64(n))
		}
		if rerr == io.EOF {
			return out.Sync()
		}
		if rerr != nil {
			return rerr
		}
	}
}

func (w *TransferWorker) verify(localFile string, wantSize int64, wantSum string) error {
	fi, err := os.Stat(localFile)
	if err != nil {
		return fmt.Errorf("stating fetched blob: %w", err)
	}
	if fi.Size() != wantSize {
		return fmt.Errorf("fetched blob is %d bytes, want %d", fi.Size(), wantSize)
	}
	ok, err := verifyChecksum(localFile, wantSum)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fetched blob checksum does not match %s", wantSum)
	}
	return nil
}
