package stage

import (
	"context"
	"strings"

	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/vfs"
)

// SweepScratch deletes orphaned blobs from the scratch directory: files with
// this system's scratch prefix that no live job references, left behind by
// workers that died between writing a file and recording it. Callers must
// run it before dispatching any children, while no local worker can be
// mid-write; each host's scratch directory is private to one daemon
// process, so daemon startup is such a moment.
func (e *Env) SweepScratch(ctx context.Context) error {
	jobs, err := e.Store.FindJobs(ctx, jobstore.Filters{})
	if err != nil {
		return err
	}
	live := map[string]bool{}
	for _, j := range jobs {
		if j.DumpFilename != nil {
			live[*j.DumpFilename] = true
		}
		if j.RestoreFilename != nil {
			live[*j.RestoreFilename] = true
		}
	}

	files, err := vfs.GetManager().ListRaw(e.ScratchDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		info, err := f.Info()
		if err != nil {
			continue
		}
		name := info.Name()
		if info.IsDir() || !strings.HasPrefix(name, "cellcc-") || live[name] {
			continue
		}
		if err := f.Delete(); err != nil {
			logger.WarnF("stage: removing orphaned scratch blob %s: %v", name, err)
		} else {
			logger.InfoF("stage: removed orphaned scratch blob %s", name)
		}
	}
	return nil
}
