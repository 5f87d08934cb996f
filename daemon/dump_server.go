package daemon

import (
	"context"
	"fmt"

	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/stage"
)

// DumpServer is the source-side daemon: one process per dump host, scanning
// for NEW jobs for its source cell and driving the dump stage worker.
type DumpServer struct {
	Env      *stage.Env
	SrcCell  string
	DstCells []string
	// MaxParallel bounds concurrent dump children.
	MaxParallel int
	Opts        Options
}

// Run scans until ctx is canceled (or once, in one-shot mode).
func (s *DumpServer) Run(ctx context.Context) error {
	w := &stage.DumpWorker{Env: s.Env}
	p, err := newSlotPool(s.MaxParallel)
	if err != nil {
		return fmt.Errorf("dump-server: building worker pool: %w", err)
	}
	defer p.Close()

	if err := s.Env.SweepScratch(ctx); err != nil {
		logger.WarnF("dump-server: scratch sweep failed: %v", err)
	}

	f := jobstore.Filters{SrcCell: s.SrcCell, DstCells: s.DstCells}
	logger.InfoF("dump-server: serving src cell %s for destinations %v", s.SrcCell, s.DstCells)
	return runLoop(ctx, "dump-server", s.Opts, func(ctx context.Context) error {
		jobs, err := w.Claim(ctx, f)
		if err != nil {
			return err
		}
		dispatch(ctx, p, jobs, w.Run)
		return nil
	})
}
