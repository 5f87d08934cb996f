package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/openafs-contrib/cellcc/errutils"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/stage"
)

// RestoreServer is the destination-side daemon: one process per destination
// cell, running one worker ("child") per configured queue. Each queue child
// drives the transfer, restore, release and delete stage workers in
// sequence every tick, with its own bounded pool (spec.md §4.4).
type RestoreServer struct {
	Env     *stage.Env
	DstCell string
	// Queues is the queue-name set to serve; the caller guarantees the
	// synthetic "default" queue is present (config.QueueNames does this).
	Queues []string
	// MaxParallel resolves a queue's worker-pool size.
	MaxParallel func(qname string) int
	Opts        Options
}

// Run starts one child per queue and waits for all of them. Failures are
// aggregated: any failing queue child fails the server as a whole once the
// rest have drained.
func (s *RestoreServer) Run(ctx context.Context) error {
	queues := s.Queues
	if len(queues) == 0 {
		queues = []string{"default"}
	}

	if err := s.Env.SweepScratch(ctx); err != nil {
		logger.WarnF("restore-server: scratch sweep failed: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, len(queues))
	for i, q := range queues {
		wg.Add(1)
		go func(i int, q string) {
			defer wg.Done()
			errs[i] = s.runQueue(ctx, q)
		}(i, q)
	}
	wg.Wait()

	merr := errutils.NewMultiErr(nil)
	for i, err := range errs {
		if err != nil {
			merr.Add(fmt.Errorf("restore-server: queue %s: %w", queues[i], err))
		}
	}
	if merr.HasErrors() {
		return merr
	}
	return nil
}

// runQueue is one queue child's loop.
func (s *RestoreServer) runQueue(ctx context.Context, qname string) error {
	workers := []stage.Worker{
		&stage.TransferWorker{Env: s.Env},
		&stage.RestoreWorker{Env: s.Env},
		&stage.ReleaseWorker{Env: s.Env},
		&stage.DeleteWorker{Env: s.Env},
	}

	max := 1
	if s.MaxParallel != nil {
		max = s.MaxParallel(qname)
	}
	p, err := newSlotPool(max)
	if err != nil {
		return fmt.Errorf("building worker pool: %w", err)
	}
	defer p.Close()

	f := jobstore.Filters{DstCells: []string{s.DstCell}, QName: qname}
	logger.InfoF("restore-server: serving queue %s for cell %s (max-parallel %d)", qname, s.DstCell, max)
	return runLoop(ctx, "restore-server["+qname+"]", s.Opts, func(ctx context.Context) error {
		for _, w := range workers {
			jobs, err := w.Claim(ctx, f)
			if err != nil {
				return fmt.Errorf("%s claim: %w", w.Name(), err)
			}
			dispatch(ctx, p, jobs, w.Run)
		}
		return nil
	})
}
