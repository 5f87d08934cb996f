// Package daemon holds the three long-running CellCC shells — dump-server,
// restore-server and check-server (spec.md §4.4) — as components that run a
// periodic work-scan tick until stopped, dispatching claimed jobs onto a
// bounded per-process worker pool.
package daemon

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/openafs-contrib/cellcc/chrono"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/l3"
	"github.com/openafs-contrib/cellcc/pool"
)

var logger = l3.Get()

// Options is shared daemon-shell behavior: Once runs a single tick and
// returns its error directly (the CLI's --once flag); otherwise a failing
// tick is logged and the next one scheduled.
type Options struct {
	Once     bool
	Interval time.Duration
}

const defaultInterval = 30 * time.Second

// runLoop drives tick once or periodically until ctx is canceled. The
// periodic mode schedules the tick as a chrono interval job after one
// immediate run, so a slow tick never overlaps the next. Daemon shutdown
// is not an error: a canceled context returns nil.
func runLoop(ctx context.Context, name string, opts Options, tick func(context.Context) error) error {
	if opts.Once {
		return tick(ctx)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}

	if err := tick(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		logger.WarnF("%s: tick failed, retrying next tick: %v", name, err)
	}

	sched := chrono.New(chrono.WithInstanceID(name))
	err := sched.AddIntervalJob(name, name+" work scan", func(context.Context) error {
		// The scheduler's own context only spans one invocation; children
		// must stop on daemon shutdown, so the daemon context is the one
		// threaded through.
		return tick(ctx)
	}, interval, chrono.WithOnError(func(jobID string, err error) {
		if ctx.Err() == nil {
			logger.WarnF("%s: tick failed, retrying next tick: %v", jobID, err)
		}
	}))
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	return sched.Stop()
}

// slot is one unit of worker-pool capacity. Slots carry a distinct id so
// the pool can tell them apart on checkin.
type slot struct {
	id int
}

// newSlotPool builds a pool bounding how many stage children one daemon
// process runs at a time.
func newSlotPool(max int) (pool.Pool[*slot], error) {
	if max <= 0 {
		max = 1
	}
	var next atomic.Int64
	return pool.NewPool[*slot](func() (*slot, error) {
		return &slot{id: int(next.Add(1))}, nil
	}, nil, 0, max, 3600)
}

// dispatch runs one claimed job per pool slot and waits for all of them, so
// a tick never returns with children still running — which is also what
// makes daemon shutdown graceful: the in-flight tick drains first
// (spec.md §5's cancellation model).
func dispatch(ctx context.Context, p pool.Pool[*slot], jobs []jobstore.Job, run func(context.Context, jobstore.Job)) {
	var wg sync.WaitGroup
	for _, j := range jobs {
		s, err := p.Checkout()
		if err != nil {
			logger.WarnF("daemon: no worker slot for job %d, deferring to next tick: %v", j.ID, err)
			continue
		}
		wg.Add(1)
		go func(j jobstore.Job, s *slot) {
			defer wg.Done()
			defer p.Checkin(s)
			run(ctx, j)
		}(j, s)
	}
	wg.Wait()
}
