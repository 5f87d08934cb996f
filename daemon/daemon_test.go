package daemon

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openafs-contrib/cellcc/check"
	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/stage"
	"github.com/openafs-contrib/cellcc/supervisor"
)

func TestRunLoopOnceRunsExactlyOneTick(t *testing.T) {
	var ticks int
	err := runLoop(context.Background(), "test", Options{Once: true}, func(context.Context) error {
		ticks++
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if ticks != 1 {
		t.Errorf("ticks = %d, want 1", ticks)
	}
}

func TestRunLoopOnceSurfacesTickError(t *testing.T) {
	want := errors.New("scan failed")
	err := runLoop(context.Background(), "test", Options{Once: true}, func(context.Context) error {
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("got %v, want the tick error", err)
	}
}

func TestRunLoopDaemonToleratesTickErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var ticks atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- runLoop(ctx, "test", Options{Interval: time.Millisecond}, func(context.Context) error {
			if ticks.Add(1) >= 3 {
				cancel()
			}
			return errors.New("always failing")
		})
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("daemon loop returned %v on shutdown, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not stop on cancel")
	}
	if ticks.Load() < 3 {
		t.Errorf("ticks = %d, want >= 3 (errors must not stop the loop)", ticks.Load())
	}
}

func TestDispatchBoundsConcurrency(t *testing.T) {
	p, err := newSlotPool(2)
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	var cur, max atomic.Int32
	var mu sync.Mutex
	jobs := make([]jobstore.Job, 8)
	dispatch(context.Background(), p, jobs, func(context.Context, jobstore.Job) {
		n := cur.Add(1)
		mu.Lock()
		if n > max.Load() {
			max.Store(n)
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		cur.Add(-1)
	})
	if max.Load() > 2 {
		t.Errorf("max concurrent children = %d, want <= 2", max.Load())
	}
}

// scratchFetcher satisfies stage.Fetcher against the local scratch dir, so
// the pipeline test can run dump and restore sides on one host.
type scratchFetcher struct {
	dir string
}

func (f *scratchFetcher) GetDump(addr, filename string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(f.dir, filename))
}

func (f *scratchFetcher) RemoveDump(addr, filename string) error {
	return os.Remove(filepath.Join(f.dir, filename))
}

const pipelineScript = `
cmd="$1"; shift
case "$cmd" in
size) echo "size 5" ;;
dump)
  file=""
  prev=""
  for a in "$@"; do
    if [ "$prev" = "-file" ]; then file="$a"; fi
    prev="$a"
  done
  printf hello > "$file"
  ;;
examine) echo "server1 /vicepa RW" ;;
*) exit 0 ;;
esac
`

func newPipelineEnv(t *testing.T) (*stage.Env, *jobstore.MemoryStore) {
	t.Helper()
	script := filepath.Join(t.TempDir(), "fakevos")
	if err := os.WriteFile(script, []byte("#!/bin/sh\n"+pipelineScript), 0755); err != nil {
		t.Fatal(err)
	}
	store := jobstore.NewMemoryStore("host.example")
	sv := supervisor.New()
	scratch := t.TempDir()
	return &stage.Env{
		Store:        store,
		Admin:        fsadmin.New(script, sv, nil),
		Super:        sv,
		FQDN:         "host.example",
		ScratchDir:   scratch,
		Schedule:     supervisor.IntervalSchedule{1},
		TimeoutSlack: 30,
		ClaimTimeout: 300,
		DumpPort:     4371,
		Remctl:       &scratchFetcher{dir: scratch},
	}, store
}

func TestHappySyncPipeline(t *testing.T) {
	env, store := newPipelineEnv(t)
	ctx := context.Background()

	uc, err := store.CreateJob(ctx, jobstore.Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		State:   jobstore.StateNew,
	})
	if err != nil {
		t.Fatal(err)
	}

	ds := &DumpServer{Env: env, SrcCell: "src.example", DstCells: []string{"dst.example"}, MaxParallel: 2, Opts: Options{Once: true}}
	if err := ds.Run(ctx); err != nil {
		t.Fatalf("dump-server: %v", err)
	}
	if j, _ := store.Get(uc.JobID); j.State != jobstore.StateDumpDone {
		t.Fatalf("after dump-server: state = %s (%s), want DUMP_DONE", j.State, j.Description)
	}

	rs := &RestoreServer{Env: env, DstCell: "dst.example", Queues: []string{"default"}, Opts: Options{Once: true}}
	if err := rs.Run(ctx); err != nil {
		t.Fatalf("restore-server: %v", err)
	}
	if j, _ := store.Get(uc.JobID); j.State != jobstore.StateReleaseDone {
		t.Fatalf("after restore-server: state = %s (%s), want RELEASE_DONE", j.State, j.Description)
	}

	cs := &CheckServer{Engine: &check.Engine{Store: store, Policy: check.Policy{ErrorLimit: 5, Archive: true}}, Opts: Options{Once: true}}
	if err := cs.Run(ctx); err != nil {
		t.Fatalf("check-server: %v", err)
	}
	if _, ok := store.Get(uc.JobID); ok {
		t.Error("live row should be archived away")
	}
	if hist := store.History(); len(hist) != 1 || hist[0].State != jobstore.StateReleaseDone {
		t.Errorf("history = %+v, want the finished job", hist)
	}
	if names, _ := os.ReadDir(env.ScratchDir); len(names) != 0 {
		t.Errorf("scratch dir not empty after pipeline: %v", names)
	}
}

func TestDeletePipeline(t *testing.T) {
	env, store := newPipelineEnv(t)
	ctx := context.Background()

	uc, err := store.CreateJob(ctx, jobstore.Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		State:   jobstore.StateDeleteNew,
	})
	if err != nil {
		t.Fatal(err)
	}

	rs := &RestoreServer{Env: env, DstCell: "dst.example", Queues: []string{"default"}, Opts: Options{Once: true}}
	if err := rs.Run(ctx); err != nil {
		t.Fatalf("restore-server: %v", err)
	}
	if j, _ := store.Get(uc.JobID); j.State != jobstore.StateDeleteDestDone {
		t.Fatalf("state = %s (%s), want DELETE_DEST_DONE", j.State, j.Description)
	}
}

func TestTransferChecksumMismatchThenRetryRecovers(t *testing.T) {
	env, store := newPipelineEnv(t)
	ctx := context.Background()

	uc, err := store.CreateJob(ctx, jobstore.Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		State:   jobstore.StateNew,
	})
	if err != nil {
		t.Fatal(err)
	}

	ds := &DumpServer{Env: env, SrcCell: "src.example", DstCells: []string{"dst.example"}, MaxParallel: 1, Opts: Options{Once: true}}
	if err := ds.Run(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ := store.Get(uc.JobID)
	if j.DumpFilename == nil {
		t.Fatal("no dump blob recorded")
	}
	blobPath := filepath.Join(env.ScratchDir, *j.DumpFilename)

	// Corrupt the blob on the "dump host".
	if err := os.WriteFile(blobPath, []byte("xxxxx"), 0600); err != nil {
		t.Fatal(err)
	}

	rs := &RestoreServer{Env: env, DstCell: "dst.example", Queues: []string{"default"}, Opts: Options{Once: true}}
	if err := rs.Run(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ = store.Get(uc.JobID)
	if j.State != jobstore.StateError || j.Errors != 1 {
		t.Fatalf("state/errors = %s/%d, want ERROR/1 after corrupt transfer", j.State, j.Errors)
	}

	// One check tick resets the job for another transfer attempt.
	engine := &check.Engine{Store: store, Policy: check.Policy{ErrorLimit: 5}}
	if _, err := engine.Tick(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ = store.Get(uc.JobID)
	if j.State != jobstore.StateXferStart {
		t.Fatalf("state = %s, want XFER_START after reset", j.State)
	}

	// Repair the blob; the next restore-server tick completes the sync.
	if err := os.WriteFile(blobPath, []byte("hello"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := rs.Run(ctx); err != nil {
		t.Fatal(err)
	}
	j, _ = store.Get(uc.JobID)
	if j.State != jobstore.StateReleaseDone {
		t.Fatalf("state = %s (%s), want RELEASE_DONE after repair", j.State, j.Description)
	}
}
