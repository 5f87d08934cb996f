package stage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/openafs-contrib/cellcc/jobstore"
)

func newRestoreJob(t *testing.T, store *jobstore.MemoryStore, scratchDir, blob string) jobstore.Job {
	t.Helper()
	fname := "cellcc-xfer-1-abc"
	if err := os.WriteFile(filepath.Join(scratchDir, fname), []byte(blob), 0600); err != nil {
		t.Fatal(err)
	}
	uc, err := store.CreateJob(context.Background(), jobstore.Job{
		SrcCell:         "src.example",
		DstCell:         "dst.example",
		VolName:         "u.alice",
		State:           jobstore.StateXferDone,
		RestoreFilename: &fname,
	})
	if err != nil {
		t.Fatal(err)
	}
	j, _ := store.Get(uc.JobID)
	return j
}

func TestRestoreWorkerRestoresOntoRWSite(t *testing.T) {
	script := writeScript(t, `
case "$1" in
examine) echo "server1 /vicepa RW" ;;
*) exit 0 ;;
esac
`)
	env, store := newTestEnv(t, script)
	w := &RestoreWorker{Env: env}
	newRestoreJob(t, store, env.ScratchDir, "hello")

	j := claimOne(t, w, jobstore.Filters{DstCells: []string{"dst.example"}})
	if j.State != jobstore.StateRestoreStart {
		t.Fatalf("claimed job in state %s, want RESTORE_START", j.State)
	}
	w.Run(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.State != jobstore.StateRestoreDone {
		t.Fatalf("state = %s (%s), want RESTORE_DONE", got.State, got.Description)
	}
	if got.RestoreFilename != nil {
		t.Error("restore_filename should be cleared after restore")
	}
	if names := scratchEntries(t, env.ScratchDir); len(names) != 0 {
		t.Errorf("scratch dir = %v, want local blob deleted", names)
	}
}

func TestRestoreWorkerCreatesMissingVolume(t *testing.T) {
	// The fake admin reports no volume until `create` has run, then shows
	// the created RW site.
	marker := filepath.Join(t.TempDir(), "created")
	script := writeScript(t, `
case "$1" in
examine)
  if [ ! -f "`+marker+`" ]; then
    echo "VLDB: no such entry" >&2
    exit 1
  fi
  echo "server1 /vicepa RW"
  ;;
create) touch "`+marker+`" ;;
*) exit 0 ;;
esac
`)
	env, store := newTestEnv(t, script)
	env.SitePickerCmd = "echo server1 /vicepa; echo server2 /vicepb"
	w := &RestoreWorker{Env: env}
	newRestoreJob(t, store, env.ScratchDir, "hello")

	j := claimOne(t, w, jobstore.Filters{DstCells: []string{"dst.example"}})
	w.Run(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.State != jobstore.StateRestoreDone {
		t.Fatalf("state = %s (%s), want RESTORE_DONE after volume creation", got.State, got.Description)
	}
	if _, err := os.Stat(marker); err != nil {
		t.Error("create was never invoked for the missing volume")
	}
}

func newSimpleJob(t *testing.T, store *jobstore.MemoryStore, state jobstore.State) jobstore.Job {
	t.Helper()
	uc, err := store.CreateJob(context.Background(), jobstore.Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		State:   state,
	})
	if err != nil {
		t.Fatal(err)
	}
	j, _ := store.Get(uc.JobID)
	return j
}

func TestReleaseWorkerCompletesJob(t *testing.T) {
	script := writeScript(t, `
case "$1" in
examine) printf 'server1 /vicepa RW\nserver2 /vicepb RO\n' ;;
*) exit 0 ;;
esac
`)
	env, store := newTestEnv(t, script)
	env.ReleaseFlags = func(qname string) map[string]string { return nil }
	w := &ReleaseWorker{Env: env}
	newSimpleJob(t, store, jobstore.StateRestoreDone)

	j := claimOne(t, w, jobstore.Filters{DstCells: []string{"dst.example"}})
	w.Run(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.State != jobstore.StateReleaseDone {
		t.Fatalf("state = %s (%s), want RELEASE_DONE", got.State, got.Description)
	}
}

func TestReleaseWorkerFailsOnStaleSite(t *testing.T) {
	script := writeScript(t, `
case "$1" in
examine) printf 'server1 /vicepa RW\nserver2 /vicepb RO stale\n' ;;
*) exit 0 ;;
esac
`)
	env, store := newTestEnv(t, script)
	w := &ReleaseWorker{Env: env}
	newSimpleJob(t, store, jobstore.StateRestoreDone)

	j := claimOne(t, w, jobstore.Filters{DstCells: []string{"dst.example"}})
	w.Run(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.State != jobstore.StateError {
		t.Fatalf("state = %s, want ERROR for stale replica", got.State)
	}
	if got.LastGoodState == nil || *got.LastGoodState != jobstore.StateReleaseWork {
		t.Errorf("last_good_state = %v, want RELEASE_WORK", got.LastGoodState)
	}
}

func TestDeleteWorkerRemovesReplicasBeforeRW(t *testing.T) {
	log := filepath.Join(t.TempDir(), "calls.log")
	script := writeScript(t, `
echo "$@" >> "`+log+`"
case "$1" in
examine) printf 'server2 /vicepb RW\nserver1 /vicepa RO\nserver3 /vicepc BK\n' ;;
*) exit 0 ;;
esac
`)
	env, store := newTestEnv(t, script)
	w := &DeleteWorker{Env: env}
	newSimpleJob(t, store, jobstore.StateDeleteNew)

	j := claimOne(t, w, jobstore.Filters{DstCells: []string{"dst.example"}})
	if j.State != jobstore.StateDeleteDestStart {
		t.Fatalf("claimed job in state %s, want DELETE_DEST_START", j.State)
	}
	w.Run(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.State != jobstore.StateDeleteDestDone {
		t.Fatalf("state = %s (%s), want DELETE_DEST_DONE", got.State, got.Description)
	}

	raw, err := os.ReadFile(log)
	if err != nil {
		t.Fatal(err)
	}
	var removeServers []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.HasPrefix(line, "remove ") {
			fields := strings.Fields(line)
			for i, f := range fields {
				if f == "-server" && i+1 < len(fields) {
					removeServers = append(removeServers, fields[i+1])
				}
			}
		}
	}
	want := []string{"server1", "server3", "server2"}
	if len(removeServers) != len(want) {
		t.Fatalf("remove calls = %v, want %v", removeServers, want)
	}
	for i := range want {
		if removeServers[i] != want[i] {
			t.Fatalf("remove order = %v, want RO, BK, RW (%v)", removeServers, want)
		}
	}
}

func TestDeleteWorkerToleratesMissingVolume(t *testing.T) {
	script := writeScript(t, `
case "$1" in
examine) echo "VLDB: no such entry" >&2; exit 1 ;;
*) exit 0 ;;
esac
`)
	env, store := newTestEnv(t, script)
	w := &DeleteWorker{Env: env}
	newSimpleJob(t, store, jobstore.StateDeleteNew)

	j := claimOne(t, w, jobstore.Filters{DstCells: []string{"dst.example"}})
	w.Run(context.Background(), j)

	got, _ := store.Get(j.ID)
	if got.State != jobstore.StateDeleteDestDone {
		t.Fatalf("state = %s (%s), want DELETE_DEST_DONE for missing volume", got.State, got.Description)
	}
	if got.Errors != 0 {
		t.Errorf("errors = %d, want 0", got.Errors)
	}
}
