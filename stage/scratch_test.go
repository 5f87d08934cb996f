package stage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openafs-contrib/cellcc/jobstore"
)

func TestSweepScratchRemovesOnlyOrphans(t *testing.T) {
	env, store := newTestEnv(t, writeScript(t, "exit 0"))

	// A live job still references its dump blob.
	fname := "cellcc-dump-1-live"
	if _, err := store.CreateJob(context.Background(), jobstore.Job{
		SrcCell:      "src.example",
		DstCell:      "dst.example",
		VolName:      "u.alice",
		State:        jobstore.StateDumpDone,
		DumpFilename: &fname,
	}); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{fname, "cellcc-dump-9-orphan", "unrelated.dat"} {
		if err := os.WriteFile(filepath.Join(env.ScratchDir, name), []byte("x"), 0600); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.SweepScratch(context.Background()); err != nil {
		t.Fatal(err)
	}

	names := scratchEntries(t, env.ScratchDir)
	got := map[string]bool{}
	for _, n := range names {
		got[n] = true
	}
	if !got[fname] {
		t.Error("referenced blob was swept")
	}
	if got["cellcc-dump-9-orphan"] {
		t.Error("orphaned blob survived the sweep")
	}
	if !got["unrelated.dat"] {
		t.Error("non-cellcc file was swept")
	}
}
