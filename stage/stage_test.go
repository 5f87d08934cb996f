package stage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openafs-contrib/cellcc/fsadmin"
	"github.com/openafs-contrib/cellcc/jobstore"
	"github.com/openafs-contrib/cellcc/supervisor"
)

// writeScript writes a fake vos-like admin command for tests to shell out to.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fakevos")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newTestEnv builds an Env against a MemoryStore and the given fake admin
// script, with a scratch dir under the test's temp space.
func newTestEnv(t *testing.T, script string) (*Env, *jobstore.MemoryStore) {
	t.Helper()
	store := jobstore.NewMemoryStore("testhost.example")
	sv := supervisor.New()
	env := &Env{
		Store:        store,
		Admin:        fsadmin.New(script, sv, nil),
		Super:        sv,
		FQDN:         "testhost.example",
		ScratchDir:   t.TempDir(),
		Schedule:     supervisor.IntervalSchedule{1},
		TimeoutSlack: 30,
		ClaimTimeout: 300,
		DumpPort:     4371,
	}
	return env, store
}

func scratchEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	names := make([]string, len(entries))
	for i, e := range entries {
		names[i] = e.Name()
	}
	return names
}

func TestProgressDescription(t *testing.T) {
	got := progressDescription(500, 1000, 0)
	want := "transferred 500 / 1000 at 0 per second"
	if got != want {
		t.Errorf("progressDescription() = %q, want %q", got, want)
	}
}

func TestScratchFileIsUniquePerCall(t *testing.T) {
	a := scratchFile("/scratch", "cellcc-dump", 7)
	b := scratchFile("/scratch", "cellcc-dump", 7)
	if a == b {
		t.Errorf("scratchFile produced the same name twice: %q", a)
	}
}
