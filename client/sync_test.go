package client

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/openafs-contrib/cellcc/config"
	"github.com/openafs-contrib/cellcc/jobstore"
)

func testConfig(t *testing.T, extra string) *config.Directives {
	t.Helper()
	content := `
{
  "db": { "dsn": "x" },
  "vos": { "localauth": true },
  "cells": { "src.example": { "dst-cells": ["dst.example", "other.example"] } }
  ` + extra + `
}
`
	path := filepath.Join(t.TempDir(), "cellcc.conf")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path, nil)
	if err != nil {
		t.Fatal(err)
	}
	return cfg
}

func TestStartSyncCreatesOneJobPerDestination(t *testing.T) {
	store := jobstore.NewMemoryStore("client.example")
	cfg := testConfig(t, "")

	created, err := StartSync(context.Background(), store, cfg, SyncRequest{
		SrcCell: "src.example",
		Volume:  "u.alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d jobs, want 2", len(created))
	}
	jobs, _ := store.FindJobs(context.Background(), jobstore.Filters{})
	for _, j := range jobs {
		if j.State != jobstore.StateNew {
			t.Errorf("job %d state = %s, want NEW", j.ID, j.State)
		}
		if j.QName != "default" {
			t.Errorf("job %d qname = %s, want default", j.ID, j.QName)
		}
	}
}

func TestStartSyncDeleteCreatesDeleteJobs(t *testing.T) {
	store := jobstore.NewMemoryStore("client.example")
	cfg := testConfig(t, "")

	created, err := StartSync(context.Background(), store, cfg, SyncRequest{
		SrcCell: "src.example",
		Volume:  "u.alice",
		Delete:  true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 2 {
		t.Fatalf("created %d jobs, want 2", len(created))
	}
	jobs, _ := store.FindJobs(context.Background(), jobstore.Filters{})
	for _, j := range jobs {
		if j.State != jobstore.StateDeleteNew {
			t.Errorf("job %d state = %s, want DELETE_NEW", j.ID, j.State)
		}
	}
}

func TestStartSyncHonorsVolumeFilter(t *testing.T) {
	store := jobstore.NewMemoryStore("client.example")
	cfg := testConfig(t, `, "hooks": { "volume-filter": "test \"$CELLCC_FILTER_DST_CELL\" = dst.example && echo include || echo exclude" }`)

	created, err := StartSync(context.Background(), store, cfg, SyncRequest{
		SrcCell: "src.example",
		Volume:  "u.alice",
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(created) != 1 {
		t.Fatalf("created %d jobs, want 1 (other.example excluded)", len(created))
	}
	jobs, _ := store.FindJobs(context.Background(), jobstore.Filters{})
	if len(jobs) != 1 || jobs[0].DstCell != "dst.example" {
		t.Errorf("jobs = %+v, want only dst.example", jobs)
	}
}

func TestStartSyncFailsOnGarbageFilterOutput(t *testing.T) {
	store := jobstore.NewMemoryStore("client.example")
	cfg := testConfig(t, `, "hooks": { "volume-filter": "echo include; echo exclude" }`)

	if _, err := StartSync(context.Background(), store, cfg, SyncRequest{
		SrcCell: "src.example",
		Volume:  "u.alice",
	}); err == nil {
		t.Fatal("filter emitting both include and exclude must be fatal")
	}
}

func TestStartSyncRequiresConfiguredDestinations(t *testing.T) {
	store := jobstore.NewMemoryStore("client.example")
	cfg := testConfig(t, "")

	if _, err := StartSync(context.Background(), store, cfg, SyncRequest{
		SrcCell: "unknown.example",
		Volume:  "u.alice",
	}); err == nil {
		t.Fatal("expected error for a source cell with no dst-cells")
	}
}
