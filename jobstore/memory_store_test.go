package jobstore

import (
	"context"
	"errors"
	"sync"
	"testing"
)

func newMemJob(t *testing.T, s *MemoryStore, vol string) UpdateCtx {
	t.Helper()
	uc, err := s.CreateJob(context.Background(), Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: vol,
		State:   StateNew,
	})
	if err != nil {
		t.Fatal(err)
	}
	return uc
}

func TestMemoryStoreDVMonotonicity(t *testing.T) {
	s := NewMemoryStore("host")
	uc := newMemJob(t, s, "u.alice")

	for i := 0; i < 5; i++ {
		before := uc.DV
		if err := s.UpdateJob(context.Background(), &uc, nil, Mutations{State: StateNew}); err != nil {
			t.Fatal(err)
		}
		if uc.DV != before+1 {
			t.Fatalf("dv went %d -> %d, want +1", before, uc.DV)
		}
	}
}

func TestMemoryStoreMutualExclusion(t *testing.T) {
	s := NewMemoryStore("host")
	uc := newMemJob(t, s, "u.alice")

	const workers = 8
	var wg sync.WaitGroup
	results := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			local := uc
			results[i] = s.UpdateJob(context.Background(), &local, nil, Mutations{State: StateDumpStart})
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range results {
		if err == nil {
			wins++
		} else if !errors.Is(err, ErrConflict) {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("%d concurrent updates from the same dv succeeded, want exactly 1", wins)
	}
}

func TestMemoryStoreUniquenessConstraint(t *testing.T) {
	s := NewMemoryStore("host")
	newMemJob(t, s, "u.alice")
	_, err := s.CreateJob(context.Background(), Job{
		SrcCell: "other.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		State:   StateNew,
	})
	if err == nil {
		t.Fatal("second live job for the same (dst_cell, volname) must be rejected")
	}
}

func TestMemoryStoreFromStateGuard(t *testing.T) {
	s := NewMemoryStore("host")
	uc := newMemJob(t, s, "u.alice")

	wrong := StateDumpWork
	err := s.UpdateJob(context.Background(), &uc, &wrong, Mutations{State: StateDumpDone})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("want ErrConflict for mismatched from_state, got %v", err)
	}
	j, _ := s.Get(uc.JobID)
	if j.DV != 0 || j.State != StateNew {
		t.Errorf("row mutated by a guarded miss: dv=%d state=%s", j.DV, j.State)
	}
}

func TestMemoryStoreFindAndAdvanceStampsTimeoutAndDescription(t *testing.T) {
	s := NewMemoryStore("host")
	newMemJob(t, s, "u.alice")
	newMemJob(t, s, "u.bob")

	timeout := uint32(300)
	jobs, err := s.FindAndAdvance(context.Background(), StateNew, StateDumpStart, Filters{SrcCell: "src.example"}, &timeout, "claimed")
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 {
		t.Fatalf("advanced %d jobs, want 2", len(jobs))
	}
	for _, j := range jobs {
		if j.State != StateDumpStart {
			t.Errorf("job %d state = %s, want DUMP_START", j.ID, j.State)
		}
		if j.Timeout == nil || *j.Timeout != 300 {
			t.Errorf("job %d timeout = %v, want 300", j.ID, j.Timeout)
		}
		if j.Description != "claimed" {
			t.Errorf("job %d description = %q", j.ID, j.Description)
		}
		if j.DV != 1 {
			t.Errorf("job %d dv = %d, want 1", j.ID, j.DV)
		}
	}
}

func TestMemoryStoreArchivePreservesRow(t *testing.T) {
	s := NewMemoryStore("host")
	uc := newMemJob(t, s, "u.alice")

	if err := s.ArchiveJob(context.Background(), uc.JobID, true); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(uc.JobID); ok {
		t.Error("live row should be gone after archive")
	}
	hist := s.History()
	if len(hist) != 1 || hist[0].VolName != "u.alice" {
		t.Errorf("history = %+v, want the archived row", hist)
	}
	if err := s.ArchiveJob(context.Background(), uc.JobID, true); !errors.Is(err, ErrNotFound) {
		t.Errorf("second archive of the same row: got %v, want ErrNotFound", err)
	}
}
