package check

import (
	"context"
	"testing"
	"time"

	"github.com/openafs-contrib/cellcc/jobstore"
)

func newEngine(store jobstore.Store, p Policy) *Engine {
	return &Engine{Store: store, Policy: p}
}

func createJob(t *testing.T, s *jobstore.MemoryStore, state jobstore.State) int64 {
	t.Helper()
	uc, err := s.CreateJob(context.Background(), jobstore.Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		State:   state,
	})
	if err != nil {
		t.Fatal(err)
	}
	return uc.JobID
}

func failJob(t *testing.T, s *jobstore.MemoryStore, jobID int64, times int) {
	t.Helper()
	for i := 0; i < times; i++ {
		s.JobError(context.Background(), jobID, jobstore.StateDumpWork, "injected failure")
	}
}

func TestResetRuleRetriesWithErrorsPreserved(t *testing.T) {
	s := jobstore.NewMemoryStore("checkhost")
	id := createJob(t, s, jobstore.StateDumpWork)
	s.JobError(context.Background(), id, jobstore.StateDumpWork, "boom")

	e := newEngine(s, Policy{ErrorLimit: 5})
	alerts, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertRetry {
		t.Fatalf("alerts = %+v, want one ALERT_RETRY", alerts)
	}

	j, _ := s.Get(id)
	if j.State != jobstore.StateDumpStart {
		t.Errorf("state = %s, want retry target DUMP_START", j.State)
	}
	if j.Errors != 1 {
		t.Errorf("errors = %d, want 1 (unchanged by the check reset)", j.Errors)
	}
	if j.LastGoodState != nil {
		t.Error("last_good_state should be cleared on reset")
	}
	if j.Timeout != nil {
		t.Error("timeout should be cleared on reset")
	}
}

func TestErrorLimitAlertIsRateLimited(t *testing.T) {
	s := jobstore.NewMemoryStore("checkhost")
	id := createJob(t, s, jobstore.StateDumpWork)
	failJob(t, s, id, 5)

	base := time.Now()
	e := newEngine(s, Policy{ErrorLimit: 5, ErrorLimitWindow: time.Hour})
	e.Now = func() time.Time { return base }

	alerts, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertErrorLimit {
		t.Fatalf("first tick alerts = %+v, want one ALERT_ERRORLIMIT", alerts)
	}
	j, _ := s.Get(id)
	if j.State != jobstore.StateError {
		t.Errorf("state = %s, want ERROR (no reset past the limit)", j.State)
	}
	if j.ErrorLimitTime == nil {
		t.Fatal("errorlimit_mtime not stamped")
	}

	// Second tick inside the window: silent.
	e.Now = func() time.Time { return base.Add(30 * time.Minute) }
	alerts, err = e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 0 {
		t.Fatalf("in-window tick alerts = %+v, want none", alerts)
	}

	// Past the window: one more.
	e.Now = func() time.Time { return base.Add(2 * time.Hour) }
	alerts, err = e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertErrorLimit {
		t.Fatalf("post-window tick alerts = %+v, want one ALERT_ERRORLIMIT", alerts)
	}
}

func TestDoneRuleArchivesOnce(t *testing.T) {
	s := jobstore.NewMemoryStore("checkhost")
	id := createJob(t, s, jobstore.StateReleaseDone)

	e := newEngine(s, Policy{ErrorLimit: 5, Archive: true})
	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Get(id); ok {
		t.Error("live row should be deleted by the done rule")
	}
	if hist := s.History(); len(hist) != 1 {
		t.Errorf("history has %d rows, want 1", len(hist))
	}

	// A second tick over the now-empty table is a no-op.
	if _, err := e.Tick(context.Background()); err != nil {
		t.Fatal(err)
	}
	if hist := s.History(); len(hist) != 1 {
		t.Errorf("history has %d rows after second tick, want still 1", len(hist))
	}
}

func TestExpiredRuleFailsJobThenResetRuleRetries(t *testing.T) {
	s := jobstore.NewMemoryStore("checkhost")
	id := createJob(t, s, jobstore.StateNew)
	j, _ := s.Get(id)
	uc := jobstore.UpdateCtx{JobID: id, DV: j.DV}
	timeout := uint32(10)
	if err := s.UpdateJob(context.Background(), &uc, nil, jobstore.Mutations{State: jobstore.StateDumpWork, Timeout: &timeout}); err != nil {
		t.Fatal(err)
	}

	e := newEngine(s, Policy{ErrorLimit: 5})
	e.Now = func() time.Time { return time.Now().Add(time.Minute) }

	alerts, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertExpired {
		t.Fatalf("alerts = %+v, want one ALERT_EXPIRED", alerts)
	}
	got, _ := s.Get(id)
	if got.State != jobstore.StateError || got.Errors != 1 {
		t.Fatalf("state/errors = %s/%d, want ERROR/1", got.State, got.Errors)
	}

	// The next tick picks the expired-then-failed job back up.
	alerts, err = e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertRetry {
		t.Fatalf("second tick alerts = %+v, want one ALERT_RETRY", alerts)
	}
	got, _ = s.Get(id)
	if got.State != jobstore.StateDumpStart {
		t.Errorf("state = %s, want DUMP_WORK's retry target DUMP_START", got.State)
	}
}

func TestStaleRuleWinsOverOld(t *testing.T) {
	s := jobstore.NewMemoryStore("checkhost")
	id := createJob(t, s, jobstore.StateDumpDone)

	e := newEngine(s, Policy{ErrorLimit: 5, StaleAfter: time.Minute, OldAfter: time.Minute})
	e.Now = func() time.Time { return time.Now().Add(time.Hour) }

	alerts, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].Kind != AlertStale {
		t.Fatalf("alerts = %+v, want only ALERT_STALE (one rule per job)", alerts)
	}
	if j, _ := s.Get(id); j.DV != 0 {
		t.Errorf("dv = %d, want 0 (stale rule mutates nothing)", j.DV)
	}
}

func TestNoTimeoutMeansNoExpiry(t *testing.T) {
	s := jobstore.NewMemoryStore("checkhost")
	createJob(t, s, jobstore.StateDumpStart)

	e := newEngine(s, Policy{ErrorLimit: 5})
	e.Now = func() time.Time { return time.Now().Add(100 * time.Hour) }

	alerts, err := e.Tick(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range alerts {
		if a.Kind == AlertExpired {
			t.Fatalf("job with null timeout must never expire, got %+v", a)
		}
	}
}
