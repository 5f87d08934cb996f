package jobstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func newTestStore(t *testing.T) (*mysqlStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return &mysqlStore{db: db, statusFQDN: "worker1.example"}, mock
}

func TestCreateJobAssignsZeroDV(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("INSERT INTO jobs").
		WillReturnResult(sqlmock.NewResult(42, 1))

	uc, err := s.CreateJob(context.Background(), Job{
		SrcCell: "src.example",
		DstCell: "dst.example",
		VolName: "u.alice",
		QName:   "default",
		State:   StateNew,
	})
	if err != nil {
		t.Fatalf("CreateJob: %v", err)
	}
	if uc.JobID != 42 || uc.DV != 0 {
		t.Fatalf("got %+v, want JobID=42 DV=0", uc)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestUpdateJobConflictOnZeroRows(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 0))

	uc := &UpdateCtx{JobID: 7, DV: 3}
	err := s.UpdateJob(context.Background(), uc, nil, Mutations{State: StateDumpWork})
	if err == nil {
		t.Fatal("expected conflict error")
	}
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConflictError, got %T: %v", err, err)
	}
	if uc.DV != 3 {
		t.Fatalf("dv should be unchanged on conflict, got %d", uc.DV)
	}
}

func TestUpdateJobAdvancesDVOnSuccess(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WillReturnResult(sqlmock.NewResult(0, 1))

	uc := &UpdateCtx{JobID: 7, DV: 3}
	desc := "dumping"
	err := s.UpdateJob(context.Background(), uc, nil, Mutations{State: StateDumpWork, Description: &desc})
	if err != nil {
		t.Fatalf("UpdateJob: %v", err)
	}
	if uc.DV != 4 {
		t.Fatalf("want dv=4, got %d", uc.DV)
	}
}

func TestJobErrorIsBestEffort(t *testing.T) {
	s, mock := newTestStore(t)
	mock.ExpectExec("UPDATE jobs SET").
		WillReturnError(context.DeadlineExceeded)

	// Must not panic nor return anything; JobError swallows the error.
	s.JobError(context.Background(), 9, StateDumpWork, "simulated failure")
}

func TestRetryOfMapsWorkToStart(t *testing.T) {
	cases := map[State]State{
		StateDumpWork:       StateDumpStart,
		StateXferWork:       StateXferStart,
		StateRestoreWork:    StateRestoreStart,
		StateReleaseWork:    StateReleaseStart,
		StateDeleteDestWork: StateDeleteDestStart,
	}
	for work, start := range cases {
		if got := RetryOf(work); got != start {
			t.Errorf("RetryOf(%s) = %s, want %s", work, got, start)
		}
	}
}

func TestIsSoundTransition(t *testing.T) {
	if !IsSoundTransition(StateNew, StateDumpStart) {
		t.Error("NEW -> DUMP_START should be sound")
	}
	if !IsSoundTransition(StateDumpWork, StateError) {
		t.Error("any *_WORK -> ERROR should be sound")
	}
	if IsSoundTransition(StateNew, StateReleaseDone) {
		t.Error("NEW -> RELEASE_DONE should not be sound")
	}
}

func TestDescribeComputesExpiry(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	timeout := uint32(60)
	j := Job{MTime: base, CTime: base.Add(-time.Hour), Timeout: &timeout}

	notExpired := Describe(j, base.Add(30*time.Second))
	if notExpired.Expired {
		t.Error("should not be expired yet")
	}
	expired := Describe(j, base.Add(90*time.Second))
	if !expired.Expired {
		t.Error("should be expired")
	}
	if expired.AgeSeconds < 3600 {
		t.Errorf("age should reflect ctime, got %f", expired.AgeSeconds)
	}
}
