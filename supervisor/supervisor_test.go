package supervisor

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"
)

func TestRunCommandSuccess(t *testing.T) {
	sv := New()
	stdout, _ := os.CreateTemp(t.TempDir(), "stdout")
	stderr, _ := os.CreateTemp(t.TempDir(), "stderr")
	defer stdout.Close()
	defer stderr.Close()

	err := sv.RunCommand(context.Background(), "true", nil, stdout, stderr, Options{
		Schedule: IntervalSchedule{1},
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
}

func TestRunCommandFailureCapturesStderr(t *testing.T) {
	sv := New()
	stdout, _ := os.CreateTemp(t.TempDir(), "stdout")
	stderr, _ := os.CreateTemp(t.TempDir(), "stderr")
	defer stdout.Close()
	defer stderr.Close()

	err := sv.RunCommand(context.Background(), "sh", []string{"-c", "echo boom >&2; exit 3"}, stdout, stderr, Options{})
	if err == nil {
		t.Fatal("expected failure")
	}
	var childErr *ChildError
	if !errors.As(err, &childErr) {
		t.Fatalf("expected *ChildError, got %T: %v", err, err)
	}
	if childErr.ExitCode != 3 {
		t.Errorf("want exit code 3, got %d", childErr.ExitCode)
	}
	if len(childErr.StderrTail) != 1 || childErr.StderrTail[0] != "boom" {
		t.Errorf("want stderr tail [boom], got %v", childErr.StderrTail)
	}
}

func TestIntervalScheduleReusesLastEntry(t *testing.T) {
	s := IntervalSchedule{1, 1, 5, 30}
	if got := s.Next(0); got != time.Second {
		t.Errorf("Next(0) = %v, want 1s", got)
	}
	if got := s.Next(10); got != 30*time.Second {
		t.Errorf("Next(10) = %v, want 30s (last entry repeats)", got)
	}
}

func TestRunCommandProgressCallback(t *testing.T) {
	sv := New()
	stdout, _ := os.CreateTemp(t.TempDir(), "stdout")
	stderr, _ := os.CreateTemp(t.TempDir(), "stderr")
	defer stdout.Close()
	defer stderr.Close()

	var calls int
	err := sv.RunCommand(context.Background(), "sh", []string{"-c", "sleep 0.3"}, stdout, stderr, Options{
		Schedule: IntervalSchedule{0},
		OnProgress: func(next time.Duration) {
			calls++
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls == 0 {
		t.Error("expected at least one progress callback")
	}
}

func TestRunCommandContextCancelTerminatesChild(t *testing.T) {
	sv := New()
	stdout, _ := os.CreateTemp(t.TempDir(), "stdout")
	stderr, _ := os.CreateTemp(t.TempDir(), "stderr")
	defer stdout.Close()
	defer stderr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err := sv.RunCommand(ctx, "sleep", []string{"30"}, stdout, stderr, Options{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want context.DeadlineExceeded, got %v", err)
	}
}
