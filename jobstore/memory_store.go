package jobstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore is an in-memory Store implementation with the same
// optimistic-concurrency semantics as the MySQL-backed one: dv-guarded
// mutations, the (dst_cell, volname) uniqueness constraint, and an
// append-only history slice standing in for jobshist. It backs the test
// harnesses for the stage workers and the check engine, the way chrono's
// in-memory Storage backs its scheduler tests.
type MemoryStore struct {
	mu         sync.Mutex
	nextID     int64
	jobs       map[int64]*Job
	hist       []Job
	statusFQDN string
}

// NewMemoryStore builds an empty MemoryStore reporting statusFQDN on its
// mutations.
func NewMemoryStore(statusFQDN string) *MemoryStore {
	return &MemoryStore{jobs: make(map[int64]*Job), statusFQDN: statusFQDN}
}

func (s *MemoryStore) Close() error { return nil }

// History returns a copy of the archived jobs, for test assertions.
func (s *MemoryStore) History() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, len(s.hist))
	copy(out, s.hist)
	return out
}

// Get returns a copy of one live job, for test assertions.
func (s *MemoryStore) Get(jobID int64) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

func (s *MemoryStore) CreateJob(_ context.Context, j Job) (UpdateCtx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.jobs {
		if existing.DstCell == j.DstCell && existing.VolName == j.VolName {
			return UpdateCtx{}, fmt.Errorf("jobstore: job for (%s, %s) already exists", j.DstCell, j.VolName)
		}
	}
	s.nextID++
	j.ID = s.nextID
	j.DV = 0
	if j.QName == "" {
		j.QName = "default"
	}
	t := now()
	j.CTime = t
	j.MTime = t
	fqdn := s.statusFQDN
	j.StatusFQDN = &fqdn
	s.jobs[j.ID] = &j
	return UpdateCtx{JobID: j.ID, DV: 0}, nil
}

func matches(j *Job, f Filters) bool {
	if f.SrcCell != "" && j.SrcCell != f.SrcCell {
		return false
	}
	if len(f.DstCells) > 0 {
		found := false
		for _, dc := range f.DstCells {
			if j.DstCell == dc {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.QName != "" && j.QName != f.QName {
		return false
	}
	if f.State != "" && j.State != f.State {
		return false
	}
	if f.ErrorsOnly && j.State != StateError {
		return false
	}
	return true
}

func (s *MemoryStore) findLocked(f Filters) []*Job {
	var out []*Job
	for _, j := range s.jobs {
		if matches(j, f) {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].MTime.Equal(out[b].MTime) {
			return out[a].ID < out[b].ID
		}
		return out[a].MTime.Before(out[b].MTime)
	})
	return out
}

func (s *MemoryStore) FindJobs(_ context.Context, f Filters) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs := s.findLocked(f)
	out := make([]Job, len(refs))
	for i, r := range refs {
		out[i] = *r
	}
	return out, nil
}

// applyLocked applies m to j, advancing dv/mtime/status_fqdn the way the
// SQL mutation does.
func (s *MemoryStore) applyLocked(j *Job, m Mutations) {
	j.DV++
	j.MTime = now()
	fqdn := s.statusFQDN
	if m.StatusFQDN != nil {
		fqdn = *m.StatusFQDN
	}
	j.StatusFQDN = &fqdn
	j.State = m.State
	if m.Description != nil {
		j.Description = *m.Description
	}
	if m.Timeout != nil {
		t := *m.Timeout
		j.Timeout = &t
	}
	if m.DumpFQDN != nil {
		v := *m.DumpFQDN
		j.DumpFQDN = &v
	}
	if m.DumpMethod != nil {
		v := *m.DumpMethod
		j.DumpMethod = &v
	}
	if m.DumpPort != nil {
		v := *m.DumpPort
		j.DumpPort = &v
	}
	if m.DumpFilename != nil {
		v := *m.DumpFilename
		j.DumpFilename = &v
	}
	if m.DumpChecksum != nil {
		v := *m.DumpChecksum
		j.DumpChecksum = &v
	}
	if m.DumpFilesize != nil {
		v := *m.DumpFilesize
		j.DumpFilesize = &v
	}
	if m.VolLastUpdate != nil {
		j.VolLastUpdate = *m.VolLastUpdate
	}
	if m.RestoreFilename != nil {
		v := *m.RestoreFilename
		j.RestoreFilename = &v
	}
	if m.ErrorLimitMTime != nil {
		v := *m.ErrorLimitMTime
		j.ErrorLimitTime = &v
	}
	if m.ClearRestoreFilename {
		j.RestoreFilename = nil
	}
	if m.ClearDumpFilename {
		j.DumpFilename = nil
	}
	if m.ClearTimeout {
		j.Timeout = nil
	}
	if m.ClearLastGoodState {
		j.LastGoodState = nil
	}
}

func (s *MemoryStore) UpdateJob(_ context.Context, uc *UpdateCtx, fromState *State, m Mutations) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[uc.JobID]
	if !ok || j.DV != uc.DV || (fromState != nil && j.State != *fromState) {
		return &ConflictError{JobID: uc.JobID, WantDV: uc.DV, FromState: fromState}
	}
	s.applyLocked(j, m)
	uc.DV = j.DV
	return nil
}

func (s *MemoryStore) FindAndAdvance(_ context.Context, from, to State, f Filters, timeout *uint32, description string) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fromFilter := f
	fromFilter.State = from
	for _, j := range s.findLocked(fromFilter) {
		s.applyLocked(j, Mutations{State: to, Description: &description, Timeout: timeout})
	}
	toFilter := f
	toFilter.State = to
	refs := s.findLocked(toFilter)
	out := make([]Job, len(refs))
	for i, r := range refs {
		out[i] = *r
	}
	return out, nil
}

func (s *MemoryStore) DescribeJobs(ctx context.Context, f Filters) ([]DescribedJob, error) {
	jobs, err := s.FindJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	t := now()
	out := make([]DescribedJob, len(jobs))
	for i, j := range jobs {
		out[i] = Describe(j, t)
	}
	return out, nil
}

func (s *MemoryStore) DescribeDummyJobs(n int) []DescribedJob {
	return dummyJobs(n)
}

func (s *MemoryStore) ArchiveJob(_ context.Context, jobID int64, archive bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if archive {
		s.hist = append(s.hist, *j)
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) KillJob(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return ErrNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

func (s *MemoryStore) JobError(_ context.Context, jobID int64, from State, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		logger.ErrorF("jobstore: JobError(%d): job not found", jobID)
		return
	}
	j.DV++
	j.MTime = now()
	lg := from
	j.LastGoodState = &lg
	j.State = StateError
	j.Errors++
	j.Timeout = nil
	j.Description = reason
	fqdn := s.statusFQDN
	j.StatusFQDN = &fqdn
}

func (s *MemoryStore) JobReset(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if j.LastGoodState == nil {
		return fmt.Errorf("jobstore: reset job %d: no last_good_state recorded", jobID)
	}
	j.DV++
	j.MTime = now()
	j.State = RetryOf(*j.LastGoodState)
	j.LastGoodState = nil
	j.Errors = 0
	return nil
}
