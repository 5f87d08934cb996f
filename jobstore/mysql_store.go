package jobstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // registers the "mysql" driver

	"github.com/openafs-contrib/cellcc/l3"
)

var logger = l3.Get()

// mysqlStore is the database/sql + go-sql-driver/mysql backed Store
// implementation, grounded on the connection-open/ping idiom in
// DBAShand-cdc-sink-redshift's stdpool/my.go.
type mysqlStore struct {
	db         *sql.DB
	statusFQDN string
}

// Open opens a MySQL connection pool, waits for it to become reachable
// (retrying ping on startup-class errors, mirroring stdpool.OpenMySQLAsTarget),
// and verifies the versions table against SchemaVersion before returning.
func Open(ctx context.Context, dsn, statusFQDN string) (Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("jobstore: open: %w", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			return nil, fmt.Errorf("jobstore: ping: %w", err)
		}
		logger.WarnF("jobstore: database not yet reachable, retrying: %v", err)
		select {
		case <-ctx.Done():
			db.Close()
			return nil, ctx.Err()
		case <-time.After(time.Second):
		}
	}

	s := &mysqlStore{db: db, statusFQDN: statusFQDN}
	if err := s.checkSchemaVersion(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *mysqlStore) checkSchemaVersion(ctx context.Context) error {
	var version int
	err := s.db.QueryRowContext(ctx, "SELECT version FROM versions LIMIT 1").Scan(&version)
	if err != nil {
		return fmt.Errorf("jobstore: reading schema version: %w", err)
	}
	if version != SchemaVersion {
		return fmt.Errorf("%w: database has %d, binary expects %d", ErrSchemaVersion, version, SchemaVersion)
	}
	return nil
}

func (s *mysqlStore) Close() error {
	return s.db.Close()
}

const jobSelectCols = "id, src_cell, dst_cell, volname, qname, state, last_good_state, dv, errors, errorlimit_mtime, " +
	"dump_fqdn, dump_method, dump_port, dump_filename, dump_checksum, dump_filesize, vol_lastupdate, restore_filename, " +
	"ctime, mtime, timeout, status_fqdn, description"

func scanJob(row interface{ Scan(dest ...any) error }) (Job, error) {
	var j Job
	var lastGood sql.NullString
	var errLimitMTime sql.NullTime
	var dumpFQDN, dumpMethod, dumpFilename, dumpChecksum, restoreFilename, statusFQDN sql.NullString
	var dumpPort sql.NullInt64
	var dumpFilesize sql.NullInt64
	var timeout sql.NullInt64

	err := row.Scan(
		&j.ID, &j.SrcCell, &j.DstCell, &j.VolName, &j.QName,
		&j.State, &lastGood, &j.DV, &j.Errors, &errLimitMTime,
		&dumpFQDN, &dumpMethod, &dumpPort, &dumpFilename, &dumpChecksum, &dumpFilesize, &j.VolLastUpdate, &restoreFilename,
		&j.CTime, &j.MTime, &timeout, &statusFQDN, &j.Description,
	)
	if err != nil {
		return Job{}, err
	}
	if lastGood.Valid {
		st := State(lastGood.String)
		j.LastGoodState = &st
	}
	if errLimitMTime.Valid {
		t := errLimitMTime.Time
		j.ErrorLimitTime = &t
	}
	if dumpFQDN.Valid {
		v := dumpFQDN.String
		j.DumpFQDN = &v
	}
	if dumpMethod.Valid {
		v := dumpMethod.String
		j.DumpMethod = &v
	}
	if dumpPort.Valid {
		v := int(dumpPort.Int64)
		j.DumpPort = &v
	}
	if dumpFilename.Valid {
		v := dumpFilename.String
		j.DumpFilename = &v
	}
	if dumpChecksum.Valid {
		v := dumpChecksum.String
		j.DumpChecksum = &v
	}
	if dumpFilesize.Valid {
		v := dumpFilesize.Int64
		j.DumpFilesize = &v
	}
	if restoreFilename.Valid {
		v := restoreFilename.String
		j.RestoreFilename = &v
	}
	if timeout.Valid {
		v := uint32(timeout.Int64)
		j.Timeout = &v
	}
	if statusFQDN.Valid {
		v := statusFQDN.String
		j.StatusFQDN = &v
	}
	return j, nil
}

// buildFilterClause renders f as a SQL WHERE fragment (without the leading
// "WHERE") plus the matching args, for use against the jobs table.
func buildFilterClause(f Filters) (string, []any) {
	var clauses []string
	var args []any
	if f.SrcCell != "" {
		clauses = append(clauses, "src_cell = ?")
		args = append(args, f.SrcCell)
	}
	if len(f.DstCells) > 0 {
		placeholders := make([]string, len(f.DstCells))
		for i, dc := range f.DstCells {
			placeholders[i] = "?"
			args = append(args, dc)
		}
		clauses = append(clauses, "dst_cell IN ("+strings.Join(placeholders, ", ")+")")
	}
	if f.QName != "" {
		clauses = append(clauses, "qname = ?")
		args = append(args, f.QName)
	}
	if f.State != "" {
		clauses = append(clauses, "state = ?")
		args = append(args, string(f.State))
	}
	if f.ErrorsOnly {
		clauses = append(clauses, "state = ?")
		args = append(args, string(StateError))
	}
	if len(clauses) == 0 {
		return "1=1", nil
	}
	return strings.Join(clauses, " AND "), args
}

func (s *mysqlStore) CreateJob(ctx context.Context, j Job) (UpdateCtx, error) {
	var uc UpdateCtx
	err := withDeadlockRetry(ctx, func() error {
		t := now()
		res, err := s.db.ExecContext(ctx, `INSERT INTO jobs
			(src_cell, dst_cell, volname, qname, state, dv, errors, vol_lastupdate, ctime, mtime, status_fqdn, description)
			VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?, ?, ?, ?)`,
			j.SrcCell, j.DstCell, j.VolName, qnameOrDefault(j.QName), string(j.State), j.VolLastUpdate, t, t, s.statusFQDN, j.Description)
		if err != nil {
			return fmt.Errorf("jobstore: create job: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("jobstore: create job: last insert id: %w", err)
		}
		uc = UpdateCtx{JobID: id, DV: 0}
		return nil
	})
	return uc, err
}

func qnameOrDefault(q string) string {
	if q == "" {
		return "default"
	}
	return q
}

func (s *mysqlStore) FindJobs(ctx context.Context, f Filters) ([]Job, error) {
	clause, args := buildFilterClause(f)
	query := fmt.Sprintf("SELECT %s FROM jobs WHERE %s ORDER BY mtime ASC", jobSelectCols, clause)
	var jobs []Job
	err := withDeadlockRetry(ctx, func() error {
		jobs = nil
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("jobstore: find jobs: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return fmt.Errorf("jobstore: find jobs: scan: %w", err)
			}
			jobs = append(jobs, j)
		}
		return rows.Err()
	})
	return jobs, err
}

// mutationSet renders a Mutations value into "col = ?" fragments and args,
// always including the mandatory dv/mtime/status_fqdn/state columns that
// every successful mutation touches per spec.md §4.1.
func mutationSet(m Mutations, t time.Time, statusFQDN string) (string, []any) {
	sets := []string{"dv = dv + 1", "mtime = ?", "status_fqdn = ?", "state = ?"}
	args := []any{t, statusFQDN, string(m.State)}

	if m.Description != nil {
		sets = append(sets, "description = ?")
		args = append(args, *m.Description)
	}
	if m.Timeout != nil {
		sets = append(sets, "timeout = ?")
		args = append(args, *m.Timeout)
	}
	if m.StatusFQDN != nil {
		// override the default status_fqdn set above
		args[1] = *m.StatusFQDN
	}
	if m.DumpFQDN != nil {
		sets = append(sets, "dump_fqdn = ?")
		args = append(args, *m.DumpFQDN)
	}
	if m.DumpMethod != nil {
		sets = append(sets, "dump_method = ?")
		args = append(args, *m.DumpMethod)
	}
	if m.DumpPort != nil {
		sets = append(sets, "dump_port = ?")
		args = append(args, *m.DumpPort)
	}
	if m.DumpFilename != nil {
		sets = append(sets, "dump_filename = ?")
		args = append(args, *m.DumpFilename)
	}
	if m.DumpChecksum != nil {
		sets = append(sets, "dump_checksum = ?")
		args = append(args, *m.DumpChecksum)
	}
	if m.DumpFilesize != nil {
		sets = append(sets, "dump_filesize = ?")
		args = append(args, *m.DumpFilesize)
	}
	if m.VolLastUpdate != nil {
		sets = append(sets, "vol_lastupdate = ?")
		args = append(args, *m.VolLastUpdate)
	}
	if m.RestoreFilename != nil {
		sets = append(sets, "restore_filename = ?")
		args = append(args, *m.RestoreFilename)
	}
	if m.ErrorLimitMTime != nil {
		sets = append(sets, "errorlimit_mtime = ?")
		args = append(args, *m.ErrorLimitMTime)
	}
	if m.ClearRestoreFilename {
		sets = append(sets, "restore_filename = NULL")
	}
	if m.ClearDumpFilename {
		sets = append(sets, "dump_filename = NULL")
	}
	if m.ClearTimeout {
		sets = append(sets, "timeout = NULL")
	}
	if m.ClearLastGoodState {
		sets = append(sets, "last_good_state = NULL")
	}
	return strings.Join(sets, ", "), args
}

func (s *mysqlStore) UpdateJob(ctx context.Context, uc *UpdateCtx, fromState *State, mutations Mutations) error {
	return withDeadlockRetry(ctx, func() error {
		setClause, args := mutationSet(mutations, now(), s.statusFQDN)
		query := fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND dv = ?", setClause)
		args = append(args, uc.JobID, uc.DV)
		if fromState != nil {
			query += " AND state = ?"
			args = append(args, string(*fromState))
		}
		res, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("jobstore: update job %d: %w", uc.JobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("jobstore: update job %d: rows affected: %w", uc.JobID, err)
		}
		if n != 1 {
			return &ConflictError{JobID: uc.JobID, WantDV: uc.DV, FromState: fromState}
		}
		uc.DV++
		return nil
	})
}

func (s *mysqlStore) FindAndAdvance(ctx context.Context, from, to State, f Filters, timeout *uint32, description string) ([]Job, error) {
	var result []Job
	err := withDeadlockRetry(ctx, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("jobstore: find-and-advance: begin: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		fromFilter := f
		fromFilter.State = from
		clause, args := buildFilterClause(fromFilter)
		rows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT id, dv FROM jobs WHERE %s", clause), args...)
		if err != nil {
			return fmt.Errorf("jobstore: find-and-advance: select candidates: %w", err)
		}
		type idDV struct {
			id int64
			dv uint64
		}
		var candidates []idDV
		for rows.Next() {
			var c idDV
			if err := rows.Scan(&c.id, &c.dv); err != nil {
				rows.Close()
				return fmt.Errorf("jobstore: find-and-advance: scan candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return err
		}
		rows.Close()

		mutations := Mutations{State: to, Description: &description, Timeout: timeout}
		for _, c := range candidates {
			setClause, sargs := mutationSet(mutations, now(), s.statusFQDN)
			sargs = append(sargs, c.id, c.dv, string(from))
			_, err := tx.ExecContext(ctx, fmt.Sprintf("UPDATE jobs SET %s WHERE id = ? AND dv = ? AND state = ?", setClause), sargs...)
			if err != nil {
				return fmt.Errorf("jobstore: find-and-advance: advance job %d: %w", c.id, err)
			}
			// Rows affected 0 here just means another worker won the race
			// (spec.md §4.3 tie-break); that is not an error for this call.
		}

		toFilter := f
		toFilter.State = to
		clause, args = buildFilterClause(toFilter)
		toRows, err := tx.QueryContext(ctx, fmt.Sprintf("SELECT %s FROM jobs WHERE %s ORDER BY mtime ASC", jobSelectCols, clause), args...)
		if err != nil {
			return fmt.Errorf("jobstore: find-and-advance: select advanced: %w", err)
		}
		defer toRows.Close()
		for toRows.Next() {
			j, err := scanJob(toRows)
			if err != nil {
				return fmt.Errorf("jobstore: find-and-advance: scan advanced: %w", err)
			}
			result = append(result, j)
		}
		if err := toRows.Err(); err != nil {
			return err
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("jobstore: find-and-advance: commit: %w", err)
		}
		committed = true
		return nil
	})
	return result, err
}

func (s *mysqlStore) DescribeJobs(ctx context.Context, f Filters) ([]DescribedJob, error) {
	jobs, err := s.FindJobs(ctx, f)
	if err != nil {
		return nil, err
	}
	t := now()
	described := make([]DescribedJob, len(jobs))
	for i, j := range jobs {
		described[i] = Describe(j, t)
	}
	return described, nil
}

func (s *mysqlStore) ArchiveJob(ctx context.Context, jobID int64, archive bool) error {
	return withDeadlockRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("jobstore: archive job %d: begin: %w", jobID, err)
		}
		committed := false
		defer func() {
			if !committed {
				tx.Rollback()
			}
		}()

		if archive {
			cols := strings.Join(jobColumns, ", ")
			_, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO jobshist (%s) SELECT %s FROM jobs WHERE id = ?", cols, cols), jobID)
			if err != nil {
				return fmt.Errorf("jobstore: archive job %d: insert history: %w", jobID, err)
			}
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", jobID); err != nil {
			return fmt.Errorf("jobstore: archive job %d: delete live: %w", jobID, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("jobstore: archive job %d: commit: %w", jobID, err)
		}
		committed = true
		return nil
	})
}

func (s *mysqlStore) KillJob(ctx context.Context, jobID int64) error {
	return withDeadlockRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, "DELETE FROM jobs WHERE id = ?", jobID)
		if err != nil {
			return fmt.Errorf("jobstore: kill job %d: %w", jobID, err)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *mysqlStore) JobError(ctx context.Context, jobID int64, from State, reason string) {
	err := withDeadlockRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			dv = dv + 1, mtime = ?, status_fqdn = ?, state = ?, last_good_state = ?,
			errors = errors + 1, timeout = NULL, description = ?
			WHERE id = ?`,
			now(), s.statusFQDN, string(StateError), string(from), reason, jobID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		logger.ErrorF("jobstore: JobError(%d, from=%s, %q) failed (best-effort, not retried further): %v", jobID, from, reason, err)
	}
}

func (s *mysqlStore) JobReset(ctx context.Context, jobID int64) error {
	return withDeadlockRetry(ctx, func() error {
		var lastGood sql.NullString
		err := s.db.QueryRowContext(ctx, "SELECT last_good_state FROM jobs WHERE id = ?", jobID).Scan(&lastGood)
		if err != nil {
			if err == sql.ErrNoRows {
				return ErrNotFound
			}
			return fmt.Errorf("jobstore: reset job %d: reading last_good_state: %w", jobID, err)
		}
		if !lastGood.Valid {
			return fmt.Errorf("jobstore: reset job %d: no last_good_state recorded", jobID)
		}
		target := RetryOf(State(lastGood.String))
		res, err := s.db.ExecContext(ctx, `UPDATE jobs SET
			dv = dv + 1, mtime = ?, status_fqdn = ?, state = ?, last_good_state = NULL, errors = 0
			WHERE id = ?`,
			now(), s.statusFQDN, string(target), jobID)
		if err != nil {
			return fmt.Errorf("jobstore: reset job %d: %w", jobID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n != 1 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *mysqlStore) DescribeDummyJobs(n int) []DescribedJob {
	return dummyJobs(n)
}

// dummyJobs synthesizes n never-persisted rows spanning representative
// states, shared by every Store implementation for the `test-alert` debug
// subcommand (SPEC_FULL.md §12).
func dummyJobs(n int) []DescribedJob {
	t := now()
	states := []State{StateNew, StateDumpWork, StateXferDone, StateRestoreWork, StateError, StateReleaseDone}
	out := make([]DescribedJob, 0, n)
	for i := 0; i < n; i++ {
		st := states[i%len(states)]
		j := Job{
			ID:          int64(-(i + 1)),
			SrcCell:     "src.example",
			DstCell:     "dst.example",
			VolName:     fmt.Sprintf("u.dummy%d", i),
			QName:       "default",
			State:       st,
			Errors:      uint32(i % 3),
			CTime:       t.Add(-time.Hour),
			MTime:       t.Add(-time.Duration(i) * time.Minute),
			Description: "synthetic job for alert smoke testing",
		}
		if st == StateError {
			lg := StateDumpWork
			j.LastGoodState = &lg
		}
		out = append(out, Describe(j, t))
	}
	return out
}
