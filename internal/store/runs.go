package store

import (
	"database/sql"
	"time"
)

// WarmRun records one cache warm-up attempt for auditing.
type WarmRun struct {
	ID           int64
	StartedAt    time.Time
	FinishedAt   sql.NullTime
	Kind         string // "live", "timeline", "schedule"
	Target       string // station or reach
	Attempts     int
	Success      bool
	ErrorMessage sql.NullString
}

// StartWarmRun creates a run record and returns it.
func (s *Store) StartWarmRun(kind, target string) (*WarmRun, error) {
	run := &WarmRun{
		StartedAt: time.Now().UTC(),
		Kind:      kind,
		Target:    target,
	}

	result, err := s.db.Exec(`
		INSERT INTO warm_runs (started_at, kind, target, success)
		VALUES (?, ?, ?, FALSE)
	`, run.StartedAt, run.Kind, run.Target)
	if err != nil {
		return nil, err
	}

	run.ID, err = result.LastInsertId()
	if err != nil {
		return nil, err
	}
	return run, nil
}

// CompleteWarmRun stores the outcome of run. A nil err marks it successful.
func (s *Store) CompleteWarmRun(run *WarmRun, attempts int, runErr error) error {
	if run == nil {
		return nil
	}

	run.FinishedAt = sql.NullTime{Time: time.Now().UTC(), Valid: true}
	run.Attempts = attempts
	run.Success = runErr == nil
	if runErr != nil {
		run.ErrorMessage = sql.NullString{String: runErr.Error(), Valid: true}
	}

	_, err := s.db.Exec(`
		UPDATE warm_runs SET
			finished_at = ?,
			attempts = ?,
			success = ?,
			error_message = ?
		WHERE id = ?
	`, run.FinishedAt, run.Attempts, run.Success, run.ErrorMessage, run.ID)
	return err
}

// RecentWarmFailures returns failed runs started within the window, newest
// first.
func (s *Store) RecentWarmFailures(window time.Duration, limit int) ([]WarmRun, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, finished_at, kind, target, attempts, success, error_message
		FROM warm_runs
		WHERE success = FALSE AND finished_at IS NOT NULL AND started_at >= ?
		ORDER BY started_at DESC
		LIMIT ?
	`, time.Now().UTC().Add(-window), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []WarmRun
	for rows.Next() {
		var r WarmRun
		if err := rows.Scan(&r.ID, &r.StartedAt, &r.FinishedAt, &r.Kind, &r.Target, &r.Attempts, &r.Success, &r.ErrorMessage); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// PruneWarmRuns deletes runs started before cutoff.
func (s *Store) PruneWarmRuns(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM warm_runs WHERE started_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
