package registry

import (
	"database/sql"
	"time"

	_ "modernc.org/sqlite"

	"foreman/internal/fault"
	"foreman/internal/llm"
	"foreman/internal/logging"
)

// StatsStore persists per-worker performance history in SQLite. The history
// feeds the WorkerProfile handed to assignment scoring.
type StatsStore struct {
	db *sql.DB
}

const statsSchema = `
CREATE TABLE IF NOT EXISTS task_outcomes (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	worker_id   TEXT NOT NULL,
	task_id     TEXT NOT NULL,
	success     INTEGER NOT NULL,
	duration_ms INTEGER NOT NULL,
	recorded_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_outcomes_worker ON task_outcomes(worker_id);
`

// OpenStatsStore opens (and migrates) the stats database at path.
func OpenStatsStore(path string) (*StatsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, err, "failed to open stats db %s", path)
	}
	if _, err := db.Exec(statsSchema); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.KindInternal, err, "failed to migrate stats db")
	}
	logging.Registry("Stats store opened: %s", path)
	return &StatsStore{db: db}, nil
}

// Record appends one task outcome.
func (s *StatsStore) Record(workerID, taskID string, success bool, durationMs int64) error {
	succ := 0
	if success {
		succ = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO task_outcomes (worker_id, task_id, success, duration_ms, recorded_at)
		 VALUES (?, ?, ?, ?, ?)`,
		workerID, taskID, succ, durationMs, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "failed to record outcome")
	}
	return nil
}

// Profile builds the LLM-facing performance profile for a worker.
func (s *StatsStore) Profile(w *Worker) (llm.WorkerProfile, error) {
	profile := llm.WorkerProfile{
		ID:             w.ID,
		Name:           w.Name,
		Specialization: w.Specialization,
		Skills:         w.Skills(),
	}
	row := s.db.QueryRow(
		`SELECT COUNT(*), COALESCE(SUM(success), 0), COALESCE(AVG(duration_ms), 0)
		 FROM task_outcomes WHERE worker_id = ?`,
		w.ID,
	)
	var total, succeeded int
	var avgMs float64
	if err := row.Scan(&total, &succeeded, &avgMs); err != nil {
		return profile, fault.Wrap(fault.KindInternal, err, "failed to read worker stats")
	}
	profile.CompletedTasks = total
	profile.AvgDurationMs = int64(avgMs)
	if total > 0 {
		profile.SuccessRate = float64(succeeded) / float64(total)
	}
	return profile, nil
}

// Close closes the underlying database.
func (s *StatsStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
