// Package audit implements the Audit Trail: a local, append-only SQLite
// log of every classified attempt, independent of the Task Store file
// which only ever holds current state. Nothing in the scheduler reads
// this back; it exists purely for historical querying across runs.
package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/google/uuid"

	"flavorsched/internal/logging"
	"flavorsched/internal/model"
)

// Trail is a single-file SQLite-backed attempt log.
type Trail struct {
	db  *sql.DB
	log *logging.Logger
}

// Open creates (or opens) the audit database at path and ensures its
// schema exists.
func Open(path string) (*Trail, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &Trail{db: db, log: logging.Get(logging.CategoryAudit)}, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS attempts (
	id           TEXT PRIMARY KEY,
	flavor       TEXT NOT NULL,
	attempt_seq  INTEGER NOT NULL,
	started_at   TEXT,
	finished_at  TEXT,
	return_code  INTEGER NOT NULL,
	status_code  TEXT NOT NULL,
	retry_class  TEXT NOT NULL,
	zone         TEXT,
	sandbox      TEXT,
	test_log     TEXT
);
CREATE INDEX IF NOT EXISTS idx_attempts_flavor ON attempts(flavor);
`

// RecordAttempt implements store.AttemptRecorder. Failures are logged,
// never propagated, since the audit trail is a side channel the
// scheduler's correctness never depends on. entry.AttemptID is the
// correlation id shared with the matching file-log line.
func (t *Trail) RecordAttempt(entry model.AuditEntry) {
	id := entry.AttemptID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := t.db.Exec(
		`INSERT INTO attempts (id, flavor, attempt_seq, started_at, finished_at, return_code, status_code, retry_class, zone, sandbox, test_log)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, entry.Flavor, entry.Seq, entry.TimeStart, entry.TimeStop,
		entry.ReturnCode, entry.StatusCode, entry.RetryClass, entry.Zone, entry.Sandbox, entry.TestLog,
	)
	if err != nil {
		t.log.Error("failed to record attempt for %s: %v", entry.Flavor, err)
	}
}

// Close closes the underlying database handle.
func (t *Trail) Close() error {
	return t.db.Close()
}

// CountByFlavor returns how many attempts have been recorded for flavor.
func (t *Trail) CountByFlavor(flavor string) (int, error) {
	var n int
	err := t.db.QueryRow(`SELECT COUNT(*) FROM attempts WHERE flavor = ?`, flavor).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// History returns every recorded attempt for flavor in attempt order.
func (t *Trail) History(flavor string) ([]model.AuditEntry, error) {
	rows, err := t.db.Query(
		`SELECT id, flavor, attempt_seq, started_at, finished_at, return_code, status_code, retry_class, zone, sandbox, test_log
		 FROM attempts WHERE flavor = ? ORDER BY attempt_seq ASC`, flavor)
	if err != nil {
		return nil, fmt.Errorf("query attempt history: %w", err)
	}
	defer rows.Close()

	var entries []model.AuditEntry
	for rows.Next() {
		var e model.AuditEntry
		if err := rows.Scan(&e.AttemptID, &e.Flavor, &e.Seq, &e.TimeStart, &e.TimeStop,
			&e.ReturnCode, &e.StatusCode, &e.RetryClass, &e.Zone, &e.Sandbox, &e.TestLog); err != nil {
			return nil, fmt.Errorf("scan attempt history row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
