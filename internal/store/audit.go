package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"

	"marketpipe/internal/domain"
	apperrors "marketpipe/internal/errors"
)

// AuditLog records the outcome of every processing run.
type AuditLog interface {
	Record(ctx context.Context, run domain.ProcessingRun) error
	Close() error
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS processing_runs (
	id           TEXT PRIMARY KEY,
	file_path    TEXT NOT NULL,
	file_hash    TEXT NOT NULL,
	outcome      TEXT NOT NULL,
	error_kind   TEXT,
	error_detail TEXT,
	version_id   TEXT,
	attempts     INTEGER NOT NULL,
	started_at   TIMESTAMP NOT NULL,
	finished_at  TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_file_hash ON processing_runs(file_hash);
CREATE INDEX IF NOT EXISTS idx_runs_outcome ON processing_runs(outcome);
`

// SQLiteAudit is an append-only audit log backed by a local SQLite file.
// SQLite serializes writers; the mutex keeps our own inserts from
// contending on the single connection.
type SQLiteAudit struct {
	db     *sql.DB
	logger *slog.Logger
	mu     sync.Mutex
}

// NewSQLiteAudit opens (creating if needed) the audit database at path
// and applies the schema.
func NewSQLiteAudit(path string, logger *slog.Logger) (*SQLiteAudit, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("create audit directory for %s", path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, apperrors.NewConfigError(fmt.Sprintf("open audit database %s", path), err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, apperrors.NewConfigError("enable WAL on audit database", err)
	}
	if _, err := db.Exec(auditSchema); err != nil {
		db.Close()
		return nil, apperrors.NewConfigError("apply audit schema", err)
	}
	return &SQLiteAudit{
		db:     db,
		logger: logger.With(slog.String("component", "audit")),
	}, nil
}

// Record appends one run to the log.
func (a *SQLiteAudit) Record(ctx context.Context, run domain.ProcessingRun) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, err := a.db.ExecContext(ctx, `
		INSERT INTO processing_runs
			(id, file_path, file_hash, outcome, error_kind, error_detail, version_id, attempts, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.FilePath, run.FileHash, string(run.Outcome),
		run.ErrorKind, run.ErrorDetail, run.VersionID, run.Attempts,
		run.StartedAt, run.FinishedAt,
	)
	if err != nil {
		return apperrors.NewTransientIOError("record processing run", err).WithContext("run_id", run.ID)
	}
	return nil
}

// RunsByOutcome returns how many recorded runs ended in the given outcome.
func (a *SQLiteAudit) RunsByOutcome(ctx context.Context, outcome domain.RunOutcome) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var count int
	err := a.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM processing_runs WHERE outcome = ?", string(outcome)).Scan(&count)
	if err != nil {
		return 0, apperrors.NewTransientIOError("count processing runs", err)
	}
	return count, nil
}

// Close releases the database handle.
func (a *SQLiteAudit) Close() error {
	return a.db.Close()
}

// NoopAudit discards all runs. Used when no audit database is configured.
type NoopAudit struct{}

func (NoopAudit) Record(context.Context, domain.ProcessingRun) error { return nil }
func (NoopAudit) Close() error                                       { return nil }
