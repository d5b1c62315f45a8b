// Package store persists investigator definitions, executions, and
// findings in SQLite. The result counter on an execution is only ever
// changed through a single-statement atomic increment, never through a
// read-modify-write, so concurrent finding producers cannot lose updates.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	apperrors "github.com/nkropf/datapatrol/internal/errors"
	"github.com/nkropf/datapatrol/internal/investigation"
)

const dbFileName = "datapatrol.db"

// Store is the SQLite-backed persistence layer. It implements
// investigation.Store plus the read accessors and maintenance primitives
// the API surface needs.
type Store struct {
	db     *sql.DB
	dbPath string
}

// Open opens or creates the database under dataDir.
func Open(dataDir string) (*Store, error) {
	if dataDir == "" {
		return nil, fmt.Errorf("data directory is required")
	}
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("create data directory %q: %w", dataDir, err)
	}

	path := filepath.Join(dataDir, dbFileName)

	// Pragmas in the DSN so every pool connection is configured.
	dsn := path + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
			"cache_size(-64000)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", path, err)
	}

	// SQLite works best with a single writer connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, dbPath: path}
	if err := s.initSchema(); err != nil {
		wrappedInitErr := fmt.Errorf("initialize schema for %q: %w", path, err)
		if closeErr := db.Close(); closeErr != nil {
			return nil, errors.Join(
				wrappedInitErr,
				fmt.Errorf("close database %q after init failure: %w", path, closeErr),
			)
		}
		return nil, wrappedInitErr
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS investigators (
		id          TEXT PRIMARY KEY,
		kind        TEXT NOT NULL,
		name        TEXT NOT NULL DEFAULT '',
		active      INTEGER NOT NULL DEFAULT 1,
		last_run_at INTEGER
	);

	CREATE TABLE IF NOT EXISTS executions (
		id              TEXT PRIMARY KEY,
		investigator_id TEXT NOT NULL REFERENCES investigators(id) ON DELETE CASCADE,
		status          TEXT NOT NULL,
		started_at      INTEGER NOT NULL,
		completed_at    INTEGER,
		result_count    INTEGER NOT NULL DEFAULT 0 CHECK (result_count >= 0),
		error           TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_executions_investigator
		ON executions(investigator_id, started_at DESC);

	CREATE TABLE IF NOT EXISTS findings (
		id           TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
		created_at   INTEGER NOT NULL,
		severity     TEXT NOT NULL,
		message      TEXT NOT NULL,
		details      BLOB
	);
	CREATE INDEX IF NOT EXISTS idx_findings_execution ON findings(execution_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// classify wraps driver errors into the typed store errors the rest of
// the system dispatches on. SQLite reports write contention as
// busy/locked; that is the retryable class.
func classify(op, id string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, op, id, apperrors.ErrNotFound)
	}
	if isBusy(err) {
		return apperrors.NewStoreError(apperrors.ErrorTypeContention, op, id, err)
	}
	return apperrors.NewStoreError(apperrors.ErrorTypeInternal, op, id, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}

// --- definitions ---

// PutDefinition inserts or replaces a definition. Admin CRUD proper is an
// external collaborator; this exists for that collaborator and for tests.
func (s *Store) PutDefinition(ctx context.Context, def *investigation.Definition) error {
	var lastRun interface{}
	if def.LastRunAt != nil {
		lastRun = def.LastRunAt.UnixMilli()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO investigators (id, kind, name, active, last_run_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			name = excluded.name,
			active = excluded.active,
			last_run_at = excluded.last_run_at
	`, def.ID, def.Kind, def.Name, boolToInt(def.Active), lastRun)
	return classify("put_definition", def.ID, err)
}

// GetDefinition looks up a definition by id.
func (s *Store) GetDefinition(ctx context.Context, id string) (*investigation.Definition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, kind, name, active, last_run_at
		FROM investigators WHERE id = ?
	`, id)

	var def investigation.Definition
	var active int
	var lastRun sql.NullInt64
	if err := row.Scan(&def.ID, &def.Kind, &def.Name, &active, &lastRun); err != nil {
		return nil, classify("get_definition", id, err)
	}
	def.Active = active != 0
	if lastRun.Valid {
		t := time.UnixMilli(lastRun.Int64)
		def.LastRunAt = &t
	}
	return &def, nil
}

// SetDefinitionActive flips the active flag.
func (s *Store) SetDefinitionActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE investigators SET active = ? WHERE id = ?
	`, boolToInt(active), id)
	if err != nil {
		return classify("set_definition_active", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "set_definition_active", id, apperrors.ErrNotFound)
	}
	return nil
}

// TouchDefinition updates the last-run timestamp.
func (s *Store) TouchDefinition(ctx context.Context, id string, lastRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE investigators SET last_run_at = ? WHERE id = ?
	`, lastRun.UnixMilli(), id)
	if err != nil {
		return classify("touch_definition", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "touch_definition", id, apperrors.ErrNotFound)
	}
	return nil
}

// --- executions ---

// CreateExecution persists a new execution record. The row must be
// durable before any scan work starts.
func (s *Store) CreateExecution(ctx context.Context, exec *investigation.Execution) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO executions (id, investigator_id, status, started_at, result_count, error)
		VALUES (?, ?, ?, ?, 0, '')
	`, exec.ID, exec.DefinitionID, string(exec.Status), exec.StartedAt.UnixMilli())
	return classify("create_execution", exec.ID, err)
}

// GetExecution looks up an execution by id.
func (s *Store) GetExecution(ctx context.Context, id string) (*investigation.Execution, error) {
	return s.scanExecution(s.db.QueryRowContext(ctx, `
		SELECT id, investigator_id, status, started_at, completed_at, result_count, error
		FROM executions WHERE id = ?
	`, id), "get_execution", id)
}

// LatestExecution returns the most recently started execution for a
// definition, or ErrNotFound when the definition has never run.
func (s *Store) LatestExecution(ctx context.Context, definitionID string) (*investigation.Execution, error) {
	return s.scanExecution(s.db.QueryRowContext(ctx, `
		SELECT id, investigator_id, status, started_at, completed_at, result_count, error
		FROM executions
		WHERE investigator_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, definitionID), "latest_execution", definitionID)
}

func (s *Store) scanExecution(row *sql.Row, op, id string) (*investigation.Execution, error) {
	var exec investigation.Execution
	var status string
	var startedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&exec.ID, &exec.DefinitionID, &status, &startedAt, &completedAt, &exec.ResultCount, &exec.Error); err != nil {
		return nil, classify(op, id, err)
	}
	exec.Status = investigation.Status(status)
	exec.StartedAt = time.UnixMilli(startedAt)
	if completedAt.Valid {
		t := time.UnixMilli(completedAt.Int64)
		exec.CompletedAt = &t
	}
	return &exec, nil
}

// FinalizeExecution moves a Running execution to a terminal status. The
// status guard makes the transition single-shot: a row that already
// reached a terminal status is never mutated again.
func (s *Store) FinalizeExecution(ctx context.Context, id string, status investigation.Status, completedAt time.Time, errMsg string) error {
	if !status.Terminal() {
		return apperrors.NewStoreError(apperrors.ErrorTypeConflict, "finalize_execution", id,
			fmt.Errorf("status %q is not terminal", status))
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET status = ?, completed_at = ?, error = ?
		WHERE id = ? AND status = ?
	`, string(status), completedAt.UnixMilli(), errMsg, id, string(investigation.StatusRunning))
	if err != nil {
		return classify("finalize_execution", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return classify("finalize_execution", id, err)
	}
	if n == 0 {
		// Either the execution does not exist or it is already terminal.
		if _, gerr := s.GetExecution(ctx, id); gerr != nil {
			return gerr
		}
		return apperrors.NewStoreError(apperrors.ErrorTypeConflict, "finalize_execution", id, apperrors.ErrFinalized)
	}
	return nil
}

// IncrementResultCount is the single atomic "+1" primitive of the
// counting protocol. No read happens in application code.
func (s *Store) IncrementResultCount(ctx context.Context, executionID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET result_count = result_count + 1 WHERE id = ?
	`, executionID)
	if err != nil {
		return classify("increment_count", executionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperrors.NewStoreError(apperrors.ErrorTypeNotFound, "increment_count", executionID, apperrors.ErrNotFound)
	}
	return nil
}

// ReconcileResultCount recomputes a drifted counter from the true finding
// count. Returns true when a correction was written; an already-correct
// counter is a no-op with no write.
func (s *Store) ReconcileResultCount(ctx context.Context, executionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE executions
		SET result_count = (SELECT COUNT(*) FROM findings WHERE execution_id = executions.id)
		WHERE id = ?
		  AND result_count <> (SELECT COUNT(*) FROM findings WHERE execution_id = executions.id)
	`, executionID)
	if err != nil {
		return false, classify("reconcile_count", executionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("reconcile_count", executionID, err)
	}
	if n > 0 {
		return true, nil
	}
	// Distinguish "already consistent" from "no such execution".
	if _, err := s.GetExecution(ctx, executionID); err != nil {
		return false, err
	}
	return false, nil
}

// --- findings ---

// InsertFinding persists one finding. The referenced execution must
// already exist; foreign keys enforce it.
func (s *Store) InsertFinding(ctx context.Context, f *investigation.Finding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO findings (id, execution_id, created_at, severity, message, details)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.ID, f.ExecutionID, f.Timestamp.UnixMilli(), string(f.Severity), f.Message, []byte(f.Details))
	return classify("insert_finding", f.ID, err)
}

// ListFindings returns a page of findings for an execution, newest id
// first (finding ids are ULIDs, so id order is time order).
func (s *Store) ListFindings(ctx context.Context, executionID string, limit, offset int) ([]*investigation.Finding, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, execution_id, created_at, severity, message, details
		FROM findings
		WHERE execution_id = ?
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`, executionID, limit, offset)
	if err != nil {
		return nil, classify("list_findings", executionID, err)
	}
	defer rows.Close()

	var findings []*investigation.Finding
	for rows.Next() {
		var f investigation.Finding
		var createdAt int64
		var severity string
		var details []byte
		if err := rows.Scan(&f.ID, &f.ExecutionID, &createdAt, &severity, &f.Message, &details); err != nil {
			return nil, classify("list_findings", executionID, err)
		}
		f.Timestamp = time.UnixMilli(createdAt)
		f.Severity = investigation.Severity(severity)
		f.Details = details
		findings = append(findings, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list_findings", executionID, err)
	}
	return findings, nil
}

// CountFindings returns the true number of finding rows for an execution.
func (s *Store) CountFindings(ctx context.Context, executionID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM findings WHERE execution_id = ?
	`, executionID).Scan(&n)
	if err != nil {
		return 0, classify("count_findings", executionID, err)
	}
	return n, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
