package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/orchestrd/internal/errs"
	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteConfig holds SQLite store configuration.
type SQLiteConfig struct {
	Path            string
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens the database at cfg.Path and applies migrations.
func NewSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 1
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// encodeJSON returns NULL for nil values.
func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case *ErrorDetails:
		if x == nil {
			return sql.NullString{}, nil
		}
	case *Rollback:
		if x == nil {
			return sql.NullString{}, nil
		}
	case map[string]any:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func decodeJSON(ns sql.NullString, v any) error {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(ns.String), v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkAffected(res sql.Result, resource, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &errs.NotFoundError{Resource: resource, ID: id}
	}
	return nil
}

type runColumns struct {
	plan, errDetails, rollback sql.NullString
	started, finished          sql.NullString
}

func (s *SQLite) runArgs(run *Run) ([]any, error) {
	plan, err := json.Marshal(run.Plan)
	if err != nil {
		return nil, fmt.Errorf("encoding plan: %w", err)
	}
	details, err := encodeJSON(run.Error)
	if err != nil {
		return nil, fmt.Errorf("encoding error details: %w", err)
	}
	rollback, err := encodeJSON(run.Rollback)
	if err != nil {
		return nil, fmt.Errorf("encoding rollback: %w", err)
	}
	return []any{
		run.Topic, run.Status, run.Policy, run.Provider,
		boolInt(run.IntegrationEnabled), string(plan),
		run.TotalPhases, run.CompletedPhases, run.FailedPhases,
		run.SuccessRate, run.TokensUsed, boolInt(run.CancelRequested),
		details, rollback,
		formatTimePtr(run.StartedAt), formatTimePtr(run.FinishedAt),
	}, nil
}

// CreateRun inserts a run record.
func (s *SQLite) CreateRun(ctx context.Context, run *Run) error {
	args, err := s.runArgs(run)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO runs (
			topic, status, policy, provider, integration_enabled, plan,
			total_phases, completed_phases, failed_phases, success_rate,
			tokens_used, cancel_requested, error_details, rollback,
			started_at, finished_at, id, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	args = append(args, run.ID, formatTime(run.CreatedAt))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// UpdateRun overwrites the mutable columns of a run.
func (s *SQLite) UpdateRun(ctx context.Context, run *Run) error {
	args, err := s.runArgs(run)
	if err != nil {
		return err
	}
	query := `
		UPDATE runs SET
			topic = ?, status = ?, policy = ?, provider = ?, integration_enabled = ?,
			plan = ?, total_phases = ?, completed_phases = ?, failed_phases = ?,
			success_rate = ?, tokens_used = ?, cancel_requested = ?,
			error_details = ?, rollback = ?, started_at = ?, finished_at = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query, append(args, run.ID)...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}
	return checkAffected(res, "run", run.ID)
}

const runSelect = `
	SELECT id, topic, status, policy, provider, integration_enabled, plan,
		total_phases, completed_phases, failed_phases, success_rate,
		tokens_used, cancel_requested, error_details, rollback,
		created_at, started_at, finished_at
	FROM runs
`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*Run, error) {
	var (
		run                   Run
		cols                  runColumns
		created               string
		integration, cancelRq int
	)
	if err := row.Scan(
		&run.ID, &run.Topic, &run.Status, &run.Policy, &run.Provider,
		&integration, &cols.plan,
		&run.TotalPhases, &run.CompletedPhases, &run.FailedPhases, &run.SuccessRate,
		&run.TokensUsed, &cancelRq, &cols.errDetails, &cols.rollback,
		&created, &cols.started, &cols.finished,
	); err != nil {
		return nil, err
	}
	run.IntegrationEnabled = integration != 0
	run.CancelRequested = cancelRq != 0

	var err error
	if run.CreatedAt, err = parseTime(created); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if run.StartedAt, err = parseTimePtr(cols.started); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if run.FinishedAt, err = parseTimePtr(cols.finished); err != nil {
		return nil, fmt.Errorf("parsing finished_at: %w", err)
	}
	if err := decodeJSON(cols.plan, &run.Plan); err != nil {
		return nil, fmt.Errorf("decoding plan: %w", err)
	}
	if cols.errDetails.Valid {
		run.Error = &ErrorDetails{}
		if err := decodeJSON(cols.errDetails, run.Error); err != nil {
			return nil, fmt.Errorf("decoding error details: %w", err)
		}
	}
	if cols.rollback.Valid {
		run.Rollback = &Rollback{}
		if err := decodeJSON(cols.rollback, run.Rollback); err != nil {
			return nil, fmt.Errorf("decoding rollback: %w", err)
		}
	}
	return &run, nil
}

// GetRun retrieves a run by ID.
func (s *SQLite) GetRun(ctx context.Context, id string) (*Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, runSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &errs.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first. A non-positive limit returns all.
func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]*Run, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, runSelect+" ORDER BY created_at DESC, id DESC LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}
	return runs, nil
}

// CreatePhaseExecution inserts a phase record.
func (s *SQLite) CreatePhaseExecution(ctx context.Context, pe *PhaseExecution) error {
	query := `
		INSERT INTO phase_executions (
			run_id, ordinal, code, name, status, prompt, response, model,
			attempts, prompt_tokens, completion_tokens, error, error_kind,
			started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		pe.RunID, pe.Ordinal, pe.Code, pe.Name, pe.Status, pe.Prompt, pe.Response, pe.Model,
		pe.Attempts, pe.PromptTokens, pe.CompletionTokens, pe.Error, pe.ErrorKind,
		formatTimePtr(pe.StartedAt), formatTimePtr(pe.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create phase execution: %w", err)
	}
	return nil
}

// UpdatePhaseExecution overwrites the mutable columns of a phase record.
func (s *SQLite) UpdatePhaseExecution(ctx context.Context, pe *PhaseExecution) error {
	query := `
		UPDATE phase_executions SET
			status = ?, prompt = ?, response = ?, model = ?, attempts = ?,
			prompt_tokens = ?, completion_tokens = ?, error = ?, error_kind = ?,
			started_at = ?, finished_at = ?
		WHERE run_id = ? AND code = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		pe.Status, pe.Prompt, pe.Response, pe.Model, pe.Attempts,
		pe.PromptTokens, pe.CompletionTokens, pe.Error, pe.ErrorKind,
		formatTimePtr(pe.StartedAt), formatTimePtr(pe.FinishedAt),
		pe.RunID, pe.Code,
	)
	if err != nil {
		return fmt.Errorf("failed to update phase execution: %w", err)
	}
	return checkAffected(res, "phase execution", pe.RunID+"/"+pe.Code)
}

// ListPhaseExecutions returns a run's phases in plan order.
func (s *SQLite) ListPhaseExecutions(ctx context.Context, runID string) ([]*PhaseExecution, error) {
	query := `
		SELECT run_id, ordinal, code, name, status, prompt, response, model,
			attempts, prompt_tokens, completion_tokens, error, error_kind,
			started_at, finished_at
		FROM phase_executions
		WHERE run_id = ?
		ORDER BY ordinal
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list phase executions: %w", err)
	}
	defer rows.Close()

	out := []*PhaseExecution{}
	for rows.Next() {
		var (
			pe                PhaseExecution
			started, finished sql.NullString
		)
		if err := rows.Scan(
			&pe.RunID, &pe.Ordinal, &pe.Code, &pe.Name, &pe.Status, &pe.Prompt, &pe.Response, &pe.Model,
			&pe.Attempts, &pe.PromptTokens, &pe.CompletionTokens, &pe.Error, &pe.ErrorKind,
			&started, &finished,
		); err != nil {
			return nil, fmt.Errorf("failed to scan phase execution: %w", err)
		}
		if pe.StartedAt, err = parseTimePtr(started); err != nil {
			return nil, fmt.Errorf("parsing started_at: %w", err)
		}
		if pe.FinishedAt, err = parseTimePtr(finished); err != nil {
			return nil, fmt.Errorf("parsing finished_at: %w", err)
		}
		out = append(out, &pe)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating phase executions: %w", err)
	}
	return out, nil
}

// CreateIntegrationOperation appends an operation to a run's history.
func (s *SQLite) CreateIntegrationOperation(ctx context.Context, op *IntegrationOperation) error {
	params, err := encodeJSON(op.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	if !params.Valid {
		params = sql.NullString{String: "{}", Valid: true}
	}
	result, err := encodeJSON(op.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	query := `
		INSERT INTO integration_operations (
			id, seq, run_id, phase, kind, type, action, params, status,
			result, error, undo_error, elapsed_ns, created_at
		) VALUES (
			?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM integration_operations WHERE run_id = ?),
			?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		)
	`
	_, err = s.db.ExecContext(ctx, query,
		op.ID, op.RunID,
		op.RunID, op.Phase, op.Kind, op.Type, op.Action, params, op.Status,
		result, op.Error, op.UndoError, int64(op.Elapsed), formatTime(op.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create integration operation: %w", err)
	}
	return nil
}

// UpdateIntegrationOperation records the outcome of an operation.
func (s *SQLite) UpdateIntegrationOperation(ctx context.Context, op *IntegrationOperation) error {
	result, err := encodeJSON(op.Result)
	if err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}
	query := `
		UPDATE integration_operations SET
			status = ?, result = ?, error = ?, undo_error = ?, elapsed_ns = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, query,
		op.Status, result, op.Error, op.UndoError, int64(op.Elapsed), op.ID)
	if err != nil {
		return fmt.Errorf("failed to update integration operation: %w", err)
	}
	return checkAffected(res, "integration operation", op.ID)
}

// ListIntegrationOperations returns a run's operations in creation order.
func (s *SQLite) ListIntegrationOperations(ctx context.Context, runID string) ([]*IntegrationOperation, error) {
	query := `
		SELECT id, run_id, phase, kind, type, action, params, status,
			result, error, undo_error, elapsed_ns, created_at
		FROM integration_operations
		WHERE run_id = ?
		ORDER BY seq
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integration operations: %w", err)
	}
	defer rows.Close()

	out := []*IntegrationOperation{}
	for rows.Next() {
		var (
			op             IntegrationOperation
			params, result sql.NullString
			elapsed        int64
			created        string
		)
		if err := rows.Scan(
			&op.ID, &op.RunID, &op.Phase, &op.Kind, &op.Type, &op.Action, &params, &op.Status,
			&result, &op.Error, &op.UndoError, &elapsed, &created,
		); err != nil {
			return nil, fmt.Errorf("failed to scan integration operation: %w", err)
		}
		if err := decodeJSON(params, &op.Params); err != nil {
			return nil, fmt.Errorf("decoding params: %w", err)
		}
		if err := decodeJSON(result, &op.Result); err != nil {
			return nil, fmt.Errorf("decoding result: %w", err)
		}
		op.Elapsed = time.Duration(elapsed)
		if op.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		out = append(out, &op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating integration operations: %w", err)
	}
	return out, nil
}
