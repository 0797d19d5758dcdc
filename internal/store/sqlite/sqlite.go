// Copyright 2025 Auterity, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite execution store for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/auterity/engine/internal/store"
)

// Compile-time interface assertions.
var (
	_ store.Store         = (*Store)(nil)
	_ store.WorkflowStore = (*Store)(nil)
)

// Store is a SQLite-backed execution store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New opens the database, configures pragmas, and runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			version INTEGER NOT NULL,
			tenant_id TEXT NOT NULL,
			definition TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			tenant_id TEXT NOT NULL,
			initiator_user_id TEXT NOT NULL,
			status TEXT NOT NULL,
			mode TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			error_kind TEXT,
			error_message TEXT,
			started_at TEXT NOT NULL,
			ended_at TEXT,
			duration_ms INTEGER DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow ON executions(workflow_id)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status ON executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_started_at ON executions(started_at)`,
		`CREATE TABLE IF NOT EXISTS step_records (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			status TEXT NOT NULL,
			inputs TEXT,
			outputs TEXT,
			error_kind TEXT,
			error_message TEXT,
			started_at TEXT,
			ended_at TEXT,
			duration_ms INTEGER DEFAULT 0,
			attempts INTEGER DEFAULT 0,
			PRIMARY KEY (execution_id, step_id),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS execution_logs (
			execution_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			step_id TEXT,
			level TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			message TEXT NOT NULL,
			data TEXT,
			PRIMARY KEY (execution_id, sequence),
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS routing_decisions (
			execution_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			model_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			estimated_cost_cents REAL DEFAULT 0,
			actual_cost_cents REAL DEFAULT 0,
			prompt_tokens INTEGER DEFAULT 0,
			completion_tokens INTEGER DEFAULT 0,
			latency_ms INTEGER DEFAULT 0,
			fallback_depth INTEGER DEFAULT 0,
			FOREIGN KEY (execution_id) REFERENCES executions(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_routing_decisions_step ON routing_decisions(execution_id, step_id)`,
		`CREATE TABLE IF NOT EXISTS tenant_spend (
			tenant_id TEXT PRIMARY KEY,
			period_spend_cents REAL NOT NULL DEFAULT 0,
			updated_at TEXT NOT NULL
		)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// CreateExecution persists a new execution row.
func (s *Store) CreateExecution(ctx context.Context, exec *store.Execution) error {
	inputsJSON, err := marshalMap(exec.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal inputs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO executions (id, workflow_id, workflow_version, tenant_id, initiator_user_id,
			status, mode, inputs, outputs, error_kind, error_message, started_at, ended_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL, NULL, ?, NULL, 0)`,
		exec.ID, exec.WorkflowID, exec.WorkflowVersion, exec.TenantID, exec.InitiatorUserID,
		string(exec.Status), string(exec.Mode), inputsJSON, formatTime(exec.StartedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}
	return nil
}

// TransitionExecution performs a CAS status transition. The UPDATE is
// guarded on the current status; zero rows affected means conflict.
func (s *Store) TransitionExecution(ctx context.Context, executionID string, from, to store.ExecutionStatus, fields *store.TransitionFields) error {
	var (
		outputsJSON  sql.NullString
		errorKind    sql.NullString
		errorMessage sql.NullString
		endedAt      sql.NullString
		durationMs   int64
	)
	if fields != nil {
		if fields.Outputs != nil {
			raw, err := marshalMap(fields.Outputs)
			if err != nil {
				return fmt.Errorf("failed to marshal outputs: %w", err)
			}
			outputsJSON = sql.NullString{String: raw, Valid: true}
		}
		if fields.ErrorKind != "" {
			errorKind = sql.NullString{String: fields.ErrorKind, Valid: true}
			errorMessage = sql.NullString{String: fields.ErrorMessage, Valid: true}
		}
		if fields.EndedAt != nil {
			endedAt = sql.NullString{String: formatTime(*fields.EndedAt), Valid: true}
			durationMs = fields.DurationMs
		}
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE executions SET
			status = ?,
			outputs = COALESCE(?, outputs),
			error_kind = COALESCE(?, error_kind),
			error_message = COALESCE(?, error_message),
			ended_at = COALESCE(?, ended_at),
			duration_ms = CASE WHEN ? > 0 THEN ? ELSE duration_ms END
		WHERE id = ? AND status = ?`,
		string(to), outputsJSON, errorKind, errorMessage, endedAt, durationMs, durationMs,
		executionID, string(from),
	)
	if err != nil {
		return fmt.Errorf("failed to transition execution: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to transition execution: %w", err)
	}
	if affected == 0 {
		// Distinguish missing row from status mismatch.
		var current string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM executions WHERE id = ?`, executionID).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("execution %s: %w", executionID, store.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to transition execution: %w", err)
		}
		return fmt.Errorf("execution %s is %s, expected %s: %w", executionID, current, from, store.ErrConflict)
	}
	return nil
}

// UpsertStepRecord writes a step record keyed by (executionID, stepID).
func (s *Store) UpsertStepRecord(ctx context.Context, record store.StepRecord) error {
	return s.upsertStepRecordTx(ctx, s.db, record)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) upsertStepRecordTx(ctx context.Context, db execer, record store.StepRecord) error {
	inputsJSON, err := marshalMap(record.Inputs)
	if err != nil {
		return fmt.Errorf("failed to marshal step inputs: %w", err)
	}
	outputsJSON, err := marshalMap(record.Outputs)
	if err != nil {
		return fmt.Errorf("failed to marshal step outputs: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO step_records (execution_id, step_id, status, inputs, outputs,
			error_kind, error_message, started_at, ended_at, duration_ms, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (execution_id, step_id) DO UPDATE SET
			status = excluded.status,
			inputs = excluded.inputs,
			outputs = excluded.outputs,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			duration_ms = excluded.duration_ms,
			attempts = excluded.attempts`,
		record.ExecutionID, record.StepID, string(record.Status), inputsJSON, outputsJSON,
		nullString(record.ErrorKind), nullString(record.ErrorMessage),
		formatTimePtr(record.StartedAt), formatTimePtr(record.EndedAt),
		record.DurationMs, record.Attempts,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step record: %w", err)
	}
	return nil
}

// ApplyStepResult applies the record, its logs, and routing decisions
// in a single transaction.
func (s *Store) ApplyStepResult(ctx context.Context, apply store.StepResultApply) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.upsertStepRecordTx(ctx, tx, apply.Record); err != nil {
		return err
	}
	for _, entry := range apply.Logs {
		if _, err := appendLogTx(ctx, tx, entry); err != nil {
			return err
		}
	}
	for _, d := range apply.Decisions {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO routing_decisions (execution_id, step_id, model_id, provider,
				estimated_cost_cents, actual_cost_cents, prompt_tokens, completion_tokens,
				latency_ms, fallback_depth)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.ExecutionID, d.StepID, d.ModelID, d.Provider,
			d.EstimatedCostCents, d.ActualCostCents, d.PromptTokens, d.CompletionTokens,
			d.LatencyMs, d.FallbackDepth,
		)
		if err != nil {
			return fmt.Errorf("failed to insert routing decision: %w", err)
		}
	}
	return tx.Commit()
}

// AppendLog appends an entry, assigning the next sequence atomically
// within a transaction.
func (s *Store) AppendLog(ctx context.Context, entry store.LogEntry) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()
	seq, err := appendLogTx(ctx, tx, entry)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit log append: %w", err)
	}
	return seq, nil
}

func appendLogTx(ctx context.Context, tx *sql.Tx, entry store.LogEntry) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM execution_logs WHERE execution_id = ?`,
		entry.ExecutionID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to assign log sequence: %w", err)
	}
	dataJSON, err := marshalMap(entry.Data)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal log data: %w", err)
	}
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO execution_logs (execution_id, sequence, step_id, level, timestamp, message, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ExecutionID, seq, nullString(entry.StepID), string(entry.Level),
		formatTime(ts), entry.Message, dataJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to append log: %w", err)
	}
	return seq, nil
}

// LoadSnapshot reads the execution and its children. SQLite gives a
// consistent view within one transaction.
func (s *Store) LoadSnapshot(ctx context.Context, executionID string) (*store.Snapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	exec, err := scanExecution(tx.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, executionID))
	if err != nil {
		return nil, err
	}
	snap := &store.Snapshot{Execution: exec}

	rows, err := tx.QueryContext(ctx, `
		SELECT execution_id, step_id, status, inputs, outputs, error_kind, error_message,
			started_at, ended_at, duration_ms, attempts
		FROM step_records WHERE execution_id = ? ORDER BY step_id`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		record, err := scanStepRecord(rows)
		if err != nil {
			return nil, err
		}
		snap.StepRecords = append(snap.StepRecords, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list step records: %w", err)
	}

	decRows, err := tx.QueryContext(ctx, `
		SELECT execution_id, step_id, model_id, provider, estimated_cost_cents,
			actual_cost_cents, prompt_tokens, completion_tokens, latency_ms, fallback_depth
		FROM routing_decisions WHERE execution_id = ? ORDER BY step_id, rowid`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list routing decisions: %w", err)
	}
	defer decRows.Close()
	for decRows.Next() {
		var d store.RoutingDecision
		if err := decRows.Scan(&d.ExecutionID, &d.StepID, &d.ModelID, &d.Provider,
			&d.EstimatedCostCents, &d.ActualCostCents, &d.PromptTokens, &d.CompletionTokens,
			&d.LatencyMs, &d.FallbackDepth); err != nil {
			return nil, fmt.Errorf("failed to scan routing decision: %w", err)
		}
		snap.RoutingDecisions = append(snap.RoutingDecisions, d)
	}
	if err := decRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list routing decisions: %w", err)
	}
	return snap, nil
}

const selectExecution = `
	SELECT id, workflow_id, workflow_version, tenant_id, initiator_user_id, status, mode,
		inputs, outputs, error_kind, error_message, started_at, ended_at, duration_ms
	FROM executions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*store.Execution, error) {
	var (
		exec                    store.Execution
		status, mode            string
		inputsJSON, outputsJSON sql.NullString
		errorKind, errorMsg     sql.NullString
		startedAt               string
		endedAt                 sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.WorkflowID, &exec.WorkflowVersion, &exec.TenantID,
		&exec.InitiatorUserID, &status, &mode, &inputsJSON, &outputsJSON,
		&errorKind, &errorMsg, &startedAt, &endedAt, &exec.DurationMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution: %w", store.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}
	exec.Status = store.ExecutionStatus(status)
	exec.Mode = store.ExecutionMode(mode)
	if exec.Inputs, err = unmarshalMap(inputsJSON); err != nil {
		return nil, err
	}
	if exec.Outputs, err = unmarshalMap(outputsJSON); err != nil {
		return nil, err
	}
	exec.ErrorKind = errorKind.String
	exec.ErrorMessage = errorMsg.String
	if exec.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, err
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		exec.EndedAt = &t
	}
	return &exec, nil
}

func scanStepRecord(row rowScanner) (*store.StepRecord, error) {
	var (
		record                  store.StepRecord
		status                  string
		inputsJSON, outputsJSON sql.NullString
		errorKind, errorMsg     sql.NullString
		startedAt, endedAt      sql.NullString
	)
	err := row.Scan(&record.ExecutionID, &record.StepID, &status, &inputsJSON, &outputsJSON,
		&errorKind, &errorMsg, &startedAt, &endedAt, &record.DurationMs, &record.Attempts)
	if err != nil {
		return nil, fmt.Errorf("failed to scan step record: %w", err)
	}
	record.Status = store.StepStatus(status)
	if record.Inputs, err = unmarshalMap(inputsJSON); err != nil {
		return nil, err
	}
	if record.Outputs, err = unmarshalMap(outputsJSON); err != nil {
		return nil, err
	}
	record.ErrorKind = errorKind.String
	record.ErrorMessage = errorMsg.String
	if startedAt.Valid {
		t, err := parseTime(startedAt.String)
		if err != nil {
			return nil, err
		}
		record.StartedAt = &t
	}
	if endedAt.Valid {
		t, err := parseTime(endedAt.String)
		if err != nil {
			return nil, err
		}
		record.EndedAt = &t
	}
	return &record, nil
}

// GetExecution returns the execution row alone.
func (s *Store) GetExecution(ctx context.Context, executionID string) (*store.Execution, error) {
	return scanExecution(s.db.QueryRowContext(ctx, selectExecution+` WHERE id = ?`, executionID))
}

// ListLogs returns entries after sinceSequence in sequence order.
func (s *Store) ListLogs(ctx context.Context, executionID string, sinceSequence int64, limit int) ([]store.LogEntry, error) {
	query := `
		SELECT execution_id, sequence, step_id, level, timestamp, message, data
		FROM execution_logs WHERE execution_id = ? AND sequence > ?
		ORDER BY sequence`
	args := []any{executionID, sinceSequence}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	defer rows.Close()

	var out []store.LogEntry
	for rows.Next() {
		var (
			entry    store.LogEntry
			stepID   sql.NullString
			level    string
			ts       string
			dataJSON sql.NullString
		)
		if err := rows.Scan(&entry.ExecutionID, &entry.Sequence, &stepID, &level, &ts, &entry.Message, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan log entry: %w", err)
		}
		entry.StepID = stepID.String
		entry.Level = store.LogLevel(level)
		if entry.Timestamp, err = parseTime(ts); err != nil {
			return nil, err
		}
		if entry.Data, err = unmarshalMap(dataJSON); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}
	return out, nil
}

// ListExecutions pages through executions of one workflow, most
// recent first.
func (s *Store) ListExecutions(ctx context.Context, workflowID string, filter store.ExecutionFilter, page store.Page) ([]store.Execution, error) {
	query := selectExecution + ` WHERE workflow_id = ?`
	args := []any{workflowID}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	query += ` ORDER BY started_at DESC, id`
	if page.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, page.Limit)
	} else if page.Offset > 0 {
		// OFFSET is only valid after a LIMIT clause; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if page.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, page.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer rows.Close()

	var out []store.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	return out, nil
}

// AddSpendCents atomically increments the tenant's period spend under
// the row lock and returns the new total.
func (s *Store) AddSpendCents(ctx context.Context, tenantID string, cents float64) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO tenant_spend (tenant_id, period_spend_cents, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (tenant_id) DO UPDATE SET
			period_spend_cents = period_spend_cents + excluded.period_spend_cents,
			updated_at = excluded.updated_at
		RETURNING period_spend_cents`,
		tenantID, cents, formatTime(time.Now().UTC()),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to add tenant spend: %w", err)
	}
	return total, nil
}

// PeriodSpendCents returns the tenant's current period spend.
func (s *Store) PeriodSpendCents(ctx context.Context, tenantID string) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT period_spend_cents FROM tenant_spend WHERE tenant_id = ?`, tenantID,
	).Scan(&total)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read tenant spend: %w", err)
	}
	return total, nil
}

// PutWorkflow persists a definition version.
func (s *Store) PutWorkflow(ctx context.Context, id string, version int, tenantID string, definition []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, version, tenant_id, definition, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			version = excluded.version,
			tenant_id = excluded.tenant_id,
			definition = excluded.definition,
			updated_at = excluded.updated_at`,
		id, version, tenantID, string(definition), formatTime(time.Now().UTC()),
	)
	if err != nil {
		return fmt.Errorf("failed to put workflow: %w", err)
	}
	return nil
}

// GetWorkflow returns the latest persisted definition.
func (s *Store) GetWorkflow(ctx context.Context, id string) ([]byte, int, string, error) {
	var (
		definition string
		version    int
		tenantID   string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT definition, version, tenant_id FROM workflows WHERE id = ?`, id,
	).Scan(&definition, &version, &tenantID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, 0, "", fmt.Errorf("workflow %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, 0, "", fmt.Errorf("failed to get workflow: %w", err)
	}
	return []byte(definition), version, tenantID, nil
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		return "", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func unmarshalMap(s sql.NullString) (map[string]any, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal stored JSON: %w", err)
	}
	return out, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
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
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time: %w", err)
	}
	return t, nil
}
