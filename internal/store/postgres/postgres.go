package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/Keyring-Network/keyring-gavryn/verifier/internal/store"
)

type PostgresStore struct {
	db *sql.DB
}

var openDB = sql.Open

func New(conn string) (*PostgresStore, error) {
	db, err := openDB("pgx", conn)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := verifySchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

var requiredTables = []string{
	"test_runs",
	"run_events",
	"run_event_sequences",
	"run_steps",
}

func verifySchema(ctx context.Context, db *sql.DB) error {
	for _, table := range requiredTables {
		var regclass sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)", fmt.Sprintf("public.%s", table)).Scan(&regclass); err != nil {
			return err
		}
		if !regclass.Valid {
			return fmt.Errorf("database schema missing: %s table not found (run migrations/001_init.sql)", table)
		}
	}
	return nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func (p *PostgresStore) Close() error {
	return p.db.Close()
}

func (p *PostgresStore) CreateTestRun(ctx context.Context, run store.TestRun) error {
	status := strings.TrimSpace(run.Status)
	if status == "" {
		status = store.StatusQueued
	}
	mode := strings.TrimSpace(run.Mode)
	if mode == "" {
		mode = store.ModeSync
	}
	createdAt := parseTimestampValue(run.CreatedAt)
	updatedAt := createdAt
	if strings.TrimSpace(run.UpdatedAt) != "" {
		updatedAt = parseTimestampValue(run.UpdatedAt)
	}
	const query = `
		INSERT INTO test_runs (
			id,
			session_id,
			anchor_session_id,
			site_url,
			mode,
			status,
			request,
			created_at,
			updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9)
	`
	_, err := p.db.ExecContext(
		ctx,
		query,
		run.ID,
		nullString(run.SessionID),
		nullString(run.AnchorSessionID),
		run.SiteURL,
		mode,
		status,
		rawJSON(run.Request),
		createdAt,
		updatedAt,
	)
	return err
}

const testRunColumns = `id, session_id, anchor_session_id, site_url, mode, status, error, request, result, last_seq, created_at, updated_at`

func (p *PostgresStore) GetTestRun(ctx context.Context, runID string) (*store.TestRun, error) {
	row := p.db.QueryRowContext(ctx, "SELECT "+testRunColumns+" FROM test_runs WHERE id = $1", runID)
	run, err := scanTestRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *PostgresStore) ListTestRuns(ctx context.Context) ([]store.TestRun, error) {
	rows, err := p.db.QueryContext(ctx, "SELECT "+testRunColumns+" FROM test_runs ORDER BY updated_at DESC, id ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	runs := []store.TestRun{}
	for rows.Next() {
		run, err := scanTestRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (p *PostgresStore) SaveTestRunResult(ctx context.Context, runID string, result json.RawMessage) error {
	const query = `
		UPDATE test_runs
		SET result = $2::jsonb, updated_at = NOW()
		WHERE id = $1
	`
	_, err := p.db.ExecContext(ctx, query, runID, rawJSON(result))
	return err
}

// DeleteTestRun relies on ON DELETE CASCADE for events and steps.
func (p *PostgresStore) DeleteTestRun(ctx context.Context, runID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, "DELETE FROM run_event_sequences WHERE run_id = $1", runID); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, "DELETE FROM test_runs WHERE id = $1", runID); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) AppendEvent(ctx context.Context, event store.RunEvent) error {
	event.Type = store.NormalizeEventType(event.Type)
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	var traceIDValue any
	if traceID := strings.TrimSpace(event.TraceID); traceID != "" {
		if _, parseErr := uuid.Parse(traceID); parseErr == nil {
			traceIDValue = traceID
		}
	}
	const query = `
		INSERT INTO run_events (run_id, seq, type, timestamp, source, trace_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, query, event.RunID, event.Seq, event.Type, parseTimestampValue(event.Timestamp), event.Source, traceIDValue, encoded); err != nil {
		return err
	}
	if step, ok := store.BuildRunStepFromEvent(event); ok {
		if err = upsertRunStepTx(ctx, tx, step); err != nil {
			return err
		}
	}
	if err = applyRunStateUpdateTx(ctx, tx, event); err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

func (p *PostgresStore) ListEvents(ctx context.Context, runID string, afterSeq int64) ([]store.RunEvent, error) {
	const query = `
		SELECT run_id, seq, type, timestamp, source, trace_id, payload
		FROM run_events
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []store.RunEvent{}
	for rows.Next() {
		var (
			event        store.RunEvent
			timestamp    time.Time
			traceID      sql.NullString
			payloadBytes []byte
		)
		if err := rows.Scan(&event.RunID, &event.Seq, &event.Type, &timestamp, &event.Source, &traceID, &payloadBytes); err != nil {
			return nil, err
		}
		event.Timestamp = timestamp.UTC().Format(time.RFC3339Nano)
		event.TraceID = traceID.String
		event.Payload = map[string]any{}
		if len(payloadBytes) > 0 {
			if err := json.Unmarshal(payloadBytes, &event.Payload); err != nil {
				return nil, err
			}
		}
		results = append(results, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (p *PostgresStore) ListRunSteps(ctx context.Context, runID string) ([]store.RunStep, error) {
	const query = `
		SELECT run_id,
			step_id,
			parent_step_id,
			name,
			status,
			approved,
			diagnostics,
			started_at,
			completed_at
		FROM run_steps
		WHERE run_id = $1
		ORDER BY COALESCE((diagnostics->>'seq')::bigint, 9223372036854775807), created_at ASC
	`
	rows, err := p.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	steps := []store.RunStep{}
	for rows.Next() {
		var (
			step             store.RunStep
			parentStepID     sql.NullString
			name             sql.NullString
			approved         sql.NullBool
			diagnosticsBytes []byte
			startedAt        sql.NullTime
			completedAt      sql.NullTime
		)
		if err := rows.Scan(
			&step.RunID,
			&step.ID,
			&parentStepID,
			&name,
			&step.Status,
			&approved,
			&diagnosticsBytes,
			&startedAt,
			&completedAt,
		); err != nil {
			return nil, err
		}
		step.ParentStepID = parentStepID.String
		step.Name = name.String
		if approved.Valid {
			value := approved.Bool
			step.Approved = &value
		}
		if startedAt.Valid {
			step.StartedAt = startedAt.Time.UTC().Format(time.RFC3339Nano)
		}
		if completedAt.Valid {
			step.CompletedAt = completedAt.Time.UTC().Format(time.RFC3339Nano)
		}
		step.Diagnostics = decodeJSONMap(diagnosticsBytes)
		step.Kind = readDiagString(step.Diagnostics, "kind")
		step.Source = readDiagString(step.Diagnostics, "source")
		step.Seq = readDiagInt64(step.Diagnostics, "seq")
		step.Error = readDiagString(step.Diagnostics, "error")
		if step.Name == "" {
			step.Name = step.ID
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return steps, nil
}

func (p *PostgresStore) NextSeq(ctx context.Context, runID string) (int64, error) {
	const query = `
		INSERT INTO run_event_sequences (run_id, last_seq)
		VALUES ($1, 1)
		ON CONFLICT (run_id)
		DO UPDATE SET last_seq = run_event_sequences.last_seq + 1
		RETURNING last_seq
	`
	var seq int64
	if err := p.db.QueryRowContext(ctx, query, runID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTestRun(row rowScanner) (store.TestRun, error) {
	var (
		run             store.TestRun
		sessionID       sql.NullString
		anchorSessionID sql.NullString
		runError        sql.NullString
		request         []byte
		result          []byte
		createdAt       time.Time
		updatedAt       time.Time
	)
	if err := row.Scan(
		&run.ID,
		&sessionID,
		&anchorSessionID,
		&run.SiteURL,
		&run.Mode,
		&run.Status,
		&runError,
		&request,
		&result,
		&run.LastSeq,
		&createdAt,
		&updatedAt,
	); err != nil {
		return store.TestRun{}, err
	}
	run.SessionID = sessionID.String
	run.AnchorSessionID = anchorSessionID.String
	run.Error = runError.String
	if len(request) > 0 {
		run.Request = json.RawMessage(request)
	}
	if len(result) > 0 {
		run.Result = json.RawMessage(result)
	}
	run.CreatedAt = createdAt.UTC().Format(time.RFC3339Nano)
	run.UpdatedAt = updatedAt.UTC().Format(time.RFC3339Nano)
	return run, nil
}

func upsertRunStepTx(ctx context.Context, tx *sql.Tx, step store.RunStep) error {
	if strings.TrimSpace(step.RunID) == "" || strings.TrimSpace(step.ID) == "" {
		return nil
	}
	if strings.TrimSpace(step.Name) == "" {
		step.Name = step.ID
	}
	if strings.TrimSpace(step.Status) == "" {
		step.Status = store.StatusRunning
	}
	diagnostics := step.Diagnostics
	if diagnostics == nil {
		diagnostics = map[string]any{}
	}
	if step.Kind != "" {
		diagnostics["kind"] = step.Kind
	}
	if step.Source != "" {
		diagnostics["source"] = step.Source
	}
	if step.Seq > 0 {
		diagnostics["seq"] = step.Seq
	}
	if step.Error != "" {
		diagnostics["error"] = step.Error
	}
	diagnosticsBytes, err := json.Marshal(diagnostics)
	if err != nil {
		return err
	}
	var approved any
	if step.Approved != nil {
		approved = *step.Approved
	}
	const query = `
		INSERT INTO run_steps (
			run_id,
			step_id,
			parent_step_id,
			name,
			status,
			approved,
			diagnostics,
			started_at,
			completed_at,
			created_at,
			updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8, $9, NOW(), NOW())
		ON CONFLICT (run_id, step_id)
		DO UPDATE SET
			parent_step_id = COALESCE(run_steps.parent_step_id, EXCLUDED.parent_step_id),
			name = COALESCE(NULLIF(EXCLUDED.name, EXCLUDED.step_id), run_steps.name),
			status = EXCLUDED.status,
			approved = COALESCE(EXCLUDED.approved, run_steps.approved),
			diagnostics = run_steps.diagnostics || (EXCLUDED.diagnostics - 'seq'),
			started_at = COALESCE(run_steps.started_at, EXCLUDED.started_at),
			completed_at = COALESCE(EXCLUDED.completed_at, run_steps.completed_at),
			updated_at = NOW()
	`
	_, err = tx.ExecContext(
		ctx,
		query,
		step.RunID,
		step.ID,
		nullString(step.ParentStepID),
		step.Name,
		step.Status,
		approved,
		diagnosticsBytes,
		parseTimestampNull(step.StartedAt),
		parseTimestampNull(step.CompletedAt),
	)
	return err
}

// applyRunStateUpdateTx mirrors the memory store: lifecycle events move the
// status, every event advances last_seq.
func applyRunStateUpdateTx(ctx context.Context, tx *sql.Tx, event store.RunEvent) error {
	status := store.StatusFromEvent(event.Type)
	runError := ""
	clearError := false
	switch status {
	case store.StatusFailed:
		runError = readDiagString(event.Payload, "error")
	case store.StatusRunning, store.StatusCompleted:
		clearError = true
	}
	const query = `
		UPDATE test_runs
		SET
			status = COALESCE(NULLIF($2, ''), status),
			error = CASE
				WHEN $4 THEN NULL
				WHEN NULLIF($3, '') IS NOT NULL THEN $3
				ELSE error
			END,
			last_seq = GREATEST(last_seq, $5),
			updated_at = $6
		WHERE id = $1
	`
	_, err := tx.ExecContext(
		ctx,
		query,
		event.RunID,
		status,
		runError,
		clearError,
		event.Seq,
		parseTimestampValue(event.Timestamp),
	)
	return err
}

func parseTimestampValue(value string) time.Time {
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(value))
	if err != nil {
		return time.Now().UTC()
	}
	return parsed.UTC()
}

func parseTimestampNull(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	parsed, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return nil
	}
	return parsed.UTC()
}

func nullString(value string) any {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return value
}

func rawJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return []byte(raw)
}

func decodeJSONMap(raw []byte) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	payload := map[string]any{}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return map[string]any{}
	}
	return payload
}

func readDiagString(payload map[string]any, key string) string {
	value, ok := payload[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func readDiagInt64(payload map[string]any, key string) int64 {
	switch typed := payload[key].(type) {
	case float64:
		return int64(typed)
	case int64:
		return typed
	case int:
		return int64(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed
		}
	}
	return 0
}
