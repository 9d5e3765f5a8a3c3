package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/synthesis-run/synthesis/pkg/schema"
)

// LibSQLStore persists checkpoints and the event history in an embedded
// libSQL database running in WAL mode.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and applies
// pending migrations. The path should be a file URI, e.g. "file:/path/to/db".
func NewLibSQLStore(ctx context.Context, dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Some PRAGMAs return rows, so they go through QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRowContext(ctx, p).Scan(&result)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &LibSQLStore{db: db}, nil
}

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

func (s *LibSQLStore) Save(ctx context.Context, executionID string, data []byte) error {
	if executionID == "" {
		return invalidID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (execution_id, data, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(execution_id) DO UPDATE SET data=excluded.data, updated_at=excluded.updated_at`,
		executionID, string(data), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", executionID, err)
	}
	return nil
}

func (s *LibSQLStore) Load(ctx context.Context, executionID string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM checkpoints WHERE execution_id = ?`, executionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound(executionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", executionID, err)
	}
	return []byte(data), nil
}

func (s *LibSQLStore) Delete(ctx context.Context, executionID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM checkpoints WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", executionID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE execution_id = ?`, executionID); err != nil {
		return fmt.Errorf("delete events %s: %w", executionID, err)
	}
	return tx.Commit()
}

func (s *LibSQLStore) List(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT execution_id FROM checkpoints ORDER BY execution_id`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AppendEvent records an event. Sequences are assigned by the engine and
// must be unique per execution.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event schema.Event) error {
	var payload sql.NullString
	if event.Payload != nil {
		b, err := json.Marshal(event.Payload)
		if err != nil {
			return fmt.Errorf("marshal event payload: %w", err)
		}
		payload = sql.NullString{String: string(b), Valid: true}
	}
	ts := event.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (execution_id, sequence, step_id, event_type, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.ExecutionID, event.Sequence, nullStr(event.StepID), string(event.Type), payload, ts,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// Events returns the events of an execution with sequence > since, in
// sequence order.
func (s *LibSQLStore) Events(ctx context.Context, executionID string, since uint64) ([]schema.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, step_id, event_type, payload, timestamp FROM events
		 WHERE execution_id = ? AND sequence > ? ORDER BY sequence ASC`,
		executionID, since,
	)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []schema.Event
	for rows.Next() {
		var (
			e       schema.Event
			stepID  sql.NullString
			payload sql.NullString
			typ     string
		)
		if err := rows.Scan(&e.Sequence, &stepID, &typ, &payload, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.ExecutionID = executionID
		e.StepID = stepID.String
		e.Type = schema.EventType(typ)
		if payload.Valid {
			var p map[string]any
			if err := json.Unmarshal([]byte(payload.String), &p); err == nil {
				e.Payload = p
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

var (
	_ Store    = (*LibSQLStore)(nil)
	_ EventLog = (*LibSQLStore)(nil)
)
