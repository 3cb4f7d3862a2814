// Package database stores telemetry envelopes received by the reference
// endpoint.
package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vincentbai/lmstrace/internal/models"
	_ "modernc.org/sqlite" // CGO-free SQLite
)

// DefaultLimit is the number of events RecentEvents returns when no limit is
// given.
const DefaultLimit = 100

// ErrInvalidEvent matches every *ValidationError.
var ErrInvalidEvent = errors.New("invalid event")

// ValidationError describes why an envelope was rejected.
type ValidationError struct {
	Index  int
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event %d: %s", e.Index, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidEvent
}

// StoredEvent is a received event plus the columns the endpoint adds.
type StoredEvent struct {
	ID int64 `json:"id"`
	models.Event
	AssignmentID    *int64 `json:"assignmentId"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

// Filter narrows RecentEvents. Zero values match everything.
type Filter struct {
	Limit        int
	SessionID    string
	AssignmentID *int64
}

type Database struct {
	db  *sql.DB
	now func() time.Time
}

func NewDatabase(databasePath string) (*Database, error) {
	// WAL + busy timeout to avoid "database is locked"
	db, err := sql.Open("sqlite", databasePath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db, now: time.Now}, nil
}

func createTables(db *sql.DB) error {
	types := make([]string, len(models.EventTypes))
	for i, t := range models.EventTypes {
		types[i] = "'" + string(t) + "'"
	}

	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS telemetry_events(
	  id               INTEGER PRIMARY KEY,
	  session_id       TEXT    NOT NULL,
	  event_type       TEXT    NOT NULL CHECK (event_type IN (` + strings.Join(types, ",") + `)),
	  timestamp        INTEGER NOT NULL,
	  assignment_id    INTEGER,
	  server_timestamp INTEGER NOT NULL,
	  data_json        TEXT    NOT NULL CHECK (json_valid(data_json))
	);
	CREATE INDEX IF NOT EXISTS idx_telemetry_session    ON telemetry_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_assignment ON telemetry_events(assignment_id);
	CREATE INDEX IF NOT EXISTS idx_telemetry_type       ON telemetry_events(event_type);
	`)
	if err != nil {
		return fmt.Errorf("failed to create database tables: %w", err)
	}
	return nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

// ValidateEvent checks the envelope only; data contents are not inspected.
func ValidateEvent(event models.Event) error {
	switch {
	case event.EventType == "":
		return errors.New("eventType cannot be empty")
	case !event.EventType.Valid():
		return fmt.Errorf("unknown eventType: %s", event.EventType)
	case event.SessionID == "":
		return errors.New("sessionId cannot be empty")
	case event.Timestamp <= 0:
		return errors.New("timestamp must be positive")
	}
	return nil
}

// InsertEvents stores all events or none. Every event is stamped with the
// same server timestamp.
func (d *Database) InsertEvents(ctx context.Context, events []models.Event) error {
	for i, event := range events {
		if err := ValidateEvent(event); err != nil {
			return &ValidationError{Index: i, Reason: err.Error()}
		}
	}
	received := d.now().UnixMilli()

	transaction, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	statement, err := transaction.PrepareContext(ctx, `INSERT INTO telemetry_events(session_id, event_type, timestamp, assignment_id, server_timestamp, data_json) VALUES(?,?,?,?,?,json(?))`)
	if err != nil {
		_ = transaction.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer statement.Close()

	for _, event := range events {
		data := event.Data
		if data == nil {
			data = map[string]any{}
		}
		jsonData, err := json.Marshal(data)
		if err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to marshal event data: %w", err)
		}

		var assignment sql.NullInt64
		if id, ok := assignmentID(data["assignmentId"]); ok {
			assignment = sql.NullInt64{Int64: id, Valid: true}
		}
		if _, err := statement.ExecContext(ctx, event.SessionID, string(event.EventType), event.Timestamp, assignment, received, string(jsonData)); err != nil {
			_ = transaction.Rollback()
			return fmt.Errorf("failed to execute statement: %w", err)
		}
	}
	if err := transaction.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RecentEvents returns stored events newest first.
func (d *Database) RecentEvents(ctx context.Context, filter Filter) ([]StoredEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}

	query := `SELECT id, session_id, event_type, timestamp, assignment_id, server_timestamp, data_json FROM telemetry_events`
	var conditions []string
	var args []any
	if filter.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.AssignmentID != nil {
		conditions = append(conditions, "assignment_id = ?")
		args = append(args, *filter.AssignmentID)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			event      StoredEvent
			eventType  string
			assignment sql.NullInt64
			dataJSON   string
		)
		if err := rows.Scan(&event.ID, &event.SessionID, &eventType, &event.Timestamp, &assignment, &event.ServerTimestamp, &dataJSON); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventType = models.EventType(eventType)
		if assignment.Valid {
			id := assignment.Int64
			event.AssignmentID = &id
		}
		if err := json.Unmarshal([]byte(dataJSON), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to decode event data: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	return events, nil
}

// assignmentID accepts the numeric shapes an assignmentId may take after
// decoding; anything else (including null) is absent.
func assignmentID(v any) (int64, bool) {
	switch id := v.(type) {
	case int64:
		return id, true
	case int:
		return int64(id), true
	case float64:
		if id == float64(int64(id)) {
			return int64(id), true
		}
	case json.Number:
		if n, err := id.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}
