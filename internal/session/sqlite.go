package session

import (
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Backend in SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.init(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) init() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_dir TEXT,
		active_files TEXT,
		status TEXT NOT NULL,
		format_version INTEGER NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		type TEXT NOT NULL,
		task TEXT,
		step TEXT,
		specialist TEXT,
		stage TEXT,
		content TEXT,
		error TEXT,
		duration_ms INTEGER,
		timestamp DATETIME NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id)
	);

	CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id);

	CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save saves a session to the database.
func (s *SQLiteStore) Save(sess *Session) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	filesJSON, _ := json.Marshal(sess.ActiveFiles)

	_, err = tx.Exec(`
		INSERT INTO sessions (id, name, base_dir, active_files, status, format_version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			base_dir = excluded.base_dir,
			active_files = excluded.active_files,
			status = excluded.status,
			updated_at = excluded.updated_at
	`, sess.ID, sess.Name, sess.BaseDir, string(filesJSON), sess.Status,
		sess.Meta.FormatVersion, sess.Meta.CreatedAt, sess.Meta.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}

	// Events are append-only; only insert the ones not stored yet.
	var stored sql.NullInt64
	if err := tx.QueryRow("SELECT MAX(seq) FROM events WHERE session_id = ?", sess.ID).Scan(&stored); err != nil {
		return fmt.Errorf("failed to read event position: %w", err)
	}
	for _, event := range sess.Events {
		if stored.Valid && int64(event.SeqID) <= stored.Int64 {
			continue
		}
		_, err = tx.Exec(`
			INSERT INTO events (session_id, seq, type, task, step, specialist, stage, content, error, duration_ms, timestamp)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, sess.ID, event.SeqID, event.Type, event.Task, event.Step, event.Specialist, event.Stage,
			event.Content, event.Error, event.DurationMs, event.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to save event: %w", err)
		}
	}

	return tx.Commit()
}

// Load loads a session from the database.
func (s *SQLiteStore) Load(id string) (*Session, error) {
	row := s.db.QueryRow(`
		SELECT id, name, base_dir, active_files, status, format_version, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	sess := &Session{}
	var baseDir, filesJSON sql.NullString
	err := row.Scan(&sess.ID, &sess.Name, &baseDir, &filesJSON, &sess.Status,
		&sess.Meta.FormatVersion, &sess.Meta.CreatedAt, &sess.Meta.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("session not found: %s", id)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	sess.BaseDir = baseDir.String
	if filesJSON.Valid && filesJSON.String != "" && filesJSON.String != "null" {
		json.Unmarshal([]byte(filesJSON.String), &sess.ActiveFiles)
	}

	rows, err := s.db.Query(`
		SELECT seq, type, task, step, specialist, stage, content, error, duration_ms, timestamp
		FROM events WHERE session_id = ? ORDER BY seq
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load events: %w", err)
	}
	defer rows.Close()

	sess.Events = []Event{}
	for rows.Next() {
		var event Event
		var task, step, specialist, stage, content, eventError sql.NullString
		var durationMs sql.NullInt64
		err := rows.Scan(&event.SeqID, &event.Type, &task, &step, &specialist, &stage,
			&content, &eventError, &durationMs, &event.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.Task = task.String
		event.Step = step.String
		event.Specialist = specialist.String
		event.Stage = stage.String
		event.Content = content.String
		event.Error = eventError.String
		event.DurationMs = durationMs.Int64
		sess.Events = append(sess.Events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	sess.restoreSeq()
	return sess, nil
}

// CurrentID returns the id of the current session, "" if none.
func (s *SQLiteStore) CurrentID() (string, error) {
	var id string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = 'current_session'").Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

// SetCurrentID records the current session.
func (s *SQLiteStore) SetCurrentID(id string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES ('current_session', ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, id)
	return err
}
