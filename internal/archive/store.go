package archive

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/qraft-dev/qraft/internal/session"
)

// Record is a terminal session as persisted in the archive.
type Record struct {
	ID          string     `json:"id"`
	WorktreeID  string     `json:"worktreeId"`
	PromptID    string     `json:"promptId"`
	State       string     `json:"state"`
	Message     string     `json:"message"`
	Purpose     *string    `json:"purpose,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Store handles SQLite persistence for terminal sessions and their
// visibility flags. Sessions are written once when they reach a terminal
// state; purpose and hidden are the only mutable columns afterwards.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (or creates) the archive database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	store := &Store{db: db, dbPath: dbPath}

	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to initialize archive schema: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		worktree_id TEXT NOT NULL,
		prompt_id TEXT NOT NULL,
		state TEXT NOT NULL,
		message TEXT NOT NULL,
		purpose TEXT,
		error TEXT,
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		completed_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS hidden_sessions (
		session_id TEXT PRIMARY KEY,
		hidden_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_worktree ON sessions(worktree_id);
	CREATE INDEX IF NOT EXISTS idx_sessions_completed ON sessions(completed_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create archive schema: %w", err)
	}
	return nil
}

// RecordTerminal persists a session that has reached a terminal state.
// Writing the same session twice updates the existing row.
func (s *Store) RecordTerminal(sess *session.Session) error {
	if !sess.State.Terminal() {
		return fmt.Errorf("session %s is not terminal (state %s)", sess.ID, sess.State)
	}

	var errCol sql.NullString
	if sess.Error != "" {
		errCol = sql.NullString{String: sess.Error, Valid: true}
	}

	_, err := s.db.Exec(`
		INSERT INTO sessions (id, worktree_id, prompt_id, state, message, purpose, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			purpose = excluded.purpose,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		sess.ID, sess.WorktreeID, sess.PromptID, string(sess.State), sess.Message,
		sess.Purpose, errCol, sess.CreatedAt, sess.StartedAt, sess.CompletedAt)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sess.ID, err)
	}
	return nil
}

// SetPurpose stores the generated purpose for an archived session.
func (s *Store) SetPurpose(sessionID, purpose string) error {
	res, err := s.db.Exec("UPDATE sessions SET purpose = ? WHERE id = ?", purpose, sessionID)
	if err != nil {
		return fmt.Errorf("failed to set purpose for session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session not archived: %s", sessionID)
	}
	return nil
}

// GetPurpose returns the stored purpose for a session, or "" when none is set.
func (s *Store) GetPurpose(sessionID string) (string, error) {
	var purpose sql.NullString
	err := s.db.QueryRow("SELECT purpose FROM sessions WHERE id = ?", sessionID).Scan(&purpose)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get purpose for session %s: %w", sessionID, err)
	}
	return purpose.String, nil
}

// SetHidden marks or unmarks an archived session as hidden. Hiding an
// already-hidden session (or unhiding a visible one) is a no-op.
func (s *Store) SetHidden(sessionID string, hidden bool) error {
	var err error
	if hidden {
		_, err = s.db.Exec(
			"INSERT INTO hidden_sessions (session_id) VALUES (?) ON CONFLICT(session_id) DO NOTHING",
			sessionID)
	} else {
		_, err = s.db.Exec("DELETE FROM hidden_sessions WHERE session_id = ?", sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update hidden flag for session %s: %w", sessionID, err)
	}
	return nil
}

// IsHidden reports whether the session is flagged hidden.
func (s *Store) IsHidden(sessionID string) (bool, error) {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM hidden_sessions WHERE session_id = ?", sessionID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// ListHidden returns the ids of all hidden sessions, most recently hidden first.
func (s *Store) ListHidden() ([]string, error) {
	rows, err := s.db.Query("SELECT session_id FROM hidden_sessions ORDER BY hidden_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list hidden sessions: %w", err)
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

// ListTerminal returns archived sessions ordered newest first. Hidden
// sessions are excluded unless includeHidden is set.
func (s *Store) ListTerminal(includeHidden bool) ([]Record, error) {
	query := `
		SELECT s.id, s.worktree_id, s.prompt_id, s.state, s.message, s.purpose, s.error,
		       s.created_at, s.started_at, s.completed_at
		FROM sessions s`
	if !includeHidden {
		query += ` WHERE s.id NOT IN (SELECT session_id FROM hidden_sessions)`
	}
	query += ` ORDER BY s.created_at DESC`

	rows, err := s.db.Query(query)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived sessions: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// Get returns a single archived session.
func (s *Store) Get(sessionID string) (*Record, error) {
	row := s.db.QueryRow(`
		SELECT id, worktree_id, prompt_id, state, message, purpose, error,
		       created_at, started_at, completed_at
		FROM sessions WHERE id = ?`, sessionID)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get archived session %s: %w", sessionID, err)
	}
	return &rec, nil
}

// EvictOlderThan deletes archived sessions whose completion time is before
// the cutoff. Returns the number of deleted rows.
func (s *Store) EvictOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM sessions WHERE completed_at IS NOT NULL AND completed_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to evict old sessions: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var purpose, errCol sql.NullString
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&rec.ID, &rec.WorktreeID, &rec.PromptID, &rec.State, &rec.Message,
		&purpose, &errCol, &rec.CreatedAt, &startedAt, &completedAt)
	if err != nil {
		return Record{}, err
	}

	if purpose.Valid {
		rec.Purpose = &purpose.String
	}
	rec.Error = errCol.String
	if startedAt.Valid {
		rec.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		rec.CompletedAt = &completedAt.Time
	}
	return rec, nil
}
