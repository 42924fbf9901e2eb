package storage

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound indicates the record does not exist.
var ErrNotFound = errors.New("not found")

// Session is the persistent session aggregate. The orchestrator is the only
// writer; current_mode flips only after the matching checkpoint is durable.
type Session struct {
	ID             string    `json:"id"`
	CurrentMode    string    `json:"current_mode"`
	ManualOverride string    `json:"manual_override,omitempty"`
	ExecutionCount int       `json:"execution_count"`
	CheckpointCount int      `json:"checkpoint_count"`
	MafState       []byte    `json:"-"`
	MafVersion     int       `json:"maf_version"`
	ClaudeState    []byte    `json:"-"`
	ClaudeVersion  int       `json:"claude_version"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// CreateSession creates a new session in the given mode.
func (db *DB) CreateSession(mode string) (*Session, error) {
	return db.CreateSessionWithID(uuid.New().String(), mode)
}

// CreateSessionWithID creates a new session with a caller-supplied ID.
func (db *DB) CreateSessionWithID(id, mode string) (*Session, error) {
	now := time.Now().UTC()

	_, err := db.Exec(
		"INSERT INTO sessions (id, current_mode, created_at, updated_at) VALUES (?, ?, ?, ?)",
		id, mode, now, now,
	)
	if err != nil {
		return nil, err
	}

	return &Session{
		ID:          id,
		CurrentMode: mode,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetSession fetches a session by ID.
func (db *DB) GetSession(id string) (*Session, error) {
	var s Session

	err := db.QueryRow(
		`SELECT id, current_mode, manual_override, execution_count, checkpoint_count,
		        maf_state, maf_version, claude_state, claude_version, created_at, updated_at
		 FROM sessions WHERE id = ?`,
		id,
	).Scan(&s.ID, &s.CurrentMode, &s.ManualOverride, &s.ExecutionCount, &s.CheckpointCount,
		&s.MafState, &s.MafVersion, &s.ClaudeState, &s.ClaudeVersion, &s.CreatedAt, &s.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &s, nil
}

// UpdateSessionMode flips current_mode. Callers must persist the mode-switch
// checkpoint first; this statement is the second half of the transition.
func (db *DB) UpdateSessionMode(id, mode string) error {
	result, err := db.Exec(
		"UPDATE sessions SET current_mode = ?, updated_at = ? WHERE id = ?",
		mode, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// UpdateSessionOverride sets or clears the manual mode override.
func (db *DB) UpdateSessionOverride(id, override string) error {
	result, err := db.Exec(
		"UPDATE sessions SET manual_override = ?, updated_at = ? WHERE id = ?",
		override, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// UpdateSessionState replaces both engine state blobs.
func (db *DB) UpdateSessionState(id string, mafState []byte, mafVersion int, claudeState []byte, claudeVersion int) error {
	result, err := db.Exec(
		`UPDATE sessions SET maf_state = ?, maf_version = ?, claude_state = ?, claude_version = ?, updated_at = ?
		 WHERE id = ?`,
		mafState, mafVersion, claudeState, claudeVersion, time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// IncrementExecutionCount bumps the per-session execution counter.
func (db *DB) IncrementExecutionCount(id string) error {
	result, err := db.Exec(
		"UPDATE sessions SET execution_count = execution_count + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// IncrementCheckpointCount bumps the per-session checkpoint counter.
func (db *DB) IncrementCheckpointCount(id string) error {
	result, err := db.Exec(
		"UPDATE sessions SET checkpoint_count = checkpoint_count + 1, updated_at = ? WHERE id = ?",
		time.Now().UTC(), id,
	)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// DeleteSession removes a session.
func (db *DB) DeleteSession(id string) error {
	result, err := db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ListSessions lists sessions ordered by recency.
func (db *DB) ListSessions(limit, offset int) ([]*Session, error) {
	query := `SELECT id, current_mode, manual_override, execution_count, checkpoint_count,
	                 maf_state, maf_version, claude_state, claude_version, created_at, updated_at
	          FROM sessions ORDER BY updated_at DESC`
	args := []any{}

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	if offset > 0 {
		query += " OFFSET ?"
		args = append(args, offset)
	}

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.ID, &s.CurrentMode, &s.ManualOverride, &s.ExecutionCount, &s.CheckpointCount,
			&s.MafState, &s.MafVersion, &s.ClaudeState, &s.ClaudeVersion, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		sessions = append(sessions, &s)
	}

	return sessions, rows.Err()
}

func requireAffected(result sql.Result) error {
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}
