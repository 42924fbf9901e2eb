package storage

import (
	"database/sql"
	"errors"
	"time"
)

// CheckpointRow is the persistent checkpoint record. State blobs are stored
// compressed; the checkpoint package owns the codec.
type CheckpointRow struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	ExecutionMode string    `json:"execution_mode"`
	Type          string    `json:"type"`
	Status        string    `json:"status"`
	MafState      []byte    `json:"-"`
	MafVersion    int       `json:"maf_version"`
	ClaudeState   []byte    `json:"-"`
	ClaudeVersion int       `json:"claude_version"`
	RiskSnapshot  string    `json:"risk_snapshot,omitempty"`
	Metadata      string    `json:"metadata,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// InsertCheckpoint persists a new checkpoint row.
func (db *DB) InsertCheckpoint(row *CheckpointRow) error {
	_, err := db.Exec(
		`INSERT INTO checkpoints
		 (id, session_id, execution_mode, type, status, maf_state, maf_version,
		  claude_state, claude_version, risk_snapshot, metadata, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		row.ID, row.SessionID, row.ExecutionMode, row.Type, row.Status,
		row.MafState, row.MafVersion, row.ClaudeState, row.ClaudeVersion,
		row.RiskSnapshot, row.Metadata, row.CreatedAt, row.ExpiresAt,
	)
	return err
}

// GetCheckpoint fetches a checkpoint, optionally including the state blobs.
func (db *DB) GetCheckpoint(id string, includeState bool) (*CheckpointRow, error) {
	cols := `id, session_id, execution_mode, type, status, maf_version,
	         claude_version, risk_snapshot, metadata, created_at, expires_at`
	if includeState {
		cols = `id, session_id, execution_mode, type, status, maf_state, maf_version,
		        claude_state, claude_version, risk_snapshot, metadata, created_at, expires_at`
	}

	var row CheckpointRow
	var err error
	if includeState {
		err = db.QueryRow("SELECT "+cols+" FROM checkpoints WHERE id = ?", id).Scan(
			&row.ID, &row.SessionID, &row.ExecutionMode, &row.Type, &row.Status,
			&row.MafState, &row.MafVersion, &row.ClaudeState, &row.ClaudeVersion,
			&row.RiskSnapshot, &row.Metadata, &row.CreatedAt, &row.ExpiresAt)
	} else {
		err = db.QueryRow("SELECT "+cols+" FROM checkpoints WHERE id = ?", id).Scan(
			&row.ID, &row.SessionID, &row.ExecutionMode, &row.Type, &row.Status,
			&row.MafVersion, &row.ClaudeVersion,
			&row.RiskSnapshot, &row.Metadata, &row.CreatedAt, &row.ExpiresAt)
	}

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return &row, nil
}

// UpdateCheckpointStatus transitions a checkpoint's status.
func (db *DB) UpdateCheckpointStatus(id, status string) error {
	result, err := db.Exec("UPDATE checkpoints SET status = ? WHERE id = ?", status, id)
	if err != nil {
		return err
	}
	return requireAffected(result)
}

// ExpireCheckpoints flips active checkpoints past their expiry to expired.
// Returns the number of rows transitioned.
func (db *DB) ExpireCheckpoints(now time.Time) (int64, error) {
	result, err := db.Exec(
		"UPDATE checkpoints SET status = 'expired' WHERE status = 'active' AND expires_at <= ?",
		now,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// PurgeCheckpoints deletes non-active checkpoints older than the cutoff.
func (db *DB) PurgeCheckpoints(cutoff time.Time) (int64, error) {
	result, err := db.Exec(
		"DELETE FROM checkpoints WHERE status IN ('expired', 'deleted') AND expires_at <= ?",
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ListCheckpoints lists checkpoint rows for a session, newest first.
// Empty typeFilter or statusFilter means no filtering on that column.
func (db *DB) ListCheckpoints(sessionID, typeFilter, statusFilter string, limit, offset int) ([]*CheckpointRow, error) {
	query := `SELECT id, session_id, execution_mode, type, status, maf_version,
	                 claude_version, risk_snapshot, metadata, created_at, expires_at
	          FROM checkpoints WHERE session_id = ?`
	args := []any{sessionID}

	if typeFilter != "" {
		query += " AND type = ?"
		args = append(args, typeFilter)
	}
	if statusFilter != "" {
		query += " AND status = ?"
		args = append(args, statusFilter)
	}
	query += " ORDER BY created_at DESC"

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

	var checkpoints []*CheckpointRow
	for rows.Next() {
		var row CheckpointRow
		if err := rows.Scan(&row.ID, &row.SessionID, &row.ExecutionMode, &row.Type, &row.Status,
			&row.MafVersion, &row.ClaudeVersion, &row.RiskSnapshot, &row.Metadata,
			&row.CreatedAt, &row.ExpiresAt); err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, &row)
	}

	return checkpoints, rows.Err()
}
