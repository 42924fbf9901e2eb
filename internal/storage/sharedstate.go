package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"time"
)

// ErrVersionConflict indicates a stale expected version on a shared-state
// write. The caller must refetch and reapply; the store never merges.
type ErrVersionConflict struct {
	ThreadID       string
	CurrentVersion int
}

func (e *ErrVersionConflict) Error() string {
	return "thread state version conflict"
}

// ThreadState is a thread-scoped JSON document synchronized between server
// and clients with compare-and-swap versioning.
type ThreadState struct {
	ThreadID  string          `json:"thread_id"`
	State     json.RawMessage `json:"state"`
	Version   int             `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// GetThreadState fetches the shared state for a thread. A thread that has
// never been written reads as an empty document at version 0.
func (db *DB) GetThreadState(threadID string) (*ThreadState, error) {
	var ts ThreadState
	var stateStr string

	err := db.QueryRow(
		"SELECT thread_id, state, version, updated_at FROM thread_state WHERE thread_id = ?",
		threadID,
	).Scan(&ts.ThreadID, &stateStr, &ts.Version, &ts.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return &ThreadState{
			ThreadID:  threadID,
			State:     json.RawMessage("{}"),
			Version:   0,
			UpdatedAt: time.Time{},
		}, nil
	}
	if err != nil {
		return nil, err
	}

	ts.State = json.RawMessage(stateStr)
	return &ts, nil
}

// CompareAndSwapThreadState replaces the document iff expectedVersion matches
// the stored version. Versions are strictly increasing and gapless per
// thread: the new version is always expectedVersion+1.
func (db *DB) CompareAndSwapThreadState(threadID string, state json.RawMessage, expectedVersion int) (*ThreadState, error) {
	now := time.Now().UTC()
	newVersion := expectedVersion + 1

	if expectedVersion == 0 {
		// First write for the thread. INSERT enforces uniqueness; a lost
		// race surfaces as a constraint error and is reported as a conflict.
		_, err := db.Exec(
			"INSERT INTO thread_state (thread_id, state, version, updated_at) VALUES (?, ?, ?, ?)",
			threadID, string(state), newVersion, now,
		)
		if err != nil {
			current, getErr := db.GetThreadState(threadID)
			if getErr == nil && current.Version != 0 {
				return nil, &ErrVersionConflict{ThreadID: threadID, CurrentVersion: current.Version}
			}
			return nil, err
		}
	} else {
		result, err := db.Exec(
			"UPDATE thread_state SET state = ?, version = ?, updated_at = ? WHERE thread_id = ? AND version = ?",
			string(state), newVersion, now, threadID, expectedVersion,
		)
		if err != nil {
			return nil, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, err
		}
		if affected == 0 {
			current, getErr := db.GetThreadState(threadID)
			if getErr != nil {
				return nil, getErr
			}
			return nil, &ErrVersionConflict{ThreadID: threadID, CurrentVersion: current.Version}
		}
	}

	return &ThreadState{
		ThreadID:  threadID,
		State:     state,
		Version:   newVersion,
		UpdatedAt: now,
	}, nil
}
