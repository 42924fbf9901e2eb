// Package checkpoint persists restorable snapshots of both engines' state.
package checkpoint

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"conductor/internal/engine"
	"conductor/internal/risk"
	"conductor/internal/storage"
	"conductor/pkg/logger"
)

// Type classifies why a checkpoint was taken.
type Type string

const (
	TypeManual     Type = "manual"
	TypeAuto       Type = "auto"
	TypeModeSwitch Type = "mode_switch"
	TypeHITL       Type = "hitl"
	TypeRecovery   Type = "recovery"
)

// Status is the checkpoint lifecycle state.
type Status string

const (
	StatusActive  Status = "active"
	StatusExpired Status = "expired"
	StatusDeleted Status = "deleted"
)

// RestoreMode selects which engine states a restore replaces.
type RestoreMode string

const (
	RestoreFull       RestoreMode = "full"
	RestoreMAFOnly    RestoreMode = "maf_only"
	RestoreClaudeOnly RestoreMode = "claude_only"
)

// Sentinel errors.
var (
	// ErrNotFound is returned for unknown checkpoint ids.
	ErrNotFound = errors.New("checkpoint not found")

	// ErrExpired is returned when restoring an expired checkpoint. No
	// partial data is ever returned.
	ErrExpired = errors.New("checkpoint expired")

	// ErrTooLarge is returned when a compressed state blob exceeds the cap.
	ErrTooLarge = errors.New("compressed checkpoint state exceeds size limit")
)

// Checkpoint is a restorable snapshot of both engines' state.
type Checkpoint struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	ExecutionMode engine.Mode       `json:"execution_mode"`
	Type          Type              `json:"type"`
	Status        Status            `json:"status"`
	MafState      engine.State      `json:"-"`
	ClaudeState   engine.State      `json:"-"`
	RiskSnapshot  *risk.Assessment  `json:"risk_snapshot,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	ExpiresAt     time.Time         `json:"expires_at"`
}

// RestoreResult reports the outcome of a restore.
type RestoreResult struct {
	CheckpointID  string      `json:"checkpoint_id"`
	SessionID     string      `json:"session_id"`
	ExecutionMode engine.Mode `json:"execution_mode"`
	Mode          RestoreMode `json:"restore_mode"`
	RestoredAt    time.Time   `json:"restored_at"`
}

// Store is the checkpoint persistence layer: gzip-compressed, size-capped,
// expiring snapshots over sqlite.
type Store struct {
	db  *storage.DB
	ttl time.Duration

	// maxCompressedBytes bounds each compressed blob to keep recovery fast.
	maxCompressedBytes int
}

// Config configures the Store.
type Config struct {
	TTL                time.Duration
	MaxCompressedBytes int
}

// NewStore creates a checkpoint store.
func NewStore(db *storage.DB, cfg Config) *Store {
	ttl := 24 * time.Hour
	maxBytes := 1 << 20

	if cfg.TTL > 0 {
		ttl = cfg.TTL
	}
	if cfg.MaxCompressedBytes > 0 {
		maxBytes = cfg.MaxCompressedBytes
	}

	return &Store{db: db, ttl: ttl, maxCompressedBytes: maxBytes}
}

// Save persists a new checkpoint of both engine states.
func (s *Store) Save(sessionID string, typ Type, mode engine.Mode, maf, claude engine.State, riskSnapshot *risk.Assessment, metadata map[string]string) (*Checkpoint, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("checkpoint: session id required")
	}

	mafBlob, err := s.compress(maf.Bytes)
	if err != nil {
		return nil, err
	}
	claudeBlob, err := s.compress(claude.Bytes)
	if err != nil {
		return nil, err
	}

	riskJSON := ""
	if riskSnapshot != nil {
		data, err := json.Marshal(riskSnapshot)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: marshal risk snapshot: %w", err)
		}
		riskJSON = string(data)
	}

	metaJSON := "{}"
	if len(metadata) > 0 {
		data, err := json.Marshal(metadata)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: marshal metadata: %w", err)
		}
		metaJSON = string(data)
	}

	now := time.Now().UTC()
	cp := &Checkpoint{
		ID:            uuid.New().String(),
		SessionID:     sessionID,
		ExecutionMode: mode,
		Type:          typ,
		Status:        StatusActive,
		MafState:      maf,
		ClaudeState:   claude,
		RiskSnapshot:  riskSnapshot,
		Metadata:      metadata,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	row := &storage.CheckpointRow{
		ID:            cp.ID,
		SessionID:     sessionID,
		ExecutionMode: string(mode),
		Type:          string(typ),
		Status:        string(StatusActive),
		MafState:      mafBlob,
		MafVersion:    maf.Version,
		ClaudeState:   claudeBlob,
		ClaudeVersion: claude.Version,
		RiskSnapshot:  riskJSON,
		Metadata:      metaJSON,
		CreatedAt:     now,
		ExpiresAt:     cp.ExpiresAt,
	}

	if err := s.db.InsertCheckpoint(row); err != nil {
		return nil, fmt.Errorf("checkpoint: insert: %w", err)
	}
	if err := s.db.IncrementCheckpointCount(sessionID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to bump checkpoint count")
	}

	logger.Debug().
		Str("checkpoint_id", cp.ID).
		Str("session_id", sessionID).
		Str("type", string(typ)).
		Msg("Checkpoint saved")

	return cp, nil
}

// Get fetches a checkpoint, decompressing state only when requested.
func (s *Store) Get(id string, includeState bool) (*Checkpoint, error) {
	row, err := s.db.GetCheckpoint(id, includeState)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.fromRow(row, includeState)
}

// Restore replaces the target session's engine state from the checkpoint.
// It never merges: the selected state kinds are fully overwritten. An
// expired checkpoint fails outright rather than returning partial data.
func (s *Store) Restore(id string, mode RestoreMode, targetSessionID string) (*RestoreResult, error) {
	switch mode {
	case RestoreFull, RestoreMAFOnly, RestoreClaudeOnly:
	default:
		return nil, fmt.Errorf("checkpoint: invalid restore mode %q", mode)
	}

	cp, err := s.Get(id, true)
	if err != nil {
		return nil, err
	}

	if cp.Status != StatusActive || time.Now().UTC().After(cp.ExpiresAt) {
		return nil, ErrExpired
	}

	sessionID := targetSessionID
	if sessionID == "" {
		sessionID = cp.SessionID
	}

	session, err := s.db.GetSession(sessionID)
	if err != nil {
		return nil, err
	}

	mafState, mafVersion := session.MafState, session.MafVersion
	claudeState, claudeVersion := session.ClaudeState, session.ClaudeVersion

	if mode == RestoreFull || mode == RestoreMAFOnly {
		mafState, mafVersion = cp.MafState.Bytes, cp.MafState.Version
	}
	if mode == RestoreFull || mode == RestoreClaudeOnly {
		claudeState, claudeVersion = cp.ClaudeState.Bytes, cp.ClaudeState.Version
	}

	if err := s.db.UpdateSessionState(sessionID, mafState, mafVersion, claudeState, claudeVersion); err != nil {
		return nil, err
	}

	// A full restore also returns the session to the mode it was in when
	// the checkpoint was taken; partial restores leave the mode alone.
	if mode == RestoreFull && cp.ExecutionMode.Valid() {
		if err := s.db.UpdateSessionMode(sessionID, string(cp.ExecutionMode)); err != nil {
			return nil, err
		}
	}

	logger.Info().
		Str("checkpoint_id", id).
		Str("session_id", sessionID).
		Str("restore_mode", string(mode)).
		Msg("Checkpoint restored")

	return &RestoreResult{
		CheckpointID:  id,
		SessionID:     sessionID,
		ExecutionMode: cp.ExecutionMode,
		Mode:          mode,
		RestoredAt:    time.Now().UTC(),
	}, nil
}

// Delete soft-deletes a checkpoint.
func (s *Store) Delete(id string) error {
	err := s.db.UpdateCheckpointStatus(id, string(StatusDeleted))
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

// ListFilter narrows List results.
type ListFilter struct {
	Type   Type
	Status Status
	Limit  int
	Offset int
}

// List returns checkpoint metadata for a session, newest first. State blobs
// are not loaded.
func (s *Store) List(sessionID string, filter ListFilter) ([]*Checkpoint, error) {
	rows, err := s.db.ListCheckpoints(sessionID, string(filter.Type), string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, err
	}

	checkpoints := make([]*Checkpoint, 0, len(rows))
	for _, row := range rows {
		cp, err := s.fromRow(row, false)
		if err != nil {
			return nil, err
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, nil
}

func (s *Store) fromRow(row *storage.CheckpointRow, includeState bool) (*Checkpoint, error) {
	cp := &Checkpoint{
		ID:            row.ID,
		SessionID:     row.SessionID,
		ExecutionMode: engine.Mode(row.ExecutionMode),
		Type:          Type(row.Type),
		Status:        Status(row.Status),
		MafState:      engine.State{Kind: engine.StateKindMAF, Version: row.MafVersion},
		ClaudeState:   engine.State{Kind: engine.StateKindClaude, Version: row.ClaudeVersion},
		CreatedAt:     row.CreatedAt,
		ExpiresAt:     row.ExpiresAt,
	}

	if row.RiskSnapshot != "" {
		var snapshot risk.Assessment
		if err := json.Unmarshal([]byte(row.RiskSnapshot), &snapshot); err != nil {
			return nil, fmt.Errorf("checkpoint: decode risk snapshot: %w", err)
		}
		cp.RiskSnapshot = &snapshot
	}

	if row.Metadata != "" && row.Metadata != "{}" {
		if err := json.Unmarshal([]byte(row.Metadata), &cp.Metadata); err != nil {
			return nil, fmt.Errorf("checkpoint: decode metadata: %w", err)
		}
	}

	if includeState {
		maf, err := decompress(row.MafState)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decompress maf state: %w", err)
		}
		claude, err := decompress(row.ClaudeState)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: decompress claude state: %w", err)
		}
		cp.MafState.Bytes = maf
		cp.ClaudeState.Bytes = claude
	}

	return cp, nil
}

// compress gzips a state blob and enforces the size cap.
func (s *Store) compress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, nil
	}

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("checkpoint: compress: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("checkpoint: compress: %w", err)
	}

	if buf.Len() > s.maxCompressedBytes {
		return nil, fmt.Errorf("%w: %d > %d bytes", ErrTooLarge, buf.Len(), s.maxCompressedBytes)
	}

	return buf.Bytes(), nil
}

func decompress(blob []byte) ([]byte, error) {
	if len(blob) == 0 {
		return nil, nil
	}

	zr, err := gzip.NewReader(bytes.NewReader(blob))
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	return io.ReadAll(zr)
}
