package storage

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := newTestDB(t)

	created, err := db.CreateSession("chat")
	require.NoError(t, err)

	got, err := db.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "chat", got.CurrentMode)
	assert.Zero(t, got.ExecutionCount)

	require.NoError(t, db.UpdateSessionMode(created.ID, "workflow"))
	require.NoError(t, db.UpdateSessionOverride(created.ID, "workflow"))
	require.NoError(t, db.IncrementExecutionCount(created.ID))

	got, err = db.GetSession(created.ID)
	require.NoError(t, err)
	assert.Equal(t, "workflow", got.CurrentMode)
	assert.Equal(t, "workflow", got.ManualOverride)
	assert.Equal(t, 1, got.ExecutionCount)

	require.NoError(t, db.DeleteSession(created.ID))
	_, err = db.GetSession(created.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionNotFoundOnUpdates(t *testing.T) {
	db := newTestDB(t)

	assert.ErrorIs(t, db.UpdateSessionMode("missing", "chat"), ErrNotFound)
	assert.ErrorIs(t, db.DeleteSession("missing"), ErrNotFound)
}

func TestUpdateSessionState(t *testing.T) {
	db := newTestDB(t)

	s, err := db.CreateSession("workflow")
	require.NoError(t, err)

	maf := []byte(`{"completed_steps":["a"]}`)
	claude := []byte(`{"turns":[]}`)
	require.NoError(t, db.UpdateSessionState(s.ID, maf, 3, claude, 1))

	got, err := db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, maf, got.MafState)
	assert.Equal(t, 3, got.MafVersion)
	assert.Equal(t, claude, got.ClaudeState)
	assert.Equal(t, 1, got.ClaudeVersion)
}

func TestThreadStateFreshThreadReadsEmpty(t *testing.T) {
	db := newTestDB(t)

	ts, err := db.GetThreadState("t1")
	require.NoError(t, err)
	assert.Equal(t, 0, ts.Version)
	assert.JSONEq(t, "{}", string(ts.State))
}

func TestThreadStateCASVersionsAreGapless(t *testing.T) {
	db := newTestDB(t)

	for i := 0; i < 5; i++ {
		ts, err := db.CompareAndSwapThreadState("t1", json.RawMessage(`{"n":1}`), i)
		require.NoError(t, err)
		assert.Equal(t, i+1, ts.Version)
	}
}

func TestThreadStateCASConflict(t *testing.T) {
	db := newTestDB(t)

	_, err := db.CompareAndSwapThreadState("t1", json.RawMessage(`{"a":1}`), 0)
	require.NoError(t, err)

	// Stale base version: rejected, nothing written.
	_, err = db.CompareAndSwapThreadState("t1", json.RawMessage(`{"b":2}`), 0)
	var conflict *ErrVersionConflict
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, 1, conflict.CurrentVersion)

	ts, err := db.GetThreadState("t1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(ts.State))
	assert.Equal(t, 1, ts.Version)
}

func TestCheckpointRowLifecycle(t *testing.T) {
	db := newTestDB(t)

	s, err := db.CreateSession("workflow")
	require.NoError(t, err)

	now := time.Now().UTC()
	row := &CheckpointRow{
		ID:            "cp-1",
		SessionID:     s.ID,
		ExecutionMode: "workflow",
		Type:          "manual",
		Status:        "active",
		MafState:      []byte{0x1f, 0x8b},
		MafVersion:    2,
		Metadata:      "{}",
		CreatedAt:     now,
		ExpiresAt:     now.Add(time.Hour),
	}
	require.NoError(t, db.InsertCheckpoint(row))

	// Metadata-only fetch leaves blobs out.
	got, err := db.GetCheckpoint("cp-1", false)
	require.NoError(t, err)
	assert.Nil(t, got.MafState)
	assert.Equal(t, 2, got.MafVersion)

	got, err = db.GetCheckpoint("cp-1", true)
	require.NoError(t, err)
	assert.Equal(t, row.MafState, got.MafState)

	require.NoError(t, db.UpdateCheckpointStatus("cp-1", "deleted"))
	got, err = db.GetCheckpoint("cp-1", false)
	require.NoError(t, err)
	assert.Equal(t, "deleted", got.Status)
}

func TestExpireCheckpoints(t *testing.T) {
	db := newTestDB(t)

	s, err := db.CreateSession("chat")
	require.NoError(t, err)

	now := time.Now().UTC()
	stale := &CheckpointRow{
		ID: "old", SessionID: s.ID, ExecutionMode: "chat", Type: "auto", Status: "active",
		Metadata: "{}", CreatedAt: now.Add(-25 * time.Hour), ExpiresAt: now.Add(-time.Hour),
	}
	fresh := &CheckpointRow{
		ID: "new", SessionID: s.ID, ExecutionMode: "chat", Type: "auto", Status: "active",
		Metadata: "{}", CreatedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, db.InsertCheckpoint(stale))
	require.NoError(t, db.InsertCheckpoint(fresh))

	n, err := db.ExpireCheckpoints(now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	got, err := db.GetCheckpoint("old", false)
	require.NoError(t, err)
	assert.Equal(t, "expired", got.Status)

	got, err = db.GetCheckpoint("new", false)
	require.NoError(t, err)
	assert.Equal(t, "active", got.Status)

	purged, err := db.PurgeCheckpoints(now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, purged)

	_, err = db.GetCheckpoint("old", false)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListCheckpointsFilters(t *testing.T) {
	db := newTestDB(t)

	s, err := db.CreateSession("chat")
	require.NoError(t, err)

	now := time.Now().UTC()
	for i, typ := range []string{"manual", "auto", "manual"} {
		require.NoError(t, db.InsertCheckpoint(&CheckpointRow{
			ID: string(rune('a' + i)), SessionID: s.ID, ExecutionMode: "chat", Type: typ,
			Status: "active", Metadata: "{}",
			CreatedAt: now.Add(time.Duration(i) * time.Second), ExpiresAt: now.Add(time.Hour),
		}))
	}

	rows, err := db.ListCheckpoints(s.ID, "manual", "", 0, 0)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	rows, err = db.ListCheckpoints(s.ID, "", "", 2, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	// Newest first.
	assert.Equal(t, "c", rows[0].ID)
}

func TestAuditTrailOrdering(t *testing.T) {
	db := newTestDB(t)

	require.NoError(t, db.AppendAudit("req-1", "requested", "", "why"))
	require.NoError(t, db.AppendAudit("req-1", "approved", "alice", "ok"))
	require.NoError(t, db.AppendAudit("req-2", "requested", "", ""))

	trail, err := db.GetAuditTrail("req-1")
	require.NoError(t, err)
	require.Len(t, trail, 2)
	assert.Equal(t, "requested", trail[0].Event)
	assert.Equal(t, "approved", trail[1].Event)
	assert.Equal(t, "alice", trail[1].Actor)
}
