package scheduler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/internal/engine"
)

func TestBeginRejectsBusySession(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("sess-1", engine.ModeChat, nil)
	require.NoError(t, err)

	_, err = r.Begin("sess-1", engine.ModeChat, nil)
	assert.ErrorIs(t, err, ErrSessionBusy)

	// Other sessions are unaffected.
	_, err = r.Begin("sess-2", engine.ModeChat, nil)
	assert.NoError(t, err)

	require.NoError(t, r.Finish(run.ID, RunCompleted, ""))

	_, err = r.Begin("sess-1", engine.ModeChat, nil)
	assert.NoError(t, err)
}

func TestSuspendedRunStillHoldsSession(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("sess-1", engine.ModeWorkflow, nil)
	require.NoError(t, err)
	require.NoError(t, r.Suspend(run.ID, "appr-1"))

	_, err = r.Begin("sess-1", engine.ModeWorkflow, nil)
	assert.ErrorIs(t, err, ErrSessionBusy)

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuspended, got.State)
	assert.Equal(t, "appr-1", got.ApprovalID)
}

func TestResumeClearsApprovalID(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("sess-1", engine.ModeWorkflow, nil)
	require.NoError(t, err)
	require.NoError(t, r.Suspend(run.ID, "appr-1"))
	require.NoError(t, r.Resume(run.ID))

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunRunning, got.State)
	assert.Empty(t, got.ApprovalID)
}

func TestFinishIsTerminalAndIdempotent(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("sess-1", engine.ModeChat, nil)
	require.NoError(t, err)

	require.NoError(t, r.Finish(run.ID, RunFailed, "boom"))
	// A second terminal transition is a no-op.
	require.NoError(t, r.Finish(run.ID, RunCompleted, ""))

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunFailed, got.State)
	assert.Equal(t, "boom", got.Error)
	assert.NotNil(t, got.FinishedAt)
}

func TestFinishRequiresTerminalState(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("sess-1", engine.ModeChat, nil)
	require.NoError(t, err)

	assert.Error(t, r.Finish(run.ID, RunSuspended, ""))
}

func TestCancelInvokesContextCancel(t *testing.T) {
	r := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	run, err := r.Begin("sess-1", engine.ModeChat, cancel)
	require.NoError(t, err)

	require.NoError(t, r.Cancel(run.ID))
	assert.ErrorIs(t, ctx.Err(), context.Canceled)

	got, err := r.Get(run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunCancelled, got.State)

	// Session is released.
	_, err = r.Begin("sess-1", engine.ModeChat, nil)
	assert.NoError(t, err)
}

func TestGetUnknownRun(t *testing.T) {
	r := NewRegistry()

	_, err := r.Get("missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
	assert.ErrorIs(t, r.Cancel("missing"), ErrRunNotFound)
}

func TestListFiltersBySession(t *testing.T) {
	r := NewRegistry()

	a, err := r.Begin("sess-a", engine.ModeChat, nil)
	require.NoError(t, err)
	_, err = r.Begin("sess-b", engine.ModeChat, nil)
	require.NoError(t, err)

	runs := r.List("sess-a")
	require.Len(t, runs, 1)
	assert.Equal(t, a.ID, runs[0].ID)

	assert.Len(t, r.List(""), 2)
}

func TestActiveRun(t *testing.T) {
	r := NewRegistry()

	_, ok := r.ActiveRun("sess-1")
	assert.False(t, ok)

	run, err := r.Begin("sess-1", engine.ModeChat, nil)
	require.NoError(t, err)

	active, ok := r.ActiveRun("sess-1")
	require.True(t, ok)
	assert.Equal(t, run.ID, active.ID)

	require.NoError(t, r.Finish(run.ID, RunCompleted, ""))
	_, ok = r.ActiveRun("sess-1")
	assert.False(t, ok)
}
