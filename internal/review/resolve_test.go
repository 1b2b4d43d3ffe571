package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/store"
)

// conflicted returns a synced comment edited locally whose server copy
// changed too, as the sync engine leaves it under the prompt strategy.
func conflicted(t *testing.T, reason model.ConflictReason) (*Manager, *store.Store, model.Comment) {
	t.Helper()
	m, st, q := setup(t)
	ctx := t.Context()
	c, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", FilePath: "main.go", Line: 3, Message: "original"})
	require.NoError(t, err)
	markSynced(t, st, q, c.ID, "r1")
	msg := "mine"
	_, err = m.UpdateComment(ctx, c.ID, CommentUpdate{Message: &msg})
	require.NoError(t, err)

	remoteAt := time.Now().UTC().Add(time.Minute)
	require.NoError(t, st.MarkCommentConflict(ctx, c.ID, reason, "theirs", &remoteAt))
	_, err = st.RefreshConflictStatus(ctx, "c1")
	require.NoError(t, err)
	_, err = st.LogConflict(ctx, model.ConflictRecord{ChangeID: "c1", CommentID: c.ID, Reason: reason, Strategy: "prompt", Outcome: "deferred"})
	require.NoError(t, err)
	c, err = st.GetComment(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, "mine", c.Message, "local text survives detection")
	return m, st, c
}

func TestResolveKeepLocal(t *testing.T) {
	m, st, c := conflicted(t, model.ConflictReasonRemoteEdited)
	ctx := t.Context()

	got, err := m.ResolveConflict(ctx, c.ID, KeepLocal, "")
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Message)
	assert.Equal(t, model.SyncModifiedLocally, got.SyncStatus)
	assert.Equal(t, "r1", got.RemoteID)

	ops := activeOps(t, st, c.ID)
	require.Len(t, ops, 1)
	var p model.CommentPayload
	require.NoError(t, ops[0].DecodePayload(&p))
	assert.True(t, p.Force)

	open, err := st.ListConflicts(ctx, "c1", true)
	require.NoError(t, err)
	assert.Empty(t, open)

	change, err := st.GetChange(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictNone, change.ConflictStatus)
}

func TestResolveKeepRemote(t *testing.T) {
	m, st, c := conflicted(t, model.ConflictReasonRemoteEdited)
	ctx := t.Context()

	got, err := m.ResolveConflict(ctx, c.ID, KeepRemote, "")
	require.NoError(t, err)
	assert.Equal(t, "theirs", got.Message)
	assert.Equal(t, "theirs", got.BaseMessage)
	assert.Equal(t, model.SyncSynced, got.SyncStatus)
	assert.Empty(t, activeOps(t, st, c.ID))
}

func TestResolveEdit(t *testing.T) {
	m, _, c := conflicted(t, model.ConflictReasonRemoteEdited)
	ctx := t.Context()

	_, err := m.ResolveConflict(ctx, c.ID, Edit, "")
	assert.True(t, model.IsValidation(err))

	got, err := m.ResolveConflict(ctx, c.ID, Edit, "merged text")
	require.NoError(t, err)
	assert.Equal(t, "merged text", got.Message)
	assert.Equal(t, model.SyncModifiedLocally, got.SyncStatus)

	_, err = m.ResolveConflict(ctx, c.ID, KeepLocal, "")
	assert.True(t, model.IsValidation(err), "nothing left to resolve")
}

func TestResolveRemoteDeleted(t *testing.T) {
	m, st, c := conflicted(t, model.ConflictReasonRemoteDeleted)
	ctx := t.Context()
	change, err := st.GetChange(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictManualResolutionRequired, change.ConflictStatus)

	got, err := m.ResolveConflict(ctx, c.ID, KeepLocal, "")
	require.NoError(t, err)
	assert.Empty(t, got.RemoteID, "republished as a new comment")
	assert.Equal(t, "mine", got.Message)
	assert.Equal(t, model.SyncModifiedLocally, got.SyncStatus)
}

func TestResolveRemoteDeletedKeepRemote(t *testing.T) {
	m, st, c := conflicted(t, model.ConflictReasonRemoteDeleted)
	ctx := t.Context()

	_, err := m.ResolveConflict(ctx, c.ID, KeepRemote, "")
	require.NoError(t, err)
	_, err = st.GetComment(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, activeOps(t, st, c.ID))
}
