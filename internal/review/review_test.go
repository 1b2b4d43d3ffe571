package review

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/store"
	"github.com/dnr/craftsync/internal/testutil"
)

func setup(t *testing.T) (*Manager, *store.Store, *queue.Queue) {
	t.Helper()
	st, ctx := testutil.NewStore(t)
	testutil.SeedInstance(t, st, ctx, "i1")
	testutil.SeedChange(t, st, ctx, "i1", "c1", 2, "main.go", "util.go")
	testutil.SeedChange(t, st, ctx, "i1", "c2", 1, "other.go")
	q := queue.New(st)
	return New(st, q, WithAuthor("me")), st, q
}

// markSynced plays the sync engine: it claims the comment's push and acks it.
func markSynced(t *testing.T, st *store.Store, q *queue.Queue, id, remoteID string) model.Comment {
	t.Helper()
	ctx := t.Context()
	op, ok, err := q.DequeueNext(ctx, store.ClaimFilter{InstanceID: "i1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, id, op.TargetID)
	c, err := st.GetComment(ctx, id)
	require.NoError(t, err)
	_, err = st.MarkCommentSynced(ctx, id, remoteID, c.Message, time.Now().UTC())
	require.NoError(t, err)
	_, err = q.Complete(ctx, op)
	require.NoError(t, err)
	c, err = st.GetComment(ctx, id)
	require.NoError(t, err)
	return c
}

func activeOps(t *testing.T, st *store.Store, target string) []model.Operation {
	t.Helper()
	ops, err := st.ListOperations(t.Context(), store.OperationFilter{
		TargetID: target,
		Statuses: []model.OperationStatus{model.OpStatusPending, model.OpStatusInProgress},
	})
	require.NoError(t, err)
	return ops
}

func TestCreateComment(t *testing.T) {
	m, st, _ := setup(t)
	ctx := t.Context()

	c, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", FilePath: "main.go", Line: 12, Message: "Please rename\nthis variable"})
	require.NoError(t, err)
	assert.Equal(t, model.SyncLocalOnly, c.SyncStatus)
	assert.Equal(t, 2, c.PatchSetNumber, "defaults to the current patch set")
	assert.Equal(t, "Please rename this variable", c.Message)
	assert.Equal(t, "me", c.Author)
	assert.False(t, c.EverSynced)

	ops := activeOps(t, st, c.ID)
	require.Len(t, ops, 1)
	assert.Equal(t, model.OpPushComment, ops[0].Type)
	assert.Equal(t, "c1", ops[0].ChangeID)
	var p model.CommentPayload
	require.NoError(t, ops[0].DecodePayload(&p))
	assert.Equal(t, model.CommentActionUpsert, p.Action)

	ranged, err := m.CreateComment(ctx, CommentInput{
		ChangeID: "c1", FilePath: "util.go", PatchSetNumber: 1,
		Range:   &model.CommentRange{StartLine: 3, StartChar: 0, EndLine: 5, EndChar: 4},
		Message: "this block",
	})
	require.NoError(t, err)
	assert.Equal(t, 5, ranged.Line)
	assert.Equal(t, 1, ranged.PatchSetNumber)

	changeLevel, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "Overall fine"})
	require.NoError(t, err)
	assert.Empty(t, changeLevel.FilePath)
}

func TestCreateCommentValidation(t *testing.T) {
	m, _, _ := setup(t)
	ctx := t.Context()
	other, err := m.CreateComment(ctx, CommentInput{ChangeID: "c2", Message: "elsewhere"})
	require.NoError(t, err)

	for name, in := range map[string]CommentInput{
		"empty message":  {ChangeID: "c1", Message: "  "},
		"unknown change": {ChangeID: "nope", Message: "x"},
		"no change":      {Message: "x"},
		"bad patch set":  {ChangeID: "c1", PatchSetNumber: 9, Message: "x"},
		"unknown file":   {ChangeID: "c1", FilePath: "nope.go", Message: "x"},
		"negative line":  {ChangeID: "c1", Line: -1, Message: "x"},
		"foreign parent": {ChangeID: "c1", ParentID: other.ID, Message: "x"},
		"missing parent": {ChangeID: "c1", ParentID: "ghost", Message: "x"},
		"bad range":      {ChangeID: "c1", Range: &model.CommentRange{StartLine: 5, EndLine: 2}, Message: "x"},
	} {
		_, err := m.CreateComment(ctx, in)
		assert.True(t, model.IsValidation(err), "%s: %v", name, err)
	}
}

func TestReplyInheritsLocation(t *testing.T) {
	m, _, _ := setup(t)
	ctx := t.Context()
	root, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", FilePath: "main.go", PatchSetNumber: 1, Line: 7, Message: "Why?"})
	require.NoError(t, err)

	reply, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", ParentID: root.ID, Message: "Never mind"})
	require.NoError(t, err)
	assert.Equal(t, "main.go", reply.FilePath)
	assert.Equal(t, 7, reply.Line)
	assert.Equal(t, 1, reply.PatchSetNumber)
	assert.Equal(t, root.ID, reply.ParentID)
}

func TestUpdateCommentTransitions(t *testing.T) {
	m, st, q := setup(t)
	ctx := t.Context()
	c, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "first"})
	require.NoError(t, err)

	msg := "first, reworded"
	c, err = m.UpdateComment(ctx, c.ID, CommentUpdate{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, model.SyncLocalOnly, c.SyncStatus)
	assert.Len(t, activeOps(t, st, c.ID), 1, "edit merges into the queued push")

	c = markSynced(t, st, q, c.ID, "r1")
	require.Equal(t, model.SyncSynced, c.SyncStatus)

	msg = "second edit"
	c, err = m.UpdateComment(ctx, c.ID, CommentUpdate{Message: &msg})
	require.NoError(t, err)
	assert.Equal(t, model.SyncModifiedLocally, c.SyncStatus)
	assert.Equal(t, "first, reworded", c.BaseMessage)
	assert.Len(t, activeOps(t, st, c.ID), 1)

	unresolved := true
	c, err = m.UpdateComment(ctx, c.ID, CommentUpdate{Unresolved: &unresolved})
	require.NoError(t, err)
	assert.True(t, c.Unresolved)

	require.NoError(t, st.MarkCommentConflict(ctx, c.ID, model.ConflictReasonRemoteEdited, "theirs", nil))
	_, err = m.UpdateComment(ctx, c.ID, CommentUpdate{Message: &msg})
	assert.True(t, model.IsValidation(err))

	empty := ""
	_, err = m.UpdateComment(ctx, c.ID, CommentUpdate{Message: &empty})
	assert.True(t, model.IsValidation(err))
}

func TestDeleteNeverSyncedComment(t *testing.T) {
	m, st, _ := setup(t)
	ctx := t.Context()
	c, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "oops"})
	require.NoError(t, err)

	require.NoError(t, m.DeleteComment(ctx, c.ID))
	_, err = st.GetComment(ctx, c.ID)
	assert.ErrorIs(t, err, model.ErrNotFound)
	assert.Empty(t, activeOps(t, st, c.ID))
}

func TestDeleteSyncedCommentTombstones(t *testing.T) {
	m, st, q := setup(t)
	ctx := t.Context()
	c, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "published"})
	require.NoError(t, err)
	markSynced(t, st, q, c.ID, "r1")

	require.NoError(t, m.DeleteComment(ctx, c.ID))
	got, err := st.GetComment(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Equal(t, model.SyncModifiedLocally, got.SyncStatus)

	ops := activeOps(t, st, c.ID)
	require.Len(t, ops, 1)
	var p model.CommentPayload
	require.NoError(t, ops[0].DecodePayload(&p))
	assert.Equal(t, model.CommentActionDelete, p.Action)

	list, err := m.ListComments(ctx, "c1", "")
	require.NoError(t, err)
	assert.Empty(t, list, "tombstones are hidden")
}

func TestDeleteRequiresRepliesGone(t *testing.T) {
	m, _, _ := setup(t)
	ctx := t.Context()
	root, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "root"})
	require.NoError(t, err)
	reply, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", ParentID: root.ID, Message: "reply"})
	require.NoError(t, err)

	err = m.DeleteComment(ctx, root.ID)
	assert.True(t, model.IsValidation(err))
	require.NoError(t, m.DeleteComment(ctx, reply.ID))
	require.NoError(t, m.DeleteComment(ctx, root.ID))
}

func TestSubmitReview(t *testing.T) {
	m, st, q := setup(t)
	ctx := t.Context()
	a, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "a"})
	require.NoError(t, err)
	b, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "b"})
	require.NoError(t, err)

	_, err = m.SubmitReview(ctx, ReviewInput{ChangeID: "c1", Labels: map[string]int{"Code-Review": 2}, CommentIDs: []string{a.ID}})
	assert.True(t, model.IsValidation(err), "local_only comments are rejected")

	markSynced(t, st, q, a.ID, "ra")
	// b is claimed but not yet acknowledged
	op, ok, err := q.DequeueNext(ctx, store.ClaimFilter{InstanceID: "i1"})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, b.ID, op.TargetID)
	_, err = st.SetCommentSyncStatus(ctx, b.ID, model.SyncPending)
	require.NoError(t, err)

	r, err := m.SubmitReview(ctx, ReviewInput{
		ChangeID:   "c1",
		Message:    "LGTM",
		Labels:     map[string]int{"Code-Review": 2},
		CommentIDs: []string{a.ID, b.ID, a.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPendingSubmission, r.Status)
	assert.Equal(t, []string{a.ID, b.ID}, r.CommentIDs)
	assert.Equal(t, 2, r.PatchSetNumber)
	require.Len(t, activeOps(t, st, r.ID), 1)
	assert.Equal(t, model.OpSubmitReview, activeOps(t, st, r.ID)[0].Type)

	err = m.DeleteComment(ctx, a.ID)
	assert.True(t, model.IsValidation(err), "comments of a queued review cannot be deleted")
}

func TestSubmitReviewValidation(t *testing.T) {
	m, _, _ := setup(t)
	ctx := t.Context()
	for name, in := range map[string]ReviewInput{
		"score too high": {ChangeID: "c1", Labels: map[string]int{"Code-Review": 3}},
		"blank label":    {ChangeID: "c1", Labels: map[string]int{" ": 1}},
		"nothing":        {ChangeID: "c1"},
		"unknown change": {ChangeID: "zz", Message: "hi"},
		"ghost comment":  {ChangeID: "c1", CommentIDs: []string{"ghost"}},
	} {
		_, err := m.SubmitReview(ctx, in)
		assert.True(t, model.IsValidation(err), "%s: %v", name, err)
	}
}

func TestDraftReview(t *testing.T) {
	m, st, q := setup(t)
	ctx := t.Context()
	a, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "a"})
	require.NoError(t, err)

	r, err := m.SubmitReview(ctx, ReviewInput{ChangeID: "c1", Message: "wip", CommentIDs: []string{a.ID}, Draft: true})
	require.NoError(t, err)
	assert.Equal(t, model.ReviewDraft, r.Status)
	assert.Empty(t, activeOps(t, st, r.ID))

	_, err = m.SendReview(ctx, r.ID)
	assert.True(t, model.IsValidation(err), "comments must be queued before the draft is sent")

	markSynced(t, st, q, a.ID, "ra")
	r, err = m.SendReview(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPendingSubmission, r.Status)
	require.Len(t, activeOps(t, st, r.ID), 1)
	assert.Equal(t, model.OpSubmitReview, activeOps(t, st, r.ID)[0].Type)

	_, err = m.SendReview(ctx, r.ID)
	assert.True(t, model.IsValidation(err))
}

func TestRetryComment(t *testing.T) {
	m, st, q := setup(t)
	ctx := t.Context()
	c, err := m.CreateComment(ctx, CommentInput{ChangeID: "c1", Message: "x"})
	require.NoError(t, err)

	_, err = m.RetryComment(ctx, c.ID)
	assert.True(t, model.IsValidation(err))

	op, _, err := q.DequeueNext(ctx, store.ClaimFilter{InstanceID: "i1"})
	require.NoError(t, err)
	_, err = q.Fail(ctx, op, assert.AnError, false)
	require.NoError(t, err)
	_, err = st.SetCommentSyncStatus(ctx, c.ID, model.SyncFailed)
	require.NoError(t, err)

	c, err = m.RetryComment(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncLocalOnly, c.SyncStatus)
	got, err := st.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPending, got.Status, "the failed operation is reset rather than duplicated")
}

func TestRetryReview(t *testing.T) {
	m, st, q := setup(t)
	ctx := t.Context()
	r, err := m.SubmitReview(ctx, ReviewInput{ChangeID: "c1", Labels: map[string]int{"Verified": 1}})
	require.NoError(t, err)

	_, err = m.RetryReview(ctx, r.ID)
	assert.True(t, model.IsValidation(err))

	op, _, err := q.DequeueNext(ctx, store.ClaimFilter{InstanceID: "i1"})
	require.NoError(t, err)
	_, err = q.Fail(ctx, op, assert.AnError, false)
	require.NoError(t, err)
	require.NoError(t, st.SetReviewStatus(ctx, r.ID, model.ReviewSubmissionFailed, "boom"))

	r, err = m.RetryReview(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ReviewPendingSubmission, r.Status)
	assert.Empty(t, r.LastError)
	assert.Len(t, activeOps(t, st, r.ID), 1)
}

func TestSetFileReviewStatus(t *testing.T) {
	m, st, _ := setup(t)
	ctx := t.Context()
	f, err := m.SetFileReviewStatus(ctx, "c1", 0, "main.go", model.FileReviewed)
	require.NoError(t, err)
	assert.Equal(t, model.FileReviewed, f.ReviewStatus)
	assert.Equal(t, 2, f.PatchSetNumber)

	stored, err := st.GetFile(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.FileReviewed, stored.ReviewStatus)

	ops := activeOps(t, st, f.ID)
	require.Len(t, ops, 1)
	var p model.FilePayload
	require.NoError(t, ops[0].DecodePayload(&p))
	assert.Equal(t, model.FilePayload{Path: "main.go", PatchSetNumber: 2, ReviewStatus: model.FileReviewed}, p)

	_, err = m.SetFileReviewStatus(ctx, "c1", 0, "nope.go", model.FileReviewed)
	assert.True(t, model.IsValidation(err))
	_, err = m.SetFileReviewStatus(ctx, "c1", 0, "main.go", "great")
	assert.True(t, model.IsValidation(err))
}
