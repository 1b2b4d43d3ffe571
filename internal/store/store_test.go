package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dnr/craftsync/internal/model"
)

func openTestStore(t *testing.T) (*Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	s, err := OpenAndMigrate(ctx, filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, ctx
}

func seed(t *testing.T, s *Store, ctx context.Context) {
	t.Helper()
	require.NoError(t, s.CreateInstance(ctx, model.Instance{
		ID: "i1", Name: "main", Kind: model.InstanceKindREST, BaseURL: "https://r.example.com", CredentialRef: "i1",
	}))
	require.NoError(t, s.CreateChange(ctx, model.Change{ID: "c1", InstanceID: "i1", RemoteID: "12345"}))
	for n := 1; n <= 2; n++ {
		require.NoError(t, s.AppendPatchSet(ctx, model.PatchSet{ChangeID: "c1", Number: n, Revision: fmt.Sprintf("r%d", n)}))
	}
	require.NoError(t, s.SetCurrentPatchSet(ctx, "c1", 2))
}

func newComment(id string, ps int, status model.SyncStatus) model.Comment {
	return model.Comment{
		ID: id, ChangeID: "c1", FilePath: "a.go", PatchSetNumber: ps, Line: 10,
		Message: "msg " + id, SyncStatus: status,
	}
}

func TestMigrationsRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)
	require.NoError(t, RollbackAll(ctx, s.DB()))
	require.NoError(t, ApplyMigrations(ctx, s.DB()))
	require.NoError(t, ApplyMigrations(ctx, s.DB()))
	seed(t, s, ctx)
}

func TestSingleActiveInstance(t *testing.T) {
	s, ctx := openTestStore(t)
	for _, name := range []string{"a", "b"} {
		require.NoError(t, s.CreateInstance(ctx, model.Instance{
			ID: name, Name: name, Kind: model.InstanceKindGitHub, BaseURL: "https://api.github.com", CredentialRef: name,
		}))
	}
	require.NoError(t, s.SetActiveInstance(ctx, "a"))
	require.NoError(t, s.SetActiveInstance(ctx, "b"))

	active, err := s.GetActiveInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", active.ID)

	a, err := s.GetInstance(ctx, "a")
	require.NoError(t, err)
	assert.False(t, a.Active)

	err = s.SetActiveInstance(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
	// failed activation must not have cleared the previous one
	active, err = s.GetActiveInstance(ctx)
	require.NoError(t, err)
	assert.Equal(t, "b", active.ID)
}

func TestDuplicateInstanceName(t *testing.T) {
	s, ctx := openTestStore(t)
	inst := model.Instance{ID: "x", Name: "dup", Kind: model.InstanceKindREST, BaseURL: "u", CredentialRef: "x"}
	require.NoError(t, s.CreateInstance(ctx, inst))
	inst.ID = "y"
	err := s.CreateInstance(ctx, inst)
	assert.ErrorIs(t, err, model.ErrDuplicate)
	var se *model.StorageError
	assert.True(t, errors.As(err, &se))
}

func TestWithTxRollsBack(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx *Store) error {
		require.NoError(t, tx.CreateComment(ctx, newComment("k1", 2, model.SyncLocalOnly)))
		return boom
	})
	assert.ErrorIs(t, err, boom)
	_, err = s.GetComment(ctx, "k1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestPatchSetsAndFiles(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	err := s.AppendPatchSet(ctx, model.PatchSet{ChangeID: "c1", Number: 2, Revision: "other"})
	assert.ErrorIs(t, err, model.ErrDuplicate)

	require.NoError(t, s.PutFiles(ctx, "c1", 2, []model.File{{Path: "a.go", ChangeType: model.FileModified, LinesInserted: 1}}))
	files, err := s.ListFiles(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, files, 1)
	require.NoError(t, s.SetFileReviewStatus(ctx, files[0].ID, model.FileReviewed))

	// refreshing from the server keeps the local verdict
	require.NoError(t, s.PutFiles(ctx, "c1", 2, []model.File{{Path: "a.go", ChangeType: model.FileModified, LinesInserted: 7}}))
	files, err = s.ListFiles(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, 7, files[0].LinesInserted)
	assert.Equal(t, model.FileReviewed, files[0].ReviewStatus)

	c, err := s.GetChange(ctx, "c1")
	require.NoError(t, err)
	ps, ok := c.CurrentPatchSet()
	require.True(t, ok)
	assert.Equal(t, 2, ps.Number)
	assert.Len(t, c.PatchSets, 2)
}

func TestCommentRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	c := newComment("k1", 2, model.SyncLocalOnly)
	c.Range = &model.CommentRange{StartLine: 1, StartChar: 2, EndLine: 3, EndChar: 4}
	c.Unresolved = true
	require.NoError(t, s.CreateComment(ctx, c))

	got, err := s.GetComment(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, c.Range, got.Range)
	assert.True(t, got.Unresolved)
	assert.Empty(t, got.RemoteID)
	assert.False(t, got.EverSynced)

	got.Message = "edited"
	got.SyncStatus = model.SyncModifiedLocally
	require.NoError(t, s.UpdateComment(ctx, got))
	got, err = s.GetComment(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Message)
	assert.Equal(t, model.SyncModifiedLocally, got.SyncStatus)
}

func TestRemoteIDRequiresSync(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	c := newComment("k1", 2, model.SyncLocalOnly)
	c.RemoteID = "r1"
	err := s.CreateComment(ctx, c)
	assert.Error(t, err)
}

func TestMarkCommentSyncedKeepsConcurrentEdit(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	require.NoError(t, s.CreateComment(ctx, newComment("k1", 2, model.SyncPending)))

	status, err := s.MarkCommentSynced(ctx, "k1", "r1", "msg k1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.SyncSynced, status)

	c, err := s.GetComment(ctx, "k1")
	require.NoError(t, err)
	c.Message = "changed while in flight"
	require.NoError(t, s.UpdateComment(ctx, c))

	status, err = s.MarkCommentSynced(ctx, "k1", "r1", "msg k1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, model.SyncModifiedLocally, status)

	c, err = s.GetComment(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, "r1", c.RemoteID)
	assert.Equal(t, "msg k1", c.BaseMessage)
	assert.True(t, c.EverSynced)
}

func TestRefreshConflictStatus(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	st, err := s.RefreshConflictStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictNone, st)

	require.NoError(t, s.CreateComment(ctx, newComment("old", 1, model.SyncLocalOnly)))
	st, err = s.RefreshConflictStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictPatchSetUpdated, st)

	require.NoError(t, s.CreateComment(ctx, newComment("k2", 2, model.SyncSynced)))
	require.NoError(t, s.MarkCommentConflict(ctx, "k2", model.ConflictReasonRemoteEdited, "theirs", nil))
	st, err = s.RefreshConflictStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictCommentsPending, st)

	require.NoError(t, s.MarkCommentConflict(ctx, "k2", model.ConflictReasonRemoteDeleted, "", nil))
	st, err = s.RefreshConflictStatus(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictManualResolutionRequired, st)

	c, err := s.GetChange(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ConflictManualResolutionRequired, c.ConflictStatus)
}

func TestReviewRoundTrip(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	r := model.Review{
		ID: "rv1", ChangeID: "c1", PatchSetNumber: 2, Message: "lgtm",
		Labels: map[string]int{"Code-Review": 2}, CommentIDs: []string{"k1", "k2"}, Status: model.ReviewPendingSubmission,
	}
	require.NoError(t, s.CreateReview(ctx, r))

	refs, err := s.ReviewsReferencing(ctx, "c1", "k2")
	require.NoError(t, err)
	require.Len(t, refs, 1)
	assert.Equal(t, map[string]int{"Code-Review": 2}, refs[0].Labels)

	require.NoError(t, s.SetReviewStatus(ctx, "rv1", model.ReviewSubmitted, ""))
	got, err := s.GetReview(ctx, "rv1")
	require.NoError(t, err)
	assert.Equal(t, model.ReviewSubmitted, got.Status)
	assert.NotNil(t, got.SubmittedAt)

	refs, err = s.ReviewsReferencing(ctx, "c1", "k2")
	require.NoError(t, err)
	assert.Empty(t, refs)
}

func enqueue(t *testing.T, s *Store, ctx context.Context, typ model.OperationType, target string, payload any) model.Operation {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	op, _, err := s.EnqueueOperation(ctx, model.Operation{
		InstanceID: "i1", ChangeID: "c1", Type: typ, TargetID: target, Payload: raw, MaxRetries: 3,
	})
	require.NoError(t, err)
	return op
}

func TestEnqueueMergesActiveOperation(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	first := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{Action: model.CommentActionUpsert})
	second := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{Action: model.CommentActionDelete})
	assert.Equal(t, first.ID, second.ID)

	ops, err := s.ListOperations(ctx, OperationFilter{TargetID: "k1"})
	require.NoError(t, err)
	require.Len(t, ops, 1)
	var p model.CommentPayload
	require.NoError(t, ops[0].DecodePayload(&p))
	assert.Equal(t, model.CommentActionDelete, p.Action)
}

func TestCompleteRequeuesWhenEnqueuedInFlight(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	op := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{Action: model.CommentActionUpsert})
	claimed, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, op.ID, claimed.ID)

	again := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{Action: model.CommentActionUpsert})
	assert.Equal(t, op.ID, again.ID)

	status, err := s.CompleteOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPending, status)

	_, err = s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
	require.NoError(t, err)
	status, err = s.CompleteOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusCompleted, status)
}

func TestClaimOrder(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	pull := enqueue(t, s, ctx, model.OpPullChange, "c1", model.PullPayload{})
	c1 := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{})
	rv := enqueue(t, s, ctx, model.OpSubmitReview, "rv1", nil)
	c2 := enqueue(t, s, ctx, model.OpPushComment, "k2", model.CommentPayload{})

	var got []string
	for {
		op, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
		if errors.Is(err, model.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		got = append(got, op.ID)
	}
	assert.Equal(t, []string{rv.ID, c1.ID, c2.ID, pull.ID}, got)
}

func TestClaimSkipsNotDueAndExcluded(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)

	a := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{})
	b := enqueue(t, s, ctx, model.OpPushComment, "k2", model.CommentPayload{})

	_, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1", Exclude: []string{a.ID}}, time.Now())
	require.NoError(t, err)
	require.NoError(t, s.ReleaseOperation(ctx, b.ID, 1, time.Now().Add(time.Hour), "later"))

	op, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
	require.NoError(t, err)
	assert.Equal(t, a.ID, op.ID)

	_, err = s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
	assert.ErrorIs(t, err, model.ErrNotFound)
	op, err = s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, b.ID, op.ID)
	assert.Equal(t, 1, op.RetryCount)
}

func TestConcurrentClaimsNeverShareAnOperation(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	const n = 40
	for i := 0; i < n; i++ {
		enqueue(t, s, ctx, model.OpPushComment, fmt.Sprintf("k%d", i), model.CommentPayload{})
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				op, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
				if err != nil {
					return
				}
				mu.Lock()
				seen[op.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, count := range seen {
		assert.Equal(t, 1, count, "operation %s claimed more than once", id)
	}
}

func TestFailAndReset(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	op := enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{})
	_, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
	require.NoError(t, err)

	status, err := s.FailOperation(ctx, op.ID, 3, "VALIDATION")
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusFailed, status)

	got, err := s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
	assert.Equal(t, "VALIDATION", got.LastError)

	require.NoError(t, s.ResetOperation(ctx, op.ID))
	got, err = s.GetOperation(ctx, op.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OpStatusPending, got.Status)
	assert.Zero(t, got.RetryCount)
	assert.Nil(t, got.CompletedAt)
}

func TestRecoverStaleOperations(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	enqueue(t, s, ctx, model.OpPushComment, "k1", model.CommentPayload{})
	_, err := s.ClaimNextOperation(ctx, ClaimFilter{InstanceID: "i1"}, time.Now())
	require.NoError(t, err)

	n, err := s.RecoverStaleOperations(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	counts, err := s.CountOperations(ctx, "i1", "")
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.OpStatusPending])
}

func TestDeleteInstanceCascades(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	require.NoError(t, s.CreateComment(ctx, newComment("k1", 2, model.SyncLocalOnly)))
	require.NoError(t, s.DeleteInstance(ctx, "i1"))

	_, err := s.GetChange(ctx, "c1")
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetComment(ctx, "k1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCredentials(t *testing.T) {
	s, ctx := openTestStore(t)
	ok, err := s.HasCredential(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutCredential(ctx, "i1", []byte("n"), []byte("c")))
	require.NoError(t, s.PutCredential(ctx, "i1", []byte("n2"), []byte("c2")))
	nonce, ct, err := s.GetCredential(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, []byte("n2"), nonce)
	assert.Equal(t, []byte("c2"), ct)

	require.NoError(t, s.DeleteCredential(ctx, "i1"))
	require.NoError(t, s.DeleteCredential(ctx, "i1"))
	_, _, err = s.GetCredential(ctx, "i1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestConflictLog(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	_, err := s.LogConflict(ctx, model.ConflictRecord{
		ChangeID: "c1", CommentID: "k1", Reason: model.ConflictReasonRemoteEdited,
		Strategy: "prompt", Outcome: "deferred", LocalUpdatedAt: time.Now(),
	})
	require.NoError(t, err)

	open, err := s.ListConflicts(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)

	require.NoError(t, s.ResolveConflicts(ctx, "k1", "local"))
	open, err = s.ListConflicts(ctx, "c1", true)
	require.NoError(t, err)
	assert.Empty(t, open)
	all, err := s.ListConflicts(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "local", all[0].Outcome)
}

func TestSyncLeaseAcrossHandles(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	a, err := OpenAndMigrate(ctx, path)
	require.NoError(t, err)
	defer a.Close()
	b, err := OpenAndMigrate(ctx, path)
	require.NoError(t, err)
	defer b.Close()
	seed(t, a, ctx)

	require.NoError(t, a.AcquireSyncLease(ctx, "i1", "proc-a", time.Minute))
	err = b.AcquireSyncLease(ctx, "i1", "proc-b", time.Minute)
	assert.ErrorIs(t, err, model.ErrSyncAlreadyInProgress)
	assert.ErrorContains(t, err, "proc-a")

	held, err := b.SyncLeaseHeld(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, held)

	// re-acquiring and renewing your own lease is fine
	require.NoError(t, a.AcquireSyncLease(ctx, "i1", "proc-a", time.Minute))
	ok, err := a.RenewSyncLease(ctx, "i1", "proc-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = b.RenewSyncLease(ctx, "i1", "proc-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// only the holder can release
	require.NoError(t, b.ReleaseSyncLease(ctx, "i1", "proc-b"))
	held, err = b.SyncLeaseHeld(ctx, "i1")
	require.NoError(t, err)
	assert.True(t, held)
	require.NoError(t, a.ReleaseSyncLease(ctx, "i1", "proc-a"))
	held, err = b.SyncLeaseHeld(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, held)
	require.NoError(t, b.AcquireSyncLease(ctx, "i1", "proc-b", time.Minute))
}

func TestExpiredSyncLeaseIsTakenOver(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	require.NoError(t, s.AcquireSyncLease(ctx, "i1", "crashed", -time.Second))
	held, err := s.SyncLeaseHeld(ctx, "i1")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, s.AcquireSyncLease(ctx, "i1", "next", time.Minute))
	l, err := s.GetSyncLease(ctx, "i1")
	require.NoError(t, err)
	assert.Equal(t, "next", l.Holder)
	ok, err := s.RenewSyncLease(ctx, "i1", "crashed", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatusChangesKeepEditedAt(t *testing.T) {
	s, ctx := openTestStore(t)
	seed(t, s, ctx)
	edited := time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC)
	c := newComment("x1", 2, model.SyncModifiedLocally)
	c.EditedAt = edited
	require.NoError(t, s.CreateComment(ctx, c))

	_, err := s.SetCommentSyncStatus(ctx, "x1", model.SyncPending)
	require.NoError(t, err)
	_, err = s.SetCommentSyncStatus(ctx, "x1", model.SyncFailed)
	require.NoError(t, err)
	require.NoError(t, s.MarkCommentConflict(ctx, "x1", model.ConflictReasonRemoteEdited, "theirs", nil))

	got, err := s.GetComment(ctx, "x1")
	require.NoError(t, err)
	assert.True(t, got.EditedAt.Equal(edited), "edited_at is %v", got.EditedAt)
	assert.True(t, got.UpdatedAt.After(edited))

	// a local delete is an edit
	require.NoError(t, s.TombstoneComment(ctx, "x1"))
	got, err = s.GetComment(ctx, "x1")
	require.NoError(t, err)
	assert.True(t, got.EditedAt.After(edited))
}
