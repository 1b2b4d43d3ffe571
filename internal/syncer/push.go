package syncer

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/remote"
	"github.com/dnr/craftsync/internal/store"
)

// result is what happened to one claimed operation.
type result int

const (
	done result = iota
	retrying
	failed
	deferred
	// gated is a review waiting for its comments.
	gated
)

// drain runs every due operation matching f once. Reviews that were gated
// on their comments get another chance as long as other operations finish.
func (p *pass) drain(f store.ClaimFilter, pulled bool) error {
	var (
		tried    []string
		waiting  []string
		progress bool
	)
	for {
		if p.stopped() {
			break
		}
		f.Exclude = tried
		op, ok, err := p.queue.DequeueNext(p.ctx, f)
		if err != nil {
			return err
		}
		if !ok {
			if len(waiting) == 0 || !progress {
				break
			}
			tried = slices.DeleteFunc(tried, func(id string) bool { return slices.Contains(waiting, id) })
			waiting, progress = nil, false
			continue
		}
		tried = append(tried, op.ID)
		res, err := p.execute(op, pulled)
		if err != nil {
			return fmt.Errorf("%s %s: %w", op.Type, op.TargetID, err)
		}
		switch res {
		case done, failed:
			// either way a gated review can now be decided
			progress = true
		case gated:
			waiting = append(waiting, op.ID)
		}
	}
	if len(waiting) > 0 {
		p.sum.add(func(s *Summary) { s.OperationsDeferred += len(waiting) })
	}
	return nil
}

func (p *pass) execute(op model.Operation, pulled bool) (result, error) {
	p.log.Debug("running operation", "op", op.ID, "type", op.Type, "target", op.TargetID, "attempt", op.RetryCount+1)
	switch op.Type {
	case model.OpPushComment:
		return p.pushComment(op)
	case model.OpSubmitReview:
		return p.submitReview(op)
	case model.OpPushLocal:
		return p.finish(op, p.pushFile(op))
	case model.OpPullChange:
		if pulled {
			return p.finish(op, nil)
		}
		var pp model.PullPayload
		if err := op.DecodePayload(&pp); err != nil {
			return p.finish(op, err)
		}
		c, err := p.store.GetChange(p.ctx, op.TargetID)
		if errors.Is(err, model.ErrNotFound) {
			return p.finish(op, nil)
		}
		if err != nil {
			return 0, err
		}
		return p.finish(op, p.pull(c, pp))
	case model.OpCleanupCredentials:
		if p.cleaner == nil {
			return p.deferOp(op, "no credential cleaner configured")
		}
		return p.finish(op, p.cleaner.CleanupCredentials(p.ctx, op.TargetID))
	}
	return p.finish(op, fmt.Errorf("unknown operation type %q", op.Type))
}

// finish records the outcome of an attempt with the queue.
func (p *pass) finish(op model.Operation, cause error) (result, error) {
	if cause == nil {
		if _, err := p.queue.Complete(p.ctx, op); err != nil {
			return 0, err
		}
		p.sum.add(func(s *Summary) { s.OperationsCompleted++ })
		return done, nil
	}
	status, err := p.queue.Fail(p.ctx, op, cause, transient(cause))
	if err != nil {
		return 0, err
	}
	f := Failure{
		OperationID: op.ID,
		Type:        op.Type,
		ChangeID:    op.ChangeID,
		TargetID:    op.TargetID,
		Err:         cause.Error(),
		Permanent:   status == model.OpStatusFailed,
	}
	p.sum.add(func(s *Summary) {
		s.Failures = append(s.Failures, f)
		if f.Permanent {
			s.OperationsFailed++
		} else {
			s.OperationsRetrying++
		}
	})
	if f.Permanent {
		return failed, nil
	}
	return retrying, nil
}

func (p *pass) deferOp(op model.Operation, reason string) (result, error) {
	if err := p.queue.Defer(p.ctx, op, time.Time{}, reason); err != nil {
		return 0, err
	}
	p.sum.add(func(s *Summary) { s.OperationsDeferred++ })
	return deferred, nil
}

func (p *pass) pushComment(op model.Operation) (result, error) {
	var pl model.CommentPayload
	if err := op.DecodePayload(&pl); err != nil {
		return p.finish(op, fmt.Errorf("decode payload: %w", err))
	}
	c, err := p.store.GetComment(p.ctx, op.TargetID)
	if errors.Is(err, model.ErrNotFound) {
		return p.finish(op, nil)
	}
	if err != nil {
		return 0, err
	}
	if c.SyncStatus == model.SyncConflictDetected {
		return p.deferOp(op, "waiting for conflict resolution")
	}
	change, err := p.store.GetChange(p.ctx, c.ChangeID)
	if err != nil {
		return 0, err
	}
	if pl.Action == model.CommentActionDelete || c.Deleted {
		return p.deleteComment(op, change, c)
	}

	var inReplyTo string
	if c.ParentID != "" {
		parent, err := p.store.GetComment(p.ctx, c.ParentID)
		if err != nil {
			return 0, err
		}
		if parent.RemoteID == "" {
			return p.deferOp(op, "parent comment not on server yet")
		}
		inReplyTo = parent.RemoteID
	}
	ps, ok := patchSet(change, c.PatchSetNumber)
	if !ok {
		return p.commentFailed(op, c, fmt.Errorf("patch set %d of %s is not cached", c.PatchSetNumber, change.RemoteID))
	}
	if _, err := p.store.SetCommentSyncStatus(p.ctx, c.ID, model.SyncPending,
		model.SyncLocalOnly, model.SyncModifiedLocally, model.SyncFailed); err != nil {
		return 0, err
	}

	in := remote.CommentInput{
		Path:       c.FilePath,
		PatchSet:   c.PatchSetNumber,
		Revision:   ps.Revision,
		Line:       c.Line,
		Range:      c.Range,
		Message:    c.Message,
		InReplyTo:  inReplyTo,
		Unresolved: c.Unresolved,
	}
	var info *remote.CommentInfo
	err = p.do(func(ctx context.Context) error {
		var err error
		if c.RemoteID == "" {
			info, err = p.client.CreateComment(ctx, change.RemoteID, in)
		} else {
			info, err = p.client.UpdateComment(ctx, change.RemoteID, c.RemoteID, in)
		}
		return err
	})
	if err != nil {
		switch cat := model.CategoryOf(err); {
		case cat == model.CategoryNotFound && c.RemoteID != "":
			return p.conflictOnPush(op, c, model.ConflictReasonRemoteDeleted, "")
		case cat == model.CategoryConflict && !pl.Force:
			return p.conflictOnPush(op, c, model.ConflictReasonRemoteEdited, c.RemoteMessage)
		}
		return p.commentFailed(op, c, err)
	}

	status, err := p.store.MarkCommentSynced(p.ctx, c.ID, info.ID, in.Message, info.UpdatedAt)
	if errors.Is(err, model.ErrNotFound) {
		// deleted locally while the push was in flight
		if c.RemoteID == "" {
			if err := p.do(func(ctx context.Context) error {
				return p.client.DeleteComment(ctx, change.RemoteID, info.ID)
			}); err != nil {
				p.log.Warn("could not delete orphaned remote comment", "remote", info.ID, "err", err)
			}
		}
		return p.finish(op, nil)
	}
	if err != nil {
		return 0, err
	}
	if status == model.SyncSynced {
		p.sum.add(func(s *Summary) { s.CommentsSynced++ })
	}
	return p.finish(op, nil)
}

func (p *pass) deleteComment(op model.Operation, change *model.Change, c model.Comment) (result, error) {
	children, err := p.store.HasChildRows(p.ctx, c.ID)
	if err != nil {
		return 0, err
	}
	if children {
		return p.commentFailed(op, c, fmt.Errorf("comment %s still has replies", c.ID))
	}
	if c.RemoteID != "" {
		err := p.do(func(ctx context.Context) error {
			return p.client.DeleteComment(ctx, change.RemoteID, c.RemoteID)
		})
		if err != nil && model.CategoryOf(err) != model.CategoryNotFound {
			return p.commentFailed(op, c, err)
		}
	}
	err = p.store.WithTx(p.ctx, func(tx *store.Store) error {
		if err := tx.ResolveConflicts(p.ctx, c.ID, "deleted"); err != nil {
			return err
		}
		if err := tx.DeleteComment(p.ctx, c.ID); err != nil && !errors.Is(err, model.ErrNotFound) {
			return err
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	p.sum.add(func(s *Summary) { s.CommentsSynced++ })
	return p.finish(op, nil)
}

// commentFailed records a failed push and moves the comment to sync_failed
// once the operation gives up.
func (p *pass) commentFailed(op model.Operation, c model.Comment, cause error) (result, error) {
	res, err := p.finish(op, cause)
	if err != nil || res != failed {
		return res, err
	}
	if _, err := p.store.SetCommentSyncStatus(p.ctx, c.ID, model.SyncFailed,
		model.SyncPending, model.SyncLocalOnly, model.SyncModifiedLocally); err != nil {
		return 0, err
	}
	return res, nil
}

func (p *pass) conflictOnPush(op model.Operation, c model.Comment, reason model.ConflictReason, remoteMessage string) (result, error) {
	outcome := Defer
	if reason == model.ConflictReasonRemoteDeleted {
		outcome = Manual
	}
	var t tally
	err := p.store.WithTx(p.ctx, func(tx *store.Store) error {
		if err := tx.MarkCommentConflict(p.ctx, c.ID, reason, remoteMessage, nil); err != nil {
			return err
		}
		if err := p.logConflict(tx, c, reason, nil, outcome, &t); err != nil {
			return err
		}
		_, err := tx.RefreshConflictStatus(p.ctx, c.ChangeID)
		return err
	})
	if err != nil {
		return 0, err
	}
	p.log.Warn("push rejected by server", "comment", c.ID, "reason", reason)
	p.sum.add(func(s *Summary) { s.ConflictsDetected += t.detected })
	return p.deferOp(op, "conflict: "+string(reason))
}

func (p *pass) submitReview(op model.Operation) (result, error) {
	r, err := p.store.GetReview(p.ctx, op.TargetID)
	if errors.Is(err, model.ErrNotFound) {
		return p.finish(op, nil)
	}
	if err != nil {
		return 0, err
	}
	if r.Status == model.ReviewSubmitted || r.Status == model.ReviewPartiallySubmitted {
		return p.finish(op, nil)
	}

	ids := make([]string, 0, len(r.CommentIDs))
	for _, id := range r.CommentIDs {
		c, err := p.store.GetComment(p.ctx, id)
		switch {
		case errors.Is(err, model.ErrNotFound):
			return p.reviewFailed(op, r, fmt.Errorf("comment %s no longer exists", id))
		case err != nil:
			return 0, err
		case c.Deleted:
			return p.reviewFailed(op, r, fmt.Errorf("comment %s was deleted", id))
		case c.SyncStatus == model.SyncFailed:
			return p.reviewFailed(op, r, fmt.Errorf("comment %s failed to sync", id))
		case c.SyncStatus != model.SyncSynced:
			reason := fmt.Sprintf("waiting for comment %s (%s)", id, c.SyncStatus)
			if err := p.queue.Defer(p.ctx, op, time.Time{}, reason); err != nil {
				return 0, err
			}
			return gated, nil
		}
		ids = append(ids, c.RemoteID)
	}

	change, err := p.store.GetChange(p.ctx, r.ChangeID)
	if err != nil {
		return 0, err
	}
	ps, ok := patchSet(change, r.PatchSetNumber)
	if !ok {
		return p.reviewFailed(op, r, fmt.Errorf("patch set %d of %s is not cached", r.PatchSetNumber, change.RemoteID))
	}
	var out *remote.ReviewResult
	err = p.do(func(ctx context.Context) error {
		var err error
		out, err = p.client.SubmitReview(ctx, change.RemoteID, ps.Revision, remote.ReviewInput{
			Message:    r.Message,
			Labels:     r.Labels,
			CommentIDs: ids,
		})
		return err
	})
	if err != nil {
		return p.reviewFailed(op, r, err)
	}

	status, lastErr := model.ReviewSubmitted, ""
	if len(out.Dropped) > 0 {
		status = model.ReviewPartiallySubmitted
		lastErr = fmt.Sprintf("server did not publish %d of %d comments", len(out.Dropped), len(ids))
		p.log.Warn("review partially submitted", "review", r.ID, "dropped", out.Dropped)
	}
	if err := p.store.SetReviewStatus(p.ctx, r.ID, status, lastErr); err != nil {
		return 0, err
	}
	p.sum.add(func(s *Summary) { s.ReviewsSubmitted++ })
	return p.finish(op, nil)
}

// reviewFailed records a failed submission and flags the review once the
// operation gives up.
func (p *pass) reviewFailed(op model.Operation, r model.Review, cause error) (result, error) {
	res, err := p.finish(op, cause)
	if err != nil || res != failed {
		return res, err
	}
	if err := p.store.SetReviewStatus(p.ctx, r.ID, model.ReviewSubmissionFailed, cause.Error()); err != nil {
		return 0, err
	}
	return res, nil
}

func (p *pass) pushFile(op model.Operation) error {
	var pl model.FilePayload
	if err := op.DecodePayload(&pl); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	change, err := p.store.GetChange(p.ctx, op.ChangeID)
	if err != nil {
		return err
	}
	ps, ok := patchSet(change, pl.PatchSetNumber)
	if !ok {
		return fmt.Errorf("patch set %d of %s is not cached", pl.PatchSetNumber, change.RemoteID)
	}
	reviewed := pl.ReviewStatus == model.FileReviewed || pl.ReviewStatus == model.FileApproved
	return p.do(func(ctx context.Context) error {
		return p.client.SetFileReviewed(ctx, change.RemoteID, ps.Revision, pl.Path, reviewed)
	})
}

func patchSet(c *model.Change, number int) (model.PatchSet, bool) {
	for _, ps := range c.PatchSets {
		if ps.Number == number {
			return ps, true
		}
	}
	return model.PatchSet{}, false
}
