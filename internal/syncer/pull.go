package syncer

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/dnr/craftsync/internal/importer"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/remote"
	"github.com/dnr/craftsync/internal/store"
)

// pull refreshes the cached change and reconciles its comments with the
// server.
func (p *pass) pull(c *model.Change, pp model.PullPayload) error {
	var info *remote.ChangeInfo
	err := p.do(func(ctx context.Context) error {
		var err error
		info, err = p.client.FetchChange(ctx, c.RemoteID)
		return err
	})
	if err != nil {
		return fmt.Errorf("fetching %s: %w", c.RemoteID, importer.RemoteFailure(err))
	}
	updated, advanced, err := p.importer.ApplyChange(p.ctx, p.inst.ID, info)
	if err != nil {
		return err
	}
	if advanced {
		p.log.Info("new patch set", "change", c.RemoteID, "revision", updated.CurrentRevision)
		if updated.ConflictStatus == model.ConflictPatchSetUpdated {
			p.sum.add(func(s *Summary) { s.ConflictsDetected++ })
		}
	}

	status := model.ImportImported
	if pp.IncludeFiles && (advanced || c.ImportStatus != model.ImportImported) {
		err := p.do(func(ctx context.Context) error { return p.importer.PullFiles(ctx, p.client, updated) })
		if err != nil {
			return fmt.Errorf("fetching files of %s: %w", c.RemoteID, err)
		}
	} else if advanced || c.ImportStatus == model.ImportOutdated {
		status = model.ImportOutdated
	}

	if pp.IncludeComments {
		var rcs []remote.CommentInfo
		err := p.do(func(ctx context.Context) error {
			var err error
			rcs, err = p.client.ListComments(ctx, c.RemoteID)
			return err
		})
		if err != nil {
			return fmt.Errorf("fetching comments of %s: %w", c.RemoteID, importer.RemoteFailure(err))
		}
		if err := p.reconcile(updated.ID, rcs); err != nil {
			return err
		}
	}

	return p.store.WithTx(p.ctx, func(tx *store.Store) error {
		if err := tx.SetImportStatus(p.ctx, updated.ID, status); err != nil {
			return err
		}
		return tx.MarkChangeSynced(p.ctx, updated.ID)
	})
}

// tally counts what one reconcile did.
type tally struct {
	pulled, detected, resolved int
}

// reconcile merges the remote comments of a change into the cache in one
// transaction. Comments carrying local work are settled with Resolve;
// everything else is mirrored from the server.
func (p *pass) reconcile(changeID string, rcs []remote.CommentInfo) error {
	byID := make(map[string]remote.CommentInfo, len(rcs))
	for _, rc := range rcs {
		byID[rc.ID] = rc
	}
	var t tally
	err := p.store.WithTx(p.ctx, func(tx *store.Store) error {
		t = tally{}
		locals, err := tx.ListComments(p.ctx, store.CommentFilter{ChangeID: changeID, IncludeDeleted: true})
		if err != nil {
			return err
		}
		// newest first so that replies go before their parents
		slices.Reverse(locals)
		for _, lc := range locals {
			if lc.RemoteID == "" {
				continue
			}
			rc, ok := byID[lc.RemoteID]
			if ok {
				err = p.settle(tx, lc, rc, &t)
			} else {
				err = p.settleDeleted(tx, lc, &t)
			}
			if err != nil {
				return err
			}
		}
		n, err := importer.MergeComments(p.ctx, tx, changeID, rcs, nil)
		if err != nil {
			return err
		}
		t.pulled += n
		_, err = tx.RefreshConflictStatus(p.ctx, changeID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reconciling comments: %w", err)
	}
	p.sum.add(func(s *Summary) {
		s.CommentsPulled += t.pulled
		s.ConflictsDetected += t.detected
		s.ConflictsResolved += t.resolved
	})
	return nil
}

// settle handles a local comment whose remote copy still exists.
func (p *pass) settle(tx *store.Store, lc model.Comment, rc remote.CommentInfo, t *tally) error {
	changed := lc.RemoteUpdatedAt == nil || rc.UpdatedAt.After(*lc.RemoteUpdatedAt)
	at := rc.UpdatedAt

	if lc.SyncStatus == model.SyncConflictDetected {
		if !changed {
			return nil
		}
		// keep showing the latest server text to whoever resolves it
		return tx.MarkCommentConflict(p.ctx, lc.ID, lc.ConflictReason, rc.Message, &at)
	}
	if !lc.NeedsPush() || !changed {
		// synced copies are refreshed by MergeComments
		return nil
	}

	res := Resolve(
		Version{Message: lc.Message, UpdatedAt: lc.EditedAt, Deleted: lc.Deleted},
		Version{Message: rc.Message, UpdatedAt: rc.UpdatedAt},
		Version{Message: lc.BaseMessage},
		p.strategy)

	switch res.Outcome {
	case KeepLocal:
		lc.RemoteMessage = rc.Message
		lc.RemoteUpdatedAt = &at
		if p.strategy == StrategyAuto {
			lc.Unresolved = rc.Unresolved
		}
		if err := tx.UpdateComment(p.ctx, lc); err != nil {
			return err
		}
		if res.Conflict && lc.SyncStatus != model.SyncFailed {
			if err := p.forcePush(tx, lc); err != nil {
				return err
			}
		}
	case TakeRemote:
		if _, err := tx.CancelOperationsForTarget(p.ctx, lc.ID, "superseded by remote copy"); err != nil {
			return err
		}
		lc.Message = rc.Message
		lc.BaseMessage = rc.Message
		lc.RemoteMessage = rc.Message
		lc.RemoteUpdatedAt = &at
		lc.EditedAt = at
		lc.Unresolved = rc.Unresolved
		lc.SyncStatus = model.SyncSynced
		lc.ConflictReason = model.ConflictReasonNone
		lc.Deleted = false
		if err := tx.UpdateComment(p.ctx, lc); err != nil {
			return err
		}
	case Defer:
		if err := tx.MarkCommentConflict(p.ctx, lc.ID, model.ConflictReasonRemoteEdited, rc.Message, &at); err != nil {
			return err
		}
	}
	if !res.Conflict {
		return nil
	}
	p.log.Warn("comment changed on both sides", "comment", lc.ID, "strategy", p.strategy, "outcome", res.Outcome)
	return p.logConflict(tx, lc, model.ConflictReasonRemoteEdited, &at, res.Outcome, t)
}

// settleDeleted handles a local comment whose remote copy is gone.
func (p *pass) settleDeleted(tx *store.Store, lc model.Comment, t *tally) error {
	if lc.SyncStatus == model.SyncConflictDetected {
		if lc.ConflictReason == model.ConflictReasonRemoteDeleted {
			return nil
		}
		return p.markDeleted(tx, lc, t)
	}
	children, err := tx.HasChildRows(p.ctx, lc.ID)
	if err != nil {
		return err
	}
	if !lc.NeedsPush() {
		if children {
			// a local reply would be left dangling
			return p.markDeleted(tx, lc, t)
		}
		t.pulled++
		return tx.DeleteComment(p.ctx, lc.ID)
	}

	res := Resolve(
		Version{Message: lc.Message, UpdatedAt: lc.EditedAt, Deleted: lc.Deleted},
		Version{Deleted: true},
		Version{Message: lc.BaseMessage},
		p.strategy)
	if res.Outcome != TakeRemote {
		return p.markDeleted(tx, lc, t)
	}
	// deleted on both sides
	if children {
		return nil
	}
	if _, err := tx.CancelOperationsForTarget(p.ctx, lc.ID, "deleted on server"); err != nil {
		return err
	}
	if err := tx.ResolveConflicts(p.ctx, lc.ID, "deleted"); err != nil {
		return err
	}
	t.pulled++
	return tx.DeleteComment(p.ctx, lc.ID)
}

func (p *pass) markDeleted(tx *store.Store, lc model.Comment, t *tally) error {
	if err := tx.MarkCommentConflict(p.ctx, lc.ID, model.ConflictReasonRemoteDeleted, "", nil); err != nil {
		return err
	}
	p.log.Warn("comment deleted on server", "comment", lc.ID)
	return p.logConflict(tx, lc, model.ConflictReasonRemoteDeleted, nil, Manual, t)
}

// forcePush makes sure the local text is pushed over the remote copy.
func (p *pass) forcePush(tx *store.Store, c model.Comment) error {
	action := model.CommentActionUpsert
	if c.Deleted {
		action = model.CommentActionDelete
	}
	op, err := queue.NewOperation(p.inst.ID, c.ChangeID, model.OpPushComment, c.ID,
		model.CommentPayload{Action: action, Force: true})
	if err != nil {
		return err
	}
	_, err = p.queue.EnqueueIn(p.ctx, tx, op)
	return err
}

func (p *pass) logConflict(tx *store.Store, c model.Comment, reason model.ConflictReason, remoteAt *time.Time, outcome Outcome, t *tally) error {
	rec := model.ConflictRecord{
		ChangeID:        c.ChangeID,
		CommentID:       c.ID,
		Reason:          reason,
		Strategy:        string(p.strategy),
		Outcome:         string(outcome),
		LocalUpdatedAt:  c.EditedAt,
		RemoteUpdatedAt: remoteAt,
	}
	t.detected++
	if outcome == KeepLocal || outcome == TakeRemote {
		now := time.Now().UTC()
		rec.ResolvedAt = &now
		t.resolved++
	}
	_, err := tx.LogConflict(p.ctx, rec)
	return err
}
