// Package review implements offline authoring: comments, reviews, file
// review status and the human side of conflict resolution. Every mutation
// that needs a remote effect enqueues an operation in the same transaction.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/markup"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/store"
)

// MaxScore bounds the absolute value of a label score.
const MaxScore = 2

type Manager struct {
	store  *store.Store
	queue  *queue.Queue
	author string
	log    *slog.Logger
}

type Option func(*Manager)

// WithAuthor sets the author recorded on new comments.
func WithAuthor(name string) Option {
	return func(m *Manager) { m.author = name }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func New(st *store.Store, q *queue.Queue, opts ...Option) *Manager {
	m := &Manager{store: st, queue: q, log: logging.Discard()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// CommentInput describes a new comment. PatchSetNumber 0 means the current
// patch set. A reply inherits its location from the parent when unset.
type CommentInput struct {
	ChangeID       string
	FilePath       string
	PatchSetNumber int
	Line           int
	Range          *model.CommentRange
	Message        string
	ParentID       string
	Unresolved     bool
}

func (m *Manager) CreateComment(ctx context.Context, in CommentInput) (model.Comment, error) {
	msg := markup.Normalize(in.Message)
	if msg == "" {
		return model.Comment{}, model.Invalid("message", "must not be empty")
	}
	if in.Line < 0 {
		return model.Comment{}, model.Invalid("line", "must not be negative")
	}
	if err := validateRange(in.Range); err != nil {
		return model.Comment{}, err
	}

	var out model.Comment
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		change, err := loadChange(ctx, tx, in.ChangeID)
		if err != nil {
			return err
		}
		if in.ParentID != "" {
			parent, err := tx.GetComment(ctx, in.ParentID)
			if errors.Is(err, model.ErrNotFound) || (err == nil && (parent.ChangeID != change.ID || parent.Deleted)) {
				return model.Invalid("parent", "comment %s does not exist in change %s", in.ParentID, change.ID)
			}
			if err != nil {
				return err
			}
			if in.FilePath == "" && in.Line == 0 && in.Range == nil {
				in.FilePath, in.Line, in.Range = parent.FilePath, parent.Line, parent.Range
			}
			if in.PatchSetNumber == 0 {
				in.PatchSetNumber = parent.PatchSetNumber
			}
		}
		ps, err := patchSet(change, in.PatchSetNumber)
		if err != nil {
			return err
		}
		if err := checkPath(change, ps.Number, in.FilePath); err != nil {
			return err
		}
		line := in.Line
		if in.Range != nil && line == 0 {
			line = in.Range.EndLine
		}

		out = model.Comment{
			ID:             uuid.NewString(),
			ChangeID:       change.ID,
			FilePath:       in.FilePath,
			PatchSetNumber: ps.Number,
			Line:           line,
			Range:          in.Range,
			Message:        msg,
			Author:         m.author,
			SyncStatus:     model.SyncLocalOnly,
			ParentID:       in.ParentID,
			Unresolved:     in.Unresolved,
		}
		if err := tx.CreateComment(ctx, out); err != nil {
			return err
		}
		if err := m.enqueueCommentPush(ctx, tx, change.InstanceID, out, model.CommentPayload{Action: model.CommentActionUpsert}); err != nil {
			return err
		}
		_, err = tx.RefreshConflictStatus(ctx, change.ID)
		return err
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("creating comment: %w", err)
	}
	m.log.Debug("created comment", "comment", out.ID, "change", out.ChangeID, "path", out.FilePath)
	return m.store.GetComment(ctx, out.ID)
}

// CommentUpdate lists the fields to change; nil fields are kept.
type CommentUpdate struct {
	Message    *string
	Unresolved *bool
}

func (m *Manager) UpdateComment(ctx context.Context, id string, up CommentUpdate) (model.Comment, error) {
	var msg string
	if up.Message != nil {
		msg = markup.Normalize(*up.Message)
		if msg == "" {
			return model.Comment{}, model.Invalid("message", "must not be empty")
		}
	}
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		c, err := tx.GetComment(ctx, id)
		if err != nil {
			return err
		}
		if c.Deleted {
			return model.Invalid("comment", "%s is deleted", id)
		}
		if c.SyncStatus == model.SyncConflictDetected {
			return model.Invalid("comment", "%s has an unresolved conflict; resolve it first", id)
		}
		changed := false
		if up.Message != nil && msg != c.Message {
			c.Message = msg
			changed = true
		}
		if up.Unresolved != nil && *up.Unresolved != c.Unresolved {
			c.Unresolved = *up.Unresolved
			changed = true
		}
		if !changed {
			return nil
		}
		if c.EverSynced {
			c.SyncStatus = model.SyncModifiedLocally
		} else {
			c.SyncStatus = model.SyncLocalOnly
		}
		c.UpdatedAt = now()
		c.EditedAt = c.UpdatedAt
		if err := tx.UpdateComment(ctx, c); err != nil {
			return err
		}
		change, err := tx.GetChange(ctx, c.ChangeID)
		if err != nil {
			return err
		}
		return m.enqueueCommentPush(ctx, tx, change.InstanceID, c, model.CommentPayload{Action: model.CommentActionUpsert})
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("updating comment %s: %w", id, err)
	}
	return m.store.GetComment(ctx, id)
}

// DeleteComment removes a comment. A comment the server never saw is simply
// dropped with its queued push; a synced one is tombstoned until the remote
// delete succeeds. Replies must be deleted first.
func (m *Manager) DeleteComment(ctx context.Context, id string) error {
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		c, err := tx.GetComment(ctx, id)
		if err != nil {
			return err
		}
		if c.Deleted {
			return nil
		}
		replies, err := tx.HasReplies(ctx, id)
		if err != nil {
			return err
		}
		if replies {
			return model.Invalid("comment", "%s has replies; delete them first", id)
		}
		reviews, err := tx.ReviewsReferencing(ctx, c.ChangeID, id)
		if err != nil {
			return err
		}
		for _, r := range reviews {
			if r.Status == model.ReviewPendingSubmission {
				return model.Invalid("comment", "%s is part of review %s awaiting submission", id, r.ID)
			}
		}

		gone := !c.EverSynced || c.ConflictReason == model.ConflictReasonRemoteDeleted
		if gone {
			if _, err := tx.CancelOperationsForTarget(ctx, id, "comment deleted"); err != nil {
				return err
			}
			if err := tx.ResolveConflicts(ctx, id, "deleted"); err != nil {
				return err
			}
			if err := tx.DeleteComment(ctx, id); err != nil {
				return err
			}
		} else {
			if err := tx.TombstoneComment(ctx, id); err != nil {
				return err
			}
			if err := tx.ResolveConflicts(ctx, id, "deleted"); err != nil {
				return err
			}
			change, err := tx.GetChange(ctx, c.ChangeID)
			if err != nil {
				return err
			}
			if err := m.enqueueCommentPush(ctx, tx, change.InstanceID, c, model.CommentPayload{Action: model.CommentActionDelete}); err != nil {
				return err
			}
		}
		_, err = tx.RefreshConflictStatus(ctx, c.ChangeID)
		return err
	})
	if err != nil {
		return fmt.Errorf("deleting comment %s: %w", id, err)
	}
	return nil
}

func (m *Manager) GetComment(ctx context.Context, id string) (model.Comment, error) {
	return m.store.GetComment(ctx, id)
}

// ListComments returns the live comments of a change, optionally limited to
// one file and to some sync states.
func (m *Manager) ListComments(ctx context.Context, changeID, path string, statuses ...model.SyncStatus) ([]model.Comment, error) {
	return m.store.ListComments(ctx, store.CommentFilter{ChangeID: changeID, FilePath: path, SyncStatuses: statuses})
}

// RetryComment requeues a comment whose push failed for good.
func (m *Manager) RetryComment(ctx context.Context, id string) (model.Comment, error) {
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		c, err := tx.GetComment(ctx, id)
		if err != nil {
			return err
		}
		if c.SyncStatus != model.SyncFailed {
			return model.Invalid("comment", "%s is %s, only sync_failed comments can be retried", id, c.SyncStatus)
		}
		next := model.SyncLocalOnly
		if c.EverSynced {
			next = model.SyncModifiedLocally
		}
		if _, err := tx.SetCommentSyncStatus(ctx, id, next, model.SyncFailed); err != nil {
			return err
		}
		change, err := tx.GetChange(ctx, c.ChangeID)
		if err != nil {
			return err
		}
		action := model.CommentActionUpsert
		if c.Deleted {
			action = model.CommentActionDelete
		}
		return m.requeue(ctx, tx, change.InstanceID, c.ChangeID, model.OpPushComment, id, model.CommentPayload{Action: action})
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("retrying comment %s: %w", id, err)
	}
	return m.store.GetComment(ctx, id)
}

func (m *Manager) enqueueCommentPush(ctx context.Context, tx *store.Store, instanceID string, c model.Comment, p model.CommentPayload) error {
	op, err := queue.NewOperation(instanceID, c.ChangeID, model.OpPushComment, c.ID, p)
	if err != nil {
		return err
	}
	_, err = m.queue.EnqueueIn(ctx, tx, op)
	return err
}

// requeue resets the most recent failed operation of the target, or
// enqueues a fresh one when there is none.
func (m *Manager) requeue(ctx context.Context, tx *store.Store, instanceID, changeID string, typ model.OperationType, target string, payload any) error {
	failed, err := tx.ListOperations(ctx, store.OperationFilter{
		TargetID: target,
		Types:    []model.OperationType{typ},
		Statuses: []model.OperationStatus{model.OpStatusFailed},
	})
	if err != nil {
		return err
	}
	active, err := tx.ListOperations(ctx, store.OperationFilter{
		TargetID: target,
		Types:    []model.OperationType{typ},
		Statuses: []model.OperationStatus{model.OpStatusPending, model.OpStatusInProgress},
	})
	if err != nil {
		return err
	}
	if len(failed) > 0 && len(active) == 0 {
		latest := slices.MaxFunc(failed, func(a, b model.Operation) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
		return tx.ResetOperation(ctx, latest.ID)
	}
	op, err := queue.NewOperation(instanceID, changeID, typ, target, payload)
	if err != nil {
		return err
	}
	_, err = m.queue.EnqueueIn(ctx, tx, op)
	return err
}

func loadChange(ctx context.Context, tx *store.Store, id string) (*model.Change, error) {
	if id == "" {
		return nil, model.Invalid("change", "must not be empty")
	}
	c, err := tx.GetChange(ctx, id)
	if errors.Is(err, model.ErrNotFound) {
		return nil, model.Invalid("change", "%s has not been imported", id)
	}
	return c, err
}

func patchSet(c *model.Change, number int) (model.PatchSet, error) {
	if number == 0 {
		ps, ok := c.CurrentPatchSet()
		if !ok {
			return model.PatchSet{}, model.Invalid("patch set", "change %s has no current patch set", c.ID)
		}
		return ps, nil
	}
	for _, ps := range c.PatchSets {
		if ps.Number == number {
			return ps, nil
		}
	}
	return model.PatchSet{}, model.Invalid("patch set", "change %s has no patch set %d", c.ID, number)
}

// checkPath rejects paths that are not part of a patch set whose files are
// cached. Change-level comments have no path.
func checkPath(c *model.Change, number int, path string) error {
	if path == "" {
		return nil
	}
	cached := false
	for _, f := range c.Files {
		if f.PatchSetNumber != number {
			continue
		}
		cached = true
		if f.Path == path {
			return nil
		}
	}
	if !cached {
		return nil
	}
	return model.Invalid("file", "%s is not part of patch set %d", path, number)
}

func validateRange(r *model.CommentRange) error {
	if r == nil {
		return nil
	}
	if r.StartLine < 1 || r.EndLine < r.StartLine {
		return model.Invalid("range", "lines %d-%d are out of order", r.StartLine, r.EndLine)
	}
	if r.StartChar < 0 || r.EndChar < 0 || (r.StartLine == r.EndLine && r.EndChar < r.StartChar) {
		return model.Invalid("range", "characters %d-%d are out of order", r.StartChar, r.EndChar)
	}
	return nil
}

func now() time.Time { return time.Now().UTC() }
