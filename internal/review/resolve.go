package review

import (
	"context"
	"fmt"

	"github.com/dnr/craftsync/internal/markup"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/store"
)

// Choice is a human decision on a conflicted comment.
type Choice string

const (
	KeepLocal  Choice = "local"
	KeepRemote Choice = "remote"
	// Edit replaces both versions with new text.
	Edit Choice = "edit"
)

// ResolveConflict applies a human decision to a comment in
// conflict_detected. Keeping the local text, or editing it, queues a push
// that overwrites the server copy; keeping the remote text drops the local
// edit.
func (m *Manager) ResolveConflict(ctx context.Context, id string, choice Choice, text string) (model.Comment, error) {
	if choice == Edit {
		text = markup.Normalize(text)
		if text == "" {
			return model.Comment{}, model.Invalid("message", "must not be empty")
		}
	}
	deleted := false
	err := m.store.WithTx(ctx, func(tx *store.Store) error {
		c, err := tx.GetComment(ctx, id)
		if err != nil {
			return err
		}
		if c.SyncStatus != model.SyncConflictDetected {
			return model.Invalid("comment", "%s has no conflict to resolve", id)
		}
		change, err := tx.GetChange(ctx, c.ChangeID)
		if err != nil {
			return err
		}

		switch choice {
		case KeepRemote:
			if _, err := tx.CancelOperationsForTarget(ctx, id, "conflict resolved with remote copy"); err != nil {
				return err
			}
			if c.ConflictReason == model.ConflictReasonRemoteDeleted {
				replies, err := tx.HasReplies(ctx, id)
				if err != nil {
					return err
				}
				if replies {
					return model.Invalid("comment", "%s has replies; delete them first", id)
				}
				if err := tx.DeleteComment(ctx, id); err != nil {
					return err
				}
				deleted = true
				break
			}
			c.Message = c.RemoteMessage
			c.BaseMessage = c.RemoteMessage
			c.Deleted = false
			c.SyncStatus = model.SyncSynced
			if c.RemoteUpdatedAt != nil {
				c.EditedAt = *c.RemoteUpdatedAt
			}
		case KeepLocal, Edit:
			if choice == Edit {
				c.Message = text
			}
			if c.ConflictReason == model.ConflictReasonRemoteDeleted {
				// the server copy is gone: push it again as a new comment
				c.RemoteID = ""
				c.Deleted = false
			}
			c.SyncStatus = model.SyncModifiedLocally
			c.EditedAt = now()
		default:
			return model.Invalid("choice", "unknown choice %q", choice)
		}

		if !deleted {
			c.ConflictReason = model.ConflictReasonNone
			c.UpdatedAt = now()
			if err := tx.UpdateComment(ctx, c); err != nil {
				return err
			}
			if c.SyncStatus == model.SyncModifiedLocally {
				action := model.CommentActionUpsert
				if c.Deleted {
					action = model.CommentActionDelete
				}
				if err := m.enqueueCommentPush(ctx, tx, change.InstanceID, c, model.CommentPayload{Action: action, Force: true}); err != nil {
					return err
				}
			}
		}
		if err := tx.ResolveConflicts(ctx, id, "manual:"+string(choice)); err != nil {
			return err
		}
		_, err = tx.RefreshConflictStatus(ctx, change.ID)
		return err
	})
	if err != nil {
		return model.Comment{}, fmt.Errorf("resolving conflict on %s: %w", id, err)
	}
	if deleted {
		return model.Comment{}, nil
	}
	return m.store.GetComment(ctx, id)
}
