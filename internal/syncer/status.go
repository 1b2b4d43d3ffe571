package syncer

import (
	"context"
	"fmt"

	"github.com/dnr/craftsync/internal/model"
)

// Status reports what still has to reach the server for an instance. A
// non-empty changeID limits the report to that change.
func (e *Engine) Status(ctx context.Context, instanceID, changeID string) (*model.StatusReport, error) {
	if _, err := e.store.GetInstance(ctx, instanceID); err != nil {
		return nil, err
	}
	var changes []model.Change
	if changeID != "" {
		c, err := e.store.GetChange(ctx, changeID)
		if err != nil {
			return nil, err
		}
		if c.InstanceID != instanceID {
			return nil, model.Invalid("change", "%s belongs to another instance", changeID)
		}
		changes = []model.Change{*c}
	} else {
		var err error
		if changes, err = e.store.ListChanges(ctx, instanceID); err != nil {
			return nil, err
		}
	}

	inProgress := e.Running(instanceID)
	if !inProgress {
		// a pass of another process
		held, err := e.store.SyncLeaseHeld(ctx, instanceID)
		if err != nil {
			return nil, err
		}
		inProgress = held
	}
	rep := &model.StatusReport{
		InstanceID: instanceID,
		InProgress: inProgress,
		Changes:    make([]model.ChangeSyncStatus, 0, len(changes)),
	}
	counts, err := e.store.CountCommentsByStatus(ctx, instanceID, changeID)
	if err != nil {
		return nil, err
	}
	rep.PendingComments = pendingComments(counts)
	rep.FailedComments = counts[model.SyncFailed]
	rep.ConflictComments = counts[model.SyncConflictDetected]

	ops, err := e.store.CountOperations(ctx, instanceID, changeID)
	if err != nil {
		return nil, err
	}
	rep.PendingOperations = ops[model.OpStatusPending] + ops[model.OpStatusInProgress]
	rep.FailedOperations = ops[model.OpStatusFailed]

	for _, c := range changes {
		counts, err := e.store.CountCommentsByStatus(ctx, instanceID, c.ID)
		if err != nil {
			return nil, err
		}
		reviews, err := e.store.ListReviews(ctx, c.ID, model.ReviewPendingSubmission)
		if err != nil {
			return nil, fmt.Errorf("status of %s: %w", c.RemoteID, err)
		}
		rep.Changes = append(rep.Changes, model.ChangeSyncStatus{
			ChangeID:         c.ID,
			RemoteID:         c.RemoteID,
			ImportStatus:     c.ImportStatus,
			ConflictStatus:   c.ConflictStatus,
			PendingComments:  pendingComments(counts),
			FailedComments:   counts[model.SyncFailed],
			ConflictComments: counts[model.SyncConflictDetected],
			PendingReviews:   len(reviews),
			LastSyncedAt:     c.LastSyncedAt,
		})
	}
	return rep, nil
}

func pendingComments(counts map[model.SyncStatus]int) int {
	return counts[model.SyncLocalOnly] + counts[model.SyncPending] + counts[model.SyncModifiedLocally]
}
