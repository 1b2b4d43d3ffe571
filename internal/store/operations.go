package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/model"
)

const operationColumns = `operation_id, instance_id, change_id, op_type, target_id, priority, status, payload,
	retry_count, max_retries, next_attempt_at, last_error, created_at, updated_at, completed_at`

// EnqueueOperation inserts op unless an active operation of the same type
// already targets the same entity. In that case the existing operation takes
// op's payload and is returned with created false; an operation that is in
// flight is flagged to run again once it finishes.
func (s *Store) EnqueueOperation(ctx context.Context, op model.Operation) (model.Operation, bool, error) {
	var (
		out     model.Operation
		created bool
	)
	err := s.WithTx(ctx, func(tx *Store) error {
		row := tx.q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations
WHERE op_type = ? AND target_id = ? AND status IN ('pending','in_progress')`, string(op.Type), op.TargetID)
		existing, err := scanOperation(row)
		switch {
		case err == nil:
			t := now()
			if _, err := tx.q.ExecContext(ctx, `
UPDATE operations SET payload = ?, requeue = CASE WHEN status = 'in_progress' THEN 1 ELSE requeue END, updated_at = ?
WHERE operation_id = ?`, string(op.Payload), ts(t), existing.ID); err != nil {
				return storageErr("merge operation "+existing.ID, err)
			}
			existing.Payload = op.Payload
			existing.UpdatedAt = t
			out = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return storageErr("find active operation", err)
		}

		t := now()
		if op.ID == "" {
			op.ID = uuid.NewString()
		}
		if op.Priority == 0 {
			op.Priority = op.Type.Priority()
		}
		op.Status = model.OpStatusPending
		if op.CreatedAt.IsZero() {
			op.CreatedAt = t
		}
		op.UpdatedAt = t
		if op.NextAttemptAt.IsZero() {
			op.NextAttemptAt = op.CreatedAt
		}
		_, err = tx.q.ExecContext(ctx, `INSERT INTO operations(`+operationColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
			op.ID, op.InstanceID, nullIfEmpty(op.ChangeID), string(op.Type), op.TargetID, op.Priority, string(op.Status),
			string(op.Payload), op.RetryCount, op.MaxRetries, ts(op.NextAttemptAt), op.LastError, ts(op.CreatedAt), ts(op.UpdatedAt))
		if err != nil {
			return storageErr("enqueue operation", err)
		}
		out = op
		created = true
		return nil
	})
	return out, created, err
}

// ClaimFilter limits which pending operations ClaimNextOperation may take.
type ClaimFilter struct {
	InstanceID string
	// ChangeIDs restricts the claim to operations of these changes.
	ChangeIDs []string
	// Unscoped restricts the claim to operations not tied to a change.
	Unscoped bool
	Types    []model.OperationType
	// Exclude skips operations already attempted by the caller.
	Exclude []string
}

// ClaimNextOperation atomically moves the highest priority due operation to
// in_progress and returns it. Ties are broken by enqueue order. It returns
// an error wrapping model.ErrNotFound when nothing is due.
func (s *Store) ClaimNextOperation(ctx context.Context, f ClaimFilter, at time.Time) (model.Operation, error) {
	var out model.Operation
	err := s.WithTx(ctx, func(tx *Store) error {
		where := []string{"status = 'pending'", "next_attempt_at <= ?"}
		args := []any{ts(at)}
		if f.InstanceID != "" {
			where = append(where, "instance_id = ?")
			args = append(args, f.InstanceID)
		}
		if f.Unscoped {
			where = append(where, "change_id IS NULL")
		} else if len(f.ChangeIDs) > 0 {
			where = append(where, "change_id IN ("+placeholders(len(f.ChangeIDs))+")")
			for _, id := range f.ChangeIDs {
				args = append(args, id)
			}
		}
		if len(f.Types) > 0 {
			where = append(where, "op_type IN ("+placeholders(len(f.Types))+")")
			for _, t := range f.Types {
				args = append(args, string(t))
			}
		}
		if len(f.Exclude) > 0 {
			where = append(where, "operation_id NOT IN ("+placeholders(len(f.Exclude))+")")
			for _, id := range f.Exclude {
				args = append(args, id)
			}
		}
		row := tx.q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations
WHERE `+strings.Join(where, " AND ")+`
ORDER BY priority DESC, created_at ASC, rowid ASC
LIMIT 1`, args...)
		op, err := scanOperation(row)
		if err != nil {
			return storageErr("claim operation", err)
		}
		t := now()
		if err := execOne(ctx, tx.q, "claim operation "+op.ID,
			`UPDATE operations SET status = 'in_progress', updated_at = ? WHERE operation_id = ? AND status = 'pending'`,
			ts(t), op.ID); err != nil {
			return err
		}
		op.Status = model.OpStatusInProgress
		op.UpdatedAt = t
		out = op
		return nil
	})
	return out, err
}

// CompleteOperation finishes an in-flight operation. If the operation was
// re-enqueued while running it goes back to pending instead. The resulting
// status is returned.
func (s *Store) CompleteOperation(ctx context.Context, id string) (model.OperationStatus, error) {
	t := ts(now())
	return s.finishOperation(ctx, "complete operation "+id, `
UPDATE operations SET
	status = CASE WHEN requeue = 1 THEN 'pending' ELSE 'completed' END,
	completed_at = CASE WHEN requeue = 1 THEN NULL ELSE ? END,
	retry_count = CASE WHEN requeue = 1 THEN 0 ELSE retry_count END,
	next_attempt_at = ?,
	last_error = '',
	requeue = 0,
	updated_at = ?
WHERE operation_id = ? AND status = 'in_progress'`, id, t, t, t, id)
}

// FailOperation marks an in-flight operation as permanently failed, unless
// it was re-enqueued while running.
func (s *Store) FailOperation(ctx context.Context, id string, retryCount int, lastError string) (model.OperationStatus, error) {
	t := ts(now())
	return s.finishOperation(ctx, "fail operation "+id, `
UPDATE operations SET
	status = CASE WHEN requeue = 1 THEN 'pending' ELSE 'failed' END,
	completed_at = CASE WHEN requeue = 1 THEN NULL ELSE ? END,
	retry_count = CASE WHEN requeue = 1 THEN 0 ELSE ? END,
	next_attempt_at = ?,
	last_error = ?,
	requeue = 0,
	updated_at = ?
WHERE operation_id = ? AND status = 'in_progress'`, id, t, retryCount, t, lastError, t, id)
}

// ReleaseOperation returns an in-flight operation to pending, due at next.
func (s *Store) ReleaseOperation(ctx context.Context, id string, retryCount int, next time.Time, lastError string) error {
	return execOne(ctx, s.q, "release operation "+id, `
UPDATE operations SET status = 'pending', retry_count = ?, next_attempt_at = ?, last_error = ?, requeue = 0, updated_at = ?
WHERE operation_id = ? AND status = 'in_progress'`, retryCount, ts(next), lastError, ts(now()), id)
}

func (s *Store) finishOperation(ctx context.Context, op, query, id string, args ...any) (model.OperationStatus, error) {
	var status model.OperationStatus
	err := s.WithTx(ctx, func(tx *Store) error {
		if err := execOne(ctx, tx.q, op, query, args...); err != nil {
			return err
		}
		var st string
		if err := tx.q.QueryRowContext(ctx, `SELECT status FROM operations WHERE operation_id = ?`, id).Scan(&st); err != nil {
			return storageErr(op, err)
		}
		status = model.OperationStatus(st)
		return nil
	})
	return status, err
}

// CancelOperation cancels a pending operation. It reports false if the
// operation was not pending.
func (s *Store) CancelOperation(ctx context.Context, id, reason string) (bool, error) {
	t := ts(now())
	res, err := s.q.ExecContext(ctx, `
UPDATE operations SET status = 'cancelled', last_error = ?, completed_at = ?, updated_at = ?
WHERE operation_id = ? AND status = 'pending'`, reason, t, t, id)
	if err != nil {
		return false, storageErr("cancel operation "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("cancel operation "+id, err)
	}
	return n > 0, nil
}

// CancelOperationsForTarget cancels every pending operation aimed at targetID.
func (s *Store) CancelOperationsForTarget(ctx context.Context, targetID, reason string) (int, error) {
	t := ts(now())
	res, err := s.q.ExecContext(ctx, `
UPDATE operations SET status = 'cancelled', last_error = ?, completed_at = ?, updated_at = ?
WHERE target_id = ? AND status = 'pending'`, reason, t, t, targetID)
	if err != nil {
		return 0, storageErr("cancel operations for "+targetID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("cancel operations for "+targetID, err)
	}
	return int(n), nil
}

// ResetOperation puts a failed or cancelled operation back in the queue with
// a fresh retry budget.
func (s *Store) ResetOperation(ctx context.Context, id string) error {
	t := ts(now())
	return execOne(ctx, s.q, "reset operation "+id, `
UPDATE operations SET status = 'pending', retry_count = 0, next_attempt_at = ?, last_error = '', completed_at = NULL, updated_at = ?
WHERE operation_id = ? AND status IN ('failed','cancelled')`, t, t, id)
}

// RecoverStaleOperations returns operations left in_progress by an
// interrupted run to pending.
func (s *Store) RecoverStaleOperations(ctx context.Context, instanceID string) (int, error) {
	res, err := s.q.ExecContext(ctx, `
UPDATE operations SET status = 'pending', requeue = 0, updated_at = ?
WHERE instance_id = ? AND status = 'in_progress'`, ts(now()), instanceID)
	if err != nil {
		return 0, storageErr("recover stale operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("recover stale operations", err)
	}
	return int(n), nil
}

// PurgeOperations deletes terminal operations that finished before cutoff.
func (s *Store) PurgeOperations(ctx context.Context, instanceID string, cutoff time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx, `
DELETE FROM operations
WHERE instance_id = ? AND status IN ('completed','cancelled') AND completed_at < ?`, instanceID, ts(cutoff))
	if err != nil {
		return 0, storageErr("purge operations", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storageErr("purge operations", err)
	}
	return int(n), nil
}

func (s *Store) GetOperation(ctx context.Context, id string) (model.Operation, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+operationColumns+` FROM operations WHERE operation_id = ?`, id)
	op, err := scanOperation(row)
	if err != nil {
		return model.Operation{}, storageErr("get operation "+id, err)
	}
	return op, nil
}

// OperationFilter narrows ListOperations. Zero fields match everything.
type OperationFilter struct {
	InstanceID string
	ChangeID   string
	TargetID   string
	Types      []model.OperationType
	Statuses   []model.OperationStatus
}

// ListOperations returns matching operations in queue order.
func (s *Store) ListOperations(ctx context.Context, f OperationFilter) ([]model.Operation, error) {
	var (
		where []string
		args  []any
	)
	if f.InstanceID != "" {
		where = append(where, "instance_id = ?")
		args = append(args, f.InstanceID)
	}
	if f.ChangeID != "" {
		where = append(where, "change_id = ?")
		args = append(args, f.ChangeID)
	}
	if f.TargetID != "" {
		where = append(where, "target_id = ?")
		args = append(args, f.TargetID)
	}
	if len(f.Types) > 0 {
		where = append(where, "op_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if len(f.Statuses) > 0 {
		where = append(where, "status IN ("+placeholders(len(f.Statuses))+")")
		for _, st := range f.Statuses {
			args = append(args, string(st))
		}
	}
	query := `SELECT ` + operationColumns + ` FROM operations`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY priority DESC, created_at ASC, rowid ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list operations", err)
	}
	defer rows.Close()

	out := make([]model.Operation, 0)
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, storageErr("scan operation", err)
		}
		out = append(out, op)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter operations", err)
	}
	return out, nil
}

// CountOperations counts operations of an instance per status. A non-empty
// changeID limits the count to that change.
func (s *Store) CountOperations(ctx context.Context, instanceID, changeID string) (map[model.OperationStatus]int, error) {
	query := `SELECT status, COUNT(*) FROM operations WHERE instance_id = ?`
	args := []any{instanceID}
	if changeID != "" {
		query += ` AND change_id = ?`
		args = append(args, changeID)
	}
	query += ` GROUP BY status`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("count operations", err)
	}
	defer rows.Close()

	out := make(map[model.OperationStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan operation count", err)
		}
		out[model.OperationStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter operation counts", err)
	}
	return out, nil
}

func scanOperation(sc scanner) (model.Operation, error) {
	var (
		op                   model.Operation
		changeID, completed  sql.NullString
		opType, status       string
		payload              string
		next                 string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&op.ID, &op.InstanceID, &changeID, &opType, &op.TargetID, &op.Priority, &status, &payload,
		&op.RetryCount, &op.MaxRetries, &next, &op.LastError, &createdAt, &updatedAt, &completed); err != nil {
		return model.Operation{}, err
	}
	op.ChangeID = changeID.String
	op.Type = model.OperationType(opType)
	op.Status = model.OperationStatus(status)
	if payload != "" {
		op.Payload = []byte(payload)
	}
	var err error
	if op.NextAttemptAt, err = parseTS(next); err != nil {
		return model.Operation{}, fmt.Errorf("parse operation next_attempt_at: %w", err)
	}
	if op.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Operation{}, fmt.Errorf("parse operation created_at: %w", err)
	}
	if op.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Operation{}, fmt.Errorf("parse operation updated_at: %w", err)
	}
	if op.CompletedAt, err = parseNullTS(completed); err != nil {
		return model.Operation{}, fmt.Errorf("parse operation completed_at: %w", err)
	}
	return op, nil
}
