package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/model"
)

// LogConflict appends an audit record for a detected conflict.
func (s *Store) LogConflict(ctx context.Context, r model.ConflictRecord) (model.ConflictRecord, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.DetectedAt.IsZero() {
		r.DetectedAt = now()
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO conflict_log(conflict_id, change_id, comment_id, reason, strategy, outcome, local_updated_at, remote_updated_at, detected_at, resolved_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ChangeID, r.CommentID, string(r.Reason), r.Strategy, r.Outcome, ts(r.LocalUpdatedAt),
		nullableTS(r.RemoteUpdatedAt), ts(r.DetectedAt), nullableTS(r.ResolvedAt))
	if err != nil {
		return model.ConflictRecord{}, storageErr("log conflict", err)
	}
	return r, nil
}

// ResolveConflicts closes every open record of a comment with outcome.
func (s *Store) ResolveConflicts(ctx context.Context, commentID, outcome string) error {
	t := ts(now())
	_, err := s.q.ExecContext(ctx, `
UPDATE conflict_log SET outcome = ?, resolved_at = ? WHERE comment_id = ? AND resolved_at IS NULL`,
		outcome, t, commentID)
	return storageErr("resolve conflicts "+commentID, err)
}

// ListConflicts returns the conflict history of a change, oldest first.
func (s *Store) ListConflicts(ctx context.Context, changeID string, openOnly bool) ([]model.ConflictRecord, error) {
	query := `
SELECT conflict_id, change_id, comment_id, reason, strategy, outcome, local_updated_at, remote_updated_at, detected_at, resolved_at
FROM conflict_log WHERE change_id = ?`
	if openOnly {
		query += ` AND resolved_at IS NULL`
	}
	query += ` ORDER BY detected_at ASC, rowid ASC`

	rows, err := s.q.QueryContext(ctx, query, changeID)
	if err != nil {
		return nil, storageErr("list conflicts", err)
	}
	defer rows.Close()

	out := make([]model.ConflictRecord, 0)
	for rows.Next() {
		var (
			r                   model.ConflictRecord
			reason              string
			localAt, detectedAt string
			remoteAt, resolved  sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ChangeID, &r.CommentID, &reason, &r.Strategy, &r.Outcome,
			&localAt, &remoteAt, &detectedAt, &resolved); err != nil {
			return nil, storageErr("scan conflict", err)
		}
		r.Reason = model.ConflictReason(reason)
		if r.LocalUpdatedAt, err = parseTS(localAt); err != nil {
			return nil, fmt.Errorf("parse conflict local_updated_at: %w", err)
		}
		if r.RemoteUpdatedAt, err = parseNullTS(remoteAt); err != nil {
			return nil, fmt.Errorf("parse conflict remote_updated_at: %w", err)
		}
		if r.DetectedAt, err = parseTS(detectedAt); err != nil {
			return nil, fmt.Errorf("parse conflict detected_at: %w", err)
		}
		if r.ResolvedAt, err = parseNullTS(resolved); err != nil {
			return nil, fmt.Errorf("parse conflict resolved_at: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter conflicts", err)
	}
	return out, nil
}
