package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/dnr/craftsync/internal/model"
)

const commentColumns = `comment_id, remote_id, change_id, file_path, patch_set_number, line,
	range_start_line, range_start_char, range_end_line, range_end_char,
	message, author, parent_id, unresolved, sync_status, base_message, remote_message, remote_updated_at,
	conflict_reason, ever_synced, deleted, created_at, updated_at, edited_at`

// CommentFilter narrows ListComments. Zero fields match everything.
type CommentFilter struct {
	ChangeID       string
	FilePath       string
	PatchSetNumber int
	IDs            []string
	SyncStatuses   []model.SyncStatus
	IncludeDeleted bool
}

func (s *Store) CreateComment(ctx context.Context, c model.Comment) error {
	t := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = t
	}
	if c.EditedAt.IsZero() {
		c.EditedAt = c.UpdatedAt
	}
	_, err := s.q.ExecContext(ctx, `INSERT INTO comments(`+commentColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, commentArgs(c)...)
	return storageErr("create comment", err)
}

// UpdateComment rewrites every mutable field of a comment.
func (s *Store) UpdateComment(ctx context.Context, c model.Comment) error {
	args := commentArgs(c)
	// drop comment_id and change_id, keep the rest in column order
	args = append([]any{args[1]}, args[3:]...)
	args = append(args, c.ID)
	return execOne(ctx, s.q, "update comment "+c.ID, `
UPDATE comments SET remote_id = ?, file_path = ?, patch_set_number = ?, line = ?,
	range_start_line = ?, range_start_char = ?, range_end_line = ?, range_end_char = ?,
	message = ?, author = ?, parent_id = ?, unresolved = ?, sync_status = ?, base_message = ?, remote_message = ?,
	remote_updated_at = ?, conflict_reason = ?, ever_synced = ?, deleted = ?, created_at = ?, updated_at = ?,
	edited_at = ?
WHERE comment_id = ?`, args...)
}

func commentArgs(c model.Comment) []any {
	var sl, sc, el, ec any
	if c.Range != nil {
		sl, sc, el, ec = c.Range.StartLine, c.Range.StartChar, c.Range.EndLine, c.Range.EndChar
	}
	return []any{
		c.ID, nullIfEmpty(c.RemoteID), c.ChangeID, c.FilePath, c.PatchSetNumber, c.Line,
		sl, sc, el, ec,
		c.Message, c.Author, nullIfEmpty(c.ParentID), boolToInt(c.Unresolved), string(c.SyncStatus),
		c.BaseMessage, c.RemoteMessage, nullableTS(c.RemoteUpdatedAt),
		string(c.ConflictReason), boolToInt(c.EverSynced), boolToInt(c.Deleted), ts(c.CreatedAt), ts(c.UpdatedAt),
		ts(c.EditedAt),
	}
}

func (s *Store) GetComment(ctx context.Context, id string) (model.Comment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE comment_id = ?`, id)
	c, err := scanComment(row)
	if err != nil {
		return model.Comment{}, storageErr("get comment "+id, err)
	}
	return c, nil
}

func (s *Store) GetCommentByRemoteID(ctx context.Context, changeID, remoteID string) (model.Comment, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+commentColumns+` FROM comments WHERE change_id = ? AND remote_id = ?`,
		changeID, remoteID)
	c, err := scanComment(row)
	if err != nil {
		return model.Comment{}, storageErr("get comment "+remoteID, err)
	}
	return c, nil
}

// ListComments returns matching comments ordered by creation time.
func (s *Store) ListComments(ctx context.Context, f CommentFilter) ([]model.Comment, error) {
	var (
		where []string
		args  []any
	)
	if f.ChangeID != "" {
		where = append(where, "change_id = ?")
		args = append(args, f.ChangeID)
	}
	if f.FilePath != "" {
		where = append(where, "file_path = ?")
		args = append(args, f.FilePath)
	}
	if f.PatchSetNumber > 0 {
		where = append(where, "patch_set_number = ?")
		args = append(args, f.PatchSetNumber)
	}
	if len(f.IDs) > 0 {
		where = append(where, "comment_id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.SyncStatuses) > 0 {
		where = append(where, "sync_status IN ("+placeholders(len(f.SyncStatuses))+")")
		for _, st := range f.SyncStatuses {
			args = append(args, string(st))
		}
	}
	if !f.IncludeDeleted {
		where = append(where, "deleted = 0")
	}

	query := `SELECT ` + commentColumns + ` FROM comments`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, rowid ASC"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list comments", err)
	}
	defer rows.Close()

	out := make([]model.Comment, 0)
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, storageErr("scan comment", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter comments", err)
	}
	return out, nil
}

// SetCommentSyncStatus moves a comment to status. from, when non-empty,
// restricts the update to comments currently in one of those states; the
// return value reports whether a row changed.
func (s *Store) SetCommentSyncStatus(ctx context.Context, id string, status model.SyncStatus, from ...model.SyncStatus) (bool, error) {
	query := `UPDATE comments SET sync_status = ?, updated_at = ? WHERE comment_id = ?`
	args := []any{string(status), ts(now()), id}
	if len(from) > 0 {
		query += ` AND sync_status IN (` + placeholders(len(from)) + `)`
		for _, st := range from {
			args = append(args, string(st))
		}
	}
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storageErr("set comment sync status "+id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("set comment sync status "+id, err)
	}
	return n > 0, nil
}

// MarkCommentSynced records a successful push of sent. If the local message
// was edited while the push was in flight the comment stays
// modified_locally so that the edit is pushed next. It returns the
// resulting status.
func (s *Store) MarkCommentSynced(ctx context.Context, id, remoteID, sent string, remoteUpdatedAt time.Time) (model.SyncStatus, error) {
	err := execOne(ctx, s.q, "mark comment synced "+id, `
UPDATE comments SET
	remote_id = ?,
	ever_synced = 1,
	base_message = ?,
	remote_message = ?,
	remote_updated_at = ?,
	conflict_reason = '',
	sync_status = CASE WHEN message = ? THEN 'synced' ELSE 'modified_locally' END,
	updated_at = ?
WHERE comment_id = ?`, remoteID, sent, sent, ts(remoteUpdatedAt), sent, ts(now()), id)
	if err != nil {
		return "", err
	}
	var status string
	if err := s.q.QueryRowContext(ctx, `SELECT sync_status FROM comments WHERE comment_id = ?`, id).Scan(&status); err != nil {
		return "", storageErr("read comment status "+id, err)
	}
	return model.SyncStatus(status), nil
}

// MarkCommentConflict flags a comment as diverged from the server copy.
func (s *Store) MarkCommentConflict(ctx context.Context, id string, reason model.ConflictReason, remoteMessage string, remoteUpdatedAt *time.Time) error {
	return execOne(ctx, s.q, "mark comment conflict "+id, `
UPDATE comments SET sync_status = 'conflict_detected', conflict_reason = ?, remote_message = ?,
	remote_updated_at = COALESCE(?, remote_updated_at), updated_at = ?
WHERE comment_id = ?`, string(reason), remoteMessage, nullableTS(remoteUpdatedAt), ts(now()), id)
}

func (s *Store) TombstoneComment(ctx context.Context, id string) error {
	return execOne(ctx, s.q, "tombstone comment "+id,
		`UPDATE comments SET deleted = 1, sync_status = 'modified_locally', updated_at = ?1, edited_at = ?1 WHERE comment_id = ?2`, ts(now()), id)
}

func (s *Store) DeleteComment(ctx context.Context, id string) error {
	return execOne(ctx, s.q, "delete comment "+id, `DELETE FROM comments WHERE comment_id = ?`, id)
}

// HasReplies reports whether any live comment names id as its parent.
func (s *Store) HasReplies(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM comments WHERE parent_id = ? AND deleted = 0)`, id).Scan(&n); err != nil {
		return false, storageErr("check replies "+id, err)
	}
	return n == 1, nil
}

// HasChildRows reports whether any comment row, tombstones included, names
// id as its parent. Such a comment cannot be deleted.
func (s *Store) HasChildRows(ctx context.Context, id string) (bool, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM comments WHERE parent_id = ?)`, id).Scan(&n); err != nil {
		return false, storageErr("check child comments "+id, err)
	}
	return n == 1, nil
}

// CountCommentsByStatus counts live comments of a change per sync status.
// An empty changeID counts across every change of instanceID.
func (s *Store) CountCommentsByStatus(ctx context.Context, instanceID, changeID string) (map[model.SyncStatus]int, error) {
	query := `
SELECT c.sync_status, COUNT(*) FROM comments c
JOIN changes ch ON ch.change_id = c.change_id
WHERE ch.instance_id = ? AND c.deleted = 0`
	args := []any{instanceID}
	if changeID != "" {
		query += ` AND c.change_id = ?`
		args = append(args, changeID)
	}
	query += ` GROUP BY c.sync_status`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("count comments", err)
	}
	defer rows.Close()

	out := make(map[model.SyncStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan comment count", err)
		}
		out[model.SyncStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter comment counts", err)
	}
	return out, nil
}

func scanComment(sc scanner) (model.Comment, error) {
	var (
		c                               model.Comment
		remoteID, parentID, remoteAt    sql.NullString
		sl, sch, el, ech                sql.NullInt64
		unresolved, everSynced, deleted int
		status, reason                  string
		createdAt, updatedAt, editedAt  string
	)
	if err := sc.Scan(&c.ID, &remoteID, &c.ChangeID, &c.FilePath, &c.PatchSetNumber, &c.Line,
		&sl, &sch, &el, &ech,
		&c.Message, &c.Author, &parentID, &unresolved, &status, &c.BaseMessage, &c.RemoteMessage, &remoteAt,
		&reason, &everSynced, &deleted, &createdAt, &updatedAt, &editedAt); err != nil {
		return model.Comment{}, err
	}
	c.RemoteID = remoteID.String
	c.ParentID = parentID.String
	if sl.Valid {
		c.Range = &model.CommentRange{
			StartLine: int(sl.Int64), StartChar: int(sch.Int64),
			EndLine: int(el.Int64), EndChar: int(ech.Int64),
		}
	}
	c.Unresolved = unresolved == 1
	c.EverSynced = everSynced == 1
	c.Deleted = deleted == 1
	c.SyncStatus = model.SyncStatus(status)
	c.ConflictReason = model.ConflictReason(reason)

	var err error
	if c.RemoteUpdatedAt, err = parseNullTS(remoteAt); err != nil {
		return model.Comment{}, fmt.Errorf("parse comment remote_updated_at: %w", err)
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Comment{}, fmt.Errorf("parse comment created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Comment{}, fmt.Errorf("parse comment updated_at: %w", err)
	}
	if c.EditedAt, err = parseTS(editedAt); err != nil {
		return model.Comment{}, fmt.Errorf("parse comment edited_at: %w", err)
	}
	return c, nil
}
