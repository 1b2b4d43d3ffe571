package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/model"
)

const changeColumns = `change_id, instance_id, remote_id, project, branch, subject, status, current_revision, import_status, conflict_status, last_synced_at, created_at, updated_at`

func (s *Store) CreateChange(ctx context.Context, c model.Change) error {
	t := now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = t
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = t
	}
	if c.Status == "" {
		c.Status = model.ChangeStatusNew
	}
	if c.ImportStatus == "" {
		c.ImportStatus = model.ImportPending
	}
	if c.ConflictStatus == "" {
		c.ConflictStatus = model.ConflictNone
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO changes(`+changeColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.InstanceID, c.RemoteID, c.Project, c.Branch, c.Subject, string(c.Status), c.CurrentRevision,
		string(c.ImportStatus), string(c.ConflictStatus), nullableTS(c.LastSyncedAt), ts(c.CreatedAt), ts(c.UpdatedAt))
	return storageErr("create change", err)
}

// UpdateChangeMetadata overwrites the server-owned fields of a change.
func (s *Store) UpdateChangeMetadata(ctx context.Context, c model.Change) error {
	return execOne(ctx, s.q, "update change "+c.ID, `
UPDATE changes SET project = ?, branch = ?, subject = ?, status = ?, current_revision = ?, updated_at = ?
WHERE change_id = ?`,
		c.Project, c.Branch, c.Subject, string(c.Status), c.CurrentRevision, ts(now()), c.ID)
}

func (s *Store) SetImportStatus(ctx context.Context, changeID string, status model.ImportStatus) error {
	return execOne(ctx, s.q, "set import status "+changeID,
		`UPDATE changes SET import_status = ?, updated_at = ? WHERE change_id = ?`, string(status), ts(now()), changeID)
}

func (s *Store) MarkChangeSynced(ctx context.Context, changeID string) error {
	t := ts(now())
	return execOne(ctx, s.q, "mark change synced "+changeID,
		`UPDATE changes SET last_synced_at = ?, updated_at = ? WHERE change_id = ?`, t, t, changeID)
}

// GetChange loads a change with its patch sets and the files of every patch set.
func (s *Store) GetChange(ctx context.Context, id string) (*model.Change, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE change_id = ?`, id)
	return s.loadChange(ctx, row, "get change "+id)
}

func (s *Store) GetChangeByRemoteID(ctx context.Context, instanceID, remoteID string) (*model.Change, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE instance_id = ? AND remote_id = ?`,
		instanceID, remoteID)
	return s.loadChange(ctx, row, "get change "+remoteID)
}

func (s *Store) loadChange(ctx context.Context, row *sql.Row, op string) (*model.Change, error) {
	c, err := scanChange(row)
	if err != nil {
		return nil, storageErr(op, err)
	}
	if c.PatchSets, err = s.ListPatchSets(ctx, c.ID); err != nil {
		return nil, err
	}
	if c.Files, err = s.ListFiles(ctx, c.ID, 0); err != nil {
		return nil, err
	}
	return &c, nil
}

// ListChanges returns the changes of an instance without patch sets or files.
func (s *Store) ListChanges(ctx context.Context, instanceID string) ([]model.Change, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+changeColumns+` FROM changes WHERE instance_id = ? ORDER BY created_at ASC, change_id ASC`, instanceID)
	if err != nil {
		return nil, storageErr("list changes", err)
	}
	defer rows.Close()

	out := make([]model.Change, 0)
	for rows.Next() {
		c, err := scanChange(rows)
		if err != nil {
			return nil, storageErr("scan change", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter changes", err)
	}
	return out, nil
}

func (s *Store) ListPatchSets(ctx context.Context, changeID string) ([]model.PatchSet, error) {
	rows, err := s.q.QueryContext(ctx, `
SELECT patch_set_id, change_id, number, revision, author, created_at, is_current
FROM patch_sets WHERE change_id = ? ORDER BY number ASC`, changeID)
	if err != nil {
		return nil, storageErr("list patch sets", err)
	}
	defer rows.Close()

	out := make([]model.PatchSet, 0)
	for rows.Next() {
		var (
			ps        model.PatchSet
			createdAt string
			current   int
		)
		if err := rows.Scan(&ps.ID, &ps.ChangeID, &ps.Number, &ps.Revision, &ps.Author, &createdAt, &current); err != nil {
			return nil, storageErr("scan patch set", err)
		}
		if ps.CreatedAt, err = parseTS(createdAt); err != nil {
			return nil, fmt.Errorf("parse patch set created_at: %w", err)
		}
		ps.IsCurrent = current == 1
		out = append(out, ps)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter patch sets", err)
	}
	return out, nil
}

// AppendPatchSet inserts a new patch set. Existing patch sets are never
// rewritten; inserting a number that already exists fails with ErrDuplicate.
func (s *Store) AppendPatchSet(ctx context.Context, ps model.PatchSet) error {
	if ps.ID == "" {
		ps.ID = uuid.NewString()
	}
	if ps.CreatedAt.IsZero() {
		ps.CreatedAt = now()
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO patch_sets(patch_set_id, change_id, number, revision, author, created_at, is_current)
VALUES (?, ?, ?, ?, ?, ?, 0)`, ps.ID, ps.ChangeID, ps.Number, ps.Revision, ps.Author, ts(ps.CreatedAt))
	return storageErr(fmt.Sprintf("append patch set %d", ps.Number), err)
}

// SetCurrentPatchSet moves the current flag to the given patch set number.
func (s *Store) SetCurrentPatchSet(ctx context.Context, changeID string, number int) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `UPDATE patch_sets SET is_current = 0 WHERE change_id = ? AND is_current = 1`, changeID); err != nil {
			return storageErr("clear current patch set", err)
		}
		return execOne(ctx, tx.q, fmt.Sprintf("set current patch set %d", number),
			`UPDATE patch_sets SET is_current = 1 WHERE change_id = ? AND number = ?`, changeID, number)
	})
}

// PutFiles upserts the file list of a patch set. Local review status of a
// file that is already cached survives.
func (s *Store) PutFiles(ctx context.Context, changeID string, patchSetNumber int, files []model.File) error {
	return s.WithTx(ctx, func(tx *Store) error {
		for _, f := range files {
			if f.ID == "" {
				f.ID = uuid.NewString()
			}
			if f.ReviewStatus == "" {
				f.ReviewStatus = model.FileUnreviewed
			}
			_, err := tx.q.ExecContext(ctx, `
INSERT INTO files(file_id, change_id, patch_set_number, path, old_path, change_type, lines_inserted, lines_deleted, is_binary, review_status)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(change_id, patch_set_number, path) DO UPDATE SET
	old_path = excluded.old_path,
	change_type = excluded.change_type,
	lines_inserted = excluded.lines_inserted,
	lines_deleted = excluded.lines_deleted,
	is_binary = excluded.is_binary
`, f.ID, changeID, patchSetNumber, f.Path, f.OldPath, string(f.ChangeType), f.LinesInserted, f.LinesDeleted,
				boolToInt(f.Binary), string(f.ReviewStatus))
			if err != nil {
				return storageErr("put file "+f.Path, err)
			}
		}
		return nil
	})
}

// ListFiles returns the files of a change; patchSetNumber 0 means every patch set.
func (s *Store) ListFiles(ctx context.Context, changeID string, patchSetNumber int) ([]model.File, error) {
	query := `
SELECT file_id, change_id, patch_set_number, path, old_path, change_type, lines_inserted, lines_deleted, is_binary, review_status
FROM files WHERE change_id = ?`
	args := []any{changeID}
	if patchSetNumber > 0 {
		query += ` AND patch_set_number = ?`
		args = append(args, patchSetNumber)
	}
	query += ` ORDER BY patch_set_number ASC, path ASC`

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list files", err)
	}
	defer rows.Close()

	out := make([]model.File, 0)
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, storageErr("scan file", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter files", err)
	}
	return out, nil
}

func (s *Store) GetFile(ctx context.Context, id string) (model.File, error) {
	row := s.q.QueryRowContext(ctx, `
SELECT file_id, change_id, patch_set_number, path, old_path, change_type, lines_inserted, lines_deleted, is_binary, review_status
FROM files WHERE file_id = ?`, id)
	f, err := scanFile(row)
	if err != nil {
		return model.File{}, storageErr("get file "+id, err)
	}
	return f, nil
}

func (s *Store) SetFileReviewStatus(ctx context.Context, fileID string, status model.FileReviewStatus) error {
	return execOne(ctx, s.q, "set file review status "+fileID,
		`UPDATE files SET review_status = ? WHERE file_id = ?`, string(status), fileID)
}

// RefreshConflictStatus recomputes a change's conflict status from the state
// of its comments and patch sets and stores it.
func (s *Store) RefreshConflictStatus(ctx context.Context, changeID string) (model.ConflictStatus, error) {
	var manual, pending, outdated int
	err := s.q.QueryRowContext(ctx, `
SELECT
	EXISTS(SELECT 1 FROM comments WHERE change_id = ?1 AND sync_status = 'conflict_detected' AND conflict_reason = 'remote_deleted'),
	EXISTS(SELECT 1 FROM comments WHERE change_id = ?1 AND sync_status = 'conflict_detected'),
	EXISTS(
		SELECT 1 FROM comments c
		JOIN patch_sets p ON p.change_id = c.change_id AND p.is_current = 1
		WHERE c.change_id = ?1 AND c.sync_status != 'synced' AND c.deleted = 0 AND c.patch_set_number < p.number
	)`, changeID).Scan(&manual, &pending, &outdated)
	if err != nil {
		return "", storageErr("compute conflict status "+changeID, err)
	}

	status := model.ConflictNone
	switch {
	case manual == 1:
		status = model.ConflictManualResolutionRequired
	case pending == 1:
		status = model.ConflictCommentsPending
	case outdated == 1:
		status = model.ConflictPatchSetUpdated
	}
	if err := execOne(ctx, s.q, "set conflict status "+changeID,
		`UPDATE changes SET conflict_status = ?, updated_at = ? WHERE change_id = ?`, string(status), ts(now()), changeID); err != nil {
		return "", err
	}
	return status, nil
}

func scanChange(sc scanner) (model.Change, error) {
	var (
		c                              model.Change
		status, importStatus, conflict string
		lastSynced                     sql.NullString
		createdAt, updatedAt           string
	)
	if err := sc.Scan(&c.ID, &c.InstanceID, &c.RemoteID, &c.Project, &c.Branch, &c.Subject, &status, &c.CurrentRevision,
		&importStatus, &conflict, &lastSynced, &createdAt, &updatedAt); err != nil {
		return model.Change{}, err
	}
	c.Status = model.ChangeStatus(status)
	c.ImportStatus = model.ImportStatus(importStatus)
	c.ConflictStatus = model.ConflictStatus(conflict)
	var err error
	if c.LastSyncedAt, err = parseNullTS(lastSynced); err != nil {
		return model.Change{}, fmt.Errorf("parse change last_synced_at: %w", err)
	}
	if c.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Change{}, fmt.Errorf("parse change created_at: %w", err)
	}
	if c.UpdatedAt, err = parseTS(updatedAt); err != nil {
		return model.Change{}, fmt.Errorf("parse change updated_at: %w", err)
	}
	return c, nil
}

func scanFile(sc scanner) (model.File, error) {
	var (
		f                  model.File
		changeType, review string
		binary             int
	)
	if err := sc.Scan(&f.ID, &f.ChangeID, &f.PatchSetNumber, &f.Path, &f.OldPath, &changeType,
		&f.LinesInserted, &f.LinesDeleted, &binary, &review); err != nil {
		return model.File{}, err
	}
	f.ChangeType = model.FileChangeType(changeType)
	f.ReviewStatus = model.FileReviewStatus(review)
	f.Binary = binary == 1
	return f, nil
}
