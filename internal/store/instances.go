package store

import (
	"context"
	"fmt"

	"github.com/dnr/craftsync/internal/model"
)

const instanceColumns = `instance_id, name, kind, base_url, credential_ref, server_version, connection_status, is_active, created_at, updated_at`

func (s *Store) CreateInstance(ctx context.Context, inst model.Instance) error {
	t := now()
	if inst.CreatedAt.IsZero() {
		inst.CreatedAt = t
	}
	if inst.UpdatedAt.IsZero() {
		inst.UpdatedAt = t
	}
	if inst.ConnectionStatus == "" {
		inst.ConnectionStatus = model.ConnectionDisconnected
	}
	_, err := s.q.ExecContext(ctx, `
INSERT INTO instances(`+instanceColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.Name, string(inst.Kind), inst.BaseURL, inst.CredentialRef, inst.ServerVersion,
		string(inst.ConnectionStatus), boolToInt(inst.Active), ts(inst.CreatedAt), ts(inst.UpdatedAt))
	return storageErr("create instance", err)
}

func (s *Store) GetInstance(ctx context.Context, id string) (model.Instance, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE instance_id = ?`, id)
	inst, err := scanInstance(row)
	if err != nil {
		return model.Instance{}, storageErr("get instance "+id, err)
	}
	return inst, nil
}

func (s *Store) GetInstanceByName(ctx context.Context, name string) (model.Instance, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE name = ?`, name)
	inst, err := scanInstance(row)
	if err != nil {
		return model.Instance{}, storageErr("get instance "+name, err)
	}
	return inst, nil
}

func (s *Store) GetActiveInstance(ctx context.Context) (model.Instance, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM instances WHERE is_active = 1`)
	inst, err := scanInstance(row)
	if err != nil {
		return model.Instance{}, storageErr("get active instance", err)
	}
	return inst, nil
}

func (s *Store) ListInstances(ctx context.Context) ([]model.Instance, error) {
	rows, err := s.q.QueryContext(ctx, `SELECT `+instanceColumns+` FROM instances ORDER BY name ASC`)
	if err != nil {
		return nil, storageErr("list instances", err)
	}
	defer rows.Close()

	out := make([]model.Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, storageErr("scan instance", err)
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iter instances", err)
	}
	return out, nil
}

// SetActiveInstance makes id the only active instance.
func (s *Store) SetActiveInstance(ctx context.Context, id string) error {
	return s.WithTx(ctx, func(tx *Store) error {
		if _, err := tx.q.ExecContext(ctx, `UPDATE instances SET is_active = 0 WHERE is_active = 1`); err != nil {
			return storageErr("clear active instance", err)
		}
		return execOne(ctx, tx.q, "activate instance "+id,
			`UPDATE instances SET is_active = 1, updated_at = ? WHERE instance_id = ?`, ts(now()), id)
	})
}

func (s *Store) UpdateInstanceConnection(ctx context.Context, id string, status model.ConnectionStatus, serverVersion string) error {
	return execOne(ctx, s.q, "update instance connection "+id, `
UPDATE instances SET
	connection_status = ?,
	server_version = CASE WHEN ? = '' THEN server_version ELSE ? END,
	updated_at = ?
WHERE instance_id = ?`, string(status), serverVersion, serverVersion, ts(now()), id)
}

// DeleteInstance removes the instance and, through cascades, every cached
// change that belongs to it.
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	return execOne(ctx, s.q, "delete instance "+id, `DELETE FROM instances WHERE instance_id = ?`, id)
}

func scanInstance(sc scanner) (model.Instance, error) {
	var (
		inst               model.Instance
		kind, status       string
		active             int
		createdAt, updated string
	)
	if err := sc.Scan(&inst.ID, &inst.Name, &kind, &inst.BaseURL, &inst.CredentialRef, &inst.ServerVersion,
		&status, &active, &createdAt, &updated); err != nil {
		return model.Instance{}, err
	}
	inst.Kind = model.InstanceKind(kind)
	inst.ConnectionStatus = model.ConnectionStatus(status)
	inst.Active = active == 1
	var err error
	if inst.CreatedAt, err = parseTS(createdAt); err != nil {
		return model.Instance{}, fmt.Errorf("parse instance created_at: %w", err)
	}
	if inst.UpdatedAt, err = parseTS(updated); err != nil {
		return model.Instance{}, fmt.Errorf("parse instance updated_at: %w", err)
	}
	return inst, nil
}
