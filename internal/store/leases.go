package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dnr/craftsync/internal/model"
)

// SyncLease records which engine is syncing an instance. Engines in
// different processes share it through the database.
type SyncLease struct {
	InstanceID string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

// AcquireSyncLease claims the sync lease of an instance for holder until
// now+ttl. A holder may re-acquire its own lease, and an expired lease is
// taken over. While another holder's lease is live it fails with
// model.ErrSyncAlreadyInProgress.
func (s *Store) AcquireSyncLease(ctx context.Context, instanceID, holder string, ttl time.Duration) error {
	t := now()
	res, err := s.q.ExecContext(ctx, `
INSERT INTO sync_leases(instance_id, holder, acquired_at, expires_at) VALUES (?1, ?2, ?3, ?4)
ON CONFLICT(instance_id) DO UPDATE SET
	holder = excluded.holder,
	acquired_at = excluded.acquired_at,
	expires_at = excluded.expires_at
WHERE sync_leases.holder = excluded.holder OR sync_leases.expires_at <= ?3`,
		instanceID, holder, ts(t), ts(t.Add(ttl)))
	if err != nil {
		return storageErr("acquire sync lease "+instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("acquire sync lease "+instanceID, err)
	}
	if n > 0 {
		return nil
	}
	cur, err := s.GetSyncLease(ctx, instanceID)
	if err != nil {
		return err
	}
	return fmt.Errorf("instance %s is being synced by %s until %s: %w",
		instanceID, cur.Holder, cur.ExpiresAt.Format(time.RFC3339), model.ErrSyncAlreadyInProgress)
}

// RenewSyncLease extends a lease held by holder. It reports false when the
// lease was lost to another holder.
func (s *Store) RenewSyncLease(ctx context.Context, instanceID, holder string, ttl time.Duration) (bool, error) {
	res, err := s.q.ExecContext(ctx, `UPDATE sync_leases SET expires_at = ? WHERE instance_id = ? AND holder = ?`,
		ts(now().Add(ttl)), instanceID, holder)
	if err != nil {
		return false, storageErr("renew sync lease "+instanceID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("renew sync lease "+instanceID, err)
	}
	return n > 0, nil
}

// ReleaseSyncLease drops the lease if holder still owns it.
func (s *Store) ReleaseSyncLease(ctx context.Context, instanceID, holder string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM sync_leases WHERE instance_id = ? AND holder = ?`, instanceID, holder)
	return storageErr("release sync lease "+instanceID, err)
}

func (s *Store) GetSyncLease(ctx context.Context, instanceID string) (SyncLease, error) {
	var l SyncLease
	var acquired, expires string
	err := s.q.QueryRowContext(ctx, `SELECT instance_id, holder, acquired_at, expires_at FROM sync_leases WHERE instance_id = ?`, instanceID).
		Scan(&l.InstanceID, &l.Holder, &acquired, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLease{}, fmt.Errorf("sync lease %s: %w", instanceID, model.ErrNotFound)
	}
	if err != nil {
		return SyncLease{}, storageErr("get sync lease "+instanceID, err)
	}
	if l.AcquiredAt, err = parseTS(acquired); err != nil {
		return SyncLease{}, fmt.Errorf("parse lease acquired_at: %w", err)
	}
	if l.ExpiresAt, err = parseTS(expires); err != nil {
		return SyncLease{}, fmt.Errorf("parse lease expires_at: %w", err)
	}
	return l, nil
}

// SyncLeaseHeld reports whether any holder has a live lease on the instance.
func (s *Store) SyncLeaseHeld(ctx context.Context, instanceID string) (bool, error) {
	l, err := s.GetSyncLease(ctx, instanceID)
	if errors.Is(err, model.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return l.ExpiresAt.After(now()), nil
}
