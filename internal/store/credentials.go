package store

import (
	"context"
	"database/sql"
	"errors"
)

// PutCredential stores a sealed secret for an instance, replacing any
// previous one.
func (s *Store) PutCredential(ctx context.Context, instanceID string, nonce, ciphertext []byte) error {
	_, err := s.q.ExecContext(ctx, `
INSERT INTO credentials(instance_id, nonce, ciphertext, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT(instance_id) DO UPDATE SET
	nonce = excluded.nonce,
	ciphertext = excluded.ciphertext,
	updated_at = excluded.updated_at
`, instanceID, nonce, ciphertext, ts(now()))
	return storageErr("put credential "+instanceID, err)
}

func (s *Store) GetCredential(ctx context.Context, instanceID string) (nonce, ciphertext []byte, err error) {
	err = s.q.QueryRowContext(ctx, `SELECT nonce, ciphertext FROM credentials WHERE instance_id = ?`, instanceID).
		Scan(&nonce, &ciphertext)
	if err != nil {
		return nil, nil, storageErr("get credential "+instanceID, err)
	}
	return nonce, ciphertext, nil
}

// DeleteCredential removes the sealed secret. Deleting a missing credential
// is not an error.
func (s *Store) DeleteCredential(ctx context.Context, instanceID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM credentials WHERE instance_id = ?`, instanceID)
	return storageErr("delete credential "+instanceID, err)
}

func (s *Store) HasCredential(ctx context.Context, instanceID string) (bool, error) {
	var one int
	err := s.q.QueryRowContext(ctx, `SELECT 1 FROM credentials WHERE instance_id = ?`, instanceID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("check credential "+instanceID, err)
	}
	return true, nil
}
