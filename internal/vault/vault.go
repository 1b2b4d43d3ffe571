// Package vault seals per-instance credentials. Each instance has its own
// random data key held in the platform key store; the Local Store only ever
// sees the AES-GCM ciphertext.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zalando/go-keyring"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/store"
)

const keyringService = "craftsync"

// Keyring is the platform key store. The default implementation is
// github.com/zalando/go-keyring.
type Keyring interface {
	Get(service, user string) (string, error)
	Set(service, user, password string) error
	Delete(service, user string) error
}

type systemKeyring struct{}

func (systemKeyring) Get(service, user string) (string, error) { return keyring.Get(service, user) }
func (systemKeyring) Set(service, user, pw string) error { return keyring.Set(service, user, pw) }
func (systemKeyring) Delete(service, user string) error { return keyring.Delete(service, user) }

// Error reports a vault failure for one instance.
type Error struct {
	Op         string
	InstanceID string
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("vault %s %s: %v", e.Op, e.InstanceID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

type Vault struct {
	store *store.Store
	ring  Keyring
	log   *slog.Logger
}

type Option func(*Vault)

func WithKeyring(k Keyring) Option {
	return func(v *Vault) { v.ring = k }
}

func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.log = l }
}

func New(st *store.Store, opts ...Option) *Vault {
	v := &Vault{store: st, ring: systemKeyring{}, log: logging.Discard()}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Store seals secret for instanceID, replacing any previous secret.
func (v *Vault) Store(ctx context.Context, instanceID string, secret Secret) error {
	if instanceID == "" {
		return model.Invalid("instance id", "must not be empty")
	}
	if secret.Empty() {
		return model.Invalid("secret", "must not be empty")
	}
	key, err := v.dataKey(instanceID, true)
	if err != nil {
		return &Error{Op: "store", InstanceID: instanceID, Err: err}
	}
	nonce, ct, err := seal(key, instanceID, []byte(secret.Reveal()))
	if err != nil {
		return &Error{Op: "store", InstanceID: instanceID, Err: err}
	}
	if err := v.store.PutCredential(ctx, instanceID, nonce, ct); err != nil {
		return &Error{Op: "store", InstanceID: instanceID, Err: err}
	}
	v.log.Debug("stored credential", "instance", instanceID, "secret", secret)
	return nil
}

// Retrieve opens the secret of instanceID. It returns an error wrapping
// model.ErrNotFound when no secret was stored.
func (v *Vault) Retrieve(ctx context.Context, instanceID string) (Secret, error) {
	nonce, ct, err := v.store.GetCredential(ctx, instanceID)
	if err != nil {
		return Secret{}, &Error{Op: "retrieve", InstanceID: instanceID, Err: err}
	}
	key, err := v.dataKey(instanceID, false)
	if err != nil {
		return Secret{}, &Error{Op: "retrieve", InstanceID: instanceID, Err: err}
	}
	pt, err := open(key, instanceID, nonce, ct)
	if err != nil {
		return Secret{}, &Error{Op: "retrieve", InstanceID: instanceID, Err: err}
	}
	return NewSecret(string(pt)), nil
}

// Delete removes the data key and the sealed secret. Missing entries are
// not an error.
func (v *Vault) Delete(ctx context.Context, instanceID string) error {
	if err := v.ring.Delete(keyringService, instanceID); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return &Error{Op: "delete", InstanceID: instanceID, Err: fmt.Errorf("delete data key: %w", err)}
	}
	if err := v.store.DeleteCredential(ctx, instanceID); err != nil {
		return &Error{Op: "delete", InstanceID: instanceID, Err: err}
	}
	return nil
}

func (v *Vault) dataKey(instanceID string, create bool) ([]byte, error) {
	enc, err := v.ring.Get(keyringService, instanceID)
	switch {
	case err == nil:
		key, err := base64.StdEncoding.DecodeString(enc)
		if err != nil || len(key) != 32 {
			return nil, fmt.Errorf("data key for %s is corrupt", instanceID)
		}
		return key, nil
	case !errors.Is(err, keyring.ErrNotFound):
		return nil, fmt.Errorf("read data key: %w", err)
	case !create:
		return nil, fmt.Errorf("data key missing: %w", model.ErrNotFound)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate data key: %w", err)
	}
	if err := v.ring.Set(keyringService, instanceID, base64.StdEncoding.EncodeToString(key)); err != nil {
		return nil, fmt.Errorf("save data key: %w", err)
	}
	return key, nil
}

func seal(key []byte, instanceID string, plaintext []byte) (nonce, ciphertext []byte, err error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, fmt.Errorf("generate nonce: %w", err)
	}
	return nonce, gcm.Seal(nil, nonce, plaintext, []byte(instanceID)), nil
}

func open(key []byte, instanceID string, nonce, ciphertext []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	pt, err := gcm.Open(nil, nonce, ciphertext, []byte(instanceID))
	if err != nil {
		return nil, fmt.Errorf("decrypt credential: %w", err)
	}
	return pt, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}
