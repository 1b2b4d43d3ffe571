// Package instances manages the registry of configured review servers and
// their credentials.
package instances

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/remote"
	"github.com/dnr/craftsync/internal/store"
	"github.com/dnr/craftsync/internal/vault"
)

const defaultGitHubURL = "https://api.github.com"

// Secrets is the part of the vault the registry needs.
type Secrets interface {
	Store(ctx context.Context, instanceID string, secret vault.Secret) error
	Delete(ctx context.Context, instanceID string) error
}

type Manager struct {
	store      *store.Store
	secrets    Secrets
	remotes    remote.Source
	queue      *queue.Queue
	minVersion string
	log        *slog.Logger
}

type Option func(*Manager)

// WithMinVersion marks servers older than v as incompatible.
func WithMinVersion(v string) Option {
	return func(m *Manager) { m.minVersion = v }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func New(st *store.Store, secrets Secrets, remotes remote.Source, q *queue.Queue, opts ...Option) *Manager {
	m := &Manager{
		store:   st,
		secrets: secrets,
		remotes: remotes,
		queue:   q,
		log:     logging.Discard(),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

type AddInput struct {
	Name    string
	Kind    model.InstanceKind
	BaseURL string
	Token   vault.Secret
}

// Add registers an instance and seals its token. The first instance added
// becomes the active one.
func (m *Manager) Add(ctx context.Context, in AddInput) (model.Instance, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return model.Instance{}, model.Invalid("name", "must not be empty")
	}
	if in.Kind == "" {
		in.Kind = model.InstanceKindREST
	}
	if in.Kind != model.InstanceKindREST && in.Kind != model.InstanceKindGitHub {
		return model.Instance{}, model.Invalid("kind", "must be %q or %q", model.InstanceKindREST, model.InstanceKindGitHub)
	}
	if in.BaseURL == "" && in.Kind == model.InstanceKindGitHub {
		in.BaseURL = defaultGitHubURL
	}
	u, err := url.Parse(in.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return model.Instance{}, model.Invalid("base url", "%q is not an http(s) URL", in.BaseURL)
	}
	if in.Token.Empty() {
		return model.Instance{}, model.Invalid("token", "must not be empty")
	}

	id := uuid.NewString()
	inst := model.Instance{
		ID:               id,
		Name:             in.Name,
		Kind:             in.Kind,
		BaseURL:          strings.TrimRight(in.BaseURL, "/"),
		CredentialRef:    id,
		ConnectionStatus: model.ConnectionDisconnected,
	}
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if err := tx.CreateInstance(ctx, inst); err != nil {
			return err
		}
		_, err := tx.GetActiveInstance(ctx)
		if errors.Is(err, model.ErrNotFound) {
			inst.Active = true
			return tx.SetActiveInstance(ctx, id)
		}
		return err
	})
	if err != nil {
		if errors.Is(err, model.ErrDuplicate) {
			return model.Instance{}, model.Invalid("name", "instance %q already exists", in.Name)
		}
		return model.Instance{}, fmt.Errorf("adding instance %s: %w", in.Name, err)
	}

	if err := m.secrets.Store(ctx, inst.CredentialRef, in.Token); err != nil {
		if derr := m.store.DeleteInstance(ctx, id); derr != nil {
			m.log.Error("failed to roll back instance", "instance", in.Name, "err", derr)
		}
		return model.Instance{}, fmt.Errorf("storing credential for %s: %w", in.Name, err)
	}
	m.log.Info("added instance", "instance", inst.Name, "kind", inst.Kind, "url", inst.BaseURL)
	return inst, nil
}

func (m *Manager) List(ctx context.Context) ([]model.Instance, error) {
	return m.store.ListInstances(ctx)
}

// Get looks an instance up by name, then by id.
func (m *Manager) Get(ctx context.Context, ref string) (model.Instance, error) {
	inst, err := m.store.GetInstanceByName(ctx, ref)
	if errors.Is(err, model.ErrNotFound) {
		inst, err = m.store.GetInstance(ctx, ref)
	}
	if err != nil {
		return model.Instance{}, fmt.Errorf("instance %s: %w", ref, err)
	}
	return inst, nil
}

// Active returns the active instance or model.ErrNoActiveInstance.
func (m *Manager) Active(ctx context.Context) (model.Instance, error) {
	inst, err := m.store.GetActiveInstance(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return model.Instance{}, model.ErrNoActiveInstance
	}
	return inst, err
}

// Resolve returns the instance named by ref, or the active one when ref is empty.
func (m *Manager) Resolve(ctx context.Context, ref string) (model.Instance, error) {
	if ref == "" {
		return m.Active(ctx)
	}
	return m.Get(ctx, ref)
}

func (m *Manager) Use(ctx context.Context, ref string) (model.Instance, error) {
	inst, err := m.Get(ctx, ref)
	if err != nil {
		return model.Instance{}, err
	}
	if err := m.store.SetActiveInstance(ctx, inst.ID); err != nil {
		return model.Instance{}, err
	}
	inst.Active = true
	return inst, nil
}

// Check asks the server for its version and records the outcome as the
// instance's connection status. The remote error, if any, is returned
// alongside the updated instance.
func (m *Manager) Check(ctx context.Context, ref string) (model.Instance, error) {
	inst, err := m.Get(ctx, ref)
	if err != nil {
		return model.Instance{}, err
	}

	var version string
	client, err := m.remotes.Client(ctx, inst)
	if err == nil {
		version, err = client.ServerVersion(ctx)
	}
	status := connectionStatus(err)
	if err == nil && m.minVersion != "" && compareVersions(version, m.minVersion) < 0 {
		status = model.ConnectionIncompatible
		err = fmt.Errorf("server version %s is older than the required %s", version, m.minVersion)
	}

	if uerr := m.store.UpdateInstanceConnection(ctx, inst.ID, status, version); uerr != nil {
		return model.Instance{}, uerr
	}
	inst.ConnectionStatus = status
	if version != "" {
		inst.ServerVersion = version
	}
	m.log.Info("checked instance", "instance", inst.Name, "status", status, "version", version)
	return inst, err
}

func connectionStatus(err error) model.ConnectionStatus {
	if err == nil {
		return model.ConnectionConnected
	}
	if errors.Is(err, model.ErrNotFound) {
		// no stored credential
		return model.ConnectionAuthFailed
	}
	switch model.CategoryOf(err) {
	case model.CategoryAuthentication, model.CategoryPermission:
		return model.ConnectionAuthFailed
	case model.CategoryNetwork, model.CategoryRateLimit:
		return model.ConnectionNetworkError
	}
	return model.ConnectionDisconnected
}

// SetToken replaces the credential of an instance.
func (m *Manager) SetToken(ctx context.Context, ref string, token vault.Secret) error {
	inst, err := m.Get(ctx, ref)
	if err != nil {
		return err
	}
	if err := m.secrets.Store(ctx, inst.CredentialRef, token); err != nil {
		return fmt.Errorf("storing credential for %s: %w", inst.Name, err)
	}
	m.forget(inst.ID)
	return nil
}

// Remove deletes an instance and everything cached for it. If the
// credential cannot be removed from the vault a cleanup_credentials
// operation is queued in the same transaction as the removal.
func (m *Manager) Remove(ctx context.Context, ref string) error {
	inst, err := m.Get(ctx, ref)
	if err != nil {
		return err
	}
	verr := m.secrets.Delete(ctx, inst.CredentialRef)
	if verr != nil {
		m.log.Warn("credential removal failed, queueing cleanup", "instance", inst.Name, "err", verr)
	}
	err = m.store.WithTx(ctx, func(tx *store.Store) error {
		if verr != nil {
			op, err := queue.NewOperation(inst.ID, "", model.OpCleanupCredentials, inst.CredentialRef, nil)
			if err != nil {
				return err
			}
			if _, err := m.queue.EnqueueIn(ctx, tx, op); err != nil {
				return fmt.Errorf("queueing credential cleanup: %w", err)
			}
		}
		return tx.DeleteInstance(ctx, inst.ID)
	})
	if err != nil {
		return fmt.Errorf("removing instance %s: %w", inst.Name, err)
	}
	m.forget(inst.ID)
	m.log.Info("removed instance", "instance", inst.Name)
	return nil
}

// CleanupCredentials retries the vault half of an earlier Remove.
func (m *Manager) CleanupCredentials(ctx context.Context, credentialRef string) error {
	return m.secrets.Delete(ctx, credentialRef)
}

func (m *Manager) forget(instanceID string) {
	if f, ok := m.remotes.(interface{ Forget(string) }); ok {
		f.Forget(instanceID)
	}
}

// compareVersions compares dotted numeric versions such as "3.9.1". A
// leading non-numeric version (e.g. "github") compares equal to anything.
func compareVersions(a, b string) int {
	pa, okA := versionParts(a)
	pb, okB := versionParts(b)
	if !okA || !okB {
		return 0
	}
	for i := 0; i < len(pa) || i < len(pb); i++ {
		var x, y int
		if i < len(pa) {
			x = pa[i]
		}
		if i < len(pb) {
			y = pb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

func versionParts(v string) ([]int, bool) {
	v = strings.TrimPrefix(strings.TrimSpace(v), "v")
	if i := strings.IndexAny(v, "-+ "); i >= 0 {
		v = v[:i]
	}
	var out []int
	for _, f := range strings.Split(v, ".") {
		n, err := strconv.Atoi(f)
		if err != nil {
			break
		}
		out = append(out, n)
	}
	return out, len(out) > 0
}
