package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dnr/craftsync/internal/importer"
	"github.com/dnr/craftsync/internal/instances"
	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/remote"
	"github.com/dnr/craftsync/internal/review"
	"github.com/dnr/craftsync/internal/store"
	"github.com/dnr/craftsync/internal/syncer"
	"github.com/dnr/craftsync/internal/vault"
)

// app holds the wired core for one command invocation.
type app struct {
	store     *store.Store
	vault     *vault.Vault
	remotes   *remote.Resolver
	queue     *queue.Queue
	instances *instances.Manager
	importer  *importer.Importer
	review    *review.Manager
	syncer    *syncer.Engine
}

func openApp(ctx context.Context) (*app, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	st, err := store.OpenAndMigrate(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	strategy, err := syncer.ParseStrategy(cfg.Sync.Resolution)
	if err != nil {
		st.Close()
		return nil, err
	}

	a := &app{store: st}
	a.vault = vault.New(st, vault.WithLogger(logging.New("vault")))
	a.remotes = remote.NewResolver(a.vault,
		remote.WithRequestTimeout(cfg.Sync.RequestTimeout),
		remote.WithRateLimitPolicy(cfg.RateLimit.MaxRetries, cfg.RateLimit.MaxWait),
		remote.WithResolverLogger(logging.New("remote")))
	a.queue = queue.New(st,
		queue.WithPolicy(queue.Policy{
			BaseDelay:  cfg.Retry.BaseDelay,
			MaxDelay:   cfg.Retry.MaxDelay,
			MaxRetries: cfg.Retry.MaxRetries,
			Jitter:     cfg.Retry.Jitter,
		}),
		queue.WithLogger(logging.New("queue")))
	a.instances = instances.New(st, a.vault, a.remotes, a.queue,
		instances.WithMinVersion(cfg.MinServerVersion),
		instances.WithLogger(logging.New("instances")))
	a.importer = importer.New(st, a.remotes, a.queue, importer.WithLogger(logging.New("importer")))
	a.review = review.New(st, a.queue, review.WithAuthor(os.Getenv("USER")), review.WithLogger(logging.New("review")))
	a.syncer = syncer.New(st, a.remotes, a.queue, a.importer,
		syncer.WithWorkers(cfg.Sync.Workers),
		syncer.WithRequestTimeout(cfg.Sync.RequestTimeout),
		syncer.WithStrategy(strategy),
		syncer.WithCredentialCleaner(a.instances),
		syncer.WithLogger(logging.New("syncer")))
	return a, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

// instance resolves the --instance flag, falling back to the active instance.
func (a *app) instance(ctx context.Context) (model.Instance, error) {
	inst, err := a.instances.Resolve(ctx, flagInstance)
	if errors.Is(err, model.ErrNoActiveInstance) {
		return model.Instance{}, fmt.Errorf("%w; add one with 'craft instance add' or pass --instance", err)
	}
	return inst, err
}

// change looks a cached change up by local id or by its id on the server.
func (a *app) change(ctx context.Context, inst model.Instance, ref string) (*model.Change, error) {
	c, err := a.store.GetChange(ctx, ref)
	if errors.Is(err, model.ErrNotFound) {
		c, err = a.store.GetChangeByRemoteID(ctx, inst.ID, ref)
	}
	if errors.Is(err, model.ErrNotFound) {
		return nil, fmt.Errorf("change %s is not imported; run 'craft import %s' first", ref, ref)
	}
	if err != nil {
		return nil, err
	}
	if c.InstanceID != inst.ID {
		return nil, fmt.Errorf("change %s belongs to another instance", ref)
	}
	return c, nil
}
