package remote

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/vault"
)

// Credentials looks up the secret of an instance.
type Credentials interface {
	Retrieve(ctx context.Context, instanceID string) (vault.Secret, error)
}

// Resolver builds backend clients for instances, reading their credentials
// from the vault. Clients are cached per instance until Forget is called.
type Resolver struct {
	creds            Credentials
	logger           *slog.Logger
	timeout          time.Duration
	rateLimitRetries int
	rateLimitMaxWait time.Duration

	mu      sync.Mutex
	clients map[string]Client
}

type ResolverOption func(*Resolver)

func WithResolverLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = l }
}

// WithRequestTimeout sets the timeout of every request made by resolved clients.
func WithRequestTimeout(d time.Duration) ResolverOption {
	return func(r *Resolver) { r.timeout = d }
}

func WithRateLimitPolicy(retries int, maxWait time.Duration) ResolverOption {
	return func(r *Resolver) {
		r.rateLimitRetries = retries
		r.rateLimitMaxWait = maxWait
	}
}

func NewResolver(creds Credentials, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		creds:            creds,
		logger:           logging.Discard(),
		rateLimitRetries: 2,
		rateLimitMaxWait: 30 * time.Second,
		clients:          make(map[string]Client),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Resolver) Client(ctx context.Context, inst model.Instance) (Client, error) {
	r.mu.Lock()
	c, ok := r.clients[inst.ID]
	r.mu.Unlock()
	if ok {
		return c, nil
	}

	secret, err := r.creds.Retrieve(ctx, inst.CredentialRef)
	if err != nil {
		return nil, fmt.Errorf("resolving credentials for %s: %w", inst.Name, err)
	}
	opts := []Option{
		WithLogger(r.logger.With("instance", inst.Name)),
		WithTimeout(r.timeout),
		WithRateLimit(r.rateLimitRetries, r.rateLimitMaxWait),
	}
	switch inst.Kind {
	case model.InstanceKindREST:
		c, err = NewHTTP(inst.BaseURL, secret.Reveal(), opts...)
	case model.InstanceKindGitHub:
		c, err = NewGitHub(inst.BaseURL, secret.Reveal(), opts...)
	default:
		return nil, model.Invalid("instance kind", "unknown kind %q", inst.Kind)
	}
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.clients[inst.ID] = c
	r.mu.Unlock()
	return c, nil
}

// Forget drops the cached client of an instance, e.g. after its credential
// changed.
func (r *Resolver) Forget(instanceID string) {
	r.mu.Lock()
	delete(r.clients, instanceID)
	r.mu.Unlock()
}
