// Package syncer reconciles the local cache with review servers. A sync pass
// pulls remote state for each change, settles comments that diverged on both
// sides and then drains the operation queue through the Remote Client.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dnr/craftsync/internal/importer"
	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/queue"
	"github.com/dnr/craftsync/internal/remote"
	"github.com/dnr/craftsync/internal/store"
)

// Type selects the phases of a sync pass.
type Type string

const (
	TypePull Type = "pull"
	TypePush Type = "push"
	TypeFull Type = "full"
)

func ParseType(s string) (Type, error) {
	switch t := Type(s); t {
	case TypePull, TypePush, TypeFull:
		return t, nil
	case "":
		return TypeFull, nil
	}
	return "", fmt.Errorf("unknown sync type %q", s)
}

type Options struct {
	// ChangeIDs limits the pass to these changes, given as local or remote
	// ids. Empty means every cached change of the instance.
	ChangeIDs []string
	Type      Type
	// Resolution overrides the engine's default strategy.
	Resolution Strategy
}

// Failure is one failed attempt recorded during a pass.
type Failure struct {
	OperationID string              `json:"operationId,omitempty"`
	Type        model.OperationType `json:"type"`
	ChangeID    string              `json:"changeId,omitempty"`
	TargetID    string              `json:"targetId"`
	Err         string              `json:"error"`
	// Permanent is false when the operation will be retried.
	Permanent bool `json:"permanent"`
}

// Summary reports what a sync pass did.
type Summary struct {
	InstanceID          string        `json:"instanceId"`
	Type                Type          `json:"type"`
	ChangesProcessed    int           `json:"changesProcessed"`
	CommentsPulled      int           `json:"commentsPulled"`
	CommentsSynced      int           `json:"commentsSynced"`
	ConflictsDetected   int           `json:"conflictsDetected"`
	ConflictsResolved   int           `json:"conflictsResolved"`
	ReviewsSubmitted    int           `json:"reviewsSubmitted"`
	OperationsCompleted int           `json:"operationsCompleted"`
	OperationsFailed    int           `json:"operationsFailed"`
	OperationsRetrying  int           `json:"operationsRetrying"`
	OperationsDeferred  int           `json:"operationsDeferred"`
	Failures            []Failure     `json:"failures,omitempty"`
	Cancelled           bool          `json:"cancelled"`
	Duration            time.Duration `json:"duration"`

	mu sync.Mutex
}

func (s *Summary) add(fn func(*Summary)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s)
}

// CredentialCleaner finishes credential removal left over from a deleted
// instance.
type CredentialCleaner interface {
	CleanupCredentials(ctx context.Context, credentialRef string) error
}

type Engine struct {
	store    *store.Store
	remotes  remote.Source
	queue    *queue.Queue
	importer *importer.Importer
	cleaner  CredentialCleaner
	workers  int
	timeout  time.Duration
	strategy Strategy
	log      *slog.Logger
	// holder names this engine in the instance's sync lease.
	holder   string
	leaseTTL time.Duration

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

type Option func(*Engine)

// WithWorkers bounds how many changes a pass works on at once.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithRequestTimeout bounds every remote call. Zero disables the bound.
func WithRequestTimeout(d time.Duration) Option {
	return func(e *Engine) { e.timeout = d }
}

func WithStrategy(s Strategy) Option {
	return func(e *Engine) { e.strategy = s }
}

func WithCredentialCleaner(c CredentialCleaner) Option {
	return func(e *Engine) { e.cleaner = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.log = l }
}

// WithLeaseTTL sets how long a sync lease outlives its last renewal. A pass
// renews its lease every third of the TTL.
func WithLeaseTTL(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.leaseTTL = d
		}
	}
}

func New(st *store.Store, remotes remote.Source, q *queue.Queue, im *importer.Importer, opts ...Option) *Engine {
	e := &Engine{
		store:    st,
		remotes:  remotes,
		queue:    q,
		importer: im,
		workers:  4,
		timeout:  30 * time.Second,
		strategy: StrategyAuto,
		log:      logging.Discard(),
		holder:   uuid.NewString(),
		leaseTTL: 2 * time.Minute,
		running:  make(map[string]context.CancelFunc),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Sync runs one pass for an instance. Only one pass per instance may run at
// a time, across every engine sharing the database; a second call fails
// with model.ErrSyncAlreadyInProgress.
// Operation failures do not fail the pass: they are retried according to
// the queue policy and reported in the summary. The returned error is
// reserved for local failures and for an unreachable instance.
func (e *Engine) Sync(ctx context.Context, instanceID string, o Options) (*Summary, error) {
	typ, err := ParseType(string(o.Type))
	if err != nil {
		return nil, model.Invalid("sync type", "%v", err)
	}
	strategy := o.Resolution
	if strategy == "" {
		strategy = e.strategy
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, model.Invalid("resolution", "%v", err)
	}

	stop, release, err := e.begin(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	defer release()

	start := time.Now()
	inst, err := e.store.GetInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	log := e.log.With("instance", inst.Name)
	// holding the lease means no other pass is running, so anything still
	// in_progress was left by one that died
	if n, err := e.queue.RecoverStale(ctx, instanceID); err != nil {
		return nil, err
	} else if n > 0 {
		log.Warn("recovered operations of an interrupted sync", "count", n)
	}
	changes, err := e.targets(ctx, instanceID, o.ChangeIDs)
	if err != nil {
		return nil, err
	}
	client, err := e.remotes.Client(ctx, inst)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", inst.Name, err)
	}

	p := &pass{
		Engine:   e,
		ctx:      context.WithoutCancel(ctx),
		stop:     stop,
		client:   client,
		inst:     inst,
		strategy: strategy,
		typ:      typ,
		sum:      &Summary{InstanceID: instanceID, Type: typ},
		log:      log,
	}

	var g errgroup.Group
	g.SetLimit(e.workers)
	for _, c := range changes {
		g.Go(func() error {
			if err := p.syncChange(c); err != nil {
				return fmt.Errorf("syncing change %s: %w", c.RemoteID, err)
			}
			return nil
		})
	}
	err = g.Wait()
	if err == nil && typ != TypePull && len(o.ChangeIDs) == 0 {
		err = p.drain(store.ClaimFilter{Unscoped: true, Types: []model.OperationType{model.OpCleanupCredentials}}, false)
	}
	p.recordConnection()
	p.sum.Cancelled = stop.Err() != nil
	p.sum.Duration = time.Since(start)
	if err != nil {
		return p.sum, err
	}
	log.Info("sync finished",
		"type", typ,
		"changes", p.sum.ChangesProcessed,
		"pulled", p.sum.CommentsPulled,
		"synced", p.sum.CommentsSynced,
		"conflicts", p.sum.ConflictsDetected,
		"completed", p.sum.OperationsCompleted,
		"failed", p.sum.OperationsFailed,
		"cancelled", p.sum.Cancelled)
	return p.sum, nil
}

// Cancel asks the running pass of an instance to stop after its in-flight
// operations complete. It reports whether a pass was running.
func (e *Engine) Cancel(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	cancel, ok := e.running[instanceID]
	if ok {
		cancel()
	}
	return ok
}

// Running reports whether a pass is in progress for the instance.
func (e *Engine) Running(instanceID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[instanceID]
	return ok
}

func (e *Engine) begin(ctx context.Context, instanceID string) (context.Context, func(), error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.running[instanceID]; ok {
		return nil, nil, fmt.Errorf("instance %s: %w", instanceID, model.ErrSyncAlreadyInProgress)
	}
	if err := e.store.AcquireSyncLease(ctx, instanceID, e.holder, e.leaseTTL); err != nil {
		return nil, nil, err
	}
	stop, cancel := context.WithCancel(ctx)
	e.running[instanceID] = cancel

	bg := context.WithoutCancel(ctx)
	quit := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.renewLease(bg, instanceID, quit)
	}()
	return stop, func() {
		close(quit)
		wg.Wait()
		if err := e.store.ReleaseSyncLease(bg, instanceID, e.holder); err != nil {
			e.log.Error("failed to release sync lease", "instance", instanceID, "err", err)
		}
		e.mu.Lock()
		delete(e.running, instanceID)
		e.mu.Unlock()
		cancel()
	}, nil
}

func (e *Engine) renewLease(ctx context.Context, instanceID string, quit <-chan struct{}) {
	t := time.NewTicker(e.leaseTTL / 3)
	defer t.Stop()
	for {
		select {
		case <-quit:
			return
		case <-t.C:
			ok, err := e.store.RenewSyncLease(ctx, instanceID, e.holder, e.leaseTTL)
			switch {
			case err != nil:
				e.log.Warn("failed to renew sync lease", "instance", instanceID, "err", err)
			case !ok:
				e.log.Error("sync lease lost to another engine", "instance", instanceID)
				return
			}
		}
	}
}

func (e *Engine) targets(ctx context.Context, instanceID string, ids []string) ([]model.Change, error) {
	if len(ids) == 0 {
		return e.store.ListChanges(ctx, instanceID)
	}
	out := make([]model.Change, 0, len(ids))
	for _, id := range ids {
		c, err := e.store.GetChange(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			c, err = e.store.GetChangeByRemoteID(ctx, instanceID, id)
		}
		if errors.Is(err, model.ErrNotFound) {
			return nil, model.Invalid("change", "%s is not cached; import it first", id)
		}
		if err != nil {
			return nil, err
		}
		if c.InstanceID != instanceID {
			return nil, model.Invalid("change", "%s belongs to another instance", id)
		}
		out = append(out, *c)
	}
	return out, nil
}

// pass is the state of one Sync call.
type pass struct {
	*Engine
	// ctx carries store work and remote calls; it is never cancelled so
	// that in-flight work can finish and be recorded.
	ctx      context.Context
	stop     context.Context
	client   remote.Client
	inst     model.Instance
	strategy Strategy
	typ      Type
	sum      *Summary
	log      *slog.Logger

	authFailed  atomic.Bool
	reached     atomic.Bool
	unreachable atomic.Bool
}

func (p *pass) stopped() bool {
	return p.stop.Err() != nil || p.authFailed.Load()
}

// do runs one remote call under the request timeout.
func (p *pass) do(fn func(ctx context.Context) error) error {
	ctx, cancel := p.ctx, context.CancelFunc(func() {})
	if p.timeout > 0 {
		ctx, cancel = context.WithTimeout(p.ctx, p.timeout)
	}
	defer cancel()
	err := fn(ctx)
	switch model.CategoryOf(err) {
	case "":
		if err == nil {
			p.reached.Store(true)
		} else if errors.Is(err, context.DeadlineExceeded) {
			p.unreachable.Store(true)
		}
	case model.CategoryAuthentication:
		p.authFailed.Store(true)
	case model.CategoryNetwork:
		p.unreachable.Store(true)
	default:
		p.reached.Store(true)
	}
	return err
}

func (p *pass) recordConnection() {
	status := model.ConnectionConnected
	switch {
	case p.authFailed.Load():
		status = model.ConnectionAuthFailed
	case p.reached.Load():
	case p.unreachable.Load():
		status = model.ConnectionNetworkError
	default:
		return
	}
	if status == p.inst.ConnectionStatus {
		return
	}
	if err := p.store.UpdateInstanceConnection(p.ctx, p.inst.ID, status, p.inst.ServerVersion); err != nil {
		p.log.Warn("could not record connection status", "err", err)
	}
}

func (p *pass) syncChange(c model.Change) error {
	if p.stopped() {
		return nil
	}
	log := p.log.With("change", c.RemoteID)
	pulled := false
	if p.typ != TypePush {
		err := p.pull(&c, model.PullPayload{IncludeFiles: true, IncludeComments: true})
		if err != nil {
			log.Warn("pull failed", "err", err)
			p.sum.add(func(s *Summary) {
				s.Failures = append(s.Failures, Failure{
					Type:      model.OpPullChange,
					ChangeID:  c.ID,
					TargetID:  c.ID,
					Err:       err.Error(),
					Permanent: !transient(err),
				})
			})
		} else {
			pulled = true
		}
	}
	if p.typ != TypePull {
		if err := p.drain(store.ClaimFilter{InstanceID: p.inst.ID, ChangeIDs: []string{c.ID}}, pulled); err != nil {
			return err
		}
	}
	if _, err := p.store.RefreshConflictStatus(p.ctx, c.ID); err != nil {
		return err
	}
	p.sum.add(func(s *Summary) { s.ChangesProcessed++ })
	return nil
}

func transient(err error) bool {
	return model.IsRetryable(err) || errors.Is(err, context.DeadlineExceeded)
}
