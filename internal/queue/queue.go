// Package queue applies ordering and retry policy to the durable operation
// queue kept in the Local Store.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/dnr/craftsync/internal/logging"
	"github.com/dnr/craftsync/internal/model"
	"github.com/dnr/craftsync/internal/store"
)

// Policy is the retry policy applied to failed operations.
type Policy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
	// Jitter randomizes each delay by up to this fraction in either direction.
	Jitter float64
}

func DefaultPolicy() Policy {
	return Policy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   10 * time.Minute,
		MaxRetries: 5,
		Jitter:     0.2,
	}
}

type Queue struct {
	store  *store.Store
	policy Policy
	log    *slog.Logger

	// mu serializes claims made by this process.
	mu sync.Mutex

	now   func() time.Time
	float func() float64
}

type Option func(*Queue)

func WithPolicy(p Policy) Option {
	return func(q *Queue) { q.policy = p }
}

func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.log = l }
}

func New(st *store.Store, opts ...Option) *Queue {
	q := &Queue{
		store:  st,
		policy: DefaultPolicy(),
		log:    logging.Discard(),
		now:    func() time.Time { return time.Now().UTC() },
		float:  rand.Float64,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) Policy() Policy { return q.policy }

// NewOperation builds an operation with payload encoded as JSON.
func NewOperation(instanceID, changeID string, typ model.OperationType, targetID string, payload any) (model.Operation, error) {
	if !typ.Valid() {
		return model.Operation{}, model.Invalid("operation type", "unknown type %q", typ)
	}
	if targetID == "" {
		return model.Operation{}, model.Invalid("operation target", "must not be empty")
	}
	op := model.Operation{
		InstanceID: instanceID,
		ChangeID:   changeID,
		Type:       typ,
		TargetID:   targetID,
		Priority:   typ.Priority(),
	}
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return model.Operation{}, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		op.Payload = b
	}
	return op, nil
}

// Enqueue adds op to the queue. An active operation with the same type and
// target absorbs op instead of being duplicated.
func (q *Queue) Enqueue(ctx context.Context, op model.Operation) (model.Operation, error) {
	return q.EnqueueIn(ctx, q.store, op)
}

// EnqueueIn is Enqueue bound to st, typically a transaction handle.
func (q *Queue) EnqueueIn(ctx context.Context, st *store.Store, op model.Operation) (model.Operation, error) {
	if op.MaxRetries == 0 {
		op.MaxRetries = q.policy.MaxRetries
	}
	out, created, err := st.EnqueueOperation(ctx, op)
	if err != nil {
		return model.Operation{}, fmt.Errorf("enqueue %s %s: %w", op.Type, op.TargetID, err)
	}
	if created {
		q.log.Debug("enqueued operation", "op", out.ID, "type", out.Type, "target", out.TargetID)
	} else {
		q.log.Debug("merged into active operation", "op", out.ID, "type", out.Type, "target", out.TargetID)
	}
	return out, nil
}

// DequeueNext claims the highest priority due operation matching f. It
// reports false when nothing is due.
func (q *Queue) DequeueNext(ctx context.Context, f store.ClaimFilter) (model.Operation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.store.ClaimNextOperation(ctx, f, q.now())
	if errors.Is(err, model.ErrNotFound) {
		return model.Operation{}, false, nil
	}
	if err != nil {
		return model.Operation{}, false, fmt.Errorf("dequeue: %w", err)
	}
	return op, true, nil
}

// Complete finishes op. The returned status is pending when op was
// re-enqueued while it ran.
func (q *Queue) Complete(ctx context.Context, op model.Operation) (model.OperationStatus, error) {
	status, err := q.store.CompleteOperation(ctx, op.ID)
	if err != nil {
		return "", fmt.Errorf("complete %s: %w", op.ID, err)
	}
	return status, nil
}

// Fail records a failed attempt of op. Transient failures are retried with
// backoff until the retry budget is spent; anything else fails op for good.
// It returns the resulting status.
func (q *Queue) Fail(ctx context.Context, op model.Operation, cause error, transient bool) (model.OperationStatus, error) {
	attempts := op.RetryCount + 1
	limit := op.MaxRetries
	if limit <= 0 {
		limit = q.policy.MaxRetries
	}
	msg := cause.Error()

	if transient && attempts < limit {
		delay := q.Backoff(attempts)
		var re *model.RemoteError
		if errors.As(cause, &re) && re.RetryAfter > delay {
			delay = re.RetryAfter
		}
		next := q.now().Add(delay)
		if err := q.store.ReleaseOperation(ctx, op.ID, attempts, next, msg); err != nil {
			return "", fmt.Errorf("reschedule %s: %w", op.ID, err)
		}
		q.log.Info("operation will retry", "op", op.ID, "type", op.Type, "attempt", attempts, "delay", delay, "err", cause)
		return model.OpStatusPending, nil
	}

	status, err := q.store.FailOperation(ctx, op.ID, attempts, msg)
	if err != nil {
		return "", fmt.Errorf("fail %s: %w", op.ID, err)
	}
	q.log.Warn("operation failed", "op", op.ID, "type", op.Type, "attempts", attempts, "err", cause)
	return status, nil
}

// Defer puts op back without spending a retry. It becomes due at until.
func (q *Queue) Defer(ctx context.Context, op model.Operation, until time.Time, reason string) error {
	if until.IsZero() {
		until = q.now()
	}
	if err := q.store.ReleaseOperation(ctx, op.ID, op.RetryCount, until, reason); err != nil {
		return fmt.Errorf("defer %s: %w", op.ID, err)
	}
	return nil
}

// Cancel cancels a pending operation.
func (q *Queue) Cancel(ctx context.Context, id, reason string) error {
	ok, err := q.store.CancelOperation(ctx, id, reason)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	if ok {
		return nil
	}
	op, err := q.store.GetOperation(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel %s: %w", id, err)
	}
	return model.Invalid("operation", "%s is %s, only pending operations can be cancelled", id, op.Status)
}

// Retry returns a failed or cancelled operation to the queue with a fresh
// retry budget.
func (q *Queue) Retry(ctx context.Context, id string) error {
	if err := q.store.ResetOperation(ctx, id); err != nil {
		if errors.Is(err, model.ErrNotFound) {
			if op, gerr := q.store.GetOperation(ctx, id); gerr == nil {
				return model.Invalid("operation", "%s is %s, only failed or cancelled operations can be retried", id, op.Status)
			}
		}
		return fmt.Errorf("retry %s: %w", id, err)
	}
	return nil
}

// RecoverStale returns operations an interrupted run left in_progress to
// pending. Call it before the first sync of a process.
func (q *Queue) RecoverStale(ctx context.Context, instanceID string) (int, error) {
	n, err := q.store.RecoverStaleOperations(ctx, instanceID)
	if err != nil {
		return 0, fmt.Errorf("recover stale operations: %w", err)
	}
	if n > 0 {
		q.log.Info("recovered interrupted operations", "instance", instanceID, "count", n)
	}
	return n, nil
}

func (q *Queue) List(ctx context.Context, f store.OperationFilter) ([]model.Operation, error) {
	return q.store.ListOperations(ctx, f)
}

// Purge drops completed and cancelled operations older than age.
func (q *Queue) Purge(ctx context.Context, instanceID string, age time.Duration) (int, error) {
	return q.store.PurgeOperations(ctx, instanceID, q.now().Add(-age))
}

// Backoff is the delay before attempt n+1, given n failed attempts.
func (q *Queue) Backoff(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := q.policy.BaseDelay
	for i := 1; i < n && d < q.policy.MaxDelay; i++ {
		d *= 2
	}
	if d > q.policy.MaxDelay {
		d = q.policy.MaxDelay
	}
	if j := q.policy.Jitter; j > 0 {
		d = time.Duration(float64(d) * (1 + j*(2*q.float()-1)))
	}
	return d
}
