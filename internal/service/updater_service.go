package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/devrev/settingsd/internal/dispatch"
	apperrors "github.com/devrev/settingsd/internal/errors"
	"github.com/devrev/settingsd/internal/inflight"
	"github.com/devrev/settingsd/internal/metrics"
	"github.com/devrev/settingsd/internal/model"
	"github.com/devrev/settingsd/internal/store"
	"github.com/devrev/settingsd/internal/util/workerpool"
	"go.uber.org/zap"
)

// Reconciler applies a flag change downstream. A non-nil error rolls the flag
// back to its previous value.
type Reconciler func(ctx context.Context) error

// Observer receives the settled value of a change. It runs on the main queue.
type Observer func(model.Result)

// PendingPolicy decides what happens to a change request for a key whose
// previous change is still reconciling
type PendingPolicy string

const (
	// PendingPolicyQueue runs requests for the same key one after another
	PendingPolicyQueue PendingPolicy = "queue"
	// PendingPolicyReject fails the request with ErrCodeTransactionPending
	PendingPolicyReject PendingPolicy = "reject"
)

// UpdaterConfig holds configuration for the optimistic flag updater
type UpdaterConfig struct {
	PendingPolicy   PendingPolicy
	Workers         int
	QueueSize       int
	ShutdownTimeout time.Duration
}

// ChangeOption customizes a single RequestChange call
type ChangeOption func(*changeRequest)

// WithNoopHook registers fn to run when the request turns out to be a no-op.
// The observer is still not called in that case.
func WithNoopHook(fn func()) ChangeOption {
	return func(r *changeRequest) {
		r.onNoop = fn
	}
}

// changeRequest is one call to RequestChange, possibly waiting in a key queue
type changeRequest struct {
	ctx       context.Context
	key       string
	newValue  bool
	reconcile Reconciler
	observer  Observer
	onNoop    func()
}

// OptimisticFlagUpdater writes a flag change immediately, reconciles it in the
// background and restores the previous value when reconciliation fails.
//
// At most one transaction per key is in flight. The settling store write and
// the observer call always run on the main queue, in that order.
type OptimisticFlagUpdater struct {
	store           store.FlagStore
	mainQueue       *dispatch.Queue
	pool            *workerpool.WorkerPool
	inflight        *inflight.Tracker
	metrics         *metrics.Metrics
	logger          *zap.Logger
	policy          PendingPolicy
	shutdownTimeout time.Duration

	mu      sync.Mutex
	pending map[string][]*changeRequest // a key is busy while present
	stopped bool
}

// NewOptimisticFlagUpdater creates a new updater and starts its reconcile pool
func NewOptimisticFlagUpdater(
	cfg *UpdaterConfig,
	flagStore store.FlagStore,
	mainQueue *dispatch.Queue,
	tracker *inflight.Tracker,
	m *metrics.Metrics,
	logger *zap.Logger,
) *OptimisticFlagUpdater {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracker == nil {
		tracker = inflight.NewTracker(logger)
	}
	policy := cfg.PendingPolicy
	if policy == "" {
		policy = PendingPolicyQueue
	}
	shutdownTimeout := cfg.ShutdownTimeout
	if shutdownTimeout <= 0 {
		shutdownTimeout = 30 * time.Second
	}

	return &OptimisticFlagUpdater{
		store:     flagStore,
		mainQueue: mainQueue,
		pool: workerpool.NewWorkerPool(&workerpool.Config{
			Name:       "reconcile",
			MaxWorkers: cfg.Workers,
			QueueSize:  cfg.QueueSize,
			Logger:     logger,
		}),
		inflight:        tracker,
		metrics:         m,
		logger:          logger,
		policy:          policy,
		shutdownTimeout: shutdownTimeout,
		pending:         make(map[string][]*changeRequest),
	}
}

// RequestChange sets key to newValue optimistically and reconciles it in the
// background.
//
// When the store already holds newValue nothing happens: no write, no
// reconcile call and no observer call. Otherwise observer is called exactly
// once with the settled value. Store failures on this call path are returned
// and leave the store untouched. RequestChange never waits for reconcile.
func (u *OptimisticFlagUpdater) RequestChange(ctx context.Context, key string, newValue bool, reconcile Reconciler, observer Observer, opts ...ChangeOption) error {
	if key == "" {
		return apperrors.InvalidKey(key, "key must not be empty")
	}
	if reconcile == nil {
		return apperrors.InvalidArgument("reconcile must not be nil", nil)
	}

	req := &changeRequest{
		ctx:       context.WithoutCancel(ctx),
		key:       key,
		newValue:  newValue,
		reconcile: reconcile,
		observer:  observer,
	}
	for _, opt := range opts {
		opt(req)
	}

	u.mu.Lock()
	if u.stopped {
		u.mu.Unlock()
		return apperrors.Stopped("flag updater")
	}
	if queue, busy := u.pending[key]; busy {
		if u.policy == PendingPolicyReject {
			u.mu.Unlock()
			u.metrics.RecordRejected()
			return apperrors.TransactionPending(key)
		}
		u.pending[key] = append(queue, req)
		depth := len(u.pending[key])
		u.mu.Unlock()

		u.metrics.AddQueued(1)
		u.logger.Debug("Flag change queued behind pending transaction",
			zap.String("key", key),
			zap.Bool("new_value", newValue),
			zap.Int("queue_depth", depth))
		return nil
	}
	u.pending[key] = nil
	u.mu.Unlock()

	started, _, err := u.begin(req)
	if !started {
		u.advance(key)
	}
	return err
}

// begin runs the synchronous part of a transaction: read, compare, optimistic
// write and hand-off to the reconcile pool. started is true when reconcile was
// dispatched; the key then stays busy until the transaction settles. When the
// request does not start, stored points at the value left in the store, or is
// nil if that value is unknown.
func (u *OptimisticFlagUpdater) begin(req *changeRequest) (started bool, stored *bool, err error) {
	oldValue, err := u.store.GetBool(req.ctx, req.key)
	u.metrics.RecordStoreOperation("get", err)
	if err != nil {
		return false, nil, apperrors.StoreUnavailable("get", req.key, err)
	}

	if oldValue == req.newValue {
		u.metrics.RecordNoop()
		u.logger.Debug("Flag change is a no-op",
			zap.String("key", req.key),
			zap.Bool("value", oldValue))
		if req.onNoop != nil {
			req.onNoop()
		}
		return false, &oldValue, nil
	}

	tx := model.NewUpdateTransaction(req.key, oldValue, req.newValue)

	err = u.store.SetBool(req.ctx, req.key, req.newValue)
	u.metrics.RecordStoreOperation("set", err)
	if err != nil {
		return false, &oldValue, apperrors.StoreUnavailable("set", req.key, err)
	}

	release := u.inflight.Acquire(req.key)
	u.metrics.AddInFlight(1)

	err = u.pool.Submit(workerpool.Task{
		ID:      tx.ID,
		Key:     tx.Key,
		Context: req.ctx,
		Fn: func(ctx context.Context) error {
			return u.reconcile(ctx, tx, req, release)
		},
	})
	if err != nil {
		release()
		u.metrics.AddInFlight(-1)

		// Nothing will reconcile the optimistic write, take it back.
		rerr := u.store.SetBool(req.ctx, req.key, oldValue)
		u.metrics.RecordStoreOperation("set", rerr)
		if rerr != nil {
			u.logger.Error("Failed to revert optimistic write",
				zap.String("key", req.key),
				zap.String("transaction_id", tx.ID),
				zap.Error(rerr))
			return false, nil, apperrors.StoreUnavailable("set", req.key, rerr)
		}
		return false, &oldValue, err
	}

	u.logger.Debug("Flag written optimistically",
		zap.String("key", tx.Key),
		zap.String("transaction_id", tx.ID),
		zap.Bool("old_value", tx.OldValue),
		zap.Bool("new_value", tx.NewValue))

	return true, nil, nil
}

// reconcile runs on a pool worker
func (u *OptimisticFlagUpdater) reconcile(ctx context.Context, tx *model.UpdateTransaction, req *changeRequest, release func()) error {
	// The guard is released only after the next queued request for the key
	// has acquired its own, so a shutdown drain cannot slip in between.
	defer func() {
		release()
		u.metrics.AddInFlight(-1)
	}()

	start := time.Now()
	reconcileErr := safeReconcile(ctx, req.reconcile)
	duration := time.Since(start)
	u.metrics.RecordReconcile(duration.Seconds())

	u.onMainQueue(func() {
		u.settle(ctx, tx, req.observer, reconcileErr, duration)
	})

	u.advance(tx.Key)
	return reconcileErr
}

// settle runs on the main queue
func (u *OptimisticFlagUpdater) settle(ctx context.Context, tx *model.UpdateTransaction, observer Observer, reconcileErr error, duration time.Duration) {
	if reconcileErr == nil {
		tx.Commit()
		u.metrics.RecordTransaction(tx.Key, string(tx.Outcome))
		u.logger.Info("Flag change committed",
			zap.String("key", tx.Key),
			zap.String("transaction_id", tx.ID),
			zap.Bool("value", tx.NewValue),
			zap.Duration("duration", duration))
		notifyObserver(observer, model.ResultOf(tx, nil))
		return
	}

	failure := apperrors.ReconcileFailed(tx.Key, reconcileErr)

	err := u.store.SetBool(ctx, tx.Key, tx.OldValue)
	u.metrics.RecordStoreOperation("set", err)
	if err != nil {
		// The store still holds NewValue; report what is actually stored.
		tx.Abort()
		u.metrics.RecordTransaction(tx.Key, string(tx.Outcome))
		u.logger.Error("Failed to roll back flag after reconcile failure",
			zap.String("key", tx.Key),
			zap.String("transaction_id", tx.ID),
			zap.NamedError("reconcile_error", reconcileErr),
			zap.Error(err))
		notifyObserver(observer, model.Result{
			TransactionID: tx.ID,
			Key:           tx.Key,
			Value:         tx.NewValue,
			Outcome:       tx.Outcome,
			Err: apperrors.StoreUnavailable("set", tx.Key, err).
				WithDetail("reconcile_error", reconcileErr.Error()),
		})
		return
	}

	tx.RollBack()
	u.metrics.RecordTransaction(tx.Key, string(tx.Outcome))
	u.logger.Warn("Flag change rolled back",
		zap.String("key", tx.Key),
		zap.String("transaction_id", tx.ID),
		zap.Bool("restored_value", tx.OldValue),
		zap.Duration("duration", duration),
		zap.Error(reconcileErr))
	notifyObserver(observer, model.ResultOf(tx, failure))
}

// advance starts queued requests for key until one of them is dispatched, or
// frees the key when the queue is empty
func (u *OptimisticFlagUpdater) advance(key string) {
	for {
		u.mu.Lock()
		queue := u.pending[key]
		if len(queue) == 0 {
			delete(u.pending, key)
			u.mu.Unlock()
			return
		}
		next := queue[0]
		queue[0] = nil
		u.pending[key] = queue[1:]
		u.mu.Unlock()

		u.metrics.AddQueued(-1)

		started, stored, err := u.begin(next)
		if started {
			return
		}
		if err != nil {
			u.abortQueued(next, stored, err)
		}
	}
}

// abortQueued reports a queued request that could not start. It was accepted
// with a nil error, so the observer is the only place the failure can go.
// stored is the value left in the store; nil reports false.
func (u *OptimisticFlagUpdater) abortQueued(req *changeRequest, stored *bool, err error) {
	value := false
	if stored != nil {
		value = *stored
	}
	tx := model.NewUpdateTransaction(req.key, value, req.newValue)
	tx.Abort()
	u.metrics.RecordTransaction(tx.Key, string(tx.Outcome))
	u.logger.Error("Queued flag change aborted",
		zap.String("key", req.key),
		zap.String("transaction_id", tx.ID),
		zap.Bool("new_value", req.newValue),
		zap.Bool("stored_value", value),
		zap.Error(err))

	res := model.Result{
		TransactionID: tx.ID,
		Key:           tx.Key,
		Value:         value,
		Outcome:       tx.Outcome,
		Err:           err,
	}
	if qerr := u.mainQueue.Async(func() { notifyObserver(req.observer, res) }); qerr != nil {
		notifyObserver(req.observer, res)
	}
}

// onMainQueue runs fn on the main queue and waits for it. Once the main queue
// is stopped fn runs inline so that a rollback is never skipped.
func (u *OptimisticFlagUpdater) onMainQueue(fn func()) {
	if err := u.mainQueue.Sync(fn); err != nil {
		u.logger.Warn("Main queue unavailable, settling inline", zap.Error(err))
		fn()
	}
}

// Pending reports whether key has a transaction in flight
func (u *OptimisticFlagUpdater) Pending(key string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, busy := u.pending[key]
	return busy
}

// Stats returns reconcile pool statistics
func (u *OptimisticFlagUpdater) Stats() workerpool.Stats {
	return u.pool.Stats()
}

// Stop rejects new requests, waits for in-flight and queued transactions to
// settle (bounded by ctx) and stops the reconcile pool
func (u *OptimisticFlagUpdater) Stop(ctx context.Context) error {
	u.mu.Lock()
	u.stopped = true
	u.mu.Unlock()

	u.logger.Info("Stopping flag updater")

	waitErr := u.inflight.Wait(ctx)
	if err := u.pool.Stop(u.shutdownTimeout); err != nil {
		return err
	}
	if waitErr != nil {
		return fmt.Errorf("flag updater stopped with transactions in flight: %w", waitErr)
	}
	return nil
}

func safeReconcile(ctx context.Context, fn Reconciler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("reconcile panicked: %v", r)
		}
	}()
	return fn(ctx)
}

func notifyObserver(observer Observer, res model.Result) {
	if observer != nil {
		observer(res)
	}
}
