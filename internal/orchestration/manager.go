// Package orchestration drives crypto operations from the token request to
// the continuation that runs when the provider's callback arrives.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/guided-traffic/agency-interchange/internal/monitoring"
	"github.com/guided-traffic/agency-interchange/internal/operation"
	"github.com/guided-traffic/agency-interchange/internal/transfer"
	"github.com/guided-traffic/agency-interchange/internal/workflow"
	"github.com/sirupsen/logrus"
)

// ErrUnknownAppCode is returned for an app code with no configured profile.
var ErrUnknownAppCode = errors.New("unknown app code")

// Config tunes token retries, the worker pool and the maintenance sweeper.
type Config struct {
	TokenRetries     int           `mapstructure:"token_retries" validate:"min=0"`
	TokenBackoff     time.Duration `mapstructure:"token_backoff"`
	MaxConcurrency   int           `mapstructure:"max_concurrency" validate:"min=0"`
	LookupTimeout    time.Duration `mapstructure:"lookup_timeout"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	SweepInterval    time.Duration `mapstructure:"sweep_interval"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	Retention        time.Duration `mapstructure:"retention"`
}

// DefaultConfig returns one token retry after 1s and an unbounded pool.
func DefaultConfig() Config {
	return Config{
		TokenRetries:     1,
		TokenBackoff:     time.Second,
		LookupTimeout:    5 * time.Second,
		PollInterval:     500 * time.Millisecond,
		SweepInterval:    time.Minute,
		OperationTimeout: 30 * time.Minute,
		Retention:        7 * 24 * time.Hour,
	}
}

// TokenRequester asks the provider to issue a token for an operation.
type TokenRequester interface {
	RequestToken(ctx context.Context, appCode, operationID string) error
}

// Runner executes continuation sequences.
type Runner interface {
	RunEncryptAndUpload(ctx context.Context, opID string, data []byte, fileName, token string, cfg workflow.Config) transfer.Result
	RunStoredEncrypt(ctx context.Context, opID, fileName, token string, cfg workflow.Config) transfer.Result
	RunDownloadAndDecrypt(ctx context.Context, opID, remotePath, token string, cfg workflow.Config) transfer.Result
	RunPlainUpload(ctx context.Context, data []byte, fileName string, cfg workflow.Config) transfer.Result
}

// Manager owns the operation registry, the continuations waiting on
// callbacks and the pool that runs them.
type Manager struct {
	config        Config
	store         operation.Store
	continuations *operation.Continuations
	resolver      *workflow.Resolver
	runner        Runner
	tokens        TokenRequester
	pool          *WorkerPool
	logger        *logrus.Entry
	now           func() time.Time

	// futures holds the unresolved *Future of each awaited operation.
	futures  sync.Map
	// timedOut holds ids already reported by HandleTimedOutOperations.
	timedOut sync.Map

	// Background sweep management
	sweepCtx    context.Context
	sweepCancel context.CancelFunc
	sweepWg     sync.WaitGroup
}

// NewManager creates the orchestrator and starts the sweeper when
// cfg.SweepInterval is positive.
func NewManager(cfg Config, store operation.Store, resolver *workflow.Resolver, runner Runner, tokens TokenRequester) (*Manager, error) {
	if store == nil || resolver == nil || runner == nil || tokens == nil {
		return nil, errors.New("store, resolver, runner and token requester are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	m := &Manager{
		config:        cfg,
		store:         store,
		continuations: operation.NewContinuations(),
		resolver:      resolver,
		runner:        runner,
		tokens:        tokens,
		pool:          NewWorkerPool(cfg.MaxConcurrency),
		logger:        logrus.WithField("component", "orchestrator"),
		now:           time.Now,
		sweepCtx:      sweepCtx,
		sweepCancel:   sweepCancel,
	}

	if cfg.SweepInterval > 0 {
		m.startBackgroundSweep()
	}

	m.logger.WithFields(logrus.Fields{
		"app_codes":       resolver.AppCodes(),
		"token_retries":   cfg.TokenRetries,
		"max_concurrency": cfg.MaxConcurrency,
	}).Info("Successfully initialized orchestrator")
	return m, nil
}

func (m *Manager) validate(appCode string, fileName string) (workflow.ProfileSpec, error) {
	if fileName == "" {
		return workflow.ProfileSpec{}, errors.New("file name is required")
	}
	spec, ok := m.resolver.ProfileFor(appCode)
	if !ok {
		return workflow.ProfileSpec{}, fmt.Errorf("%w: %q", ErrUnknownAppCode, appCode)
	}
	return spec, nil
}

func (m *Manager) updatePending() {
	monitoring.PendingContinuations.Set(float64(m.continuations.Count()))
}

// requestToken calls the provider, retrying with a fixed backoff.
func (m *Manager) requestToken(ctx context.Context, appCode, id string) error {
	var err error
	for attempt := 0; attempt <= m.config.TokenRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(m.config.TokenBackoff):
			case <-ctx.Done():
				return fmt.Errorf("failed to request token: %w", ctx.Err())
			}
		}
		if err = m.tokens.RequestToken(ctx, appCode, id); err == nil {
			monitoring.RecordTokenRequest("success")
			return nil
		}
		monitoring.RecordTokenRequest("error")
		m.logger.WithError(err).WithFields(logrus.Fields{
			"operation_id": id,
			"attempt":      attempt + 1,
		}).Warn("Token request failed")
	}
	return fmt.Errorf("failed to request token: %w", err)
}

// RequestAndAwait creates an operation, registers its continuation and
// requests the token. The returned future resolves when the continuation
// finishes or immediately when the token cannot be requested.
func (m *Manager) RequestAndAwait(ctx context.Context, appCode string, kind operation.Kind, data []byte, fileName string) (*Future, error) {
	spec, err := m.validate(appCode, fileName)
	if err != nil {
		return nil, err
	}
	if kind == operation.KindEncrypt && data == nil {
		return nil, errors.New("data is required to encrypt")
	}
	if !spec.Encryption {
		return nil, fmt.Errorf("profile %s does not encrypt", spec.Profile)
	}

	id := workflow.NewOperationID(appCode, m.now())
	if _, err := m.store.Create(ctx, id, kind, fileName); err != nil {
		return nil, fmt.Errorf("failed to create operation: %w", err)
	}
	cfg := m.resolver.Resolve(id, kind)
	future := newFuture(id)
	log := m.logger.WithFields(logrus.Fields{
		"operation_id": id,
		"kind":         kind,
		"file":         fileName,
	})

	m.futures.Store(id, future)
	err = m.continuations.Register(id, func(ctx context.Context, token string) {
		defer m.futures.Delete(id)
		defer m.recoverContinuation(ctx, id, kind, future)
		var r transfer.Result
		if kind == operation.KindEncrypt {
			r = m.runner.RunEncryptAndUpload(ctx, id, data, fileName, token, cfg)
		} else {
			r = m.runner.RunDownloadAndDecrypt(ctx, id, path.Join(cfg.TransferFolder, fileName), token, cfg)
		}
		m.complete(ctx, id, kind, r)
		future.complete(r)
	})
	if err != nil {
		m.futures.Delete(id)
		m.deleteOperation(ctx, id)
		return nil, fmt.Errorf("failed to register continuation: %w", err)
	}
	m.updatePending()
	monitoring.RecordOperationStarted(appCode, string(kind), "awaited")
	log.Info("Operation created, requesting token")

	if err := m.requestToken(ctx, appCode, id); err != nil {
		if m.continuations.Remove(id) {
			m.updatePending()
			m.futures.Delete(id)
			m.deleteOperation(context.WithoutCancel(ctx), id)
			r := transfer.Failure(err.Error(), 0)
			monitoring.RecordOperationResult(string(kind), r.Outcome())
			future.complete(r)
			log.WithError(err).Error("Operation abandoned, token could not be requested")
		} else {
			log.WithError(err).Warn("Token request reported failure but the callback already arrived")
		}
	}
	return future, nil
}

// Submit starts a fire-and-forget operation. The callback runs the stored
// encrypt or the download-and-decrypt sequence for kind.
func (m *Manager) Submit(ctx context.Context, appCode string, kind operation.Kind, fileName string) (string, error) {
	spec, err := m.validate(appCode, fileName)
	if err != nil {
		return "", err
	}
	if !spec.Encryption {
		return "", fmt.Errorf("profile %s does not encrypt", spec.Profile)
	}

	id := workflow.NewOperationID(appCode, m.now())
	if _, err := m.store.Create(ctx, id, kind, fileName); err != nil {
		return "", fmt.Errorf("failed to create operation: %w", err)
	}
	monitoring.RecordOperationStarted(appCode, string(kind), "fire_and_forget")

	if err := m.requestToken(ctx, appCode, id); err != nil {
		if op, ferr := m.store.FindByOperationID(ctx, id); ferr == nil && !op.HasToken() {
			m.deleteOperation(context.WithoutCancel(ctx), id)
		}
		monitoring.RecordOperationResult(string(kind), transfer.OutcomeFailure)
		return "", err
	}

	m.logger.WithFields(logrus.Fields{
		"operation_id": id,
		"kind":         kind,
		"file":         fileName,
	}).Info("Operation submitted")
	return id, nil
}

// DeliverPlain stores and transfers data without encryption.
func (m *Manager) DeliverPlain(ctx context.Context, appCode string, data []byte, fileName string) transfer.Result {
	if _, err := m.validate(appCode, fileName); err != nil {
		return transfer.Failure(err.Error(), 0)
	}
	if data == nil {
		return transfer.Failure("data is required", 0)
	}
	cfg := m.resolver.Resolve(workflow.NewOperationID(appCode, m.now()), operation.KindEncrypt)
	monitoring.RecordOperationStarted(appCode, string(operation.KindEncrypt), "plain")

	r := m.runner.RunPlainUpload(ctx, data, fileName, cfg)
	monitoring.RecordOperationResult(string(operation.KindEncrypt), r.Outcome())
	return r
}

// OnTokenReceived claims the token for id and schedules its continuation.
// It returns false for empty arguments, unknown operations and tokens that
// were already claimed.
func (m *Manager) OnTokenReceived(ctx context.Context, id, token string) bool {
	log := m.logger.WithField("operation_id", id)
	if id == "" || token == "" {
		monitoring.RecordCallback("invalid")
		log.Warn("Callback rejected, operation id and token are required")
		return false
	}

	lookupCtx := ctx
	if m.config.LookupTimeout > 0 {
		var cancel context.CancelFunc
		lookupCtx, cancel = context.WithTimeout(ctx, m.config.LookupTimeout)
		defer cancel()
	}

	op, err := m.store.FindByOperationID(lookupCtx, id)
	if err != nil {
		if errors.Is(err, operation.ErrNotFound) {
			monitoring.RecordCallback("unknown")
			log.Warn("Callback for unknown operation")
		} else {
			monitoring.RecordCallback("error")
			log.WithError(err).Error("Failed to look up operation")
		}
		return false
	}

	if err := m.store.SetToken(lookupCtx, id, token); err != nil {
		switch {
		case errors.Is(err, operation.ErrTokenAlreadySet):
			monitoring.RecordCallback("duplicate")
			log.Warn("Duplicate callback ignored")
		case errors.Is(err, operation.ErrNotFound):
			monitoring.RecordCallback("unknown")
			log.Warn("Operation removed before its callback")
		default:
			monitoring.RecordCallback("error")
			log.WithError(err).Error("Failed to claim token")
		}
		return false
	}

	fn, ok := m.continuations.Take(id)
	if ok {
		m.updatePending()
	} else {
		fn = m.fireAndForget(op)
	}

	runCtx := context.WithoutCancel(ctx)
	if err := m.pool.Submit(id, func() { fn(runCtx, token) }); err != nil {
		monitoring.RecordCallback("error")
		log.WithError(err).Error("Failed to schedule continuation")
		return false
	}

	monitoring.RecordCallback("accepted")
	log.WithFields(logrus.Fields{
		"kind":    op.Kind,
		"awaited": ok,
	}).Info("Token received, continuation scheduled")
	return true
}

// fireAndForget builds the continuation for an operation started by Submit.
func (m *Manager) fireAndForget(op *operation.Operation) operation.Continuation {
	cfg := m.resolver.Resolve(op.ID, op.Kind)
	id, kind, fileName := op.ID, op.Kind, op.FileName

	return func(ctx context.Context, token string) {
		defer m.recoverContinuation(ctx, id, kind, nil)
		var r transfer.Result
		switch kind {
		case operation.KindEncrypt:
			r = m.runner.RunStoredEncrypt(ctx, id, fileName, token, cfg)
		case operation.KindDecrypt:
			r = m.runner.RunDownloadAndDecrypt(ctx, id, path.Join(cfg.TransferFolder, fileName), token, cfg)
		default:
			r = transfer.Failure(fmt.Sprintf("unsupported operation kind %q", kind), 0)
		}
		m.complete(ctx, id, kind, r)
	}
}

// recoverContinuation turns a panicking continuation into a failed result,
// then panics again so the pool records it.
func (m *Manager) recoverContinuation(ctx context.Context, id string, kind operation.Kind, future *Future) {
	p := recover()
	if p == nil {
		return
	}
	r := transfer.Failure(fmt.Sprintf("continuation panicked: %v", p), 0)
	m.complete(ctx, id, kind, r)
	if future != nil {
		future.complete(r)
	}
	panic(p)
}

// complete records the result and deletes the operation. A partial encrypt
// delivery is kept for reconciliation. A decrypt has a single destination,
// so its record is always deleted.
func (m *Manager) complete(ctx context.Context, id string, kind operation.Kind, r transfer.Result) {
	monitoring.RecordOperationResult(string(kind), r.Outcome())
	m.timedOut.Delete(id)
	if r.Partial() && kind == operation.KindEncrypt {
		m.logger.WithFields(logrus.Fields{
			"operation_id": id,
			"error":        r.ErrorDetail,
		}).Warn("Partial delivery, operation kept")
		return
	}
	m.deleteOperation(ctx, id)
}

func (m *Manager) deleteOperation(ctx context.Context, id string) {
	if _, err := m.store.Delete(ctx, id); err != nil {
		m.logger.WithError(err).WithField("operation_id", id).Error("Failed to delete operation")
	}
}

// WaitForToken polls until the operation's token is set.
func (m *Manager) WaitForToken(ctx context.Context, id string) (string, error) {
	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	for {
		op, err := m.store.FindByOperationID(ctx, id)
		if err != nil {
			return "", err
		}
		if op.HasToken() {
			return op.Token, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cancel drops the continuation for id and fails its future. An in-flight
// token request is not interrupted and a later callback takes the
// fire-and-forget path.
func (m *Manager) Cancel(id string) bool {
	ok := m.continuations.Remove(id)
	if ok {
		m.updatePending()
		m.resolveFuture(id, transfer.Failure("operation cancelled", 0))
		m.logger.WithField("operation_id", id).Info("Continuation cancelled")
	}
	return ok
}

// Operation returns the stored operation.
func (m *Manager) Operation(ctx context.Context, id string) (*operation.Operation, error) {
	return m.store.FindByOperationID(ctx, id)
}

// IsPending reports whether a continuation is waiting for id.
func (m *Manager) IsPending(id string) bool {
	return m.continuations.IsRegistered(id)
}

// PendingCount returns the number of waiting continuations.
func (m *Manager) PendingCount() int {
	return m.continuations.Count()
}

// ===== MAINTENANCE =====

// resolveFuture completes and forgets the future of an awaited operation.
func (m *Manager) resolveFuture(id string, r transfer.Result) bool {
	f, ok := m.futures.LoadAndDelete(id)
	if ok {
		f.(*Future).complete(r)
	}
	return ok
}

// HandleTimedOutOperations reports operations still without a token after
// timeout and fails the futures awaiting them. Records and continuations are
// kept until retention, so a late callback still runs.
func (m *Manager) HandleTimedOutOperations(ctx context.Context, timeout time.Duration) int {
	ops, err := m.store.ListCreatedBefore(ctx, m.now().Add(-timeout))
	if err != nil {
		m.logger.WithError(err).Error("Failed to list operations for timeout check")
		return 0
	}

	count := 0
	for _, op := range ops {
		if op.HasToken() {
			continue
		}
		if _, seen := m.timedOut.LoadOrStore(op.ID, struct{}{}); seen {
			continue
		}
		count++
		age := m.now().Sub(op.CreatedAt)
		resolved := m.resolveFuture(op.ID, transfer.Failure("timed out waiting for token", age))
		m.logger.WithFields(logrus.Fields{
			"operation_id":    op.ID,
			"kind":            op.Kind,
			"age":             age.Round(time.Second),
			"future_resolved": resolved,
		}).Warn("Operation timed out waiting for token")
	}
	if count > 0 {
		monitoring.TimedOutOperations.Add(float64(count))
	}
	return count
}

// CleanupOldOperations deletes operations older than retention.
func (m *Manager) CleanupOldOperations(ctx context.Context, retention time.Duration) int {
	ops, err := m.store.ListCreatedBefore(ctx, m.now().Add(-retention))
	if err != nil {
		m.logger.WithError(err).Error("Failed to list operations for cleanup")
		return 0
	}

	deleted := 0
	for _, op := range ops {
		m.continuations.Remove(op.ID)
		m.resolveFuture(op.ID, transfer.Failure("operation expired", m.now().Sub(op.CreatedAt)))
		m.timedOut.Delete(op.ID)
		ok, err := m.store.Delete(ctx, op.ID)
		if err != nil {
			m.logger.WithError(err).WithField("operation_id", op.ID).Error("Failed to delete old operation")
			continue
		}
		if ok {
			deleted++
		}
	}
	if deleted > 0 {
		monitoring.SweptOperations.Add(float64(deleted))
		m.updatePending()
		m.logger.WithField("deleted", deleted).Info("Deleted operations past retention")
	}
	return deleted
}

// startBackgroundSweep periodically runs the timeout and retention passes.
func (m *Manager) startBackgroundSweep() {
	m.sweepWg.Add(1)
	go func() {
		defer m.sweepWg.Done()

		ticker := time.NewTicker(m.config.SweepInterval)
		defer ticker.Stop()

		m.logger.WithFields(logrus.Fields{
			"sweep_interval":    m.config.SweepInterval,
			"operation_timeout": m.config.OperationTimeout,
			"retention":         m.config.Retention,
		}).Info("Started background operation sweep")

		for {
			select {
			case <-m.sweepCtx.Done():
				m.logger.Debug("Background sweep stopped")
				return
			case <-ticker.C:
				if m.config.OperationTimeout > 0 {
					m.HandleTimedOutOperations(m.sweepCtx, m.config.OperationTimeout)
				}
				if m.config.Retention > 0 {
					m.CleanupOldOperations(m.sweepCtx, m.config.Retention)
				}
			}
		}
	}()
}

// Shutdown stops the sweeper and drains running continuations.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Shutting down orchestrator")

	if m.sweepCancel != nil {
		m.sweepCancel()
	}

	done := make(chan struct{})
	go func() {
		m.sweepWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Debug("Background sweep stopped successfully")
	case <-ctx.Done():
		m.logger.Warn("Timeout waiting for background sweep to stop")
	}

	return m.pool.Shutdown(ctx)
}
