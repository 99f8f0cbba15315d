package sender

import (
	"context"
	"errors"
	"sync"
)

type uowKey struct{}

// UnitOfWork is the commit scope deferred sends attach to. Job workers
// open one around each job, mirroring a database transaction: hooks run
// in registration order on Commit and are dropped on Rollback.
type UnitOfWork struct {
	svc *Service

	mu    sync.Mutex
	done  bool
	hooks []func(ctx context.Context) error
	txn   *TransactionSender
}

// Begin opens a unit of work and returns a context carrying it. Sends
// made with that context buffer until Commit.
func (s *Service) Begin(ctx context.Context) (context.Context, *UnitOfWork) {
	uow := &UnitOfWork{svc: s}
	return context.WithValue(ctx, uowKey{}, uow), uow
}

// FromContext returns the active unit of work, if any.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	uow, ok := ctx.Value(uowKey{}).(*UnitOfWork)
	return uow, ok
}

// OnCommit registers an arbitrary commit hook.
func (u *UnitOfWork) OnCommit(fn func(ctx context.Context) error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return
	}
	u.hooks = append(u.hooks, fn)
}

// bufferWS adds a ws send to the transaction sender, installing its
// flush as a hook the first time so the flush position in the hook
// order matches the first buffered send.
func (u *UnitOfWork) bufferWS(util *Util) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.done {
		return
	}
	if u.txn == nil {
		u.txn = NewTransactionSender(u.svc)
		txn := u.txn
		u.hooks = append(u.hooks, func(ctx context.Context) error {
			return txn.Flush(ctx)
		})
	}
	u.txn.Add(util)
}

// Pending reports the number of buffered ws sends, for tests and
// introspection.
func (u *UnitOfWork) Pending() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.txn == nil {
		return 0
	}
	return u.txn.Len()
}

// Commit runs the hooks in order. Every hook runs even when an earlier
// one fails; errors are joined. Commit and Rollback are one-shot.
func (u *UnitOfWork) Commit(ctx context.Context) error {
	u.mu.Lock()
	if u.done {
		u.mu.Unlock()
		return nil
	}
	u.done = true
	hooks := u.hooks
	u.hooks = nil
	u.mu.Unlock()

	var errs []error
	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Rollback discards all buffered work.
func (u *UnitOfWork) Rollback() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.done = true
	u.hooks = nil
	u.txn = nil
}
