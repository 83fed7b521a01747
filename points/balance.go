/*
balance.go - Balance Accessor

PURPOSE:
  The only component permitted to mutate a user's totalPoints. Every
  mutation is serialized per user and applied as an atomic increment with
  a floor of zero in the store, so concurrent approve/purchase/adjust calls
  against one user never lose an update or go negative.

LOCKING:
  Hold(users...) takes the per-user locks for the duration of a unit of
  work. Controllers take them BEFORE opening a store transaction and
  release them after commit. Accessors bound to a transaction (in) do not
  lock again.

CACHE:
  An optional BalanceCache (store/redis) serves reads. It is only
  refreshed after commit, so a rolled back unit never leaks into it.
  A miss is filled under the user's lock: a mutation either commits
  before the fill reads the store or waits for the fill to finish and
  invalidates it afterwards, so a stale balance is never written back.
*/
package points

import (
	"context"
	"fmt"
)

// BalanceCache is a read-through cache of committed balances.
type BalanceCache interface {
	Get(ctx context.Context, userID UserID) (balance int64, ok bool, err error)
	Set(ctx context.Context, userID UserID, balance int64) error
	Invalidate(ctx context.Context, userID UserID) error
}

type BalanceAccessor struct {
	store BalanceStore
	locks *keyedMutex
	cache BalanceCache
}

func NewBalanceAccessor(store BalanceStore, cache BalanceCache) *BalanceAccessor {
	return &BalanceAccessor{
		store: store,
		locks: newKeyedMutex(),
		cache: cache,
	}
}

// in returns an accessor that writes through a transactional store and
// shares the lock table.
func (b *BalanceAccessor) in(s BalanceStore) *BalanceAccessor {
	return &BalanceAccessor{store: s, locks: b.locks}
}

// Hold serializes balance changes for the given users until release is
// called.
func (b *BalanceAccessor) Hold(userIDs ...UserID) (release func()) {
	keys := make([]string, len(userIDs))
	for i, id := range userIDs {
		keys[i] = string(id)
	}
	return b.locks.LockMany(keys...)
}

// Get returns the committed balance, consulting the cache first.
func (b *BalanceAccessor) Get(ctx context.Context, userID UserID) (int64, error) {
	if b.cache == nil {
		return b.load(ctx, userID)
	}
	if v, ok, err := b.cache.Get(ctx, userID); err == nil && ok {
		return v, nil
	}

	release := b.Hold(userID)
	defer release()

	balance, err := b.load(ctx, userID)
	if err != nil {
		return 0, err
	}
	// Best effort: a failed fill only costs the next read a store hit.
	_ = b.cache.Set(ctx, userID, balance)
	return balance, nil
}

func (b *BalanceAccessor) load(ctx context.Context, userID UserID) (int64, error) {
	u, err := b.store.GetUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.TotalPoints, nil
}

// Adjust applies delta and returns the new balance. A negative delta that
// would take the balance below zero fails with *InsufficientFundsError and
// changes nothing.
func (b *BalanceAccessor) Adjust(ctx context.Context, userID UserID, delta int64) (int64, error) {
	if userID == "" || userID == Unassigned {
		return 0, &ValidationError{Field: "userId", Message: "balance owner required"}
	}
	balance, err := b.store.AdjustPoints(ctx, userID, delta)
	if err != nil {
		return 0, fmt.Errorf("adjust balance of %s by %d: %w", userID, delta, err)
	}
	return balance, nil
}

// forget drops cached balances after a committed change.
func (b *BalanceAccessor) forget(ctx context.Context, userIDs ...UserID) error {
	if b.cache == nil {
		return nil
	}
	for _, id := range userIDs {
		if err := b.cache.Invalidate(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
