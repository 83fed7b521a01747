/*
store.go - Persistence interfaces for the points engine

PURPOSE:
  Defines the boundary between engine logic and the document datastore.
  The engine assumes per-record atomic read-modify-write and
  query-by-field-with-ordering. Multi-record atomicity comes from TxStore.

KEY INTERFACES:
  LedgerStore:   append-only transactions (NO update, NO delete)
  BalanceStore:  users and their single integer balance
  GroupStore:    groups, members and invite codes
  TaskStore:     tasks
  WishlistStore: wishlist items
  IncidentStore: ledger inconsistencies queued for reconciliation
  TxStore:       runs a function against a transactional view of Store

ATOMIC UNITS:
  Approving a task touches the task, the assignee's balance and the ledger.
  Controllers run all three inside WithTx so they commit together or not
  at all.

IMPLEMENTATIONS:
  - points/store/memory.go: in-memory, snapshot + rollback
  - store/sqlite/sqlite.go: SQLite (default)
  - store/postgres/postgres.go: PostgreSQL with row locks
*/
package points

import (
	"context"
	"time"
)

// =============================================================================
// LEDGER STORE - Append-only
// =============================================================================

// Position is a point in the newest-first ledger ordering
// (Timestamp DESC, ID DESC).
type Position struct {
	Timestamp time.Time
	ID        TransactionID
}

// PageQuery selects up to Limit entries strictly after Before in
// newest-first order. A nil Before starts at the newest entry.
type PageQuery struct {
	Limit  int
	Before *Position
}

type LedgerStore interface {
	// AppendTransaction persists tx. Returns ErrDuplicateIdempotencyKey if
	// the key is taken. This is the ONLY write operation.
	AppendTransaction(ctx context.Context, tx Transaction) error

	// TransactionsByUser returns entries newest-first.
	TransactionsByUser(ctx context.Context, userID UserID, q PageQuery) ([]Transaction, error)

	// TransactionsByGroup returns up to limit entries newest-first.
	TransactionsByGroup(ctx context.Context, groupID GroupID, limit int) ([]Transaction, error)

	// TransactionsByTask returns all entries for a task newest-first.
	TransactionsByTask(ctx context.Context, taskID TaskID) ([]Transaction, error)

	// SumPoints returns the sum of all points for a user. When txType is
	// non-empty only that type is summed; since filters by timestamp.
	SumPoints(ctx context.Context, userID UserID, txType TransactionType, since time.Time) (int64, error)
}

// =============================================================================
// BALANCE STORE
// =============================================================================

type BalanceStore interface {
	CreateUser(ctx context.Context, u User) error
	GetUser(ctx context.Context, id UserID) (*User, error)
	ListUserIDs(ctx context.Context) ([]UserID, error)

	// AdjustPoints applies delta atomically with a floor of zero and
	// returns the new balance. Fails with *InsufficientFundsError when the
	// result would be negative, leaving the balance untouched.
	AdjustPoints(ctx context.Context, id UserID, delta int64) (int64, error)
}

// =============================================================================
// GROUP / TASK / WISHLIST STORES
// =============================================================================

type GroupStore interface {
	// CreateGroup returns ErrDuplicateInviteCode if the code is taken.
	CreateGroup(ctx context.Context, g Group) error
	GetGroup(ctx context.Context, id GroupID) (*Group, error)
	GetGroupByInviteCode(ctx context.Context, code string) (*Group, error)
	UpdateGroup(ctx context.Context, g Group) error
	DeleteGroup(ctx context.Context, id GroupID) error
	GroupsByMember(ctx context.Context, userID UserID) ([]Group, error)
}

type TaskStore interface {
	CreateTask(ctx context.Context, t Task) error
	GetTask(ctx context.Context, id TaskID) (*Task, error)
	UpdateTask(ctx context.Context, t Task) error
	DeleteTask(ctx context.Context, id TaskID) error
	TasksByGroup(ctx context.Context, groupID GroupID) ([]Task, error)
	TasksByAssignee(ctx context.Context, userID UserID) ([]Task, error)
}

type WishlistStore interface {
	CreateItem(ctx context.Context, item WishlistItem) error
	GetItem(ctx context.Context, id ItemID) (*WishlistItem, error)
	UpdateItem(ctx context.Context, item WishlistItem) error
	DeleteItem(ctx context.Context, id ItemID) error
	ItemsByGroup(ctx context.Context, groupID GroupID) ([]WishlistItem, error)
}

type IncidentStore interface {
	CreateIncident(ctx context.Context, inc Incident) error
	ListIncidents(ctx context.Context, includeResolved bool) ([]Incident, error)
	ResolveIncident(ctx context.Context, id IncidentID, at time.Time) error
}

// =============================================================================
// STORE / TXSTORE
// =============================================================================

type Store interface {
	LedgerStore
	BalanceStore
	GroupStore
	TaskStore
	WishlistStore
	IncidentStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the view is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
