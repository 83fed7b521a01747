/*
Package points provides the points accounting and reward lifecycle engine.

PURPOSE:
  Members of a household group create tasks worth points, complete and
  approve them, and redeem accumulated points against wishlist items.
  This package owns every rule that moves points: task approval awards,
  wishlist purchases, manual adjustments and the append-only ledger that
  explains every balance change.

KEY CONCEPTS IN THIS FILE (types.go):
  - User: identity plus a single integer point balance
  - Group: members, owner and the invite code that resolves to it
  - Task: point-bearing work item with a forward-only status
  - WishlistItem: reward that can be purchased (self) or gifted (others)
  - Transaction: an immutable ledger entry recording a point movement

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never modified, only appended
  2. Exactly-once: every balance mutation is paired with one ledger entry
  3. Integer points: balances are int64 and never negative
  4. Type Safety: distinct ID types prevent mixing users, groups and tasks

COMPONENTS (dependency order, leaves first):
  ledger.go:      Ledger Store
  balance.go:     Balance Accessor
  membership.go:  Membership Registry
  task.go:        Task Lifecycle Controller
  redemption.go:  Reward Redemption Controller
  engine.go:      Engine Facade (the only external entry point)
*/
package points

import (
	"slices"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type GroupID string
type TaskID string
type ItemID string
type TransactionID string
type IncidentID string

// Unassigned is the AssignedTo value of a task nobody has claimed yet.
const Unassigned UserID = "unassigned"

// =============================================================================
// USER
// =============================================================================

// User is mutated only through the BalanceAccessor. Never deleted.
type User struct {
	ID          UserID
	Name        string
	Email       string
	TotalPoints int64
	CreatedAt   time.Time
}

// =============================================================================
// GROUP
// =============================================================================

type Group struct {
	ID          GroupID
	Name        string
	Description string
	OwnerID     UserID
	MemberIDs   []UserID
	InviteCode  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// HasMember reports whether userID belongs to the group.
func (g *Group) HasMember(userID UserID) bool {
	return slices.Contains(g.MemberIDs, userID)
}

// Clone returns a deep copy so callers never share the member slice.
func (g Group) Clone() Group {
	g.MemberIDs = slices.Clone(g.MemberIDs)
	return g
}

// =============================================================================
// TASK
// =============================================================================

type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskApproved   TaskStatus = "approved"
)

type Task struct {
	ID          TaskID
	GroupID     GroupID
	Title       string
	Description string
	Points      int64
	AssignedTo  UserID // Unassigned until claimed
	AssignedBy  UserID // creator, the only approver
	Status      TaskStatus
	DueDate     *time.Time
	CompletedAt *time.Time
	ApprovedAt  *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsAssigned reports whether someone is responsible for the task.
func (t *Task) IsAssigned() bool {
	return t.AssignedTo != "" && t.AssignedTo != Unassigned
}

// =============================================================================
// WISHLIST ITEM
// =============================================================================

type ItemStatus string

const (
	ItemAvailable ItemStatus = "available"
	ItemPurchased ItemStatus = "purchased"
	ItemGifted    ItemStatus = "gifted"
)

type WishlistItem struct {
	ID          ItemID
	UserID      UserID // owner and beneficiary
	GroupID     GroupID
	Title       string
	Description string
	ImageURL    string
	Cost        int64
	Status      ItemStatus
	PurchasedAt *time.Time
	GiftedBy    UserID
	GiftedAt    *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// =============================================================================
// TRANSACTION - Immutable ledger entry
// =============================================================================

type TransactionType string

const (
	TxEarned     TransactionType = "earned"     // task approval award (points > 0)
	TxSpent      TransactionType = "spent"      // wishlist purchase (points <= 0)
	TxAdjustment TransactionType = "adjustment" // owner correction, gift record, reconciliation
)

// Metadata keys written by the engine.
const (
	MetaTaskDescription = "taskDescription"
	MetaApprovedBy      = "approvedBy"
	MetaWishlistItemID  = "wishlistItemId"
	MetaGiftedBy        = "giftedBy"
	MetaReason          = "reason"
)

type Transaction struct {
	ID      TransactionID
	UserID  UserID
	GroupID GroupID
	TaskID  TaskID // empty unless the entry was caused by a task

	// Points is signed: positive = earned/credited, negative = spent.
	Points int64
	Type   TransactionType

	// Denormalized for display.
	TaskTitle string
	GroupName string

	Metadata map[string]string

	// IdempotencyKey is unique across the ledger. It is what makes the
	// balance/ledger pairing exactly-once.
	IdempotencyKey string

	Timestamp time.Time
}

// Reference returns the id of the task or wishlist item the entry is about.
func (tx Transaction) Reference() string {
	if tx.TaskID != "" {
		return string(tx.TaskID)
	}
	return tx.Metadata[MetaWishlistItemID]
}

// =============================================================================
// RESULT - what balance-moving facade operations return
// =============================================================================

type Result struct {
	UserID        UserID
	Balance       int64
	TransactionID TransactionID
}
