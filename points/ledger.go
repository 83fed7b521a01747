/*
ledger.go - Append-only transaction log

PURPOSE:
  The Ledger is the auditable source of truth for why a balance changed.
  Every task award, wishlist purchase, gift record and adjustment is
  recorded here. The stored balance must always equal the ledger sum.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete. EVER.
  2. IMMUTABLE: Once written, transactions cannot be modified
  3. IDEMPOTENT: one entry per idempotency key (task:<id>:earned, ...)
  4. SIGNED: earned > 0, spent <= 0, adjustment any sign

PAGINATION:
  ListByUser pages newest-first with an opaque cursor encoding the last
  returned (timestamp, id). One extra row is fetched to compute HasMore.
*/
package points

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Idempotency keys for the exactly-once entries.
func taskEarnedKey(id TaskID) string { return "task:" + string(id) + ":earned" }

func itemSpentKey(id ItemID) string { return "wishlist:" + string(id) + ":spent" }

func itemGiftedKey(id ItemID) string { return "wishlist:" + string(id) + ":gifted" }

func adjustmentKey() string { return "adjustment:" + uuid.NewString() }

func reconcileKey(id UserID) string { return "reconcile:" + string(id) + ":" + uuid.NewString() }

// Page is one page of a user's history.
type Page struct {
	Transactions []Transaction
	NextCursor   string
	HasMore      bool
}

// Ledger is the append-only store of point movements.
type Ledger struct {
	store LedgerStore
	now   func() time.Time
}

func NewLedger(store LedgerStore) *Ledger {
	return &Ledger{store: store, now: time.Now}
}

// in returns a ledger writing through a transactional store.
func (l *Ledger) in(s LedgerStore) *Ledger {
	return &Ledger{store: s, now: l.now}
}

// Append validates and persists tx, assigning its ID and timestamp.
// It either fully writes the entry or returns an error.
func (l *Ledger) Append(ctx context.Context, tx Transaction) (TransactionID, error) {
	if err := validateTransaction(tx); err != nil {
		return "", err
	}
	if tx.ID == "" {
		tx.ID = TransactionID(uuid.NewString())
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = l.now().UTC()
	}
	if tx.IdempotencyKey == "" {
		tx.IdempotencyKey = "tx:" + string(tx.ID)
	}
	if err := l.store.AppendTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("append %s transaction for %s: %w", tx.Type, tx.UserID, err)
	}
	return tx.ID, nil
}

func validateTransaction(tx Transaction) error {
	if tx.UserID == "" {
		return &ValidationError{Field: "userId", Message: "required"}
	}
	switch tx.Type {
	case TxEarned:
		if tx.Points <= 0 {
			return &ValidationError{Field: "points", Message: "earned entries must be positive"}
		}
	case TxSpent:
		if tx.Points > 0 {
			return &ValidationError{Field: "points", Message: "spent entries must not be positive"}
		}
	case TxAdjustment:
	default:
		return &ValidationError{Field: "type", Message: fmt.Sprintf("unknown transaction type %q", tx.Type)}
	}
	return nil
}

// ListByUser returns one page of the user's history, newest-first.
func (l *Ledger) ListByUser(ctx context.Context, userID UserID, pageSize int, cursor string) (Page, error) {
	pageSize = clampPageSize(pageSize)

	before, err := decodeCursor(cursor)
	if err != nil {
		return Page{}, err
	}

	txs, err := l.store.TransactionsByUser(ctx, userID, PageQuery{Limit: pageSize + 1, Before: before})
	if err != nil {
		return Page{}, err
	}

	page := Page{HasMore: len(txs) > pageSize}
	if page.HasMore {
		txs = txs[:pageSize]
		last := txs[len(txs)-1]
		page.NextCursor = encodeCursor(Position{Timestamp: last.Timestamp, ID: last.ID})
	}
	page.Transactions = txs
	if page.Transactions == nil {
		page.Transactions = []Transaction{}
	}
	return page, nil
}

func (l *Ledger) ListByGroup(ctx context.Context, groupID GroupID, pageSize int) ([]Transaction, error) {
	return l.store.TransactionsByGroup(ctx, groupID, clampPageSize(pageSize))
}

func (l *Ledger) ListByTask(ctx context.Context, taskID TaskID) ([]Transaction, error) {
	return l.store.TransactionsByTask(ctx, taskID)
}

// Sum returns the total of every entry for the user.
func (l *Ledger) Sum(ctx context.Context, userID UserID) (int64, error) {
	return l.store.SumPoints(ctx, userID, "", time.Time{})
}

// EarnedSince returns the points earned from tasks since the given time.
func (l *Ledger) EarnedSince(ctx context.Context, userID UserID, since time.Time) (int64, error) {
	return l.store.SumPoints(ctx, userID, TxEarned, since)
}

func clampPageSize(n int) int {
	if n <= 0 {
		return DefaultPageSize
	}
	if n > MaxPageSize {
		return MaxPageSize
	}
	return n
}

// =============================================================================
// CURSOR
// =============================================================================

func encodeCursor(p Position) string {
	raw := strconv.FormatInt(p.Timestamp.UnixNano(), 10) + "|" + string(p.ID)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (*Position, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, &ValidationError{Field: "cursor", Message: "malformed"}
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, &ValidationError{Field: "cursor", Message: "malformed"}
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, &ValidationError{Field: "cursor", Message: "malformed"}
	}
	return &Position{Timestamp: time.Unix(0, n).UTC(), ID: TransactionID(id)}, nil
}
