/*
reconcile.go - Balance/ledger reconciliation and the incident queue

PURPOSE:
  Detects and repairs drift between a user's stored balance and the sum
  of that user's ledger entries.

INCIDENTS:
  Every drift found by Check, and every ledger inconsistency surfaced by
  a controller, is recorded as an Incident. Incidents stay open until a
  repair resolves them.

REPAIR:
  Repair appends one adjustment of (balance - ledgerSum) and NEVER
  touches the balance. It only explains money that already moved, so it
  cannot double-charge or double-award.
*/
package points

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultReconcileWorkers = 4
	ReasonReconciliation    = "reconciliation"
	RefBalance              = "balance"
)

type Incident struct {
	ID         IncidentID
	UserID     UserID
	Ref        string // task/item id, or "balance" for drift found by Check
	Reason     string
	Balance    int64
	LedgerSum  int64
	CreatedAt  time.Time
	ResolvedAt *time.Time
}

// IsOpen reports whether the incident still needs attention.
func (i Incident) IsOpen() bool { return i.ResolvedAt == nil }

// Drift is a user whose balance does not match the ledger.
type Drift struct {
	UserID    UserID
	Balance   int64
	LedgerSum int64
}

// Delta is the amount the ledger is missing.
func (d Drift) Delta() int64 { return d.Balance - d.LedgerSum }

// =============================================================================
// INCIDENT QUEUE
// =============================================================================

type incidentQueue struct {
	store  Store
	now    func() time.Time
	logger *zap.Logger
}

func newIncidentQueue(store Store, logger *zap.Logger) *incidentQueue {
	return &incidentQueue{store: store, now: time.Now, logger: logger}
}

// raise records an incident and returns the error to surface to the
// caller. The caller's unit of work must already be rolled back.
func (q *incidentQueue) raise(ctx context.Context, userID UserID, ref, reason string) error {
	lerr := &LedgerInconsistencyError{UserID: userID, Ref: ref, Reason: reason}
	if q == nil {
		return lerr
	}

	inc := Incident{
		ID:        IncidentID(uuid.NewString()),
		UserID:    userID,
		Ref:       ref,
		Reason:    reason,
		CreatedAt: q.now().UTC(),
	}
	if u, err := q.store.GetUser(ctx, userID); err == nil {
		inc.Balance = u.TotalPoints
	}
	if sum, err := q.store.SumPoints(ctx, userID, "", time.Time{}); err == nil {
		inc.LedgerSum = sum
	}

	q.logger.Error("ledger inconsistency",
		zap.String("user_id", string(userID)),
		zap.String("ref", ref),
		zap.String("reason", reason),
		zap.Int64("balance", inc.Balance),
		zap.Int64("ledger_sum", inc.LedgerSum),
	)

	if err := q.store.CreateIncident(ctx, inc); err != nil {
		q.logger.Error("failed to record incident", zap.String("user_id", string(userID)), zap.Error(err))
		return lerr
	}
	lerr.IncidentID = inc.ID
	return lerr
}

// =============================================================================
// RECONCILER
// =============================================================================

// ReconcileReport summarizes one reconciliation pass.
type ReconcileReport struct {
	Checked   int
	Drifts    []Drift
	Incidents []IncidentID
	Repaired  int
}

type Reconciler struct {
	store    TxStore
	ledger   *Ledger
	balances *BalanceAccessor
	workers  int
	logger   *zap.Logger
	now      func() time.Time
}

func NewReconciler(store TxStore, ledger *Ledger, balances *BalanceAccessor, workers int, logger *zap.Logger) *Reconciler {
	if workers <= 0 {
		workers = DefaultReconcileWorkers
	}
	return &Reconciler{
		store:    store,
		ledger:   ledger,
		balances: balances,
		workers:  workers,
		logger:   logger,
		now:      time.Now,
	}
}

// Check compares every user's balance with their ledger sum. Users are
// checked in parallel, bounded by the worker limit.
func (r *Reconciler) Check(ctx context.Context) ([]Drift, int, error) {
	ids, err := r.store.ListUserIDs(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("list users: %w", err)
	}

	var (
		mu     sync.Mutex
		drifts []Drift
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)
	for _, id := range ids {
		g.Go(func() error {
			d, ok, err := r.checkUser(gctx, id)
			if err != nil {
				return fmt.Errorf("check %s: %w", id, err)
			}
			if ok {
				mu.Lock()
				drifts = append(drifts, d)
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, len(ids), err
	}

	slices.SortFunc(drifts, func(a, b Drift) int {
		switch {
		case a.UserID < b.UserID:
			return -1
		case a.UserID > b.UserID:
			return 1
		}
		return 0
	})
	return drifts, len(ids), nil
}

// checkUser reads balance and ledger sum under the user's balance lock so
// an in-flight approval cannot show up as drift.
func (r *Reconciler) checkUser(ctx context.Context, id UserID) (Drift, bool, error) {
	release := r.balances.Hold(id)
	defer release()

	u, err := r.store.GetUser(ctx, id)
	if err != nil {
		return Drift{}, false, err
	}
	sum, err := r.ledger.Sum(ctx, id)
	if err != nil {
		return Drift{}, false, err
	}
	if u.TotalPoints == sum {
		return Drift{}, false, nil
	}
	return Drift{UserID: id, Balance: u.TotalPoints, LedgerSum: sum}, true, nil
}

// Repair appends the adjustment that makes the ledger explain the current
// balance, then resolves the user's open incidents. It re-reads both
// sides under the user's lock and does nothing if they already agree.
func (r *Reconciler) Repair(ctx context.Context, userID UserID) (TransactionID, error) {
	release := r.balances.Hold(userID)
	defer release()

	var txID TransactionID
	err := r.store.WithTx(ctx, func(s Store) error {
		u, err := s.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		sum, err := s.SumPoints(ctx, userID, "", time.Time{})
		if err != nil {
			return err
		}
		delta := u.TotalPoints - sum
		if delta != 0 {
			txID, err = r.ledger.in(s).Append(ctx, Transaction{
				UserID:         userID,
				Points:         delta,
				Type:           TxAdjustment,
				TaskTitle:      "Point Adjustment: " + ReasonReconciliation,
				Metadata:       map[string]string{MetaReason: ReasonReconciliation},
				IdempotencyKey: reconcileKey(userID),
			})
			if err != nil {
				return err
			}
		}

		open, err := s.ListIncidents(ctx, false)
		if err != nil {
			return err
		}
		now := r.now().UTC()
		for _, inc := range open {
			if inc.UserID != userID {
				continue
			}
			if err := s.ResolveIncident(ctx, inc.ID, now); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("repair %s: %w", userID, err)
	}
	return txID, nil
}

// Run checks every user, opens an incident per drifting user that does
// not already have one, and repairs when autoRepair is set.
func (r *Reconciler) Run(ctx context.Context, autoRepair bool) (ReconcileReport, error) {
	drifts, checked, err := r.Check(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Checked: checked, Drifts: drifts}
	if len(drifts) == 0 {
		return report, nil
	}

	open, err := r.store.ListIncidents(ctx, false)
	if err != nil {
		return report, fmt.Errorf("list incidents: %w", err)
	}
	tracked := make(map[UserID]bool, len(open))
	for _, inc := range open {
		if inc.Ref == RefBalance {
			tracked[inc.UserID] = true
		}
	}

	for _, d := range drifts {
		r.logger.Warn("balance drift",
			zap.String("user_id", string(d.UserID)),
			zap.Int64("balance", d.Balance),
			zap.Int64("ledger_sum", d.LedgerSum),
		)
		if !tracked[d.UserID] {
			inc := Incident{
				ID:        IncidentID(uuid.NewString()),
				UserID:    d.UserID,
				Ref:       RefBalance,
				Reason:    fmt.Sprintf("balance %d does not match ledger sum %d", d.Balance, d.LedgerSum),
				Balance:   d.Balance,
				LedgerSum: d.LedgerSum,
				CreatedAt: r.now().UTC(),
			}
			if err := r.store.CreateIncident(ctx, inc); err != nil {
				return report, fmt.Errorf("record incident for %s: %w", d.UserID, err)
			}
			report.Incidents = append(report.Incidents, inc.ID)
		}
		if autoRepair {
			if _, err := r.Repair(ctx, d.UserID); err != nil {
				return report, err
			}
			report.Repaired++
		}
	}
	return report, nil
}

func (r *Reconciler) Incidents(ctx context.Context, includeResolved bool) ([]Incident, error) {
	return r.store.ListIncidents(ctx, includeResolved)
}
