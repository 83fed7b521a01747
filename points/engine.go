/*
engine.go - Engine Facade

PURPOSE:
  The single entry point for callers. Composes the Membership Registry,
  the Task and Redemption Controllers, the Balance Accessor and the
  Ledger, and guarantees that every balance mutation is paired with
  exactly one ledger entry.

AFTER COMMIT:
  - cached balances of the affected users are invalidated
  - notification events are handed to the Sink (failures are logged)
  - the outcome is logged and counted

USAGE:
  engine := points.NewEngine(store, points.Options{Logger: logger})
  task, res, err := engine.ApproveTask(ctx, taskID, approverID)
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

type Options struct {
	Cache              BalanceCache
	Sink               Sink
	Logger             *zap.Logger
	InviteCodeAttempts int
	ReconcileWorkers   int

	// InviteCodes overrides GenerateInviteCode.
	InviteCodes func() (string, error)
}

type Engine struct {
	store       TxStore
	ledger      *Ledger
	balances    *BalanceAccessor
	registry    *Registry
	tasks       *TaskController
	redemptions *RedemptionController
	reconciler  *Reconciler
	incidents   *incidentQueue
	sink        Sink
	logger      *zap.Logger
	now         func() time.Time
}

func NewEngine(store TxStore, opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sink := opts.Sink
	if sink == nil {
		sink = NopSink{}
	}

	ledger := NewLedger(store)
	balances := NewBalanceAccessor(store, opts.Cache)
	incidents := newIncidentQueue(store, logger)
	registry := NewRegistry(store, opts.InviteCodeAttempts)
	if opts.InviteCodes != nil {
		registry.newCode = opts.InviteCodes
	}

	return &Engine{
		store:       store,
		ledger:      ledger,
		balances:    balances,
		registry:    registry,
		tasks:       NewTaskController(store, ledger, balances, incidents),
		redemptions: NewRedemptionController(store, ledger, balances, incidents),
		reconciler:  NewReconciler(store, ledger, balances, opts.ReconcileWorkers, logger),
		incidents:   incidents,
		sink:        sink,
		logger:      logger,
		now:         time.Now,
	}
}

// =============================================================================
// AFTER-COMMIT HOOKS
// =============================================================================

// done logs and counts the outcome of op.
func (e *Engine) done(op string, err error, fields ...zap.Field) {
	operationsTotal.WithLabelValues(op, outcome(err)).Inc()
	switch {
	case err == nil:
		e.logger.Info(op, fields...)
	case errors.Is(err, ErrLedgerInconsistency):
		ledgerInconsistenciesTotal.Inc()
		e.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	case IsClientError(err):
		e.logger.Debug(op+" rejected", append(fields, zap.Error(err))...)
	default:
		e.logger.Error(op+" failed", append(fields, zap.Error(err))...)
	}
}

func (e *Engine) publish(ctx context.Context, events ...Event) {
	for _, ev := range events {
		if ev.UserID == "" || ev.UserID == Unassigned {
			continue
		}
		if err := e.sink.Publish(ctx, ev); err != nil {
			e.logger.Warn("notification not delivered",
				zap.String("event_id", ev.ID),
				zap.String("type", string(ev.Type)),
				zap.String("user_id", string(ev.UserID)),
				zap.Error(err),
			)
		}
	}
}

func (e *Engine) committed(ctx context.Context, userIDs ...UserID) {
	if err := e.balances.forget(ctx, userIDs...); err != nil {
		e.logger.Warn("balance cache invalidation failed", zap.Error(err))
	}
}

// =============================================================================
// USERS AND BALANCES
// =============================================================================

// RegisterUser creates the user record with a zero balance. Registering
// an existing id returns the stored user unchanged.
func (e *Engine) RegisterUser(ctx context.Context, id UserID, name, email string) (User, error) {
	if id == "" || id == Unassigned {
		return User{}, &ValidationError{Field: "id", Message: "required"}
	}
	var u User
	err := e.store.WithTx(ctx, func(s Store) error {
		cur, err := s.GetUser(ctx, id)
		if err == nil {
			u = *cur
			return nil
		}
		if !IsNotFound(err) {
			return err
		}
		u = User{ID: id, Name: name, Email: email, CreatedAt: e.now().UTC()}
		return s.CreateUser(ctx, u)
	})
	e.done("register user", err, zap.String("user_id", string(id)))
	if err != nil {
		return User{}, err
	}
	return u, nil
}

func (e *Engine) GetUser(ctx context.Context, id UserID) (User, error) {
	u, err := e.store.GetUser(ctx, id)
	if err != nil {
		return User{}, err
	}
	return *u, nil
}

func (e *Engine) GetBalance(ctx context.Context, id UserID) (int64, error) {
	return e.balances.Get(ctx, id)
}

func (e *Engine) ListUserTransactions(ctx context.Context, id UserID, pageSize int, cursor string) (Page, error) {
	return e.ledger.ListByUser(ctx, id, pageSize, cursor)
}

// Summary is a user's balance plus points earned this week and month.
type Summary struct {
	UserID        UserID
	Balance       int64
	WeeklyEarned  int64
	MonthlyEarned int64
	WeekStart     time.Time
	MonthStart    time.Time
}

// PointsSummary derives weekly (from Sunday 00:00 UTC) and monthly earned
// points from the ledger.
func (e *Engine) PointsSummary(ctx context.Context, id UserID, now time.Time) (Summary, error) {
	balance, err := e.balances.Get(ctx, id)
	if err != nil {
		return Summary{}, err
	}
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	s := Summary{
		UserID:     id,
		Balance:    balance,
		WeekStart:  day.AddDate(0, 0, -int(day.Weekday())),
		MonthStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
	}
	if s.WeeklyEarned, err = e.ledger.EarnedSince(ctx, id, s.WeekStart); err != nil {
		return Summary{}, err
	}
	if s.MonthlyEarned, err = e.ledger.EarnedSince(ctx, id, s.MonthStart); err != nil {
		return Summary{}, err
	}
	return s, nil
}

// =============================================================================
// GROUPS
// =============================================================================

func (e *Engine) CreateGroup(ctx context.Context, owner UserID, name, description string) (Group, error) {
	g, err := e.registry.CreateGroup(ctx, name, description, owner)
	e.done("create group", err, zap.String("user_id", string(owner)), zap.String("group_id", string(g.ID)))
	return g, err
}

func (e *Engine) GetGroup(ctx context.Context, id GroupID) (Group, error) {
	return e.registry.Get(ctx, id)
}

func (e *Engine) UpdateGroup(ctx context.Context, id GroupID, actor UserID, name, description string) (Group, error) {
	g, err := e.registry.UpdateGroup(ctx, id, actor, name, description)
	e.done("update group", err, zap.String("user_id", string(actor)), zap.String("group_id", string(id)))
	return g, err
}

func (e *Engine) DeleteGroup(ctx context.Context, id GroupID, actor UserID) error {
	err := e.registry.DeleteGroup(ctx, id, actor)
	e.done("delete group", err, zap.String("user_id", string(actor)), zap.String("group_id", string(id)))
	return err
}

func (e *Engine) ResolveInviteCode(ctx context.Context, code string) (Group, error) {
	return e.registry.ResolveInviteCode(ctx, code)
}

func (e *Engine) ListUserGroups(ctx context.Context, userID UserID) ([]Group, error) {
	return e.registry.GroupsOf(ctx, userID)
}

// JoinGroup adds userID to the group the code resolves to. Joining a
// group twice is a no-op.
func (e *Engine) JoinGroup(ctx context.Context, code string, userID UserID) (Group, error) {
	g, err := e.registry.ResolveInviteCode(ctx, code)
	if err != nil {
		e.done("join group", err, zap.String("user_id", string(userID)))
		return Group{}, err
	}
	g, added, err := e.registry.AddMember(ctx, g.ID, userID)
	e.done("join group", err, zap.String("user_id", string(userID)), zap.String("group_id", string(g.ID)), zap.Bool("added", added))
	if err != nil {
		return Group{}, err
	}
	if added {
		e.publish(ctx, memberJoinedEvent(g, userID))
	}
	return g, nil
}

// LeaveGroup removes userID from the group. The owner cannot leave.
func (e *Engine) LeaveGroup(ctx context.Context, groupID GroupID, userID UserID) (Group, error) {
	return e.RemoveMember(ctx, groupID, userID, userID)
}

func (e *Engine) RemoveMember(ctx context.Context, groupID GroupID, actor, userID UserID) (Group, error) {
	g, removed, err := e.registry.RemoveMember(ctx, groupID, actor, userID)
	e.done("remove member", err,
		zap.String("user_id", string(actor)),
		zap.String("member_id", string(userID)),
		zap.String("group_id", string(groupID)),
		zap.Bool("removed", removed),
	)
	return g, err
}

// InviteMember sends the group's invite code to invitee. Membership is
// unchanged until the invitee joins.
func (e *Engine) InviteMember(ctx context.Context, groupID GroupID, inviter, invitee UserID) error {
	err := func() error {
		if invitee == "" {
			return &ValidationError{Field: "invitee", Message: "required"}
		}
		g, err := requireMember(ctx, e.store, groupID, inviter, "invite")
		if err != nil {
			return err
		}
		if g.HasMember(invitee) {
			return nil
		}
		e.publish(ctx, groupInviteEvent(*g, invitee, inviter))
		return nil
	}()
	e.done("invite member", err, zap.String("user_id", string(inviter)), zap.String("invitee", string(invitee)))
	return err
}

// AdjustPoints applies an owner's manual correction to a member's balance
// with one adjustment entry.
func (e *Engine) AdjustPoints(ctx context.Context, groupID GroupID, actor, userID UserID, delta int64, reason string) (Result, error) {
	res, err := e.adjustPoints(ctx, groupID, actor, userID, delta, reason)
	e.done("adjust points", err,
		zap.String("user_id", string(actor)),
		zap.String("member_id", string(userID)),
		zap.String("group_id", string(groupID)),
		zap.Int64("points", delta),
		zap.Int64("balance", res.Balance),
	)
	if err == nil {
		recordPoints(TxAdjustment, delta)
		e.committed(ctx, userID)
	}
	return res, err
}

func (e *Engine) adjustPoints(ctx context.Context, groupID GroupID, actor, userID UserID, delta int64, reason string) (Result, error) {
	if delta == 0 {
		return Result{}, &ValidationError{Field: "points", Message: "must not be zero"}
	}
	if err := requireRange("points", delta, -MaxItemCost, MaxItemCost); err != nil {
		return Result{}, err
	}
	if err := requireText("reason", reason, MaxTaskTitle); err != nil {
		return Result{}, err
	}

	release := e.balances.Hold(userID)
	defer release()

	var res Result
	err := e.store.WithTx(ctx, func(s Store) error {
		g, err := s.GetGroup(ctx, groupID)
		if err != nil {
			return err
		}
		if g.OwnerID != actor {
			return &UnauthorizedError{Actor: actor, Op: "adjust points", Rule: "group owner only"}
		}
		if !g.HasMember(userID) {
			return &ValidationError{Field: "userId", Message: "not a member of the group"}
		}
		balance, err := e.balances.in(s).Adjust(ctx, userID, delta)
		if err != nil {
			return err
		}
		txID, err := e.ledger.in(s).Append(ctx, Transaction{
			UserID:    userID,
			GroupID:   groupID,
			Points:    delta,
			Type:      TxAdjustment,
			TaskTitle: "Point Adjustment: " + reason,
			GroupName: g.Name,
			Metadata: map[string]string{
				MetaReason:     reason,
				MetaApprovedBy: string(actor),
			},
			IdempotencyKey: adjustmentKey(),
		})
		if err != nil {
			return err
		}
		res = Result{UserID: userID, Balance: balance, TransactionID: txID}
		return nil
	})
	return res, err
}

func (e *Engine) ListGroupTransactions(ctx context.Context, groupID GroupID, pageSize int) ([]Transaction, error) {
	return e.ledger.ListByGroup(ctx, groupID, pageSize)
}

// =============================================================================
// TASKS
// =============================================================================

func (e *Engine) CreateTask(ctx context.Context, creator UserID, in NewTask) (Task, error) {
	t, err := e.tasks.Create(ctx, creator, in)
	e.done("create task", err, zap.String("user_id", string(creator)), zap.String("task_id", string(t.ID)))
	if err == nil && t.IsAssigned() && t.AssignedTo != creator {
		e.publish(ctx, taskAssignedEvent(t))
	}
	return t, err
}

func (e *Engine) GetTask(ctx context.Context, id TaskID) (Task, error) {
	return e.tasks.Get(ctx, id)
}

func (e *Engine) UpdateTask(ctx context.Context, id TaskID, actor UserID, upd TaskUpdate) (Task, error) {
	t, err := e.tasks.Update(ctx, id, actor, upd)
	e.done("update task", err, zap.String("user_id", string(actor)), zap.String("task_id", string(id)))
	return t, err
}

func (e *Engine) DeleteTask(ctx context.Context, id TaskID, actor UserID) error {
	err := e.tasks.Delete(ctx, id, actor)
	e.done("delete task", err, zap.String("user_id", string(actor)), zap.String("task_id", string(id)))
	return err
}

func (e *Engine) ClaimTask(ctx context.Context, id TaskID, actor UserID) (Task, error) {
	t, err := e.tasks.Claim(ctx, id, actor)
	e.done("claim task", err, zap.String("user_id", string(actor)), zap.String("task_id", string(id)))
	return t, err
}

func (e *Engine) StartTask(ctx context.Context, id TaskID, actor UserID) (Task, error) {
	t, err := e.tasks.Start(ctx, id, actor)
	e.done("start task", err, zap.String("user_id", string(actor)), zap.String("task_id", string(id)))
	return t, err
}

func (e *Engine) CompleteTask(ctx context.Context, id TaskID, actor UserID) (Task, error) {
	t, err := e.tasks.Complete(ctx, id, actor)
	e.done("complete task", err, zap.String("user_id", string(actor)), zap.String("task_id", string(id)))
	if err == nil && t.AssignedBy != actor {
		e.publish(ctx, taskCompletedEvent(t))
	}
	return t, err
}

// ApproveTask approves a completed task and awards its points to the
// assignee.
func (e *Engine) ApproveTask(ctx context.Context, id TaskID, approver UserID) (Task, Result, error) {
	t, res, err := e.tasks.Approve(ctx, id, approver)
	e.done("approve task", err,
		zap.String("user_id", string(approver)),
		zap.String("task_id", string(id)),
		zap.String("assignee", string(res.UserID)),
		zap.Int64("points", t.Points),
		zap.Int64("balance", res.Balance),
	)
	if err != nil {
		return Task{}, Result{}, err
	}
	recordPoints(TxEarned, t.Points)
	e.committed(ctx, res.UserID)
	e.publish(ctx, taskApprovedEvents(t)...)
	return t, res, nil
}

func (e *Engine) ListGroupTasks(ctx context.Context, groupID GroupID) ([]Task, error) {
	return e.tasks.ByGroup(ctx, groupID)
}

func (e *Engine) ListUserTasks(ctx context.Context, userID UserID) ([]Task, error) {
	return e.tasks.ByAssignee(ctx, userID)
}

func (e *Engine) ListTaskTransactions(ctx context.Context, id TaskID) ([]Transaction, error) {
	return e.ledger.ListByTask(ctx, id)
}

// =============================================================================
// WISHLIST
// =============================================================================

func (e *Engine) CreateWishlistItem(ctx context.Context, owner UserID, in NewItem) (WishlistItem, error) {
	item, err := e.redemptions.Create(ctx, owner, in)
	e.done("create wishlist item", err, zap.String("user_id", string(owner)), zap.String("item_id", string(item.ID)))
	return item, err
}

func (e *Engine) GetWishlistItem(ctx context.Context, id ItemID) (WishlistItem, error) {
	return e.redemptions.Get(ctx, id)
}

func (e *Engine) UpdateWishlistItem(ctx context.Context, id ItemID, actor UserID, upd ItemUpdate) (WishlistItem, error) {
	item, err := e.redemptions.Update(ctx, id, actor, upd)
	e.done("update wishlist item", err, zap.String("user_id", string(actor)), zap.String("item_id", string(id)))
	return item, err
}

func (e *Engine) DeleteWishlistItem(ctx context.Context, id ItemID, actor UserID) error {
	err := e.redemptions.Delete(ctx, id, actor)
	e.done("delete wishlist item", err, zap.String("user_id", string(actor)), zap.String("item_id", string(id)))
	return err
}

// PurchaseItem redeems the item against the buyer's balance.
func (e *Engine) PurchaseItem(ctx context.Context, id ItemID, buyer UserID) (WishlistItem, Result, error) {
	item, res, err := e.redemptions.Purchase(ctx, id, buyer)
	e.done("purchase item", err,
		zap.String("user_id", string(buyer)),
		zap.String("item_id", string(id)),
		zap.Int64("points", -item.Cost),
		zap.Int64("balance", res.Balance),
	)
	if err != nil {
		return WishlistItem{}, Result{}, err
	}
	recordPoints(TxSpent, item.Cost)
	e.committed(ctx, buyer)
	return item, res, nil
}

// GiftItem marks the item as gifted by gifter. No points move.
func (e *Engine) GiftItem(ctx context.Context, id ItemID, gifter UserID) (WishlistItem, Result, error) {
	item, res, err := e.redemptions.Gift(ctx, id, gifter)
	e.done("gift item", err, zap.String("user_id", string(gifter)), zap.String("item_id", string(id)))
	if err != nil {
		return WishlistItem{}, Result{}, err
	}
	e.publish(ctx, wishlistGiftedEvent(item))
	return item, res, nil
}

func (e *Engine) ListGroupWishlist(ctx context.Context, groupID GroupID) ([]WishlistItem, error) {
	return e.redemptions.ByGroup(ctx, groupID)
}

// =============================================================================
// RECONCILIATION
// =============================================================================

// Reconcile checks every balance against its ledger and optionally
// repairs drift.
func (e *Engine) Reconcile(ctx context.Context, autoRepair bool) (ReconcileReport, error) {
	report, err := e.reconciler.Run(ctx, autoRepair)
	e.done("reconcile", err,
		zap.Int("checked", report.Checked),
		zap.Int("drifts", len(report.Drifts)),
		zap.Int("repaired", report.Repaired),
	)
	return report, err
}

// RepairUser explains userID's balance drift with one adjustment entry.
func (e *Engine) RepairUser(ctx context.Context, userID UserID) (TransactionID, error) {
	txID, err := e.reconciler.Repair(ctx, userID)
	e.done("repair balance", err, zap.String("user_id", string(userID)), zap.String("transaction_id", string(txID)))
	if err != nil {
		return "", fmt.Errorf("repair: %w", err)
	}
	return txID, nil
}

func (e *Engine) Incidents(ctx context.Context, includeResolved bool) ([]Incident, error) {
	return e.reconciler.Incidents(ctx, includeResolved)
}
