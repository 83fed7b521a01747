/*
task.go - Task Lifecycle Controller

STATE MACHINE (see fsm.go):
  pending -> in_progress -> completed -> approved
  pending ----------------> completed
  claim keeps pending and only fills assignedTo.

AUTHORIZATION (authorizeTask is the single place these live):
  claim:           any group member, task unassigned
  start, complete: the assignee
  approve:         the creator (assignedBy)
  update, delete:  the creator or the group owner

APPROVAL:
  status -> approved, balance += points and one earned entry keyed
  task:<id>:earned commit together in one store transaction, under the
  assignee's balance lock. A second approve fails on the state machine.
  If the key is already taken while the task still says completed, the
  unit is rolled back and surfaced as a ledger inconsistency.
*/
package points

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewTask is the input to TaskController.Create.
type NewTask struct {
	GroupID     GroupID
	Title       string
	Description string
	Points      int64
	AssignedTo  UserID // empty or Unassigned leaves the task open to claim
	DueDate     *time.Time
}

// TaskUpdate carries the fields to change. Nil fields are left alone.
type TaskUpdate struct {
	Title       *string
	Description *string
	Points      *int64
	AssignedTo  *UserID
	DueDate     *time.Time
}

type TaskController struct {
	store     TxStore
	ledger    *Ledger
	balances  *BalanceAccessor
	incidents *incidentQueue
	now       func() time.Time
}

func NewTaskController(store TxStore, ledger *Ledger, balances *BalanceAccessor, incidents *incidentQueue) *TaskController {
	return &TaskController{
		store:     store,
		ledger:    ledger,
		balances:  balances,
		incidents: incidents,
		now:       time.Now,
	}
}

// authorizeTask checks the actor's role for op. Status is checked
// separately by TaskMachine.
func authorizeTask(op string, t *Task, actor UserID, groupOwner UserID) error {
	switch op {
	case OpClaim:
		if t.IsAssigned() && t.AssignedTo != actor {
			return &UnauthorizedError{Actor: actor, Op: op, Rule: "task is assigned to another member"}
		}
	case OpStart, OpComplete:
		if t.AssignedTo != actor {
			return &UnauthorizedError{Actor: actor, Op: op, Rule: "assignee only"}
		}
	case OpApprove:
		if t.AssignedBy != actor {
			return &UnauthorizedError{Actor: actor, Op: op, Rule: "task creator only"}
		}
	case OpEdit, OpDelete:
		if t.AssignedBy != actor && (groupOwner == "" || groupOwner != actor) {
			return &UnauthorizedError{Actor: actor, Op: op, Rule: "task creator or group owner only"}
		}
	default:
		return fmt.Errorf("unknown task operation %q", op)
	}
	return nil
}

// Create adds a pending task. The creator must be a group member and so
// must the assignee, if any.
func (c *TaskController) Create(ctx context.Context, creator UserID, in NewTask) (Task, error) {
	if err := validateTaskFields(in.Title, in.Description, in.Points); err != nil {
		return Task{}, err
	}
	g, err := requireMember(ctx, c.store, in.GroupID, creator, "create task")
	if err != nil {
		return Task{}, err
	}
	assignee := in.AssignedTo
	if assignee == "" {
		assignee = Unassigned
	}
	if assignee != Unassigned && !g.HasMember(assignee) {
		return Task{}, &ValidationError{Field: "assignedTo", Message: "assignee must be a group member"}
	}

	now := c.now().UTC()
	t := Task{
		ID:          TaskID(uuid.NewString()),
		GroupID:     in.GroupID,
		Title:       in.Title,
		Description: in.Description,
		Points:      in.Points,
		AssignedTo:  assignee,
		AssignedBy:  creator,
		Status:      TaskPending,
		DueDate:     in.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := c.store.CreateTask(ctx, t); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

func validateTaskFields(title, description string, pts int64) error {
	if err := requireText("title", title, MaxTaskTitle); err != nil {
		return err
	}
	if err := optionalText("description", description, MaxTaskDescription); err != nil {
		return err
	}
	return requireRange("points", pts, MinTaskPoints, MaxTaskPoints)
}

func (c *TaskController) Get(ctx context.Context, id TaskID) (Task, error) {
	t, err := c.store.GetTask(ctx, id)
	if err != nil {
		return Task{}, err
	}
	return *t, nil
}

// transition loads the task inside a store transaction, authorizes op,
// advances the state machine and lets apply finish the change.
func (c *TaskController) transition(ctx context.Context, id TaskID, actor UserID, op string,
	apply func(s Store, t *Task, now time.Time) error) (Task, error) {

	var out Task
	err := c.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		owner, err := c.groupOwner(ctx, s, t.GroupID, op)
		if err != nil {
			return err
		}
		if err := authorizeTask(op, t, actor, owner); err != nil {
			return err
		}
		next, err := TaskMachine.Next(op, string(t.ID), t.Status)
		if err != nil {
			return err
		}
		now := c.now().UTC()
		t.Status = next
		t.UpdatedAt = now
		if apply != nil {
			if err := apply(s, t, now); err != nil {
				return err
			}
		}
		if err := s.UpdateTask(ctx, *t); err != nil {
			return err
		}
		out = *t
		return nil
	})
	if err != nil {
		return Task{}, err
	}
	return out, nil
}

// groupOwner is only needed by the operations the owner may perform.
func (c *TaskController) groupOwner(ctx context.Context, s GroupStore, groupID GroupID, op string) (UserID, error) {
	if op != OpEdit && op != OpDelete {
		return "", nil
	}
	g, err := s.GetGroup(ctx, groupID)
	if err != nil {
		if IsNotFound(err) {
			return "", nil
		}
		return "", err
	}
	return g.OwnerID, nil
}

// Claim assigns an open task to actor. Status stays pending.
func (c *TaskController) Claim(ctx context.Context, id TaskID, actor UserID) (Task, error) {
	return c.transition(ctx, id, actor, OpClaim, func(s Store, t *Task, _ time.Time) error {
		if _, err := requireMember(ctx, s, t.GroupID, actor, OpClaim); err != nil {
			return err
		}
		t.AssignedTo = actor
		return nil
	})
}

// Start moves pending -> in_progress.
func (c *TaskController) Start(ctx context.Context, id TaskID, actor UserID) (Task, error) {
	return c.transition(ctx, id, actor, OpStart, nil)
}

// Complete moves pending or in_progress -> completed.
func (c *TaskController) Complete(ctx context.Context, id TaskID, actor UserID) (Task, error) {
	return c.transition(ctx, id, actor, OpComplete, func(_ Store, t *Task, now time.Time) error {
		t.CompletedAt = &now
		return nil
	})
}

// Approve moves completed -> approved and awards the points to the
// assignee exactly once.
func (c *TaskController) Approve(ctx context.Context, id TaskID, actor UserID) (Task, Result, error) {
	// Fail fast without taking locks; the checks are repeated in the
	// transaction.
	t, err := c.store.GetTask(ctx, id)
	if err != nil {
		return Task{}, Result{}, err
	}
	if err := authorizeTask(OpApprove, t, actor, ""); err != nil {
		return Task{}, Result{}, err
	}
	if _, err := TaskMachine.Next(OpApprove, string(t.ID), t.Status); err != nil {
		return Task{}, Result{}, err
	}

	release := c.balances.Hold(t.AssignedTo)
	defer release()

	var res Result
	approved, err := c.transition(ctx, id, actor, OpApprove, func(s Store, t *Task, now time.Time) error {
		t.ApprovedAt = &now

		// Group before balance: rows are locked task, group, user.
		name, err := groupName(ctx, s, t.GroupID)
		if err != nil {
			return err
		}
		balance, err := c.balances.in(s).Adjust(ctx, t.AssignedTo, t.Points)
		if err != nil {
			return err
		}
		txID, err := c.ledger.in(s).Append(ctx, Transaction{
			UserID:    t.AssignedTo,
			GroupID:   t.GroupID,
			TaskID:    t.ID,
			Points:    t.Points,
			Type:      TxEarned,
			TaskTitle: t.Title,
			GroupName: name,
			Metadata: map[string]string{
				MetaTaskDescription: t.Description,
				MetaApprovedBy:      string(actor),
			},
			IdempotencyKey: taskEarnedKey(t.ID),
			Timestamp:      now,
		})
		if err != nil {
			return err
		}
		res = Result{UserID: t.AssignedTo, Balance: balance, TransactionID: txID}
		return nil
	})
	if errors.Is(err, ErrDuplicateIdempotencyKey) {
		return Task{}, Result{}, c.incidents.raise(ctx, t.AssignedTo, string(t.ID),
			"earned entry already recorded for a task that is not approved")
	}
	if err != nil {
		return Task{}, Result{}, err
	}
	return approved, res, nil
}

// Update edits a pending task.
func (c *TaskController) Update(ctx context.Context, id TaskID, actor UserID, upd TaskUpdate) (Task, error) {
	return c.transition(ctx, id, actor, OpEdit, func(s Store, t *Task, _ time.Time) error {
		if upd.Title != nil {
			t.Title = *upd.Title
		}
		if upd.Description != nil {
			t.Description = *upd.Description
		}
		if upd.Points != nil {
			t.Points = *upd.Points
		}
		if upd.DueDate != nil {
			due := *upd.DueDate
			t.DueDate = &due
		}
		if upd.AssignedTo != nil {
			to := *upd.AssignedTo
			if to == "" {
				to = Unassigned
			}
			if to != Unassigned {
				if _, err := requireMember(ctx, s, t.GroupID, to, "be assigned"); err != nil {
					return &ValidationError{Field: "assignedTo", Message: "assignee must be a group member"}
				}
			}
			t.AssignedTo = to
		}
		return validateTaskFields(t.Title, t.Description, t.Points)
	})
}

// Delete removes a pending task.
func (c *TaskController) Delete(ctx context.Context, id TaskID, actor UserID) error {
	return c.store.WithTx(ctx, func(s Store) error {
		t, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		owner, err := c.groupOwner(ctx, s, t.GroupID, OpDelete)
		if err != nil {
			return err
		}
		if err := authorizeTask(OpDelete, t, actor, owner); err != nil {
			return err
		}
		if _, err := TaskMachine.Next(OpDelete, string(t.ID), t.Status); err != nil {
			return err
		}
		return s.DeleteTask(ctx, id)
	})
}

func (c *TaskController) ByGroup(ctx context.Context, groupID GroupID) ([]Task, error) {
	return c.store.TasksByGroup(ctx, groupID)
}

func (c *TaskController) ByAssignee(ctx context.Context, userID UserID) ([]Task, error) {
	return c.store.TasksByAssignee(ctx, userID)
}
