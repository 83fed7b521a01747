/*
handlers.go - HTTP API handlers for the household points engine

PURPOSE:
  Exposes the points engine via REST API. Handles HTTP request/response
  and JSON serialization, and delegates everything else to points.Engine.

ENDPOINTS:
  Users:
    POST   /api/users                       Register the caller
    GET    /api/users/{id}/balance          Current balance
    GET    /api/users/{id}/transactions     Ledger history (page_size, cursor)
    GET    /api/users/{id}/summary          Weekly and monthly earnings
    GET    /api/users/{id}/tasks            Tasks assigned to the user
    GET    /api/users/{id}/groups           Groups the user belongs to

  Groups:
    POST   /api/groups                      Create (caller owns it)
    GET    /api/groups/{id}                 Details
    PUT    /api/groups/{id}                 Rename / describe (owner)
    DELETE /api/groups/{id}                 Delete (owner)
    POST   /api/groups/join                 Join by invite code
    POST   /api/groups/{id}/leave           Leave
    DELETE /api/groups/{id}/members/{userId} Remove a member
    POST   /api/groups/{id}/invites         Send an invite notification
    POST   /api/groups/{id}/adjustments     Manual point adjustment (owner)
    GET    /api/groups/{id}/tasks|wishlist|transactions

  Tasks:
    POST   /api/tasks                       Create
    GET|PUT|DELETE /api/tasks/{id}
    POST   /api/tasks/{id}/claim|start|complete|approve
    GET    /api/tasks/{id}/transactions

  Wishlist:
    POST   /api/wishlist                    Create
    GET|PUT|DELETE /api/wishlist/{id}
    POST   /api/wishlist/{id}/purchase|gift

  Admin (restricted to ADMIN_USERS when configured):
    POST   /api/admin/reconcile?repair=true Balance/ledger check (409 while one runs)
    GET    /api/admin/incidents?all=true    Incident queue

IDENTITY:
  The acting user is always the X-User-ID header (see middleware.go).

ERROR HANDLING:
  Engine errors are mapped in errors.go:
  - 400: invalid input
  - 403: caller lacks the role
  - 404: unknown record
  - 409: state conflict
  - 422: insufficient funds
  - 500: ledger inconsistency or internal error

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/warp/household-points/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Reconciler runs on-demand reconciliation. *ReconciliationScheduler
// implements it so manual and scheduled runs never overlap.
type Reconciler interface {
	RunNow(ctx context.Context, repair bool) (points.ReconcileReport, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *points.Engine
	reconciler Reconciler
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a new handler around the engine. A nil reconciler
// gets an unscheduled ReconciliationScheduler of its own.
func NewHandler(engine *points.Engine, reconciler Reconciler, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reconciler == nil {
		// An empty schedule cannot fail to parse.
		reconciler, _ = NewReconciliationScheduler(engine, nil, SchedulerConfig{}, logger)
	}
	return &Handler{Engine: engine, reconciler: reconciler, logger: logger, now: time.Now}
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// RegisterUser creates the caller's user record. Repeating it is harmless.
func (h *Handler) RegisterUser(w http.ResponseWriter, r *http.Request) {
	var req RegisterUserRequest
	if !decode(w, r, &req) {
		return
	}
	u, err := h.Engine.RegisterUser(r.Context(), caller(r), req.Name, req.Email)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserDTO(u))
}

func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := points.UserID(chi.URLParam(r, "id"))
	balance, err := h.Engine.GetBalance(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(id), Balance: balance})
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	id := points.UserID(chi.URLParam(r, "id"))
	pageSize, ok := queryInt(w, r, "page_size")
	if !ok {
		return
	}
	page, err := h.Engine.ListUserTransactions(r.Context(), id, pageSize, r.URL.Query().Get("cursor"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, TransactionPageDTO{
		Transactions: toTransactionDTOs(page.Transactions),
		NextCursor:   page.NextCursor,
		HasMore:      page.HasMore,
	})
}

func (h *Handler) GetSummary(w http.ResponseWriter, r *http.Request) {
	id := points.UserID(chi.URLParam(r, "id"))
	s, err := h.Engine.PointsSummary(r.Context(), id, h.now())
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SummaryDTO{
		UserID:        string(s.UserID),
		Balance:       s.Balance,
		WeeklyEarned:  s.WeeklyEarned,
		MonthlyEarned: s.MonthlyEarned,
		WeekStart:     formatTime(s.WeekStart),
		MonthStart:    formatTime(s.MonthStart),
	})
}

func (h *Handler) ListUserTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Engine.ListUserTasks(r.Context(), points.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

func (h *Handler) ListUserGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Engine.ListUserGroups(r.Context(), points.UserID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTOs(groups))
}

// =============================================================================
// GROUP HANDLERS
// =============================================================================

func (h *Handler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Engine.CreateGroup(r.Context(), caller(r), req.Name, req.Description)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toGroupDTO(g))
}

func (h *Handler) GetGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.Engine.GetGroup(r.Context(), groupParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (h *Handler) UpdateGroup(w http.ResponseWriter, r *http.Request) {
	var req GroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Engine.UpdateGroup(r.Context(), groupParam(r), caller(r), req.Name, req.Description)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (h *Handler) DeleteGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteGroup(r.Context(), groupParam(r), caller(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ResolveInvite previews the group behind an invite code.
func (h *Handler) ResolveInvite(w http.ResponseWriter, r *http.Request) {
	g, err := h.Engine.ResolveInviteCode(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (h *Handler) JoinGroup(w http.ResponseWriter, r *http.Request) {
	var req JoinGroupRequest
	if !decode(w, r, &req) {
		return
	}
	g, err := h.Engine.JoinGroup(r.Context(), req.InviteCode, caller(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (h *Handler) LeaveGroup(w http.ResponseWriter, r *http.Request) {
	g, err := h.Engine.LeaveGroup(r.Context(), groupParam(r), caller(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (h *Handler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	member := points.UserID(chi.URLParam(r, "userId"))
	g, err := h.Engine.RemoveMember(r.Context(), groupParam(r), caller(r), member)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toGroupDTO(g))
}

func (h *Handler) InviteMember(w http.ResponseWriter, r *http.Request) {
	var req InviteRequest
	if !decode(w, r, &req) {
		return
	}
	if err := h.Engine.InviteMember(r.Context(), groupParam(r), caller(r), points.UserID(req.UserID)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// CreateAdjustment lets the group owner correct a member's balance.
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	var req AdjustmentRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.AdjustPoints(r.Context(), groupParam(r), caller(r), points.UserID(req.UserID), req.Delta, req.Reason)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toResultDTO(res))
}

func (h *Handler) ListGroupTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.Engine.ListGroupTasks(r.Context(), groupParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTOs(tasks))
}

func (h *Handler) ListGroupWishlist(w http.ResponseWriter, r *http.Request) {
	items, err := h.Engine.ListGroupWishlist(r.Context(), groupParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTOs(items))
}

func (h *Handler) ListGroupTransactions(w http.ResponseWriter, r *http.Request) {
	pageSize, ok := queryInt(w, r, "page_size")
	if !ok {
		return
	}
	txs, err := h.Engine.ListGroupTransactions(r.Context(), groupParam(r), pageSize)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// TASK HANDLERS
// =============================================================================

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := h.Engine.CreateTask(r.Context(), caller(r), points.NewTask{
		GroupID:     points.GroupID(req.GroupID),
		Title:       req.Title,
		Description: req.Description,
		Points:      req.Points,
		AssignedTo:  points.UserID(req.AssignedTo),
		DueDate:     req.DueDate,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTaskDTO(t))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.Engine.GetTask(r.Context(), taskParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

func (h *Handler) UpdateTask(w http.ResponseWriter, r *http.Request) {
	var req UpdateTaskRequest
	if !decode(w, r, &req) {
		return
	}
	upd := points.TaskUpdate{
		Title:       req.Title,
		Description: req.Description,
		Points:      req.Points,
		DueDate:     req.DueDate,
	}
	if req.AssignedTo != nil {
		assignee := points.UserID(*req.AssignedTo)
		upd.AssignedTo = &assignee
	}
	t, err := h.Engine.UpdateTask(r.Context(), taskParam(r), caller(r), upd)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteTask(r.Context(), taskParam(r), caller(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// taskAction adapts the single-step task transitions.
type taskAction func(ctx context.Context, id points.TaskID, actor points.UserID) (points.Task, error)

func (h *Handler) runTaskAction(w http.ResponseWriter, r *http.Request, op taskAction) {
	t, err := op(r.Context(), taskParam(r), caller(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTaskDTO(t))
}

func (h *Handler) ClaimTask(w http.ResponseWriter, r *http.Request) {
	h.runTaskAction(w, r, h.Engine.ClaimTask)
}

func (h *Handler) StartTask(w http.ResponseWriter, r *http.Request) {
	h.runTaskAction(w, r, h.Engine.StartTask)
}

func (h *Handler) CompleteTask(w http.ResponseWriter, r *http.Request) {
	h.runTaskAction(w, r, h.Engine.CompleteTask)
}

// ApproveTask awards the task's points to its assignee.
func (h *Handler) ApproveTask(w http.ResponseWriter, r *http.Request) {
	t, res, err := h.Engine.ApproveTask(r.Context(), taskParam(r), caller(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ApproveTaskResponse{Task: toTaskDTO(t), Result: toResultDTO(res)})
}

func (h *Handler) ListTaskTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Engine.ListTaskTransactions(r.Context(), taskParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// =============================================================================
// WISHLIST HANDLERS
// =============================================================================

func (h *Handler) CreateItem(w http.ResponseWriter, r *http.Request) {
	var req CreateItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.Engine.CreateWishlistItem(r.Context(), caller(r), points.NewItem{
		GroupID:     points.GroupID(req.GroupID),
		Title:       req.Title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Cost:        req.Cost,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toItemDTO(item))
}

func (h *Handler) GetItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.Engine.GetWishlistItem(r.Context(), itemParam(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func (h *Handler) UpdateItem(w http.ResponseWriter, r *http.Request) {
	var req UpdateItemRequest
	if !decode(w, r, &req) {
		return
	}
	item, err := h.Engine.UpdateWishlistItem(r.Context(), itemParam(r), caller(r), points.ItemUpdate{
		Title:       req.Title,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Cost:        req.Cost,
	})
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toItemDTO(item))
}

func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.Engine.DeleteWishlistItem(r.Context(), itemParam(r), caller(r)); err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) PurchaseItem(w http.ResponseWriter, r *http.Request) {
	item, res, err := h.Engine.PurchaseItem(r.Context(), itemParam(r), caller(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{Item: toItemDTO(item), Result: toResultDTO(res)})
}

func (h *Handler) GiftItem(w http.ResponseWriter, r *http.Request) {
	item, res, err := h.Engine.GiftItem(r.Context(), itemParam(r), caller(r))
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RedeemResponse{Item: toItemDTO(item), Result: toResultDTO(res)})
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// Reconcile runs a balance/ledger check now. ?repair=true appends the
// correcting adjustments.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	repair, _ := strconv.ParseBool(r.URL.Query().Get("repair"))
	report, err := h.reconciler.RunNow(r.Context(), repair)
	if errors.Is(err, ErrReconcileRunning) {
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toReconcileResponse(report))
}

func (h *Handler) ListIncidents(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	incidents, err := h.Engine.Incidents(r.Context(), all)
	if err != nil {
		h.writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toIncidentDTOs(incidents))
}

// =============================================================================
// HELPERS
// =============================================================================

func groupParam(r *http.Request) points.GroupID { return points.GroupID(chi.URLParam(r, "id")) }

func taskParam(r *http.Request) points.TaskID { return points.TaskID(chi.URLParam(r, "id")) }

func itemParam(r *http.Request) points.ItemID { return points.ItemID(chi.URLParam(r, "id")) }

// queryInt parses an optional integer query parameter; 0 means absent.
func queryInt(w http.ResponseWriter, r *http.Request, key string) (int, bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid "+key, err)
		return 0, false
	}
	return n, true
}
