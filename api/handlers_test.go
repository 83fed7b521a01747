/*
handlers_test.go - HTTP tests for API handlers

Tests for:
- Identity header enforcement
- Error-to-status mapping
- Task lifecycle over HTTP (create, complete, approve)
- Wishlist purchase and gift
- Group membership endpoints
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/warp/household-points/points"
	"github.com/warp/household-points/points/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// =============================================================================
// TEST HELPERS
// =============================================================================

type testServer struct {
	t      *testing.T
	engine *points.Engine
	router http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	h := NewHandler(engine, nil, nil)
	return &testServer{t: t, engine: engine, router: NewRouter(h, Options{})}
}

// do sends a request as user (empty for anonymous) and returns the recorder.
func (s *testServer) do(method, path, user string, body any) *httptest.ResponseRecorder {
	s.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(s.t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

// decodeAs asserts the status and decodes the body into T.
func decodeAs[T any](t *testing.T, rec *httptest.ResponseRecorder, status int) T {
	t.Helper()
	require.Equal(t, status, rec.Code, rec.Body.String())
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func (s *testServer) register(ids ...string) {
	for _, id := range ids {
		rec := s.do(http.MethodPost, "/api/users", id, RegisterUserRequest{Name: id, Email: id + "@example.com"})
		require.Equal(s.t, http.StatusCreated, rec.Code, rec.Body.String())
	}
}

// household registers bob and alice; bob owns the group and alice joins it.
func (s *testServer) household() GroupDTO {
	s.t.Helper()
	s.register("bob", "alice")
	g := decodeAs[GroupDTO](s.t, s.do(http.MethodPost, "/api/groups", "bob", GroupRequest{Name: "Home"}), http.StatusCreated)
	g = decodeAs[GroupDTO](s.t, s.do(http.MethodPost, "/api/groups/join", "alice", JoinGroupRequest{InviteCode: g.InviteCode}), http.StatusOK)
	return g
}

func (s *testServer) approvedTask(groupID, assignee string, pts int64) ApproveTaskResponse {
	s.t.Helper()
	task := decodeAs[TaskDTO](s.t, s.do(http.MethodPost, "/api/tasks", "bob", CreateTaskRequest{
		GroupID: groupID, Title: "Dishes", Points: pts, AssignedTo: assignee,
	}), http.StatusCreated)
	s.do(http.MethodPost, "/api/tasks/"+task.ID+"/complete", assignee, nil)
	return decodeAs[ApproveTaskResponse](s.t, s.do(http.MethodPost, "/api/tasks/"+task.ID+"/approve", "bob", nil), http.StatusOK)
}

// =============================================================================
// IDENTITY AND ERROR MAPPING
// =============================================================================

func TestAPI_MissingIdentity_Unauthorized(t *testing.T) {
	// GIVEN: a request without X-User-ID
	// WHEN: any /api route is called
	// THEN: 401 with an error body
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/users/alice/balance", "", nil)
	resp := decodeAs[ErrorResponse](t, rec, http.StatusUnauthorized)
	assert.Contains(t, resp.Error, UserHeader)
}

func TestAPI_HealthzAndMetrics_NoIdentityNeeded(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/healthz", "", nil).Code)

	s.do(http.MethodGet, "/api/users/nobody/balance", "x", nil)
	rec := s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "points_http_requests_total")
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&points.NotFoundError{Kind: "task", ID: "t1"}, http.StatusNotFound},
		{points.ErrUnauthorized, http.StatusForbidden},
		{points.ErrInvalidStateTransition, http.StatusConflict},
		{points.ErrOwnerMustDeleteGroup, http.StatusConflict},
		{points.ErrDuplicateIdempotencyKey, http.StatusConflict},
		{&points.InsufficientFundsError{UserID: "a", Available: 1, Requested: 2}, http.StatusUnprocessableEntity},
		{&points.ValidationError{Field: "title", Message: "required"}, http.StatusBadRequest},
		{points.ErrServiceUnavailable, http.StatusServiceUnavailable},
		{points.ErrLedgerInconsistency, http.StatusInternalServerError},
		{fmt.Errorf("disk on fire"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			assert.Equal(t, tc.status, statusFor(tc.err))
		})
	}
}

func TestAPI_LedgerInconsistency_GenericMessage(t *testing.T) {
	// GIVEN: an engine error wrapping a ledger inconsistency
	// WHEN: it is written
	// THEN: 500 with the check-your-balance message and the incident id
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/tasks/t1/approve", nil)
	h.writeEngineError(rec, req, fmt.Errorf("approve: %w", &points.LedgerInconsistencyError{
		UserID: "alice", Ref: "task:t1:approved", Reason: "entry exists", IncidentID: "inc-1",
	}))

	resp := decodeAs[ErrorResponse](t, rec, http.StatusInternalServerError)
	assert.Equal(t, ledgerInconsistencyMessage, resp.Error)
	assert.Equal(t, "incident inc-1", resp.Details)
}

func TestAPI_InternalError_HidesDetails(t *testing.T) {
	h := NewHandler(nil, nil, nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/users/a/balance", nil)
	h.writeEngineError(rec, req, fmt.Errorf("pq: connection reset"))

	resp := decodeAs[ErrorResponse](t, rec, http.StatusInternalServerError)
	assert.Equal(t, http.StatusText(http.StatusInternalServerError), resp.Error)
	assert.Empty(t, resp.Details)
}

func TestAPI_InvalidJSON_BadRequest(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/api/groups", bytes.NewBufferString("{not json"))
	req.Header.Set(UserHeader, "bob")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UnknownUser_NotFound(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(http.MethodGet, "/api/users/ghost/balance", "ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// TASK FLOW
// =============================================================================

func TestAPI_TaskLifecycle_AwardsPoints(t *testing.T) {
	// GIVEN: bob owns a group alice joined; bob assigns alice a 25-point task
	// WHEN: alice completes it and bob approves
	// THEN: alice's balance is 25 and the task has one earned transaction
	s := newTestServer(t)
	g := s.household()

	approved := s.approvedTask(g.ID, "alice", 25)
	assert.Equal(t, string(points.TaskApproved), approved.Task.Status)
	assert.NotNil(t, approved.Task.ApprovedAt)
	assert.Equal(t, "alice", approved.Result.UserID)
	assert.Equal(t, int64(25), approved.Result.Balance)

	bal := decodeAs[BalanceDTO](t, s.do(http.MethodGet, "/api/users/alice/balance", "alice", nil), http.StatusOK)
	assert.Equal(t, int64(25), bal.Balance)

	txs := decodeAs[[]TransactionDTO](t, s.do(http.MethodGet, "/api/tasks/"+approved.Task.ID+"/transactions", "bob", nil), http.StatusOK)
	require.Len(t, txs, 1)
	assert.Equal(t, string(points.TxEarned), txs[0].Type)
	assert.Equal(t, "Home", txs[0].GroupName)
	assert.Equal(t, approved.Result.TransactionID, txs[0].ID)

	// approving again is a conflict
	rec := s.do(http.MethodPost, "/api/tasks/"+approved.Task.ID+"/approve", "bob", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestAPI_ApproveByNonCreator_Forbidden(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	task := decodeAs[TaskDTO](t, s.do(http.MethodPost, "/api/tasks", "bob", CreateTaskRequest{
		GroupID: g.ID, Title: "Trash", Points: 5, AssignedTo: "alice",
	}), http.StatusCreated)
	s.do(http.MethodPost, "/api/tasks/"+task.ID+"/complete", "alice", nil)

	rec := s.do(http.MethodPost, "/api/tasks/"+task.ID+"/approve", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPI_ClaimStartComplete(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	task := decodeAs[TaskDTO](t, s.do(http.MethodPost, "/api/tasks", "bob", CreateTaskRequest{
		GroupID: g.ID, Title: "Laundry", Points: 10,
	}), http.StatusCreated)

	task = decodeAs[TaskDTO](t, s.do(http.MethodPost, "/api/tasks/"+task.ID+"/claim", "alice", nil), http.StatusOK)
	assert.Equal(t, "alice", task.AssignedTo)
	task = decodeAs[TaskDTO](t, s.do(http.MethodPost, "/api/tasks/"+task.ID+"/start", "alice", nil), http.StatusOK)
	assert.Equal(t, string(points.TaskInProgress), task.Status)
	task = decodeAs[TaskDTO](t, s.do(http.MethodPost, "/api/tasks/"+task.ID+"/complete", "alice", nil), http.StatusOK)
	assert.Equal(t, string(points.TaskCompleted), task.Status)

	mine := decodeAs[[]TaskDTO](t, s.do(http.MethodGet, "/api/users/alice/tasks", "alice", nil), http.StatusOK)
	require.Len(t, mine, 1)
	assert.Equal(t, task.ID, mine[0].ID)
}

func TestAPI_CreateTask_InvalidPoints_BadRequest(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	rec := s.do(http.MethodPost, "/api/tasks", "bob", CreateTaskRequest{GroupID: g.ID, Title: "Free", Points: 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAPI_UpdateAndDeleteTask(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	task := decodeAs[TaskDTO](t, s.do(http.MethodPost, "/api/tasks", "bob", CreateTaskRequest{
		GroupID: g.ID, Title: "Vacuum", Points: 5, AssignedTo: "alice",
	}), http.StatusCreated)

	title := "Vacuum upstairs"
	task = decodeAs[TaskDTO](t, s.do(http.MethodPut, "/api/tasks/"+task.ID, "bob", UpdateTaskRequest{Title: &title}), http.StatusOK)
	assert.Equal(t, title, task.Title)

	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/tasks/"+task.ID, "bob", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/tasks/"+task.ID, "bob", nil).Code)
}

// =============================================================================
// WISHLIST
// =============================================================================

func TestAPI_PurchaseItem(t *testing.T) {
	// GIVEN: alice has 30 points and a 20-point wishlist item
	// WHEN: alice purchases it, then tries a second 20-point item
	// THEN: balance 10, item purchased; the second purchase is 422
	s := newTestServer(t)
	g := s.household()
	s.approvedTask(g.ID, "alice", 30)

	item := decodeAs[ItemDTO](t, s.do(http.MethodPost, "/api/wishlist", "alice", CreateItemRequest{
		GroupID: g.ID, Title: "Movie night", Cost: 20,
	}), http.StatusCreated)

	redeemed := decodeAs[RedeemResponse](t, s.do(http.MethodPost, "/api/wishlist/"+item.ID+"/purchase", "alice", nil), http.StatusOK)
	assert.Equal(t, string(points.ItemPurchased), redeemed.Item.Status)
	assert.Equal(t, int64(10), redeemed.Result.Balance)

	second := decodeAs[ItemDTO](t, s.do(http.MethodPost, "/api/wishlist", "alice", CreateItemRequest{
		GroupID: g.ID, Title: "Pizza", Cost: 20,
	}), http.StatusCreated)
	rec := s.do(http.MethodPost, "/api/wishlist/"+second.ID+"/purchase", "alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	items := decodeAs[[]ItemDTO](t, s.do(http.MethodGet, "/api/groups/"+g.ID+"/wishlist", "bob", nil), http.StatusOK)
	assert.Len(t, items, 2)
}

func TestAPI_GiftItem(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	item := decodeAs[ItemDTO](t, s.do(http.MethodPost, "/api/wishlist", "alice", CreateItemRequest{
		GroupID: g.ID, Title: "Book", Cost: 15,
	}), http.StatusCreated)

	// the owner cannot gift to themselves
	assert.Equal(t, http.StatusForbidden, s.do(http.MethodPost, "/api/wishlist/"+item.ID+"/gift", "alice", nil).Code)

	gifted := decodeAs[RedeemResponse](t, s.do(http.MethodPost, "/api/wishlist/"+item.ID+"/gift", "bob", nil), http.StatusOK)
	assert.Equal(t, string(points.ItemGifted), gifted.Item.Status)
	assert.Equal(t, "bob", gifted.Item.GiftedBy)
	assert.Equal(t, int64(0), gifted.Result.Balance)
}

// =============================================================================
// GROUPS
// =============================================================================

func TestAPI_GroupMembership(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	s.register("carol")
	assert.Equal(t, []string{"bob", "alice"}, g.MemberIDs)

	preview := decodeAs[GroupDTO](t, s.do(http.MethodGet, "/api/invites/"+g.InviteCode, "carol", nil), http.StatusOK)
	assert.Equal(t, g.ID, preview.ID)

	decodeAs[GroupDTO](t, s.do(http.MethodPost, "/api/groups/join", "carol", JoinGroupRequest{InviteCode: g.InviteCode}), http.StatusOK)

	// alice is not the owner
	rec := s.do(http.MethodDelete, "/api/groups/"+g.ID+"/members/carol", "alice", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	after := decodeAs[GroupDTO](t, s.do(http.MethodDelete, "/api/groups/"+g.ID+"/members/carol", "bob", nil), http.StatusOK)
	assert.Equal(t, []string{"bob", "alice"}, after.MemberIDs)

	// the owner has to delete the group instead of leaving
	assert.Equal(t, http.StatusConflict, s.do(http.MethodPost, "/api/groups/"+g.ID+"/leave", "bob", nil).Code)

	left := decodeAs[GroupDTO](t, s.do(http.MethodPost, "/api/groups/"+g.ID+"/leave", "alice", nil), http.StatusOK)
	assert.Equal(t, []string{"bob"}, left.MemberIDs)

	groups := decodeAs[[]GroupDTO](t, s.do(http.MethodGet, "/api/users/bob/groups", "bob", nil), http.StatusOK)
	require.Len(t, groups, 1)

	assert.Equal(t, http.StatusForbidden, s.do(http.MethodDelete, "/api/groups/"+g.ID, "alice", nil).Code)
	assert.Equal(t, http.StatusNoContent, s.do(http.MethodDelete, "/api/groups/"+g.ID, "bob", nil).Code)
	assert.Equal(t, http.StatusNotFound, s.do(http.MethodGet, "/api/groups/"+g.ID, "bob", nil).Code)
}

func TestAPI_Adjustment_OversizedDelta_BadRequest(t *testing.T) {
	// GIVEN: a household where alice has no points
	// WHEN: bob posts an adjustment of math.MaxInt64
	// THEN: 400 and alice's balance stays 0
	s := newTestServer(t)
	g := s.household()

	rec := s.do(http.MethodPost, "/api/groups/"+g.ID+"/adjustments", "bob",
		AdjustmentRequest{UserID: "alice", Delta: math.MaxInt64, Reason: "overflow"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	bal, err := s.engine.GetBalance(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(0), bal)
}

func TestAPI_Adjustment_FloorAtZero(t *testing.T) {
	s := newTestServer(t)
	g := s.household()

	res := decodeAs[ResultDTO](t, s.do(http.MethodPost, "/api/groups/"+g.ID+"/adjustments", "bob",
		AdjustmentRequest{UserID: "alice", Delta: 12, Reason: "birthday"}), http.StatusCreated)
	assert.Equal(t, int64(12), res.Balance)

	rec := s.do(http.MethodPost, "/api/groups/"+g.ID+"/adjustments", "bob",
		AdjustmentRequest{UserID: "alice", Delta: -13, Reason: "oops"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	txs := decodeAs[[]TransactionDTO](t, s.do(http.MethodGet, "/api/groups/"+g.ID+"/transactions", "bob", nil), http.StatusOK)
	require.Len(t, txs, 1)
	assert.Equal(t, "birthday", txs[0].Metadata[points.MetaReason])

	ctx := context.Background()
	bal, err := s.engine.GetBalance(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(12), bal)
}
