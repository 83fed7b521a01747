/*
balance_test.go - HTTP tests for balances, history and reconciliation

Tests for:
- Transaction history pagination (page_size, cursor)
- Points summary
- Admin reconcile and incident endpoints
- Admin access list and overlap with scheduled runs
*/
package api

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/household-points/points"
	"github.com/warp/household-points/points/store"
)

func TestAPI_Transactions_Paginate(t *testing.T) {
	// GIVEN: alice earned points from five approved tasks
	// WHEN: history is read two at a time
	// THEN: three non-overlapping pages summing to the balance
	s := newTestServer(t)
	g := s.household()
	for i := int64(1); i <= 5; i++ {
		s.approvedTask(g.ID, "alice", i)
	}

	var (
		seen   []TransactionDTO
		cursor string
		pages  int
	)
	for {
		path := "/api/users/alice/transactions?page_size=2"
		if cursor != "" {
			path += "&cursor=" + url.QueryEscape(cursor)
		}
		page := decodeAs[TransactionPageDTO](t, s.do(http.MethodGet, path, "alice", nil), http.StatusOK)
		pages++
		seen = append(seen, page.Transactions...)
		if !page.HasMore {
			assert.Empty(t, page.NextCursor)
			break
		}
		cursor = page.NextCursor
		require.Less(t, pages, 10, "pagination did not terminate")
	}

	assert.Equal(t, 3, pages)
	require.Len(t, seen, 5)
	var sum int64
	ids := make(map[string]bool)
	for _, tx := range seen {
		sum += tx.Points
		ids[tx.ID] = true
	}
	assert.Len(t, ids, 5, "pages must not overlap")
	bal := decodeAs[BalanceDTO](t, s.do(http.MethodGet, "/api/users/alice/balance", "alice", nil), http.StatusOK)
	assert.Equal(t, bal.Balance, sum)
	assert.Equal(t, int64(15), sum)
}

func TestAPI_Transactions_BadParams(t *testing.T) {
	s := newTestServer(t)
	s.household()

	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/users/alice/transactions?page_size=lots", "alice", nil).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(http.MethodGet, "/api/users/alice/transactions?cursor=%25%25%25", "alice", nil).Code)
}

func TestAPI_Summary(t *testing.T) {
	s := newTestServer(t)
	g := s.household()
	s.approvedTask(g.ID, "alice", 40)

	sum := decodeAs[SummaryDTO](t, s.do(http.MethodGet, "/api/users/alice/summary", "alice", nil), http.StatusOK)
	assert.Equal(t, "alice", sum.UserID)
	assert.Equal(t, int64(40), sum.Balance)
	assert.Equal(t, int64(40), sum.WeeklyEarned)
	assert.Equal(t, int64(40), sum.MonthlyEarned)
	assert.NotEmpty(t, sum.WeekStart)
	assert.NotEmpty(t, sum.MonthStart)
}

func TestAPI_Reconcile_Clean(t *testing.T) {
	// GIVEN: balances that match their ledgers
	// WHEN: an admin reconcile runs with repair
	// THEN: every user is checked and nothing drifts
	s := newTestServer(t)
	g := s.household()
	s.approvedTask(g.ID, "alice", 10)

	report := decodeAs[ReconcileResponse](t, s.do(http.MethodPost, "/api/admin/reconcile?repair=true", "bob", nil), http.StatusOK)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Drifts)
	assert.Equal(t, 0, report.Repaired)

	incidents := decodeAs[[]IncidentDTO](t, s.do(http.MethodGet, "/api/admin/incidents?all=true", "bob", nil), http.StatusOK)
	assert.Empty(t, incidents)
}

func TestAPI_Reconcile_WhileScheduledRunInProgress_Conflict(t *testing.T) {
	// GIVEN: a scheduler whose reconciliation is already running
	// WHEN: an admin asks for a manual run through the API
	// THEN: 409 with Retry-After, and no second run overlaps the first
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	rs, err := NewReconciliationScheduler(engine, nil, SchedulerConfig{}, nil)
	require.NoError(t, err)
	s := &testServer{t: t, engine: engine, router: NewRouter(NewHandler(engine, rs, nil), Options{})}

	rs.running.Lock()
	rec := s.do(http.MethodPost, "/api/admin/reconcile", "bob", nil)
	rs.running.Unlock()

	resp := decodeAs[ErrorResponse](t, rec, http.StatusConflict)
	assert.Contains(t, resp.Error, "already running")
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	_, _, ok := rs.LastReport()
	assert.False(t, ok)

	// Once the run finishes the endpoint works and records the report.
	decodeAs[ReconcileResponse](t, s.do(http.MethodPost, "/api/admin/reconcile", "bob", nil), http.StatusOK)
	_, _, ok = rs.LastReport()
	assert.True(t, ok)
}

func TestAPI_Admin_RestrictedToAdminUsers(t *testing.T) {
	// GIVEN: a router with bob as the only admin
	// WHEN: alice and bob call the admin endpoints
	// THEN: alice gets 403 and bob gets through
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	s := &testServer{t: t, engine: engine, router: NewRouter(NewHandler(engine, nil, nil), Options{AdminUsers: []string{"bob"}})}
	s.register("alice", "bob")

	for _, req := range []struct{ method, path string }{
		{http.MethodPost, "/api/admin/reconcile?repair=true"},
		{http.MethodGet, "/api/admin/incidents"},
	} {
		rec := s.do(req.method, req.path, "alice", nil)
		assert.Equal(t, http.StatusForbidden, rec.Code, req.path)
		assert.Equal(t, http.StatusOK, s.do(req.method, req.path, "bob", nil).Code, req.path)
	}

	// Non-admin routes are unaffected.
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/api/users/alice/balance", "alice", nil).Code)
}
