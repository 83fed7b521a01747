package postgres

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/household-points/points"
)

// newTestStore connects to POSTGRES_TEST_URL and skips when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("POSTGRES_TEST_URL")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, PoolOptions{MaxConns: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	s := New(pool, nil)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestPostgres_AdjustAndAppend(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	user := points.UserID("pg-" + uuid.NewString())
	require.NoError(t, s.CreateUser(ctx, points.User{ID: user, CreatedAt: time.Now()}))

	err := s.WithTx(ctx, func(tx points.Store) error {
		if _, err := tx.AdjustPoints(ctx, user, 7); err != nil {
			return err
		}
		return tx.AppendTransaction(ctx, points.Transaction{
			ID: points.TransactionID(uuid.NewString()), UserID: user, Points: 7, Type: points.TxAdjustment,
			IdempotencyKey: "pg:" + string(user), Timestamp: time.Now(),
			Metadata: map[string]string{points.MetaReason: "seed"},
		})
	})
	require.NoError(t, err)

	u, err := s.GetUser(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, int64(7), u.TotalPoints)

	_, err = s.AdjustPoints(ctx, user, -8)
	require.ErrorIs(t, err, points.ErrInsufficientFunds)

	err = s.AppendTransaction(ctx, points.Transaction{
		ID: points.TransactionID(uuid.NewString()), UserID: user, Type: points.TxAdjustment,
		IdempotencyKey: "pg:" + string(user), Timestamp: time.Now(),
	})
	require.ErrorIs(t, err, points.ErrDuplicateIdempotencyKey)

	txs, err := s.TransactionsByUser(ctx, user, points.PageQuery{Limit: 10})
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, "seed", txs[0].Metadata[points.MetaReason])
}

func TestPostgres_GroupMembership(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	now := time.Now()
	id := points.GroupID(uuid.NewString())
	code := uuid.NewString()[:6]
	require.NoError(t, s.CreateGroup(ctx, points.Group{
		ID: id, Name: "Home", OwnerID: "o", InviteCode: code,
		MemberIDs: []points.UserID{"o", "m"}, CreatedAt: now, UpdatedAt: now,
	}))
	require.ErrorIs(t, s.CreateGroup(ctx, points.Group{ID: points.GroupID(uuid.NewString()), InviteCode: code, CreatedAt: now, UpdatedAt: now}),
		points.ErrDuplicateInviteCode)

	g, err := s.GetGroupByInviteCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, []points.UserID{"o", "m"}, g.MemberIDs)

	require.NoError(t, s.DeleteGroup(ctx, id))
	_, err = s.GetGroup(ctx, id)
	require.ErrorIs(t, err, points.ErrNotFound)
}

// twoInstances returns two engines sharing s but not their in-process
// locks, like two replicas behind a load balancer, plus a household where
// owner has 50 points and member has joined.
func twoInstances(t *testing.T, s *Store) (a, b *points.Engine, g points.Group, owner, member points.UserID) {
	t.Helper()
	ctx := context.Background()
	a = points.NewEngine(s, points.Options{})
	b = points.NewEngine(s, points.Options{})

	owner = points.UserID("pg-owner-" + uuid.NewString())
	member = points.UserID("pg-member-" + uuid.NewString())
	for _, id := range []points.UserID{owner, member} {
		_, err := a.RegisterUser(ctx, id, string(id), "")
		require.NoError(t, err)
	}
	g, err := a.CreateGroup(ctx, owner, "Home", "")
	require.NoError(t, err)
	g, err = a.JoinGroup(ctx, g.InviteCode, member)
	require.NoError(t, err)
	_, err = a.AdjustPoints(ctx, g.ID, owner, owner, 50, "seed")
	require.NoError(t, err)
	return a, b, g, owner, member
}

// race runs both functions at once and returns their errors.
func race(first, second func() error) (error, error) {
	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i, fn := range []func() error{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs[i] = fn()
		}()
	}
	close(start)
	wg.Wait()
	return errs[0], errs[1]
}

func TestPostgres_PurchaseRacingGift_OneWins(t *testing.T) {
	// GIVEN: two instances over one database and an available item owned
	//        by a user with enough points
	// WHEN: the owner purchases it on one instance while a member gifts it
	//       on the other, repeatedly
	// THEN: every round exactly one succeeds, the loser sees an invalid
	//       state transition and the item has exactly one ledger entry
	ctx := context.Background()
	s := newTestStore(t)
	a, b, g, owner, member := twoInstances(t, s)

	const rounds = 10
	purchased := 0
	for i := 0; i < rounds; i++ {
		item, err := a.CreateWishlistItem(ctx, owner, points.NewItem{GroupID: g.ID, Title: "Book", Cost: 1})
		require.NoError(t, err)

		buyErr, giftErr := race(
			func() error { _, _, err := a.PurchaseItem(ctx, item.ID, owner); return err },
			func() error { _, _, err := b.GiftItem(ctx, item.ID, member); return err },
		)
		require.True(t, (buyErr == nil) != (giftErr == nil), "round %d: purchase=%v gift=%v", i, buyErr, giftErr)
		if buyErr == nil {
			purchased++
			require.ErrorIs(t, giftErr, points.ErrInvalidStateTransition)
		} else {
			require.ErrorIs(t, buyErr, points.ErrInvalidStateTransition)
		}

		txs, err := s.TransactionsByUser(ctx, owner, points.PageQuery{Limit: 100})
		require.NoError(t, err)
		entries := 0
		for _, tx := range txs {
			if tx.Metadata[points.MetaWishlistItemID] == string(item.ID) {
				entries++
			}
		}
		assert.Equal(t, 1, entries, "round %d", i)
	}

	u, err := s.GetUser(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, int64(50-purchased), u.TotalPoints)
	sum, err := s.SumPoints(ctx, owner, "", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, u.TotalPoints, sum)
}

func TestPostgres_ConcurrentApprovalsAcrossInstances_AwardOnce(t *testing.T) {
	// GIVEN: two instances over one database and a completed task
	// WHEN: the creator approves it on both instances at once
	// THEN: one approval wins, the other is an invalid state transition
	//       rather than a ledger inconsistency, and points are awarded once
	ctx := context.Background()
	s := newTestStore(t)
	a, b, g, owner, member := twoInstances(t, s)

	task, err := a.CreateTask(ctx, owner, points.NewTask{GroupID: g.ID, Title: "Dishes", Points: 20, AssignedTo: member})
	require.NoError(t, err)
	_, err = a.CompleteTask(ctx, task.ID, member)
	require.NoError(t, err)

	errA, errB := race(
		func() error { _, _, err := a.ApproveTask(ctx, task.ID, owner); return err },
		func() error { _, _, err := b.ApproveTask(ctx, task.ID, owner); return err },
	)
	require.True(t, (errA == nil) != (errB == nil), "a=%v b=%v", errA, errB)
	lost := errA
	if lost == nil {
		lost = errB
	}
	assert.ErrorIs(t, lost, points.ErrInvalidStateTransition)
	assert.NotErrorIs(t, lost, points.ErrLedgerInconsistency)

	u, err := s.GetUser(ctx, member)
	require.NoError(t, err)
	assert.Equal(t, int64(20), u.TotalPoints)
	incidents, err := s.ListIncidents(ctx, false)
	require.NoError(t, err)
	for _, inc := range incidents {
		assert.NotEqual(t, member, inc.UserID)
	}
}

func TestPostgres_ConcurrentJoinsAcrossInstances_KeepEveryMember(t *testing.T) {
	// GIVEN: two instances over one database and a group
	// WHEN: two users join through different instances at the same time
	// THEN: both end up in the member list
	ctx := context.Background()
	s := newTestStore(t)
	a, b, g, _, _ := twoInstances(t, s)

	x := points.UserID("pg-x-" + uuid.NewString())
	y := points.UserID("pg-y-" + uuid.NewString())
	for _, id := range []points.UserID{x, y} {
		_, err := a.RegisterUser(ctx, id, string(id), "")
		require.NoError(t, err)
	}

	errX, errY := race(
		func() error { _, err := a.JoinGroup(ctx, g.InviteCode, x); return err },
		func() error { _, err := b.JoinGroup(ctx, g.InviteCode, y); return err },
	)
	require.NoError(t, errX)
	require.NoError(t, errY)

	got, err := s.GetGroup(ctx, g.ID)
	require.NoError(t, err)
	assert.True(t, got.HasMember(x))
	assert.True(t, got.HasMember(y))
}
