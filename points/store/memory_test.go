package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/household-points/points"
)

func TestMemory_WithTx_RollsBackEveryWrite(t *testing.T) {
	// GIVEN: a user with 10 points
	// WHEN: a transaction adjusts the balance, appends an entry and fails
	// THEN: neither write survives
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateUser(ctx, points.User{ID: "u1"}))
	_, err := m.AdjustPoints(ctx, "u1", 10)
	require.NoError(t, err)

	boom := errors.New("boom")
	err = m.WithTx(ctx, func(s points.Store) error {
		if _, err := s.AdjustPoints(ctx, "u1", 5); err != nil {
			return err
		}
		if err := s.AppendTransaction(ctx, points.Transaction{ID: "t1", UserID: "u1", Points: 5, Type: points.TxAdjustment, IdempotencyKey: "k1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	u, err := m.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(10), u.TotalPoints)

	sum, err := m.SumPoints(ctx, "u1", "", time.Time{})
	require.NoError(t, err)
	assert.Zero(t, sum)

	// the key is free again after rollback
	require.NoError(t, m.AppendTransaction(ctx, points.Transaction{ID: "t1", UserID: "u1", Type: points.TxAdjustment, IdempotencyKey: "k1"}))
}

func TestMemory_AppendTransaction_DuplicateKey(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	tx := points.Transaction{ID: "t1", UserID: "u1", Points: 3, Type: points.TxEarned, IdempotencyKey: "task:1:earned"}

	require.NoError(t, m.AppendTransaction(ctx, tx))
	tx.ID = "t2"
	require.ErrorIs(t, m.AppendTransaction(ctx, tx), points.ErrDuplicateIdempotencyKey)
}

func TestMemory_AdjustPoints_Floor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateUser(ctx, points.User{ID: "u1", TotalPoints: 4}))

	_, err := m.AdjustPoints(ctx, "u1", -5)
	var ife *points.InsufficientFundsError
	require.ErrorAs(t, err, &ife)
	assert.Equal(t, int64(4), ife.Available)

	bal, err := m.AdjustPoints(ctx, "u1", -4)
	require.NoError(t, err)
	assert.Zero(t, bal)

	_, err = m.AdjustPoints(ctx, "ghost", 1)
	require.ErrorIs(t, err, points.ErrNotFound)
}

func TestMemory_TransactionsByUser_Before(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []points.TransactionID{"a", "b", "c", "d"} {
		require.NoError(t, m.AppendTransaction(ctx, points.Transaction{
			ID: id, UserID: "u1", Points: 1, Type: points.TxEarned,
			IdempotencyKey: string(id), Timestamp: base.Add(time.Duration(i/2) * time.Hour),
		}))
	}

	all, err := m.TransactionsByUser(ctx, "u1", points.PageQuery{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, []points.TransactionID{"d", "c", "b", "a"}, txIDs(all))

	rest, err := m.TransactionsByUser(ctx, "u1", points.PageQuery{
		Limit:  2,
		Before: &points.Position{Timestamp: all[1].Timestamp, ID: all[1].ID},
	})
	require.NoError(t, err)
	assert.Equal(t, []points.TransactionID{"b", "a"}, txIDs(rest))
}

func TestMemory_InviteCodeUnique(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.CreateGroup(ctx, points.Group{ID: "g1", InviteCode: "ABCDEF", OwnerID: "u1", MemberIDs: []points.UserID{"u1"}}))
	require.ErrorIs(t, m.CreateGroup(ctx, points.Group{ID: "g2", InviteCode: "ABCDEF"}), points.ErrDuplicateInviteCode)

	g, err := m.GetGroupByInviteCode(ctx, "ABCDEF")
	require.NoError(t, err)
	assert.Equal(t, points.GroupID("g1"), g.ID)

	// returned groups do not alias stored member slices
	g.MemberIDs[0] = "mallory"
	again, err := m.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, points.UserID("u1"), again.MemberIDs[0])
}

func txIDs(txs []points.Transaction) []points.TransactionID {
	ids := make([]points.TransactionID, len(txs))
	for i, tx := range txs {
		ids[i] = tx.ID
	}
	return ids
}
