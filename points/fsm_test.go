package points

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskMachine_NeverMovesBackward(t *testing.T) {
	cases := []struct {
		op   string
		from TaskStatus
		to   TaskStatus
		ok   bool
	}{
		{OpClaim, TaskPending, TaskPending, true},
		{OpStart, TaskPending, TaskInProgress, true},
		{OpComplete, TaskPending, TaskCompleted, true},
		{OpComplete, TaskInProgress, TaskCompleted, true},
		{OpApprove, TaskCompleted, TaskApproved, true},

		{OpApprove, TaskPending, "", false},
		{OpApprove, TaskApproved, "", false},
		{OpComplete, TaskCompleted, "", false},
		{OpStart, TaskInProgress, "", false},
		{OpClaim, TaskInProgress, "", false},
		{OpEdit, TaskInProgress, "", false},
		{OpDelete, TaskApproved, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.op+"/"+string(tc.from), func(t *testing.T) {
			to, err := TaskMachine.Next(tc.op, "t1", tc.from)
			if !tc.ok {
				require.ErrorIs(t, err, ErrInvalidStateTransition)
				assert.Equal(t, tc.from, to, "a rejected transition keeps the current state")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.to, to)
		})
	}
}

func TestItemMachine_TerminalStates(t *testing.T) {
	for _, terminal := range []ItemStatus{ItemPurchased, ItemGifted} {
		for _, op := range []string{OpPurchase, OpGift, OpEdit, OpDelete} {
			assert.False(t, ItemMachine.Can(op, terminal), "%s from %s", op, terminal)
		}
	}
	assert.True(t, ItemMachine.Can(OpPurchase, ItemAvailable))
	assert.True(t, ItemMachine.Can(OpGift, ItemAvailable))
}

func TestKeyedMutex_SerializesPerKey(t *testing.T) {
	k := newKeyedMutex()
	var (
		wg      sync.WaitGroup
		counter int
	)
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := k.LockMany("a", "b", "a")
			counter++
			unlock()
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Zero(t, k.size(), "unused entries are dropped")
}

func TestCursor_RoundTrip(t *testing.T) {
	p := Position{Timestamp: time.Date(2025, 3, 9, 10, 0, 0, 123, time.UTC), ID: "tx-9"}
	got, err := decodeCursor(encodeCursor(p))
	require.NoError(t, err)
	assert.True(t, p.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, p.ID, got.ID)

	_, err = decodeCursor("bm90LWEtY3Vyc29y")
	require.ErrorIs(t, err, ErrInvalidInput)
}

func TestValidateTransaction_Signs(t *testing.T) {
	require.ErrorIs(t, validateTransaction(Transaction{UserID: "u", Type: TxEarned, Points: 0}), ErrInvalidInput)
	require.ErrorIs(t, validateTransaction(Transaction{UserID: "u", Type: TxSpent, Points: 5}), ErrInvalidInput)
	require.ErrorIs(t, validateTransaction(Transaction{UserID: "u", Type: "bonus", Points: 5}), ErrInvalidInput)
	require.NoError(t, validateTransaction(Transaction{UserID: "u", Type: TxSpent, Points: 0}))
	require.NoError(t, validateTransaction(Transaction{UserID: "u", Type: TxAdjustment, Points: -3}))
}

func TestGenerateInviteCode_Format(t *testing.T) {
	for range 100 {
		code, err := GenerateInviteCode()
		require.NoError(t, err)
		require.Len(t, code, InviteCodeLength)
		for _, r := range code {
			assert.Contains(t, inviteAlphabet, string(r))
		}
	}
}
