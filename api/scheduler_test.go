package api

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/household-points/points"
	"github.com/warp/household-points/points/store"
)

type countingFlusher struct {
	calls atomic.Int32
}

func (f *countingFlusher) Flush(context.Context) (int, error) {
	f.calls.Add(1)
	return 0, nil
}

func TestScheduler_RunNow_RecordsReport(t *testing.T) {
	// GIVEN: a scheduler over an engine with two registered users
	// WHEN: RunNow is called
	// THEN: the report checks both and is kept as the last report
	ctx := context.Background()
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	for _, id := range []points.UserID{"alice", "bob"} {
		_, err := engine.RegisterUser(ctx, id, string(id), "")
		require.NoError(t, err)
	}

	rs, err := NewReconciliationScheduler(engine, nil, SchedulerConfig{AutoRepair: true}, nil)
	require.NoError(t, err)

	_, _, ok := rs.LastReport()
	assert.False(t, ok)

	report, err := rs.RunNow(ctx, true)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.Empty(t, report.Drifts)

	last, at, ok := rs.LastReport()
	require.True(t, ok)
	assert.Equal(t, report.Checked, last.Checked)
	assert.False(t, at.IsZero())
}

func TestScheduler_StartStop_FlushesOutbox(t *testing.T) {
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	flusher := &countingFlusher{}
	rs, err := NewReconciliationScheduler(engine, flusher, SchedulerConfig{FlushSchedule: "@every 1s"}, nil)
	require.NoError(t, err)

	rs.Start()
	require.Eventually(t, func() bool { return flusher.calls.Load() > 0 }, 5*time.Second, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rs.Stop(ctx))
}

func TestScheduler_InvalidSchedule(t *testing.T) {
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	_, err := NewReconciliationScheduler(engine, nil, SchedulerConfig{Schedule: "whenever"}, nil)
	require.Error(t, err)
}

func TestScheduler_RunNow_WhileRunning_ReturnsErrReconcileRunning(t *testing.T) {
	// GIVEN: a reconciliation already holding the scheduler
	// WHEN: RunNow is called
	// THEN: it returns ErrReconcileRunning at once and records nothing
	engine := points.NewEngine(store.NewMemory(), points.Options{})
	rs, err := NewReconciliationScheduler(engine, nil, SchedulerConfig{}, nil)
	require.NoError(t, err)

	rs.running.Lock()
	_, err = rs.RunNow(context.Background(), false)
	rs.running.Unlock()
	require.ErrorIs(t, err, ErrReconcileRunning)

	_, _, ok := rs.LastReport()
	assert.False(t, ok)
}

func TestScheduler_RunNow_RepairOverridesAutoRepair(t *testing.T) {
	// GIVEN: a scheduler without auto-repair and a balance that drifted
	// WHEN: RunNow is called with repair
	// THEN: the drift is repaired by that run
	ctx := context.Background()
	mem := store.NewMemory()
	engine := points.NewEngine(mem, points.Options{})
	_, err := engine.RegisterUser(ctx, "alice", "alice", "")
	require.NoError(t, err)
	_, err = mem.AdjustPoints(ctx, "alice", 5)
	require.NoError(t, err)

	rs, err := NewReconciliationScheduler(engine, nil, SchedulerConfig{}, nil)
	require.NoError(t, err)

	report, err := rs.RunNow(ctx, true)
	require.NoError(t, err)
	require.Len(t, report.Drifts, 1)
	assert.Equal(t, 1, report.Repaired)

	report, err = rs.RunNow(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Drifts)
}
