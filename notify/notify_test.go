package notify

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/household-points/points"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakySink fails while down is set.
type flakySink struct {
	mu   sync.Mutex
	down bool
	got  []points.Event
}

func (s *flakySink) Publish(_ context.Context, ev points.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down {
		return errors.New("broker unavailable")
	}
	s.got = append(s.got, ev)
	return nil
}

func (s *flakySink) setDown(down bool) {
	s.mu.Lock()
	s.down = down
	s.mu.Unlock()
}

func event(id string, to points.UserID) points.Event {
	return points.Event{
		ID:        id,
		Type:      points.EventPointsEarned,
		UserID:    to,
		Title:     "Points earned",
		Message:   "You earned 5 points",
		Data:      map[string]string{"points": "5"},
		CreatedAt: time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC),
	}
}

func openOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := OpenOutbox(filepath.Join(t.TempDir(), "outbox.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { o.Close() })
	return o
}

func TestMessage_RoundTrip(t *testing.T) {
	ev := event("e1", "alice")
	assert.Equal(t, ev, NewMessage(ev).Event())
}

func TestRecorder_ForUser(t *testing.T) {
	r := NewRecorder()
	ctx := context.Background()
	require.NoError(t, r.Publish(ctx, event("e1", "alice")))
	require.NoError(t, r.Publish(ctx, event("e2", "bob")))

	assert.Len(t, r.Events(), 2)
	require.Len(t, r.For("bob"), 1)
	assert.Equal(t, "e2", r.For("bob")[0].ID)

	r.Reset()
	assert.Empty(t, r.Events())
}

func TestLogSink_LogsEvent(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	sink := NewLogSink(zap.New(core))

	require.NoError(t, sink.Publish(context.Background(), event("e1", "alice")))

	entries := logs.FilterField(zap.String("event_id", "e1")).All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Points earned", entries[0].Message)
}

func TestFallbackSink_ParksAndFlushes(t *testing.T) {
	// GIVEN: a primary sink that is down
	// WHEN: events are published, then the sink recovers and is flushed
	// THEN: nothing is lost, order is kept, and the outbox ends empty
	ctx := context.Background()
	primary := &flakySink{down: true}
	outbox := openOutbox(t)
	sink := NewFallbackSink(primary, outbox, nil)

	require.NoError(t, sink.Publish(ctx, event("e1", "alice")))
	require.NoError(t, sink.Publish(ctx, event("e2", "bob")))
	n, err := outbox.Size()
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = sink.Flush(ctx)
	require.Error(t, err, "still down")
	n, _ = outbox.Size()
	assert.Equal(t, 2, n)

	primary.setDown(false)
	delivered, err := sink.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, delivered)
	require.Len(t, primary.got, 2)
	assert.Equal(t, "e1", primary.got[0].ID)
	assert.Equal(t, "e2", primary.got[1].ID)

	n, _ = outbox.Size()
	assert.Zero(t, n)
}

func TestOutbox_DropsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	outbox := openOutbox(t)
	outbox.maxAttempts = 2
	require.NoError(t, outbox.Enqueue(event("e1", "alice")))

	down := &flakySink{down: true}
	_, err := outbox.Drain(ctx, down, 0)
	require.Error(t, err)

	_, err = outbox.Drain(ctx, down, 0)
	require.NoError(t, err, "the entry is dropped on its last attempt")

	n, err := outbox.Size()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFallbackSink_PrimaryUp_SkipsOutbox(t *testing.T) {
	ctx := context.Background()
	primary := &flakySink{}
	outbox := openOutbox(t)
	sink := NewFallbackSink(primary, outbox, nil)

	require.NoError(t, sink.Publish(ctx, event("e1", "alice")))
	n, err := outbox.Size()
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, primary.got, 1)
}
