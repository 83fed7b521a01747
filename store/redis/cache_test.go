package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/household-points/points"
	"github.com/warp/household-points/points/store"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	url := os.Getenv("REDIS_TEST_URL")
	if url == "" {
		t.Skip("REDIS_TEST_URL not set")
	}
	client, err := Dial(context.Background(), url)
	require.NoError(t, err)
	c := New(client, "test:"+uuid.NewString()+":", time.Minute)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_Key(t *testing.T) {
	c := New(nil, "", 0)
	assert.Equal(t, "points:balance:alice", c.key("alice"))
	assert.Equal(t, DefaultTTL, c.ttl)
}

func TestCache_GetSetInvalidate(t *testing.T) {
	ctx := context.Background()
	c := newTestCache(t)
	user := points.UserID("alice")

	_, ok, err := c.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok, "miss before set")

	require.NoError(t, c.Set(ctx, user, 42))
	got, ok, err := c.Get(ctx, user)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(42), got)

	require.NoError(t, c.Invalidate(ctx, user))
	_, ok, err = c.Get(ctx, user)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCache_WithEngine_InvalidatesAfterCommit(t *testing.T) {
	// GIVEN: an engine reading balances through the cache
	// WHEN: the balance changes after it was cached
	// THEN: the next read sees the new value
	ctx := context.Background()
	c := newTestCache(t)
	engine := points.NewEngine(store.NewMemory(), points.Options{Cache: c})

	for _, id := range []points.UserID{"owner", "kid"} {
		_, err := engine.RegisterUser(ctx, id, string(id), "")
		require.NoError(t, err)
	}
	g, err := engine.CreateGroup(ctx, "owner", "Home", "")
	require.NoError(t, err)
	_, err = engine.JoinGroup(ctx, g.InviteCode, "kid")
	require.NoError(t, err)

	bal, err := engine.GetBalance(ctx, "kid")
	require.NoError(t, err)
	assert.Zero(t, bal)

	_, err = engine.AdjustPoints(ctx, g.ID, "owner", "kid", 15, "allowance")
	require.NoError(t, err)

	bal, err = engine.GetBalance(ctx, "kid")
	require.NoError(t, err)
	assert.Equal(t, int64(15), bal)
}
