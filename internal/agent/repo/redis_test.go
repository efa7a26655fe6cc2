package repo

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capmap-core-v1/server/internal/agent/model"
)

type memoryStore struct {
	mu       sync.Mutex
	turns    map[string][]model.Turn // newest first
	getCalls int
	failGet  error
	failPut  error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{turns: map[string][]model.Turn{}}
}

func (m *memoryStore) GetHistory(_ context.Context, sessionID string, limit int) ([]model.Turn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.getCalls++
	if m.failGet != nil {
		return nil, m.failGet
	}
	ts := m.turns[sessionID]
	if len(ts) > limit {
		ts = ts[:limit]
	}
	out := make([]model.Turn, len(ts))
	copy(out, ts)
	return out, nil
}

func (m *memoryStore) RecordInteraction(_ context.Context, sessionID, input, reply string, table *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil {
		return m.failPut
	}
	t := model.Turn{Input: input, Reply: reply, Table: table, CreatedAt: time.Now().UTC()}
	m.turns[sessionID] = append([]model.Turn{t}, m.turns[sessionID]...)
	return nil
}

func setupCache(t *testing.T, maxTurns int) (*CachedSessionStore, *memoryStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	store := newMemoryStore()
	return NewCachedSessionStore(store, rdb, time.Minute, maxTurns), store, mr
}

func seed(t *testing.T, s model.SessionStore, sessionID string, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		require.NoError(t, s.RecordInteraction(context.Background(), sessionID, fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i), nil))
	}
}

func TestCachedSessionStore_MissFillsThenHits(t *testing.T) {
	cache, store, mr := setupCache(t, 10)
	ctx := context.Background()
	seed(t, store, "s1", 3)

	turns, err := cache.GetHistory(ctx, "s1", 5)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, "q3", turns[0].Input, "most recent first")
	assert.Equal(t, 1, store.getCalls)
	assert.True(t, mr.Exists("session:s1:turns"))

	turns, err = cache.GetHistory(ctx, "s1", 2)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "q3", turns[0].Input)
	assert.Equal(t, "q2", turns[1].Input)
	assert.Equal(t, 1, store.getCalls, "second read served from cache")
	assert.Greater(t, mr.TTL("session:s1:turns"), time.Duration(0))
}

func TestCachedSessionStore_RecordDropsWarmList(t *testing.T) {
	cache, store, mr := setupCache(t, 3)
	ctx := context.Background()
	seed(t, store, "s1", 3)

	_, err := cache.GetHistory(ctx, "s1", 3)
	require.NoError(t, err)
	require.True(t, mr.Exists("session:s1:turns"))

	require.NoError(t, cache.RecordInteraction(ctx, "s1", "q4", "a4", nil))
	assert.False(t, mr.Exists("session:s1:turns"))

	turns, err := cache.GetHistory(ctx, "s1", 3)
	require.NoError(t, err)
	require.Len(t, turns, 3)
	assert.Equal(t, []string{"q4", "q3", "q2"}, []string{turns[0].Input, turns[1].Input, turns[2].Input})
	assert.Equal(t, 2, store.getCalls, "refilled from the store")
}

func TestCachedSessionStore_TimestampsSurviveExpiry(t *testing.T) {
	cache, store, mr := setupCache(t, 5)
	ctx := context.Background()
	seed(t, store, "s1", 1)
	_, err := cache.GetHistory(ctx, "s1", 5)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, cache.RecordInteraction(ctx, "s1", "q2", "a2", nil))

	cached, err := cache.GetHistory(ctx, "s1", 5)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("session:s1:turns"))

	fresh, err := cache.GetHistory(ctx, "s1", 5)
	require.NoError(t, err)
	require.Len(t, cached, 2)
	require.Len(t, fresh, 2)
	for i := range fresh {
		assert.True(t, fresh[i].CreatedAt.Equal(cached[i].CreatedAt), "turn %d", i)
		assert.True(t, store.turns["s1"][i].CreatedAt.Equal(cached[i].CreatedAt), "turn %d", i)
	}
}

func TestCachedSessionStore_RecordOnColdList(t *testing.T) {
	cache, store, mr := setupCache(t, 5)
	ctx := context.Background()

	require.NoError(t, cache.RecordInteraction(ctx, "s2", "hello", "hi", nil))
	assert.False(t, mr.Exists("session:s2:turns"))
	assert.Len(t, store.turns["s2"], 1)
}

func TestCachedSessionStore_LimitAboveCapBypassesCache(t *testing.T) {
	cache, store, mr := setupCache(t, 2)
	seed(t, store, "s1", 4)

	turns, err := cache.GetHistory(context.Background(), "s1", 4)
	require.NoError(t, err)
	assert.Len(t, turns, 4)
	assert.False(t, mr.Exists("session:s1:turns"))
}

func TestCachedSessionStore_StoreErrorsPropagate(t *testing.T) {
	cache, store, _ := setupCache(t, 5)
	store.failGet = errors.New("connection reset")
	store.failPut = errors.New("connection reset")

	_, err := cache.GetHistory(context.Background(), "s1", 3)
	assert.Error(t, err)
	assert.Error(t, cache.RecordInteraction(context.Background(), "s1", "q", "a", nil))
}

func TestCachedSessionStore_RedisDownFallsBack(t *testing.T) {
	cache, store, mr := setupCache(t, 5)
	seed(t, store, "s1", 2)
	mr.Close()

	turns, err := cache.GetHistory(context.Background(), "s1", 5)
	require.NoError(t, err)
	assert.Len(t, turns, 2)
	assert.NoError(t, cache.RecordInteraction(context.Background(), "s1", "q", "a", nil))
}

func TestCachedSessionStore_Invalidate(t *testing.T) {
	cache, store, mr := setupCache(t, 5)
	seed(t, store, "s1", 1)
	_, err := cache.GetHistory(context.Background(), "s1", 1)
	require.NoError(t, err)
	require.True(t, mr.Exists("session:s1:turns"))

	require.NoError(t, cache.Invalidate(context.Background(), "s1"))
	assert.False(t, mr.Exists("session:s1:turns"))
}
