package conversations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/agent/repo"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	"github.com/Capmap-core-v1/server/internal/metrics"
)

type flakyStore struct {
	failures  int
	err       error
	getCalls  int
	putCalls  int
	turns     []model.Turn
	lastTable *string
}

func (f *flakyStore) GetHistory(_ context.Context, _ string, limit int) ([]model.Turn, error) {
	f.getCalls++
	if f.getCalls <= f.failures {
		return nil, f.err
	}
	if len(f.turns) > limit {
		return f.turns[:limit], nil
	}
	return f.turns, nil
}

func (f *flakyStore) RecordInteraction(_ context.Context, _, input, reply string, table *string) error {
	f.putCalls++
	if f.putCalls <= f.failures {
		return f.err
	}
	f.turns = append([]model.Turn{{Input: input, Reply: reply, Table: table}}, f.turns...)
	f.lastTable = table
	return nil
}

var transientErr = errx.New(errors.New("connection refused"), http.StatusServiceUnavailable, errx.PostgresErrorMessage)

func testConfig() model.HistoryConfig {
	return model.HistoryConfig{MaxTries: 3, ReadBackoff: time.Millisecond, WriteBackoff: time.Millisecond}
}

func TestGetHistory_RetriesTransientErrors(t *testing.T) {
	m := metrics.NewMetrics(prometheus.NewRegistry())
	store := &flakyStore{failures: 2, err: transientErr, turns: []model.Turn{{Input: "q2"}, {Input: "q1"}}}
	mm := NewMessagesManager(store, testConfig(), m)

	turns := mm.GetHistory(context.Background(), "s1", 20)

	require.Len(t, turns, 2)
	assert.Equal(t, "q2", turns[0].Input)
	assert.Equal(t, 3, store.getCalls)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HistoryRetries.WithLabelValues(opRead)))
}

func TestGetHistory_DegradesToEmptyAfterExhaustion(t *testing.T) {
	store := &flakyStore{failures: 10, err: transientErr}
	mm := NewMessagesManager(store, testConfig(), nil)

	turns := mm.GetHistory(context.Background(), "s1", 20)

	assert.NotNil(t, turns)
	assert.Empty(t, turns)
	assert.Equal(t, 3, store.getCalls)
}

func TestGetHistory_PermanentErrorIsNotRetried(t *testing.T) {
	store := &flakyStore{failures: 10, err: errors.New(`relation "interactions" does not exist`)}
	mm := NewMessagesManager(store, testConfig(), nil)

	turns := mm.GetHistory(context.Background(), "s1", 20)

	assert.Empty(t, turns)
	assert.Equal(t, 1, store.getCalls)
}

func TestGetHistory_NoSessionSkipsStore(t *testing.T) {
	store := &flakyStore{}
	mm := NewMessagesManager(store, testConfig(), nil)

	assert.Empty(t, mm.GetHistory(context.Background(), "", 20))
	assert.Empty(t, mm.GetHistory(context.Background(), "s1", 0))
	assert.Zero(t, store.getCalls)
}

func TestRecordInteraction_RetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{failures: 1, err: transientErr}
	mm := NewMessagesManager(store, testConfig(), nil)
	table := "| a |\n|---|\n| 1 |"

	err := mm.RecordInteraction(context.Background(), "s1", "q", "a", &table)

	require.NoError(t, err)
	assert.Equal(t, 2, store.putCalls)
	require.NotNil(t, store.lastTable)
	assert.Equal(t, table, *store.lastTable)
}

func TestRecordInteraction_ReportsExhaustion(t *testing.T) {
	store := &flakyStore{failures: 10, err: transientErr}
	mm := NewMessagesManager(store, testConfig(), nil)

	err := mm.RecordInteraction(context.Background(), "s1", "q", "a", nil)

	assert.Error(t, err)
	assert.Equal(t, 3, store.putCalls)
	assert.Empty(t, store.turns)
}

func TestGetHistory_RepeatedReadsAreIdentical(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	base := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)
	table := "| VC | AUM |\n|---|---|\n| Alpha | 1B |"
	durable := &flakyStore{}
	for i := 0; i < 6; i++ {
		durable.turns = append(durable.turns, model.Turn{
			Input:     fmt.Sprintf("q%d", 6-i),
			Reply:     fmt.Sprintf("a%d", 6-i),
			CreatedAt: base.Add(time.Duration(6-i) * time.Minute),
		})
	}
	durable.turns[1].Table = &table

	cache := repo.NewCachedSessionStore(durable, rdb, time.Minute, 10)
	mm := NewMessagesManager(cache, testConfig(), nil)
	ctx := context.Background()

	first := mm.GetHistory(ctx, "s1", 4)
	require.True(t, mr.Exists("session:s1:turns"), "first read fills the cache")
	second := mm.GetHistory(ctx, "s1", 4)

	require.Len(t, first, 4)
	assert.Equal(t, first, second)
	assert.Equal(t, []string{"q6", "q5", "q4", "q3"}, []string{second[0].Input, second[1].Input, second[2].Input, second[3].Input})
	require.NotNil(t, second[1].Table)
	assert.Equal(t, table, *second[1].Table)
	assert.Equal(t, 1, durable.getCalls, "second read served from the cache")
}
