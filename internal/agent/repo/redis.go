package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

// CachedSessionStore keeps the most recent turns of each session in a Redis
// list in front of a durable store. The list holds newest first and is
// filled only from the store.
type CachedSessionStore struct {
	next     model.SessionStore
	rdb      redis.Cmdable
	ttl      time.Duration
	maxTurns int
}

func NewCachedSessionStore(next model.SessionStore, rdb redis.Cmdable, ttl time.Duration, maxTurns int) *CachedSessionStore {
	return &CachedSessionStore{next: next, rdb: rdb, ttl: ttl, maxTurns: maxTurns}
}

func (c *CachedSessionStore) turnsKey(sessionID string) string {
	return fmt.Sprintf("session:%s:turns", sessionID)
}

func (c *CachedSessionStore) GetHistory(ctx context.Context, sessionID string, limit int) ([]model.Turn, error) {
	if limit <= 0 {
		return []model.Turn{}, nil
	}
	// The cache cannot answer for more than it holds.
	if limit > c.maxTurns {
		return c.next.GetHistory(ctx, sessionID, limit)
	}

	key := c.turnsKey(sessionID)
	turns, hit, err := c.load(ctx, key, limit)
	if err != nil {
		logx.Warn().Err(err).Str("key", key).Msg("history cache read failed; falling back to store")
	}
	if hit {
		return turns, nil
	}

	turns, err = c.next.GetHistory(ctx, sessionID, c.maxTurns)
	if err != nil {
		return nil, err
	}
	if len(turns) > 0 {
		if err := c.fill(ctx, key, turns); err != nil {
			logx.Warn().Err(err).Str("key", key).Msg("failed to fill history cache")
		}
	}
	if len(turns) > limit {
		turns = turns[:limit]
	}
	return turns, nil
}

// RecordInteraction writes through to the durable store and drops the cached
// list. The next read refills it from stored rows, so cached turns always
// carry the durable timestamps.
func (c *CachedSessionStore) RecordInteraction(ctx context.Context, sessionID, input, reply string, table *string) error {
	if err := c.next.RecordInteraction(ctx, sessionID, input, reply, table); err != nil {
		return err
	}
	if err := c.Invalidate(ctx, sessionID); err != nil {
		logx.Warn().Err(err).Str("session_id", sessionID).Msg("history cache may be stale until it expires")
	}
	return nil
}

// Invalidate drops the cached turns of a session.
func (c *CachedSessionStore) Invalidate(ctx context.Context, sessionID string) error {
	key := c.turnsKey(sessionID)
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		logx.Error().Err(err).Str("key", key).Msg("failed to delete history cache")
		return errx.WrapRedis(err)
	}
	return nil
}

func (c *CachedSessionStore) load(ctx context.Context, key string, limit int) ([]model.Turn, bool, error) {
	rows, err := c.rdb.LRange(ctx, key, 0, int64(limit-1)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, errx.WrapRedis(err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}

	turns := make([]model.Turn, 0, len(rows))
	for i, s := range rows {
		var t model.Turn
		if err := json.Unmarshal([]byte(s), &t); err != nil {
			return nil, false, fmt.Errorf("unmarshal turn at index %d: %w", i, err)
		}
		turns = append(turns, t)
	}

	// extend TTL on touch
	if c.ttl > 0 {
		if err := c.rdb.Expire(ctx, key, c.ttl).Err(); err != nil {
			logx.Warn().Err(err).Str("key", key).Msg("failed to extend history cache TTL")
		}
	}
	return turns, true, nil
}

func (c *CachedSessionStore) fill(ctx context.Context, key string, turns []model.Turn) error {
	values := make([]any, 0, len(turns))
	for _, t := range turns {
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Errorf("marshal turn: %w", err)
		}
		values = append(values, b)
	}

	_, err := c.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		// RPush keeps newest first since turns already are.
		p.RPush(ctx, key, values...)
		if c.ttl > 0 {
			p.Expire(ctx, key, c.ttl)
		}
		return nil
	})
	if err != nil {
		return errx.WrapRedis(err)
	}
	return nil
}

var _ model.SessionStore = (*CachedSessionStore)(nil)
