package conversations

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/Capmap-core-v1/server/internal/agent/model"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	"github.com/Capmap-core-v1/server/internal/metrics"
	logx "github.com/Capmap-core-v1/server/pkg/logger"
)

const (
	opRead  = "get_history"
	opWrite = "record_interaction"
)

// MessagesManager fronts the session store with bounded retries. Reads
// degrade to an empty history and writes to a logged skip once retries run out.
type MessagesManager struct {
	store   model.SessionStore
	cfg     model.HistoryConfig
	metrics *metrics.Metrics
}

func NewMessagesManager(store model.SessionStore, cfg model.HistoryConfig, m *metrics.Metrics) *MessagesManager {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 3
	}
	return &MessagesManager{store: store, cfg: cfg, metrics: m}
}

// GetHistory returns up to limit turns, most recent first. It never fails.
func (mm *MessagesManager) GetHistory(ctx context.Context, sessionID string, limit int) []model.Turn {
	if sessionID == "" || limit <= 0 {
		return []model.Turn{}
	}

	turns, err := backoff.Retry(ctx, func() ([]model.Turn, error) {
		turns, err := mm.store.GetHistory(ctx, sessionID, limit)
		return turns, classify(err)
	}, mm.options(opRead, sessionID, mm.cfg.ReadBackoff)...)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Msg("Failed to get chat history; continuing without it")
		return []model.Turn{}
	}
	if turns == nil {
		return []model.Turn{}
	}
	return turns
}

// RecordInteraction persists one turn. The returned error is informational:
// callers log it and carry on.
func (mm *MessagesManager) RecordInteraction(ctx context.Context, sessionID, input, reply string, table *string) error {
	if sessionID == "" {
		return nil
	}

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, classify(mm.store.RecordInteraction(ctx, sessionID, input, reply, table))
	}, mm.options(opWrite, sessionID, mm.cfg.WriteBackoff)...)
	if err != nil {
		logx.Error().Err(err).Str("session_id", sessionID).Uint("tries", mm.cfg.MaxTries).Msg("Failed to save interaction")
		return err
	}
	return nil
}

func (mm *MessagesManager) options(op, sessionID string, initial time.Duration) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if initial > 0 {
		b.InitialInterval = initial
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0

	return []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(mm.cfg.MaxTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			mm.metrics.ObserveHistoryRetry(op)
			logx.Warn().Err(err).Str("op", op).Str("session_id", sessionID).Dur("retry_in", next).
				Msg("History store call failed; retrying")
		}),
	}
}

// classify marks errors that a retry cannot fix as permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errx.IsTransient(err) || errx.StatusOf(err, 0) == http.StatusServiceUnavailable {
		return err
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return err
	}
	return backoff.Permanent(err)
}
