package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestWrapPostgres(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
	}{
		{"no rows", pgx.ErrNoRows, http.StatusNotFound},
		{"deadline", fmt.Errorf("query: %w", context.DeadlineExceeded), http.StatusServiceUnavailable},
		{"connection exception", &pgconn.PgError{Code: "08006"}, http.StatusServiceUnavailable},
		{"serialization failure", &pgconn.PgError{Code: "40001"}, http.StatusServiceUnavailable},
		{"syntax error", &pgconn.PgError{Code: "42601"}, http.StatusBadGateway},
		{"canceled", context.Canceled, http.StatusBadGateway},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := WrapPostgres(tc.err)
			assert.Equal(t, tc.status, StatusOf(err, 0))
			assert.ErrorIs(t, err, tc.err)
		})
	}
	assert.NoError(t, WrapPostgres(nil))
}

func TestWrapRedis(t *testing.T) {
	assert.NoError(t, WrapRedis(nil))
	assert.Equal(t, http.StatusNotFound, StatusOf(WrapRedis(redis.Nil), 0))
	assert.Equal(t, http.StatusBadGateway, StatusOf(WrapRedis(errors.New("i/o timeout")), 0))
}

func TestAppError(t *testing.T) {
	base := errors.New("boom")
	err := fmt.Errorf("outer: %w", New(base, http.StatusTeapot, "safe message"))

	var appErr *AppError
	assert.True(t, errors.As(err, &appErr))
	assert.Equal(t, "safe message", appErr.Message)
	assert.Equal(t, "safe message: boom", appErr.Error())
	assert.ErrorIs(t, err, base)
	assert.Equal(t, http.StatusTeapot, StatusOf(err, 500))
	assert.Equal(t, 500, StatusOf(base, 500))
}
