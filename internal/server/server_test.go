package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capmap-core-v1/server/internal/agent/graph/progress"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	"github.com/Capmap-core-v1/server/internal/config"
	"github.com/Capmap-core-v1/server/internal/core"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
	"github.com/Capmap-core-v1/server/internal/metrics"
)

type fakeRunner struct {
	mu     sync.Mutex
	inputs []model.QueryInput
	reply  *model.Reply
	err    error
	status []string
}

func (f *fakeRunner) Invoke(ctx context.Context, in model.QueryInput) (*model.Reply, error) {
	f.mu.Lock()
	f.inputs = append(f.inputs, in)
	f.mu.Unlock()
	for _, s := range f.status {
		progress.Report(ctx, s)
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

type fakeHistory struct {
	sessionID string
	limit     int
	turns     []model.Turn
}

func (f *fakeHistory) GetHistory(_ context.Context, sessionID string, limit int) []model.Turn {
	f.sessionID, f.limit = sessionID, limit
	return f.turns
}

type fakeCatalog struct {
	calls int
	err   error
}

func (f *fakeCatalog) Sectors(context.Context) ([]string, error) {
	f.calls++
	return []string{"FinTech", "HealthTech"}, f.err
}

func (f *fakeCatalog) Subsectors(context.Context) ([]string, error) {
	f.calls++
	return []string{"Payments"}, f.err
}

type recordingAlerter struct {
	mu     sync.Mutex
	alerts []model.Alert
}

func (r *recordingAlerter) Notify(a model.Alert) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, a)
}

type fixture struct {
	server  *Server
	runner  *fakeRunner
	history *fakeHistory
	catalog *fakeCatalog
	alerter *recordingAlerter
}

func newFixture(t *testing.T, mutate ...func(*Deps)) *fixture {
	t.Helper()
	f := &fixture{
		runner:  &fakeRunner{reply: &model.Reply{Text: "FinTech leads.", Route: model.RouteRanking}},
		history: &fakeHistory{turns: []model.Turn{{Input: "hi", Reply: "hello"}}},
		catalog: &fakeCatalog{},
		alerter: &recordingAlerter{},
	}
	reg := prometheus.NewRegistry()
	deps := Deps{
		Config: config.ServerConfig{
			Port:            "0",
			AllowedOrigins:  "http://localhost:4567",
			RateLimit:       100,
			RateWindow:      time.Minute,
			RequestTimeout:  5 * time.Second,
			SectorsCacheTTL: time.Minute,
		},
		Environment: core.Testing,
		Runner:      f.runner,
		History:     f.history,
		Catalog:     f.catalog,
		Alerter:     f.alerter,
		Metrics:     metrics.NewMetrics(reg),
		Gatherer:    reg,
	}
	for _, m := range mutate {
		m(&deps)
	}
	f.server = New(deps)
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) (*http.Response, []byte) {
	t.Helper()
	resp, err := f.server.App().Test(req, -1)
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func jsonRequest(method, target, body string) *http.Request {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got map[string]any
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "healthy", got["status"])
	assert.Equal(t, core.ServiceName, got["service"])
	assert.Equal(t, core.Version, got["version"])
	assert.Len(t, got["endpoints"], 4)
}

func TestChat_Success(t *testing.T) {
	f := newFixture(t)
	req := jsonRequest(http.MethodPost, "/chat", `{"message":"  top fintech by AUM ","general_agent_check":true}`)
	req.Header.Set(sessionHeader, "s-123")

	resp, body := f.do(t, req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"reply":"FinTech leads.","options_data":null}`, string(body))
	require.Len(t, f.runner.inputs, 1)
	assert.Equal(t, "s-123", f.runner.inputs[0].SessionID)
	assert.Equal(t, "top fintech by AUM", f.runner.inputs[0].Query)
	assert.True(t, f.runner.inputs[0].GeneralOverride)
}

func TestChat_IssuesSessionCookie(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, jsonRequest(http.MethodPost, "/chat", `{"message":"hello"}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cookie *http.Cookie
	for _, c := range resp.Cookies() {
		if c.Name == sessionCookie {
			cookie = c
		}
	}
	require.NotNil(t, cookie)
	assert.NotEmpty(t, cookie.Value)
	assert.Equal(t, cookie.Value, f.runner.inputs[0].SessionID)
}

func TestChat_RejectsBadBodies(t *testing.T) {
	cases := []struct {
		name  string
		body  string
		reply string
	}{
		{"missing message", `{"text":"hi"}`, errx.MissingMessageKey},
		{"blank message", `{"message":"   "}`, errx.EmptyMessage},
		{"not json", `hello`, errx.MissingMessageKey},
		{"truncated json", `{not json`, errx.MissingMessageKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)

			resp, body := f.do(t, jsonRequest(http.MethodPost, "/chat", tc.body))

			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			var got chatResponse
			require.NoError(t, json.Unmarshal(body, &got))
			assert.Equal(t, tc.reply, got.Reply)
			assert.Empty(t, f.runner.inputs)
		})
	}
}

func TestChat_RunnerFailureAlertsOnce(t *testing.T) {
	f := newFixture(t)
	f.runner.err = errors.New("graph exploded")

	resp, body := f.do(t, jsonRequest(http.MethodPost, "/chat", `{"message":"hello"}`))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, string(body), errx.UnexpectedErrorMessage)
	require.Len(t, f.alerter.alerts, 1)
	assert.Equal(t, "chat_endpoint", f.alerter.alerts[0].Source)
	assert.Equal(t, "hello", f.alerter.alerts[0].Input)
}

func TestChatStream_EmitsStatusThenResponse(t *testing.T) {
	f := newFixture(t)
	f.runner.status = []string{"Routing your question...", "Running SQL query..."}

	resp, body := f.do(t, jsonRequest(http.MethodPost, "/chat-stream", `{"message":"rank fintech"}`))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := parseEvents(t, string(body))
	require.Len(t, events, 4)
	assert.Equal(t, "status", events[0].Type)
	assert.Equal(t, "Routing your question...", events[1].Message)
	assert.Equal(t, "Running SQL query...", events[2].Message)
	assert.Equal(t, "response", events[3].Type)
	assert.Equal(t, "FinTech leads.", events[3].Message)
	assert.Equal(t, "ranking", events[3].Route)

	// Clients read the reply from the message key.
	last := strings.TrimSpace(strings.Split(strings.TrimSpace(string(body)), "\n\n")[3])
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(last, "data: ")), &raw))
	assert.Equal(t, "FinTech leads.", raw["message"])
	assert.NotContains(t, raw, "reply")
}

func TestChatStream_ErrorEvents(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, jsonRequest(http.MethodPost, "/chat-stream", `{"foo":1}`))
	events := parseEvents(t, string(body))
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Equal(t, "No message field", events[0].Message)

	_, body = f.do(t, jsonRequest(http.MethodPost, "/chat-stream", `{not json`))
	events = parseEvents(t, string(body))
	require.Len(t, events, 1)
	assert.Equal(t, "error", events[0].Type)
	assert.Equal(t, "Invalid JSON payload", events[0].Message)

	f.runner.err = errors.New("boom")
	_, body = f.do(t, jsonRequest(http.MethodPost, "/chat-stream", `{"message":"hi"}`))
	events = parseEvents(t, string(body))
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, "error", last.Type)
	assert.Equal(t, "Internal server error", last.Message)
	assert.Len(t, f.alerter.alerts, 1)
}

func parseEvents(t *testing.T, body string) []streamEvent {
	t.Helper()
	var out []streamEvent
	for _, chunk := range strings.Split(body, "\n\n") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		require.True(t, strings.HasPrefix(chunk, "data: "), chunk)
		var ev streamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(chunk, "data: ")), &ev))
		out = append(out, ev)
	}
	return out
}

func TestHistory(t *testing.T) {
	f := newFixture(t)

	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/history", nil))
	assert.JSONEq(t, `[]`, string(body))
	assert.Empty(t, f.history.sessionID)

	req := httptest.NewRequest(http.MethodGet, "/api/history?limit=500", nil)
	req.Header.Set(sessionHeader, "s-9")
	resp, body := f.do(t, req)

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "s-9", f.history.sessionID)
	assert.Equal(t, maxHistoryLimit, f.history.limit)
	var turns []model.Turn
	require.NoError(t, json.Unmarshal(body, &turns))
	require.Len(t, turns, 1)
	assert.Equal(t, "hi", turns[0].Input)
}

func TestVote(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, jsonRequest(http.MethodPatch, "/api/vote", `{"chatId":"c1","messageId":"m1","type":"up"}`))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"message":"Message voted"}`, string(body))

	resp, _ = f.do(t, jsonRequest(http.MethodPatch, "/api/vote", `{"chatId":"c1"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, httptest.NewRequest(http.MethodGet, "/api/vote", nil))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = f.do(t, httptest.NewRequest(http.MethodGet, "/api/vote?chatId=c1", nil))
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `[]`, string(body))
}

func TestSectors_CachesPerType(t *testing.T) {
	f := newFixture(t)

	for i := 0; i < 2; i++ {
		resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/sectors?type=sectors", nil))
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.JSONEq(t, `{"sectors":["FinTech","HealthTech"]}`, string(body))
	}
	assert.Equal(t, 1, f.catalog.calls)

	_, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/sectors?type=subsectors", nil))
	assert.JSONEq(t, `{"subsectors":["Payments"]}`, string(body))
	assert.Equal(t, 2, f.catalog.calls)

	for _, target := range []string{"/api/sectors?type=regions", "/api/sectors", "/api/sectors?type="} {
		resp, _ := f.do(t, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, target)
	}
	assert.Equal(t, 2, f.catalog.calls)
}

func TestSectors_Failure(t *testing.T) {
	f := newFixture(t)
	f.catalog.err = errors.New("db down")

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/api/sectors?type=subsectors", nil))

	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.JSONEq(t, `{"error":"Failed to fetch subsectors"}`, string(body))
}

func TestChat_RateLimitedWithRedisStorage(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	f := newFixture(t, func(d *Deps) {
		d.Config.RateLimit = 2
		d.Redis = rdb
	})

	for i := 0; i < 2; i++ {
		resp, _ := f.do(t, jsonRequest(http.MethodPost, "/chat", `{"message":"hello"}`))
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := f.do(t, jsonRequest(http.MethodPost, "/chat", `{"message":"hello"}`))
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, mr.Keys())
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, httptest.NewRequest(http.MethodGet, "/health", nil))

	resp, body := f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "capmap_")
}
