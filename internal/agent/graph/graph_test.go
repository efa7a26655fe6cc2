package graph

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capmap-core-v1/server/internal/agent/graph/nodes"
	"github.com/Capmap-core-v1/server/internal/agent/graph/tools"
	"github.com/Capmap-core-v1/server/internal/agent/model"
	errx "github.com/Capmap-core-v1/server/internal/core/error"
)

const testModelName = "gemini-2.5-flash"

// roleOf identifies the caller from the first line of its system prompt.
func roleOf(msgs []*schema.Message) string {
	if len(msgs) == 0 || msgs[0].Role != schema.System {
		return "unknown"
	}
	prefixes := []struct{ prefix, role string }{
		{"You condense", "summarizer"},
		{"You classify", "router"},
		{"You are a research assistant", "general"},
		{"You rank", "ranking"},
		{"You answer venture capital questions", "reasoning"},
		{"You predict", "prediction"},
		{"You write the reply", "final"},
	}
	for _, p := range prefixes {
		if strings.HasPrefix(msgs[0].Content, p.prefix) {
			return p.role
		}
	}
	return "unknown"
}

func hasToolResult(msgs []*schema.Message) bool {
	for _, m := range msgs {
		if m.Role == schema.Tool {
			return true
		}
	}
	return false
}

type respondFunc func(role string, msgs []*schema.Message) (*schema.Message, error)

// roleModel serves every role from one handler, the way a single provider
// model backs all agents in production.
type roleModel struct {
	mu      sync.Mutex
	respond respondFunc
	calls   map[string][][]*schema.Message
}

func newRoleModel(respond respondFunc) *roleModel {
	return &roleModel{respond: respond, calls: map[string][][]*schema.Message{}}
}

func (m *roleModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	role := roleOf(input)
	m.mu.Lock()
	m.calls[role] = append(m.calls[role], input)
	m.mu.Unlock()

	out, err := m.respond(role, input)
	if err != nil {
		return nil, err
	}
	out.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 1000, CompletionTokens: 1000}}
	return out, nil
}

func (m *roleModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m *roleModel) WithTools([]*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	return m, nil
}

func (m *roleModel) count(role string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls[role])
}

func (m *roleModel) lastUser(role string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	calls := m.calls[role]
	if len(calls) == 0 {
		return ""
	}
	msgs := calls[len(calls)-1]
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == schema.User {
			return msgs[i].Content
		}
	}
	return ""
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

type memoryHistory struct {
	turns    []model.Turn
	recorded []model.Turn
}

func (h *memoryHistory) GetHistory(_ context.Context, _ string, limit int) []model.Turn {
	if len(h.turns) > limit {
		return h.turns[:limit]
	}
	return h.turns
}

func (h *memoryHistory) RecordInteraction(_ context.Context, _, input, reply string, table *string) error {
	h.recorded = append(h.recorded, model.Turn{Input: input, Reply: reply, Table: table})
	return nil
}

type fakeQuerier struct {
	mu   sync.Mutex
	args [][]any
	rows []tools.Row
}

func (q *fakeQuerier) Query(_ context.Context, _ string, args ...any) ([]tools.Row, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.args = append(q.args, args)
	return q.rows, nil
}

func (q *fakeQuerier) QueryReadOnly(context.Context, string) ([]tools.Row, error) {
	return q.rows, nil
}

type harness struct {
	model   *roleModel
	alerter *recordingAlerter
	history *memoryHistory
	querier *fakeQuerier
	runner  Runner
}

func newHarness(t *testing.T, respond respondFunc) *harness {
	t.Helper()
	h := &harness{
		model:   newRoleModel(respond),
		alerter: &recordingAlerter{},
		history: &memoryHistory{},
		querier: &fakeQuerier{rows: []tools.Row{{"Top Tier": "Alpha Capital", "sim": 1.0, "metric_val": 9.2e9}}},
	}
	runnable, err := BuildGraph(context.Background(), &GraphConfig{
		ChatModels: &nodes.ChatModels{
			Summarizer:          h.model,
			Router:              h.model,
			Agent:               h.model,
			SummarizerModelName: testModelName,
			RouterModelName:     testModelName,
			AgentModelName:      testModelName,
		},
		Registry: tools.NewRegistry(tools.Deps{Querier: h.querier}),
		Agent: model.AgentConfig{
			MemoryMaxTurns:     10,
			HistoryFetchLimit:  20,
			GeneralMaxSteps:    3,
			RankingMaxSteps:    3,
			ReasoningMaxSteps:  3,
			PredictionMaxSteps: 3,
			FinalMaxSteps:      2,
		},
		Alerter: h.alerter,
	})
	require.NoError(t, err)
	h.runner = NewRunner(runnable, h.history, 20)
	return h
}

const rankingTable = "| VC | AUM |\n|---|---|\n| Alpha Capital | $9.2B |"

func routeTo(label string) *schema.Message {
	return schema.AssistantMessage(fmt.Sprintf(`{"query_type": %q}`, label), nil)
}

func happyPath(label string) respondFunc {
	return func(role string, msgs []*schema.Message) (*schema.Message, error) {
		switch role {
		case "summarizer":
			return schema.AssistantMessage("User asked about FinTech VCs.", nil), nil
		case "router":
			return routeTo(label), nil
		case "ranking":
			if !hasToolResult(msgs) {
				return schema.AssistantMessage("", []schema.ToolCall{{
					ID:       "call_1",
					Function: schema.FunctionCall{Name: tools.ToolVCRanking, Arguments: `{"metric":"AUM","count":10,"sector":"FinTech"}`},
				}}), nil
			}
			return schema.AssistantMessage("Top FinTech VCs by AUM:\n\n"+rankingTable, nil), nil
		case "final":
			return schema.AssistantMessage("Here are the leading FinTech investors.\n\n"+rankingTable, nil), nil
		default:
			return schema.AssistantMessage(role+" answer", nil), nil
		}
	}
}

func TestInvoke_RankingEndToEnd(t *testing.T) {
	h := newHarness(t, happyPath("ranking_agent_query"))

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "Top 10 FinTech VCs by AUM"})

	require.NoError(t, err)
	assert.Equal(t, model.RouteRanking, reply.Route)
	assert.False(t, reply.Failed)
	assert.Contains(t, reply.Text, "leading FinTech investors")

	require.Len(t, h.querier.args, 1)
	assert.Equal(t, []any{"fintech", 0.30, 10}, h.querier.args[0])

	// router 1 + ranking 2 + final 1 calls, each 1000/1000 tokens
	assert.InDelta(t, 4*0.0028, reply.CostUSD, 1e-9)

	require.Len(t, h.history.recorded, 1)
	rec := h.history.recorded[0]
	assert.Equal(t, "Top 10 FinTech VCs by AUM", rec.Input)
	require.NotNil(t, rec.Table)
	assert.Equal(t, rankingTable, *rec.Table)
	assert.Empty(t, h.alerter.alerts)
}

func TestInvoke_EmptyHistorySkipsSummarizer(t *testing.T) {
	h := newHarness(t, happyPath("general_agent_query"))

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "hello"})

	require.NoError(t, err)
	assert.Equal(t, model.RouteGeneral, reply.Route)
	assert.Zero(t, h.model.count("summarizer"))
	assert.Contains(t, h.model.lastUser("router"), "No previous conversation. The user's first request is: hello")
}

func TestInvoke_MemoryLimiterKeepsRecentTurns(t *testing.T) {
	h := newHarness(t, happyPath("general_agent_query"))
	for i := 15; i >= 1; i-- {
		h.history.turns = append(h.history.turns, model.Turn{Input: fmt.Sprintf("q%d", i), Reply: fmt.Sprintf("a%d", i)})
	}

	_, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "and now?"})

	require.NoError(t, err)
	require.Equal(t, 1, h.model.count("summarizer"))
	transcript := h.model.lastUser("summarizer")
	assert.Equal(t, 10, strings.Count(transcript, "User: "))
	assert.Contains(t, transcript, "User: q15")
	assert.Contains(t, transcript, "User: q6\n")
	assert.NotContains(t, transcript, "User: q5\n")
	assert.Contains(t, h.model.lastUser("router"), "User asked about FinTech VCs.")
}

func TestInvoke_RouterFailureFallsBackToGeneral(t *testing.T) {
	base := happyPath("ranking_agent_query")
	h := newHarness(t, func(role string, msgs []*schema.Message) (*schema.Message, error) {
		if role == "router" {
			return nil, errors.New("router unavailable")
		}
		return base(role, msgs)
	})

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "Top FinTech VCs"})

	require.NoError(t, err)
	assert.Equal(t, model.RouteGeneral, reply.Route)
	assert.Equal(t, 1, h.model.count("general"))
	assert.Zero(t, h.model.count("ranking"))
	assert.Empty(t, h.alerter.alerts)
}

func TestInvoke_GeneralOverrideSkipsRouter(t *testing.T) {
	h := newHarness(t, happyPath("ranking_agent_query"))

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "news?", GeneralOverride: true})

	require.NoError(t, err)
	assert.Equal(t, model.RouteGeneral, reply.Route)
	assert.Zero(t, h.model.count("router"))
}

func TestInvoke_DomainAgentFailureAlertsOnce(t *testing.T) {
	base := happyPath("reasoning_agent_query")
	h := newHarness(t, func(role string, msgs []*schema.Message) (*schema.Message, error) {
		if role == "reasoning" {
			return nil, errors.New("dial tcp: connection refused")
		}
		return base(role, msgs)
	})

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "Average round size in 2024?"})

	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Equal(t, model.RouteReasoning, reply.Route)
	assert.Equal(t, "Reasoning agent encountered an error: chat model call failed", reply.Text)
	assert.NotContains(t, reply.Text, "connection refused")

	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, "reasoning_agent", h.alerter.alerts[0].Source)
	assert.Equal(t, "s1", h.alerter.alerts[0].SessionID)

	assert.Zero(t, h.model.count("final"))
	assert.Empty(t, h.history.recorded)
}

func TestInvoke_EmptyAnswerBecomesApology(t *testing.T) {
	base := happyPath("prediction_agent_query")
	h := newHarness(t, func(role string, msgs []*schema.Message) (*schema.Message, error) {
		if role == "prediction" {
			return schema.AssistantMessage("   ", nil), nil
		}
		return base(role, msgs)
	})

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "Who will Sequoia fund next?"})

	require.NoError(t, err)
	assert.True(t, reply.Failed)
	assert.Equal(t, errx.ApologyMessage, reply.Text)
	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, "prediction_agent", h.alerter.alerts[0].Source)
}

func TestInvoke_FinalFailureKeepsDomainAnswer(t *testing.T) {
	base := happyPath("general_agent_query")
	h := newHarness(t, func(role string, msgs []*schema.Message) (*schema.Message, error) {
		if role == "final" {
			return nil, errors.New("quota exceeded")
		}
		return base(role, msgs)
	})

	reply, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "hello"})

	require.NoError(t, err)
	assert.False(t, reply.Failed)
	assert.Equal(t, "general answer", reply.Text)
	require.Len(t, h.alerter.alerts, 1)
	assert.Equal(t, "final_agent", h.alerter.alerts[0].Source)
	assert.Len(t, h.history.recorded, 1)
}

func TestInvoke_RejectsBlankQuery(t *testing.T) {
	h := newHarness(t, happyPath("general_agent_query"))

	_, err := h.runner.Invoke(context.Background(), model.QueryInput{SessionID: "s1", Query: "  "})

	assert.ErrorIs(t, err, ErrEmptyQuery)
	assert.Zero(t, h.model.count("router"))
}

func TestExtractMarkdownTable(t *testing.T) {
	text := "Intro line\n\n  | VC | AUM |\n  |:---|---:|\n  | A | 1 |\n  | B | 2 |\nClosing remark"

	table := ExtractMarkdownTable(text)

	require.NotNil(t, table)
	assert.Equal(t, "| VC | AUM |\n|:---|---:|\n| A | 1 |\n| B | 2 |", *table)
	assert.Nil(t, ExtractMarkdownTable("no table | here"))
	assert.Nil(t, ExtractMarkdownTable("| a | b |\n| c | d |"))
}
