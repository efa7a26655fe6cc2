package react

import (
	"context"
	"errors"
	"sync"
	"testing"

	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Capmap-core-v1/server/internal/agent/graph/progress"
)

// scriptedModel replays replies in order and records every input.
type scriptedModel struct {
	mu      sync.Mutex
	replies []*schema.Message
	errAt   map[int]error
	inputs  [][]*schema.Message
	bound   []*schema.ToolInfo
}

func (m *scriptedModel) Generate(_ context.Context, input []*schema.Message, _ ...einomodel.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.inputs)
	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	if err, ok := m.errAt[call]; ok {
		return nil, err
	}
	if call >= len(m.replies) {
		return m.replies[len(m.replies)-1], nil
	}
	return m.replies[call], nil
}

func (m *scriptedModel) Stream(context.Context, []*schema.Message, ...einomodel.Option) (*schema.StreamReader[*schema.Message], error) {
	return nil, errors.New("not supported")
}

func (m *scriptedModel) WithTools(infos []*schema.ToolInfo) (einomodel.ToolCallingChatModel, error) {
	m.bound = infos
	return m, nil
}

func toolCall(id, name, args string) schema.ToolCall {
	return schema.ToolCall{ID: id, Function: schema.FunctionCall{Name: name, Arguments: args}}
}

type echoInput struct {
	Text string `json:"text"`
}

func echoTool(t *testing.T) tool.InvokableTool {
	t.Helper()
	tl, err := utils.InferTool("echo", "Echo the text back", func(_ context.Context, in *echoInput) (string, error) {
		if in.Text == "boom" {
			return "", errors.New("echo failed")
		}
		return "echo:" + in.Text, nil
	})
	require.NoError(t, err)
	return tl
}

func newAgent(t *testing.T, m *scriptedModel, maxSteps int) *Agent {
	t.Helper()
	a, err := New(context.Background(), Config{
		Name:         "test_agent",
		Model:        m,
		ModelName:    "gemini-2.5-flash",
		Tools:        []tool.InvokableTool{echoTool(t)},
		SystemPrompt: "You are a test agent.",
		MaxSteps:     maxSteps,
	})
	require.NoError(t, err)
	return a
}

func TestRun_AnswersWithoutTools(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{schema.AssistantMessage(" Hello! ", nil)}}
	a := newAgent(t, m, 5)

	res, err := a.Run(context.Background(), []*schema.Message{schema.UserMessage("hi")})

	require.NoError(t, err)
	assert.Equal(t, "Hello!", res.Text())
	assert.Equal(t, 1, res.Steps)
	assert.False(t, res.Exhausted)
	require.Len(t, m.bound, 1)
	assert.Equal(t, "echo", m.bound[0].Name)
	assert.Equal(t, schema.System, m.inputs[0][0].Role)
}

func TestRun_ExecutesToolsInOrder(t *testing.T) {
	m := &scriptedModel{replies: []*schema.Message{
		schema.AssistantMessage("", []schema.ToolCall{
			toolCall("", "echo", `{"text":"a"}`),
			toolCall("c2", "echo", `{"text":"boom"}`),
			toolCall("c3", "missing_tool", `{}`),
		}),
		schema.AssistantMessage("done", nil),
	}}
	a := newAgent(t, m, 5)

	var mu sync.Mutex
	var statuses []string
	ctx := progress.WithReporter(context.Background(), func(s string) {
		mu.Lock()
		defer mu.Unlock()
		statuses = append(statuses, s)
	})

	res, err := a.Run(ctx, []*schema.Message{schema.UserMessage("go")})

	require.NoError(t, err)
	assert.Equal(t, "done", res.Text())
	assert.Equal(t, 2, res.Steps)
	require.Len(t, res.Records, 3)

	assert.Equal(t, "call_1", res.Records[0].CallID)
	assert.Equal(t, `"echo:a"`, res.Records[0].Result)
	assert.False(t, res.Records[0].Failed())

	assert.True(t, res.Records[1].Failed())
	assert.Contains(t, res.Records[1].Result, "echo failed")

	assert.Equal(t, "unknown_tool", res.Records[2].Err)
	assert.Contains(t, res.Records[2].Result, "unknown tool")

	second := m.inputs[1]
	tail := second[len(second)-3:]
	for i, rec := range res.Records {
		assert.Equal(t, schema.Tool, tail[i].Role)
		assert.Equal(t, rec.CallID, tail[i].ToolCallID)
	}
	assert.Len(t, statuses, 2)
}

func TestRun_ExhaustsStepBudget(t *testing.T) {
	loop := schema.AssistantMessage("still thinking", []schema.ToolCall{toolCall("c1", "echo", `{"text":"x"}`)})
	m := &scriptedModel{replies: []*schema.Message{loop}}
	a := newAgent(t, m, 3)

	res, err := a.Run(context.Background(), []*schema.Message{schema.UserMessage("go")})

	require.NoError(t, err)
	assert.True(t, res.Exhausted)
	assert.Equal(t, 3, res.Steps)
	assert.Len(t, m.inputs, 3)
	assert.Len(t, res.Records, 2)

	last := m.inputs[2]
	notice := last[len(last)-1]
	assert.Equal(t, schema.System, notice.Role)
	assert.Contains(t, notice.Content, "maximum number of reasoning steps (3)")
}

func TestRun_ModelFailure(t *testing.T) {
	m := &scriptedModel{
		replies: []*schema.Message{
			schema.AssistantMessage("", []schema.ToolCall{toolCall("c1", "echo", `{"text":"x"}`)}),
		},
		errAt: map[int]error{1: errors.New("503 from provider")},
	}
	a := newAgent(t, m, 5)

	res, err := a.Run(context.Background(), []*schema.Message{schema.UserMessage("go")})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrModel)
	require.NotNil(t, res)
	assert.Equal(t, 2, res.Steps)
	assert.Len(t, res.Records, 1)
}

func TestRun_AccumulatesCost(t *testing.T) {
	reply := schema.AssistantMessage("ok", nil)
	reply.ResponseMeta = &schema.ResponseMeta{Usage: &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000}}
	m := &scriptedModel{replies: []*schema.Message{reply}}
	a := newAgent(t, m, 2)

	res, err := a.Run(context.Background(), []*schema.Message{schema.UserMessage("go")})

	require.NoError(t, err)
	assert.InDelta(t, 2.80, res.CostUSD, 1e-9)
}

func TestNew_RequiresModel(t *testing.T) {
	_, err := New(context.Background(), Config{Name: "x"})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	a, err := New(context.Background(), Config{Name: "x", Model: &scriptedModel{}})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxSteps, a.maxSteps)
	assert.Equal(t, 2, a.maxParallel)

	a, err = New(context.Background(), Config{Name: "x", Model: &scriptedModel{}, MaxParallelTools: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, a.maxParallel)
}
