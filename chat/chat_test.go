package chat_test

import (
	"context"
	"slices"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/chat"
	"github.com/effective-security/mcpchat/mcp"
	"github.com/effective-security/mcpchat/pkg/llms"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type modelTurn struct {
	resp *llms.ContentResponse
	err  error
}

type fakeModel struct {
	turns []modelTurn
	calls [][]llms.Message
}

func (m *fakeModel) GetName() string                    { return "fake-model" }
func (m *fakeModel) GetProviderType() llms.ProviderType { return llms.ProviderAnthropic }

func (m *fakeModel) GenerateContent(ctx context.Context, messages []llms.Message, options ...llms.CallOption) (*llms.ContentResponse, error) {
	m.calls = append(m.calls, slices.Clone(messages))
	i := len(m.calls) - 1
	if i >= len(m.turns) {
		// keep asking for the same tool, for turn-limit tests
		i = len(m.turns) - 1
	}
	turn := m.turns[i]
	return turn.resp, turn.err
}

type invocation struct {
	name string
	args any
}

type fakeInvoker struct {
	res   *mcp.ToolResponse
	err   error
	calls []invocation
}

func (f *fakeInvoker) CallTool(ctx context.Context, name string, arguments any) (*mcp.ToolResponse, error) {
	f.calls = append(f.calls, invocation{name: name, args: arguments})
	return f.res, f.err
}

func textResponse(texts ...string) *llms.ContentResponse {
	resp := &llms.ContentResponse{}
	for _, t := range texts {
		resp.Choices = append(resp.Choices, &llms.ContentChoice{Content: t})
	}
	return resp
}

func toolUseResponse(text, id, name, args string) *llms.ContentResponse {
	resp := &llms.ContentResponse{}
	if text != "" {
		resp.Choices = append(resp.Choices, &llms.ContentChoice{Content: text})
	}
	resp.Choices = append(resp.Choices, &llms.ContentChoice{
		ToolCalls: []llms.ToolCall{
			{
				ID:   id,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      name,
					Arguments: args,
				},
			},
		},
	})
	return resp
}

func toolTextResult(text string) *mcp.ToolResponse {
	return &mcp.ToolResponse{
		Content: []mcp.Content{{Type: mcp.ContentTypeText, Text: text}},
	}
}

func testCatalog(t *testing.T, names ...string) *chat.Catalog {
	t.Helper()
	lister := &fakeLister{}
	for _, n := range names {
		lister.tools = append(lister.tools, mcp.Tool{Name: n})
	}
	cat, err := chat.LoadCatalog(context.Background(), lister)
	require.NoError(t, err)
	return cat
}

func TestProcessQuery_TextOnly(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{{resp: textResponse("4")}},
	}
	invoker := &fakeInvoker{}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "What is 2+2?")
	require.NoError(t, err)
	assert.Equal(t, "4", out)
	assert.Empty(t, invoker.calls)
	assert.Len(t, model.calls, 1)
}

func TestProcessQuery_SingleToolCall(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("Let me check.", "toolu_01", "geocode", `{"address":"Eiffel Tower"}`)},
			{resp: textResponse("The Eiffel Tower is in Paris at 48.85, 2.29.")},
		},
	}
	invoker := &fakeInvoker{
		res: toolTextResult(`{"address":"Eiffel Tower","latitude":48.85,"longitude":2.29}`),
	}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "Where is the Eiffel Tower?")
	require.NoError(t, err)
	assert.Equal(t, "Let me check.\nThe Eiffel Tower is in Paris at 48.85, 2.29.", out)

	require.Len(t, invoker.calls, 1)
	assert.Equal(t, "geocode", invoker.calls[0].name)
	assert.Equal(t, map[string]any{"address": "Eiffel Tower"}, invoker.calls[0].args)

	// second model call sees the full history: query, assistant with tool
	// call, tool result
	require.Len(t, model.calls, 2)
	history := model.calls[1]
	require.Len(t, history, 3)
	assert.Equal(t, llms.RoleHuman, history[0].Role)
	assert.Equal(t, llms.RoleAI, history[1].Role)
	assert.Equal(t, llms.RoleTool, history[2].Role)

	// the tool result references the triggering tool call's id
	call, ok := history[1].Parts[len(history[1].Parts)-1].(llms.ToolCall)
	require.True(t, ok)
	res, ok := history[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, call.ID, res.ToolCallID)
	assert.Equal(t, `{"address":"Eiffel Tower","latitude":48.85,"longitude":2.29}`, res.Content)
}

func TestProcessQuery_OneToolCallPerTurn(t *testing.T) {
	// two tool-use blocks in one response; only the first is executed
	resp := toolUseResponse("", "toolu_01", "geocode", `{"address":"A"}`)
	resp.Choices = append(resp.Choices, &llms.ContentChoice{
		ToolCalls: []llms.ToolCall{
			{
				ID:           "toolu_02",
				FunctionCall: &llms.FunctionCall{Name: "geocode", Arguments: `{"address":"B"}`},
			},
		},
	})

	model := &fakeModel{
		turns: []modelTurn{
			{resp: resp},
			{resp: textResponse("done")},
		},
	}
	invoker := &fakeInvoker{res: toolTextResult("ok")}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "done", out)
	require.Len(t, invoker.calls, 1)
	assert.Equal(t, map[string]any{"address": "A"}, invoker.calls[0].args)
}

func TestProcessQuery_ToolFailureContinues(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("", "toolu_01", "geocode", `{"address":"X"}`)},
			{resp: textResponse("Sorry, the lookup failed.")},
		},
	}
	invoker := &fakeInvoker{
		err: errors.New("connection closed"),
	}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Sorry, the lookup failed.", out)

	// the failure was fed back as a tool result, not escalated
	require.Len(t, model.calls, 2)
	history := model.calls[1]
	res, ok := history[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "toolu_01", res.ToolCallID)
	assert.Equal(t, "Error: connection closed", res.Content)
}

func TestProcessQuery_BadArgumentsFedBack(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("", "toolu_01", "geocode", "not json")},
			{resp: textResponse("ok")},
		},
	}
	invoker := &fakeInvoker{}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Empty(t, invoker.calls)

	history := model.calls[1]
	res, ok := history[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Contains(t, res.Content, "Error: ")
	assert.Contains(t, res.Content, `invalid arguments for tool "geocode"`)
}

func TestProcessQuery_ModelFailureEndsQuery(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("Checking.", "toolu_01", "geocode", `{}`)},
			{err: errors.New("api overloaded")},
		},
	}
	invoker := &fakeInvoker{res: toolTextResult("ok")}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "Checking.\nError: api overloaded", out)
	assert.Len(t, model.calls, 2)
}

func TestProcessQuery_UnknownToolFedBack(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("", "toolu_01", "bogus", `{}`)},
			{resp: textResponse("ok")},
		},
	}
	invoker := &fakeInvoker{}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	out, err := ch.ProcessQuery(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Empty(t, invoker.calls)

	history := model.calls[1]
	res, ok := history[2].Parts[0].(llms.ToolCallResponse)
	require.True(t, ok)
	assert.Equal(t, "Error: tool bogus is not available", res.Content)
}

func TestProcessQuery_UnknownToolRepeatedEndsQuery(t *testing.T) {
	// the model insists on the same nonexistent tool
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("", "toolu_01", "bogus", `{}`)},
		},
	}
	invoker := &fakeInvoker{}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"))

	_, err := ch.ProcessQuery(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `tool "bogus" not found`)
	assert.Len(t, model.calls, 2)
	assert.Empty(t, invoker.calls)
}

func TestProcessQuery_TurnLimit(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{
			{resp: toolUseResponse("", "toolu_01", "geocode", `{}`)},
		},
	}
	invoker := &fakeInvoker{res: toolTextResult("ok")}
	ch := chat.New(model, invoker, testCatalog(t, "geocode"), chat.WithMaxTurns(3))

	_, err := ch.ProcessQuery(context.Background(), "q")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn limit of 3 exceeded")
	assert.Len(t, model.calls, 3)
	assert.Len(t, invoker.calls, 3)
}

func TestProcessQuery_ContentSizeLimit(t *testing.T) {
	model := &fakeModel{
		turns: []modelTurn{{resp: textResponse("never reached")}},
	}
	ch := chat.New(model, &fakeInvoker{}, testCatalog(t, "geocode"), chat.WithMaxContentSize(8))

	_, err := ch.ProcessQuery(context.Background(), "a query longer than the limit")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content size exceeded limit")
	assert.Empty(t, model.calls)
}
