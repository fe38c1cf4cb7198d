// Package chat drives one user query to completion: it alternates between
// asking the model for its next action and executing the single tool call a
// turn may carry, feeding results back until the model answers in text only.
package chat

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/effective-security/mcpchat/chatmodel"
	"github.com/effective-security/mcpchat/mcp"
	"github.com/effective-security/mcpchat/pkg/llms"
	"github.com/effective-security/mcpchat/pkg/llmutils"
	"github.com/effective-security/mcpchat/pkg/metricskey"
	"github.com/effective-security/xlog"
)

var logger = xlog.NewPackageLogger("github.com/effective-security/mcpchat", "chat")

const (
	// DefaultMaxTurns bounds the number of model round-trips per query.
	// Without a cap a model that keeps issuing tool calls would loop forever.
	DefaultMaxTurns = 10

	// DefaultMaxContentSize bounds the total history size sent to the model.
	DefaultMaxContentSize = 512 * 1024
)

// ToolInvoker is the part of the transport session the orchestrator needs.
type ToolInvoker interface {
	CallTool(ctx context.Context, name string, arguments any) (*mcp.ToolResponse, error)
}

type config struct {
	maxTurns       int
	maxContentSize uint64
	maxTokens      int
	callback       Callback
}

// Option configures the Chat.
type Option func(*config)

// WithMaxTurns overrides the model round-trip cap per query.
func WithMaxTurns(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxTurns = n
		}
	}
}

// WithMaxContentSize overrides the history size cap.
func WithMaxContentSize(n uint64) Option {
	return func(c *config) {
		if n > 0 {
			c.maxContentSize = n
		}
	}
}

// WithMaxTokens sets the max output tokens per model call.
func WithMaxTokens(n int) Option {
	return func(c *config) {
		c.maxTokens = n
	}
}

// WithCallback sets the loop observer.
func WithCallback(cb Callback) Option {
	return func(c *config) {
		if cb != nil {
			c.callback = cb
		}
	}
}

// Chat is the turn-taking state machine for one session. The conversation
// state lives on the stack of ProcessQuery: nothing carries over between
// queries except the session and the catalog.
type Chat struct {
	llm     llms.Model
	invoker ToolInvoker
	catalog *Catalog
	cfg     config
}

// New creates a Chat over the given model, transport session, and catalog.
func New(llm llms.Model, invoker ToolInvoker, catalog *Catalog, opts ...Option) *Chat {
	cfg := config{
		maxTurns:       DefaultMaxTurns,
		maxContentSize: DefaultMaxContentSize,
		callback:       NewNoopCallback(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Chat{
		llm:     llm,
		invoker: invoker,
		catalog: catalog,
		cfg:     cfg,
	}
}

// ProcessQuery runs one query to completion and returns the concatenation of
// every text block the model produced across all turns, including inline
// error text. A model failure ends the query with the error reported in the
// returned text; a tool failure is fed back to the model and the loop
// continues. Exceeding the turn cap returns an error along with the text
// accumulated so far.
func (c *Chat) ProcessQuery(ctx context.Context, query string) (string, error) {
	if chatmodel.GetChatContext(ctx) == nil {
		ctx = chatmodel.WithChatContext(ctx, chatmodel.NewChatContext("", nil))
	}
	chatID := chatmodel.GetChatID(ctx)
	modelName := c.llm.GetName()

	started := time.Now()
	defer metricskey.PerfChatQuery.MeasureSince(started, modelName)

	callOpts := []llms.CallOption{}
	if c.cfg.maxTokens > 0 {
		callOpts = append(callOpts, llms.WithMaxTokens(c.cfg.maxTokens))
	}
	if defs := c.catalog.Definitions(); len(defs) > 0 {
		callOpts = append(callOpts, llms.WithTools(defs))
	}

	messages := []llms.Message{
		llms.MessageFromTextParts(llms.RoleHuman, query),
	}
	var output []string
	var lastUnknownTool string

	for turn := 0; turn < c.cfg.maxTurns; turn++ {
		bytesSent := llmutils.CountMessagesContentSize(messages)
		if bytesSent > c.cfg.maxContentSize {
			metricskey.StatsChatQueriesFailed.IncrCounter(1, modelName)
			return strings.Join(output, "\n"), errors.Newf("chat %s: the content size exceeded limit", chatID)
		}

		c.cfg.callback.OnModelCallStart(ctx, c.llm, messages)
		metricskey.StatsLLMMessagesSent.IncrCounter(float64(len(messages)), modelName)
		metricskey.StatsLLMBytesSent.IncrCounter(float64(bytesSent), modelName)

		callStarted := time.Now()
		resp, err := c.llm.GenerateContent(ctx, messages, callOpts...)
		metricskey.PerfModelCall.MeasureSince(callStarted, modelName)
		if err != nil {
			// a single failed model call ends the query; the error is
			// reported inline and the driver survives
			metricskey.StatsChatQueriesFailed.IncrCounter(1, modelName)
			logger.ContextKV(ctx, xlog.ERROR,
				"chat_id", chatID,
				"status", "model_call_failed",
				"turn", turn,
				"err", err.Error(),
			)
			output = append(output, "Error: "+err.Error())
			return strings.Join(output, "\n"), nil
		}
		c.cfg.callback.OnModelCallEnd(ctx, c.llm, resp)

		metricskey.StatsLLMBytesReceived.IncrCounter(float64(llmutils.CountResponseContentSize(resp)), modelName)
		tokensIn, tokensOut, tokensTotal := llmutils.CountTokens(resp)
		metricskey.StatsLLMInputTokens.IncrCounter(float64(tokensIn), modelName)
		metricskey.StatsLLMOutputTokens.IncrCounter(float64(tokensOut), modelName)
		metricskey.StatsLLMTotalTokens.IncrCounter(float64(tokensTotal), modelName)

		// Inspect content blocks in the order the model returned them. The
		// first tool call ends the scan; at most one tool call is executed
		// per turn, the model re-issues any others in a later turn.
		var staged []llms.ContentPart
		var call *llms.ToolCall
		for _, choice := range resp.Choices {
			if choice.Content != "" {
				output = append(output, choice.Content)
				staged = append(staged, llms.TextPart(choice.Content))
			}
			if len(choice.ToolCalls) > 0 {
				tc := choice.ToolCalls[0]
				call = &tc
				staged = append(staged, tc)
				break
			}
		}

		if len(staged) > 0 {
			messages = append(messages, llms.MessageFromParts(llms.RoleAI, staged...))
		}

		if call == nil {
			metricskey.StatsChatQueriesSucceeded.IncrCounter(1, modelName)
			logger.ContextKV(ctx, xlog.DEBUG,
				"chat_id", chatID,
				"status", "query_completed",
				"turns", turn+1,
			)
			return strings.Join(output, "\n"), nil
		}

		name := call.FunctionCall.Name
		var content string
		if !c.catalog.Has(name) {
			// A model stuck on a nonexistent tool will never make progress;
			// one miss is fed back, a repeat ends the query.
			if name == lastUnknownTool {
				metricskey.StatsChatQueriesFailed.IncrCounter(1, modelName)
				return strings.Join(output, "\n"), errors.Newf("chat %s: tool %q not found", chatID, name)
			}
			lastUnknownTool = name
			metricskey.StatsToolCallsFailed.IncrCounter(1, name)
			content = "Error: tool " + name + " is not available"
		} else {
			lastUnknownTool = ""
			content = c.invokeTool(ctx, call)
		}
		messages = append(messages, llms.MessageFromToolResponse(llms.RoleTool, llms.ToolCallResponse{
			ToolCallID: call.ID,
			Name:       name,
			Content:    content,
		}))
	}

	metricskey.StatsChatQueriesFailed.IncrCounter(1, modelName)
	return strings.Join(output, "\n"), errors.Newf("chat %s: turn limit of %d exceeded", chatID, c.cfg.maxTurns)
}

// invokeTool executes one tool call. Failures are not escalated: the error
// is rendered as the tool result so the model can see and react to it.
func (c *Chat) invokeTool(ctx context.Context, call *llms.ToolCall) string {
	name := call.FunctionCall.Name
	c.cfg.callback.OnToolCallStart(ctx, name, call.FunctionCall.Arguments)

	var args any
	if call.FunctionCall.Arguments != "" {
		if err := json.Unmarshal([]byte(call.FunctionCall.Arguments), &args); err != nil {
			err = errors.Wrapf(err, "invalid arguments for tool %q", name)
			metricskey.StatsToolCallsFailed.IncrCounter(1, name)
			c.cfg.callback.OnToolCallError(ctx, name, err)
			return "Error: " + err.Error()
		}
	}

	started := time.Now()
	res, err := c.invoker.CallTool(ctx, name, args)
	metricskey.PerfToolCall.MeasureSince(started, name)
	if err != nil {
		metricskey.StatsToolCallsFailed.IncrCounter(1, name)
		c.cfg.callback.OnToolCallError(ctx, name, err)
		logger.ContextKV(ctx, xlog.WARNING,
			"chat_id", chatmodel.GetChatID(ctx),
			"status", "tool_call_failed",
			"tool", name,
			"err", err.Error(),
		)
		return "Error: " + err.Error()
	}

	metricskey.StatsToolCallsSucceeded.IncrCounter(1, name)
	content := res.Text()
	c.cfg.callback.OnToolCallEnd(ctx, name, content)
	return content
}
