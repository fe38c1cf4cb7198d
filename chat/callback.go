package chat

import (
	"context"

	"github.com/effective-security/mcpchat/pkg/llms"
	"github.com/effective-security/x/slices"
	"github.com/effective-security/xlog"
)

// Callback observes the orchestration loop. All methods are optional
// notifications; implementations must not block.
type Callback interface {
	OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message)
	OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse)
	OnToolCallStart(ctx context.Context, tool string, input string)
	OnToolCallEnd(ctx context.Context, tool string, output string)
	OnToolCallError(ctx context.Context, tool string, err error)
}

// NoopCallback does nothing.
type NoopCallback struct{}

func NewNoopCallback() *NoopCallback {
	return &NoopCallback{}
}

var _ Callback = (*NoopCallback)(nil)

func (l *NoopCallback) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
}
func (l *NoopCallback) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse) {
}
func (l *NoopCallback) OnToolCallStart(ctx context.Context, tool string, input string)  {}
func (l *NoopCallback) OnToolCallEnd(ctx context.Context, tool string, output string)   {}
func (l *NoopCallback) OnToolCallError(ctx context.Context, tool string, err error)     {}

// LogCallback writes the loop's progress to the package logger.
type LogCallback struct{}

func NewLogCallback() *LogCallback {
	return &LogCallback{}
}

var _ Callback = (*LogCallback)(nil)

func (l *LogCallback) OnModelCallStart(ctx context.Context, model llms.Model, messages []llms.Message) {
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "model_call_start",
		"model", model.GetName(),
		"messages", len(messages),
	)
}

func (l *LogCallback) OnModelCallEnd(ctx context.Context, model llms.Model, resp *llms.ContentResponse) {
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "model_call_end",
		"model", model.GetName(),
		"choices", len(resp.Choices),
	)
}

func (l *LogCallback) OnToolCallStart(ctx context.Context, tool string, input string) {
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tool_call_start",
		"tool", tool,
		"input", slices.StringUpto(input, 64),
	)
}

func (l *LogCallback) OnToolCallEnd(ctx context.Context, tool string, output string) {
	logger.ContextKV(ctx, xlog.DEBUG,
		"status", "tool_call_end",
		"tool", tool,
		"output", slices.StringUpto(output, 64),
		"output_size", len(output),
	)
}

func (l *LogCallback) OnToolCallError(ctx context.Context, tool string, err error) {
	logger.ContextKV(ctx, xlog.WARNING,
		"status", "tool_call_error",
		"tool", tool,
		"err", err.Error(),
	)
}
