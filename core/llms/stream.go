package llms

import "context"

// StreamingModel produces a response for a dialogue as a stream of chunks.
// Streams are lazy; nothing is requested until Chunks is ranged over.
type StreamingModel interface {
	PromptWithStream(ctx context.Context, messages []Message, tools []ToolDefinition) Stream
}

type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

// StreamToolCallChunk carries a complete tool call. Backends that stream
// arguments in pieces assemble them before yielding.
type StreamToolCallChunk interface {
	StreamChunk
	ToolCall() ToolCall
}

type StreamUsageChunk interface {
	StreamChunk
	Usage() Usage
}

const (
	FinishReasonStop      = "stop"
	FinishReasonToolCalls = "tool_calls"
	FinishReasonLength    = "length"
)

type Usage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ContentChunk, ToolCallChunk and UsageChunk are plain implementations of the
// chunk interfaces for backends and test doubles that have nothing special to
// carry.
type ContentChunk struct {
	Text   string
	Reason *string
}

func (c ContentChunk) FinishReason() *string { return c.Reason }
func (c ContentChunk) Content() string        { return c.Text }

type ToolCallChunk struct {
	Call   ToolCall
	Reason *string
}

func (c ToolCallChunk) FinishReason() *string { return c.Reason }
func (c ToolCallChunk) ToolCall() ToolCall     { return c.Call }

type UsageChunk struct {
	TokenUsage Usage
	Reason     *string
}

func (c UsageChunk) FinishReason() *string { return c.Reason }
func (c UsageChunk) Usage() Usage           { return c.TokenUsage }
