package openai

import (
	"cmp"
	"context"
	"fmt"
	"slices"

	"github.com/koscakluka/ema-pipeline/core/llms"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Stream struct {
	client *oai.Client

	model    string
	messages []oai.ChatCompletionMessageParamUnion
	tools    []oai.ChatCompletionToolParam
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "stream chat completion")
		defer span.End()
		span.SetAttributes(
			attribute.String("llm.model", s.model),
			attribute.Int("llm.messages", len(s.messages)),
			attribute.Int("llm.tools", len(s.tools)),
		)

		params := oai.ChatCompletionNewParams{
			Model:    s.model,
			Messages: s.messages,
			Tools:    s.tools,
			StreamOptions: oai.ChatCompletionStreamOptionsParam{
				IncludeUsage: param.NewOpt(true),
			},
		}

		stream := s.client.Chat.Completions.NewStreaming(ctx, params)
		defer stream.Close()

		toolCalls := toolCallAccumulator{}
		for stream.Next() {
			chunk := stream.Current()

			if chunk.Usage.TotalTokens > 0 {
				if !yield(llms.UsageChunk{TokenUsage: llms.Usage{
					InputTokens:  int(chunk.Usage.PromptTokens),
					OutputTokens: int(chunk.Usage.CompletionTokens),
					TotalTokens:  int(chunk.Usage.TotalTokens),
				}}, nil) {
					return
				}
			}

			if len(chunk.Choices) == 0 {
				continue
			}
			choice := chunk.Choices[0]

			if choice.Delta.Content != "" {
				if !yield(llms.ContentChunk{Text: choice.Delta.Content}, nil) {
					return
				}
			}

			for _, delta := range choice.Delta.ToolCalls {
				toolCalls.add(delta)
			}

			if choice.FinishReason == "" {
				continue
			}

			for _, call := range toolCalls.flush() {
				if !yield(llms.ToolCallChunk{Call: call}, nil) {
					return
				}
			}
			reason := choice.FinishReason
			if !yield(llms.ContentChunk{Reason: &reason}, nil) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			err = fmt.Errorf("chat completion stream failed: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}
	}
}

// toolCallAccumulator joins tool call deltas. The first delta of a call carries
// its id and name, the following ones only argument fragments, all keyed by
// the call index.
type toolCallAccumulator struct {
	calls map[int64]*llms.ToolCall
}

func (a *toolCallAccumulator) add(delta oai.ChatCompletionChunkChoiceDeltaToolCall) {
	if a.calls == nil {
		a.calls = map[int64]*llms.ToolCall{}
	}

	call, ok := a.calls[delta.Index]
	if !ok {
		call = &llms.ToolCall{}
		a.calls[delta.Index] = call
	}
	if delta.ID != "" {
		call.ID = delta.ID
	}
	call.Name += delta.Function.Name
	call.Arguments += delta.Function.Arguments
}

func (a *toolCallAccumulator) flush() []llms.ToolCall {
	indexes := make([]int64, 0, len(a.calls))
	for index := range a.calls {
		indexes = append(indexes, index)
	}
	slices.SortFunc(indexes, cmp.Compare[int64])

	calls := make([]llms.ToolCall, 0, len(indexes))
	for _, index := range indexes {
		calls = append(calls, *a.calls[index])
	}
	a.calls = nil
	return calls
}
