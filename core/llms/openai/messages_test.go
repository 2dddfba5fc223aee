package openai

import (
	"testing"

	"github.com/koscakluka/ema-pipeline/core/llms"
	oai "github.com/openai/openai-go"
)

func TestToOpenAIMessagesKeepsToolCallHistory(t *testing.T) {
	messages := []llms.Message{
		{Role: llms.RoleSystem, Content: "You are a support agent."},
		{Role: llms.RoleUser, Content: "What's the warranty on device ABC123?"},
		{Role: llms.RoleAssistant, ToolCalls: []llms.ToolCall{
			{ID: "call_1", Name: "get_warranty_status", Arguments: `{"device_id":"ABC123"}`},
		}},
		{Role: llms.RoleTool, ToolCallID: "call_1", Content: `{"warranty_status":"under warranty"}`},
		{Role: llms.RoleAssistant, Content: "Your device is under warranty."},
	}

	converted := toOpenAIMessages(messages)

	if len(converted) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(converted))
	}
	if converted[0].OfSystem == nil || converted[1].OfUser == nil {
		t.Fatalf("unexpected leading messages: %+v", converted[:2])
	}

	toolCallMessage := converted[2].OfAssistant
	if toolCallMessage == nil || len(toolCallMessage.ToolCalls) != 1 {
		t.Fatalf("expected assistant tool call message, got %+v", converted[2])
	}
	if toolCallMessage.ToolCalls[0].ID != "call_1" || toolCallMessage.ToolCalls[0].Function.Name != "get_warranty_status" {
		t.Fatalf("unexpected tool call: %+v", toolCallMessage.ToolCalls[0])
	}

	toolMessage := converted[3].OfTool
	if toolMessage == nil || toolMessage.ToolCallID != "call_1" {
		t.Fatalf("expected tool message answering call_1, got %+v", converted[3])
	}

	if converted[4].OfAssistant == nil || converted[4].OfAssistant.Content.OfString.Value != "Your device is under warranty." {
		t.Fatalf("unexpected final assistant message: %+v", converted[4])
	}
}

func TestToolCallAccumulatorJoinsDeltasByIndex(t *testing.T) {
	accumulator := toolCallAccumulator{}
	deltas := []oai.ChatCompletionChunkChoiceDeltaToolCall{
		{Index: 1, ID: "call_b", Function: oai.ChatCompletionChunkChoiceDeltaToolCallFunction{Name: "get_billing_details"}},
		{Index: 0, ID: "call_a", Function: oai.ChatCompletionChunkChoiceDeltaToolCallFunction{Name: "get_warranty_status"}},
		{Index: 0, Function: oai.ChatCompletionChunkChoiceDeltaToolCallFunction{Arguments: `{"device_id":`}},
		{Index: 1, Function: oai.ChatCompletionChunkChoiceDeltaToolCallFunction{Arguments: `{"account_id":"42"}`}},
		{Index: 0, Function: oai.ChatCompletionChunkChoiceDeltaToolCallFunction{Arguments: `"ABC123"}`}},
	}
	for _, delta := range deltas {
		accumulator.add(delta)
	}

	calls := accumulator.flush()
	expected := []llms.ToolCall{
		{ID: "call_a", Name: "get_warranty_status", Arguments: `{"device_id":"ABC123"}`},
		{ID: "call_b", Name: "get_billing_details", Arguments: `{"account_id":"42"}`},
	}
	if len(calls) != len(expected) {
		t.Fatalf("expected %d calls, got %d", len(expected), len(calls))
	}
	for i := range expected {
		if calls[i] != expected[i] {
			t.Fatalf("expected call %d to be %+v, got %+v", i, expected[i], calls[i])
		}
	}

	if len(accumulator.flush()) != 0 {
		t.Fatalf("expected flush to reset the accumulator")
	}
}

func TestToOpenAIToolsSkipsEmptyDefinitions(t *testing.T) {
	if tools := toOpenAITools(nil); tools != nil {
		t.Fatalf("expected no tools, got %+v", tools)
	}

	tools := toOpenAITools([]llms.ToolDefinition{{
		Name:        "handle_product_speculation",
		Description: "Decline to comment on unannounced products.",
		Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
	}})
	if len(tools) != 1 || tools[0].Function.Name != "handle_product_speculation" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
	if tools[0].Function.Description.Value != "Decline to comment on unannounced products." {
		t.Fatalf("unexpected description: %+v", tools[0].Function.Description)
	}
}
