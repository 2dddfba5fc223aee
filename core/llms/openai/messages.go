package openai

import (
	"github.com/koscakluka/ema-pipeline/core/llms"
	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/param"
)

func toOpenAIMessages(messages []llms.Message) []oai.ChatCompletionMessageParamUnion {
	out := make([]oai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, message := range messages {
		switch message.Role {
		case llms.RoleSystem:
			out = append(out, oai.SystemMessage(message.Content))

		case llms.RoleUser:
			out = append(out, oai.UserMessage(message.Content))

		case llms.RoleAssistant:
			assistant := oai.ChatCompletionAssistantMessageParam{}
			if message.Content != "" {
				assistant.Content = oai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: param.NewOpt(message.Content),
				}
			}
			for _, toolCall := range message.ToolCalls {
				assistant.ToolCalls = append(assistant.ToolCalls, oai.ChatCompletionMessageToolCallParam{
					ID: toolCall.ID,
					Function: oai.ChatCompletionMessageToolCallFunctionParam{
						Name:      toolCall.Name,
						Arguments: toolCall.Arguments,
					},
				})
			}
			out = append(out, oai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})

		case llms.RoleTool:
			out = append(out, oai.ToolMessage(message.Content, message.ToolCallID))

		default:
			logger.Warn("skipping message with unknown role", "role", message.Role)
		}
	}
	return out
}

func toOpenAITools(tools []llms.ToolDefinition) []oai.ChatCompletionToolParam {
	if len(tools) == 0 {
		return nil
	}

	out := make([]oai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		definition := oai.FunctionDefinitionParam{
			Name:       tool.Name,
			Parameters: oai.FunctionParameters(tool.Parameters),
		}
		if tool.Description != "" {
			definition.Description = param.NewOpt(tool.Description)
		}
		out = append(out, oai.ChatCompletionToolParam{Function: definition})
	}
	return out
}
