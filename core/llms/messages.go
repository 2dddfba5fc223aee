// Package llms describes the contract between the conversation core and a
// language model backend.
package llms

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single entry of the dialogue handed to a model.
type Message struct {
	Role    Role
	Content string
	// ToolCallID links a tool message to the call it answers.
	ToolCallID string
	// ToolCalls are the calls an assistant message requested.
	ToolCalls []ToolCall
}

type ToolCall struct {
	// ID is the identifier the model assigned to the call.
	ID        string
	Name      string
	Arguments string
}

// ToolDefinition is what a model needs to know to call a tool.
type ToolDefinition struct {
	Name        string
	Description string
	// Parameters is the JSON schema of the tool arguments.
	Parameters map[string]any
}
