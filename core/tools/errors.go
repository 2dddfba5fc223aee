package tools

import (
	"encoding/json"
	"errors"
)

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrToolTimeout      = errors.New("tool timed out")
	ErrToolHandler      = errors.New("tool handler failed")
	ErrInvalidArguments = errors.New("invalid tool arguments")
	ErrDuplicateTool    = errors.New("tool already registered")
	ErrSchemaMismatch   = errors.New("tool schema mismatch")
)

// ErrorPayload is the body handed back to the model when a call fails, so the
// conversation can continue with an explanation instead of a hard fault.
func ErrorPayload(err error) json.RawMessage {
	payload, marshalErr := json.Marshal(struct {
		Error string `json:"error"`
	}{Error: err.Error()})
	if marshalErr != nil {
		return json.RawMessage(`{"error":"tool call failed"}`)
	}
	return payload
}
