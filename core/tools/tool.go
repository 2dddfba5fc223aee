// Package tools maps tool names to strongly typed handlers and runs the
// request/response cycle of model initiated tool calls.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"
	"github.com/kaptinlin/jsonrepair"
	"github.com/koscakluka/ema-pipeline/core/llms"
)

// Name identifies a tool. Applications declare their tools as constants of
// this type so the set of known tools is fixed at compile time.
type Name string

type Tool interface {
	Name() Name
	Definition() llms.ToolDefinition
	Call(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error)
}

type typedTool[Args any, Result any] struct {
	name       Name
	definition llms.ToolDefinition
	handler    func(context.Context, Args) (Result, error)
}

// New creates a tool whose parameter schema is reflected from Args. Field
// descriptions come from `jsonschema:"description=..."` tags.
func New[Args any, Result any](
	name Name,
	description string,
	handler func(ctx context.Context, args Args) (Result, error),
) (Tool, error) {
	if name == "" {
		return nil, fmt.Errorf("tool name is empty")
	}
	if handler == nil {
		return nil, fmt.Errorf("tool %q has no handler", name)
	}

	parameters, err := reflectParameters[Args]()
	if err != nil {
		return nil, fmt.Errorf("failed to reflect parameters of tool %q: %w", name, err)
	}

	return &typedTool[Args, Result]{
		name: name,
		definition: llms.ToolDefinition{
			Name:        string(name),
			Description: description,
			Parameters:  parameters,
		},
		handler: handler,
	}, nil
}

// MustNew is like New but panics on error. It is meant for package level tool
// declarations.
func MustNew[Args any, Result any](
	name Name,
	description string,
	handler func(ctx context.Context, args Args) (Result, error),
) Tool {
	tool, err := New(name, description, handler)
	if err != nil {
		panic(err)
	}
	return tool
}

func (t *typedTool[Args, Result]) Name() Name { return t.name }

func (t *typedTool[Args, Result]) Definition() llms.ToolDefinition { return t.definition }

func (t *typedTool[Args, Result]) Call(ctx context.Context, arguments json.RawMessage) (json.RawMessage, error) {
	var args Args
	if err := decodeArguments(arguments, &args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}

	result, err := t.handler(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrToolHandler, t.name, err)
	}

	payload, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: failed to marshal result: %w", ErrToolHandler, t.name, err)
	}
	return payload, nil
}

func reflectParameters[Args any]() (map[string]any, error) {
	reflector := jsonschema.Reflector{DoNotReference: true}
	schema := reflector.Reflect(new(Args))

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, err
	}

	var parameters map[string]any
	if err := json.Unmarshal(raw, &parameters); err != nil {
		return nil, err
	}
	delete(parameters, "$schema")
	delete(parameters, "$id")

	if parameters["type"] != "object" {
		return nil, fmt.Errorf("arguments must be a struct, got schema type %v", parameters["type"])
	}
	if _, ok := parameters["properties"]; !ok {
		parameters["properties"] = map[string]any{}
	}
	return parameters, nil
}

// decodeArguments unmarshals model produced arguments. Models occasionally
// produce almost-JSON (trailing commas, unquoted keys), which is repaired
// before giving up.
func decodeArguments(arguments json.RawMessage, v any) error {
	if len(arguments) == 0 {
		arguments = json.RawMessage("{}")
	}

	err := json.Unmarshal(arguments, v)
	if err == nil {
		return nil
	}

	var syntaxErr *json.SyntaxError
	if !errors.As(err, &syntaxErr) {
		return err
	}

	repaired, repairErr := jsonrepair.JSONRepair(string(arguments))
	if repairErr != nil {
		return errors.Join(err, repairErr)
	}
	logger.Debug("repaired malformed tool arguments", "original", string(arguments), "repaired", repaired)
	return json.Unmarshal([]byte(repaired), v)
}
