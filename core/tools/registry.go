package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/koscakluka/ema-pipeline/core/frames"
	"github.com/koscakluka/ema-pipeline/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultTimeout bounds a handler dispatched without a timeout of its own.
const DefaultTimeout = 10 * time.Second

// Registry is the dispatch table of a session. Tools are registered at
// startup; once the registry is frozen the table and its schema never change.
type Registry struct {
	mu     sync.RWMutex
	tools  map[Name]Tool
	order  []Name
	frozen bool
}

func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: map[Name]Tool{}}
	for _, tool := range tools {
		if err := r.Register(tool); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(tool Tool) error {
	if tool == nil {
		return fmt.Errorf("nil tool")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		return fmt.Errorf("registry is frozen, can not register %q", tool.Name())
	}
	if _, ok := r.tools[tool.Name()]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateTool, tool.Name())
	}

	r.tools[tool.Name()] = tool
	r.order = append(r.order, tool.Name())
	return nil
}

// Validate checks the registered handlers against a tool schema and freezes
// the registry. Every schema entry needs a handler, every handler needs a
// schema entry, and every required parameter of the schema has to be known
// to the handler. A nil schema validates the handlers' own definitions.
func (r *Registry) Validate(schema []llms.ToolDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true

	if schema == nil {
		return nil
	}

	declared := make(map[Name]llms.ToolDefinition, len(schema))
	for _, definition := range schema {
		name := Name(definition.Name)
		if _, ok := declared[name]; ok {
			return fmt.Errorf("%w: %q declared twice", ErrSchemaMismatch, name)
		}
		declared[name] = definition

		tool, ok := r.tools[name]
		if !ok {
			return fmt.Errorf("%w: %q has no handler", ErrSchemaMismatch, name)
		}

		known := propertyNames(tool.Definition().Parameters)
		for _, required := range requiredNames(definition.Parameters) {
			if !slices.Contains(known, required) {
				return fmt.Errorf("%w: %q requires parameter %q the handler does not accept",
					ErrSchemaMismatch, name, required)
			}
		}
	}

	for _, name := range r.order {
		if _, ok := declared[name]; !ok {
			return fmt.Errorf("%w: handler %q is missing from the schema", ErrSchemaMismatch, name)
		}
	}

	return nil
}

// Definitions returns the tool schema handed to the model, in registration
// order.
func (r *Registry) Definitions() []llms.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	definitions := make([]llms.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		definitions = append(definitions, r.tools[name].Definition())
	}
	return definitions
}

func (r *Registry) Lookup(name Name) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Dispatch runs the handler for a request within DefaultTimeout. See
// DispatchWithin.
func (r *Registry) Dispatch(ctx context.Context, request frames.ToolCallRequest) <-chan frames.ToolCallResult {
	return r.DispatchWithin(ctx, request, DefaultTimeout)
}

// DispatchWithin runs the handler for a request and returns a channel that
// yields exactly one result carrying the request id. The handler's context
// expires after timeout; a handler that gives up on it fails with
// ErrToolTimeout. Unknown tools resolve immediately: the result is already
// buffered when DispatchWithin returns.
func (r *Registry) DispatchWithin(ctx context.Context, request frames.ToolCallRequest, timeout time.Duration) <-chan frames.ToolCallResult {
	results := make(chan frames.ToolCallResult, 1)
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	tool, ok := r.Lookup(Name(request.Name))
	if !ok {
		results <- failedResult(request, fmt.Errorf("%w: %q", ErrUnknownTool, request.Name))
		close(results)
		return results
	}

	go func() {
		defer close(results)
		results <- r.call(ctx, tool, request, timeout)
	}()
	return results
}

func (r *Registry) call(ctx context.Context, tool Tool, request frames.ToolCallRequest, timeout time.Duration) (result frames.ToolCallResult) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracer.Start(ctx, "execute tool")
	defer span.End()
	span.SetAttributes(
		attribute.String("tool.name", request.Name),
		attribute.String("tool.request_id", request.ID),
	)

	defer func() {
		if recovered := recover(); recovered != nil {
			err := fmt.Errorf("%w: %s panicked: %v", ErrToolHandler, request.Name, recovered)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			result = failedResult(request, err)
		}
	}()

	payload, err := tool.Call(ctx, request.Arguments)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %s gave up after %s: %w", ErrToolTimeout, request.Name, timeout, err)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.WarnContext(ctx, "tool call failed", "tool", request.Name, "error", err)
		return failedResult(request, err)
	}

	return frames.ToolCallResult{
		ID:      request.ID,
		CallID:  request.CallID,
		TurnID:  request.TurnID,
		Name:    request.Name,
		Payload: payload,
	}
}

func failedResult(request frames.ToolCallRequest, err error) frames.ToolCallResult {
	return frames.ToolCallResult{
		ID:      request.ID,
		CallID:  request.CallID,
		TurnID:  request.TurnID,
		Name:    request.Name,
		Payload: ErrorPayload(err),
		Err:     err,
	}
}

func propertyNames(parameters map[string]any) []string {
	properties, _ := parameters["properties"].(map[string]any)
	names := make([]string, 0, len(properties))
	for name := range properties {
		names = append(names, name)
	}
	return names
}

func requiredNames(parameters map[string]any) []string {
	switch required := parameters["required"].(type) {
	case []string:
		return required
	case []any:
		names := make([]string, 0, len(required))
		for _, name := range required {
			if s, ok := name.(string); ok {
				names = append(names, s)
			}
		}
		return names
	}
	return nil
}
