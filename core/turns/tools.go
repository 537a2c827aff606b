package turns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/llms"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type toolCallPayload struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// RegisterTool advertises tool in every following request and routes its
// calls to owner. Registering a name again replaces the earlier tool.
func (e *Engine) RegisterTool(ctx context.Context, tool llms.ToolMetadata, owner string) {
	e.mu.Lock()
	replaced := false
	for i, existing := range e.tools {
		if existing.Name == tool.Name {
			e.tools[i] = tool
			replaced = true
			break
		}
	}
	if !replaced {
		e.tools = append(e.tools, tool)
	}
	e.registry[tool.Name] = owner
	e.mu.Unlock()

	e.logger.Info("tool registered", "tool", tool.Name, "owner", owner)
	e.emitToolEvent(ctx, events.NewToolRegistered(tool.Name, owner))
}

// Tools returns a copy of the advertised tools.
func (e *Engine) Tools() []llms.ToolMetadata {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.toolSnapshot()
}

// toolSnapshot must be called with e.mu held.
func (e *Engine) toolSnapshot() []llms.ToolMetadata {
	if len(e.tools) == 0 {
		return nil
	}
	var tools []llms.ToolMetadata
	if err := copier.CopyWithOption(&tools, e.tools, copier.Option{DeepCopy: true}); err != nil {
		e.logger.Warn("failed to copy tool metadata", "error", err)
		return append([]llms.ToolMetadata(nil), e.tools...)
	}
	return tools
}

func (e *Engine) emitToolEvent(ctx context.Context, event events.Event) {
	if e.onToolEvent != nil {
		e.onToolEvent(ctx, event)
	}
}

// executeTool runs one tool call round trip and reports whether the call was
// handled. Failures are logged and leave the context untouched.
func (e *Engine) executeTool(ctx context.Context, call llms.ToolCall) bool {
	ctx, span := tracer.Start(ctx, "execute tool", trace.WithAttributes(
		attribute.String("tool.name", call.Name),
		attribute.String("tool.call_id", call.ToolCallID),
	))
	defer span.End()

	fail := func(err error, msg string) bool {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		e.logger.Error(msg, "tool", call.Name, "call_id", call.ToolCallID, "error", err)
		e.emitToolEvent(ctx, events.NewToolCallFailed(call.ToolCallID, call.Name, err.Error()))
		return false
	}

	e.mu.Lock()
	owner, ok := e.registry[call.Name]
	e.mu.Unlock()
	if !ok {
		err := fmt.Errorf("%w: %s", errToolNotRegistered, call.Name)
		span.RecordError(err)
		span.SetStatus(codes.Error, "tool not registered")
		e.logger.Error("no tool registered for tool call", "tool", call.Name, "call_id", call.ToolCallID)
		return false
	}
	span.SetAttributes(attribute.String("tool.owner", owner))

	arguments := call.Arguments
	if arguments == nil {
		arguments = map[string]any{}
	}
	argumentsJSON, err := json.Marshal(arguments)
	if err != nil {
		return fail(fmt.Errorf("failed to encode tool arguments: %w", err), "invalid tool arguments")
	}

	e.emitToolEvent(ctx, events.NewToolCallStarted(call.ToolCallID, call.Name, owner, string(argumentsJSON)))
	result, err := e.client.SendCommand(ctx, owner, commandToolCall, toolCallPayload{Name: call.Name, Arguments: arguments})
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		return fail(fmt.Errorf("tool call command failed: %w", err), "tool call failed")
	}

	raw, err := result.Field("result")
	if err != nil {
		return fail(err, "invalid tool result")
	}
	toolResult, err := parseToolResultField(raw)
	if err != nil {
		return fail(err, "invalid tool result")
	}
	span.SetAttributes(attribute.String("tool.result_type", string(toolResult.Type)))

	functionCall := llms.FunctionCall{
		ID:        call.ItemID,
		CallID:    call.ToolCallID,
		Name:      call.Name,
		Arguments: string(argumentsJSON),
	}
	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return false
	}
	e.messages = append(e.messages, functionCall)
	e.mu.Unlock()

	output := toolResult.Content.String()
	e.emitToolEvent(ctx, events.NewToolCallCompleted(call.ToolCallID, call.Name, string(toolResult.Type), output))

	switch toolResult.Type {
	case llms.ToolResultLLMResult:
		e.sendToLLM(ctx, llms.FunctionCallOutput{CallID: call.ToolCallID, Output: output})
	case llms.ToolResultRequery:
		e.requery(ctx, functionCall, *toolResult)
	}
	return true
}

// parseToolResultField accepts the tool result either as a JSON object or as
// a string holding the encoded object.
func parseToolResultField(raw json.RawMessage) (*llms.ToolResult, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, fmt.Errorf("%w: %w", llms.ErrInvalidToolResult, err)
		}
		trimmed = []byte(encoded)
	}
	return llms.ParseToolResult(trimmed)
}
