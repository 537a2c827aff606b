package turns

import (
	"context"
	"log/slog"
	"maps"

	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/llms"
)

const (
	DefaultModel       = "qwen-max"
	DefaultModelTarget = "llm"
)

// ResponseFunc receives streamed model output. text is the output accumulated
// so far; delta is empty when isFinal is set.
type ResponseFunc func(ctx context.Context, delta, text string, isFinal bool)

// TurnAbortedFunc is called when a request ends without usable output.
type TurnAbortedFunc func(ctx context.Context, requestID, reason string)

// ToolEventFunc receives tool lifecycle events.
type ToolEventFunc func(ctx context.Context, event events.Event)

// RequeryHandler decides the follow-up of a tool call whose result asks for
// a requery. The function call is already part of the context when it runs.
type RequeryHandler func(ctx context.Context, call llms.FunctionCall, result llms.ToolResult)

type EngineOption func(*Engine)

func WithModel(model string) EngineOption {
	return func(e *Engine) {
		e.model = model
	}
}

func WithParameters(parameters map[string]any) EngineOption {
	return func(e *Engine) {
		e.parameters = maps.Clone(parameters)
	}
}

// WithModelTarget sets the component that serves chat_completion and abort
// commands.
func WithModelTarget(target string) EngineOption {
	return func(e *Engine) {
		e.modelTarget = target
	}
}

func WithResponseCallback(callback ResponseFunc) EngineOption {
	return func(e *Engine) {
		e.onResponse = callback
	}
}

func WithReasoningCallback(callback ResponseFunc) EngineOption {
	return func(e *Engine) {
		e.onReasoning = callback
	}
}

func WithTurnAbortedCallback(callback TurnAbortedFunc) EngineOption {
	return func(e *Engine) {
		e.onTurnAborted = callback
	}
}

func WithToolEventCallback(callback ToolEventFunc) EngineOption {
	return func(e *Engine) {
		e.onToolEvent = callback
	}
}

// WithFlushHook sets a function run by Flush while callback delivery is held,
// e.g. to drop responses queued downstream. It must not call into the engine.
func WithFlushHook(hook func()) EngineOption {
	return func(e *Engine) {
		e.onFlush = hook
	}
}

func WithRequeryHandler(handler RequeryHandler) EngineOption {
	return func(e *Engine) {
		e.requery = handler
	}
}

func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBaseContext sets the context every turn derives from.
func WithBaseContext(ctx context.Context) EngineOption {
	return func(e *Engine) {
		if ctx != nil {
			e.baseContext = ctx
		}
	}
}
