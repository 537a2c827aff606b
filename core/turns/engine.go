// Package turns runs the conversation with the model service: it serializes
// user input into turns, keeps the conversation context, streams responses
// and arbitrates tool call round trips.
package turns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/google/uuid"
	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/core/queue"
	"github.com/koscakluka/ema-agent/core/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const commandToolCall = "tool_call"

// Engine runs at most one model request at a time. Inputs queue up and are
// handled one turn after another; a turn includes every follow-up request
// its tool calls trigger.
//
// Callbacks run on the engine goroutine and must not call back into the
// engine.
type Engine struct {
	client transport.Client

	model       string
	modelTarget string
	parameters  map[string]any

	onResponse    ResponseFunc
	onReasoning   ResponseFunc
	onTurnAborted TurnAbortedFunc
	onToolEvent   ToolEventFunc
	onFlush       func()
	requery       RequeryHandler

	logger      *slog.Logger
	baseContext context.Context

	inputs *queue.Queue[string]

	// deliveryMu orders callback delivery against Flush, so nothing produced
	// by a flushed turn is delivered after Flush returns.
	deliveryMu sync.Mutex

	mu               sync.Mutex
	turnCtx          context.Context
	cancelTurn       context.CancelFunc
	draining         bool
	stopped          bool
	currentRequestID string
	messages         []llms.Message
	tools            []llms.ToolMetadata
	registry         map[string]string
}

func New(client transport.Client, opts ...EngineOption) *Engine {
	e := &Engine{
		client:      client,
		model:       DefaultModel,
		modelTarget: DefaultModelTarget,
		parameters:  map[string]any{"temperature": 0.7},
		logger:      logger,
		baseContext: context.Background(),
		inputs:      queue.New[string](),
		registry:    map[string]string{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.requery == nil {
		e.requery = e.logRequery
	}
	e.turnCtx, e.cancelTurn = context.WithCancel(e.baseContext)
	return e
}

// QueueInput queues user text for the next turn. It never blocks.
func (e *Engine) QueueInput(text string) {
	e.inputs.Enqueue(text)
	e.scheduleDrain()
}

func (e *Engine) scheduleDrain() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.draining || e.stopped {
		return
	}
	e.draining = true
	go e.drain()
}

func (e *Engine) drain() {
	defer func() {
		if recovered := recover(); recovered != nil {
			e.logger.Error("turn drain panicked", "panic", fmt.Sprint(recovered))
			e.mu.Lock()
			e.draining = false
			e.currentRequestID = ""
			e.mu.Unlock()
			if e.inputs.Len() > 0 {
				e.scheduleDrain()
			}
		}
	}()

	for {
		for e.inputs.Len() > 0 {
			e.mu.Lock()
			ctx, stopped := e.turnCtx, e.stopped
			e.mu.Unlock()
			if stopped {
				break
			}

			text, ok := e.inputs.Dequeue(ctx)
			if !ok {
				// Flushed while waiting; the token has been rotated.
				continue
			}
			e.processTurn(ctx, text)
		}

		e.mu.Lock()
		if e.inputs.Len() > 0 && !e.stopped {
			e.mu.Unlock()
			continue
		}
		e.draining = false
		e.mu.Unlock()
		return
	}
}

func (e *Engine) processTurn(ctx context.Context, text string) {
	ctx, span := tracer.Start(ctx, "process turn", trace.WithAttributes(
		attribute.String("turn.id", uuid.NewString()),
	))
	defer span.End()

	e.sendToLLM(ctx, llms.Content{Role: llms.RoleUser, Content: text})
	if ctx.Err() != nil {
		span.AddEvent("turn cancelled")
	}
}

// sendToLLM appends message to the context, issues a request carrying the
// whole context and processes the streamed response. Tool calls are executed
// once the stream has ended.
func (e *Engine) sendToLLM(ctx context.Context, message llms.Message) {
	ctx, span := tracer.Start(ctx, "send to llm")
	defer span.End()

	e.mu.Lock()
	if ctx.Err() != nil {
		e.mu.Unlock()
		return
	}
	e.messages = append(e.messages, message)
	requestID := uuid.NewString()
	e.currentRequestID = requestID
	request := llms.Request{
		RequestID:  requestID,
		Model:      e.model,
		Messages:   slices.Clone(e.messages),
		Streaming:  true,
		Parameters: maps.Clone(e.parameters),
		Tools:      e.toolSnapshot(),
	}
	e.mu.Unlock()

	span.SetAttributes(
		attribute.String("request.id", requestID),
		attribute.String("request.model", request.Model),
		attribute.Int("request.messages", len(request.Messages)),
	)

	retire := func() {
		e.mu.Lock()
		if e.currentRequestID == requestID {
			e.currentRequestID = ""
		}
		e.mu.Unlock()
	}

	stream := &responseStream{engine: e, requestID: requestID, contextIndex: -1}
	for result, err := range e.client.SendStreamingCommand(ctx, e.modelTarget, llms.CommandChatCompletion, request) {
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			err = result.Err()
		}
		if err != nil {
			retire()
			err = fmt.Errorf("model request failed: %w", err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "model request failed")
			e.logger.Error("model request failed", "request_id", requestID, "error", err)
			e.abortTurn(ctx, requestID, err.Error())
			return
		}

		if len(result.Payload) == 0 {
			continue
		}
		response, err := llms.ParseResponse(result.Payload)
		if err != nil {
			span.RecordError(err)
			e.logger.Warn("skipping malformed model response", "request_id", requestID, "error", err)
			continue
		}
		stream.handle(ctx, response)
	}
	retire()

	if ctx.Err() != nil {
		return
	}
	span.SetAttributes(attribute.Int("response.tool_calls", len(stream.toolCalls)))

	handled := false
	for _, call := range stream.toolCalls {
		if ctx.Err() != nil {
			return
		}
		if e.executeTool(ctx, call) {
			handled = true
		}
	}
	if len(stream.toolCalls) > 0 && !handled && !stream.delivered && ctx.Err() == nil {
		e.abortTurn(ctx, requestID, "tool call failed")
	}
}

// responseStream holds the per request state of a streamed response.
type responseStream struct {
	engine    *Engine
	requestID string

	text          string
	reasoningText string
	delivered     bool
	// contextIndex is the position of this request's assistant message in
	// the context, -1 until the first delta arrives.
	contextIndex int
	toolCalls    []llms.ToolCall
}

func (s *responseStream) handle(ctx context.Context, response llms.Response) {
	e := s.engine
	switch r := response.(type) {
	case llms.MessageDelta:
		text := r.Content
		if text == "" {
			text = s.text + r.Delta
		}
		s.text = text
		if text != "" {
			s.writeContext(text)
		}
		if r.Delta != "" {
			s.delivered = true
			e.deliver(ctx, func() {
				if e.onResponse != nil {
					e.onResponse(ctx, r.Delta, text, false)
				}
			})
		}

	case llms.MessageDone:
		text := r.Content
		if text == "" {
			text = s.text
		}
		s.text = text
		if text != "" {
			s.writeContext(text)
		}
		s.delivered = true
		e.deliver(ctx, func() {
			if e.onResponse != nil {
				e.onResponse(ctx, "", text, true)
			}
		})

	case llms.ReasoningDelta:
		text := r.Content
		if text == "" {
			text = s.reasoningText + r.Delta
		}
		s.reasoningText = text
		if r.Delta != "" {
			e.deliver(ctx, func() {
				if e.onReasoning != nil {
					e.onReasoning(ctx, r.Delta, text, false)
				}
			})
		}

	case llms.ReasoningDone:
		text := r.Content
		if text == "" {
			text = s.reasoningText
		}
		e.deliver(ctx, func() {
			if e.onReasoning != nil {
				e.onReasoning(ctx, "", text, true)
			}
		})

	case llms.ToolCall:
		s.toolCalls = append(s.toolCalls, r)
	}
}

// writeContext coalesces the streamed assistant text into a single trailing
// context message.
func (s *responseStream) writeContext(text string) {
	e := s.engine
	e.mu.Lock()
	defer e.mu.Unlock()

	message := llms.Content{Role: llms.RoleAssistant, Content: text}
	if s.contextIndex >= 0 && s.contextIndex == len(e.messages)-1 {
		e.messages[s.contextIndex] = message
		return
	}
	e.messages = append(e.messages, message)
	s.contextIndex = len(e.messages) - 1
}

// deliver runs a callback unless the turn of ctx has been flushed.
func (e *Engine) deliver(ctx context.Context, callback func()) {
	e.deliveryMu.Lock()
	defer e.deliveryMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	callback()
}

func (e *Engine) abortTurn(ctx context.Context, requestID, reason string) {
	e.deliver(ctx, func() {
		if e.onTurnAborted != nil {
			e.onTurnAborted(ctx, requestID, reason)
		}
	})
}

// Flush cancels the current turn and drops pending input. An in-flight
// request is aborted with a fire-and-forget abort command to the model
// service. Calling Flush with nothing in flight only rotates the token.
// The flush hook runs before any callback of a later turn can be delivered.
func (e *Engine) Flush(ctx context.Context) {
	e.deliveryMu.Lock()
	e.mu.Lock()
	e.cancelTurn()
	e.turnCtx, e.cancelTurn = context.WithCancel(e.baseContext)
	dropped := e.inputs.Clear()
	requestID := e.currentRequestID
	e.currentRequestID = ""
	e.mu.Unlock()
	if e.onFlush != nil {
		e.onFlush()
	}
	e.deliveryMu.Unlock()

	if requestID != "" {
		go e.sendAbort(context.WithoutCancel(ctx), requestID)
	}
	e.logger.Info("flush requested", "aborted_request_id", requestID, "dropped_inputs", dropped)
}

func (e *Engine) sendAbort(ctx context.Context, requestID string) {
	if _, err := e.client.SendCommand(ctx, e.modelTarget, llms.CommandAbort, llms.AbortRequest{RequestID: requestID}); err != nil {
		e.logger.Warn("failed to abort model request", "request_id", requestID, "error", err)
	}
}

// Stop flushes and prevents any further turns.
func (e *Engine) Stop(ctx context.Context) {
	e.mu.Lock()
	e.stopped = true
	e.mu.Unlock()
	e.Flush(ctx)
}

func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Context returns a copy of the conversation context.
func (e *Engine) Context() []llms.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.messages)
}

// CurrentRequestID returns the ID of the in-flight request, or "" when idle.
func (e *Engine) CurrentRequestID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentRequestID
}

func (e *Engine) PendingInputs() int {
	return e.inputs.Len()
}

func (e *Engine) logRequery(_ context.Context, call llms.FunctionCall, _ llms.ToolResult) {
	e.logger.Warn("tool result requested a requery, no requery handler configured", "tool", call.Name, "call_id", call.CallID)
}

var errToolNotRegistered = errors.New("tool not registered")
