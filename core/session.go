// Package orchestration composes event dispatch and the turn engine into a
// conversation session driven by the commands and data of its host.
package orchestration

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/core/transport"
	"github.com/koscakluka/ema-agent/core/turns"
)

const (
	CommandUserJoined   = "on_user_joined"
	CommandUserLeft     = "on_user_left"
	CommandToolRegister = "tool_register"

	DataRecognitionResult = "asr_result"
)

var (
	ErrSessionStopped = errors.New("session stopped")
	ErrUnknownCommand = errors.New("unknown command")
	ErrUnknownData    = errors.New("unknown data")
)

// Session wires a Dispatcher to a turn engine: model output produced by the
// engine is delivered through the dispatcher's model response channel and
// tool lifecycle events are dispatched immediately.
type Session struct {
	client     transport.Client
	dispatcher *Dispatcher
	engine     *turns.Engine

	logger        *slog.Logger
	customLogger  *slog.Logger
	baseContext   context.Context
	engineOptions []turns.EngineOption

	stopped atomic.Bool
}

func NewSession(client transport.Client, opts ...SessionOption) *Session {
	s := &Session{
		client:      client,
		logger:      logger,
		baseContext: context.Background(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.customLogger != nil {
		s.logger = s.customLogger
	}

	s.dispatcher = NewDispatcher(s.baseContext, s.logger)

	engineOptions := []turns.EngineOption{
		turns.WithBaseContext(s.baseContext),
		turns.WithResponseCallback(func(_ context.Context, delta, text string, isFinal bool) {
			s.dispatcher.EmitModelResponse(events.NewModelResponse(delta, text, isFinal, events.ChannelMessage))
		}),
		turns.WithReasoningCallback(func(_ context.Context, delta, text string, isFinal bool) {
			s.dispatcher.EmitModelResponse(events.NewModelResponse(delta, text, isFinal, events.ChannelReasoning))
		}),
		turns.WithTurnAbortedCallback(func(_ context.Context, requestID, reason string) {
			s.dispatcher.EmitModelResponse(events.NewTurnAborted(requestID, reason))
		}),
		turns.WithToolEventCallback(func(ctx context.Context, event events.Event) {
			s.dispatcher.EmitDirect(ctx, event)
		}),
		turns.WithFlushHook(s.dispatcher.FlushResponses),
	}
	if s.customLogger != nil {
		engineOptions = append(engineOptions, turns.WithLogger(s.customLogger))
	}
	s.engine = turns.New(client, append(engineOptions, s.engineOptions...)...)

	return s
}

// On registers handler for events of kind.
func (s *Session) On(kind events.Kind, handler Handler) {
	s.dispatcher.On(kind, handler)
}

// Client returns the transport the session talks to its components through.
func (s *Session) Client() transport.Client {
	return s.client
}

// OnRecognitionResult queues a recognition result for delivery.
func (s *Session) OnRecognitionResult(event events.RecognitionResult) {
	if s.stopped.Load() {
		return
	}
	s.dispatcher.EmitRecognition(event)
}

// OnControlEvent dispatches a control event such as UserJoined immediately.
func (s *Session) OnControlEvent(ctx context.Context, event events.Event) {
	s.dispatcher.EmitDirect(ctx, event)
}

type toolRegistration struct {
	Tool   json.RawMessage `json:"tool"`
	Source string          `json:"source"`
}

// OnCommand handles an inbound command and returns its result.
func (s *Session) OnCommand(ctx context.Context, cmd transport.Command) *transport.Result {
	var err error
	switch cmd.Name {
	case CommandUserJoined:
		s.OnControlEvent(ctx, events.NewUserJoined())
	case CommandUserLeft:
		s.OnControlEvent(ctx, events.NewUserLeft())
	case CommandToolRegister:
		err = s.registerToolFromCommand(ctx, cmd)
	default:
		s.logger.Warn("unhandled command", "name", cmd.Name)
		err = fmt.Errorf("%w: %s", ErrUnknownCommand, cmd.Name)
	}
	if err != nil && !errors.Is(err, ErrUnknownCommand) {
		s.logger.Error("command failed", "name", cmd.Name, "error", err)
	}

	s.dispatcher.EmitDirect(ctx, events.NewCommandAcknowledged(cmd.Name, err))

	result := &transport.Result{CommandID: cmd.ID, Status: transport.StatusOK, Final: true}
	if err != nil {
		result = transport.Fail(err)
		result.CommandID = cmd.ID
	}
	return result
}

func (s *Session) registerToolFromCommand(ctx context.Context, cmd transport.Command) error {
	var registration toolRegistration
	if err := cmd.Decode(&registration); err != nil {
		return fmt.Errorf("invalid tool registration: %w", err)
	}
	if registration.Source == "" {
		return fmt.Errorf("invalid tool registration: missing source")
	}

	raw := bytes.TrimSpace(registration.Tool)
	if len(raw) > 0 && raw[0] == '"' {
		var encoded string
		if err := json.Unmarshal(raw, &encoded); err != nil {
			return fmt.Errorf("invalid tool registration: %w", err)
		}
		raw = []byte(encoded)
	}
	var tool llms.ToolMetadata
	if err := json.Unmarshal(raw, &tool); err != nil {
		return fmt.Errorf("invalid tool metadata: %w", err)
	}
	if tool.Name == "" {
		return fmt.Errorf("invalid tool metadata: missing name")
	}

	s.RegisterTool(ctx, tool, registration.Source)
	return nil
}

// CommandHandler serves the session's inbound commands on a transport.Bus.
func (s *Session) CommandHandler() transport.CommandHandler {
	return transport.Reply(func(ctx context.Context, cmd transport.Command) (*transport.Result, error) {
		return s.OnCommand(ctx, cmd), nil
	})
}

type recognitionPayload struct {
	Text     string         `json:"text"`
	Final    bool           `json:"final"`
	Metadata map[string]any `json:"metadata"`
}

// OnData handles inbound data. Recognition results are queued on the
// recognition channel.
func (s *Session) OnData(_ context.Context, data transport.Data) error {
	switch data.Name {
	case DataRecognitionResult:
		var payload recognitionPayload
		if err := data.Decode(&payload); err != nil {
			s.logger.Error("invalid recognition result", "error", err)
			return fmt.Errorf("invalid recognition result: %w", err)
		}
		s.OnRecognitionResult(events.NewRecognitionResult(payload.Text, payload.Final, payload.Metadata))
		return nil
	default:
		s.logger.Warn("unhandled data", "name", data.Name)
		return fmt.Errorf("%w: %s", ErrUnknownData, data.Name)
	}
}

// DataHandler serves the session's inbound data on a transport.Bus.
func (s *Session) DataHandler() transport.DataHandler {
	return s.OnData
}

// SubmitInput queues user text for the model.
func (s *Session) SubmitInput(text string) error {
	if s.stopped.Load() {
		return ErrSessionStopped
	}
	s.engine.QueueInput(text)
	return nil
}

// RegisterTool makes tool available to the model, executed by owner.
func (s *Session) RegisterTool(ctx context.Context, tool llms.ToolMetadata, owner string) {
	s.engine.RegisterTool(ctx, tool, owner)
}

// Flush cancels the current turn, drops pending input and drops model
// responses not yet delivered.
func (s *Session) Flush(ctx context.Context) {
	s.engine.Flush(ctx)
}

// Stop flushes and ends the session. It is safe to call more than once.
func (s *Session) Stop(ctx context.Context) {
	if s.stopped.Swap(true) {
		return
	}
	s.engine.Stop(ctx)
	s.dispatcher.Stop()
	s.logger.Info("session stopped")
}

// Context returns a copy of the conversation context.
func (s *Session) Context() []llms.Message {
	return s.engine.Context()
}

// CurrentRequestID returns the ID of the in-flight model request, if any.
func (s *Session) CurrentRequestID() string {
	return s.engine.CurrentRequestID()
}
