package turns

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/core/transport"
)

type recordedCommand struct {
	target  string
	name    string
	payload any
}

// modelClientStub plays the model service and tool owners.
type modelClientStub struct {
	stream  func(ctx context.Context, index int, request llms.Request) ([]llms.Response, error)
	command func(target, name string, payload any) (*transport.Result, error)

	mu          sync.Mutex
	requests    []llms.Request
	commands    []recordedCommand
	inFlight    int
	maxInFlight int
}

func (c *modelClientStub) SendStreamingCommand(ctx context.Context, _, _ string, payload any) iter.Seq2[*transport.Result, error] {
	return func(yield func(*transport.Result, error) bool) {
		request := payload.(llms.Request)
		c.mu.Lock()
		c.requests = append(c.requests, request)
		index := len(c.requests) - 1
		c.inFlight++
		if c.inFlight > c.maxInFlight {
			c.maxInFlight = c.inFlight
		}
		c.mu.Unlock()
		defer func() {
			c.mu.Lock()
			c.inFlight--
			c.mu.Unlock()
		}()

		var responses []llms.Response
		var err error
		if c.stream != nil {
			responses, err = c.stream(ctx, index, request)
		}
		for i, response := range responses {
			body, marshalErr := llms.MarshalResponse(response)
			if marshalErr != nil {
				yield(nil, marshalErr)
				return
			}
			result := &transport.Result{Status: transport.StatusOK, Final: err == nil && i == len(responses)-1, Payload: body}
			if !yield(result, nil) {
				return
			}
		}
		if err != nil {
			yield(nil, err)
		}
	}
}

func (c *modelClientStub) SendCommand(_ context.Context, target, name string, payload any) (*transport.Result, error) {
	c.mu.Lock()
	c.commands = append(c.commands, recordedCommand{target: target, name: name, payload: payload})
	c.mu.Unlock()
	if c.command != nil {
		return c.command(target, name, payload)
	}
	return &transport.Result{Status: transport.StatusOK, Final: true}, nil
}

func (c *modelClientStub) SendData(context.Context, string, string, any) error { return nil }

func (c *modelClientStub) requestCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *modelClientStub) request(index int) llms.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests[index]
}

func (c *modelClientStub) commandsNamed(name string) []recordedCommand {
	c.mu.Lock()
	defer c.mu.Unlock()
	var matching []recordedCommand
	for _, cmd := range c.commands {
		if cmd.name == name {
			matching = append(matching, cmd)
		}
	}
	return matching
}

type responseCall struct {
	delta   string
	text    string
	isFinal bool
}

type callbackRecorder struct {
	mu        sync.Mutex
	responses []responseCall
	reasoning []responseCall
	aborted   []string
	events    []events.Event
}

func (r *callbackRecorder) options() []EngineOption {
	return []EngineOption{
		WithResponseCallback(func(_ context.Context, delta, text string, isFinal bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.responses = append(r.responses, responseCall{delta, text, isFinal})
		}),
		WithReasoningCallback(func(_ context.Context, delta, text string, isFinal bool) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.reasoning = append(r.reasoning, responseCall{delta, text, isFinal})
		}),
		WithTurnAbortedCallback(func(_ context.Context, _ string, reason string) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.aborted = append(r.aborted, reason)
		}),
		WithToolEventCallback(func(_ context.Context, event events.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.events = append(r.events, event)
		}),
	}
}

func (r *callbackRecorder) finalResponses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, response := range r.responses {
		if response.isFinal {
			count++
		}
	}
	return count
}

func (r *callbackRecorder) abortCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.aborted)
}

func (r *callbackRecorder) eventKinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	kinds := make([]events.Kind, 0, len(r.events))
	for _, event := range r.events {
		kinds = append(kinds, event.Kind())
	}
	return kinds
}

func waitForCondition(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Fatalf("timed out waiting for %s", description)
}

func textReply(id string, deltas []string, final string) []llms.Response {
	responses := []llms.Response{}
	accumulated := ""
	for _, delta := range deltas {
		accumulated += delta
		responses = append(responses, llms.MessageDelta{
			ResponseBase: llms.ResponseBase{ResponseID: id},
			Role:         "assistant",
			Content:      accumulated,
			Delta:        delta,
		})
	}
	return append(responses, llms.MessageDone{
		ResponseBase: llms.ResponseBase{ResponseID: id},
		Role:         "assistant",
		Content:      final,
	})
}

func lastMessage(request llms.Request) llms.Message {
	return request.Messages[len(request.Messages)-1]
}

func TestEngineContextHoldsFinalTextOnce(t *testing.T) {
	client := &modelClientStub{
		stream: func(context.Context, int, llms.Request) ([]llms.Response, error) {
			return textReply("r1", []string{"He", "llo"}, "Hello!"), nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("hi")
	waitForCondition(t, time.Second, "final response", func() bool { return recorder.finalResponses() == 1 })

	messages := engine.Context()
	if len(messages) != 2 {
		t.Fatalf("expected user and assistant messages, got %d: %+v", len(messages), messages)
	}
	if user, ok := messages[0].(llms.Content); !ok || user.Role != llms.RoleUser || user.Content != "hi" {
		t.Fatalf("unexpected user message %+v", messages[0])
	}
	if assistant, ok := messages[1].(llms.Content); !ok || assistant.Role != llms.RoleAssistant || assistant.Content != "Hello!" {
		t.Fatalf("expected assistant message with final text, got %+v", messages[1])
	}

	recorder.mu.Lock()
	defer recorder.mu.Unlock()
	expected := []responseCall{{"He", "He", false}, {"llo", "Hello", false}, {"", "Hello!", true}}
	if len(recorder.responses) != len(expected) {
		t.Fatalf("expected %d response callbacks, got %+v", len(expected), recorder.responses)
	}
	for i := range expected {
		if recorder.responses[i] != expected[i] {
			t.Fatalf("response %d: expected %+v, got %+v", i, expected[i], recorder.responses[i])
		}
	}

	request := client.request(0)
	if request.Model != DefaultModel || !request.Streaming || request.RequestID == "" {
		t.Fatalf("unexpected request %+v", request)
	}
	if engine.CurrentRequestID() != "" {
		t.Fatalf("expected request to be retired after the stream ended")
	}
}

func TestEngineSerializesBackToBackInputs(t *testing.T) {
	client := &modelClientStub{
		stream: func(_ context.Context, index int, _ llms.Request) ([]llms.Response, error) {
			time.Sleep(20 * time.Millisecond)
			return textReply("r", []string{"ok"}, []string{"first", "second"}[index]), nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("a")
	engine.QueueInput("b")
	waitForCondition(t, 2*time.Second, "two settled turns", func() bool { return recorder.finalResponses() == 2 })

	if client.requestCount() != 2 {
		t.Fatalf("expected exactly two requests, got %d", client.requestCount())
	}
	client.mu.Lock()
	maxInFlight := client.maxInFlight
	client.mu.Unlock()
	if maxInFlight != 1 {
		t.Fatalf("expected at most one request in flight, got %d", maxInFlight)
	}

	first, second := client.request(0), client.request(1)
	if content, ok := lastMessage(first).(llms.Content); !ok || content.Content != "a" {
		t.Fatalf("expected first request to end with %q, got %+v", "a", lastMessage(first))
	}
	if content, ok := lastMessage(second).(llms.Content); !ok || content.Content != "b" {
		t.Fatalf("expected second request to end with %q, got %+v", "b", lastMessage(second))
	}
	if len(second.Messages) != 3 {
		t.Fatalf("expected second request to carry the settled first turn, got %+v", second.Messages)
	}
	if assistant, ok := second.Messages[1].(llms.Content); !ok || assistant.Content != "first" {
		t.Fatalf("expected first answer in context, got %+v", second.Messages[1])
	}
}

func TestEngineToolRoundTrip(t *testing.T) {
	client := &modelClientStub{
		stream: func(_ context.Context, index int, _ llms.Request) ([]llms.Response, error) {
			if index == 0 {
				return []llms.Response{llms.ToolCall{
					ResponseBase: llms.ResponseBase{ResponseID: "r1"},
					ItemID:       "item-1",
					ToolCallID:   "call-1",
					Name:         "get_time",
					Arguments:    map[string]any{"zone": "UTC"},
				}}, nil
			}
			return textReply("r2", []string{"It is"}, "It is 12:00"), nil
		},
		command: func(target, name string, _ any) (*transport.Result, error) {
			if target == "clock" && name == "tool_call" {
				return transport.OK(map[string]any{"result": `{"type":"llmresult","content":"12:00"}`}, true)
			}
			return &transport.Result{Status: transport.StatusOK, Final: true}, nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)
	engine.RegisterTool(context.Background(), llms.ToolMetadata{Name: "get_time", Description: "Current time"}, "clock")

	engine.QueueInput("what time is it?")
	waitForCondition(t, time.Second, "follow-up response", func() bool { return recorder.finalResponses() == 1 })

	if client.requestCount() != 2 {
		t.Fatalf("expected one follow-up request, got %d requests", client.requestCount())
	}
	if len(client.request(0).Tools) != 1 || client.request(0).Tools[0].Name != "get_time" {
		t.Fatalf("expected registered tool to be advertised, got %+v", client.request(0).Tools)
	}

	output, ok := lastMessage(client.request(1)).(llms.FunctionCallOutput)
	if !ok || output.CallID != "call-1" || output.Output != "12:00" {
		t.Fatalf("expected follow-up request to end with function call output, got %+v", lastMessage(client.request(1)))
	}

	messages := engine.Context()
	if len(messages) != 4 {
		t.Fatalf("expected user, function call, output and answer, got %+v", messages)
	}
	call, ok := messages[1].(llms.FunctionCall)
	if !ok || call.ID != "item-1" || call.CallID != "call-1" || call.Name != "get_time" || call.Arguments != `{"zone":"UTC"}` {
		t.Fatalf("unexpected function call entry %+v", messages[1])
	}
	if _, ok := messages[2].(llms.FunctionCallOutput); !ok {
		t.Fatalf("expected function call output entry, got %+v", messages[2])
	}

	toolCalls := client.commandsNamed("tool_call")
	if len(toolCalls) != 1 || toolCalls[0].target != "clock" {
		t.Fatalf("expected one tool_call command to the owner, got %+v", toolCalls)
	}
	payload := toolCalls[0].payload.(toolCallPayload)
	if payload.Name != "get_time" || payload.Arguments["zone"] != "UTC" {
		t.Fatalf("unexpected tool call payload %+v", payload)
	}

	kinds := recorder.eventKinds()
	expected := []events.Kind{events.KindToolRegistered, events.KindToolCallStarted, events.KindToolCallCompleted}
	if len(kinds) != len(expected) {
		t.Fatalf("expected tool events %v, got %v", expected, kinds)
	}
	for i := range expected {
		if kinds[i] != expected[i] {
			t.Fatalf("expected tool events %v, got %v", expected, kinds)
		}
	}
}

func TestEngineUnregisteredToolLeavesContextUntouched(t *testing.T) {
	client := &modelClientStub{
		stream: func(context.Context, int, llms.Request) ([]llms.Response, error) {
			return []llms.Response{llms.ToolCall{
				ResponseBase: llms.ResponseBase{ResponseID: "r1"},
				ToolCallID:   "call-1",
				Name:         "unknown_tool",
			}}, nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("do something")
	waitForCondition(t, time.Second, "turn aborted", func() bool { return recorder.abortCount() == 1 })

	if client.requestCount() != 1 {
		t.Fatalf("expected no follow-up request, got %d requests", client.requestCount())
	}
	if len(client.commandsNamed("tool_call")) != 0 {
		t.Fatalf("expected no tool call command for unregistered tool")
	}
	if messages := engine.Context(); len(messages) != 1 {
		t.Fatalf("expected only the user message in context, got %+v", messages)
	}
}

func TestEngineMalformedToolResultSkipsRoundTrip(t *testing.T) {
	client := &modelClientStub{
		stream: func(context.Context, int, llms.Request) ([]llms.Response, error) {
			return []llms.Response{llms.ToolCall{
				ResponseBase: llms.ResponseBase{ResponseID: "r1"},
				ToolCallID:   "call-1",
				Name:         "get_time",
			}}, nil
		},
		command: func(string, string, any) (*transport.Result, error) {
			return transport.OK(map[string]any{"result": "not json"}, true)
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)
	engine.RegisterTool(context.Background(), llms.ToolMetadata{Name: "get_time"}, "clock")

	engine.QueueInput("time?")
	waitForCondition(t, time.Second, "turn aborted", func() bool { return recorder.abortCount() == 1 })

	if client.requestCount() != 1 {
		t.Fatalf("expected no follow-up request, got %d requests", client.requestCount())
	}
	if messages := engine.Context(); len(messages) != 1 {
		t.Fatalf("expected no function call entries, got %+v", messages)
	}
	kinds := recorder.eventKinds()
	if kinds[len(kinds)-1] != events.KindToolCallFailed {
		t.Fatalf("expected tool call failure event, got %v", kinds)
	}
}

func TestEngineRequeryGoesToHandler(t *testing.T) {
	client := &modelClientStub{
		stream: func(context.Context, int, llms.Request) ([]llms.Response, error) {
			return []llms.Response{llms.ToolCall{
				ResponseBase: llms.ResponseBase{ResponseID: "r1"},
				ToolCallID:   "call-1",
				Name:         "search",
			}}, nil
		},
		command: func(string, string, any) (*transport.Result, error) {
			return transport.OK(map[string]any{"result": map[string]any{"type": "requery", "content": "results"}}, true)
		},
	}
	requeried := make(chan llms.ToolResult, 1)
	engine := New(client, WithRequeryHandler(func(_ context.Context, call llms.FunctionCall, result llms.ToolResult) {
		if call.CallID == "call-1" {
			requeried <- result
		}
	}))
	engine.RegisterTool(context.Background(), llms.ToolMetadata{Name: "search"}, "searcher")

	engine.QueueInput("look it up")
	select {
	case result := <-requeried:
		if result.Content.String() != "results" {
			t.Fatalf("unexpected requery content %q", result.Content.String())
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for requery handler")
	}

	if client.requestCount() != 1 {
		t.Fatalf("expected requery not to issue a direct follow-up, got %d requests", client.requestCount())
	}
	messages := engine.Context()
	if len(messages) != 2 {
		t.Fatalf("expected user message and function call, got %+v", messages)
	}
	if _, ok := messages[1].(llms.FunctionCall); !ok {
		t.Fatalf("expected function call entry, got %+v", messages[1])
	}
}

func TestEngineReasoningStaysOutOfContext(t *testing.T) {
	client := &modelClientStub{
		stream: func(context.Context, int, llms.Request) ([]llms.Response, error) {
			return []llms.Response{
				llms.ReasoningDelta{ResponseBase: llms.ResponseBase{ResponseID: "r1"}, Delta: "thinking"},
				llms.ReasoningDone{ResponseBase: llms.ResponseBase{ResponseID: "r1"}, Content: "thinking"},
				llms.MessageDone{ResponseBase: llms.ResponseBase{ResponseID: "r1"}, Content: "answer"},
			}, nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("question")
	waitForCondition(t, time.Second, "final response", func() bool { return recorder.finalResponses() == 1 })

	recorder.mu.Lock()
	reasoning := append([]responseCall(nil), recorder.reasoning...)
	recorder.mu.Unlock()
	if len(reasoning) != 2 || reasoning[1] != (responseCall{"", "thinking", true}) {
		t.Fatalf("unexpected reasoning callbacks %+v", reasoning)
	}
	messages := engine.Context()
	if len(messages) != 2 {
		t.Fatalf("expected reasoning to stay out of context, got %+v", messages)
	}
}

func TestEngineFlushAbortsInFlightRequest(t *testing.T) {
	client := &modelClientStub{
		stream: func(ctx context.Context, _ int, _ llms.Request) ([]llms.Response, error) {
			<-ctx.Done()
			return textReply("r1", []string{"late"}, "late"), nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("first")
	engine.QueueInput("second")
	engine.QueueInput("third")
	waitForCondition(t, time.Second, "request in flight", func() bool { return engine.CurrentRequestID() != "" })
	requestID := engine.CurrentRequestID()

	engine.Flush(context.Background())
	engine.Flush(context.Background())

	if engine.CurrentRequestID() != "" {
		t.Fatalf("expected current request id to be cleared")
	}
	if engine.PendingInputs() != 0 {
		t.Fatalf("expected pending inputs to be dropped, got %d", engine.PendingInputs())
	}
	waitForCondition(t, time.Second, "abort command", func() bool { return len(client.commandsNamed("abort")) == 1 })

	abort := client.commandsNamed("abort")[0]
	if abort.target != DefaultModelTarget || abort.payload.(llms.AbortRequest).RequestID != requestID {
		t.Fatalf("unexpected abort command %+v", abort)
	}

	time.Sleep(50 * time.Millisecond)
	if len(client.commandsNamed("abort")) != 1 {
		t.Fatalf("expected a single abort command for repeated flushes")
	}
	recorder.mu.Lock()
	responses := len(recorder.responses)
	recorder.mu.Unlock()
	if responses != 0 {
		t.Fatalf("expected no output from the flushed turn, got %d callbacks", responses)
	}
	if client.requestCount() != 1 {
		t.Fatalf("expected dropped inputs not to be processed, got %d requests", client.requestCount())
	}
	if messages := engine.Context(); len(messages) != 1 {
		t.Fatalf("expected flushed turn to leave only the user message, got %+v", messages)
	}
}

func TestEngineAcceptsInputAfterFlush(t *testing.T) {
	block := make(chan struct{})
	client := &modelClientStub{
		stream: func(ctx context.Context, index int, _ llms.Request) ([]llms.Response, error) {
			if index == 0 {
				select {
				case <-ctx.Done():
				case <-block:
				}
				return nil, nil
			}
			return textReply("r2", nil, "fresh"), nil
		},
	}
	defer close(block)
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("stale")
	waitForCondition(t, time.Second, "request in flight", func() bool { return engine.CurrentRequestID() != "" })
	engine.Flush(context.Background())

	engine.QueueInput("fresh")
	waitForCondition(t, time.Second, "response after flush", func() bool { return recorder.finalResponses() == 1 })

	if content, ok := lastMessage(client.request(1)).(llms.Content); !ok || content.Content != "fresh" {
		t.Fatalf("expected request after flush to carry new input, got %+v", lastMessage(client.request(1)))
	}
}

func TestEngineTransportFailureAbortsTurn(t *testing.T) {
	client := &modelClientStub{
		stream: func(_ context.Context, index int, _ llms.Request) ([]llms.Response, error) {
			if index == 0 {
				return nil, errors.New("connection reset")
			}
			return textReply("r2", nil, "recovered"), nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("one")
	waitForCondition(t, time.Second, "turn aborted", func() bool { return recorder.abortCount() == 1 })
	if engine.CurrentRequestID() != "" {
		t.Fatalf("expected failed request to be retired")
	}

	engine.QueueInput("two")
	waitForCondition(t, time.Second, "next turn", func() bool { return recorder.finalResponses() == 1 })
	if client.requestCount() != 2 {
		t.Fatalf("expected failed request not to be retried, got %d requests", client.requestCount())
	}
}

func TestEngineStopPreventsFurtherTurns(t *testing.T) {
	client := &modelClientStub{}
	engine := New(client)

	engine.Stop(context.Background())
	engine.QueueInput("ignored")
	time.Sleep(50 * time.Millisecond)

	if !engine.Stopped() {
		t.Fatalf("expected engine to report stopped")
	}
	if client.requestCount() != 0 {
		t.Fatalf("expected no requests after stop, got %d", client.requestCount())
	}
}

func TestEngineRegisterToolReplacesByName(t *testing.T) {
	engine := New(&modelClientStub{})
	engine.RegisterTool(context.Background(), llms.ToolMetadata{Name: "get_time", Description: "old"}, "a")
	engine.RegisterTool(context.Background(), llms.ToolMetadata{Name: "get_time", Description: "new"}, "b")

	tools := engine.Tools()
	if len(tools) != 1 || tools[0].Description != "new" {
		t.Fatalf("expected registration to replace the tool, got %+v", tools)
	}

	tools[0].Description = "mutated"
	if engine.Tools()[0].Description != "new" {
		t.Fatalf("expected tools snapshot to be a copy")
	}
}

func TestEngineEmptyDeltaLeavesContextUntouched(t *testing.T) {
	client := &modelClientStub{
		stream: func(context.Context, int, llms.Request) ([]llms.Response, error) {
			return []llms.Response{
				llms.MessageDelta{ResponseBase: llms.ResponseBase{ResponseID: "r1"}, Role: "assistant"},
				llms.MessageDone{ResponseBase: llms.ResponseBase{ResponseID: "r1"}, Role: "assistant"},
			}, nil
		},
	}
	recorder := &callbackRecorder{}
	engine := New(client, recorder.options()...)

	engine.QueueInput("hi")
	waitForCondition(t, time.Second, "final response", func() bool { return recorder.finalResponses() == 1 })

	messages := engine.Context()
	if len(messages) != 1 {
		t.Fatalf("expected only the user message, got %+v", messages)
	}
	if user, ok := messages[0].(llms.Content); !ok || user.Role != llms.RoleUser || user.Content != "hi" {
		t.Fatalf("unexpected user message %+v", messages[0])
	}
}

func TestEngineResumesQueuedInputsAfterPanic(t *testing.T) {
	release := make(chan struct{})
	client := &modelClientStub{
		stream: func(_ context.Context, index int, _ llms.Request) ([]llms.Response, error) {
			if index == 0 {
				<-release
				return textReply("r1", []string{"boom"}, "boom"), nil
			}
			return textReply("r2", nil, "fine"), nil
		},
	}

	var mu sync.Mutex
	var finals []string
	engine := New(client, WithResponseCallback(func(_ context.Context, delta, text string, isFinal bool) {
		if delta == "boom" {
			panic("callback failed")
		}
		if isFinal {
			mu.Lock()
			finals = append(finals, text)
			mu.Unlock()
		}
	}))

	engine.QueueInput("a")
	waitForCondition(t, time.Second, "request in flight", func() bool { return client.requestCount() == 1 })
	engine.QueueInput("b")
	close(release)

	waitForCondition(t, time.Second, "queued input processed", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(finals) == 1
	})
	if content, ok := lastMessage(client.request(1)).(llms.Content); !ok || content.Content != "b" {
		t.Fatalf("expected second request to carry the queued input, got %+v", lastMessage(client.request(1)))
	}
	if engine.CurrentRequestID() != "" {
		t.Fatalf("expected no request in flight after the turn settled")
	}
}

func TestEngineFlushHookRunsWhileDeliveryIsHeld(t *testing.T) {
	var engine *Engine
	calls := 0
	held := true
	engine = New(&modelClientStub{}, WithFlushHook(func() {
		calls++
		if engine.deliveryMu.TryLock() {
			held = false
			engine.deliveryMu.Unlock()
		}
	}))

	engine.Flush(context.Background())
	engine.Stop(context.Background())

	if calls != 2 {
		t.Fatalf("expected the hook to run on every flush, got %d", calls)
	}
	if !held {
		t.Fatalf("expected the hook to run while delivery is held")
	}
}
