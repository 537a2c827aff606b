package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"strings"
	"time"

	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	eventPrefix = "event:"
	chunkPrefix = "data:"
)

// stream sends request to the Responses API and translates the server sent
// events into response items.
func (s *Service) stream(ctx context.Context, request llms.Request) iter.Seq2[llms.Response, error] {
	return func(yield func(llms.Response, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream", trace.WithAttributes(
			attribute.String("request.id", request.RequestID),
			attribute.String("request.model", request.Model),
		))
		defer span.End()
		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		input, err := toOpenAIMessages(request.Messages)
		if err != nil {
			fail(fmt.Errorf("error converting messages: %w", err))
			return
		}

		reqBody := requestBody{
			Model:  request.Model,
			Input:  input,
			Stream: true,
			Tools:  toOpenAITools(request.Tools),
		}
		if reqBody.Tools != nil {
			reqBody.ToolChoice = utils.Ptr("auto")
			toolNames := make([]string, 0, len(request.Tools))
			for _, tool := range request.Tools {
				toolNames = append(toolNames, tool.Name)
			}
			span.SetAttributes(attribute.StringSlice("request.available_tools", toolNames))
		}
		applyParameters(&reqBody, request.Parameters)

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			fail(fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/responses", bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		span.SetAttributes(attribute.String("request.url", req.URL.String()))
		requestStart := time.Now()
		span.AddEvent("request started")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err == nil {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		state := streamState{responseID: request.RequestID}
		firstChunk := true
		event := ""
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			switch {
			case line == "":
				event = ""
				continue
			case strings.HasPrefix(line, eventPrefix):
				event = strings.TrimSpace(strings.TrimPrefix(line, eventPrefix))
				continue
			case !strings.HasPrefix(line, chunkPrefix):
				continue
			}

			chunk := strings.TrimSpace(strings.TrimPrefix(line, chunkPrefix))
			if chunk == "[DONE]" {
				break
			}
			if firstChunk {
				firstChunk = false
				span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestStart).Seconds()))
				span.AddEvent("received first chunk")
			}

			responses, done, err := state.handle(event, []byte(chunk))
			if err != nil {
				fail(err)
				return
			}
			for _, response := range responses {
				if !yield(response, nil) {
					return
				}
			}
			if done {
				span.SetAttributes(
					attribute.Int("usage.input", state.usage.InputTokens),
					attribute.Int("usage.output", state.usage.OutputTokens),
					attribute.Int("usage.total", state.usage.TotalTokens),
					attribute.StringSlice("response.tool_calls", state.toolCalls),
				)
				return
			}
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("error reading streamed response: %w", err))
			return
		}
		for _, response := range state.finish() {
			if !yield(response, nil) {
				return
			}
		}
	}
}

type streamingEventType string

const (
	streamingEventResponseCreated                   streamingEventType = "response.created"
	streamingEventResponseOutputTextDelta           streamingEventType = "response.output_text.delta"
	streamingEventResponseOutputItemDone            streamingEventType = "response.output_item.done"
	streamingEventResponseReasoningTextDelta        streamingEventType = "response.reasoning_text.delta"
	streamingEventResponseReasoningSummaryTextDelta streamingEventType = "response.reasoning_summary_text.delta"
	streamingEventResponseCompleted                 streamingEventType = "response.completed"
	streamingEventResponseIncomplete                streamingEventType = "response.incomplete"
	streamingEventResponseFailed                    streamingEventType = "response.failed"
	streamingEventError                             streamingEventType = "error"
)

type streamingBodyType struct {
	Type streamingEventType `json:"type"`
}

type streamingBodyResponseCreated struct {
	Response struct {
		ID string `json:"id"`
	} `json:"response"`
}

type streamingBodyResponseTextDelta struct {
	Delta string `json:"delta"`
}

type streamingBodyOutputItemDone struct {
	Item struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		Arguments string `json:"arguments"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
	} `json:"item"`
}

type streamingBodyResponseCompleted struct {
	Response struct {
		Usage *responseBodyUsage `json:"usage"`
	} `json:"response"`
}

type streamingBodyError struct {
	Message  string `json:"message"`
	Response struct {
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"response"`
}

type responseBodyUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// streamState accumulates the text of a single streamed response.
type streamState struct {
	responseID string

	message       strings.Builder
	reasoning     strings.Builder
	reasoningDone bool
	messageDone   bool

	toolCalls []string
	usage     responseBodyUsage
}

func (s *streamState) base() llms.ResponseBase {
	return llms.ResponseBase{ResponseID: s.responseID, Created: utils.Ptr(time.Now().Unix())}
}

// handle processes a single event and reports whether the response is
// complete.
func (s *streamState) handle(event string, chunk []byte) ([]llms.Response, bool, error) {
	eventType := streamingEventType(event)
	if eventType == "" {
		var body streamingBodyType
		if err := json.Unmarshal(chunk, &body); err != nil {
			return nil, false, fmt.Errorf("error unmarshalling JSON: %w", err)
		}
		eventType = body.Type
	}

	switch eventType {
	case streamingEventResponseCreated:
		var body streamingBodyResponseCreated
		if err := json.Unmarshal(chunk, &body); err != nil {
			return nil, false, fmt.Errorf("error unmarshalling JSON: %w", err)
		}
		if body.Response.ID != "" {
			s.responseID = body.Response.ID
		}

	case streamingEventResponseReasoningTextDelta,
		streamingEventResponseReasoningSummaryTextDelta:
		var body streamingBodyResponseTextDelta
		if err := json.Unmarshal(chunk, &body); err != nil {
			return nil, false, fmt.Errorf("error unmarshalling JSON: %w", err)
		}
		if body.Delta == "" {
			return nil, false, nil
		}
		s.reasoning.WriteString(body.Delta)
		return []llms.Response{llms.ReasoningDelta{
			ResponseBase: s.base(),
			Role:         string(llms.RoleAssistant),
			Content:      s.reasoning.String(),
			Delta:        body.Delta,
		}}, false, nil

	case streamingEventResponseOutputTextDelta:
		var body streamingBodyResponseTextDelta
		if err := json.Unmarshal(chunk, &body); err != nil {
			return nil, false, fmt.Errorf("error unmarshalling JSON: %w", err)
		}
		responses := s.closeReasoning()
		if body.Delta == "" {
			return responses, false, nil
		}
		s.message.WriteString(body.Delta)
		return append(responses, llms.MessageDelta{
			ResponseBase: s.base(),
			Role:         string(llms.RoleAssistant),
			Content:      s.message.String(),
			Delta:        body.Delta,
		}), false, nil

	case streamingEventResponseOutputItemDone:
		var body streamingBodyOutputItemDone
		if err := json.Unmarshal(chunk, &body); err != nil {
			return nil, false, fmt.Errorf("error unmarshalling JSON: %w", err)
		}
		if body.Item.Type != "function_call" {
			return nil, false, nil
		}
		arguments := map[string]any{}
		if strings.TrimSpace(body.Item.Arguments) != "" {
			if err := json.Unmarshal([]byte(body.Item.Arguments), &arguments); err != nil {
				return nil, false, fmt.Errorf("error unmarshalling arguments of %q: %w", body.Item.Name, err)
			}
		}
		s.toolCalls = append(s.toolCalls, body.Item.Name)
		return []llms.Response{llms.ToolCall{
			ResponseBase: s.base(),
			ItemID:       body.Item.ID,
			ToolCallID:   body.Item.CallID,
			Name:         body.Item.Name,
			Arguments:    arguments,
		}}, false, nil

	case streamingEventResponseCompleted, streamingEventResponseIncomplete:
		var body streamingBodyResponseCompleted
		if err := json.Unmarshal(chunk, &body); err == nil && body.Response.Usage != nil {
			s.usage = *body.Response.Usage
		}
		return s.finish(), true, nil

	case streamingEventResponseFailed, streamingEventError:
		var body streamingBodyError
		if err := json.Unmarshal(chunk, &body); err != nil {
			return nil, false, fmt.Errorf("error unmarshalling JSON: %w", err)
		}
		message := body.Message
		if body.Response.Error != nil {
			message = body.Response.Error.Message
		}
		return nil, false, fmt.Errorf("model response failed: %s", message)
	}
	return nil, false, nil
}

func (s *streamState) closeReasoning() []llms.Response {
	if s.reasoningDone || s.reasoning.Len() == 0 {
		return nil
	}
	s.reasoningDone = true
	return []llms.Response{llms.ReasoningDone{
		ResponseBase: s.base(),
		Role:         string(llms.RoleAssistant),
		Content:      s.reasoning.String(),
	}}
}

// finish closes any open reasoning and message.
func (s *streamState) finish() []llms.Response {
	responses := s.closeReasoning()
	if s.messageDone || s.message.Len() == 0 {
		return responses
	}
	s.messageDone = true
	return append(responses, llms.MessageDone{
		ResponseBase: s.base(),
		Role:         string(llms.RoleAssistant),
		Content:      s.message.String(),
	})
}
