package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	endMessage  = "[DONE]"
	chunkPrefix = "data:"
)

type streamingResponseBody struct {
	ID      string `json:"id"`
	Choices []struct {
		Delta struct {
			Role      string     `json:"role,omitempty"`
			Content   string     `json:"content,omitempty"`
			ToolCalls []toolCall `json:"tool_calls,omitempty"`
			Reasoning string     `json:"reasoning,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
	// Groq reports usage under x_groq on the final chunk.
	XGroq *struct {
		Usage *usage `json:"usage"`
	} `json:"x_groq,omitempty"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type usage struct {
	QueueTime               float64 `json:"queue_time"`
	PromptTokens            int     `json:"prompt_tokens"`
	PromptTime              float64 `json:"prompt_time"`
	CompletionTokens        int     `json:"completion_tokens"`
	CompletionTime          float64 `json:"completion_time"`
	TotalTokens             int     `json:"total_tokens"`
	TotalTime               float64 `json:"total_time"`
	CompletionTokensDetails *struct {
		ReasoningTokens int `json:"reasoning_tokens"`
	} `json:"completion_tokens_details"`
}

// stream sends request to the Chat Completions API and translates the
// streamed chunks into response items.
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

		messages, err := toMessages(request.Messages)
		if err != nil {
			fail(fmt.Errorf("error converting messages: %w", err))
			return
		}

		reqBody := requestBody{
			Model:         request.Model,
			Messages:      messages,
			Stream:        true,
			StreamOptions: &streamOptions{IncludeUsage: true},
			Tools:         toTools(request.Tools),
		}
		if reqBody.Tools != nil {
			reqBody.ToolChoice = utils.Ptr("auto")
			var toolNames []string
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

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/chat/completions", bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		span.SetAttributes(attribute.String("request.url", req.URL.String()))
		requestToFirstTokenTime := time.Now()
		span.AddEvent("request started")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err != nil {
				span.SetAttributes(attribute.String("error", err.Error()))
			} else {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}
			// TODO: Retry on 429 and 503 honoring the retry-after header
			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		state := streamState{responseID: request.RequestID, toolCalls: map[int]*toolCall{}}
		defer func() {
			span.SetAttributes(attribute.StringSlice("response.tool_calls", state.toolNames()))
		}()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			if len(chunk) == 0 {
				continue
			}
			if !requestToFirstTokenTime.IsZero() {
				span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
				span.AddEvent("received first chunk")
				requestToFirstTokenTime = time.Time{}
			}
			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				fail(fmt.Errorf("error unmarshalling JSON: %w", err))
				return
			}
			if responseBody.Error != nil {
				fail(fmt.Errorf("model response failed: %s", responseBody.Error.Message))
				return
			}

			for _, response := range state.handle(responseBody) {
				if !yield(response, nil) {
					return
				}
			}

			if u := responseBody.usage(); u != nil {
				setUsageAttributes(span, u)
			}
		}
		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("error reading streamed response: %w", err))
			return
		}

		responses, err := state.finish()
		if err != nil {
			fail(err)
			return
		}
		for _, response := range responses {
			if !yield(response, nil) {
				return
			}
		}
	}
}

func (b streamingResponseBody) usage() *usage {
	if b.Usage != nil {
		return b.Usage
	}
	if b.XGroq != nil {
		return b.XGroq.Usage
	}
	return nil
}

func setUsageAttributes(span trace.Span, u *usage) {
	span.SetAttributes(
		attribute.Int("usage.input", u.PromptTokens),
		attribute.Int("usage.output", u.CompletionTokens),
		attribute.Int("usage.total", u.TotalTokens),
		attribute.Float64("usage.queue_time", u.QueueTime),
		attribute.Float64("usage.prompt_time", u.PromptTime),
		attribute.Float64("usage.completion_time", u.CompletionTime),
		attribute.Float64("usage.total_time", u.TotalTime),
	)
	if u.CompletionTokensDetails != nil {
		span.SetAttributes(attribute.Int("usage.reasoning", u.CompletionTokensDetails.ReasoningTokens))
	}
}

// streamState accumulates a single streamed completion. Tool call deltas
// arrive in fragments keyed by index and are only emitted once the stream
// ends.
type streamState struct {
	responseID string

	message       strings.Builder
	reasoning     strings.Builder
	reasoningDone bool

	toolCalls map[int]*toolCall
}

func (s *streamState) base() llms.ResponseBase {
	return llms.ResponseBase{ResponseID: s.responseID, Created: utils.Ptr(time.Now().Unix())}
}

func (s *streamState) handle(body streamingResponseBody) []llms.Response {
	if body.ID != "" {
		s.responseID = body.ID
	}
	if len(body.Choices) == 0 {
		return nil
	}

	var responses []llms.Response
	delta := body.Choices[0].Delta
	if delta.Reasoning != "" {
		s.reasoning.WriteString(delta.Reasoning)
		responses = append(responses, llms.ReasoningDelta{
			ResponseBase: s.base(),
			Role:         string(llms.RoleAssistant),
			Content:      s.reasoning.String(),
			Delta:        delta.Reasoning,
		})
	}
	if delta.Content != "" {
		responses = append(responses, s.closeReasoning()...)
		s.message.WriteString(delta.Content)
		responses = append(responses, llms.MessageDelta{
			ResponseBase: s.base(),
			Role:         string(llms.RoleAssistant),
			Content:      s.message.String(),
			Delta:        delta.Content,
		})
	}
	for i, fragment := range delta.ToolCalls {
		index := i
		if fragment.Index != nil {
			index = *fragment.Index
		}
		call, ok := s.toolCalls[index]
		if !ok {
			call = &toolCall{}
			s.toolCalls[index] = call
		}
		if fragment.ID != "" {
			call.ID = fragment.ID
		}
		if fragment.Function.Name != "" {
			call.Function.Name = fragment.Function.Name
		}
		call.Function.Arguments += fragment.Function.Arguments
	}
	return responses
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

// finish closes open reasoning, emits the accumulated tool calls in index
// order and closes the message.
func (s *streamState) finish() ([]llms.Response, error) {
	responses := s.closeReasoning()

	indexes := make([]int, 0, len(s.toolCalls))
	for index := range s.toolCalls {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)
	for _, index := range indexes {
		call := s.toolCalls[index]
		arguments := map[string]any{}
		if strings.TrimSpace(call.Function.Arguments) != "" {
			if err := json.Unmarshal([]byte(call.Function.Arguments), &arguments); err != nil {
				return nil, fmt.Errorf("error unmarshalling arguments of %q: %w", call.Function.Name, err)
			}
		}
		responses = append(responses, llms.ToolCall{
			ResponseBase: s.base(),
			ItemID:       call.ID,
			ToolCallID:   call.ID,
			Name:         call.Function.Name,
			Arguments:    arguments,
		})
	}

	if s.message.Len() > 0 {
		responses = append(responses, llms.MessageDone{
			ResponseBase: s.base(),
			Role:         string(llms.RoleAssistant),
			Content:      s.message.String(),
		})
	}
	return responses, nil
}

func (s *streamState) toolNames() []string {
	names := make([]string, 0, len(s.toolCalls))
	for _, call := range s.toolCalls {
		names = append(names, call.Function.Name)
	}
	sort.Strings(names)
	return names
}
