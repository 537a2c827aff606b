package llms

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ResponseType discriminates the streamed items of a model response.
type ResponseType string

const (
	ResponseTypeMessageDelta   ResponseType = "message_content_delta"
	ResponseTypeMessageDone    ResponseType = "message_content_done"
	ResponseTypeReasoningDelta ResponseType = "message_reasoning_delta"
	ResponseTypeReasoningDone  ResponseType = "message_reasoning_done"
	ResponseTypeToolCall       ResponseType = "tool_call_content"
)

var (
	ErrUnknownResponseType = errors.New("unknown response type")
	ErrMissingResponseID   = errors.New("response is missing response_id")
)

// Response is a single item of a streamed model response.
//
// It is one of MessageDelta, MessageDone, ReasoningDelta, ReasoningDone or
// ToolCall.
type Response interface {
	Type() ResponseType
	ID() string
}

// ResponseBase holds the fields shared by all response items.
type ResponseBase struct {
	ResponseID string `json:"response_id"`
	Created    *int64 `json:"created,omitempty"`
}

func (r ResponseBase) ID() string { return r.ResponseID }

// MessageDelta carries a chunk of the assistant message. Content is the text
// accumulated so far, including Delta.
type MessageDelta struct {
	ResponseBase
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`
}

func (MessageDelta) Type() ResponseType { return ResponseTypeMessageDelta }

// MessageDone carries the complete assistant message.
type MessageDone struct {
	ResponseBase
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

func (MessageDone) Type() ResponseType { return ResponseTypeMessageDone }

type ReasoningDelta struct {
	ResponseBase
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
	Delta   string `json:"delta,omitempty"`
}

func (ReasoningDelta) Type() ResponseType { return ResponseTypeReasoningDelta }

type ReasoningDone struct {
	ResponseBase
	Role    string `json:"role"`
	Content string `json:"content,omitempty"`
}

func (ReasoningDone) Type() ResponseType { return ResponseTypeReasoningDone }

// ToolCall asks for the named tool to be executed.
type ToolCall struct {
	ResponseBase
	// ItemID is the id of the output item carrying the call.
	ItemID     string         `json:"id"`
	ToolCallID string         `json:"tool_call_id"`
	Name       string         `json:"name"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

func (ToolCall) Type() ResponseType { return ResponseTypeToolCall }

// MarshalResponse encodes a response item together with its type field.
func MarshalResponse(response Response) ([]byte, error) {
	body, err := json.Marshal(response)
	if err != nil {
		return nil, err
	}

	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	typeField, _ := json.Marshal(response.Type())
	fields["type"] = typeField
	return json.Marshal(fields)
}

// ParseResponse decodes a single streamed response item.
func ParseResponse(data []byte) (Response, error) {
	var header struct {
		Type       ResponseType `json:"type"`
		ResponseID *string      `json:"response_id"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if header.ResponseID == nil {
		return nil, ErrMissingResponseID
	}

	var response Response
	switch header.Type {
	case ResponseTypeMessageDelta:
		response = &MessageDelta{}
	case ResponseTypeMessageDone:
		response = &MessageDone{}
	case ResponseTypeReasoningDelta:
		response = &ReasoningDelta{}
	case ResponseTypeReasoningDone:
		response = &ReasoningDone{}
	case ResponseTypeToolCall:
		response = &ToolCall{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseType, header.Type)
	}

	if err := json.Unmarshal(data, response); err != nil {
		return nil, fmt.Errorf("failed to decode %s response: %w", header.Type, err)
	}

	switch r := response.(type) {
	case *MessageDelta:
		return *r, nil
	case *MessageDone:
		return *r, nil
	case *ReasoningDelta:
		return *r, nil
	case *ReasoningDone:
		return *r, nil
	case *ToolCall:
		if r.Name == "" {
			return nil, fmt.Errorf("tool call response is missing a name")
		}
		return *r, nil
	}
	return response, nil
}
