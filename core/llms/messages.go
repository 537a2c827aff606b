package llms

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Role describes who a context message is from
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

const (
	messageTypeFunctionCall       = "function_call"
	messageTypeFunctionCallOutput = "function_call_output"
)

var ErrUnknownMessageType = errors.New("unknown message type")

// Message is a single entry of the conversation context sent to the model.
//
// It is one of Content, FunctionCall or FunctionCallOutput.
type Message interface {
	MessageRole() Role
	isMessage()
}

// Content is a plain text (or multi-part) message.
type Content struct {
	Role Role
	// Content is used when Parts is empty.
	Content string
	Parts   []ContentPart
}

func (Content) isMessage()          {}
func (m Content) MessageRole() Role { return m.Role }

// IsPlainText reports whether the message carries plain text content, i.e.
// it can be coalesced with streamed deltas.
func (m Content) IsPlainText() bool { return len(m.Parts) == 0 }

func (m Content) MarshalJSON() ([]byte, error) {
	if len(m.Parts) > 0 {
		return json.Marshal(struct {
			Role    Role          `json:"role"`
			Content []ContentPart `json:"content"`
		}{Role: m.Role, Content: m.Parts})
	}

	return json.Marshal(struct {
		Role    Role   `json:"role"`
		Content string `json:"content"`
	}{Role: m.Role, Content: m.Content})
}

// ContentPart is a single part of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

func ImagePart(url string) ContentPart {
	return ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url, Detail: "auto"}}
}

// FunctionCall records a tool call requested by the assistant.
type FunctionCall struct {
	ID     string
	CallID string
	Name   string
	// Arguments is the JSON encoded argument object.
	Arguments string
}

func (FunctionCall) isMessage()        {}
func (FunctionCall) MessageRole() Role { return RoleAssistant }

func (m FunctionCall) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type      string `json:"type"`
		ID        string `json:"id"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
		Role      Role   `json:"role"`
	}{
		Type:      messageTypeFunctionCall,
		ID:        m.ID,
		CallID:    m.CallID,
		Name:      m.Name,
		Arguments: m.Arguments,
		Role:      RoleAssistant,
	})
}

// FunctionCallOutput is the result of a tool call fed back to the model.
type FunctionCallOutput struct {
	CallID string
	Output string
}

func (FunctionCallOutput) isMessage()        {}
func (FunctionCallOutput) MessageRole() Role { return RoleTool }

func (m FunctionCallOutput) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   string `json:"type"`
		CallID string `json:"call_id"`
		Output string `json:"output"`
		Role   Role   `json:"role"`
	}{
		Type:   messageTypeFunctionCallOutput,
		CallID: m.CallID,
		Output: m.Output,
		Role:   RoleTool,
	})
}

// UnmarshalMessage decodes a single context message, using the "type" field
// to tell function calls and their outputs apart from plain content.
func UnmarshalMessage(data []byte) (Message, error) {
	var raw struct {
		Type      string          `json:"type"`
		Role      Role            `json:"role"`
		Content   json.RawMessage `json:"content"`
		ID        string          `json:"id"`
		CallID    string          `json:"call_id"`
		Name      string          `json:"name"`
		Arguments string          `json:"arguments"`
		Output    string          `json:"output"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}

	switch raw.Type {
	case messageTypeFunctionCall:
		return FunctionCall{ID: raw.ID, CallID: raw.CallID, Name: raw.Name, Arguments: raw.Arguments}, nil
	case messageTypeFunctionCallOutput:
		return FunctionCallOutput{CallID: raw.CallID, Output: raw.Output}, nil
	case "":
		switch raw.Role {
		case RoleSystem, RoleUser, RoleAssistant:
		default:
			return nil, fmt.Errorf("invalid content message role %q", raw.Role)
		}

		message := Content{Role: raw.Role}
		if len(raw.Content) == 0 || string(raw.Content) == "null" {
			return message, nil
		}
		if raw.Content[0] == '[' {
			if err := json.Unmarshal(raw.Content, &message.Parts); err != nil {
				return nil, fmt.Errorf("failed to decode content parts: %w", err)
			}
			return message, nil
		}
		if err := json.Unmarshal(raw.Content, &message.Content); err != nil {
			return nil, fmt.Errorf("failed to decode content: %w", err)
		}
		return message, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, raw.Type)
	}
}

// Messages is a context list that can be decoded from JSON.
type Messages []Message

func (m *Messages) UnmarshalJSON(data []byte) error {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return err
	}

	messages := make(Messages, 0, len(raws))
	for i, raw := range raws {
		message, err := UnmarshalMessage(raw)
		if err != nil {
			return fmt.Errorf("message %d: %w", i, err)
		}
		messages = append(messages, message)
	}
	*m = messages
	return nil
}
