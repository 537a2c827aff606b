package groq

import (
	"fmt"

	"github.com/koscakluka/ema-agent/core/llms"
)

type message struct {
	Role messageRole `json:"role"`
	// Content is either a string or a list of contentPart.
	Content    any        `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
}

type messageRole string

const (
	messageRoleSystem    messageRole = "system"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
	messageRoleTool      messageRole = "tool"
)

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type toolCall struct {
	Index    *int             `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function toolCallFunction `json:"function"`
}

type toolCallFunction struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type requestBody struct {
	Model         string         `json:"model"`
	Messages      []message      `json:"messages"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
	ToolChoice    *string        `json:"tool_choice,omitempty"`
	Tools         []tool         `json:"tools,omitempty"`
	Temperature   *float64       `json:"temperature,omitempty"`
	TopP          *float64       `json:"top_p,omitempty"`
	MaxTokens     *int           `json:"max_completion_tokens,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// toMessages converts the conversation context to chat messages. Consecutive
// function calls are merged into a single assistant message, which is the
// shape the Chat Completions API expects for parallel tool calls.
func toMessages(messages llms.Messages) ([]message, error) {
	converted := make([]message, 0, len(messages))
	for i, m := range messages {
		switch m := m.(type) {
		case llms.Content:
			converted = append(converted, message{
				Role:    toRole(m.Role),
				Content: toContent(m),
			})
		case llms.FunctionCall:
			call := toolCall{
				ID:       m.CallID,
				Type:     "function",
				Function: toolCallFunction{Name: m.Name, Arguments: m.Arguments},
			}
			if last := len(converted) - 1; last >= 0 && converted[last].Role == messageRoleAssistant && len(converted[last].ToolCalls) > 0 {
				converted[last].ToolCalls = append(converted[last].ToolCalls, call)
				continue
			}
			converted = append(converted, message{
				Role:      messageRoleAssistant,
				Content:   nil,
				ToolCalls: []toolCall{call},
			})
		case llms.FunctionCallOutput:
			converted = append(converted, message{
				Role:       messageRoleTool,
				Content:    m.Output,
				ToolCallID: m.CallID,
			})
		default:
			return nil, fmt.Errorf("message %d: unsupported message %T", i, m)
		}
	}
	return converted, nil
}

func toRole(role llms.Role) messageRole {
	switch role {
	case llms.RoleSystem:
		return messageRoleSystem
	case llms.RoleAssistant:
		return messageRoleAssistant
	default:
		return messageRoleUser
	}
}

func toContent(m llms.Content) any {
	if m.IsPlainText() {
		return m.Content
	}

	parts := make([]contentPart, 0, len(m.Parts))
	for _, part := range m.Parts {
		if part.ImageURL != nil {
			parts = append(parts, contentPart{
				Type:     "image_url",
				ImageURL: &imageURL{URL: part.ImageURL.URL, Detail: part.ImageURL.Detail},
			})
			continue
		}
		parts = append(parts, contentPart{Type: "text", Text: part.Text})
	}
	return parts
}

func toTools(tools []llms.ToolMetadata) []tool {
	if len(tools) == 0 {
		return nil
	}

	converted := make([]tool, 0, len(tools))
	for _, t := range tools {
		converted = append(converted, tool{
			Type: "function",
			Function: toolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.JSONSchema(),
			},
		})
	}
	return converted
}

func applyParameters(body *requestBody, parameters map[string]any) {
	if value, ok := toFloat(parameters["temperature"]); ok {
		body.Temperature = &value
	}
	if value, ok := toFloat(parameters["top_p"]); ok {
		body.TopP = &value
	}
	if value, ok := toFloat(parameters["max_tokens"]); ok {
		tokens := int(value)
		body.MaxTokens = &tokens
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}
