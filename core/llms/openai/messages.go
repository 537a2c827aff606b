package openai

import (
	"fmt"

	"github.com/koscakluka/ema-agent/core/llms"
)

type openAIMessage struct {
	Type messageType `json:"type"`

	Role messageRole `json:"role,omitempty"`
	// Content is either a string or a list of openAIContentPart.
	Content any `json:"content,omitempty"`

	ToolCallItemID    string `json:"id,omitempty"`
	ToolCallID        string `json:"call_id,omitempty"`
	ToolCallName      string `json:"name,omitempty"`
	ToolCallArguments string `json:"arguments,omitempty"`
	ToolCallOutput    string `json:"output,omitempty"`
	ToolCallStatus    string `json:"status,omitempty"`
}

type openAIContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

type messageRole string

const (
	messageRoleDeveloper messageRole = "developer"
	messageRoleUser      messageRole = "user"
	messageRoleAssistant messageRole = "assistant"
)

type messageType string

const (
	messageTypeMessage            messageType = "message"
	messageTypeFunctionCall       messageType = "function_call"
	messageTypeFunctionCallOutput messageType = "function_call_output"
)

type openAITool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

type requestBody struct {
	Model       string          `json:"model"`
	Input       []openAIMessage `json:"input"`
	Stream      bool            `json:"stream"`
	Tools       []openAITool    `json:"tools,omitempty"`
	ToolChoice  *string         `json:"tool_choice,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	MaxTokens   *int            `json:"max_output_tokens,omitempty"`
}

func toOpenAIMessages(messages llms.Messages) ([]openAIMessage, error) {
	converted := make([]openAIMessage, 0, len(messages))
	for i, message := range messages {
		switch m := message.(type) {
		case llms.Content:
			converted = append(converted, openAIMessage{
				Type:    messageTypeMessage,
				Role:    toOpenAIRole(m.Role),
				Content: toOpenAIContent(m),
			})
		case llms.FunctionCall:
			converted = append(converted, openAIMessage{
				Type:              messageTypeFunctionCall,
				ToolCallItemID:    m.ID,
				ToolCallID:        m.CallID,
				ToolCallName:      m.Name,
				ToolCallArguments: m.Arguments,
				ToolCallStatus:    "completed",
			})
		case llms.FunctionCallOutput:
			converted = append(converted, openAIMessage{
				Type:           messageTypeFunctionCallOutput,
				ToolCallID:     m.CallID,
				ToolCallOutput: m.Output,
			})
		default:
			return nil, fmt.Errorf("message %d: unsupported message %T", i, message)
		}
	}
	return converted, nil
}

func toOpenAIRole(role llms.Role) messageRole {
	switch role {
	case llms.RoleSystem:
		return messageRoleDeveloper
	case llms.RoleAssistant:
		return messageRoleAssistant
	default:
		return messageRoleUser
	}
}

func toOpenAIContent(message llms.Content) any {
	if message.IsPlainText() {
		return message.Content
	}

	parts := make([]openAIContentPart, 0, len(message.Parts))
	for _, part := range message.Parts {
		switch {
		case part.ImageURL != nil:
			parts = append(parts, openAIContentPart{
				Type:     "input_image",
				ImageURL: part.ImageURL.URL,
				Detail:   part.ImageURL.Detail,
			})
		default:
			parts = append(parts, openAIContentPart{Type: "input_text", Text: part.Text})
		}
	}
	return parts
}

func toOpenAITools(tools []llms.ToolMetadata) []openAITool {
	if len(tools) == 0 {
		return nil
	}

	converted := make([]openAITool, 0, len(tools))
	for _, tool := range tools {
		converted = append(converted, openAITool{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.JSONSchema(),
		})
	}
	return converted
}

// applyParameters copies the sampling parameters the Responses API knows
// about; anything else is ignored.
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
