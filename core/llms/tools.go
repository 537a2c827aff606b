package llms

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/invopop/jsonschema"
)

// ToolMetadata describes a tool advertised to the model.
type ToolMetadata struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  []ToolParameter `json:"parameters"`
}

type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Required    bool   `json:"required,omitempty"`
}

// ToolMetadataFor describes a tool whose arguments decode into T. Parameters
// are reflected from T's exported fields; names follow the json tags and
// descriptions the jsonschema tags.
func ToolMetadataFor[T any](name, description string) ToolMetadata {
	reflector := jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
	var arguments T
	schema := reflector.Reflect(arguments)

	tool := ToolMetadata{Name: name, Description: description, Parameters: []ToolParameter{}}
	if schema == nil || schema.Properties == nil {
		return tool
	}

	for pair := schema.Properties.Oldest(); pair != nil; pair = pair.Next() {
		parameter := ToolParameter{
			Name:     pair.Key,
			Required: slices.Contains(schema.Required, pair.Key),
		}
		if pair.Value != nil {
			parameter.Type = pair.Value.Type
			parameter.Description = pair.Value.Description
		}
		tool.Parameters = append(tool.Parameters, parameter)
	}
	return tool
}

// JSONSchema renders the parameters as a JSON schema object, the shape most
// model APIs expect for function parameters.
func (t ToolMetadata) JSONSchema() map[string]any {
	properties := map[string]any{}
	required := []string{}
	for _, parameter := range t.Parameters {
		property := map[string]any{"type": parameter.Type}
		if parameter.Description != "" {
			property["description"] = parameter.Description
		}
		properties[parameter.Name] = property
		if parameter.Required {
			required = append(required, parameter.Name)
		}
	}

	return map[string]any{
		"type":       "object",
		"properties": properties,
		"required":   required,
	}
}

// ToolResultType tells the orchestrator what to do with a tool result.
type ToolResultType string

const (
	// ToolResultLLMResult is fed straight back to the model as the call output.
	ToolResultLLMResult ToolResultType = "llmresult"
	// ToolResultRequery asks for a follow-up strategy decided by the host.
	ToolResultRequery ToolResultType = "requery"
)

var ErrInvalidToolResult = errors.New("invalid tool result")

type ToolResult struct {
	Type    ToolResultType    `json:"type"`
	Content ToolResultContent `json:"content"`
}

// ToolResultContent is either plain text or a list of content parts.
type ToolResultContent struct {
	Text  string
	Parts []ContentPart
}

func (c ToolResultContent) IsText() bool { return c.Parts == nil }

// String returns the text content, or the parts encoded as JSON.
func (c ToolResultContent) String() string {
	if c.IsText() {
		return c.Text
	}
	encoded, err := json.Marshal(c.Parts)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func (c ToolResultContent) MarshalJSON() ([]byte, error) {
	if c.IsText() {
		return json.Marshal(c.Text)
	}
	return json.Marshal(c.Parts)
}

func (c *ToolResultContent) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		parts := []ContentPart{}
		if err := json.Unmarshal(trimmed, &parts); err != nil {
			return err
		}
		*c = ToolResultContent{Parts: parts}
		return nil
	}

	var text string
	if err := json.Unmarshal(trimmed, &text); err != nil {
		return fmt.Errorf("content must be a string or a list of parts: %w", err)
	}
	*c = ToolResultContent{Text: text}
	return nil
}

// ParseToolResult decodes a tool result strictly: unknown fields, unknown
// result types and missing content are rejected.
func ParseToolResult(data []byte) (*ToolResult, error) {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()

	var result struct {
		Type    ToolResultType     `json:"type"`
		Content *ToolResultContent `json:"content"`
	}
	if err := decoder.Decode(&result); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidToolResult, err)
	}

	switch result.Type {
	case ToolResultLLMResult, ToolResultRequery:
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidToolResult, result.Type)
	}
	if result.Content == nil {
		return nil, fmt.Errorf("%w: missing content", ErrInvalidToolResult)
	}

	return &ToolResult{Type: result.Type, Content: *result.Content}, nil
}
