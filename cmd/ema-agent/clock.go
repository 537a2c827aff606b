package main

import (
	"context"
	"fmt"
	"time"

	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/core/transport"
)

const (
	clockTarget = "clock"
	clockTool   = "get_time"
)

type clockArguments struct {
	Zone string `json:"zone,omitempty" jsonschema:"description=IANA time zone name such as Europe/Prague"`
}

type toolCall struct {
	Name      string         `json:"name"`
	Arguments clockArguments `json:"arguments"`
}

func clockMetadata() llms.ToolMetadata {
	return llms.ToolMetadataFor[clockArguments](clockTool, "Returns the current local time")
}

// clockHandler owns the get_time tool.
func clockHandler(now func() time.Time) transport.CommandHandler {
	return transport.Reply(func(_ context.Context, cmd transport.Command) (*transport.Result, error) {
		var call toolCall
		if err := cmd.Decode(&call); err != nil {
			return nil, fmt.Errorf("invalid tool call: %w", err)
		}
		if call.Name != clockTool {
			return nil, fmt.Errorf("unknown tool %q", call.Name)
		}

		location := time.Local
		if call.Arguments.Zone != "" {
			loaded, err := time.LoadLocation(call.Arguments.Zone)
			if err != nil {
				return transport.OK(map[string]any{"result": llms.ToolResult{
					Type:    llms.ToolResultLLMResult,
					Content: llms.ToolResultContent{Text: fmt.Sprintf("unknown time zone %q", call.Arguments.Zone)},
				}}, true)
			}
			location = loaded
		}

		return transport.OK(map[string]any{"result": llms.ToolResult{
			Type:    llms.ToolResultLLMResult,
			Content: llms.ToolResultContent{Text: now().In(location).Format("Monday 15:04 MST")},
		}}, true)
	})
}
