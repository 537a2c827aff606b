package events

const (
	// KindToolRegistered identifies a tool being registered with the session.
	KindToolRegistered Kind = "tool_call.registered"
	// KindToolCallStarted identifies tool call execution start.
	KindToolCallStarted Kind = "tool_call.started"
	// KindToolCallCompleted identifies successful tool call completion.
	KindToolCallCompleted Kind = "tool_call.completed"
	// KindToolCallFailed identifies tool call failure.
	KindToolCallFailed Kind = "tool_call.failed"
)

// ToolRegistered marks a tool becoming available to the model.
type ToolRegistered struct {
	Base
	Name  string
	Owner string
}

func NewToolRegistered(name, owner string) ToolRegistered {
	return ToolRegistered{Base: NewBase(KindToolRegistered), Name: name, Owner: owner}
}

// ToolCallStarted marks start of tool execution.
type ToolCallStarted struct {
	Base
	CallID    string
	Name      string
	Owner     string
	Arguments string
}

// NewToolCallStarted creates a tool call started event.
func NewToolCallStarted(callID, name, owner, arguments string) ToolCallStarted {
	return ToolCallStarted{Base: NewBase(KindToolCallStarted), CallID: callID, Name: name, Owner: owner, Arguments: arguments}
}

// ToolCallCompleted marks successful tool execution.
type ToolCallCompleted struct {
	Base
	CallID     string
	Name       string
	ResultType string
	Output     string
}

// NewToolCallCompleted creates a tool call completed event.
func NewToolCallCompleted(callID, name, resultType, output string) ToolCallCompleted {
	return ToolCallCompleted{Base: NewBase(KindToolCallCompleted), CallID: callID, Name: name, ResultType: resultType, Output: output}
}

// ToolCallFailed marks failed tool execution.
type ToolCallFailed struct {
	Base
	CallID string
	Name   string
	Error  string
}

// NewToolCallFailed creates a tool call failed event.
func NewToolCallFailed(callID, name, err string) ToolCallFailed {
	return ToolCallFailed{Base: NewBase(KindToolCallFailed), CallID: callID, Name: name, Error: err}
}
