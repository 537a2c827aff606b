package events

const (
	// KindModelResponse identifies a streamed model output update.
	KindModelResponse Kind = "model.response"
	// KindTurnAborted identifies a turn that ended without a usable response.
	KindTurnAborted Kind = "model.turn_aborted"
)

// ResponseChannel tells message output apart from reasoning output.
type ResponseChannel string

const (
	ChannelMessage   ResponseChannel = "message"
	ChannelReasoning ResponseChannel = "reasoning"
)

// ModelResponse is a streamed update of the model output. Text is the output
// accumulated so far; Delta is empty on the final update.
type ModelResponse struct {
	Base
	Delta   string
	Text    string
	IsFinal bool
	Channel ResponseChannel
}

func NewModelResponse(delta, text string, isFinal bool, channel ResponseChannel) ModelResponse {
	return ModelResponse{Base: NewBase(KindModelResponse), Delta: delta, Text: text, IsFinal: isFinal, Channel: channel}
}

// TurnAborted is delivered on the model response channel, after any updates
// already queued for the request, when a turn gives up.
type TurnAborted struct {
	Base
	RequestID string
	Reason    string
}

func NewTurnAborted(requestID, reason string) TurnAborted {
	return TurnAborted{Base: NewBase(KindTurnAborted), RequestID: requestID, Reason: reason}
}
