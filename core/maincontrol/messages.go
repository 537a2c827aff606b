package maincontrol

const (
	DataTTSTextInput = "tts_text_input"
	DataTTSFlush     = "tts_flush"
	DataMessage      = "message"

	CommandFlush = "flush"
)

// TranscriptDataType tells plain transcripts apart from raw JSON messages.
type TranscriptDataType string

const (
	TranscriptTranscribe TranscriptDataType = "transcribe"
	TranscriptRaw        TranscriptDataType = "raw"
)

// TTSTextInput is a chunk of text to synthesize.
type TTSTextInput struct {
	RequestID    string      `json:"request_id"`
	Text         string      `json:"text"`
	TextInputEnd bool        `json:"text_input_end"`
	Metadata     TurnContext `json:"metadata"`
}

type TurnContext struct {
	SessionID string `json:"session_id"`
	TurnID    int    `json:"turn_id"`
}

type TTSFlush struct {
	FlushID string `json:"flush_id"`
}

// Transcript is a message for the message collector. For raw messages Text
// holds an encoded ReasoningMessage.
type Transcript struct {
	DataType  TranscriptDataType `json:"data_type"`
	Role      string             `json:"role"`
	Text      string             `json:"text"`
	Timestamp int64              `json:"text_ts"`
	IsFinal   bool               `json:"is_final"`
	StreamID  int                `json:"stream_id"`
}

type ReasoningMessage struct {
	Type string        `json:"type"`
	Data ReasoningData `json:"data"`
}

type ReasoningData struct {
	Text string `json:"text"`
}
