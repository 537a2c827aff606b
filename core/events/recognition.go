package events

// KindRecognitionResult identifies a speech recognition result.
const KindRecognitionResult Kind = "recognition.result"

// RecognitionResult is a (possibly interim) transcript of user speech.
type RecognitionResult struct {
	Base
	Text     string
	IsFinal  bool
	Metadata map[string]any
}

func NewRecognitionResult(text string, isFinal bool, metadata map[string]any) RecognitionResult {
	if metadata == nil {
		metadata = map[string]any{}
	}
	return RecognitionResult{Base: NewBase(KindRecognitionResult), Text: text, IsFinal: isFinal, Metadata: metadata}
}
