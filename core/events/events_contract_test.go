package events

import (
	"errors"
	"testing"
)

func TestConstructorsEmitExpectedKinds(t *testing.T) {
	testCases := []struct {
		name     string
		event    Event
		expected Kind
	}{
		{name: "user joined", event: NewUserJoined(), expected: KindUserJoined},
		{name: "user left", event: NewUserLeft(), expected: KindUserLeft},
		{name: "command acknowledged", event: NewCommandAcknowledged("on_user_joined", nil), expected: KindCommandAcknowledged},
		{name: "recognition result", event: NewRecognitionResult("hello", true, nil), expected: KindRecognitionResult},
		{name: "model response", event: NewModelResponse("He", "He", false, ChannelMessage), expected: KindModelResponse},
		{name: "turn aborted", event: NewTurnAborted("req", "failed"), expected: KindTurnAborted},
		{name: "tool registered", event: NewToolRegistered("get_time", "clock"), expected: KindToolRegistered},
		{name: "tool call started", event: NewToolCallStarted("call", "get_time", "clock", "{}"), expected: KindToolCallStarted},
		{name: "tool call completed", event: NewToolCallCompleted("call", "get_time", "llmresult", "12:00"), expected: KindToolCallCompleted},
		{name: "tool call failed", event: NewToolCallFailed("call", "get_time", "boom"), expected: KindToolCallFailed},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if got := testCase.event.Kind(); got != testCase.expected {
				t.Fatalf("expected kind %q, got %q", testCase.expected, got)
			}
			if testCase.event.Timestamp().IsZero() {
				t.Fatalf("expected event timestamp to be set")
			}
		})
	}
}

func TestKindNamespace(t *testing.T) {
	if got := KindRecognitionResult.Namespace(); got != "recognition" {
		t.Fatalf("expected recognition namespace, got %q", got)
	}
	if got := KindTurnAborted.Namespace(); got != "model" {
		t.Fatalf("expected model namespace, got %q", got)
	}
}

func TestRecognitionResultDefaultsMetadata(t *testing.T) {
	result := NewRecognitionResult("hi", false, nil)
	if result.Metadata == nil {
		t.Fatalf("expected metadata map to be initialised")
	}
}

func TestCommandAcknowledgedCarriesError(t *testing.T) {
	ack := NewCommandAcknowledged("tool_register", errors.New("bad payload"))
	if ack.OK || ack.Error != "bad payload" {
		t.Fatalf("expected failed acknowledgement, got %+v", ack)
	}
}
