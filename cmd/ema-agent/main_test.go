package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/core/maincontrol"
	"github.com/koscakluka/ema-agent/core/transport"
	"github.com/koscakluka/ema-agent/internal/config"
)

func TestClockToolAnswersInZone(t *testing.T) {
	bus := transport.NewBus()
	fixed := time.Date(2024, time.March, 4, 12, 30, 0, 0, time.UTC)
	bus.HandleCommands(clockTarget, clockHandler(func() time.Time { return fixed }))

	result, err := bus.SendCommand(context.Background(), clockTarget, "tool_call", map[string]any{
		"name":      clockTool,
		"arguments": map[string]any{"zone": "UTC"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	raw, err := result.Field("result")
	if err != nil {
		t.Fatalf("expected a result field: %v", err)
	}
	toolResult, err := llms.ParseToolResult(raw)
	if err != nil {
		t.Fatalf("expected a valid tool result, got %s: %v", raw, err)
	}
	if toolResult.Type != llms.ToolResultLLMResult || toolResult.Content.Text != "Monday 12:30 UTC" {
		t.Fatalf("unexpected tool result %+v", toolResult)
	}

	if _, err := bus.SendCommand(context.Background(), clockTarget, "tool_call", map[string]any{"name": "other"}); err == nil {
		t.Fatalf("expected unknown tool to fail")
	}
}

func TestClockMetadataAdvertisesOptionalZone(t *testing.T) {
	tool := clockMetadata()
	if tool.Name != clockTool || len(tool.Parameters) != 1 {
		t.Fatalf("unexpected metadata %+v", tool)
	}
	if zone := tool.Parameters[0]; zone.Name != "zone" || zone.Required {
		t.Fatalf("unexpected zone parameter %+v", zone)
	}
}

func TestTranscriptLogMergesStreamedText(t *testing.T) {
	var log transcriptLog
	log.apply(maincontrol.Transcript{Role: "user", StreamID: 1, Text: "hel"})
	log.apply(maincontrol.Transcript{Role: "user", StreamID: 1, Text: "hello", IsFinal: true})
	log.apply(maincontrol.Transcript{Role: "assistant", StreamID: 100, DataType: maincontrol.TranscriptRaw, Text: `{"type":"reasoning","data":{"text":"hmm"}}`})
	log.apply(maincontrol.Transcript{Role: "assistant", StreamID: 100, Text: "Hi"})
	log.apply(maincontrol.Transcript{Role: "assistant", StreamID: 100, Text: "Hi there", IsFinal: true})
	log.apply(maincontrol.Transcript{Role: "user", StreamID: 1, Text: "again", IsFinal: true})

	expected := []entry{
		{role: "user", streamID: 1, text: "hello", final: true},
		{role: "assistant", streamID: 100, reasoning: true, text: "hmm"},
		{role: "assistant", streamID: 100, text: "Hi there", final: true},
		{role: "user", streamID: 1, text: "again", final: true},
	}
	if len(log.entries) != len(expected) {
		t.Fatalf("expected %+v, got %+v", expected, log.entries)
	}
	for i := range expected {
		if log.entries[i] != expected[i] {
			t.Fatalf("expected %+v at %d, got %+v", expected[i], i, log.entries[i])
		}
	}
}

type sinkStub struct {
	mu      sync.Mutex
	chunks  [][]byte
	stopped bool
}

func (s *sinkStub) SendAudio(audio []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chunks = append(s.chunks, append([]byte(nil), audio...))
	return nil
}

func (s *sinkStub) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	return nil
}

func TestStreamAudioSendsChunksAndStops(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audio.raw")
	if err := os.WriteFile(path, make([]byte, chunkSize+10), 0o600); err != nil {
		t.Fatalf("failed to write audio: %v", err)
	}

	sink := &sinkStub{}
	if err := streamAudio(context.Background(), sink, path); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(sink.chunks) != 2 || len(sink.chunks[0]) != chunkSize || len(sink.chunks[1]) != 10 {
		t.Fatalf("unexpected chunks %d", len(sink.chunks))
	}
	if !sink.stopped {
		t.Fatalf("expected the sink to be stopped at the end of the audio")
	}
}

func TestModelServiceSelectsProvider(t *testing.T) {
	testCases := []struct {
		name  string
		cfg   config.Config
		valid bool
	}{
		{name: "openai", cfg: config.Config{Session: config.SessionConfig{Provider: "openai"}, OpenAI: config.OpenAIConfig{APIKey: "k"}}, valid: true},
		{name: "default provider", cfg: config.Config{OpenAI: config.OpenAIConfig{APIKey: "k"}}, valid: true},
		{name: "groq", cfg: config.Config{Session: config.SessionConfig{Provider: "groq"}, Groq: config.GroqConfig{APIKey: "k"}}, valid: true},
		{name: "groq without key", cfg: config.Config{Session: config.SessionConfig{Provider: "groq"}, OpenAI: config.OpenAIConfig{APIKey: "k"}}},
		{name: "unknown provider", cfg: config.Config{Session: config.SessionConfig{Provider: "other"}}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			handler, err := modelService(&tc.cfg, slog.Default())
			if tc.valid && (err != nil || handler == nil) {
				t.Fatalf("expected a model service, got %v", err)
			}
			if !tc.valid && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}

func TestSpeechHandlerLogsWithoutDeepgramKey(t *testing.T) {
	handler, closeSpeech := speechHandler(&config.Config{}, nil, slog.Default())
	defer closeSpeech()

	data, err := transport.NewData("tts", maincontrol.DataTTSTextInput, maincontrol.TTSTextInput{Text: "Hello."})
	if err != nil {
		t.Fatalf("failed to build data: %v", err)
	}
	if err := handler(context.Background(), data); err != nil {
		t.Fatalf("expected text to be accepted, got %v", err)
	}
}
