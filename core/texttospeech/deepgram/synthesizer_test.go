package deepgram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-agent/core/maincontrol"
	"github.com/koscakluka/ema-agent/core/transport"
)

type speechRecorder struct {
	mu      sync.Mutex
	audio   [][]byte
	spoken  []string
	cleared int
}

func (r *speechRecorder) onAudio(_ context.Context, audio []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, audio)
}

func (r *speechRecorder) onSpoken(_ context.Context, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.spoken = append(r.spoken, text)
}

func (r *speechRecorder) onClear(context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cleared++
}

func (r *speechRecorder) snapshot() (audio int, spoken []string, cleared int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.audio), append([]string(nil), r.spoken...), r.cleared
}

func waitFor(t *testing.T, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !condition() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for condition")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// newSpeakServer answers every Flush with a chunk of audio and a Flushed
// message and records the control messages it receives.
func newSpeakServer(t *testing.T) (string, func() []string, func() (string, string)) {
	t.Helper()
	var mu sync.Mutex
	var received []string
	var query, auth string
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		query, auth = r.URL.RawQuery, r.Header.Get("Authorization")
		mu.Unlock()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var parsed struct {
				Type string `json:"type"`
				Text string `json:"text"`
			}
			if err := json.Unmarshal(msg, &parsed); err != nil {
				t.Errorf("unexpected message %s", msg)
				return
			}
			mu.Lock()
			received = append(received, strings.TrimSpace(parsed.Type+" "+parsed.Text))
			mu.Unlock()

			switch parsed.Type {
			case "Flush":
				conn.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3, 4})
				conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"Flushed","sequence_id":0}`))
			case "Close":
				conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(server.Close)

	messages := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), received...)
	}
	connection := func() (string, string) {
		mu.Lock()
		defer mu.Unlock()
		return query, auth
	}
	return "ws" + strings.TrimPrefix(server.URL, "http"), messages, connection
}

func TestSynthesizerSpeaksSegments(t *testing.T) {
	url, messages, connection := newSpeakServer(t)
	recorder := &speechRecorder{}
	synthesizer := NewSynthesizer("secret", recorder.onAudio,
		WithURL(url),
		WithVoice("aura-2-zeus-en"),
		WithSpokenCallback(recorder.onSpoken),
	)
	defer synthesizer.Close()

	bus := transport.NewBus()
	bus.HandleData("tts", synthesizer.DataHandler())
	ctx := context.Background()
	for _, input := range []maincontrol.TTSTextInput{
		{RequestID: "tts-request-1", Text: "Hello there. "},
		{RequestID: "tts-request-1", Text: "How are you?", TextInputEnd: true},
	} {
		if err := bus.SendData(ctx, "tts", maincontrol.DataTTSTextInput, input); err != nil {
			t.Fatalf("failed to send text: %v", err)
		}
	}

	waitFor(t, func() bool {
		_, spoken, _ := recorder.snapshot()
		return len(spoken) == 1
	})
	audio, spoken, _ := recorder.snapshot()
	if audio != 1 || spoken[0] != "Hello there. How are you?" {
		t.Fatalf("unexpected speech: %d audio chunks, spoken %q", audio, spoken)
	}

	expected := []string{"Speak Hello there.", "Speak How are you?", "Flush"}
	got := messages()
	if len(got) != len(expected) {
		t.Fatalf("expected messages %q, got %q", expected, got)
	}
	for i := range expected {
		if got[i] != expected[i] {
			t.Fatalf("expected messages %q, got %q", expected, got)
		}
	}

	query, auth := connection()
	if auth != "Token secret" || !strings.Contains(query, "model=aura-2-zeus-en") || !strings.Contains(query, "sample_rate=16000") {
		t.Fatalf("unexpected connection auth %q query %q", auth, query)
	}
}

func TestSynthesizerClearsOnFlush(t *testing.T) {
	url, messages, _ := newSpeakServer(t)
	recorder := &speechRecorder{}
	synthesizer := NewSynthesizer("secret", recorder.onAudio, WithURL(url), WithClearCallback(recorder.onClear))
	defer synthesizer.Close()

	handler := synthesizer.DataHandler()
	ctx := context.Background()
	if err := handler(ctx, mustData(t, maincontrol.DataTTSFlush, maincontrol.TTSFlush{FlushID: "1"})); err != nil {
		t.Fatalf("flush without a connection should not fail: %v", err)
	}
	if err := handler(ctx, mustData(t, maincontrol.DataTTSTextInput, maincontrol.TTSTextInput{Text: "Long answer"})); err != nil {
		t.Fatalf("failed to send text: %v", err)
	}
	if err := handler(ctx, mustData(t, maincontrol.DataTTSFlush, maincontrol.TTSFlush{FlushID: "2"})); err != nil {
		t.Fatalf("failed to flush: %v", err)
	}

	waitFor(t, func() bool { return len(messages()) == 2 })
	if got := messages(); got[0] != "Speak Long answer" || got[1] != "Clear" {
		t.Fatalf("unexpected messages %q", got)
	}
	if _, _, cleared := recorder.snapshot(); cleared != 2 {
		t.Fatalf("expected playback to be cleared on every flush, got %d", cleared)
	}
}

func TestSynthesizerRejectsUseAfterClose(t *testing.T) {
	synthesizer := NewSynthesizer("secret", nil)
	if err := synthesizer.Close(); err != nil {
		t.Fatalf("unexpected close error: %v", err)
	}
	err := synthesizer.DataHandler()(context.Background(), mustData(t, maincontrol.DataTTSTextInput, maincontrol.TTSTextInput{Text: "hi"}))
	if err == nil {
		t.Fatalf("expected text after close to fail")
	}
}

func mustData(t *testing.T, name string, payload any) transport.Data {
	t.Helper()
	data, err := transport.NewData("tts", name, payload)
	if err != nil {
		t.Fatalf("failed to build data: %v", err)
	}
	return data
}
