// Package deepgram turns a Deepgram live transcription stream into
// recognition results.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	api "github.com/deepgram/deepgram-go-sdk/pkg/api/listen/v1/websocket/interfaces"
	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-agent/core/events"
)

const (
	DefaultURL      = "wss://api.deepgram.com/v1/listen"
	DefaultModel    = "nova-3"
	DefaultLanguage = "en-US"
)

var ErrNotStarted = errors.New("recognizer is not started")

// ResultFunc receives every recognition result, interim and final.
type ResultFunc func(ctx context.Context, result events.RecognitionResult)

// Recognizer streams audio to Deepgram and reports what was recognized.
//
// Interim results carry the utterance recognized so far; a final result is
// reported once per utterance, when Deepgram detects the end of speech.
type Recognizer struct {
	apiKey    string
	url       string
	model     string
	language  string
	encoding  encodingInfo
	sessionID string
	onResult  ResultFunc
	logger    *slog.Logger
	dialer    *websocket.Dialer

	connMu sync.Mutex
	conn   *websocket.Conn

	mu                    sync.Mutex
	accumulatedTranscript string
	unendedSegment        bool
}

type RecognizerOption func(*Recognizer)

func WithURL(listenURL string) RecognizerOption {
	return func(r *Recognizer) {
		r.url = listenURL
	}
}

func WithModel(model string) RecognizerOption {
	return func(r *Recognizer) {
		if model != "" {
			r.model = model
		}
	}
}

func WithLanguage(language string) RecognizerOption {
	return func(r *Recognizer) {
		if language != "" {
			r.language = language
		}
	}
}

// WithEncoding sets the format of the audio passed to SendAudio.
func WithEncoding(format string, sampleRate int) RecognizerOption {
	return func(r *Recognizer) {
		r.encoding = encodingInfo{Format: encodingFormat(format), SampleRate: sampleRate}
	}
}

// WithSessionID tags results with a session id, used by the session to route
// transcripts to the right stream.
func WithSessionID(sessionID string) RecognizerOption {
	return func(r *Recognizer) {
		r.sessionID = sessionID
	}
}

func WithLogger(l *slog.Logger) RecognizerOption {
	return func(r *Recognizer) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRecognizer(apiKey string, onResult ResultFunc, opts ...RecognizerOption) *Recognizer {
	r := &Recognizer{
		apiKey:   apiKey,
		url:      DefaultURL,
		model:    DefaultModel,
		language: DefaultLanguage,
		encoding: encodingInfo{Format: encodingLinear16, SampleRate: 16000},
		onResult: onResult,
		logger:   logger,
		dialer:   websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start opens the listen connection and processes its messages until ctx is
// done or the connection closes.
func (r *Recognizer) Start(ctx context.Context) error {
	if err := r.encoding.validate(); err != nil {
		return fmt.Errorf("invalid encoding: %w", err)
	}

	listenURL, err := r.listenURL()
	if err != nil {
		return err
	}
	conn, _, err := r.dialer.DialContext(ctx, listenURL, http.Header{"Authorization": {"Token " + r.apiKey}})
	if err != nil {
		return fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}

	r.connMu.Lock()
	r.conn = conn
	r.connMu.Unlock()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()
	go r.readAndProcessMessages(ctx, conn)
	return nil
}

func (r *Recognizer) listenURL() (string, error) {
	listenURL, err := url.Parse(r.url)
	if err != nil {
		return "", fmt.Errorf("invalid listen url: %w", err)
	}
	queryParams := listenURL.Query()
	queryParams.Set("encoding", r.encoding.Format.Name())
	queryParams.Set("sample_rate", strconv.Itoa(r.encoding.SampleRate))
	queryParams.Set("channels", "1")
	queryParams.Set("model", r.model)
	queryParams.Set("language", r.language)
	queryParams.Set("smart_format", "true")
	queryParams.Set("interim_results", "true")
	queryParams.Set("utterance_end_ms", "1000")
	queryParams.Set("endpointing", "300")
	queryParams.Set("vad_events", "true")
	listenURL.RawQuery = queryParams.Encode()
	return listenURL.String(), nil
}

// SendAudio streams an audio chunk in the configured encoding.
func (r *Recognizer) SendAudio(audio []byte) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn == nil {
		return ErrNotStarted
	}
	if err := r.conn.WriteMessage(websocket.BinaryMessage, audio); err != nil {
		return fmt.Errorf("failed to write to deepgram client: %w", err)
	}
	return nil
}

// KeepAlive stops Deepgram from closing an idle connection.
func (r *Recognizer) KeepAlive() error {
	return r.writeControl("KeepAlive")
}

// Stop asks Deepgram to flush pending results and close the stream.
func (r *Recognizer) Stop() error {
	if err := r.writeControl(string(api.TypeCloseStreamResponse)); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}
	return nil
}

func (r *Recognizer) writeControl(kind string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if r.conn == nil {
		return ErrNotStarted
	}
	if err := r.conn.WriteJSON(struct {
		Type string `json:"type"`
	}{Type: kind}); err != nil {
		return fmt.Errorf("failed to send %s to deepgram: %w", kind, err)
	}
	return nil
}

func (r *Recognizer) readAndProcessMessages(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		r.connMu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.connMu.Unlock()
		conn.Close()
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				r.logger.Error("failed to read deepgram websocket message", "error", err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			r.processMessage(ctx, msg)
		}
	}
}

func (r *Recognizer) processMessage(ctx context.Context, msg []byte) {
	var parsedMsg struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(msg, &parsedMsg); err != nil {
		r.logger.Warn("failed to unmarshal deepgram message", "error", err)
		return
	}

	switch api.TypeResponse(parsedMsg.Type) {
	case api.TypeMessageResponse:
		var msgResp api.MessageResponse
		if err := json.Unmarshal(msg, &msgResp); err != nil {
			r.logger.Warn("failed to unmarshal deepgram results", "error", err)
			return
		}
		r.onResults(ctx, msgResp)

	case api.TypeUtteranceEndResponse:
		r.mu.Lock()
		unended := r.unendedSegment
		r.mu.Unlock()
		if unended {
			r.onSpeechEnded(ctx, nil)
		}

	case api.TypeSpeechStartedResponse:
		r.mu.Lock()
		r.unendedSegment = true
		r.mu.Unlock()

	default:
		r.logger.Debug("ignoring deepgram message", "type", parsedMsg.Type)
	}
}

func (r *Recognizer) onResults(ctx context.Context, msgResp api.MessageResponse) {
	transcript := ""
	confidence := 0.0
	if len(msgResp.Channel.Alternatives) > 0 {
		transcript = strings.TrimSpace(msgResp.Channel.Alternatives[0].Transcript)
		confidence = msgResp.Channel.Alternatives[0].Confidence
	}
	metadata := r.metadata(msgResp.Metadata.RequestID)
	metadata["start"] = msgResp.Start
	metadata["duration"] = msgResp.Duration
	metadata["confidence"] = confidence

	r.mu.Lock()
	if msgResp.IsFinal {
		if transcript != "" {
			r.accumulatedTranscript = strings.TrimSpace(r.accumulatedTranscript + " " + transcript)
			r.unendedSegment = true
		}
		r.mu.Unlock()
		if msgResp.SpeechFinal {
			r.onSpeechEnded(ctx, metadata)
		}
		return
	}
	interim := strings.TrimSpace(r.accumulatedTranscript + " " + transcript)
	r.mu.Unlock()

	if transcript != "" {
		r.emit(ctx, events.NewRecognitionResult(interim, false, metadata))
	}
}

func (r *Recognizer) onSpeechEnded(ctx context.Context, metadata map[string]any) {
	r.mu.Lock()
	fullTranscript := strings.TrimSpace(r.accumulatedTranscript)
	r.accumulatedTranscript = ""
	r.unendedSegment = false
	r.mu.Unlock()

	if fullTranscript == "" {
		return
	}
	if metadata == nil {
		metadata = r.metadata("")
	}
	r.emit(ctx, events.NewRecognitionResult(fullTranscript, true, metadata))
}

func (r *Recognizer) metadata(requestID string) map[string]any {
	metadata := map[string]any{}
	if r.sessionID != "" {
		metadata["session_id"] = r.sessionID
	}
	if requestID != "" {
		metadata["request_id"] = requestID
	}
	return metadata
}

func (r *Recognizer) emit(ctx context.Context, result events.RecognitionResult) {
	if r.onResult != nil {
		r.onResult(ctx, result)
	}
}
