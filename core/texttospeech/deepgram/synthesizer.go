// Package deepgram speaks the text sent to a speech synthesis target with the
// Deepgram streaming text to speech API.
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
	"sync"

	"github.com/gorilla/websocket"
	"github.com/koscakluka/ema-agent/core/maincontrol"
	"github.com/koscakluka/ema-agent/core/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultURL        = "wss://api.deepgram.com/v1/speak"
	DefaultVoice      = "aura-2-thalia-en"
	DefaultEncoding   = "linear16"
	DefaultSampleRate = 16000
)

var ErrClosed = errors.New("synthesizer closed")

type AudioFunc func(ctx context.Context, audio []byte)

// SpokenFunc is called with the text of a flushed segment once all of its
// audio has been received.
type SpokenFunc func(ctx context.Context, text string)

type Synthesizer struct {
	apiKey     string
	url        string
	voice      string
	encoding   string
	sampleRate int
	logger     *slog.Logger

	onAudio  AudioFunc
	onSpoken SpokenFunc
	onClear  func(ctx context.Context)

	mu      sync.Mutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	// segments holds the text of flushed segments awaiting a Flushed
	// confirmation, followed by the segment currently being written.
	segments []string
	closed   bool
}

type SynthesizerOption func(*Synthesizer)

func WithURL(u string) SynthesizerOption {
	return func(s *Synthesizer) {
		if u != "" {
			s.url = u
		}
	}
}

func WithVoice(voice string) SynthesizerOption {
	return func(s *Synthesizer) {
		if voice != "" {
			s.voice = voice
		}
	}
}

func WithEncoding(encoding string, sampleRate int) SynthesizerOption {
	return func(s *Synthesizer) {
		if encoding != "" && sampleRate > 0 {
			s.encoding, s.sampleRate = encoding, sampleRate
		}
	}
}

func WithSpokenCallback(callback SpokenFunc) SynthesizerOption {
	return func(s *Synthesizer) { s.onSpoken = callback }
}

// WithClearCallback sets the callback invoked when pending speech is
// discarded, e.g. to stop playback of already received audio.
func WithClearCallback(callback func(ctx context.Context)) SynthesizerOption {
	return func(s *Synthesizer) { s.onClear = callback }
}

func WithLogger(l *slog.Logger) SynthesizerOption {
	return func(s *Synthesizer) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewSynthesizer(apiKey string, onAudio AudioFunc, opts ...SynthesizerOption) *Synthesizer {
	s := &Synthesizer{
		apiKey:     apiKey,
		url:        DefaultURL,
		voice:      DefaultVoice,
		encoding:   DefaultEncoding,
		sampleRate: DefaultSampleRate,
		logger:     logger,
		onAudio:    onAudio,
		onSpoken:   func(context.Context, string) {},
		onClear:    func(context.Context) {},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DataHandler returns the handler for tts_text_input and tts_flush data.
func (s *Synthesizer) DataHandler() transport.DataHandler {
	return func(ctx context.Context, data transport.Data) error {
		ctx, span := tracer.Start(ctx, "synthesize speech", trace.WithAttributes(attribute.String("data.name", data.Name)))
		defer span.End()

		var err error
		switch data.Name {
		case maincontrol.DataTTSTextInput:
			var input maincontrol.TTSTextInput
			if err = data.Decode(&input); err != nil {
				err = fmt.Errorf("invalid text input: %w", err)
				break
			}
			span.SetAttributes(attribute.String("request.id", input.RequestID))
			err = s.speak(ctx, input.Text, input.TextInputEnd)
		case maincontrol.DataTTSFlush:
			err = s.clear(ctx)
		default:
			s.logger.Debug("ignoring data", "name", data.Name)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}
}

func (s *Synthesizer) speak(ctx context.Context, text string, end bool) error {
	conn, err := s.connection(ctx)
	if err != nil {
		return err
	}

	if text != "" {
		if err := s.write(conn, speakMessage{Type: "Speak", Text: text}); err != nil {
			return err
		}
		s.mu.Lock()
		if len(s.segments) == 0 {
			s.segments = append(s.segments, "")
		}
		s.segments[len(s.segments)-1] += text
		s.mu.Unlock()
	}
	if !end {
		return nil
	}

	s.mu.Lock()
	if len(s.segments) == 0 || s.segments[len(s.segments)-1] == "" {
		s.mu.Unlock()
		return nil
	}
	// The next Speak starts a new segment.
	s.segments = append(s.segments, "")
	s.mu.Unlock()
	return s.write(conn, controlMessage{Type: "Flush"})
}

func (s *Synthesizer) clear(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.segments = nil
	s.mu.Unlock()

	s.onClear(ctx)
	if conn == nil {
		return nil
	}
	s.logger.Info("clearing speech")
	return s.write(conn, controlMessage{Type: "Clear"})
}

// Close asks the server to finish and closes the connection. The
// synthesizer cannot be used afterwards.
func (s *Synthesizer) Close() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closed = true
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	if err := s.write(conn, controlMessage{Type: "Close"}); err != nil {
		return errors.Join(err, conn.Close())
	}
	return nil
}

func (s *Synthesizer) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.conn != nil {
		return s.conn, nil
	}

	u, err := url.Parse(s.url)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	query := u.Query()
	query.Set("model", s.voice)
	query.Set("encoding", s.encoding)
	query.Set("sample_rate", strconv.Itoa(s.sampleRate))
	query.Set("container", "none")
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), http.Header{"Authorization": {"Token " + s.apiKey}})
	if err != nil {
		return nil, fmt.Errorf("failed to open socket connection to deepgram: %w", err)
	}
	s.conn = conn
	s.segments = nil
	go s.readMessages(context.WithoutCancel(ctx), conn)
	return conn, nil
}

func (s *Synthesizer) readMessages(ctx context.Context, conn *websocket.Conn) {
	defer func() {
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
		conn.Close()
	}()

	for {
		msgType, msg, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.logger.Warn("speech connection closed", "error", err)
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			if len(msg) > 0 && s.onAudio != nil {
				s.onAudio(ctx, msg)
			}
			continue
		}

		var parsed struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		}
		if err := json.Unmarshal(msg, &parsed); err != nil {
			s.logger.Debug("failed to unmarshal deepgram message", "error", err)
			continue
		}
		switch parsed.Type {
		case "Flushed":
			s.mu.Lock()
			var spoken string
			ok := len(s.segments) > 0
			if ok {
				spoken, s.segments = s.segments[0], s.segments[1:]
			}
			s.mu.Unlock()
			if ok {
				s.onSpoken(ctx, spoken)
			}
		case "Cleared":
			s.logger.Debug("speech cleared")
		case "Warning", "Error":
			s.logger.Warn("deepgram speech message", "type", parsed.Type, "description", parsed.Description)
		default:
			s.logger.Debug("ignoring deepgram message", "type", parsed.Type)
		}
	}
}

type speakMessage struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type controlMessage struct {
	Type string `json:"type"`
}

func (s *Synthesizer) write(conn *websocket.Conn, msg any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("failed to write to websocket: %w", err)
	}
	return nil
}
