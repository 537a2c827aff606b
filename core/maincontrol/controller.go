// Package maincontrol is the default behaviour of a voice assistant session:
// it greets users, interrupts the assistant when the user speaks, feeds final
// transcripts to the model and streams the answer to speech synthesis
// sentence by sentence while mirroring everything to a message collector.
package maincontrol

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	orchestration "github.com/koscakluka/ema-agent/core"
	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/sentences"
	"github.com/koscakluka/ema-agent/core/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// interruptLength is the transcript length, in runes, past which an interim
// transcript interrupts the assistant.
const interruptLength = 2

type Controller struct {
	session *orchestration.Session
	client  transport.Client
	logger  *slog.Logger

	greeting        string
	ttsTarget       string
	collectorTarget string
	rtcTarget       string

	mu          sync.Mutex
	joinedUsers int
	sessionID   string
	turnID      int
	splitter    sentences.Splitter
}

// New creates a controller and registers its handlers on session.
func New(session *orchestration.Session, opts ...ControllerOption) *Controller {
	c := &Controller{
		session:         session,
		client:          session.Client(),
		logger:          logger,
		greeting:        DefaultGreeting,
		ttsTarget:       DefaultTTSTarget,
		collectorTarget: DefaultCollectorTarget,
		rtcTarget:       DefaultRTCTarget,
		sessionID:       defaultSessionID,
	}
	for _, opt := range opts {
		opt(c)
	}

	session.On(events.KindUserJoined, orchestration.Typed(c.onUserJoined))
	session.On(events.KindUserLeft, orchestration.Typed(c.onUserLeft))
	session.On(events.KindRecognitionResult, orchestration.Typed(c.onRecognitionResult))
	session.On(events.KindModelResponse, orchestration.Typed(c.onModelResponse))
	session.On(events.KindTurnAborted, orchestration.Typed(c.onTurnAborted))
	return c
}

// JoinedUsers returns the number of users currently in the session.
func (c *Controller) JoinedUsers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joinedUsers
}

func (c *Controller) onUserJoined(ctx context.Context, _ events.UserJoined) error {
	c.mu.Lock()
	c.joinedUsers++
	first := c.joinedUsers == 1
	c.mu.Unlock()

	if !first || c.greeting == "" {
		return nil
	}
	return errors.Join(
		c.sendToTTS(ctx, c.greeting, true),
		c.sendTranscript(ctx, "assistant", c.greeting, true, assistantStreamID, TranscriptTranscribe),
	)
}

func (c *Controller) onUserLeft(_ context.Context, _ events.UserLeft) error {
	c.mu.Lock()
	if c.joinedUsers > 0 {
		c.joinedUsers--
	}
	remaining := c.joinedUsers
	c.mu.Unlock()

	c.logger.Info("user left", "remaining", remaining)
	return nil
}

func (c *Controller) onRecognitionResult(ctx context.Context, event events.RecognitionResult) error {
	ctx, span := tracer.Start(ctx, "handle recognition result", trace.WithAttributes(
		attribute.Bool("recognition.final", event.IsFinal),
	))
	defer span.End()

	sessionID := defaultSessionID
	if value, ok := event.Metadata["session_id"]; ok && value != nil {
		sessionID = fmt.Sprint(value)
	}
	streamID, err := strconv.Atoi(sessionID)
	if err != nil {
		streamID = 0
	}
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()

	if event.Text == "" {
		return nil
	}

	if event.IsFinal || utf8.RuneCountInString(event.Text) > interruptLength {
		c.interrupt(ctx)
	}

	if event.IsFinal {
		c.mu.Lock()
		c.turnID++
		c.mu.Unlock()
		if err := c.session.SubmitInput(event.Text); err != nil {
			return fmt.Errorf("failed to submit transcript: %w", err)
		}
	}

	return c.sendTranscript(ctx, "user", event.Text, event.IsFinal, streamID, TranscriptTranscribe)
}

func (c *Controller) onModelResponse(ctx context.Context, event events.ModelResponse) error {
	var errs []error
	if event.Channel == events.ChannelMessage {
		c.mu.Lock()
		var pending []string
		if event.IsFinal {
			if strings.TrimSpace(c.splitter.Fragment()) != "" {
				pending = []string{c.splitter.Fragment()}
			}
			c.splitter.Reset()
		} else {
			pending = c.splitter.Feed(event.Delta)
		}
		c.mu.Unlock()

		for i, sentence := range pending {
			end := event.IsFinal && i == len(pending)-1
			errs = append(errs, c.sendToTTS(ctx, sentence, end))
		}
	}

	dataType := TranscriptTranscribe
	if event.Channel == events.ChannelReasoning {
		dataType = TranscriptRaw
	}
	errs = append(errs, c.sendTranscript(ctx, "assistant", event.Text, event.IsFinal, assistantStreamID, dataType))
	return errors.Join(errs...)
}

func (c *Controller) onTurnAborted(_ context.Context, event events.TurnAborted) error {
	c.mu.Lock()
	c.splitter.Reset()
	c.mu.Unlock()

	c.logger.Warn("assistant turn aborted", "request_id", event.RequestID, "reason", event.Reason)
	return nil
}

// interrupt stops the assistant: the current turn is flushed, synthesis
// drops queued text and the RTC component drops buffered audio.
func (c *Controller) interrupt(ctx context.Context) {
	c.mu.Lock()
	c.splitter.Reset()
	c.mu.Unlock()

	c.session.Flush(ctx)

	flush := TTSFlush{FlushID: strconv.FormatInt(time.Now().UnixMilli(), 10)}
	if err := c.client.SendData(ctx, c.ttsTarget, DataTTSFlush, flush); err != nil {
		c.logger.Warn("failed to flush speech synthesis", "error", err)
	}
	if c.rtcTarget != "" {
		if _, err := c.client.SendCommand(ctx, c.rtcTarget, CommandFlush, nil); err != nil {
			if errors.Is(err, transport.ErrUnknownTarget) {
				c.logger.Debug("no rtc component to flush", "target", c.rtcTarget)
			} else {
				c.logger.Warn("failed to flush rtc", "error", err)
			}
		}
	}
	c.logger.Info("assistant interrupted")
}

func (c *Controller) turnContext() TurnContext {
	c.mu.Lock()
	defer c.mu.Unlock()
	return TurnContext{SessionID: c.sessionID, TurnID: c.turnID}
}

func (c *Controller) sendToTTS(ctx context.Context, text string, final bool) error {
	turn := c.turnContext()
	input := TTSTextInput{
		RequestID:    fmt.Sprintf("tts-request-%d", turn.TurnID),
		Text:         text,
		TextInputEnd: final,
		Metadata:     turn,
	}
	if err := c.client.SendData(ctx, c.ttsTarget, DataTTSTextInput, input); err != nil {
		return fmt.Errorf("failed to send text to speech synthesis: %w", err)
	}
	return nil
}

func (c *Controller) sendTranscript(ctx context.Context, role, text string, final bool, streamID int, dataType TranscriptDataType) error {
	if dataType == TranscriptRaw {
		encoded, err := json.Marshal(ReasoningMessage{Type: "reasoning", Data: ReasoningData{Text: text}})
		if err != nil {
			return fmt.Errorf("failed to encode reasoning transcript: %w", err)
		}
		text = string(encoded)
	}

	transcript := Transcript{
		DataType:  dataType,
		Role:      role,
		Text:      text,
		Timestamp: time.Now().UnixMilli(),
		IsFinal:   final,
		StreamID:  streamID,
	}
	if err := c.client.SendData(ctx, c.collectorTarget, DataMessage, transcript); err != nil {
		return fmt.Errorf("failed to send transcript: %w", err)
	}
	return nil
}
