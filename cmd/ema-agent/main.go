package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	orchestration "github.com/koscakluka/ema-agent/core"
	"github.com/koscakluka/ema-agent/core/audio/miniaudio"
	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/llms/groq"
	"github.com/koscakluka/ema-agent/core/llms/openai"
	"github.com/koscakluka/ema-agent/core/maincontrol"
	"github.com/koscakluka/ema-agent/core/speechtotext/deepgram"
	"github.com/koscakluka/ema-agent/core/transport"
	"github.com/koscakluka/ema-agent/core/transport/websocket"
	"github.com/koscakluka/ema-agent/internal/config"
	"github.com/koscakluka/ema-agent/internal/telemetry"
)

const mainControlTarget = "main_control"

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	audioPath := flag.String("audio", "", "raw linear16 mono audio to transcribe with Deepgram instead of the microphone")
	flag.Parse()

	if err := run(*configPath, *audioPath); err != nil {
		fmt.Fprintf(os.Stderr, "ema-agent: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, audioPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logFile, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewTextHandler(logFile, &slog.HandlerOptions{Level: logLevel(cfg.Log.Level)}))

	if cfg.Telemetry.Enabled {
		traceFile, err := os.OpenFile(cfg.Telemetry.TraceFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open trace file: %w", err)
		}
		defer traceFile.Close()
		shutdown, err := telemetry.InitTracer("ema-agent", traceFile, logger)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(ctx); err != nil {
				logger.Error("failed to flush traces", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	var device *miniaudio.Client
	if cfg.Audio.Enabled {
		if device, err = miniaudio.NewClient(cfg.Audio.SampleRate); err != nil {
			return err
		}
		defer device.Close()
	}

	bus := transport.NewBus()
	if cfg.Transport.WebsocketURL != "" {
		remote, err := websocket.Dial(ctx, cfg.Transport.WebsocketURL, nil)
		if err != nil {
			return err
		}
		defer remote.Close()
		bus.HandleCommands(cfg.Session.LLMTarget, transport.Forward(remote))
		bus.HandleData(cfg.Session.TTSTarget, transport.ForwardData(remote))
		logger.Info("using remote graph", "url", cfg.Transport.WebsocketURL)
	} else {
		handler, err := modelService(cfg, logger)
		if err != nil {
			return err
		}
		bus.HandleCommands(cfg.Session.LLMTarget, handler)

		var out speaker
		if device != nil {
			out = device
		}
		speech, closeSpeech := speechHandler(cfg, out, logger)
		defer closeSpeech()
		bus.HandleData(cfg.Session.TTSTarget, speech)
	}
	bus.HandleCommands(clockTarget, clockHandler(time.Now))

	session := orchestration.NewSession(bus,
		orchestration.WithLogger(logger),
		orchestration.WithBaseContext(ctx),
		orchestration.WithModel(cfg.Session.Model),
		orchestration.WithModelParameters(cfg.Session.Parameters),
		orchestration.WithModelTarget(cfg.Session.LLMTarget),
	)
	defer session.Stop(context.Background())

	maincontrol.New(session,
		maincontrol.WithGreeting(cfg.Session.Greeting),
		maincontrol.WithTTSTarget(cfg.Session.TTSTarget),
		maincontrol.WithCollectorTarget(cfg.Session.CollectorTarget),
		maincontrol.WithLogger(logger),
	)
	bus.HandleCommands(mainControlTarget, session.CommandHandler())
	bus.HandleData(mainControlTarget, session.DataHandler())
	session.RegisterTool(ctx, clockMetadata(), clockTarget)

	if cfg.Transport.ListenAddr != "" {
		server := &http.Server{Addr: cfg.Transport.ListenAddr, Handler: websocket.NewHandler(bus)}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("graph server stopped", "error", err)
			}
		}()
		defer server.Shutdown(context.Background())
		logger.Info("serving graph", "addr", cfg.Transport.ListenAddr)
	}

	program := tea.NewProgram(newModel(ctx, session), tea.WithAltScreen(), tea.WithContext(ctx))
	bus.HandleData(cfg.Session.CollectorTarget, func(_ context.Context, data transport.Data) error {
		var transcript maincontrol.Transcript
		if err := data.Decode(&transcript); err != nil {
			return fmt.Errorf("invalid transcript: %w", err)
		}
		program.Send(transcriptMsg(transcript))
		return nil
	})
	session.On(events.KindTurnAborted, orchestration.Typed(func(_ context.Context, event events.TurnAborted) error {
		program.Send(statusMsg("turn aborted: " + event.Reason))
		return nil
	}))

	if audioPath != "" || device != nil {
		if cfg.Deepgram.APIKey == "" {
			return errors.New("transcribing audio needs deepgram.api_key")
		}
		recognizer := deepgram.NewRecognizer(cfg.Deepgram.APIKey,
			func(_ context.Context, result events.RecognitionResult) {
				session.OnRecognitionResult(result)
			},
			deepgram.WithModel(cfg.Deepgram.Model),
			deepgram.WithEncoding(miniaudio.Format, cfg.Audio.SampleRate),
			deepgram.WithSessionID(typedSessionID),
			deepgram.WithLogger(logger),
		)
		if err := recognizer.Start(ctx); err != nil {
			return err
		}

		if audioPath != "" {
			go func() {
				if err := streamAudio(ctx, recognizer, audioPath); err != nil {
					logger.Error("audio streaming stopped", "error", err)
				}
			}()
		} else {
			err := device.StartCapture(ctx, func(audio []byte) {
				if err := recognizer.SendAudio(audio); err != nil {
					logger.Debug("dropping microphone audio", "error", err)
				}
			})
			if err != nil {
				return err
			}
			defer device.StopCapture()
		}
	}

	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return err
	}
	return nil
}

func logLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// modelService builds the in process model service selected by
// session.provider.
func modelService(cfg *config.Config, logger *slog.Logger) (transport.CommandHandler, error) {
	switch cfg.Session.Provider {
	case "", "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, errors.New("no model service: set openai.api_key or transport.websocket_url")
		}
		return openai.NewService(cfg.OpenAI.APIKey, openai.WithBaseURL(cfg.OpenAI.BaseURL), openai.WithLogger(logger)).CommandHandler(), nil
	case "groq":
		if cfg.Groq.APIKey == "" {
			return nil, errors.New("no model service: set groq.api_key or transport.websocket_url")
		}
		return groq.NewService(cfg.Groq.APIKey, groq.WithBaseURL(cfg.Groq.BaseURL), groq.WithLogger(logger)).CommandHandler(), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Session.Provider)
	}
}
