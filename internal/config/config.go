package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const (
	DefaultFile = "config.yaml"
	envPrefix   = "EMA_"
)

type Config struct {
	Session   SessionConfig   `koanf:"session"`
	OpenAI    OpenAIConfig    `koanf:"openai"`
	Groq      GroqConfig      `koanf:"groq"`
	Deepgram  DeepgramConfig  `koanf:"deepgram"`
	Audio     AudioConfig     `koanf:"audio"`
	Transport TransportConfig `koanf:"transport"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
	Log       LogConfig       `koanf:"log"`
}

type SessionConfig struct {
	// Provider selects the in process model service, "openai" or "groq".
	Provider        string         `koanf:"provider"`
	Greeting        string         `koanf:"greeting"`
	Model           string         `koanf:"model"`
	Parameters      map[string]any `koanf:"parameters"`
	LLMTarget       string         `koanf:"llm_target"`
	TTSTarget       string         `koanf:"tts_target"`
	CollectorTarget string         `koanf:"collector_target"`
}

type OpenAIConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

type GroqConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

type DeepgramConfig struct {
	APIKey string `koanf:"api_key"`
	Model  string `koanf:"model"`
	Voice  string `koanf:"voice"`
}

// AudioConfig enables the local speaker and microphone.
type AudioConfig struct {
	Enabled    bool `koanf:"enabled"`
	SampleRate int  `koanf:"sample_rate"`
}

// TransportConfig points the session at a remote graph. With an empty URL
// everything runs in process.
type TransportConfig struct {
	WebsocketURL string `koanf:"websocket_url"`
	ListenAddr   string `koanf:"listen_addr"`
}

type TelemetryConfig struct {
	Enabled   bool   `koanf:"enabled"`
	TraceFile string `koanf:"trace_file"`
}

type LogConfig struct {
	File  string `koanf:"file"`
	Level string `koanf:"level"`
}

var defaults = map[string]any{
	"session.provider":         "openai",
	"session.greeting":         "Agent connected, how can I help you today?",
	"session.model":            "qwen-max",
	"session.parameters":       map[string]any{"temperature": 0.7},
	"session.llm_target":       "llm",
	"session.tts_target":       "tts",
	"session.collector_target": "message_collector",
	"openai.base_url":          "https://api.openai.com/v1",
	"groq.base_url":            "https://api.groq.com/openai/v1",
	"deepgram.model":           "nova-3",
	"deepgram.voice":           "aura-2-thalia-en",
	"audio.sample_rate":        16000,
	"telemetry.trace_file":     "traces.json",
	"log.file":                 "ema-agent.log",
	"log.level":                "info",
}

// Load reads the configuration from path (DefaultFile when empty), a .env
// file and EMA_ prefixed environment variables, in increasing priority.
// Nested keys are separated by a double underscore, e.g.
// EMA_OPENAI__API_KEY sets openai.api_key. Missing files are skipped.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	k := koanf.New(".")

	if path == "" {
		path = DefaultFile
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if cfg.OpenAI.APIKey == "" {
		cfg.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Groq.APIKey == "" {
		cfg.Groq.APIKey = os.Getenv("GROQ_API_KEY")
	}
	if cfg.Deepgram.APIKey == "" {
		cfg.Deepgram.APIKey = os.Getenv("DEEPGRAM_API_KEY")
	}
	return &cfg, nil
}
