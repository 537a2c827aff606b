// Package groq serves chat completion commands with the Groq (or any other
// OpenAI compatible) Chat Completions API.
package groq

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/koscakluka/ema-agent/core/llms"
	"github.com/koscakluka/ema-agent/core/transport"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const DefaultBaseURL = "https://api.groq.com/openai/v1"

type Service struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
	server     *llms.Server
}

type ServiceOption func(*Service)

func WithBaseURL(baseURL string) ServiceOption {
	return func(s *Service) {
		if baseURL != "" {
			s.baseURL = strings.TrimSuffix(baseURL, "/")
		}
	}
}

func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		if client != nil {
			s.httpClient = client
		}
	}
}

func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func NewService(apiKey string, opts ...ServiceOption) *Service {
	s := &Service{
		apiKey:  apiKey,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport,
			otelhttp.WithSpanNameFormatter(func(operationName string, request *http.Request) string {
				return operationName + " " + request.URL.Path
			}),
		)},
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.server = llms.NewServer(s.stream, s.logger)
	return s
}

func (s *Service) CommandHandler() transport.CommandHandler {
	return s.server.CommandHandler()
}

func (s *Service) InFlight() int {
	return s.server.InFlight()
}
