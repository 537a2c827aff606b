package orchestration

import (
	"context"
	"log/slog"

	"github.com/koscakluka/ema-agent/core/turns"
)

type SessionOption func(*Session)

// WithLogger replaces the default OpenTelemetry backed logger of the session
// and its turn engine.
func WithLogger(l *slog.Logger) SessionOption {
	return func(s *Session) {
		s.customLogger = l
	}
}

// WithBaseContext sets the context all turns and event deliveries derive
// from. Cancelling it cancels the session's work.
func WithBaseContext(ctx context.Context) SessionOption {
	return func(s *Session) {
		if ctx != nil {
			s.baseContext = ctx
		}
	}
}

func WithModel(model string) SessionOption {
	return func(s *Session) {
		s.engineOptions = append(s.engineOptions, turns.WithModel(model))
	}
}

func WithModelParameters(parameters map[string]any) SessionOption {
	return func(s *Session) {
		s.engineOptions = append(s.engineOptions, turns.WithParameters(parameters))
	}
}

// WithModelTarget names the component serving model requests.
func WithModelTarget(target string) SessionOption {
	return func(s *Session) {
		s.engineOptions = append(s.engineOptions, turns.WithModelTarget(target))
	}
}

// WithRequeryHandler sets the follow-up strategy for tool results asking
// for a requery.
func WithRequeryHandler(handler turns.RequeryHandler) SessionOption {
	return func(s *Session) {
		s.engineOptions = append(s.engineOptions, turns.WithRequeryHandler(handler))
	}
}
