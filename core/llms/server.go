package llms

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"github.com/koscakluka/ema-agent/core/transport"
)

const (
	CommandChatCompletion = "chat_completion"
	CommandAbort          = "abort"
)

// StreamFunc generates the response items of a single request. It stops
// when ctx is cancelled.
type StreamFunc func(ctx context.Context, request Request) iter.Seq2[Response, error]

// Server exposes a model provider as a command handler serving
// chat_completion and abort. Requests are tracked by request id so an abort
// cancels the matching generation.
type Server struct {
	stream StreamFunc
	logger *slog.Logger

	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
}

func NewServer(stream StreamFunc, l *slog.Logger) *Server {
	if l == nil {
		l = logger
	}
	return &Server{stream: stream, logger: l, inFlight: map[string]context.CancelFunc{}}
}

func (s *Server) CommandHandler() transport.CommandHandler {
	abort := transport.Reply(s.abort)
	return func(ctx context.Context, cmd transport.Command) iter.Seq2[*transport.Result, error] {
		switch cmd.Name {
		case CommandChatCompletion:
			return s.chatCompletion(ctx, cmd)
		case CommandAbort:
			return abort(ctx, cmd)
		default:
			return func(yield func(*transport.Result, error) bool) {
				yield(transport.Fail(fmt.Errorf("unknown command %q", cmd.Name)), nil)
			}
		}
	}
}

// InFlight returns the number of requests currently being generated.
func (s *Server) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inFlight)
}

func (s *Server) track(requestID string, cancel context.CancelFunc) func() {
	if requestID == "" {
		return func() {}
	}
	s.mu.Lock()
	s.inFlight[requestID] = cancel
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.inFlight, requestID)
		s.mu.Unlock()
	}
}

func (s *Server) chatCompletion(ctx context.Context, cmd transport.Command) iter.Seq2[*transport.Result, error] {
	return func(yield func(*transport.Result, error) bool) {
		request, err := ParseRequest(cmd.Payload)
		if err != nil {
			yield(transport.Fail(fmt.Errorf("invalid chat completion request: %w", err)), nil)
			return
		}

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()
		defer s.track(request.RequestID, cancel)()

		for response, err := range s.stream(ctx, *request) {
			if err != nil {
				if ctx.Err() != nil {
					s.logger.Debug("chat completion aborted", "request_id", request.RequestID)
					yield(&transport.Result{Status: transport.StatusOK, Final: true}, nil)
					return
				}
				s.logger.Error("chat completion failed", "request_id", request.RequestID, "error", err)
				yield(transport.Fail(err), nil)
				return
			}
			if !request.Streaming {
				switch response.(type) {
				case MessageDelta, ReasoningDelta:
					continue
				}
			}

			body, err := MarshalResponse(response)
			if err != nil {
				yield(transport.Fail(fmt.Errorf("failed to encode response: %w", err)), nil)
				return
			}
			if !yield(&transport.Result{Status: transport.StatusOK, Payload: body}, nil) {
				return
			}
		}
		yield(&transport.Result{Status: transport.StatusOK, Final: true}, nil)
	}
}

func (s *Server) abort(_ context.Context, cmd transport.Command) (*transport.Result, error) {
	var request AbortRequest
	if err := cmd.Decode(&request); err != nil {
		return nil, fmt.Errorf("invalid abort request: %w", err)
	}

	s.mu.Lock()
	cancel, ok := s.inFlight[request.RequestID]
	s.mu.Unlock()
	if ok {
		cancel()
		s.logger.Info("aborting chat completion", "request_id", request.RequestID)
	} else {
		s.logger.Debug("nothing to abort", "request_id", request.RequestID)
	}
	return transport.OK(map[string]any{"aborted": ok}, true)
}
