package transport

import (
	"context"
	"fmt"
	"iter"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// CommandHandler serves commands addressed to one target. The returned
// sequence yields the command's results; a non-streaming handler yields a
// single final result.
type CommandHandler func(ctx context.Context, cmd Command) iter.Seq2[*Result, error]

// DataHandler consumes data addressed to one target.
type DataHandler func(ctx context.Context, data Data) error

// Reply adapts a request/response function into a CommandHandler.
func Reply(handle func(ctx context.Context, cmd Command) (*Result, error)) CommandHandler {
	return func(ctx context.Context, cmd Command) iter.Seq2[*Result, error] {
		return func(yield func(*Result, error) bool) {
			result, err := handle(ctx, cmd)
			if err != nil {
				yield(nil, err)
				return
			}
			if result == nil {
				result = &Result{Status: StatusOK}
			}
			result.Final = true
			yield(result, nil)
		}
	}
}

// Forward relays commands to the same target on another graph, e.g. a remote
// one reached through a websocket client.
func Forward(client StreamingCommander) CommandHandler {
	return func(ctx context.Context, cmd Command) iter.Seq2[*Result, error] {
		return client.SendStreamingCommand(ctx, cmd.Target, cmd.Name, cmd.Payload)
	}
}

// ForwardData relays data to the same target on another graph.
func ForwardData(client DataSender) DataHandler {
	return func(ctx context.Context, data Data) error {
		return client.SendData(ctx, data.Target, data.Name, data.Payload)
	}
}

// Bus routes commands and data to handlers registered per target name. It is
// the in-process graph connecting a session to the components it addresses.
type Bus struct {
	mu       sync.RWMutex
	commands map[string]CommandHandler
	data     map[string]DataHandler
}

func NewBus() *Bus {
	return &Bus{
		commands: map[string]CommandHandler{},
		data:     map[string]DataHandler{},
	}
}

// HandleCommands registers the command handler of target, replacing any
// previous one.
func (b *Bus) HandleCommands(target string, handler CommandHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.commands[target] = handler
}

// HandleData registers the data handler of target, replacing any previous
// one.
func (b *Bus) HandleData(target string, handler DataHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[target] = handler
}

func (b *Bus) commandHandler(target string) (CommandHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handler, ok := b.commands[target]
	return handler, ok
}

func (b *Bus) dataHandler(target string) (DataHandler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	handler, ok := b.data[target]
	return handler, ok
}

func (b *Bus) SendCommand(ctx context.Context, target, name string, payload any) (*Result, error) {
	return CollectFinal(b.SendStreamingCommand(ctx, target, name, payload))
}

func (b *Bus) SendStreamingCommand(ctx context.Context, target, name string, payload any) iter.Seq2[*Result, error] {
	cmd, err := NewCommand(target, name, payload)
	if err != nil {
		return func(yield func(*Result, error) bool) { yield(nil, err) }
	}
	return b.Dispatch(ctx, cmd)
}

// Dispatch delivers an already built command to its target handler. Results
// after the final one are discarded. Results carry the command ID.
func (b *Bus) Dispatch(ctx context.Context, cmd Command) iter.Seq2[*Result, error] {
	return func(yield func(*Result, error) bool) {
		ctx, span := tracer.Start(ctx, "dispatch command", trace.WithAttributes(
			attribute.String("command.name", cmd.Name),
			attribute.String("command.target", cmd.Target),
		))
		defer span.End()

		handler, ok := b.commandHandler(cmd.Target)
		if !ok {
			err := fmt.Errorf("%w: %s", ErrUnknownTarget, cmd.Target)
			span.RecordError(err)
			span.SetStatus(codes.Error, "unknown target")
			yield(nil, err)
			return
		}

		count := 0
		defer func() { span.SetAttributes(attribute.Int("command.results", count)) }()
		for result, err := range handler(ctx, cmd) {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "command handler failed")
				yield(nil, err)
				return
			}
			if result == nil {
				continue
			}
			count++
			result.CommandID = cmd.ID
			if !yield(result, nil) || result.Final {
				return
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

func (b *Bus) SendData(ctx context.Context, target, name string, payload any) error {
	data, err := NewData(target, name, payload)
	if err != nil {
		return err
	}
	return b.DispatchData(ctx, data)
}

// DispatchData delivers already built data to its target handler.
func (b *Bus) DispatchData(ctx context.Context, data Data) error {
	handler, ok := b.dataHandler(data.Target)
	if !ok {
		logger.Warn("dropping data for unknown target", "target", data.Target, "name", data.Name)
		return fmt.Errorf("%w: %s", ErrUnknownTarget, data.Target)
	}
	if err := handler(ctx, data); err != nil {
		return fmt.Errorf("%s data handler failed: %w", data.Target, err)
	}
	return nil
}
