package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/koscakluka/ema-agent/core/events"
	"github.com/koscakluka/ema-agent/core/queue"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Handler observes one event. Returned errors are logged and never stop
// delivery.
type Handler func(ctx context.Context, event events.Event) error

// Typed adapts a handler for one concrete event type.
func Typed[T events.Event](handle func(ctx context.Context, event T) error) Handler {
	return func(ctx context.Context, event events.Event) error {
		typed, ok := event.(T)
		if !ok {
			return fmt.Errorf("unexpected event type %T for %s", event, event.Kind())
		}
		return handle(ctx, typed)
	}
}

// Dispatcher delivers events to the handlers registered for their kind.
//
// Recognition results and model responses travel through two independent
// queued channels; each channel delivers one event at a time in emit order.
// Everything else is dispatched immediately by EmitDirect.
type Dispatcher struct {
	logger *slog.Logger

	handlersMu sync.RWMutex
	handlers   map[events.Kind][]Handler

	recognition *eventChannel
	responses   *eventChannel
}

func NewDispatcher(ctx context.Context, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		logger:   logger,
		handlers: map[events.Kind][]Handler{},
	}
	d.recognition = newEventChannel(ctx, "recognition", d)
	d.responses = newEventChannel(ctx, "model", d)
	return d
}

// On appends handler to the handlers of kind.
func (d *Dispatcher) On(kind events.Kind, handler Handler) {
	d.handlersMu.Lock()
	defer d.handlersMu.Unlock()
	d.handlers[kind] = append(d.handlers[kind], panicSafeHandler(string(kind), handler))
}

func (d *Dispatcher) handlersFor(kind events.Kind) []Handler {
	d.handlersMu.RLock()
	defer d.handlersMu.RUnlock()
	return d.handlers[kind]
}

// EmitRecognition queues a recognition event.
func (d *Dispatcher) EmitRecognition(event events.Event) {
	d.recognition.emit(event)
}

// EmitModelResponse queues a model response event.
func (d *Dispatcher) EmitModelResponse(event events.Event) {
	d.responses.emit(event)
}

// EmitDirect dispatches event synchronously, ahead of any queued work.
func (d *Dispatcher) EmitDirect(ctx context.Context, event events.Event) {
	d.dispatch(ctx, event)
}

// FlushResponses drops queued model responses and cancels the handler
// currently delivering one.
func (d *Dispatcher) FlushResponses() {
	if dropped := d.responses.flush(); dropped > 0 {
		d.logger.Debug("dropped queued model responses", "count", dropped)
	}
}

// Stop prevents any further delivery from the queued channels.
func (d *Dispatcher) Stop() {
	d.recognition.stop()
	d.responses.stop()
}

func (d *Dispatcher) dispatch(ctx context.Context, event events.Event) {
	ctx, span := tracer.Start(ctx, "dispatch event", trace.WithAttributes(
		attribute.String("event.kind", string(event.Kind())),
	))
	defer span.End()

	for _, handle := range d.handlersFor(event.Kind()) {
		if err := handle(ctx, event); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "event handler failed")
			d.logger.Error("event handler failed", "kind", event.Kind(), "error", err)
		}
	}
}

// eventChannel is a queue drained by a lazily scheduled loop: a drain runs
// until the queue is empty, and a new one is scheduled if items slipped in
// while it was finishing.
type eventChannel struct {
	name       string
	dispatcher *Dispatcher
	queue      *queue.Queue[events.Event]

	mu           sync.Mutex
	baseContext  context.Context
	ctx          context.Context
	cancel       context.CancelFunc
	activeCancel context.CancelFunc
	draining     bool
	stopped      bool
}

func newEventChannel(ctx context.Context, name string, dispatcher *Dispatcher) *eventChannel {
	c := &eventChannel{
		name:        name,
		dispatcher:  dispatcher,
		queue:       queue.New[events.Event](),
		baseContext: ctx,
	}
	c.ctx, c.cancel = context.WithCancel(ctx)
	return c
}

func (c *eventChannel) emit(event events.Event) {
	c.queue.Enqueue(event)
	c.scheduleDrain()
}

func (c *eventChannel) scheduleDrain() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.draining || c.stopped {
		return
	}
	c.draining = true
	go c.drain()
}

func (c *eventChannel) drain() {
	for {
		for c.queue.Len() > 0 {
			c.mu.Lock()
			ctx, stopped := c.ctx, c.stopped
			c.mu.Unlock()
			if stopped {
				break
			}

			event, ok := c.queue.Dequeue(ctx)
			if !ok {
				continue
			}

			c.mu.Lock()
			if ctx.Err() != nil {
				// Flushed between dequeue and delivery.
				c.mu.Unlock()
				continue
			}
			handlerCtx, cancel := context.WithCancel(ctx)
			c.activeCancel = cancel
			c.mu.Unlock()

			c.dispatcher.dispatch(handlerCtx, event)

			c.mu.Lock()
			c.activeCancel = nil
			c.mu.Unlock()
			cancel()
		}

		c.mu.Lock()
		if c.queue.Len() > 0 && !c.stopped {
			c.mu.Unlock()
			continue
		}
		c.draining = false
		c.mu.Unlock()
		return
	}
}

func (c *eventChannel) flush() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancel()
	c.ctx, c.cancel = context.WithCancel(c.baseContext)
	if c.activeCancel != nil {
		c.activeCancel()
	}
	return c.queue.Clear()
}

func (c *eventChannel) stop() {
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
	c.flush()
}
