package websocket

import (
	"context"
	"net/http"
	"sync"

	gws "github.com/gorilla/websocket"
	"github.com/koscakluka/ema-agent/core/transport"
)

// Handler serves a transport.Bus to websocket clients. Each connection may
// run any number of commands concurrently; data is delivered in arrival
// order.
type Handler struct {
	bus      *transport.Bus
	upgrader gws.Upgrader
}

func NewHandler(bus *transport.Bus) *Handler {
	return &Handler{
		bus: bus,
		upgrader: gws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("failed to upgrade websocket connection", "error", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var writeMu sync.Mutex
	write := func(f frame) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteJSON(f); err != nil {
			logger.Warn("failed to write websocket frame", "error", err)
		}
	}

	var (
		wg        sync.WaitGroup
		runningMu sync.Mutex
		running   = map[string]context.CancelFunc{}
	)
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			if !gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				logger.Warn("websocket transport read failed", "error", err)
			}
			break
		}

		switch f.Kind {
		case frameCommand:
			if f.Command == nil {
				logger.Warn("command frame without command")
				continue
			}
			cmd := *f.Command
			cmdCtx, cmdCancel := context.WithCancel(ctx)
			runningMu.Lock()
			running[cmd.ID] = cmdCancel
			runningMu.Unlock()

			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() {
					runningMu.Lock()
					delete(running, cmd.ID)
					runningMu.Unlock()
					cmdCancel()
				}()
				h.serveCommand(cmdCtx, cmd, write)
			}()

		case frameCancel:
			runningMu.Lock()
			if cmdCancel, ok := running[f.CommandID]; ok {
				cmdCancel()
			}
			runningMu.Unlock()

		case frameData:
			if f.Data == nil {
				logger.Warn("data frame without data")
				continue
			}
			if err := h.bus.DispatchData(ctx, *f.Data); err != nil {
				logger.Warn("failed to deliver data", "name", f.Data.Name, "target", f.Data.Target, "error", err)
			}

		default:
			logger.Warn("ignoring unexpected websocket frame", "kind", f.Kind)
		}
	}

	cancel()
	wg.Wait()
}

func (h *Handler) serveCommand(ctx context.Context, cmd transport.Command, write func(frame)) {
	ctx, span := tracer.Start(ctx, "serve remote command")
	defer span.End()

	for result, err := range h.bus.Dispatch(ctx, cmd) {
		if err != nil {
			span.RecordError(err)
			result = transport.Fail(err)
			result.CommandID = cmd.ID
		}
		if ctx.Err() != nil {
			return
		}
		write(frame{Kind: frameResult, Result: result})
		if result.Final {
			return
		}
	}

	if ctx.Err() == nil {
		write(frame{Kind: frameResult, Result: &transport.Result{CommandID: cmd.ID, Status: transport.StatusOK, Final: true}})
	}
}
