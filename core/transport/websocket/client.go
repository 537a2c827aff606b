package websocket

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"

	gws "github.com/gorilla/websocket"
	"github.com/koscakluka/ema-agent/core/transport"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrClosed = errors.New("websocket transport closed")

// Client forwards commands and data to a remote graph. Results of concurrent
// commands are multiplexed over the connection by command ID.
type Client struct {
	conn    *gws.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]*pendingCommand
	readErr error

	closed    chan struct{}
	closeOnce sync.Once
}

type pendingCommand struct {
	results chan *transport.Result
	done    chan struct{}
}

var _ transport.Client = (*Client)(nil)

// Dial connects to a graph served by NewHandler.
func Dial(ctx context.Context, url string, header http.Header) (*Client, error) {
	conn, _, err := gws.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to open websocket connection: %w", err)
	}
	return newClient(conn), nil
}

func newClient(conn *gws.Conn) *Client {
	c := &Client{
		conn:    conn,
		pending: map[string]*pendingCommand{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) readLoop() {
	defer c.markClosed()
	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			if !gws.IsCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway) {
				logger.Warn("websocket transport read failed", "error", err)
			}
			c.mu.Lock()
			c.readErr = err
			c.mu.Unlock()
			return
		}
		if f.Kind != frameResult || f.Result == nil {
			logger.Warn("ignoring unexpected websocket frame", "kind", f.Kind)
			continue
		}

		c.mu.Lock()
		pending, ok := c.pending[f.Result.CommandID]
		c.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case pending.results <- f.Result:
		case <-pending.done:
		}
	}
}

func (c *Client) markClosed() {
	c.closeOnce.Do(func() { close(c.closed) })
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return fmt.Errorf("%w: %w", ErrClosed, c.readErr)
	}
	return ErrClosed
}

func (c *Client) write(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("failed to write websocket frame: %w", err)
	}
	return nil
}

func (c *Client) SendCommand(ctx context.Context, target, name string, payload any) (*transport.Result, error) {
	return transport.CollectFinal(c.SendStreamingCommand(ctx, target, name, payload))
}

func (c *Client) SendStreamingCommand(ctx context.Context, target, name string, payload any) iter.Seq2[*transport.Result, error] {
	return func(yield func(*transport.Result, error) bool) {
		ctx, span := tracer.Start(ctx, "send remote command", trace.WithAttributes(
			attribute.String("command.name", name),
			attribute.String("command.target", target),
		))
		defer span.End()

		cmd, err := transport.NewCommand(target, name, payload)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "invalid command")
			yield(nil, err)
			return
		}

		pending := &pendingCommand{
			results: make(chan *transport.Result, 16),
			done:    make(chan struct{}),
		}
		c.mu.Lock()
		c.pending[cmd.ID] = pending
		c.mu.Unlock()

		finished := false
		defer func() {
			c.mu.Lock()
			delete(c.pending, cmd.ID)
			c.mu.Unlock()
			close(pending.done)
			if !finished {
				if err := c.write(frame{Kind: frameCancel, CommandID: cmd.ID}); err != nil {
					logger.Debug("failed to cancel remote command", "command", name, "error", err)
				}
			}
		}()

		if err := c.write(frame{Kind: frameCommand, Command: &cmd}); err != nil {
			finished = true
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to send command")
			yield(nil, err)
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.closed:
				finished = true
				err := c.closedErr()
				span.RecordError(err)
				span.SetStatus(codes.Error, "connection closed")
				yield(nil, err)
				return
			case result := <-pending.results:
				if result.Final {
					finished = true
				}
				if !yield(result, nil) || result.Final {
					return
				}
			}
		}
	}
}

func (c *Client) SendData(ctx context.Context, target, name string, payload any) error {
	data, err := transport.NewData(target, name, payload)
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return c.closedErr()
	default:
	}
	return c.write(frame{Kind: frameData, Data: &data})
}

// Close performs the closing handshake and releases the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	err := c.conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	if closeErr := c.conn.Close(); err == nil {
		err = closeErr
	}
	c.markClosed()
	return err
}
