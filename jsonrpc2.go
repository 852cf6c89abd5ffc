package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sourcegraph/jsonrpc2"
)

// StreamConnOption represents the options for a StreamConn.
type StreamConnOption func(*StreamConn)

// StreamConn implements Connection over a byte stream using LSP style Content-Length framing, so an
// extension can be spoken to over a pipe or a socket the same way a language server is.
//
// Inbound messages are handled one at a time in arrival order.
type StreamConn struct {
	rwc    io.ReadWriteCloser
	logger *slog.Logger

	mu                   sync.Mutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	guard                Guard
	conn                 *jsonrpc2.Conn
	fatal                error

	ready     chan struct{}
	closing   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	doneOnce  sync.Once
}

// NewStreamConn creates a StreamConn over rwc. Nothing is read from rwc until Listen is called.
func NewStreamConn(rwc io.ReadWriteCloser, options ...StreamConnOption) *StreamConn {
	c := &StreamConn{
		rwc:                  rwc,
		logger:               slog.Default(),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		ready:                make(chan struct{}),
		closing:              make(chan struct{}),
		done:                 make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithStreamConnLogger sets the logger for the connection.
func WithStreamConnLogger(logger *slog.Logger) StreamConnOption {
	return func(c *StreamConn) {
		c.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "stream_conn"),
		)
	}
}

// Notify implements Connection. It waits for Listen to start the connection.
func (c *StreamConn) Notify(ctx context.Context, method string, params any) error {
	conn, err := c.started(ctx)
	if err != nil {
		return err
	}
	if err := conn.Notify(ctx, method, params); err != nil {
		return fromJSONRPC2Error(err)
	}
	return nil
}

// Call implements Connection. It waits for Listen to start the connection.
func (c *StreamConn) Call(ctx context.Context, method string, params, result any) error {
	conn, err := c.started(ctx)
	if err != nil {
		return err
	}
	if result == nil {
		var discard json.RawMessage
		result = &discard
	}
	if err := conn.Call(ctx, method, params, result); err != nil {
		return fromJSONRPC2Error(err)
	}
	return nil
}

// OnRequest implements Connection.
func (c *StreamConn) OnRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[method] = handler
}

// OnNotification implements Connection.
func (c *StreamConn) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationHandlers[method] = handler
}

// SetGuard implements Connection.
func (c *StreamConn) SetGuard(guard Guard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = guard
}

// Listen implements Connection. It may be called only once.
func (c *StreamConn) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.conn != nil {
		c.mu.Unlock()
		return errors.New("connection is already listening")
	}
	select {
	case <-c.closing:
		c.mu.Unlock()
		return ErrConnClosed
	default:
	}
	conn := jsonrpc2.NewConn(ctx, jsonrpc2.NewBufferedStream(c.rwc, jsonrpc2.VSCodeObjectCodec{}), streamHandler{c: c})
	c.conn = conn
	c.mu.Unlock()
	close(c.ready)

	defer c.doneOnce.Do(func() { close(c.done) })

	select {
	case <-conn.DisconnectNotify():
	case <-ctx.Done():
		_ = c.Close()
		<-conn.DisconnectNotify()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fatal
}

// Close implements Connection.
func (c *StreamConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closing)

		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			err = c.rwc.Close()
			c.doneOnce.Do(func() { close(c.done) })
			return
		}
		if cErr := conn.Close(); cErr != nil && !errors.Is(cErr, jsonrpc2.ErrClosed) {
			err = cErr
		}
	})
	return err
}

// Done implements Connection.
func (c *StreamConn) Done() <-chan struct{} {
	return c.done
}

func (c *StreamConn) started(ctx context.Context) (*jsonrpc2.Conn, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closing:
		return nil, ErrConnClosed
	case <-c.ready:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn, nil
}

type streamHandler struct {
	c *StreamConn
}

// Handle implements the jsonrpc2.Handler interface.
func (h streamHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	c := h.c

	var params json.RawMessage
	if req.Params != nil {
		params = *req.Params
	}

	c.mu.Lock()
	guard := c.guard
	c.mu.Unlock()

	if guard != nil {
		if err := guard(req.Method); err != nil {
			if !req.Notif {
				h.replyWithError(ctx, conn, req, err)
			}
			c.mu.Lock()
			c.fatal = fmt.Errorf("rejected %s: %w", req.Method, err)
			c.mu.Unlock()
			c.logger.Error("closing connection", slog.String("err", err.Error()))
			_ = c.Close()
			return
		}
	}

	if req.Notif {
		c.mu.Lock()
		handler, ok := c.notificationHandlers[req.Method]
		c.mu.Unlock()
		if !ok {
			c.logger.Debug("no handler for notification", slog.String("method", req.Method))
			return
		}
		if err := handler(ctx, params); err != nil {
			c.logger.Error("failed to handle notification",
				slog.String("method", req.Method),
				slog.String("err", err.Error()))
		}
		return
	}

	c.mu.Lock()
	handler, ok := c.requestHandlers[req.Method]
	c.mu.Unlock()
	if !ok {
		h.replyWithError(ctx, conn, req, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", req.Method),
		})
		return
	}

	result, err := handler(ctx, params)
	if err != nil {
		c.logger.Info("request failed",
			slog.String("method", req.Method),
			slog.String("err", err.Error()))
		h.replyWithError(ctx, conn, req, err)
		return
	}
	if err := conn.Reply(ctx, req.ID, result); err != nil {
		c.logger.Error("failed to send response", slog.String("err", err.Error()))
	}
}

func (h streamHandler) replyWithError(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request, err error) {
	if err := conn.ReplyWithError(ctx, req.ID, toJSONRPC2Error(err)); err != nil {
		h.c.logger.Error("failed to send error response", slog.String("err", err.Error()))
	}
}

func toJSONRPC2Error(err error) *jsonrpc2.Error {
	jErr := toJSONRPCError(err)
	rpcErr := &jsonrpc2.Error{
		Code:    int64(jErr.Code),
		Message: jErr.Message,
	}
	if jErr.Data != nil {
		rpcErr.SetError(jErr.Data)
	}
	return rpcErr
}

func fromJSONRPC2Error(err error) error {
	var rpcErr *jsonrpc2.Error
	if !errors.As(err, &rpcErr) {
		if errors.Is(err, jsonrpc2.ErrClosed) {
			return fmt.Errorf("%w: %w", ErrConnClosed, err)
		}
		return err
	}
	jErr := &JSONRPCError{
		Code:    int(rpcErr.Code),
		Message: rpcErr.Message,
	}
	if rpcErr.Data != nil {
		var data map[string]any
		if uErr := json.Unmarshal(*rpcErr.Data, &data); uErr == nil {
			jErr.Data = data
		}
	}
	return jErr
}
