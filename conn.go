package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnOption represents the options for a Conn.
type ConnOption func(*Conn)

// Conn implements Connection over a Session produced by a ServerTransport or ClientTransport.
//
// Inbound requests and notifications are handled one at a time on the goroutine running Listen.
// Responses to outbound calls are matched to their pending Call by message ID.
type Conn struct {
	session     Session
	logger      *slog.Logger
	sendTimeout time.Duration

	mu                   sync.Mutex
	requestHandlers      map[string]RequestHandler
	notificationHandlers map[string]NotificationHandler
	guard                Guard
	pending              map[MustString]chan JSONRPCMessage
	listening            bool

	closeOnce sync.Once
	stopOnce  sync.Once
	doneOnce  sync.Once
	closing   chan struct{}
	done      chan struct{}
}

var defaultSendTimeout = 30 * time.Second

// NewConn creates a Conn over session. The session is stopped when the Conn closes.
func NewConn(session Session, options ...ConnOption) *Conn {
	c := &Conn{
		session:              session,
		logger:               slog.Default(),
		requestHandlers:      make(map[string]RequestHandler),
		notificationHandlers: make(map[string]NotificationHandler),
		pending:              make(map[MustString]chan JSONRPCMessage),
		closing:              make(chan struct{}),
		done:                 make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	if c.sendTimeout == 0 {
		c.sendTimeout = defaultSendTimeout
	}
	c.logger = c.logger.With(slog.String("sessionID", session.ID()))
	return c
}

// WithConnLogger sets the logger for the connection.
func WithConnLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "conn"),
		)
	}
}

// WithConnSendTimeout sets the timeout of every outbound write.
func WithConnSendTimeout(timeout time.Duration) ConnOption {
	return func(c *Conn) {
		c.sendTimeout = timeout
	}
}

// Notify implements Connection.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}
	return c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  paramsBs,
	})
}

// Call implements Connection.
func (c *Conn) Call(ctx context.Context, method string, params, result any) error {
	paramsBs, err := marshalParams(params)
	if err != nil {
		return fmt.Errorf("failed to marshal %s params: %w", method, err)
	}

	msgID := MustString(uuid.New().String())
	// Buffered so the receive loop never blocks on a caller that already gave up.
	results := make(chan JSONRPCMessage, 1)

	c.mu.Lock()
	c.pending[msgID] = results
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, msgID)
		c.mu.Unlock()
	}()

	if err := c.send(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      msgID,
		Method:  method,
		Params:  paramsBs,
	}); err != nil {
		return err
	}

	var msg JSONRPCMessage
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closing:
		return fmt.Errorf("%w: waiting for %s response", ErrConnClosed, method)
	case msg = <-results:
	}

	if msg.Error != nil {
		return msg.Error
	}
	if result == nil || len(msg.Result) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Result, result); err != nil {
		return fmt.Errorf("failed to unmarshal %s result: %w", method, err)
	}
	return nil
}

// OnRequest implements Connection.
func (c *Conn) OnRequest(method string, handler RequestHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requestHandlers[method] = handler
}

// OnNotification implements Connection.
func (c *Conn) OnNotification(method string, handler NotificationHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notificationHandlers[method] = handler
}

// SetGuard implements Connection.
func (c *Conn) SetGuard(guard Guard) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.guard = guard
}

// Listen implements Connection. It may be called only once.
func (c *Conn) Listen(ctx context.Context) error {
	c.mu.Lock()
	if c.listening {
		c.mu.Unlock()
		return errors.New("connection is already listening")
	}
	c.listening = true
	c.mu.Unlock()

	defer c.doneOnce.Do(func() { close(c.done) })
	defer c.stopSession()
	// Pending calls can never be answered once the loop is gone.
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.closing:
		}
	}()

	// This loop would break when the session is stopped or the peer goes away.
	for msg := range c.session.Messages() {
		if err := c.handle(ctx, msg); err != nil {
			c.logger.Error("closing connection", slog.String("err", err.Error()))
			_ = c.Close()
			return err
		}
	}
	return nil
}

// Close implements Connection.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closing)

		c.mu.Lock()
		listening := c.listening
		c.mu.Unlock()

		if !listening {
			c.stopSession()
			c.doneOnce.Do(func() { close(c.done) })
			return
		}
		// Stopping may wait for the receive loop, which could be the caller.
		go c.stopSession()
	})
	return nil
}

// Done implements Connection.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) stopSession() {
	c.stopOnce.Do(c.session.Stop)
}

func (c *Conn) send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-c.closing:
		return ErrConnClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, c.sendTimeout)
	defer cancel()

	if err := c.session.Send(ctx, msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}

func (c *Conn) handle(ctx context.Context, msg JSONRPCMessage) error {
	if msg.JSONRPC != JSONRPCVersion {
		c.logger.Warn("dropping message with invalid jsonrpc version", slog.Any("message", msg))
		return nil
	}

	if msg.Method == "" {
		c.handleResponse(msg)
		return nil
	}

	c.mu.Lock()
	guard := c.guard
	c.mu.Unlock()

	if guard != nil {
		if err := guard(msg.Method); err != nil {
			if msg.ID != "" {
				c.reply(ctx, msg.ID, nil, err)
			}
			return fmt.Errorf("rejected %s: %w", msg.Method, err)
		}
	}

	if msg.ID != "" {
		c.handleRequest(ctx, msg)
		return nil
	}
	c.handleNotification(ctx, msg)
	return nil
}

func (c *Conn) handleResponse(msg JSONRPCMessage) {
	c.mu.Lock()
	results, ok := c.pending[msg.ID]
	c.mu.Unlock()
	if !ok {
		c.logger.Debug("dropping response without pending request", slog.String("id", string(msg.ID)))
		return
	}
	select {
	case results <- msg:
	default:
	}
}

func (c *Conn) handleRequest(ctx context.Context, msg JSONRPCMessage) {
	c.mu.Lock()
	handler, ok := c.requestHandlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.reply(ctx, msg.ID, nil, &JSONRPCError{
			Code:    jsonRPCMethodNotFoundCode,
			Message: fmt.Sprintf("method not found: %s", msg.Method),
		})
		return
	}

	result, err := handler(ctx, msg.Params)
	if err != nil {
		c.logger.Info("request failed",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
	c.reply(ctx, msg.ID, result, err)
}

func (c *Conn) handleNotification(ctx context.Context, msg JSONRPCMessage) {
	c.mu.Lock()
	handler, ok := c.notificationHandlers[msg.Method]
	c.mu.Unlock()

	if !ok {
		c.logger.Debug("no handler for notification", slog.String("method", msg.Method))
		return
	}
	if err := handler(ctx, msg.Params); err != nil {
		c.logger.Error("failed to handle notification",
			slog.String("method", msg.Method),
			slog.String("err", err.Error()))
	}
}

func (c *Conn) reply(ctx context.Context, id MustString, result any, err error) {
	msg := JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
	}
	if err != nil {
		msg.Error = toJSONRPCError(err)
	} else {
		resBs, mErr := json.Marshal(result)
		if mErr != nil {
			msg.Error = &JSONRPCError{
				Code:    jsonRPCInternalErrorCode,
				Message: fmt.Sprintf("failed to marshal result: %s", mErr),
			}
		} else {
			msg.Result = resBs
		}
	}

	if err := c.send(ctx, msg); err != nil {
		c.logger.Error("failed to send response",
			slog.String("id", string(id)),
			slog.String("err", err.Error()))
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(params)
}
