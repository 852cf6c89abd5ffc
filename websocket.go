package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// WebSocketServer implements ServerTransport over WebSocket connections. Every connection
// accepted by ServeHTTP becomes a session exchanging one JSON-RPC message per text frame.
//
// Instances should be created using NewWebSocketServer and shut down using Shutdown.
type WebSocketServer struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	sessions chan *webSocketSession
	done     chan struct{}
	doneOnce *sync.Once
	closed   chan struct{}
}

// WebSocketServerOption represents the options for the WebSocketServer.
type WebSocketServerOption func(*WebSocketServer)

// WebSocketClient implements ClientTransport by dialing a WebSocketServer.
type WebSocketClient struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger *slog.Logger
}

// WebSocketClientOption represents the options for the WebSocketClient.
type WebSocketClientOption func(*WebSocketClient)

type webSocketSession struct {
	id     string
	conn   *websocket.Conn
	logger *slog.Logger

	writeMu sync.Mutex
	done    chan struct{}
}

var webSocketCloseTimeout = time.Second

// NewWebSocketServer creates a WebSocket server transport.
func NewWebSocketServer(options ...WebSocketServerOption) WebSocketServer {
	s := WebSocketServer{
		logger:   slog.Default(),
		sessions: make(chan *webSocketSession),
		done:     make(chan struct{}),
		doneOnce: &sync.Once{},
		closed:   make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithWebSocketCheckOrigin sets the function deciding which origins may connect. By default only
// same-origin requests are accepted.
func WithWebSocketCheckOrigin(check func(r *http.Request) bool) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.upgrader.CheckOrigin = check
	}
}

// WithWebSocketServerLogger sets the logger for the WebSocket server.
func WithWebSocketServerLogger(logger *slog.Logger) WebSocketServerOption {
	return func(s *WebSocketServer) {
		s.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "websocket_server"),
		)
	}
}

// NewWebSocketClient creates a client transport dialing url, e.g. "ws://localhost:8080/cxp".
func NewWebSocketClient(url string, options ...WebSocketClientOption) *WebSocketClient {
	c := &WebSocketClient{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// WithWebSocketHeader sets extra headers sent with the opening handshake.
func WithWebSocketHeader(header http.Header) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.header = header
	}
}

// WithWebSocketClientLogger sets the logger for the WebSocket client.
func WithWebSocketClientLogger(logger *slog.Logger) WebSocketClientOption {
	return func(c *WebSocketClient) {
		c.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "websocket_client"),
		)
	}
}

// ServeHTTP upgrades the request and hands the connection to the Sessions iterator. It returns
// once the session is stopped or the server is shut down.
func (s WebSocketServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		s.logger.Error("failed to upgrade websocket", slog.String("err", err.Error()))
		return
	}

	sess := newWebSocketSession(conn, s.logger)

	select {
	case s.sessions <- sess:
	case <-s.done:
		sess.Stop()
		return
	case <-s.closed:
		sess.Stop()
		return
	}

	select {
	case <-sess.done:
	case <-s.done:
	}
}

// Sessions implements the ServerTransport interface.
func (s WebSocketServer) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		defer close(s.closed)

		for {
			select {
			case <-s.done:
				return
			case sess := <-s.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface.
func (s WebSocketServer) Shutdown(ctx context.Context) error {
	s.doneOnce.Do(func() { close(s.done) })

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close websocket server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// StartSession implements the ClientTransport interface.
func (c *WebSocketClient) StartSession(ctx context.Context) (Session, error) {
	conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to dial %s (status %d): %w", c.url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to dial %s: %w", c.url, err)
	}
	return newWebSocketSession(conn, c.logger), nil
}

func newWebSocketSession(conn *websocket.Conn, logger *slog.Logger) *webSocketSession {
	id := uuid.New().String()
	return &webSocketSession{
		id:     id,
		conn:   conn,
		logger: logger.With(slog.String("sessionID", id)),
		done:   make(chan struct{}),
	}
}

func (s *webSocketSession) ID() string { return s.id }

func (s *webSocketSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	msgBs, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	select {
	case <-s.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	// gorilla/websocket supports one concurrent writer.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := s.conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := s.conn.WriteMessage(websocket.TextMessage, msgBs); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *webSocketSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			msgType, data, err := s.conn.ReadMessage()
			if err != nil {
				var closeErr *websocket.CloseError
				select {
				case <-s.done:
				default:
					if !errors.As(err, &closeErr) || closeErr.Code != websocket.CloseNormalClosure {
						s.logger.Error("failed to read message", slog.String("err", err.Error()))
					}
				}
				return
			}
			if msgType != websocket.TextMessage {
				s.logger.Warn("ignoring non-text frame", slog.Int("type", msgType))
				continue
			}

			var msg JSONRPCMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				s.logger.Error("failed to unmarshal message", slog.String("err", err.Error()))
				continue
			}
			if !yield(msg) {
				return
			}
		}
	}
}

func (s *webSocketSession) Stop() {
	close(s.done)

	s.writeMu.Lock()
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	if err := s.conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(webSocketCloseTimeout)); err != nil &&
		!errors.Is(err, websocket.ErrCloseSent) {
		s.logger.Debug("failed to send close frame", slog.String("err", err.Error()))
	}
	s.writeMu.Unlock()

	if err := s.conn.Close(); err != nil {
		s.logger.Debug("failed to close websocket", slog.String("err", err.Error()))
	}
}
