package cxp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// ServerOption represents the options for the server.
type ServerOption func(*Server)

// Server hosts an extension for every client that connects through a ServerTransport. Each session
// gets its own Conn and is activated independently, so a misbehaving client only loses its own
// session.
type Server struct {
	transport        ServerTransport
	run              func(ctx context.Context, ext *Extension) error
	extensionOptions []ExtensionOption
	connOptions      []ConnOption

	logger *slog.Logger

	onClientConnected    func(sessionID string, params InitializeParams)
	onClientDisconnected func(sessionID string, err error)

	sessionsWaitGroup *sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer creates a Server that calls run with the active Extension of every session accepted
// from transport. run is called once per session and should return when the session is done.
func NewServer(transport ServerTransport, run func(ctx context.Context, ext *Extension) error, options ...ServerOption) Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := Server{
		transport:         transport,
		run:               run,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		ctx:               ctx,
		cancel:            cancel,
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithExtensionOptions sets the options every session's extension is activated with.
func WithExtensionOptions(options ...ExtensionOption) ServerOption {
	return func(s *Server) {
		s.extensionOptions = append(s.extensionOptions, options...)
	}
}

// WithConnOptions sets the options of every session's Conn.
func WithConnOptions(options ...ConnOption) ServerOption {
	return func(s *Server) {
		s.connOptions = append(s.connOptions, options...)
	}
}

// WithServerOnClientConnected sets a callback for when a client completes the handshake.
func WithServerOnClientConnected(onClientConnected func(sessionID string, params InitializeParams)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets a callback for when a session ends. err is why the session
// ended, and is nil if the client went away cleanly.
func WithServerOnClientDisconnected(onClientDisconnected func(sessionID string, err error)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-cxp"),
			slog.String("component", "server"),
		)
	}
}

// Serve accepts sessions until the transport stops yielding them, which happens once Shutdown is
// called.
func (s Server) Serve() {
	// This loop would break when the transport is closed.
	for sess := range s.transport.Sessions() {
		if s.ctx.Err() != nil {
			sess.Stop()
			continue
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()
			s.serveSession(sess)
		}()
	}
}

// Shutdown ends every session and then the transport. It returns an error if the sessions or the
// transport did not finish before ctx is done.
func (s Server) Shutdown(ctx context.Context) error {
	// Ending the context ends every session's receive loop, which closes its Conn.
	s.cancel()

	var result error

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()
	select {
	case <-ctx.Done():
		result = multierror.Append(result, fmt.Errorf("failed to wait for sessions: %w", ctx.Err()))
	case <-sessionsDone:
	}

	// Close the transport so the Sessions loop in Serve breaks.
	if err := s.transport.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("failed to shutdown transport: %w", err))
	}
	return result
}

func (s Server) serveSession(sess Session) {
	logger := s.logger.With(slog.String("sessionID", sess.ID()))
	conn := NewConn(sess, append([]ConnOption{WithConnLogger(logger)}, s.connOptions...)...)

	options := append([]ExtensionOption{WithExtensionLogger(logger)}, s.extensionOptions...)
	err := Activate(s.ctx, conn, func(ctx context.Context, ext *Extension) error {
		if s.onClientConnected != nil {
			s.onClientConnected(sess.ID(), ext.InitializeParams())
		}
		if s.run == nil {
			<-ext.Done()
			return nil
		}
		return s.run(ctx, ext)
	}, options...)
	_ = conn.Close()

	if errors.Is(err, context.Canceled) || errors.Is(err, ErrConnClosed) {
		err = nil
	}
	if err != nil {
		logger.Warn("session ended", slog.String("err", err.Error()))
	} else {
		logger.Debug("session ended")
	}
	if s.onClientDisconnected != nil {
		s.onClientDisconnected(sess.ID(), err)
	}
}
