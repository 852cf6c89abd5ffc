package cxp

import (
	"context"
	"encoding/json"
	"iter"
	"sync"
)

// ServerTransport provides the listening side of a message transport. An extension host uses it
// to accept connections from clients.
type ServerTransport interface {
	// Sessions returns an iterator that yields new sessions as peers connect. The implementation
	// must guarantee that each session ID is unique across all active sessions.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Sessions() iter.Seq[Session]

	// Shutdown gracefully shuts down the ServerTransport. The implementations should not stop the
	// sessions it produced, the caller already does that. The caller is guaranteed to call this
	// method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the dialing side of a message transport.
type ClientTransport interface {
	// StartSession initiates a new session with the peer. Operations are canceled when the
	// context is canceled.
	StartSession(ctx context.Context) (Session, error)
}

// Session represents a bidirectional message channel between two peers.
type Session interface {
	// ID returns the unique identifier for this session.
	ID() string

	// Send transmits a message to the peer.
	Send(ctx context.Context, msg JSONRPCMessage) error

	// Messages returns an iterator that yields messages received from the peer.
	// The implementations should exit the iteration if the session is stopped.
	Messages() iter.Seq[JSONRPCMessage]

	// Stop stops the session. The caller is guaranteed to call this method once.
	Stop()
}

// RequestHandler handles an inbound request. The returned value is marshaled as the result of the
// response; a non-nil error is converted into a JSON-RPC error response.
type RequestHandler func(ctx context.Context, params json.RawMessage) (any, error)

// NotificationHandler handles an inbound notification.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// Guard inspects the method of every inbound request and notification before it is dispatched.
// A non-nil error is fatal to the connection.
type Guard func(method string) error

// Connection is the message surface the session layer is built on: sending requests and
// notifications, registering handlers for inbound ones, and running the receive loop.
//
// Inbound handlers run one at a time on the goroutine that called Listen, in arrival order.
// A handler must not call Call on the same Connection, as the response could only be delivered by
// the loop the handler is blocking.
type Connection interface {
	// Notify sends a notification to the peer.
	Notify(ctx context.Context, method string, params any) error

	// Call sends a request to the peer and waits for its response. If result is non-nil the
	// response result is unmarshaled into it.
	Call(ctx context.Context, method string, params, result any) error

	// OnRequest registers the handler for an inbound request method, replacing any previous one.
	OnRequest(method string, handler RequestHandler)

	// OnNotification registers the handler for an inbound notification method, replacing any
	// previous one.
	OnNotification(method string, handler NotificationHandler)

	// SetGuard installs the guard consulted before any inbound message is dispatched.
	SetGuard(guard Guard)

	// Listen runs the receive loop until the connection is closed, the peer goes away, or the
	// guard rejects a message. It returns nil on a clean close.
	Listen(ctx context.Context) error

	// Close closes the connection. It is safe to call more than once and from within a handler.
	Close() error

	// Done is closed once the receive loop has exited.
	Done() <-chan struct{}
}

// Disposable is a resource that can be released. Dispose must be safe to call more than once.
type Disposable interface {
	Dispose()
}

type disposeOnce struct {
	once sync.Once
	fn   func()
}

// DisposeFunc returns a Disposable that calls fn the first time it is disposed.
func DisposeFunc(fn func()) Disposable {
	return &disposeOnce{fn: fn}
}

func (d *disposeOnce) Dispose() {
	d.once.Do(func() {
		if d.fn != nil {
			d.fn()
		}
	})
}
