package cxp

import (
	"context"
	"encoding/json"
	"iter"
	"sync"

	"github.com/sourcegraph/go-lsp"
)

type notification struct {
	method string
	params any
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *recordingNotifier) Notify(_ context.Context, method string, params any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{method: method, params: params})
	return nil
}

func (n *recordingNotifier) notifications() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type recordedCall struct {
	method string
	params any
}

type fakeCaller struct {
	mu     sync.Mutex
	calls  []recordedCall
	result json.RawMessage
	err    error
}

func (c *fakeCaller) Call(_ context.Context, method string, params, result any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, recordedCall{method: method, params: params})
	if c.err != nil {
		return c.err
	}
	if result == nil || c.result == nil {
		return nil
	}
	return json.Unmarshal(c.result, result)
}

func (c *fakeCaller) recorded() []recordedCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]recordedCall(nil), c.calls...)
}

func registration(id, method, options string) Registration {
	reg := Registration{ID: id, Method: method}
	if options != "" {
		reg.RegisterOptions = json.RawMessage(options)
	}
	return reg
}

func document(uri, languageID string) *TextDocumentItem {
	return &TextDocumentItem{URI: lsp.DocumentURI(uri), LanguageID: languageID}
}

// memSession is one end of an in-memory Session pair.
type memSession struct {
	id   string
	in   chan JSONRPCMessage
	peer *memSession

	once sync.Once
	done chan struct{}
}

func newMemSessionPair() (*memSession, *memSession) {
	a := &memSession{id: "a", in: make(chan JSONRPCMessage, 16), done: make(chan struct{})}
	b := &memSession{id: "b", in: make(chan JSONRPCMessage, 16), done: make(chan struct{})}
	a.peer, b.peer = b, a
	return a, b
}

func (s *memSession) ID() string { return s.id }

func (s *memSession) Send(ctx context.Context, msg JSONRPCMessage) error {
	select {
	case <-s.done:
		return ErrConnClosed
	case <-s.peer.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	case s.peer.in <- msg:
		return nil
	}
}

func (s *memSession) Messages() iter.Seq[JSONRPCMessage] {
	return func(yield func(JSONRPCMessage) bool) {
		for {
			select {
			case <-s.done:
				return
			case <-s.peer.done:
				// Deliver what the peer sent before it stopped.
				for {
					select {
					case msg := <-s.in:
						if !yield(msg) {
							return
						}
					default:
						return
					}
				}
			case msg := <-s.in:
				if !yield(msg) {
					return
				}
			}
		}
	}
}

func (s *memSession) Stop() {
	s.once.Do(func() { close(s.done) })
}

// newConnPair returns two connected Conns. Neither is listening yet.
func newConnPair() (*Conn, *Conn) {
	a, b := newMemSessionPair()
	return NewConn(a), NewConn(b)
}

// listen runs conn.Listen in the background and returns the channel its error is sent on.
func listen(ctx context.Context, conn Connection) <-chan error {
	errs := make(chan error, 1)
	go func() { errs <- conn.Listen(ctx) }()
	return errs
}
