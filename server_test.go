package cxp

import (
	"context"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memTransport is a ServerTransport that yields the extension ends of in-memory session pairs.
type memTransport struct {
	sessions chan Session
	done     chan struct{}
	once     sync.Once
}

func newMemTransport() *memTransport {
	return &memTransport{
		sessions: make(chan Session),
		done:     make(chan struct{}),
	}
}

func (t *memTransport) Sessions() iter.Seq[Session] {
	return func(yield func(Session) bool) {
		for {
			select {
			case <-t.done:
				return
			case sess := <-t.sessions:
				if !yield(sess) {
					return
				}
			}
		}
	}
}

func (t *memTransport) Shutdown(context.Context) error {
	t.once.Do(func() { close(t.done) })
	return nil
}

// connect opens a session with the given ID and returns the client's end of it.
func (t *memTransport) connect(ctx context.Context, id string) (*Conn, error) {
	client, ext := newMemSessionPair()
	ext.id = id
	select {
	case t.sessions <- ext:
		return NewConn(client), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestServerSessions(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport := newMemTransport()
	connected := make(chan string, 2)
	disconnected := make(chan string, 2)
	srv := NewServer(transport, nil,
		WithExtensionOptions(WithInitializeResultField("serverInfo", map[string]string{"name": "demo"})),
		WithServerOnClientConnected(func(sessionID string, params InitializeParams) {
			assert.Equal(t, TraceOff, params.Trace)
			connected <- sessionID
		}),
		WithServerOnClientDisconnected(func(sessionID string, err error) {
			assert.NoError(t, err)
			disconnected <- sessionID
		}),
	)

	served := make(chan struct{})
	go func() {
		defer close(served)
		srv.Serve()
	}()

	var clients []*Client
	for _, id := range []string{"one", "two"} {
		conn, err := transport.connect(ctx, id)
		require.NoError(t, err)
		client := NewClient(conn, NewEnvironment())
		require.NoError(t, client.Start(ctx))
		assert.JSONEq(t, `{"name":"demo"}`, string(client.InitializeResult().Extra["serverInfo"]))
		clients = append(clients, client)
	}

	var ids []string
	for range 2 {
		select {
		case id := <-connected:
			ids = append(ids, id)
		case <-ctx.Done():
			t.Fatal("timeout waiting for sessions")
		}
	}
	assert.ElementsMatch(t, []string{"one", "two"}, ids)

	require.NoError(t, clients[0].Shutdown(ctx))
	select {
	case id := <-disconnected:
		assert.Equal(t, "one", id)
	case <-ctx.Done():
		t.Fatal("timeout waiting for the first session to end")
	}

	require.NoError(t, srv.Shutdown(ctx))
	select {
	case <-clients[1].Done():
	case <-ctx.Done():
		t.Fatal("timeout waiting for the server to end the second session")
	}
	select {
	case id := <-disconnected:
		assert.Equal(t, "two", id)
	case <-ctx.Done():
		t.Fatal("timeout waiting for the second session to end")
	}
	select {
	case <-served:
	case <-ctx.Done():
		t.Fatal("timeout waiting for Serve to return")
	}
}

func TestServerRunsExtension(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	transport := newMemTransport()
	registered := make(chan error, 1)
	srv := NewServer(transport, func(ctx context.Context, ext *Extension) error {
		_, err := ext.RegisterCapability(ctx, MethodWorkspaceExecuteCommand,
			CommandRegistrationOptions{Commands: []string{"demo.run"}})
		registered <- err
		<-ext.Done()
		return nil
	})
	go srv.Serve()
	defer func() {
		assert.NoError(t, srv.Shutdown(context.Background()))
	}()

	conn, err := transport.connect(ctx, "session")
	require.NoError(t, err)
	client := NewClient(conn, NewEnvironment())
	require.NoError(t, client.Start(ctx))
	defer func() { _ = client.Shutdown(context.Background()) }()

	select {
	case err := <-registered:
		require.NoError(t, err)
	case <-ctx.Done():
		t.Fatal("timeout waiting for registration")
	}
	assert.Equal(t, []string{"demo.run"}, client.Registries().Commands.Commands())
}
