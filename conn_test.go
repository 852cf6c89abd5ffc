package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnCallAndNotify(t *testing.T) {
	client, server := newConnPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	notified := make(chan string, 1)
	server.OnRequest("echo", func(_ context.Context, params json.RawMessage) (any, error) {
		var in struct{ Text string }
		if err := json.Unmarshal(params, &in); err != nil {
			return nil, err
		}
		return map[string]string{"echo": in.Text}, nil
	})
	server.OnNotification("ping", func(_ context.Context, params json.RawMessage) error {
		notified <- string(params)
		return nil
	})

	serverErrs := listen(ctx, server)
	clientErrs := listen(ctx, client)

	var result struct{ Echo string }
	require.NoError(t, client.Call(ctx, "echo", map[string]string{"text": "hello"}, &result))
	assert.Equal(t, "hello", result.Echo)

	require.NoError(t, client.Notify(ctx, "ping", json.RawMessage(`{"n":1}`)))
	select {
	case got := <-notified:
		assert.JSONEq(t, `{"n":1}`, got)
	case <-ctx.Done():
		t.Fatal("timeout waiting for notification")
	}

	require.NoError(t, client.Close())
	require.NoError(t, client.Close())
	assert.NoError(t, <-clientErrs)
	assert.NoError(t, <-serverErrs)
	<-client.Done()
	<-server.Done()
}

func TestConnErrorResponses(t *testing.T) {
	client, server := newConnPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	server.OnRequest("register", func(context.Context, json.RawMessage) (any, error) {
		return nil, errors.Join(ErrValidation, errors.New("bad selector"))
	})
	server.OnRequest("custom", func(context.Context, json.RawMessage) (any, error) {
		return nil, &JSONRPCError{Code: 42, Message: "custom failure", Data: map[string]any{"k": "v"}}
	})
	listen(ctx, server)
	listen(ctx, client)
	defer client.Close()

	tests := []struct {
		method string
		code   int
	}{
		{"register", jsonRPCInvalidParamsCode},
		{"custom", 42},
		{"missing", jsonRPCMethodNotFoundCode},
	}
	for _, tc := range tests {
		t.Run(tc.method, func(t *testing.T) {
			err := client.Call(ctx, tc.method, nil, nil)
			var jErr *JSONRPCError
			require.ErrorAs(t, err, &jErr)
			assert.Equal(t, tc.code, jErr.Code)
		})
	}
}

func TestConnGuardRejectionIsFatal(t *testing.T) {
	client, server := newConnPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var h handshake
	h.set(stateAwaitingInitialize)
	server.SetGuard(h.guard)
	server.OnRequest(MethodShutdown, func(context.Context, json.RawMessage) (any, error) {
		t.Error("handler must not run for a rejected message")
		return nil, nil
	})

	serverErrs := listen(ctx, server)
	listen(ctx, client)
	defer client.Close()

	err := client.Call(ctx, MethodShutdown, nil, nil)
	var jErr *JSONRPCError
	require.ErrorAs(t, err, &jErr)
	assert.Equal(t, jsonRPCServerNotInitializedCode, jErr.Code)

	select {
	case err := <-serverErrs:
		assert.ErrorIs(t, err, ErrHandshakeOrder)
	case <-ctx.Done():
		t.Fatal("timeout waiting for the server to close")
	}
}

func TestConnCloseUnblocksPendingCall(t *testing.T) {
	client, server := newConnPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	server.OnRequest("slow", func(context.Context, json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	listen(ctx, server)
	listen(ctx, client)

	errs := make(chan error, 1)
	go func() { errs <- client.Call(ctx, "slow", nil, nil) }()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, client.Close())

	select {
	case err := <-errs:
		assert.ErrorIs(t, err, ErrConnClosed)
	case <-ctx.Done():
		t.Fatal("timeout waiting for the call to fail")
	}
	assert.ErrorIs(t, client.Notify(ctx, "late", nil), ErrConnClosed)
}

func TestConnCallContextCancel(t *testing.T) {
	client, server := newConnPair()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	release := make(chan struct{})
	defer close(release)
	server.OnRequest("slow", func(context.Context, json.RawMessage) (any, error) {
		<-release
		return nil, nil
	})
	listen(ctx, server)
	listen(ctx, client)
	defer client.Close()

	callCtx, callCancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer callCancel()
	assert.ErrorIs(t, client.Call(callCtx, "slow", nil, nil), context.DeadlineExceeded)
}

func TestConnListenOnce(t *testing.T) {
	client, _ := newConnPair()
	ctx, cancel := context.WithCancel(context.Background())

	errs := listen(ctx, client)
	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.listening
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, client.Listen(ctx))

	// Canceling the context closes the connection.
	cancel()
	assert.NoError(t, <-errs)
	<-client.Done()
}

func TestConnCloseBeforeListen(t *testing.T) {
	client, _ := newConnPair()
	require.NoError(t, client.Close())

	select {
	case <-client.Done():
	default:
		t.Fatal("Done must be closed once a connection that never listened is closed")
	}
}

func TestConnDropsInvalidVersion(t *testing.T) {
	a, b := newMemSessionPair()
	server := NewConn(b)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	handled := make(chan string, 2)
	server.OnNotification("n", func(_ context.Context, params json.RawMessage) error {
		handled <- string(params)
		return nil
	})
	listen(ctx, server)
	defer server.Close()

	require.NoError(t, a.Send(ctx, JSONRPCMessage{JSONRPC: "1.0", Method: "n", Params: json.RawMessage(`1`)}))
	require.NoError(t, a.Send(ctx, JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: "n", Params: json.RawMessage(`2`)}))

	select {
	case got := <-handled:
		assert.Equal(t, "2", got)
	case <-ctx.Done():
		t.Fatal("timeout waiting for notification")
	}
}
