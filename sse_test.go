package cxp_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-cxp"
)

func newSSETestServer(t *testing.T) (cxp.SSEServer, *httptest.Server) {
	t.Helper()

	mux := http.NewServeMux()
	testServer := httptest.NewServer(mux)

	server := cxp.NewSSEServer(testServer.URL + "/message")
	mux.Handle("/connect", server.HandleSSE())
	mux.Handle("/message", server.HandleMessage())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Attempt graceful shutdown
		if err := server.Shutdown(ctx); err != nil {
			fmt.Printf("Server forced to shutdown: %v", err)
		}
		testServer.Close()
	})
	return server, testServer
}

func TestSSEServerAndClient(t *testing.T) {
	server, testServer := newSSETestServer(t)

	serverSessions := make(chan cxp.Session, 1)
	go func() {
		for sess := range server.Sessions() {
			serverSessions <- sess
		}
	}()

	client := cxp.NewSSEClient(testServer.URL+"/connect", testServer.Client())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clientSession, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer clientSession.Stop()

	var serverSession cxp.Session
	select {
	case serverSession = <-serverSessions:
	case <-ctx.Done():
		t.Fatal("timeout waiting for server session")
	}
	defer serverSession.Stop()

	// Server to client
	received := make(chan cxp.JSONRPCMessage, 1)
	go func() {
		for msg := range clientSession.Messages() {
			received <- msg
			return
		}
	}()

	serverMsg := cxp.JSONRPCMessage{
		JSONRPC: cxp.JSONRPCVersion,
		Method:  cxp.MethodTextDocumentDidOpen,
		Params:  json.RawMessage(`{"textDocument":{"uri":"file:///a","languageId":"go"}}`),
	}
	if err := serverSession.Send(ctx, serverMsg); err != nil {
		t.Fatalf("failed to send server message: %v", err)
	}

	select {
	case msg := <-received:
		if msg.Method != serverMsg.Method {
			t.Errorf("expected method %s, got %s", serverMsg.Method, msg.Method)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for message from server")
	}

	// Client to server
	serverReceived := make(chan cxp.JSONRPCMessage, 1)
	go func() {
		for msg := range serverSession.Messages() {
			serverReceived <- msg
			return
		}
	}()

	clientMsg := cxp.JSONRPCMessage{
		JSONRPC: cxp.JSONRPCVersion,
		ID:      "1",
		Method:  cxp.MethodInitialize,
		Params:  json.RawMessage(`{"root":null,"capabilities":{},"configurationCascade":{}}`),
	}
	if err := clientSession.Send(ctx, clientMsg); err != nil {
		t.Fatalf("failed to send client message: %v", err)
	}

	select {
	case msg := <-serverReceived:
		if msg.Method != clientMsg.Method || msg.ID != clientMsg.ID {
			t.Errorf("expected %s with ID %s, got %s with ID %s", clientMsg.Method, clientMsg.ID, msg.Method, msg.ID)
		}
	case <-ctx.Done():
		t.Fatal("timeout waiting for message from client")
	}
}

func TestSSEServerMultipleClients(t *testing.T) {
	server, testServer := newSSETestServer(t)

	sessionCount := int64(0)
	go func() {
		for sess := range server.Sessions() {
			atomic.AddInt64(&sessionCount, 1)
			go func(sess cxp.Session) {
				for msg := range sess.Messages() {
					t.Logf("received message: %s", msg.Method)
				}
			}(sess)
		}
	}()

	for i := 0; i < 10; i++ {
		go func() {
			client := cxp.NewSSEClient(testServer.URL+"/connect", testServer.Client())

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			cliSession, err := client.StartSession(ctx)
			if err != nil {
				t.Logf("Failed to start session: %v", err)
				return
			}
			defer cliSession.Stop()

			// Keep the stream open past the count check below.
			<-ctx.Done()
		}()
	}

	time.Sleep(1 * time.Second)

	if count := atomic.LoadInt64(&sessionCount); count != 10 {
		t.Errorf("Expected 10 sessions, got %d", count)
	}
}

func TestSSEConnectionNegativeCases(t *testing.T) {
	t.Run("Invalid Connection URL", func(t *testing.T) {
		client := cxp.NewSSEClient("http://non-existent-url-12345.local/connect", nil)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := client.StartSession(ctx); err == nil {
			t.Fatal("Expected an error when connecting to invalid URL, got nil")
		}
	})

	t.Run("Invalid Message Format", func(t *testing.T) {
		_, testServer := newSSETestServer(t)

		req, err := http.NewRequest(http.MethodPost, testServer.URL+"/message?sessionID=abc",
			bytes.NewBufferString(`{invalid json}`))
		if err != nil {
			t.Fatalf("Failed to create request: %v", err)
		}

		resp, err := testServer.Client().Do(req)
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Missing Session ID", func(t *testing.T) {
		_, testServer := newSSETestServer(t)

		resp, err := testServer.Client().Post(testServer.URL+"/message", "application/json",
			bytes.NewBufferString(`{"jsonrpc":"2.0","method":"initialized"}`))
		if err != nil {
			t.Fatalf("Failed to send request: %v", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("Expected status 400, got %d", resp.StatusCode)
		}
	})

	t.Run("Session Timeout", func(t *testing.T) {
		_, testServer := newSSETestServer(t)

		client := cxp.NewSSEClient(testServer.URL+"/connect", testServer.Client())

		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()

		// Add a small delay to ensure context is cancelled
		time.Sleep(200 * time.Millisecond)

		if _, err := client.StartSession(ctx); err == nil {
			t.Fatal("Expected a timeout error, got nil")
		}
	})
}

func TestSSELargeMessagePayload(t *testing.T) {
	server, testServer := newSSETestServer(t)

	serverSessions := make(chan cxp.Session, 1)
	go func() {
		for sess := range server.Sessions() {
			serverSessions <- sess
		}
	}()

	client := cxp.NewSSEClient(testServer.URL+"/connect", testServer.Client(),
		cxp.WithSSEClientMaxPayloadSize(4*1024*1024))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientSession, err := client.StartSession(ctx)
	if err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	defer clientSession.Stop()

	serverSession := <-serverSessions
	defer serverSession.Stop()

	received := make(chan cxp.JSONRPCMessage, 1)
	go func() {
		for msg := range clientSession.Messages() {
			received <- msg
		}
	}()

	for _, size := range []int{1 * 1024, 100 * 1024, 1 * 1024 * 1024} {
		payload := generateRandomJSON(size)
		msg := cxp.JSONRPCMessage{
			JSONRPC: cxp.JSONRPCVersion,
			Method:  "largePayload",
			Params:  payload,
		}
		if err := serverSession.Send(ctx, msg); err != nil {
			t.Fatalf("failed to send payload of size %d: %v", size, err)
		}

		select {
		case got := <-received:
			if len(got.Params) != len(payload) {
				t.Errorf("payload of size %d arrived with size %d", len(payload), len(got.Params))
			}
		case <-ctx.Done():
			t.Fatalf("timeout waiting for payload of size %d", size)
		}
	}
}
