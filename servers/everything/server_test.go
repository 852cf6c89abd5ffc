package everything_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/MegaGrindStone/go-cxp/servers/everything"
	"github.com/sourcegraph/go-lsp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	server *everything.Server
	client *cxp.Client
	conn   *cxp.Conn
	env    cxp.Environment
	runErr chan error
}

// startServer activates the demo server on one end of a pair of pipes and starts a client on the
// other, waiting until every capability of the server is registered.
func startServer(t *testing.T, env cxp.Environment, ctx context.Context) *harness {
	t.Helper()

	clientReader, extWriter := io.Pipe()
	extReader, clientWriter := io.Pipe()
	t.Cleanup(func() {
		_ = clientReader.Close()
		_ = extReader.Close()
	})

	extSession, err := cxp.NewStdIO(extReader, extWriter).StartSession(context.Background())
	require.NoError(t, err)
	clientSession, err := cxp.NewStdIO(clientReader, clientWriter).StartSession(context.Background())
	require.NoError(t, err)

	h := &harness{
		server: everything.NewServer(),
		env:    env,
		runErr: make(chan error, 1),
	}
	go func() {
		h.runErr <- cxp.Activate(ctx, cxp.NewConn(extSession), h.server.Run,
			cxp.WithServerCapabilities(everything.Capabilities()))
	}()

	h.conn = cxp.NewConn(clientSession)
	h.client = cxp.NewClient(h.conn, env, cxp.WithClientShutdownTimeout(time.Second))
	startCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.client.Start(startCtx))
	t.Cleanup(func() {
		_ = h.client.Shutdown(context.Background())
	})

	require.Eventually(t, func() bool {
		return len(h.client.Registries().Commands.Commands()) > 0 &&
			h.client.Registries().Decoration.HasProvider(cxp.TextDocumentItem{URI: "file:///probe", LanguageID: "go"})
	}, 5*time.Second, 10*time.Millisecond)
	return h
}

func execute(t *testing.T, h *harness, command string, args ...any) (json.RawMessage, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return h.client.Registries().Commands.ExecuteCommand(ctx, command, args...)
}

func TestServerCapabilities(t *testing.T) {
	h := startServer(t, cxp.NewEnvironment(), context.Background())

	caps := h.client.ServerCapabilities()
	assert.True(t, caps.HoverProvider)
	assert.True(t, caps.DecorationProvider)
	require.NotNil(t, caps.ExecuteCommandProvider)
	assert.Equal(t, h.client.Registries().Commands.Commands(), caps.ExecuteCommandProvider.Commands)
	assert.Equal(t, []string{
		everything.CommandAdd,
		everything.CommandDocuments,
		everything.CommandEcho,
		everything.CommandSettings,
	}, h.client.Registries().Commands.Commands())

	contributions := h.client.Registries().Contributions.Contributions()
	require.Len(t, contributions, 1)
	assert.Contains(t, string(contributions[0]), everything.CommandDocuments)
}

func TestServerCommands(t *testing.T) {
	h := startServer(t, cxp.NewEnvironment(), context.Background())

	tests := []struct {
		name     string
		command  string
		args     []any
		want     string
		wantCode int
	}{
		{name: "echo", command: everything.CommandEcho, args: []any{map[string]any{"message": "hi"}}, want: `"hi"`},
		{name: "add", command: everything.CommandAdd, args: []any{map[string]any{"a": 1.5, "b": 2}}, want: `3.5`},
		{name: "echo without message", command: everything.CommandEcho, args: []any{map[string]any{}}, wantCode: -32602},
		{name: "add with string", command: everything.CommandAdd, args: []any{map[string]any{"a": "1", "b": 2}}, wantCode: -32602},
		{name: "too many arguments", command: everything.CommandEcho, args: []any{1, 2}, wantCode: -32602},
		{name: "documents with arguments", command: everything.CommandDocuments, args: []any{map[string]any{"x": 1}}, wantCode: -32602},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			result, err := execute(t, h, tc.command, tc.args...)
			if tc.wantCode != 0 {
				var rpcErr *cxp.JSONRPCError
				require.ErrorAs(t, err, &rpcErr)
				assert.Equal(t, tc.wantCode, rpcErr.Code)
				assert.True(t, strings.HasPrefix(rpcErr.Message, "invalid params:"), rpcErr.Message)
				return
			}
			require.NoError(t, err)
			assert.JSONEq(t, tc.want, string(result))
		})
	}

	_, err := execute(t, h, "everything.missing")
	assert.ErrorIs(t, err, cxp.ErrNotFound)

	// Asked directly, the extension itself rejects the unknown command.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = h.conn.Call(ctx, cxp.MethodWorkspaceExecuteCommand, lsp.ExecuteCommandParams{Command: "everything.missing"}, nil)
	var rpcErr *cxp.JSONRPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32602, rpcErr.Code)
}

func TestServerTracksDocuments(t *testing.T) {
	env := cxp.NewEnvironment()
	h := startServer(t, env, context.Background())

	doc := &cxp.TextDocumentItem{URI: "file:///repo/main.go", LanguageID: "go"}
	env.TextDocument.Set(doc)
	require.Eventually(t, func() bool {
		_, ok := h.server.Documents()[doc.URI]
		return ok
	}, 5*time.Second, 10*time.Millisecond)

	result, err := execute(t, h, everything.CommandDocuments)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"uri":"file:///repo/main.go","languageId":"go"}]`, string(result))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	hover, ok, err := h.client.Registries().Hover.Provide(ctx, *doc, lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
		Position:     lsp.Position{Line: 2, Character: 4},
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, hover)
	require.Len(t, hover.Contents, 1)
	assert.Equal(t, "go document, line 3, column 5", hover.Contents[0].Value)

	decorations, ok, err := h.client.Registries().Decoration.Provide(ctx, *doc, cxp.DecorationParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `[{"range":{"start":{"line":0,"character":0},"end":{"line":0,"character":0}},"after":{"contentText":"opened as go"}}]`,
		string(decorations))

	env.TextDocument.Set(nil)
	require.Eventually(t, func() bool {
		return len(h.server.Documents()) == 0
	}, 5*time.Second, 10*time.Millisecond)

	hover, ok, err = h.client.Registries().Hover.Provide(ctx, *doc, lsp.TextDocumentPositionParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, hover)

	_, ok, err = h.client.Registries().Hover.Provide(ctx, cxp.TextDocumentItem{URI: "https://example.com/a.go", LanguageID: "go"},
		lsp.TextDocumentPositionParams{})
	require.NoError(t, err)
	assert.False(t, ok, "documents outside the selector are not sent")
}

func TestServerFollowsSettings(t *testing.T) {
	env := cxp.NewEnvironment()
	env.Configuration.Set(cxp.ConfigurationCascade{Merged: json.RawMessage(`{"everything":{"logLevel":"debug"}}`)})
	h := startServer(t, env, context.Background())

	result, err := execute(t, h, everything.CommandSettings)
	require.NoError(t, err)
	assert.JSONEq(t, `{"logLevel":"debug"}`, string(result))

	env.Configuration.Set(cxp.ConfigurationCascade{Merged: json.RawMessage(`{"everything":{"decorations":false}}`)})
	require.Eventually(t, func() bool {
		result, err := execute(t, h, everything.CommandSettings)
		if err != nil {
			return false
		}
		var settings everything.Settings
		return json.Unmarshal(result, &settings) == nil && settings.Decorations != nil && !*settings.Decorations
	}, 5*time.Second, 10*time.Millisecond)

	doc := &cxp.TextDocumentItem{URI: "file:///repo/main.go", LanguageID: "go"}
	env.TextDocument.Set(doc)
	require.Eventually(t, func() bool {
		return len(h.server.Documents()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	decorations, _, err := h.client.Registries().Decoration.Provide(ctx, *doc, cxp.DecorationParams{
		TextDocument: lsp.TextDocumentIdentifier{URI: doc.URI},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(decorations))

	// An unreadable level keeps the previous settings.
	env.Configuration.Set(cxp.ConfigurationCascade{Merged: json.RawMessage(`{"everything":{"logLevel":"loud"}}`)})
	time.Sleep(50 * time.Millisecond)
	result, err = execute(t, h, everything.CommandSettings)
	require.NoError(t, err)
	assert.JSONEq(t, `{"decorations":false}`, string(result))
}

func TestServerStopsWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	h := startServer(t, cxp.NewEnvironment(), ctx)

	cancel()
	select {
	case err := <-h.runErr:
		// The session ends with ctx, so Run may see either first.
		assert.True(t, err == nil || errors.Is(err, context.Canceled), "unexpected error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for the server to stop")
	}
}
