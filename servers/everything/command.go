package everything

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/MegaGrindStone/go-cxp"
	"github.com/qri-io/jsonschema"
	"github.com/sourcegraph/go-lsp"
)

// Command names contributed by the server.
const (
	CommandEcho      = "everything.echo"
	CommandAdd       = "everything.add"
	CommandDocuments = "everything.documents"
	CommandSettings  = "everything.settings"
)

type command struct {
	title  string
	schema *jsonschema.Schema
	run    func(s *Server, args json.RawMessage) (any, error)
}

var commands = map[string]command{
	CommandEcho: {
		title:  "Echo a message",
		schema: echoSchema,
		run: func(_ *Server, raw json.RawMessage) (any, error) {
			var args EchoArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return args.Message, nil
		},
	},
	CommandAdd: {
		title:  "Add two numbers",
		schema: addSchema,
		run: func(_ *Server, raw json.RawMessage) (any, error) {
			var args AddArgs
			if err := json.Unmarshal(raw, &args); err != nil {
				return nil, err
			}
			return args.A + args.B, nil
		},
	},
	CommandDocuments: {
		title:  "List open documents",
		schema: emptySchema,
		run: func(s *Server, _ json.RawMessage) (any, error) {
			docs := make([]cxp.TextDocumentItem, 0)
			for _, doc := range s.Documents() {
				docs = append(docs, doc)
			}
			slices.SortFunc(docs, func(a, b cxp.TextDocumentItem) int {
				return strings.Compare(string(a.URI), string(b.URI))
			})
			return docs, nil
		},
	},
	CommandSettings: {
		title:  "Show settings",
		schema: emptySchema,
		run: func(s *Server, _ json.RawMessage) (any, error) {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.settings, nil
		},
	},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func contributions() map[string]any {
	type action struct {
		ID      string `json:"id"`
		Command string `json:"command"`
		Title   string `json:"title"`
	}
	type menuItem struct {
		Action string `json:"action"`
	}

	var actions []action
	var palette []menuItem
	for _, name := range commandNames() {
		actions = append(actions, action{ID: name, Command: name, Title: commands[name].title})
		palette = append(palette, menuItem{Action: name})
	}
	return map[string]any{
		"actions": actions,
		"menus":   map[string]any{"commandPalette": palette},
	}
}

func (s *Server) handleExecuteCommand(ctx context.Context, rawParams json.RawMessage) (any, error) {
	var params lsp.ExecuteCommandParams
	if err := json.Unmarshal(rawParams, &params); err != nil {
		return nil, fmt.Errorf("%w: invalid executeCommand params: %s", cxp.ErrInvalidParams, err)
	}
	s.logger.Debug("executing command", slog.String("command", params.Command))

	cmd, ok := commands[params.Command]
	if !ok {
		return nil, fmt.Errorf("%w: unknown command %s", cxp.ErrInvalidParams, params.Command)
	}

	var arg any = map[string]any{}
	switch len(params.Arguments) {
	case 0:
	case 1:
		arg = params.Arguments[0]
	default:
		return nil, fmt.Errorf("%w: %s takes at most one argument", cxp.ErrInvalidParams, params.Command)
	}

	vs := cmd.schema.Validate(ctx, arg)
	if errs := *vs.Errs; len(errs) > 0 {
		var errStr []string
		for _, err := range errs {
			errStr = append(errStr, err.Message)
		}
		return nil, fmt.Errorf("%w: arguments of %s: %s", cxp.ErrInvalidParams, params.Command, strings.Join(errStr, ", "))
	}

	raw, err := json.Marshal(arg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal arguments: %w", err)
	}
	result, err := cmd.run(s, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments of %s: %s", cxp.ErrInvalidParams, params.Command, err)
	}
	return result, nil
}
