package cxp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/sourcegraph/go-lsp"
)

// Caller sends requests to the peer. Connection implements it.
type Caller interface {
	Call(ctx context.Context, method string, params, result any) error
}

// CommandRegistrationOptions are the options of a workspace/executeCommand registration.
type CommandRegistrationOptions struct {
	Commands []string `json:"commands"`
}

// Validate implements optionsValidator.
func (o *CommandRegistrationOptions) Validate() error {
	if len(o.Commands) == 0 {
		return errors.New("commands must not be empty")
	}
	for _, c := range o.Commands {
		if c == "" {
			return errors.New("command name must not be empty")
		}
	}
	return nil
}

// CommandFeature lets the extension contribute commands. A command name can be claimed by only one
// registration at a time.
type CommandFeature struct {
	*Feature[CommandRegistrationOptions]
	caller Caller

	mu       sync.Mutex
	commands map[string]string // command name -> registration ID
}

// NewCommandFeature creates the workspace/executeCommand feature.
func NewCommandFeature(caller Caller) *CommandFeature {
	f := &CommandFeature{
		caller:   caller,
		commands: make(map[string]string),
	}
	f.Feature = NewFeature(MethodWorkspaceExecuteCommand, func(capabilities *ClientCapabilities) {
		ensure(&ensure(&capabilities.Workspace).ExecuteCommand).DynamicRegistration = true
	}, f.registerProvider)
	return f
}

func (f *CommandFeature) registerProvider(data RegistrationData[CommandRegistrationOptions]) (Disposable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := slices.Clone(data.RegisterOptions.Commands)
	slices.Sort(names)
	names = slices.Compact(names)
	for _, name := range names {
		if owner, ok := f.commands[name]; ok {
			return nil, fmt.Errorf("%w: command %s is already registered by %s", ErrConflict, name, owner)
		}
	}
	for _, name := range names {
		f.commands[name] = data.ID
	}

	return DisposeFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, name := range names {
			delete(f.commands, name)
		}
	}), nil
}

// Commands returns the registered command names, sorted.
func (f *CommandFeature) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	names := make([]string, 0, len(f.commands))
	for name := range f.commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// ExecuteCommand asks the extension to run a registered command and returns its raw result.
func (f *CommandFeature) ExecuteCommand(ctx context.Context, command string, args ...any) (json.RawMessage, error) {
	f.mu.Lock()
	_, ok := f.commands[command]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: command %s", ErrNotFound, command)
	}

	params := lsp.ExecuteCommandParams{
		Command:   command,
		Arguments: args,
	}
	var result json.RawMessage
	if err := f.caller.Call(ctx, MethodWorkspaceExecuteCommand, params, &result); err != nil {
		return nil, fmt.Errorf("failed to execute command %s: %w", command, err)
	}
	return result, nil
}

// ContributionRegistrationOptions are the options of a window/contribution registration.
type ContributionRegistrationOptions struct {
	Contributions json.RawMessage `json:"contributions"`
}

// Validate implements optionsValidator.
func (o *ContributionRegistrationOptions) Validate() error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(o.Contributions, &obj); err != nil || obj == nil {
		return errors.New("contributions must be an object")
	}
	return nil
}

// ContributionFeature collects the contributions (menus, actions) of the extension.
type ContributionFeature struct {
	*Feature[ContributionRegistrationOptions]

	mu            sync.Mutex
	contributions registrationMap[json.RawMessage]
}

// NewContributionFeature creates the window/contribution feature.
func NewContributionFeature() *ContributionFeature {
	f := &ContributionFeature{}
	f.Feature = NewFeature(MethodWindowContribution, func(capabilities *ClientCapabilities) {
		ensure(&capabilities.Contribution).DynamicRegistration = true
	}, f.registerProvider)
	return f
}

func (f *ContributionFeature) registerProvider(data RegistrationData[ContributionRegistrationOptions]) (Disposable, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.contributions.add(data.ID, data.RegisterOptions.Contributions); err != nil {
		return nil, err
	}
	return DisposeFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, _ = f.contributions.remove(data.ID)
	}), nil
}

// Contributions returns the live contributions in registration order.
func (f *ContributionFeature) Contributions() []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.contributions.values()
}

// DecorationParams are the parameters of the textDocument/decoration request.
type DecorationParams struct {
	TextDocument lsp.TextDocumentIdentifier `json:"textDocument"`
}

// TextDocumentProviderFeature routes a document request to the extension when the document
// matches a live registration's selector. P is the request parameters and R the result.
type TextDocumentProviderFeature[P, R any] struct {
	*Feature[TextDocumentRegistrationOptions]
	caller Caller

	mu        sync.Mutex
	selectors registrationMap[DocumentSelector]
}

func newTextDocumentProviderFeature[P, R any](
	caller Caller,
	method string,
	capability func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability,
) *TextDocumentProviderFeature[P, R] {
	f := &TextDocumentProviderFeature[P, R]{caller: caller}
	f.Feature = NewFeature(method, func(capabilities *ClientCapabilities) {
		ensure(capability(ensure(&capabilities.TextDocument))).DynamicRegistration = true
	}, f.registerProvider)
	return f
}

// NewHoverFeature creates the textDocument/hover feature.
func NewHoverFeature(caller Caller) *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, *lsp.Hover] {
	return newTextDocumentProviderFeature[lsp.TextDocumentPositionParams, *lsp.Hover](caller, MethodTextDocumentHover,
		func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability { return &c.Hover })
}

// NewDefinitionFeature creates the textDocument/definition feature.
func NewDefinitionFeature(caller Caller) *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location] {
	return newTextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location](caller, MethodTextDocumentDefinition,
		func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability { return &c.Definition })
}

// NewImplementationFeature creates the textDocument/implementation feature.
func NewImplementationFeature(caller Caller) *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location] {
	return newTextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location](caller, MethodTextDocumentImplementation,
		func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability { return &c.Implementation })
}

// NewReferencesFeature creates the textDocument/references feature.
func NewReferencesFeature(caller Caller) *TextDocumentProviderFeature[lsp.ReferenceParams, []lsp.Location] {
	return newTextDocumentProviderFeature[lsp.ReferenceParams, []lsp.Location](caller, MethodTextDocumentReferences,
		func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability { return &c.References })
}

// NewTypeDefinitionFeature creates the textDocument/typeDefinition feature.
func NewTypeDefinitionFeature(caller Caller) *TextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location] {
	return newTextDocumentProviderFeature[lsp.TextDocumentPositionParams, []lsp.Location](caller, MethodTextDocumentTypeDefinition,
		func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability { return &c.TypeDefinition })
}

// NewDecorationFeature creates the textDocument/decoration feature. Decorations are passed through
// as raw JSON.
func NewDecorationFeature(caller Caller) *TextDocumentProviderFeature[DecorationParams, json.RawMessage] {
	return newTextDocumentProviderFeature[DecorationParams, json.RawMessage](caller, MethodTextDocumentDecoration,
		func(c *TextDocumentClientCapabilities) **DynamicRegistrationCapability { return &c.Decoration })
}

func (f *TextDocumentProviderFeature[P, R]) registerProvider(data RegistrationData[TextDocumentRegistrationOptions]) (Disposable, error) {
	if data.RegisterOptions.DocumentSelector == nil {
		return nil, fmt.Errorf("%w: documentSelector is required", ErrValidation)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.selectors.add(data.ID, data.RegisterOptions.DocumentSelector); err != nil {
		return nil, err
	}
	return DisposeFunc(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		_, _ = f.selectors.remove(data.ID)
	}), nil
}

// HasProvider reports whether a live registration's selector matches the document.
func (f *TextDocumentProviderFeature[P, R]) HasProvider(doc TextDocumentItem) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return matchAny(f.selectors.values(), doc)
}

// Provide sends the request to the extension if the document matches a live registration. ok is
// false when no registration matches, in which case nothing is sent.
func (f *TextDocumentProviderFeature[P, R]) Provide(ctx context.Context, doc TextDocumentItem, params P) (result R, ok bool, err error) {
	if !f.HasProvider(doc) {
		return result, false, nil
	}
	if err := f.caller.Call(ctx, f.Method(), params, &result); err != nil {
		return result, true, fmt.Errorf("failed to call %s: %w", f.Method(), err)
	}
	return result, true, nil
}
